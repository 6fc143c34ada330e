// Package clock drives Weaver's notion of time. A Clock emits clock.Tick
// envelopes at bar boundaries and invokes registered callbacks once per
// tick. RealtimeClock follows the wall clock; BacktestClock replays a
// historical span without sleeping.
package clock

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/5TFG4/Weaver-sub002/internal/domain/schema"
	"github.com/5TFG4/Weaver-sub002/internal/errs"
	"github.com/5TFG4/Weaver-sub002/internal/infra/eventlog"
)

const scope = "clock"

// DefaultCallbackTimeout bounds one tick's processing, covering the
// envelope append (and its synchronous dispatch) plus every callback.
const DefaultCallbackTimeout = 30 * time.Second

// TickFunc is a per-tick callback. Returning an error aborts the clock and
// surfaces as a run error.
type TickFunc func(ctx context.Context, tick schema.ClockTick) error

// Clock is the shared contract of both time sources.
type Clock interface {
	// Start begins emitting ticks for the run and blocks until the schedule
	// is exhausted, Stop is called, the context ends, or a tick fails. A
	// nil return means natural completion or a clean stop.
	Start(ctx context.Context, runID string, timeframe schema.Timeframe) error
	// Stop cancels pending emissions. Idempotent.
	Stop()
	// CurrentTime is the active notion of time, wall or simulated.
	CurrentTime() time.Time
	// OnTick registers a callback invoked after the tick envelope is
	// appended. Callbacks run in registration order.
	OnTick(fn TickFunc)
}

// Option configures a clock.
type Option func(*emitter)

// WithCallbackTimeout overrides the per-tick processing budget.
func WithCallbackTimeout(d time.Duration) Option {
	return func(e *emitter) {
		if d > 0 {
			e.callbackTimeout = d
		}
	}
}

// WithLogger attaches a logger.
func WithLogger(logger *zap.Logger) Option {
	return func(e *emitter) {
		if logger != nil {
			e.logger = logger
		}
	}
}

// emitter is the firing core shared by both clock variants: it appends the
// tick envelope, then drives callbacks, all under one timeout.
type emitter struct {
	log             eventlog.Log
	logger          *zap.Logger
	producer        string
	callbackTimeout time.Duration

	mu        sync.Mutex
	callbacks []TickFunc
}

func newEmitter(log eventlog.Log, producer string, opts []Option) *emitter {
	e := &emitter{
		log:             log,
		logger:          zap.NewNop(),
		producer:        producer,
		callbackTimeout: DefaultCallbackTimeout,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(e)
		}
	}
	return e
}

func (e *emitter) register(fn TickFunc) {
	if fn == nil {
		return
	}
	e.mu.Lock()
	e.callbacks = append(e.callbacks, fn)
	e.mu.Unlock()
}

func (e *emitter) snapshot() []TickFunc {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]TickFunc, len(e.callbacks))
	copy(out, e.callbacks)
	return out
}

// fire processes one tick to completion. The append happens first so log
// subscribers observe the tick before direct callbacks run. Processing that
// outlives the budget is abandoned, the tick context is cancelled so
// cooperative handlers unwind.
func (e *emitter) fire(ctx context.Context, tick schema.ClockTick) error {
	tickCtx, cancel := context.WithTimeout(ctx, e.callbackTimeout)
	defer cancel()

	done := make(chan error, 1)
	go func() {
		done <- e.process(tickCtx, tick)
	}()

	select {
	case err := <-done:
		return err
	case <-tickCtx.Done():
		if ctx.Err() != nil {
			return ctx.Err()
		}
		e.logger.Error("tick processing exceeded budget",
			zap.String("run_id", tick.RunID),
			zap.Time("ts", tick.TS),
			zap.Duration("budget", e.callbackTimeout))
		return errs.Internal(scope, tickCtx.Err(),
			errs.WithMessage("tick processing exceeded budget"),
			errs.WithRun(tick.RunID))
	}
}

func (e *emitter) process(ctx context.Context, tick schema.ClockTick) error {
	env := schema.NewEnvelope(schema.EventClockTick, &tick,
		schema.WithRun(tick.RunID),
		schema.WithTimestamp(tick.TS),
		schema.WithProducer(e.producer))
	if e.log != nil {
		if _, err := e.log.Append(ctx, env); err != nil {
			return errs.Internal(scope, err,
				errs.WithMessage("append tick"),
				errs.WithRun(tick.RunID))
		}
	}
	for _, fn := range e.snapshot() {
		if err := fn(ctx, tick); err != nil {
			return err
		}
	}
	return nil
}
