package strategy

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/5TFG4/Weaver-sub002/internal/domain/schema"
	"github.com/5TFG4/Weaver-sub002/internal/errs"
	"github.com/5TFG4/Weaver-sub002/internal/infra/eventlog"
)

const (
	runnerScope = "strategy_runner"
	producerID  = "strategy-runner"
)

// RunnerOption customizes a runner.
type RunnerOption func(*Runner)

// WithLogger sets the runner's logger.
func WithLogger(logger *zap.Logger) RunnerOption {
	return func(r *Runner) {
		if logger != nil {
			r.logger = logger
		}
	}
}

// Runner binds one strategy instance to one run's stream. It subscribes to
// the run's ticks and assembled windows, invokes the strategy, and appends
// the returned actions as mode-agnostic envelopes caused by the trigger.
type Runner struct {
	runID  string
	strat  Strategy
	log    eventlog.Log
	logger *zap.Logger

	mu     sync.Mutex
	subs   []eventlog.SubscriptionID
	closed bool
}

// NewRunner builds a runner for one run. Call Initialize to attach it to the
// stream and Cleanup to detach.
func NewRunner(runID string, strat Strategy, log eventlog.Log, opts ...RunnerOption) (*Runner, error) {
	if runID == "" {
		return nil, errs.Invalid(runnerScope, "run id required")
	}
	if strat == nil || log == nil {
		return nil, errs.Invalid(runnerScope, "strategy and event log required", errs.WithRun(runID))
	}
	r := &Runner{runID: runID, strat: strat, log: log, logger: zap.NewNop()}
	for _, opt := range opts {
		opt(r)
	}
	return r, nil
}

// Initialize subscribes to the run's clock.Tick and data.WindowReady events.
func (r *Runner) Initialize() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return errs.Conflict(runnerScope, "runner already cleaned up", errs.WithRun(r.runID))
	}
	if len(r.subs) > 0 {
		return errs.Conflict(runnerScope, "runner already initialized", errs.WithRun(r.runID))
	}
	r.subs = append(r.subs,
		r.log.Subscribe([]schema.EventType{schema.EventClockTick}, r.onTick,
			eventlog.WithRunFilter(r.runID), eventlog.WithSubscriberName(producerID)),
		r.log.Subscribe([]schema.EventType{schema.EventDataWindowReady}, r.onData,
			eventlog.WithRunFilter(r.runID), eventlog.WithSubscriberName(producerID)),
	)
	return nil
}

// Cleanup unsubscribes and releases the strategy. Idempotent.
func (r *Runner) Cleanup() {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return
	}
	r.closed = true
	subs := r.subs
	r.subs = nil
	r.mu.Unlock()

	for _, id := range subs {
		r.log.Unsubscribe(id)
	}
	if closer, ok := r.strat.(Closer); ok {
		closer.Close()
	}
}

func (r *Runner) onTick(ctx context.Context, _ int64, env *schema.Envelope) error {
	tick, ok := env.Payload.(*schema.ClockTick)
	if !ok {
		return errs.Invalid(runnerScope, "payload is not a clock tick", errs.WithRun(r.runID))
	}
	actions, err := r.strat.OnTick(ctx, *tick)
	if err != nil {
		return errs.Internal(runnerScope, err, errs.WithRun(r.runID), errs.WithMessage("strategy on_tick"))
	}
	return r.emit(ctx, env, tick.TS, actions)
}

func (r *Runner) onData(ctx context.Context, _ int64, env *schema.Envelope) error {
	window, ok := env.Payload.(*schema.WindowReadyPayload)
	if !ok {
		return errs.Invalid(runnerScope, "payload is not a window", errs.WithRun(r.runID))
	}
	actions, err := r.strat.OnData(ctx, *window)
	if err != nil {
		return errs.Internal(runnerScope, err, errs.WithRun(r.runID), errs.WithMessage("strategy on_data"))
	}
	return r.emit(ctx, env, window.EndTS, actions)
}

// emit translates actions into envelopes caused by the trigger. Malformed
// actions are dropped with a warning so one bad action cannot starve the
// rest of the batch.
func (r *Runner) emit(ctx context.Context, trigger *schema.Envelope, boundary time.Time, actions []Action) error {
	for _, action := range actions {
		var out *schema.Envelope
		switch act := action.(type) {
		case FetchWindow:
			if act.Symbol == "" || act.Lookback <= 0 {
				r.logger.Warn("dropping malformed window request",
					zap.String("run_id", r.runID),
					zap.String("symbol", act.Symbol),
					zap.Int("lookback", act.Lookback))
				continue
			}
			out = trigger.Caused(schema.EventStrategyFetchWindow, &schema.FetchWindowPayload{
				Symbol:   act.Symbol,
				EndTS:    boundary,
				Lookback: act.Lookback,
			}, schema.WithProducer(producerID))
		case PlaceOrder:
			intent := act.Intent
			if intent.RunID == "" {
				intent.RunID = r.runID
			}
			if intent.RunID != r.runID {
				r.logger.Warn("dropping intent stamped for another run",
					zap.String("run_id", r.runID),
					zap.String("intent_run_id", intent.RunID),
					zap.String("client_order_id", intent.ClientOrderID))
				continue
			}
			if err := intent.Validate(); err != nil {
				r.logger.Warn("dropping invalid order intent",
					zap.String("run_id", r.runID),
					zap.String("client_order_id", intent.ClientOrderID),
					zap.Error(err))
				continue
			}
			out = trigger.Caused(schema.EventStrategyPlaceRequest, &schema.PlaceOrderPayload{
				Intent: intent,
			}, schema.WithProducer(producerID))
		default:
			r.logger.Warn("dropping unknown action", zap.String("run_id", r.runID))
			continue
		}
		if _, err := r.log.Append(ctx, out); err != nil {
			return errs.Internal(runnerScope, err, errs.WithRun(r.runID), errs.WithMessage("emit strategy action"))
		}
	}
	return nil
}
