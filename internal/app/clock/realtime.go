package clock

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/5TFG4/Weaver-sub002/internal/domain/schema"
	"github.com/5TFG4/Weaver-sub002/internal/errs"
	"github.com/5TFG4/Weaver-sub002/internal/infra/eventlog"
)

// driftTolerance is how far past a boundary the clock may wake before it
// abandons that boundary and recomputes the schedule.
const driftTolerance = time.Second

// RealtimeClock emits ticks at wall-clock bar boundaries. The envelope
// timestamp is always the boundary itself, never the wake-up time. now and
// timer are injectable for tests.
type RealtimeClock struct {
	*emitter
	now   func() time.Time
	timer func(d time.Duration) <-chan time.Time

	started  atomic.Bool
	stopOnce sync.Once
	stopped  chan struct{}
}

// NewRealtimeClock builds a wall-clock driven clock appending to log.
func NewRealtimeClock(log eventlog.Log, opts ...Option) *RealtimeClock {
	return &RealtimeClock{
		emitter: newEmitter(log, "realtime-clock", opts),
		now:     time.Now,
		timer:   func(d time.Duration) <-chan time.Time { return time.After(d) },
		stopped: make(chan struct{}),
	}
}

// WithNow overrides the wall-clock source.
func (c *RealtimeClock) WithNow(now func() time.Time) *RealtimeClock {
	if now != nil {
		c.now = now
	}
	return c
}

// WithTimer overrides the sleep mechanism.
func (c *RealtimeClock) WithTimer(timer func(d time.Duration) <-chan time.Time) *RealtimeClock {
	if timer != nil {
		c.timer = timer
	}
	return c
}

// OnTick registers a per-tick callback.
func (c *RealtimeClock) OnTick(fn TickFunc) { c.register(fn) }

// CurrentTime returns the wall clock.
func (c *RealtimeClock) CurrentTime() time.Time { return c.now().UTC() }

// Stop cancels pending emissions. Idempotent.
func (c *RealtimeClock) Stop() {
	c.stopOnce.Do(func() { close(c.stopped) })
}

// Start blocks, emitting one tick per bar boundary until Stop or ctx ends.
// A clean stop returns nil.
func (c *RealtimeClock) Start(ctx context.Context, runID string, timeframe schema.Timeframe) error {
	if !timeframe.Valid() {
		return errs.Invalid(scope, "unknown timeframe", errs.WithRun(runID))
	}
	if !c.started.CompareAndSwap(false, true) {
		return errs.Conflict(scope, "clock already started", errs.WithRun(runID))
	}

	var (
		lastTS   time.Time
		barIndex int64
		next     = timeframe.Next(c.now())
	)
	for {
		wait := next.Sub(c.now())
		if wait > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-c.stopped:
				return nil
			case <-c.timer(wait):
			}
		}

		woke := c.now()
		if woke.Before(next) {
			// Early wake; sleep out the remainder.
			continue
		}
		if drift := woke.Sub(next); drift > driftTolerance {
			c.logger.Warn("tick drift exceeded tolerance, recomputing schedule",
				zap.String("run_id", runID),
				zap.Time("boundary", next),
				zap.Duration("drift", drift))
			next = timeframe.Next(woke)
			continue
		}
		if !lastTS.IsZero() && !next.After(lastTS) {
			// Never two ticks with one ts for a run.
			next = timeframe.Next(lastTS)
			continue
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-c.stopped:
			return nil
		default:
		}

		tick := schema.ClockTick{
			RunID:     runID,
			TS:        next,
			Timeframe: timeframe,
			BarIndex:  barIndex,
		}
		if err := c.fire(ctx, tick); err != nil {
			return err
		}
		lastTS = next
		barIndex++
		next = next.Add(timeframe.Duration())
	}
}
