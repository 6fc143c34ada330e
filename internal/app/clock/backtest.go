package clock

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/5TFG4/Weaver-sub002/internal/domain/schema"
	"github.com/5TFG4/Weaver-sub002/internal/errs"
	"github.com/5TFG4/Weaver-sub002/internal/infra/eventlog"
)

// BacktestClock replays the boundaries of a historical span without
// sleeping. Ticks land on every bar start within [start, end); a tick at
// boundary T announces the bar [T, T+tf) opening, so the bars a strategy may
// observe all close at or before T. The next boundary is not considered
// until the current tick's processing returns, so a slow handler
// backpressures the replay instead of being lapped.
type BacktestClock struct {
	*emitter
	start time.Time
	end   time.Time

	mu      sync.Mutex
	current time.Time

	started  atomic.Bool
	stopOnce sync.Once
	stopped  chan struct{}
}

// NewBacktestClock builds a simulated clock covering [start, end).
func NewBacktestClock(log eventlog.Log, start, end time.Time, opts ...Option) *BacktestClock {
	return &BacktestClock{
		emitter: newEmitter(log, "backtest-clock", opts),
		start:   start.UTC(),
		end:     end.UTC(),
		current: start.UTC(),
		stopped: make(chan struct{}),
	}
}

// OnTick registers a per-tick callback.
func (c *BacktestClock) OnTick(fn TickFunc) { c.register(fn) }

// CurrentTime returns the simulated time: the last emitted boundary, or the
// span start before the first tick.
func (c *BacktestClock) CurrentTime() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.current
}

// Stop abandons the remaining schedule. Idempotent.
func (c *BacktestClock) Stop() {
	c.stopOnce.Do(func() { close(c.stopped) })
}

// Start blocks, replaying every boundary in the span. Returns nil when the
// schedule is exhausted or the clock was stopped.
func (c *BacktestClock) Start(ctx context.Context, runID string, timeframe schema.Timeframe) error {
	if !timeframe.Valid() {
		return errs.Invalid(scope, "unknown timeframe", errs.WithRun(runID))
	}
	if !c.end.After(c.start) {
		return errs.Invalid(scope, "end must be after start", errs.WithRun(runID))
	}
	if !c.started.CompareAndSwap(false, true) {
		return errs.Conflict(scope, "clock already started", errs.WithRun(runID))
	}

	first := timeframe.Truncate(c.start)
	if first.Before(c.start) {
		first = first.Add(timeframe.Duration())
	}

	var barIndex int64
	for boundary := first; boundary.Before(c.end); boundary = boundary.Add(timeframe.Duration()) {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-c.stopped:
			return nil
		default:
		}

		c.mu.Lock()
		c.current = boundary
		c.mu.Unlock()

		tick := schema.ClockTick{
			RunID:      runID,
			TS:         boundary,
			Timeframe:  timeframe,
			BarIndex:   barIndex,
			IsBacktest: true,
		}
		if err := c.fire(ctx, tick); err != nil {
			return err
		}
		barIndex++
	}
	return nil
}
