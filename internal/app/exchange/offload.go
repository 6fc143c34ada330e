package exchange

import (
	"context"
	"time"

	"github.com/alitto/pond"
	"go.uber.org/zap"

	"github.com/5TFG4/Weaver-sub002/internal/domain/schema"
	"github.com/5TFG4/Weaver-sub002/internal/errs"
)

const offloadScope = "exchange_offload"

// Offload wraps an adapter so its unary I/O runs on a bounded worker pool.
// The pool caps concurrent venue calls across every run in the process; a
// saturated pool fails fast with a transient error instead of queueing
// unboundedly. Connection management and streams pass through untouched
// since they are long-lived and self-limiting.
type Offload struct {
	next   Adapter
	pool   *pond.WorkerPool
	logger *zap.Logger
}

// NewOffload builds the wrapper. maxWorkers bounds concurrent calls,
// maxCapacity bounds the waiting queue.
func NewOffload(next Adapter, maxWorkers, maxCapacity int, logger *zap.Logger) *Offload {
	if maxWorkers <= 0 {
		maxWorkers = 8
	}
	if maxCapacity <= 0 {
		maxCapacity = 64
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	pool := pond.New(
		maxWorkers,
		maxCapacity,
		pond.MinWorkers(1),
		pond.IdleTimeout(30*time.Second),
		pond.Strategy(pond.Balanced()),
		pond.PanicHandler(func(p interface{}) {
			logger.Error("adapter call panicked", zap.Any("panic", p))
		}),
	)
	return &Offload{next: next, pool: pool, logger: logger}
}

// Close drains the pool, waiting for in-flight calls to finish.
func (o *Offload) Close() {
	o.pool.StopAndWait()
}

// run executes fn on the pool and waits for it, or for ctx. A caller that
// gives up leaves the task running to completion on the pool; its result is
// discarded.
func (o *Offload) run(ctx context.Context, op string, fn func()) error {
	done := make(chan struct{})
	submitted := o.pool.TrySubmit(func() {
		defer close(done)
		fn()
	})
	if !submitted {
		return errs.Transient(offloadScope, nil,
			errs.WithMessage("adapter pool saturated, "+op+" not attempted"))
	}
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		o.logger.Warn("abandoned in-flight adapter call",
			zap.String("op", op), zap.Error(ctx.Err()))
		return errs.Transient(offloadScope, ctx.Err(), errs.WithMessage(op+" cancelled"))
	}
}

func (o *Offload) Name() string { return o.next.Name() }

func (o *Offload) Connect(ctx context.Context) error    { return o.next.Connect(ctx) }
func (o *Offload) Disconnect(ctx context.Context) error { return o.next.Disconnect(ctx) }
func (o *Offload) IsConnected() bool                    { return o.next.IsConnected() }

func (o *Offload) Submit(ctx context.Context, intent schema.OrderIntent) (Ack, error) {
	var (
		ack Ack
		err error
	)
	if rerr := o.run(ctx, "submit", func() { ack, err = o.next.Submit(ctx, intent) }); rerr != nil {
		return Ack{}, rerr
	}
	return ack, err
}

func (o *Offload) Cancel(ctx context.Context, exchangeOrderID string) error {
	var err error
	if rerr := o.run(ctx, "cancel", func() { err = o.next.Cancel(ctx, exchangeOrderID) }); rerr != nil {
		return rerr
	}
	return err
}

func (o *Offload) GetOrder(ctx context.Context, exchangeOrderID string) (OrderView, error) {
	var (
		view OrderView
		err  error
	)
	if rerr := o.run(ctx, "get_order", func() { view, err = o.next.GetOrder(ctx, exchangeOrderID) }); rerr != nil {
		return OrderView{}, rerr
	}
	return view, err
}

func (o *Offload) GetBars(ctx context.Context, req BarsRequest) (BarsPage, error) {
	var (
		page BarsPage
		err  error
	)
	if rerr := o.run(ctx, "get_bars", func() { page, err = o.next.GetBars(ctx, req) }); rerr != nil {
		return BarsPage{}, rerr
	}
	return page, err
}

func (o *Offload) GetAccount(ctx context.Context) (Account, error) {
	var (
		account Account
		err     error
	)
	if rerr := o.run(ctx, "get_account", func() { account, err = o.next.GetAccount(ctx) }); rerr != nil {
		return Account{}, rerr
	}
	return account, err
}

func (o *Offload) GetPositions(ctx context.Context) ([]Position, error) {
	var (
		positions []Position
		err       error
	)
	if rerr := o.run(ctx, "get_positions", func() { positions, err = o.next.GetPositions(ctx) }); rerr != nil {
		return nil, rerr
	}
	return positions, err
}

func (o *Offload) GetClock(ctx context.Context) (MarketClock, error) {
	var (
		clock MarketClock
		err   error
	)
	if rerr := o.run(ctx, "get_clock", func() { clock, err = o.next.GetClock(ctx) }); rerr != nil {
		return MarketClock{}, rerr
	}
	return clock, err
}

func (o *Offload) GetCalendar(ctx context.Context, start, end time.Time) ([]CalendarDay, error) {
	var (
		days []CalendarDay
		err  error
	)
	if rerr := o.run(ctx, "get_calendar", func() { days, err = o.next.GetCalendar(ctx, start, end) }); rerr != nil {
		return nil, rerr
	}
	return days, err
}

func (o *Offload) StreamTrades(ctx context.Context) (<-chan OrderUpdate, <-chan error, error) {
	return o.next.StreamTrades(ctx)
}

func (o *Offload) StreamQuotes(ctx context.Context, symbols []string) (<-chan Quote, <-chan error, error) {
	return o.next.StreamQuotes(ctx, symbols)
}

func (o *Offload) StreamBars(ctx context.Context, symbols []string) (<-chan schema.Bar, <-chan error, error) {
	return o.next.StreamBars(ctx, symbols)
}
