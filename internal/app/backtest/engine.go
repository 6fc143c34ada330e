// Package backtest serves historical windows and simulates order execution
// for one run: deterministic fills from bars, sign-aware position tracking,
// and run-completion statistics.
package backtest

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/5TFG4/Weaver-sub002/internal/app/orders"
	"github.com/5TFG4/Weaver-sub002/internal/domain/barstore"
	"github.com/5TFG4/Weaver-sub002/internal/domain/orderstore"
	"github.com/5TFG4/Weaver-sub002/internal/domain/schema"
	"github.com/5TFG4/Weaver-sub002/internal/errs"
	"github.com/5TFG4/Weaver-sub002/internal/infra/eventlog"
)

const (
	scope      = "backtest_engine"
	producerID = "backtest-engine"
)

// OrderService is the slice of the order manager the engine drives.
// *orders.Manager satisfies it.
type OrderService interface {
	Submit(ctx context.Context, intent schema.OrderIntent, opts ...orders.SubmitOption) (orderstore.Order, error)
	ApplyExecution(ctx context.Context, orderID string, exec orders.Execution) (orderstore.Order, error)
	ApplyStatus(ctx context.Context, orderID string, status schema.OrderStatus, reason string) (orderstore.Order, error)
}

// Config wires one engine to its run.
type Config struct {
	RunID          string
	Symbols        []string
	Timeframe      schema.Timeframe
	Start          time.Time
	End            time.Time
	Bars           barstore.Store
	Log            eventlog.Log
	Orders         OrderService
	Policy         Policy
	InitialCapital decimal.Decimal
	Logger         *zap.Logger
}

// resting is an accepted order waiting for a bar that satisfies it. The book
// keeps submission order so replays fill identically.
type resting struct {
	order     orderstore.Order
	triggered bool
}

// Engine is the per-run backtest executor. It consumes the run's routed
// commands from the event log and answers through it: windows from the
// preloaded cache, orders through the simulator.
//
// A tick at boundary T announces the bar [T, T+tf) opening. Orders placed on
// that tick execute against the bar at T; whatever rests is re-checked as
// each later bar opens and expires when the run ends.
type Engine struct {
	runID     string
	symbols   map[string]struct{}
	ordered   []string
	timeframe schema.Timeframe
	start     time.Time
	end       time.Time

	bars    barstore.Store
	log     eventlog.Log
	orders  OrderService
	sim     *Simulator
	tracker *Tracker
	logger  *zap.Logger

	mu      sync.Mutex
	cache   map[string]map[int64]schema.Bar
	series  map[string][]schema.Bar
	book    []*resting
	current time.Time
	subs    []eventlog.SubscriptionID
	done    bool
	stats   schema.RunStats
}

// NewEngine builds an engine for one backtest run.
func NewEngine(cfg Config) (*Engine, error) {
	if cfg.RunID == "" {
		return nil, errs.Invalid(scope, "run id required")
	}
	if len(cfg.Symbols) == 0 {
		return nil, errs.Invalid(scope, "at least one symbol required", errs.WithRun(cfg.RunID))
	}
	if !cfg.Timeframe.Valid() {
		return nil, errs.Invalid(scope, "unknown timeframe", errs.WithRun(cfg.RunID))
	}
	if !cfg.End.After(cfg.Start) {
		return nil, errs.Invalid(scope, "end must be after start", errs.WithRun(cfg.RunID))
	}
	if cfg.Bars == nil || cfg.Log == nil || cfg.Orders == nil {
		return nil, errs.Invalid(scope, "bar store, event log, and order service required", errs.WithRun(cfg.RunID))
	}
	if !cfg.InitialCapital.IsPositive() {
		return nil, errs.Invalid(scope, "initial capital must be positive", errs.WithRun(cfg.RunID))
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	symbols := make(map[string]struct{}, len(cfg.Symbols))
	ordered := make([]string, 0, len(cfg.Symbols))
	for _, sym := range cfg.Symbols {
		if _, dup := symbols[sym]; dup {
			continue
		}
		symbols[sym] = struct{}{}
		ordered = append(ordered, sym)
	}

	return &Engine{
		runID:     cfg.RunID,
		symbols:   symbols,
		ordered:   ordered,
		timeframe: cfg.Timeframe,
		start:     cfg.Start.UTC(),
		end:       cfg.End.UTC(),
		bars:      cfg.Bars,
		log:       cfg.Log,
		orders:    cfg.Orders,
		sim:       NewSimulator(cfg.Policy),
		tracker:   NewTracker(cfg.InitialCapital),
		logger:    logger,
		cache:     make(map[string]map[int64]schema.Bar),
		series:    make(map[string][]schema.Bar),
	}, nil
}

// Initialize preloads the bar cache for the run's span and subscribes to the
// run's ticks and routed commands.
func (e *Engine) Initialize(ctx context.Context) error {
	for _, sym := range e.ordered {
		bars, err := e.bars.ListBars(ctx, sym, e.timeframe, e.start, e.end)
		if err != nil {
			return errs.Internal(scope, err, errs.WithRun(e.runID),
				errs.WithMessage("preload bars for "+sym))
		}
		byTS := make(map[int64]schema.Bar, len(bars))
		for _, bar := range bars {
			byTS[bar.TS.Unix()] = bar
		}
		e.mu.Lock()
		e.cache[sym] = byTS
		e.series[sym] = bars
		e.mu.Unlock()
		e.logger.Debug("bar cache preloaded",
			zap.String("run_id", e.runID),
			zap.String("symbol", sym),
			zap.Int("bars", len(bars)))
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	e.subs = append(e.subs,
		e.log.Subscribe([]schema.EventType{schema.EventClockTick}, e.onTick,
			eventlog.WithRunFilter(e.runID), eventlog.WithSubscriberName(producerID)),
		e.log.Subscribe([]schema.EventType{schema.EventBacktestFetchWindow}, e.onFetchWindow,
			eventlog.WithRunFilter(e.runID), eventlog.WithSubscriberName(producerID)),
		e.log.Subscribe([]schema.EventType{schema.EventBacktestPlaceOrder}, e.onPlaceOrder,
			eventlog.WithRunFilter(e.runID), eventlog.WithSubscriberName(producerID)),
	)
	return nil
}

// onTick advances simulated time: marks equity with the closes of bars that
// just completed, then re-checks the resting book against the bar opening at
// this boundary.
func (e *Engine) onTick(ctx context.Context, _ int64, env *schema.Envelope) error {
	tick, ok := env.Payload.(*schema.ClockTick)
	if !ok {
		return errs.Invalid(scope, "payload is not a clock tick", errs.WithRun(e.runID))
	}

	e.mu.Lock()
	e.current = tick.TS
	book := make([]*resting, len(e.book))
	copy(book, e.book)
	e.mu.Unlock()

	prev := tick.TS.Add(-e.timeframe.Duration())
	for _, sym := range e.ordered {
		if bar, ok := e.barAt(sym, prev); ok {
			e.tracker.Mark(sym, bar.Close)
		}
	}

	for _, ro := range book {
		bar, ok := e.barAt(ro.order.Symbol, tick.TS)
		if !ok {
			continue
		}
		res := e.sim.Evaluate(ro.order, ro.triggered, bar)
		if res.Triggered && !ro.triggered {
			e.setTriggered(ro.order.ID)
		}
		if !res.Filled {
			continue
		}
		if err := e.applyFill(ctx, ro.order, res, bar); err != nil {
			e.logger.Warn("resting order fill failed",
				zap.String("run_id", e.runID),
				zap.String("order_id", ro.order.ID),
				zap.Error(err))
			continue
		}
		e.removeResting(ro.order.ID)
	}
	return nil
}

// onFetchWindow answers a routed window request from the cache, preserving
// the request's correlation id.
func (e *Engine) onFetchWindow(ctx context.Context, _ int64, env *schema.Envelope) error {
	req, ok := env.Payload.(*schema.FetchWindowPayload)
	if !ok {
		return errs.Invalid(scope, "payload is not a window request", errs.WithRun(e.runID))
	}

	bars := e.window(ctx, req.Symbol, req.EndTS, req.Lookback)
	ready := env.Caused(schema.EventDataWindowReady, &schema.WindowReadyPayload{
		Symbol:    req.Symbol,
		Timeframe: e.timeframe,
		EndTS:     req.EndTS,
		Bars:      bars,
	}, schema.WithProducer(producerID))
	if _, err := e.log.Append(ctx, ready); err != nil {
		return errs.Internal(scope, err, errs.WithRun(e.runID), errs.WithMessage("emit window"))
	}
	return nil
}

// onPlaceOrder submits the routed intent and evaluates it against the bar
// opening at the current boundary; unfilled orders rest in the book.
func (e *Engine) onPlaceOrder(ctx context.Context, _ int64, env *schema.Envelope) error {
	req, ok := env.Payload.(*schema.PlaceOrderPayload)
	if !ok {
		return errs.Invalid(scope, "payload is not an order command", errs.WithRun(e.runID))
	}

	order, err := e.orders.Submit(ctx, req.Intent, orders.CausedBy(env))
	if err != nil {
		return err
	}
	if order.Status.Terminal() {
		return nil
	}
	if _, known := e.symbols[order.Symbol]; !known {
		_, err := e.orders.ApplyStatus(ctx, order.ID, schema.OrderStatusRejected, "symbol outside run universe")
		return err
	}
	if order.FilledQuantity.GreaterThanOrEqual(order.Quantity) {
		return nil
	}

	e.mu.Lock()
	current := e.current
	e.mu.Unlock()

	bar, ok := e.barAt(order.Symbol, current)
	if !ok {
		e.rest(order, false)
		return nil
	}
	res := e.sim.Evaluate(order, false, bar)
	if !res.Filled {
		e.rest(order, res.Triggered)
		return nil
	}
	return e.applyFill(ctx, order, res, bar)
}

// applyFill ingests a simulated execution for the order's full open quantity
// and folds it into the position tracker.
func (e *Engine) applyFill(ctx context.Context, order orderstore.Order, res Result, bar schema.Bar) error {
	qty := order.Quantity.Sub(order.FilledQuantity)
	if !qty.IsPositive() {
		return nil
	}
	if _, err := e.orders.ApplyExecution(ctx, order.ID, orders.Execution{
		Quantity:  qty,
		Price:     res.Price,
		Fee:       res.Fee,
		TS:        bar.TS,
		Liquidity: res.Liquidity,
	}); err != nil {
		return err
	}
	e.tracker.Apply(order.Symbol, order.Side, qty, res.Price, res.Fee)
	return nil
}

// window returns up to lookback contiguous bars closing at or before end.
// The span cache serves most requests; lookbacks reaching behind the run's
// start fall through to the store.
func (e *Engine) window(ctx context.Context, symbol string, end time.Time, lookback int) []schema.Bar {
	if lookback <= 0 {
		return nil
	}

	e.mu.Lock()
	series := e.series[symbol]
	e.mu.Unlock()

	idx := sort.Search(len(series), func(i int) bool { return !series[i].TS.Before(end) })
	have := series[:idx]
	if len(have) < lookback {
		stored, err := e.bars.Window(ctx, symbol, e.timeframe, end, lookback)
		if err != nil {
			e.logger.Warn("window fallback read failed",
				zap.String("run_id", e.runID),
				zap.String("symbol", symbol),
				zap.Error(err))
		} else {
			have = stored
		}
	}
	return contiguousTail(have, lookback, e.timeframe)
}

// contiguousTail returns the longest gap-free suffix of bars, capped at
// lookback.
func contiguousTail(bars []schema.Bar, lookback int, tf schema.Timeframe) []schema.Bar {
	if lookback <= 0 || len(bars) == 0 {
		return nil
	}
	first := len(bars) - 1
	for first > 0 && len(bars)-first < lookback {
		if !bars[first-1].TS.Add(tf.Duration()).Equal(bars[first].TS) {
			break
		}
		first--
	}
	return bars[first:]
}

func (e *Engine) barAt(symbol string, ts time.Time) (schema.Bar, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	bar, ok := e.cache[symbol][ts.Unix()]
	return bar, ok
}

func (e *Engine) rest(order orderstore.Order, triggered bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, ro := range e.book {
		if ro.order.ID == order.ID {
			return
		}
	}
	e.book = append(e.book, &resting{order: order, triggered: triggered})
}

func (e *Engine) setTriggered(orderID string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, ro := range e.book {
		if ro.order.ID == orderID {
			ro.triggered = true
			return
		}
	}
}

func (e *Engine) removeResting(orderID string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	for i, ro := range e.book {
		if ro.order.ID == orderID {
			e.book = append(e.book[:i], e.book[i+1:]...)
			return
		}
	}
}

// Positions snapshots the tracker's open positions.
func (e *Engine) Positions() []Position { return e.tracker.Positions() }

// Finish expires whatever still rests, releases the subscriptions, and
// returns the run statistics. Idempotent: later calls return the same stats.
func (e *Engine) Finish(ctx context.Context) schema.RunStats {
	e.mu.Lock()
	if e.done {
		stats := e.stats
		e.mu.Unlock()
		return stats
	}
	e.done = true
	book := e.book
	e.book = nil
	subs := e.subs
	e.subs = nil
	e.mu.Unlock()

	for _, id := range subs {
		e.log.Unsubscribe(id)
	}
	for _, ro := range book {
		if _, err := e.orders.ApplyStatus(ctx, ro.order.ID, schema.OrderStatusExpired, "run ended before fill"); err != nil {
			e.logger.Warn("expire resting order",
				zap.String("run_id", e.runID),
				zap.String("order_id", ro.order.ID),
				zap.Error(err))
		}
	}

	stats := e.tracker.Stats(e.start, e.end)
	e.mu.Lock()
	e.stats = stats
	e.mu.Unlock()
	return stats
}
