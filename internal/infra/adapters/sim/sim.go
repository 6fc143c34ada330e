// Package sim implements a deterministic in-process venue backed by the bar
// store. Orders execute against marks, where a mark is the close of the most
// recent stored bar for the symbol. Market orders fill at the mark on arrival;
// limit, stop, and stop-limit orders rest until an observed mark crosses them.
// Marks refresh whenever the venue observes a price: on order flow, on
// account and position reads, and while a bar stream polls the store. Account
// and positions are synthesized from a fill ledger seeded with the configured
// cash balance.
//
// Every execution prices at the mark that triggered it and fills in full; the
// sim models no partial fills, book depth, or session hours.
package sim

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/5TFG4/Weaver-sub002/internal/app/exchange"
	"github.com/5TFG4/Weaver-sub002/internal/domain/barstore"
	"github.com/5TFG4/Weaver-sub002/internal/domain/schema"
	"github.com/5TFG4/Weaver-sub002/internal/errs"
)

const scope = "sim"

const (
	// DefaultPageLimit caps GetBars pages when the request names no limit.
	DefaultPageLimit = 1000
	// DefaultPollInterval is how often bar and quote streams re-read the
	// store.
	DefaultPollInterval = time.Second

	updateBuffer = 256
)

// DefaultCash is the ledger's starting balance.
var DefaultCash = decimal.NewFromInt(100_000)

var two = decimal.NewFromInt(2)

// position is one sign-aware ledger entry. Quantity is negative for shorts.
type position struct {
	qty      decimal.Decimal
	avgEntry decimal.Decimal
}

// simOrder is one venue order record. Resting orders keep Status accepted
// until a mark crosses them; triggered marks a stop that has armed.
type simOrder struct {
	intent    schema.OrderIntent
	view      exchange.OrderView
	triggered bool
}

// executable reports whether the order can execute at mark m, arming stops
// as they touch. Arming is sticky: once a stop triggers it stays triggered
// even if later marks retreat.
func (o *simOrder) executable(m decimal.Decimal) bool {
	switch o.intent.Type {
	case schema.OrderTypeMarket:
		return true
	case schema.OrderTypeLimit:
		return o.limitCrossed(m)
	case schema.OrderTypeStop:
		if !o.triggered {
			if !o.stopTouched(m) {
				return false
			}
			o.triggered = true
		}
		return true
	case schema.OrderTypeStopLimit:
		if !o.triggered {
			if !o.stopTouched(m) {
				return false
			}
			o.triggered = true
		}
		return o.limitCrossed(m)
	default:
		return false
	}
}

func (o *simOrder) limitCrossed(m decimal.Decimal) bool {
	if o.intent.LimitPrice == nil {
		return false
	}
	if o.intent.Side == schema.SideBuy {
		return m.LessThanOrEqual(*o.intent.LimitPrice)
	}
	return m.GreaterThanOrEqual(*o.intent.LimitPrice)
}

func (o *simOrder) stopTouched(m decimal.Decimal) bool {
	if o.intent.StopPrice == nil {
		return false
	}
	if o.intent.Side == schema.SideBuy {
		return m.GreaterThanOrEqual(*o.intent.StopPrice)
	}
	return m.LessThanOrEqual(*o.intent.StopPrice)
}

// Adapter is the simulated venue. Construct with New.
type Adapter struct {
	name      string
	bars      barstore.Store
	timeframe schema.Timeframe
	poll      time.Duration
	now       func() time.Time
	logger    *zap.Logger

	mu        sync.Mutex
	connected bool
	seq       int
	cash      decimal.Decimal
	positions map[string]*position
	orders    map[string]*simOrder
	resting   []*simOrder

	updates    chan exchange.OrderUpdate
	updateErrs chan error
}

// Option customizes the venue.
type Option func(*Adapter)

// WithName sets the adapter name used in ids, logs, and health reports.
func WithName(name string) Option {
	return func(a *Adapter) { a.name = name }
}

// WithTimeframe sets the timeframe marks are read at.
func WithTimeframe(tf schema.Timeframe) Option {
	return func(a *Adapter) { a.timeframe = tf }
}

// WithCash sets the ledger's starting balance.
func WithCash(cash decimal.Decimal) Option {
	return func(a *Adapter) { a.cash = cash }
}

// WithPollInterval sets how often streams re-read the bar store.
func WithPollInterval(d time.Duration) Option {
	return func(a *Adapter) {
		if d > 0 {
			a.poll = d
		}
	}
}

// WithNow overrides the wall clock.
func WithNow(now func() time.Time) Option {
	return func(a *Adapter) {
		if now != nil {
			a.now = now
		}
	}
}

// WithLogger attaches a logger.
func WithLogger(logger *zap.Logger) Option {
	return func(a *Adapter) {
		if logger != nil {
			a.logger = logger
		}
	}
}

// New builds a disconnected simulated venue reading marks from bars.
func New(bars barstore.Store, opts ...Option) (*Adapter, error) {
	if bars == nil {
		return nil, errs.Invalid(scope, "bar store required")
	}
	a := &Adapter{
		name:       "sim",
		bars:       bars,
		timeframe:  schema.Timeframe1m,
		poll:       DefaultPollInterval,
		now:        func() time.Time { return time.Now().UTC() },
		logger:     zap.NewNop(),
		cash:       DefaultCash,
		positions:  make(map[string]*position),
		orders:     make(map[string]*simOrder),
		updates:    make(chan exchange.OrderUpdate, updateBuffer),
		updateErrs: make(chan error, 1),
	}
	for _, opt := range opts {
		opt(a)
	}
	a.logger = a.logger.Named("sim_venue")
	return a, nil
}

// Factory adapts New to the adapter-loader factory signature, closing over
// the shared bar store. Recognized settings: name, timeframe, cash,
// poll_interval.
func Factory(bars barstore.Store, opts ...Option) func(settings map[string]string) (exchange.Adapter, error) {
	return func(settings map[string]string) (exchange.Adapter, error) {
		merged := append([]Option(nil), opts...)
		if raw, ok := settings["name"]; ok && strings.TrimSpace(raw) != "" {
			merged = append(merged, WithName(strings.TrimSpace(raw)))
		}
		if raw, ok := settings["timeframe"]; ok {
			tf, err := schema.ParseTimeframe(raw)
			if err != nil {
				return nil, errs.Invalid(scope, "bad timeframe setting", errs.WithCause(err))
			}
			merged = append(merged, WithTimeframe(tf))
		}
		if raw, ok := settings["cash"]; ok {
			cash, err := decimal.NewFromString(raw)
			if err != nil {
				return nil, errs.Invalid(scope, "bad cash setting", errs.WithCause(err))
			}
			merged = append(merged, WithCash(cash))
		}
		if raw, ok := settings["poll_interval"]; ok {
			d, err := time.ParseDuration(raw)
			if err != nil || d <= 0 {
				return nil, errs.Invalid(scope, "bad poll_interval setting", errs.WithCause(err))
			}
			merged = append(merged, WithPollInterval(d))
		}
		return New(bars, merged...)
	}
}

func (a *Adapter) Name() string { return a.name }

func (a *Adapter) Connect(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	a.mu.Lock()
	a.connected = true
	a.mu.Unlock()
	return nil
}

func (a *Adapter) Disconnect(context.Context) error {
	a.mu.Lock()
	a.connected = false
	a.mu.Unlock()
	return nil
}

func (a *Adapter) IsConnected() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.connected
}

// Submit accepts the order and executes whatever the current mark allows.
// Market orders with no mark are rejected synchronously; immediate-or-cancel
// orders that cannot execute at arrival come back cancelled on the trade
// stream.
func (a *Adapter) Submit(ctx context.Context, intent schema.OrderIntent) (exchange.Ack, error) {
	if err := ctx.Err(); err != nil {
		return exchange.Ack{}, err
	}
	if !a.IsConnected() {
		return exchange.Ack{}, errs.New(scope, errs.CodeUnavailable,
			errs.WithMessage("venue not connected"))
	}
	if err := intent.Validate(); err != nil {
		return exchange.Ack{}, errs.New(scope, errs.CodeRejected,
			errs.WithMessage("order rejected"), errs.WithCause(err))
	}

	mark, marked, err := a.observe(ctx, intent.Symbol)
	if err != nil {
		return exchange.Ack{}, errs.Transient(scope, err, errs.WithMessage("read market data"))
	}
	if intent.Type == schema.OrderTypeMarket && !marked {
		return exchange.Ack{}, errs.New(scope, errs.CodeRejected,
			errs.WithMessage("no market price for "+intent.Symbol))
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	a.seq++
	now := a.now()
	ord := &simOrder{
		intent: intent,
		view: exchange.OrderView{
			ExchangeOrderID: fmt.Sprintf("%s-%d", a.name, a.seq),
			ClientOrderID:   intent.ClientOrderID,
			Symbol:          intent.Symbol,
			Status:          schema.OrderStatusAccepted,
			FilledQuantity:  decimal.Zero,
			UpdatedAt:       now,
		},
	}
	a.orders[ord.view.ExchangeOrderID] = ord
	ack := exchange.Ack{ExchangeOrderID: ord.view.ExchangeOrderID, Accepted: true, SubmittedAt: now}
	a.push(exchange.OrderUpdate{
		Event:           exchange.UpdateNew,
		ExchangeOrderID: ord.view.ExchangeOrderID,
		ClientOrderID:   intent.ClientOrderID,
		Symbol:          intent.Symbol,
		TS:              now,
	})

	switch {
	case marked && ord.executable(mark):
		a.fillLocked(ord, mark)
	case intent.TimeInForce == schema.TimeInForceIOC || intent.TimeInForce == schema.TimeInForceFOK:
		a.closeLocked(ord, schema.OrderStatusCancelled, exchange.UpdateCancelled,
			"immediate execution unavailable")
	default:
		a.resting = append(a.resting, ord)
	}
	return ack, nil
}

// Cancel pulls a resting order. Cancelling an already cancelled order is a
// no-op; cancelling a closed one is a conflict.
func (a *Adapter) Cancel(ctx context.Context, exchangeOrderID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	a.mu.Lock()
	defer a.mu.Unlock()

	ord, ok := a.orders[exchangeOrderID]
	if !ok {
		return errs.NotFound(scope, "unknown order",
			errs.WithDetail("exchange_order_id", exchangeOrderID))
	}
	if ord.view.Status == schema.OrderStatusCancelled {
		return nil
	}
	if ord.view.Status.Terminal() {
		return errs.Conflict(scope, "order already closed",
			errs.WithDetail("exchange_order_id", exchangeOrderID),
			errs.WithDetail("status", string(ord.view.Status)))
	}

	a.dropRestingLocked(ord)
	a.closeLocked(ord, schema.OrderStatusCancelled, exchange.UpdateCancelled, "cancel requested")
	return nil
}

func (a *Adapter) GetOrder(ctx context.Context, exchangeOrderID string) (exchange.OrderView, error) {
	if err := ctx.Err(); err != nil {
		return exchange.OrderView{}, err
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	ord, ok := a.orders[exchangeOrderID]
	if !ok {
		return exchange.OrderView{}, errs.NotFound(scope, "unknown order",
			errs.WithDetail("exchange_order_id", exchangeOrderID))
	}
	return ord.view, nil
}

// GetBars serves the stored span, paged by req.Limit. The page token is the
// numeric offset into the span.
func (a *Adapter) GetBars(ctx context.Context, req exchange.BarsRequest) (exchange.BarsPage, error) {
	if strings.TrimSpace(req.Symbol) == "" || !req.Timeframe.Valid() {
		return exchange.BarsPage{}, errs.Invalid(scope, "symbol and timeframe required")
	}
	offset := 0
	if req.PageToken != "" {
		parsed, err := strconv.Atoi(req.PageToken)
		if err != nil || parsed < 0 {
			return exchange.BarsPage{}, errs.Invalid(scope, "bad page token",
				errs.WithDetail("page_token", req.PageToken))
		}
		offset = parsed
	}

	bars, err := a.bars.ListBars(ctx, req.Symbol, req.Timeframe, req.Start, req.End)
	if err != nil {
		return exchange.BarsPage{}, errs.Transient(scope, err, errs.WithMessage("read bars"))
	}
	if offset >= len(bars) {
		return exchange.BarsPage{}, nil
	}

	limit := req.Limit
	if limit <= 0 {
		limit = DefaultPageLimit
	}
	end := offset + limit
	next := ""
	if end < len(bars) {
		next = strconv.Itoa(end)
	} else {
		end = len(bars)
	}
	return exchange.BarsPage{Bars: bars[offset:end], NextPageToken: next}, nil
}

// GetAccount values the ledger at current marks. Positions with no stored
// bar are valued at their entry price.
func (a *Adapter) GetAccount(ctx context.Context) (exchange.Account, error) {
	marks, err := a.observePositions(ctx)
	if err != nil {
		return exchange.Account{}, err
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	equity := a.cash
	for symbol, pos := range a.positions {
		mark, ok := marks[symbol]
		if !ok {
			mark = pos.avgEntry
		}
		equity = equity.Add(pos.qty.Mul(mark))
	}
	return exchange.Account{
		ID:          a.name + "-account",
		Currency:    "USD",
		Cash:        a.cash,
		Equity:      equity,
		BuyingPower: equity.Mul(two),
	}, nil
}

func (a *Adapter) GetPositions(ctx context.Context) ([]exchange.Position, error) {
	marks, err := a.observePositions(ctx)
	if err != nil {
		return nil, err
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	symbols := make([]string, 0, len(a.positions))
	for symbol := range a.positions {
		symbols = append(symbols, symbol)
	}
	sort.Strings(symbols)

	out := make([]exchange.Position, 0, len(symbols))
	for _, symbol := range symbols {
		pos := a.positions[symbol]
		mark, ok := marks[symbol]
		if !ok {
			mark = pos.avgEntry
		}
		out = append(out, exchange.Position{
			Symbol:        symbol,
			Quantity:      pos.qty,
			AvgEntryPrice: pos.avgEntry,
			MarketValue:   pos.qty.Mul(mark),
			UnrealizedPL:  mark.Sub(pos.avgEntry).Mul(pos.qty),
		})
	}
	return out, nil
}

// GetClock reports an always-open session; the simulated venue never closes.
func (a *Adapter) GetClock(ctx context.Context) (exchange.MarketClock, error) {
	if err := ctx.Err(); err != nil {
		return exchange.MarketClock{}, err
	}
	now := a.now()
	return exchange.MarketClock{TS: now, IsOpen: true, NextOpen: now, NextClose: now.Add(24 * time.Hour)}, nil
}

func (a *Adapter) GetCalendar(ctx context.Context, start, end time.Time) ([]exchange.CalendarDay, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var days []exchange.CalendarDay
	for d := start.UTC().Truncate(24 * time.Hour); !d.After(end.UTC()); d = d.Add(24 * time.Hour) {
		days = append(days, exchange.CalendarDay{
			Date:  d.Format("2006-01-02"),
			Open:  "00:00",
			Close: "24:00",
		})
	}
	return days, nil
}

// StreamTrades returns the venue's execution reports. The stream is shared:
// all calls observe the same channel, and a consumer that never drains loses
// reports once the buffer fills.
func (a *Adapter) StreamTrades(context.Context) (<-chan exchange.OrderUpdate, <-chan error, error) {
	return a.updates, a.updateErrs, nil
}

// StreamQuotes synthesizes price-only top-of-book updates from fresh bars;
// the sim has no book depth, so sizes stay zero and bid equals ask.
func (a *Adapter) StreamQuotes(ctx context.Context, symbols []string) (<-chan exchange.Quote, <-chan error, error) {
	out := make(chan exchange.Quote)
	errCh := make(chan error, 1)
	go func() {
		defer close(out)
		a.pollStore(ctx, symbols, errCh, func(bar schema.Bar) bool {
			quote := exchange.Quote{
				Symbol:   bar.Symbol,
				BidPrice: bar.Close,
				AskPrice: bar.Close,
				TS:       bar.TS,
			}
			select {
			case out <- quote:
				return true
			case <-ctx.Done():
				return false
			}
		})
	}()
	return out, errCh, nil
}

// StreamBars delivers stored bars as they become visible to the poll loop.
func (a *Adapter) StreamBars(ctx context.Context, symbols []string) (<-chan schema.Bar, <-chan error, error) {
	out := make(chan schema.Bar)
	errCh := make(chan error, 1)
	go func() {
		defer close(out)
		a.pollStore(ctx, symbols, errCh, func(bar schema.Bar) bool {
			select {
			case out <- bar:
				return true
			case <-ctx.Done():
				return false
			}
		})
	}()
	return out, errCh, nil
}

// pollStore wakes every poll interval and hands each not-yet-seen latest bar
// to emit; the fresh close also settles the resting book. emit returns false
// when the receiver is gone. Store read errors are terminal: they land on
// errCh and end the poll.
func (a *Adapter) pollStore(ctx context.Context, symbols []string, errCh chan<- error, emit func(schema.Bar) bool) {
	last := make(map[string]time.Time)
	ticker := time.NewTicker(a.poll)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		for _, symbol := range symbols {
			bars, err := a.bars.Window(ctx, symbol, a.timeframe, a.now(), 1)
			if err != nil {
				if ctx.Err() == nil {
					errCh <- errs.Transient(scope, err, errs.WithMessage("poll bars"))
				}
				return
			}
			if len(bars) == 0 {
				continue
			}
			bar := bars[0]
			if seen, ok := last[symbol]; ok && !bar.TS.After(seen) {
				continue
			}
			last[symbol] = bar.TS

			a.mu.Lock()
			a.settleLocked(symbol, bar.Close)
			a.mu.Unlock()

			if !emit(bar) {
				return
			}
		}
	}
}

// observe reads the symbol's current mark and settles the resting book
// against it. marked is false when the store holds no bar for the symbol.
func (a *Adapter) observe(ctx context.Context, symbol string) (mark decimal.Decimal, marked bool, err error) {
	bars, err := a.bars.Window(ctx, symbol, a.timeframe, a.now(), 1)
	if err != nil {
		return decimal.Decimal{}, false, err
	}
	if len(bars) == 0 {
		return decimal.Decimal{}, false, nil
	}
	mark = bars[0].Close

	a.mu.Lock()
	a.settleLocked(symbol, mark)
	a.mu.Unlock()
	return mark, true, nil
}

// observePositions refreshes marks for every held symbol.
func (a *Adapter) observePositions(ctx context.Context) (map[string]decimal.Decimal, error) {
	a.mu.Lock()
	symbols := make([]string, 0, len(a.positions))
	for symbol := range a.positions {
		symbols = append(symbols, symbol)
	}
	a.mu.Unlock()

	marks := make(map[string]decimal.Decimal, len(symbols))
	for _, symbol := range symbols {
		mark, marked, err := a.observe(ctx, symbol)
		if err != nil {
			return nil, errs.Transient(scope, err, errs.WithMessage("read market data"))
		}
		if marked {
			marks[symbol] = mark
		}
	}
	return marks, nil
}

// settleLocked executes every resting order the mark crosses, in arrival
// order.
func (a *Adapter) settleLocked(symbol string, mark decimal.Decimal) {
	if len(a.resting) == 0 {
		return
	}
	keep := a.resting[:0]
	for _, ord := range a.resting {
		if ord.intent.Symbol != symbol || !ord.executable(mark) {
			keep = append(keep, ord)
			continue
		}
		a.fillLocked(ord, mark)
	}
	a.resting = keep
}

// fillLocked executes the order in full at price and applies it to the
// ledger.
func (a *Adapter) fillLocked(ord *simOrder, price decimal.Decimal) {
	qty := ord.intent.Quantity
	signed := qty
	if ord.intent.Side == schema.SideSell {
		signed = qty.Neg()
	}
	a.cash = a.cash.Sub(signed.Mul(price))
	a.applyPositionLocked(ord.intent.Symbol, signed, price)

	now := a.now()
	fillPrice := price
	ord.view.Status = schema.OrderStatusFilled
	ord.view.FilledQuantity = qty
	ord.view.AvgFillPrice = &fillPrice
	ord.view.UpdatedAt = now
	a.push(exchange.OrderUpdate{
		Event:           exchange.UpdateFill,
		ExchangeOrderID: ord.view.ExchangeOrderID,
		ClientOrderID:   ord.intent.ClientOrderID,
		Symbol:          ord.intent.Symbol,
		FilledQuantity:  qty,
		FillQuantity:    &qty,
		FillPrice:       &fillPrice,
		TS:              now,
	})
}

// applyPositionLocked folds one signed fill into the position ledger.
// Adding volume-weights the entry price, reducing keeps it, and a reversal
// opens the surviving leg at the fill price.
func (a *Adapter) applyPositionLocked(symbol string, signed, price decimal.Decimal) {
	pos, ok := a.positions[symbol]
	if !ok {
		a.positions[symbol] = &position{qty: signed, avgEntry: price}
		return
	}
	newQty := pos.qty.Add(signed)
	switch {
	case newQty.IsZero():
		delete(a.positions, symbol)
	case pos.qty.Sign() == signed.Sign():
		pos.avgEntry = pos.qty.Abs().Mul(pos.avgEntry).
			Add(signed.Abs().Mul(price)).
			Div(newQty.Abs())
		pos.qty = newQty
	case pos.qty.Sign() == newQty.Sign():
		pos.qty = newQty
	default:
		pos.qty = newQty
		pos.avgEntry = price
	}
}

// closeLocked moves the order to a terminal status and reports it.
func (a *Adapter) closeLocked(ord *simOrder, status schema.OrderStatus, event, reason string) {
	now := a.now()
	ord.view.Status = status
	ord.view.UpdatedAt = now
	a.push(exchange.OrderUpdate{
		Event:           event,
		ExchangeOrderID: ord.view.ExchangeOrderID,
		ClientOrderID:   ord.intent.ClientOrderID,
		Symbol:          ord.intent.Symbol,
		FilledQuantity:  ord.view.FilledQuantity,
		Reason:          reason,
		TS:              now,
	})
}

func (a *Adapter) dropRestingLocked(ord *simOrder) {
	for i, rest := range a.resting {
		if rest == ord {
			a.resting = append(a.resting[:i], a.resting[i+1:]...)
			return
		}
	}
}

// push reports an execution without ever blocking the order path.
func (a *Adapter) push(update exchange.OrderUpdate) {
	select {
	case a.updates <- update:
	default:
		a.logger.Warn("trade update dropped, stream buffer full",
			zap.String("exchange_order_id", update.ExchangeOrderID),
			zap.String("event", update.Event))
	}
}

var _ exchange.Adapter = (*Adapter)(nil)
