// Package fake provides a scriptable in-memory exchange adapter for tests.
// Every method succeeds with deterministic data unless a hook overrides it;
// calls are recorded so tests can assert on venue traffic.
package fake

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/5TFG4/Weaver-sub002/internal/app/exchange"
	"github.com/5TFG4/Weaver-sub002/internal/domain/schema"
)

// Adapter is a synthetic venue. The zero value is not usable; construct
// with New.
type Adapter struct {
	name string

	mu        sync.Mutex
	connected bool
	seq       int
	submits   []schema.OrderIntent
	cancels   []string
	bars      []schema.Bar
	account   exchange.Account
	positions []exchange.Position
	orders    map[string]exchange.OrderView

	updates    chan exchange.OrderUpdate
	updateErrs chan error

	// Hooks override the default behavior when non-nil.
	SubmitFunc  func(ctx context.Context, intent schema.OrderIntent) (exchange.Ack, error)
	CancelFunc  func(ctx context.Context, exchangeOrderID string) error
	GetBarsFunc func(ctx context.Context, req exchange.BarsRequest) (exchange.BarsPage, error)
	ConnectFunc func(ctx context.Context) error
}

// New builds a connected fake venue.
func New(name string) *Adapter {
	return &Adapter{
		name:      name,
		connected: true,
		account: exchange.Account{
			ID:          name + "-account",
			Currency:    "USD",
			Cash:        decimal.NewFromInt(100000),
			Equity:      decimal.NewFromInt(100000),
			BuyingPower: decimal.NewFromInt(200000),
		},
		orders:     make(map[string]exchange.OrderView),
		updates:    make(chan exchange.OrderUpdate, 16),
		updateErrs: make(chan error, 1),
	}
}

// SeedBars loads the bars GetBars serves.
func (a *Adapter) SeedBars(bars []schema.Bar) {
	a.mu.Lock()
	a.bars = append([]schema.Bar(nil), bars...)
	a.mu.Unlock()
}

// SeedPositions loads the positions GetPositions reports.
func (a *Adapter) SeedPositions(positions []exchange.Position) {
	a.mu.Lock()
	a.positions = append([]exchange.Position(nil), positions...)
	a.mu.Unlock()
}

// PushUpdate delivers one execution report on the trade-update stream.
func (a *Adapter) PushUpdate(update exchange.OrderUpdate) {
	a.updates <- update
}

// FailStream delivers a terminal stream error.
func (a *Adapter) FailStream(err error) {
	a.updateErrs <- err
}

// SubmitCalls returns the intents submitted so far.
func (a *Adapter) SubmitCalls() []schema.OrderIntent {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]schema.OrderIntent(nil), a.submits...)
}

// CancelCalls returns the exchange order ids cancelled so far.
func (a *Adapter) CancelCalls() []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]string(nil), a.cancels...)
}

func (a *Adapter) Name() string { return a.name }

func (a *Adapter) Connect(ctx context.Context) error {
	if a.ConnectFunc != nil {
		if err := a.ConnectFunc(ctx); err != nil {
			return err
		}
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

func (a *Adapter) Submit(ctx context.Context, intent schema.OrderIntent) (exchange.Ack, error) {
	a.mu.Lock()
	a.submits = append(a.submits, intent)
	a.seq++
	seq := a.seq
	a.mu.Unlock()

	if a.SubmitFunc != nil {
		return a.SubmitFunc(ctx, intent)
	}

	ack := exchange.Ack{
		ExchangeOrderID: fmt.Sprintf("%s-%d", a.name, seq),
		Accepted:        true,
		SubmittedAt:     time.Now().UTC(),
	}
	a.mu.Lock()
	a.orders[ack.ExchangeOrderID] = exchange.OrderView{
		ExchangeOrderID: ack.ExchangeOrderID,
		ClientOrderID:   intent.ClientOrderID,
		Symbol:          intent.Symbol,
		Status:          schema.OrderStatusAccepted,
		FilledQuantity:  decimal.Zero,
		UpdatedAt:       ack.SubmittedAt,
	}
	a.mu.Unlock()
	return ack, nil
}

func (a *Adapter) Cancel(ctx context.Context, exchangeOrderID string) error {
	a.mu.Lock()
	a.cancels = append(a.cancels, exchangeOrderID)
	a.mu.Unlock()
	if a.CancelFunc != nil {
		return a.CancelFunc(ctx, exchangeOrderID)
	}
	a.mu.Lock()
	if view, ok := a.orders[exchangeOrderID]; ok {
		view.Status = schema.OrderStatusCancelled
		view.UpdatedAt = time.Now().UTC()
		a.orders[exchangeOrderID] = view
	}
	a.mu.Unlock()
	return nil
}

func (a *Adapter) GetOrder(_ context.Context, exchangeOrderID string) (exchange.OrderView, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if view, ok := a.orders[exchangeOrderID]; ok {
		return view, nil
	}
	return exchange.OrderView{ExchangeOrderID: exchangeOrderID, Status: schema.OrderStatusAccepted}, nil
}

// GetBars serves seeded bars matching the request span, paged by req.Limit.
// The page token is the numeric offset into the filtered set.
func (a *Adapter) GetBars(ctx context.Context, req exchange.BarsRequest) (exchange.BarsPage, error) {
	if a.GetBarsFunc != nil {
		return a.GetBarsFunc(ctx, req)
	}

	a.mu.Lock()
	var matched []schema.Bar
	for _, bar := range a.bars {
		if bar.Symbol != req.Symbol || bar.Timeframe != req.Timeframe {
			continue
		}
		if bar.TS.Before(req.Start) || !bar.TS.Before(req.End) {
			continue
		}
		matched = append(matched, bar)
	}
	a.mu.Unlock()

	offset := 0
	if req.PageToken != "" {
		if _, err := fmt.Sscanf(req.PageToken, "%d", &offset); err != nil {
			return exchange.BarsPage{}, fmt.Errorf("bad page token %q: %w", req.PageToken, err)
		}
	}
	if offset >= len(matched) {
		return exchange.BarsPage{}, nil
	}

	limit := req.Limit
	if limit <= 0 {
		limit = len(matched)
	}
	end := offset + limit
	next := ""
	if end < len(matched) {
		next = fmt.Sprintf("%d", end)
	} else {
		end = len(matched)
	}
	return exchange.BarsPage{Bars: matched[offset:end], NextPageToken: next}, nil
}

func (a *Adapter) GetAccount(context.Context) (exchange.Account, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.account, nil
}

func (a *Adapter) GetPositions(context.Context) ([]exchange.Position, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]exchange.Position(nil), a.positions...), nil
}

func (a *Adapter) GetClock(context.Context) (exchange.MarketClock, error) {
	now := time.Now().UTC()
	return exchange.MarketClock{TS: now, IsOpen: true, NextClose: now.Add(4 * time.Hour)}, nil
}

func (a *Adapter) GetCalendar(_ context.Context, start, end time.Time) ([]exchange.CalendarDay, error) {
	var days []exchange.CalendarDay
	for d := start.UTC().Truncate(24 * time.Hour); !d.After(end.UTC()); d = d.Add(24 * time.Hour) {
		days = append(days, exchange.CalendarDay{
			Date:  d.Format("2006-01-02"),
			Open:  "09:30",
			Close: "16:00",
		})
	}
	return days, nil
}

func (a *Adapter) StreamTrades(context.Context) (<-chan exchange.OrderUpdate, <-chan error, error) {
	return a.updates, a.updateErrs, nil
}

func (a *Adapter) StreamQuotes(ctx context.Context, _ []string) (<-chan exchange.Quote, <-chan error, error) {
	quotes := make(chan exchange.Quote)
	errCh := make(chan error, 1)
	go func() {
		<-ctx.Done()
		close(quotes)
	}()
	return quotes, errCh, nil
}

func (a *Adapter) StreamBars(ctx context.Context, _ []string) (<-chan schema.Bar, <-chan error, error) {
	bars := make(chan schema.Bar)
	errCh := make(chan error, 1)
	go func() {
		<-ctx.Done()
		close(bars)
	}()
	return bars, errCh, nil
}
