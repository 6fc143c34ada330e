// Package exchange defines the uniform adapter surface Weaver uses to talk
// to an exchange. Live venues and the in-process simulator implement the same
// interface; callers never branch on the concrete type.
package exchange

import (
	"context"
	"time"

	"github.com/shopspring/decimal"

	"github.com/5TFG4/Weaver-sub002/internal/domain/schema"
)

// Ack is the adapter's synchronous acknowledgement of a submission.
// Accepted reports whether the venue already confirmed the order; when
// false the acceptance arrives later on the trade-update stream.
type Ack struct {
	ExchangeOrderID string    `json:"exchange_order_id"`
	Accepted        bool      `json:"accepted"`
	SubmittedAt     time.Time `json:"submitted_at"`
}

// BarsRequest asks for historical bars. End is exclusive. PageToken resumes
// a paged fetch; Limit caps the page size (0 means adapter default).
type BarsRequest struct {
	Symbol    string           `json:"symbol"`
	Timeframe schema.Timeframe `json:"timeframe"`
	Start     time.Time        `json:"start"`
	End       time.Time        `json:"end"`
	Limit     int              `json:"limit,omitempty"`
	PageToken string           `json:"page_token,omitempty"`
}

// BarsPage is one page of a historical bar fetch. An empty NextPageToken
// means the window is complete.
type BarsPage struct {
	Bars          []schema.Bar `json:"bars"`
	NextPageToken string       `json:"next_page_token,omitempty"`
}

// Account is the venue's view of the trading account.
type Account struct {
	ID          string          `json:"id"`
	Currency    string          `json:"currency"`
	Cash        decimal.Decimal `json:"cash"`
	Equity      decimal.Decimal `json:"equity"`
	BuyingPower decimal.Decimal `json:"buying_power"`
}

// Position is one open position as reported by the venue.
type Position struct {
	Symbol        string          `json:"symbol"`
	Quantity      decimal.Decimal `json:"quantity"`
	AvgEntryPrice decimal.Decimal `json:"avg_entry_price"`
	MarketValue   decimal.Decimal `json:"market_value"`
	UnrealizedPL  decimal.Decimal `json:"unrealized_pl"`
}

// MarketClock reports venue session state.
type MarketClock struct {
	TS        time.Time `json:"ts"`
	IsOpen    bool      `json:"is_open"`
	NextOpen  time.Time `json:"next_open"`
	NextClose time.Time `json:"next_close"`
}

// CalendarDay is one trading session. Open and Close are venue-local
// clock strings ("09:30", "16:00"); Date is YYYY-MM-DD.
type CalendarDay struct {
	Date  string `json:"date"`
	Open  string `json:"open"`
	Close string `json:"close"`
}

// Quote is a top-of-book update from the market-data stream.
type Quote struct {
	Symbol   string          `json:"symbol"`
	BidPrice decimal.Decimal `json:"bid_price"`
	BidSize  decimal.Decimal `json:"bid_size"`
	AskPrice decimal.Decimal `json:"ask_price"`
	AskSize  decimal.Decimal `json:"ask_size"`
	TS       time.Time       `json:"ts"`
}

// Trade-update event names shared by adapters. Values match the wire names
// Alpaca uses so the live adapter can pass them through unchanged.
const (
	UpdateNew         = "new"
	UpdateFill        = "fill"
	UpdatePartialFill = "partial_fill"
	UpdateCancelled   = "canceled"
	UpdateRejected    = "rejected"
	UpdateExpired     = "expired"
)

// OrderUpdate is one execution report from the venue's trade-update stream.
// Fill fields are set only for fill and partial_fill events.
type OrderUpdate struct {
	Event           string           `json:"event"`
	ExchangeOrderID string           `json:"exchange_order_id"`
	ClientOrderID   string           `json:"client_order_id"`
	Symbol          string           `json:"symbol"`
	FilledQuantity  decimal.Decimal  `json:"filled_quantity"`
	FillQuantity    *decimal.Decimal `json:"fill_quantity,omitempty"`
	FillPrice       *decimal.Decimal `json:"fill_price,omitempty"`
	Reason          string           `json:"reason,omitempty"`
	TS              time.Time        `json:"ts"`
}

// OrderView is the venue's current record of an order, used to reconcile
// state after reconnects.
type OrderView struct {
	ExchangeOrderID string             `json:"exchange_order_id"`
	ClientOrderID   string             `json:"client_order_id"`
	Symbol          string             `json:"symbol"`
	Status          schema.OrderStatus `json:"status"`
	FilledQuantity  decimal.Decimal    `json:"filled_quantity"`
	AvgFillPrice    *decimal.Decimal   `json:"avg_fill_price,omitempty"`
	UpdatedAt       time.Time          `json:"updated_at"`
}

// Adapter is the full exchange capability set. Every implementation covers
// every method; venues without a native equivalent synthesize one. Unary
// calls honor ctx cancellation. Stream methods return receive channels that
// close when the stream ends; the error channel reports terminal stream
// failures.
type Adapter interface {
	// Name identifies the adapter in logs and health reports.
	Name() string

	Connect(ctx context.Context) error
	Disconnect(ctx context.Context) error
	IsConnected() bool

	Submit(ctx context.Context, intent schema.OrderIntent) (Ack, error)
	Cancel(ctx context.Context, exchangeOrderID string) error
	GetOrder(ctx context.Context, exchangeOrderID string) (OrderView, error)

	GetBars(ctx context.Context, req BarsRequest) (BarsPage, error)
	GetAccount(ctx context.Context) (Account, error)
	GetPositions(ctx context.Context) ([]Position, error)
	GetClock(ctx context.Context) (MarketClock, error)
	GetCalendar(ctx context.Context, start, end time.Time) ([]CalendarDay, error)

	// StreamTrades delivers the account's execution reports (order fills,
	// cancellations, rejections).
	StreamTrades(ctx context.Context) (<-chan OrderUpdate, <-chan error, error)
	// StreamQuotes delivers top-of-book updates for the given symbols.
	StreamQuotes(ctx context.Context, symbols []string) (<-chan Quote, <-chan error, error)
	// StreamBars delivers completed bars for the given symbols.
	StreamBars(ctx context.Context, symbols []string) (<-chan schema.Bar, <-chan error, error)
}
