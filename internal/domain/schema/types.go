package schema

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/5TFG4/Weaver-sub002/internal/errs"
)

// OrderIntent is what a strategy asks for. ClientOrderID is the caller's
// idempotency key, unique per run.
type OrderIntent struct {
	ClientOrderID string           `json:"client_order_id"`
	RunID         string           `json:"run_id"`
	Symbol        string           `json:"symbol"`
	Side          Side             `json:"side"`
	Type          OrderType        `json:"type"`
	Quantity      decimal.Decimal  `json:"quantity"`
	LimitPrice    *decimal.Decimal `json:"limit_price,omitempty"`
	StopPrice     *decimal.Decimal `json:"stop_price,omitempty"`
	TimeInForce   TimeInForce      `json:"time_in_force,omitempty"`
}

// Validate checks the intent's structural invariants. The default time in
// force is applied by the order manager, so an empty value passes here.
func (i OrderIntent) Validate() error {
	const scope = "order_intent"
	if i.ClientOrderID == "" {
		return errs.Invalid(scope, "client_order_id is required")
	}
	if i.RunID == "" {
		return errs.Invalid(scope, "run_id is required")
	}
	if i.Symbol == "" {
		return errs.Invalid(scope, "symbol is required")
	}
	if !i.Side.Valid() {
		return errs.Invalid(scope, "side must be buy or sell")
	}
	if !i.Type.Valid() {
		return errs.Invalid(scope, "unknown order type")
	}
	if !i.Quantity.IsPositive() {
		return errs.Invalid(scope, "quantity must be positive")
	}
	switch i.Type {
	case OrderTypeLimit, OrderTypeStopLimit:
		if i.LimitPrice == nil || !i.LimitPrice.IsPositive() {
			return errs.Invalid(scope, "limit_price is required for limit orders")
		}
	}
	switch i.Type {
	case OrderTypeStop, OrderTypeStopLimit:
		if i.StopPrice == nil || !i.StopPrice.IsPositive() {
			return errs.Invalid(scope, "stop_price is required for stop orders")
		}
	}
	if i.TimeInForce != "" && !i.TimeInForce.Valid() {
		return errs.Invalid(scope, "unknown time_in_force")
	}
	return nil
}

// Bar is one OHLCV aggregate. TS is the bar start, aligned to the timeframe.
// Bars are unique by (symbol, timeframe, ts).
type Bar struct {
	Symbol     string           `json:"symbol"`
	Timeframe  Timeframe        `json:"timeframe"`
	TS         time.Time        `json:"ts"`
	Open       decimal.Decimal  `json:"open"`
	High       decimal.Decimal  `json:"high"`
	Low        decimal.Decimal  `json:"low"`
	Close      decimal.Decimal  `json:"close"`
	Volume     decimal.Decimal  `json:"volume"`
	TradeCount *int64           `json:"trade_count,omitempty"`
	VWAP       *decimal.Decimal `json:"vwap,omitempty"`
}

// Crosses reports whether price falls inside the bar's [low, high] range.
func (b Bar) Crosses(price decimal.Decimal) bool {
	return price.GreaterThanOrEqual(b.Low) && price.LessThanOrEqual(b.High)
}

// Range returns high minus low.
func (b Bar) Range() decimal.Decimal {
	return b.High.Sub(b.Low)
}
