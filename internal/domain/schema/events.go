package schema

import (
	"time"

	"github.com/shopspring/decimal"
)

// EventType identifies an event variant. Types are namespace-dotted and
// case-sensitive.
type EventType string

const (
	// EventRunCreated signals a run row was persisted with status pending.
	EventRunCreated EventType = "run.Created"
	// EventRunStarted signals a run transitioned to running.
	EventRunStarted EventType = "run.Started"
	// EventRunStopped signals a run was stopped before natural completion.
	EventRunStopped EventType = "run.Stopped"
	// EventRunCompleted signals a backtest ran to completion; payload carries statistics.
	EventRunCompleted EventType = "run.Completed"
	// EventRunError signals a run transitioned to error.
	EventRunError EventType = "run.Error"

	// EventClockTick is emitted by a Clock at each bar boundary.
	EventClockTick EventType = "clock.Tick"

	// EventStrategyFetchWindow is a mode-agnostic window request from a strategy.
	EventStrategyFetchWindow EventType = "strategy.FetchWindow"
	// EventStrategyPlaceRequest is a mode-agnostic order intent from a strategy.
	EventStrategyPlaceRequest EventType = "strategy.PlaceRequest"

	// EventLiveFetchWindow is a routed window request for a live/paper run.
	EventLiveFetchWindow EventType = "live.FetchWindow"
	// EventLivePlaceOrder is a routed order command for a live/paper run.
	EventLivePlaceOrder EventType = "live.PlaceOrder"

	// EventBacktestFetchWindow is a routed window request for a backtest run.
	EventBacktestFetchWindow EventType = "backtest.FetchWindow"
	// EventBacktestPlaceOrder is a routed order command for a backtest run.
	EventBacktestPlaceOrder EventType = "backtest.PlaceOrder"

	// EventDataWindowReady carries a complete bar window.
	EventDataWindowReady EventType = "data.WindowReady"
	// EventDataWindowChunk reports page progress while a window is assembled.
	EventDataWindowChunk EventType = "data.WindowChunk"

	// EventOrdersCreated signals an order row was persisted with status submitting.
	EventOrdersCreated EventType = "orders.Created"
	// EventOrdersSubmitted signals the adapter call succeeded.
	EventOrdersSubmitted EventType = "orders.Submitted"
	// EventOrdersAccepted signals the exchange acknowledged the order.
	EventOrdersAccepted EventType = "orders.Accepted"
	// EventOrdersPartiallyFilled signals a fill that leaves quantity open.
	EventOrdersPartiallyFilled EventType = "orders.PartiallyFilled"
	// EventOrdersFilled signals the order is completely filled.
	EventOrdersFilled EventType = "orders.Filled"
	// EventOrdersCancelled signals the order was cancelled.
	EventOrdersCancelled EventType = "orders.Cancelled"
	// EventOrdersRejected signals a durable exchange rejection.
	EventOrdersRejected EventType = "orders.Rejected"
	// EventOrdersExpired signals the order expired unfilled.
	EventOrdersExpired EventType = "orders.Expired"
)

// WildcardType matches every event type in a subscription.
const WildcardType EventType = "*"

// RunMode selects how a run executes.
type RunMode string

const (
	// RunModeBacktest replays persisted bars through the simulator.
	RunModeBacktest RunMode = "backtest"
	// RunModePaper trades against a sandbox account with real timing.
	RunModePaper RunMode = "paper"
	// RunModeLive trades real money.
	RunModeLive RunMode = "live"
)

// Valid reports whether the mode is one of the recognized variants.
func (m RunMode) Valid() bool {
	switch m {
	case RunModeBacktest, RunModePaper, RunModeLive:
		return true
	default:
		return false
	}
}

// RunStatus tracks the run lifecycle.
type RunStatus string

const (
	RunStatusPending   RunStatus = "pending"
	RunStatusRunning   RunStatus = "running"
	RunStatusStopped   RunStatus = "stopped"
	RunStatusCompleted RunStatus = "completed"
	RunStatusError     RunStatus = "error"
)

// Terminal reports whether the status admits no further transitions.
func (s RunStatus) Terminal() bool {
	switch s {
	case RunStatusStopped, RunStatusCompleted, RunStatusError:
		return true
	default:
		return false
	}
}

// Valid reports whether the status is one of the recognized variants.
func (s RunStatus) Valid() bool {
	switch s {
	case RunStatusPending, RunStatusRunning, RunStatusStopped, RunStatusCompleted, RunStatusError:
		return true
	default:
		return false
	}
}

// Side is the direction of an order.
type Side string

const (
	SideBuy  Side = "buy"
	SideSell Side = "sell"
)

// Valid reports whether the side is recognized.
func (s Side) Valid() bool { return s == SideBuy || s == SideSell }

// OrderType selects the execution style of an order.
type OrderType string

const (
	OrderTypeMarket    OrderType = "market"
	OrderTypeLimit     OrderType = "limit"
	OrderTypeStop      OrderType = "stop"
	OrderTypeStopLimit OrderType = "stop_limit"
)

// Valid reports whether the order type is recognized.
func (t OrderType) Valid() bool {
	switch t {
	case OrderTypeMarket, OrderTypeLimit, OrderTypeStop, OrderTypeStopLimit:
		return true
	default:
		return false
	}
}

// TimeInForce bounds how long an order stays working.
type TimeInForce string

const (
	TimeInForceDay TimeInForce = "day"
	TimeInForceGTC TimeInForce = "gtc"
	TimeInForceIOC TimeInForce = "ioc"
	TimeInForceFOK TimeInForce = "fok"
)

// Valid reports whether the time in force is recognized.
func (t TimeInForce) Valid() bool {
	switch t {
	case TimeInForceDay, TimeInForceGTC, TimeInForceIOC, TimeInForceFOK:
		return true
	default:
		return false
	}
}

// OrderStatus tracks the order lifecycle.
type OrderStatus string

const (
	OrderStatusPending    OrderStatus = "pending"
	OrderStatusSubmitting OrderStatus = "submitting"
	OrderStatusSubmitted  OrderStatus = "submitted"
	OrderStatusAccepted   OrderStatus = "accepted"
	OrderStatusPartial    OrderStatus = "partial"
	OrderStatusFilled     OrderStatus = "filled"
	OrderStatusCancelled  OrderStatus = "cancelled"
	OrderStatusRejected   OrderStatus = "rejected"
	OrderStatusExpired    OrderStatus = "expired"
)

// Terminal reports whether the status admits no further transitions.
func (s OrderStatus) Terminal() bool {
	switch s {
	case OrderStatusFilled, OrderStatusCancelled, OrderStatusRejected, OrderStatusExpired:
		return true
	default:
		return false
	}
}

// Valid reports whether the status is one of the recognized variants.
func (s OrderStatus) Valid() bool {
	switch s {
	case OrderStatusPending, OrderStatusSubmitting, OrderStatusSubmitted, OrderStatusAccepted,
		OrderStatusPartial, OrderStatusFilled, OrderStatusCancelled, OrderStatusRejected, OrderStatusExpired:
		return true
	default:
		return false
	}
}

// Liquidity marks which side of the book a fill took.
type Liquidity string

const (
	LiquidityMaker Liquidity = "maker"
	LiquidityTaker Liquidity = "taker"
)

// ClockTick is the value delivered to per-tick callbacks and carried by
// clock.Tick envelopes. TS is the bar boundary, never the wake-up time.
type ClockTick struct {
	RunID      string    `json:"run_id"`
	TS         time.Time `json:"ts"`
	Timeframe  Timeframe `json:"timeframe"`
	BarIndex   int64     `json:"bar_index"`
	IsBacktest bool      `json:"is_backtest"`
}

// FetchWindowPayload requests a window of bars ending at EndTS.
type FetchWindowPayload struct {
	Symbol   string    `json:"symbol"`
	EndTS    time.Time `json:"end_ts"`
	Lookback int       `json:"lookback"`
}

// PlaceOrderPayload carries an order intent. It is the payload of
// strategy.PlaceRequest and of the routed live/backtest PlaceOrder commands.
type PlaceOrderPayload struct {
	Intent OrderIntent `json:"intent"`
}

// WindowReadyPayload carries a complete, contiguous bar window.
type WindowReadyPayload struct {
	Symbol    string    `json:"symbol"`
	Timeframe Timeframe `json:"timeframe"`
	EndTS     time.Time `json:"end_ts"`
	Bars      []Bar     `json:"bars"`
}

// WindowChunkPayload reports one page of a window being assembled from an
// adapter. data.WindowReady remains the authoritative full-window event.
type WindowChunkPayload struct {
	Symbol    string    `json:"symbol"`
	Timeframe Timeframe `json:"timeframe"`
	Page      int       `json:"page"`
	Bars      []Bar     `json:"bars"`
}

// RunEventPayload describes a run lifecycle change. Stats is present on the
// terminal event of any run whose simulation engine ran; Error only on
// run.Error.
type RunEventPayload struct {
	RunID      string    `json:"run_id"`
	Mode       RunMode   `json:"mode"`
	StrategyID string    `json:"strategy_id"`
	Symbols    []string  `json:"symbols,omitempty"`
	Timeframe  Timeframe `json:"timeframe,omitempty"`
	Status     RunStatus `json:"status"`
	Error      string    `json:"error,omitempty"`
	Stats      *RunStats `json:"stats,omitempty"`
}

// OrderEventPayload describes an order lifecycle change. Fill is present on
// orders.PartiallyFilled and orders.Filled; Reason on orders.Rejected.
type OrderEventPayload struct {
	Order  OrderSnapshot `json:"order"`
	Fill   *FillInfo     `json:"fill,omitempty"`
	Reason string        `json:"reason,omitempty"`
}

// OrderSnapshot is the wire view of an order's current state.
type OrderSnapshot struct {
	OrderID         string           `json:"order_id"`
	RunID           string           `json:"run_id"`
	ClientOrderID   string           `json:"client_order_id"`
	ExchangeOrderID string           `json:"exchange_order_id,omitempty"`
	Symbol          string           `json:"symbol"`
	Side            Side             `json:"side"`
	Type            OrderType        `json:"type"`
	Status          OrderStatus      `json:"status"`
	Quantity        decimal.Decimal  `json:"quantity"`
	FilledQuantity  decimal.Decimal  `json:"filled_quantity"`
	AvgFillPrice    *decimal.Decimal `json:"avg_fill_price,omitempty"`
}

// FillInfo is the wire view of one execution.
type FillInfo struct {
	FillID    string          `json:"fill_id"`
	OrderID   string          `json:"order_id"`
	Quantity  decimal.Decimal `json:"quantity"`
	Price     decimal.Decimal `json:"price"`
	Fee       decimal.Decimal `json:"fee"`
	TS        time.Time       `json:"ts"`
	Liquidity Liquidity       `json:"liquidity,omitempty"`
}

// RunStats aggregates backtest results. Sharpe and Sortino are reserved and
// reported as zero until computed.
type RunStats struct {
	TotalReturn      decimal.Decimal `json:"total_return"`
	AnnualizedReturn decimal.Decimal `json:"annualized_return"`
	WinRate          decimal.Decimal `json:"win_rate"`
	ProfitFactor     decimal.Decimal `json:"profit_factor"`
	Sharpe           decimal.Decimal `json:"sharpe"`
	Sortino          decimal.Decimal `json:"sortino"`
	MaxDrawdown      decimal.Decimal `json:"max_drawdown"`
	Trades           int64           `json:"trades"`
}
