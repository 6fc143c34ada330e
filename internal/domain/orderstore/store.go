// Package orderstore defines persistence contracts for order lifecycle state
// and fills.
package orderstore

import (
	"context"
	"errors"
	"time"

	"github.com/shopspring/decimal"

	"github.com/5TFG4/Weaver-sub002/internal/domain/schema"
)

// ErrNotFound is returned when the requested order does not exist.
var ErrNotFound = errors.New("order not found")

// ErrDuplicate is returned when an insert violates a uniqueness constraint.
var ErrDuplicate = errors.New("duplicate order")

// Order is the persisted lifecycle record of one submission. Fills live in
// their own table so history survives restart; FilledQuantity and
// AvgFillPrice are maintained aggregates.
type Order struct {
	ID              string             `json:"id"`
	RunID           string             `json:"run_id"`
	ClientOrderID   string             `json:"client_order_id"`
	ExchangeOrderID string             `json:"exchange_order_id,omitempty"`
	Symbol          string             `json:"symbol"`
	Side            schema.Side        `json:"side"`
	Type            schema.OrderType   `json:"type"`
	Quantity        decimal.Decimal    `json:"quantity"`
	LimitPrice      *decimal.Decimal   `json:"limit_price,omitempty"`
	StopPrice       *decimal.Decimal   `json:"stop_price,omitempty"`
	TimeInForce     schema.TimeInForce `json:"time_in_force"`
	Status          schema.OrderStatus `json:"status"`
	FilledQuantity  decimal.Decimal    `json:"filled_quantity"`
	AvgFillPrice    *decimal.Decimal   `json:"avg_fill_price,omitempty"`
	RejectReason    string             `json:"reject_reason,omitempty"`
	CreatedAt       time.Time          `json:"created_at"`
	SubmittedAt     *time.Time         `json:"submitted_at,omitempty"`
	AcceptedAt      *time.Time         `json:"accepted_at,omitempty"`
	CompletedAt     *time.Time         `json:"completed_at,omitempty"`
	UpdatedAt       time.Time          `json:"updated_at"`
}

// Snapshot converts the record to its wire view.
func (o Order) Snapshot() schema.OrderSnapshot {
	return schema.OrderSnapshot{
		OrderID:         o.ID,
		RunID:           o.RunID,
		ClientOrderID:   o.ClientOrderID,
		ExchangeOrderID: o.ExchangeOrderID,
		Symbol:          o.Symbol,
		Side:            o.Side,
		Type:            o.Type,
		Status:          o.Status,
		Quantity:        o.Quantity,
		FilledQuantity:  o.FilledQuantity,
		AvgFillPrice:    o.AvgFillPrice,
	}
}

// Fill is one execution belonging to an order. Fills are append-only.
type Fill struct {
	ID        string           `json:"id"`
	OrderID   string           `json:"order_id"`
	Quantity  decimal.Decimal  `json:"quantity"`
	Price     decimal.Decimal  `json:"price"`
	Fee       decimal.Decimal  `json:"fee"`
	TS        time.Time        `json:"ts"`
	Liquidity schema.Liquidity `json:"liquidity,omitempty"`
}

// Info converts the fill to its wire view.
func (f Fill) Info() schema.FillInfo {
	return schema.FillInfo{
		FillID:    f.ID,
		OrderID:   f.OrderID,
		Quantity:  f.Quantity,
		Price:     f.Price,
		Fee:       f.Fee,
		TS:        f.TS,
		Liquidity: f.Liquidity,
	}
}

// CanTransition reports whether an order may move from one status to
// another. Cancellation is legal from any non-terminal status.
func CanTransition(from, to schema.OrderStatus) bool {
	if from.Terminal() {
		return false
	}
	if to == schema.OrderStatusCancelled {
		return true
	}
	switch from {
	case schema.OrderStatusPending:
		return to == schema.OrderStatusSubmitting
	case schema.OrderStatusSubmitting:
		return to == schema.OrderStatusSubmitted || to == schema.OrderStatusRejected
	case schema.OrderStatusSubmitted:
		return to == schema.OrderStatusAccepted
	case schema.OrderStatusAccepted:
		switch to {
		case schema.OrderStatusPartial, schema.OrderStatusFilled,
			schema.OrderStatusRejected, schema.OrderStatusExpired:
			return true
		}
		return false
	case schema.OrderStatusPartial:
		switch to {
		case schema.OrderStatusPartial, schema.OrderStatusFilled, schema.OrderStatusExpired:
			return true
		}
		return false
	default:
		return false
	}
}

// Query scopes order lookups. Zero values mean no filter.
type Query struct {
	RunID    string               `json:"run_id,omitempty"`
	Symbol   string               `json:"symbol,omitempty"`
	Statuses []schema.OrderStatus `json:"statuses,omitempty"`
	Limit    int                  `json:"limit,omitempty"`
}

// Tx encapsulates order mutations executed within a single transaction.
type Tx interface {
	CreateOrder(ctx context.Context, order Order) error
	UpdateOrder(ctx context.Context, order Order) error
	AddFill(ctx context.Context, fill Fill) error
}

// Store defines the contract for order persistence.
type Store interface {
	Tx
	WithTransaction(ctx context.Context, fn func(context.Context, Tx) error) error
	GetOrder(ctx context.Context, id string) (Order, error)
	GetByClientID(ctx context.Context, runID, clientOrderID string) (Order, error)
	ListOrders(ctx context.Context, query Query) ([]Order, error)
	ListFills(ctx context.Context, orderID string) ([]Fill, error)
}
