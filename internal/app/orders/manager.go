// Package orders implements the idempotent order lifecycle: submission
// through an exchange adapter, fill ingestion, and cancellation, with every
// transition persisted and emitted as an event.
//
// Idempotency key is (run_id, client_order_id). Submitting an intent whose
// key is already bound returns the stored order without touching the venue,
// except for orders stranded in submitting by a transient failure, where
// Submit resumes the venue call (venues dedupe by client order id).
package orders

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/failsafe-go/failsafe-go"
	"github.com/failsafe-go/failsafe-go/retrypolicy"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/5TFG4/Weaver-sub002/internal/app/exchange"
	"github.com/5TFG4/Weaver-sub002/internal/domain/orderstore"
	"github.com/5TFG4/Weaver-sub002/internal/domain/schema"
	"github.com/5TFG4/Weaver-sub002/internal/errs"
	"github.com/5TFG4/Weaver-sub002/internal/infra/eventlog"
)

const scope = "order_manager"

// Venue submit retry tuning. Three attempts total, transient errors only.
const (
	submitMaxRetries  = 2
	submitBackoffMin  = 200 * time.Millisecond
	submitBackoffMax  = 2 * time.Second
	defaultProducerID = "order-manager"
)

// AdapterResolver yields the adapter serving a run. *exchange.Registry
// satisfies it.
type AdapterResolver interface {
	Resolve(runID string) (exchange.Adapter, error)
}

// Execution is one fill to ingest, produced by the fill simulator or an
// adapter's trade-update stream.
type Execution struct {
	Quantity  decimal.Decimal  `json:"quantity"`
	Price     decimal.Decimal  `json:"price"`
	Fee       decimal.Decimal  `json:"fee"`
	TS        time.Time        `json:"ts"`
	Liquidity schema.Liquidity `json:"liquidity,omitempty"`
}

// Manager drives the order state machine. Mutations of one logical order
// are serialized by a per-order mutex.
type Manager struct {
	store      orderstore.Store
	log        eventlog.Log
	adapters   AdapterResolver
	logger     *zap.Logger
	defaultTIF schema.TimeInForce
	retry      failsafe.Executor[exchange.Ack]

	mu      sync.Mutex
	locks   map[string]*sync.Mutex
	lineage map[string]*schema.Envelope
}

// Option configures a Manager.
type Option func(*Manager)

// WithLogger attaches a logger.
func WithLogger(logger *zap.Logger) Option {
	return func(m *Manager) {
		if logger != nil {
			m.logger = logger
		}
	}
}

// WithDefaultTimeInForce sets the time in force applied to intents that
// leave the field empty.
func WithDefaultTimeInForce(tif schema.TimeInForce) Option {
	return func(m *Manager) {
		if tif.Valid() {
			m.defaultTIF = tif
		}
	}
}

// NewManager builds an order manager over the given store, event log, and
// adapter resolver.
func NewManager(store orderstore.Store, log eventlog.Log, adapters AdapterResolver, opts ...Option) *Manager {
	m := &Manager{
		store:      store,
		log:        log,
		adapters:   adapters,
		logger:     zap.NewNop(),
		defaultTIF: schema.TimeInForceDay,
		locks:      make(map[string]*sync.Mutex),
		lineage:    make(map[string]*schema.Envelope),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(m)
		}
	}
	policy := retrypolicy.NewBuilder[exchange.Ack]().
		HandleIf(func(_ exchange.Ack, err error) bool { return errs.IsTransient(err) }).
		WithBackoff(submitBackoffMin, submitBackoffMax).
		WithMaxRetries(submitMaxRetries).
		Build()
	m.retry = failsafe.With[exchange.Ack](policy)
	return m
}

// SubmitOption customizes one submission.
type SubmitOption func(*submitConfig)

type submitConfig struct {
	cause *schema.Envelope
}

// CausedBy links emitted lifecycle events to the envelope that carried the
// intent, preserving the correlation chain.
func CausedBy(env *schema.Envelope) SubmitOption {
	return func(c *submitConfig) { c.cause = env }
}

func lockKey(runID, clientOrderID string) string { return runID + "\x00" + clientOrderID }

// lockOrder serializes mutations of one logical order. The returned func
// releases the lock.
func (m *Manager) lockOrder(runID, clientOrderID string) func() {
	key := lockKey(runID, clientOrderID)
	m.mu.Lock()
	lock, ok := m.locks[key]
	if !ok {
		lock = &sync.Mutex{}
		m.locks[key] = lock
	}
	m.mu.Unlock()
	lock.Lock()
	return lock.Unlock
}

// Submit places an order. The returned order reflects the furthest state
// reached: accepted on a full round trip, rejected when the venue refused
// durably (with nil error), submitting with a non-nil error when the venue
// was unreachable after retries.
func (m *Manager) Submit(ctx context.Context, intent schema.OrderIntent, opts ...SubmitOption) (orderstore.Order, error) {
	var cfg submitConfig
	for _, opt := range opts {
		if opt != nil {
			opt(&cfg)
		}
	}
	if err := intent.Validate(); err != nil {
		return orderstore.Order{}, err
	}
	if intent.TimeInForce == "" {
		intent.TimeInForce = m.defaultTIF
	}

	unlock := m.lockOrder(intent.RunID, intent.ClientOrderID)
	defer unlock()

	existing, err := m.store.GetByClientID(ctx, intent.RunID, intent.ClientOrderID)
	switch {
	case err == nil:
		if existing.Status == schema.OrderStatusSubmitting {
			// Stranded by a transient failure; resume the venue leg.
			return m.dispatch(ctx, existing)
		}
		return existing, nil
	case errors.Is(err, orderstore.ErrNotFound):
	default:
		return orderstore.Order{}, errs.Internal(scope, err, errs.WithRun(intent.RunID))
	}

	now := time.Now().UTC()
	order := orderstore.Order{
		ID:             uuid.NewString(),
		RunID:          intent.RunID,
		ClientOrderID:  intent.ClientOrderID,
		Symbol:         intent.Symbol,
		Side:           intent.Side,
		Type:           intent.Type,
		Quantity:       intent.Quantity,
		LimitPrice:     intent.LimitPrice,
		StopPrice:      intent.StopPrice,
		TimeInForce:    intent.TimeInForce,
		Status:         schema.OrderStatusSubmitting,
		FilledQuantity: decimal.Zero,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if err := m.store.CreateOrder(ctx, order); err != nil {
		if errors.Is(err, orderstore.ErrDuplicate) {
			stored, gerr := m.store.GetByClientID(ctx, intent.RunID, intent.ClientOrderID)
			if gerr == nil {
				return stored, nil
			}
		}
		return orderstore.Order{}, errs.Internal(scope, err,
			errs.WithRun(intent.RunID), errs.WithMessage("persist order"))
	}
	m.emit(ctx, cfg.cause, order, schema.EventOrdersCreated, nil, "")

	return m.dispatch(ctx, order)
}

// dispatch runs the venue leg of a submission: adapter submit with retry,
// then the submitted and accepted transitions, or the rejected terminal.
func (m *Manager) dispatch(ctx context.Context, order orderstore.Order) (orderstore.Order, error) {
	adapter, err := m.adapters.Resolve(order.RunID)
	if err != nil {
		return order, err
	}

	intent := intentFromOrder(order)
	ack, err := m.retry.GetWithExecution(func(failsafe.Execution[exchange.Ack]) (exchange.Ack, error) {
		return adapter.Submit(ctx, intent)
	})
	if err != nil {
		if durableRejection(err) {
			return m.reject(ctx, order, rejectReason(err))
		}
		m.logger.Warn("venue submit failed, order remains submitting",
			zap.String("order_id", order.ID),
			zap.String("run_id", order.RunID),
			zap.Error(err))
		return order, err
	}

	now := time.Now().UTC()
	order.Status = schema.OrderStatusSubmitted
	order.ExchangeOrderID = ack.ExchangeOrderID
	order.SubmittedAt = &now
	order.UpdatedAt = now
	if err := m.store.UpdateOrder(ctx, order); err != nil {
		return order, errs.Internal(scope, err, errs.WithOrder(order.ID))
	}
	m.emit(ctx, nil, order, schema.EventOrdersSubmitted, nil, "")

	if ack.Accepted {
		acceptedAt := time.Now().UTC()
		order.Status = schema.OrderStatusAccepted
		order.AcceptedAt = &acceptedAt
		order.UpdatedAt = acceptedAt
		if err := m.store.UpdateOrder(ctx, order); err != nil {
			return order, errs.Internal(scope, err, errs.WithOrder(order.ID))
		}
		m.emit(ctx, nil, order, schema.EventOrdersAccepted, nil, "")
	}
	return order, nil
}

func (m *Manager) reject(ctx context.Context, order orderstore.Order, reason string) (orderstore.Order, error) {
	now := time.Now().UTC()
	order.Status = schema.OrderStatusRejected
	order.RejectReason = reason
	order.CompletedAt = &now
	order.UpdatedAt = now
	if err := m.store.UpdateOrder(ctx, order); err != nil {
		return order, errs.Internal(scope, err, errs.WithOrder(order.ID))
	}
	m.emit(ctx, nil, order, schema.EventOrdersRejected, nil, reason)
	return order, nil
}

// Cancel cancels an order. Terminal orders return their current state
// without an adapter call or event.
func (m *Manager) Cancel(ctx context.Context, orderID string) (orderstore.Order, error) {
	order, err := m.getOrder(ctx, orderID)
	if err != nil {
		return orderstore.Order{}, err
	}

	unlock := m.lockOrder(order.RunID, order.ClientOrderID)
	defer unlock()

	order, err = m.getOrder(ctx, orderID)
	if err != nil {
		return orderstore.Order{}, err
	}
	if order.Status.Terminal() {
		return order, nil
	}

	if order.ExchangeOrderID != "" {
		adapter, err := m.adapters.Resolve(order.RunID)
		if err != nil {
			return order, err
		}
		if err := adapter.Cancel(ctx, order.ExchangeOrderID); err != nil {
			return order, err
		}
	}

	now := time.Now().UTC()
	order.Status = schema.OrderStatusCancelled
	order.CompletedAt = &now
	order.UpdatedAt = now
	if err := m.store.UpdateOrder(ctx, order); err != nil {
		return order, errs.Internal(scope, err, errs.WithOrder(order.ID))
	}
	m.emit(ctx, nil, order, schema.EventOrdersCancelled, nil, "")
	return order, nil
}

// Get returns one order by id.
func (m *Manager) Get(ctx context.Context, orderID string) (orderstore.Order, error) {
	return m.getOrder(ctx, orderID)
}

// GetByClientID returns the order identified by its idempotency key. Stream
// consumers use it to resolve venue execution reports, which carry the
// client order id rather than the internal one.
func (m *Manager) GetByClientID(ctx context.Context, runID, clientOrderID string) (orderstore.Order, error) {
	order, err := m.store.GetByClientID(ctx, runID, clientOrderID)
	if err != nil {
		if errors.Is(err, orderstore.ErrNotFound) {
			return orderstore.Order{}, errs.NotFound(scope, "unknown client order id",
				errs.WithRun(runID), errs.WithDetail("client_order_id", clientOrderID))
		}
		return orderstore.Order{}, errs.Internal(scope, err, errs.WithRun(runID))
	}
	return order, nil
}

// List returns orders matching the query. An empty query returns every
// persisted order across runs.
func (m *Manager) List(ctx context.Context, query orderstore.Query) ([]orderstore.Order, error) {
	orders, err := m.store.ListOrders(ctx, query)
	if err != nil {
		return nil, errs.Internal(scope, err)
	}
	return orders, nil
}

// Fills returns the full fill history of an order.
func (m *Manager) Fills(ctx context.Context, orderID string) ([]orderstore.Fill, error) {
	fills, err := m.store.ListFills(ctx, orderID)
	if err != nil {
		return nil, errs.Internal(scope, err, errs.WithOrder(orderID))
	}
	return fills, nil
}

// ApplyExecution ingests one fill: appends it, updates the aggregates, and
// transitions to partial or filled. A fill against a submitted order first
// applies the implied acceptance. Overfills are conflicts.
func (m *Manager) ApplyExecution(ctx context.Context, orderID string, exec Execution) (orderstore.Order, error) {
	if !exec.Quantity.IsPositive() {
		return orderstore.Order{}, errs.Invalid(scope, "execution quantity must be positive", errs.WithOrder(orderID))
	}
	if !exec.Price.IsPositive() {
		return orderstore.Order{}, errs.Invalid(scope, "execution price must be positive", errs.WithOrder(orderID))
	}

	order, err := m.getOrder(ctx, orderID)
	if err != nil {
		return orderstore.Order{}, err
	}
	unlock := m.lockOrder(order.RunID, order.ClientOrderID)
	defer unlock()
	order, err = m.getOrder(ctx, orderID)
	if err != nil {
		return orderstore.Order{}, err
	}

	if order.Status == schema.OrderStatusSubmitted {
		// The venue filled before its acceptance reached us.
		now := time.Now().UTC()
		order.Status = schema.OrderStatusAccepted
		order.AcceptedAt = &now
		order.UpdatedAt = now
		if err := m.store.UpdateOrder(ctx, order); err != nil {
			return order, errs.Internal(scope, err, errs.WithOrder(order.ID))
		}
		m.emit(ctx, nil, order, schema.EventOrdersAccepted, nil, "")
	}

	newFilled := order.FilledQuantity.Add(exec.Quantity)
	if newFilled.GreaterThan(order.Quantity) {
		return order, errs.Conflict(scope, "execution overfills order",
			errs.WithOrder(order.ID),
			errs.WithDetail("filled", newFilled.String()),
			errs.WithDetail("quantity", order.Quantity.String()))
	}
	target := schema.OrderStatusPartial
	if newFilled.Equal(order.Quantity) {
		target = schema.OrderStatusFilled
	}
	if !orderstore.CanTransition(order.Status, target) {
		return order, errs.Conflict(scope, "illegal transition "+string(order.Status)+" -> "+string(target),
			errs.WithOrder(order.ID))
	}

	ts := exec.TS
	if ts.IsZero() {
		ts = time.Now().UTC()
	}
	fill := orderstore.Fill{
		ID:        uuid.NewString(),
		OrderID:   order.ID,
		Quantity:  exec.Quantity,
		Price:     exec.Price,
		Fee:       exec.Fee,
		TS:        ts.UTC(),
		Liquidity: exec.Liquidity,
	}

	order.AvgFillPrice = weightedAverage(order.FilledQuantity, order.AvgFillPrice, exec.Quantity, exec.Price)
	order.FilledQuantity = newFilled
	order.Status = target
	order.UpdatedAt = time.Now().UTC()
	if target == schema.OrderStatusFilled {
		completed := order.UpdatedAt
		order.CompletedAt = &completed
	}

	err = m.store.WithTransaction(ctx, func(txCtx context.Context, tx orderstore.Tx) error {
		if err := tx.AddFill(txCtx, fill); err != nil {
			return err
		}
		return tx.UpdateOrder(txCtx, order)
	})
	if err != nil {
		return order, errs.Internal(scope, err, errs.WithOrder(order.ID), errs.WithMessage("persist fill"))
	}

	info := fill.Info()
	eventType := schema.EventOrdersPartiallyFilled
	if target == schema.OrderStatusFilled {
		eventType = schema.EventOrdersFilled
	}
	m.emit(ctx, nil, order, eventType, &info, "")
	return order, nil
}

// ApplyStatus ingests a venue-driven terminal transition: cancelled,
// rejected, or expired. Echoes of an already-applied status are idempotent.
func (m *Manager) ApplyStatus(ctx context.Context, orderID string, status schema.OrderStatus, reason string) (orderstore.Order, error) {
	switch status {
	case schema.OrderStatusCancelled, schema.OrderStatusRejected, schema.OrderStatusExpired:
	default:
		return orderstore.Order{}, errs.Invalid(scope, "status must be cancelled, rejected, or expired",
			errs.WithOrder(orderID))
	}

	order, err := m.getOrder(ctx, orderID)
	if err != nil {
		return orderstore.Order{}, err
	}
	unlock := m.lockOrder(order.RunID, order.ClientOrderID)
	defer unlock()
	order, err = m.getOrder(ctx, orderID)
	if err != nil {
		return orderstore.Order{}, err
	}

	if order.Status == status {
		return order, nil
	}
	if order.Status.Terminal() {
		// Late echo after another terminal won the race.
		return order, nil
	}
	if !orderstore.CanTransition(order.Status, status) {
		return order, errs.Conflict(scope, "illegal transition "+string(order.Status)+" -> "+string(status),
			errs.WithOrder(order.ID))
	}

	now := time.Now().UTC()
	order.Status = status
	order.CompletedAt = &now
	order.UpdatedAt = now
	if reason != "" {
		order.RejectReason = reason
	}
	if err := m.store.UpdateOrder(ctx, order); err != nil {
		return order, errs.Internal(scope, err, errs.WithOrder(order.ID))
	}

	var eventType schema.EventType
	switch status {
	case schema.OrderStatusCancelled:
		eventType = schema.EventOrdersCancelled
	case schema.OrderStatusRejected:
		eventType = schema.EventOrdersRejected
	default:
		eventType = schema.EventOrdersExpired
	}
	m.emit(ctx, nil, order, eventType, nil, reason)
	return order, nil
}

func (m *Manager) getOrder(ctx context.Context, orderID string) (orderstore.Order, error) {
	order, err := m.store.GetOrder(ctx, orderID)
	if err != nil {
		if errors.Is(err, orderstore.ErrNotFound) {
			return orderstore.Order{}, errs.NotFound(scope, "unknown order", errs.WithOrder(orderID))
		}
		return orderstore.Order{}, errs.Internal(scope, err, errs.WithOrder(orderID))
	}
	return order, nil
}

// emit appends one lifecycle event. cause overrides the remembered lineage;
// with neither, a fresh correlation chain starts (post-restart ingestion).
// Append failures are logged, never propagated: the persisted row is the
// source of truth and a lost notification must not fail the mutation.
func (m *Manager) emit(ctx context.Context, cause *schema.Envelope, order orderstore.Order, eventType schema.EventType, fill *schema.FillInfo, reason string) {
	payload := &schema.OrderEventPayload{Order: order.Snapshot(), Fill: fill, Reason: reason}

	parent := cause
	if parent == nil {
		m.mu.Lock()
		parent = m.lineage[order.ID]
		m.mu.Unlock()
	}

	var env *schema.Envelope
	if parent != nil {
		env = parent.Caused(eventType, payload,
			schema.WithRun(order.RunID), schema.WithProducer(defaultProducerID))
	} else {
		env = schema.NewEnvelope(eventType, payload,
			schema.WithRun(order.RunID), schema.WithProducer(defaultProducerID))
	}

	if _, err := m.log.Append(ctx, env); err != nil {
		m.logger.Error("append order event",
			zap.String("order_id", order.ID),
			zap.String("event_type", string(eventType)),
			zap.Error(err))
		return
	}

	m.mu.Lock()
	if order.Status.Terminal() {
		delete(m.lineage, order.ID)
	} else {
		m.lineage[order.ID] = env
	}
	m.mu.Unlock()
}

// durableRejection reports whether the venue refused the order for keeps.
func durableRejection(err error) bool {
	switch errs.CodeOf(err) {
	case errs.CodeRejected, errs.CodeInvalid:
		return true
	default:
		return false
	}
}

func rejectReason(err error) string {
	var e *errs.E
	if errors.As(err, &e) {
		if e.RawMsg != "" {
			return e.RawMsg
		}
		if e.Message != "" {
			return e.Message
		}
	}
	return err.Error()
}

func intentFromOrder(order orderstore.Order) schema.OrderIntent {
	return schema.OrderIntent{
		ClientOrderID: order.ClientOrderID,
		RunID:         order.RunID,
		Symbol:        order.Symbol,
		Side:          order.Side,
		Type:          order.Type,
		Quantity:      order.Quantity,
		LimitPrice:    order.LimitPrice,
		StopPrice:     order.StopPrice,
		TimeInForce:   order.TimeInForce,
	}
}

func weightedAverage(filledQty decimal.Decimal, avg *decimal.Decimal, fillQty, fillPrice decimal.Decimal) *decimal.Decimal {
	if avg == nil || filledQty.IsZero() {
		price := fillPrice
		return &price
	}
	total := filledQty.Add(fillQty)
	if total.IsZero() {
		return avg
	}
	blended := avg.Mul(filledQty).Add(fillPrice.Mul(fillQty)).Div(total)
	return &blended
}
