package memory

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/5TFG4/Weaver-sub002/internal/domain/orderstore"
	"github.com/5TFG4/Weaver-sub002/internal/domain/schema"
)

const (
	defaultOrderLimit = 50
	maxOrderLimit     = 500
)

type clientKey struct {
	runID         string
	clientOrderID string
}

// orderState is the mutable world of the order store. Transactions clone it,
// mutate the clone, and swap it back on commit, so rollback never needs an
// undo log.
type orderState struct {
	orders   map[string]orderstore.Order
	byClient map[clientKey]string
	fills    map[string][]orderstore.Fill
	fillIDs  map[string]struct{}
	order    []string
}

func newOrderState() *orderState {
	return &orderState{
		orders:   make(map[string]orderstore.Order),
		byClient: make(map[clientKey]string),
		fills:    make(map[string][]orderstore.Fill),
		fillIDs:  make(map[string]struct{}),
	}
}

func (st *orderState) clone() *orderState {
	next := &orderState{
		orders:   make(map[string]orderstore.Order, len(st.orders)),
		byClient: make(map[clientKey]string, len(st.byClient)),
		fills:    make(map[string][]orderstore.Fill, len(st.fills)),
		fillIDs:  make(map[string]struct{}, len(st.fillIDs)),
		order:    append([]string(nil), st.order...),
	}
	for id, order := range st.orders {
		next.orders[id] = order
	}
	for key, id := range st.byClient {
		next.byClient[key] = id
	}
	for id, fills := range st.fills {
		next.fills[id] = append([]orderstore.Fill(nil), fills...)
	}
	for id := range st.fillIDs {
		next.fillIDs[id] = struct{}{}
	}
	return next
}

func (st *orderState) create(order orderstore.Order) error {
	id := strings.TrimSpace(order.ID)
	if id == "" {
		return fmt.Errorf("memory order store: order id required")
	}
	if _, exists := st.orders[id]; exists {
		return orderstore.ErrDuplicate
	}
	key := clientKey{runID: order.RunID, clientOrderID: order.ClientOrderID}
	if _, exists := st.byClient[key]; exists {
		return orderstore.ErrDuplicate
	}
	now := time.Now().UTC()
	order.ID = id
	order.CreatedAt = now
	order.UpdatedAt = now
	st.orders[id] = order
	st.byClient[key] = id
	st.order = append(st.order, id)
	return nil
}

// update mirrors the durable store's partial-update semantics: status and
// filled quantity are written unconditionally, everything else only when the
// caller supplies a value.
func (st *orderState) update(order orderstore.Order) error {
	id := strings.TrimSpace(order.ID)
	if id == "" {
		return fmt.Errorf("memory order store: order id required")
	}
	existing, exists := st.orders[id]
	if !exists {
		return orderstore.ErrNotFound
	}
	existing.Status = order.Status
	existing.FilledQuantity = order.FilledQuantity
	if strings.TrimSpace(order.ExchangeOrderID) != "" {
		existing.ExchangeOrderID = strings.TrimSpace(order.ExchangeOrderID)
	}
	if order.AvgFillPrice != nil {
		price := *order.AvgFillPrice
		existing.AvgFillPrice = &price
	}
	if strings.TrimSpace(order.RejectReason) != "" {
		existing.RejectReason = strings.TrimSpace(order.RejectReason)
	}
	if order.SubmittedAt != nil {
		ts := order.SubmittedAt.UTC()
		existing.SubmittedAt = &ts
	}
	if order.AcceptedAt != nil {
		ts := order.AcceptedAt.UTC()
		existing.AcceptedAt = &ts
	}
	if order.CompletedAt != nil {
		ts := order.CompletedAt.UTC()
		existing.CompletedAt = &ts
	}
	existing.UpdatedAt = time.Now().UTC()
	st.orders[id] = existing
	return nil
}

func (st *orderState) addFill(fill orderstore.Fill) error {
	id := strings.TrimSpace(fill.ID)
	if id == "" {
		return fmt.Errorf("memory order store: fill id required")
	}
	orderID := strings.TrimSpace(fill.OrderID)
	if orderID == "" {
		return fmt.Errorf("memory order store: fill order id required")
	}
	if _, exists := st.fillIDs[id]; exists {
		return orderstore.ErrDuplicate
	}
	if _, exists := st.orders[orderID]; !exists {
		return orderstore.ErrNotFound
	}
	fill.ID = id
	fill.OrderID = orderID
	fill.TS = fill.TS.UTC()
	st.fillIDs[id] = struct{}{}
	st.fills[orderID] = append(st.fills[orderID], fill)
	return nil
}

// OrderStore keeps order and fill rows in maps guarded by one RWMutex.
type OrderStore struct {
	mu    sync.RWMutex
	state *orderState
}

// NewOrderStore constructs an empty OrderStore.
func NewOrderStore() *OrderStore {
	return &OrderStore{state: newOrderState()}
}

// CreateOrder inserts a new order.
func (s *OrderStore) CreateOrder(_ context.Context, order orderstore.Order) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state.create(order)
}

// UpdateOrder applies a partial update to an existing order.
func (s *OrderStore) UpdateOrder(_ context.Context, order orderstore.Order) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state.update(order)
}

// AddFill appends one execution to an order.
func (s *OrderStore) AddFill(_ context.Context, fill orderstore.Fill) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state.addFill(fill)
}

// WithTransaction runs fn against a clone of the store state and commits the
// clone only when fn succeeds. The store lock is held for the duration, so a
// transaction sees no concurrent writes.
func (s *OrderStore) WithTransaction(ctx context.Context, fn func(context.Context, orderstore.Tx) error) error {
	if fn == nil {
		return fmt.Errorf("memory order store: nil transaction callback")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	tx := &orderTx{state: s.state.clone()}
	if err := fn(ctx, tx); err != nil {
		return err
	}
	s.state = tx.state
	return nil
}

// GetOrder retrieves one order by id.
func (s *OrderStore) GetOrder(_ context.Context, id string) (orderstore.Order, error) {
	trimmed := strings.TrimSpace(id)
	if trimmed == "" {
		return orderstore.Order{}, fmt.Errorf("memory order store: order id required")
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	order, exists := s.state.orders[trimmed]
	if !exists {
		return orderstore.Order{}, orderstore.ErrNotFound
	}
	return order, nil
}

// GetByClientID retrieves one order by its idempotency key.
func (s *OrderStore) GetByClientID(_ context.Context, runID, clientOrderID string) (orderstore.Order, error) {
	if strings.TrimSpace(runID) == "" || strings.TrimSpace(clientOrderID) == "" {
		return orderstore.Order{}, fmt.Errorf("memory order store: run id and client order id required")
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	id, exists := s.state.byClient[clientKey{runID: strings.TrimSpace(runID), clientOrderID: strings.TrimSpace(clientOrderID)}]
	if !exists {
		return orderstore.Order{}, orderstore.ErrNotFound
	}
	return s.state.orders[id], nil
}

// ListOrders retrieves orders matching the supplied query filters, newest
// first.
func (s *OrderStore) ListOrders(_ context.Context, query orderstore.Query) ([]orderstore.Order, error) {
	limit := clampLimit(query.Limit, defaultOrderLimit, maxOrderLimit)
	statuses := make(map[schema.OrderStatus]struct{}, len(query.Statuses))
	for _, status := range query.Statuses {
		trimmed := schema.OrderStatus(strings.ToLower(strings.TrimSpace(string(status))))
		if trimmed != "" {
			statuses[trimmed] = struct{}{}
		}
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	var orders []orderstore.Order
	for i := len(s.state.order) - 1; i >= 0 && len(orders) < limit; i-- {
		order, exists := s.state.orders[s.state.order[i]]
		if !exists {
			continue
		}
		if runID := strings.TrimSpace(query.RunID); runID != "" && order.RunID != runID {
			continue
		}
		if symbol := strings.TrimSpace(query.Symbol); symbol != "" && order.Symbol != symbol {
			continue
		}
		if len(statuses) > 0 {
			if _, ok := statuses[schema.OrderStatus(strings.ToLower(string(order.Status)))]; !ok {
				continue
			}
		}
		orders = append(orders, order)
	}
	return orders, nil
}

// ListFills retrieves an order's executions ordered by execution time.
func (s *OrderStore) ListFills(_ context.Context, orderID string) ([]orderstore.Fill, error) {
	trimmed := strings.TrimSpace(orderID)
	if trimmed == "" {
		return nil, fmt.Errorf("memory order store: order id required")
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	fills := append([]orderstore.Fill(nil), s.state.fills[trimmed]...)
	sort.SliceStable(fills, func(i, j int) bool {
		if fills[i].TS.Equal(fills[j].TS) {
			return fills[i].ID < fills[j].ID
		}
		return fills[i].TS.Before(fills[j].TS)
	})
	return fills, nil
}

type orderTx struct {
	state *orderState
}

func (t *orderTx) CreateOrder(_ context.Context, order orderstore.Order) error {
	return t.state.create(order)
}

func (t *orderTx) UpdateOrder(_ context.Context, order orderstore.Order) error {
	return t.state.update(order)
}

func (t *orderTx) AddFill(_ context.Context, fill orderstore.Fill) error {
	return t.state.addFill(fill)
}

var (
	_ orderstore.Store = (*OrderStore)(nil)
	_ orderstore.Tx    = (*orderTx)(nil)
)
