package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/5TFG4/Weaver-sub002/internal/domain/orderstore"
	"github.com/5TFG4/Weaver-sub002/internal/domain/schema"
)

// OrderStore persists order lifecycle state and fills.
type OrderStore struct {
	pool *pgxpool.Pool
}

// NewOrderStore constructs an OrderStore backed by the provided pool.
func NewOrderStore(pool *pgxpool.Pool) *OrderStore {
	return &OrderStore{pool: pool}
}

const (
	defaultOrderLimit = 50
	maxOrderLimit     = 500
)

const (
	orderInsertSQL = `
INSERT INTO orders (
    id,
    run_id,
    client_order_id,
    exchange_order_id,
    symbol,
    side,
    order_type,
    quantity,
    limit_price,
    stop_price,
    time_in_force,
    status,
    filled_quantity,
    avg_fill_price,
    reject_reason,
    created_at,
    submitted_at,
    accepted_at,
    completed_at,
    updated_at
)
VALUES (
    @id,
    @run_id,
    @client_order_id,
    @exchange_order_id,
    @symbol,
    @side,
    @order_type,
    @quantity,
    @limit_price,
    @stop_price,
    @time_in_force,
    @status,
    @filled_quantity,
    @avg_fill_price,
    @reject_reason,
    NOW(),
    @submitted_at,
    @accepted_at,
    @completed_at,
    NOW()
);
`

	orderUpdateSQL = `
UPDATE orders
SET exchange_order_id = COALESCE(@exchange_order_id, exchange_order_id),
    status = @status,
    filled_quantity = @filled_quantity,
    avg_fill_price = COALESCE(@avg_fill_price, avg_fill_price),
    reject_reason = COALESCE(@reject_reason, reject_reason),
    submitted_at = COALESCE(@submitted_at, submitted_at),
    accepted_at = COALESCE(@accepted_at, accepted_at),
    completed_at = COALESCE(@completed_at, completed_at),
    updated_at = NOW()
WHERE id = @id;
`

	fillInsertSQL = `
INSERT INTO fills (
    id,
    order_id,
    quantity,
    price,
    fee,
    ts,
    liquidity,
    created_at
)
VALUES (
    @id,
    @order_id,
    @quantity,
    @price,
    @fee,
    @ts,
    @liquidity,
    NOW()
);
`

	orderSelectBase = `
SELECT
    id,
    run_id,
    client_order_id,
    COALESCE(exchange_order_id, ''),
    symbol,
    side,
    order_type,
    quantity::text,
    limit_price::text,
    stop_price::text,
    time_in_force,
    status,
    filled_quantity::text,
    avg_fill_price::text,
    COALESCE(reject_reason, ''),
    created_at,
    submitted_at,
    accepted_at,
    completed_at,
    updated_at
FROM orders
`

	fillSelectBase = `
SELECT
    id,
    order_id,
    quantity::text,
    price::text,
    fee::text,
    ts,
    COALESCE(liquidity, '')
FROM fills
`
)

type execer interface {
	Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
}

type orderTx struct {
	tx    pgx.Tx
	store *OrderStore
}

func (s *OrderStore) ensurePool() (*pgxpool.Pool, error) {
	if s.pool == nil {
		return nil, fmt.Errorf("order store: nil pool")
	}
	return s.pool, nil
}

func (s *OrderStore) createOrderWith(ctx context.Context, exec execer, order orderstore.Order) error {
	if strings.TrimSpace(order.ID) == "" {
		return fmt.Errorf("order store: order id required")
	}
	args := pgx.NamedArgs{
		"id":                order.ID,
		"run_id":            order.RunID,
		"client_order_id":   order.ClientOrderID,
		"exchange_order_id": nullableString(order.ExchangeOrderID),
		"symbol":            order.Symbol,
		"side":              string(order.Side),
		"order_type":        string(order.Type),
		"quantity":          order.Quantity.String(),
		"limit_price":       nullableDecimal(order.LimitPrice),
		"stop_price":        nullableDecimal(order.StopPrice),
		"time_in_force":     string(order.TimeInForce),
		"status":            string(order.Status),
		"filled_quantity":   order.FilledQuantity.String(),
		"avg_fill_price":    nullableDecimal(order.AvgFillPrice),
		"reject_reason":     nullableString(order.RejectReason),
		"submitted_at":      nullableTime(order.SubmittedAt),
		"accepted_at":       nullableTime(order.AcceptedAt),
		"completed_at":      nullableTime(order.CompletedAt),
	}
	if _, err := exec.Exec(ctx, orderInsertSQL, args); err != nil {
		if isUniqueViolation(err) {
			return orderstore.ErrDuplicate
		}
		return fmt.Errorf("order store: insert order: %w", err)
	}
	return nil
}

func (s *OrderStore) updateOrderWith(ctx context.Context, exec execer, order orderstore.Order) error {
	if strings.TrimSpace(order.ID) == "" {
		return fmt.Errorf("order store: order id required")
	}
	args := pgx.NamedArgs{
		"id":                order.ID,
		"exchange_order_id": nullableString(order.ExchangeOrderID),
		"status":            string(order.Status),
		"filled_quantity":   order.FilledQuantity.String(),
		"avg_fill_price":    nullableDecimal(order.AvgFillPrice),
		"reject_reason":     nullableString(order.RejectReason),
		"submitted_at":      nullableTime(order.SubmittedAt),
		"accepted_at":       nullableTime(order.AcceptedAt),
		"completed_at":      nullableTime(order.CompletedAt),
	}
	tag, err := exec.Exec(ctx, orderUpdateSQL, args)
	if err != nil {
		return fmt.Errorf("order store: update order: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return orderstore.ErrNotFound
	}
	return nil
}

func (s *OrderStore) addFillWith(ctx context.Context, exec execer, fill orderstore.Fill) error {
	if strings.TrimSpace(fill.ID) == "" {
		return fmt.Errorf("order store: fill id required")
	}
	if strings.TrimSpace(fill.OrderID) == "" {
		return fmt.Errorf("order store: fill order id required")
	}
	args := pgx.NamedArgs{
		"id":        fill.ID,
		"order_id":  fill.OrderID,
		"quantity":  fill.Quantity.String(),
		"price":     fill.Price.String(),
		"fee":       fill.Fee.String(),
		"ts":        fill.TS.UTC(),
		"liquidity": nullableString(string(fill.Liquidity)),
	}
	if _, err := exec.Exec(ctx, fillInsertSQL, args); err != nil {
		if isUniqueViolation(err) {
			return orderstore.ErrDuplicate
		}
		return fmt.Errorf("order store: insert fill: %w", err)
	}
	return nil
}

// CreateOrder inserts a new order row.
func (s *OrderStore) CreateOrder(ctx context.Context, order orderstore.Order) error {
	pool, err := s.ensurePool()
	if err != nil {
		return err
	}
	return s.createOrderWith(ctx, pool, order)
}

// UpdateOrder persists the order's current lifecycle state.
func (s *OrderStore) UpdateOrder(ctx context.Context, order orderstore.Order) error {
	pool, err := s.ensurePool()
	if err != nil {
		return err
	}
	return s.updateOrderWith(ctx, pool, order)
}

// AddFill appends one fill row. Fill ids are unique, so replayed executions
// surface as ErrDuplicate.
func (s *OrderStore) AddFill(ctx context.Context, fill orderstore.Fill) error {
	pool, err := s.ensurePool()
	if err != nil {
		return err
	}
	return s.addFillWith(ctx, pool, fill)
}

// WithTransaction executes the supplied callback within a database transaction.
func (s *OrderStore) WithTransaction(ctx context.Context, fn func(context.Context, orderstore.Tx) error) error {
	if fn == nil {
		return fmt.Errorf("order store: transaction callback required")
	}
	pool, err := s.ensurePool()
	if err != nil {
		return err
	}
	var txOptions pgx.TxOptions
	txOptions.IsoLevel = pgx.ReadCommitted
	txOptions.AccessMode = pgx.ReadWrite
	txOptions.DeferrableMode = pgx.NotDeferrable

	tx, err := pool.BeginTx(ctx, txOptions)
	if err != nil {
		return fmt.Errorf("order store: begin tx: %w", err)
	}
	wrapped := &orderTx{tx: tx, store: s}
	runErr := fn(ctx, wrapped)
	if runErr != nil {
		if rbErr := tx.Rollback(ctx); rbErr != nil && !errors.Is(rbErr, pgx.ErrTxClosed) {
			return fmt.Errorf("order store: rollback tx: %w (original error: %v)", rbErr, runErr)
		}
		return runErr
	}
	if err := tx.Commit(ctx); err != nil && !errors.Is(err, pgx.ErrTxClosed) {
		return fmt.Errorf("order store: commit tx: %w", err)
	}
	return nil
}

// GetOrder retrieves one order by id.
func (s *OrderStore) GetOrder(ctx context.Context, id string) (orderstore.Order, error) {
	pool, err := s.ensurePool()
	if err != nil {
		return orderstore.Order{}, err
	}
	trimmed := strings.TrimSpace(id)
	if trimmed == "" {
		return orderstore.Order{}, fmt.Errorf("order store: order id required")
	}
	row := pool.QueryRow(ctx, orderSelectBase+" WHERE id = $1", trimmed)
	order, err := scanOrder(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return orderstore.Order{}, orderstore.ErrNotFound
	}
	if err != nil {
		return orderstore.Order{}, err
	}
	return order, nil
}

// GetByClientID retrieves one order by its idempotency key.
func (s *OrderStore) GetByClientID(ctx context.Context, runID, clientOrderID string) (orderstore.Order, error) {
	pool, err := s.ensurePool()
	if err != nil {
		return orderstore.Order{}, err
	}
	run := strings.TrimSpace(runID)
	client := strings.TrimSpace(clientOrderID)
	if run == "" || client == "" {
		return orderstore.Order{}, fmt.Errorf("order store: run id and client order id required")
	}
	row := pool.QueryRow(ctx, orderSelectBase+" WHERE run_id = $1 AND client_order_id = $2", run, client)
	order, err := scanOrder(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return orderstore.Order{}, orderstore.ErrNotFound
	}
	if err != nil {
		return orderstore.Order{}, err
	}
	return order, nil
}

// ListOrders retrieves persisted orders matching the supplied query filters,
// newest first.
func (s *OrderStore) ListOrders(ctx context.Context, query orderstore.Query) ([]orderstore.Order, error) {
	pool, err := s.ensurePool()
	if err != nil {
		return nil, err
	}
	limit := clampLimit(query.Limit, defaultOrderLimit, maxOrderLimit)

	builder := strings.Builder{}
	builder.WriteString(orderSelectBase)
	builder.WriteString(" WHERE 1=1")

	args := make([]any, 0, 4)
	argPos := 1

	if trimmed := strings.TrimSpace(query.RunID); trimmed != "" {
		fmt.Fprintf(&builder, " AND run_id = $%d", argPos)
		args = append(args, trimmed)
		argPos++
	}
	if trimmed := strings.TrimSpace(query.Symbol); trimmed != "" {
		fmt.Fprintf(&builder, " AND symbol = $%d", argPos)
		args = append(args, trimmed)
		argPos++
	}
	if statuses := normalizedStatuses(query.Statuses); len(statuses) > 0 {
		fmt.Fprintf(&builder, " AND status = ANY($%d)", argPos)
		args = append(args, statuses)
		argPos++
	}
	fmt.Fprintf(&builder, " ORDER BY created_at DESC LIMIT $%d", argPos)
	args = append(args, limit)

	rows, err := pool.Query(ctx, builder.String(), args...)
	if err != nil {
		return nil, fmt.Errorf("order store: list orders: %w", err)
	}
	defer rows.Close()

	var orders []orderstore.Order
	for rows.Next() {
		order, err := scanOrder(rows)
		if err != nil {
			return nil, err
		}
		orders = append(orders, order)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("order store: iterate orders: %w", err)
	}
	return orders, nil
}

// ListFills retrieves an order's fills in execution order.
func (s *OrderStore) ListFills(ctx context.Context, orderID string) ([]orderstore.Fill, error) {
	pool, err := s.ensurePool()
	if err != nil {
		return nil, err
	}
	trimmed := strings.TrimSpace(orderID)
	if trimmed == "" {
		return nil, fmt.Errorf("order store: order id required")
	}
	rows, err := pool.Query(ctx, fillSelectBase+" WHERE order_id = $1 ORDER BY ts ASC, id ASC", trimmed)
	if err != nil {
		return nil, fmt.Errorf("order store: list fills: %w", err)
	}
	defer rows.Close()

	var fills []orderstore.Fill
	for rows.Next() {
		fill, err := scanFill(rows)
		if err != nil {
			return nil, err
		}
		fills = append(fills, fill)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("order store: iterate fills: %w", err)
	}
	return fills, nil
}

func (t *orderTx) CreateOrder(ctx context.Context, order orderstore.Order) error {
	if t == nil {
		return fmt.Errorf("order store: nil transaction")
	}
	return t.store.createOrderWith(ctx, t.tx, order)
}

func (t *orderTx) UpdateOrder(ctx context.Context, order orderstore.Order) error {
	if t == nil {
		return fmt.Errorf("order store: nil transaction")
	}
	return t.store.updateOrderWith(ctx, t.tx, order)
}

func (t *orderTx) AddFill(ctx context.Context, fill orderstore.Fill) error {
	if t == nil {
		return fmt.Errorf("order store: nil transaction")
	}
	return t.store.addFillWith(ctx, t.tx, fill)
}

func scanOrder(row rowScanner) (orderstore.Order, error) {
	var (
		order       orderstore.Order
		side        string
		orderType   string
		quantity    string
		limitPrice  sql.NullString
		stopPrice   sql.NullString
		tif         string
		status      string
		filledQty   string
		avgPrice    sql.NullString
		createdAt   time.Time
		submittedAt pgtype.Timestamptz
		acceptedAt  pgtype.Timestamptz
		completedAt pgtype.Timestamptz
		updatedAt   time.Time
	)
	if err := row.Scan(
		&order.ID,
		&order.RunID,
		&order.ClientOrderID,
		&order.ExchangeOrderID,
		&order.Symbol,
		&side,
		&orderType,
		&quantity,
		&limitPrice,
		&stopPrice,
		&tif,
		&status,
		&filledQty,
		&avgPrice,
		&order.RejectReason,
		&createdAt,
		&submittedAt,
		&acceptedAt,
		&completedAt,
		&updatedAt,
	); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return orderstore.Order{}, err
		}
		return orderstore.Order{}, fmt.Errorf("order store: scan order: %w", err)
	}
	order.Side = schema.Side(side)
	order.Type = schema.OrderType(orderType)
	order.TimeInForce = schema.TimeInForce(tif)
	order.Status = schema.OrderStatus(status)

	var err error
	if order.Quantity, err = decimalFromText(quantity); err != nil {
		return orderstore.Order{}, fmt.Errorf("order store: quantity: %w", err)
	}
	if order.LimitPrice, err = decimalFromNullable(limitPrice); err != nil {
		return orderstore.Order{}, fmt.Errorf("order store: limit price: %w", err)
	}
	if order.StopPrice, err = decimalFromNullable(stopPrice); err != nil {
		return orderstore.Order{}, fmt.Errorf("order store: stop price: %w", err)
	}
	if order.FilledQuantity, err = decimalFromText(filledQty); err != nil {
		return orderstore.Order{}, fmt.Errorf("order store: filled quantity: %w", err)
	}
	if order.AvgFillPrice, err = decimalFromNullable(avgPrice); err != nil {
		return orderstore.Order{}, fmt.Errorf("order store: avg fill price: %w", err)
	}

	order.CreatedAt = createdAt.UTC()
	order.SubmittedAt = timePtr(submittedAt)
	order.AcceptedAt = timePtr(acceptedAt)
	order.CompletedAt = timePtr(completedAt)
	order.UpdatedAt = updatedAt.UTC()
	return order, nil
}

func scanFill(row rowScanner) (orderstore.Fill, error) {
	var (
		fill      orderstore.Fill
		quantity  string
		price     string
		fee       string
		ts        time.Time
		liquidity string
	)
	if err := row.Scan(
		&fill.ID,
		&fill.OrderID,
		&quantity,
		&price,
		&fee,
		&ts,
		&liquidity,
	); err != nil {
		return orderstore.Fill{}, fmt.Errorf("order store: scan fill: %w", err)
	}
	var err error
	if fill.Quantity, err = decimalFromText(quantity); err != nil {
		return orderstore.Fill{}, fmt.Errorf("order store: fill quantity: %w", err)
	}
	if fill.Price, err = decimalFromText(price); err != nil {
		return orderstore.Fill{}, fmt.Errorf("order store: fill price: %w", err)
	}
	if fill.Fee, err = decimalFromText(fee); err != nil {
		return orderstore.Fill{}, fmt.Errorf("order store: fill fee: %w", err)
	}
	fill.TS = ts.UTC()
	fill.Liquidity = schema.Liquidity(liquidity)
	return fill, nil
}

func normalizedStatuses(statuses []schema.OrderStatus) []string {
	if len(statuses) == 0 {
		return nil
	}
	out := make([]string, 0, len(statuses))
	for _, status := range statuses {
		trimmed := strings.ToLower(strings.TrimSpace(string(status)))
		if trimmed != "" {
			out = append(out, trimmed)
		}
	}
	if len(out) == 0 {
		return nil
	}
	return out
}

var _ orderstore.Store = (*OrderStore)(nil)
