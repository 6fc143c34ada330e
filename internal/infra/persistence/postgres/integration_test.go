package postgres_test

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/5TFG4/Weaver-sub002/internal/domain/orderstore"
	"github.com/5TFG4/Weaver-sub002/internal/domain/runstore"
	"github.com/5TFG4/Weaver-sub002/internal/domain/schema"
	"github.com/5TFG4/Weaver-sub002/internal/infra/config"
	"github.com/5TFG4/Weaver-sub002/internal/infra/persistence/migrations"
	pgstore "github.com/5TFG4/Weaver-sub002/internal/infra/persistence/postgres"
)

// startPostgres launches a disposable postgres container and returns a store
// connected to it with migrations applied. Tests skip when Docker is
// unavailable on the host.
func startPostgres(t *testing.T) *pgstore.Store {
	t.Helper()
	ctx := context.Background()

	req := testcontainers.ContainerRequest{
		Image:        "postgres:16-alpine",
		Env:          map[string]string{"POSTGRES_PASSWORD": "secret", "POSTGRES_USER": "postgres", "POSTGRES_DB": "weaver"},
		ExposedPorts: []string{"5432/tcp"},
		WaitingFor:   wait.ForListeningPort("5432/tcp").WithStartupTimeout(60 * time.Second),
	}
	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: req,
		Started:          true,
	})
	if err != nil {
		t.Skipf("postgres container unavailable: %v", err)
	}
	t.Cleanup(func() {
		_ = container.Terminate(context.Background())
	})

	host, err := container.Host(ctx)
	if err != nil {
		t.Fatalf("container host: %v", err)
	}
	port, err := container.MappedPort(ctx, "5432/tcp")
	if err != nil {
		t.Fatalf("container port: %v", err)
	}
	dsn := fmt.Sprintf("postgres://postgres:secret@%s:%s/weaver?sslmode=disable", host, port.Port())

	if err := migrations.Apply(ctx, dsn, nil); err != nil {
		t.Fatalf("apply migrations: %v", err)
	}

	pool, err := pgstore.Connect(ctx, config.DatabaseConfig{
		URL:               dsn,
		MaxConns:          4,
		MinConns:          1,
		MaxConnLifetime:   time.Hour,
		MaxConnIdleTime:   30 * time.Minute,
		HealthCheckPeriod: time.Minute,
	})
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	t.Cleanup(func() {
		pool.Close()
	})

	return pgstore.New(pool)
}

func TestPostgresStores(t *testing.T) {
	store := startPostgres(t)
	ctx := context.Background()

	runID := "run-" + uuid.NewString()
	start := time.Date(2024, 6, 3, 9, 30, 0, 0, time.UTC)
	end := start.Add(4 * time.Hour)

	t.Run("runs", func(t *testing.T) {
		run := runstore.Run{
			ID:         runID,
			Mode:       schema.RunModeBacktest,
			StrategyID: "sma_cross",
			Symbols:    []string{"AAPL", "MSFT"},
			Timeframe:  schema.Timeframe1m,
			StartTime:  &start,
			EndTime:    &end,
			Status:     schema.RunStatusPending,
		}
		if err := store.Runs.CreateRun(ctx, run); err != nil {
			t.Fatalf("create run: %v", err)
		}
		if err := store.Runs.CreateRun(ctx, run); !errors.Is(err, runstore.ErrDuplicate) {
			t.Fatalf("expected ErrDuplicate on second insert, got %v", err)
		}

		got, err := store.Runs.GetRun(ctx, runID)
		if err != nil {
			t.Fatalf("get run: %v", err)
		}
		if got.Mode != schema.RunModeBacktest || got.Status != schema.RunStatusPending {
			t.Fatalf("unexpected run state: mode=%s status=%s", got.Mode, got.Status)
		}
		if len(got.Symbols) != 2 || got.Symbols[0] != "AAPL" {
			t.Fatalf("unexpected symbols: %v", got.Symbols)
		}
		if got.StartTime == nil || !got.StartTime.Equal(start) {
			t.Fatalf("expected start %s, got %v", start, got.StartTime)
		}
		if got.ErrorMessage != "" {
			t.Fatalf("expected blank error message, got %q", got.ErrorMessage)
		}

		startedAt := start.Add(time.Second)
		if err := store.Runs.UpdateRun(ctx, runstore.Update{
			ID:        runID,
			Status:    schema.RunStatusRunning,
			StartedAt: &startedAt,
		}); err != nil {
			t.Fatalf("update run: %v", err)
		}
		got, err = store.Runs.GetRun(ctx, runID)
		if err != nil {
			t.Fatalf("get run after update: %v", err)
		}
		if got.Status != schema.RunStatusRunning {
			t.Fatalf("expected running, got %s", got.Status)
		}
		if got.StartedAt == nil || !got.StartedAt.Equal(startedAt) {
			t.Fatalf("expected startedAt %s, got %v", startedAt, got.StartedAt)
		}

		if err := store.Runs.UpdateRun(ctx, runstore.Update{ID: "run-missing", Status: schema.RunStatusStopped}); !errors.Is(err, runstore.ErrNotFound) {
			t.Fatalf("expected ErrNotFound for missing run, got %v", err)
		}
		if _, err := store.Runs.GetRun(ctx, "run-missing"); !errors.Is(err, runstore.ErrNotFound) {
			t.Fatalf("expected ErrNotFound for missing run, got %v", err)
		}

		runs, err := store.Runs.ListRuns(ctx, runstore.Query{Mode: schema.RunModeBacktest, Status: schema.RunStatusRunning})
		if err != nil {
			t.Fatalf("list runs: %v", err)
		}
		if len(runs) != 1 || runs[0].ID != runID {
			t.Fatalf("expected the one running backtest, got %d", len(runs))
		}
		runs, err = store.Runs.ListRuns(ctx, runstore.Query{Mode: schema.RunModeLive})
		if err != nil {
			t.Fatalf("list live runs: %v", err)
		}
		if len(runs) != 0 {
			t.Fatalf("expected no live runs, got %d", len(runs))
		}
	})

	orderID := "ord-" + uuid.NewString()
	clientOrderID := "cli-" + uuid.NewString()

	t.Run("orders", func(t *testing.T) {
		limitPrice := decimal.RequireFromString("187.25")
		order := orderstore.Order{
			ID:            orderID,
			RunID:         runID,
			ClientOrderID: clientOrderID,
			Symbol:        "AAPL",
			Side:          schema.SideBuy,
			Type:          schema.OrderTypeLimit,
			Quantity:      decimal.RequireFromString("10"),
			LimitPrice:    &limitPrice,
			TimeInForce:   schema.TimeInForceDay,
			Status:        schema.OrderStatusSubmitting,
		}
		if err := store.Orders.CreateOrder(ctx, order); err != nil {
			t.Fatalf("create order: %v", err)
		}

		dup := order
		dup.ID = "ord-" + uuid.NewString()
		if err := store.Orders.CreateOrder(ctx, dup); !errors.Is(err, orderstore.ErrDuplicate) {
			t.Fatalf("expected ErrDuplicate for reused client order id, got %v", err)
		}

		got, err := store.Orders.GetByClientID(ctx, runID, clientOrderID)
		if err != nil {
			t.Fatalf("get by client id: %v", err)
		}
		if got.ID != orderID {
			t.Fatalf("expected order %s, got %s", orderID, got.ID)
		}
		if got.LimitPrice == nil || !got.LimitPrice.Equal(limitPrice) {
			t.Fatalf("expected limit price %s, got %v", limitPrice, got.LimitPrice)
		}
		if !got.FilledQuantity.IsZero() {
			t.Fatalf("expected zero filled quantity, got %s", got.FilledQuantity)
		}

		if _, err := store.Orders.GetOrder(ctx, "ord-missing"); !errors.Is(err, orderstore.ErrNotFound) {
			t.Fatalf("expected ErrNotFound for missing order, got %v", err)
		}
		if _, err := store.Orders.GetByClientID(ctx, runID, "cli-missing"); !errors.Is(err, orderstore.ErrNotFound) {
			t.Fatalf("expected ErrNotFound for missing client order id, got %v", err)
		}

		submittedAt := start.Add(2 * time.Second)
		fillTS := start.Add(time.Minute)
		avg := decimal.RequireFromString("187.20")
		err = store.Orders.WithTransaction(ctx, func(ctx context.Context, tx orderstore.Tx) error {
			updated := got
			updated.Status = schema.OrderStatusFilled
			updated.ExchangeOrderID = "exch-1"
			updated.FilledQuantity = decimal.RequireFromString("10")
			updated.AvgFillPrice = &avg
			updated.SubmittedAt = &submittedAt
			updated.CompletedAt = &fillTS
			if err := tx.UpdateOrder(ctx, updated); err != nil {
				return fmt.Errorf("update order: %w", err)
			}
			return tx.AddFill(ctx, orderstore.Fill{
				ID:        "fill-1",
				OrderID:   orderID,
				Quantity:  decimal.RequireFromString("10"),
				Price:     avg,
				Fee:       decimal.RequireFromString("0.10"),
				TS:        fillTS,
				Liquidity: schema.LiquidityTaker,
			})
		})
		if err != nil {
			t.Fatalf("order transaction: %v", err)
		}

		if err := store.Orders.AddFill(ctx, orderstore.Fill{
			ID:       "fill-1",
			OrderID:  orderID,
			Quantity: decimal.RequireFromString("10"),
			Price:    avg,
			TS:       fillTS,
		}); !errors.Is(err, orderstore.ErrDuplicate) {
			t.Fatalf("expected ErrDuplicate for replayed fill, got %v", err)
		}

		got, err = store.Orders.GetOrder(ctx, orderID)
		if err != nil {
			t.Fatalf("get order after fill: %v", err)
		}
		if got.Status != schema.OrderStatusFilled {
			t.Fatalf("expected filled, got %s", got.Status)
		}
		if got.ExchangeOrderID != "exch-1" {
			t.Fatalf("expected exchange order id, got %q", got.ExchangeOrderID)
		}
		if got.AvgFillPrice == nil || !got.AvgFillPrice.Equal(avg) {
			t.Fatalf("expected avg fill price %s, got %v", avg, got.AvgFillPrice)
		}
		if got.SubmittedAt == nil || !got.SubmittedAt.Equal(submittedAt) {
			t.Fatalf("expected submittedAt %s, got %v", submittedAt, got.SubmittedAt)
		}

		fills, err := store.Orders.ListFills(ctx, orderID)
		if err != nil {
			t.Fatalf("list fills: %v", err)
		}
		if len(fills) != 1 {
			t.Fatalf("expected 1 fill, got %d", len(fills))
		}
		if fills[0].Liquidity != schema.LiquidityTaker {
			t.Fatalf("unexpected liquidity %q", fills[0].Liquidity)
		}
		if !fills[0].Fee.Equal(decimal.RequireFromString("0.10")) {
			t.Fatalf("unexpected fee %s", fills[0].Fee)
		}

		orders, err := store.Orders.ListOrders(ctx, orderstore.Query{
			RunID:    runID,
			Statuses: []schema.OrderStatus{schema.OrderStatusFilled},
		})
		if err != nil {
			t.Fatalf("list orders: %v", err)
		}
		if len(orders) != 1 || orders[0].ID != orderID {
			t.Fatalf("expected the filled order, got %d", len(orders))
		}
		orders, err = store.Orders.ListOrders(ctx, orderstore.Query{
			RunID:    runID,
			Statuses: []schema.OrderStatus{schema.OrderStatusCancelled},
		})
		if err != nil {
			t.Fatalf("list cancelled orders: %v", err)
		}
		if len(orders) != 0 {
			t.Fatalf("expected no cancelled orders, got %d", len(orders))
		}
	})

	t.Run("bars", func(t *testing.T) {
		base := time.Date(2024, 6, 3, 10, 0, 0, 0, time.UTC)
		bars := make([]schema.Bar, 0, 5)
		for i := 0; i < 5; i++ {
			open := decimal.NewFromInt(int64(100 + i))
			bars = append(bars, schema.Bar{
				Symbol:    "AAPL",
				Timeframe: schema.Timeframe1m,
				TS:        base.Add(time.Duration(i) * time.Minute),
				Open:      open,
				High:      open.Add(decimal.NewFromInt(1)),
				Low:       open.Sub(decimal.NewFromInt(1)),
				Close:     open,
				Volume:    decimal.NewFromInt(1000),
			})
		}
		if err := store.Bars.UpsertBars(ctx, bars); err != nil {
			t.Fatalf("upsert bars: %v", err)
		}

		revised := bars[2]
		revised.Close = decimal.RequireFromString("250")
		if err := store.Bars.UpsertBars(ctx, []schema.Bar{revised}); err != nil {
			t.Fatalf("re-upsert bar: %v", err)
		}

		listed, err := store.Bars.ListBars(ctx, "AAPL", schema.Timeframe1m, base, base.Add(3*time.Minute))
		if err != nil {
			t.Fatalf("list bars: %v", err)
		}
		if len(listed) != 3 {
			t.Fatalf("expected 3 bars in [start,end), got %d", len(listed))
		}
		if !listed[0].TS.Equal(base) || !listed[2].TS.Equal(base.Add(2*time.Minute)) {
			t.Fatalf("unexpected bar range: %s .. %s", listed[0].TS, listed[2].TS)
		}
		if !listed[2].Close.Equal(decimal.RequireFromString("250")) {
			t.Fatalf("upsert did not revise close, got %s", listed[2].Close)
		}

		window, err := store.Bars.Window(ctx, "AAPL", schema.Timeframe1m, base.Add(3*time.Minute), 2)
		if err != nil {
			t.Fatalf("window: %v", err)
		}
		if len(window) != 2 {
			t.Fatalf("expected 2 window bars, got %d", len(window))
		}
		if !window[0].TS.Equal(base.Add(time.Minute)) || !window[1].TS.Equal(base.Add(2*time.Minute)) {
			t.Fatalf("window should hold the two most recent bars before end, ascending: %s, %s", window[0].TS, window[1].TS)
		}

		empty, err := store.Bars.ListBars(ctx, "AAPL", schema.Timeframe1m, base.Add(time.Hour), base.Add(2*time.Hour))
		if err != nil {
			t.Fatalf("list empty range: %v", err)
		}
		if len(empty) != 0 {
			t.Fatalf("expected no bars, got %d", len(empty))
		}
	})

	t.Run("offsets", func(t *testing.T) {
		seq, err := store.Offsets.Get(ctx, "router")
		if err != nil {
			t.Fatalf("get unknown consumer: %v", err)
		}
		if seq != 0 {
			t.Fatalf("expected 0 for unknown consumer, got %d", seq)
		}
		if err := store.Offsets.Set(ctx, "router", 42); err != nil {
			t.Fatalf("set offset: %v", err)
		}
		if err := store.Offsets.Set(ctx, "router", 99); err != nil {
			t.Fatalf("advance offset: %v", err)
		}
		seq, err = store.Offsets.Get(ctx, "router")
		if err != nil {
			t.Fatalf("get offset: %v", err)
		}
		if seq != 99 {
			t.Fatalf("expected 99, got %d", seq)
		}
	})

	t.Run("outbox", func(t *testing.T) {
		tickTS := time.Date(2024, 6, 3, 10, 5, 0, 0, time.UTC)
		first := schema.NewEnvelope(schema.EventClockTick, &schema.ClockTick{
			RunID:     runID,
			TS:        tickTS,
			Timeframe: schema.Timeframe1m,
			BarIndex:  5,
		}, schema.WithRun(runID), schema.WithProducer("clock"))
		second := first.Caused(schema.EventStrategyFetchWindow, &schema.FetchWindowPayload{
			Symbol:   "AAPL",
			EndTS:    tickTS,
			Lookback: 20,
		}, schema.WithProducer("strategy"))

		seq1, err := store.Outbox.Append(ctx, first)
		if err != nil {
			t.Fatalf("append first: %v", err)
		}
		seq2, err := store.Outbox.Append(ctx, second)
		if err != nil {
			t.Fatalf("append second: %v", err)
		}
		if seq2 <= seq1 {
			t.Fatalf("expected monotonic seq, got %d then %d", seq1, seq2)
		}

		records, err := store.Outbox.ReadFrom(ctx, 0, 10)
		if err != nil {
			t.Fatalf("read from 0: %v", err)
		}
		if len(records) != 2 {
			t.Fatalf("expected 2 records, got %d", len(records))
		}
		decoded := records[0].Envelope
		if decoded.ID != first.ID || decoded.Type != schema.EventClockTick || decoded.RunID != runID {
			t.Fatalf("first record did not round-trip: %+v", decoded)
		}
		tick, ok := decoded.Payload.(*schema.ClockTick)
		if !ok {
			t.Fatalf("expected *ClockTick payload, got %T", decoded.Payload)
		}
		if !tick.TS.Equal(tickTS) || tick.BarIndex != 5 {
			t.Fatalf("tick payload mismatch: %+v", tick)
		}
		if records[1].Envelope.CausationID != first.ID || records[1].Envelope.CorrID != first.CorrID {
			t.Fatalf("caused envelope lost identity chain: %+v", records[1].Envelope)
		}

		tail, err := store.Outbox.ReadFrom(ctx, seq1, 10)
		if err != nil {
			t.Fatalf("read after seq1: %v", err)
		}
		if len(tail) != 1 || tail[0].Seq != seq2 {
			t.Fatalf("expected only the second record, got %d", len(tail))
		}
	})
}
