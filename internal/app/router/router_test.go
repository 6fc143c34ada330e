package router

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/5TFG4/Weaver-sub002/internal/domain/schema"
	"github.com/5TFG4/Weaver-sub002/internal/errs"
	"github.com/5TFG4/Weaver-sub002/internal/infra/eventlog"
)

type recorder struct {
	mu   sync.Mutex
	envs []*schema.Envelope
}

func (r *recorder) handle(_ context.Context, _ int64, env *schema.Envelope) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.envs = append(r.envs, env)
	return nil
}

func (r *recorder) byType(eventType schema.EventType) []*schema.Envelope {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*schema.Envelope
	for _, env := range r.envs {
		if env.Type == eventType {
			out = append(out, env)
		}
	}
	return out
}

type modeMap map[string]schema.RunMode

func (m modeMap) Mode(runID string) (schema.RunMode, error) {
	mode, ok := m[runID]
	if !ok {
		return "", errs.NotFound("mode_map", "unknown run", errs.WithRun(runID))
	}
	return mode, nil
}

func newTestRouter(t *testing.T, modes modeMap) (*Router, *eventlog.MemoryLog, *recorder) {
	t.Helper()
	log := eventlog.NewMemoryLog()
	t.Cleanup(log.Close)

	rec := &recorder{}
	log.Subscribe([]schema.EventType{schema.WildcardType}, rec.handle,
		eventlog.WithSubscriberName("test-recorder"))

	r, err := New(log, modes)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	if err := r.Initialize(); err != nil {
		t.Fatalf("Initialize() error = %v", err)
	}
	t.Cleanup(r.Close)
	return r, log, rec
}

func fetchEnvelope(runID string) *schema.Envelope {
	return schema.NewEnvelope(schema.EventStrategyFetchWindow, &schema.FetchWindowPayload{
		Symbol:   "BTC/USD",
		EndTS:    time.Date(2024, 1, 1, 10, 0, 0, 0, time.UTC),
		Lookback: 21,
	}, schema.WithRun(runID), schema.WithProducer("strategy-runner"))
}

func placeEnvelope(runID string) *schema.Envelope {
	return schema.NewEnvelope(schema.EventStrategyPlaceRequest, &schema.PlaceOrderPayload{
		Intent: schema.OrderIntent{
			ClientOrderID: "c-1",
			RunID:         runID,
			Symbol:        "BTC/USD",
			Side:          schema.SideBuy,
			Type:          schema.OrderTypeMarket,
			Quantity:      decimal.NewFromInt(1),
		},
	}, schema.WithRun(runID), schema.WithProducer("strategy-runner"))
}

func TestRouterRewritesForBacktest(t *testing.T) {
	_, log, rec := newTestRouter(t, modeMap{"run-1": schema.RunModeBacktest})

	src := fetchEnvelope("run-1")
	if _, err := log.Append(context.Background(), src); err != nil {
		t.Fatalf("Append() error = %v", err)
	}

	routed := rec.byType(schema.EventBacktestFetchWindow)
	if len(routed) != 1 {
		t.Fatalf("backtest.FetchWindow events = %d, want 1", len(routed))
	}
	if routed[0].CorrID != src.CorrID {
		t.Fatalf("corr = %s, want source corr %s", routed[0].CorrID, src.CorrID)
	}
	if routed[0].CausationID != src.ID {
		t.Fatalf("causation = %s, want source id %s", routed[0].CausationID, src.ID)
	}
	if routed[0].Producer != producerID {
		t.Fatalf("producer = %q, want %q", routed[0].Producer, producerID)
	}

	got := routed[0].Payload.(*schema.FetchWindowPayload)
	want := src.Payload.(*schema.FetchWindowPayload)
	if got == want {
		t.Fatal("routed payload aliases the source payload")
	}
	if got.Symbol != want.Symbol || got.Lookback != want.Lookback || !got.EndTS.Equal(want.EndTS) {
		t.Fatalf("payload = %+v, want copy of %+v", got, want)
	}
	if n := len(rec.byType(schema.EventLiveFetchWindow)); n != 0 {
		t.Fatalf("live.FetchWindow events = %d, want 0 for a backtest run", n)
	}
}

func TestRouterRewritesOrdersByMode(t *testing.T) {
	_, log, rec := newTestRouter(t, modeMap{
		"run-live":  schema.RunModeLive,
		"run-paper": schema.RunModePaper,
		"run-bt":    schema.RunModeBacktest,
	})
	ctx := context.Background()

	for _, runID := range []string{"run-live", "run-paper", "run-bt"} {
		if _, err := log.Append(ctx, placeEnvelope(runID)); err != nil {
			t.Fatalf("Append(%s) error = %v", runID, err)
		}
	}

	live := rec.byType(schema.EventLivePlaceOrder)
	if len(live) != 2 {
		t.Fatalf("live.PlaceOrder events = %d, want 2 (live + paper)", len(live))
	}
	bt := rec.byType(schema.EventBacktestPlaceOrder)
	if len(bt) != 1 {
		t.Fatalf("backtest.PlaceOrder events = %d, want 1", len(bt))
	}
	if got := bt[0].Payload.(*schema.PlaceOrderPayload).Intent.ClientOrderID; got != "c-1" {
		t.Fatalf("intent client id = %q, want c-1", got)
	}
}

func TestRouterDropsUnknownRun(t *testing.T) {
	_, log, rec := newTestRouter(t, modeMap{})

	if _, err := log.Append(context.Background(), fetchEnvelope("run-ghost")); err != nil {
		t.Fatalf("Append() error = %v", err)
	}
	if n := len(rec.byType(schema.EventBacktestFetchWindow)) + len(rec.byType(schema.EventLiveFetchWindow)); n != 0 {
		t.Fatalf("routed events = %d, want 0 for unknown run", n)
	}
}

func TestRouterLifecycle(t *testing.T) {
	r, log, rec := newTestRouter(t, modeMap{"run-1": schema.RunModeBacktest})

	if err := r.Initialize(); errs.CodeOf(err) != errs.CodeConflict {
		t.Fatalf("second Initialize() code = %v, want conflict", errs.CodeOf(err))
	}

	r.Close()
	r.Close()
	if _, err := log.Append(context.Background(), fetchEnvelope("run-1")); err != nil {
		t.Fatalf("Append() error = %v", err)
	}
	if n := len(rec.byType(schema.EventBacktestFetchWindow)); n != 0 {
		t.Fatalf("routed events after Close = %d, want 0", n)
	}
}
