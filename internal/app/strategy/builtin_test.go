package strategy

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/5TFG4/Weaver-sub002/internal/domain/schema"
	"github.com/5TFG4/Weaver-sub002/internal/errs"
)

func windowOf(symbol string, closes ...string) schema.WindowReadyPayload {
	base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	bars := make([]schema.Bar, len(closes))
	for i, c := range closes {
		px := decimal.RequireFromString(c)
		bars[i] = schema.Bar{
			Symbol:    symbol,
			Timeframe: schema.Timeframe1h,
			TS:        base.Add(time.Duration(i) * time.Hour),
			Open:      px,
			High:      px,
			Low:       px,
			Close:     px,
			Volume:    decimal.NewFromInt(1),
		}
	}
	return schema.WindowReadyPayload{
		Symbol:    symbol,
		Timeframe: schema.Timeframe1h,
		EndTS:     base.Add(time.Duration(len(closes)) * time.Hour),
		Bars:      bars,
	}
}

func TestBuiltinsRegistered(t *testing.T) {
	reg := Builtins()
	want := []string{StrategyNoop, StrategyPacer, StrategySMACross}
	got := reg.IDs()
	if len(got) != len(want) {
		t.Fatalf("IDs() = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("IDs() = %v, want %v", got, want)
		}
	}

	if _, err := reg.New("missing", nil); errs.CodeOf(err) != errs.CodeNotFound {
		t.Fatalf("New(missing) code = %v, want not_found", errs.CodeOf(err))
	}
}

func TestNoopStaysQuiet(t *testing.T) {
	s, err := Builtins().New(StrategyNoop, nil)
	if err != nil {
		t.Fatalf("New(noop) error = %v", err)
	}
	actions, err := s.OnTick(context.Background(), schema.ClockTick{})
	if err != nil || len(actions) != 0 {
		t.Fatalf("OnTick() = %v, %v, want no actions", actions, err)
	}
	actions, err = s.OnData(context.Background(), schema.WindowReadyPayload{})
	if err != nil || len(actions) != 0 {
		t.Fatalf("OnData() = %v, %v, want no actions", actions, err)
	}
}

func TestPacerBuysEveryTick(t *testing.T) {
	s, err := Builtins().New(StrategyPacer, Params{"symbol": "BTC/USD", "quantity": "2"})
	if err != nil {
		t.Fatalf("New(pacer) error = %v", err)
	}

	actions, err := s.OnTick(context.Background(), schema.ClockTick{BarIndex: 3})
	if err != nil {
		t.Fatalf("OnTick() error = %v", err)
	}
	if len(actions) != 1 {
		t.Fatalf("actions = %d, want 1", len(actions))
	}
	place, ok := actions[0].(PlaceOrder)
	if !ok {
		t.Fatalf("action = %T, want PlaceOrder", actions[0])
	}
	if place.Intent.ClientOrderID != "pacer-000003" {
		t.Fatalf("client_order_id = %q, want pacer-000003", place.Intent.ClientOrderID)
	}
	if place.Intent.Side != schema.SideBuy || place.Intent.Type != schema.OrderTypeMarket {
		t.Fatalf("intent = %+v, want market buy", place.Intent)
	}
	if !place.Intent.Quantity.Equal(decimal.NewFromInt(2)) {
		t.Fatalf("quantity = %s, want 2", place.Intent.Quantity)
	}

	if actions, _ := s.OnData(context.Background(), windowOf("BTC/USD", "1")); len(actions) != 0 {
		t.Fatalf("OnData actions = %d, want 0", len(actions))
	}
}

func TestPacerRequiresSymbol(t *testing.T) {
	if _, err := newPacer(Params{}); errs.CodeOf(err) != errs.CodeInvalid {
		t.Fatalf("code = %v, want invalid_request", errs.CodeOf(err))
	}
	if _, err := newPacer(Params{"symbol": "BTC/USD", "quantity": "-1"}); errs.CodeOf(err) != errs.CodeInvalid {
		t.Fatalf("code = %v, want invalid_request for negative quantity", errs.CodeOf(err))
	}
}

func TestSMACrossRequestsWindowOnTick(t *testing.T) {
	s, err := newSMACross(Params{"symbol": "BTC/USD", "fast": 2, "slow": 3})
	if err != nil {
		t.Fatalf("newSMACross() error = %v", err)
	}
	actions, err := s.OnTick(context.Background(), schema.ClockTick{})
	if err != nil || len(actions) != 1 {
		t.Fatalf("OnTick() = %v, %v, want one action", actions, err)
	}
	fetch, ok := actions[0].(FetchWindow)
	if !ok || fetch.Symbol != "BTC/USD" || fetch.Lookback != 4 {
		t.Fatalf("action = %+v, want FetchWindow BTC/USD lookback 4", actions[0])
	}
}

func TestSMACrossTradesTheCross(t *testing.T) {
	s, err := newSMACross(Params{"symbol": "BTC/USD", "fast": 2, "slow": 3, "quantity": 1})
	if err != nil {
		t.Fatalf("newSMACross() error = %v", err)
	}
	ctx := context.Background()

	// Fast average crosses above the slow one: go long.
	actions, err := s.OnData(ctx, windowOf("BTC/USD", "100", "100", "100", "110"))
	if err != nil {
		t.Fatalf("OnData() error = %v", err)
	}
	if len(actions) != 1 {
		t.Fatalf("actions on cross up = %d, want 1", len(actions))
	}
	if place := actions[0].(PlaceOrder); place.Intent.Side != schema.SideBuy {
		t.Fatalf("side = %s, want buy", place.Intent.Side)
	}

	// Already long: the same signal does not stack.
	actions, _ = s.OnData(ctx, windowOf("BTC/USD", "100", "100", "100", "110"))
	if len(actions) != 0 {
		t.Fatalf("actions while long = %d, want 0", len(actions))
	}

	// Fast average crosses back below: flatten.
	actions, err = s.OnData(ctx, windowOf("BTC/USD", "110", "110", "110", "90"))
	if err != nil {
		t.Fatalf("OnData() error = %v", err)
	}
	if len(actions) != 1 {
		t.Fatalf("actions on cross down = %d, want 1", len(actions))
	}
	if place := actions[0].(PlaceOrder); place.Intent.Side != schema.SideSell {
		t.Fatalf("side = %s, want sell", place.Intent.Side)
	}

	// Flat again: a repeat down-cross has nothing to close.
	actions, _ = s.OnData(ctx, windowOf("BTC/USD", "110", "110", "110", "90"))
	if len(actions) != 0 {
		t.Fatalf("actions while flat = %d, want 0", len(actions))
	}
}

func TestSMACrossIgnoresShortOrForeignWindows(t *testing.T) {
	s, err := newSMACross(Params{"symbol": "BTC/USD", "fast": 2, "slow": 3})
	if err != nil {
		t.Fatalf("newSMACross() error = %v", err)
	}
	if actions, _ := s.OnData(context.Background(), windowOf("BTC/USD", "100", "100", "110")); len(actions) != 0 {
		t.Fatalf("short window actions = %d, want 0", len(actions))
	}
	if actions, _ := s.OnData(context.Background(), windowOf("ETH/USD", "100", "100", "100", "110")); len(actions) != 0 {
		t.Fatalf("foreign symbol actions = %d, want 0", len(actions))
	}
}

func TestSMACrossValidatesPeriods(t *testing.T) {
	cases := []Params{
		{"symbol": "BTC/USD", "fast": 5, "slow": 5},
		{"symbol": "BTC/USD", "fast": 0, "slow": 3},
		{"fast": 2, "slow": 3},
	}
	for i, params := range cases {
		if _, err := newSMACross(params); errs.CodeOf(err) != errs.CodeInvalid {
			t.Errorf("case %d: code = %v, want invalid_request", i, errs.CodeOf(err))
		}
	}
}

func TestParamsCoercion(t *testing.T) {
	p := Params{
		"symbol":   "BTC/USD",
		"fast":     float64(7),
		"slow":     "21",
		"quantity": 2,
	}
	if got := p.String("symbol", "x"); got != "BTC/USD" {
		t.Fatalf("String() = %q", got)
	}
	if got := p.Int("fast", 0); got != 7 {
		t.Fatalf("Int(fast) = %d, want 7", got)
	}
	if got := p.Int("slow", 0); got != 21 {
		t.Fatalf("Int(slow) = %d, want 21", got)
	}
	if got := p.Decimal("quantity", decimal.Zero); !got.Equal(decimal.NewFromInt(2)) {
		t.Fatalf("Decimal(quantity) = %s, want 2", got)
	}
	if got := p.Int("missing", 9); got != 9 {
		t.Fatalf("Int(missing) = %d, want fallback 9", got)
	}
}
