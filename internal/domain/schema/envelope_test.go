package schema

import (
	"strings"
	"testing"
	"time"

	"github.com/goccy/go-json"
	"github.com/shopspring/decimal"
)

func TestCausedPreservesCorrAndChainsCausation(t *testing.T) {
	tick := NewEnvelope(EventClockTick, &ClockTick{RunID: "run-1", Timeframe: Timeframe1h},
		WithRun("run-1"), WithProducer("clock"))

	place := tick.Caused(EventStrategyPlaceRequest, &PlaceOrderPayload{}, WithProducer("strategy-runner"))

	if place.CorrID != tick.CorrID {
		t.Fatalf("corr_id not preserved: %q != %q", place.CorrID, tick.CorrID)
	}
	if place.CausationID != tick.ID {
		t.Fatalf("causation_id = %q, want parent id %q", place.CausationID, tick.ID)
	}
	if place.ID == tick.ID {
		t.Fatal("derived envelope must carry a fresh id")
	}
	if place.RunID != "run-1" {
		t.Fatalf("run_id not inherited: %q", place.RunID)
	}

	routed := place.Caused(EventBacktestPlaceOrder, &PlaceOrderPayload{})
	if routed.CorrID != tick.CorrID || routed.CausationID != place.ID {
		t.Fatalf("chain broken: corr=%q causation=%q", routed.CorrID, routed.CausationID)
	}
}

func TestEnvelopeRoundTripDecodesTypedPayload(t *testing.T) {
	qty := decimal.RequireFromString("10.5")
	limit := decimal.RequireFromString("42000.25")
	env := NewEnvelope(EventStrategyPlaceRequest, &PlaceOrderPayload{
		Intent: OrderIntent{
			ClientOrderID: "abc",
			RunID:         "run-1",
			Symbol:        "BTC/USD",
			Side:          SideBuy,
			Type:          OrderTypeLimit,
			Quantity:      qty,
			LimitPrice:    &limit,
		},
	}, WithRun("run-1"), WithProducer("strategy-runner"))

	data, err := env.Marshal()
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if !strings.Contains(string(data), `"quantity":"10.5"`) {
		t.Fatalf("expected decimal serialized as string, got %s", data)
	}

	decoded, err := DecodeEnvelope(data)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	payload, ok := decoded.Payload.(*PlaceOrderPayload)
	if !ok {
		t.Fatalf("expected typed payload, got %T", decoded.Payload)
	}
	if payload.Intent.ClientOrderID != "abc" || !payload.Intent.Quantity.Equal(qty) {
		t.Fatalf("payload mismatch: %+v", payload.Intent)
	}
	if decoded.ID != env.ID || decoded.CorrID != env.CorrID || decoded.Type != env.Type {
		t.Fatalf("identity fields mismatch: %+v", decoded)
	}
	if decoded.TS.Location() != time.UTC {
		t.Fatalf("timestamps must decode as UTC, got %v", decoded.TS.Location())
	}
}

func TestDecodeEnvelopeKeepsUnknownPayloadRaw(t *testing.T) {
	data := []byte(`{"id":"e1","type":"future.Thing","version":1,"corr_id":"c1",` +
		`"ts":"2024-01-01T00:00:00Z","producer":"x","payload":{"k":"v"}}`)
	decoded, err := DecodeEnvelope(data)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	raw, ok := decoded.Payload.(json.RawMessage)
	if !ok {
		t.Fatalf("expected raw payload to survive, got %T", decoded.Payload)
	}
	if !strings.Contains(string(raw), `"k":"v"`) {
		t.Fatalf("raw payload lost: %s", raw)
	}
}

func TestValidatePayloadRejectsMismatch(t *testing.T) {
	if err := ValidatePayload(EventClockTick, &ClockTick{}); err != nil {
		t.Fatalf("expected tick payload to validate: %v", err)
	}
	if err := ValidatePayload(EventClockTick, &RunEventPayload{}); err == nil {
		t.Fatal("expected mismatched payload to be rejected")
	}
	if err := ValidatePayload(EventType("nope.Nope"), &ClockTick{}); err == nil {
		t.Fatal("expected unregistered type to be rejected")
	}
	if err := ValidatePayload(EventClockTick, nil); err == nil {
		t.Fatal("expected nil payload to be rejected")
	}
	if err := ValidatePayload(EventClockTick, ClockTick{}); err == nil {
		t.Fatal("expected non-pointer payload to be rejected")
	}
}

func TestOrderIntentValidate(t *testing.T) {
	qty := decimal.RequireFromString("1")
	base := OrderIntent{
		ClientOrderID: "c1",
		RunID:         "run-1",
		Symbol:        "BTC/USD",
		Side:          SideBuy,
		Type:          OrderTypeMarket,
		Quantity:      qty,
	}
	if err := base.Validate(); err != nil {
		t.Fatalf("expected valid market intent: %v", err)
	}

	missingLimit := base
	missingLimit.Type = OrderTypeLimit
	if err := missingLimit.Validate(); err == nil {
		t.Fatal("limit order without limit_price must fail validation")
	}

	missingStop := base
	missingStop.Type = OrderTypeStop
	if err := missingStop.Validate(); err == nil {
		t.Fatal("stop order without stop_price must fail validation")
	}

	negative := base
	negative.Quantity = decimal.RequireFromString("-2")
	if err := negative.Validate(); err == nil {
		t.Fatal("negative quantity must fail validation")
	}

	badTIF := base
	badTIF.TimeInForce = TimeInForce("forever")
	if err := badTIF.Validate(); err == nil {
		t.Fatal("unknown time_in_force must fail validation")
	}
}
