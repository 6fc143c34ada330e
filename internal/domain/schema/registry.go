package schema

import (
	"fmt"
	"reflect"

	"github.com/goccy/go-json"
)

// payloadFactories maps each event type to a constructor for its payload
// struct. Decoding and emission validation are driven by this table, so a
// payload/type mismatch is caught at the append site rather than at a
// consumer.
var payloadFactories = map[EventType]func() any{
	EventRunCreated:   func() any { return &RunEventPayload{} },
	EventRunStarted:   func() any { return &RunEventPayload{} },
	EventRunStopped:   func() any { return &RunEventPayload{} },
	EventRunCompleted: func() any { return &RunEventPayload{} },
	EventRunError:     func() any { return &RunEventPayload{} },

	EventClockTick: func() any { return &ClockTick{} },

	EventStrategyFetchWindow: func() any { return &FetchWindowPayload{} },
	EventLiveFetchWindow:     func() any { return &FetchWindowPayload{} },
	EventBacktestFetchWindow: func() any { return &FetchWindowPayload{} },

	EventStrategyPlaceRequest: func() any { return &PlaceOrderPayload{} },
	EventLivePlaceOrder:       func() any { return &PlaceOrderPayload{} },
	EventBacktestPlaceOrder:   func() any { return &PlaceOrderPayload{} },

	EventDataWindowReady: func() any { return &WindowReadyPayload{} },
	EventDataWindowChunk: func() any { return &WindowChunkPayload{} },

	EventOrdersCreated:         func() any { return &OrderEventPayload{} },
	EventOrdersSubmitted:       func() any { return &OrderEventPayload{} },
	EventOrdersAccepted:        func() any { return &OrderEventPayload{} },
	EventOrdersPartiallyFilled: func() any { return &OrderEventPayload{} },
	EventOrdersFilled:          func() any { return &OrderEventPayload{} },
	EventOrdersCancelled:       func() any { return &OrderEventPayload{} },
	EventOrdersRejected:        func() any { return &OrderEventPayload{} },
	EventOrdersExpired:         func() any { return &OrderEventPayload{} },
}

// KnownType reports whether the event type is registered.
func KnownType(t EventType) bool {
	_, ok := payloadFactories[t]
	return ok
}

// EventTypes returns every registered event type.
func EventTypes() []EventType {
	types := make([]EventType, 0, len(payloadFactories))
	for t := range payloadFactories {
		types = append(types, t)
	}
	return types
}

// ValidatePayload checks that payload is a pointer to the registered struct
// for the event type. Pointer payloads keep appended envelopes and envelopes
// decoded from the log interchangeable for consumers.
func ValidatePayload(t EventType, payload any) error {
	factory, ok := payloadFactories[t]
	if !ok {
		return fmt.Errorf("unregistered event type %q", t)
	}
	if payload == nil {
		return fmt.Errorf("event type %q requires a payload", t)
	}
	want := reflect.TypeOf(factory())
	got := reflect.TypeOf(payload)
	if got != want {
		return fmt.Errorf("event type %q expects payload %s, got %s", t, want, got)
	}
	return nil
}

// DecodePayload unmarshals raw into the registered payload struct for the
// event type. Unregistered types round-trip the raw JSON unchanged.
func DecodePayload(t EventType, raw json.RawMessage) (any, error) {
	factory, ok := payloadFactories[t]
	if !ok {
		return raw, nil
	}
	if len(raw) == 0 {
		return nil, fmt.Errorf("event type %q carries no payload", t)
	}
	payload := factory()
	if err := json.Unmarshal(raw, payload); err != nil {
		return nil, fmt.Errorf("unmarshal %q payload: %w", t, err)
	}
	return payload, nil
}
