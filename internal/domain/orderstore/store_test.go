package orderstore

import (
	"testing"

	"github.com/5TFG4/Weaver-sub002/internal/domain/schema"
)

func TestCanTransitionHappyPath(t *testing.T) {
	path := []schema.OrderStatus{
		schema.OrderStatusPending,
		schema.OrderStatusSubmitting,
		schema.OrderStatusSubmitted,
		schema.OrderStatusAccepted,
		schema.OrderStatusPartial,
		schema.OrderStatusPartial,
		schema.OrderStatusFilled,
	}
	for i := 1; i < len(path); i++ {
		if !CanTransition(path[i-1], path[i]) {
			t.Fatalf("expected %s -> %s to be legal", path[i-1], path[i])
		}
	}
}

func TestCanTransitionTerminalIsFinal(t *testing.T) {
	terminals := []schema.OrderStatus{
		schema.OrderStatusFilled,
		schema.OrderStatusCancelled,
		schema.OrderStatusRejected,
		schema.OrderStatusExpired,
	}
	targets := []schema.OrderStatus{
		schema.OrderStatusPending,
		schema.OrderStatusSubmitting,
		schema.OrderStatusSubmitted,
		schema.OrderStatusAccepted,
		schema.OrderStatusPartial,
		schema.OrderStatusFilled,
		schema.OrderStatusCancelled,
	}
	for _, from := range terminals {
		for _, to := range targets {
			if CanTransition(from, to) {
				t.Errorf("terminal %s must not transition to %s", from, to)
			}
		}
	}
}

func TestCanTransitionCancelFromAnyNonTerminal(t *testing.T) {
	nonTerminal := []schema.OrderStatus{
		schema.OrderStatusPending,
		schema.OrderStatusSubmitting,
		schema.OrderStatusSubmitted,
		schema.OrderStatusAccepted,
		schema.OrderStatusPartial,
	}
	for _, from := range nonTerminal {
		if !CanTransition(from, schema.OrderStatusCancelled) {
			t.Errorf("expected %s -> cancelled to be legal", from)
		}
	}
}

func TestCanTransitionRejectsSkips(t *testing.T) {
	if CanTransition(schema.OrderStatusPending, schema.OrderStatusSubmitted) {
		t.Error("pending -> submitted must be illegal")
	}
	if CanTransition(schema.OrderStatusSubmitting, schema.OrderStatusAccepted) {
		t.Error("submitting -> accepted must be illegal")
	}
	if CanTransition(schema.OrderStatusSubmitted, schema.OrderStatusFilled) {
		t.Error("submitted -> filled must pass through accepted")
	}
	if CanTransition(schema.OrderStatusPartial, schema.OrderStatusRejected) {
		t.Error("partial -> rejected must be illegal")
	}
}

func TestSnapshotMirrorsRecord(t *testing.T) {
	order := Order{
		ID:            "ord-1",
		RunID:         "run-1",
		ClientOrderID: "abc",
		Symbol:        "BTC/USD",
		Side:          schema.SideBuy,
		Type:          schema.OrderTypeMarket,
		Status:        schema.OrderStatusAccepted,
	}
	snap := order.Snapshot()
	if snap.OrderID != order.ID || snap.RunID != order.RunID ||
		snap.ClientOrderID != order.ClientOrderID || snap.Status != order.Status {
		t.Fatalf("snapshot mismatch: %+v", snap)
	}
}
