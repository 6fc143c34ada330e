package eventlog

import (
	"context"
	"testing"
	"time"

	"github.com/5TFG4/Weaver-sub002/internal/domain/schema"
)

func TestMemoryLogParity(t *testing.T) {
	testLogParity(t, func(t *testing.T) Log {
		t.Helper()
		return NewMemoryLog()
	})
}

func TestMemoryLogAppendAfterClose(t *testing.T) {
	log := NewMemoryLog()
	log.Close()

	env := schema.NewEnvelope(schema.EventClockTick, &schema.ClockTick{
		RunID: "run-closed", TS: time.Now().UTC(), Timeframe: schema.Timeframe1m,
	})
	if _, err := log.Append(context.Background(), env); err == nil {
		t.Fatal("expected error appending to closed log")
	}
	if err := log.Healthy(context.Background()); err == nil {
		t.Fatal("expected Healthy to fail on closed log")
	}
}

func TestMemoryLogReadFromClosedLogStillServes(t *testing.T) {
	log := NewMemoryLog()
	ctx := context.Background()

	env := schema.NewEnvelope(schema.EventClockTick, &schema.ClockTick{
		RunID: "run-read-closed", TS: time.Now().UTC(), Timeframe: schema.Timeframe1m,
	})
	if _, err := log.Append(ctx, env); err != nil {
		t.Fatalf("Append() error = %v", err)
	}
	log.Close()

	records, err := log.ReadFrom(ctx, 0, 10)
	if err != nil {
		t.Fatalf("ReadFrom() error = %v", err)
	}
	if len(records) != 1 {
		t.Fatalf("ReadFrom returned %d records, want 1", len(records))
	}
}

func TestMemoryLogReadFromZeroLimit(t *testing.T) {
	log := NewMemoryLog()
	defer log.Close()

	records, err := log.ReadFrom(context.Background(), 0, 0)
	if err != nil {
		t.Fatalf("ReadFrom() error = %v", err)
	}
	if records != nil {
		t.Fatalf("expected nil records for zero limit, got %d", len(records))
	}
}

func TestMemoryLogReadFromBeyondTail(t *testing.T) {
	log := NewMemoryLog()
	defer log.Close()
	ctx := context.Background()

	env := schema.NewEnvelope(schema.EventClockTick, &schema.ClockTick{
		RunID: "run-tail", TS: time.Now().UTC(), Timeframe: schema.Timeframe1m,
	})
	if _, err := log.Append(ctx, env); err != nil {
		t.Fatalf("Append() error = %v", err)
	}

	records, err := log.ReadFrom(ctx, 99, 10)
	if err != nil {
		t.Fatalf("ReadFrom() error = %v", err)
	}
	if len(records) != 0 {
		t.Fatalf("expected no records past the tail, got %d", len(records))
	}
}
