package runstore

import (
	"testing"
	"time"

	"github.com/5TFG4/Weaver-sub002/internal/domain/schema"
)

func validBacktestRun() Run {
	start := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	end := time.Date(2024, 1, 2, 0, 0, 0, 0, time.UTC)
	return Run{
		ID:         "run-1",
		Mode:       schema.RunModeBacktest,
		StrategyID: "pacer",
		Symbols:    []string{"BTC/USD"},
		Timeframe:  schema.Timeframe1h,
		StartTime:  &start,
		EndTime:    &end,
		Status:     schema.RunStatusPending,
	}
}

func TestRunValidate(t *testing.T) {
	if err := validBacktestRun().Validate(); err != nil {
		t.Fatalf("expected valid run: %v", err)
	}

	missingBounds := validBacktestRun()
	missingBounds.EndTime = nil
	if err := missingBounds.Validate(); err == nil {
		t.Fatal("backtest without end_time must fail validation")
	}

	inverted := validBacktestRun()
	inverted.StartTime, inverted.EndTime = inverted.EndTime, inverted.StartTime
	if err := inverted.Validate(); err == nil {
		t.Fatal("end before start must fail validation")
	}

	paper := validBacktestRun()
	paper.Mode = schema.RunModePaper
	paper.StartTime, paper.EndTime = nil, nil
	if err := paper.Validate(); err != nil {
		t.Fatalf("paper run without bounds must validate: %v", err)
	}

	badMode := validBacktestRun()
	badMode.Mode = schema.RunMode("replay")
	if err := badMode.Validate(); err == nil {
		t.Fatal("unknown mode must fail validation")
	}

	noSymbols := validBacktestRun()
	noSymbols.Symbols = nil
	if err := noSymbols.Validate(); err == nil {
		t.Fatal("empty symbols must fail validation")
	}
}

func TestRunTransitions(t *testing.T) {
	if !CanTransition(schema.RunStatusPending, schema.RunStatusRunning) {
		t.Error("pending -> running must be legal")
	}
	for _, to := range []schema.RunStatus{
		schema.RunStatusStopped, schema.RunStatusCompleted, schema.RunStatusError,
	} {
		if !CanTransition(schema.RunStatusRunning, to) {
			t.Errorf("running -> %s must be legal", to)
		}
	}
	if CanTransition(schema.RunStatusPending, schema.RunStatusCompleted) {
		t.Error("pending -> completed must be illegal")
	}
	for _, terminal := range []schema.RunStatus{
		schema.RunStatusStopped, schema.RunStatusCompleted, schema.RunStatusError,
	} {
		if CanTransition(terminal, schema.RunStatusRunning) {
			t.Errorf("%s -> running must be illegal", terminal)
		}
	}
}
