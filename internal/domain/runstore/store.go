// Package runstore defines persistence contracts for run lifecycle state.
package runstore

import (
	"context"
	"errors"
	"time"

	"github.com/5TFG4/Weaver-sub002/internal/domain/schema"
	"github.com/5TFG4/Weaver-sub002/internal/errs"
)

// ErrNotFound is returned when the requested run does not exist.
var ErrNotFound = errors.New("run not found")

// ErrDuplicate is returned when a run id is already taken.
var ErrDuplicate = errors.New("duplicate run id")

// Run represents one execution of a strategy.
type Run struct {
	ID           string           `json:"id"`
	Mode         schema.RunMode   `json:"mode"`
	StrategyID   string           `json:"strategy_id"`
	Symbols      []string         `json:"symbols"`
	Timeframe    schema.Timeframe `json:"timeframe"`
	StartTime    *time.Time       `json:"start_time,omitempty"`
	EndTime      *time.Time       `json:"end_time,omitempty"`
	Status       schema.RunStatus `json:"status"`
	ErrorMessage string           `json:"error_message,omitempty"`
	CreatedAt    time.Time        `json:"created_at"`
	StartedAt    *time.Time       `json:"started_at,omitempty"`
	StoppedAt    *time.Time       `json:"stopped_at,omitempty"`
}

// Validate checks the structural invariants of a run record.
func (r Run) Validate() error {
	const scope = "run"
	if r.ID == "" {
		return errs.Invalid(scope, "id is required")
	}
	if !r.Mode.Valid() {
		return errs.Invalid(scope, "mode must be backtest, paper, or live")
	}
	if r.StrategyID == "" {
		return errs.Invalid(scope, "strategy_id is required")
	}
	if len(r.Symbols) == 0 {
		return errs.Invalid(scope, "at least one symbol is required")
	}
	if !r.Timeframe.Valid() {
		return errs.Invalid(scope, "unknown timeframe")
	}
	if r.Mode == schema.RunModeBacktest {
		if r.StartTime == nil || r.EndTime == nil {
			return errs.Invalid(scope, "backtest runs require start_time and end_time")
		}
		if !r.EndTime.After(*r.StartTime) {
			return errs.Invalid(scope, "end_time must be after start_time")
		}
	}
	return nil
}

// CanTransition reports whether a run may move from one status to another.
// Legal edges: pending -> running -> {stopped, completed, error}; terminal
// states admit nothing.
func CanTransition(from, to schema.RunStatus) bool {
	if from.Terminal() {
		return false
	}
	switch from {
	case schema.RunStatusPending:
		return to == schema.RunStatusRunning
	case schema.RunStatusRunning:
		return to == schema.RunStatusStopped || to == schema.RunStatusCompleted || to == schema.RunStatusError
	default:
		return false
	}
}

// Update captures a status transition for an existing run.
type Update struct {
	ID           string           `json:"id"`
	Status       schema.RunStatus `json:"status"`
	ErrorMessage string           `json:"error_message,omitempty"`
	StartedAt    *time.Time       `json:"started_at,omitempty"`
	StoppedAt    *time.Time       `json:"stopped_at,omitempty"`
}

// Query scopes run lookups. Zero values mean no filter.
type Query struct {
	Mode   schema.RunMode   `json:"mode,omitempty"`
	Status schema.RunStatus `json:"status,omitempty"`
	Limit  int              `json:"limit,omitempty"`
}

// Store defines the contract for run persistence.
type Store interface {
	CreateRun(ctx context.Context, run Run) error
	UpdateRun(ctx context.Context, update Update) error
	GetRun(ctx context.Context, id string) (Run, error)
	ListRuns(ctx context.Context, query Query) ([]Run, error)
}
