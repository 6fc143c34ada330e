package memory

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/5TFG4/Weaver-sub002/internal/domain/runstore"
)

const (
	defaultRunLimit = 50
	maxRunLimit     = 500
)

// RunStore keeps run rows in a map guarded by one RWMutex. Insertion order is
// tracked so listings page newest first without a created_at tiebreak.
type RunStore struct {
	mu    sync.RWMutex
	runs  map[string]runstore.Run
	order []string
}

// NewRunStore constructs an empty RunStore.
func NewRunStore() *RunStore {
	return &RunStore{runs: make(map[string]runstore.Run)}
}

// CreateRun inserts a new run.
func (s *RunStore) CreateRun(_ context.Context, run runstore.Run) error {
	id := strings.TrimSpace(run.ID)
	if id == "" {
		return fmt.Errorf("memory run store: run id required")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.runs[id]; exists {
		return runstore.ErrDuplicate
	}
	run.ID = id
	run.CreatedAt = time.Now().UTC()
	s.runs[id] = run
	s.order = append(s.order, id)
	return nil
}

// UpdateRun applies a status transition to an existing run. Nil timestamps
// and blank error messages leave the stored values untouched.
func (s *RunStore) UpdateRun(_ context.Context, update runstore.Update) error {
	id := strings.TrimSpace(update.ID)
	if id == "" {
		return fmt.Errorf("memory run store: run id required")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	run, exists := s.runs[id]
	if !exists {
		return runstore.ErrNotFound
	}
	run.Status = update.Status
	if strings.TrimSpace(update.ErrorMessage) != "" {
		run.ErrorMessage = strings.TrimSpace(update.ErrorMessage)
	}
	if update.StartedAt != nil {
		started := update.StartedAt.UTC()
		run.StartedAt = &started
	}
	if update.StoppedAt != nil {
		stopped := update.StoppedAt.UTC()
		run.StoppedAt = &stopped
	}
	s.runs[id] = run
	return nil
}

// GetRun retrieves one run by id.
func (s *RunStore) GetRun(_ context.Context, id string) (runstore.Run, error) {
	trimmed := strings.TrimSpace(id)
	if trimmed == "" {
		return runstore.Run{}, fmt.Errorf("memory run store: run id required")
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	run, exists := s.runs[trimmed]
	if !exists {
		return runstore.Run{}, runstore.ErrNotFound
	}
	return run, nil
}

// ListRuns retrieves runs matching the supplied query filters, newest first.
func (s *RunStore) ListRuns(_ context.Context, query runstore.Query) ([]runstore.Run, error) {
	limit := clampLimit(query.Limit, defaultRunLimit, maxRunLimit)

	s.mu.RLock()
	defer s.mu.RUnlock()

	var runs []runstore.Run
	for i := len(s.order) - 1; i >= 0 && len(runs) < limit; i-- {
		run, exists := s.runs[s.order[i]]
		if !exists {
			continue
		}
		if query.Mode != "" && run.Mode != query.Mode {
			continue
		}
		if query.Status != "" && run.Status != query.Status {
			continue
		}
		runs = append(runs, run)
	}
	return runs, nil
}

// clampLimit bounds a caller-provided limit to (0, maximum], applying the
// fallback when unset.
func clampLimit(value, fallback, maximum int) int {
	if value <= 0 {
		return fallback
	}
	if value > maximum {
		return maximum
	}
	return value
}

var _ runstore.Store = (*RunStore)(nil)
