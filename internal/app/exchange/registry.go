package exchange

import (
	"sync"

	"github.com/5TFG4/Weaver-sub002/internal/errs"
)

const registryScope = "exchange_registry"

// Registry maps run ids to the adapter serving them. The run manager
// registers an adapter when a run starts and deregisters it on stop; the
// order manager resolves at submit time.
type Registry struct {
	mu       sync.RWMutex
	adapters map[string]Adapter
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{adapters: make(map[string]Adapter)}
}

// Register binds an adapter to a run. Binding a run twice is a conflict.
func (r *Registry) Register(runID string, adapter Adapter) error {
	if runID == "" || adapter == nil {
		return errs.Invalid(registryScope, "run id and adapter are required")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.adapters[runID]; exists {
		return errs.Conflict(registryScope, "adapter already registered", errs.WithRun(runID))
	}
	r.adapters[runID] = adapter
	return nil
}

// Resolve returns the adapter bound to the run.
func (r *Registry) Resolve(runID string) (Adapter, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	adapter, ok := r.adapters[runID]
	if !ok {
		return nil, errs.NotFound(registryScope, "no adapter for run", errs.WithRun(runID))
	}
	return adapter, nil
}

// Deregister removes the run's binding. Unknown runs are ignored.
func (r *Registry) Deregister(runID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.adapters, runID)
}

// Connected reports whether every registered adapter currently holds a
// connection. Used by the health endpoint.
func (r *Registry) Connected() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, adapter := range r.adapters {
		if !adapter.IsConnected() {
			return false
		}
	}
	return true
}

// Len returns the number of registered runs.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.adapters)
}
