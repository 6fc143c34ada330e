package strategy

import (
	"sort"
	"sync"

	"github.com/5TFG4/Weaver-sub002/internal/errs"
)

const registryScope = "strategy_registry"

// Factory builds one strategy instance from run parameters.
type Factory func(params Params) (Strategy, error)

// Registry maps strategy ids to factories. Built-in strategies register at
// construction; plugin loaders add script-backed ones at startup.
type Registry struct {
	mu        sync.RWMutex
	factories map[string]Factory
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{factories: make(map[string]Factory)}
}

// Register binds a factory to an id. Rebinding an id is a conflict.
func (r *Registry) Register(id string, factory Factory) error {
	if id == "" || factory == nil {
		return errs.Invalid(registryScope, "strategy id and factory are required")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.factories[id]; exists {
		return errs.Conflict(registryScope, "strategy already registered", errs.WithDetail("strategy_id", id))
	}
	r.factories[id] = factory
	return nil
}

// New instantiates the strategy registered under id.
func (r *Registry) New(id string, params Params) (Strategy, error) {
	r.mu.RLock()
	factory, ok := r.factories[id]
	r.mu.RUnlock()
	if !ok {
		return nil, errs.NotFound(registryScope, "unknown strategy", errs.WithDetail("strategy_id", id))
	}
	return factory(params)
}

// IDs lists registered strategy ids in lexical order.
func (r *Registry) IDs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := make([]string, 0, len(r.factories))
	for id := range r.factories {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Builtins returns a registry preloaded with the compiled-in strategies.
func Builtins() *Registry {
	r := NewRegistry()
	r.factories[StrategyNoop] = newNoop
	r.factories[StrategyPacer] = newPacer
	r.factories[StrategySMACross] = newSMACross
	return r
}
