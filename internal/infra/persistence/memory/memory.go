// Package memory implements Weaver's persistence contracts with in-process
// maps. It backs the in-memory deployment mode and unit tests; behavior
// mirrors the postgres implementations so callers cannot tell backends apart.
package memory

// Store aggregates the in-memory repositories behind one handle.
type Store struct {
	Runs    *RunStore
	Orders  *OrderStore
	Bars    *BarStore
	Offsets *OffsetStore
}

// New constructs an empty in-memory store.
func New() *Store {
	return &Store{
		Runs:    NewRunStore(),
		Orders:  NewOrderStore(),
		Bars:    NewBarStore(),
		Offsets: NewOffsetStore(),
	}
}
