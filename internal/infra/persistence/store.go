// Package persistence holds the wiring shared by Weaver's database-backed
// repositories. Backend-specific repository sets live in subpackages
// (postgres for the durable event log, memory for the in-process backend).
package persistence

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5/pgxpool"
)

// ErrNoPool is returned when a Store operation runs without a connected pool.
var ErrNoPool = errors.New("persistence: no connection pool")

// Store owns the shared pgx pool behind a repository set.
type Store struct {
	pool *pgxpool.Pool
}

// NewStore constructs a Store backed by the provided pgx pool.
func NewStore(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

// Pool exposes the underlying pgx pool for repository implementations.
func (s *Store) Pool() *pgxpool.Pool {
	if s == nil {
		return nil
	}
	return s.pool
}

// Ping verifies database connectivity.
func (s *Store) Ping(ctx context.Context) error {
	if s == nil || s.pool == nil {
		return ErrNoPool
	}
	return s.pool.Ping(ctx)
}

// Close releases the underlying pool. Safe on a nil or unconnected Store.
func (s *Store) Close() {
	if s == nil || s.pool == nil {
		return
	}
	s.pool.Close()
}
