// Package postgres implements Weaver's persistence contracts on PostgreSQL.
package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/5TFG4/Weaver-sub002/internal/infra/config"
	"github.com/5TFG4/Weaver-sub002/internal/infra/persistence"
)

const connectPingTimeout = 5 * time.Second

// Store bundles the PostgreSQL-backed repositories behind one pool.
type Store struct {
	*persistence.Store

	Outbox  *OutboxStore
	Offsets *OffsetStore
	Runs    *RunStore
	Orders  *OrderStore
	Bars    *BarStore
}

// New constructs a Store and its repositories around the provided pool.
func New(pool *pgxpool.Pool) *Store {
	return &Store{
		Store:   persistence.NewStore(pool),
		Outbox:  NewOutboxStore(pool),
		Offsets: NewOffsetStore(pool),
		Runs:    NewRunStore(pool),
		Orders:  NewOrderStore(pool),
		Bars:    NewBarStore(pool),
	}
}

// Connect builds a pgx pool from the database configuration and verifies
// connectivity before returning.
func Connect(ctx context.Context, cfg config.DatabaseConfig) (*pgxpool.Pool, error) {
	poolCfg, err := pgxpool.ParseConfig(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("postgres: parse database url: %w", err)
	}
	poolCfg.MaxConns = cfg.MaxConns
	poolCfg.MinConns = cfg.MinConns
	poolCfg.MaxConnLifetime = cfg.MaxConnLifetime
	poolCfg.MaxConnIdleTime = cfg.MaxConnIdleTime
	poolCfg.HealthCheckPeriod = cfg.HealthCheckPeriod

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("postgres: create pool: %w", err)
	}

	pingCtx, cancel := context.WithTimeout(ctx, connectPingTimeout)
	defer cancel()
	if err := pool.Ping(pingCtx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres: ping: %w", err)
	}
	return pool, nil
}
