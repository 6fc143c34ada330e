package postgres

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/5TFG4/Weaver-sub002/internal/domain/offsetstore"
)

// OffsetStore persists per-consumer cursors into the event log.
type OffsetStore struct {
	pool *pgxpool.Pool
}

// NewOffsetStore constructs an OffsetStore backed by the provided pool.
func NewOffsetStore(pool *pgxpool.Pool) *OffsetStore {
	return &OffsetStore{pool: pool}
}

const (
	offsetGetSQL = `
SELECT last_processed_seq
FROM consumer_offsets
WHERE consumer_name = $1;
`

	offsetSetSQL = `
INSERT INTO consumer_offsets (consumer_name, last_processed_seq, updated_at)
VALUES (@consumer, @seq, NOW())
ON CONFLICT (consumer_name) DO UPDATE SET
    last_processed_seq = EXCLUDED.last_processed_seq,
    updated_at = NOW();
`
)

// Get returns the consumer's last processed sequence, 0 when unknown.
func (s *OffsetStore) Get(ctx context.Context, consumer string) (int64, error) {
	if s.pool == nil {
		return 0, fmt.Errorf("offset store: nil pool")
	}
	name := strings.TrimSpace(consumer)
	if name == "" {
		return 0, fmt.Errorf("offset store: consumer name required")
	}
	var seq int64
	err := s.pool.QueryRow(ctx, offsetGetSQL, name).Scan(&seq)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("offset store: get %s: %w", name, err)
	}
	return seq, nil
}

// Set records the consumer's last processed sequence.
func (s *OffsetStore) Set(ctx context.Context, consumer string, seq int64) error {
	if s.pool == nil {
		return fmt.Errorf("offset store: nil pool")
	}
	name := strings.TrimSpace(consumer)
	if name == "" {
		return fmt.Errorf("offset store: consumer name required")
	}
	if seq < 0 {
		return fmt.Errorf("offset store: negative seq %d", seq)
	}
	args := pgx.NamedArgs{"consumer": name, "seq": seq}
	if _, err := s.pool.Exec(ctx, offsetSetSQL, args); err != nil {
		return fmt.Errorf("offset store: set %s: %w", name, err)
	}
	return nil
}

var _ offsetstore.Store = (*OffsetStore)(nil)
