package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/5TFG4/Weaver-sub002/internal/domain/outboxstore"
	"github.com/5TFG4/Weaver-sub002/internal/domain/schema"
)

// OutboxStore persists event envelopes in the append-only log table. seq is
// assigned by the database, so total order holds across processes.
type OutboxStore struct {
	pool *pgxpool.Pool
}

// NewOutboxStore constructs an OutboxStore backed by the provided pool.
func NewOutboxStore(pool *pgxpool.Pool) *OutboxStore {
	return &OutboxStore{pool: pool}
}

const (
	defaultReadLimit = 256
	maxReadLimit     = 4096
)

const (
	outboxAppendSQL = `
INSERT INTO outbox (envelope)
VALUES (@envelope::jsonb)
RETURNING seq;
`

	outboxReadFromSQL = `
SELECT seq, envelope, created_at
FROM outbox
WHERE seq > $1
ORDER BY seq ASC
LIMIT $2;
`
)

// Append persists the envelope and returns its assigned sequence number.
func (s *OutboxStore) Append(ctx context.Context, env *schema.Envelope) (int64, error) {
	if s.pool == nil {
		return 0, fmt.Errorf("outbox store: nil pool")
	}
	if env == nil {
		return 0, fmt.Errorf("outbox store: envelope required")
	}
	data, err := env.Marshal()
	if err != nil {
		return 0, fmt.Errorf("outbox store: %w", err)
	}
	var seq int64
	args := pgx.NamedArgs{"envelope": data}
	if err := s.pool.QueryRow(ctx, outboxAppendSQL, args).Scan(&seq); err != nil {
		return 0, fmt.Errorf("outbox store: append: %w", err)
	}
	return seq, nil
}

// ReadFrom returns up to limit records with seq > afterSeq in seq order.
func (s *OutboxStore) ReadFrom(ctx context.Context, afterSeq int64, limit int) ([]outboxstore.Record, error) {
	if s.pool == nil {
		return nil, fmt.Errorf("outbox store: nil pool")
	}
	bounded := clampLimit(limit, defaultReadLimit, maxReadLimit)
	rows, err := s.pool.Query(ctx, outboxReadFromSQL, afterSeq, bounded)
	if err != nil {
		return nil, fmt.Errorf("outbox store: read from: %w", err)
	}
	defer rows.Close()

	var records []outboxstore.Record
	for rows.Next() {
		var (
			seq       int64
			raw       []byte
			createdAt time.Time
		)
		if err := rows.Scan(&seq, &raw, &createdAt); err != nil {
			return nil, fmt.Errorf("outbox store: scan record: %w", err)
		}
		env, err := schema.DecodeEnvelope(raw)
		if err != nil {
			return nil, fmt.Errorf("outbox store: seq %d: %w", seq, err)
		}
		records = append(records, outboxstore.Record{
			Seq:       seq,
			Envelope:  env,
			CreatedAt: createdAt.UTC(),
		})
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("outbox store: iterate records: %w", err)
	}
	return records, nil
}

// Ping reports database connectivity. The durable event log probes it for
// health checks.
func (s *OutboxStore) Ping(ctx context.Context) error {
	if s.pool == nil {
		return fmt.Errorf("outbox store: nil pool")
	}
	return s.pool.Ping(ctx)
}

var _ outboxstore.Store = (*OutboxStore)(nil)
