// Package outboxstore defines the persistence contract for the event log's
// append-only outbox. The outbox doubles as the event log: seq provides the
// total order every consumer sees.
package outboxstore

import (
	"context"
	"time"

	"github.com/5TFG4/Weaver-sub002/internal/domain/schema"
)

// Record is one persisted log entry.
type Record struct {
	Seq       int64
	Envelope  *schema.Envelope
	CreatedAt time.Time
}

// Store abstracts persistence for the outbox.
type Store interface {
	// Append persists the envelope and returns its assigned sequence number.
	Append(ctx context.Context, env *schema.Envelope) (int64, error)
	// ReadFrom returns up to limit records with seq > afterSeq in seq order.
	ReadFrom(ctx context.Context, afterSeq int64, limit int) ([]Record, error)
}
