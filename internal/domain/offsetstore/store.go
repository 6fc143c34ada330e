// Package offsetstore defines the persistence contract for per-consumer
// cursors into the event log.
package offsetstore

import (
	"context"
	"time"
)

// Offset is one consumer's durable cursor.
type Offset struct {
	Consumer         string
	LastProcessedSeq int64
	UpdatedAt        time.Time
}

// Store abstracts offset persistence. Writes are atomic per consumer. A
// consumer commits its offset after processing, so a crash may redeliver the
// last in-flight envelope; consumers dedupe by envelope id.
type Store interface {
	// Get returns the consumer's last processed sequence, 0 when unknown.
	Get(ctx context.Context, consumer string) (int64, error)
	// Set records the consumer's last processed sequence.
	Set(ctx context.Context, consumer string, seq int64) error
}
