package eventlog

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/5TFG4/Weaver-sub002/internal/domain/outboxstore"
	"github.com/5TFG4/Weaver-sub002/internal/domain/schema"
	"github.com/5TFG4/Weaver-sub002/internal/errs"
)

// MemoryLog is the in-process event log backend. It keeps committed records
// in a slice and defines the reference semantics the durable backend must
// match: top-level appends serialize on one mutex and drain the dispatch
// queue, so subscribers observe envelopes strictly in seq order, while
// appends from inside a dispatch commit and queue without re-locking.
type MemoryLog struct {
	registry *registry
	queue    dispatchQueue

	appendMu sync.Mutex
	mu       sync.RWMutex
	records  []outboxstore.Record
	seq      int64
	closed   bool
}

// MemoryOption configures a MemoryLog.
type MemoryOption func(*MemoryLog)

// WithMemoryLogger sets the logger used for dispatch warnings.
func WithMemoryLogger(logger *zap.Logger) MemoryOption {
	return func(l *MemoryLog) {
		if logger != nil {
			l.registry.logger = logger
		}
	}
}

// NewMemoryLog constructs an empty in-memory log.
func NewMemoryLog(opts ...MemoryOption) *MemoryLog {
	l := &MemoryLog{registry: newRegistry(zap.NewNop(), newLogMetrics())}
	for _, opt := range opts {
		if opt != nil {
			opt(l)
		}
	}
	return l
}

// Append stores the envelope, assigns the next seq, and synchronously
// dispatches to subscribers before returning. Called from within a dispatch,
// it commits and returns; the outer Append's drain delivers the envelope.
func (l *MemoryLog) Append(ctx context.Context, env *schema.Envelope) (int64, error) {
	if err := validateEnvelope(env); err != nil {
		return 0, err
	}

	if insideDispatch(ctx) {
		return l.commit(env)
	}

	l.appendMu.Lock()
	defer l.appendMu.Unlock()

	seq, err := l.commit(env)
	if err != nil {
		return 0, err
	}
	l.drain(ctx)
	return seq, nil
}

func (l *MemoryLog) commit(env *schema.Envelope) (int64, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return 0, errs.New("eventlog", errs.CodeUnavailable, errs.WithMessage("log closed"))
	}
	l.seq++
	rec := outboxstore.Record{
		Seq:       l.seq,
		Envelope:  env,
		CreatedAt: time.Now().UTC(),
	}
	l.records = append(l.records, rec)
	l.queue.push(rec)
	return rec.Seq, nil
}

func (l *MemoryLog) drain(ctx context.Context) {
	ctx = markDispatch(ctx)
	for {
		rec, ok := l.queue.pop()
		if !ok {
			return
		}
		l.registry.metrics.append(ctx, rec.Envelope.Type)
		l.registry.dispatch(ctx, rec.Seq, rec.Envelope)
	}
}

// ReadFrom returns up to limit records with seq > afterSeq in seq order.
func (l *MemoryLog) ReadFrom(_ context.Context, afterSeq int64, limit int) ([]outboxstore.Record, error) {
	if limit <= 0 {
		return nil, nil
	}

	l.mu.RLock()
	defer l.mu.RUnlock()

	// Records are stored in seq order with seq starting at 1, so the first
	// candidate index is afterSeq itself.
	start := int(afterSeq)
	if start < 0 {
		start = 0
	}
	if start >= len(l.records) {
		return nil, nil
	}
	end := start + limit
	if end > len(l.records) {
		end = len(l.records)
	}
	out := make([]outboxstore.Record, end-start)
	copy(out, l.records[start:end])
	return out, nil
}

// Subscribe registers a handler for the given event types.
func (l *MemoryLog) Subscribe(types []schema.EventType, handler Handler, opts ...SubscribeOption) SubscriptionID {
	return l.registry.subscribe(types, handler, opts...)
}

// Unsubscribe removes a subscription. Unknown ids are ignored.
func (l *MemoryLog) Unsubscribe(id SubscriptionID) {
	l.registry.unsubscribe(id)
}

// Healthy always succeeds for the in-memory backend unless closed.
func (l *MemoryLog) Healthy(context.Context) error {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if l.closed {
		return errs.New("eventlog", errs.CodeUnavailable, errs.WithMessage("log closed"))
	}
	return nil
}

// Close marks the log closed. Committed records remain readable.
func (l *MemoryLog) Close() {
	l.mu.Lock()
	l.closed = true
	l.mu.Unlock()
}

var _ Log = (*MemoryLog)(nil)
