package eventlog

import (
	"context"
	"sync"

	"go.uber.org/zap"

	"github.com/5TFG4/Weaver-sub002/internal/domain/outboxstore"
	"github.com/5TFG4/Weaver-sub002/internal/domain/schema"
	"github.com/5TFG4/Weaver-sub002/internal/errs"
)

// DurableLog is the PostgreSQL-backed event log. Appends insert into the
// outbox (which assigns seq) before dispatching; if the insert fails nothing
// is dispatched, so subscribers only ever see committed envelopes. Dispatch
// queueing matches MemoryLog: appends made during a dispatch join the
// active drain.
type DurableLog struct {
	store    outboxstore.Store
	registry *registry
	queue    dispatchQueue

	appendMu sync.Mutex
	mu       sync.RWMutex
	closed   bool
}

// DurableOption configures a DurableLog.
type DurableOption func(*DurableLog)

// WithDurableLogger sets the logger used for dispatch warnings.
func WithDurableLogger(logger *zap.Logger) DurableOption {
	return func(l *DurableLog) {
		if logger != nil {
			l.registry.logger = logger
		}
	}
}

// NewDurableLog wraps the outbox store with subscription dispatch.
func NewDurableLog(store outboxstore.Store, opts ...DurableOption) (*DurableLog, error) {
	if store == nil {
		return nil, errs.Invalid("eventlog", "outbox store required")
	}
	l := &DurableLog{
		store:    store,
		registry: newRegistry(zap.NewNop(), newLogMetrics()),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(l)
		}
	}
	return l, nil
}

// Append persists the envelope through the outbox store, then synchronously
// dispatches it under the append mutex so subscribers observe seq order.
// Called from within a dispatch, it commits and returns; the outer Append's
// drain delivers the envelope.
func (l *DurableLog) Append(ctx context.Context, env *schema.Envelope) (int64, error) {
	if err := validateEnvelope(env); err != nil {
		return 0, err
	}

	if insideDispatch(ctx) {
		return l.commit(ctx, env)
	}

	l.appendMu.Lock()
	defer l.appendMu.Unlock()

	seq, err := l.commit(ctx, env)
	if err != nil {
		return 0, err
	}
	l.drain(ctx)
	return seq, nil
}

func (l *DurableLog) commit(ctx context.Context, env *schema.Envelope) (int64, error) {
	l.mu.RLock()
	closed := l.closed
	l.mu.RUnlock()
	if closed {
		return 0, errs.New("eventlog", errs.CodeUnavailable, errs.WithMessage("log closed"))
	}

	seq, err := l.store.Append(ctx, env)
	if err != nil {
		return 0, errs.Transient("eventlog", err, errs.WithMessage("append envelope"))
	}
	l.queue.push(outboxstore.Record{Seq: seq, Envelope: env})
	return seq, nil
}

func (l *DurableLog) drain(ctx context.Context) {
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

// ReadFrom returns up to limit committed records with seq > afterSeq.
func (l *DurableLog) ReadFrom(ctx context.Context, afterSeq int64, limit int) ([]outboxstore.Record, error) {
	return l.store.ReadFrom(ctx, afterSeq, limit)
}

// Subscribe registers a handler for the given event types.
func (l *DurableLog) Subscribe(types []schema.EventType, handler Handler, opts ...SubscribeOption) SubscriptionID {
	return l.registry.subscribe(types, handler, opts...)
}

// Unsubscribe removes a subscription. Unknown ids are ignored.
func (l *DurableLog) Unsubscribe(id SubscriptionID) {
	l.registry.unsubscribe(id)
}

// Healthy pings the backing store when it exposes a liveness probe.
func (l *DurableLog) Healthy(ctx context.Context) error {
	l.mu.RLock()
	closed := l.closed
	l.mu.RUnlock()
	if closed {
		return errs.New("eventlog", errs.CodeUnavailable, errs.WithMessage("log closed"))
	}
	if p, ok := l.store.(interface{ Ping(context.Context) error }); ok {
		if err := p.Ping(ctx); err != nil {
			return errs.New("eventlog", errs.CodeUnavailable, errs.WithMessage("outbox store unreachable"), errs.WithCause(err))
		}
	}
	return nil
}

// Close marks the log closed. The caller owns the underlying pool.
func (l *DurableLog) Close() {
	l.mu.Lock()
	l.closed = true
	l.mu.Unlock()
}

var _ Log = (*DurableLog)(nil)
