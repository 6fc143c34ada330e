// Package eventlog implements the durable event log at the heart of Weaver:
// an append-only, totally ordered stream of envelopes with synchronous
// in-process dispatch to subscribers.
//
// Append persists the envelope (assigning seq), then invokes every matching
// subscriber in registration order before returning. Appends made by a
// subscriber during dispatch commit immediately and are dispatched by the
// same outer Append, in seq order, before it returns; an event cascade
// therefore completes as a whole within the append that started it.
// Subscriber failures are logged and skipped; they never fail the append.
// Consumers needing recovery replay committed envelopes with ReadFrom.
package eventlog

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.uber.org/zap"

	"github.com/5TFG4/Weaver-sub002/internal/domain/outboxstore"
	"github.com/5TFG4/Weaver-sub002/internal/domain/schema"
	"github.com/5TFG4/Weaver-sub002/internal/errs"
)

const instrumentationScope = "weaver/eventlog"

// SubscriptionID identifies one active subscription.
type SubscriptionID string

// Handler consumes one appended envelope. seq is the envelope's position in
// the total order.
type Handler func(ctx context.Context, seq int64, env *schema.Envelope) error

// Filter further narrows a subscription beyond its type set.
type Filter func(env *schema.Envelope) bool

// Log is the event log contract shared by the in-memory and durable backends.
type Log interface {
	// Append persists the envelope and synchronously dispatches it to every
	// matching subscriber, returning the assigned sequence number.
	Append(ctx context.Context, env *schema.Envelope) (int64, error)
	// ReadFrom returns up to limit committed records with seq > afterSeq in
	// seq order.
	ReadFrom(ctx context.Context, afterSeq int64, limit int) ([]outboxstore.Record, error)
	// Subscribe registers a handler for the given event types.
	// schema.WildcardType matches everything.
	Subscribe(types []schema.EventType, handler Handler, opts ...SubscribeOption) SubscriptionID
	// Unsubscribe removes a subscription. Unknown ids are ignored.
	Unsubscribe(id SubscriptionID)
	// Healthy reports whether the backing store is reachable.
	Healthy(ctx context.Context) error
	// Close releases backend resources. Appends after Close fail.
	Close()
}

// SubscribeOption customizes a subscription.
type SubscribeOption func(*subscription)

// WithFilter drops envelopes the predicate rejects before the handler runs.
func WithFilter(f Filter) SubscribeOption {
	return func(s *subscription) { s.filter = f }
}

// WithRunFilter keeps only envelopes scoped to the given run.
func WithRunFilter(runID string) SubscribeOption {
	return WithFilter(func(env *schema.Envelope) bool { return env.RunID == runID })
}

// WithSubscriberName names the subscription in logs and metrics.
func WithSubscriberName(name string) SubscribeOption {
	return func(s *subscription) {
		if name != "" {
			s.name = name
		}
	}
}

type subscription struct {
	id       SubscriptionID
	name     string
	wildcard bool
	types    map[schema.EventType]struct{}
	filter   Filter
	handler  Handler
}

func (s *subscription) matches(env *schema.Envelope) bool {
	if !s.wildcard {
		if _, ok := s.types[env.Type]; !ok {
			return false
		}
	}
	if s.filter != nil && !s.filter(env) {
		return false
	}
	return true
}

// registry holds ordered subscriptions and performs synchronous dispatch.
// Both log backends embed one so subscription semantics cannot drift.
type registry struct {
	mu      sync.RWMutex
	subs    []*subscription
	logger  *zap.Logger
	metrics *logMetrics
}

func newRegistry(logger *zap.Logger, metrics *logMetrics) *registry {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &registry{logger: logger, metrics: metrics}
}

func (r *registry) subscribe(types []schema.EventType, handler Handler, opts ...SubscribeOption) SubscriptionID {
	sub := &subscription{
		id:      SubscriptionID(uuid.NewString()),
		name:    "anonymous",
		types:   make(map[schema.EventType]struct{}, len(types)),
		handler: handler,
	}
	for _, t := range types {
		if t == schema.WildcardType {
			sub.wildcard = true
			continue
		}
		sub.types[t] = struct{}{}
	}
	for _, opt := range opts {
		if opt != nil {
			opt(sub)
		}
	}

	r.mu.Lock()
	r.subs = append(r.subs, sub)
	r.mu.Unlock()
	return sub.id
}

func (r *registry) unsubscribe(id SubscriptionID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i, sub := range r.subs {
		if sub.id == id {
			r.subs = append(r.subs[:i], r.subs[i+1:]...)
			return
		}
	}
}

// dispatch invokes every matching handler in registration order on the
// caller's goroutine. Handler errors are logged and skipped so one consumer
// can never poison the append or starve its peers.
func (r *registry) dispatch(ctx context.Context, seq int64, env *schema.Envelope) {
	r.mu.RLock()
	subs := make([]*subscription, len(r.subs))
	copy(subs, r.subs)
	r.mu.RUnlock()

	for _, sub := range subs {
		if !sub.matches(env) {
			continue
		}
		start := time.Now()
		if err := sub.handler(ctx, seq, env); err != nil {
			r.logger.Warn("subscriber callback failed",
				zap.String("subscriber", sub.name),
				zap.String("envelope_id", env.ID),
				zap.String("event_type", string(env.Type)),
				zap.Int64("seq", seq),
				zap.Error(err))
			r.metrics.dispatchError(ctx, sub.name)
		}
		r.metrics.dispatchLatency(ctx, sub.name, time.Since(start))
	}
}

// dispatchCtxKey marks contexts handed to subscribers, so an append made
// during dispatch joins the active drain instead of deadlocking on the
// append mutex. The marker must not outlive the handler call.
type dispatchCtxKey struct{}

func markDispatch(ctx context.Context) context.Context {
	return context.WithValue(ctx, dispatchCtxKey{}, struct{}{})
}

func insideDispatch(ctx context.Context) bool {
	return ctx != nil && ctx.Value(dispatchCtxKey{}) != nil
}

// dispatchQueue holds committed records awaiting dispatch. The goroutine
// holding the append mutex drains it, so cascades flatten into one ordered
// pass: every subscriber observes strictly increasing seq.
type dispatchQueue struct {
	mu      sync.Mutex
	pending []outboxstore.Record
}

func (q *dispatchQueue) push(rec outboxstore.Record) {
	q.mu.Lock()
	q.pending = append(q.pending, rec)
	q.mu.Unlock()
}

func (q *dispatchQueue) pop() (outboxstore.Record, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.pending) == 0 {
		return outboxstore.Record{}, false
	}
	rec := q.pending[0]
	q.pending = q.pending[1:]
	return rec, true
}

// validateEnvelope applies the append-side schema checks shared by both
// backends.
func validateEnvelope(env *schema.Envelope) error {
	if env == nil {
		return errs.Invalid("eventlog", "envelope required")
	}
	if env.Type == "" {
		return errs.Invalid("eventlog", "envelope type required")
	}
	if env.ID == "" {
		return errs.Invalid("eventlog", "envelope id required")
	}
	if err := schema.ValidatePayload(env.Type, env.Payload); err != nil {
		return errs.Invalid("eventlog", "payload does not match envelope type", errs.WithCause(err))
	}
	return nil
}

// logMetrics carries the otel instruments shared by both backends.
type logMetrics struct {
	appends   metric.Int64Counter
	errors    metric.Int64Counter
	latencies metric.Float64Histogram
}

func newLogMetrics() *logMetrics {
	meter := otel.Meter(instrumentationScope)
	appends, _ := meter.Int64Counter("weaver.eventlog.appends",
		metric.WithDescription("Envelopes appended to the event log."))
	errors, _ := meter.Int64Counter("weaver.eventlog.dispatch_errors",
		metric.WithDescription("Subscriber callbacks that returned an error."))
	latencies, _ := meter.Float64Histogram("weaver.eventlog.dispatch_duration",
		metric.WithDescription("Per-subscriber callback duration."),
		metric.WithUnit("ms"))
	return &logMetrics{appends: appends, errors: errors, latencies: latencies}
}

func (m *logMetrics) append(ctx context.Context, eventType schema.EventType) {
	if m == nil || m.appends == nil {
		return
	}
	m.appends.Add(ctx, 1, metric.WithAttributes(attribute.String("event_type", string(eventType))))
}

func (m *logMetrics) dispatchError(ctx context.Context, subscriber string) {
	if m == nil || m.errors == nil {
		return
	}
	m.errors.Add(ctx, 1, metric.WithAttributes(attribute.String("subscriber", subscriber)))
}

func (m *logMetrics) dispatchLatency(ctx context.Context, subscriber string, d time.Duration) {
	if m == nil || m.latencies == nil {
		return
	}
	m.latencies.Record(ctx, float64(d.Milliseconds()), metric.WithAttributes(attribute.String("subscriber", subscriber)))
}
