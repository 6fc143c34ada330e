// Package broadcast fans the event log out to Server-Sent Events clients.
// Delivery is fire and forget: a slow client loses frames instead of
// back-pressuring the log's append path.
package broadcast

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/alitto/pond"
	"go.uber.org/zap"

	"github.com/5TFG4/Weaver-sub002/internal/domain/schema"
	"github.com/5TFG4/Weaver-sub002/internal/errs"
	"github.com/5TFG4/Weaver-sub002/internal/infra/eventlog"
)

const scope = "sse"

const (
	// DefaultBuffer matches the sse.buffer config default.
	DefaultBuffer = 64
	// DefaultKeepAlive spaces the comment frames that keep proxies from
	// recycling an idle stream.
	DefaultKeepAlive = 15 * time.Second

	fanoutQueue = 256
	retryMillis = 10000
)

// Replayer replays committed envelopes with seq > from, as the consumer
// package's replayer does.
type Replayer interface {
	Replay(ctx context.Context, from int64, handler eventlog.Handler) (int64, error)
}

// frame is one envelope rendered for the wire: id is the log seq, event the
// envelope type, data the full serialized envelope.
type frame struct {
	seq   int64
	typ   schema.EventType
	runID string
	data  []byte
}

type client struct {
	ch    chan frame
	runID string
}

// Broadcaster bridges the event log to SSE connections. One wildcard
// subscription feeds a single-worker pool that fans frames out to
// per-connection bounded buffers, so the append path only pays for an
// enqueue.
type Broadcaster struct {
	log       eventlog.Log
	history   Replayer
	logger    *zap.Logger
	buffer    int
	keepAlive time.Duration
	pool      *pond.WorkerPool

	mu         sync.RWMutex
	clients    map[*client]struct{}
	subID      eventlog.SubscriptionID
	subscribed bool
	closed     bool
}

// Option configures a Broadcaster.
type Option func(*Broadcaster)

// WithBuffer sets the per-connection frame buffer. Values below one are
// ignored.
func WithBuffer(n int) Option {
	return func(b *Broadcaster) {
		if n > 0 {
			b.buffer = n
		}
	}
}

// WithKeepAlive sets the keep-alive comment interval.
func WithKeepAlive(d time.Duration) Option {
	return func(b *Broadcaster) {
		if d > 0 {
			b.keepAlive = d
		}
	}
}

// WithLogger attaches a logger.
func WithLogger(logger *zap.Logger) Option {
	return func(b *Broadcaster) {
		if logger != nil {
			b.logger = logger
		}
	}
}

// New builds a broadcaster over the given log. history serves Last-Event-ID
// resumes.
func New(log eventlog.Log, history Replayer, opts ...Option) (*Broadcaster, error) {
	if log == nil {
		return nil, errs.Invalid(scope, "event log required")
	}
	if history == nil {
		return nil, errs.Invalid(scope, "replayer required")
	}
	b := &Broadcaster{
		log:       log,
		history:   history,
		logger:    zap.NewNop(),
		buffer:    DefaultBuffer,
		keepAlive: DefaultKeepAlive,
		clients:   make(map[*client]struct{}),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(b)
		}
	}
	b.logger = b.logger.Named("sse")
	// One worker keeps frames in log order.
	b.pool = pond.New(1, fanoutQueue,
		pond.MinWorkers(1),
		pond.PanicHandler(func(p interface{}) {
			b.logger.Error("sse fan-out panicked", zap.Any("panic", p))
		}),
	)
	return b, nil
}

// Initialize subscribes the broadcaster to the whole event stream.
func (b *Broadcaster) Initialize() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return errs.Conflict(scope, "broadcaster closed")
	}
	if b.subscribed {
		return errs.Conflict(scope, "broadcaster already initialized")
	}
	b.subID = b.log.Subscribe(
		[]schema.EventType{schema.WildcardType},
		b.onEnvelope,
		eventlog.WithSubscriberName("sse-broadcaster"),
	)
	b.subscribed = true
	return nil
}

// Close detaches from the log, drains the fan-out pool, and ends every open
// stream. Idempotent.
func (b *Broadcaster) Close() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.closed = true
	subscribed := b.subscribed
	subID := b.subID
	clients := make([]*client, 0, len(b.clients))
	for c := range b.clients {
		clients = append(clients, c)
	}
	b.clients = make(map[*client]struct{})
	b.mu.Unlock()

	if subscribed {
		b.log.Unsubscribe(subID)
	}
	b.pool.StopAndWait()
	for _, c := range clients {
		close(c.ch)
	}
}

// ClientCount returns the number of attached connections.
func (b *Broadcaster) ClientCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.clients)
}

// onEnvelope runs on the append path; it must only marshal and enqueue.
func (b *Broadcaster) onEnvelope(_ context.Context, seq int64, env *schema.Envelope) error {
	data, err := env.Marshal()
	if err != nil {
		return err
	}
	f := frame{seq: seq, typ: env.Type, runID: env.RunID, data: data}
	if !b.pool.TrySubmit(func() { b.fanOut(f) }) {
		b.logger.Warn("sse fan-out queue full, frame dropped",
			zap.Int64("seq", seq), zap.String("event_type", string(env.Type)))
	}
	return nil
}

func (b *Broadcaster) fanOut(f frame) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for c := range b.clients {
		if c.runID != "" && c.runID != f.runID {
			continue
		}
		select {
		case c.ch <- f:
		default:
			b.logger.Warn("sse client buffer full, frame dropped",
				zap.Int64("seq", f.seq), zap.String("event_type", string(f.typ)))
		}
	}
}

func (b *Broadcaster) attach(runID string) (*client, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil, errs.New(scope, errs.CodeUnavailable, errs.WithMessage("event stream shutting down"))
	}
	c := &client{ch: make(chan frame, b.buffer), runID: runID}
	b.clients[c] = struct{}{}
	return c, nil
}

func (b *Broadcaster) detach(c *client) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.clients[c]; !ok {
		return
	}
	delete(b.clients, c)
	close(c.ch)
}

// ServeHTTP streams envelopes to one client. `run_id` narrows the stream to
// a single run; `Last-Event-ID` replays missed envelopes from the log before
// the live feed takes over, deduped by seq.
func (b *Broadcaster) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}
	runID := r.URL.Query().Get("run_id")

	var resumeFrom int64
	if raw := r.Header.Get("Last-Event-ID"); raw != "" {
		seq, err := strconv.ParseInt(raw, 10, 64)
		if err != nil || seq < 0 {
			http.Error(w, "invalid Last-Event-ID", http.StatusBadRequest)
			return
		}
		resumeFrom = seq
	}

	// Attach before replaying: frames appended during the replay buffer in
	// the client channel and the seq dedupe below drops the overlap.
	c, err := b.attach(runID)
	if err != nil {
		http.Error(w, "event stream shutting down", http.StatusServiceUnavailable)
		return
	}
	defer b.detach(c)

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	if _, err := fmt.Fprintf(w, "retry: %d\n\n", retryMillis); err != nil {
		return
	}
	flusher.Flush()

	lastWritten := resumeFrom
	if resumeFrom > 0 {
		last, err := b.history.Replay(r.Context(), resumeFrom, func(_ context.Context, seq int64, env *schema.Envelope) error {
			if runID != "" && env.RunID != runID {
				return nil
			}
			data, err := env.Marshal()
			if err != nil {
				return err
			}
			return writeFrame(w, flusher, frame{seq: seq, typ: env.Type, data: data})
		})
		if err != nil {
			b.logger.Warn("sse resume aborted", zap.Int64("from", resumeFrom), zap.Error(err))
			return
		}
		lastWritten = last
	}

	keepAlive := time.NewTicker(b.keepAlive)
	defer keepAlive.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case <-keepAlive.C:
			if _, err := io.WriteString(w, ": keep-alive\n\n"); err != nil {
				return
			}
			flusher.Flush()
		case f, open := <-c.ch:
			if !open {
				return
			}
			if f.seq <= lastWritten {
				continue
			}
			if err := writeFrame(w, flusher, f); err != nil {
				return
			}
			lastWritten = f.seq
		}
	}
}

func writeFrame(w io.Writer, flusher http.Flusher, f frame) error {
	if _, err := fmt.Fprintf(w, "id: %d\nevent: %s\ndata: %s\n\n", f.seq, f.typ, f.data); err != nil {
		return err
	}
	flusher.Flush()
	return nil
}
