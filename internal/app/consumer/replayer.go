// Package consumer resumes named event log consumers from their durable
// offsets. Delivery is at least once: the offset commits after the handler,
// so a crash between the two redelivers the last envelope on the next
// resume. Handlers dedupe by envelope id.
package consumer

import (
	"context"
	"strings"

	"go.uber.org/zap"

	"github.com/5TFG4/Weaver-sub002/internal/domain/offsetstore"
	"github.com/5TFG4/Weaver-sub002/internal/domain/outboxstore"
	"github.com/5TFG4/Weaver-sub002/internal/domain/schema"
	"github.com/5TFG4/Weaver-sub002/internal/errs"
	"github.com/5TFG4/Weaver-sub002/internal/infra/eventlog"
)

const scope = "replayer"

// DefaultBatchSize matches the event_log.replay_batch_size config default.
const DefaultBatchSize = 256

// Source is the slice of the event log a replayer reads.
type Source interface {
	ReadFrom(ctx context.Context, afterSeq int64, limit int) ([]outboxstore.Record, error)
}

// Replayer pages committed envelopes out of the event log, either from an
// explicit sequence or from a consumer's stored offset.
type Replayer struct {
	source  Source
	offsets offsetstore.Store
	batch   int
	logger  *zap.Logger
}

// Option configures a Replayer.
type Option func(*Replayer)

// WithBatchSize sets the ReadFrom page size. Values below one are ignored.
func WithBatchSize(n int) Option {
	return func(r *Replayer) {
		if n > 0 {
			r.batch = n
		}
	}
}

// WithLogger attaches a logger.
func WithLogger(logger *zap.Logger) Option {
	return func(r *Replayer) {
		if logger != nil {
			r.logger = logger
		}
	}
}

// NewReplayer builds a replayer over the given log source and offset store.
func NewReplayer(source Source, offsets offsetstore.Store, opts ...Option) (*Replayer, error) {
	if source == nil {
		return nil, errs.Invalid(scope, "event log source required")
	}
	if offsets == nil {
		return nil, errs.Invalid(scope, "offset store required")
	}
	r := &Replayer{
		source:  source,
		offsets: offsets,
		batch:   DefaultBatchSize,
		logger:  zap.NewNop(),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(r)
		}
	}
	r.logger = r.logger.Named("replayer")
	return r, nil
}

// Replay hands every committed envelope with seq > from to the handler in
// seq order, stopping at the log head, on context cancellation, or at the
// first handler error. It returns the last sequence the handler accepted.
// No offset is committed; callers track their own position.
func (r *Replayer) Replay(ctx context.Context, from int64, handler eventlog.Handler) (int64, error) {
	if handler == nil {
		return from, errs.Invalid(scope, "handler required")
	}
	return r.page(ctx, from, handler)
}

// Resume replays the named consumer from its stored offset, committing the
// offset after every handled envelope. The returned sequence is the last
// committed one and is valid even when the replay stops early.
func (r *Replayer) Resume(ctx context.Context, consumer string, handler eventlog.Handler) (int64, error) {
	consumer = strings.TrimSpace(consumer)
	if consumer == "" {
		return 0, errs.Invalid(scope, "consumer name required")
	}
	if handler == nil {
		return 0, errs.Invalid(scope, "handler required")
	}

	offset, err := r.offsets.Get(ctx, consumer)
	if err != nil {
		return 0, err
	}

	last := offset
	replayed := 0
	_, pageErr := r.page(ctx, offset, func(ctx context.Context, seq int64, env *schema.Envelope) error {
		if err := handler(ctx, seq, env); err != nil {
			return err
		}
		if err := r.offsets.Set(ctx, consumer, seq); err != nil {
			return err
		}
		last = seq
		replayed++
		return nil
	})
	if pageErr != nil {
		r.logger.Warn("consumer replay interrupted",
			zap.String("consumer", consumer),
			zap.Int("replayed", replayed),
			zap.Int64("offset", last),
			zap.Error(pageErr))
		return last, pageErr
	}
	r.logger.Info("consumer resumed",
		zap.String("consumer", consumer),
		zap.Int("replayed", replayed),
		zap.Int64("offset", last))
	return last, nil
}

func (r *Replayer) page(ctx context.Context, from int64, fn eventlog.Handler) (int64, error) {
	after := from
	for {
		if err := ctx.Err(); err != nil {
			return after, err
		}
		records, err := r.source.ReadFrom(ctx, after, r.batch)
		if err != nil {
			return after, err
		}
		if len(records) == 0 {
			return after, nil
		}
		for _, rec := range records {
			if err := ctx.Err(); err != nil {
				return after, err
			}
			if err := fn(ctx, rec.Seq, rec.Envelope); err != nil {
				return after, err
			}
			after = rec.Seq
		}
	}
}
