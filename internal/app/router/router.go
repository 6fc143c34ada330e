// Package router is the single point where run mode decides dispatch.
// Strategies emit mode-agnostic strategy.* events; the router rewrites them
// onto the live.* or backtest.* command streams, so strategies and engines
// never learn each other's mode.
package router

import (
	"context"
	"sync"

	"go.uber.org/zap"

	"github.com/5TFG4/Weaver-sub002/internal/domain/schema"
	"github.com/5TFG4/Weaver-sub002/internal/errs"
	"github.com/5TFG4/Weaver-sub002/internal/infra/eventlog"
)

const (
	scope      = "domain_router"
	producerID = "domain-router"
)

// ModeSource resolves the mode of an active run. The run manager satisfies
// it; unknown runs must return a not_found error.
type ModeSource interface {
	Mode(runID string) (schema.RunMode, error)
}

// Router is the process-wide strategy event rewriter. Stateless apart from
// its subscriptions: every event is translated purely from its type and the
// run's current mode.
type Router struct {
	log    eventlog.Log
	modes  ModeSource
	logger *zap.Logger

	mu   sync.Mutex
	subs []eventlog.SubscriptionID
}

// Option customizes a router.
type Option func(*Router)

// WithLogger sets the router's logger.
func WithLogger(logger *zap.Logger) Option {
	return func(r *Router) {
		if logger != nil {
			r.logger = logger
		}
	}
}

// New builds the router. Call Initialize to attach it to the log.
func New(log eventlog.Log, modes ModeSource, opts ...Option) (*Router, error) {
	if log == nil || modes == nil {
		return nil, errs.Invalid(scope, "event log and mode source required")
	}
	r := &Router{log: log, modes: modes, logger: zap.NewNop()}
	for _, opt := range opts {
		opt(r)
	}
	return r, nil
}

// Initialize subscribes to the strategy command types across all runs.
func (r *Router) Initialize() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.subs) > 0 {
		return errs.Conflict(scope, "router already initialized")
	}
	r.subs = append(r.subs,
		r.log.Subscribe([]schema.EventType{
			schema.EventStrategyFetchWindow,
			schema.EventStrategyPlaceRequest,
		}, r.route, eventlog.WithSubscriberName(producerID)),
	)
	return nil
}

// Close detaches the router from the log. Idempotent.
func (r *Router) Close() {
	r.mu.Lock()
	subs := r.subs
	r.subs = nil
	r.mu.Unlock()
	for _, id := range subs {
		r.log.Unsubscribe(id)
	}
}

// route rewrites one strategy event onto the run's engine domain. Events for
// runs the mode source does not know are dropped with a warning: the run may
// have just stopped, and a stale command must not reach any engine.
func (r *Router) route(ctx context.Context, _ int64, env *schema.Envelope) error {
	mode, err := r.modes.Mode(env.RunID)
	if err != nil {
		r.logger.Warn("dropping strategy event for unknown run",
			zap.String("run_id", env.RunID),
			zap.String("type", string(env.Type)),
			zap.Error(err))
		return nil
	}

	target, payload, err := r.translate(env, mode)
	if err != nil {
		return err
	}
	out := env.Caused(target, payload, schema.WithProducer(producerID))
	if _, err := r.log.Append(ctx, out); err != nil {
		return errs.Internal(scope, err, errs.WithRun(env.RunID), errs.WithMessage("emit routed command"))
	}
	return nil
}

// translate picks the target type for the run's mode and copies the payload
// so the routed envelope never aliases the source's.
func (r *Router) translate(env *schema.Envelope, mode schema.RunMode) (schema.EventType, any, error) {
	backtest := mode == schema.RunModeBacktest
	switch env.Type {
	case schema.EventStrategyFetchWindow:
		req, ok := env.Payload.(*schema.FetchWindowPayload)
		if !ok {
			return "", nil, errs.Invalid(scope, "payload is not a window request", errs.WithRun(env.RunID))
		}
		payload := *req
		if backtest {
			return schema.EventBacktestFetchWindow, &payload, nil
		}
		return schema.EventLiveFetchWindow, &payload, nil
	case schema.EventStrategyPlaceRequest:
		req, ok := env.Payload.(*schema.PlaceOrderPayload)
		if !ok {
			return "", nil, errs.Invalid(scope, "payload is not an order request", errs.WithRun(env.RunID))
		}
		payload := *req
		if backtest {
			return schema.EventBacktestPlaceOrder, &payload, nil
		}
		return schema.EventLivePlaceOrder, &payload, nil
	default:
		return "", nil, errs.Invalid(scope, "unroutable event type", errs.WithRun(env.RunID),
			errs.WithDetail("type", string(env.Type)))
	}
}
