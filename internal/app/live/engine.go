// Package live executes routed strategy commands against a real venue for
// one run: window requests become paged adapter history fetches, order
// commands go through the order manager, and the venue's trade-update stream
// feeds fills and terminal statuses back into the order state machine.
package live

import (
	"context"
	"sync"
	"time"

	"github.com/failsafe-go/failsafe-go"
	"github.com/failsafe-go/failsafe-go/retrypolicy"
	"github.com/sourcegraph/conc"
	"go.uber.org/zap"

	"github.com/5TFG4/Weaver-sub002/internal/app/exchange"
	"github.com/5TFG4/Weaver-sub002/internal/app/orders"
	"github.com/5TFG4/Weaver-sub002/internal/domain/orderstore"
	"github.com/5TFG4/Weaver-sub002/internal/domain/schema"
	"github.com/5TFG4/Weaver-sub002/internal/errs"
	"github.com/5TFG4/Weaver-sub002/internal/infra/eventlog"
)

const (
	scope      = "live_engine"
	producerID = "live-engine"
)

// History fetch retry tuning. Transient venue errors only; durable failures
// surface on the run error channel.
const (
	fetchMaxRetries  = 2
	fetchBackoffMin  = 250 * time.Millisecond
	fetchBackoffMax  = 5 * time.Second
	defaultPageLimit = 1000
)

// OrderService is the slice of the order manager the engine drives.
// *orders.Manager satisfies it.
type OrderService interface {
	Submit(ctx context.Context, intent schema.OrderIntent, opts ...orders.SubmitOption) (orderstore.Order, error)
	ApplyExecution(ctx context.Context, orderID string, exec orders.Execution) (orderstore.Order, error)
	ApplyStatus(ctx context.Context, orderID string, status schema.OrderStatus, reason string) (orderstore.Order, error)
	GetByClientID(ctx context.Context, runID, clientOrderID string) (orderstore.Order, error)
}

// Config wires one engine to its run. Paper and live runs share this engine;
// the mode difference lives entirely in the adapter behind it.
type Config struct {
	RunID     string
	Timeframe schema.Timeframe
	Adapter   exchange.Adapter
	Log       eventlog.Log
	Orders    OrderService

	// PageLimit caps bars per history page; zero means the venue default.
	PageLimit int
	// Errors receives failures the engine cannot resolve itself. Sends never
	// block; an unread error is logged and dropped.
	Errors chan<- error
	Logger *zap.Logger
}

// Engine is the per-run live executor. It consumes the run's routed commands
// from the event log, answers windows from venue history, and keeps order
// state converged with the venue's trade-update stream.
type Engine struct {
	runID     string
	timeframe schema.Timeframe
	adapter   exchange.Adapter
	log       eventlog.Log
	orders    OrderService
	pageLimit int
	errors    chan<- error
	logger    *zap.Logger
	retry     failsafe.Executor[exchange.BarsPage]

	mu           sync.Mutex
	subs         []eventlog.SubscriptionID
	streamCancel context.CancelFunc
	initialized  bool
	closed       bool

	wg conc.WaitGroup
}

// NewEngine builds an engine for one live or paper run.
func NewEngine(cfg Config) (*Engine, error) {
	if cfg.RunID == "" {
		return nil, errs.Invalid(scope, "run id required")
	}
	if !cfg.Timeframe.Valid() {
		return nil, errs.Invalid(scope, "unknown timeframe", errs.WithRun(cfg.RunID))
	}
	if cfg.Adapter == nil || cfg.Log == nil || cfg.Orders == nil {
		return nil, errs.Invalid(scope, "adapter, event log, and order service required", errs.WithRun(cfg.RunID))
	}
	pageLimit := cfg.PageLimit
	if pageLimit <= 0 {
		pageLimit = defaultPageLimit
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	policy := retrypolicy.NewBuilder[exchange.BarsPage]().
		HandleIf(func(_ exchange.BarsPage, err error) bool { return errs.IsTransient(err) }).
		WithBackoff(fetchBackoffMin, fetchBackoffMax).
		WithMaxRetries(fetchMaxRetries).
		Build()

	return &Engine{
		runID:     cfg.RunID,
		timeframe: cfg.Timeframe,
		adapter:   cfg.Adapter,
		log:       cfg.Log,
		orders:    cfg.Orders,
		pageLimit: pageLimit,
		errors:    cfg.Errors,
		logger:    logger,
		retry:     failsafe.With[exchange.BarsPage](policy),
	}, nil
}

// Initialize connects the adapter, opens the trade-update stream, and
// subscribes to the run's routed commands. A failed Initialize leaves the
// engine clean so the caller may retry.
func (e *Engine) Initialize(ctx context.Context) error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return errs.Conflict(scope, "engine is closed", errs.WithRun(e.runID))
	}
	if e.initialized {
		e.mu.Unlock()
		return errs.Conflict(scope, "engine already initialized", errs.WithRun(e.runID))
	}
	e.initialized = true
	e.mu.Unlock()

	if !e.adapter.IsConnected() {
		if err := e.adapter.Connect(ctx); err != nil {
			e.reset()
			return errs.Transient(scope, err, errs.WithRun(e.runID),
				errs.WithMessage("connect venue "+e.adapter.Name()))
		}
	}

	// The stream outlives the triggering context; Close owns its cancel.
	streamCtx, cancel := context.WithCancel(context.Background())
	updates, streamErrs, err := e.adapter.StreamTrades(streamCtx)
	if err != nil {
		cancel()
		e.reset()
		return errs.Transient(scope, err, errs.WithRun(e.runID),
			errs.WithMessage("open trade stream"))
	}

	e.mu.Lock()
	e.streamCancel = cancel
	e.subs = append(e.subs,
		e.log.Subscribe([]schema.EventType{schema.EventLiveFetchWindow}, e.onFetchWindow,
			eventlog.WithRunFilter(e.runID), eventlog.WithSubscriberName(producerID)),
		e.log.Subscribe([]schema.EventType{schema.EventLivePlaceOrder}, e.onPlaceOrder,
			eventlog.WithRunFilter(e.runID), eventlog.WithSubscriberName(producerID)),
	)
	e.mu.Unlock()

	e.wg.Go(func() { e.consumeTrades(streamCtx, updates, streamErrs) })
	return nil
}

func (e *Engine) reset() {
	e.mu.Lock()
	e.initialized = false
	e.mu.Unlock()
}

// Close detaches from the event log, stops the stream consumer, and waits
// for it. Safe to call more than once.
func (e *Engine) Close() {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return
	}
	e.closed = true
	subs := e.subs
	e.subs = nil
	cancel := e.streamCancel
	e.streamCancel = nil
	e.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	for _, id := range subs {
		e.log.Unsubscribe(id)
	}
	e.wg.Wait()
}

// onFetchWindow assembles a bar window from venue history, emitting one
// data.WindowChunk per fetched page and a final data.WindowReady carrying
// the lookback most recent bars, all on the request's correlation id.
func (e *Engine) onFetchWindow(ctx context.Context, _ int64, env *schema.Envelope) error {
	req, ok := env.Payload.(*schema.FetchWindowPayload)
	if !ok {
		return errs.Invalid(scope, "payload is not a window request", errs.WithRun(e.runID))
	}
	if req.Symbol == "" || req.Lookback <= 0 {
		return errs.Invalid(scope, "window request needs a symbol and a positive lookback",
			errs.WithRun(e.runID))
	}

	start := req.EndTS.Add(-time.Duration(req.Lookback) * e.timeframe.Duration())
	bars := make([]schema.Bar, 0, req.Lookback)
	token := ""
	for page := 0; ; page++ {
		result, err := e.getBars(ctx, exchange.BarsRequest{
			Symbol:    req.Symbol,
			Timeframe: e.timeframe,
			Start:     start,
			End:       req.EndTS,
			Limit:     e.pageLimit,
			PageToken: token,
		})
		if err != nil {
			werr := errs.Internal(scope, err, errs.WithRun(e.runID),
				errs.WithMessage("fetch bars for "+req.Symbol))
			e.report(werr)
			return werr
		}
		bars = append(bars, result.Bars...)

		chunk := env.Caused(schema.EventDataWindowChunk, &schema.WindowChunkPayload{
			Symbol:    req.Symbol,
			Timeframe: e.timeframe,
			Page:      page,
			Bars:      result.Bars,
		}, schema.WithProducer(producerID))
		if _, err := e.log.Append(ctx, chunk); err != nil {
			return errs.Internal(scope, err, errs.WithRun(e.runID), errs.WithMessage("emit window chunk"))
		}

		if result.NextPageToken == "" {
			break
		}
		token = result.NextPageToken
	}

	if len(bars) > req.Lookback {
		bars = bars[len(bars)-req.Lookback:]
	}
	ready := env.Caused(schema.EventDataWindowReady, &schema.WindowReadyPayload{
		Symbol:    req.Symbol,
		Timeframe: e.timeframe,
		EndTS:     req.EndTS,
		Bars:      bars,
	}, schema.WithProducer(producerID))
	if _, err := e.log.Append(ctx, ready); err != nil {
		return errs.Internal(scope, err, errs.WithRun(e.runID), errs.WithMessage("emit window"))
	}
	return nil
}

// getBars is one history page with transient retry.
func (e *Engine) getBars(ctx context.Context, req exchange.BarsRequest) (exchange.BarsPage, error) {
	return e.retry.GetWithExecution(func(failsafe.Execution[exchange.BarsPage]) (exchange.BarsPage, error) {
		return e.adapter.GetBars(ctx, req)
	})
}

// onPlaceOrder submits the routed intent. Durable venue rejections come back
// as rejected orders with a nil error; a non-nil error means the venue leg
// itself failed and is surfaced on the run error channel.
func (e *Engine) onPlaceOrder(ctx context.Context, _ int64, env *schema.Envelope) error {
	req, ok := env.Payload.(*schema.PlaceOrderPayload)
	if !ok {
		return errs.Invalid(scope, "payload is not an order command", errs.WithRun(e.runID))
	}
	if _, err := e.orders.Submit(ctx, req.Intent, orders.CausedBy(env)); err != nil {
		e.report(err)
		return err
	}
	return nil
}

// consumeTrades feeds venue execution reports into the order state machine
// until the stream closes or the engine shuts down. Reconnecting is the
// adapter's job; errors it cannot hide are reported to the run.
func (e *Engine) consumeTrades(ctx context.Context, updates <-chan exchange.OrderUpdate, streamErrs <-chan error) {
	for {
		select {
		case <-ctx.Done():
			return
		case err, ok := <-streamErrs:
			if !ok {
				streamErrs = nil
				continue
			}
			if err != nil {
				e.report(errs.Transient(scope, err, errs.WithRun(e.runID),
					errs.WithMessage("trade stream")))
			}
		case upd, ok := <-updates:
			if !ok {
				if ctx.Err() == nil {
					e.report(errs.New(scope, errs.CodeTransient,
						errs.WithMessage("venue closed trade stream"), errs.WithRun(e.runID)))
				}
				return
			}
			if err := e.applyUpdate(ctx, upd); err != nil {
				e.logger.Warn("trade update not applied",
					zap.String("run_id", e.runID),
					zap.String("client_order_id", upd.ClientOrderID),
					zap.String("event", upd.Event),
					zap.Error(err))
			}
		}
	}
}

// applyUpdate maps one venue execution report onto the order it belongs to.
// Reports keyed to orders of other runs resolve to not found and are skipped;
// one venue account may serve several runs.
func (e *Engine) applyUpdate(ctx context.Context, upd exchange.OrderUpdate) error {
	order, err := e.orders.GetByClientID(ctx, e.runID, upd.ClientOrderID)
	if err != nil {
		if errs.CodeOf(err) == errs.CodeNotFound {
			e.logger.Debug("trade update for unknown order",
				zap.String("run_id", e.runID),
				zap.String("client_order_id", upd.ClientOrderID))
			return nil
		}
		return err
	}

	switch upd.Event {
	case exchange.UpdateFill, exchange.UpdatePartialFill:
		if upd.FillQuantity == nil || upd.FillPrice == nil {
			return errs.Invalid(scope, "fill update without quantity or price",
				errs.WithRun(e.runID), errs.WithOrder(order.ID))
		}
		ts := upd.TS
		if ts.IsZero() {
			ts = time.Now().UTC()
		}
		_, err := e.orders.ApplyExecution(ctx, order.ID, orders.Execution{
			Quantity: *upd.FillQuantity,
			Price:    *upd.FillPrice,
			TS:       ts,
		})
		return err
	case exchange.UpdateCancelled:
		_, err := e.orders.ApplyStatus(ctx, order.ID, schema.OrderStatusCancelled, upd.Reason)
		return err
	case exchange.UpdateRejected:
		_, err := e.orders.ApplyStatus(ctx, order.ID, schema.OrderStatusRejected, upd.Reason)
		return err
	case exchange.UpdateExpired:
		_, err := e.orders.ApplyStatus(ctx, order.ID, schema.OrderStatusExpired, upd.Reason)
		return err
	default:
		// Acceptance arrives through the submit ack; nothing else to track.
		return nil
	}
}

// report surfaces an error on the run error channel without blocking.
func (e *Engine) report(err error) {
	if err == nil {
		return
	}
	if e.errors == nil {
		e.logger.Error("run error", zap.String("run_id", e.runID), zap.Error(err))
		return
	}
	select {
	case e.errors <- err:
	default:
		e.logger.Error("run error dropped, channel full",
			zap.String("run_id", e.runID), zap.Error(err))
	}
}
