// Package runs owns the run lifecycle: persisted rows move pending ->
// running -> {stopped, completed, error}, and every running run is
// supervised by a context holding its clock, engine, strategy runner, and
// venue binding. Cleanup of those resources holds on every exit path.
package runs

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/sourcegraph/conc"
	"go.uber.org/zap"

	"github.com/5TFG4/Weaver-sub002/internal/app/backtest"
	"github.com/5TFG4/Weaver-sub002/internal/app/clock"
	"github.com/5TFG4/Weaver-sub002/internal/app/exchange"
	"github.com/5TFG4/Weaver-sub002/internal/app/live"
	"github.com/5TFG4/Weaver-sub002/internal/app/orders"
	"github.com/5TFG4/Weaver-sub002/internal/app/strategy"
	"github.com/5TFG4/Weaver-sub002/internal/domain/barstore"
	"github.com/5TFG4/Weaver-sub002/internal/domain/orderstore"
	"github.com/5TFG4/Weaver-sub002/internal/domain/runstore"
	"github.com/5TFG4/Weaver-sub002/internal/domain/schema"
	"github.com/5TFG4/Weaver-sub002/internal/errs"
	"github.com/5TFG4/Weaver-sub002/internal/infra/eventlog"
)

const (
	scope      = "run_manager"
	producerID = "run-manager"
)

// DefaultStopGrace bounds how long Stop waits for a run loop to settle
// before cancelling its context outright.
const DefaultStopGrace = 5 * time.Second

// OrderService is the slice of the order manager run engines drive. It
// covers both engine contracts so one wiring serves every mode.
// *orders.Manager satisfies it.
type OrderService interface {
	Submit(ctx context.Context, intent schema.OrderIntent, opts ...orders.SubmitOption) (orderstore.Order, error)
	ApplyExecution(ctx context.Context, orderID string, exec orders.Execution) (orderstore.Order, error)
	ApplyStatus(ctx context.Context, orderID string, status schema.OrderStatus, reason string) (orderstore.Order, error)
	GetByClientID(ctx context.Context, runID, clientOrderID string) (orderstore.Order, error)
}

// AdapterFactory yields the venue adapter serving one run. Factories may
// pool: live runs can share a venue session while each backtest gets its own
// simulator. The manager binds the result to the run for its lifetime and
// never disconnects it; connection ownership stays with the factory.
type AdapterFactory func(run runstore.Run) (exchange.Adapter, error)

// Config wires a Manager to its collaborators.
type Config struct {
	Store      runstore.Store
	Bars       barstore.Store
	Log        eventlog.Log
	Orders     OrderService
	Registry   *exchange.Registry
	Strategies *strategy.Registry
	Adapters   AdapterFactory

	// Fill prices simulated executions for backtest runs.
	Fill backtest.Policy
	// InitialCapital seeds each backtest ledger.
	InitialCapital decimal.Decimal

	// CallbackTimeout bounds one tick's subscriber work; zero keeps the
	// clock default. StopGrace bounds Stop's wait for a run loop; zero
	// means DefaultStopGrace. PageLimit caps bars per live history page;
	// zero means the venue default.
	CallbackTimeout time.Duration
	StopGrace       time.Duration
	PageLimit       int

	Logger *zap.Logger
}

// Manager creates, starts, stops, and lists runs. It is the single writer of
// run status and the mode source the domain router consults.
type Manager struct {
	store      runstore.Store
	bars       barstore.Store
	log        eventlog.Log
	orders     OrderService
	registry   *exchange.Registry
	strategies *strategy.Registry
	adapters   AdapterFactory
	fill       backtest.Policy
	capital    decimal.Decimal
	tickBudget time.Duration
	stopGrace  time.Duration
	pageLimit  int
	logger     *zap.Logger

	lifecycleMu sync.RWMutex
	lifecycle   context.Context

	mu     sync.Mutex
	active map[string]*runContext

	wg conc.WaitGroup
}

// runContext is the supervised state of one running run.
type runContext struct {
	run    runstore.Run
	ctx    context.Context
	cancel context.CancelFunc

	runner *strategy.Runner
	errCh  chan error
	// stopEngine releases the run's engine and, for backtests, reports the
	// final statistics.
	stopEngine func(ctx context.Context) *schema.RunStats
	// bound marks the venue binding so teardown never deregisters a
	// binding this context did not create.
	bound bool

	mu       sync.Mutex
	clock    runClock
	stopping bool
	cause    error

	// done closes after the terminal status is persisted.
	done chan struct{}
}

// runClock is the slice of the clock shared by both implementations.
type runClock interface {
	Start(ctx context.Context, runID string, timeframe schema.Timeframe) error
	Stop()
}

func (rc *runContext) setClock(c runClock) {
	rc.mu.Lock()
	rc.clock = c
	rc.mu.Unlock()
}

func (rc *runContext) stopClock() {
	rc.mu.Lock()
	c := rc.clock
	rc.stopping = true
	rc.mu.Unlock()
	if c != nil {
		c.Stop()
	}
}

func (rc *runContext) stopRequested() bool {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	return rc.stopping
}

// fail records the first engine failure; later ones are noise from the same
// teardown.
func (rc *runContext) fail(err error) {
	rc.mu.Lock()
	if rc.cause == nil {
		rc.cause = err
	}
	rc.mu.Unlock()
}

func (rc *runContext) failure() error {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	return rc.cause
}

// NewManager builds a run manager.
func NewManager(cfg Config) (*Manager, error) {
	if cfg.Store == nil || cfg.Bars == nil || cfg.Log == nil || cfg.Orders == nil {
		return nil, errs.Invalid(scope, "run store, bar store, event log, and order service required")
	}
	if cfg.Registry == nil || cfg.Strategies == nil || cfg.Adapters == nil {
		return nil, errs.Invalid(scope, "exchange registry, strategy registry, and adapter factory required")
	}
	capital := cfg.InitialCapital
	if !capital.IsPositive() {
		capital = decimal.NewFromInt(100000)
	}
	grace := cfg.StopGrace
	if grace <= 0 {
		grace = DefaultStopGrace
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Manager{
		store:      cfg.Store,
		bars:       cfg.Bars,
		log:        cfg.Log,
		orders:     cfg.Orders,
		registry:   cfg.Registry,
		strategies: cfg.Strategies,
		adapters:   cfg.Adapters,
		fill:       cfg.Fill,
		capital:    capital,
		tickBudget: cfg.CallbackTimeout,
		stopGrace:  grace,
		pageLimit:  cfg.PageLimit,
		logger:     logger,
		lifecycle:  context.Background(),
		active:     make(map[string]*runContext),
	}, nil
}

// SetLifecycleContext parents every subsequent run loop to ctx. Cancelling
// it stops all active runs; call Shutdown afterwards to wait for them.
func (m *Manager) SetLifecycleContext(ctx context.Context) {
	if ctx == nil {
		return
	}
	m.lifecycleMu.Lock()
	m.lifecycle = ctx
	m.lifecycleMu.Unlock()
}

func (m *Manager) lifecycleContext() context.Context {
	m.lifecycleMu.RLock()
	defer m.lifecycleMu.RUnlock()
	return m.lifecycle
}

// Create validates and persists a new run with status pending. A blank id is
// assigned; status and timestamps are stamped here regardless of input.
func (m *Manager) Create(ctx context.Context, run runstore.Run) (runstore.Run, error) {
	run.ID = strings.TrimSpace(run.ID)
	if run.ID == "" {
		run.ID = uuid.NewString()
	}
	run.Status = schema.RunStatusPending
	run.ErrorMessage = ""
	run.CreatedAt = time.Now().UTC()
	run.StartedAt = nil
	run.StoppedAt = nil
	if err := run.Validate(); err != nil {
		return runstore.Run{}, err
	}
	if err := m.store.CreateRun(ctx, run); err != nil {
		if errors.Is(err, runstore.ErrDuplicate) {
			return runstore.Run{}, errs.Conflict(scope, "run already exists", errs.WithRun(run.ID))
		}
		return runstore.Run{}, errs.Internal(scope, err, errs.WithRun(run.ID), errs.WithMessage("persist run"))
	}
	m.emit(ctx, schema.EventRunCreated, run, "", nil)
	return run, nil
}

// Get retrieves one run.
func (m *Manager) Get(ctx context.Context, runID string) (runstore.Run, error) {
	return m.getRun(ctx, runID)
}

// List retrieves runs matching the query, newest first.
func (m *Manager) List(ctx context.Context, query runstore.Query) ([]runstore.Run, error) {
	runs, err := m.store.ListRuns(ctx, query)
	if err != nil {
		return nil, errs.Internal(scope, err, errs.WithMessage("list runs"))
	}
	return runs, nil
}

// Mode reports the mode of an active run. The domain router consults this on
// every strategy event, so it answers from memory without touching the
// store; runs that are not currently running are unknown on purpose.
func (m *Manager) Mode(runID string) (schema.RunMode, error) {
	m.mu.Lock()
	rc := m.active[runID]
	m.mu.Unlock()
	if rc == nil {
		return "", errs.NotFound(scope, "run not active", errs.WithRun(runID))
	}
	return rc.run.Mode, nil
}

// Active reports how many runs are currently supervised.
func (m *Manager) Active() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.active)
}

// Start transitions a pending run to running and launches its loop: venue
// binding, engine, strategy runner, and clock. The loop goroutine owns the
// run until it reaches a terminal status.
func (m *Manager) Start(ctx context.Context, runID string) (runstore.Run, error) {
	run, err := m.getRun(ctx, runID)
	if err != nil {
		return runstore.Run{}, err
	}
	if !runstore.CanTransition(run.Status, schema.RunStatusRunning) {
		if run.Status == schema.RunStatusRunning {
			return runstore.Run{}, errs.Conflict(scope, "run already running", errs.WithRun(run.ID))
		}
		return runstore.Run{}, errs.Conflict(scope, "run already finished", errs.WithRun(run.ID),
			errs.WithDetail("status", string(run.Status)))
	}

	runCtx, cancel := context.WithCancel(m.lifecycleContext())
	rc := &runContext{
		run:    run,
		ctx:    runCtx,
		cancel: cancel,
		errCh:  make(chan error, 8),
		done:   make(chan struct{}),
	}

	m.mu.Lock()
	if _, exists := m.active[run.ID]; exists {
		m.mu.Unlock()
		cancel()
		return runstore.Run{}, errs.Conflict(scope, "run already running", errs.WithRun(run.ID))
	}
	m.active[run.ID] = rc
	m.mu.Unlock()

	if err := m.assemble(ctx, rc); err != nil {
		m.releaseResources(rc)
		m.drop(run.ID)
		close(rc.done)
		return runstore.Run{}, err
	}

	run = m.transition(ctx, rc.run, schema.RunStatusRunning, "", nil)
	rc.run = run
	m.wg.Go(func() { m.supervise(rc) })

	m.logger.Info("run started",
		zap.String("run_id", run.ID),
		zap.String("mode", string(run.Mode)),
		zap.String("strategy_id", run.StrategyID))
	return run, nil
}

// assemble builds the run's resources into rc. On error the caller releases
// whatever was already set; partially built engines clean up after
// themselves.
func (m *Manager) assemble(ctx context.Context, rc *runContext) error {
	run := rc.run

	adapter, err := m.adapters(run)
	if err != nil {
		return errs.Internal(scope, err, errs.WithRun(run.ID), errs.WithMessage("build venue adapter"))
	}
	if err := m.registry.Register(run.ID, adapter); err != nil {
		return err
	}
	rc.bound = true

	strat, err := m.strategies.New(run.StrategyID, params(run))
	if err != nil {
		return err
	}

	switch run.Mode {
	case schema.RunModeBacktest:
		eng, err := backtest.NewEngine(backtest.Config{
			RunID:          run.ID,
			Symbols:        run.Symbols,
			Timeframe:      run.Timeframe,
			Start:          *run.StartTime,
			End:            *run.EndTime,
			Bars:           m.bars,
			Log:            m.log,
			Orders:         m.orders,
			Policy:         m.fill,
			InitialCapital: m.capital,
			Logger:         m.logger,
		})
		if err != nil {
			return err
		}
		if err := eng.Initialize(ctx); err != nil {
			return err
		}
		rc.stopEngine = func(ctx context.Context) *schema.RunStats {
			stats := eng.Finish(ctx)
			return &stats
		}
		rc.setClock(clock.NewBacktestClock(m.log, *run.StartTime, *run.EndTime,
			clock.WithCallbackTimeout(m.tickBudget), clock.WithLogger(m.logger)))
	case schema.RunModePaper, schema.RunModeLive:
		eng, err := live.NewEngine(live.Config{
			RunID:     run.ID,
			Timeframe: run.Timeframe,
			Adapter:   adapter,
			Log:       m.log,
			Orders:    m.orders,
			PageLimit: m.pageLimit,
			Errors:    rc.errCh,
			Logger:    m.logger,
		})
		if err != nil {
			return err
		}
		if err := eng.Initialize(ctx); err != nil {
			return err
		}
		rc.stopEngine = func(context.Context) *schema.RunStats {
			eng.Close()
			return nil
		}
		rc.setClock(clock.NewRealtimeClock(m.log,
			clock.WithCallbackTimeout(m.tickBudget), clock.WithLogger(m.logger)))
	default:
		return errs.Invalid(scope, "unknown run mode", errs.WithRun(run.ID),
			errs.WithDetail("mode", string(run.Mode)))
	}

	runner, err := strategy.NewRunner(run.ID, strat, m.log, strategy.WithLogger(m.logger))
	if err != nil {
		return err
	}
	if err := runner.Initialize(); err != nil {
		return err
	}
	rc.runner = runner
	return nil
}

// supervise drives one run loop to its terminal status. The clock blocks
// until the schedule is exhausted, Stop is requested, or the context dies; a
// side watcher turns the first engine failure into a context cancel.
func (m *Manager) supervise(rc *runContext) {
	defer close(rc.done)

	watchDone := make(chan struct{})
	go func() {
		defer close(watchDone)
		select {
		case <-rc.ctx.Done():
		case err := <-rc.errCh:
			if err != nil {
				rc.fail(err)
				rc.cancel()
			}
		}
	}()

	var loopErr error
	if !rc.stopRequested() {
		rc.mu.Lock()
		c := rc.clock
		rc.mu.Unlock()
		loopErr = c.Start(rc.ctx, rc.run.ID, rc.run.Timeframe)
	}

	m.finalize(rc, loopErr)
	<-watchDone
}

// finalize releases the run's resources, decides the terminal status, and
// persists it. Cleanup uses a fresh context: the run context may already be
// cancelled and the books still have to settle.
func (m *Manager) finalize(rc *runContext, loopErr error) {
	ctx := context.Background()
	stats := m.releaseResources(rc)

	var (
		status = schema.RunStatusStopped
		errMsg string
	)
	cause := rc.failure()
	switch {
	case cause != nil:
		status = schema.RunStatusError
		errMsg = cause.Error()
	case loopErr != nil && !errors.Is(loopErr, context.Canceled) && !errors.Is(loopErr, context.DeadlineExceeded):
		status = schema.RunStatusError
		errMsg = loopErr.Error()
	case rc.run.Mode == schema.RunModeBacktest && loopErr == nil && !rc.stopRequested():
		status = schema.RunStatusCompleted
	}

	m.transition(ctx, rc.run, status, errMsg, stats)
	m.drop(rc.run.ID)

	m.logger.Info("run settled",
		zap.String("run_id", rc.run.ID),
		zap.String("status", string(status)))
}

// releaseResources tears down whatever rc holds. Safe on partially
// assembled contexts; returns backtest statistics when an engine ran.
func (m *Manager) releaseResources(rc *runContext) *schema.RunStats {
	var stats *schema.RunStats
	if rc.stopEngine != nil {
		stats = rc.stopEngine(context.Background())
	}
	if rc.runner != nil {
		rc.runner.Cleanup()
	}
	if rc.bound {
		m.registry.Deregister(rc.run.ID)
	}
	rc.cancel()
	return stats
}

// Stop requests a graceful stop and waits for the run to settle. Stopping a
// run that already reached a terminal status returns it unchanged; exceeding
// the grace period forces the run context down and keeps waiting.
func (m *Manager) Stop(ctx context.Context, runID string) (runstore.Run, error) {
	run, err := m.getRun(ctx, runID)
	if err != nil {
		return runstore.Run{}, err
	}

	m.mu.Lock()
	rc := m.active[run.ID]
	m.mu.Unlock()

	if rc == nil {
		switch {
		case run.Status.Terminal():
			return run, nil
		case run.Status == schema.RunStatusRunning:
			// Orphaned row from an unclean shutdown; settle it in place.
			return m.transition(ctx, run, schema.RunStatusStopped, "", nil), nil
		default:
			return runstore.Run{}, errs.Conflict(scope, "run not started", errs.WithRun(run.ID),
				errs.WithDetail("status", string(run.Status)))
		}
	}

	rc.stopClock()

	select {
	case <-rc.done:
	case <-ctx.Done():
		return runstore.Run{}, errs.Transient(scope, ctx.Err(), errs.WithRun(run.ID),
			errs.WithMessage("run stop interrupted"))
	case <-time.After(m.stopGrace):
		m.logger.Warn("stop grace exceeded, cancelling run context",
			zap.String("run_id", run.ID),
			zap.Duration("grace", m.stopGrace))
		rc.cancel()
		select {
		case <-rc.done:
		case <-ctx.Done():
			return runstore.Run{}, errs.Transient(scope, ctx.Err(), errs.WithRun(run.ID),
				errs.WithMessage("run stop interrupted"))
		}
	}

	return m.getRun(ctx, run.ID)
}

// Shutdown stops every active run and waits for the loops to exit. A
// backtest that finishes its span during shutdown still lands on completed.
func (m *Manager) Shutdown(ctx context.Context) {
	m.mu.Lock()
	ids := make([]string, 0, len(m.active))
	for id := range m.active {
		ids = append(ids, id)
	}
	m.mu.Unlock()

	var wg conc.WaitGroup
	for _, id := range ids {
		id := id
		wg.Go(func() {
			if _, err := m.Stop(ctx, id); err != nil && errs.CodeOf(err) != errs.CodeConflict {
				m.logger.Warn("run stop during shutdown failed",
					zap.String("run_id", id), zap.Error(err))
			}
		})
	}
	wg.Wait()
	m.wg.Wait()
}

func (m *Manager) drop(runID string) {
	m.mu.Lock()
	delete(m.active, runID)
	m.mu.Unlock()
}

func (m *Manager) getRun(ctx context.Context, runID string) (runstore.Run, error) {
	runID = strings.TrimSpace(runID)
	if runID == "" {
		return runstore.Run{}, errs.Invalid(scope, "run id required")
	}
	run, err := m.store.GetRun(ctx, runID)
	if err != nil {
		if errors.Is(err, runstore.ErrNotFound) {
			return runstore.Run{}, errs.NotFound(scope, "run not found", errs.WithRun(runID))
		}
		return runstore.Run{}, errs.Internal(scope, err, errs.WithRun(runID), errs.WithMessage("load run"))
	}
	return run, nil
}

// transition persists a status change, stamps the matching timestamp, and
// emits the lifecycle event. Persistence failures are logged rather than
// returned; the event stream stays authoritative for consumers.
func (m *Manager) transition(ctx context.Context, run runstore.Run, status schema.RunStatus, errMsg string, stats *schema.RunStats) runstore.Run {
	now := time.Now().UTC()
	update := runstore.Update{ID: run.ID, Status: status, ErrorMessage: errMsg}
	switch status {
	case schema.RunStatusRunning:
		update.StartedAt = &now
		run.StartedAt = &now
	case schema.RunStatusStopped, schema.RunStatusCompleted, schema.RunStatusError:
		update.StoppedAt = &now
		run.StoppedAt = &now
	}
	run.Status = status
	if errMsg != "" {
		run.ErrorMessage = errMsg
	}
	if err := m.store.UpdateRun(ctx, update); err != nil {
		m.logger.Error("run status persist failed",
			zap.String("run_id", run.ID),
			zap.String("status", string(status)),
			zap.Error(err))
	}
	m.emit(ctx, eventForStatus(status), run, errMsg, stats)
	return run
}

func (m *Manager) emit(ctx context.Context, eventType schema.EventType, run runstore.Run, errMsg string, stats *schema.RunStats) {
	env := schema.NewEnvelope(eventType, &schema.RunEventPayload{
		RunID:      run.ID,
		Mode:       run.Mode,
		StrategyID: run.StrategyID,
		Symbols:    run.Symbols,
		Timeframe:  run.Timeframe,
		Status:     run.Status,
		Error:      errMsg,
		Stats:      stats,
	}, schema.WithRun(run.ID), schema.WithProducer(producerID))
	if _, err := m.log.Append(ctx, env); err != nil {
		m.logger.Warn("run event append failed",
			zap.String("run_id", run.ID),
			zap.String("event", string(eventType)),
			zap.Error(err))
	}
}

func eventForStatus(status schema.RunStatus) schema.EventType {
	switch status {
	case schema.RunStatusRunning:
		return schema.EventRunStarted
	case schema.RunStatusCompleted:
		return schema.EventRunCompleted
	case schema.RunStatusError:
		return schema.EventRunError
	default:
		return schema.EventRunStopped
	}
}

// params derives the strategy parameter map from the run row. Run rows are
// self-contained: the first symbol is the one the strategy trades, and
// everything else falls back to the strategy's defaults.
func params(run runstore.Run) strategy.Params {
	p := strategy.Params{}
	if len(run.Symbols) > 0 {
		p["symbol"] = run.Symbols[0]
	}
	return p
}
