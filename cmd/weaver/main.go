// Command weaver launches the trading control plane daemon: event log,
// run manager, order manager, domain router, SSE feed, and REST surface.
package main

import (
	"context"
	"flag"
	"fmt"
	stdlog "log"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/shopspring/decimal"
	"github.com/sourcegraph/conc"
	"go.uber.org/zap"

	"github.com/5TFG4/Weaver-sub002/internal/app/backtest"
	"github.com/5TFG4/Weaver-sub002/internal/app/broadcast"
	"github.com/5TFG4/Weaver-sub002/internal/app/consumer"
	"github.com/5TFG4/Weaver-sub002/internal/app/exchange"
	"github.com/5TFG4/Weaver-sub002/internal/app/orders"
	"github.com/5TFG4/Weaver-sub002/internal/app/plugin"
	"github.com/5TFG4/Weaver-sub002/internal/app/router"
	"github.com/5TFG4/Weaver-sub002/internal/app/runs"
	"github.com/5TFG4/Weaver-sub002/internal/app/strategy"
	"github.com/5TFG4/Weaver-sub002/internal/domain/barstore"
	"github.com/5TFG4/Weaver-sub002/internal/domain/offsetstore"
	"github.com/5TFG4/Weaver-sub002/internal/domain/orderstore"
	"github.com/5TFG4/Weaver-sub002/internal/domain/runstore"
	"github.com/5TFG4/Weaver-sub002/internal/domain/schema"
	"github.com/5TFG4/Weaver-sub002/internal/errs"
	"github.com/5TFG4/Weaver-sub002/internal/infra/adapters/alpaca"
	"github.com/5TFG4/Weaver-sub002/internal/infra/adapters/sim"
	"github.com/5TFG4/Weaver-sub002/internal/infra/config"
	"github.com/5TFG4/Weaver-sub002/internal/infra/eventlog"
	"github.com/5TFG4/Weaver-sub002/internal/infra/persistence/memory"
	"github.com/5TFG4/Weaver-sub002/internal/infra/persistence/migrations"
	"github.com/5TFG4/Weaver-sub002/internal/infra/persistence/postgres"
	httpserver "github.com/5TFG4/Weaver-sub002/internal/infra/server/http"
	"github.com/5TFG4/Weaver-sub002/internal/infra/telemetry"
	"github.com/5TFG4/Weaver-sub002/internal/logging"
)

const (
	defaultConfigPath = "config/weaver.yaml"

	shutdownTimeout          = 30 * time.Second
	serverShutdownTimeout    = 5 * time.Second
	runShutdownTimeout       = 15 * time.Second
	telemetryShutdownTimeout = 5 * time.Second
	readHeaderTimeout        = 5 * time.Second

	// Venue offload pool sizing. Blocking SDK calls run here so they never
	// stall event dispatch.
	offloadWorkers  = 8
	offloadCapacity = 64
)

// stores is the repository set behind the daemon, regardless of backend.
type stores struct {
	runs    runstore.Store
	orders  orderstore.Store
	bars    barstore.Store
	offsets offsetstore.Store
}

func main() {
	cfgPath := parseFlags()
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	cfg, err := config.Resolve(cfgPath, nil)
	if err != nil {
		stdlog.Fatalf("resolve configuration: %v", err)
	}

	_, telemetryShutdown, err := telemetry.Init(ctx, cfg.Telemetry)
	if err != nil {
		stdlog.Fatalf("initialize telemetry: %v", err)
	}

	logger, err := logging.New(logging.Options{Level: cfg.Logging.Level, Format: cfg.Logging.Format})
	if err != nil {
		stdlog.Fatalf("build logger: %v", err)
	}
	defer func() { _ = logger.Sync() }()

	logger.Info("configuration resolved",
		zap.String("event_log_backend", cfg.EventLog.Backend),
		zap.Int("server_port", cfg.Server.Port))

	journal, repos, pinger, closeStores, err := buildPersistence(ctx, cfg, logger)
	if err != nil {
		logger.Fatal("initialize persistence", zap.Error(err))
	}
	defer closeStores()
	defer journal.Close()

	registry := exchange.NewRegistry()
	orderMgr := orders.NewManager(repos.orders, journal, registry,
		orders.WithLogger(logger),
		orders.WithDefaultTimeInForce(schema.TimeInForce(cfg.Trading.DefaultTimeInForce)))

	fillPolicy, err := backtest.PolicyFromConfig(cfg.Backtest.Fill)
	if err != nil {
		logger.Fatal("build fill policy", zap.Error(err))
	}
	capital, err := decimal.NewFromString(cfg.Backtest.InitialCapital)
	if err != nil {
		logger.Fatal("parse initial capital", zap.Error(err))
	}

	strategies, err := buildStrategies(ctx, cfg, logger)
	if err != nil {
		logger.Fatal("initialize strategies", zap.Error(err))
	}

	adapterLoader, err := buildAdapterLoader(ctx, cfg, repos.bars, logger)
	if err != nil {
		logger.Fatal("initialize adapter plugins", zap.Error(err))
	}

	runMgr, err := runs.NewManager(runs.Config{
		Store:           repos.runs,
		Bars:            repos.bars,
		Log:             journal,
		Orders:          orderMgr,
		Registry:        registry,
		Strategies:      strategies,
		Adapters:        adapterFactory(cfg, repos.bars, adapterLoader, logger),
		Fill:            fillPolicy,
		InitialCapital:  capital,
		CallbackTimeout: cfg.Run.CallbackTimeout(),
		StopGrace:       cfg.Run.StopGrace(),
		Logger:          logger,
	})
	if err != nil {
		logger.Fatal("build run manager", zap.Error(err))
	}
	runMgr.SetLifecycleContext(ctx)

	domainRouter, err := router.New(journal, runMgr, router.WithLogger(logger))
	if err != nil {
		logger.Fatal("build domain router", zap.Error(err))
	}
	if err := domainRouter.Initialize(); err != nil {
		logger.Fatal("attach domain router", zap.Error(err))
	}
	defer domainRouter.Close()

	replayer, err := consumer.NewReplayer(journal, repos.offsets,
		consumer.WithBatchSize(cfg.EventLog.ReplayBatchSize),
		consumer.WithLogger(logger))
	if err != nil {
		logger.Fatal("build replayer", zap.Error(err))
	}
	broadcaster, err := broadcast.New(journal, replayer,
		broadcast.WithBuffer(cfg.SSE.Buffer),
		broadcast.WithLogger(logger))
	if err != nil {
		logger.Fatal("build broadcaster", zap.Error(err))
	}
	if err := broadcaster.Initialize(); err != nil {
		logger.Fatal("attach broadcaster", zap.Error(err))
	}

	handler := httpserver.NewHandler(logger, runMgr, orderMgr, broadcaster, journal, registry, pinger)
	server := &http.Server{
		Addr:              cfg.Server.Addr(),
		Handler:           handler,
		ReadHeaderTimeout: readHeaderTimeout,
	}

	var lifecycle conc.WaitGroup
	lifecycle.Go(func() {
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("api server", zap.Error(err))
		}
	})
	logger.Info("weaver started", zap.String("addr", server.Addr))

	<-ctx.Done()
	logger.Info("shutdown signal received")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer shutdownCancel()
	gracefulShutdown(shutdownCtx, logger, shutdownTargets{
		server:      server,
		runs:        runMgr,
		broadcaster: broadcaster,
		lifecycle:   &lifecycle,
		telemetry:   telemetryShutdown,
	})
}

func parseFlags() string {
	cfgPath := flag.String("config", "", fmt.Sprintf("Path to configuration file (default: %s when present)", defaultConfigPath))
	flag.Parse()
	if *cfgPath != "" {
		return filepath.Clean(*cfgPath)
	}
	if _, err := os.Stat(defaultConfigPath); err == nil {
		return defaultConfigPath
	}
	return ""
}

// buildPersistence selects the configured backend and returns the event log,
// repositories, health pinger, and a release func.
func buildPersistence(ctx context.Context, cfg config.Config, logger *zap.Logger) (eventlog.Log, stores, httpserver.Pinger, func(), error) {
	if cfg.EventLog.Backend == config.BackendMemory {
		mem := memory.New()
		journal := eventlog.NewMemoryLog(eventlog.WithMemoryLogger(logger))
		repos := stores{runs: mem.Runs, orders: mem.Orders, bars: mem.Bars, offsets: mem.Offsets}
		logger.Info("in-memory backend selected; state will not survive restart")
		return journal, repos, nil, func() {}, nil
	}

	if cfg.Database.RunMigrations {
		if err := migrations.Apply(ctx, cfg.Database.URL, stdlog.New(os.Stdout, "migrate ", stdlog.LstdFlags)); err != nil {
			return nil, stores{}, nil, nil, fmt.Errorf("apply migrations: %w", err)
		}
	}
	pool, err := postgres.Connect(ctx, cfg.Database)
	if err != nil {
		return nil, stores{}, nil, nil, err
	}
	store := postgres.New(pool)
	journal, err := eventlog.NewDurableLog(store.Outbox, eventlog.WithDurableLogger(logger))
	if err != nil {
		store.Close()
		return nil, stores{}, nil, nil, err
	}
	repos := stores{runs: store.Runs, orders: store.Orders, bars: store.Bars, offsets: store.Offsets}
	return journal, repos, store, store.Close, nil
}

// buildStrategies combines the compiled-in strategies with script plugins
// discovered on disk. Each catalogued plugin registers a factory that loads
// it on demand, so listing stays side-effect-free.
func buildStrategies(ctx context.Context, cfg config.Config, logger *zap.Logger) (*strategy.Registry, error) {
	registry := strategy.Builtins()

	loader, err := plugin.NewStrategyLoader(cfg.Plugins.StrategyDir, plugin.WithLogger(logger))
	if err != nil {
		return nil, err
	}
	if err := loader.Refresh(ctx); err != nil {
		return nil, err
	}
	for _, info := range loader.List() {
		id := info.ID
		if err := registry.Register(id, func(params strategy.Params) (strategy.Strategy, error) {
			return loader.Load(id, params)
		}); err != nil {
			return nil, err
		}
		logger.Info("strategy plugin catalogued",
			zap.String("strategy_id", id),
			zap.String("version", info.Version))
	}
	return registry, nil
}

// buildAdapterLoader catalogues venue adapter manifests. A manifest whose id
// matches a run mode overrides the built-in venue selection for that mode.
func buildAdapterLoader(ctx context.Context, cfg config.Config, bars barstore.Store, logger *zap.Logger) (*plugin.AdapterLoader, error) {
	factories := map[string]plugin.AdapterFactory{
		"sim": func(settings map[string]string) (exchange.Adapter, error) {
			opts := []sim.Option{sim.WithLogger(logger)}
			if name := settings["name"]; name != "" {
				opts = append(opts, sim.WithName(name))
			}
			return sim.New(bars, opts...)
		},
		"alpaca": func(settings map[string]string) (exchange.Adapter, error) {
			creds := cfg.Alpaca.Paper
			if settings["mode"] == "live" {
				creds = cfg.Alpaca.Live
			}
			adapter, err := alpaca.New(alpaca.Credentials{
				APIKey:    creds.APIKey,
				APISecret: creds.APISecret,
				BaseURL:   creds.BaseURL,
			}, alpaca.WithLogger(logger))
			if err != nil {
				return nil, err
			}
			return exchange.NewOffload(adapter, offloadWorkers, offloadCapacity, logger), nil
		},
	}
	loader, err := plugin.NewAdapterLoader(cfg.Plugins.AdapterDir, factories, plugin.WithLogger(logger))
	if err != nil {
		return nil, err
	}
	if err := loader.Refresh(ctx); err != nil {
		return nil, err
	}
	return loader, nil
}

// adapterFactory binds a venue adapter to each started run. Backtests get a
// fresh simulator over the bar store; paper runs trade against Alpaca's
// sandbox when credentials are configured, the simulator otherwise; live
// runs require live credentials. An adapter plugin manifest named after the
// run mode takes precedence.
func adapterFactory(cfg config.Config, bars barstore.Store, loader *plugin.AdapterLoader, logger *zap.Logger) runs.AdapterFactory {
	alpacaAdapter := func(creds config.CredentialsConfig, name string) (exchange.Adapter, error) {
		adapter, err := alpaca.New(alpaca.Credentials{
			APIKey:    creds.APIKey,
			APISecret: creds.APISecret,
			BaseURL:   creds.BaseURL,
		}, alpaca.WithName(name), alpaca.WithLogger(logger))
		if err != nil {
			return nil, err
		}
		return exchange.NewOffload(adapter, offloadWorkers, offloadCapacity, logger), nil
	}

	return func(run runstore.Run) (exchange.Adapter, error) {
		if adapter, err := loader.Load(string(run.Mode)); err == nil {
			return adapter, nil
		} else if errs.CodeOf(err) != errs.CodeNotFound {
			return nil, err
		}

		switch run.Mode {
		case schema.RunModeBacktest:
			return sim.New(bars, sim.WithTimeframe(run.Timeframe), sim.WithLogger(logger))
		case schema.RunModePaper:
			if cfg.Alpaca.Paper.Configured() {
				return alpacaAdapter(cfg.Alpaca.Paper, "alpaca-paper")
			}
			logger.Warn("paper credentials not configured; run trades against the simulator",
				zap.String("run_id", run.ID))
			return sim.New(bars, sim.WithTimeframe(run.Timeframe), sim.WithLogger(logger))
		case schema.RunModeLive:
			if !cfg.Alpaca.Live.Configured() {
				return nil, errs.Invalid("weaver", "live credentials not configured", errs.WithRun(run.ID))
			}
			return alpacaAdapter(cfg.Alpaca.Live, "alpaca-live")
		default:
			return nil, errs.Invalid("weaver", "unknown run mode", errs.WithRun(run.ID),
				errs.WithDetail("mode", string(run.Mode)))
		}
	}
}

type shutdownTargets struct {
	server      *http.Server
	runs        *runs.Manager
	broadcaster *broadcast.Broadcaster
	lifecycle   *conc.WaitGroup
	telemetry   func(context.Context) error
}

func gracefulShutdown(ctx context.Context, logger *zap.Logger, targets shutdownTargets) {
	step := func(name string, timeout time.Duration, fn func(context.Context) error) {
		stepCtx, cancel := context.WithTimeout(ctx, timeout)
		defer cancel()
		if err := fn(stepCtx); err != nil {
			logger.Warn("shutdown step failed", zap.String("step", name), zap.Error(err))
			return
		}
		logger.Info("shutdown step completed", zap.String("step", name))
	}

	step("api server", serverShutdownTimeout, targets.server.Shutdown)
	step("active runs", runShutdownTimeout, func(stepCtx context.Context) error {
		targets.runs.Shutdown(stepCtx)
		return nil
	})
	step("sse broadcaster", serverShutdownTimeout, func(context.Context) error {
		targets.broadcaster.Close()
		return nil
	})
	step("lifecycle goroutines", serverShutdownTimeout, func(stepCtx context.Context) error {
		done := make(chan struct{})
		go func() {
			targets.lifecycle.Wait()
			close(done)
		}()
		select {
		case <-done:
			return nil
		case <-stepCtx.Done():
			return stepCtx.Err()
		}
	})
	step("telemetry", telemetryShutdownTimeout, targets.telemetry)
}
