// Command backtest runs one strategy against a CSV bar file and prints the
// resulting statistics. Everything runs in-process on the in-memory backend;
// nothing is persisted.
package main

import (
	"context"
	"encoding/csv"
	"errors"
	"flag"
	"fmt"
	"io"
	stdlog "log"
	"os"
	"strconv"
	"time"

	"github.com/shopspring/decimal"

	"github.com/5TFG4/Weaver-sub002/internal/app/backtest"
	"github.com/5TFG4/Weaver-sub002/internal/app/exchange"
	"github.com/5TFG4/Weaver-sub002/internal/app/orders"
	"github.com/5TFG4/Weaver-sub002/internal/app/router"
	"github.com/5TFG4/Weaver-sub002/internal/app/runs"
	"github.com/5TFG4/Weaver-sub002/internal/app/strategy"
	"github.com/5TFG4/Weaver-sub002/internal/domain/runstore"
	"github.com/5TFG4/Weaver-sub002/internal/domain/schema"
	"github.com/5TFG4/Weaver-sub002/internal/infra/adapters/sim"
	"github.com/5TFG4/Weaver-sub002/internal/infra/config"
	"github.com/5TFG4/Weaver-sub002/internal/infra/eventlog"
	"github.com/5TFG4/Weaver-sub002/internal/infra/persistence/memory"
	"github.com/5TFG4/Weaver-sub002/internal/logging"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run() error {
	var (
		dataPath     = flag.String("data", "", "Path to the historical bar file (CSV: ts,open,high,low,close,volume)")
		symbol       = flag.String("symbol", "", "Symbol the bars belong to")
		timeframeRaw = flag.String("timeframe", "1h", "Bar timeframe (1m, 5m, 15m, 30m, 1h, 4h, 1d)")
		strategyID   = flag.String("strategy", strategy.StrategySMACross, "Strategy id to run")
		capitalRaw   = flag.String("capital", "100000", "Initial capital for P&L statistics")
		slippageBps  = flag.Int("slippage-bps", 0, "Fixed slippage in basis points")
		commission   = flag.String("commission", "none", "Commission model (none, fixed, per_share, percentage)")
		commissionV  = flag.String("commission-value", "0", "Commission model parameter")
		logLevel     = flag.String("log-level", "warn", "Log verbosity (debug, info, warn, error)")
		timeout      = flag.Duration("timeout", 5*time.Minute, "Maximum backtest duration")
	)
	flag.Parse()

	if *dataPath == "" {
		return errors.New("-data flag is required")
	}
	if *symbol == "" {
		return errors.New("-symbol flag is required")
	}
	timeframe, err := schema.ParseTimeframe(*timeframeRaw)
	if err != nil {
		return err
	}
	capital, err := decimal.NewFromString(*capitalRaw)
	if err != nil || capital.Sign() <= 0 {
		return fmt.Errorf("invalid capital %q", *capitalRaw)
	}
	policy, err := backtest.PolicyFromConfig(config.FillConfig{
		SlippageBps:     *slippageBps,
		CommissionModel: *commission,
		CommissionValue: *commissionV,
	})
	if err != nil {
		return err
	}

	logger, err := logging.New(logging.Options{Level: *logLevel, Format: "console"})
	if err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	bars, err := loadBars(*dataPath, *symbol, timeframe)
	if err != nil {
		return err
	}
	if len(bars) == 0 {
		return errors.New("no bars in data file")
	}
	start := bars[0].TS
	end := timeframe.Next(bars[len(bars)-1].TS)

	mem := memory.New()
	if err := mem.Bars.UpsertBars(ctx, bars); err != nil {
		return fmt.Errorf("seed bars: %w", err)
	}
	journal := eventlog.NewMemoryLog(eventlog.WithMemoryLogger(logger))
	defer journal.Close()

	registry := exchange.NewRegistry()
	orderMgr := orders.NewManager(mem.Orders, journal, registry, orders.WithLogger(logger))

	runMgr, err := runs.NewManager(runs.Config{
		Store:      mem.Runs,
		Bars:       mem.Bars,
		Log:        journal,
		Orders:     orderMgr,
		Registry:   registry,
		Strategies: strategy.Builtins(),
		Adapters: func(run runstore.Run) (exchange.Adapter, error) {
			return sim.New(mem.Bars, sim.WithTimeframe(run.Timeframe), sim.WithLogger(logger))
		},
		Fill:           policy,
		InitialCapital: capital,
		Logger:         logger,
	})
	if err != nil {
		return err
	}
	runMgr.SetLifecycleContext(ctx)

	domainRouter, err := router.New(journal, runMgr, router.WithLogger(logger))
	if err != nil {
		return err
	}
	if err := domainRouter.Initialize(); err != nil {
		return err
	}
	defer domainRouter.Close()

	created, err := runMgr.Create(ctx, runstore.Run{
		Mode:       schema.RunModeBacktest,
		StrategyID: *strategyID,
		Symbols:    []string{*symbol},
		Timeframe:  timeframe,
		StartTime:  &start,
		EndTime:    &end,
	})
	if err != nil {
		return err
	}

	settled := make(chan *schema.RunEventPayload, 1)
	subID := journal.Subscribe(
		[]schema.EventType{schema.EventRunCompleted, schema.EventRunError, schema.EventRunStopped},
		func(_ context.Context, _ int64, env *schema.Envelope) error {
			if payload, ok := env.Payload.(*schema.RunEventPayload); ok {
				select {
				case settled <- payload:
				default:
				}
			}
			return nil
		},
		eventlog.WithRunFilter(created.ID),
		eventlog.WithSubscriberName("backtest-cli"),
	)
	defer journal.Unsubscribe(subID)

	if _, err := runMgr.Start(ctx, created.ID); err != nil {
		return err
	}

	select {
	case payload := <-settled:
		return report(payload)
	case <-ctx.Done():
		runMgr.Shutdown(context.Background())
		return fmt.Errorf("backtest timed out after %s", *timeout)
	}
}

func report(payload *schema.RunEventPayload) error {
	if payload.Status == schema.RunStatusError {
		return fmt.Errorf("backtest failed: %s", payload.Error)
	}
	fmt.Printf("run %s %s\n", payload.RunID, payload.Status)
	if payload.Stats == nil {
		return nil
	}
	stats := payload.Stats
	fmt.Printf("  trades:            %d\n", stats.Trades)
	fmt.Printf("  total return:      %s\n", stats.TotalReturn.StringFixed(6))
	fmt.Printf("  annualized return: %s\n", stats.AnnualizedReturn.StringFixed(6))
	fmt.Printf("  win rate:          %s\n", stats.WinRate.StringFixed(4))
	fmt.Printf("  profit factor:     %s\n", stats.ProfitFactor.StringFixed(4))
	fmt.Printf("  max drawdown:      %s\n", stats.MaxDrawdown.StringFixed(6))
	return nil
}

// loadBars reads ts,open,high,low,close,volume rows. The timestamp column
// accepts RFC 3339 or unix seconds; a header row is skipped when present.
func loadBars(path, symbol string, timeframe schema.Timeframe) ([]schema.Bar, error) {
	file, err := os.Open(path) // #nosec G304 -- operator provided via CLI flag.
	if err != nil {
		return nil, fmt.Errorf("open data file: %w", err)
	}
	defer func() {
		if cerr := file.Close(); cerr != nil {
			stdlog.Printf("close data file: %v", cerr)
		}
	}()

	reader := csv.NewReader(file)
	reader.FieldsPerRecord = -1

	var bars []schema.Bar
	for line := 1; ; line++ {
		record, err := reader.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("read data file: %w", err)
		}
		if len(record) < 6 {
			return nil, fmt.Errorf("line %d: expected at least 6 columns, got %d", line, len(record))
		}
		ts, err := parseTimestamp(record[0])
		if err != nil {
			if line == 1 {
				continue // header row
			}
			return nil, fmt.Errorf("line %d: %w", line, err)
		}
		bar := schema.Bar{
			Symbol:    symbol,
			Timeframe: timeframe,
			TS:        timeframe.Truncate(ts),
		}
		fields := []struct {
			name string
			dst  *decimal.Decimal
		}{
			{"open", &bar.Open}, {"high", &bar.High}, {"low", &bar.Low},
			{"close", &bar.Close}, {"volume", &bar.Volume},
		}
		for i, field := range fields {
			value, err := decimal.NewFromString(record[i+1])
			if err != nil {
				return nil, fmt.Errorf("line %d: parse %s: %w", line, field.name, err)
			}
			*field.dst = value
		}
		bars = append(bars, bar)
	}
	return bars, nil
}

func parseTimestamp(raw string) (time.Time, error) {
	if ts, err := time.Parse(time.RFC3339, raw); err == nil {
		return ts.UTC(), nil
	}
	if unix, err := strconv.ParseInt(raw, 10, 64); err == nil {
		return time.Unix(unix, 0).UTC(), nil
	}
	return time.Time{}, fmt.Errorf("unparseable timestamp %q", raw)
}
