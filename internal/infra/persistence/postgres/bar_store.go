package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/5TFG4/Weaver-sub002/internal/domain/barstore"
	"github.com/5TFG4/Weaver-sub002/internal/domain/schema"
)

// BarStore persists historical OHLCV bars.
type BarStore struct {
	pool *pgxpool.Pool
}

// NewBarStore constructs a BarStore backed by the provided pool.
func NewBarStore(pool *pgxpool.Pool) *BarStore {
	return &BarStore{pool: pool}
}

const (
	barUpsertSQL = `
INSERT INTO bars (
    symbol,
    timeframe,
    ts,
    open,
    high,
    low,
    close,
    volume,
    trade_count,
    vwap
)
VALUES (
    @symbol,
    @timeframe,
    @ts,
    @open,
    @high,
    @low,
    @close,
    @volume,
    @trade_count,
    @vwap
)
ON CONFLICT (symbol, timeframe, ts) DO UPDATE SET
    open = EXCLUDED.open,
    high = EXCLUDED.high,
    low = EXCLUDED.low,
    close = EXCLUDED.close,
    volume = EXCLUDED.volume,
    trade_count = EXCLUDED.trade_count,
    vwap = EXCLUDED.vwap;
`

	barSelectBase = `
SELECT
    symbol,
    timeframe,
    ts,
    open::text,
    high::text,
    low::text,
    close::text,
    volume::text,
    trade_count,
    vwap::text
FROM bars
`

	barListSQL = barSelectBase + `
WHERE symbol = $1 AND timeframe = $2 AND ts >= $3 AND ts < $4
ORDER BY ts ASC;
`

	barWindowSQL = `
SELECT symbol, timeframe, ts, open, high, low, close, volume, trade_count, vwap
FROM (
    SELECT
        symbol,
        timeframe,
        ts,
        open::text,
        high::text,
        low::text,
        close::text,
        volume::text,
        trade_count,
        vwap::text
    FROM bars
    WHERE symbol = $1 AND timeframe = $2 AND ts < $3
    ORDER BY ts DESC
    LIMIT $4
) recent
ORDER BY ts ASC;
`
)

// UpsertBars inserts or replaces bars keyed by (symbol, timeframe, ts).
func (s *BarStore) UpsertBars(ctx context.Context, bars []schema.Bar) error {
	if len(bars) == 0 {
		return nil
	}
	if s.pool == nil {
		return fmt.Errorf("bar store: nil pool")
	}
	batch := &pgx.Batch{}
	for _, bar := range bars {
		if strings.TrimSpace(bar.Symbol) == "" {
			return fmt.Errorf("bar store: bar symbol required")
		}
		batch.Queue(barUpsertSQL, pgx.NamedArgs{
			"symbol":      bar.Symbol,
			"timeframe":   string(bar.Timeframe),
			"ts":          bar.TS.UTC(),
			"open":        bar.Open.String(),
			"high":        bar.High.String(),
			"low":         bar.Low.String(),
			"close":       bar.Close.String(),
			"volume":      bar.Volume.String(),
			"trade_count": nullableInt64(bar.TradeCount),
			"vwap":        nullableDecimal(bar.VWAP),
		})
	}
	results := s.pool.SendBatch(ctx, batch)
	defer results.Close()
	for range bars {
		if _, err := results.Exec(); err != nil {
			return fmt.Errorf("bar store: upsert bars: %w", err)
		}
	}
	return nil
}

// ListBars returns bars with start <= ts < end in ascending ts order.
func (s *BarStore) ListBars(ctx context.Context, symbol string, timeframe schema.Timeframe, start, end time.Time) ([]schema.Bar, error) {
	if s.pool == nil {
		return nil, fmt.Errorf("bar store: nil pool")
	}
	rows, err := s.pool.Query(ctx, barListSQL, symbol, string(timeframe), start.UTC(), end.UTC())
	if err != nil {
		return nil, fmt.Errorf("bar store: list bars: %w", err)
	}
	defer rows.Close()
	return collectBars(rows)
}

// Window returns up to lookback bars with ts < end: the most recent completed
// bars as of end, in ascending ts order.
func (s *BarStore) Window(ctx context.Context, symbol string, timeframe schema.Timeframe, end time.Time, lookback int) ([]schema.Bar, error) {
	if lookback <= 0 {
		return nil, fmt.Errorf("bar store: lookback must be positive")
	}
	if s.pool == nil {
		return nil, fmt.Errorf("bar store: nil pool")
	}
	rows, err := s.pool.Query(ctx, barWindowSQL, symbol, string(timeframe), end.UTC(), lookback)
	if err != nil {
		return nil, fmt.Errorf("bar store: window: %w", err)
	}
	defer rows.Close()
	return collectBars(rows)
}

func collectBars(rows pgx.Rows) ([]schema.Bar, error) {
	var bars []schema.Bar
	for rows.Next() {
		bar, err := scanBar(rows)
		if err != nil {
			return nil, err
		}
		bars = append(bars, bar)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("bar store: iterate bars: %w", err)
	}
	return bars, nil
}

func scanBar(row rowScanner) (schema.Bar, error) {
	var (
		bar        schema.Bar
		timeframe  string
		ts         time.Time
		open       string
		high       string
		low        string
		closePx    string
		volume     string
		tradeCount sql.NullInt64
		vwap       sql.NullString
	)
	if err := row.Scan(
		&bar.Symbol,
		&timeframe,
		&ts,
		&open,
		&high,
		&low,
		&closePx,
		&volume,
		&tradeCount,
		&vwap,
	); err != nil {
		return schema.Bar{}, fmt.Errorf("bar store: scan bar: %w", err)
	}
	bar.Timeframe = schema.Timeframe(timeframe)
	bar.TS = ts.UTC()

	var err error
	if bar.Open, err = decimalFromText(open); err != nil {
		return schema.Bar{}, fmt.Errorf("bar store: open: %w", err)
	}
	if bar.High, err = decimalFromText(high); err != nil {
		return schema.Bar{}, fmt.Errorf("bar store: high: %w", err)
	}
	if bar.Low, err = decimalFromText(low); err != nil {
		return schema.Bar{}, fmt.Errorf("bar store: low: %w", err)
	}
	if bar.Close, err = decimalFromText(closePx); err != nil {
		return schema.Bar{}, fmt.Errorf("bar store: close: %w", err)
	}
	if bar.Volume, err = decimalFromText(volume); err != nil {
		return schema.Bar{}, fmt.Errorf("bar store: volume: %w", err)
	}
	if tradeCount.Valid {
		count := tradeCount.Int64
		bar.TradeCount = &count
	}
	if bar.VWAP, err = decimalFromNullable(vwap); err != nil {
		return schema.Bar{}, fmt.Errorf("bar store: vwap: %w", err)
	}
	return bar, nil
}

func nullableInt64(ptr *int64) any {
	if ptr == nil {
		return nil
	}
	return *ptr
}

var _ barstore.Store = (*BarStore)(nil)
