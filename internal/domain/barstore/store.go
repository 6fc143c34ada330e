// Package barstore defines the persistence contract for historical OHLCV
// bars.
package barstore

import (
	"context"
	"time"

	"github.com/5TFG4/Weaver-sub002/internal/domain/schema"
)

// Store abstracts bar persistence. Bars are unique by (symbol, timeframe,
// ts); Upsert replaces on conflict so re-ingesting a span is idempotent.
type Store interface {
	UpsertBars(ctx context.Context, bars []schema.Bar) error
	// ListBars returns bars with start <= ts < end in ascending ts order.
	ListBars(ctx context.Context, symbol string, timeframe schema.Timeframe, start, end time.Time) ([]schema.Bar, error)
	// Window returns up to lookback bars with ts < end in ascending ts
	// order: the most recent completed bars as of end.
	Window(ctx context.Context, symbol string, timeframe schema.Timeframe, end time.Time, lookback int) ([]schema.Bar, error)
}
