package memory

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/5TFG4/Weaver-sub002/internal/domain/barstore"
	"github.com/5TFG4/Weaver-sub002/internal/domain/schema"
)

type barKey struct {
	symbol    string
	timeframe schema.Timeframe
	ts        int64
}

// BarStore keeps OHLCV bars keyed by (symbol, timeframe, ts).
type BarStore struct {
	mu   sync.RWMutex
	bars map[barKey]schema.Bar
}

// NewBarStore constructs an empty BarStore.
func NewBarStore() *BarStore {
	return &BarStore{bars: make(map[barKey]schema.Bar)}
}

// UpsertBars inserts or replaces bars. Re-ingesting a span is idempotent.
func (s *BarStore) UpsertBars(_ context.Context, bars []schema.Bar) error {
	if len(bars) == 0 {
		return nil
	}
	for _, bar := range bars {
		if strings.TrimSpace(bar.Symbol) == "" {
			return fmt.Errorf("memory bar store: bar symbol required")
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	for _, bar := range bars {
		bar.TS = bar.TS.UTC()
		s.bars[barKey{symbol: bar.Symbol, timeframe: bar.Timeframe, ts: bar.TS.UnixNano()}] = bar
	}
	return nil
}

// ListBars returns bars with start <= ts < end in ascending ts order.
func (s *BarStore) ListBars(_ context.Context, symbol string, timeframe schema.Timeframe, start, end time.Time) ([]schema.Bar, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []schema.Bar
	for key, bar := range s.bars {
		if key.symbol != symbol || key.timeframe != timeframe {
			continue
		}
		if bar.TS.Before(start) || !bar.TS.Before(end) {
			continue
		}
		out = append(out, bar)
	}
	sortBars(out)
	return out, nil
}

// Window returns up to lookback bars with ts < end in ascending ts order:
// the most recent completed bars as of end.
func (s *BarStore) Window(_ context.Context, symbol string, timeframe schema.Timeframe, end time.Time, lookback int) ([]schema.Bar, error) {
	if lookback <= 0 {
		return nil, fmt.Errorf("memory bar store: lookback must be positive")
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []schema.Bar
	for key, bar := range s.bars {
		if key.symbol != symbol || key.timeframe != timeframe {
			continue
		}
		if !bar.TS.Before(end) {
			continue
		}
		out = append(out, bar)
	}
	sortBars(out)
	if len(out) > lookback {
		out = out[len(out)-lookback:]
	}
	return out, nil
}

func sortBars(bars []schema.Bar) {
	sort.Slice(bars, func(i, j int) bool { return bars[i].TS.Before(bars[j].TS) })
}

var _ barstore.Store = (*BarStore)(nil)
