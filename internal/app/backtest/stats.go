package backtest

import (
	"math"
	"time"

	"github.com/shopspring/decimal"

	"github.com/5TFG4/Weaver-sub002/internal/domain/schema"
)

const yearHours = 24 * 365.25

// Stats summarizes the run over [start, end]. Total return is net P&L over
// initial capital; the annualized figure compounds it over the simulated
// span, not wall time. Sharpe and Sortino are reserved and stay zero.
func (t *Tracker) Stats(start, end time.Time) schema.RunStats {
	t.mu.Lock()
	defer t.mu.Unlock()

	stats := schema.RunStats{
		TotalReturn:      decimal.Zero,
		AnnualizedReturn: decimal.Zero,
		WinRate:          decimal.Zero,
		ProfitFactor:     decimal.Zero,
		Sharpe:           decimal.Zero,
		Sortino:          decimal.Zero,
		MaxDrawdown:      t.maxDrawdown,
		Trades:           t.trades,
	}

	if t.capital.IsPositive() {
		net := t.equityLocked().Sub(t.capital)
		stats.TotalReturn = net.Div(t.capital)
		stats.AnnualizedReturn = annualize(stats.TotalReturn, end.Sub(start))
	}
	if t.trades > 0 {
		stats.WinRate = decimal.NewFromInt(t.wins).Div(decimal.NewFromInt(t.trades))
	}
	if t.grossLoss.IsPositive() {
		stats.ProfitFactor = t.grossProfit.Div(t.grossLoss)
	}
	return stats
}

// annualize compounds a span return to a yearly rate. Spans of zero or a
// wiped-out account report zero rather than a meaningless figure.
func annualize(total decimal.Decimal, span time.Duration) decimal.Decimal {
	if span <= 0 {
		return decimal.Zero
	}
	growth, _ := total.Add(decimal.NewFromInt(1)).Float64()
	if growth <= 0 {
		return decimal.NewFromInt(-1)
	}
	exponent := yearHours / span.Hours()
	annual := math.Pow(growth, exponent) - 1
	if math.IsNaN(annual) || math.IsInf(annual, 0) {
		return decimal.Zero
	}
	return decimal.NewFromFloat(annual)
}
