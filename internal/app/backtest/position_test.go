package backtest

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/5TFG4/Weaver-sub002/internal/domain/schema"
)

func TestStackingBlendsAvgEntry(t *testing.T) {
	tr := NewTracker(dec("100000"))
	tr.Apply("BTC/USD", schema.SideBuy, dec("10"), dec("100"), decimal.Zero)
	tr.Apply("BTC/USD", schema.SideBuy, dec("10"), dec("110"), decimal.Zero)

	pos, ok := tr.PositionFor("BTC/USD")
	if !ok {
		t.Fatal("position missing after two buys")
	}
	if !pos.Quantity.Equal(dec("20")) {
		t.Fatalf("quantity = %s, want 20", pos.Quantity)
	}
	if !pos.AvgEntry.Equal(dec("105")) {
		t.Fatalf("avg entry = %s, want 105", pos.AvgEntry)
	}
}

func TestPartialCloseRealizesProfit(t *testing.T) {
	tr := NewTracker(dec("100000"))
	tr.Apply("BTC/USD", schema.SideBuy, dec("10"), dec("100"), decimal.Zero)
	tr.Apply("BTC/USD", schema.SideSell, dec("4"), dec("120"), decimal.Zero)

	if !tr.RealizedPL().Equal(dec("80")) {
		t.Fatalf("realized = %s, want 80", tr.RealizedPL())
	}
	pos, ok := tr.PositionFor("BTC/USD")
	if !ok || !pos.Quantity.Equal(dec("6")) || !pos.AvgEntry.Equal(dec("100")) {
		t.Fatalf("remaining position = %+v ok=%v, want 6 @ 100", pos, ok)
	}
}

func TestFullCloseClearsPosition(t *testing.T) {
	tr := NewTracker(dec("10000"))
	tr.Apply("BTC/USD", schema.SideBuy, dec("10"), dec("100"), decimal.Zero)
	tr.Apply("BTC/USD", schema.SideSell, dec("10"), dec("90"), decimal.Zero)

	if _, ok := tr.PositionFor("BTC/USD"); ok {
		t.Fatal("position should be gone after a full close")
	}
	if !tr.RealizedPL().Equal(dec("-100")) {
		t.Fatalf("realized = %s, want -100", tr.RealizedPL())
	}
	stats := tr.Stats(time.Time{}, time.Time{})
	if stats.Trades != 1 || !stats.WinRate.IsZero() || !stats.ProfitFactor.IsZero() {
		t.Fatalf("stats after one losing trade = %+v", stats)
	}
	if !stats.MaxDrawdown.Equal(dec("100")) {
		t.Fatalf("max drawdown = %s, want 100", stats.MaxDrawdown)
	}
}

func TestReversalSplitsIntoCloseAndOpen(t *testing.T) {
	tr := NewTracker(dec("100000"))
	tr.Apply("BTC/USD", schema.SideBuy, dec("10"), dec("100"), decimal.Zero)
	tr.Apply("BTC/USD", schema.SideSell, dec("15"), dec("90"), decimal.Zero)

	if !tr.RealizedPL().Equal(dec("-100")) {
		t.Fatalf("realized = %s, want -100 from closing the long", tr.RealizedPL())
	}
	pos, ok := tr.PositionFor("BTC/USD")
	if !ok {
		t.Fatal("short remainder missing")
	}
	if !pos.Quantity.Equal(dec("-5")) || !pos.AvgEntry.Equal(dec("90")) {
		t.Fatalf("remainder = %+v, want -5 @ 90", pos)
	}
	if !tr.UnrealizedPL().IsZero() {
		t.Fatalf("unrealized = %s, want 0 at entry price", tr.UnrealizedPL())
	}
}

func TestShortCoverBooksProfit(t *testing.T) {
	tr := NewTracker(dec("100000"))
	tr.Apply("BTC/USD", schema.SideSell, dec("5"), dec("100"), decimal.Zero)
	tr.Apply("BTC/USD", schema.SideBuy, dec("5"), dec("80"), decimal.Zero)

	if !tr.RealizedPL().Equal(dec("100")) {
		t.Fatalf("realized = %s, want 100", tr.RealizedPL())
	}
	if !tr.Equity().Equal(dec("100100")) {
		t.Fatalf("equity = %s, want 100100", tr.Equity())
	}
}

func TestFeesReduceEquity(t *testing.T) {
	tr := NewTracker(dec("1000"))
	tr.Apply("BTC/USD", schema.SideBuy, dec("1"), dec("100"), dec("2"))

	if !tr.Equity().Equal(dec("998")) {
		t.Fatalf("equity = %s, want 998", tr.Equity())
	}
	if !tr.RealizedPL().IsZero() {
		t.Fatalf("realized = %s, want 0", tr.RealizedPL())
	}
}

func TestMarkMovesEquityAndDrawdown(t *testing.T) {
	tr := NewTracker(dec("1000"))
	tr.Apply("BTC/USD", schema.SideBuy, dec("1"), dec("100"), decimal.Zero)

	tr.Mark("BTC/USD", dec("150"))
	if !tr.Equity().Equal(dec("1050")) {
		t.Fatalf("equity at peak = %s, want 1050", tr.Equity())
	}
	tr.Mark("BTC/USD", dec("120"))
	if !tr.Equity().Equal(dec("1020")) {
		t.Fatalf("equity after pullback = %s, want 1020", tr.Equity())
	}

	at := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	stats := tr.Stats(at, at)
	if !stats.MaxDrawdown.Equal(dec("30")) {
		t.Fatalf("max drawdown = %s, want 30", stats.MaxDrawdown)
	}
	if !stats.AnnualizedReturn.IsZero() {
		t.Fatalf("annualized over a zero span = %s, want 0", stats.AnnualizedReturn)
	}
}

func TestStatsSummarizeRun(t *testing.T) {
	tr := NewTracker(dec("10000"))
	tr.Apply("ETH/USD", schema.SideBuy, dec("10"), dec("100"), decimal.Zero)
	tr.Apply("ETH/USD", schema.SideSell, dec("10"), dec("110"), decimal.Zero)
	tr.Apply("ETH/USD", schema.SideBuy, dec("10"), dec("100"), decimal.Zero)
	tr.Apply("ETH/USD", schema.SideSell, dec("10"), dec("95"), decimal.Zero)

	start := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	end := start.Add(time.Duration(yearHours * float64(time.Hour)))
	stats := tr.Stats(start, end)

	if !stats.TotalReturn.Equal(dec("0.005")) {
		t.Fatalf("total return = %s, want 0.005", stats.TotalReturn)
	}
	if !stats.WinRate.Equal(dec("0.5")) {
		t.Fatalf("win rate = %s, want 0.5", stats.WinRate)
	}
	if !stats.ProfitFactor.Equal(dec("2")) {
		t.Fatalf("profit factor = %s, want 2", stats.ProfitFactor)
	}
	if stats.Trades != 2 {
		t.Fatalf("trades = %d, want 2", stats.Trades)
	}
	// Over a span of exactly one year the annualized figure matches the
	// total return up to float conversion error.
	if stats.AnnualizedReturn.Sub(dec("0.005")).Abs().GreaterThan(dec("0.0001")) {
		t.Fatalf("annualized return = %s, want ~0.005", stats.AnnualizedReturn)
	}
	if !stats.Sharpe.IsZero() || !stats.Sortino.IsZero() {
		t.Fatalf("sharpe/sortino reserved fields must stay zero, got %s/%s", stats.Sharpe, stats.Sortino)
	}
}

func TestStatsEmptyRun(t *testing.T) {
	tr := NewTracker(dec("10000"))
	start := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	stats := tr.Stats(start, start.Add(24*time.Hour))

	if !stats.TotalReturn.IsZero() || !stats.WinRate.IsZero() || !stats.ProfitFactor.IsZero() {
		t.Fatalf("empty run stats = %+v, want zeros", stats)
	}
	if stats.Trades != 0 || !stats.MaxDrawdown.IsZero() {
		t.Fatalf("empty run stats = %+v, want zeros", stats)
	}
}

func TestWipedAccountAnnualizesToTotalLoss(t *testing.T) {
	tr := NewTracker(dec("100"))
	tr.Apply("BTC/USD", schema.SideBuy, dec("1"), dec("100"), decimal.Zero)
	tr.Apply("BTC/USD", schema.SideSell, dec("1"), dec("50"), dec("60"))

	start := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	stats := tr.Stats(start, start.Add(30*24*time.Hour))
	if !stats.TotalReturn.Equal(dec("-1.1")) {
		t.Fatalf("total return = %s, want -1.1", stats.TotalReturn)
	}
	if !stats.AnnualizedReturn.Equal(dec("-1")) {
		t.Fatalf("annualized return = %s, want -1", stats.AnnualizedReturn)
	}
}
