package backtest

import (
	"sync"

	"github.com/shopspring/decimal"

	"github.com/5TFG4/Weaver-sub002/internal/domain/schema"
)

// Position is the tracker's view of one symbol. Quantity is signed:
// positive long, negative short. AvgEntry prices the open quantity.
type Position struct {
	Symbol   string          `json:"symbol"`
	Quantity decimal.Decimal `json:"quantity"`
	AvgEntry decimal.Decimal `json:"avg_entry"`
}

// Tracker maintains sign-aware positions and the realized P&L ledger for one
// run. A fill that crosses through zero is split into an explicit closing
// leg, which realizes P&L, and an opening leg in the new direction.
type Tracker struct {
	mu        sync.Mutex
	capital   decimal.Decimal
	positions map[string]*Position
	lastPrice map[string]decimal.Decimal

	realized    decimal.Decimal
	fees        decimal.Decimal
	grossProfit decimal.Decimal
	grossLoss   decimal.Decimal
	wins        int64
	losses      int64
	trades      int64

	peakEquity  decimal.Decimal
	maxDrawdown decimal.Decimal
}

// NewTracker starts a tracker with the given initial capital. The capital is
// the base for return figures and the starting point of the equity curve.
func NewTracker(initialCapital decimal.Decimal) *Tracker {
	return &Tracker{
		capital:     initialCapital,
		positions:   make(map[string]*Position),
		lastPrice:   make(map[string]decimal.Decimal),
		realized:    decimal.Zero,
		fees:        decimal.Zero,
		grossProfit: decimal.Zero,
		grossLoss:   decimal.Zero,
		peakEquity:  initialCapital,
		maxDrawdown: decimal.Zero,
	}
}

// Apply records one fill. Sell quantities are negated internally; qty and
// price must be positive.
func (t *Tracker) Apply(symbol string, side schema.Side, qty, price, fee decimal.Decimal) {
	if !qty.IsPositive() || !price.IsPositive() {
		return
	}
	signed := qty
	if side == schema.SideSell {
		signed = qty.Neg()
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	t.fees = t.fees.Add(fee)
	t.lastPrice[symbol] = price
	t.applyLeg(symbol, signed, price)
	t.updateEquityLocked()
}

// applyLeg folds one signed quantity into the position, recursing once for
// the opening remainder of a reversal.
func (t *Tracker) applyLeg(symbol string, signed, price decimal.Decimal) {
	pos, ok := t.positions[symbol]
	if !ok {
		pos = &Position{Symbol: symbol, Quantity: decimal.Zero, AvgEntry: decimal.Zero}
		t.positions[symbol] = pos
	}

	switch {
	case pos.Quantity.IsZero() || pos.Quantity.Sign() == signed.Sign():
		// Opening or stacking: blend the entry price.
		total := pos.Quantity.Add(signed)
		if total.IsZero() {
			delete(t.positions, symbol)
			return
		}
		weighted := pos.AvgEntry.Mul(pos.Quantity.Abs()).Add(price.Mul(signed.Abs()))
		pos.AvgEntry = weighted.Div(pos.Quantity.Abs().Add(signed.Abs()))
		pos.Quantity = total

	case signed.Abs().LessThanOrEqual(pos.Quantity.Abs()):
		// Closing some or all of the open quantity.
		closeQty := signed.Abs()
		t.realize(pos, closeQty, price)
		pos.Quantity = pos.Quantity.Add(signed)
		if pos.Quantity.IsZero() {
			delete(t.positions, symbol)
		}

	default:
		// Reversal: close everything, then open the remainder.
		remainder := signed.Add(pos.Quantity)
		t.realize(pos, pos.Quantity.Abs(), price)
		delete(t.positions, symbol)
		t.applyLeg(symbol, remainder, price)
	}
}

// realize books P&L for closing closeQty of pos at price.
func (t *Tracker) realize(pos *Position, closeQty, price decimal.Decimal) {
	direction := decimal.NewFromInt(1)
	if pos.Quantity.Sign() < 0 {
		direction = decimal.NewFromInt(-1)
	}
	pnl := price.Sub(pos.AvgEntry).Mul(closeQty).Mul(direction)
	t.realized = t.realized.Add(pnl)
	t.trades++
	if pnl.IsPositive() {
		t.wins++
		t.grossProfit = t.grossProfit.Add(pnl)
	} else if pnl.IsNegative() {
		t.losses++
		t.grossLoss = t.grossLoss.Add(pnl.Abs())
	}
}

// Mark updates the marked price of a symbol, refreshing the equity curve.
func (t *Tracker) Mark(symbol string, price decimal.Decimal) {
	if !price.IsPositive() {
		return
	}
	t.mu.Lock()
	t.lastPrice[symbol] = price
	t.updateEquityLocked()
	t.mu.Unlock()
}

func (t *Tracker) updateEquityLocked() {
	equity := t.equityLocked()
	if equity.GreaterThan(t.peakEquity) {
		t.peakEquity = equity
	}
	if dd := t.peakEquity.Sub(equity); dd.GreaterThan(t.maxDrawdown) {
		t.maxDrawdown = dd
	}
}

func (t *Tracker) equityLocked() decimal.Decimal {
	return t.capital.Add(t.realized).Add(t.unrealizedLocked()).Sub(t.fees)
}

func (t *Tracker) unrealizedLocked() decimal.Decimal {
	total := decimal.Zero
	for symbol, pos := range t.positions {
		price, ok := t.lastPrice[symbol]
		if !ok || !price.IsPositive() {
			continue
		}
		total = total.Add(price.Sub(pos.AvgEntry).Mul(pos.Quantity))
	}
	return total
}

// PositionFor returns the current position for a symbol; ok reports whether
// one is open.
func (t *Tracker) PositionFor(symbol string) (Position, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	pos, ok := t.positions[symbol]
	if !ok {
		return Position{}, false
	}
	return *pos, true
}

// Positions snapshots every open position.
func (t *Tracker) Positions() []Position {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]Position, 0, len(t.positions))
	for _, pos := range t.positions {
		out = append(out, *pos)
	}
	return out
}

// RealizedPL returns total realized profit and loss, before fees.
func (t *Tracker) RealizedPL() decimal.Decimal {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.realized
}

// UnrealizedPL marks open positions against their last seen price.
func (t *Tracker) UnrealizedPL() decimal.Decimal {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.unrealizedLocked()
}

// Equity is initial capital plus realized and unrealized P&L, net of fees.
func (t *Tracker) Equity() decimal.Decimal {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.equityLocked()
}
