package strategy

import (
	"context"
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/5TFG4/Weaver-sub002/internal/domain/schema"
	"github.com/5TFG4/Weaver-sub002/internal/errs"
)

// Built-in strategy ids.
const (
	StrategyNoop     = "noop"
	StrategyPacer    = "pacer"
	StrategySMACross = "sma_cross"
)

const builtinScope = "strategy_builtin"

// noop ignores every callback. Useful for exercising run plumbing.
type noop struct{}

func newNoop(Params) (Strategy, error) { return noop{}, nil }

func (noop) OnTick(context.Context, schema.ClockTick) ([]Action, error) { return nil, nil }

func (noop) OnData(context.Context, schema.WindowReadyPayload) ([]Action, error) { return nil, nil }

// pacer buys a fixed quantity at market on every tick. Client order ids are
// derived from the bar index, so a replayed run produces the identical order
// sequence.
type pacer struct {
	symbol   string
	quantity decimal.Decimal
	prefix   string
}

func newPacer(params Params) (Strategy, error) {
	symbol := params.String("symbol", "")
	if symbol == "" {
		return nil, errs.Invalid(builtinScope, "pacer requires a symbol parameter")
	}
	quantity := params.Decimal("quantity", decimal.NewFromInt(1))
	if !quantity.IsPositive() {
		return nil, errs.Invalid(builtinScope, "pacer quantity must be positive")
	}
	return &pacer{
		symbol:   symbol,
		quantity: quantity,
		prefix:   params.String("client_prefix", "pacer"),
	}, nil
}

func (p *pacer) OnTick(_ context.Context, tick schema.ClockTick) ([]Action, error) {
	return []Action{PlaceOrder{Intent: schema.OrderIntent{
		ClientOrderID: fmt.Sprintf("%s-%06d", p.prefix, tick.BarIndex),
		Symbol:        p.symbol,
		Side:          schema.SideBuy,
		Type:          schema.OrderTypeMarket,
		Quantity:      p.quantity,
	}}}, nil
}

func (p *pacer) OnData(context.Context, schema.WindowReadyPayload) ([]Action, error) {
	return nil, nil
}

// smaCross trades moving-average crossovers: long when the fast average
// crosses above the slow one, flat when it crosses back below. It requests
// slow+1 bars per tick so both the current and previous averages are
// computable from one window.
type smaCross struct {
	symbol   string
	fast     int
	slow     int
	quantity decimal.Decimal
	long     bool
}

func newSMACross(params Params) (Strategy, error) {
	symbol := params.String("symbol", "")
	if symbol == "" {
		return nil, errs.Invalid(builtinScope, "sma_cross requires a symbol parameter")
	}
	fast := params.Int("fast", 5)
	slow := params.Int("slow", 20)
	if fast < 1 || slow <= fast {
		return nil, errs.Invalid(builtinScope, "sma_cross periods must satisfy 1 <= fast < slow")
	}
	quantity := params.Decimal("quantity", decimal.NewFromInt(1))
	if !quantity.IsPositive() {
		return nil, errs.Invalid(builtinScope, "sma_cross quantity must be positive")
	}
	return &smaCross{symbol: symbol, fast: fast, slow: slow, quantity: quantity}, nil
}

func (s *smaCross) OnTick(context.Context, schema.ClockTick) ([]Action, error) {
	return []Action{FetchWindow{Symbol: s.symbol, Lookback: s.slow + 1}}, nil
}

func (s *smaCross) OnData(_ context.Context, window schema.WindowReadyPayload) ([]Action, error) {
	if window.Symbol != s.symbol || len(window.Bars) < s.slow+1 {
		return nil, nil
	}
	closes := make([]decimal.Decimal, len(window.Bars))
	for i, bar := range window.Bars {
		closes[i] = bar.Close
	}
	n := len(closes)
	currFast := sma(closes[n-s.fast:])
	currSlow := sma(closes[n-s.slow:])
	prevFast := sma(closes[n-1-s.fast : n-1])
	prevSlow := sma(closes[n-1-s.slow : n-1])

	crossedUp := prevFast.LessThanOrEqual(prevSlow) && currFast.GreaterThan(currSlow)
	crossedDown := prevFast.GreaterThanOrEqual(prevSlow) && currFast.LessThan(currSlow)

	switch {
	case crossedUp && !s.long:
		s.long = true
		return []Action{s.order(schema.SideBuy, window.EndTS.Unix())}, nil
	case crossedDown && s.long:
		s.long = false
		return []Action{s.order(schema.SideSell, window.EndTS.Unix())}, nil
	}
	return nil, nil
}

func (s *smaCross) order(side schema.Side, at int64) Action {
	return PlaceOrder{Intent: schema.OrderIntent{
		ClientOrderID: fmt.Sprintf("sma-%s-%d", side, at),
		Symbol:        s.symbol,
		Side:          side,
		Type:          schema.OrderTypeMarket,
		Quantity:      s.quantity,
	}}
}

func sma(values []decimal.Decimal) decimal.Decimal {
	if len(values) == 0 {
		return decimal.Zero
	}
	total := decimal.Zero
	for _, v := range values {
		total = total.Add(v)
	}
	return total.Div(decimal.NewFromInt(int64(len(values))))
}
