package backtest

import (
	"github.com/shopspring/decimal"

	"github.com/5TFG4/Weaver-sub002/internal/domain/orderstore"
	"github.com/5TFG4/Weaver-sub002/internal/domain/schema"
	"github.com/5TFG4/Weaver-sub002/internal/errs"
	"github.com/5TFG4/Weaver-sub002/internal/infra/config"
)

// Commission models.
const (
	CommissionNone       = "none"
	CommissionFixed      = "fixed"
	CommissionPerShare   = "per_share"
	CommissionPercentage = "percentage"
)

var (
	bpsDivisor = decimal.NewFromInt(10000)
	oneHundred = decimal.NewFromInt(100)
)

// Policy parameterizes fill simulation. Slippage applies to market and stop
// executions only; limit prices are honored exactly.
type Policy struct {
	SlippageBps      int64
	SlippageRangePct decimal.Decimal
	CommissionModel  string
	CommissionValue  decimal.Decimal
}

// PolicyFromConfig parses the fill section of the runtime configuration.
func PolicyFromConfig(cfg config.FillConfig) (Policy, error) {
	if cfg.SlippageBps < 0 {
		return Policy{}, errs.Invalid(scope, "slippage_bps must be >=0")
	}
	if cfg.SlippageRangePct < 0 || cfg.SlippageRangePct > 1 {
		return Policy{}, errs.Invalid(scope, "slippage_range_pct must be in [0,1]")
	}
	switch cfg.CommissionModel {
	case CommissionNone, CommissionFixed, CommissionPerShare, CommissionPercentage:
	default:
		return Policy{}, errs.Invalid(scope, "unknown commission_model "+cfg.CommissionModel)
	}
	value, err := decimal.NewFromString(cfg.CommissionValue)
	if err != nil {
		return Policy{}, errs.Invalid(scope, "commission_value must be numeric")
	}
	if value.IsNegative() {
		return Policy{}, errs.Invalid(scope, "commission_value must be >=0")
	}
	return Policy{
		SlippageBps:      int64(cfg.SlippageBps),
		SlippageRangePct: decimal.NewFromFloat(cfg.SlippageRangePct),
		CommissionModel:  cfg.CommissionModel,
		CommissionValue:  value,
	}, nil
}

// Result is the outcome of evaluating one order against one bar. Triggered
// survives across bars so a touched stop_limit rests as a plain limit.
type Result struct {
	Filled    bool
	Price     decimal.Decimal
	Fee       decimal.Decimal
	Liquidity schema.Liquidity
	Triggered bool
}

// Simulator decides fills from bars alone. Identical bars and identical
// order sequence yield identical fills.
type Simulator struct {
	policy Policy
}

// NewSimulator builds a simulator with the given policy.
func NewSimulator(policy Policy) *Simulator {
	return &Simulator{policy: policy}
}

// Evaluate tests the order's unfilled quantity against one bar. triggered
// carries the stop state from earlier bars. Orders always fill in full.
func (s *Simulator) Evaluate(order orderstore.Order, triggered bool, bar schema.Bar) Result {
	qty := order.Quantity.Sub(order.FilledQuantity)
	if !qty.IsPositive() {
		return Result{Triggered: triggered}
	}

	switch order.Type {
	case schema.OrderTypeMarket:
		price := s.slip(order.Side, bar.Open, bar)
		return s.filled(order.Side, qty, price, schema.LiquidityTaker, triggered)

	case schema.OrderTypeLimit:
		price, ok := limitCross(order.Side, *order.LimitPrice, bar)
		if !ok {
			return Result{Triggered: triggered}
		}
		return s.filled(order.Side, qty, price, schema.LiquidityMaker, triggered)

	case schema.OrderTypeStop:
		base := bar.Open
		if !triggered {
			if !stopTouched(order.Side, *order.StopPrice, bar) {
				return Result{}
			}
			base = breakoutPrice(order.Side, *order.StopPrice, bar)
		}
		price := s.slip(order.Side, base, bar)
		return s.filled(order.Side, qty, price, schema.LiquidityTaker, true)

	case schema.OrderTypeStopLimit:
		if !triggered {
			if !stopTouched(order.Side, *order.StopPrice, bar) {
				return Result{}
			}
		}
		price, ok := limitCross(order.Side, *order.LimitPrice, bar)
		if !ok {
			return Result{Triggered: true}
		}
		return s.filled(order.Side, qty, price, schema.LiquidityMaker, true)
	}
	return Result{Triggered: triggered}
}

func (s *Simulator) filled(side schema.Side, qty, price decimal.Decimal, liq schema.Liquidity, triggered bool) Result {
	return Result{
		Filled:    true,
		Price:     price,
		Fee:       s.commission(qty, price),
		Liquidity: liq,
		Triggered: triggered,
	}
}

// slip moves the base price against the order, bounded by the bar's range.
func (s *Simulator) slip(side schema.Side, base decimal.Decimal, bar schema.Bar) decimal.Decimal {
	amount := base.Mul(decimal.NewFromInt(s.policy.SlippageBps)).Div(bpsDivisor)
	amount = amount.Add(bar.Range().Mul(s.policy.SlippageRangePct))
	if side == schema.SideBuy {
		return decimal.Min(base.Add(amount), bar.High)
	}
	return decimal.Max(base.Sub(amount), bar.Low)
}

func (s *Simulator) commission(qty, price decimal.Decimal) decimal.Decimal {
	switch s.policy.CommissionModel {
	case CommissionFixed:
		return s.policy.CommissionValue
	case CommissionPerShare:
		return s.policy.CommissionValue.Mul(qty)
	case CommissionPercentage:
		return price.Mul(qty).Mul(s.policy.CommissionValue).Div(oneHundred)
	default:
		return decimal.Zero
	}
}

// limitCross reports whether the bar's range reaches the limit price and, if
// so, the execution price. An order marketable at the open gets the open.
func limitCross(side schema.Side, limit decimal.Decimal, bar schema.Bar) (decimal.Decimal, bool) {
	if side == schema.SideBuy {
		if bar.Low.GreaterThan(limit) {
			return decimal.Zero, false
		}
		return decimal.Min(bar.Open, limit), true
	}
	if bar.High.LessThan(limit) {
		return decimal.Zero, false
	}
	return decimal.Max(bar.Open, limit), true
}

// stopTouched reports whether the bar touched the stop price.
func stopTouched(side schema.Side, stop decimal.Decimal, bar schema.Bar) bool {
	if side == schema.SideBuy {
		return bar.High.GreaterThanOrEqual(stop)
	}
	return bar.Low.LessThanOrEqual(stop)
}

// breakoutPrice is where a stop triggered within this bar starts executing.
// A gap through the stop executes from the open.
func breakoutPrice(side schema.Side, stop decimal.Decimal, bar schema.Bar) decimal.Decimal {
	if side == schema.SideBuy {
		return decimal.Max(bar.Open, stop)
	}
	return decimal.Min(bar.Open, stop)
}
