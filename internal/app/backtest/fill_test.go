package backtest

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/5TFG4/Weaver-sub002/internal/domain/orderstore"
	"github.com/5TFG4/Weaver-sub002/internal/domain/schema"
	"github.com/5TFG4/Weaver-sub002/internal/errs"
	"github.com/5TFG4/Weaver-sub002/internal/infra/config"
)

func dec(v string) decimal.Decimal { return decimal.RequireFromString(v) }

func bar(open, high, low, closePx string) schema.Bar {
	return schema.Bar{
		Symbol:    "BTC/USD",
		Timeframe: schema.Timeframe1h,
		TS:        time.Date(2024, 1, 1, 10, 0, 0, 0, time.UTC),
		Open:      dec(open),
		High:      dec(high),
		Low:       dec(low),
		Close:     dec(closePx),
		Volume:    dec("10"),
	}
}

func order(side schema.Side, orderType schema.OrderType, qty string) orderstore.Order {
	return orderstore.Order{
		ID:             "ord-1",
		RunID:          "run-1",
		ClientOrderID:  "c-1",
		Symbol:         "BTC/USD",
		Side:           side,
		Type:           orderType,
		Quantity:       dec(qty),
		Status:         schema.OrderStatusAccepted,
		FilledQuantity: decimal.Zero,
	}
}

func withLimit(o orderstore.Order, limit string) orderstore.Order {
	price := dec(limit)
	o.LimitPrice = &price
	return o
}

func withStop(o orderstore.Order, stop string) orderstore.Order {
	price := dec(stop)
	o.StopPrice = &price
	return o
}

func noCost() *Simulator {
	return NewSimulator(Policy{CommissionModel: CommissionNone, CommissionValue: decimal.Zero})
}

func TestMarketFillsAtOpen(t *testing.T) {
	sim := noCost()
	res := sim.Evaluate(order(schema.SideBuy, schema.OrderTypeMarket, "2"), false, bar("100", "105", "98", "103"))
	if !res.Filled {
		t.Fatal("market order must fill")
	}
	if !res.Price.Equal(dec("100")) {
		t.Fatalf("fill price = %s, want open 100", res.Price)
	}
	if res.Liquidity != schema.LiquidityTaker {
		t.Fatalf("liquidity = %s, want taker", res.Liquidity)
	}
	if !res.Fee.IsZero() {
		t.Fatalf("fee = %s, want 0", res.Fee)
	}
}

func TestMarketSlippageMovesAgainstOrder(t *testing.T) {
	sim := NewSimulator(Policy{SlippageBps: 50, CommissionModel: CommissionNone, CommissionValue: decimal.Zero})

	buy := sim.Evaluate(order(schema.SideBuy, schema.OrderTypeMarket, "1"), false, bar("100", "105", "98", "103"))
	if !buy.Price.Equal(dec("100.5")) {
		t.Fatalf("buy price = %s, want 100.5", buy.Price)
	}
	sell := sim.Evaluate(order(schema.SideSell, schema.OrderTypeMarket, "1"), false, bar("100", "105", "98", "103"))
	if !sell.Price.Equal(dec("99.5")) {
		t.Fatalf("sell price = %s, want 99.5", sell.Price)
	}
}

func TestMarketSlippageClampedToBarRange(t *testing.T) {
	sim := NewSimulator(Policy{SlippageBps: 500, CommissionModel: CommissionNone, CommissionValue: decimal.Zero})

	buy := sim.Evaluate(order(schema.SideBuy, schema.OrderTypeMarket, "1"), false, bar("100", "100.2", "99.9", "100"))
	if !buy.Price.Equal(dec("100.2")) {
		t.Fatalf("buy price = %s, want clamp at high 100.2", buy.Price)
	}
	sell := sim.Evaluate(order(schema.SideSell, schema.OrderTypeMarket, "1"), false, bar("100", "100.2", "99.9", "100"))
	if !sell.Price.Equal(dec("99.9")) {
		t.Fatalf("sell price = %s, want clamp at low 99.9", sell.Price)
	}
}

func TestMarketSlippageFromBarRange(t *testing.T) {
	cfg := config.FillConfig{SlippageRangePct: 0.5, CommissionModel: CommissionNone, CommissionValue: "0"}
	policy, err := PolicyFromConfig(cfg)
	if err != nil {
		t.Fatalf("PolicyFromConfig() error = %v", err)
	}
	sim := NewSimulator(policy)

	// Range is 4; half of it moves the buy from 100 to 102.
	res := sim.Evaluate(order(schema.SideBuy, schema.OrderTypeMarket, "1"), false, bar("100", "103", "99", "102"))
	if !res.Price.Equal(dec("102")) {
		t.Fatalf("price = %s, want 102", res.Price)
	}
}

func TestBuyLimitRequiresRangeCross(t *testing.T) {
	sim := noCost()
	o := withLimit(order(schema.SideBuy, schema.OrderTypeLimit, "1"), "95")

	if res := sim.Evaluate(o, false, bar("100", "105", "96", "104")); res.Filled {
		t.Fatal("bar never reached the limit; must not fill")
	}
	res := sim.Evaluate(o, false, bar("100", "105", "94", "104"))
	if !res.Filled {
		t.Fatal("bar low crossed the limit; must fill")
	}
	if !res.Price.Equal(dec("95")) {
		t.Fatalf("price = %s, want limit 95", res.Price)
	}
	if res.Liquidity != schema.LiquidityMaker {
		t.Fatalf("liquidity = %s, want maker", res.Liquidity)
	}
}

func TestMarketableLimitGetsPriceImprovement(t *testing.T) {
	sim := noCost()

	buy := withLimit(order(schema.SideBuy, schema.OrderTypeLimit, "1"), "105")
	res := sim.Evaluate(buy, false, bar("100", "106", "99", "104"))
	if !res.Filled || !res.Price.Equal(dec("100")) {
		t.Fatalf("marketable buy limit: filled=%v price=%s, want fill at open 100", res.Filled, res.Price)
	}

	sell := withLimit(order(schema.SideSell, schema.OrderTypeLimit, "1"), "95")
	res = sim.Evaluate(sell, false, bar("100", "106", "99", "104"))
	if !res.Filled || !res.Price.Equal(dec("100")) {
		t.Fatalf("marketable sell limit: filled=%v price=%s, want fill at open 100", res.Filled, res.Price)
	}
}

func TestSellLimitFillsAboveOrAtLimit(t *testing.T) {
	sim := noCost()
	o := withLimit(order(schema.SideSell, schema.OrderTypeLimit, "1"), "105")

	if res := sim.Evaluate(o, false, bar("100", "104", "98", "103")); res.Filled {
		t.Fatal("bar high below limit; must not fill")
	}
	res := sim.Evaluate(o, false, bar("100", "106", "98", "103"))
	if !res.Filled || !res.Price.Equal(dec("105")) {
		t.Fatalf("filled=%v price=%s, want fill at limit 105", res.Filled, res.Price)
	}
}

func TestBuyStopTriggersIntoMarket(t *testing.T) {
	sim := noCost()
	o := withStop(order(schema.SideBuy, schema.OrderTypeStop, "1"), "105")

	res := sim.Evaluate(o, false, bar("100", "104", "98", "103"))
	if res.Filled || res.Triggered {
		t.Fatal("stop untouched; must neither trigger nor fill")
	}

	// Touched intrabar: executes from the stop price.
	res = sim.Evaluate(o, false, bar("100", "106", "98", "103"))
	if !res.Filled || !res.Price.Equal(dec("105")) {
		t.Fatalf("filled=%v price=%s, want fill at stop 105", res.Filled, res.Price)
	}
	if res.Liquidity != schema.LiquidityTaker {
		t.Fatalf("liquidity = %s, want taker", res.Liquidity)
	}

	// Gap through the stop: executes from the open.
	res = sim.Evaluate(o, false, bar("107", "109", "106", "108"))
	if !res.Filled || !res.Price.Equal(dec("107")) {
		t.Fatalf("filled=%v price=%s, want fill at open 107", res.Filled, res.Price)
	}
}

func TestSellStopTriggersIntoMarket(t *testing.T) {
	sim := noCost()
	o := withStop(order(schema.SideSell, schema.OrderTypeStop, "1"), "95")

	res := sim.Evaluate(o, false, bar("100", "104", "96", "103"))
	if res.Filled {
		t.Fatal("stop untouched; must not fill")
	}
	res = sim.Evaluate(o, false, bar("100", "104", "94", "96"))
	if !res.Filled || !res.Price.Equal(dec("95")) {
		t.Fatalf("filled=%v price=%s, want fill at stop 95", res.Filled, res.Price)
	}
}

func TestStopLimitTriggersThenRestsAsLimit(t *testing.T) {
	sim := noCost()
	o := withStop(withLimit(order(schema.SideBuy, schema.OrderTypeStopLimit, "1"), "104"), "105")

	// Stop touched but price ran away from the limit: triggered, unfilled.
	res := sim.Evaluate(o, false, bar("105", "108", "105", "107"))
	if res.Filled {
		t.Fatal("limit never crossed; must not fill")
	}
	if !res.Triggered {
		t.Fatal("stop was touched; must report triggered")
	}

	// Next bar pulls back through the limit; evaluated as a plain limit.
	res = sim.Evaluate(o, true, bar("106", "107", "103", "104"))
	if !res.Filled || !res.Price.Equal(dec("104")) {
		t.Fatalf("filled=%v price=%s, want fill at limit 104", res.Filled, res.Price)
	}
}

func TestStopLimitUntouchedStaysDormant(t *testing.T) {
	sim := noCost()
	o := withStop(withLimit(order(schema.SideBuy, schema.OrderTypeStopLimit, "1"), "104"), "110")

	// The bar crosses the limit but never the stop; the order must not wake.
	res := sim.Evaluate(o, false, bar("105", "106", "103", "104"))
	if res.Filled || res.Triggered {
		t.Fatalf("dormant stop_limit evaluated: %+v", res)
	}
}

func TestCommissionModels(t *testing.T) {
	cases := []struct {
		model   string
		value   string
		wantFee string
	}{
		{CommissionNone, "0", "0"},
		{CommissionFixed, "1.5", "1.5"},
		{CommissionPerShare, "0.25", "1"},    // 4 shares
		{CommissionPercentage, "0.1", "0.4"}, // 0.1% of 4 x 100
	}
	for _, tc := range cases {
		sim := NewSimulator(Policy{CommissionModel: tc.model, CommissionValue: dec(tc.value)})
		res := sim.Evaluate(order(schema.SideBuy, schema.OrderTypeMarket, "4"), false, bar("100", "105", "98", "103"))
		if !res.Fee.Equal(dec(tc.wantFee)) {
			t.Errorf("%s fee = %s, want %s", tc.model, res.Fee, tc.wantFee)
		}
	}
}

func TestAlreadyFilledOrderIsInert(t *testing.T) {
	sim := noCost()
	o := order(schema.SideBuy, schema.OrderTypeMarket, "2")
	o.FilledQuantity = dec("2")
	if res := sim.Evaluate(o, false, bar("100", "105", "98", "103")); res.Filled {
		t.Fatal("fully filled order must not fill again")
	}
}

func TestPolicyFromConfigRejectsBadInput(t *testing.T) {
	cases := []config.FillConfig{
		{SlippageBps: -1, CommissionModel: CommissionNone, CommissionValue: "0"},
		{SlippageRangePct: 1.5, CommissionModel: CommissionNone, CommissionValue: "0"},
		{CommissionModel: "flat", CommissionValue: "0"},
		{CommissionModel: CommissionFixed, CommissionValue: "abc"},
		{CommissionModel: CommissionFixed, CommissionValue: "-1"},
	}
	for i, cfg := range cases {
		if _, err := PolicyFromConfig(cfg); errs.CodeOf(err) != errs.CodeInvalid {
			t.Errorf("case %d: code = %v, want invalid_request", i, errs.CodeOf(err))
		}
	}
}
