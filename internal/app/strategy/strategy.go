// Package strategy defines the trading strategy contract and binds strategy
// instances to a run's event stream.
//
// A strategy never talks to an engine or a venue. It consumes ticks and bar
// windows and answers with actions; the runner turns actions into
// mode-agnostic envelopes and the router picks the engine. The same strategy
// code therefore drives live and backtest runs unchanged.
package strategy

import (
	"context"
	"strconv"

	"github.com/shopspring/decimal"

	"github.com/5TFG4/Weaver-sub002/internal/domain/schema"
)

// Action is one instruction returned by a strategy callback. The set is
// closed: FetchWindow and PlaceOrder are the only implementations.
type Action interface {
	isAction()
}

// FetchWindow asks for the most recent Lookback bars of Symbol, ending at
// the boundary of the triggering event.
type FetchWindow struct {
	Symbol   string
	Lookback int
}

func (FetchWindow) isAction() {}

// PlaceOrder asks for Intent to be submitted. The runner stamps the run id;
// everything else is the strategy's responsibility.
type PlaceOrder struct {
	Intent schema.OrderIntent
}

func (PlaceOrder) isAction() {}

// Strategy is one decision maker bound to one run. Callbacks arrive
// serialized on the run's dispatch path, so implementations are free to keep
// plain state. The tick's is_backtest field is a hint for diagnostics only;
// branching on it breaks live/backtest parity.
type Strategy interface {
	// OnTick is called at every bar boundary of the run's timeframe.
	OnTick(ctx context.Context, tick schema.ClockTick) ([]Action, error)
	// OnData is called when a requested window has been assembled.
	OnData(ctx context.Context, window schema.WindowReadyPayload) ([]Action, error)
}

// Closer is implemented by strategies holding releasable resources, such as
// script runtimes. The runner closes them on cleanup.
type Closer interface {
	Close()
}

// Params carries a run's strategy configuration. Values arrive through YAML
// or JSON, so numbers may be float64, int, or strings.
type Params map[string]any

// String returns the named parameter, or fallback when absent or not a
// string.
func (p Params) String(key, fallback string) string {
	if v, ok := p[key].(string); ok && v != "" {
		return v
	}
	return fallback
}

// Int returns the named parameter coerced to int, or fallback.
func (p Params) Int(key string, fallback int) int {
	switch v := p[key].(type) {
	case int:
		return v
	case int64:
		return int(v)
	case float64:
		return int(v)
	case string:
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}

// Decimal returns the named parameter coerced to a decimal, or fallback.
func (p Params) Decimal(key string, fallback decimal.Decimal) decimal.Decimal {
	switch v := p[key].(type) {
	case string:
		if d, err := decimal.NewFromString(v); err == nil {
			return d
		}
	case float64:
		return decimal.NewFromFloat(v)
	case int:
		return decimal.NewFromInt(int64(v))
	case int64:
		return decimal.NewFromInt(v)
	}
	return fallback
}
