package plugin

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/dop251/goja"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/5TFG4/Weaver-sub002/internal/app/strategy"
	"github.com/5TFG4/Weaver-sub002/internal/domain/schema"
	"github.com/5TFG4/Weaver-sub002/internal/errs"
)

// jsStrategy binds one instantiated plugin object to the strategy contract.
// Script calls hold the mutex, so callbacks stay serialized even if the
// caller is not. Numbers cross into JavaScript as strings when they carry
// money; timestamps cross as RFC 3339 strings.
type jsStrategy struct {
	id     string
	rt     *goja.Runtime
	self   *goja.Object
	onTick goja.Callable
	onData goja.Callable
	logger *zap.Logger

	mu     sync.Mutex
	closed bool
}

var _ strategy.Strategy = (*jsStrategy)(nil)
var _ strategy.Closer = (*jsStrategy)(nil)

func (s *jsStrategy) OnTick(ctx context.Context, tick schema.ClockTick) ([]strategy.Action, error) {
	if s.onTick == nil {
		return nil, nil
	}
	return s.invoke(ctx, s.onTick, func() goja.Value {
		return s.rt.ToValue(map[string]any{
			"run_id":      tick.RunID,
			"ts":          tick.TS.UTC().Format(time.RFC3339Nano),
			"timeframe":   string(tick.Timeframe),
			"bar_index":   tick.BarIndex,
			"is_backtest": tick.IsBacktest,
		})
	})
}

func (s *jsStrategy) OnData(ctx context.Context, window schema.WindowReadyPayload) ([]strategy.Action, error) {
	if s.onData == nil {
		return nil, nil
	}
	return s.invoke(ctx, s.onData, func() goja.Value {
		bars := make([]any, 0, len(window.Bars))
		for _, bar := range window.Bars {
			bars = append(bars, map[string]any{
				"ts":     bar.TS.UTC().Format(time.RFC3339Nano),
				"open":   bar.Open.String(),
				"high":   bar.High.String(),
				"low":    bar.Low.String(),
				"close":  bar.Close.String(),
				"volume": bar.Volume.String(),
			})
		}
		return s.rt.ToValue(map[string]any{
			"symbol":    window.Symbol,
			"timeframe": string(window.Timeframe),
			"end_ts":    window.EndTS.UTC().Format(time.RFC3339Nano),
			"bars":      bars,
		})
	})
}

// Close interrupts any in-flight script and retires the instance. Safe to
// call concurrently with callbacks and more than once.
func (s *jsStrategy) Close() {
	s.rt.Interrupt("strategy closed")
	s.mu.Lock()
	already := s.closed
	s.closed = true
	s.mu.Unlock()
	if !already {
		s.logger.Debug("strategy instance closed")
	}
}

func (s *jsStrategy) invoke(ctx context.Context, fn goja.Callable, arg func() goja.Value) ([]strategy.Action, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, nil
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	// A cancelled context interrupts the script so an over-budget tick does
	// not leave a runaway goroutine behind.
	watch := make(chan struct{})
	watchDone := make(chan struct{})
	go func() {
		defer close(watchDone)
		select {
		case <-ctx.Done():
			s.rt.Interrupt(ctx.Err())
		case <-watch:
		}
	}()
	value, err := fn(s.self, arg())
	close(watch)
	<-watchDone
	s.rt.ClearInterrupt()

	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		return nil, errs.Internal(scope, err, errs.WithMessage("strategy script failed"), errs.WithDetail("plugin_id", s.id))
	}
	actions, err := s.coerceActions(value)
	if err != nil {
		return nil, errs.Invalid(scope, "strategy returned malformed actions", errs.WithCause(err), errs.WithDetail("plugin_id", s.id))
	}
	return actions, nil
}

// coerceActions maps the script's return value onto the closed action set.
// Scripts answer with an array of tagged objects:
//
//	{type: "fetch_window", symbol, lookback}
//	{type: "place_order", intent: {client_order_id, symbol, side, type,
//	                               quantity, limit_price?, stop_price?,
//	                               time_in_force?}}
func (s *jsStrategy) coerceActions(value goja.Value) ([]strategy.Action, error) {
	if value == nil || goja.IsUndefined(value) || goja.IsNull(value) {
		return nil, nil
	}
	items, ok := value.Export().([]any)
	if !ok {
		return nil, fmt.Errorf("return value must be an action array")
	}
	out := make([]strategy.Action, 0, len(items))
	for i, item := range items {
		fields, ok := item.(map[string]any)
		if !ok {
			return nil, fmt.Errorf("action %d must be an object", i)
		}
		switch kind := stringField(fields, "type"); kind {
		case "fetch_window":
			lookback := intField(fields, "lookback")
			if lookback <= 0 {
				return nil, fmt.Errorf("action %d: lookback must be positive", i)
			}
			out = append(out, strategy.FetchWindow{
				Symbol:   stringField(fields, "symbol"),
				Lookback: lookback,
			})
		case "place_order":
			intentFields, ok := fields["intent"].(map[string]any)
			if !ok {
				return nil, fmt.Errorf("action %d: place_order requires an intent object", i)
			}
			intent, err := intentFromFields(intentFields)
			if err != nil {
				return nil, fmt.Errorf("action %d: %w", i, err)
			}
			out = append(out, strategy.PlaceOrder{Intent: intent})
		default:
			return nil, fmt.Errorf("action %d: unknown type %q", i, kind)
		}
	}
	return out, nil
}

func intentFromFields(fields map[string]any) (schema.OrderIntent, error) {
	quantity, ok, err := decimalField(fields, "quantity")
	if err != nil {
		return schema.OrderIntent{}, err
	}
	if !ok {
		return schema.OrderIntent{}, fmt.Errorf("quantity required")
	}
	intent := schema.OrderIntent{
		ClientOrderID: stringField(fields, "client_order_id"),
		Symbol:        stringField(fields, "symbol"),
		Side:          schema.Side(stringField(fields, "side")),
		Type:          schema.OrderType(stringField(fields, "type")),
		Quantity:      quantity,
		TimeInForce:   schema.TimeInForce(stringField(fields, "time_in_force")),
	}
	if limit, ok, err := decimalField(fields, "limit_price"); err != nil {
		return schema.OrderIntent{}, err
	} else if ok {
		intent.LimitPrice = &limit
	}
	if stop, ok, err := decimalField(fields, "stop_price"); err != nil {
		return schema.OrderIntent{}, err
	} else if ok {
		intent.StopPrice = &stop
	}
	return intent, nil
}

func stringField(fields map[string]any, key string) string {
	v, _ := fields[key].(string)
	return strings.TrimSpace(v)
}

func intField(fields map[string]any, key string) int {
	switch v := fields[key].(type) {
	case int64:
		return int(v)
	case float64:
		return int(v)
	case int:
		return v
	}
	return 0
}

// decimalField accepts JavaScript numbers and strings; absent or null keys
// report ok=false without error.
func decimalField(fields map[string]any, key string) (decimal.Decimal, bool, error) {
	raw, present := fields[key]
	if !present || raw == nil {
		return decimal.Decimal{}, false, nil
	}
	switch v := raw.(type) {
	case string:
		d, err := decimal.NewFromString(strings.TrimSpace(v))
		if err != nil {
			return decimal.Decimal{}, false, fmt.Errorf("%s must be numeric", key)
		}
		return d, true, nil
	case float64:
		return decimal.NewFromFloat(v), true, nil
	case int64:
		return decimal.NewFromInt(v), true, nil
	case int:
		return decimal.NewFromInt(int64(v)), true, nil
	}
	return decimal.Decimal{}, false, fmt.Errorf("%s must be numeric", key)
}
