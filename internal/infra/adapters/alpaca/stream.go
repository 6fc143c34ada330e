package alpaca

import (
	"context"
	"strconv"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/coder/websocket"
	"github.com/goccy/go-json"
	"go.uber.org/zap"

	"github.com/5TFG4/Weaver-sub002/internal/app/exchange"
	"github.com/5TFG4/Weaver-sub002/internal/domain/schema"
	"github.com/5TFG4/Weaver-sub002/internal/errs"
)

const (
	pingInterval     = 30 * time.Second
	writeTimeout     = 5 * time.Second
	readLimit        = 2 * 1024 * 1024
	streamBuffer     = 256
	errBuffer        = 8
	maxReconnectWait = 30 * time.Second
)

// socket keeps one websocket session alive for the lifetime of ctx. It
// re-dials with exponential backoff and replays the hello frames after every
// reconnect, so auth and subscriptions survive venue restarts. Frame handling
// errors are reported, not fatal; only ctx cancellation ends the session.
type socket struct {
	name        string
	url         string
	hello       [][]byte
	handle      func(ctx context.Context, frame []byte)
	reports     chan error
	logger      *zap.Logger
	initialWait time.Duration
}

func (s *socket) run(ctx context.Context) {
	bo := backoff.NewExponentialBackOff()
	if s.initialWait > 0 {
		bo.InitialInterval = s.initialWait
	}
	bo.MaxInterval = maxReconnectWait
	for ctx.Err() == nil {
		conn, _, err := websocket.Dial(ctx, s.url, nil)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			s.report(errs.Transient(scope, err, errs.WithMessage(s.name+" stream dial")))
			if !s.pause(ctx, bo) {
				return
			}
			continue
		}
		conn.SetReadLimit(readLimit)
		if err := s.sendHello(ctx, conn); err != nil {
			_ = conn.Close(websocket.StatusNormalClosure, "handshake failed")
			if ctx.Err() != nil {
				return
			}
			s.report(err)
			if !s.pause(ctx, bo) {
				return
			}
			continue
		}
		bo.Reset()
		s.logger.Info("stream connected", zap.String("stream", s.name), zap.String("url", s.url))

		err = s.pump(ctx, conn)
		_ = conn.Close(websocket.StatusNormalClosure, "")
		if ctx.Err() != nil {
			return
		}
		if err != nil {
			s.report(err)
		}
		s.logger.Warn("stream disconnected, reconnecting", zap.String("stream", s.name), zap.Error(err))
		if !s.pause(ctx, bo) {
			return
		}
	}
}

// pump serves one connection: a read loop and a keepalive loop, where the
// first failure tears both down.
func (s *socket) pump(ctx context.Context, conn *websocket.Conn) error {
	connCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	failures := make(chan error, 2)
	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		failures <- s.readLoop(connCtx, conn)
	}()
	go func() {
		defer wg.Done()
		failures <- s.pingLoop(connCtx, conn)
	}()

	err := <-failures
	cancel()
	wg.Wait()
	close(failures)
	for range failures {
	}
	return err
}

func (s *socket) readLoop(ctx context.Context, conn *websocket.Conn) error {
	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			if ctx.Err() != nil || websocket.CloseStatus(err) == websocket.StatusNormalClosure {
				return nil
			}
			return errs.Transient(scope, err, errs.WithMessage(s.name+" stream read"))
		}
		s.handle(ctx, data)
	}
}

func (s *socket) pingLoop(ctx context.Context, conn *websocket.Conn) error {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			pingCtx, cancel := context.WithTimeout(ctx, writeTimeout)
			err := conn.Ping(pingCtx)
			cancel()
			if err != nil {
				if ctx.Err() != nil {
					return nil
				}
				return errs.Transient(scope, err, errs.WithMessage(s.name+" stream ping"))
			}
		}
	}
}

func (s *socket) sendHello(ctx context.Context, conn *websocket.Conn) error {
	for _, frame := range s.hello {
		writeCtx, cancel := context.WithTimeout(ctx, writeTimeout)
		err := conn.Write(writeCtx, websocket.MessageText, frame)
		cancel()
		if err != nil {
			return errs.Transient(scope, err, errs.WithMessage(s.name+" stream handshake"))
		}
	}
	return nil
}

func (s *socket) pause(ctx context.Context, bo *backoff.ExponentialBackOff) bool {
	wait := bo.NextBackOff()
	if wait == backoff.Stop {
		wait = maxReconnectWait
	}
	timer := time.NewTimer(wait)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}

// report never blocks the stream loops. A full error buffer drops the report
// after logging it.
func (s *socket) report(err error) {
	select {
	case s.reports <- err:
	default:
		s.logger.Warn("stream error dropped, error buffer full",
			zap.String("stream", s.name), zap.Error(err))
	}
}

// Execution-report stream frames.

type streamEnvelope struct {
	Stream string          `json:"stream"`
	Data   json.RawMessage `json:"data"`
}

type authPayload struct {
	Status string `json:"status"`
}

type tradeUpdatePayload struct {
	Event     string      `json:"event"`
	Price     string      `json:"price"`
	Qty       string      `json:"qty"`
	Timestamp time.Time   `json:"timestamp"`
	Order     orderRecord `json:"order"`
}

// Market-data stream messages. Each frame is a JSON array of messages tagged
// by "T".

type dataHead struct {
	Type string `json:"T"`
}

type dataError struct {
	Code int    `json:"code"`
	Msg  string `json:"msg"`
}

type quoteMessage struct {
	Type     string      `json:"T"`
	Symbol   string      `json:"S"`
	BidPrice json.Number `json:"bp"`
	BidSize  json.Number `json:"bs"`
	AskPrice json.Number `json:"ap"`
	AskSize  json.Number `json:"as"`
	TS       time.Time   `json:"t"`
}

type barMessage struct {
	Type       string      `json:"T"`
	Symbol     string      `json:"S"`
	Open       json.Number `json:"o"`
	High       json.Number `json:"h"`
	Low        json.Number `json:"l"`
	Close      json.Number `json:"c"`
	Volume     json.Number `json:"v"`
	TradeCount int64       `json:"n"`
	VWAP       json.Number `json:"vw"`
	TS         time.Time   `json:"t"`
}

// StreamTrades opens the account's execution-report stream. The update
// channel closes when ctx ends; reconnects in between are invisible apart
// from transient errors on the error channel.
func (a *Adapter) StreamTrades(ctx context.Context) (<-chan exchange.OrderUpdate, <-chan error, error) {
	auth, err := json.Marshal(map[string]string{
		"action": "auth",
		"key":    a.creds.APIKey,
		"secret": a.creds.APISecret,
	})
	if err != nil {
		return nil, nil, errs.Internal(scope, err)
	}
	listen, err := json.Marshal(map[string]any{
		"action": "listen",
		"data":   map[string]any{"streams": []string{"trade_updates"}},
	})
	if err != nil {
		return nil, nil, errs.Internal(scope, err)
	}

	updates := make(chan exchange.OrderUpdate, streamBuffer)
	reports := make(chan error, errBuffer)
	s := &socket{
		name:        "trade updates",
		url:         a.tradeStreamURL,
		hello:       [][]byte{auth, listen},
		reports:     reports,
		logger:      a.logger,
		initialWait: a.reconnectWait,
	}
	s.handle = func(ctx context.Context, frame []byte) {
		a.handleTradeFrame(ctx, s, frame, updates)
	}
	go func() {
		defer close(reports)
		defer close(updates)
		s.run(ctx)
	}()
	return updates, reports, nil
}

func (a *Adapter) handleTradeFrame(ctx context.Context, s *socket, frame []byte, updates chan<- exchange.OrderUpdate) {
	var env streamEnvelope
	if err := json.Unmarshal(frame, &env); err != nil {
		s.report(errs.Internal(scope, err, errs.WithMessage("bad trade stream frame")))
		return
	}
	switch env.Stream {
	case "authorization":
		var auth authPayload
		if err := json.Unmarshal(env.Data, &auth); err != nil {
			s.report(errs.Internal(scope, err, errs.WithMessage("bad authorization payload")))
			return
		}
		if auth.Status != "" && auth.Status != "authorized" {
			s.report(errs.New(scope, errs.CodeUnavailable,
				errs.WithMessage("trade stream "+auth.Status)))
		}
	case "listening":
		// Subscription confirmed.
	case "trade_updates":
		upd, err := decodeTradeUpdate(env.Data)
		if err != nil {
			s.report(err)
			return
		}
		select {
		case updates <- upd:
		case <-ctx.Done():
		}
	default:
		a.logger.Debug("ignoring trade stream frame", zap.String("frame_stream", env.Stream))
	}
}

func decodeTradeUpdate(raw json.RawMessage) (exchange.OrderUpdate, error) {
	var payload tradeUpdatePayload
	if err := json.Unmarshal(raw, &payload); err != nil {
		return exchange.OrderUpdate{}, errs.Internal(scope, err, errs.WithMessage("bad trade update payload"))
	}
	filled, err := parseDecimal(payload.Order.FilledQty)
	if err != nil {
		return exchange.OrderUpdate{}, errs.Internal(scope, err, errs.WithMessage("bad filled_qty in trade update"))
	}
	upd := exchange.OrderUpdate{
		Event:           payload.Event,
		ExchangeOrderID: payload.Order.ID,
		ClientOrderID:   payload.Order.ClientOrderID,
		Symbol:          payload.Order.Symbol,
		FilledQuantity:  filled,
		TS:              payload.Timestamp,
	}
	if upd.TS.IsZero() {
		upd.TS = payload.Order.UpdatedAt
	}
	if payload.Event == exchange.UpdateFill || payload.Event == exchange.UpdatePartialFill {
		if upd.FillQuantity, err = parseOptDecimal(payload.Qty); err != nil {
			return exchange.OrderUpdate{}, errs.Internal(scope, err, errs.WithMessage("bad qty in trade update"))
		}
		if upd.FillPrice, err = parseOptDecimal(payload.Price); err != nil {
			return exchange.OrderUpdate{}, errs.Internal(scope, err, errs.WithMessage("bad price in trade update"))
		}
	}
	return upd, nil
}

// StreamQuotes subscribes to top-of-book updates on the market-data stream.
func (a *Adapter) StreamQuotes(ctx context.Context, symbols []string) (<-chan exchange.Quote, <-chan error, error) {
	if len(symbols) == 0 {
		return nil, nil, errs.Invalid(scope, "symbols required")
	}
	hello, err := a.dataHello(map[string]any{"action": "subscribe", "quotes": symbols})
	if err != nil {
		return nil, nil, err
	}

	quotes := make(chan exchange.Quote, streamBuffer)
	reports := make(chan error, errBuffer)
	s := &socket{
		name:        "quotes",
		url:         a.dataStreamURL,
		hello:       hello,
		reports:     reports,
		logger:      a.logger,
		initialWait: a.reconnectWait,
	}
	s.handle = func(ctx context.Context, frame []byte) {
		a.handleDataFrame(s, frame, func(kind string, raw json.RawMessage) {
			if kind != "q" {
				return
			}
			var msg quoteMessage
			if err := json.Unmarshal(raw, &msg); err != nil {
				s.report(errs.Internal(scope, err, errs.WithMessage("bad quote message")))
				return
			}
			quote, err := toQuote(msg)
			if err != nil {
				s.report(err)
				return
			}
			select {
			case quotes <- quote:
			case <-ctx.Done():
			}
		})
	}
	go func() {
		defer close(reports)
		defer close(quotes)
		s.run(ctx)
	}()
	return quotes, reports, nil
}

// StreamBars subscribes to completed minute bars on the market-data stream.
func (a *Adapter) StreamBars(ctx context.Context, symbols []string) (<-chan schema.Bar, <-chan error, error) {
	if len(symbols) == 0 {
		return nil, nil, errs.Invalid(scope, "symbols required")
	}
	hello, err := a.dataHello(map[string]any{"action": "subscribe", "bars": symbols})
	if err != nil {
		return nil, nil, err
	}

	bars := make(chan schema.Bar, streamBuffer)
	reports := make(chan error, errBuffer)
	s := &socket{
		name:        "bars",
		url:         a.dataStreamURL,
		hello:       hello,
		reports:     reports,
		logger:      a.logger,
		initialWait: a.reconnectWait,
	}
	s.handle = func(ctx context.Context, frame []byte) {
		a.handleDataFrame(s, frame, func(kind string, raw json.RawMessage) {
			if kind != "b" {
				return
			}
			var msg barMessage
			if err := json.Unmarshal(raw, &msg); err != nil {
				s.report(errs.Internal(scope, err, errs.WithMessage("bad bar message")))
				return
			}
			bar, err := toStreamBar(msg)
			if err != nil {
				s.report(err)
				return
			}
			select {
			case bars <- bar:
			case <-ctx.Done():
			}
		})
	}
	go func() {
		defer close(reports)
		defer close(bars)
		s.run(ctx)
	}()
	return bars, reports, nil
}

func (a *Adapter) dataHello(subscribe map[string]any) ([][]byte, error) {
	auth, err := json.Marshal(map[string]string{
		"action": "auth",
		"key":    a.creds.APIKey,
		"secret": a.creds.APISecret,
	})
	if err != nil {
		return nil, errs.Internal(scope, err)
	}
	sub, err := json.Marshal(subscribe)
	if err != nil {
		return nil, errs.Internal(scope, err)
	}
	return [][]byte{auth, sub}, nil
}

// handleDataFrame splits a market-data frame into its tagged messages.
// Control acknowledgements pass silently; venue errors surface on the
// stream's error channel; everything else goes to deliver.
func (a *Adapter) handleDataFrame(s *socket, frame []byte, deliver func(kind string, raw json.RawMessage)) {
	var messages []json.RawMessage
	if err := json.Unmarshal(frame, &messages); err != nil {
		s.report(errs.Internal(scope, err, errs.WithMessage("bad market data frame")))
		return
	}
	for _, raw := range messages {
		var head dataHead
		if err := json.Unmarshal(raw, &head); err != nil {
			s.report(errs.Internal(scope, err, errs.WithMessage("bad market data message")))
			continue
		}
		switch head.Type {
		case "success", "subscription":
			// Control acknowledgements.
		case "error":
			var bad dataError
			_ = json.Unmarshal(raw, &bad)
			s.report(errs.New(scope, errs.CodeUnavailable,
				errs.WithMessage("market data stream error"),
				errs.WithRawCode(strconv.Itoa(bad.Code)),
				errs.WithRawMessage(bad.Msg)))
		default:
			deliver(head.Type, raw)
		}
	}
}

func toQuote(msg quoteMessage) (exchange.Quote, error) {
	quote := exchange.Quote{Symbol: msg.Symbol, TS: msg.TS.UTC()}
	var err error
	if quote.BidPrice, err = numberDecimal(msg.BidPrice); err != nil {
		return exchange.Quote{}, errs.Internal(scope, err, errs.WithMessage("bad bid price in quote"))
	}
	if quote.BidSize, err = numberDecimal(msg.BidSize); err != nil {
		return exchange.Quote{}, errs.Internal(scope, err, errs.WithMessage("bad bid size in quote"))
	}
	if quote.AskPrice, err = numberDecimal(msg.AskPrice); err != nil {
		return exchange.Quote{}, errs.Internal(scope, err, errs.WithMessage("bad ask price in quote"))
	}
	if quote.AskSize, err = numberDecimal(msg.AskSize); err != nil {
		return exchange.Quote{}, errs.Internal(scope, err, errs.WithMessage("bad ask size in quote"))
	}
	return quote, nil
}

// toStreamBar maps a streamed bar onto the domain type. The data stream
// emits minute bars only.
func toStreamBar(msg barMessage) (schema.Bar, error) {
	bar := schema.Bar{Symbol: msg.Symbol, Timeframe: schema.Timeframe1m, TS: msg.TS.UTC()}
	var err error
	if bar.Open, err = numberDecimal(msg.Open); err != nil {
		return schema.Bar{}, errs.Internal(scope, err, errs.WithMessage("bad open in bar message"))
	}
	if bar.High, err = numberDecimal(msg.High); err != nil {
		return schema.Bar{}, errs.Internal(scope, err, errs.WithMessage("bad high in bar message"))
	}
	if bar.Low, err = numberDecimal(msg.Low); err != nil {
		return schema.Bar{}, errs.Internal(scope, err, errs.WithMessage("bad low in bar message"))
	}
	if bar.Close, err = numberDecimal(msg.Close); err != nil {
		return schema.Bar{}, errs.Internal(scope, err, errs.WithMessage("bad close in bar message"))
	}
	if bar.Volume, err = numberDecimal(msg.Volume); err != nil {
		return schema.Bar{}, errs.Internal(scope, err, errs.WithMessage("bad volume in bar message"))
	}
	if msg.TradeCount > 0 {
		count := msg.TradeCount
		bar.TradeCount = &count
	}
	if msg.VWAP != "" {
		vwap, err := numberDecimal(msg.VWAP)
		if err != nil {
			return schema.Bar{}, errs.Internal(scope, err, errs.WithMessage("bad vwap in bar message"))
		}
		bar.VWAP = &vwap
	}
	return bar, nil
}
