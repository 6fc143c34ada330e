package alpaca

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/goccy/go-json"
	"github.com/shopspring/decimal"

	"github.com/5TFG4/Weaver-sub002/internal/app/exchange"
	"github.com/5TFG4/Weaver-sub002/internal/domain/schema"
	"github.com/5TFG4/Weaver-sub002/internal/errs"
)

// Money and quantity fields arrive as JSON strings on the trading API and as
// JSON numbers on the market-data API; both decode through decimal strings so
// no value ever passes through a float.

type orderRequest struct {
	Symbol        string `json:"symbol"`
	Qty           string `json:"qty"`
	Side          string `json:"side"`
	Type          string `json:"type"`
	TimeInForce   string `json:"time_in_force"`
	LimitPrice    string `json:"limit_price,omitempty"`
	StopPrice     string `json:"stop_price,omitempty"`
	ClientOrderID string `json:"client_order_id"`
}

type orderRecord struct {
	ID             string    `json:"id"`
	ClientOrderID  string    `json:"client_order_id"`
	Symbol         string    `json:"symbol"`
	Status         string    `json:"status"`
	FilledQty      string    `json:"filled_qty"`
	FilledAvgPrice string    `json:"filled_avg_price"`
	SubmittedAt    time.Time `json:"submitted_at"`
	UpdatedAt      time.Time `json:"updated_at"`
}

type accountRecord struct {
	ID          string `json:"id"`
	Currency    string `json:"currency"`
	Cash        string `json:"cash"`
	Equity      string `json:"equity"`
	BuyingPower string `json:"buying_power"`
}

type positionRecord struct {
	Symbol        string `json:"symbol"`
	Qty           string `json:"qty"`
	Side          string `json:"side"`
	AvgEntryPrice string `json:"avg_entry_price"`
	MarketValue   string `json:"market_value"`
	UnrealizedPL  string `json:"unrealized_pl"`
}

type clockRecord struct {
	Timestamp time.Time `json:"timestamp"`
	IsOpen    bool      `json:"is_open"`
	NextOpen  time.Time `json:"next_open"`
	NextClose time.Time `json:"next_close"`
}

type calendarRecord struct {
	Date  string `json:"date"`
	Open  string `json:"open"`
	Close string `json:"close"`
}

type barRecord struct {
	TS         time.Time   `json:"t"`
	Open       json.Number `json:"o"`
	High       json.Number `json:"h"`
	Low        json.Number `json:"l"`
	Close      json.Number `json:"c"`
	Volume     json.Number `json:"v"`
	TradeCount int64       `json:"n"`
	VWAP       json.Number `json:"vw"`
}

type barsResponse struct {
	Bars          []barRecord `json:"bars"`
	Symbol        string      `json:"symbol"`
	NextPageToken string      `json:"next_page_token"`
}

type apiError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

// wireTimeframes maps bar resolutions to the venue's timeframe tokens.
var wireTimeframes = map[schema.Timeframe]string{
	schema.Timeframe1m:  "1Min",
	schema.Timeframe5m:  "5Min",
	schema.Timeframe15m: "15Min",
	schema.Timeframe30m: "30Min",
	schema.Timeframe1h:  "1Hour",
	schema.Timeframe4h:  "4Hour",
	schema.Timeframe1d:  "1Day",
}

func statusFromWire(status string) schema.OrderStatus {
	switch status {
	case "new", "accepted", "accepted_for_bidding":
		return schema.OrderStatusAccepted
	case "pending_new":
		return schema.OrderStatusSubmitted
	case "partially_filled":
		return schema.OrderStatusPartial
	case "filled":
		return schema.OrderStatusFilled
	case "canceled", "pending_cancel", "done_for_day", "stopped":
		return schema.OrderStatusCancelled
	case "rejected", "suspended":
		return schema.OrderStatusRejected
	case "expired":
		return schema.OrderStatusExpired
	default:
		return schema.OrderStatusAccepted
	}
}

// parseDecimal tolerates absent fields: the venue omits or nulls money fields
// that do not apply yet, which decode as empty strings.
func parseDecimal(raw string) (decimal.Decimal, error) {
	if raw == "" {
		return decimal.Decimal{}, nil
	}
	return decimal.NewFromString(raw)
}

func parseOptDecimal(raw string) (*decimal.Decimal, error) {
	if raw == "" {
		return nil, nil
	}
	d, err := decimal.NewFromString(raw)
	if err != nil {
		return nil, err
	}
	return &d, nil
}

func numberDecimal(n json.Number) (decimal.Decimal, error) {
	if n == "" {
		return decimal.Decimal{}, nil
	}
	return decimal.NewFromString(n.String())
}

func (a *Adapter) toView(rec orderRecord) (exchange.OrderView, error) {
	filled, err := parseDecimal(rec.FilledQty)
	if err != nil {
		return exchange.OrderView{}, errs.Internal(scope, err, errs.WithMessage("bad filled_qty in order payload"))
	}
	avg, err := parseOptDecimal(rec.FilledAvgPrice)
	if err != nil {
		return exchange.OrderView{}, errs.Internal(scope, err, errs.WithMessage("bad filled_avg_price in order payload"))
	}
	return exchange.OrderView{
		ExchangeOrderID: rec.ID,
		ClientOrderID:   rec.ClientOrderID,
		Symbol:          rec.Symbol,
		Status:          statusFromWire(rec.Status),
		FilledQuantity:  filled,
		AvgFillPrice:    avg,
		UpdatedAt:       rec.UpdatedAt,
	}, nil
}

// wait charges the shared REST budget before a call goes out.
func (a *Adapter) wait(ctx context.Context) error {
	if err := a.limiter.Wait(ctx); err != nil {
		return errs.Transient(scope, err, errs.WithMessage("rate limit wait"))
	}
	return nil
}

// restErr maps a non-2xx trading or data response onto the domain error
// taxonomy. 401 means operator-level credential trouble, not an order
// problem; 403 and 422 are venue rejections of the request itself.
func restErr(resp *resty.Response, fallback string) error {
	var payload apiError
	_ = json.Unmarshal(resp.Body(), &payload)
	msg := payload.Message
	if msg == "" {
		msg = fallback
	}
	opts := []errs.Option{
		errs.WithMessage(msg),
		errs.WithHTTP(resp.StatusCode()),
		errs.WithRawMessage(payload.Message),
	}
	if payload.Code != 0 {
		opts = append(opts, errs.WithRawCode(strconv.Itoa(payload.Code)))
	}
	var code errs.Code
	switch status := resp.StatusCode(); {
	case status == http.StatusBadRequest:
		code = errs.CodeInvalid
	case status == http.StatusUnauthorized:
		code = errs.CodeUnavailable
	case status == http.StatusForbidden, status == http.StatusUnprocessableEntity:
		code = errs.CodeRejected
	case status == http.StatusNotFound:
		code = errs.CodeNotFound
	case status == http.StatusConflict:
		code = errs.CodeConflict
	case status == http.StatusTooManyRequests, status >= http.StatusInternalServerError:
		code = errs.CodeTransient
	default:
		code = errs.CodeInternal
	}
	return errs.New(scope, code, opts...)
}

// Submit places intent with the venue. Network failures surface as transient
// so the order manager's retry can take over; the client order id makes the
// retry idempotent on the venue side.
func (a *Adapter) Submit(ctx context.Context, intent schema.OrderIntent) (exchange.Ack, error) {
	if !a.IsConnected() {
		return exchange.Ack{}, errs.New(scope, errs.CodeUnavailable, errs.WithMessage("venue not connected"))
	}
	if err := intent.Validate(); err != nil {
		return exchange.Ack{}, errs.New(scope, errs.CodeRejected, errs.WithMessage("order rejected"), errs.WithCause(err))
	}
	if err := a.wait(ctx); err != nil {
		return exchange.Ack{}, err
	}
	body := orderRequest{
		Symbol:        intent.Symbol,
		Qty:           intent.Quantity.String(),
		Side:          string(intent.Side),
		Type:          string(intent.Type),
		TimeInForce:   string(intent.TimeInForce),
		ClientOrderID: intent.ClientOrderID,
	}
	if body.TimeInForce == "" {
		body.TimeInForce = string(schema.TimeInForceDay)
	}
	if intent.LimitPrice != nil {
		body.LimitPrice = intent.LimitPrice.String()
	}
	if intent.StopPrice != nil {
		body.StopPrice = intent.StopPrice.String()
	}

	var rec orderRecord
	resp, err := a.http.R().
		SetContext(ctx).
		SetBody(body).
		SetResult(&rec).
		Post("/v2/orders")
	if err != nil {
		return exchange.Ack{}, errs.Transient(scope, err, errs.WithMessage("submit order"))
	}
	if !resp.IsSuccess() {
		return exchange.Ack{}, restErr(resp, "submit order")
	}
	status := statusFromWire(rec.Status)
	return exchange.Ack{
		ExchangeOrderID: rec.ID,
		Accepted:        status == schema.OrderStatusAccepted || status == schema.OrderStatusPartial || status == schema.OrderStatusFilled,
		SubmittedAt:     rec.SubmittedAt,
	}, nil
}

func (a *Adapter) Cancel(ctx context.Context, exchangeOrderID string) error {
	if exchangeOrderID == "" {
		return errs.Invalid(scope, "exchange order id required")
	}
	if err := a.wait(ctx); err != nil {
		return err
	}
	resp, err := a.http.R().
		SetContext(ctx).
		SetPathParam("id", exchangeOrderID).
		Delete("/v2/orders/{id}")
	if err != nil {
		return errs.Transient(scope, err, errs.WithMessage("cancel order"))
	}
	if !resp.IsSuccess() {
		return restErr(resp, "cancel order")
	}
	return nil
}

func (a *Adapter) GetOrder(ctx context.Context, exchangeOrderID string) (exchange.OrderView, error) {
	if exchangeOrderID == "" {
		return exchange.OrderView{}, errs.Invalid(scope, "exchange order id required")
	}
	if err := a.wait(ctx); err != nil {
		return exchange.OrderView{}, err
	}
	var rec orderRecord
	resp, err := a.http.R().
		SetContext(ctx).
		SetPathParam("id", exchangeOrderID).
		SetResult(&rec).
		Get("/v2/orders/{id}")
	if err != nil {
		return exchange.OrderView{}, errs.Transient(scope, err, errs.WithMessage("get order"))
	}
	if !resp.IsSuccess() {
		return exchange.OrderView{}, restErr(resp, "get order")
	}
	return a.toView(rec)
}

func (a *Adapter) GetBars(ctx context.Context, req exchange.BarsRequest) (exchange.BarsPage, error) {
	if req.Symbol == "" || !req.Timeframe.Valid() {
		return exchange.BarsPage{}, errs.Invalid(scope, "symbol and timeframe required")
	}
	token, ok := wireTimeframes[req.Timeframe]
	if !ok {
		return exchange.BarsPage{}, errs.Invalid(scope, "unsupported timeframe", errs.WithDetail("timeframe", string(req.Timeframe)))
	}
	if err := a.wait(ctx); err != nil {
		return exchange.BarsPage{}, err
	}
	call := a.data.R().
		SetContext(ctx).
		SetPathParam("symbol", req.Symbol).
		SetQueryParam("timeframe", token).
		SetQueryParam("adjustment", "raw")
	if !req.Start.IsZero() {
		call.SetQueryParam("start", req.Start.UTC().Format(time.RFC3339))
	}
	if !req.End.IsZero() {
		// The venue treats end as inclusive; the request contract is exclusive.
		call.SetQueryParam("end", req.End.UTC().Add(-time.Nanosecond).Format(time.RFC3339Nano))
	}
	if req.Limit > 0 {
		call.SetQueryParam("limit", strconv.Itoa(req.Limit))
	}
	if req.PageToken != "" {
		call.SetQueryParam("page_token", req.PageToken)
	}

	var payload barsResponse
	resp, err := call.SetResult(&payload).Get("/v2/stocks/{symbol}/bars")
	if err != nil {
		return exchange.BarsPage{}, errs.Transient(scope, err, errs.WithMessage("get bars"))
	}
	if !resp.IsSuccess() {
		return exchange.BarsPage{}, restErr(resp, "get bars")
	}

	page := exchange.BarsPage{NextPageToken: payload.NextPageToken}
	if len(payload.Bars) == 0 {
		return page, nil
	}
	page.Bars = make([]schema.Bar, 0, len(payload.Bars))
	for _, rec := range payload.Bars {
		bar, err := a.toBar(req.Symbol, req.Timeframe, rec)
		if err != nil {
			return exchange.BarsPage{}, err
		}
		page.Bars = append(page.Bars, bar)
	}
	return page, nil
}

func (a *Adapter) toBar(symbol string, timeframe schema.Timeframe, rec barRecord) (schema.Bar, error) {
	bar := schema.Bar{Symbol: symbol, Timeframe: timeframe, TS: rec.TS.UTC()}
	var err error
	if bar.Open, err = numberDecimal(rec.Open); err != nil {
		return schema.Bar{}, errs.Internal(scope, err, errs.WithMessage("bad open in bar payload"))
	}
	if bar.High, err = numberDecimal(rec.High); err != nil {
		return schema.Bar{}, errs.Internal(scope, err, errs.WithMessage("bad high in bar payload"))
	}
	if bar.Low, err = numberDecimal(rec.Low); err != nil {
		return schema.Bar{}, errs.Internal(scope, err, errs.WithMessage("bad low in bar payload"))
	}
	if bar.Close, err = numberDecimal(rec.Close); err != nil {
		return schema.Bar{}, errs.Internal(scope, err, errs.WithMessage("bad close in bar payload"))
	}
	if bar.Volume, err = numberDecimal(rec.Volume); err != nil {
		return schema.Bar{}, errs.Internal(scope, err, errs.WithMessage("bad volume in bar payload"))
	}
	if rec.TradeCount > 0 {
		count := rec.TradeCount
		bar.TradeCount = &count
	}
	if rec.VWAP != "" {
		vwap, err := numberDecimal(rec.VWAP)
		if err != nil {
			return schema.Bar{}, errs.Internal(scope, err, errs.WithMessage("bad vwap in bar payload"))
		}
		bar.VWAP = &vwap
	}
	return bar, nil
}

func (a *Adapter) GetAccount(ctx context.Context) (exchange.Account, error) {
	if err := a.wait(ctx); err != nil {
		return exchange.Account{}, err
	}
	var rec accountRecord
	resp, err := a.http.R().
		SetContext(ctx).
		SetResult(&rec).
		Get("/v2/account")
	if err != nil {
		return exchange.Account{}, errs.Transient(scope, err, errs.WithMessage("get account"))
	}
	if !resp.IsSuccess() {
		return exchange.Account{}, restErr(resp, "get account")
	}
	account := exchange.Account{ID: rec.ID, Currency: rec.Currency}
	if account.Cash, err = parseDecimal(rec.Cash); err != nil {
		return exchange.Account{}, errs.Internal(scope, err, errs.WithMessage("bad cash in account payload"))
	}
	if account.Equity, err = parseDecimal(rec.Equity); err != nil {
		return exchange.Account{}, errs.Internal(scope, err, errs.WithMessage("bad equity in account payload"))
	}
	if account.BuyingPower, err = parseDecimal(rec.BuyingPower); err != nil {
		return exchange.Account{}, errs.Internal(scope, err, errs.WithMessage("bad buying_power in account payload"))
	}
	return account, nil
}

func (a *Adapter) GetPositions(ctx context.Context) ([]exchange.Position, error) {
	if err := a.wait(ctx); err != nil {
		return nil, err
	}
	var recs []positionRecord
	resp, err := a.http.R().
		SetContext(ctx).
		SetResult(&recs).
		Get("/v2/positions")
	if err != nil {
		return nil, errs.Transient(scope, err, errs.WithMessage("get positions"))
	}
	if !resp.IsSuccess() {
		return nil, restErr(resp, "get positions")
	}
	positions := make([]exchange.Position, 0, len(recs))
	for _, rec := range recs {
		pos := exchange.Position{Symbol: rec.Symbol}
		if pos.Quantity, err = parseDecimal(rec.Qty); err != nil {
			return nil, errs.Internal(scope, err, errs.WithMessage("bad qty in position payload"))
		}
		// The venue reports short quantity as positive with side "short".
		if rec.Side == "short" && pos.Quantity.Sign() > 0 {
			pos.Quantity = pos.Quantity.Neg()
		}
		if pos.AvgEntryPrice, err = parseDecimal(rec.AvgEntryPrice); err != nil {
			return nil, errs.Internal(scope, err, errs.WithMessage("bad avg_entry_price in position payload"))
		}
		if pos.MarketValue, err = parseDecimal(rec.MarketValue); err != nil {
			return nil, errs.Internal(scope, err, errs.WithMessage("bad market_value in position payload"))
		}
		if pos.UnrealizedPL, err = parseDecimal(rec.UnrealizedPL); err != nil {
			return nil, errs.Internal(scope, err, errs.WithMessage("bad unrealized_pl in position payload"))
		}
		positions = append(positions, pos)
	}
	return positions, nil
}

func (a *Adapter) GetClock(ctx context.Context) (exchange.MarketClock, error) {
	if err := a.wait(ctx); err != nil {
		return exchange.MarketClock{}, err
	}
	var rec clockRecord
	resp, err := a.http.R().
		SetContext(ctx).
		SetResult(&rec).
		Get("/v2/clock")
	if err != nil {
		return exchange.MarketClock{}, errs.Transient(scope, err, errs.WithMessage("get clock"))
	}
	if !resp.IsSuccess() {
		return exchange.MarketClock{}, restErr(resp, "get clock")
	}
	return exchange.MarketClock{
		TS:        rec.Timestamp,
		IsOpen:    rec.IsOpen,
		NextOpen:  rec.NextOpen,
		NextClose: rec.NextClose,
	}, nil
}

func (a *Adapter) GetCalendar(ctx context.Context, start, end time.Time) ([]exchange.CalendarDay, error) {
	if err := a.wait(ctx); err != nil {
		return nil, err
	}
	var recs []calendarRecord
	resp, err := a.http.R().
		SetContext(ctx).
		SetQueryParam("start", start.UTC().Format("2006-01-02")).
		SetQueryParam("end", end.UTC().Format("2006-01-02")).
		SetResult(&recs).
		Get("/v2/calendar")
	if err != nil {
		return nil, errs.Transient(scope, err, errs.WithMessage("get calendar"))
	}
	if !resp.IsSuccess() {
		return nil, restErr(resp, "get calendar")
	}
	days := make([]exchange.CalendarDay, 0, len(recs))
	for _, rec := range recs {
		days = append(days, exchange.CalendarDay{Date: rec.Date, Open: rec.Open, Close: rec.Close})
	}
	return days, nil
}
