// Package alpaca implements the exchange adapter for Alpaca's trading API.
// Unary calls go through a rate-limited resty client against the trading and
// market-data REST hosts; execution reports and market data arrive over
// websocket sessions that re-dial with exponential backoff and replay their
// auth and subscribe handshake after every reconnect.
//
// A Credentials value selects one account: the paper and live hosts carry
// distinct key sets so both modes can trade concurrently in one process.
// Credentials come from configuration (environment or mounted files), never
// from adapter manifests.
package alpaca

import (
	"context"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/go-resty/resty/v2"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/5TFG4/Weaver-sub002/internal/app/exchange"
	"github.com/5TFG4/Weaver-sub002/internal/errs"
)

const scope = "alpaca"

const (
	// DefaultDataBaseURL is the market-data REST host shared by paper and
	// live accounts.
	DefaultDataBaseURL = "https://data.alpaca.markets"
	// DefaultDataStreamURL is the market-data websocket host; the feed
	// segment is appended per configuration.
	DefaultDataStreamURL = "wss://stream.data.alpaca.markets/v2"
	// DefaultFeed is the free IEX market-data feed.
	DefaultFeed = "iex"
	// DefaultRequestsPerMinute matches Alpaca's REST budget.
	DefaultRequestsPerMinute = 200

	defaultTimeout = 10 * time.Second
	requestBurst   = 20
)

// Credentials is one Alpaca account: API key pair plus the trading host it
// authenticates against.
type Credentials struct {
	APIKey    string
	APISecret string
	BaseURL   string
}

func (c Credentials) validate() error {
	if strings.TrimSpace(c.APIKey) == "" || strings.TrimSpace(c.APISecret) == "" {
		return errs.Invalid(scope, "api key and secret required")
	}
	if strings.TrimSpace(c.BaseURL) == "" {
		return errs.Invalid(scope, "base url required")
	}
	return nil
}

// Adapter talks to one Alpaca account. Construct with New.
type Adapter struct {
	name    string
	creds   Credentials
	http    *resty.Client
	data    *resty.Client
	limiter *rate.Limiter
	logger  *zap.Logger

	tradeStreamURL string
	dataStreamURL  string
	reconnectWait  time.Duration

	mu        sync.Mutex
	connected bool
}

type options struct {
	name          string
	logger        *zap.Logger
	timeout       time.Duration
	dataBaseURL   string
	dataStreamURL string
	tradeStream   string
	feed          string
	rpm           int
	retries       int
	reconnectWait time.Duration
}

// Option customizes the adapter.
type Option func(*options)

// WithName sets the adapter name used in logs and health reports.
func WithName(name string) Option {
	return func(o *options) { o.name = name }
}

// WithLogger attaches a logger.
func WithLogger(logger *zap.Logger) Option {
	return func(o *options) {
		if logger != nil {
			o.logger = logger
		}
	}
}

// WithTimeout bounds each REST call.
func WithTimeout(d time.Duration) Option {
	return func(o *options) {
		if d > 0 {
			o.timeout = d
		}
	}
}

// WithDataBaseURL overrides the market-data REST host.
func WithDataBaseURL(u string) Option {
	return func(o *options) { o.dataBaseURL = u }
}

// WithDataStreamURL overrides the market-data websocket URL entirely,
// bypassing the feed-derived default.
func WithDataStreamURL(u string) Option {
	return func(o *options) { o.dataStreamURL = u }
}

// WithTradeStreamURL overrides the execution-report websocket URL derived
// from the trading host.
func WithTradeStreamURL(u string) Option {
	return func(o *options) { o.tradeStream = u }
}

// WithFeed selects the market-data feed segment (iex, sip).
func WithFeed(feed string) Option {
	return func(o *options) {
		if strings.TrimSpace(feed) != "" {
			o.feed = strings.TrimSpace(feed)
		}
	}
}

// WithRequestsPerMinute adjusts the REST rate budget.
func WithRequestsPerMinute(rpm int) Option {
	return func(o *options) {
		if rpm > 0 {
			o.rpm = rpm
		}
	}
}

// WithRetryCount adjusts how often idempotent REST calls retry; zero
// disables automatic retries.
func WithRetryCount(n int) Option {
	return func(o *options) {
		if n >= 0 {
			o.retries = n
		}
	}
}

// WithReconnectWait sets the initial backoff interval for stream re-dials.
func WithReconnectWait(d time.Duration) Option {
	return func(o *options) {
		if d > 0 {
			o.reconnectWait = d
		}
	}
}

// New builds a disconnected adapter for one credential set.
func New(creds Credentials, opts ...Option) (*Adapter, error) {
	if err := creds.validate(); err != nil {
		return nil, err
	}
	o := options{
		name:          "alpaca",
		logger:        zap.NewNop(),
		timeout:       defaultTimeout,
		dataBaseURL:   DefaultDataBaseURL,
		feed:          DefaultFeed,
		rpm:           DefaultRequestsPerMinute,
		retries:       3,
	}
	for _, opt := range opts {
		opt(&o)
	}

	a := &Adapter{
		name:          o.name,
		creds:         creds,
		limiter:       rate.NewLimiter(rate.Limit(float64(o.rpm)/60.0), requestBurst),
		logger:        o.logger.Named("alpaca"),
		reconnectWait: o.reconnectWait,
	}

	a.http = newRestClient(creds, strings.TrimRight(creds.BaseURL, "/"), o.timeout, o.retries)
	a.data = newRestClient(creds, strings.TrimRight(o.dataBaseURL, "/"), o.timeout, o.retries)

	a.tradeStreamURL = o.tradeStream
	if a.tradeStreamURL == "" {
		derived, err := streamURLFromBase(creds.BaseURL)
		if err != nil {
			return nil, errs.Invalid(scope, "bad base url", errs.WithCause(err))
		}
		a.tradeStreamURL = derived
	}
	a.dataStreamURL = o.dataStreamURL
	if a.dataStreamURL == "" {
		a.dataStreamURL = DefaultDataStreamURL + "/" + o.feed
	}
	return a, nil
}

// Factory adapts New to the adapter-loader factory signature. The manifest's
// settings select non-secret knobs only: mode (paper or live, default paper),
// feed, and name. The credential sets are closed over from configuration.
func Factory(live, paper Credentials, opts ...Option) func(settings map[string]string) (exchange.Adapter, error) {
	return func(settings map[string]string) (exchange.Adapter, error) {
		merged := append([]Option(nil), opts...)
		creds := paper
		switch mode := strings.TrimSpace(settings["mode"]); mode {
		case "", "paper":
		case "live":
			creds = live
		default:
			return nil, errs.Invalid(scope, "bad mode setting", errs.WithDetail("mode", mode))
		}
		if raw, ok := settings["feed"]; ok {
			merged = append(merged, WithFeed(raw))
		}
		if raw, ok := settings["name"]; ok && strings.TrimSpace(raw) != "" {
			merged = append(merged, WithName(strings.TrimSpace(raw)))
		}
		return New(creds, merged...)
	}
}

// newRestClient builds an authenticated resty client. Automatic retry covers
// idempotent calls only; order placement retries belong to the order manager,
// which dedupes by client order id.
func newRestClient(creds Credentials, baseURL string, timeout time.Duration, retries int) *resty.Client {
	return resty.New().
		SetBaseURL(baseURL).
		SetTimeout(timeout).
		SetHeader("APCA-API-KEY-ID", creds.APIKey).
		SetHeader("APCA-API-SECRET-KEY", creds.APISecret).
		SetHeader("Content-Type", "application/json").
		SetRetryCount(retries).
		SetRetryWaitTime(500 * time.Millisecond).
		SetRetryMaxWaitTime(5 * time.Second).
		AddRetryCondition(func(r *resty.Response, err error) bool {
			if r != nil && r.Request != nil && r.Request.Method == http.MethodPost {
				return false
			}
			if err != nil {
				return true
			}
			return r.StatusCode() == http.StatusTooManyRequests || r.StatusCode() >= http.StatusInternalServerError
		})
}

// streamURLFromBase derives the execution-report websocket URL from the
// trading host: https://paper-api.alpaca.markets becomes
// wss://paper-api.alpaca.markets/stream.
func streamURLFromBase(base string) (string, error) {
	parsed, err := url.Parse(strings.TrimRight(base, "/"))
	if err != nil {
		return "", err
	}
	switch parsed.Scheme {
	case "https":
		parsed.Scheme = "wss"
	case "http":
		parsed.Scheme = "ws"
	}
	parsed.Path += "/stream"
	return parsed.String(), nil
}

func (a *Adapter) Name() string { return a.name }

// Connect verifies the credentials against the account endpoint and marks
// the adapter usable.
func (a *Adapter) Connect(ctx context.Context) error {
	if _, err := a.GetAccount(ctx); err != nil {
		return err
	}
	a.mu.Lock()
	a.connected = true
	a.mu.Unlock()
	return nil
}

func (a *Adapter) Disconnect(context.Context) error {
	a.mu.Lock()
	a.connected = false
	a.mu.Unlock()
	return nil
}

func (a *Adapter) IsConnected() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.connected
}

var _ exchange.Adapter = (*Adapter)(nil)
