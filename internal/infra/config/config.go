// Package config manages Weaver configuration loading and validation.
//
// Layering is Default -> Load(YAML) -> ApplyEnv: the file overrides defaults,
// WEAVER_* environment variables override the file. Secrets (database URL,
// Alpaca credentials) are only ever read from the environment or from files
// referenced by *_FILE variables.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Event log backends.
const (
	BackendDurable = "durable"
	BackendMemory  = "in-memory"
)

// LoggingConfig selects log verbosity and encoder.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// ServerConfig configures the HTTP control surface.
type ServerConfig struct {
	Port int `yaml:"port"`
}

// Addr renders the listen address for net/http.
func (c ServerConfig) Addr() string { return fmt.Sprintf(":%d", c.Port) }

// DatabaseConfig controls PostgreSQL connectivity and migration behaviour.
type DatabaseConfig struct {
	URL               string        `yaml:"url"`
	MaxConns          int32         `yaml:"max_conns"`
	MinConns          int32         `yaml:"min_conns"`
	MaxConnLifetime   time.Duration `yaml:"max_conn_lifetime"`
	MaxConnIdleTime   time.Duration `yaml:"max_conn_idle_time"`
	HealthCheckPeriod time.Duration `yaml:"health_check_period"`
	RunMigrations     bool          `yaml:"run_migrations"`
}

func (c *DatabaseConfig) applyDefaults() {
	c.URL = strings.TrimSpace(c.URL)
	if c.MaxConns <= 0 {
		c.MaxConns = 16
	}
	if c.MinConns <= 0 {
		c.MinConns = 1
	}
	if c.MinConns > c.MaxConns {
		c.MinConns = c.MaxConns
	}
	if c.MaxConnLifetime <= 0 {
		c.MaxConnLifetime = 30 * time.Minute
	}
	if c.MaxConnIdleTime <= 0 {
		c.MaxConnIdleTime = 5 * time.Minute
	}
	if c.HealthCheckPeriod <= 0 {
		c.HealthCheckPeriod = 30 * time.Second
	}
}

func (c DatabaseConfig) validate(required bool) error {
	if required && strings.TrimSpace(c.URL) == "" {
		return fmt.Errorf("url required for durable backend")
	}
	if c.MinConns > c.MaxConns {
		return fmt.Errorf("min_conns must be <= max_conns")
	}
	return nil
}

// EventLogConfig selects the event log backend and replay paging.
type EventLogConfig struct {
	Backend         string `yaml:"backend"`
	ReplayBatchSize int    `yaml:"replay_batch_size"`
}

// CredentialsConfig holds one exchange credential set.
type CredentialsConfig struct {
	APIKey    string `yaml:"api_key"`
	APISecret string `yaml:"api_secret"`
	BaseURL   string `yaml:"base_url"`
}

// Configured reports whether the credential set is usable.
func (c CredentialsConfig) Configured() bool {
	return strings.TrimSpace(c.APIKey) != "" && strings.TrimSpace(c.APISecret) != ""
}

// AlpacaConfig carries distinct live and paper credential sets so both modes
// can run concurrently in one process.
type AlpacaConfig struct {
	Live  CredentialsConfig `yaml:"live"`
	Paper CredentialsConfig `yaml:"paper"`
}

// TradingConfig holds order placement defaults.
type TradingConfig struct {
	DefaultTimeInForce string `yaml:"default_time_in_force"`
}

// RunConfig bounds run lifecycle operations.
type RunConfig struct {
	CallbackTimeoutSeconds int `yaml:"callback_timeout_seconds"`
	StopGraceSeconds       int `yaml:"stop_grace_seconds"`
}

// CallbackTimeout returns the per-tick callback budget.
func (c RunConfig) CallbackTimeout() time.Duration {
	return time.Duration(c.CallbackTimeoutSeconds) * time.Second
}

// StopGrace returns the stop grace period.
func (c RunConfig) StopGrace() time.Duration {
	return time.Duration(c.StopGraceSeconds) * time.Second
}

// FillConfig parameterizes the backtest fill simulator.
type FillConfig struct {
	SlippageBps      int     `yaml:"slippage_bps"`
	SlippageRangePct float64 `yaml:"slippage_range_pct"`
	CommissionModel  string  `yaml:"commission_model"`
	CommissionValue  string  `yaml:"commission_value"`
}

// BacktestConfig groups backtest engine settings. InitialCapital is the
// simulated account's starting equity, the base for return statistics.
type BacktestConfig struct {
	InitialCapital string     `yaml:"initial_capital"`
	Fill           FillConfig `yaml:"fill"`
}

// PluginsConfig defines where strategy and adapter plugins are discovered.
type PluginsConfig struct {
	StrategyDir string `yaml:"strategy_dir"`
	AdapterDir  string `yaml:"adapter_dir"`
}

// SSEConfig sizes the per-connection broadcast buffers.
type SSEConfig struct {
	Buffer int `yaml:"buffer"`
}

// TelemetryConfig configures OTLP exporters. An empty endpoint disables export.
type TelemetryConfig struct {
	OTLPEndpoint string `yaml:"otlp_endpoint"`
	ServiceName  string `yaml:"service_name"`
}

// Config is the unified Weaver configuration sourced from YAML plus environment.
type Config struct {
	Logging   LoggingConfig   `yaml:"logging"`
	Server    ServerConfig    `yaml:"server"`
	Database  DatabaseConfig  `yaml:"database"`
	EventLog  EventLogConfig  `yaml:"event_log"`
	Alpaca    AlpacaConfig    `yaml:"alpaca"`
	Trading   TradingConfig   `yaml:"trading"`
	Run       RunConfig       `yaml:"run"`
	Backtest  BacktestConfig  `yaml:"backtest"`
	Plugins   PluginsConfig   `yaml:"plugins"`
	SSE       SSEConfig       `yaml:"sse"`
	Telemetry TelemetryConfig `yaml:"telemetry"`
}

// Default returns the configuration used when no file and no environment
// overrides are present.
func Default() Config {
	return Config{
		Logging: LoggingConfig{Level: "info", Format: "console"},
		Server:  ServerConfig{Port: 8080},
		Database: DatabaseConfig{
			MaxConns:          16,
			MinConns:          1,
			MaxConnLifetime:   30 * time.Minute,
			MaxConnIdleTime:   5 * time.Minute,
			HealthCheckPeriod: 30 * time.Second,
		},
		EventLog: EventLogConfig{Backend: BackendDurable, ReplayBatchSize: 256},
		Alpaca: AlpacaConfig{
			Live:  CredentialsConfig{BaseURL: "https://api.alpaca.markets"},
			Paper: CredentialsConfig{BaseURL: "https://paper-api.alpaca.markets"},
		},
		Trading: TradingConfig{DefaultTimeInForce: "day"},
		Run:     RunConfig{CallbackTimeoutSeconds: 30, StopGraceSeconds: 5},
		Backtest: BacktestConfig{
			InitialCapital: "100000",
			Fill:           FillConfig{CommissionModel: "none", CommissionValue: "0"},
		},
		Plugins:   PluginsConfig{StrategyDir: "plugins/strategies", AdapterDir: "plugins/adapters"},
		SSE:       SSEConfig{Buffer: 64},
		Telemetry: TelemetryConfig{ServiceName: "weaver"},
	}
}

// Load reads a YAML config file over the defaults. An empty path returns the
// defaults unchanged; a missing explicit path is an error.
func Load(path string) (Config, error) {
	cfg := Default()
	candidate := strings.TrimSpace(path)
	if candidate == "" {
		return cfg, nil
	}

	bytes, err := os.ReadFile(filepath.Clean(candidate)) // #nosec G304 -- path is operator controlled.
	if err != nil {
		return Config{}, fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(bytes, &cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}
	return cfg, nil
}

// EnvLookup resolves an environment variable. os.LookupEnv satisfies it.
type EnvLookup func(key string) (string, bool)

// ApplyEnv overlays WEAVER_* environment variables onto the configuration.
// Secret-bearing variables additionally honor <NAME>_FILE indirection for
// mounted secret files. A nil lookup uses the process environment.
func (c *Config) ApplyEnv(lookup EnvLookup) error {
	if lookup == nil {
		lookup = os.LookupEnv
	}

	type binding struct {
		key    string
		secret bool
		set    func(string) error
	}

	setString := func(dst *string) func(string) error {
		return func(v string) error {
			*dst = strings.TrimSpace(v)
			return nil
		}
	}
	setInt := func(dst *int) func(string) error {
		return func(v string) error {
			parsed, err := strconv.Atoi(strings.TrimSpace(v))
			if err != nil {
				return fmt.Errorf("invalid integer %q", v)
			}
			*dst = parsed
			return nil
		}
	}
	setFloat := func(dst *float64) func(string) error {
		return func(v string) error {
			parsed, err := strconv.ParseFloat(strings.TrimSpace(v), 64)
			if err != nil {
				return fmt.Errorf("invalid number %q", v)
			}
			*dst = parsed
			return nil
		}
	}
	setBool := func(dst *bool) func(string) error {
		return func(v string) error {
			parsed, err := strconv.ParseBool(strings.TrimSpace(v))
			if err != nil {
				return fmt.Errorf("invalid boolean %q", v)
			}
			*dst = parsed
			return nil
		}
	}

	bindings := []binding{
		{key: "WEAVER_LOG_LEVEL", set: setString(&c.Logging.Level)},
		{key: "WEAVER_LOG_FORMAT", set: setString(&c.Logging.Format)},
		{key: "WEAVER_SERVER_PORT", set: setInt(&c.Server.Port)},
		{key: "WEAVER_DATABASE_URL", secret: true, set: setString(&c.Database.URL)},
		{key: "WEAVER_DATABASE_RUN_MIGRATIONS", set: setBool(&c.Database.RunMigrations)},
		{key: "WEAVER_EVENT_LOG_BACKEND", set: setString(&c.EventLog.Backend)},
		{key: "WEAVER_EVENT_LOG_REPLAY_BATCH_SIZE", set: setInt(&c.EventLog.ReplayBatchSize)},
		{key: "WEAVER_ALPACA_LIVE_API_KEY", secret: true, set: setString(&c.Alpaca.Live.APIKey)},
		{key: "WEAVER_ALPACA_LIVE_API_SECRET", secret: true, set: setString(&c.Alpaca.Live.APISecret)},
		{key: "WEAVER_ALPACA_LIVE_BASE_URL", set: setString(&c.Alpaca.Live.BaseURL)},
		{key: "WEAVER_ALPACA_PAPER_API_KEY", secret: true, set: setString(&c.Alpaca.Paper.APIKey)},
		{key: "WEAVER_ALPACA_PAPER_API_SECRET", secret: true, set: setString(&c.Alpaca.Paper.APISecret)},
		{key: "WEAVER_ALPACA_PAPER_BASE_URL", set: setString(&c.Alpaca.Paper.BaseURL)},
		{key: "WEAVER_TRADING_DEFAULT_TIME_IN_FORCE", set: setString(&c.Trading.DefaultTimeInForce)},
		{key: "WEAVER_RUN_CALLBACK_TIMEOUT_SECONDS", set: setInt(&c.Run.CallbackTimeoutSeconds)},
		{key: "WEAVER_RUN_STOP_GRACE_SECONDS", set: setInt(&c.Run.StopGraceSeconds)},
		{key: "WEAVER_BACKTEST_INITIAL_CAPITAL", set: setString(&c.Backtest.InitialCapital)},
		{key: "WEAVER_BACKTEST_FILL_SLIPPAGE_BPS", set: setInt(&c.Backtest.Fill.SlippageBps)},
		{key: "WEAVER_BACKTEST_FILL_SLIPPAGE_RANGE_PCT", set: setFloat(&c.Backtest.Fill.SlippageRangePct)},
		{key: "WEAVER_BACKTEST_FILL_COMMISSION_MODEL", set: setString(&c.Backtest.Fill.CommissionModel)},
		{key: "WEAVER_BACKTEST_FILL_COMMISSION_VALUE", set: setString(&c.Backtest.Fill.CommissionValue)},
		{key: "WEAVER_PLUGINS_STRATEGY_DIR", set: setString(&c.Plugins.StrategyDir)},
		{key: "WEAVER_PLUGINS_ADAPTER_DIR", set: setString(&c.Plugins.AdapterDir)},
		{key: "WEAVER_SSE_BUFFER", set: setInt(&c.SSE.Buffer)},
		{key: "WEAVER_TELEMETRY_OTLP_ENDPOINT", set: setString(&c.Telemetry.OTLPEndpoint)},
		{key: "WEAVER_TELEMETRY_SERVICE_NAME", set: setString(&c.Telemetry.ServiceName)},
	}

	for _, b := range bindings {
		value, ok, err := resolveEnv(lookup, b.key, b.secret)
		if err != nil {
			return err
		}
		if !ok {
			continue
		}
		if err := b.set(value); err != nil {
			return fmt.Errorf("%s: %w", b.key, err)
		}
	}
	return nil
}

// resolveEnv reads key directly, falling back to key_FILE for secrets.
func resolveEnv(lookup EnvLookup, key string, secret bool) (string, bool, error) {
	if value, ok := lookup(key); ok {
		return value, true, nil
	}
	if !secret {
		return "", false, nil
	}
	path, ok := lookup(key + "_FILE")
	if !ok || strings.TrimSpace(path) == "" {
		return "", false, nil
	}
	bytes, err := os.ReadFile(filepath.Clean(strings.TrimSpace(path))) // #nosec G304 -- path is operator controlled.
	if err != nil {
		return "", false, fmt.Errorf("%s_FILE: %w", key, err)
	}
	return strings.TrimSpace(string(bytes)), true, nil
}

// Normalise trims and canonicalizes string fields and restores defaulted
// values that the file zeroed out.
func (c *Config) Normalise() {
	c.Logging.Level = strings.ToLower(strings.TrimSpace(c.Logging.Level))
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	c.Logging.Format = strings.ToLower(strings.TrimSpace(c.Logging.Format))
	if c.Logging.Format == "" {
		c.Logging.Format = "console"
	}

	c.EventLog.Backend = strings.ToLower(strings.TrimSpace(c.EventLog.Backend))
	if c.EventLog.ReplayBatchSize <= 0 {
		c.EventLog.ReplayBatchSize = 256
	}

	c.Trading.DefaultTimeInForce = strings.ToLower(strings.TrimSpace(c.Trading.DefaultTimeInForce))
	if c.Trading.DefaultTimeInForce == "" {
		c.Trading.DefaultTimeInForce = "day"
	}

	if c.Run.CallbackTimeoutSeconds <= 0 {
		c.Run.CallbackTimeoutSeconds = 30
	}
	if c.Run.StopGraceSeconds <= 0 {
		c.Run.StopGraceSeconds = 5
	}

	c.Backtest.InitialCapital = strings.TrimSpace(c.Backtest.InitialCapital)
	if c.Backtest.InitialCapital == "" {
		c.Backtest.InitialCapital = "100000"
	}
	c.Backtest.Fill.CommissionModel = strings.ToLower(strings.TrimSpace(c.Backtest.Fill.CommissionModel))
	if c.Backtest.Fill.CommissionModel == "" {
		c.Backtest.Fill.CommissionModel = "none"
	}
	if strings.TrimSpace(c.Backtest.Fill.CommissionValue) == "" {
		c.Backtest.Fill.CommissionValue = "0"
	}

	if strings.TrimSpace(c.Plugins.StrategyDir) == "" {
		c.Plugins.StrategyDir = "plugins/strategies"
	}
	c.Plugins.StrategyDir = filepath.Clean(strings.TrimSpace(c.Plugins.StrategyDir))
	if strings.TrimSpace(c.Plugins.AdapterDir) == "" {
		c.Plugins.AdapterDir = "plugins/adapters"
	}
	c.Plugins.AdapterDir = filepath.Clean(strings.TrimSpace(c.Plugins.AdapterDir))

	if c.SSE.Buffer <= 0 {
		c.SSE.Buffer = 64
	}

	c.Telemetry.OTLPEndpoint = strings.TrimSpace(c.Telemetry.OTLPEndpoint)
	c.Telemetry.ServiceName = strings.TrimSpace(c.Telemetry.ServiceName)
	if c.Telemetry.ServiceName == "" {
		c.Telemetry.ServiceName = "weaver"
	}

	c.Database.applyDefaults()
}

// Validate performs semantic validation on the configuration.
func (c Config) Validate() error {
	switch c.EventLog.Backend {
	case BackendDurable, BackendMemory:
	default:
		return fmt.Errorf("event_log.backend must be one of %s, %s", BackendDurable, BackendMemory)
	}
	if c.EventLog.ReplayBatchSize <= 0 {
		return fmt.Errorf("event_log.replay_batch_size must be >0")
	}

	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port must be in 1..65535")
	}

	switch c.Trading.DefaultTimeInForce {
	case "day", "gtc", "ioc", "fok":
	default:
		return fmt.Errorf("trading.default_time_in_force must be one of day, gtc, ioc, fok")
	}

	if c.Run.CallbackTimeoutSeconds <= 0 {
		return fmt.Errorf("run.callback_timeout_seconds must be >0")
	}
	if c.Run.StopGraceSeconds <= 0 {
		return fmt.Errorf("run.stop_grace_seconds must be >0")
	}

	if capital, err := strconv.ParseFloat(c.Backtest.InitialCapital, 64); err != nil || capital <= 0 {
		return fmt.Errorf("backtest.initial_capital must be a positive number")
	}
	if c.Backtest.Fill.SlippageBps < 0 {
		return fmt.Errorf("backtest.fill.slippage_bps must be >=0")
	}
	if c.Backtest.Fill.SlippageRangePct < 0 || c.Backtest.Fill.SlippageRangePct > 1 {
		return fmt.Errorf("backtest.fill.slippage_range_pct must be in [0,1]")
	}
	switch c.Backtest.Fill.CommissionModel {
	case "none", "fixed", "per_share", "percentage":
	default:
		return fmt.Errorf("backtest.fill.commission_model must be one of none, fixed, per_share, percentage")
	}
	if _, err := strconv.ParseFloat(c.Backtest.Fill.CommissionValue, 64); err != nil {
		return fmt.Errorf("backtest.fill.commission_value must be numeric")
	}

	if c.SSE.Buffer <= 0 {
		return fmt.Errorf("sse.buffer must be >0")
	}

	if err := c.Database.validate(c.EventLog.Backend == BackendDurable); err != nil {
		return fmt.Errorf("database: %w", err)
	}
	return nil
}

// Resolve performs the full Default -> Load -> ApplyEnv -> Normalise ->
// Validate pipeline. This is what the binaries call.
func Resolve(path string, lookup EnvLookup) (Config, error) {
	cfg, err := Load(path)
	if err != nil {
		return Config{}, err
	}
	if err := cfg.ApplyEnv(lookup); err != nil {
		return Config{}, err
	}
	cfg.Normalise()
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}
