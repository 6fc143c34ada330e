// Package logging builds the zap logger used across Weaver, bridged into
// OpenTelemetry so log records ship alongside traces and metrics.
package logging

import (
	"fmt"
	"os"
	"strings"

	"go.opentelemetry.io/contrib/bridges/otelzap"
	"go.opentelemetry.io/otel/log/global"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Options controls logger construction.
type Options struct {
	// Level is one of debug, info, warn, error. Empty defaults to info.
	Level string
	// Format selects the console encoder ("console") or JSON ("json").
	Format string
	// Scope names the otelzap bridge scope. Empty defaults to "weaver".
	Scope string
}

// New constructs a zap logger that tees every record to stdout and to the
// global OpenTelemetry logger provider. When telemetry is disabled the OTel
// core is a no-op, so the tee costs nothing.
func New(opts Options) (*zap.Logger, error) {
	level, err := ParseLevel(opts.Level)
	if err != nil {
		return nil, err
	}

	encoderConfig := zap.NewProductionEncoderConfig()
	encoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder

	var encoder zapcore.Encoder
	switch strings.ToLower(strings.TrimSpace(opts.Format)) {
	case "", "console":
		encoder = zapcore.NewConsoleEncoder(encoderConfig)
	case "json":
		encoder = zapcore.NewJSONEncoder(encoderConfig)
	default:
		return nil, fmt.Errorf("invalid log format: %q", opts.Format)
	}

	scope := strings.TrimSpace(opts.Scope)
	if scope == "" {
		scope = "weaver"
	}

	consoleCore := zapcore.NewCore(encoder, zapcore.AddSync(os.Stdout), level)
	otelCore := otelzap.NewCore(scope, otelzap.WithLoggerProvider(global.GetLoggerProvider()))
	combined := zapcore.NewTee(consoleCore, otelCore)

	return zap.New(combined, zap.AddCaller()), nil
}

// ParseLevel maps a level string onto a zapcore level. Empty means info.
func ParseLevel(level string) (zapcore.Level, error) {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "debug":
		return zap.DebugLevel, nil
	case "", "info":
		return zap.InfoLevel, nil
	case "warn", "warning":
		return zap.WarnLevel, nil
	case "error":
		return zap.ErrorLevel, nil
	default:
		return zap.InfoLevel, fmt.Errorf("invalid log level: %q", level)
	}
}

// Nop returns a logger that discards everything. Handy for tests and for
// components that accept an optional logger.
func Nop() *zap.Logger { return zap.NewNop() }
