package logging

import (
	"testing"

	"go.uber.org/zap"
)

func TestParseLevel(t *testing.T) {
	cases := []struct {
		in      string
		want    string
		wantErr bool
	}{
		{in: "", want: "info"},
		{in: "debug", want: "debug"},
		{in: "INFO", want: "info"},
		{in: "Warn", want: "warn"},
		{in: "warning", want: "warn"},
		{in: "error", want: "error"},
		{in: "verbose", wantErr: true},
	}
	for _, tc := range cases {
		level, err := ParseLevel(tc.in)
		if tc.wantErr {
			if err == nil {
				t.Errorf("ParseLevel(%q): expected error", tc.in)
			}
			continue
		}
		if err != nil {
			t.Errorf("ParseLevel(%q): unexpected error: %v", tc.in, err)
			continue
		}
		if level.String() != tc.want {
			t.Errorf("ParseLevel(%q) = %s, want %s", tc.in, level, tc.want)
		}
	}
}

func TestNewRejectsUnknownFormat(t *testing.T) {
	if _, err := New(Options{Format: "xml"}); err == nil {
		t.Fatal("expected error for unknown format")
	}
}

func TestNewDefaults(t *testing.T) {
	logger, err := New(Options{})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	if logger == nil {
		t.Fatal("expected non-nil logger")
	}
	logger.Info("logger constructed", zap.String("check", "defaults"))
	_ = logger.Sync()
}

func TestNewJSONFormat(t *testing.T) {
	logger, err := New(Options{Level: "debug", Format: "json", Scope: "weaver-test"})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	logger.Debug("json encoder selected")
	_ = logger.Sync()
}
