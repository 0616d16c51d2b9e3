package ops

import (
	"bytes"
	"strings"
	"testing"

	"github.com/heddwch/idigna/internal/config"
)

func TestNewLogger(t *testing.T) {
	tests := []struct {
		name   string
		config config.Logging
	}{
		{name: "text format", config: config.Logging{Level: "info", Format: "text"}},
		{name: "json format", config: config.Logging{Level: "debug", Format: "json"}},
		{name: "warn level", config: config.Logging{Level: "warn", Format: "text"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			logger := NewLogger(tt.config)
			if logger == nil {
				t.Fatal("expected logger to be created")
			}
			if logger.format != tt.config.Format {
				t.Errorf("format = %q, want %q", logger.format, tt.config.Format)
			}
		})
	}
}

func TestLoggerWithComponent(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLoggerWithWriter(config.Logging{Level: "info", Format: "text"}, &buf)
	componentLogger := logger.WithComponent("gateway")

	componentLogger.Info("test message")

	output := buf.String()
	if !strings.Contains(output, "test message") {
		t.Errorf("log output missing message: %s", output)
	}
	if !strings.Contains(output, "component=gateway") {
		t.Errorf("log output missing component attribute: %s", output)
	}
}

func TestIsDebugEnabled(t *testing.T) {
	tests := []struct {
		level    string
		expected bool
	}{
		{"debug", true},
		{"info", false},
		{"warn", false},
		{"error", false},
	}

	for _, tt := range tests {
		t.Run(tt.level, func(t *testing.T) {
			logger := NewLogger(config.Logging{Level: tt.level, Format: "text"})
			if logger.IsDebugEnabled() != tt.expected {
				t.Errorf("IsDebugEnabled() = %v, want %v", logger.IsDebugEnabled(), tt.expected)
			}
		})
	}
}

func TestLoggerRespectsLevelFiltering(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLoggerWithWriter(config.Logging{Level: "warn", Format: "text"}, &buf)

	logger.Debug("should not appear")
	logger.Info("should not appear either")
	if buf.Len() != 0 {
		t.Errorf("expected no output below warn level, got: %s", buf.String())
	}

	logger.Warn("connection limit reached")
	if !strings.Contains(buf.String(), "connection limit reached") {
		t.Errorf("expected warn-level message in output, got: %s", buf.String())
	}
}

func TestDefaultsToInfoOnUnknownLevel(t *testing.T) {
	logger := NewLogger(config.Logging{Level: "verbose", Format: "text"})
	if logger.IsDebugEnabled() {
		t.Error("unrecognized level should not enable debug logging")
	}
}
