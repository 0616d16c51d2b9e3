// Package ops holds the gateway's operational concerns: structured
// logging today, matching the shape the rest of the stack would grow
// diagnostics and metrics into.
package ops

import (
	"io"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/heddwch/idigna/internal/config"
)

// Logger is a structured logger wrapper around log/slog.
type Logger struct {
	*slog.Logger
	level  slog.Level
	format string
}

// NewLogger builds a Logger from the resolved logging configuration,
// always writing to stderr (the default sink). Use NewLoggerWithWriter
// for any other sink, such as syslog once --daemon is set.
func NewLogger(cfg config.Logging) *Logger {
	return NewLoggerWithWriter(cfg, os.Stderr)
}

// NewLoggerWithWriter builds a Logger writing to an arbitrary sink, used
// both in tests and to redirect to syslog after daemonizing.
func NewLoggerWithWriter(cfg config.Logging, w io.Writer) *Logger {
	level := parseLevel(cfg.Level)

	opts := &slog.HandlerOptions{
		Level: level,
		ReplaceAttr: func(groups []string, a slog.Attr) slog.Attr {
			if a.Key == slog.TimeKey {
				if t, ok := a.Value.Any().(time.Time); ok {
					a.Value = slog.StringValue(t.Format(time.RFC3339))
				}
			}
			return a
		},
	}

	var handler slog.Handler
	if cfg.Format == "json" {
		handler = slog.NewJSONHandler(w, opts)
	} else {
		handler = slog.NewTextHandler(w, opts)
	}

	return &Logger{
		Logger: slog.New(handler),
		level:  level,
		format: cfg.Format,
	}
}

func parseLevel(s string) slog.Level {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug
	case "info":
		return slog.LevelInfo
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// IsDebugEnabled reports whether the logger was configured at debug
// level, letting callers skip formatting work for lines that would be
// discarded anyway.
func (l *Logger) IsDebugEnabled() bool {
	return l.level <= slog.LevelDebug
}

// WithComponent tags all messages logged through the returned Logger with
// a "component" attribute, so scheduler, gateway, and classify log lines
// can be told apart in aggregate logs.
func (l *Logger) WithComponent(component string) *Logger {
	return &Logger{
		Logger: l.Logger.With("component", component),
		level:  l.level,
		format: l.format,
	}
}
