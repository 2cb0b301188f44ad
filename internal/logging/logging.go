// Package logging sets up the process-wide slog logger.
//
// The configuration carries an integer debug level rather than a slog level:
// 0 logs warnings only, 1-9 is normal operation, 10-50 adds debug detail and
// anything above 50 dumps row values at LevelTrace.
//
//	logging.Init(cfg.Debug, false)
//	log := logging.Component("store")
//	log.Debug("writing rows", "table", table, "rows", n)
package logging

import (
	"context"
	"io"
	"log/slog"
	"os"
)

// LevelTrace sits below slog.LevelDebug and is used for row dumps.
const LevelTrace = slog.Level(-8)

// Logger is the global logger instance.
var Logger *slog.Logger

// LevelFor maps a configured debug value to a slog level.
func LevelFor(debug int) slog.Level {
	switch {
	case debug > 50:
		return LevelTrace
	case debug >= 10:
		return slog.LevelDebug
	case debug >= 1:
		return slog.LevelInfo
	default:
		return slog.LevelWarn
	}
}

// Init initializes the global logger from a debug value.
func Init(debug int, jsonFormat bool) {
	InitWriter(os.Stderr, debug, jsonFormat)
}

// InitWriter is Init with an explicit destination.
func InitWriter(w io.Writer, debug int, jsonFormat bool) {
	level := LevelFor(debug)
	opts := &slog.HandlerOptions{
		Level: level,
		ReplaceAttr: func(_ []string, a slog.Attr) slog.Attr {
			if a.Key == slog.LevelKey {
				if lvl, ok := a.Value.Any().(slog.Level); ok && lvl == LevelTrace {
					a.Value = slog.StringValue("TRACE")
				}
			}
			return a
		},
	}

	var handler slog.Handler
	if jsonFormat {
		handler = slog.NewJSONHandler(w, opts)
	} else {
		handler = slog.NewTextHandler(w, opts)
	}
	Logger = slog.New(handler)
	slog.SetDefault(Logger)
}

// Component returns a logger tagged with a component name.
func Component(name string) *slog.Logger {
	if Logger == nil {
		Init(1, false)
	}
	return Logger.With("component", name)
}

// Trace logs at LevelTrace on the given logger.
func Trace(l *slog.Logger, msg string, args ...any) {
	l.Log(context.Background(), LevelTrace, msg, args...)
}
