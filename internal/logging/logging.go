// Package logging provides structured logging for the engine.
//
// Invariant violations are logged with invariant=true so they can be
// separated from ordinary rejections in log search.
package logging

import (
	"log/slog"
	"os"
)

// New creates a structured logger. format is "json" or "text".
func New(level string, format string) *slog.Logger {
	var lvl slog.Level
	switch level {
	case "debug":
		lvl = slog.LevelDebug
	case "info":
		lvl = slog.LevelInfo
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{
		Level:     lvl,
		AddSource: lvl == slog.LevelDebug,
	}

	var handler slog.Handler
	if format == "json" {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}

	return slog.New(handler)
}

// Component returns a child logger tagged with a component name.
func Component(logger *slog.Logger, name string) *slog.Logger {
	if logger == nil {
		return slog.Default().With("component", name)
	}
	return logger.With("component", name)
}

// Invariant logs an invariant violation. These indicate a design or
// data-corruption issue, not a bad request, and must stand out.
func Invariant(logger *slog.Logger, msg string, args ...any) {
	logger.Error(msg, append([]any{"invariant", true}, args...)...)
}
