package logging

import (
	"io"
	"log/slog"
	"os"
	"strings"
)

// InitLogger builds the process logger. Format "text" selects a human readable
// handler; anything else emits JSON with source locations.
func InitLogger(level, format string, w io.Writer) *slog.Logger {
	if w == nil {
		w = os.Stdout
	}
	opts := &slog.HandlerOptions{Level: ParseLevel(level)}
	var handler slog.Handler
	switch strings.ToLower(strings.TrimSpace(format)) {
	case "text":
		handler = slog.NewTextHandler(w, opts)
	default:
		opts.AddSource = true
		handler = slog.NewJSONHandler(w, opts)
	}
	return slog.New(handler)
}

func ParseLevel(level string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// NewComponentLogger creates a component-specific logger with context.
func NewComponentLogger(base *slog.Logger, component string) *slog.Logger {
	if base == nil {
		base = slog.Default()
	}
	return base.With(
		slog.String("component", component),
	)
}
