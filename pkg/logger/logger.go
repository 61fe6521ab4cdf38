package logger

import (
	"io"
	"log/slog"
	"os"
	"strings"
)

// New returns a JSON logger on stderr with level taken from LOG_LEVEL (default info).
func New() *slog.Logger {
	return NewWithOptions(os.Stderr, "", "json")
}

// NewWithOptions builds a logger. LOG_LEVEL overrides level; format is "json" or "text".
// Stdout is left to transports (the ipc bridge writes responses there).
func NewWithOptions(w io.Writer, level, format string) *slog.Logger {
	lvl := slog.LevelInfo
	if env := os.Getenv("LOG_LEVEL"); env != "" {
		level = env
	}
	if level != "" {
		var parsed slog.Level
		if err := parsed.UnmarshalText([]byte(level)); err == nil {
			lvl = parsed
		}
	}
	opts := &slog.HandlerOptions{Level: lvl}
	if strings.EqualFold(format, "text") {
		return slog.New(slog.NewTextHandler(w, opts))
	}
	return slog.New(slog.NewJSONHandler(w, opts))
}

// Discard returns a logger that drops everything.
func Discard() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}
