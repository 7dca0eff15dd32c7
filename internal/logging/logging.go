// Package logging builds the structured logger shared by the tracker components.
package logging

import (
	"io"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/lmittmann/tint"
	"github.com/mattn/go-isatty"
)

// LevelFromString converts a LOG_LEVEL value to a slog level. Unknown values map to info.
func LevelFromString(value string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(value)) {
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

// New returns a logger writing to stdout. Colour is enabled only when stdout is a terminal.
func New(level string) *slog.Logger {
	return NewWithWriter(os.Stdout, level, isatty.IsTerminal(os.Stdout.Fd()))
}

// NewWithWriter returns a tint-backed logger writing to w.
func NewWithWriter(w io.Writer, level string, color bool) *slog.Logger {
	handler := tint.NewHandler(w, &tint.Options{
		NoColor:    !color,
		TimeFormat: time.TimeOnly,
		Level:      LevelFromString(level),
	})
	return slog.New(handler)
}

// Discard returns a logger that drops everything. Used by tests and optional collaborators.
func Discard() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// OrDiscard returns l, or a discarding logger when l is nil.
func OrDiscard(l *slog.Logger) *slog.Logger {
	if l == nil {
		return Discard()
	}
	return l
}
