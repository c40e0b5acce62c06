// Package logging builds the slog loggers used by both nwcopy commands.
package logging

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/google/uuid"
)

// Formats accepted by New.
const (
	FormatText = "text"
	FormatJSON = "json"
)

// New creates a structured logger writing to stderr.
// app: command name (e.g., "send")
// level: one of "debug", "info", "warn", "error" (default: "info")
// format: "text" (default) or "json"
func New(app, level, format string) *slog.Logger {
	return NewWithWriter(os.Stderr, app, level, format)
}

// NewWithWriter is New with an explicit destination.
func NewWithWriter(w io.Writer, app, level, format string) *slog.Logger {
	opts := &slog.HandlerOptions{
		Level: parseLevel(level),
	}
	var handler slog.Handler
	if strings.EqualFold(format, FormatJSON) {
		handler = slog.NewJSONHandler(w, opts)
	} else {
		handler = slog.NewTextHandler(w, opts)
	}
	return slog.New(handler).With(
		slog.String("app", app),
		slog.Int("pid", os.Getpid()),
	)
}

// WithRun tags logger with a fresh run id and returns both.
func WithRun(logger *slog.Logger) (*slog.Logger, string) {
	id := uuid.NewString()
	return logger.With(slog.String("run_id", id)), id
}

// ValidateLevel reports whether level is one New understands.
func ValidateLevel(level string) error {
	switch strings.ToLower(level) {
	case "debug", "info", "warn", "error":
		return nil
	}
	return fmt.Errorf("unknown log level %q", level)
}

// ValidateFormat reports whether format is one New understands.
func ValidateFormat(format string) error {
	switch strings.ToLower(format) {
	case FormatText, FormatJSON:
		return nil
	}
	return fmt.Errorf("unknown log format %q", format)
}

func parseLevel(level string) slog.Level {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
