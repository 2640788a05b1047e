// Package logging configures the process-wide structured logger. Every
// handler is wrapped in a redactor so OAuth credentials never reach the
// log output, whatever a call site passes as an attribute.
package logging

import (
	"io"
	"log/slog"
	"os"
	"strings"
)

// Setup builds the structured logger for the given level and format
// ("json" or "text"), installs it as the slog default, and returns it.
// A nil writer logs to stdout.
func Setup(level, format string, w io.Writer) *slog.Logger {
	if w == nil {
		w = os.Stdout
	}

	opts := &slog.HandlerOptions{Level: parseLevel(level)}
	var handler slog.Handler
	if strings.EqualFold(format, "text") {
		handler = slog.NewTextHandler(w, opts)
	} else {
		handler = slog.NewJSONHandler(w, opts)
	}

	logger := slog.New(NewRedactingHandler(handler))
	slog.SetDefault(logger)
	return logger
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
