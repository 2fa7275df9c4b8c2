package internal

import (
	"io"
	"log/slog"
	"os"
	"strings"
)

const serviceName = "sentinelhooks"

// SetupLogging installs the process-wide slog logger. Unknown levels fall back to info.
func SetupLogging(w io.Writer, level, format string) *slog.Logger {
	if w == nil {
		w = os.Stdout
	}
	opts := &slog.HandlerOptions{Level: ParseLevel(level)}

	var handler slog.Handler
	switch strings.ToLower(strings.TrimSpace(format)) {
	case "text":
		handler = slog.NewTextHandler(w, opts)
	default:
		handler = slog.NewJSONHandler(w, opts)
	}

	logger := slog.New(handler).With(slog.String("service", serviceName))
	slog.SetDefault(logger)
	return logger
}

// ParseLevel maps a textual level onto slog.Level.
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

func NewLogger(component string) *slog.Logger {
	name := serviceName
	if component != "" {
		name = name + "/" + component
	}
	return slog.Default().With(slog.String("component", name))
}

// WithRequestID tags a logger with the webhook delivery id.
func WithRequestID(logger *slog.Logger, id string) *slog.Logger {
	if logger == nil {
		logger = slog.Default()
	}
	if id == "" {
		return logger
	}
	return logger.With(slog.String("request_id", id))
}
