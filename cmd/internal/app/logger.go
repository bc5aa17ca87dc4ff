package app

import (
	"log/slog"
	"os"
	"strings"
)

// Logger is the app-wide logger type (slog).
type Logger = *slog.Logger

// NewLogger creates the structured logger. Format "json" (default) emits
// machine-readable lines; "pretty" emits the compact dev format.
func NewLogger(level, format string) *slog.Logger {
	lvl := parseLogLevel(level)

	var h slog.Handler
	if strings.EqualFold(strings.TrimSpace(format), "pretty") {
		h = NewPrettyHandler(os.Stdout, lvl)
	} else {
		h = slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: lvl})
	}

	log := slog.New(h)
	slog.SetDefault(log)
	return log
}

func parseLogLevel(level string) slog.Level {
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
