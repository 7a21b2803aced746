package logging

import (
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/charmbracelet/log"
)

// NewHandler returns a text (charmbracelet) or JSON slog handler.
func NewHandler(format, level string, w io.Writer) slog.Handler {
	if w == nil {
		w = os.Stderr
	}
	if strings.EqualFold(format, "json") {
		return slog.NewJSONHandler(w, &slog.HandlerOptions{Level: slogLevel(level)})
	}
	reportTimestamp := false
	lvl := log.InfoLevel
	switch strings.ToLower(level) {
	case "debug":
		reportTimestamp = true
		lvl = log.DebugLevel
	case "warn", "warning":
		lvl = log.WarnLevel
	case "error":
		lvl = log.ErrorLevel
	}
	return log.NewWithOptions(w, log.Options{
		ReportTimestamp: reportTimestamp,
		Level:           lvl,
	})
}

// New builds a logger and installs it as the slog default.
func New(format, level string, w io.Writer) *slog.Logger {
	logger := slog.New(NewHandler(format, level, w))
	slog.SetDefault(logger)
	return logger
}

// OrDefault returns l, or slog.Default() when l is nil.
func OrDefault(l *slog.Logger) *slog.Logger {
	if l != nil {
		return l
	}
	return slog.Default()
}

func slogLevel(level string) slog.Level {
	switch strings.ToLower(level) {
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
