package ditto

import (
	"log/slog"
	"os"
	"strings"
)

// NewLogger builds a structured *slog.Logger the way InitLogger configured
// the process-wide logger in the teacher's logging.go: JSON output, level
// controlled by the LOG_LEVEL env var (debug/info/warn/error, default info).
// Session does not call it: a nil Config.Logger falls back to slog.Default().
func NewLogger() *slog.Logger {
	levelStr := strings.ToLower(os.Getenv("LOG_LEVEL"))
	var level slog.Level
	switch levelStr {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	handler := slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: level})
	return slog.New(handler)
}
