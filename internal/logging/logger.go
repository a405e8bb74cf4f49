package logging

import (
	"log/slog"
	"os"
)

// NewLogger builds the process logger for the given ENVIRONMENT value.
// Production emits JSON at info level for log shippers; anything else
// (development, test) gets readable text with debug enabled, which is
// where the per-draft upload transitions land.
func NewLogger(env string) *slog.Logger {
	if env == "production" {
		return slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
			Level: slog.LevelInfo,
		}))
	}

	return slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelDebug,
	}))
}
