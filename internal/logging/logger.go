package logging

import (
	"log/slog"
	"os"
)

// NewLogger builds the structured logger for the client. Logs go to
// stderr so they never interleave with chat output on stdout.
// Production uses JSON at Info level, development uses text at Debug.
func NewLogger(env string) *slog.Logger {
	opts := &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}

	var handler slog.Handler
	if env == "production" {
		handler = slog.NewJSONHandler(os.Stderr, opts)
	} else {
		opts.Level = slog.LevelDebug
		handler = slog.NewTextHandler(os.Stderr, opts)
	}

	return slog.New(handler)
}
