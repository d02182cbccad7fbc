package config

import (
	"io"
	"log/slog"
)

// Verbosity thresholds.
const (
	VerboseSteps    = 5
	VerbosePatterns = 20
)

// Level maps a Verbose value onto the lowest slog level that is emitted.
// Errors and warnings are always emitted.
func Level(verbose int) slog.Level {
	switch {
	case verbose >= VerbosePatterns:
		return slog.LevelDebug
	case verbose >= VerboseSteps:
		return slog.LevelInfo
	default:
		return slog.LevelWarn
	}
}

// NewLogger returns a text logger on w filtered by verbose.
func NewLogger(w io.Writer, verbose int) *slog.Logger {
	return slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{
		Level: Level(verbose),
	}))
}
