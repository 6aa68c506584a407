package cli

import (
	"io"
	"log/slog"

	"github.com/cruciblehq/stevedore/internal"
)

// Level shared by every logger created by [NewLogger].
var logLevel slog.LevelVar

// Creates the process logger writing to w.
//
// The level starts from the build-time flags and is adjusted by [Execute]
// once the command line is parsed. Verbose output adds source locations.
func NewLogger(w io.Writer, verbose bool) *slog.Logger {
	logLevel.Set(level(internal.IsDebug(), internal.IsQuiet()))
	handler := slog.NewTextHandler(w, &slog.HandlerOptions{
		Level:     &logLevel,
		AddSource: verbose,
	})
	return slog.New(handler).With("component", internal.Name)
}

func level(debug, quiet bool) slog.Level {
	switch {
	case debug:
		return slog.LevelDebug
	case quiet:
		return slog.LevelWarn
	default:
		return slog.LevelInfo
	}
}
