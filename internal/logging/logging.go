// Package logging configures slog for the tuning plane. Core packages
// never construct their own handlers; they take a component logger from
// New so every record carries a component attribute.
package logging

import (
	"io"
	"log/slog"
	"os"
)

// Init configures the global slog default with the given level and format.
// If w is nil, os.Stderr is used. Format must be "text" or "json".
func Init(level slog.Level, format string, w ...io.Writer) {
	var writer io.Writer = os.Stderr
	if len(w) > 0 && w[0] != nil {
		writer = w[0]
	}

	opts := &slog.HandlerOptions{Level: level}

	var handler slog.Handler
	switch format {
	case "json":
		handler = slog.NewJSONHandler(writer, opts)
	default:
		handler = slog.NewTextHandler(writer, opts)
	}

	slog.SetDefault(slog.New(handler))
}

// New returns a logger scoped to one plane component ("ledger",
// "portfolio", "canary", ...).
func New(component string) *slog.Logger {
	return slog.Default().With(slog.String("component", component))
}
