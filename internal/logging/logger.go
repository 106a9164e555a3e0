// Package logging configures the slog logger shared by the stack's binaries.
// It has no AWS dependencies so the backup function can import it.
package logging

import (
	"io"
	"log/slog"
	"os"
)

// NewLogger creates the JSON logger used by every command. DEBUG=true
// lowers the level; STACK_LOG_FORMAT=text switches to the text handler for
// interactive runs.
func NewLogger(w io.Writer) *slog.Logger {
	level := slog.LevelInfo
	if os.Getenv("DEBUG") == "true" {
		level = slog.LevelDebug
	}
	opts := &slog.HandlerOptions{Level: level}

	if os.Getenv("STACK_LOG_FORMAT") == "text" {
		return slog.New(slog.NewTextHandler(w, opts))
	}
	return slog.New(slog.NewJSONHandler(w, opts))
}

// SetDefaultLogger configures the default slog logger to write to stdout
func SetDefaultLogger() {
	slog.SetDefault(NewLogger(os.Stdout))
}

func FatalOnError(err error, message string) {
	if err != nil {
		slog.Error(message, "error", err)
		os.Exit(1)
	}
}
