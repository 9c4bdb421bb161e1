// Package logging builds the process-wide slog.Logger and the per-recording
// fan-out loggers used while a recording is open.
package logging

import (
	"io"
	"log/slog"
	"os"
)

// NewLogger builds the process-wide logger. format is "json" or "text"
// (anything else falls back to "text"). If filePath is non-empty, log lines
// are written to both stdout and the file; if the file cannot be opened the
// logger falls back to stdout only and reports the failure on stderr.
func NewLogger(level, format, filePath string) (*slog.Logger, io.Closer) {
	opts := &slog.HandlerOptions{Level: parseLevel(level)}

	var w io.Writer = os.Stdout
	var closer io.Closer = nopCloser{}
	if filePath != "" {
		f, err := os.OpenFile(filePath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			fallback := slog.New(slog.NewTextHandler(os.Stderr, nil))
			fallback.Warn("could not open log file, logging to stdout only", "path", filePath, "error", err)
		} else {
			w = io.MultiWriter(os.Stdout, f)
			closer = f
		}
	}

	var h slog.Handler
	if format == "json" {
		h = slog.NewJSONHandler(w, opts)
	} else {
		h = slog.NewTextHandler(w, opts)
	}
	return slog.New(h), closer
}

func parseLevel(s string) slog.Level {
	switch s {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }
