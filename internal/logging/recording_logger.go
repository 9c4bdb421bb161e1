package logging

import (
	"context"
	"log/slog"
	"os"
)

// fanOutHandler dispatches every record to both a primary and a secondary
// handler, tolerating a failure in the secondary without affecting the
// primary.
type fanOutHandler struct {
	primary   slog.Handler
	secondary slog.Handler
}

func (h *fanOutHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return h.primary.Enabled(ctx, level) || h.secondary.Enabled(ctx, level)
}

func (h *fanOutHandler) Handle(ctx context.Context, r slog.Record) error {
	var err error
	if h.primary.Enabled(ctx, r.Level) {
		err = h.primary.Handle(ctx, r.Clone())
	}
	if h.secondary.Enabled(ctx, r.Level) {
		_ = h.secondary.Handle(ctx, r.Clone())
	}
	return err
}

func (h *fanOutHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return &fanOutHandler{primary: h.primary.WithAttrs(attrs), secondary: h.secondary.WithAttrs(attrs)}
}

func (h *fanOutHandler) WithGroup(name string) slog.Handler {
	return &fanOutHandler{primary: h.primary.WithGroup(name), secondary: h.secondary.WithGroup(name)}
}

// NewRecordingLogger returns a logger that writes to base as well as to a
// dedicated file next to the recording (path), for post-mortem debugging of
// a single recording. The returned closer must be called when the recording
// finishes; RemoveRecordingLog additionally deletes the file once it is no
// longer useful (clean completion).
func NewRecordingLogger(base *slog.Logger, path string) (*slog.Logger, func() error, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return base, func() error { return nil }, err
	}
	secondary := slog.NewJSONHandler(f, &slog.HandlerOptions{Level: slog.LevelDebug})
	combined := &fanOutHandler{primary: base.Handler(), secondary: secondary}
	return slog.New(combined), f.Close, nil
}

// RemoveRecordingLog deletes a recording's debug log once the recording
// completed cleanly and the log is no longer needed.
func RemoveRecordingLog(path string) {
	_ = os.Remove(path)
}
