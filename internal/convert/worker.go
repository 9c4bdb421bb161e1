package convert

import (
	"context"
	"log/slog"
	"sync"

	"github.com/nishisan-dev/kairos-edge/internal/recording"
)

// Worker is the Conversion Job's single sequential queue: it wakes on the
// registry's notify channel, converts every currently queued stem one at a
// time, and settles the registry's Converting phase back to Complete after
// each conversion returns, regardless of whether it failed.
type Worker struct {
	dataDirectory string
	registry      *recording.Registry
	logger        *slog.Logger

	mu           sync.Mutex
	activeName   string
	cancelActive bool

	// OnFailure, if set, is called with the stem and error of a conversion
	// that did not complete, so the caller can surface it in the server's
	// sticky error list instead of only the log.
	OnFailure func(name string, err error)
}

// NewWorker builds a Worker bound to registry.
func NewWorker(dataDirectory string, registry *recording.Registry, logger *slog.Logger) *Worker {
	return &Worker{
		dataDirectory: dataDirectory,
		registry:      registry,
		logger:        logger.With("component", "convert_worker"),
	}
}

// Run blocks, draining the queue every time it is notified, until ctx is
// cancelled.
func (w *Worker) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-w.registry.NotifyChannel():
		}

		for {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			entry, ok := w.registry.NextQueued()
			if !ok {
				break
			}
			w.convertOne(ctx, entry.Name)
		}
	}
}

func (w *Worker) convertOne(ctx context.Context, name string) {
	w.registry.MarkConverting(name)
	w.mu.Lock()
	w.activeName = name
	w.cancelActive = false
	w.mu.Unlock()

	err := Convert(w.dataDirectory, name, func() bool {
		if ctx.Err() != nil {
			return true
		}
		w.mu.Lock()
		defer w.mu.Unlock()
		return w.cancelActive
	})

	w.mu.Lock()
	w.activeName = ""
	w.mu.Unlock()

	if err != nil {
		w.logger.Warn("conversion failed", "name", name, "error", err)
		if w.OnFailure != nil {
			w.OnFailure(name, err)
		}
	} else {
		w.logger.Info("conversion complete", "name", name)
	}

	w.registry.SettleConverting()
	if _, err := w.registry.Rescan(); err != nil {
		w.logger.Warn("rescanning after conversion", "name", name, "error", err)
	}
}

// CancelActive marks name's in-flight conversion for cancellation at its
// next poll boundary. It is a no-op if name is not the conversion currently
// running (a merely Queued stem is cancelled directly through
// recording.Registry.CancelQueue instead).
func (w *Worker) CancelActive(name string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.activeName == name {
		w.cancelActive = true
	}
}
