// Package diskstat periodically polls the data directory's filesystem for
// available/total space, feeding SharedClientState's disk figures.
package diskstat

import (
	"context"
	"log/slog"
	"time"

	"github.com/shirou/gopsutil/v3/disk"
)

const defaultInterval = 15 * time.Second

// Sink receives disk-space updates; runtime.Server satisfies it.
type Sink interface {
	SetDiskSpace(availableBytes, totalBytes uint64)
}

// Poller samples disk.Usage(path) on a fixed interval and pushes the result
// to a Sink, leaving the previously published value untouched on a failed
// sample rather than publishing zeroes — a transient stat failure should
// not make the UI briefly claim the disk is full.
type Poller struct {
	path     string
	interval time.Duration
	sink     Sink
	logger   *slog.Logger
}

// New builds a Poller that samples path (typically the data directory) and
// pushes readings to sink.
func New(path string, sink Sink, logger *slog.Logger) *Poller {
	return &Poller{
		path:     path,
		interval: defaultInterval,
		sink:     sink,
		logger:   logger.With("component", "disk_poller"),
	}
}

// Run blocks, sampling until ctx is cancelled. It samples once immediately
// before entering the ticker loop so SharedClientState has real figures
// from the first broadcast rather than waiting out the first interval.
func (p *Poller) Run(ctx context.Context) error {
	p.sample()

	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			p.sample()
		}
	}
}

func (p *Poller) sample() {
	usage, err := disk.Usage(p.path)
	if err != nil {
		p.logger.Warn("sampling disk usage", "path", p.path, "error", err)
		return
	}
	p.sink.SetDiskSpace(usage.Free, usage.Total)
}
