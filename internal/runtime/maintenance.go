package runtime

import (
	"context"
	"log/slog"

	"github.com/robfig/cron/v3"
)

// EndpointSweeper is the transport endpoint GC hook; *transport.Manager
// satisfies it. Declared here rather than imported to avoid a cyclic
// dependency (internal/transport already imports internal/runtime).
type EndpointSweeper interface {
	Sweep() int
}

// Maintenance runs the low-rate housekeeping jobs the async runtime is
// responsible for: the buffer stack shrink pass at ~1 Hz and the transport
// endpoint idle-eviction sweep at a much slower cadence. Both are
// cooperative-runtime duties, not blocking-thread ones.
type Maintenance struct {
	cron   *cron.Cron
	logger *slog.Logger
}

// NewMaintenance builds a Maintenance scheduler for srv's buffer stacks and
// sweeper (nil if no transport.Manager is wired yet, e.g. in tests).
func NewMaintenance(srv *Server, sweeper EndpointSweeper, logger *slog.Logger) *Maintenance {
	logger = logger.With("component", "maintenance")
	c := cron.New(cron.WithSeconds(), cron.WithLogger(cron.VerbosePrintfLogger(slog.NewLogLogger(logger.Handler(), slog.LevelDebug))))

	if _, err := c.AddFunc("@every 1s", func() {
		srv.PacketStack.ShrinkUnused()
		srv.SampleStack.ShrinkUnused()
		srv.ControlStack.ShrinkUnused()
	}); err != nil {
		logger.Error("registering buffer shrink job", "error", err)
	}

	if sweeper != nil {
		if _, err := c.AddFunc("@every 1h", func() {
			if n := sweeper.Sweep(); n > 0 {
				logger.Info("swept idle transport endpoints", "count", n)
			}
		}); err != nil {
			logger.Error("registering transport endpoint sweep job", "error", err)
		}
	}

	return &Maintenance{cron: c, logger: logger}
}

// Run starts the scheduler and blocks until ctx is cancelled, then stops it
// and waits for any in-flight job to finish.
func (m *Maintenance) Run(ctx context.Context) error {
	m.cron.Start()
	<-ctx.Done()
	<-m.cron.Stop().Done()
	return ctx.Err()
}
