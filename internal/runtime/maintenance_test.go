package runtime

import (
	"context"
	"io"
	"log/slog"
	"sync/atomic"
	"testing"
	"time"
)

type fakeSweeper struct {
	calls atomic.Int32
}

func (f *fakeSweeper) Sweep() int {
	f.calls.Add(1)
	return 0
}

func TestMaintenanceShrinkJobLeavesPoolLength(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	srv := NewServer(t.TempDir(), logger)
	srv.PacketStack.Push(make([]byte, 16))

	sweeper := &fakeSweeper{}
	m := NewMaintenance(srv, sweeper, logger)

	ctx, cancel := context.WithTimeout(context.Background(), 1200*time.Millisecond)
	defer cancel()

	done := make(chan error, 1)
	go func() { done <- m.Run(ctx) }()

	<-ctx.Done()
	<-done

	if srv.PacketStack.Len() != defaultPacketPoolCount+1 {
		t.Fatalf("expected the shrink job to leave the pool length untouched, got %d", srv.PacketStack.Len())
	}
}
