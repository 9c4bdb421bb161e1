// Command kairos-edge is the single-host event-camera server: it wires the
// ingest/fan-out/recording core (internal/runtime, internal/device,
// internal/session) together with the HTTP and transport surface
// (internal/httpapi, internal/transport, internal/diskstat).
//
// Device enumeration happens out of process: a USB driver is assumed to
// deliver timestamped raw byte slices and call runtime.Server.AddStation
// as cameras are found. This binary starts every other subsystem and
// waits ready for that call.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/nishisan-dev/kairos-edge/internal/config"
	"github.com/nishisan-dev/kairos-edge/internal/convert"
	"github.com/nishisan-dev/kairos-edge/internal/diskstat"
	"github.com/nishisan-dev/kairos-edge/internal/httpapi"
	"github.com/nishisan-dev/kairos-edge/internal/logging"
	"github.com/nishisan-dev/kairos-edge/internal/protocol"
	"github.com/nishisan-dev/kairos-edge/internal/recording"
	"github.com/nishisan-dev/kairos-edge/internal/runtime"
	"github.com/nishisan-dev/kairos-edge/internal/transport"
)

func main() {
	if err := run(os.Args[1:]); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(args []string) error {
	cfg, err := config.Parse(args, flag.NewFlagSet("kairos-edge", flag.ContinueOnError))
	if err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return nil
		}
		return fmt.Errorf("parsing configuration: %w", err)
	}

	logger, logCloser := logging.NewLogger(cfg.LogLevel, cfg.LogFormat, cfg.LogFile)
	defer logCloser.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)
	go func() {
		sig := <-sigCh
		logger.Info("received signal, shutting down", "signal", sig)
		cancel()
	}()

	if err := recording.RecoverStartup(cfg.DataDirectory, logger); err != nil {
		return fmt.Errorf("recovering recordings directory: %w", err)
	}

	srv := runtime.NewServer(cfg.DataDirectory, logger)
	srv.MaximumClientBufferCount = cfg.MaximumClientBufferCount
	// The buffering-memory flag bounds client-facing packet memory two ways:
	// the pool's buffer count caps how many packets can be in flight toward
	// clients at once (the fan-out path drops rather than allocates when the
	// pool runs dry), and the byte budget releases oversized backing arrays
	// back to the garbage collector on return.
	packetPoolCount := int(cfg.MaximumClientsBufferingMemory / protocol.PacketMaximumLength)
	if packetPoolCount < 1 {
		packetPoolCount = 1
	}
	srv.PacketStack.Preallocate(packetPoolCount)
	srv.PacketStack.SetMaxBytes(cfg.MaximumClientsBufferingMemory)
	if _, err := srv.Registry.Rescan(); err != nil {
		return fmt.Errorf("scanning recordings directory: %w", err)
	}

	convertWorker := convert.NewWorker(cfg.DataDirectory, srv.Registry, logger)
	convertWorker.OnFailure = func(name string, err error) {
		srv.AddError(fmt.Sprintf("converting %s: %v", name, err))
	}
	srv.Convert = convertWorker

	transportMgr := transport.NewManager(ctx, cfg.TransportPort, srv, logger)
	maintenance := runtime.NewMaintenance(srv, transportMgr, logger)

	httpHandler, err := httpapi.New(srv, transportMgr, cfg.DebugAllowCIDRs, logger)
	if err != nil {
		return fmt.Errorf("building HTTP handler: %w", err)
	}
	httpSrv := &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.HTTPPort),
		Handler: httpHandler,
	}

	diskPoller := diskstat.New(cfg.DataDirectory, srv, logger)

	errCh := make(chan error, 8)
	runComponent := func(name string, fn func(context.Context) error) {
		go func() {
			if err := fn(ctx); err != nil && !errors.Is(err, context.Canceled) {
				errCh <- fmt.Errorf("%s: %w", name, err)
				return
			}
			errCh <- nil
		}()
	}

	runComponent("conversion worker", convertWorker.Run)
	runComponent("maintenance scheduler", maintenance.Run)
	runComponent("disk-space poller", diskPoller.Run)

	go func() {
		logger.Info("http listening", "addr", httpSrv.Addr)
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("http server: %w", err)
			return
		}
		errCh <- nil
	}()
	go func() {
		<-ctx.Done()
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer shutdownCancel()
		httpSrv.Shutdown(shutdownCtx)
	}()

	logger.Info("kairos-edge started",
		"data_directory", cfg.DataDirectory,
		"http_port", cfg.HTTPPort,
		"transport_port", cfg.TransportPort,
	)

	var firstErr error
	for i := 0; i < 4; i++ {
		if err := <-errCh; err != nil {
			logger.Error("component exited", "error", err)
			if firstErr == nil {
				firstErr = err
			}
			cancel()
		}
	}
	return firstErr
}
