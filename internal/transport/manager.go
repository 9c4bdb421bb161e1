package transport

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/nishisan-dev/kairos-edge/internal/runtime"
)

// Manager mints one transport endpoint (its own self-signed identity and
// its own UDP listener) per distinct Host header the HTTP
// GET /transport-certificate endpoint observes, and garbage-collects
// endpoints idle for longer than certificateTTL. A fresh host is handed
// the next port after the one before it, starting from the configured
// base port.
type Manager struct {
	// baseCtx bounds the lifetime of every endpoint's accept loop: endpoints
	// must outlive the HTTP request that minted them, so they are tied to
	// the process context rather than the request's.
	baseCtx context.Context

	rt     *runtime.Server
	certs  *CertificateStore
	logger *slog.Logger

	mu        sync.Mutex
	nextPort  int
	endpoints map[string]*hostEndpoint
}

type hostEndpoint struct {
	port     int
	hashHex  string
	cancel   context.CancelFunc
	lastUsed time.Time
}

// NewManager returns a Manager whose first minted endpoint listens on
// basePort. ctx bounds the lifetime of every endpoint it starts; pass the
// process context, not a request-scoped one.
func NewManager(ctx context.Context, basePort int, rt *runtime.Server, logger *slog.Logger) *Manager {
	return &Manager{
		baseCtx:   ctx,
		rt:        rt,
		certs:     NewCertificateStore(),
		logger:    logger.With("component", "transport_manager"),
		nextPort:  basePort,
		endpoints: make(map[string]*hostEndpoint),
	}
}

// EndpointFor returns the dotted-hex SHA-256 fingerprint and UDP port of
// host's transport endpoint, minting one (and starting its accept loop)
// if host is unseen or its existing endpoint has aged past certificateTTL.
func (m *Manager) EndpointFor(host string) (hashHex string, port int, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := time.Now()
	if ep, ok := m.endpoints[host]; ok {
		if now.Sub(ep.lastUsed) < certificateTTL {
			ep.lastUsed = now
			return ep.hashHex, ep.port, nil
		}
		m.terminateLocked(host, ep)
	}

	cert, err := m.certs.CertificateFor(host)
	if err != nil {
		return "", 0, fmt.Errorf("minting identity for %q: %w", host, err)
	}

	port = m.nextPort
	m.nextPort++

	srv := NewServer(fmt.Sprintf(":%d", port), m.certs, m.rt, m.logger)
	epCtx, cancel := context.WithCancel(m.baseCtx)
	started := make(chan error, 1)
	go func() {
		started <- nil
		if err := srv.Run(epCtx); err != nil && epCtx.Err() == nil {
			m.logger.Error("transport endpoint exited", "host", host, "port", port, "error", err)
		}
	}()
	<-started

	sum := sha256.Sum256(cert.Leaf.Raw)
	hashHex = dottedHex(sum[:])

	m.endpoints[host] = &hostEndpoint{port: port, hashHex: hashHex, cancel: cancel, lastUsed: now}
	m.logger.Info("minted transport endpoint", "host", host, "port", port)
	return hashHex, port, nil
}

// Sweep terminates every endpoint idle for at least certificateTTL,
// returning the number evicted. Intended to run on a slow periodic tick
// (see internal/runtime's maintenance scheduler).
func (m *Manager) Sweep() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := time.Now()
	evicted := 0
	for host, ep := range m.endpoints {
		if now.Sub(ep.lastUsed) >= certificateTTL {
			m.terminateLocked(host, ep)
			evicted++
		}
	}
	return evicted
}

// terminateLocked stops host's accept loop and forgets it. Call with m.mu held.
func (m *Manager) terminateLocked(host string, ep *hostEndpoint) {
	ep.cancel()
	delete(m.endpoints, host)
	m.logger.Info("evicted idle transport endpoint", "host", host, "port", ep.port)
}

// dottedHex renders b as lowercase hex byte pairs joined by dots, the
// fingerprint format returned as GET /transport-certificate's "hash" field.
func dottedHex(b []byte) string {
	parts := make([]string, len(b))
	for i, v := range b {
		parts[i] = hex.EncodeToString([]byte{v})
	}
	return strings.Join(parts, ".")
}
