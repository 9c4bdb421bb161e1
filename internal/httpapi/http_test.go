package httpapi

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/nishisan-dev/kairos-edge/internal/runtime"
	"github.com/nishisan-dev/kairos-edge/internal/transport"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestServer(t *testing.T) *runtime.Server {
	t.Helper()
	return runtime.NewServer(t.TempDir(), discardLogger())
}

func TestIndexServesEmbeddedHTML(t *testing.T) {
	rt := newTestServer(t)
	mgr := transport.NewManager(context.Background(), 18443, rt, discardLogger())
	h, err := New(rt, mgr, nil, discardLogger())
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/", nil))
	if rr.Code != http.StatusOK {
		t.Fatalf("GET / = %d, want 200", rr.Code)
	}
	if ct := rr.Header().Get("Content-Type"); ct == "" {
		t.Fatal("expected a Content-Type header on the index response")
	}
}

func TestFaviconServesEmbeddedPNG(t *testing.T) {
	rt := newTestServer(t)
	mgr := transport.NewManager(context.Background(), 18444, rt, discardLogger())
	h, err := New(rt, mgr, nil, discardLogger())
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/favicon.png", nil))
	if rr.Code != http.StatusOK {
		t.Fatalf("GET /favicon.png = %d, want 200", rr.Code)
	}
	if ct := rr.Header().Get("Content-Type"); ct != "image/png" {
		t.Fatalf("Content-Type = %q, want image/png", ct)
	}
}

func TestUnknownRouteIs404(t *testing.T) {
	rt := newTestServer(t)
	mgr := transport.NewManager(context.Background(), 18445, rt, discardLogger())
	h, err := New(rt, mgr, nil, discardLogger())
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/nonexistent", nil))
	if rr.Code != http.StatusNotFound {
		t.Fatalf("GET /nonexistent = %d, want 404", rr.Code)
	}
}

func TestTransportCertificateRejectsMalformedHost(t *testing.T) {
	rt := newTestServer(t)
	mgr := transport.NewManager(context.Background(), 18446, rt, discardLogger())
	h, err := New(rt, mgr, nil, discardLogger())
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	req := httptest.NewRequest(http.MethodGet, "/transport-certificate", nil)
	req.Host = "has space"
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	if rr.Code != http.StatusBadRequest {
		t.Fatalf("malformed Host = %d, want 400", rr.Code)
	}
}

func TestTransportCertificateIsStableWithinTTL(t *testing.T) {
	rt := newTestServer(t)
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	mgr := transport.NewManager(ctx, 18447, rt, discardLogger())
	h, err := New(rt, mgr, nil, discardLogger())
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	req := httptest.NewRequest(http.MethodGet, "/transport-certificate", nil)
	req.Host = "host.local"

	rr1 := httptest.NewRecorder()
	h.ServeHTTP(rr1, req)
	if rr1.Code != http.StatusOK {
		t.Fatalf("first request = %d, want 200", rr1.Code)
	}
	var first certificateResponse
	if err := json.Unmarshal(rr1.Body.Bytes(), &first); err != nil {
		t.Fatalf("decoding first response: %v", err)
	}

	rr2 := httptest.NewRecorder()
	h.ServeHTTP(rr2, req)
	var second certificateResponse
	if err := json.Unmarshal(rr2.Body.Bytes(), &second); err != nil {
		t.Fatalf("decoding second response: %v", err)
	}

	if first != second {
		t.Fatalf("expected stable certificate info within the TTL window, got %+v then %+v", first, second)
	}
}

func TestDebugEndpointsDenyNonLoopbackByDefault(t *testing.T) {
	rt := newTestServer(t)
	mgr := transport.NewManager(context.Background(), 18448, rt, discardLogger())
	h, err := New(rt, mgr, nil, discardLogger())
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	req := httptest.NewRequest(http.MethodGet, "/debug/metrics", nil)
	req.RemoteAddr = "203.0.113.9:5555"
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	if rr.Code != http.StatusForbidden {
		t.Fatalf("GET /debug/metrics from remote IP = %d, want 403", rr.Code)
	}
}

func TestDebugEndpointsAllowLoopback(t *testing.T) {
	rt := newTestServer(t)
	mgr := transport.NewManager(context.Background(), 18449, rt, discardLogger())
	h, err := New(rt, mgr, nil, discardLogger())
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	req := httptest.NewRequest(http.MethodGet, "/debug/metrics", nil)
	req.RemoteAddr = "127.0.0.1:5555"
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	if rr.Code != http.StatusOK {
		t.Fatalf("GET /debug/metrics from loopback = %d, want 200", rr.Code)
	}

	var snap runtime.MetricsSnapshot
	if err := json.Unmarshal(rr.Body.Bytes(), &snap); err != nil {
		t.Fatalf("decoding metrics response: %v", err)
	}
	if len(snap.BufferStacks) != 3 {
		t.Fatalf("expected 3 buffer stacks reported, got %d", len(snap.BufferStacks))
	}
}
