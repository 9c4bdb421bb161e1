// Package httpapi implements the process's HTTP surface: serving the
// embedded UI index and favicon, minting/returning per-host transport
// certificates, and a pair of deny-by-default observability endpoints.
package httpapi

import (
	"embed"
	"encoding/json"
	"io/fs"
	"log/slog"
	"net"
	"net/http"

	"github.com/nishisan-dev/kairos-edge/internal/runtime"
	"github.com/nishisan-dev/kairos-edge/internal/transport"
)

//go:embed web/index.html web/favicon.png
var webFS embed.FS

// Handler is the process-wide HTTP handler: the public UI/certificate
// surface plus the debug observability surface, the latter gated behind
// an allowlist of permitted remote CIDRs (empty allowlist = loopback only).
type Handler struct {
	mux *http.ServeMux
}

// New builds the process HTTP handler. debugAllowlist names the CIDR
// blocks permitted to reach /debug/*; a nil or empty allowlist defaults to
// loopback-only.
func New(rt *runtime.Server, mgr *transport.Manager, debugAllowlist []string, logger *slog.Logger) (*Handler, error) {
	acl, err := newACL(debugAllowlist)
	if err != nil {
		return nil, err
	}

	webRoot, err := fs.Sub(webFS, "web")
	if err != nil {
		return nil, err
	}
	fileServer := http.FileServer(http.FS(webRoot))

	mux := http.NewServeMux()
	mux.HandleFunc("GET /{$}", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		fileServer.ServeHTTP(w, r)
	})
	mux.HandleFunc("GET /favicon.png", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "image/png")
		fileServer.ServeHTTP(w, r)
	})
	mux.HandleFunc("GET /transport-certificate", makeCertificateHandler(mgr, logger))
	mux.Handle("GET /debug/sessions", acl.Middleware(makeSessionsHandler(rt)))
	mux.Handle("GET /debug/metrics", acl.Middleware(makeMetricsHandler(rt)))
	mux.HandleFunc("/", handleNotFound)

	return &Handler{mux: mux}, nil
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.mux.ServeHTTP(w, r)
}

// certificateResponse is the JSON body of GET /transport-certificate.
type certificateResponse struct {
	Hash string `json:"hash"`
	Port int    `json:"port"`
}

func makeCertificateHandler(mgr *transport.Manager, logger *slog.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		host, _, err := net.SplitHostPort(r.Host)
		if err != nil {
			host = r.Host
		}
		if host == "" || !isValidHostname(host) {
			http.Error(w, "malformed Host header", http.StatusBadRequest)
			return
		}
		hash, port, err := mgr.EndpointFor(host)
		if err != nil {
			logger.Error("minting transport certificate", "host", host, "error", err)
			http.Error(w, "internal error", http.StatusInternalServerError)
			return
		}
		writeJSON(w, http.StatusOK, certificateResponse{Hash: hash, Port: port})
	}
}

func makeSessionsHandler(rt *runtime.Server) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, rt.SessionsSnapshot())
	}
}

func makeMetricsHandler(rt *runtime.Server) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, rt.MetricsSnapshot())
	}
}

func handleNotFound(w http.ResponseWriter, r *http.Request) {
	http.Error(w, "Not found", http.StatusNotFound)
}

// isValidHostname rejects control characters and path-like separators a
// legitimate Host header never carries, without pulling in a full
// URL-authority parser.
func isValidHostname(host string) bool {
	for _, r := range host {
		if r <= 0x20 || r == 0x7f || r == '/' || r == '\\' {
			return false
		}
	}
	return true
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
