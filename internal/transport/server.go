package transport

import (
	"context"
	"crypto/tls"
	"fmt"
	"log/slog"

	"github.com/quic-go/quic-go"

	"github.com/nishisan-dev/kairos-edge/internal/runtime"
	"github.com/nishisan-dev/kairos-edge/internal/session"
)

// quicConnection adapts a *quic.Conn to session.Connection so the session
// package never imports quic-go directly and can be exercised with fakes.
type quicConnection struct {
	conn *quic.Conn
}

func (q *quicConnection) AcceptStream(ctx context.Context) (session.Stream, error) {
	return q.conn.AcceptStream(ctx)
}

func (q *quicConnection) OpenUniStreamSync(ctx context.Context) (session.SendStream, error) {
	return q.conn.OpenUniStreamSync(ctx)
}

func (q *quicConnection) CloseWithError(code uint64, reason string) error {
	return q.conn.CloseWithError(quic.ApplicationErrorCode(code), reason)
}

// Server runs the transport-port accept loop, handing each accepted
// connection to a new session.Session.
type Server struct {
	addr    string
	certs   *CertificateStore
	runtime *runtime.Server
	logger  *slog.Logger
}

// NewServer builds a transport Server listening on addr.
func NewServer(addr string, certs *CertificateStore, rt *runtime.Server, logger *slog.Logger) *Server {
	return &Server{addr: addr, certs: certs, runtime: rt, logger: logger.With("component", "transport")}
}

// Run blocks, accepting connections until ctx is cancelled.
func (s *Server) Run(ctx context.Context) error {
	tlsConf := &tls.Config{
		MinVersion:     tls.VersionTLS13,
		GetCertificate: s.certs.GetCertificate,
		NextProtos:     []string{"kairos-edge"},
	}

	ln, err := quic.ListenAddr(s.addr, tlsConf, &quic.Config{})
	if err != nil {
		return fmt.Errorf("listening on %s: %w", s.addr, err)
	}
	defer ln.Close()

	go func() {
		<-ctx.Done()
		ln.Close()
	}()

	for {
		conn, err := ln.Accept(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			s.logger.Warn("accepting connection", "error", err)
			continue
		}
		go s.handle(ctx, conn)
	}
}

func (s *Server) handle(ctx context.Context, conn *quic.Conn) {
	sess := session.New(s.runtime, &quicConnection{conn: conn}, s.logger)
	if err := sess.Run(ctx); err != nil {
		s.logger.Info("session ended", "remote", conn.RemoteAddr(), "error", err)
	}
	conn.CloseWithError(0, "session ended")
}
