// Package session implements the Client Connection: per-accepted-session
// control stream handling, unidirectional data stream subscription, and the
// record-state push stream.
package session

import (
	"context"
	"io"
)

// Connection is the subset of a QUIC connection a Session needs. It is an
// interface (rather than a direct *quic.Conn dependency) so a session's
// command dispatch and streaming logic can be exercised with in-memory
// fakes instead of a real transport, matching the ambient test-tooling
// style the rest of this module uses (fakes over integration harnesses).
type Connection interface {
	// AcceptStream blocks until the client opens a new bidirectional
	// stream (the control/message stream) or ctx is cancelled.
	AcceptStream(ctx context.Context) (Stream, error)
	// OpenUniStreamSync blocks until the server can open a new
	// unidirectional stream toward the client (a data or record-state
	// stream).
	OpenUniStreamSync(ctx context.Context) (SendStream, error)
	// CloseWithError terminates the connection, reporting code/reason to
	// the peer if the transport supports it.
	CloseWithError(code uint64, reason string) error
}

// Stream is a bidirectional QUIC stream.
type Stream interface {
	io.Reader
	io.Writer
}

// SendStream is a unidirectional, server-to-client QUIC stream.
type SendStream interface {
	io.Writer
	io.Closer
}
