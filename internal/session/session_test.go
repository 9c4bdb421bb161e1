package session

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"io"
	"log/slog"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/nishisan-dev/kairos-edge/internal/protocol"
	"github.com/nishisan-dev/kairos-edge/internal/runtime"
)

type nopWriter struct{}

func (nopWriter) Write(p []byte) (int, error) { return len(p), nil }

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(nopWriter{}, nil))
}

// fakeSendStream is an in-memory unidirectional stream a test can inspect
// after the fact, standing in for a real QUIC SendStream.
type fakeSendStream struct {
	mu     sync.Mutex
	buf    bytes.Buffer
	closed bool
}

func (s *fakeSendStream) Write(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.buf.Write(p)
}

func (s *fakeSendStream) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

func (s *fakeSendStream) Bytes() []byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]byte(nil), s.buf.Bytes()...)
}

// fakeConn pairs a net.Pipe-backed bidirectional control stream with
// in-memory unidirectional send streams, implementing Connection without
// any real network I/O.
type fakeConn struct {
	ctrl net.Conn

	mu      sync.Mutex
	streams []*fakeSendStream
}

func newFakeConn(ctrl net.Conn) *fakeConn {
	return &fakeConn{ctrl: ctrl}
}

func (f *fakeConn) AcceptStream(ctx context.Context) (Stream, error) {
	return f.ctrl, nil
}

func (f *fakeConn) OpenUniStreamSync(ctx context.Context) (SendStream, error) {
	s := &fakeSendStream{}
	f.mu.Lock()
	f.streams = append(f.streams, s)
	f.mu.Unlock()
	return s, nil
}

func (f *fakeConn) CloseWithError(code uint64, reason string) error {
	return f.ctrl.Close()
}

func (f *fakeConn) recordStateStream() *fakeSendStream {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.streams[0]
}

func readExactly(t *testing.T, r io.Reader, n int) []byte {
	t.Helper()
	buf := make([]byte, n)
	if _, err := io.ReadFull(r, buf); err != nil {
		t.Fatalf("reading %d bytes: %v", n, err)
	}
	return buf
}

func readServerMessage(t *testing.T, r io.Reader) protocol.ServerMessage {
	t.Helper()
	var msg protocol.ServerMessage
	if err := protocol.ReadFramed(r, &msg, protocol.MessageMaximumLength); err != nil {
		t.Fatalf("ReadFramed: %v", err)
	}
	return msg
}

func TestSessionHandshakeAndPing(t *testing.T) {
	serverSide, clientSide := net.Pipe()
	defer clientSide.Close()

	srv := runtime.NewServer(t.TempDir(), discardLogger())
	conn := newFakeConn(serverSide)
	sess := New(srv, conn, discardLogger())

	ctx, cancel := context.WithCancel(context.Background())
	runErr := make(chan error, 1)
	go func() { runErr <- sess.Run(ctx) }()

	header := readExactly(t, clientSide, 12)
	if got := binary.LittleEndian.Uint32(header[0:4]); got != 0xFFFFFF {
		t.Fatalf("expected control stream id 0xFFFFFF, got %#x", got)
	}

	clientMsg := readServerMessage(t, clientSide)
	if clientMsg.Type != protocol.ServerMessageSharedClientState {
		t.Fatalf("expected SharedClientState first, got %s", clientMsg.Type)
	}
	recMsg := readServerMessage(t, clientSide)
	if recMsg.Type != protocol.ServerMessageSharedRecordingsState {
		t.Fatalf("expected SharedRecordingsState second, got %s", recMsg.Type)
	}

	if err := protocol.WriteFramed(clientSide, protocol.ClientMessage{Type: protocol.ClientMessagePing}, protocol.MessageMaximumLength); err != nil {
		t.Fatalf("writing ping: %v", err)
	}
	pong := readExactly(t, clientSide, 8)
	if !bytes.Equal(pong, protocol.PongBytes[:]) {
		t.Fatalf("expected pong bytes, got %v", pong)
	}

	cancel()
	select {
	case err := <-runErr:
		if err != nil && !errors.Is(err, context.Canceled) {
			t.Fatalf("Run returned unexpected error: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
}

func TestSessionRejectsUnknownDevice(t *testing.T) {
	serverSide, clientSide := net.Pipe()
	defer clientSide.Close()

	srv := runtime.NewServer(t.TempDir(), discardLogger())
	conn := newFakeConn(serverSide)
	sess := New(srv, conn, discardLogger())

	err := sess.handle(context.Background(), serverSide, protocol.ClientMessage{
		Type:     protocol.ClientMessageStartRecording,
		DeviceId: 42,
		Name:     "rec",
	})
	if err == nil {
		t.Fatal("expected an error for an unknown device id")
	}
}
