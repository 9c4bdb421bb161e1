package device

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"testing"

	"github.com/nishisan-dev/kairos-edge/internal/buffers"
	"github.com/nishisan-dev/kairos-edge/internal/ids"
	"github.com/nishisan-dev/kairos-edge/internal/lookback"
	"github.com/nishisan-dev/kairos-edge/internal/protocol"
	"github.com/nishisan-dev/kairos-edge/internal/router"
)

// fakeSource hands out pre-canned raw EVT3 byte slices, standing in for the
// USB driver.
type fakeSource struct {
	mu      sync.Mutex
	batches [][]byte
	i       int
}

func (f *fakeSource) Width() int  { return 1280 }
func (f *fakeSource) Height() int { return 720 }

func (f *fakeSource) Next(ctx context.Context) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.i >= len(f.batches) {
		return nil, errors.New("fake source exhausted")
	}
	b := f.batches[f.i]
	f.i++
	return b, nil
}

// evt3Bytes renders EVT3 words as the little-endian byte stream a camera
// would deliver.
func evt3Bytes(words ...uint16) []byte {
	out := make([]byte, 0, len(words)*2)
	for _, w := range words {
		out = append(out, byte(w), byte(w>>8))
	}
	return out
}

// Word-building shorthands for fixtures; the top nibble selects the type.
const (
	wTimeLow  = 0x6000
	wTimeHigh = 0x8000
	wAddrY    = 0x0000
	wAddrX    = 0x2000
	wPolarity = 0x0800
)

type fakeSink struct {
	mu      sync.Mutex
	packets int
}

func (s *fakeSink) WritePacket(header protocol.PacketHeader, raw []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.packets++
	return nil
}

func (s *fakeSink) WriteSample(sample Sample) error { return nil }

func (s *fakeSink) SizeBytes() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return int64(s.packets)
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(nopWriter{}, nil))
}

type nopWriter struct{}

func (nopWriter) Write(p []byte) (int, error) { return len(p), nil }

func newTestStack() *buffers.Stack {
	s := buffers.NewStack()
	s.Preallocate(16)
	return s
}

func TestProducerDispatchesPacketsToSubscribers(t *testing.T) {
	// The first event (t=1) stays inside the first packet boundary
	// (round(1e6/60) = 16667us); the second (t=20000) lands past it, which
	// is what confirms the boundary was reached and closes packet 1 without
	// needing a third ReadBuffer call.
	src := &fakeSource{batches: [][]byte{
		evt3Bytes(wTimeLow|1, wAddrY|20, wAddrX|wPolarity|10),
		evt3Bytes(wTimeHigh|4, wTimeLow|3616, wAddrY|21, wAddrX|11),
	}}
	adapter, err := NewAdapter("evt3", src)
	if err != nil {
		t.Fatalf("NewAdapter: %v", err)
	}

	stack := newTestStack()
	rtr := router.New()
	ring := lookback.New(lookback.Config{})
	p := NewProducer(1, adapter, stack, rtr, ring, DefaultProducerConfig(), discardLogger())

	ch, _ := rtr.Subscribe(ids.NewStreamId(1, 0), 1, 4)
	_ = ch

	err = p.Run(context.Background())
	if err == nil {
		t.Fatal("expected an error once the fake source is exhausted")
	}
	if ring.Len() == 0 {
		t.Fatal("expected packets pushed to the lookback ring")
	}
}

// TestProducerSplitsOneBufferAtMultiplePacketBoundaries exercises the case
// where a single ReadBuffer call delivers words spanning several
// fixed-cadence packet boundaries: the Producer must slice them into more
// than one packet without calling ReadBuffer again, rather than delegating
// that decision to the event source.
func TestProducerSplitsOneBufferAtMultiplePacketBoundaries(t *testing.T) {
	// Events at t=0, t=20000 and t=40000. Boundaries sit at
	// round(n*1e6/60) = 16667, 33333, 50000us; the t=40000 event's packet
	// never closes because the source runs dry before the 50000us boundary
	// is confirmed.
	src := &fakeSource{batches: [][]byte{
		evt3Bytes(
			wTimeLow|0, wAddrY|1, wAddrX|wPolarity|1,
			wTimeHigh|4, wTimeLow|3616, wAddrY|2, wAddrX|wPolarity|2,
			wTimeHigh|9, wTimeLow|3136, wAddrY|3, wAddrX|3,
		),
	}}
	adapter, err := NewAdapter("evt3", src)
	if err != nil {
		t.Fatalf("NewAdapter: %v", err)
	}

	stack := newTestStack()
	rtr := router.New()
	p := NewProducer(1, adapter, stack, rtr, nil, DefaultProducerConfig(), discardLogger())

	ch, _ := rtr.Subscribe(ids.NewStreamId(1, 0), 1, 8)

	if err := p.Run(context.Background()); err == nil {
		t.Fatal("expected an error once the fake source is exhausted")
	}

	packets := 0
	for {
		select {
		case <-ch:
			packets++
			continue
		default:
		}
		break
	}
	if packets != 2 {
		t.Fatalf("expected one buffer to split into 2 packets at fixed-cadence boundaries, got %d", packets)
	}
}

// TestPacketHeaderCarriesStateAtPacketStart pins the standalone-decode
// property: every packet's stored decoder state is the state at the first
// byte of its payload, so the state in packet N+1's header equals the
// running state after packet N.
func TestPacketHeaderCarriesStateAtPacketStart(t *testing.T) {
	src := &fakeSource{batches: [][]byte{
		evt3Bytes(
			wTimeLow|0, wAddrY|1, wAddrX|wPolarity|1,
			wTimeHigh|4, wTimeLow|3616, wAddrY|2, wAddrX|wPolarity|2,
			wTimeHigh|9, wTimeLow|3136, wAddrY|3, wAddrX|3,
		),
	}}
	adapter, err := NewAdapter("evt3", src)
	if err != nil {
		t.Fatalf("NewAdapter: %v", err)
	}

	rtr := router.New()
	p := NewProducer(1, adapter, newTestStack(), rtr, nil, DefaultProducerConfig(), discardLogger())
	ch, _ := rtr.Subscribe(ids.NewStreamId(1, 0), 1, 8)

	if err := p.Run(context.Background()); err == nil {
		t.Fatal("expected an error once the fake source is exhausted")
	}

	var packets [][]byte
	for {
		select {
		case data := <-ch:
			packets = append(packets, data)
			continue
		default:
		}
		break
	}
	if len(packets) != 2 {
		t.Fatalf("expected 2 packets, got %d", len(packets))
	}

	h1, _, err := protocol.ParsePacketHeader(packets[0])
	if err != nil {
		t.Fatalf("parsing packet 1: %v", err)
	}
	h2, _, err := protocol.ParsePacketHeader(packets[1])
	if err != nil {
		t.Fatalf("parsing packet 2: %v", err)
	}

	if h1.DecoderState != (protocol.EVT3State{}) {
		t.Fatalf("expected packet 1 to carry the initial decoder state, got %+v", h1.DecoderState)
	}
	// Packet 1 consumed TIME_LOW(0), ADDR_Y(1), ADDR_X(1, on) and
	// TIME_HIGH(4), stopping in front of the TIME_LOW word that crosses the
	// 16667us boundary; the state after it is what packet 2 must decode
	// from.
	want := protocol.EVT3State{T: 4 << 12, PreviousMsbT: 4, X: 1, Y: 1, Polarity: 1}
	if h2.DecoderState != want {
		t.Fatalf("packet 2 decoder state = %+v, want the running state after packet 1 %+v", h2.DecoderState, want)
	}
}

func TestProducerPublishesFileStateWhileRecording(t *testing.T) {
	src := &fakeSource{batches: [][]byte{
		evt3Bytes(wTimeLow|1, wAddrY|20, wAddrX|wPolarity|10),
		evt3Bytes(wTimeHigh|4, wTimeLow|3616, wAddrY|21, wAddrX|11),
	}}
	adapter, err := NewAdapter("evt3", src)
	if err != nil {
		t.Fatalf("NewAdapter: %v", err)
	}

	p := NewProducer(1, adapter, newTestStack(), router.New(), nil, DefaultProducerConfig(), discardLogger())
	sink := &fakeSink{}
	p.SetRecordingSink(sink, FileState{Directory: "data/recordings", Name: "rec"})

	if err := p.Run(context.Background()); err == nil {
		t.Fatal("expected an error once the fake source is exhausted")
	}

	snap := p.State().Snapshot()
	if !snap.Recording || snap.File.Name != "rec" {
		t.Fatalf("expected published file state for the open recording, got %+v", snap.File)
	}
	if snap.File.SizeBytes == 0 {
		t.Fatal("expected File.SizeBytes tracking the sink's written size")
	}

	p.SetRecordingSink(nil, FileState{})
	snap = p.State().Snapshot()
	if snap.Recording || snap.File.Name != "" {
		t.Fatalf("expected file state cleared after detach, got %+v", snap.File)
	}
}

func TestNewAdapterRejectsUnsupportedVariant(t *testing.T) {
	_, err := NewAdapter("davis346", &fakeSource{})
	var uerr *UnsupportedVariantError
	if !errors.As(err, &uerr) {
		t.Fatalf("expected UnsupportedVariantError, got %v", err)
	}
}
