package device

import (
	"context"
	"encoding/binary"
	"fmt"
	"math"

	"github.com/nishisan-dev/kairos-edge/internal/protocol"
)

// Adapter walks one physical camera's raw USB byte stream with a stateful
// EVT3 decoder and slices it into fixed-cadence packets. The USB transport
// itself is an external collaborator reached through EventSource; Adapter
// owns the decoder state machine and the packet-boundary computation, which
// are this server's concern, not the driver's.
type Adapter interface {
	Kind() string
	Width() int
	Height() int

	// ReadBuffer blocks until the source has delivered at least one more
	// raw byte slice (or ctx is cancelled), buffering it internally for
	// DecodeUpTo to consume. A single call may buffer bytes spanning
	// several packet boundaries; DecodeUpTo is what slices them apart.
	ReadBuffer(ctx context.Context) error

	// DecodeUpTo consumes buffered words whose decoded timestamp stays
	// strictly before endT, appending their raw bytes to buf and advancing
	// state across them. It returns the extended buffer, the new decoder
	// state, the event/trigger counts observed, and reachedBoundary: true
	// once the buffered queue holds a time word at or past endT,
	// confirming the packet boundary was actually crossed (the tie-break
	// rule: a packet closes at endT regardless of how many bytes it
	// produced) rather than merely running dry waiting on more data, in
	// which case the caller must ReadBuffer again before retrying.
	DecodeUpTo(endT uint64, buf []byte, state protocol.EVT3State) (out []byte, newState protocol.EVT3State, reachedBoundary bool, counts Counts)

	Close() error
}

// Counts aggregates what one DecodeUpTo pass observed: change-detection
// events by polarity and external-trigger edges by direction.
type Counts struct {
	On               int
	Off              int
	RisingTriggers   int
	FallingTriggers  int
}

// Add accumulates other into c.
func (c *Counts) Add(other Counts) {
	c.On += other.On
	c.Off += other.Off
	c.RisingTriggers += other.RisingTriggers
	c.FallingTriggers += other.FallingTriggers
}

// dataBufferEndT computes the fixed-cadence packet boundary timestamp, in
// decoder microseconds, at which the packet with index nextPacketIndex-1
// closes: round(nextPacketIndex * 1e6 / packetFrequencyHz).
func dataBufferEndT(nextPacketIndex uint64, packetFrequencyHz float64) uint64 {
	return uint64(math.Round(float64(nextPacketIndex) * 1e6 / packetFrequencyHz))
}

// UnsupportedVariantError is returned by enumeration when a device reports
// a kind this server does not decode: non-EVT3 variants are rejected
// outright rather than guessing at their trigger semantics.
type UnsupportedVariantError struct {
	Kind string
}

func (e *UnsupportedVariantError) Error() string {
	return fmt.Sprintf("unsupported device variant %q: only evt3 is decoded", e.Kind)
}

// NewAdapter resolves kind to a concrete Adapter, or an
// *UnsupportedVariantError for anything other than "evt3".
func NewAdapter(kind string, source EventSource) (Adapter, error) {
	if kind != "evt3" {
		return nil, &UnsupportedVariantError{Kind: kind}
	}
	return &evt3Adapter{source: source}, nil
}

// EventSource is the raw pull seam a real USB driver implements: one call
// returns the next raw byte slice off the wire, or blocks until ctx is
// cancelled if none is available yet. It carries no notion of packet
// boundaries or even word alignment; both are recovered above it, in
// Adapter, since the spec scopes the USB driver itself out as an external
// collaborator that merely delivers timestamped raw byte slices.
type EventSource interface {
	Width() int
	Height() int
	Next(ctx context.Context) ([]byte, error)
}

type evt3Adapter struct {
	source  EventSource
	pending []byte

	// scratch is reused across DecodeUpTo calls for per-word event decoding
	// so the hot loop does not allocate per packet.
	scratch []protocol.DecodedEvent
}

func (a *evt3Adapter) Kind() string { return "evt3" }
func (a *evt3Adapter) Width() int   { return a.source.Width() }
func (a *evt3Adapter) Height() int  { return a.source.Height() }
func (a *evt3Adapter) Close() error { return nil }

func (a *evt3Adapter) ReadBuffer(ctx context.Context) error {
	raw, err := a.source.Next(ctx)
	if err != nil {
		return err
	}
	a.pending = append(a.pending, raw...)
	return nil
}

func (a *evt3Adapter) DecodeUpTo(endT uint64, buf []byte, state protocol.EVT3State) ([]byte, protocol.EVT3State, bool, Counts) {
	var counts Counts
	reached := false
	i := 0
	// A USB read can end mid-word; the dangling byte stays in pending until
	// its other half arrives.
	for i+2 <= len(a.pending) {
		word := binary.LittleEndian.Uint16(a.pending[i:])
		if t, isTime := state.PeekTime(word); isTime && t >= endT {
			// This word belongs to the next packet: stop in front of it
			// so the state stored for that packet decodes it.
			reached = true
			break
		}

		var trigger protocol.DecodedTrigger
		var hasTrigger bool
		a.scratch, trigger, hasTrigger = state.Advance(word, a.scratch[:0])
		for _, e := range a.scratch {
			if e.On {
				counts.On++
			} else {
				counts.Off++
			}
		}
		if hasTrigger {
			if trigger.Rising {
				counts.RisingTriggers++
			} else {
				counts.FallingTriggers++
			}
		}

		buf = append(buf, a.pending[i], a.pending[i+1])
		i += 2
	}
	if i > 0 {
		a.pending = append(a.pending[:0], a.pending[i:]...)
	}
	return buf, state, reached, counts
}
