// Package protocol defines the wire formats shared by every stream kind:
// packet records, sample records, stream headers and the length-prefixed
// JSON command/state framing used on the control and record-state streams.
package protocol

import (
	"encoding/binary"
	"fmt"
	"time"
)

// Fixed protocol constants: stream identifiers, buffer sizing,
// packetization cadence and the auto-trigger/stack tuning knobs.
const (
	UnidirectionalStreamsId = 0xFFFFF0
	BidirectionalStreamsId  = 0xFFFFF1
	MessageStreamId         = 0xFFFFFF

	MessageMaximumLength           = 1 << 20
	MessageRecommendedBufferCount  = 32
	PacketMaximumLength            = 1 << 22
	PacketRecommendedBufferCount   = 16
	PacketFrequencyHz              = 60.0
	EventRateSamples               = 6
	SamplingPeriod                 = 100 * time.Millisecond
	StackMinimumTimeWindow         = time.Second
	StackMinimumSamples            = 10
	SampleStackLength              = 256

	// DecoderStateHeaderLength is the fixed width of the decoder-state
	// block embedded in every packet header. EVT3 uses 22 of these bytes;
	// the remaining 12 are reserved so the header layout never needs to
	// change for other decoder variants.
	DecoderStateHeaderLength = 34

	// DecoderStateIndexLength is the fixed width of the decoder-state
	// block written to the .index.kai file, which stores polarity as a
	// single byte instead of two.
	DecoderStateIndexLength = 21

	// SampleRecordLength is the total wire size of one length-prefixed
	// EVK4 sample record (4-byte length prefix + 56-byte payload).
	SampleRecordLength = 4 + 56
	SamplePayloadLength = 56

	// PacketHeaderOverhead is the number of bytes preceding the raw event
	// bytes in a packet record: total_length, system_time, system_timestamp,
	// decoder_state, packet_end_t.
	PacketHeaderOverhead = 4 + 8 + 8 + DecoderStateHeaderLength + 8
)

// EVT3State is the live decoder state for the EVT3 format. It is
// serialized into both the packet header (34-byte, padded) and the index
// file (21-byte, tight) encodings.
type EVT3State struct {
	T              uint64
	Overflows      uint32
	PreviousMsbT   uint16
	PreviousLsbT   uint16
	X              uint16
	Y              uint16
	Polarity       uint8
}

// AppendHeader appends the 34-byte padded packet-header encoding of s to buf.
func (s EVT3State) AppendHeader(buf []byte) []byte {
	var tmp [DecoderStateHeaderLength]byte
	binary.LittleEndian.PutUint64(tmp[0:8], s.T)
	binary.LittleEndian.PutUint32(tmp[8:12], s.Overflows)
	binary.LittleEndian.PutUint16(tmp[12:14], s.PreviousMsbT)
	binary.LittleEndian.PutUint16(tmp[14:16], s.PreviousLsbT)
	binary.LittleEndian.PutUint16(tmp[16:18], s.X)
	binary.LittleEndian.PutUint16(tmp[18:20], s.Y)
	binary.LittleEndian.PutUint16(tmp[20:22], uint16(s.Polarity))
	// bytes [22:34] stay zero: reserved for wider decoder state variants.
	return append(buf, tmp[:]...)
}

// AppendIndex appends the 21-byte tight index-file encoding of s to buf.
func (s EVT3State) AppendIndex(buf []byte) []byte {
	var tmp [DecoderStateIndexLength]byte
	binary.LittleEndian.PutUint64(tmp[0:8], s.T)
	binary.LittleEndian.PutUint32(tmp[8:12], s.Overflows)
	binary.LittleEndian.PutUint16(tmp[12:14], s.PreviousMsbT)
	binary.LittleEndian.PutUint16(tmp[14:16], s.PreviousLsbT)
	binary.LittleEndian.PutUint16(tmp[16:18], s.X)
	binary.LittleEndian.PutUint16(tmp[18:20], s.Y)
	tmp[20] = s.Polarity
	return append(buf, tmp[:]...)
}

// ParseEVT3StateHeader reads the 34-byte padded form.
func ParseEVT3StateHeader(b []byte) (EVT3State, error) {
	if len(b) < DecoderStateHeaderLength {
		return EVT3State{}, fmt.Errorf("short decoder state header: %d bytes", len(b))
	}
	return EVT3State{
		T:            binary.LittleEndian.Uint64(b[0:8]),
		Overflows:    binary.LittleEndian.Uint32(b[8:12]),
		PreviousMsbT: binary.LittleEndian.Uint16(b[12:14]),
		PreviousLsbT: binary.LittleEndian.Uint16(b[14:16]),
		X:            binary.LittleEndian.Uint16(b[16:18]),
		Y:            binary.LittleEndian.Uint16(b[18:20]),
		Polarity:     uint8(binary.LittleEndian.Uint16(b[20:22])),
	}, nil
}

// PacketHeader is the fixed-width header prefixing the raw event bytes of
// one packet record.
type PacketHeader struct {
	TotalLength      uint32
	SystemTimeUs     uint64
	SystemTimestampUs uint64
	DecoderState     EVT3State
	PacketEndTUs     uint64
}

// Append serializes h followed by raw into buf and returns the extended slice.
func (h PacketHeader) Append(buf []byte, raw []byte) []byte {
	var fixed [4 + 8 + 8]byte
	binary.LittleEndian.PutUint32(fixed[0:4], h.TotalLength)
	binary.LittleEndian.PutUint64(fixed[4:12], h.SystemTimeUs)
	binary.LittleEndian.PutUint64(fixed[12:20], h.SystemTimestampUs)
	buf = append(buf, fixed[:]...)
	buf = h.DecoderState.AppendHeader(buf)
	var tail [8]byte
	binary.LittleEndian.PutUint64(tail[:], h.PacketEndTUs)
	buf = append(buf, tail[:]...)
	return append(buf, raw...)
}

// ParsePacketHeader parses the fixed portion of a packet record, returning
// the header and the byte offset at which the raw event bytes begin.
func ParsePacketHeader(b []byte) (PacketHeader, int, error) {
	const fixedLen = 4 + 8 + 8
	if len(b) < fixedLen+DecoderStateHeaderLength+8 {
		return PacketHeader{}, 0, fmt.Errorf("short packet record: %d bytes", len(b))
	}
	h := PacketHeader{
		TotalLength:       binary.LittleEndian.Uint32(b[0:4]),
		SystemTimeUs:      binary.LittleEndian.Uint64(b[4:12]),
		SystemTimestampUs: binary.LittleEndian.Uint64(b[12:20]),
	}
	state, err := ParseEVT3StateHeader(b[20 : 20+DecoderStateHeaderLength])
	if err != nil {
		return PacketHeader{}, 0, err
	}
	h.DecoderState = state
	off := 20 + DecoderStateHeaderLength
	h.PacketEndTUs = binary.LittleEndian.Uint64(b[off : off+8])
	return h, off + 8, nil
}

// StreamDescription builds the 12-byte header a client reads when it opens
// a unidirectional data stream: stream id, recommended buffer count and the
// maximum record length, all little-endian u32.
func StreamDescription(streamId uint32, recommendedBufferCount uint32, maximumLength uint32) [12]byte {
	var out [12]byte
	binary.LittleEndian.PutUint32(out[0:4], streamId)
	binary.LittleEndian.PutUint32(out[4:8], recommendedBufferCount)
	binary.LittleEndian.PutUint32(out[8:12], maximumLength)
	return out
}
