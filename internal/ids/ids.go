// Package ids defines the small wrapping identifier types shared across the
// server: device, stream and client identifiers.
package ids

import "sync/atomic"

// DeviceId identifies an enumerated camera for the lifetime of the process.
// It wraps at 1<<24 (the low 3 bytes of a StreamId carry it verbatim).
type DeviceId uint32

const deviceIdMask = 1<<24 - 1

// StreamId identifies one logical data stream. The low byte is the
// stream-index within a device (0 for the event stream, 1 for the sampler
// stream); the high three bytes carry the
// owning DeviceId. Two values are reserved and never assigned to a device:
// ControlStreamId addresses the per-client control stream, and
// RecordStateStreamId addresses the per-client recording-state stream.
type StreamId uint32

const (
	// ControlStreamId is the reserved stream id for client control messages.
	ControlStreamId StreamId = 0xFFFFFF
	// RecordStateStreamId is the reserved stream id for recording-state push updates.
	RecordStateStreamId StreamId = 0xFFFFFE
)

// NewStreamId packs a device id and a stream index (0-255) into a StreamId.
func NewStreamId(device DeviceId, index byte) StreamId {
	return StreamId(uint32(index) | (uint32(device)&deviceIdMask)<<8)
}

// Index returns the low-byte stream index.
func (s StreamId) Index() byte { return byte(s) }

// Device returns the owning device id.
func (s StreamId) Device() DeviceId { return DeviceId(uint32(s) >> 8) }

// Reserved reports whether s is one of the two reserved stream ids.
func (s StreamId) Reserved() bool {
	return s == ControlStreamId || s == RecordStateStreamId
}

// ClientId identifies one connected client for the lifetime of its connection.
type ClientId uint32

// DeviceCounter hands out wrapping DeviceId values as devices are enumerated.
type DeviceCounter struct{ next atomic.Uint32 }

// Next returns the next DeviceId, wrapping at 1<<24.
func (c *DeviceCounter) Next() DeviceId {
	v := c.next.Add(1) - 1
	return DeviceId(v & deviceIdMask)
}

// ClientCounter hands out wrapping ClientId values as clients connect.
type ClientCounter struct{ next atomic.Uint32 }

// Next returns the next ClientId.
func (c *ClientCounter) Next() ClientId {
	return ClientId(c.next.Add(1) - 1)
}
