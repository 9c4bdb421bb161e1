package protocol

import (
	"encoding/json"
	"fmt"
)

// ClientMessage is the tagged union of commands a client may send on its
// control stream. Exactly one field set is meaningful per Type; unused
// fields are omitted by the omitempty tags. Convert/CancelConvert were
// added alongside the conversion job queue.
type ClientMessage struct {
	Type string `json:"type"`

	StreamId uint32 `json:"stream_id,omitempty"`

	DeviceId uint32 `json:"device_id,omitempty"`

	Configuration json.RawMessage `json:"configuration,omitempty"`

	Enabled bool `json:"enabled,omitempty"`

	DurationUs uint64 `json:"duration_us,omitempty"`

	MaximumDurationUs uint64 `json:"maximum_duration_us,omitempty"`
	MaximumSizeBytes  uint64 `json:"maximum_size_bytes,omitempty"`

	Name string `json:"name,omitempty"`

	// Names carries the recording stems targeted by Convert/CancelConvert.
	Names []string `json:"names,omitempty"`

	// Threshold carries the auto-trigger ratio threshold for
	// update_autotrigger.
	Threshold float64 `json:"threshold,omitempty"`
}

const (
	ClientMessagePing                = "ping"
	ClientMessageStartStream         = "start_stream"
	ClientMessageUpdateConfiguration = "update_configuration"
	ClientMessageUpdateAutotrigger   = "update_autotrigger"
	ClientMessageUpdateAutostop      = "update_autostop"
	ClientMessageUpdateLookback      = "update_lookback"
	ClientMessageStartRecording      = "start_recording"
	ClientMessageStopRecording       = "stop_recording"
	ClientMessageConvert             = "convert"
	ClientMessageCancelConvert       = "cancel_convert"
)

// Device describes one enumerated camera as reported to clients.
type Device struct {
	Id          uint32          `json:"id"`
	Kind        string          `json:"kind"`
	Serial      string          `json:"serial"`
	Width       int             `json:"width,omitempty"`
	Height      int             `json:"height,omitempty"`
	Configuration json.RawMessage `json:"configuration,omitempty"`
}

// SharedClientState is the server->client push snapshot broadcast on the
// message stream whenever device enumeration, disk space or server-side
// errors change. It is JSON-encoded with a 4-byte little-endian length
// prefix, capped at MessageMaximumLength.
type SharedClientState struct {
	DataDirectory        string    `json:"data_directory"`
	DiskAvailableBytes   *uint64   `json:"disk_available_bytes,omitempty"`
	DiskTotalBytes       *uint64   `json:"disk_total_bytes,omitempty"`
	Devices              []Device  `json:"devices"`
	Errors               []string  `json:"errors,omitempty"`
}

// ParameterError reports a rejected configuration update for one parameter.
type ParameterError struct {
	Parameter string `json:"parameter"`
	Message   string `json:"message"`
}

// IntegerParameter describes the valid range of one integer device setting,
// mirroring the original protocol's Parameter introspection schema so
// clients can render generic configuration controls without hardcoding
// per-device-kind knowledge.
type IntegerParameter struct {
	Minimum int64 `json:"minimum"`
	Maximum int64 `json:"maximum"`
	Value   int64 `json:"value"`
}

// BooleanParameter describes one boolean device setting.
type BooleanParameter struct {
	Value bool `json:"value"`
}

const (
	ServerMessageSharedClientState     = "SharedClientState"
	ServerMessageSharedRecordingsState = "SharedRecordingsState"
)

// ServerMessage is the tagged union of messages pushed on the control
// stream: Content carries the JSON-encoded SharedClientState or
// SharedRecordingsState payload named by Type.
type ServerMessage struct {
	Type    string          `json:"type"`
	Content json.RawMessage `json:"content"`
}

// NewClientStateMessage wraps s as a ServerMessage ready for WriteFramed.
func NewClientStateMessage(s SharedClientState) (ServerMessage, error) {
	content, err := json.Marshal(s)
	if err != nil {
		return ServerMessage{}, fmt.Errorf("encoding shared client state: %w", err)
	}
	return ServerMessage{Type: ServerMessageSharedClientState, Content: content}, nil
}

// NewRecordingsStateMessage wraps s as a ServerMessage ready for WriteFramed.
func NewRecordingsStateMessage(s SharedRecordingsState) (ServerMessage, error) {
	content, err := json.Marshal(s)
	if err != nil {
		return ServerMessage{}, fmt.Errorf("encoding shared recordings state: %w", err)
	}
	return ServerMessage{Type: ServerMessageSharedRecordingsState, Content: content}, nil
}

// RecordingInfo describes one recording stem's lifecycle as shown to clients.
type RecordingInfo struct {
	Name      string `json:"name"`
	SizeBytes int64  `json:"size_bytes"`
	// State is one of "recording", "complete", "queued", "converting".
	State string `json:"state"`
	Zip   bool   `json:"zip"`
}

// SharedRecordingsState is the server->client push snapshot of every
// recording stem's conversion lifecycle.
type SharedRecordingsState struct {
	Recordings []RecordingInfo `json:"recordings"`
}

// PongBytes is the fixed 8-byte binary reply to a Ping: a 4-byte little
// endian length prefix (8, counting the prefix's own 4 bytes plus the
// "pong" payload) followed by the literal ASCII "pong".
var PongBytes = [8]byte{0x08, 0, 0, 0, 'p', 'o', 'n', 'g'}

// RecordStatePacket is pushed on the per-client record-state stream,
// carrying enough of a device's lookback and recording-file progress for
// the UI to drive its progress indicators. The record-state stream task
// sends it only when it differs (by encoded bytes) from the last packet
// sent for that client.
type RecordStatePacket struct {
	DeviceId          uint32 `json:"device_id"`
	LookbackEnabled   bool   `json:"lookback_enabled"`
	LookbackDurationUs uint64 `json:"lookback_duration_us,omitempty"`
	LookbackSizeBytes  uint64 `json:"lookback_size_bytes,omitempty"`
	Name       string `json:"name,omitempty"`
	DurationUs uint64 `json:"duration_us,omitempty"`
	SizeBytes  uint64 `json:"size_bytes,omitempty"`
}

// AppendEncode appends p as length-prefixed JSON to buf, matching the
// framing used elsewhere on unidirectional streams so the dedup-by-bytes
// comparison stays a simple byte-slice equality check. Taking a buffer lets
// the record-state push loop cycle its encodings through a pooled stack.
func (p RecordStatePacket) AppendEncode(buf []byte) ([]byte, error) {
	payload, err := json.Marshal(p)
	if err != nil {
		return nil, fmt.Errorf("encoding record state packet: %w", err)
	}
	total := uint32(len(payload) + 4)
	buf = append(buf, byte(total), byte(total>>8), byte(total>>16), byte(total>>24))
	return append(buf, payload...), nil
}

// Encode serializes p into a fresh length-prefixed JSON frame.
func (p RecordStatePacket) Encode() ([]byte, error) {
	return p.AppendEncode(nil)
}
