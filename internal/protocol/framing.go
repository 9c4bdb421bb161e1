package protocol

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
)

// WriteFramed writes v as a 4-byte little-endian length prefix followed by
// its JSON encoding. The prefix counts itself, matching the wire format: a
// message of N payload bytes is framed as a u32 LE value of N+4 followed by
// the N payload bytes. It returns an error if the framed message would
// exceed maxLength.
func WriteFramed(w io.Writer, v any, maxLength uint32) error {
	payload, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encoding message: %w", err)
	}
	total := uint64(len(payload)) + 4
	if total > uint64(maxLength) {
		return fmt.Errorf("message of %d bytes exceeds maximum %d", total, maxLength)
	}
	var prefix [4]byte
	binary.LittleEndian.PutUint32(prefix[:], uint32(total))
	if _, err := w.Write(prefix[:]); err != nil {
		return fmt.Errorf("writing message length: %w", err)
	}
	if _, err := w.Write(payload); err != nil {
		return fmt.Errorf("writing message body: %w", err)
	}
	return nil
}

// ReadFramed reads one length-prefixed JSON message from r into v. length,
// as on the wire, includes the 4 prefix bytes themselves.
func ReadFramed(r io.Reader, v any, maxLength uint32) error {
	var prefix [4]byte
	if _, err := io.ReadFull(r, prefix[:]); err != nil {
		return fmt.Errorf("reading message length: %w", err)
	}
	length := binary.LittleEndian.Uint32(prefix[:])
	if length > maxLength {
		return fmt.Errorf("message of %d bytes exceeds maximum %d", length, maxLength)
	}
	if length < 4 {
		return fmt.Errorf("message length %d is shorter than the prefix itself", length)
	}
	payload := make([]byte, length-4)
	if _, err := io.ReadFull(r, payload); err != nil {
		return fmt.Errorf("reading message body: %w", err)
	}
	if err := json.Unmarshal(payload, v); err != nil {
		return fmt.Errorf("decoding message: %w", err)
	}
	return nil
}
