package aiproto

import (
	"encoding/binary"
	"fmt"
	"io"
)

// lengthPrefixSize is the width of the frame length prefix in bytes.
const lengthPrefixSize = 4

// WriteEnvelope marshals env and writes it to w as a 4-byte little-endian
// length prefix followed by the payload (spec §4.5: the length prefix is
// 32-bit little-endian; the payload's own internal encoding is unrelated).
func WriteEnvelope(w io.Writer, env *Envelope) error {
	payload, err := Marshal(env)
	if err != nil {
		return err
	}
	if len(payload) < MinPayloadBytes || len(payload) > MaxPayloadBytes {
		return &FramingError{Reason: fmt.Sprintf("payload size %d out of bounds", len(payload))}
	}
	var hdr [lengthPrefixSize]byte
	binary.LittleEndian.PutUint32(hdr[:], uint32(len(payload)))
	if _, err := w.Write(hdr[:]); err != nil {
		return err
	}
	_, err = w.Write(payload)
	return err
}

// ReadEnvelope reads one length-prefixed frame from r and decodes it. Any
// length outside [MinPayloadBytes, MaxPayloadBytes] or a decode failure is
// returned as a *FramingError, which callers must treat as fatal to the
// connection (spec §4.5: framing errors are not retried in place).
func ReadEnvelope(r io.Reader) (*Envelope, error) {
	var hdr [lengthPrefixSize]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return nil, err
	}
	n := binary.LittleEndian.Uint32(hdr[:])
	if n < MinPayloadBytes || n > MaxPayloadBytes {
		return nil, &FramingError{Reason: fmt.Sprintf("declared length %d out of bounds", n)}
	}
	payload := make([]byte, n)
	if _, err := io.ReadFull(r, payload); err != nil {
		return nil, err
	}
	return Unmarshal(payload)
}
