// Package frame implements the length-prefixed envelope used on every
// moonshot connection.
//
// Wire format:
//
//	┌──────────────────────────────┬──────────────────────────┐
//	│ Payload Length               │ Payload                  │
//	│ (2 bytes, big-endian)        │ (Payload Length bytes)   │
//	└──────────────────────────────┴──────────────────────────┘
package frame

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

const (
	// HeaderSize is the size of the length prefix in bytes.
	HeaderSize = 2

	// MaxPayloadSize is the largest payload the length prefix can describe.
	MaxPayloadSize = 65535
)

var ErrFrameTooLarge = errors.New("frame: payload exceeds 65535 bytes")

// Append appends payload to dst as a complete frame.
func Append(dst, payload []byte) ([]byte, error) {
	if len(payload) > MaxPayloadSize {
		return dst, fmt.Errorf("%w: %d bytes", ErrFrameTooLarge, len(payload))
	}
	dst = binary.BigEndian.AppendUint16(dst, uint16(len(payload)))
	return append(dst, payload...), nil
}

// Encode returns payload wrapped in a frame.
func Encode(payload []byte) ([]byte, error) {
	return Append(make([]byte, 0, HeaderSize+len(payload)), payload)
}

// Write writes payload to w as a single frame using one Write call.
func Write(w io.Writer, payload []byte) error {
	b, err := Encode(payload)
	if err != nil {
		return err
	}
	_, err = w.Write(b)
	return err
}
