package frame

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
)

var ErrDisconnected = errors.New("frame: peer disconnected")
var ErrCorrupt = errors.New("frame: corrupt frame")

// DecodeFunc turns one frame payload into a value. The payload slice is
// only valid for the duration of the call.
type DecodeFunc[T any] func(payload []byte) (T, error)

// Reader incrementally extracts complete frames from a byte stream and
// decodes them. It tolerates arbitrarily small partial reads. A Reader is
// owned by a single connection and is not safe for concurrent use.
type Reader[T any] struct {
	decode  DecodeFunc[T]
	buf     []byte
	off     int
	scratch []byte
}

// NewReader returns a Reader that decodes payloads with decode.
func NewReader[T any](decode DecodeFunc[T]) *Reader[T] {
	return &Reader[T]{
		decode:  decode,
		buf:     make([]byte, 0, 4096),
		scratch: make([]byte, 4096),
	}
}

// Feed appends newly received bytes to the receive buffer.
func (r *Reader[T]) Feed(p []byte) {
	if r.off > 0 {
		n := copy(r.buf, r.buf[r.off:])
		r.buf = r.buf[:n]
		r.off = 0
	}
	r.buf = append(r.buf, p...)
}

// Buffered reports how many received bytes are waiting to form a frame.
func (r *Reader[T]) Buffered() int {
	return len(r.buf) - r.off
}

// Next extracts and decodes the next complete frame. ok is false when the
// buffer does not yet hold a whole frame. A decode failure is reported as
// ErrCorrupt; the stream cannot be resynchronized after that.
func (r *Reader[T]) Next() (v T, ok bool, err error) {
	pending := r.buf[r.off:]
	if len(pending) < HeaderSize {
		return v, false, nil
	}
	n := int(binary.BigEndian.Uint16(pending))
	if len(pending) < HeaderSize+n {
		return v, false, nil
	}
	r.off += HeaderSize + n
	v, err = r.decode(pending[HeaderSize : HeaderSize+n])
	if err != nil {
		return v, false, fmt.Errorf("%w: %w", ErrCorrupt, err)
	}
	return v, true, nil
}

// ReadOnce performs a single Read from src and buffers the result. A read
// that times out (the connection would block) is not an error and reports
// zero bytes. End of stream and any other read error are reported as
// ErrDisconnected.
func (r *Reader[T]) ReadOnce(src io.Reader) (int, error) {
	n, err := src.Read(r.scratch)
	if n > 0 {
		r.Feed(r.scratch[:n])
	}
	switch {
	case err == nil:
		return n, nil
	case WouldBlock(err):
		return n, nil
	case errors.Is(err, io.EOF):
		return n, ErrDisconnected
	default:
		return n, fmt.Errorf("%w: %w", ErrDisconnected, err)
	}
}

// Poll reads once from src and returns every value completed by the read.
// Values decoded before an error are still returned.
func (r *Reader[T]) Poll(src io.Reader) ([]T, error) {
	_, readErr := r.ReadOnce(src)
	var out []T
	for {
		v, ok, err := r.Next()
		if err != nil {
			return out, err
		}
		if !ok {
			break
		}
		out = append(out, v)
	}
	return out, readErr
}

// WouldBlock reports whether err is a read or write deadline expiring,
// which on a non-blocking style connection just means "try again later".
func WouldBlock(err error) bool {
	if errors.Is(err, os.ErrDeadlineExceeded) {
		return true
	}
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}
