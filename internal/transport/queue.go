package transport

import (
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/DoyleJ11/moonshot/internal/frame"
)

var ErrPayloadTooLarge = errors.New("transport: payload too large for u16 length field")

// Message is a queued payload waiting to become a frame.
type Message struct {
	Length  uint16
	Payload []byte
}

// Queue buffers serialized payloads between game logic and the socket
// write path. It is safe for concurrent producers and a single consumer.
type Queue struct {
	mu       sync.Mutex
	messages []Message
}

// NewQueue returns an empty queue.
func NewQueue() *Queue {
	return &Queue{}
}

// Enqueue appends payload to the tail of the queue. Payloads of 65536 bytes
// or more are rejected with ErrPayloadTooLarge and leave the queue unchanged.
func (q *Queue) Enqueue(payload []byte) error {
	if len(payload) > frame.MaxPayloadSize {
		return fmt.Errorf("%w: %d bytes", ErrPayloadTooLarge, len(payload))
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	q.messages = append(q.messages, Message{Length: uint16(len(payload)), Payload: payload})
	return nil
}

// Drain removes and returns every queued message in enqueue order.
// Messages enqueued after Drain takes the lock belong to the next Drain.
func (q *Queue) Drain() []Message {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.messages) == 0 {
		return nil
	}
	out := q.messages
	q.messages = nil
	return out
}

// Len reports the number of queued messages.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.messages)
}

// Flush drains the queue and writes every message to w as a frame. The
// lock is released before any I/O. It returns the number of frames written;
// messages after a failed write are discarded with the connection.
func (q *Queue) Flush(w io.Writer) (int, error) {
	messages := q.Drain()
	if len(messages) == 0 {
		return 0, nil
	}
	var out []byte
	for _, m := range messages {
		var err error
		out, err = frame.Append(out, m.Payload)
		if err != nil {
			return 0, err
		}
	}
	if _, err := w.Write(out); err != nil {
		return 0, fmt.Errorf("transport: write %d frames: %w", len(messages), err)
	}
	return len(messages), nil
}
