package server

import (
	"errors"
	"net"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/DoyleJ11/moonshot/internal/frame"
	"github.com/DoyleJ11/moonshot/internal/wire"
)

// Disconnect reasons, used as log fields and metric labels.
const (
	ReasonEOF         = "eof"
	ReasonReadError   = "read_error"
	ReasonCorrupt     = "corrupt_frame"
	ReasonWriteFailed = "write_failed"
	ReasonOutboxFull  = "outbox_full"
	ReasonShutdown    = "shutdown"
)

// maxPendingActions bounds how many decoded actions one connection may
// stage between ticks.
const maxPendingActions = 1024

// Conn is one accepted player connection. Its read path and write path run
// as independent goroutines: the reader decodes actions into a pending
// buffer drained by the aggregator, the writer delivers framed turns from
// its outbox so a stalled peer never blocks the others.
type Conn struct {
	id     uint64
	nc     net.Conn
	remote string
	log    *zap.Logger

	reader       *frame.Reader[wire.PlayerAction]
	limiter      *rate.Limiter
	writeTimeout time.Duration
	outbox       chan []byte

	mu      sync.Mutex
	pending []wire.PlayerAction

	closeOnce sync.Once
	closeErr  error
	done      chan struct{}
}

type connOptions struct {
	outboxSize    int
	writeTimeout  time.Duration
	actionsPerSec float64
}

func newConn(id uint64, nc net.Conn, opts connOptions, log *zap.Logger) *Conn {
	if opts.outboxSize < 1 {
		opts.outboxSize = 1
	}
	c := &Conn{
		id:           id,
		nc:           nc,
		remote:       nc.RemoteAddr().String(),
		reader:       frame.NewReader(wire.DecodeAction),
		writeTimeout: opts.writeTimeout,
		outbox:       make(chan []byte, opts.outboxSize),
		done:         make(chan struct{}),
	}
	c.log = log.With(zap.Uint64("conn", id), zap.String("remote", c.remote))
	if opts.actionsPerSec > 0 {
		burst := int(opts.actionsPerSec)
		if burst < 1 {
			burst = 1
		}
		c.limiter = rate.NewLimiter(rate.Limit(opts.actionsPerSec), burst)
	}
	return c
}

func (c *Conn) ID() uint64 { return c.id }

func (c *Conn) RemoteAddr() string { return c.remote }

// Done is closed once the connection has been closed.
func (c *Conn) Done() <-chan struct{} { return c.done }

// TakeActions removes and returns the actions decoded since the last call,
// in arrival order.
func (c *Conn) TakeActions() []wire.PlayerAction {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := c.pending
	c.pending = nil
	return out
}

// stage records a decoded action. It returns the drop reason, or "" when
// the action was kept.
func (c *Conn) stage(a wire.PlayerAction) string {
	if c.limiter != nil && !c.limiter.Allow() {
		return "rate_limited"
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.pending) >= maxPendingActions {
		return "pending_full"
	}
	c.pending = append(c.pending, a)
	return ""
}

// send queues a framed turn for the writer without blocking. It reports
// false when the outbox is full or the connection is closed.
func (c *Conn) send(f []byte) bool {
	select {
	case <-c.done:
		return false
	default:
	}
	select {
	case c.outbox <- f:
		return true
	default:
		return false
	}
}

// readLoop blocks in the runtime's network poller between reads, so an idle
// peer costs nothing. It exits on the first disconnect or corrupt frame.
func (c *Conn) readLoop(m *Manager) {
	for {
		actions, err := c.reader.Poll(c.nc)
		for _, a := range actions {
			if reason := c.stage(a); reason != "" {
				m.metrics.ActionDropped(reason)
				c.log.Debug("dropping action", zap.String("reason", reason), zap.String("action", wire.ActionName(a)))
			}
		}
		if err != nil {
			m.Remove(c, readFailureReason(err), err)
			return
		}
	}
}

func (c *Conn) writeLoop(m *Manager) {
	for {
		select {
		case <-c.done:
			return
		case f := <-c.outbox:
			if c.writeTimeout > 0 {
				_ = c.nc.SetWriteDeadline(time.Now().Add(c.writeTimeout))
			}
			if _, err := c.nc.Write(f); err != nil {
				m.Remove(c, ReasonWriteFailed, err)
				return
			}
		}
	}
}

func (c *Conn) close() error {
	c.closeOnce.Do(func() {
		close(c.done)
		c.closeErr = c.nc.Close()
	})
	return c.closeErr
}

func readFailureReason(err error) string {
	switch {
	case errors.Is(err, frame.ErrCorrupt):
		return ReasonCorrupt
	case err == frame.ErrDisconnected: // bare sentinel: clean end of stream
		return ReasonEOF
	default:
		return ReasonReadError
	}
}
