package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"slices"
	"sync"
	"time"

	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/DoyleJ11/moonshot/internal/frame"
	"github.com/DoyleJ11/moonshot/internal/metrics"
	"github.com/DoyleJ11/moonshot/internal/wire"
)

var ErrListenerClosed = errors.New("server: listener closed")

type ManagerConfig struct {
	// OutboxSize is how many framed turns may wait for one slow peer
	// before that peer is dropped.
	OutboxSize    int
	WriteTimeout  time.Duration
	ActionsPerSec float64
}

// Manager owns the listener and the set of held player connections. The
// set is only touched under mu, and mu is never held across socket I/O.
type Manager struct {
	cfg     ManagerConfig
	log     *zap.Logger
	metrics *metrics.Metrics

	mu     sync.Mutex
	ln     net.Listener
	conns  []*Conn
	nextID uint64
	// departed holds actions staged by connections that were removed
	// before the tick loop drained them.
	departed []wire.PlayerAction
}

func NewManager(ln net.Listener, cfg ManagerConfig, log *zap.Logger, m *metrics.Metrics) *Manager {
	if log == nil {
		log = zap.NewNop()
	}
	return &Manager{
		cfg:     cfg,
		ln:      ln,
		log:     log.Named("conns"),
		metrics: m,
	}
}

// AcceptUntil accepts connections until exactly n are held. Connections
// that drop while waiting are replaced. Cancelling ctx closes the listener.
func (m *Manager) AcceptUntil(ctx context.Context, n int) error {
	m.mu.Lock()
	ln := m.ln
	m.mu.Unlock()
	if ln == nil {
		return ErrListenerClosed
	}

	stop := context.AfterFunc(ctx, func() { _ = m.StopAccepting() })
	defer stop()

	for m.Len() < n {
		nc, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if errors.Is(err, net.ErrClosed) {
				return ErrListenerClosed
			}
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				continue
			}
			return fmt.Errorf("server: accept: %w", err)
		}
		c := m.add(nc)
		m.log.Info("player connected", zap.Uint64("conn", c.id), zap.String("remote", c.remote),
			zap.Int("held", m.Len()), zap.Int("expected", n))
	}
	return nil
}

func (m *Manager) add(nc net.Conn) *Conn {
	if tcp, ok := nc.(*net.TCPConn); ok {
		_ = tcp.SetNoDelay(true)
	}

	m.mu.Lock()
	m.nextID++
	c := newConn(m.nextID, nc, connOptions{
		outboxSize:    m.cfg.OutboxSize,
		writeTimeout:  m.cfg.WriteTimeout,
		actionsPerSec: m.cfg.ActionsPerSec,
	}, m.log)
	m.conns = append(m.conns, c)
	held := len(m.conns)
	m.mu.Unlock()

	m.metrics.SetConnections(held)
	go c.readLoop(m)
	go c.writeLoop(m)
	return c
}

// StopAccepting closes the listener. Held connections are unaffected.
func (m *Manager) StopAccepting() error {
	m.mu.Lock()
	ln := m.ln
	m.ln = nil
	m.mu.Unlock()
	if ln == nil {
		return nil
	}
	return ln.Close()
}

// Len reports how many connections are held.
func (m *Manager) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.conns)
}

// Conns returns the held connections in accept order. This is the fixed
// iteration order used when batching actions into a turn.
func (m *Manager) Conns() []*Conn {
	m.mu.Lock()
	defer m.mu.Unlock()
	return slices.Clone(m.conns)
}

// Broadcast encodes turn once and queues the frame on every held
// connection. A connection that cannot take the frame is removed without
// affecting delivery to the others. It returns the frame and the number of
// connections it was queued on.
func (m *Manager) Broadcast(turn wire.ServerTurn) ([]byte, int, error) {
	payload, err := wire.EncodeTurn(turn)
	if err != nil {
		return nil, 0, err
	}
	f, err := frame.Encode(payload)
	if err != nil {
		return nil, 0, err
	}

	delivered := 0
	for _, c := range m.Conns() {
		if c.send(f) {
			delivered++
			continue
		}
		m.Remove(c, ReasonOutboxFull, nil)
	}
	return f, delivered, nil
}

// TakeActions returns the actions left behind by removed connections, in
// the order the connections left.
func (m *Manager) TakeActions() []wire.PlayerAction {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := m.departed
	m.departed = nil
	return out
}

// Remove drops c from the active set and closes it. Actions c staged but the
// tick loop has not collected yet are kept for TakeActions. Removing a
// connection that is no longer held is a no-op.
func (m *Manager) Remove(c *Conn, reason string, cause error) {
	m.mu.Lock()
	idx := slices.Index(m.conns, c)
	if idx >= 0 {
		m.conns = slices.Delete(m.conns, idx, idx+1)
		m.departed = append(m.departed, c.TakeActions()...)
	}
	held := len(m.conns)
	m.mu.Unlock()

	if idx < 0 {
		return
	}
	_ = c.close()
	m.metrics.SetConnections(held)
	m.metrics.Disconnected(reason)
	fields := []zap.Field{zap.String("reason", reason), zap.Int("held", held)}
	if cause != nil {
		fields = append(fields, zap.Error(cause))
	}
	c.log.Warn("player disconnected", fields...)
}

// Close stops accepting and closes every held connection. In-flight turns
// are not flushed.
func (m *Manager) Close() error {
	err := m.StopAccepting()
	if errors.Is(err, net.ErrClosed) {
		err = nil
	}

	m.mu.Lock()
	conns := m.conns
	m.conns = nil
	m.mu.Unlock()

	for _, c := range conns {
		err = multierr.Append(err, c.close())
		m.metrics.Disconnected(ReasonShutdown)
	}
	m.metrics.SetConnections(0)
	return err
}
