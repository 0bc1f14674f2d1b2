// Package client is the player side of the turn protocol. Game logic hands
// it actions and reads back server turns; the client owns the socket, the
// outbound queue and the local simulation clock.
package client

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"go.uber.org/multierr"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/DoyleJ11/moonshot/internal/frame"
	"github.com/DoyleJ11/moonshot/internal/simtime"
	"github.com/DoyleJ11/moonshot/internal/transport"
	"github.com/DoyleJ11/moonshot/internal/wire"
)

var ErrClosed = errors.New("client: closed")

const closeFlushTimeout = 100 * time.Millisecond

type Options struct {
	// FrameDuration is the local simulation step and the flush cadence.
	FrameDuration time.Duration
	// AlignFrames moves the local frame counter to each received turn's
	// number, letting the server drive resync.
	AlignFrames bool
	DialTimeout time.Duration
	// WriteTimeout bounds each flush to the server.
	WriteTimeout time.Duration
	// TurnBuffer is the capacity of the Turns channel.
	TurnBuffer int
	// OnFrames, if set, is called from the tick loop with the frames the
	// caller must simulate this tick. Empty ranges are not reported.
	OnFrames func(simtime.Range)
	Log      *zap.Logger
}

type Client struct {
	nc   net.Conn
	opts Options
	log  *zap.Logger

	queue *transport.Queue
	turns chan wire.ServerTurn

	mu    sync.Mutex
	clock *simtime.Time

	// flushMu keeps Drain and Write together so frames reach the socket in
	// enqueue order no matter which goroutine flushes.
	flushMu  sync.Mutex
	flushErr error

	closeOnce sync.Once
	closeErr  error
	done      chan struct{}
}

// Dial connects to a turn server.
func Dial(ctx context.Context, addr string, opts Options) (*Client, error) {
	if opts.FrameDuration <= 0 {
		opts.FrameDuration = simtime.DefaultFrameDuration
	}
	if opts.DialTimeout <= 0 {
		opts.DialTimeout = 5 * time.Second
	}
	d := net.Dialer{Timeout: opts.DialTimeout}
	nc, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("client: dial %s: %w", addr, err)
	}
	return newClient(nc, opts), nil
}

func newClient(nc net.Conn, opts Options) *Client {
	if tcp, ok := nc.(*net.TCPConn); ok {
		_ = tcp.SetNoDelay(true)
	}
	if opts.WriteTimeout <= 0 {
		opts.WriteTimeout = 5 * time.Second
	}
	if opts.TurnBuffer < 1 {
		opts.TurnBuffer = 64
	}
	log := opts.Log
	if log == nil {
		log = zap.NewNop()
	}
	return &Client{
		nc:    nc,
		opts:  opts,
		log:   log.Named("client").With(zap.String("server", nc.RemoteAddr().String())),
		queue: transport.NewQueue(),
		turns: make(chan wire.ServerTurn, opts.TurnBuffer),
		clock: simtime.New(opts.FrameDuration),
		done:  make(chan struct{}),
	}
}

// Enqueue encodes a and queues it for the next flush. Errors are
// recoverable: the action is dropped and the client keeps running.
func (c *Client) Enqueue(a wire.PlayerAction) error {
	select {
	case <-c.done:
		return ErrClosed
	default:
	}
	payload, err := wire.EncodeAction(a)
	if err != nil {
		return err
	}
	return c.queue.Enqueue(payload)
}

// Turns delivers server turns in arrival order. It is closed when Run
// returns.
func (c *Client) Turns() <-chan wire.ServerTurn { return c.turns }

// FramesToRun reports the frames the local clock says are due.
func (c *Client) FramesToRun() simtime.Range {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.clock.FramesToRun()
}

func (c *Client) FrameNumber() uint32 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.clock.FrameNumber()
}

// Run drives the client until ctx is cancelled or the server goes away.
// One goroutine reads turns; the other advances the clock and flushes the
// outbound queue once per frame.
func (c *Client) Run(ctx context.Context) error {
	defer close(c.turns)

	g, ctx := errgroup.WithContext(ctx)
	stop := context.AfterFunc(ctx, func() { _ = c.Close() })
	defer stop()

	g.Go(func() error { return c.readLoop(ctx) })
	g.Go(func() error { return c.tickLoop(ctx) })

	err := g.Wait()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func (c *Client) readLoop(ctx context.Context) error {
	r := frame.NewReader(wire.DecodeTurn)
	for {
		turns, err := r.Poll(c.nc)
		for _, t := range turns {
			if c.opts.AlignFrames {
				c.mu.Lock()
				c.clock.SetFrameNumber(t.Number)
				c.mu.Unlock()
			}
			select {
			case c.turns <- t:
			case <-ctx.Done():
				return ctx.Err()
			}
		}
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			c.log.Warn("connection lost", zap.Error(err))
			return err
		}
	}
}

func (c *Client) tickLoop(ctx context.Context) error {
	ticker := time.NewTicker(c.opts.FrameDuration)
	defer ticker.Stop()
	last := time.Now()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case now := <-ticker.C:
			c.mu.Lock()
			c.clock.Update(now.Sub(last))
			frames := c.clock.FramesToRun()
			c.mu.Unlock()
			last = now

			if c.opts.OnFrames != nil && frames.Len() > 0 {
				c.opts.OnFrames(frames)
			}
			if err := c.flush(c.opts.WriteTimeout); err != nil {
				if ctx.Err() != nil {
					return ctx.Err()
				}
				return err
			}
		}
	}
}

// flush writes every queued frame. After a failed write the stream may end
// in a partial frame, so later flushes report the same error instead of
// writing more.
func (c *Client) flush(timeout time.Duration) error {
	c.flushMu.Lock()
	defer c.flushMu.Unlock()
	if c.flushErr != nil {
		return c.flushErr
	}
	_ = c.nc.SetWriteDeadline(time.Now().Add(timeout))
	if _, err := c.queue.Flush(c.nc); err != nil {
		c.flushErr = err
		return err
	}
	return nil
}

// Close flushes whatever is still queued and closes the connection.
func (c *Client) Close() error {
	c.closeOnce.Do(func() {
		close(c.done)
		flushErr := c.flush(closeFlushTimeout)
		if errors.Is(flushErr, net.ErrClosed) {
			flushErr = nil
		}
		c.closeErr = multierr.Combine(flushErr, c.nc.Close())
	})
	return c.closeErr
}
