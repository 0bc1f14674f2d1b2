package client

import (
	"context"
	"net"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/DoyleJ11/moonshot/internal/frame"
	"github.com/DoyleJ11/moonshot/internal/server"
	"github.com/DoyleJ11/moonshot/internal/simtime"
	"github.com/DoyleJ11/moonshot/internal/wire"
)

// helper: receive one turn with a timeout so tests never hang
func recvTurn(t *testing.T, ch <-chan wire.ServerTurn, within time.Duration) wire.ServerTurn {
	t.Helper()
	select {
	case turn, ok := <-ch:
		if !ok {
			t.Fatalf("turn channel closed unexpectedly")
		}
		return turn
	case <-time.After(within):
		t.Fatalf("timed out waiting for turn")
		return wire.ServerTurn{}
	}
}

func recvNonEmpty(t *testing.T, ch <-chan wire.ServerTurn, within time.Duration) wire.ServerTurn {
	t.Helper()
	deadline := time.Now().Add(within)
	for {
		turn := recvTurn(t, ch, time.Until(deadline))
		if len(turn.Actions) > 0 {
			return turn
		}
	}
}

func runClient(t *testing.T, c *Client) (stop func() error) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- c.Run(ctx) }()
	stopped := false
	var result error
	stop = func() error {
		if stopped {
			return result
		}
		stopped = true
		cancel()
		select {
		case result = <-done:
		case <-time.After(2 * time.Second):
			t.Fatalf("client did not stop")
		}
		return result
	}
	t.Cleanup(func() { _ = stop() })
	return stop
}

func TestClient_FlushesQueuedActionsAsFrames(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { _ = ln.Close() })

	accepted := make(chan net.Conn, 1)
	go func() {
		nc, err := ln.Accept()
		if err == nil {
			accepted <- nc
		}
	}()

	c, err := Dial(context.Background(), ln.Addr().String(), Options{
		FrameDuration: 5 * time.Millisecond,
		Log:           testLogger(t),
	})
	require.NoError(t, err)
	runClient(t, c)

	var peer net.Conn
	select {
	case peer = <-accepted:
	case <-time.After(time.Second):
		t.Fatalf("server never accepted")
	}
	t.Cleanup(func() { _ = peer.Close() })

	first := wire.Build{Kind: wire.BuildingMining, TargetID: 7}
	second := wire.ChangeAura{Aura: wire.SomeAura(wire.AuraShield), TargetID: 7}
	require.NoError(t, c.Enqueue(first))
	require.NoError(t, c.Enqueue(second))

	r := frame.NewReader(wire.DecodeAction)
	var got []wire.PlayerAction
	deadline := time.Now().Add(2 * time.Second)
	for len(got) < 2 && time.Now().Before(deadline) {
		require.NoError(t, peer.SetReadDeadline(time.Now().Add(50*time.Millisecond)))
		actions, err := r.Poll(peer)
		require.NoError(t, err)
		got = append(got, actions...)
	}
	assert.Equal(t, []wire.PlayerAction{first, second}, got)
}

// gatedConn holds its first Write until release is closed.
type gatedConn struct {
	net.Conn
	once    sync.Once
	entered chan struct{}
	release chan struct{}
}

func (g *gatedConn) Write(b []byte) (int, error) {
	first := false
	g.once.Do(func() { first = true })
	if first {
		close(g.entered)
		<-g.release
	}
	return g.Conn.Write(b)
}

func TestClient_CloseKeepsEnqueueOrderBehindTickFlush(t *testing.T) {
	serverSide, clientSide := net.Pipe()
	t.Cleanup(func() { _ = serverSide.Close() })
	gc := &gatedConn{Conn: clientSide, entered: make(chan struct{}), release: make(chan struct{})}

	received := make(chan []wire.PlayerAction, 1)
	go func() {
		r := frame.NewReader(wire.DecodeAction)
		var got []wire.PlayerAction
		for {
			actions, err := r.Poll(serverSide)
			got = append(got, actions...)
			if err != nil {
				received <- got
				return
			}
		}
	}()

	c := newClient(gc, Options{FrameDuration: 2 * time.Millisecond, Log: testLogger(t)})
	first := wire.Build{Kind: wire.BuildingMining, TargetID: 1}
	second := wire.Build{Kind: wire.BuildingProduction, TargetID: 2}
	require.NoError(t, c.Enqueue(first))
	runClient(t, c)

	select {
	case <-gc.entered:
	case <-time.After(2 * time.Second):
		t.Fatalf("tick loop never flushed")
	}
	require.NoError(t, c.Enqueue(second))

	closed := make(chan error, 1)
	go func() { closed <- c.Close() }()
	time.Sleep(20 * time.Millisecond)
	close(gc.release)

	select {
	case err := <-closed:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatalf("Close did not return")
	}
	select {
	case got := <-received:
		assert.Equal(t, []wire.PlayerAction{first, second}, got)
	case <-time.After(2 * time.Second):
		t.Fatalf("server side never saw the connection close")
	}
}

func TestClient_DeliversTurnsAndAlignsFrames(t *testing.T) {
	serverSide, clientSide := net.Pipe()
	t.Cleanup(func() { _ = serverSide.Close() })

	c := newClient(clientSide, Options{
		FrameDuration: time.Hour,
		AlignFrames:   true,
		Log:           testLogger(t),
	})
	runClient(t, c)

	turn := wire.ServerTurn{
		Number:  40,
		Actions: []wire.PlayerAction{wire.ShootRocket{Origin: wire.Vec2{X: 1, Y: 2}, Direction: wire.Vec2{X: 0, Y: -1}}},
	}
	payload, err := wire.EncodeTurn(turn)
	require.NoError(t, err)
	go func() { _ = frame.Write(serverSide, payload) }()

	assert.Equal(t, turn, recvTurn(t, c.Turns(), time.Second))
	assert.Equal(t, uint32(40), c.FrameNumber())
}

func TestClient_RunReturnsWhenServerLeaves(t *testing.T) {
	serverSide, clientSide := net.Pipe()
	c := newClient(clientSide, Options{FrameDuration: time.Hour, Log: testLogger(t)})

	done := make(chan error, 1)
	go func() { done <- c.Run(context.Background()) }()
	require.NoError(t, serverSide.Close())

	select {
	case err := <-done:
		assert.ErrorIs(t, err, frame.ErrDisconnected)
	case <-time.After(2 * time.Second):
		t.Fatalf("Run did not return")
	}
	_, open := <-c.Turns()
	assert.False(t, open)
}

func TestClient_EnqueueAfterClose(t *testing.T) {
	serverSide, clientSide := net.Pipe()
	t.Cleanup(func() { _ = serverSide.Close() })
	c := newClient(clientSide, Options{})

	require.NoError(t, c.Close())
	assert.ErrorIs(t, c.Enqueue(wire.Build{}), ErrClosed)
	assert.NoError(t, c.Close())
}

func TestClient_OnFramesReportsDueFrames(t *testing.T) {
	serverSide, clientSide := net.Pipe()
	t.Cleanup(func() { _ = serverSide.Close() })

	var frames atomic.Int64
	c := newClient(clientSide, Options{
		FrameDuration: 2 * time.Millisecond,
		OnFrames:      func(r simtime.Range) { frames.Add(int64(r.Len())) },
		Log:           testLogger(t),
	})
	runClient(t, c)

	require.Eventually(t, func() bool { return frames.Load() >= 5 }, 2*time.Second, 5*time.Millisecond)
}

// Player A fires a rocket; player B sees it in exactly one server turn.
func TestClient_EndToEndRocketReachesOtherPlayer(t *testing.T) {
	srv := server.New(server.Config{
		Addr:         "127.0.0.1:0",
		Players:      2,
		TickInterval: 10 * time.Millisecond,
		OutboxSize:   256,
	}, server.Deps{Log: testLogger(t)})
	require.NoError(t, srv.Listen())

	ctx, cancel := context.WithCancel(context.Background())
	srvDone := make(chan error, 1)
	go func() { srvDone <- srv.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		<-srvDone
	})

	opts := Options{FrameDuration: 5 * time.Millisecond, Log: testLogger(t)}
	a, err := Dial(ctx, srv.Addr(), opts)
	require.NoError(t, err)
	b, err := Dial(ctx, srv.Addr(), opts)
	require.NoError(t, err)
	runClient(t, a)
	runClient(t, b)
	go func() {
		for range a.Turns() {
		}
	}()

	rocket := wire.ShootRocket{Origin: wire.Vec2{X: 1, Y: 1}, Direction: wire.Vec2{X: 5, Y: 5}}
	require.NoError(t, a.Enqueue(rocket))

	got := recvNonEmpty(t, b.Turns(), 3*time.Second)
	require.Len(t, got.Actions, 1)
	assert.Equal(t, rocket, got.Actions[0])
}
