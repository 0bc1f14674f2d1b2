package server

import (
	"context"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/DoyleJ11/moonshot/internal/frame"
	"github.com/DoyleJ11/moonshot/internal/journal"
	"github.com/DoyleJ11/moonshot/internal/metrics"
	"github.com/DoyleJ11/moonshot/internal/wire"
)

type recordingPublisher struct {
	mu     sync.Mutex
	frames map[uint32][]byte
}

func (p *recordingPublisher) Publish(turn uint32, f []byte) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.frames == nil {
		p.frames = make(map[uint32][]byte)
	}
	p.frames[turn] = f
}

func (p *recordingPublisher) frame(turn uint32) []byte {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.frames[turn]
}

type harness struct {
	srv      *Server
	stop     context.CancelFunc
	finished chan struct{}
	err      error
}

// wait returns Run's result, failing the test if Run has not returned
// within the given time.
func (h *harness) wait(t *testing.T, within time.Duration) error {
	t.Helper()
	select {
	case <-h.finished:
		return h.err
	case <-time.After(within):
		t.Fatalf("server did not stop within %v", within)
		return nil
	}
}

func startServer(t *testing.T, cfg Config, deps Deps) *harness {
	t.Helper()
	if cfg.Addr == "" {
		cfg.Addr = "127.0.0.1:0"
	}
	if cfg.TickInterval == 0 {
		cfg.TickInterval = 10 * time.Millisecond
	}
	if cfg.OutboxSize == 0 {
		cfg.OutboxSize = 256
	}
	if deps.Log == nil {
		deps.Log = testLogger(t)
	}
	s := New(cfg, deps)
	require.NoError(t, s.Listen())

	ctx, cancel := context.WithCancel(context.Background())
	h := &harness{srv: s, stop: cancel, finished: make(chan struct{})}
	go func() {
		h.err = s.Run(ctx)
		close(h.finished)
	}()
	t.Cleanup(func() {
		cancel()
		select {
		case <-h.finished:
		case <-time.After(2 * time.Second):
			t.Errorf("server did not stop")
		}
	})
	return h
}

func sendAction(t *testing.T, c net.Conn, a wire.PlayerAction) {
	t.Helper()
	payload, err := wire.EncodeAction(a)
	require.NoError(t, err)
	require.NoError(t, frame.Write(c, payload))
}

// nextNonEmpty skips empty turns until one carrying actions arrives.
func nextNonEmpty(t *testing.T, turns <-chan wire.ServerTurn, within time.Duration) wire.ServerTurn {
	t.Helper()
	deadline := time.After(within)
	for {
		select {
		case turn, ok := <-turns:
			if !ok {
				t.Fatalf("turn stream closed")
			}
			if len(turn.Actions) > 0 {
				return turn
			}
		case <-deadline:
			t.Fatalf("no turn with actions within %v", within)
			return wire.ServerTurn{}
		}
	}
}

func TestServer_ListenFailureIsReported(t *testing.T) {
	taken := listenLocal(t)
	t.Cleanup(func() { _ = taken.Close() })

	s := New(Config{Addr: taken.Addr().String(), Players: 1}, Deps{Log: testLogger(t)})
	assert.ErrorIs(t, s.Listen(), ErrListen)
	assert.ErrorIs(t, s.Run(context.Background()), ErrListen)
}

func TestServer_DoesNotTickUntilAllPlayersConnect(t *testing.T) {
	h := startServer(t, Config{Players: 2}, Deps{})

	dial(t, h.srv.Addr())
	require.Eventually(t, func() bool { return h.srv.Status().Connected == 1 }, time.Second, 5*time.Millisecond)
	time.Sleep(50 * time.Millisecond)

	st := h.srv.Status()
	assert.False(t, st.Ticking)
	assert.Zero(t, st.TurnsSent)
	assert.Equal(t, 2, st.Expected)

	h.stop()
	assert.NoError(t, h.wait(t, time.Second))
}

func TestServer_RelaysActionToEveryPlayer(t *testing.T) {
	reg := prometheus.NewRegistry()
	mem := journal.NewMemory()
	pub := &recordingPublisher{}
	h := startServer(t, Config{Players: 2}, Deps{
		Metrics:    metrics.New(reg),
		Journal:    mem,
		Spectators: pub,
	})

	a := dial(t, h.srv.Addr())
	b := dial(t, h.srv.Addr())
	turnsA := readTurns(a)
	turnsB := readTurns(b)
	require.Eventually(t, func() bool { return h.srv.Status().Ticking }, time.Second, 5*time.Millisecond)

	rocket := wire.ShootRocket{Origin: wire.Vec2{X: 1, Y: 1}, Direction: wire.Vec2{X: 5, Y: 5}}
	sendAction(t, a, rocket)

	got := nextNonEmpty(t, turnsB, 2*time.Second)
	assert.Equal(t, []wire.PlayerAction{rocket}, got.Actions)
	echo := nextNonEmpty(t, turnsA, 2*time.Second)
	assert.Equal(t, got, echo, "sender sees the same turn")

	require.Eventually(t, func() bool { return mem.Len() > int(got.Number) }, time.Second, 5*time.Millisecond)
	recorded, err := mem.Range(context.Background(), got.Number, got.Number)
	require.NoError(t, err)
	require.Len(t, recorded, 1)
	assert.Equal(t, got, recorded[0])

	f := pub.frame(got.Number)
	require.NotNil(t, f)
	payload, err := wire.EncodeTurn(got)
	require.NoError(t, err)
	want, err := frame.Encode(payload)
	require.NoError(t, err)
	assert.Equal(t, want, f)

	count, err := testutil.GatherAndCount(reg, "moonshot_actions_total")
	require.NoError(t, err)
	assert.Equal(t, 1, count, "one series, for shoot_rocket")
}

func TestServer_CorruptFrameDisconnectsOnlySender(t *testing.T) {
	h := startServer(t, Config{Players: 2}, Deps{})

	bad := dial(t, h.srv.Addr())
	good := dial(t, h.srv.Addr())
	turns := readTurns(good)
	require.Eventually(t, func() bool { return h.srv.Status().Ticking }, time.Second, 5*time.Millisecond)

	require.NoError(t, frame.Write(bad, []byte{0x09, 0x00}))
	require.Eventually(t, func() bool { return h.srv.Status().Connected == 1 }, time.Second, 5*time.Millisecond)

	build := wire.Build{Kind: wire.BuildingProduction, TargetID: 42}
	sendAction(t, good, build)
	got := nextNonEmpty(t, turns, 2*time.Second)
	assert.Equal(t, []wire.PlayerAction{build}, got.Actions)
}

func TestServer_RelaysActionFromPlayerThatLeaves(t *testing.T) {
	h := startServer(t, Config{Players: 2}, Deps{})

	leaver := dial(t, h.srv.Addr())
	stayer := dial(t, h.srv.Addr())
	turns := readTurns(stayer)
	require.Eventually(t, func() bool { return h.srv.Status().Ticking }, time.Second, 5*time.Millisecond)

	rocket := wire.ShootRocket{Origin: wire.Vec2{X: 9, Y: 9}, Direction: wire.Vec2{X: -1, Y: 0}}
	sendAction(t, leaver, rocket)
	tcp, ok := leaver.(*net.TCPConn)
	require.True(t, ok)
	require.NoError(t, tcp.CloseWrite())

	got := nextNonEmpty(t, turns, 2*time.Second)
	assert.Equal(t, []wire.PlayerAction{rocket}, got.Actions)
	require.Eventually(t, func() bool { return h.srv.Status().Connected == 1 }, time.Second, 5*time.Millisecond)
}

func TestServer_RunEndsWhenEveryPlayerLeaves(t *testing.T) {
	h := startServer(t, Config{Players: 1}, Deps{})

	c := dial(t, h.srv.Addr())
	require.Eventually(t, func() bool { return h.srv.Status().Ticking }, time.Second, 5*time.Millisecond)
	require.NoError(t, c.Close())

	assert.NoError(t, h.wait(t, 2*time.Second))
	assert.False(t, h.srv.Status().Ticking)
}

func TestServer_TickNumbersTurnsInOrder(t *testing.T) {
	h := startServer(t, Config{Players: 1}, Deps{})

	c := dial(t, h.srv.Addr())
	turns := readTurns(c)
	for want := uint32(0); want < 5; want++ {
		select {
		case turn := <-turns:
			assert.Equal(t, want, turn.Number)
		case <-time.After(time.Second):
			t.Fatalf("missing turn %d", want)
		}
	}
}
