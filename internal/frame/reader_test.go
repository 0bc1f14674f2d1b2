package frame

import (
	"bytes"
	"errors"
	"io"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/DoyleJ11/moonshot/internal/wire"
)

func encodedStream(t *testing.T, actions []wire.PlayerAction) []byte {
	t.Helper()
	var stream []byte
	for _, a := range actions {
		payload, err := wire.EncodeAction(a)
		require.NoError(t, err)
		stream, err = Append(stream, payload)
		require.NoError(t, err)
	}
	return stream
}

func drain(t *testing.T, r *Reader[wire.PlayerAction]) []wire.PlayerAction {
	t.Helper()
	var out []wire.PlayerAction
	for {
		v, ok, err := r.Next()
		require.NoError(t, err)
		if !ok {
			return out
		}
		out = append(out, v)
	}
}

func sampleActions() []wire.PlayerAction {
	return []wire.PlayerAction{
		wire.ShootRocket{Origin: wire.Vec2{X: 1, Y: 1}, Direction: wire.Vec2{X: 5, Y: 5}},
		wire.Build{Kind: wire.BuildingMining, TargetID: 4},
		wire.ChangeAura{Aura: wire.SomeAura(wire.AuraDamage), TargetID: 4},
		wire.ChangeAura{TargetID: 8},
	}
}

func TestReaderChunkingIsIdempotent(t *testing.T) {
	want := sampleActions()
	stream := encodedStream(t, want)

	whole := NewReader(wire.DecodeAction)
	whole.Feed(stream)
	require.Equal(t, want, drain(t, whole))

	for _, chunk := range []int{1, 2, 3, 5, 7, 16} {
		r := NewReader(wire.DecodeAction)
		var got []wire.PlayerAction
		for i := 0; i < len(stream); i += chunk {
			end := min(i+chunk, len(stream))
			r.Feed(stream[i:end])
			got = append(got, drain(t, r)...)
		}
		assert.Equal(t, want, got, "chunk size %d", chunk)
		assert.Zero(t, r.Buffered(), "chunk size %d", chunk)
	}
}

func TestReaderWaitsForCompleteFrame(t *testing.T) {
	stream := encodedStream(t, sampleActions()[:1])
	r := NewReader(wire.DecodeAction)

	r.Feed(stream[:1])
	_, ok, err := r.Next()
	require.NoError(t, err)
	assert.False(t, ok, "one header byte is not a frame")

	r.Feed(stream[1 : len(stream)-1])
	_, ok, err = r.Next()
	require.NoError(t, err)
	assert.False(t, ok, "payload still short by one byte")

	r.Feed(stream[len(stream)-1:])
	_, ok, err = r.Next()
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestReaderCorruptPayload(t *testing.T) {
	r := NewReader(wire.DecodeAction)
	bad, err := Encode([]byte{0x7f, 0x00})
	require.NoError(t, err)
	r.Feed(bad)

	_, ok, err := r.Next()
	assert.False(t, ok)
	assert.ErrorIs(t, err, ErrCorrupt)
	assert.ErrorIs(t, err, wire.ErrDecode)
}

func TestPollReportsDisconnectOnEOF(t *testing.T) {
	stream := encodedStream(t, sampleActions())
	r := NewReader(wire.DecodeAction)
	src := bytes.NewReader(stream)

	got, err := r.Poll(src)
	require.NoError(t, err)
	assert.Equal(t, sampleActions(), got)

	got, err = r.Poll(src)
	assert.Empty(t, got)
	assert.ErrorIs(t, err, ErrDisconnected)
}

func TestReadOnceOnlyBuffers(t *testing.T) {
	stream := encodedStream(t, sampleActions())
	r := NewReader(wire.DecodeAction)
	src := bytes.NewReader(stream)

	n, err := r.ReadOnce(src)
	require.NoError(t, err)
	assert.Equal(t, len(stream), n)
	assert.Equal(t, len(stream), r.Buffered())
	assert.Equal(t, sampleActions(), drain(t, r))

	n, err = r.ReadOnce(src)
	assert.Zero(t, n)
	assert.ErrorIs(t, err, ErrDisconnected)
}

type failingReader struct{ err error }

func (f failingReader) Read([]byte) (int, error) { return 0, f.err }

func TestPollWrapsReadErrors(t *testing.T) {
	cause := errors.New("connection reset by peer")
	r := NewReader(wire.DecodeAction)

	_, err := r.Poll(failingReader{err: cause})
	assert.ErrorIs(t, err, ErrDisconnected)
	assert.ErrorIs(t, err, cause)
}

func TestPollTimeoutIsNotAnError(t *testing.T) {
	server, client := net.Pipe()
	defer server.Close()
	defer client.Close()

	r := NewReader(wire.DecodeAction)
	require.NoError(t, server.SetReadDeadline(time.Now().Add(20*time.Millisecond)))

	got, err := r.Poll(server)
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestWriteProducesOneFrame(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, Write(&buf, []byte("abc")))
	assert.Equal(t, []byte{0x00, 0x03, 'a', 'b', 'c'}, buf.Bytes())

	require.ErrorIs(t, Write(io.Discard, make([]byte, MaxPayloadSize+1)), ErrFrameTooLarge)
}
