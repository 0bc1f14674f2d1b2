package journal

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/pierrec/lz4/v4"
	"lukechampine.com/blake3"

	"github.com/DoyleJ11/moonshot/internal/wire"
)

var ErrChecksum = errors.New("journal: payload checksum mismatch")

// compressThreshold is the smallest payload worth compressing. Empty and
// near-empty turns dominate a match and lz4 framing would only grow them.
const compressThreshold = 256

// TurnRecord is the stored form of a turn. Payload holds the bytes that
// were broadcast to players, lz4-compressed when Compressed is set. Digest
// is the blake3 sum of the uncompressed payload.
type TurnRecord struct {
	Number     uint32 `gorm:"primaryKey;autoIncrement:false"`
	Actions    int    `gorm:"not null"`
	Payload    []byte `gorm:"not null"`
	Compressed bool   `gorm:"not null;default:false"`
	Digest     []byte `gorm:"not null"`
	CreatedAt  time.Time
}

func (TurnRecord) TableName() string { return "server_turns" }

func toRecord(turn wire.ServerTurn) (TurnRecord, error) {
	payload, err := wire.EncodeTurn(turn)
	if err != nil {
		return TurnRecord{}, err
	}
	sum := blake3.Sum256(payload)
	rec := TurnRecord{
		Number:  turn.Number,
		Actions: len(turn.Actions),
		Payload: payload,
		Digest:  sum[:],
	}
	if len(payload) >= compressThreshold {
		if packed, err := compressLZ4(payload); err == nil && len(packed) < len(payload) {
			rec.Payload = packed
			rec.Compressed = true
		}
	}
	return rec, nil
}

func fromRecord(rec TurnRecord) (wire.ServerTurn, error) {
	payload := rec.Payload
	if rec.Compressed {
		var err error
		payload, err = decompressLZ4(rec.Payload)
		if err != nil {
			return wire.ServerTurn{}, fmt.Errorf("journal: turn %d: %w", rec.Number, err)
		}
	}
	if len(rec.Digest) > 0 {
		sum := blake3.Sum256(payload)
		if !bytes.Equal(sum[:], rec.Digest) {
			return wire.ServerTurn{}, fmt.Errorf("%w: turn %d", ErrChecksum, rec.Number)
		}
	}
	turn, err := wire.DecodeTurn(payload)
	if err != nil {
		return wire.ServerTurn{}, fmt.Errorf("journal: turn %d: %w", rec.Number, err)
	}
	return turn, nil
}

func compressLZ4(src []byte) ([]byte, error) {
	var buf bytes.Buffer
	zw := lz4.NewWriter(&buf)
	if _, err := zw.Write(src); err != nil {
		return nil, err
	}
	if err := zw.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func decompressLZ4(src []byte) ([]byte, error) {
	zr := lz4.NewReader(bytes.NewReader(src))
	// A turn payload never exceeds one frame.
	out, err := io.ReadAll(io.LimitReader(zr, wire.MaxPayloadSize+1))
	if err != nil {
		return nil, fmt.Errorf("decompress: %w", err)
	}
	if len(out) > wire.MaxPayloadSize {
		return nil, fmt.Errorf("decompress: payload exceeds %d bytes", wire.MaxPayloadSize)
	}
	return out, nil
}
