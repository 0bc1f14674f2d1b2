package wire

import (
	"errors"
	"fmt"
	"math"
)

var ErrSerializationTooLarge = errors.New("wire: serialized payload exceeds 65535 bytes")
var ErrDecode = errors.New("wire: malformed payload")
var ErrUnknownAction = errors.New("wire: unknown action variant")
var ErrInvalidField = errors.New("wire: field value out of range")

// EncodeAction serializes a single PlayerAction.
func EncodeAction(a PlayerAction) ([]byte, error) {
	e := newEncoder()
	e.put8(KindAction)
	if err := encodeAction(e, a); err != nil {
		return nil, err
	}
	return e.buf, nil
}

// DecodeAction parses a payload produced by EncodeAction.
func DecodeAction(b []byte) (PlayerAction, error) {
	d := &decoder{buf: b}
	if err := expectKind(d, KindAction); err != nil {
		return nil, err
	}
	a, err := decodeAction(d)
	if err != nil {
		return nil, err
	}
	if d.remaining() != 0 {
		return nil, fmt.Errorf("%w: %d trailing bytes", ErrDecode, d.remaining())
	}
	return a, nil
}

// EncodeTurn serializes a ServerTurn. The turn is rejected with
// ErrSerializationTooLarge when it would not fit in a single frame.
func EncodeTurn(t ServerTurn) ([]byte, error) {
	if len(t.Actions) > math.MaxUint16 {
		return nil, fmt.Errorf("%w: %d actions", ErrSerializationTooLarge, len(t.Actions))
	}
	e := newEncoder()
	e.put8(KindTurn)
	e.put32(t.Number)
	e.put16(uint16(len(t.Actions)))
	for _, a := range t.Actions {
		if err := encodeAction(e, a); err != nil {
			return nil, err
		}
		if len(e.buf) > MaxPayloadSize {
			return nil, fmt.Errorf("%w: turn %d", ErrSerializationTooLarge, t.Number)
		}
	}
	return e.buf, nil
}

// DecodeTurn parses a payload produced by EncodeTurn.
func DecodeTurn(b []byte) (ServerTurn, error) {
	d := &decoder{buf: b}
	if err := expectKind(d, KindTurn); err != nil {
		return ServerTurn{}, err
	}
	num, ok := d.get32()
	if !ok {
		return ServerTurn{}, truncated("turn number")
	}
	n, ok := d.get16()
	if !ok {
		return ServerTurn{}, truncated("action count")
	}
	// Every action is at least two bytes, so a count the buffer cannot
	// possibly hold is rejected before allocating.
	if int(n)*2 > d.remaining() {
		return ServerTurn{}, truncated("actions")
	}
	t := ServerTurn{Number: num}
	if n > 0 {
		t.Actions = make([]PlayerAction, 0, n)
	}
	for i := 0; i < int(n); i++ {
		a, err := decodeAction(d)
		if err != nil {
			return ServerTurn{}, fmt.Errorf("action %d: %w", i, err)
		}
		t.Actions = append(t.Actions, a)
	}
	if d.remaining() != 0 {
		return ServerTurn{}, fmt.Errorf("%w: %d trailing bytes", ErrDecode, d.remaining())
	}
	return t, nil
}

func encodeAction(e *encoder, a PlayerAction) error {
	switch v := a.(type) {
	case Build:
		if !v.Kind.valid() {
			return fmt.Errorf("%w: building kind %d", ErrInvalidField, v.Kind)
		}
		e.put8(tagBuild)
		e.put8(byte(v.Kind))
		e.put32(v.TargetID)
	case ChangeAura:
		if v.Aura.Valid && !v.Aura.Aura.valid() {
			return fmt.Errorf("%w: aura %d", ErrInvalidField, v.Aura.Aura)
		}
		e.put8(tagChangeAura)
		if v.Aura.Valid {
			e.put8(1)
			e.put8(byte(v.Aura.Aura))
		} else {
			e.put8(0)
		}
		e.put32(v.TargetID)
	case ShootRocket:
		e.put8(tagShootRocket)
		e.putVec2(v.Origin)
		e.putVec2(v.Direction)
	default:
		return fmt.Errorf("%w: %T", ErrUnknownAction, a)
	}
	return nil
}

func decodeAction(d *decoder) (PlayerAction, error) {
	tag, ok := d.get8()
	if !ok {
		return nil, truncated("action tag")
	}
	switch tag {
	case tagBuild:
		kind, ok := d.get8()
		if !ok {
			return nil, truncated("building kind")
		}
		if !BuildingKind(kind).valid() {
			return nil, fmt.Errorf("%w: building kind %d", ErrDecode, kind)
		}
		id, ok := d.get32()
		if !ok {
			return nil, truncated("target id")
		}
		return Build{Kind: BuildingKind(kind), TargetID: id}, nil

	case tagChangeAura:
		present, ok := d.get8()
		if !ok {
			return nil, truncated("aura presence")
		}
		var aura NullAura
		switch present {
		case 0:
		case 1:
			v, ok := d.get8()
			if !ok {
				return nil, truncated("aura")
			}
			if !Aura(v).valid() {
				return nil, fmt.Errorf("%w: aura %d", ErrDecode, v)
			}
			aura = SomeAura(Aura(v))
		default:
			return nil, fmt.Errorf("%w: aura presence byte %d", ErrDecode, present)
		}
		id, ok := d.get32()
		if !ok {
			return nil, truncated("target id")
		}
		return ChangeAura{Aura: aura, TargetID: id}, nil

	case tagShootRocket:
		origin, ok := d.getVec2()
		if !ok {
			return nil, truncated("origin")
		}
		dir, ok := d.getVec2()
		if !ok {
			return nil, truncated("direction")
		}
		return ShootRocket{Origin: origin, Direction: dir}, nil

	default:
		return nil, fmt.Errorf("%w: action tag %d", ErrDecode, tag)
	}
}

func expectKind(d *decoder, want byte) error {
	kind, ok := d.get8()
	if !ok {
		return truncated("message kind")
	}
	if kind != want {
		return fmt.Errorf("%w: message kind %#x, want %#x", ErrDecode, kind, want)
	}
	return nil
}

func truncated(field string) error {
	return fmt.Errorf("%w: truncated %s", ErrDecode, field)
}
