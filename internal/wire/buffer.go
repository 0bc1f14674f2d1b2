package wire

import (
	"encoding/binary"
	"math"
)

// encoder appends big-endian fixed-width values to a byte slice.
type encoder struct {
	buf []byte
}

func newEncoder() *encoder {
	return &encoder{buf: make([]byte, 0, 64)}
}

func (e *encoder) put8(b byte) { e.buf = append(e.buf, b) }

func (e *encoder) put16(v uint16) { e.buf = binary.BigEndian.AppendUint16(e.buf, v) }

func (e *encoder) put32(v uint32) { e.buf = binary.BigEndian.AppendUint32(e.buf, v) }

func (e *encoder) putF32(v float32) { e.put32(math.Float32bits(v)) }

func (e *encoder) putVec2(v Vec2) {
	e.putF32(v.X)
	e.putF32(v.Y)
}

// decoder reads values written by encoder. Every read reports truncation
// through ok rather than panicking on short input.
type decoder struct {
	buf []byte
	pos int
}

func (d *decoder) remaining() int { return len(d.buf) - d.pos }

func (d *decoder) get8() (byte, bool) {
	if d.remaining() < 1 {
		return 0, false
	}
	b := d.buf[d.pos]
	d.pos++
	return b, true
}

func (d *decoder) get16() (uint16, bool) {
	if d.remaining() < 2 {
		return 0, false
	}
	v := binary.BigEndian.Uint16(d.buf[d.pos:])
	d.pos += 2
	return v, true
}

func (d *decoder) get32() (uint32, bool) {
	if d.remaining() < 4 {
		return 0, false
	}
	v := binary.BigEndian.Uint32(d.buf[d.pos:])
	d.pos += 4
	return v, true
}

func (d *decoder) getF32() (float32, bool) {
	v, ok := d.get32()
	return math.Float32frombits(v), ok
}

func (d *decoder) getVec2() (Vec2, bool) {
	x, ok := d.getF32()
	if !ok {
		return Vec2{}, false
	}
	y, ok := d.getF32()
	return Vec2{X: x, Y: y}, ok
}
