package persistence

import (
	"encoding/binary"
	"errors"
	"math"
)

var errShortPayload = errors.New("payload ended early")

// encoder appends little-endian fields to a frame payload.
type encoder struct {
	buf []byte
}

func (e *encoder) reset()        { e.buf = e.buf[:0] }
func (e *encoder) u8(v uint8)    { e.buf = append(e.buf, v) }
func (e *encoder) u32(v uint32)  { e.buf = binary.LittleEndian.AppendUint32(e.buf, v) }
func (e *encoder) u64(v uint64)  { e.buf = binary.LittleEndian.AppendUint64(e.buf, v) }
func (e *encoder) f64(v float64) { e.u64(math.Float64bits(v)) }
func (e *encoder) uvarint(v int) { e.buf = binary.AppendUvarint(e.buf, uint64(v)) }

func (e *encoder) bytes(b []byte) {
	e.uvarint(len(b))
	e.buf = append(e.buf, b...)
}

func (e *encoder) str(s string) {
	e.uvarint(len(s))
	e.buf = append(e.buf, s...)
}

func (e *encoder) boolean(b bool) {
	if b {
		e.u8(1)
	} else {
		e.u8(0)
	}
}

// decoder reads the fields written by encoder. The first failure sticks and
// every later read returns zero values.
type decoder struct {
	buf []byte
	err error
}

func (d *decoder) take(n int) []byte {
	if d.err != nil {
		return nil
	}
	if n < 0 || n > len(d.buf) {
		d.err = errShortPayload
		return nil
	}
	b := d.buf[:n:n]
	d.buf = d.buf[n:]
	return b
}

func (d *decoder) u8() uint8 {
	if b := d.take(1); b != nil {
		return b[0]
	}
	return 0
}

func (d *decoder) u32() uint32 {
	if b := d.take(4); b != nil {
		return binary.LittleEndian.Uint32(b)
	}
	return 0
}

func (d *decoder) u64() uint64 {
	if b := d.take(8); b != nil {
		return binary.LittleEndian.Uint64(b)
	}
	return 0
}

func (d *decoder) f64() float64 { return math.Float64frombits(d.u64()) }

func (d *decoder) boolean() bool { return d.u8() != 0 }

func (d *decoder) uvarint() int {
	if d.err != nil {
		return 0
	}
	v, n := binary.Uvarint(d.buf)
	if n <= 0 || v > math.MaxInt32 {
		d.err = errShortPayload
		return 0
	}
	d.buf = d.buf[n:]
	return int(v)
}

func (d *decoder) bytes() []byte {
	n := d.uvarint()
	b := d.take(n)
	if b == nil {
		return nil
	}
	out := make([]byte, n)
	copy(out, b)
	return out
}

func (d *decoder) str() string {
	n := d.uvarint()
	return string(d.take(n))
}

// done fails when fields remain unread.
func (d *decoder) done() error {
	if d.err == nil && len(d.buf) != 0 {
		d.err = errors.New("trailing bytes in payload")
	}
	return d.err
}
