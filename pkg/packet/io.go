package packet

import (
	"encoding/binary"
	"fmt"
	"io"
	"math"
)

// reader decodes packet fields with a sticky error: after the first failure
// every read returns the zero value.
type reader struct {
	buf []byte
	off int
	err error
}

func (r *reader) take(n int) []byte {
	if r.err != nil {
		return nil
	}
	if n < 0 || len(r.buf)-r.off < n {
		r.err = fmt.Errorf("field needs %d bytes, %d left: %w", n, len(r.buf)-r.off, io.ErrUnexpectedEOF)
		return nil
	}
	b := r.buf[r.off : r.off+n]
	r.off += n
	return b
}

func (r *reader) remaining() int { return len(r.buf) - r.off }

func (r *reader) uint8() uint8 {
	b := r.take(1)
	if b == nil {
		return 0
	}
	return b[0]
}

func (r *reader) bool() bool {
	v := r.uint8()
	if v > 1 && r.err == nil {
		r.err = fmt.Errorf("invalid bool byte 0x%02x", v)
	}
	return v == 1
}

func (r *reader) uint16() uint16 {
	b := r.take(2)
	if b == nil {
		return 0
	}
	return binary.LittleEndian.Uint16(b)
}

func (r *reader) int32BE() int32 {
	b := r.take(4)
	if b == nil {
		return 0
	}
	return int32(binary.BigEndian.Uint32(b))
}

func (r *reader) int32() int32 {
	b := r.take(4)
	if b == nil {
		return 0
	}
	return int32(binary.LittleEndian.Uint32(b))
}

func (r *reader) int64() int64 {
	b := r.take(8)
	if b == nil {
		return 0
	}
	return int64(binary.LittleEndian.Uint64(b))
}

func (r *reader) float32() float32 {
	b := r.take(4)
	if b == nil {
		return 0
	}
	return math.Float32frombits(binary.LittleEndian.Uint32(b))
}

func (r *reader) varuint64() uint64 {
	if r.err != nil {
		return 0
	}
	v, n := binary.Uvarint(r.buf[r.off:])
	if n <= 0 {
		r.err = fmt.Errorf("malformed varint at offset %d", r.off)
		return 0
	}
	r.off += n
	return v
}

func (r *reader) varuint32() uint32 {
	v := r.varuint64()
	if v > math.MaxUint32 && r.err == nil {
		r.err = fmt.Errorf("varuint32 overflow: %d", v)
		return 0
	}
	return uint32(v)
}

func (r *reader) byteSlice() []byte {
	n := r.varuint32()
	if r.err != nil {
		return nil
	}
	if int(n) > r.remaining() {
		r.err = fmt.Errorf("length %d exceeds %d remaining bytes: %w", n, r.remaining(), io.ErrUnexpectedEOF)
		return nil
	}
	out := make([]byte, n)
	copy(out, r.take(int(n)))
	return out
}

func (r *reader) string() string {
	return string(r.byteSlice())
}

func (r *reader) rest() []byte {
	out := make([]byte, r.remaining())
	copy(out, r.take(r.remaining()))
	return out
}

// done reports trailing bytes as an error.
func (r *reader) done() error {
	if r.err != nil {
		return r.err
	}
	if r.remaining() != 0 {
		return fmt.Errorf("%d trailing bytes", r.remaining())
	}
	return nil
}

type writer struct {
	buf []byte
}

func (w *writer) uint8(v uint8) { w.buf = append(w.buf, v) }

func (w *writer) bool(v bool) {
	if v {
		w.uint8(1)
		return
	}
	w.uint8(0)
}

func (w *writer) uint16(v uint16)    { w.buf = binary.LittleEndian.AppendUint16(w.buf, v) }
func (w *writer) int32BE(v int32)    { w.buf = binary.BigEndian.AppendUint32(w.buf, uint32(v)) }
func (w *writer) int32(v int32)      { w.buf = binary.LittleEndian.AppendUint32(w.buf, uint32(v)) }
func (w *writer) int64(v int64)      { w.buf = binary.LittleEndian.AppendUint64(w.buf, uint64(v)) }
func (w *writer) float32(v float32)  { w.int32(int32(math.Float32bits(v))) }
func (w *writer) varuint64(v uint64) { w.buf = binary.AppendUvarint(w.buf, v) }
func (w *writer) varuint32(v uint32) { w.varuint64(uint64(v)) }

func (w *writer) byteSlice(b []byte) {
	w.varuint32(uint32(len(b)))
	w.buf = append(w.buf, b...)
}

func (w *writer) string(s string) {
	w.varuint32(uint32(len(s)))
	w.buf = append(w.buf, s...)
}
