package protocol

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"
)

// DefaultMaxPacketSize bounds a single envelope inside a batch.
const DefaultMaxPacketSize = 2 * 1024 * 1024

const maxVarint32Len = 5

// Decoder accumulates partial batch data and splits it into envelopes. Each
// envelope is prefixed with its varuint32 length and handed to an
// EnvelopeDecoder. Not safe for concurrent use.
type Decoder struct {
	buf       []byte
	off       int
	maxPacket int
	env       *EnvelopeDecoder
}

// NewDecoder returns a decoder tagging packets with dir. maxPacket <= 0
// selects DefaultMaxPacketSize.
func NewDecoder(dir Direction, maxPacket int) *Decoder {
	if maxPacket <= 0 {
		maxPacket = DefaultMaxPacketSize
	}
	return &Decoder{maxPacket: maxPacket, env: NewEnvelopeDecoder(dir, maxPacket)}
}

// Write appends data to the internal buffer.
func (d *Decoder) Write(p []byte) (int, error) {
	if d.off > 0 && d.off >= len(d.buf)/2 {
		n := copy(d.buf, d.buf[d.off:])
		d.buf = d.buf[:n]
		d.off = 0
	}
	d.buf = append(d.buf, p...)
	return len(p), nil
}

// Buffered returns the number of bytes not yet consumed.
func (d *Decoder) Buffered() int {
	return len(d.buf) - d.off
}

// Reset drops any buffered data.
func (d *Decoder) Reset() {
	d.buf = d.buf[:0]
	d.off = 0
}

// Next decodes one envelope. An incomplete envelope yields a
// *BufferUnderflowError and leaves the buffer untouched. A length above the
// configured maximum yields ErrBufferOverflow and resets the decoder.
func (d *Decoder) Next() (RawPacket, error) {
	pending := d.buf[d.off:]
	length, n := binary.Uvarint(pending)
	switch {
	case n == 0:
		return RawPacket{}, &BufferUnderflowError{Expected: len(pending) + 1, Actual: len(pending)}
	case n < 0 || n > maxVarint32Len || length > math.MaxUint32:
		d.Reset()
		return RawPacket{}, Errorf(KindDeserializationFailed, "batch decode", "malformed length prefix")
	case length > uint64(d.maxPacket):
		d.Reset()
		return RawPacket{}, Errorf(KindBufferOverflow, "batch decode", "envelope of %d bytes exceeds %d", length, d.maxPacket)
	}
	body := pending[n:]
	if uint64(len(body)) < length {
		if len(body) < IDSize {
			return RawPacket{}, &BufferUnderflowError{Expected: IDSize, Actual: len(body)}
		}
		return RawPacket{}, &BufferUnderflowError{Expected: int(length), Actual: len(body)}
	}
	frame := body[:length]
	d.off += n + int(length)
	d.env.Reset()
	_, _ = d.env.Write(frame)
	pk, err := d.env.Next()
	if err != nil {
		d.env.Reset()
		return RawPacket{}, Errorf(KindInvalidPacket, "batch decode", "envelope of %d bytes has no packet id", length)
	}
	return pk, nil
}

// DecodeAll drains every complete envelope currently buffered. Incomplete
// trailing data stays buffered. Malformed envelopes stop the drain and the
// packets decoded so far are returned with the error.
func (d *Decoder) DecodeAll() ([]RawPacket, error) {
	var out []RawPacket
	for d.Buffered() > 0 {
		pk, err := d.Next()
		if err != nil {
			if errors.Is(err, ErrBufferUnderflow) {
				return out, nil
			}
			return out, err
		}
		out = append(out, pk)
	}
	if d.off == len(d.buf) {
		d.Reset()
	}
	return out, nil
}

// Encoder frames packets into one batch buffer.
type Encoder struct {
	buf []byte
}

// Add appends p to the batch.
func (e *Encoder) Add(p RawPacket) {
	e.buf = binary.AppendUvarint(e.buf, uint64(p.Size()))
	e.buf = AppendEncode(e.buf, p)
}

// Len returns the current batch size in bytes.
func (e *Encoder) Len() int { return len(e.buf) }

// Bytes returns the batch and resets the encoder.
func (e *Encoder) Bytes() []byte {
	out := e.buf
	e.buf = nil
	return out
}

// EncodeBatch frames packets into a single batch.
func EncodeBatch(packets ...RawPacket) []byte {
	var e Encoder
	for _, p := range packets {
		e.Add(p)
	}
	return e.Bytes()
}

// DecodeBatch splits a complete batch. Trailing partial data is an error
// because a batch always arrives whole.
func DecodeBatch(dir Direction, maxPacket int, data []byte) ([]RawPacket, error) {
	d := NewDecoder(dir, maxPacket)
	_, _ = d.Write(data)
	out, err := d.DecodeAll()
	if err != nil {
		return out, err
	}
	if d.Buffered() > 0 {
		return out, Wrap(KindDeserializationFailed, "batch decode", fmt.Errorf("%d trailing bytes", d.Buffered()))
	}
	return out, nil
}
