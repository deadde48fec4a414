// Package protocol holds the wire codec of the network core: the packet
// envelope, batch framing, compression and the shared error taxonomy.
package protocol

import (
	"encoding/binary"
	"fmt"
)

// IDSize is the length of the little-endian packet id prefix.
const IDSize = 4

// Direction records which way a packet travels.
type Direction uint8

const (
	Bidirectional Direction = iota
	Serverbound
	Clientbound
)

func (d Direction) String() string {
	switch d {
	case Serverbound:
		return "serverbound"
	case Clientbound:
		return "clientbound"
	default:
		return "bidirectional"
	}
}

// RawPacket is one logical packet: an id and its opaque payload. Treat it as
// immutable once built; NewRawPacket copies the payload it is given.
type RawPacket struct {
	ID        uint32
	Payload   []byte
	Direction Direction
}

// NewRawPacket builds a RawPacket owning a copy of payload.
func NewRawPacket(id uint32, payload []byte, dir Direction) RawPacket {
	p := make([]byte, len(payload))
	copy(p, payload)
	return RawPacket{ID: id, Payload: p, Direction: dir}
}

// Size is the encoded length of the packet.
func (p RawPacket) Size() int {
	return IDSize + len(p.Payload)
}

func (p RawPacket) String() string {
	return fmt.Sprintf("packet(0x%x, %d bytes, %s)", p.ID, len(p.Payload), p.Direction)
}

// Encode writes the packet id followed by the payload.
func Encode(p RawPacket) []byte {
	return AppendEncode(make([]byte, 0, p.Size()), p)
}

// AppendEncode appends the encoded packet to dst.
func AppendEncode(dst []byte, p RawPacket) []byte {
	dst = binary.LittleEndian.AppendUint32(dst, p.ID)
	return append(dst, p.Payload...)
}

// Decode parses one already-delimited envelope. The returned payload aliases
// buf. Fewer than IDSize bytes yields a *BufferUnderflowError.
func Decode(buf []byte) (RawPacket, error) {
	if len(buf) < IDSize {
		return RawPacket{}, &BufferUnderflowError{Expected: IDSize, Actual: len(buf)}
	}
	return RawPacket{
		ID:      binary.LittleEndian.Uint32(buf[:IDSize]),
		Payload: buf[IDSize:],
	}, nil
}

// EnvelopeDecoder accumulates one envelope that may arrive in pieces. The
// envelope ends where the written data ends, so Next yields a packet as soon
// as the id is complete and empties the decoder. Not safe for concurrent use.
type EnvelopeDecoder struct {
	buf       []byte
	maxPacket int
	dir       Direction
}

// NewEnvelopeDecoder returns a decoder tagging packets with dir. maxPacket <= 0
// selects DefaultMaxPacketSize.
func NewEnvelopeDecoder(dir Direction, maxPacket int) *EnvelopeDecoder {
	if maxPacket <= 0 {
		maxPacket = DefaultMaxPacketSize
	}
	return &EnvelopeDecoder{dir: dir, maxPacket: maxPacket}
}

// Write appends p. Growing past the maximum envelope size resets the decoder
// and yields ErrBufferOverflow.
func (d *EnvelopeDecoder) Write(p []byte) (int, error) {
	if len(d.buf)+len(p) > d.maxPacket {
		d.Reset()
		return 0, Errorf(KindBufferOverflow, "envelope decode", "envelope exceeds %d bytes", d.maxPacket)
	}
	d.buf = append(d.buf, p...)
	return len(p), nil
}

func (d *EnvelopeDecoder) Buffered() int { return len(d.buf) }
func (d *EnvelopeDecoder) Reset()        { d.buf = d.buf[:0] }

// Next returns the buffered envelope. Until IDSize bytes are present it yields
// a *BufferUnderflowError and keeps the bytes.
func (d *EnvelopeDecoder) Next() (RawPacket, error) {
	raw, err := Decode(d.buf)
	if err != nil {
		return RawPacket{}, err
	}
	pk := NewRawPacket(raw.ID, raw.Payload, d.dir)
	d.Reset()
	return pk, nil
}
