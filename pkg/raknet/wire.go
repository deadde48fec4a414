package raknet

import (
	"encoding/binary"
	"errors"
	"fmt"
	"net/netip"
)

var errShort = errors.New("message truncated")

// buffer reads RakNet fields. Multi-byte integers are big endian except the
// 24-bit sequence and index fields, which are little endian.
type buffer struct {
	b   []byte
	off int
	err error
}

func (r *buffer) take(n int) []byte {
	if r.err != nil {
		return nil
	}
	if n < 0 || len(r.b)-r.off < n {
		r.err = fmt.Errorf("%w at offset %d: need %d bytes, have %d", errShort, r.off, n, len(r.b)-r.off)
		return nil
	}
	out := r.b[r.off : r.off+n]
	r.off += n
	return out
}

func (r *buffer) remaining() int { return len(r.b) - r.off }

func (r *buffer) u8() uint8 {
	b := r.take(1)
	if b == nil {
		return 0
	}
	return b[0]
}

func (r *buffer) bool() bool { return r.u8() != 0 }

func (r *buffer) u16() uint16 {
	b := r.take(2)
	if b == nil {
		return 0
	}
	return binary.BigEndian.Uint16(b)
}

func (r *buffer) u24() uint32 {
	b := r.take(3)
	if b == nil {
		return 0
	}
	return uint32(b[0]) | uint32(b[1])<<8 | uint32(b[2])<<16
}

func (r *buffer) u32() uint32 {
	b := r.take(4)
	if b == nil {
		return 0
	}
	return binary.BigEndian.Uint32(b)
}

func (r *buffer) i64() int64 {
	b := r.take(8)
	if b == nil {
		return 0
	}
	return int64(binary.BigEndian.Uint64(b))
}

func (r *buffer) magic() {
	b := r.take(len(Magic))
	if b != nil && [16]byte(b) != Magic {
		r.err = errors.New("offline message magic mismatch")
	}
}

func (r *buffer) addr() netip.AddrPort {
	switch r.u8() {
	case 4:
		b := r.take(4)
		if b == nil {
			return netip.AddrPort{}
		}
		ip := [4]byte{^b[0], ^b[1], ^b[2], ^b[3]}
		return netip.AddrPortFrom(netip.AddrFrom4(ip), r.u16())
	case 6:
		r.take(2) // family
		port := r.u16()
		r.take(4) // flow info
		b := r.take(16)
		r.take(4) // scope id
		if b == nil {
			return netip.AddrPort{}
		}
		return netip.AddrPortFrom(netip.AddrFrom16([16]byte(b)), port)
	default:
		if r.err == nil {
			r.err = errors.New("unknown address version")
		}
		return netip.AddrPort{}
	}
}

func putU24(dst []byte, v uint32) []byte {
	return append(dst, byte(v), byte(v>>8), byte(v>>16))
}

func putU16(dst []byte, v uint16) []byte { return binary.BigEndian.AppendUint16(dst, v) }
func putU32(dst []byte, v uint32) []byte { return binary.BigEndian.AppendUint32(dst, v) }
func putI64(dst []byte, v int64) []byte  { return binary.BigEndian.AppendUint64(dst, uint64(v)) }

func putBool(dst []byte, v bool) []byte {
	if v {
		return append(dst, 1)
	}
	return append(dst, 0)
}

const ipv6Family = 23

func putAddr(dst []byte, a netip.AddrPort) []byte {
	ip := a.Addr().Unmap()
	if ip.Is4() || !ip.IsValid() {
		var b [4]byte
		if ip.IsValid() {
			b = ip.As4()
		}
		dst = append(dst, 4, ^b[0], ^b[1], ^b[2], ^b[3])
		return putU16(dst, a.Port())
	}
	b := ip.As16()
	dst = append(dst, 6)
	dst = binary.LittleEndian.AppendUint16(dst, ipv6Family)
	dst = putU16(dst, a.Port())
	dst = putU32(dst, 0)
	dst = append(dst, b[:]...)
	return putU32(dst, 0)
}
