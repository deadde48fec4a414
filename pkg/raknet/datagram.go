package raknet

import (
	"errors"
	"fmt"
	"sort"
)

const (
	flagDatagram   byte = 0x80
	flagACK        byte = 0x40
	flagNACK       byte = 0x20
	flagNeedsBAndA byte = 0x04

	flagSplit byte = 0x10

	datagramHeaderSize = 1 + 3
	// frameHeaderMax covers flags, length, message, sequence and order
	// indices plus the order channel.
	frameHeaderMax  = 1 + 2 + 3 + 3 + 3 + 1
	splitHeaderSize = 4 + 2 + 4

	maxFramesPerDatagram = 250
	maxAckRecords        = 4096

	uint24Mask = 1<<24 - 1
)

// Reliability is the delivery guarantee of a frame.
type Reliability uint8

const (
	Unreliable Reliability = iota
	UnreliableSequenced
	Reliable
	ReliableOrdered
	ReliableSequenced
	unreliableWithAck
	reliableWithAck
	reliableOrderedWithAck
)

func (r Reliability) normalize() Reliability {
	switch r {
	case unreliableWithAck:
		return Unreliable
	case reliableWithAck:
		return Reliable
	case reliableOrderedWithAck:
		return ReliableOrdered
	default:
		return r
	}
}

func (r Reliability) reliable() bool {
	return r == Reliable || r == ReliableOrdered || r == ReliableSequenced
}

func (r Reliability) sequenced() bool {
	return r == UnreliableSequenced || r == ReliableSequenced
}

func (r Reliability) ordered() bool {
	return r == ReliableOrdered || r.sequenced()
}

func (r Reliability) String() string {
	switch r {
	case Unreliable:
		return "unreliable"
	case UnreliableSequenced:
		return "unreliable_sequenced"
	case Reliable:
		return "reliable"
	case ReliableOrdered:
		return "reliable_ordered"
	case ReliableSequenced:
		return "reliable_sequenced"
	default:
		return fmt.Sprintf("reliability(%d)", uint8(r))
	}
}

type frame struct {
	reliability   Reliability
	messageIndex  uint32
	sequenceIndex uint32
	orderIndex    uint32
	orderChannel  uint8

	split      bool
	splitCount uint32
	splitID    uint16
	splitIndex uint32

	body []byte
}

func (f *frame) size() int {
	n := 1 + 2 + len(f.body)
	if f.reliability.reliable() {
		n += 3
	}
	if f.reliability.sequenced() {
		n += 3
	}
	if f.reliability.ordered() {
		n += 4
	}
	if f.split {
		n += splitHeaderSize
	}
	return n
}

func (f *frame) appendTo(dst []byte) []byte {
	flags := byte(f.reliability) << 5
	if f.split {
		flags |= flagSplit
	}
	dst = append(dst, flags)
	dst = putU16(dst, uint16(len(f.body)<<3))
	if f.reliability.reliable() {
		dst = putU24(dst, f.messageIndex)
	}
	if f.reliability.sequenced() {
		dst = putU24(dst, f.sequenceIndex)
	}
	if f.reliability.ordered() {
		dst = putU24(dst, f.orderIndex)
		dst = append(dst, f.orderChannel)
	}
	if f.split {
		dst = putU32(dst, f.splitCount)
		dst = putU16(dst, f.splitID)
		dst = putU32(dst, f.splitIndex)
	}
	return append(dst, f.body...)
}

func readFrame(r *buffer) (*frame, error) {
	flags := r.u8()
	bits := r.u16()
	f := &frame{
		reliability: Reliability(flags >> 5).normalize(),
		split:       flags&flagSplit != 0,
	}
	if f.reliability > ReliableSequenced {
		return nil, fmt.Errorf("unknown reliability %d", flags>>5)
	}
	if f.reliability.reliable() {
		f.messageIndex = r.u24()
	}
	if f.reliability.sequenced() {
		f.sequenceIndex = r.u24()
	}
	if f.reliability.ordered() {
		f.orderIndex = r.u24()
		f.orderChannel = r.u8()
	}
	if f.split {
		f.splitCount = r.u32()
		f.splitID = r.u16()
		f.splitIndex = r.u32()
	}
	n := (int(bits) + 7) >> 3
	if n == 0 && r.err == nil {
		return nil, errors.New("empty frame")
	}
	f.body = r.take(n)
	if r.err != nil {
		return nil, r.err
	}
	if f.orderChannel >= maxOrderChannels {
		return nil, fmt.Errorf("order channel %d out of range", f.orderChannel)
	}
	return f, nil
}

// ackRecord is an inclusive range of 24-bit sequence numbers.
type ackRecord struct {
	first, last uint32
}

// encodeReceipts compresses seqs into ranges and splits them over as many
// ACK or NACK datagrams as the MTU requires.
func encodeReceipts(flag byte, seqs []uint32, maxSize int) [][]byte {
	if len(seqs) == 0 {
		return nil
	}
	sort.Slice(seqs, func(i, j int) bool { return seqs[i] < seqs[j] })
	var records []ackRecord
	for _, s := range seqs {
		if n := len(records); n > 0 {
			last := &records[n-1]
			if s == last.last || s == last.last+1 {
				last.last = s
				continue
			}
		}
		records = append(records, ackRecord{first: s, last: s})
	}

	var out [][]byte
	for len(records) > 0 {
		buf := []byte{flagDatagram | flag, 0, 0}
		count := 0
		for count < len(records) {
			rec := records[count]
			need := 1 + 3
			if rec.first != rec.last {
				need += 3
			}
			if len(buf)+need > maxSize && count > 0 {
				break
			}
			if rec.first == rec.last {
				buf = append(buf, 1)
				buf = putU24(buf, rec.first)
			} else {
				buf = append(buf, 0)
				buf = putU24(buf, rec.first)
				buf = putU24(buf, rec.last)
			}
			count++
		}
		buf[1], buf[2] = byte(count>>8), byte(count)
		out = append(out, buf)
		records = records[count:]
	}
	return out
}

// decodeReceipts expands an ACK or NACK payload into sequence numbers.
func decodeReceipts(data []byte) ([]uint32, error) {
	r := &buffer{b: data, off: 1}
	count := int(r.u16())
	var seqs []uint32
	for i := 0; i < count && r.err == nil; i++ {
		single := r.bool()
		first := r.u24()
		last := first
		if !single {
			last = r.u24()
		}
		if r.err != nil {
			break
		}
		span := (last - first) & uint24Mask
		if len(seqs)+int(span)+1 > maxAckRecords {
			return nil, fmt.Errorf("receipt covers more than %d datagrams", maxAckRecords)
		}
		for s := uint32(0); s <= span; s++ {
			seqs = append(seqs, (first+s)&uint24Mask)
		}
	}
	if r.err != nil {
		return nil, r.err
	}
	return seqs, nil
}

// unwrap24 expands a 24-bit counter to the 64-bit value closest to ref.
func unwrap24(ref uint64, v uint32) uint64 {
	const span = 1 << 24
	candidate := ref&^uint64(uint24Mask) | uint64(v&uint24Mask)
	switch {
	case candidate+span/2 < ref:
		candidate += span
	case candidate > ref+span/2 && candidate >= span:
		candidate -= span
	}
	return candidate
}
