// Package window implements a sliding bitmap of recently seen counters. It
// backs duplicate suppression for RakNet datagram sequence numbers, reliable
// message indices and cipher receive counters.
package window

const (
	wordBitLog = 6
	wordBits   = 1 << wordBitLog
	ringWords  = 1 << 7
	ringMask   = ringWords - 1
	bitMask    = wordBits - 1

	// Size is how far behind the highest accepted counter a late counter may
	// still be accepted.
	Size = (ringWords - 1) * wordBits
)

// NoLimit disables the upper bound check.
const NoLimit = ^uint64(0)

// Window rejects counters it has already accepted and counters that fell
// more than Size behind the highest one. The zero value is ready for use.
// Not safe for concurrent use.
type Window struct {
	highest uint64
	ring    [ringWords]uint64
}

// Reset forgets every accepted counter.
func (w *Window) Reset() {
	w.highest = 0
	w.ring = [ringWords]uint64{}
}

// Highest returns the largest counter accepted so far.
func (w *Window) Highest() uint64 {
	return w.highest
}

// Accept marks counter as seen and reports whether it was new. Counters at or
// above limit are rejected; pass NoLimit to disable the bound.
func (w *Window) Accept(counter, limit uint64) bool {
	if counter >= limit {
		return false
	}
	word := counter >> wordBitLog
	if counter > w.highest {
		cur := w.highest >> wordBitLog
		advance := word - cur
		if advance > ringWords {
			advance = ringWords
		}
		for i := cur + 1; i <= cur+advance; i++ {
			w.ring[i&ringMask] = 0
		}
		w.highest = counter
	} else if w.highest-counter > Size {
		return false
	}
	slot := &w.ring[word&ringMask]
	bit := uint64(1) << (counter & bitMask)
	if *slot&bit != 0 {
		return false
	}
	*slot |= bit
	return true
}

// Seen reports whether counter was already accepted, or is too old to tell,
// without marking it.
func (w *Window) Seen(counter uint64) bool {
	if counter > w.highest {
		return false
	}
	if w.highest-counter > Size {
		return true
	}
	return w.ring[(counter>>wordBitLog)&ringMask]&(uint64(1)<<(counter&bitMask)) != 0
}
