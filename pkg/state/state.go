// Package state is the connection lifecycle shared by every protocol family.
//
// Transitions are explicit and total: CanTransition answers for every pair
// of states, and a rejected request moves the machine to Failed instead of
// being ignored.
package state

import (
	"fmt"
	"sync/atomic"

	"github.com/bridgefall/bedrockd/pkg/packet"
	"github.com/bridgefall/bedrockd/pkg/protocol"
)

// State is a connection lifecycle state.
type State uint32

const (
	Handshaking State = iota
	Login
	Encrypting
	Play
	Disconnecting
	Disconnected
	Failed

	numStates
)

// All lists every state in lifecycle order.
var All = []State{Handshaking, Login, Encrypting, Play, Disconnecting, Disconnected, Failed}

func (s State) String() string {
	switch s {
	case Handshaking:
		return "handshaking"
	case Login:
		return "login"
	case Encrypting:
		return "encrypting"
	case Play:
		return "play"
	case Disconnecting:
		return "disconnecting"
	case Disconnected:
		return "disconnected"
	case Failed:
		return "failed"
	default:
		return fmt.Sprintf("state(%d)", uint32(s))
	}
}

// IsActive reports whether the connection may exchange game packets.
func (s State) IsActive() bool {
	return s == Login || s == Encrypting || s == Play
}

// IsClosed reports whether the connection is tearing down or gone.
func (s State) IsClosed() bool {
	return s == Disconnecting || s == Disconnected || s == Failed
}

// IsTerminal reports whether no transition leaves s.
func (s State) IsTerminal() bool {
	return s == Disconnected || s == Failed
}

var transitions = [numStates][numStates]bool{
	Handshaking:   {Login: true, Disconnecting: true, Failed: true},
	Login:         {Encrypting: true, Play: true, Disconnecting: true, Failed: true},
	Encrypting:    {Play: true, Disconnecting: true, Failed: true},
	Play:          {Disconnecting: true, Failed: true},
	Disconnecting: {Disconnected: true, Failed: true},
}

// CanTransition reports whether from -> to is legal. Self transitions are
// never legal.
func CanTransition(from, to State) bool {
	if from >= numStates || to >= numStates {
		return false
	}
	return transitions[from][to]
}

// Allows reports whether a packet with the given id is acceptable in s.
func (s State) Allows(id uint32) bool {
	phase := packet.PhaseOf(id)
	if s.IsClosed() {
		return false
	}
	if phase == packet.PhaseAny {
		return true
	}
	switch s {
	case Handshaking:
		return phase == packet.PhaseHandshake
	case Login:
		return phase == packet.PhaseLogin
	case Encrypting:
		return phase == packet.PhaseEncryption
	case Play:
		return phase == packet.PhasePlay
	default:
		return false
	}
}

// Machine holds the current state of one connection. Reads are lock free;
// transitions are compare-and-swap so concurrent callers cannot both win.
type Machine struct {
	cur atomic.Uint32
}

// NewMachine returns a machine in Handshaking.
func NewMachine() *Machine {
	return &Machine{}
}

// Current returns the current state.
func (m *Machine) Current() State {
	return State(m.cur.Load())
}

func (m *Machine) IsActive() bool        { return m.Current().IsActive() }
func (m *Machine) IsClosed() bool        { return m.Current().IsClosed() }
func (m *Machine) Allows(id uint32) bool { return m.Current().Allows(id) }

// Transition moves to the given state. An illegal request returns an
// InvalidPacket error and leaves the machine in Failed, unless it was
// already terminal.
func (m *Machine) Transition(to State) error {
	for {
		from := m.Current()
		if !CanTransition(from, to) {
			if !from.IsTerminal() && !m.cur.CompareAndSwap(uint32(from), uint32(Failed)) {
				continue
			}
			return protocol.Errorf(protocol.KindInvalidPacket, "state transition", "illegal transition %s -> %s", from, to)
		}
		if m.cur.CompareAndSwap(uint32(from), uint32(to)) {
			return nil
		}
	}
}

// Fail moves any non-terminal machine to Failed and reports whether it did.
func (m *Machine) Fail() bool {
	for {
		from := m.Current()
		if from.IsTerminal() {
			return false
		}
		if m.cur.CompareAndSwap(uint32(from), uint32(Failed)) {
			return true
		}
	}
}

// Fire applies event e. See Next.
func (m *Machine) Fire(e Event) error {
	for {
		from := m.Current()
		to, ok := Next(from, e)
		if !ok {
			m.Fail()
			return protocol.Errorf(protocol.KindInvalidPacket, "state event", "event %s not legal in %s", e, from)
		}
		if m.cur.CompareAndSwap(uint32(from), uint32(to)) {
			return nil
		}
	}
}
