package state

import "fmt"

// Event is a lifecycle trigger observed by the login pipeline.
type Event uint8

const (
	// EventNetworkSettings: compression was negotiated.
	EventNetworkSettings Event = iota
	// EventLoginEncrypted: identity accepted and a key exchange started.
	EventLoginEncrypted
	// EventLoginAccepted: identity accepted without encryption.
	EventLoginAccepted
	// EventHandshakeConfirmed: the client switched to the encrypted stream.
	EventHandshakeConfirmed
	EventDisconnect
	EventClosed
	EventFault

	numEvents
)

// AllEvents lists every event.
var AllEvents = []Event{
	EventNetworkSettings, EventLoginEncrypted, EventLoginAccepted,
	EventHandshakeConfirmed, EventDisconnect, EventClosed, EventFault,
}

func (e Event) String() string {
	switch e {
	case EventNetworkSettings:
		return "network_settings"
	case EventLoginEncrypted:
		return "login_encrypted"
	case EventLoginAccepted:
		return "login_accepted"
	case EventHandshakeConfirmed:
		return "handshake_confirmed"
	case EventDisconnect:
		return "disconnect"
	case EventClosed:
		return "closed"
	case EventFault:
		return "fault"
	default:
		return fmt.Sprintf("event(%d)", uint8(e))
	}
}

// Next returns the single state that event e leads to from s, or false when
// e is not legal in s.
func Next(s State, e Event) (State, bool) {
	if s.IsTerminal() {
		return s, false
	}
	switch e {
	case EventNetworkSettings:
		if s == Handshaking {
			return Login, true
		}
	case EventLoginEncrypted:
		if s == Login {
			return Encrypting, true
		}
	case EventLoginAccepted:
		if s == Login {
			return Play, true
		}
	case EventHandshakeConfirmed:
		if s == Encrypting {
			return Play, true
		}
	case EventDisconnect:
		if !s.IsClosed() {
			return Disconnecting, true
		}
	case EventClosed:
		if s == Disconnecting {
			return Disconnected, true
		}
	case EventFault:
		return Failed, true
	}
	return s, false
}
