// Package packet is the closed set of packets the network core understands.
// Everything else travels as Unknown and is handed to the game layer as is.
package packet

import (
	"fmt"

	"github.com/bridgefall/bedrockd/pkg/protocol"
)

// Packet ids.
const (
	IDLogin                   uint32 = 0x01
	IDPlayStatus              uint32 = 0x02
	IDServerToClientHandshake uint32 = 0x03
	IDClientToServerHandshake uint32 = 0x04
	IDDisconnect              uint32 = 0x05
	IDText                    uint32 = 0x09
	IDMovePlayer              uint32 = 0x13
	IDNetworkStackLatency     uint32 = 0x73
	IDNetworkSettings         uint32 = 0x8f
	IDRequestNetworkSettings  uint32 = 0xc1
)

// Packet is implemented only by the types of this package; dispatch with a
// type switch.
type Packet interface {
	ID() uint32
	marshal(w *writer)
	unmarshal(r *reader)
}

// Phase is the connection phase a packet id belongs to.
type Phase uint8

const (
	// PhaseAny packets are legal in every open state.
	PhaseAny Phase = iota
	PhaseHandshake
	PhaseLogin
	PhaseEncryption
	PhasePlay
)

func (p Phase) String() string {
	switch p {
	case PhaseAny:
		return "any"
	case PhaseHandshake:
		return "handshake"
	case PhaseLogin:
		return "login"
	case PhaseEncryption:
		return "encryption"
	case PhasePlay:
		return "play"
	default:
		return fmt.Sprintf("phase(%d)", uint8(p))
	}
}

// PhaseOf classifies id. Unknown ids are game traffic and belong to play.
func PhaseOf(id uint32) Phase {
	switch id {
	case IDDisconnect:
		return PhaseAny
	case IDRequestNetworkSettings, IDNetworkSettings:
		return PhaseHandshake
	case IDLogin, IDPlayStatus:
		return PhaseLogin
	case IDServerToClientHandshake, IDClientToServerHandshake:
		return PhaseEncryption
	default:
		return PhasePlay
	}
}

// DirectionOf returns the direction a known packet travels in. Either side
// may send Disconnect.
func DirectionOf(id uint32) protocol.Direction {
	switch id {
	case IDLogin, IDClientToServerHandshake, IDRequestNetworkSettings:
		return protocol.Serverbound
	case IDPlayStatus, IDServerToClientHandshake, IDNetworkSettings:
		return protocol.Clientbound
	default:
		return protocol.Bidirectional
	}
}

func newPacket(id uint32) Packet {
	switch id {
	case IDLogin:
		return &Login{}
	case IDPlayStatus:
		return &PlayStatus{}
	case IDServerToClientHandshake:
		return &ServerToClientHandshake{}
	case IDClientToServerHandshake:
		return &ClientToServerHandshake{}
	case IDDisconnect:
		return &Disconnect{}
	case IDText:
		return &Text{}
	case IDMovePlayer:
		return &MovePlayer{}
	case IDNetworkStackLatency:
		return &NetworkStackLatency{}
	case IDNetworkSettings:
		return &NetworkSettings{}
	case IDRequestNetworkSettings:
		return &RequestNetworkSettings{}
	default:
		return nil
	}
}

// Decode turns a raw envelope into a typed packet. Ids outside the known set
// decode to *Unknown and never fail.
func Decode(raw protocol.RawPacket) (Packet, error) {
	pk := newPacket(raw.ID)
	if pk == nil {
		return &Unknown{PacketID: raw.ID, Payload: append([]byte(nil), raw.Payload...)}, nil
	}
	r := &reader{buf: raw.Payload}
	pk.unmarshal(r)
	if err := r.done(); err != nil {
		return nil, protocol.Wrap(protocol.KindDeserializationFailed, fmt.Sprintf("decode packet 0x%x", raw.ID), err)
	}
	return pk, nil
}

// Encode serialises pk into a raw envelope.
func Encode(pk Packet) protocol.RawPacket {
	w := &writer{}
	pk.marshal(w)
	return protocol.RawPacket{ID: pk.ID(), Payload: w.buf, Direction: DirectionOf(pk.ID())}
}
