// Package raknet rebuilds reliable, ordered sessions on top of UDP datagrams
// using the RakNet wire format spoken by Bedrock clients.
//
// Offline messages (ping, open connection requests) are answered without
// allocating any state. A Session holds the per-connection reliability
// machinery and never touches a socket: callers feed it datagrams and write
// out the datagrams it returns.
package raknet

import (
	"fmt"
	"net/netip"

	"github.com/bridgefall/bedrockd/pkg/protocol"
)

// Message ids.
const (
	IDConnectedPing                  byte = 0x00
	IDUnconnectedPing                byte = 0x01
	IDUnconnectedPingOpenConnections byte = 0x02
	IDConnectedPong                  byte = 0x03
	IDOpenConnectionRequest1         byte = 0x05
	IDOpenConnectionReply1           byte = 0x06
	IDOpenConnectionRequest2         byte = 0x07
	IDOpenConnectionReply2           byte = 0x08
	IDConnectionRequest              byte = 0x09
	IDConnectionRequestAccepted      byte = 0x10
	IDNewIncomingConnection          byte = 0x13
	IDDisconnectNotification         byte = 0x15
	IDIncompatibleProtocolVersion    byte = 0x19
	IDUnconnectedPong                byte = 0x1c
	IDGamePacket                     byte = 0xfe
)

const (
	// ProtocolVersion is the RakNet protocol version Bedrock clients speak.
	ProtocolVersion byte = 11

	MinMTU = 500
	MaxMTU = 1500

	// udpHeaderSize is the IP and UDP header overhead counted in the MTU.
	udpHeaderSize = 20 + 8

	systemAddressCount = 20
)

// Magic marks offline messages.
var Magic = [16]byte{0x00, 0xff, 0xff, 0x00, 0xfe, 0xfe, 0xfe, 0xfe, 0xfd, 0xfd, 0xfd, 0xfd, 0x12, 0x34, 0x56, 0x78}

func decodeErr(op string, err error) error {
	return protocol.Wrap(protocol.KindDeserializationFailed, op, err)
}

// UnconnectedPing is sent by clients browsing for servers.
type UnconnectedPing struct {
	SendTime   int64
	ClientGUID int64
}

func (m *UnconnectedPing) Marshal() []byte {
	out := []byte{IDUnconnectedPing}
	out = putI64(out, m.SendTime)
	out = append(out, Magic[:]...)
	return putI64(out, m.ClientGUID)
}

func (m *UnconnectedPing) Unmarshal(data []byte) error {
	r := &buffer{b: data, off: 1}
	m.SendTime = r.i64()
	r.magic()
	m.ClientGUID = r.i64()
	return decodeErr("unconnected ping", r.err)
}

// UnconnectedPong answers a ping with the server advertisement.
type UnconnectedPong struct {
	SendTime   int64
	ServerGUID int64
	Data       string
}

func (m *UnconnectedPong) Marshal() []byte {
	out := []byte{IDUnconnectedPong}
	out = putI64(out, m.SendTime)
	out = putI64(out, m.ServerGUID)
	out = append(out, Magic[:]...)
	out = putU16(out, uint16(len(m.Data)))
	return append(out, m.Data...)
}

func (m *UnconnectedPong) Unmarshal(data []byte) error {
	r := &buffer{b: data, off: 1}
	m.SendTime = r.i64()
	m.ServerGUID = r.i64()
	r.magic()
	n := r.u16()
	m.Data = string(r.take(int(n)))
	return decodeErr("unconnected pong", r.err)
}

// OpenConnectionRequest1 is padded so that its size reveals the path MTU.
type OpenConnectionRequest1 struct {
	Protocol byte
	MTU      int
}

func (m *OpenConnectionRequest1) Marshal() []byte {
	size := m.MTU - udpHeaderSize
	if size < 1+len(Magic)+1 {
		size = 1 + len(Magic) + 1
	}
	out := make([]byte, 0, size)
	out = append(out, IDOpenConnectionRequest1)
	out = append(out, Magic[:]...)
	out = append(out, m.Protocol)
	return out[:size]
}

func (m *OpenConnectionRequest1) Unmarshal(data []byte) error {
	r := &buffer{b: data, off: 1}
	r.magic()
	m.Protocol = r.u8()
	m.MTU = len(data) + udpHeaderSize
	return decodeErr("open connection request 1", r.err)
}

// OpenConnectionReply1 carries the negotiated MTU and, when cookies are on,
// the cookie the client must echo.
type OpenConnectionReply1 struct {
	ServerGUID int64
	Security   bool
	Cookie     uint32
	MTU        int
}

func (m *OpenConnectionReply1) Marshal() []byte {
	out := []byte{IDOpenConnectionReply1}
	out = append(out, Magic[:]...)
	out = putI64(out, m.ServerGUID)
	out = putBool(out, m.Security)
	if m.Security {
		out = putU32(out, m.Cookie)
	}
	return putU16(out, uint16(m.MTU))
}

func (m *OpenConnectionReply1) Unmarshal(data []byte) error {
	r := &buffer{b: data, off: 1}
	r.magic()
	m.ServerGUID = r.i64()
	m.Security = r.bool()
	if m.Security {
		m.Cookie = r.u32()
	}
	m.MTU = int(r.u16())
	return decodeErr("open connection reply 1", r.err)
}

// OpenConnectionRequest2 confirms the MTU. Cookie is present only when the
// server asked for one.
type OpenConnectionRequest2 struct {
	Cookie        uint32
	ServerAddress netip.AddrPort
	MTU           int
	ClientGUID    int64
}

// MarshalWithCookie encodes the request; withCookie must match the Security
// flag of the reply.
func (m *OpenConnectionRequest2) MarshalWithCookie(withCookie bool) []byte {
	out := []byte{IDOpenConnectionRequest2}
	out = append(out, Magic[:]...)
	if withCookie {
		out = putU32(out, m.Cookie)
		out = putBool(out, false)
	}
	out = putAddr(out, m.ServerAddress)
	out = putU16(out, uint16(m.MTU))
	return putI64(out, m.ClientGUID)
}

func (m *OpenConnectionRequest2) UnmarshalWithCookie(data []byte, withCookie bool) error {
	r := &buffer{b: data, off: 1}
	r.magic()
	if withCookie {
		m.Cookie = r.u32()
		r.bool()
	}
	m.ServerAddress = r.addr()
	m.MTU = int(r.u16())
	m.ClientGUID = r.i64()
	return decodeErr("open connection request 2", r.err)
}

// OpenConnectionReply2 completes the offline handshake.
type OpenConnectionReply2 struct {
	ServerGUID    int64
	ClientAddress netip.AddrPort
	MTU           int
}

func (m *OpenConnectionReply2) Marshal() []byte {
	out := []byte{IDOpenConnectionReply2}
	out = append(out, Magic[:]...)
	out = putI64(out, m.ServerGUID)
	out = putAddr(out, m.ClientAddress)
	out = putU16(out, uint16(m.MTU))
	return putBool(out, false)
}

func (m *OpenConnectionReply2) Unmarshal(data []byte) error {
	r := &buffer{b: data, off: 1}
	r.magic()
	m.ServerGUID = r.i64()
	m.ClientAddress = r.addr()
	m.MTU = int(r.u16())
	return decodeErr("open connection reply 2", r.err)
}

// IncompatibleProtocolVersion rejects an unsupported RakNet version.
type IncompatibleProtocolVersion struct {
	Protocol   byte
	ServerGUID int64
}

func (m *IncompatibleProtocolVersion) Marshal() []byte {
	out := []byte{IDIncompatibleProtocolVersion, m.Protocol}
	out = append(out, Magic[:]...)
	return putI64(out, m.ServerGUID)
}

func (m *IncompatibleProtocolVersion) Unmarshal(data []byte) error {
	r := &buffer{b: data, off: 1}
	m.Protocol = r.u8()
	r.magic()
	m.ServerGUID = r.i64()
	return decodeErr("incompatible protocol version", r.err)
}

// ConnectionRequest opens the online handshake inside a session.
type ConnectionRequest struct {
	ClientGUID  int64
	RequestTime int64
}

func (m *ConnectionRequest) Marshal() []byte {
	out := []byte{IDConnectionRequest}
	out = putI64(out, m.ClientGUID)
	out = putI64(out, m.RequestTime)
	return putBool(out, false)
}

func (m *ConnectionRequest) Unmarshal(data []byte) error {
	r := &buffer{b: data, off: 1}
	m.ClientGUID = r.i64()
	m.RequestTime = r.i64()
	r.bool()
	return decodeErr("connection request", r.err)
}

// ConnectionRequestAccepted answers a ConnectionRequest.
type ConnectionRequestAccepted struct {
	ClientAddress netip.AddrPort
	RequestTime   int64
	AcceptedTime  int64
}

func (m *ConnectionRequestAccepted) Marshal() []byte {
	out := []byte{IDConnectionRequestAccepted}
	out = putAddr(out, m.ClientAddress)
	out = putU16(out, 0)
	for i := 0; i < systemAddressCount; i++ {
		out = putAddr(out, netip.AddrPortFrom(netip.IPv4Unspecified(), 0))
	}
	out = putI64(out, m.RequestTime)
	return putI64(out, m.AcceptedTime)
}

func (m *ConnectionRequestAccepted) Unmarshal(data []byte) error {
	r := &buffer{b: data, off: 1}
	m.ClientAddress = r.addr()
	r.u16()
	for i := 0; i < systemAddressCount && r.err == nil && r.remaining() > 16; i++ {
		r.addr()
	}
	m.RequestTime = r.i64()
	m.AcceptedTime = r.i64()
	return decodeErr("connection request accepted", r.err)
}

// NewIncomingConnection completes the online handshake.
type NewIncomingConnection struct {
	ServerAddress netip.AddrPort
	RequestTime   int64
	AcceptedTime  int64
}

func (m *NewIncomingConnection) Marshal() []byte {
	out := []byte{IDNewIncomingConnection}
	out = putAddr(out, m.ServerAddress)
	for i := 0; i < systemAddressCount; i++ {
		out = putAddr(out, netip.AddrPortFrom(netip.IPv4Unspecified(), 0))
	}
	out = putI64(out, m.RequestTime)
	return putI64(out, m.AcceptedTime)
}

func (m *NewIncomingConnection) Unmarshal(data []byte) error {
	r := &buffer{b: data, off: 1}
	m.ServerAddress = r.addr()
	for i := 0; i < systemAddressCount && r.err == nil && r.remaining() > 16; i++ {
		r.addr()
	}
	m.RequestTime = r.i64()
	m.AcceptedTime = r.i64()
	return decodeErr("new incoming connection", r.err)
}

func marshalConnectedPing(t int64) []byte {
	return putI64([]byte{IDConnectedPing}, t)
}

func marshalConnectedPong(ping, pong int64) []byte {
	return putI64(putI64([]byte{IDConnectedPong}, ping), pong)
}

// IsOffline reports whether data looks like an unconnected message. Online
// traffic always has the datagram flag set.
func IsOffline(data []byte) bool {
	if len(data) == 0 || data[0]&flagDatagram != 0 {
		return false
	}
	switch data[0] {
	case IDUnconnectedPing, IDUnconnectedPingOpenConnections, IDOpenConnectionRequest1,
		IDOpenConnectionRequest2, IDOpenConnectionReply1, IDOpenConnectionReply2,
		IDIncompatibleProtocolVersion, IDUnconnectedPong:
		return true
	default:
		return false
	}
}

func idName(id byte) string {
	switch id {
	case IDUnconnectedPing, IDUnconnectedPingOpenConnections:
		return "unconnected_ping"
	case IDOpenConnectionRequest1:
		return "open_connection_request_1"
	case IDOpenConnectionRequest2:
		return "open_connection_request_2"
	default:
		return fmt.Sprintf("0x%02x", id)
	}
}
