package raknet

import (
	"net/netip"

	"github.com/bridgefall/bedrockd/pkg/protocol"
)

// OfflineHandler answers unconnected messages. It keeps no per-address state;
// the caller creates a session only when Handle returns an OpenRequest.
type OfflineHandler struct {
	GUID   int64
	MaxMTU int
	// Advertisement returns the pong payload, for Bedrock the
	// semicolon-separated MCPE server string.
	Advertisement func() string
	// Cookies, when set, makes OpenConnectionRequest2 echo an address cookie.
	Cookies *CookieJar
}

// OpenRequest is a completed offline handshake.
type OpenRequest struct {
	ClientGUID int64
	MTU        int
}

func (h *OfflineHandler) maxMTU() int {
	if h.MaxMTU <= 0 || h.MaxMTU > MaxMTU {
		return MaxMTU
	}
	if h.MaxMTU < MinMTU {
		return MinMTU
	}
	return h.MaxMTU
}

// Handle processes one offline message from addr. reply is nil when nothing
// should be sent back; open is set once OpenConnectionRequest2 is accepted.
func (h *OfflineHandler) Handle(data []byte, addr netip.AddrPort) (reply []byte, open *OpenRequest, err error) {
	if len(data) == 0 {
		return nil, nil, protocol.Errorf(protocol.KindInvalidPacket, "raknet offline", "empty message")
	}
	switch data[0] {
	case IDUnconnectedPing, IDUnconnectedPingOpenConnections:
		var ping UnconnectedPing
		if err := ping.Unmarshal(data); err != nil {
			return nil, nil, err
		}
		pong := UnconnectedPong{SendTime: ping.SendTime, ServerGUID: h.GUID}
		if h.Advertisement != nil {
			pong.Data = h.Advertisement()
		}
		return pong.Marshal(), nil, nil

	case IDOpenConnectionRequest1:
		var req OpenConnectionRequest1
		if err := req.Unmarshal(data); err != nil {
			return nil, nil, err
		}
		if req.Protocol != ProtocolVersion {
			rej := IncompatibleProtocolVersion{Protocol: ProtocolVersion, ServerGUID: h.GUID}
			return rej.Marshal(), nil, nil
		}
		mtu := req.MTU
		if mtu > h.maxMTU() {
			mtu = h.maxMTU()
		}
		if mtu < MinMTU {
			return nil, nil, protocol.Errorf(protocol.KindInvalidPacket, "raknet offline", "mtu %d below %d", mtu, MinMTU)
		}
		rep := OpenConnectionReply1{ServerGUID: h.GUID, MTU: mtu}
		if h.Cookies != nil {
			rep.Security = true
			rep.Cookie = h.Cookies.Issue(addr)
		}
		return rep.Marshal(), nil, nil

	case IDOpenConnectionRequest2:
		var req OpenConnectionRequest2
		if err := req.UnmarshalWithCookie(data, h.Cookies != nil); err != nil {
			return nil, nil, err
		}
		if h.Cookies != nil && !h.Cookies.Verify(addr, req.Cookie) {
			return nil, nil, protocol.Errorf(protocol.KindInvalidPacket, "raknet offline", "bad cookie from %s", addr)
		}
		mtu := req.MTU
		if mtu > h.maxMTU() {
			mtu = h.maxMTU()
		}
		if mtu < MinMTU {
			return nil, nil, protocol.Errorf(protocol.KindInvalidPacket, "raknet offline", "mtu %d below %d", mtu, MinMTU)
		}
		rep := OpenConnectionReply2{ServerGUID: h.GUID, ClientAddress: addr, MTU: mtu}
		return rep.Marshal(), &OpenRequest{ClientGUID: req.ClientGUID, MTU: mtu}, nil

	default:
		return nil, nil, protocol.Errorf(protocol.KindInvalidPacket, "raknet offline", "unexpected %s", idName(data[0]))
	}
}
