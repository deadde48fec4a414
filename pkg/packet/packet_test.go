package packet

import (
	"bytes"
	"errors"
	"reflect"
	"testing"

	"github.com/bridgefall/bedrockd/pkg/protocol"
)

func TestRoundTrip(t *testing.T) {
	cases := []Packet{
		&Login{ProtocolVersion: 686, ConnectionRequest: []byte(`{"chain":[]}`)},
		&PlayStatus{Status: StatusLoginSuccess},
		&ServerToClientHandshake{JWT: "a.b.c"},
		&ClientToServerHandshake{},
		&Disconnect{Message: "banned"},
		&Disconnect{HideScreen: true},
		&Text{TextType: 1, SourceName: "Steve", Message: "hi", XUID: "2535"},
		&MovePlayer{RuntimeID: 300, Position: [3]float32{1, 64, -3.5}, Yaw: 90, OnGround: true},
		&NetworkStackLatency{Timestamp: 123456789, NeedsResponse: true},
		&NetworkSettings{CompressionThreshold: 256, CompressionAlgorithm: 1, ThrottleScalar: 0.5},
		&RequestNetworkSettings{ClientProtocol: 686},
		&Unknown{PacketID: 0x9a, Payload: []byte{1, 2, 3}},
	}
	for _, want := range cases {
		raw := Encode(want)
		wire := protocol.Encode(raw)
		back, err := protocol.Decode(wire)
		if err != nil {
			t.Fatalf("envelope decode %T: %v", want, err)
		}
		got, err := Decode(back)
		if err != nil {
			t.Fatalf("decode %T: %v", want, err)
		}
		if !reflect.DeepEqual(got, want) {
			t.Fatalf("round trip mismatch: got %#v want %#v", got, want)
		}
	}
}

func TestDecodeUnknownKeepsPayload(t *testing.T) {
	payload := []byte{0xde, 0xad}
	got, err := Decode(protocol.RawPacket{ID: 0x4242, Payload: payload})
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	unk, ok := got.(*Unknown)
	if !ok {
		t.Fatalf("expected *Unknown, got %T", got)
	}
	payload[0] = 0
	if unk.PacketID != 0x4242 || !bytes.Equal(unk.Payload, []byte{0xde, 0xad}) {
		t.Fatalf("unexpected unknown packet %#v", unk)
	}
}

func TestDecodeRejectsMalformed(t *testing.T) {
	cases := []struct {
		name string
		raw  protocol.RawPacket
	}{
		{"short play status", protocol.RawPacket{ID: IDPlayStatus, Payload: []byte{0, 0}}},
		{"trailing bytes", protocol.RawPacket{ID: IDPlayStatus, Payload: []byte{0, 0, 0, 0, 1}}},
		{"string overruns", protocol.RawPacket{ID: IDServerToClientHandshake, Payload: []byte{0x10, 'a'}}},
		{"bad bool", protocol.RawPacket{ID: IDDisconnect, Payload: []byte{7}}},
	}
	for _, tc := range cases {
		_, err := Decode(tc.raw)
		if !errors.Is(err, protocol.ErrDeserializationFailed) {
			t.Fatalf("%s: expected deserialization error, got %v", tc.name, err)
		}
		if protocol.Recoverable(err) {
			t.Fatalf("%s: malformed body must not look recoverable", tc.name)
		}
	}
}

func TestPhaseOf(t *testing.T) {
	cases := map[uint32]Phase{
		IDRequestNetworkSettings:  PhaseHandshake,
		IDLogin:                   PhaseLogin,
		IDClientToServerHandshake: PhaseEncryption,
		IDMovePlayer:              PhasePlay,
		IDText:                    PhasePlay,
		IDDisconnect:              PhaseAny,
		0x1234:                    PhasePlay,
	}
	for id, want := range cases {
		if got := PhaseOf(id); got != want {
			t.Fatalf("PhaseOf(0x%x) = %s, want %s", id, got, want)
		}
	}
}
