package server

import (
	"encoding/json"
	"net/netip"
	"testing"
	"time"

	"github.com/bridgefall/bedrockd/pkg/connection"
	"github.com/bridgefall/bedrockd/pkg/state"
)

func TestLogLimiter(t *testing.T) {
	l := newLogLimiter(time.Second)
	now := time.Unix(100, 0)
	if ok, _ := l.Allow(DropMalformed, now); !ok {
		t.Fatalf("first line suppressed")
	}
	for i := 1; i <= 3; i++ {
		if ok, _ := l.Allow(DropMalformed, now.Add(time.Duration(i)*100*time.Millisecond)); ok {
			t.Fatalf("line %d inside the interval was logged", i)
		}
	}
	if ok, _ := l.Allow(DropBanned, now); !ok {
		t.Fatalf("reasons share a limit")
	}
	ok, suppressed := l.Allow(DropMalformed, now.Add(1200*time.Millisecond))
	if !ok || suppressed != 3 {
		t.Fatalf("after interval: ok=%v suppressed=%d", ok, suppressed)
	}
	if _, suppressed := l.Allow(DropMalformed, now.Add(3*time.Second)); suppressed != 0 {
		t.Fatalf("suppressed count not reset: %d", suppressed)
	}
}

func TestCountDrop(t *testing.T) {
	m := newMetrics()
	for _, r := range []DropReason{DropBanned, DropBanned, DropPacketFlood, DropReason("unknown")} {
		m.countDrop(r)
	}
	tot := m.totals()
	if tot.Drops[DropBanned] != 2 || tot.Drops[DropPacketFlood] != 1 || tot.Drops[DropAuth] != 0 {
		t.Fatalf("drops = %v", tot.Drops)
	}
}

func TestSnapshotEncoding(t *testing.T) {
	m := newMetrics()
	m.Accepted.Add(3)
	m.DropStranger.Inc()
	m.LoginLatency.Add(40 * time.Millisecond)
	now := time.Unix(1700000000, 0)
	conns := []connection.Stats{{
		ID:        9,
		Address:   netip.MustParseAddrPort("192.0.2.1:50000"),
		State:     state.Play,
		Name:      "Steve",
		PacketsIn: 12,
		CreatedAt: now.Add(-time.Minute),
	}}
	snap := buildSnapshot("0.0.0.0:19132", m.totals(), SnapshotAuth{Total: 1, BedrockSuccess: 1}, conns, now)

	data, err := EncodeSnapshot(snap)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	again, err := EncodeSnapshot(snap)
	if err != nil || string(again) != string(data) {
		t.Fatalf("encoding is not deterministic")
	}
	got, err := DecodeSnapshot(data)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got.Totals.Accepted != 3 || got.Totals.Drops[string(DropStranger)] != 1 || got.Auth.BedrockSuccess != 1 {
		t.Fatalf("totals = %+v", got.Totals)
	}
	if len(got.Connections) != 1 || got.Connections[0].Name != "Steve" || got.Connections[0].State != "play" || got.Connections[0].Age != 60 {
		t.Fatalf("connections = %+v", got.Connections)
	}

	js, err := DecodeSnapshotToJSON(data)
	if err != nil {
		t.Fatalf("json: %v", err)
	}
	var generic map[string]any
	if err := json.Unmarshal(js, &generic); err != nil || generic["listen"] != "0.0.0.0:19132" {
		t.Fatalf("json = %s (%v)", js, err)
	}

	bad := snap
	bad.Version = 99
	data, _ = EncodeSnapshot(bad)
	if _, err := DecodeSnapshot(data); err == nil {
		t.Fatalf("future version accepted")
	}
}
