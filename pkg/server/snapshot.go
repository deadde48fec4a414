package server

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/fxamacker/cbor/v2"

	"github.com/bridgefall/bedrockd/pkg/connection"
)

// SnapshotVersion is bumped whenever a key changes meaning.
const SnapshotVersion = 1

// Snapshot is the stats file written every cleanup interval when stats are
// enabled. It is CBOR with integer keys so tooling can read it cheaply.
type Snapshot struct {
	Version     int            `cbor:"0,keyasint" json:"version"`
	Time        int64          `cbor:"1,keyasint" json:"time"`
	Listen      string         `cbor:"2,keyasint" json:"listen"`
	Totals      SnapshotTotals `cbor:"3,keyasint" json:"totals"`
	Auth        SnapshotAuth   `cbor:"4,keyasint" json:"auth"`
	Connections []SnapshotConn `cbor:"5,keyasint,omitempty" json:"connections,omitempty"`
}

type SnapshotTotals struct {
	Active       int64            `cbor:"1,keyasint" json:"active"`
	Accepted     int64            `cbor:"2,keyasint" json:"accepted"`
	Established  int64            `cbor:"3,keyasint" json:"established"`
	Disconnects  int64            `cbor:"4,keyasint" json:"disconnects"`
	Timeouts     int64            `cbor:"5,keyasint" json:"timeouts"`
	Forced       int64            `cbor:"6,keyasint" json:"forced"`
	DatagramsIn  int64            `cbor:"7,keyasint" json:"datagrams_in"`
	DatagramsOut int64            `cbor:"8,keyasint" json:"datagrams_out"`
	BytesIn      int64            `cbor:"9,keyasint" json:"bytes_in"`
	BytesOut     int64            `cbor:"10,keyasint" json:"bytes_out"`
	Drops        map[string]int64 `cbor:"11,keyasint" json:"drops"`
	LoginP95Ms   int64            `cbor:"12,keyasint" json:"login_p95_ms"`
	LoginP99Ms   int64            `cbor:"13,keyasint" json:"login_p99_ms"`
}

type SnapshotAuth struct {
	Total          int64 `cbor:"1,keyasint" json:"total"`
	Failures       int64 `cbor:"2,keyasint" json:"failures"`
	JavaSuccess    int64 `cbor:"3,keyasint" json:"java_success"`
	BedrockSuccess int64 `cbor:"4,keyasint" json:"bedrock_success"`
	ActiveSessions int   `cbor:"5,keyasint" json:"active_sessions"`
}

type SnapshotConn struct {
	ID         uint64 `cbor:"1,keyasint" json:"id"`
	Addr       string `cbor:"2,keyasint" json:"addr"`
	State      string `cbor:"3,keyasint" json:"state"`
	Name       string `cbor:"4,keyasint,omitempty" json:"name,omitempty"`
	PacketsIn  uint64 `cbor:"5,keyasint" json:"packets_in"`
	PacketsOut uint64 `cbor:"6,keyasint" json:"packets_out"`
	BytesIn    uint64 `cbor:"7,keyasint" json:"bytes_in"`
	BytesOut   uint64 `cbor:"8,keyasint" json:"bytes_out"`
	Errors     uint64 `cbor:"9,keyasint" json:"errors"`
	RTTMs      int64  `cbor:"10,keyasint" json:"rtt_ms"`
	Age        int64  `cbor:"11,keyasint" json:"age_s"`
}

func buildSnapshot(listen string, t Totals, auth SnapshotAuth, conns []connection.Stats, now time.Time) Snapshot {
	drops := make(map[string]int64, len(t.Drops))
	for reason, n := range t.Drops {
		drops[string(reason)] = n
	}
	snap := Snapshot{
		Version: SnapshotVersion,
		Time:    now.Unix(),
		Listen:  listen,
		Totals: SnapshotTotals{
			Active:       t.Active,
			Accepted:     t.Accepted,
			Established:  t.Established,
			Disconnects:  t.Disconnects,
			Timeouts:     t.Timeouts,
			Forced:       t.Forced,
			DatagramsIn:  t.DatagramsIn,
			DatagramsOut: t.DatagramsOut,
			BytesIn:      t.BytesIn,
			BytesOut:     t.BytesOut,
			Drops:        drops,
			LoginP95Ms:   t.LoginP95.Milliseconds(),
			LoginP99Ms:   t.LoginP99.Milliseconds(),
		},
		Auth: auth,
	}
	for _, st := range conns {
		snap.Connections = append(snap.Connections, SnapshotConn{
			ID:         uint64(st.ID),
			Addr:       st.Address.String(),
			State:      st.State.String(),
			Name:       st.Name,
			PacketsIn:  st.PacketsIn,
			PacketsOut: st.PacketsOut,
			BytesIn:    st.BytesIn,
			BytesOut:   st.BytesOut,
			Errors:     st.Errors,
			RTTMs:      st.Session.RTT.Milliseconds(),
			Age:        int64(now.Sub(st.CreatedAt).Seconds()),
		})
	}
	return snap
}

// EncodeSnapshot serialises snap as canonical CBOR.
func EncodeSnapshot(snap Snapshot) ([]byte, error) {
	mode, err := cbor.CanonicalEncOptions().EncMode()
	if err != nil {
		return nil, err
	}
	return mode.Marshal(snap)
}

// DecodeSnapshot parses a stats file.
func DecodeSnapshot(data []byte) (Snapshot, error) {
	mode, err := cbor.DecOptions{}.DecMode()
	if err != nil {
		return Snapshot{}, err
	}
	var snap Snapshot
	if err := mode.Unmarshal(data, &snap); err != nil {
		return Snapshot{}, fmt.Errorf("decode snapshot: %w", err)
	}
	if snap.Version != SnapshotVersion {
		return Snapshot{}, fmt.Errorf("decode snapshot: unsupported version %d", snap.Version)
	}
	return snap, nil
}

// DecodeSnapshotToJSON renders a stats file for humans.
func DecodeSnapshotToJSON(data []byte) ([]byte, error) {
	snap, err := DecodeSnapshot(data)
	if err != nil {
		return nil, err
	}
	return json.MarshalIndent(snap, "", "  ")
}

// writeSnapshot replaces path atomically.
func writeSnapshot(path string, snap Snapshot) error {
	data, err := EncodeSnapshot(snap)
	if err != nil {
		return err
	}
	tmp, err := os.CreateTemp(filepath.Dir(path), ".stats-*")
	if err != nil {
		return err
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return err
	}
	return os.Rename(tmp.Name(), path)
}
