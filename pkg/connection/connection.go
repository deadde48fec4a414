// Package connection holds per-peer connection state and the registry that
// indexes live connections by id and by address.
package connection

import (
	"net/netip"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"

	"github.com/bridgefall/bedrockd/pkg/auth"
	"github.com/bridgefall/bedrockd/pkg/commons/metrics"
	"github.com/bridgefall/bedrockd/pkg/protocol"
	"github.com/bridgefall/bedrockd/pkg/raknet"
	"github.com/bridgefall/bedrockd/pkg/state"
)

// ID is an opaque connection handle. It is allocated by the Manager and never
// derived from the peer address.
type ID uint64

const (
	DefaultMaxErrors = 16
	DefaultMaxOutbox = 4096
)

// Options configures a new connection.
type Options struct {
	MTU        int
	ServerGUID int64
	ClientGUID int64
	KeepAlive  time.Duration
	Timeout    time.Duration
	// PacketRate limits decoded packets per second; zero disables the limit.
	PacketRate  float64
	PacketBurst int
	MaxErrors   int
	MaxOutbox   int
	MaxPacket   int
}

// Stats is a copy of one connection's counters.
type Stats struct {
	ID              ID
	Address         netip.AddrPort
	State           state.State
	Name            string
	ProtocolVersion int32
	PacketsIn       uint64
	PacketsOut      uint64
	BytesIn         uint64
	BytesOut        uint64
	Errors          uint64
	Dropped         uint64
	LastFailure     string
	CreatedAt       time.Time
	LastActivity    time.Time
	Session         raknet.SessionStats
}

// Connection is one remote peer. The state machine is lock free; everything
// else is guarded by the connection's own mutex and never by the registry.
type Connection struct {
	id         ID
	machine    *state.Machine
	createdAt  time.Time
	clientGUID int64
	maxErrors  int
	maxOutbox  int

	packetsIn    metrics.Counter
	packetsOut   metrics.Counter
	bytesIn      metrics.Counter
	bytesOut     metrics.Counter
	errors       metrics.Counter
	dropped      metrics.Counter
	lastActivity atomic.Int64

	sendMu sync.Mutex

	mu              sync.Mutex
	addr            netip.AddrPort
	session         *raknet.Session
	limiter         *rate.Limiter
	decoder         *protocol.Decoder
	profile         *auth.Profile
	protocolVersion int32
	compression     protocol.Compression
	threshold       int
	encrypted       bool
	outbox          []protocol.RawPacket
	lastFailure     string
}

// New creates a connection in Handshaking for a peer that completed the
// offline handshake.
func New(addr netip.AddrPort, opts Options, now time.Time) *Connection {
	if opts.MaxErrors <= 0 {
		opts.MaxErrors = DefaultMaxErrors
	}
	if opts.MaxOutbox <= 0 {
		opts.MaxOutbox = DefaultMaxOutbox
	}
	limit := rate.Inf
	if opts.PacketRate > 0 {
		limit = rate.Limit(opts.PacketRate)
	}
	burst := opts.PacketBurst
	if burst <= 0 {
		burst = int(opts.PacketRate)
		if burst < 1 {
			burst = 1
		}
	}
	c := &Connection{
		machine:    state.NewMachine(),
		createdAt:  now,
		clientGUID: opts.ClientGUID,
		maxErrors:  opts.MaxErrors,
		maxOutbox:  opts.MaxOutbox,
		addr:       addr,
		session: raknet.NewSession(raknet.SessionConfig{
			MTU:            opts.MTU,
			GUID:           opts.ServerGUID,
			Remote:         addr,
			KeepAlive:      opts.KeepAlive,
			Timeout:        opts.Timeout,
			MaxMessageSize: opts.MaxPacket,
		}, now),
		limiter: rate.NewLimiter(limit, burst),
		decoder: protocol.NewDecoder(protocol.Serverbound, opts.MaxPacket),
	}
	c.lastActivity.Store(now.UnixNano())
	return c
}

func (c *Connection) ID() ID                  { return c.id }
func (c *Connection) Machine() *state.Machine { return c.machine }
func (c *Connection) State() state.State      { return c.machine.Current() }
func (c *Connection) CreatedAt() time.Time    { return c.createdAt }

// Address returns the current peer address.
func (c *Connection) Address() netip.AddrPort {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.addr
}

// AttachProfile stores the authenticated identity. A connection carries one
// profile for its whole life; a second call fails.
func (c *Connection) AttachProfile(p auth.Profile) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.profile != nil {
		return protocol.Errorf(protocol.KindInvalidPacket, "attach profile", "connection %d already authenticated as %q", c.id, c.profile.Name)
	}
	c.profile = &p
	return nil
}

// Profile returns the attached identity, if any.
func (c *Connection) Profile() (auth.Profile, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.profile == nil {
		return auth.Profile{}, false
	}
	return *c.profile, true
}

func (c *Connection) SetProtocolVersion(v int32) {
	c.mu.Lock()
	c.protocolVersion = v
	c.mu.Unlock()
}

func (c *Connection) ProtocolVersion() int32 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.protocolVersion
}

// SetCompression switches the batch compression. Payloads shorter than
// threshold are sent uncompressed. Until it is called batches carry no
// compression id byte and Compression returns nil.
func (c *Connection) SetCompression(comp protocol.Compression, threshold int) {
	c.mu.Lock()
	c.compression = comp
	c.threshold = threshold
	c.mu.Unlock()
}

func (c *Connection) Compression() (protocol.Compression, int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.compression, c.threshold
}

func (c *Connection) SetEncrypted() {
	c.mu.Lock()
	c.encrypted = true
	c.mu.Unlock()
}

func (c *Connection) Encrypted() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.encrypted
}

// Receive feeds one datagram to the session and returns the completed game
// payloads.
func (c *Connection) Receive(data []byte, now time.Time) ([][]byte, error) {
	c.mu.Lock()
	msgs, err := c.session.Receive(data, now)
	c.mu.Unlock()
	c.bytesIn.Add(int64(len(data)))
	c.lastActivity.Store(now.UnixNano())
	return msgs, err
}

// DecodeBatch splits a decrypted, decompressed batch into packets. Incomplete
// trailing data stays buffered for the next batch.
func (c *Connection) DecodeBatch(batch []byte) ([]protocol.RawPacket, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, _ = c.decoder.Write(batch)
	pks, err := c.decoder.DecodeAll()
	c.packetsIn.Add(int64(len(pks)))
	return pks, err
}

// AllowPacket applies the per-connection flood limit.
func (c *Connection) AllowPacket(now time.Time) bool {
	if c.limiter.AllowN(now, 1) {
		return true
	}
	c.dropped.Inc()
	return false
}

// Enqueue queues p for the next flush. It never blocks; a full outbox or a
// closed connection is an error.
func (c *Connection) Enqueue(p protocol.RawPacket) error {
	if c.machine.IsClosed() {
		return protocol.Errorf(protocol.KindConnection, "enqueue", "connection %d is %s", c.id, c.machine.Current())
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.outbox) >= c.maxOutbox {
		return protocol.Errorf(protocol.KindBufferOverflow, "enqueue", "connection %d outbox full", c.id)
	}
	c.outbox = append(c.outbox, p)
	return nil
}

// TakeOutbox removes and returns the queued packets.
func (c *Connection) TakeOutbox() []protocol.RawPacket {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := c.outbox
	c.outbox = nil
	return out
}

// SendBatch seals a batch of packets and hands it to the session. seal runs
// under the send lock, so records reach the session in the order their
// counters were assigned.
func (c *Connection) SendBatch(seal func() ([]byte, error), packets int) error {
	return c.SendBatchThen(seal, packets, nil)
}

// SendBatchThen is SendBatch followed by then, still under the send lock. A
// batch sealed by another sender observes whatever then switched on.
func (c *Connection) SendBatchThen(seal func() ([]byte, error), packets int, then func() error) error {
	c.sendMu.Lock()
	defer c.sendMu.Unlock()
	payload, err := seal()
	if err != nil {
		return err
	}
	c.mu.Lock()
	err = c.session.SendGame(payload)
	c.mu.Unlock()
	if err != nil {
		return err
	}
	c.packetsOut.Add(int64(packets))
	if then != nil {
		return then()
	}
	return nil
}

// Flush packs everything pending into datagrams.
func (c *Connection) Flush(now time.Time) [][]byte {
	c.mu.Lock()
	dgs := c.session.Flush(now)
	c.mu.Unlock()
	c.countOut(dgs)
	return dgs
}

// Tick runs the session timers.
func (c *Connection) Tick(now time.Time) [][]byte {
	c.mu.Lock()
	dgs := c.session.Tick(now)
	c.mu.Unlock()
	c.countOut(dgs)
	return dgs
}

// CloseSession notifies the peer and closes the session. Pending outbox
// packets are discarded.
func (c *Connection) CloseSession(now time.Time) [][]byte {
	c.mu.Lock()
	dgs := c.session.Close(now)
	c.outbox = nil
	c.mu.Unlock()
	c.countOut(dgs)
	return dgs
}

func (c *Connection) countOut(dgs [][]byte) {
	for _, dg := range dgs {
		c.bytesOut.Add(int64(len(dg)))
	}
}

// Alive reports whether the session is open and heard from within the
// timeout.
func (c *Connection) Alive(now time.Time) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.session.Alive(now)
}

// ClientGUID is the GUID the peer sent in its offline handshake.
func (c *Connection) ClientGUID() int64 { return c.clientGUID }

// SessionClosed reports whether either side closed the session.
func (c *Connection) SessionClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.session.Closed()
}

// RecordError counts a failure and reports whether the connection is past
// its error budget.
func (c *Connection) RecordError(reason string) bool {
	c.mu.Lock()
	c.lastFailure = reason
	c.mu.Unlock()
	c.errors.Inc()
	return c.errors.Load() >= int64(c.maxErrors)
}

// Stats returns a copy of the counters.
func (c *Connection) Stats() Stats {
	c.mu.Lock()
	st := Stats{
		ID:              c.id,
		Address:         c.addr,
		ProtocolVersion: c.protocolVersion,
		LastFailure:     c.lastFailure,
		Session:         c.session.Stats(),
	}
	if c.profile != nil {
		st.Name = c.profile.Name
	}
	c.mu.Unlock()
	st.State = c.machine.Current()
	st.PacketsIn = uint64(c.packetsIn.Load())
	st.PacketsOut = uint64(c.packetsOut.Load())
	st.BytesIn = uint64(c.bytesIn.Load())
	st.BytesOut = uint64(c.bytesOut.Load())
	st.Errors = uint64(c.errors.Load())
	st.Dropped = uint64(c.dropped.Load())
	st.CreatedAt = c.createdAt
	st.LastActivity = time.Unix(0, c.lastActivity.Load())
	return st
}
