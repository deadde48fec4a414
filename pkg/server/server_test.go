package server

import (
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"errors"
	"io"
	"log/slog"
	"net"
	"net/netip"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/bridgefall/bedrockd/pkg/auth"
	"github.com/bridgefall/bedrockd/pkg/connection"
	"github.com/bridgefall/bedrockd/pkg/packet"
	"github.com/bridgefall/bedrockd/pkg/protocol"
	"github.com/bridgefall/bedrockd/pkg/raknet"
	"github.com/bridgefall/bedrockd/pkg/state"
)

const waitTimeout = 3 * time.Second

type recordingHandler struct {
	established chan connection.ID
	packets     chan protocol.RawPacket
	disconnects chan string
}

func newRecordingHandler() *recordingHandler {
	return &recordingHandler{
		established: make(chan connection.ID, 8),
		packets:     make(chan protocol.RawPacket, 64),
		disconnects: make(chan string, 8),
	}
}

func (h *recordingHandler) OnConnectionEstablished(id connection.ID, _ auth.Profile) {
	h.established <- id
}
func (h *recordingHandler) OnPacket(_ connection.ID, p protocol.RawPacket) { h.packets <- p }
func (h *recordingHandler) OnDisconnect(_ connection.ID, reason string)    { h.disconnects <- reason }

func testConfig() Config {
	return Config{
		ListenAddr:        "127.0.0.1:0",
		EnableRakNet:      true,
		Encryption:        true,
		Cookies:           true,
		Compression:       "flate",
		ConnectionTimeout: 800 * time.Millisecond,
		KeepAliveInterval: 100 * time.Millisecond,
		CleanupInterval:   50 * time.Millisecond,
		TickInterval:      10 * time.Millisecond,
		RateLimitPPS:      1000,
		RateLimitBurst:    1000,
	}
}

func startServer(t *testing.T, cfg Config, h Handler, opts ...Option) *Server {
	t.Helper()
	opts = append([]Option{WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil)))}, opts...)
	srv, err := NewServer(cfg, h, opts...)
	if err != nil {
		t.Fatalf("new server: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- srv.Serve(ctx) }()
	t.Cleanup(func() {
		cancel()
		if err := <-done; err != nil {
			t.Errorf("serve: %v", err)
		}
	})
	select {
	case <-srv.Ready():
	case err := <-done:
		t.Fatalf("serve exited early: %v", err)
	}
	return srv
}

// testClient is a minimal Bedrock client: RakNet session, batch framing,
// compression and encryption.
type testClient struct {
	t        *testing.T
	conn     *net.UDPConn
	identity *ecdsa.PrivateKey

	mu      sync.Mutex
	sess    *raknet.Session
	comp    protocol.Compression
	cipher  *auth.Cipher
	decoder *protocol.Decoder

	packets chan protocol.RawPacket
	stop    chan struct{}
	done    chan struct{}
}

func roundTrip(t *testing.T, conn *net.UDPConn, msg []byte) []byte {
	t.Helper()
	if _, err := conn.Write(msg); err != nil {
		t.Fatalf("write: %v", err)
	}
	_ = conn.SetReadDeadline(time.Now().Add(waitTimeout))
	buf := make([]byte, 2048)
	n, err := conn.Read(buf)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	return buf[:n]
}

func offlineHandshake(t *testing.T, conn *net.UDPConn, server netip.AddrPort, guid int64) (int, error) {
	t.Helper()
	req1 := raknet.OpenConnectionRequest1{Protocol: raknet.ProtocolVersion, MTU: 1400}
	var rep1 raknet.OpenConnectionReply1
	if err := rep1.Unmarshal(roundTrip(t, conn, req1.Marshal())); err != nil {
		return 0, err
	}
	req2 := raknet.OpenConnectionRequest2{Cookie: rep1.Cookie, ServerAddress: server, MTU: rep1.MTU, ClientGUID: guid}
	if _, err := conn.Write(req2.MarshalWithCookie(rep1.Security)); err != nil {
		return 0, err
	}
	_ = conn.SetReadDeadline(time.Now().Add(500 * time.Millisecond))
	buf := make([]byte, 2048)
	n, err := conn.Read(buf)
	if err != nil {
		return 0, err
	}
	var rep2 raknet.OpenConnectionReply2
	if err := rep2.Unmarshal(buf[:n]); err != nil {
		return 0, err
	}
	return rep2.MTU, nil
}

func serverAddr(srv *Server) netip.AddrPort {
	ap := srv.Addr().(*net.UDPAddr).AddrPort()
	return netip.AddrPortFrom(ap.Addr().Unmap(), ap.Port())
}

func dial(t *testing.T, srv *Server) *testClient {
	t.Helper()
	server := serverAddr(srv)
	conn, err := net.DialUDP("udp4", nil, net.UDPAddrFromAddrPort(server))
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	mtu, err := offlineHandshake(t, conn, server, 77)
	if err != nil {
		t.Fatalf("offline handshake: %v", err)
	}
	now := time.Now()
	c := &testClient{
		t:       t,
		conn:    conn,
		sess:    raknet.NewSession(raknet.SessionConfig{MTU: mtu, GUID: 77, Client: true, Remote: server, Timeout: 10 * time.Second}, now),
		decoder: protocol.NewDecoder(protocol.Clientbound, 0),
		packets: make(chan protocol.RawPacket, 64),
		stop:    make(chan struct{}),
		done:    make(chan struct{}),
	}
	if err := c.sess.Connect(now); err != nil {
		t.Fatalf("connect: %v", err)
	}
	c.writeAll(c.sess.Flush(now))
	go c.pump()
	t.Cleanup(c.halt)

	deadline := time.Now().Add(waitTimeout)
	for {
		c.mu.Lock()
		ok := c.sess.Connected()
		c.mu.Unlock()
		if ok {
			return c
		}
		if time.Now().After(deadline) {
			t.Fatalf("online handshake did not complete")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func (c *testClient) writeAll(dgs [][]byte) {
	for _, dg := range dgs {
		_, _ = c.conn.Write(dg)
	}
}

func (c *testClient) pump() {
	defer close(c.done)
	buf := make([]byte, 65536)
	for {
		select {
		case <-c.stop:
			return
		default:
		}
		_ = c.conn.SetReadDeadline(time.Now().Add(10 * time.Millisecond))
		n, err := c.conn.Read(buf)
		now := time.Now()
		c.mu.Lock()
		if err == nil {
			msgs, _ := c.sess.Receive(buf[:n], now)
			for _, m := range msgs {
				c.receiveGame(m)
			}
		}
		out := c.sess.Tick(now)
		out = append(out, c.sess.Flush(now)...)
		c.mu.Unlock()
		c.writeAll(out)
	}
}

// halt stops answering the server, as a client that vanished would.
func (c *testClient) halt() {
	select {
	case <-c.stop:
	default:
		close(c.stop)
	}
	<-c.done
}

func (c *testClient) receiveGame(m []byte) {
	var err error
	if c.cipher != nil {
		if m, err = c.cipher.Open(m); err != nil {
			c.t.Errorf("client decrypt: %v", err)
			return
		}
	}
	if c.comp != nil {
		algo, err := protocol.CompressionByID(protocol.CompressionID(m[0]))
		if err != nil {
			c.t.Errorf("client compression id: %v", err)
			return
		}
		if m, err = algo.Decompress(m[1:], 1<<20); err != nil {
			c.t.Errorf("client decompress: %v", err)
			return
		}
	}
	_, _ = c.decoder.Write(m)
	pks, err := c.decoder.DecodeAll()
	if err != nil {
		c.t.Errorf("client decode: %v", err)
	}
	for _, raw := range pks {
		pk, err := packet.Decode(raw)
		if err != nil {
			c.t.Errorf("client decode 0x%x: %v", raw.ID, err)
			continue
		}
		switch pk := pk.(type) {
		case *packet.NetworkSettings:
			if pk.CompressionAlgorithm == 0xffff {
				c.comp = protocol.NoCompression{}
			} else if c.comp, err = protocol.CompressionByID(protocol.CompressionID(pk.CompressionAlgorithm)); err != nil {
				c.t.Errorf("network settings: %v", err)
			}
		case *packet.ServerToClientHandshake:
			secret, err := auth.CompleteBedrockKeyExchange(c.identity, pk.JWT)
			if err != nil {
				c.t.Errorf("key exchange: %v", err)
				continue
			}
			if c.cipher, err = auth.NewCipher(secret, auth.FamilyBedrock, auth.RoleClient); err != nil {
				c.t.Errorf("client cipher: %v", err)
			}
		}
		c.packets <- raw
	}
}

func (c *testClient) send(pks ...packet.Packet) {
	c.t.Helper()
	raws := make([]protocol.RawPacket, len(pks))
	for i, pk := range pks {
		raws[i] = packet.Encode(pk)
	}
	c.sendRaw(protocol.EncodeBatch(raws...))
}

func (c *testClient) sendRaw(batch []byte) {
	c.t.Helper()
	c.mu.Lock()
	out := batch
	var err error
	if c.comp != nil {
		body, cerr := c.comp.Compress(batch)
		if cerr != nil {
			c.mu.Unlock()
			c.t.Fatalf("client compress: %v", cerr)
		}
		out = append([]byte{byte(c.comp.ID())}, body...)
	}
	if c.cipher != nil {
		if out, err = c.cipher.Seal(out); err != nil {
			c.mu.Unlock()
			c.t.Fatalf("client seal: %v", err)
		}
	}
	if err = c.sess.SendGame(out); err != nil {
		c.mu.Unlock()
		c.t.Fatalf("client send: %v", err)
	}
	dgs := c.sess.Flush(time.Now())
	c.mu.Unlock()
	c.writeAll(dgs)
}

func (c *testClient) expect(id uint32) protocol.RawPacket {
	c.t.Helper()
	timer := time.NewTimer(waitTimeout)
	defer timer.Stop()
	for {
		select {
		case p := <-c.packets:
			if p.ID == id {
				return p
			}
		case <-timer.C:
			c.t.Fatalf("no packet 0x%x from server", id)
		}
	}
}

func (c *testClient) login(t *testing.T, name string) {
	t.Helper()
	key, err := ecdsa.GenerateKey(elliptic.P384(), rand.Reader)
	if err != nil {
		t.Fatalf("key: %v", err)
	}
	chain, err := auth.SelfSignedChain(key, auth.Identity{Name: name, UUID: uuid.New()}, time.Now())
	if err != nil {
		t.Fatalf("chain: %v", err)
	}
	data, err := auth.SignClientData(key, nil, 0, 0)
	if err != nil {
		t.Fatalf("client data: %v", err)
	}
	c.mu.Lock()
	c.identity = key
	c.mu.Unlock()

	c.send(&packet.RequestNetworkSettings{ClientProtocol: AdvertisedProtocol})
	c.expect(packet.IDNetworkSettings)
	c.send(&packet.Login{
		ProtocolVersion:   AdvertisedProtocol,
		ConnectionRequest: auth.ConnectionRequest{Chain: chain, ClientData: data}.Marshal(),
	})
}

func waitFor[T any](t *testing.T, ch <-chan T, what string) T {
	t.Helper()
	select {
	case v := <-ch:
		return v
	case <-time.After(waitTimeout):
		t.Fatalf("timed out waiting for %s", what)
	}
	var zero T
	return zero
}

func eventually(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(waitTimeout)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestEncryptedLoginReachesPlayAndTimesOut(t *testing.T) {
	h := newRecordingHandler()
	srv := startServer(t, testConfig(), h)
	c := dial(t, srv)

	c.login(t, "Steve")
	c.expect(packet.IDServerToClientHandshake)
	c.send(&packet.ClientToServerHandshake{})
	status := c.expect(packet.IDPlayStatus)
	if pk, _ := packet.Decode(status); pk.(*packet.PlayStatus).Status != packet.StatusLoginSuccess {
		t.Fatalf("play status = %+v", pk)
	}

	id := waitFor(t, h.established, "established")
	st, ok := srv.ConnectionStats(id)
	if !ok || st.State != state.Play || st.Name != "Steve" {
		t.Fatalf("stats = %+v", st)
	}
	if st.ProtocolVersion != AdvertisedProtocol {
		t.Fatalf("protocol version %d", st.ProtocolVersion)
	}

	c.send(&packet.MovePlayer{RuntimeID: 1, Position: [3]float32{1, 64, 1}, OnGround: true})
	if p := waitFor(t, h.packets, "move packet"); p.ID != packet.IDMovePlayer {
		t.Fatalf("handler got 0x%x", p.ID)
	}

	c.send(&packet.NetworkStackLatency{Timestamp: 1234, NeedsResponse: true})
	echo, _ := packet.Decode(c.expect(packet.IDNetworkStackLatency))
	if echo.(*packet.NetworkStackLatency).Timestamp != 1234 {
		t.Fatalf("latency echo = %+v", echo)
	}

	if err := srv.Send(id, packet.Encode(&packet.Text{Message: "welcome"})); err != nil {
		t.Fatalf("send: %v", err)
	}
	text, _ := packet.Decode(c.expect(packet.IDText))
	if text.(*packet.Text).Message != "welcome" {
		t.Fatalf("text = %+v", text)
	}
	if n := srv.Broadcast(packet.Encode(&packet.Text{Message: "all"})); n != 1 {
		t.Fatalf("broadcast reached %d", n)
	}

	if a := srv.AuthStats(); a.BedrockSuccess != 1 || a.ActiveSessions != 1 {
		t.Fatalf("auth stats = %+v", a)
	}

	c.halt()
	reason := waitFor(t, h.disconnects, "timeout disconnect")
	if reason != "Timed out" {
		t.Fatalf("disconnect reason %q", reason)
	}
	if srv.ConnectionCount() != 0 {
		t.Fatalf("connection still registered")
	}
	if _, ok := srv.ConnectionStats(id); ok {
		t.Fatalf("stats still reachable by id")
	}
	if n := srv.Broadcast(packet.Encode(&packet.Text{Message: "gone"})); n != 0 {
		t.Fatalf("broadcast reached %d after timeout", n)
	}
	if err := srv.Send(id, packet.Encode(&packet.Text{})); !errors.Is(err, protocol.ErrConnection) {
		t.Fatalf("send after timeout: %v", err)
	}
	tot := srv.Totals()
	if tot.Timeouts != 1 || tot.Established != 1 || tot.Active != 0 {
		t.Fatalf("totals = %+v", tot)
	}
	if srv.AuthStats().ActiveSessions != 0 {
		t.Fatalf("encryption session survived teardown")
	}
}

func TestQueuedPacketsWaitForPlay(t *testing.T) {
	h := newRecordingHandler()
	srv := startServer(t, testConfig(), h)
	c := dial(t, srv)

	c.login(t, "Steve")
	c.expect(packet.IDServerToClientHandshake)
	if n := srv.Broadcast(packet.Encode(&packet.Text{Message: "early"})); n != 1 {
		t.Fatalf("broadcast reached %d", n)
	}
	select {
	case p := <-c.packets:
		t.Fatalf("packet 0x%x delivered during login", p.ID)
	case <-time.After(200 * time.Millisecond):
	}

	c.send(&packet.ClientToServerHandshake{})
	if p := waitFor(t, c.packets, "play status"); p.ID != packet.IDPlayStatus {
		t.Fatalf("first packet after handshake 0x%x", p.ID)
	}
	text, _ := packet.Decode(c.expect(packet.IDText))
	if text.(*packet.Text).Message != "early" {
		t.Fatalf("text = %+v", text)
	}
}

func TestPlainLoginAndServerDisconnect(t *testing.T) {
	cfg := testConfig()
	cfg.Encryption = false
	cfg.Compression = "snappy"
	h := newRecordingHandler()
	srv := startServer(t, cfg, h)
	c := dial(t, srv)

	c.login(t, "Alex")
	c.expect(packet.IDPlayStatus)
	id := waitFor(t, h.established, "established")

	if err := srv.Disconnect(id, "Server restarting"); err != nil {
		t.Fatalf("disconnect: %v", err)
	}
	pk, _ := packet.Decode(c.expect(packet.IDDisconnect))
	if pk.(*packet.Disconnect).Message != "Server restarting" {
		t.Fatalf("disconnect = %+v", pk)
	}
	if reason := waitFor(t, h.disconnects, "disconnect"); reason != "Server restarting" {
		t.Fatalf("reason %q", reason)
	}
	if err := srv.Disconnect(id, "again"); !errors.Is(err, protocol.ErrConnection) {
		t.Fatalf("second disconnect: %v", err)
	}
}

func TestClientDisconnectTearsDown(t *testing.T) {
	cfg := testConfig()
	cfg.Encryption = false
	h := newRecordingHandler()
	srv := startServer(t, cfg, h)
	c := dial(t, srv)

	c.login(t, "Alex")
	c.expect(packet.IDPlayStatus)
	id := waitFor(t, h.established, "established")

	c.send(&packet.Disconnect{Message: "bye"})
	if reason := waitFor(t, h.disconnects, "client disconnect"); reason != "bye" {
		t.Fatalf("reason %q", reason)
	}
	eventually(t, "registry removal", func() bool { return srv.ConnectionCount() == 0 })
	if _, ok := srv.ConnectionStats(id); ok {
		t.Fatalf("stats still reachable by id")
	}
	tot := srv.Totals()
	if tot.Drops[DropStateViolation] != 0 || tot.Forced != 0 {
		t.Fatalf("client disconnect counted as a fault: %+v", tot)
	}
}

func TestLoginBeforeNetworkSettingsIsRejected(t *testing.T) {
	h := newRecordingHandler()
	srv := startServer(t, testConfig(), h)
	c := dial(t, srv)

	c.send(&packet.Login{ProtocolVersion: AdvertisedProtocol, ConnectionRequest: []byte{0, 0, 0, 0}})
	c.send(&packet.MovePlayer{})
	eventually(t, "state violation count", func() bool {
		return srv.Totals().Drops[DropStateViolation] == 2
	})
	if srv.ConnectionCount() != 1 {
		t.Fatalf("one violation should not close the connection")
	}
	if len(h.packets) != 0 {
		t.Fatalf("gated packet reached the handler")
	}
	sts := srv.Connections()
	if len(sts) != 1 || sts[0].Errors != 2 || sts[0].State != state.Handshaking {
		t.Fatalf("stats = %+v", sts)
	}
}

func TestBadIdentityGetsDisconnect(t *testing.T) {
	h := newRecordingHandler()
	srv := startServer(t, testConfig(), h)
	c := dial(t, srv)

	c.send(&packet.RequestNetworkSettings{ClientProtocol: AdvertisedProtocol})
	c.expect(packet.IDNetworkSettings)
	c.send(&packet.Login{ProtocolVersion: AdvertisedProtocol, ConnectionRequest: []byte("garbage")})
	pk, _ := packet.Decode(c.expect(packet.IDDisconnect))
	if pk.(*packet.Disconnect).Message != "disconnectionScreen.notAuthenticated" {
		t.Fatalf("disconnect = %+v", pk)
	}
	eventually(t, "teardown", func() bool { return srv.ConnectionCount() == 0 })
	if srv.AuthStats().Failures != 1 {
		t.Fatalf("auth stats = %+v", srv.AuthStats())
	}
	select {
	case reason := <-h.disconnects:
		t.Fatalf("handler told about a connection it never saw: %q", reason)
	default:
	}
}

func TestErrorBudgetForcesDisconnect(t *testing.T) {
	cfg := testConfig()
	cfg.MaxErrors = 3
	srv := startServer(t, cfg, nil)
	c := dial(t, srv)

	for i := 0; i < 3; i++ {
		c.send(&packet.MovePlayer{})
	}
	c.expect(packet.IDDisconnect)
	eventually(t, "forced close", func() bool { return srv.Totals().Forced == 1 })
	if srv.ConnectionCount() != 0 {
		t.Fatalf("connection survived its error budget")
	}
}

func TestRepeatedOpenRequestKeepsLiveSession(t *testing.T) {
	cfg := testConfig()
	cfg.Cookies = false
	cfg.ConnectionTimeout = 5 * time.Second
	cfg.KeepAliveInterval = 5 * time.Second
	srv := startServer(t, cfg, nil)
	server := serverAddr(srv)
	c := dial(t, srv)
	sts := srv.Connections()
	if len(sts) != 1 {
		t.Fatalf("stats = %+v", sts)
	}
	id := sts[0].ID

	// Take over the client's address with a fresh socket.
	c.halt()
	local := c.conn.LocalAddr().(*net.UDPAddr)
	c.conn.Close()
	conn, err := net.DialUDP("udp4", local, net.UDPAddrFromAddrPort(server))
	if err != nil {
		t.Fatalf("rebind: %v", err)
	}
	defer conn.Close()

	if _, err := offlineHandshake(t, conn, server, 77); err != nil {
		t.Fatalf("retransmitted request got no reply: %v", err)
	}
	if _, err := offlineHandshake(t, conn, server, 99); err == nil {
		t.Fatalf("request from another client was answered")
	}
	sts = srv.Connections()
	if len(sts) != 1 || sts[0].ID != id || sts[0].State != state.Handshaking {
		t.Fatalf("live session replaced: %+v", sts)
	}
	if srv.Totals().Drops[DropOffline] != 1 {
		t.Fatalf("drops = %+v", srv.Totals().Drops)
	}
}

func TestStrangersAndBansGetNoReply(t *testing.T) {
	bans, err := OpenBanStore(filepath.Join(t.TempDir(), "bans.db"))
	if err != nil {
		t.Fatalf("open bans: %v", err)
	}
	srv := startServer(t, testConfig(), nil, WithBanStore(bans))
	server := serverAddr(srv)

	conn, err := net.DialUDP("udp4", nil, net.UDPAddrFromAddrPort(server))
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	// A datagram that looks like session traffic from an unknown address.
	if _, err := conn.Write([]byte{0x84, 0, 0, 0, 0x40, 0, 8, 0, 0, 0, 0xfe}); err != nil {
		t.Fatalf("write: %v", err)
	}
	_ = conn.SetReadDeadline(time.Now().Add(200 * time.Millisecond))
	if _, err := conn.Read(make([]byte, 64)); err == nil {
		t.Fatalf("stranger got a reply")
	}
	eventually(t, "stranger drop", func() bool { return srv.Totals().Drops[DropStranger] == 1 })

	ping := raknet.UnconnectedPing{SendTime: 5, ClientGUID: 1}
	var pong raknet.UnconnectedPong
	if err := pong.Unmarshal(roundTrip(t, conn, ping.Marshal())); err != nil {
		t.Fatalf("pong: %v", err)
	}
	if pong.SendTime != 5 {
		t.Fatalf("pong = %+v", pong)
	}

	if err := bans.BanAddr(netip.MustParseAddr("127.0.0.1"), "griefing"); err != nil {
		t.Fatalf("ban: %v", err)
	}
	if _, err := offlineHandshake(t, conn, server, 5); err == nil {
		t.Fatalf("banned address completed the handshake")
	}
	if srv.ConnectionCount() != 0 || srv.Totals().Drops[DropBanned] != 1 {
		t.Fatalf("ban not enforced: %+v", srv.Totals())
	}
}

func TestStatsSnapshotWritten(t *testing.T) {
	cfg := testConfig()
	cfg.EnableStats = true
	cfg.StatsPath = filepath.Join(t.TempDir(), "stats.cbor")
	srv := startServer(t, cfg, nil)
	dial(t, srv)

	var snap Snapshot
	eventually(t, "stats file", func() bool {
		data, err := os.ReadFile(cfg.StatsPath)
		if err != nil {
			return false
		}
		snap, err = DecodeSnapshot(data)
		return err == nil && len(snap.Connections) == 1
	})
	if snap.Totals.Accepted != 1 || snap.Connections[0].State != state.Handshaking.String() {
		t.Fatalf("snapshot = %+v", snap)
	}
}
