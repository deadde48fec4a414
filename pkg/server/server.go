// Package server runs the UDP listener, the RakNet offline handshake, the
// login pipeline and the maintenance loops, and exposes connections to a game
// layer through Handler.
package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"net"
	"net/netip"
	"strconv"
	"sync"
	"time"

	"golang.org/x/net/ipv4"
	"golang.org/x/sync/errgroup"

	"github.com/bridgefall/bedrockd/internal/ratelimiter"
	"github.com/bridgefall/bedrockd/pkg/auth"
	"github.com/bridgefall/bedrockd/pkg/connection"
	"github.com/bridgefall/bedrockd/pkg/packet"
	"github.com/bridgefall/bedrockd/pkg/protocol"
	"github.com/bridgefall/bedrockd/pkg/raknet"
	"github.com/bridgefall/bedrockd/pkg/state"
)

const (
	// AdvertisedProtocol and AdvertisedVersion are reported in the pong
	// advertisement. They do not restrict which clients may log in.
	AdvertisedProtocol = 712
	AdvertisedVersion  = "1.21.20"

	readBatchSize   = 32
	maxBatchSize    = raknet.DefaultMaxMessageSize
	logDropInterval = 10 * time.Second
)

// Handler is the game layer. Callbacks run on server goroutines and must not
// block; use Server.Send to answer.
type Handler interface {
	// OnConnectionEstablished runs once a connection reaches Play.
	OnConnectionEstablished(id connection.ID, profile auth.Profile)
	// OnPacket receives every Play packet the network core does not handle
	// itself.
	OnPacket(id connection.ID, p protocol.RawPacket)
	// OnDisconnect runs once for every connection that reached Play.
	OnDisconnect(id connection.ID, reason string)
}

// NopHandler ignores every callback.
type NopHandler struct{}

func (NopHandler) OnConnectionEstablished(connection.ID, auth.Profile) {}
func (NopHandler) OnPacket(connection.ID, protocol.RawPacket)          {}
func (NopHandler) OnDisconnect(connection.ID, string)                  {}

// Server is the Bedrock network core.
type Server struct {
	cfg         Config
	logger      *slog.Logger
	handler     Handler
	auth        *auth.Service
	conns       *connection.Manager
	offline     *raknet.OfflineHandler
	cookies     *raknet.CookieJar
	admission   *ratelimiter.Limiter
	bans        *BanStore
	compression protocol.Compression
	guid        int64
	metrics     *Metrics
	logLimiter  *logLimiter
	readyCh     chan struct{}
	readyOnce   sync.Once

	mu   sync.RWMutex
	conn net.PacketConn
}

// Option customises a Server.
type Option func(*Server)

// WithLogger replaces slog.Default.
func WithLogger(l *slog.Logger) Option {
	return func(s *Server) { s.logger = l }
}

// WithBanStore uses an already opened ban store instead of Config.BanDB.
func WithBanStore(b *BanStore) Option {
	return func(s *Server) { s.bans = b }
}

// NewServer validates cfg and builds a server. handler may be nil.
func NewServer(cfg Config, handler Handler, opts ...Option) (*Server, error) {
	cfg, err := normalizeConfig(cfg)
	if err != nil {
		return nil, err
	}
	if handler == nil {
		handler = NopHandler{}
	}
	comp, err := protocol.CompressionByName(cfg.Compression)
	if err != nil {
		return nil, err
	}
	s := &Server{
		cfg:         cfg,
		logger:      slog.Default(),
		handler:     handler,
		admission:   ratelimiter.New(cfg.RateLimitPPS, cfg.RateLimitBurst),
		compression: comp,
		guid:        rand.Int64(),
		metrics:     newMetrics(),
		logLimiter:  newLogLimiter(logDropInterval),
		readyCh:     make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.auth, err = auth.NewService(auth.Config{
		OnlineMode:     cfg.OnlineMode,
		TrustedRootKey: cfg.TrustedRootKey,
		Logger:         s.logger,
	})
	if err != nil {
		return nil, err
	}
	if cfg.Cookies {
		if s.cookies, err = raknet.NewCookieJar(); err != nil {
			return nil, err
		}
	}
	s.offline = &raknet.OfflineHandler{
		GUID:          s.guid,
		MaxMTU:        cfg.MTU,
		Advertisement: s.advertisement,
		Cookies:       s.cookies,
	}
	s.conns = connection.NewManager(cfg.MaxConnections, s.evicted)
	if s.bans == nil && cfg.BanDB != "" {
		if s.bans, err = OpenBanStore(cfg.BanDB); err != nil {
			return nil, err
		}
	}
	return s, nil
}

// Ready is closed once the socket is bound.
func (s *Server) Ready() <-chan struct{} { return s.readyCh }

// Addr returns the bound address, or nil before Ready.
func (s *Server) Addr() net.Addr {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.conn == nil {
		return nil
	}
	return s.conn.LocalAddr()
}

// Bans returns the ban store, or nil when bans are disabled.
func (s *Server) Bans() *BanStore { return s.bans }

// Serve listens on cfg.ListenAddr and runs until ctx is cancelled.
func (s *Server) Serve(ctx context.Context) error {
	if !s.cfg.EnableRakNet {
		<-ctx.Done()
		return nil
	}
	ap, err := netip.ParseAddrPort(s.cfg.ListenAddr)
	if err != nil {
		return fmt.Errorf("listen addr: %w", err)
	}
	network := "udp6"
	if ap.Addr().Unmap().Is4() {
		network = "udp4"
	}
	pc, err := net.ListenUDP(network, net.UDPAddrFromAddrPort(ap))
	if err != nil {
		return fmt.Errorf("listen %s: %w", s.cfg.ListenAddr, err)
	}
	return s.ServeConn(ctx, pc)
}

// ServeConn runs the server on an already bound socket. pc is closed when
// ServeConn returns.
func (s *Server) ServeConn(ctx context.Context, pc net.PacketConn) error {
	s.mu.Lock()
	s.conn = pc
	s.mu.Unlock()
	s.readyOnce.Do(func() { close(s.readyCh) })
	s.logger.Info("server listening", "addr", pc.LocalAddr().String(), "guid", s.guid,
		"online_mode", s.cfg.OnlineMode, "encryption", s.cfg.Encryption, "compression", s.compression.Name())

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return s.readLoop(gctx, pc) })
	g.Go(func() error { return s.maintenance(gctx) })
	g.Go(func() error { return s.metricsLoop(gctx) })
	g.Go(func() error {
		<-gctx.Done()
		s.shutdown()
		return pc.Close()
	})
	err := g.Wait()
	if s.bans != nil {
		if cerr := s.bans.Close(); cerr != nil {
			s.logger.Warn("close ban store", "err", cerr)
		}
	}
	if errors.Is(err, net.ErrClosed) {
		return nil
	}
	return err
}

func (s *Server) shutdown() {
	n := 0
	s.conns.Each(func(c *connection.Connection) {
		s.teardown(c, "Server closed", true, false)
		n++
	})
	s.logger.Info("server stopped", "disconnected", n)
}

func (s *Server) readLoop(ctx context.Context, pc net.PacketConn) error {
	if udp, ok := pc.(*net.UDPConn); ok {
		if la, ok := udp.LocalAddr().(*net.UDPAddr); ok && la.IP.To4() != nil {
			return s.readBatches(ctx, ipv4.NewPacketConn(udp))
		}
	}
	buf := make([]byte, s.cfg.MaxPacketSize)
	for {
		n, from, err := pc.ReadFrom(buf)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return nil
			}
			return fmt.Errorf("read udp: %w", err)
		}
		s.handleDatagram(buf[:n], from, time.Now())
	}
}

func (s *Server) readBatches(ctx context.Context, pc *ipv4.PacketConn) error {
	msgs := make([]ipv4.Message, readBatchSize)
	for i := range msgs {
		msgs[i].Buffers = [][]byte{make([]byte, s.cfg.MaxPacketSize)}
	}
	for {
		n, err := pc.ReadBatch(msgs, 0)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return nil
			}
			return fmt.Errorf("read udp batch: %w", err)
		}
		now := time.Now()
		for i := 0; i < n; i++ {
			s.handleDatagram(msgs[i].Buffers[0][:msgs[i].N], msgs[i].Addr, now)
		}
	}
}

func addrPortOf(addr net.Addr) (netip.AddrPort, bool) {
	udp, ok := addr.(*net.UDPAddr)
	if !ok {
		return netip.AddrPort{}, false
	}
	ap := udp.AddrPort()
	return netip.AddrPortFrom(ap.Addr().Unmap(), ap.Port()), ap.IsValid()
}

// handleDatagram routes one datagram. Offline messages go through admission
// control; online data from unknown addresses is dropped without a reply.
func (s *Server) handleDatagram(data []byte, from net.Addr, now time.Time) {
	addr, ok := addrPortOf(from)
	if !ok || len(data) == 0 {
		return
	}
	s.metrics.DatagramsIn.Inc()
	s.metrics.BytesIn.Add(int64(len(data)))

	if raknet.IsOffline(data) {
		if !s.admission.Allow(addr.Addr()) {
			s.logDrop(DropRateLimit, addr, "offline message rate limited")
			return
		}
		s.handleOffline(data, addr, now)
		return
	}
	c, ok := s.conns.GetByAddress(addr)
	if !ok {
		s.metrics.countDrop(DropStranger)
		return
	}
	s.handleConnected(c, data, now)
}

func (s *Server) handleOffline(data []byte, addr netip.AddrPort, now time.Time) {
	reply, open, err := s.offline.Handle(data, addr)
	if err != nil {
		s.logDrop(DropOffline, addr, "offline message rejected", "err", err)
		return
	}
	switch data[0] {
	case raknet.IDUnconnectedPing, raknet.IDUnconnectedPingOpenConnections:
		s.metrics.Pings.Inc()
	}
	if open != nil && !s.accept(addr, open, now) {
		return
	}
	if reply != nil {
		s.write([][]byte{reply}, addr)
	}
}

// accept creates the connection for a completed offline handshake. A live
// connection from the same address is replaced only when the request carried
// a verified cookie. Otherwise the request is a retransmit or forged: the
// reply is repeated for the same client GUID and nothing is sent for another.
func (s *Server) accept(addr netip.AddrPort, open *raknet.OpenRequest, now time.Time) bool {
	if s.bans != nil {
		banned, reason, err := s.bans.IsBannedAddr(addr.Addr())
		if err != nil {
			s.logger.Error("ban lookup failed", "addr", addr, "err", err)
		}
		if banned {
			s.logDrop(DropBanned, addr, "banned address", "ban_reason", reason)
			return false
		}
	}
	if old, ok := s.conns.GetByAddress(addr); ok {
		if s.cookies == nil {
			if old.ClientGUID() != open.ClientGUID {
				s.logDrop(DropOffline, addr, "open request for a live address", "id", old.ID())
				return false
			}
			return true
		}
		s.teardown(old, "Logged in from another session", false, false)
	}
	c := connection.New(addr, connection.Options{
		MTU:        open.MTU,
		ServerGUID: s.guid,
		ClientGUID: open.ClientGUID,
		KeepAlive:  s.cfg.KeepAliveInterval,
		Timeout:    s.cfg.ConnectionTimeout,
		PacketRate: s.cfg.PacketRate,
		MaxErrors:  s.cfg.MaxErrors,
	}, now)
	id, err := s.conns.Add(c)
	if err != nil {
		s.logDrop(DropCapacity, addr, "connection refused", "err", err)
		return false
	}
	s.metrics.Accepted.Inc()
	s.metrics.ActiveConns.Inc()
	s.logger.Debug("connection opened", "id", id, "addr", addr, "mtu", open.MTU)
	return true
}

// handleConnected feeds an online datagram to its connection and runs every
// completed game batch through the login pipeline.
func (s *Server) handleConnected(c *connection.Connection, data []byte, now time.Time) {
	msgs, err := c.Receive(data, now)
	if err != nil {
		s.logDrop(DropMalformed, c.Address(), "malformed datagram", "id", c.ID(), "err", err)
		if c.RecordError(err.Error()) {
			s.teardown(c, "Too many errors", true, true)
			return
		}
	}
	for _, msg := range msgs {
		if c.Machine().IsClosed() {
			return
		}
		if err := s.handleGame(c, msg, now); err != nil {
			s.fail(c, err)
		}
	}
	if c.SessionClosed() {
		s.teardown(c, "Client disconnected", false, false)
		return
	}
	s.flush(c, now)
}

// gameError classifies a failure of one game batch or packet.
type gameError struct {
	reason DropReason
	fatal  bool
	err    error
}

func (e *gameError) Error() string { return string(e.reason) + ": " + e.err.Error() }
func (e *gameError) Unwrap() error { return e.err }

func dropErr(reason DropReason, err error) error { return &gameError{reason: reason, err: err} }
func fatalErr(reason DropReason, err error) error {
	return &gameError{reason: reason, fatal: true, err: err}
}

// fail logs err against c and disconnects it when the error is fatal or the
// error budget is spent.
func (s *Server) fail(c *connection.Connection, err error) {
	reason := DropMalformed
	fatal := false
	var ge *gameError
	if errors.As(err, &ge) {
		reason, fatal = ge.reason, ge.fatal
	}
	s.logDrop(reason, c.Address(), "packet rejected", "id", c.ID(), "err", err)
	exceeded := c.RecordError(err.Error())
	switch {
	case fatal:
		s.teardown(c, disconnectMessage(reason), true, true)
	case exceeded:
		s.teardown(c, "Too many errors", true, true)
	}
}

func disconnectMessage(reason DropReason) string {
	switch reason {
	case DropAuth:
		return "disconnectionScreen.notAuthenticated"
	case DropBanned:
		return "You are banned"
	default:
		return "disconnectionScreen.badPacket"
	}
}

func (s *Server) handleGame(c *connection.Connection, payload []byte, now time.Time) error {
	data := payload
	if c.Encrypted() {
		plain, err := s.auth.Decrypt(uint64(c.ID()), data)
		if err != nil {
			return fatalErr(DropDecrypt, err)
		}
		data = plain
	}
	if comp, _ := c.Compression(); comp != nil {
		if len(data) == 0 {
			return dropErr(DropDecompress, protocol.Errorf(protocol.KindCompression, "decompress batch", "empty batch"))
		}
		algo, err := protocol.CompressionByID(protocol.CompressionID(data[0]))
		if err != nil {
			return dropErr(DropDecompress, err)
		}
		if data, err = algo.Decompress(data[1:], maxBatchSize); err != nil {
			return dropErr(DropDecompress, err)
		}
	}
	pks, err := c.DecodeBatch(data)
	for _, p := range pks {
		if c.Machine().IsClosed() {
			return nil
		}
		if !c.AllowPacket(now) {
			s.logDrop(DropPacketFlood, c.Address(), "packet rate exceeded", "id", c.ID())
			continue
		}
		if perr := s.handlePacket(c, p, now); perr != nil {
			s.fail(c, perr)
		}
	}
	if err != nil {
		return dropErr(DropMalformed, err)
	}
	return nil
}

// flush drains the outbox and writes everything the session has pending.
func (s *Server) flush(c *connection.Connection, now time.Time) {
	s.flushOutbox(c)
	s.write(c.Flush(now), c.Address())
}

// flushOutbox sends queued packets once the connection is in play. Until then
// they stay queued so nothing races the login switches.
func (s *Server) flushOutbox(c *connection.Connection) {
	if c.State() != state.Play {
		return
	}
	raws := c.TakeOutbox()
	if len(raws) == 0 {
		return
	}
	if err := s.sendRaw(c, raws); err != nil {
		s.logger.Debug("flush outbox", "id", c.ID(), "err", err)
	}
}

func (s *Server) sendPackets(c *connection.Connection, pks ...packet.Packet) error {
	raws := make([]protocol.RawPacket, len(pks))
	for i, pk := range pks {
		raws[i] = packet.Encode(pk)
	}
	return s.sendRaw(c, raws)
}

func (s *Server) sendRaw(c *connection.Connection, raws []protocol.RawPacket) error {
	batch := protocol.EncodeBatch(raws...)
	return c.SendBatch(func() ([]byte, error) { return s.seal(c, batch) }, len(raws))
}

// sendPacketsThen sends pks and runs then before any other batch can be
// sealed for c.
func (s *Server) sendPacketsThen(c *connection.Connection, then func() error, pks ...packet.Packet) error {
	raws := make([]protocol.RawPacket, len(pks))
	for i, pk := range pks {
		raws[i] = packet.Encode(pk)
	}
	batch := protocol.EncodeBatch(raws...)
	return c.SendBatchThen(func() ([]byte, error) { return s.seal(c, batch) }, len(raws), then)
}

// seal compresses and encrypts one outbound batch according to what the
// connection has negotiated so far.
func (s *Server) seal(c *connection.Connection, batch []byte) ([]byte, error) {
	out := batch
	if comp, threshold := c.Compression(); comp != nil {
		algo := comp
		if len(batch) < threshold {
			algo = protocol.NoCompression{}
		}
		body, err := algo.Compress(batch)
		if err != nil {
			return nil, err
		}
		out = make([]byte, 0, len(body)+1)
		out = append(out, byte(algo.ID()))
		out = append(out, body...)
	}
	if c.Encrypted() {
		return s.auth.Encrypt(uint64(c.ID()), out)
	}
	return out, nil
}

func (s *Server) write(dgs [][]byte, addr netip.AddrPort) {
	if len(dgs) == 0 {
		return
	}
	s.mu.RLock()
	pc := s.conn
	s.mu.RUnlock()
	if pc == nil {
		return
	}
	to := net.UDPAddrFromAddrPort(addr)
	for _, dg := range dgs {
		if _, err := pc.WriteTo(dg, to); err != nil {
			s.metrics.WriteErrors.Inc()
			if !errors.Is(err, net.ErrClosed) {
				s.logger.Debug("udp write failed", "addr", addr, "err", err)
			}
			return
		}
		s.metrics.DatagramsOut.Inc()
		s.metrics.BytesOut.Add(int64(len(dg)))
	}
}

// teardown closes c exactly once. The registry removal decides which caller
// owns the teardown; everyone else returns immediately.
func (s *Server) teardown(c *connection.Connection, reason string, notify, fault bool) {
	if _, ok := s.conns.Remove(c.ID()); !ok {
		return
	}
	wasPlay := c.State() == state.Play
	if notify && !c.SessionClosed() {
		if err := s.sendPackets(c, &packet.Disconnect{Message: reason}); err != nil {
			s.logger.Debug("send disconnect", "id", c.ID(), "err", err)
		}
	}
	if fault {
		c.Machine().Fail()
		s.metrics.ForcedClosures.Inc()
	} else {
		_ = c.Machine().Fire(state.EventDisconnect)
	}
	now := time.Now()
	addr := c.Address()
	s.write(c.Flush(now), addr)
	s.write(c.CloseSession(now), addr)
	if !fault {
		_ = c.Machine().Fire(state.EventClosed)
	}
	s.finish(c, reason, wasPlay)
}

// evicted runs for connections CleanupInactive already removed.
func (s *Server) evicted(c *connection.Connection) {
	wasPlay := c.State() == state.Play
	_ = c.Machine().Fire(state.EventDisconnect)
	_ = c.Machine().Fire(state.EventClosed)
	s.metrics.Timeouts.Inc()
	s.finish(c, "Timed out", wasPlay)
}

func (s *Server) finish(c *connection.Connection, reason string, wasPlay bool) {
	s.auth.DropSession(uint64(c.ID()))
	s.metrics.ActiveConns.Dec()
	s.metrics.Disconnects.Inc()
	s.logger.Info("connection closed", "id", c.ID(), "addr", c.Address(), "reason", reason, "state", c.State())
	if wasPlay {
		s.handler.OnDisconnect(c.ID(), reason)
	}
}

func (s *Server) maintenance(ctx context.Context) error {
	tick := time.NewTicker(s.cfg.TickInterval)
	defer tick.Stop()
	cleanup := time.NewTicker(s.cfg.CleanupInterval)
	defer cleanup.Stop()
	rotate := time.NewTicker(defaultCookieRotation)
	defer rotate.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case now := <-tick.C:
			s.conns.Each(func(c *connection.Connection) {
				s.flushOutbox(c)
				s.write(c.Tick(now), c.Address())
			})
		case now := <-cleanup.C:
			s.cleanup(now)
		case <-rotate.C:
			if s.cookies != nil {
				if err := s.cookies.Rotate(); err != nil {
					s.logger.Error("rotate cookie secret", "err", err)
				}
			}
		}
	}
}

func (s *Server) cleanup(now time.Time) {
	if n := s.conns.CleanupInactive(now); n > 0 {
		s.logger.Debug("removed inactive connections", "count", n)
	}
	s.admission.Sweep()
	if s.cfg.EnableStats {
		if err := writeSnapshot(s.cfg.StatsPath, s.snapshot(now)); err != nil {
			s.metrics.SnapshotFailures.Inc()
			s.logger.Warn("write stats snapshot", "path", s.cfg.StatsPath, "err", err)
		}
	}
}

func (s *Server) metricsLoop(ctx context.Context) error {
	ticker := time.NewTicker(s.cfg.MetricsInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			s.logMetrics()
		}
	}
}

func (s *Server) snapshot(now time.Time) Snapshot {
	a := s.auth.Stats()
	return buildSnapshot(s.cfg.ListenAddr, s.metrics.totals(), SnapshotAuth{
		Total:          a.Total,
		Failures:       a.Failures,
		JavaSuccess:    a.JavaSuccess,
		BedrockSuccess: a.BedrockSuccess,
		ActiveSessions: a.ActiveSessions,
	}, s.conns.Snapshot(), now)
}

func (s *Server) advertisement() string {
	port := "19132"
	if addr, ok := s.Addr().(*net.UDPAddr); ok {
		port = strconv.Itoa(addr.Port)
	}
	return fmt.Sprintf("MCPE;%s;%d;%s;%d;%d;%d;%s;Survival;1;%s;%s;",
		s.cfg.MOTD, AdvertisedProtocol, AdvertisedVersion,
		s.conns.Len(), s.cfg.MaxConnections, uint64(s.guid), s.cfg.MOTD, port, port)
}

// Send queues p for connection id. It never blocks. Packets queued before the
// connection reaches play are held until it does.
func (s *Server) Send(id connection.ID, p protocol.RawPacket) error {
	c, ok := s.conns.Get(id)
	if !ok {
		return protocol.Errorf(protocol.KindConnection, "send", "unknown connection %d", id)
	}
	return c.Enqueue(p)
}

// Broadcast queues p on every active connection and returns how many
// accepted it.
func (s *Server) Broadcast(p protocol.RawPacket) int {
	return s.conns.Broadcast(p)
}

// Disconnect closes connection id, showing reason to the player.
func (s *Server) Disconnect(id connection.ID, reason string) error {
	c, ok := s.conns.Get(id)
	if !ok {
		return protocol.Errorf(protocol.KindConnection, "disconnect", "unknown connection %d", id)
	}
	s.teardown(c, reason, true, false)
	return nil
}

// ConnectionCount returns the number of registered connections.
func (s *Server) ConnectionCount() int { return s.conns.Len() }

// ConnectionStats returns the counters of one connection.
func (s *Server) ConnectionStats(id connection.ID) (connection.Stats, bool) {
	c, ok := s.conns.Get(id)
	if !ok {
		return connection.Stats{}, false
	}
	return c.Stats(), true
}

// Connections returns the counters of every connection.
func (s *Server) Connections() []connection.Stats { return s.conns.Snapshot() }

// Totals returns the server-wide counters.
func (s *Server) Totals() Totals { return s.metrics.totals() }

// AuthStats returns the authentication counters.
func (s *Server) AuthStats() auth.Stats { return s.auth.Stats() }
