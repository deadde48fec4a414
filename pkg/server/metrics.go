package server

import (
	"net/netip"
	"sync"
	"time"

	"github.com/bridgefall/bedrockd/pkg/commons/metrics"
)

const loginLatencySamples = 256

// DropReason captures why inbound data was discarded.
type DropReason string

const (
	DropRateLimit      DropReason = "rate_limit"
	DropBanned         DropReason = "banned"
	DropCapacity       DropReason = "capacity"
	DropStranger       DropReason = "stranger"
	DropOffline        DropReason = "offline_invalid"
	DropMalformed      DropReason = "malformed"
	DropDecrypt        DropReason = "decrypt_failure"
	DropDecompress     DropReason = "decompress_failure"
	DropStateViolation DropReason = "state_violation"
	DropPacketFlood    DropReason = "packet_flood"
	DropAuth           DropReason = "auth_failure"
)

// Metrics tracks server-wide counters. Per-connection counters live on the
// connection itself.
type Metrics struct {
	ActiveConns      metrics.Gauge
	Accepted         metrics.Counter
	Established      metrics.Counter
	Disconnects      metrics.Counter
	Timeouts         metrics.Counter
	ForcedClosures   metrics.Counter
	DatagramsIn      metrics.Counter
	DatagramsOut     metrics.Counter
	BytesIn          metrics.Counter
	BytesOut         metrics.Counter
	Pings            metrics.Counter
	DropRateLimit    metrics.Counter
	DropBanned       metrics.Counter
	DropCapacity     metrics.Counter
	DropStranger     metrics.Counter
	DropOffline      metrics.Counter
	DropMalformed    metrics.Counter
	DropDecrypt      metrics.Counter
	DropDecompress   metrics.Counter
	DropState        metrics.Counter
	DropPacketFlood  metrics.Counter
	DropAuth         metrics.Counter
	LoginLatency     *metrics.LatencySampler
	WriteErrors      metrics.Counter
	SnapshotFailures metrics.Counter
}

func newMetrics() *Metrics {
	return &Metrics{LoginLatency: metrics.NewLatencySampler(loginLatencySamples)}
}

func (m *Metrics) countDrop(reason DropReason) {
	switch reason {
	case DropRateLimit:
		m.DropRateLimit.Inc()
	case DropBanned:
		m.DropBanned.Inc()
	case DropCapacity:
		m.DropCapacity.Inc()
	case DropStranger:
		m.DropStranger.Inc()
	case DropOffline:
		m.DropOffline.Inc()
	case DropMalformed:
		m.DropMalformed.Inc()
	case DropDecrypt:
		m.DropDecrypt.Inc()
	case DropDecompress:
		m.DropDecompress.Inc()
	case DropStateViolation:
		m.DropState.Inc()
	case DropPacketFlood:
		m.DropPacketFlood.Inc()
	case DropAuth:
		m.DropAuth.Inc()
	}
}

// Totals is a copy of the server-wide counters.
type Totals struct {
	Active       int64
	Accepted     int64
	Established  int64
	Disconnects  int64
	Timeouts     int64
	Forced       int64
	DatagramsIn  int64
	DatagramsOut int64
	BytesIn      int64
	BytesOut     int64
	Drops        map[DropReason]int64
	LoginP95     time.Duration
	LoginP99     time.Duration
}

func (m *Metrics) totals() Totals {
	q := m.LoginLatency.Quantiles(0.95, 0.99)
	return Totals{
		Active:       m.ActiveConns.Load(),
		Accepted:     m.Accepted.Load(),
		Established:  m.Established.Load(),
		Disconnects:  m.Disconnects.Load(),
		Timeouts:     m.Timeouts.Load(),
		Forced:       m.ForcedClosures.Load(),
		DatagramsIn:  m.DatagramsIn.Load(),
		DatagramsOut: m.DatagramsOut.Load(),
		BytesIn:      m.BytesIn.Load(),
		BytesOut:     m.BytesOut.Load(),
		Drops: map[DropReason]int64{
			DropRateLimit:      m.DropRateLimit.Load(),
			DropBanned:         m.DropBanned.Load(),
			DropCapacity:       m.DropCapacity.Load(),
			DropStranger:       m.DropStranger.Load(),
			DropOffline:        m.DropOffline.Load(),
			DropMalformed:      m.DropMalformed.Load(),
			DropDecrypt:        m.DropDecrypt.Load(),
			DropDecompress:     m.DropDecompress.Load(),
			DropStateViolation: m.DropState.Load(),
			DropPacketFlood:    m.DropPacketFlood.Load(),
			DropAuth:           m.DropAuth.Load(),
		},
		LoginP95: q[0.95],
		LoginP99: q[0.99],
	}
}

func (s *Server) logMetrics() {
	t := s.metrics.totals()
	auth := s.auth.Stats()
	s.logger.Info("server metrics",
		"active", t.Active,
		"accepted", t.Accepted,
		"established", t.Established,
		"disconnects", t.Disconnects,
		"timeouts", t.Timeouts,
		"forced", t.Forced,
		"dg_in", t.DatagramsIn,
		"dg_out", t.DatagramsOut,
		"bytes_in", t.BytesIn,
		"bytes_out", t.BytesOut,
		"drop_rate_limit", t.Drops[DropRateLimit],
		"drop_banned", t.Drops[DropBanned],
		"drop_capacity", t.Drops[DropCapacity],
		"drop_malformed", t.Drops[DropMalformed],
		"drop_decrypt", t.Drops[DropDecrypt],
		"drop_state", t.Drops[DropStateViolation],
		"drop_flood", t.Drops[DropPacketFlood],
		"auth_ok", auth.JavaSuccess+auth.BedrockSuccess,
		"auth_fail", auth.Failures,
		"login_p95", t.LoginP95,
		"login_p99", t.LoginP99,
	)
}

func (s *Server) logDrop(reason DropReason, addr netip.AddrPort, msg string, args ...any) {
	s.metrics.countDrop(reason)
	ok, suppressed := s.logLimiter.Allow(reason, time.Now())
	if !ok {
		return
	}
	attrs := append([]any{"reason", reason, "addr", addr}, args...)
	if suppressed > 0 {
		attrs = append(attrs, "suppressed", suppressed)
	}
	s.logger.Warn(msg, attrs...)
}

// logLimiter lets one drop line per reason through each interval and counts
// the lines it swallowed in between.
type logLimiter struct {
	interval time.Duration
	mu       sync.Mutex
	last     map[DropReason]time.Time
	skipped  map[DropReason]int
}

func newLogLimiter(interval time.Duration) *logLimiter {
	if interval <= 0 {
		interval = 10 * time.Second
	}
	return &logLimiter{
		interval: interval,
		last:     make(map[DropReason]time.Time),
		skipped:  make(map[DropReason]int),
	}
}

// Allow reports whether a line for reason may be logged at now, and how many
// were suppressed since the previous one.
func (l *logLimiter) Allow(reason DropReason, now time.Time) (bool, int) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if last, ok := l.last[reason]; ok && now.Sub(last) < l.interval {
		l.skipped[reason]++
		return false, 0
	}
	l.last[reason] = now
	n := l.skipped[reason]
	delete(l.skipped, reason)
	return true, n
}
