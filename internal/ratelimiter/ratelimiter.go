// Package ratelimiter throttles per-source-IP packet rates for traffic that
// arrives before a connection exists.
package ratelimiter

import (
	"net/netip"
	"sync"
	"time"
)

const (
	defaultPacketsPerSecond = 20
	defaultPacketsBurstable = 5
	idleEvictAfter          = time.Second
)

type entry struct {
	mu       sync.Mutex
	lastTime time.Time
	tokens   int64
}

// Limiter is a token bucket per source address. Tokens are measured in
// nanoseconds of credit so refill needs no floating point.
type Limiter struct {
	mu         sync.RWMutex
	now        func() time.Time
	table      map[netip.Addr]*entry
	packetCost int64
	maxTokens  int64
}

// New builds a limiter admitting pps packets per second with the given burst.
// Non-positive values select the defaults.
func New(pps, burst int) *Limiter {
	if pps <= 0 {
		pps = defaultPacketsPerSecond
	}
	if burst <= 0 {
		burst = defaultPacketsBurstable
	}
	cost := int64(time.Second / time.Duration(pps))
	return &Limiter{
		now:        time.Now,
		table:      make(map[netip.Addr]*entry),
		packetCost: cost,
		maxTokens:  cost * int64(burst),
	}
}

// SetClock replaces the time source; used by tests.
func (l *Limiter) SetClock(now func() time.Time) {
	l.mu.Lock()
	l.now = now
	l.mu.Unlock()
}

// Allow consumes one packet of credit for ip and reports whether it fit.
func (l *Limiter) Allow(ip netip.Addr) bool {
	ip = ip.Unmap()
	l.mu.RLock()
	e := l.table[ip]
	now := l.now()
	l.mu.RUnlock()

	if e == nil {
		l.mu.Lock()
		if e = l.table[ip]; e == nil {
			l.table[ip] = &entry{lastTime: now, tokens: l.maxTokens - l.packetCost}
			l.mu.Unlock()
			return true
		}
		l.mu.Unlock()
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	e.tokens += now.Sub(e.lastTime).Nanoseconds()
	e.lastTime = now
	if e.tokens > l.maxTokens {
		e.tokens = l.maxTokens
	}
	if e.tokens >= l.packetCost {
		e.tokens -= l.packetCost
		return true
	}
	return false
}

// Sweep drops buckets idle for longer than a second and returns how many
// remain. It is called from the server maintenance loop.
func (l *Limiter) Sweep() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	now := l.now()
	for ip, e := range l.table {
		e.mu.Lock()
		if now.Sub(e.lastTime) > idleEvictAfter {
			delete(l.table, ip)
		}
		e.mu.Unlock()
	}
	return len(l.table)
}
