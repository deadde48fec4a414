package connection

import (
	"fmt"
	"net/netip"
	"sync"
	"time"

	"github.com/bridgefall/bedrockd/pkg/protocol"
	"github.com/bridgefall/bedrockd/pkg/state"
)

// Manager is the registry of live connections. The id and address indexes
// are updated together under one lock, so readers always see both agree.
type Manager struct {
	mu      sync.RWMutex
	byID    map[ID]*Connection
	byAddr  map[netip.AddrPort]ID
	nextID  uint64
	max     int
	onEvict func(*Connection)
}

// NewManager returns a registry holding at most max connections; max <= 0
// means unbounded. onEvict, when set, runs for every connection removed by
// CleanupInactive, after the registry lock is released.
func NewManager(max int, onEvict func(*Connection)) *Manager {
	return &Manager{
		byID:    make(map[ID]*Connection),
		byAddr:  make(map[netip.AddrPort]ID),
		max:     max,
		onEvict: onEvict,
	}
}

// Add registers c and assigns its id.
func (m *Manager) Add(c *Connection) (ID, error) {
	addr := c.Address()
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.max > 0 && len(m.byID) >= m.max {
		return 0, protocol.Errorf(protocol.KindConnection, "connection add", "capacity of %d reached", m.max)
	}
	if _, ok := m.byAddr[addr]; ok {
		return 0, protocol.Errorf(protocol.KindConnection, "connection add", "address %s already connected", addr)
	}
	m.nextID++
	c.id = ID(m.nextID)
	m.byID[c.id] = c
	m.byAddr[addr] = c.id
	m.checkLocked()
	return c.id, nil
}

// Remove unregisters id. Removing an unknown id reports false.
func (m *Manager) Remove(id ID) (*Connection, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.removeLocked(id)
}

func (m *Manager) removeLocked(id ID) (*Connection, bool) {
	c, ok := m.byID[id]
	if !ok {
		return nil, false
	}
	addr := c.Address()
	if m.byAddr[addr] != id {
		panic(fmt.Sprintf("connection: index divergence: id %d at %s maps to %d", id, addr, m.byAddr[addr]))
	}
	delete(m.byID, id)
	delete(m.byAddr, addr)
	m.checkLocked()
	return c, true
}

func (m *Manager) Get(id ID) (*Connection, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	c, ok := m.byID[id]
	return c, ok
}

func (m *Manager) GetByAddress(addr netip.AddrPort) (*Connection, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	id, ok := m.byAddr[addr]
	if !ok {
		return nil, false
	}
	c, ok := m.byID[id]
	if !ok {
		panic(fmt.Sprintf("connection: index divergence: %s maps to missing id %d", addr, id))
	}
	return c, true
}

// Rebind moves connection id to a new address. It is the only way an
// address changes.
func (m *Manager) Rebind(id ID, addr netip.AddrPort) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.byID[id]
	if !ok {
		return protocol.Errorf(protocol.KindConnection, "connection rebind", "unknown connection %d", id)
	}
	if other, taken := m.byAddr[addr]; taken {
		if other == id {
			return nil
		}
		return protocol.Errorf(protocol.KindConnection, "connection rebind", "address %s already connected", addr)
	}
	c.mu.Lock()
	old := c.addr
	c.addr = addr
	c.mu.Unlock()
	delete(m.byAddr, old)
	m.byAddr[addr] = id
	m.checkLocked()
	return nil
}

// Len returns the number of registered connections.
func (m *Manager) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.byID)
}

// list copies the live connections so callers can work on them without the
// registry lock.
func (m *Manager) list() []*Connection {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*Connection, 0, len(m.byID))
	for _, c := range m.byID {
		out = append(out, c)
	}
	return out
}

// Each calls fn for every connection registered at the time of the call.
func (m *Manager) Each(fn func(*Connection)) {
	for _, c := range m.list() {
		fn(c)
	}
}

// Broadcast queues p on every active connection and returns how many
// accepted it.
func (m *Manager) Broadcast(p protocol.RawPacket) int {
	n := 0
	for _, c := range m.list() {
		if !c.machine.IsActive() {
			continue
		}
		if c.Enqueue(p) == nil {
			n++
		}
	}
	return n
}

// InState returns the ids of connections currently in s.
func (m *Manager) InState(s state.State) []ID {
	var out []ID
	for _, c := range m.list() {
		if c.State() == s {
			out = append(out, c.id)
		}
	}
	return out
}

// Snapshot returns a stats copy of every connection.
func (m *Manager) Snapshot() []Stats {
	conns := m.list()
	out := make([]Stats, 0, len(conns))
	for _, c := range conns {
		out = append(out, c.Stats())
	}
	return out
}

// CleanupInactive removes connections whose session is no longer alive and
// returns how many it removed.
func (m *Manager) CleanupInactive(now time.Time) int {
	var dead []*Connection
	for _, c := range m.list() {
		if !c.Alive(now) {
			dead = append(dead, c)
		}
	}
	if len(dead) == 0 {
		return 0
	}
	removed := dead[:0]
	m.mu.Lock()
	for _, c := range dead {
		if cur, ok := m.byID[c.id]; ok && cur == c {
			m.removeLocked(c.id)
			removed = append(removed, c)
		}
	}
	m.mu.Unlock()
	if m.onEvict != nil {
		for _, c := range removed {
			m.onEvict(c)
		}
	}
	return len(removed)
}

func (m *Manager) checkLocked() {
	if len(m.byID) != len(m.byAddr) {
		panic(fmt.Sprintf("connection: index divergence: %d ids, %d addresses", len(m.byID), len(m.byAddr)))
	}
}
