package connection

import (
	"errors"
	"fmt"
	"math/rand"
	"net/netip"
	"sync"
	"testing"
	"time"

	"github.com/bridgefall/bedrockd/pkg/auth"
	"github.com/bridgefall/bedrockd/pkg/protocol"
	"github.com/bridgefall/bedrockd/pkg/state"
)

var epoch = time.Unix(1700000000, 0)

func addrN(n int) netip.AddrPort {
	return netip.AddrPortFrom(netip.AddrFrom4([4]byte{10, 0, byte(n >> 8), byte(n)}), 19132)
}

func newConn(n int) *Connection {
	return New(addrN(n), Options{MTU: 1400, Timeout: 10 * time.Second}, epoch)
}

func checkConsistent(t *testing.T, m *Manager) {
	t.Helper()
	m.mu.RLock()
	defer m.mu.RUnlock()
	if len(m.byID) != len(m.byAddr) {
		t.Fatalf("index sizes differ: %d ids, %d addresses", len(m.byID), len(m.byAddr))
	}
	for id, c := range m.byID {
		if got := m.byAddr[c.addr]; got != id {
			t.Fatalf("id %d at %s maps back to %d", id, c.addr, got)
		}
	}
}

func TestManagerRandomOperationsStayConsistent(t *testing.T) {
	m := NewManager(0, nil)
	rng := rand.New(rand.NewSource(1))
	live := map[ID]bool{}
	for i := 0; i < 2000; i++ {
		if rng.Intn(3) > 0 {
			_, _ = m.Add(newConn(rng.Intn(300)))
		} else if len(live) > 0 {
			for id := range live {
				if _, ok := m.Remove(id); !ok {
					t.Fatalf("remove %d failed", id)
				}
				break
			}
		}
		live = map[ID]bool{}
		for _, st := range m.Snapshot() {
			live[st.ID] = true
		}
		checkConsistent(t, m)
	}
}

func TestManagerAddRules(t *testing.T) {
	m := NewManager(2, nil)
	a, b := newConn(1), newConn(2)
	idA, err := m.Add(a)
	if err != nil {
		t.Fatalf("add: %v", err)
	}
	if _, err := m.Add(newConn(1)); !errors.Is(err, protocol.ErrConnection) {
		t.Fatalf("duplicate address accepted: %v", err)
	}
	idB, err := m.Add(b)
	if err != nil {
		t.Fatalf("add: %v", err)
	}
	if idA == idB || idA == 0 {
		t.Fatalf("ids not unique: %d %d", idA, idB)
	}
	if _, err := m.Add(newConn(3)); !errors.Is(err, protocol.ErrConnection) {
		t.Fatalf("capacity not enforced: %v", err)
	}
	if c, ok := m.GetByAddress(addrN(2)); !ok || c != b {
		t.Fatalf("lookup by address failed")
	}
	if c, ok := m.Get(idA); !ok || c != a {
		t.Fatalf("lookup by id failed")
	}

	if _, ok := m.Remove(idA); !ok {
		t.Fatalf("remove failed")
	}
	if _, ok := m.Remove(idA); ok {
		t.Fatalf("second remove reported success")
	}
	if _, ok := m.GetByAddress(addrN(1)); ok {
		t.Fatalf("removed address still indexed")
	}
	idC, err := m.Add(newConn(1))
	if err != nil {
		t.Fatalf("re-add after remove: %v", err)
	}
	if idC == idA {
		t.Fatalf("id %d reused", idA)
	}
}

func TestManagerRebind(t *testing.T) {
	m := NewManager(0, nil)
	id, _ := m.Add(newConn(1))
	other, _ := m.Add(newConn(2))
	if err := m.Rebind(id, addrN(2)); !errors.Is(err, protocol.ErrConnection) {
		t.Fatalf("rebind onto a taken address: %v", err)
	}
	if err := m.Rebind(id, addrN(9)); err != nil {
		t.Fatalf("rebind: %v", err)
	}
	c, ok := m.GetByAddress(addrN(9))
	if !ok || c.ID() != id || c.Address() != addrN(9) {
		t.Fatalf("rebind not visible")
	}
	if _, ok := m.GetByAddress(addrN(1)); ok {
		t.Fatalf("old address still indexed")
	}
	if err := m.Rebind(ID(999), addrN(10)); err == nil {
		t.Fatalf("rebind of unknown id succeeded")
	}
	if c, _ := m.Get(other); c.Address() != addrN(2) {
		t.Fatalf("other connection moved")
	}
	checkConsistent(t, m)
}

func TestBroadcastTargetsActiveOnly(t *testing.T) {
	m := NewManager(0, nil)
	conns := make([]*Connection, 4)
	for i := range conns {
		conns[i] = newConn(i)
		if _, err := m.Add(conns[i]); err != nil {
			t.Fatalf("add: %v", err)
		}
	}
	// 0 stays handshaking, 1 in login, 2 in play, 3 disconnecting.
	_ = conns[1].Machine().Transition(state.Login)
	_ = conns[2].Machine().Transition(state.Login)
	_ = conns[2].Machine().Transition(state.Play)
	_ = conns[3].Machine().Transition(state.Disconnecting)

	p := protocol.NewRawPacket(0x09, []byte("hi"), protocol.Clientbound)
	if n := m.Broadcast(p); n != 2 {
		t.Fatalf("broadcast reached %d connections, want 2", n)
	}
	for i, c := range conns {
		got := len(c.TakeOutbox())
		want := 0
		if i == 1 || i == 2 {
			want = 1
		}
		if got != want {
			t.Fatalf("connection %d queued %d packets, want %d", i, got, want)
		}
	}

	if ids := m.InState(state.Play); len(ids) != 1 || ids[0] != conns[2].ID() {
		t.Fatalf("InState(Play) = %v", ids)
	}
	if ids := m.InState(state.Handshaking); len(ids) != 1 {
		t.Fatalf("InState(Handshaking) = %v", ids)
	}
}

func TestCleanupInactive(t *testing.T) {
	var evicted []ID
	m := NewManager(0, func(c *Connection) { evicted = append(evicted, c.ID()) })
	stale, fresh := newConn(1), newConn(2)
	staleID, _ := m.Add(stale)
	freshID, _ := m.Add(fresh)

	now := epoch.Add(9 * time.Second)
	if _, err := fresh.Receive([]byte{0xc0, 0, 0}, now); err != nil {
		t.Fatalf("receive: %v", err)
	}
	if n := m.CleanupInactive(epoch.Add(11 * time.Second)); n != 1 {
		t.Fatalf("removed %d, want 1", n)
	}
	if len(evicted) != 1 || evicted[0] != staleID {
		t.Fatalf("evicted %v, want [%d]", evicted, staleID)
	}
	if _, ok := m.Get(staleID); ok {
		t.Fatalf("stale connection still registered")
	}
	if _, ok := m.Get(freshID); !ok {
		t.Fatalf("fresh connection removed")
	}
	checkConsistent(t, m)
}

func TestConcurrentAccess(t *testing.T) {
	m := NewManager(0, nil)
	var wg sync.WaitGroup
	for w := 0; w < 8; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < 200; i++ {
				c := newConn(w*1000 + i)
				id, err := m.Add(c)
				if err != nil {
					t.Errorf("add: %v", err)
					return
				}
				if got, ok := m.GetByAddress(c.Address()); !ok || got.ID() != id {
					t.Errorf("lookup mismatch for %d", id)
					return
				}
				m.Broadcast(protocol.NewRawPacket(1, nil, protocol.Clientbound))
				if i%2 == 0 {
					m.Remove(id)
				}
			}
		}(w)
	}
	wg.Wait()
	if m.Len() != 8*100 {
		t.Fatalf("len = %d, want %d", m.Len(), 8*100)
	}
	checkConsistent(t, m)
}

func TestAttachProfileOnce(t *testing.T) {
	c := newConn(1)
	if _, ok := c.Profile(); ok {
		t.Fatalf("fresh connection has a profile")
	}
	if err := c.AttachProfile(auth.Profile{Name: "Steve"}); err != nil {
		t.Fatalf("attach: %v", err)
	}
	if err := c.AttachProfile(auth.Profile{Name: "Alex"}); !errors.Is(err, protocol.ErrInvalidPacket) {
		t.Fatalf("second attach: %v", err)
	}
	if p, _ := c.Profile(); p.Name != "Steve" {
		t.Fatalf("profile replaced by %q", p.Name)
	}
	if st := c.Stats(); st.Name != "Steve" {
		t.Fatalf("stats name %q", st.Name)
	}
}

func TestErrorBudget(t *testing.T) {
	c := New(addrN(1), Options{MaxErrors: 3}, epoch)
	for i := 1; i <= 3; i++ {
		exceeded := c.RecordError(fmt.Sprintf("bad %d", i))
		if exceeded != (i == 3) {
			t.Fatalf("error %d: exceeded=%v", i, exceeded)
		}
	}
	st := c.Stats()
	if st.Errors != 3 || st.LastFailure != "bad 3" {
		t.Fatalf("stats = %+v", st)
	}
}

func TestPacketRateLimit(t *testing.T) {
	c := New(addrN(1), Options{PacketRate: 10, PacketBurst: 5}, epoch)
	allowed := 0
	for i := 0; i < 20; i++ {
		if c.AllowPacket(epoch) {
			allowed++
		}
	}
	if allowed != 5 {
		t.Fatalf("allowed %d packets in one instant, want the burst of 5", allowed)
	}
	if !c.AllowPacket(epoch.Add(time.Second)) {
		t.Fatalf("limit did not refill")
	}
	if c.Stats().Dropped != 15 {
		t.Fatalf("dropped = %d", c.Stats().Dropped)
	}
}

func TestOutbox(t *testing.T) {
	c := New(addrN(1), Options{MaxOutbox: 2}, epoch)
	p := protocol.NewRawPacket(1, nil, protocol.Clientbound)
	if err := c.Enqueue(p); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	_ = c.Enqueue(p)
	if err := c.Enqueue(p); !errors.Is(err, protocol.ErrBufferOverflow) {
		t.Fatalf("full outbox: %v", err)
	}
	if got := len(c.TakeOutbox()); got != 2 {
		t.Fatalf("took %d", got)
	}
	c.Machine().Fail()
	if err := c.Enqueue(p); !errors.Is(err, protocol.ErrConnection) {
		t.Fatalf("enqueue on failed connection: %v", err)
	}
}

func TestSendBatchThenOrdersSwitch(t *testing.T) {
	c := newConn(1)
	release := make(chan struct{})
	started := make(chan struct{})
	done := make(chan error, 1)
	go func() {
		done <- c.SendBatchThen(func() ([]byte, error) { return []byte("clear"), nil }, 1, func() error {
			close(started)
			<-release
			c.SetEncrypted()
			return nil
		})
	}()
	<-started

	sawEncrypted := make(chan bool, 1)
	go func() {
		_ = c.SendBatch(func() ([]byte, error) {
			sawEncrypted <- c.Encrypted()
			return []byte("next"), nil
		}, 1)
	}()
	select {
	case <-sawEncrypted:
		t.Fatalf("second batch sealed before the switch completed")
	case <-time.After(50 * time.Millisecond):
	}
	close(release)
	if err := <-done; err != nil {
		t.Fatalf("send then: %v", err)
	}
	if !<-sawEncrypted {
		t.Fatalf("second batch sealed without encryption")
	}

	want := errors.New("switch failed")
	err := c.SendBatchThen(func() ([]byte, error) { return nil, nil }, 0, func() error { return want })
	if !errors.Is(err, want) {
		t.Fatalf("then error: %v", err)
	}
}

func TestDecodeBatchKeepsPartialTail(t *testing.T) {
	c := newConn(1)
	batch := protocol.EncodeBatch(
		protocol.NewRawPacket(0x13, []byte{1, 2, 3}, protocol.Serverbound),
		protocol.NewRawPacket(0x09, []byte("hello"), protocol.Serverbound),
	)
	pks, err := c.DecodeBatch(batch[:len(batch)-2])
	if err != nil || len(pks) != 1 {
		t.Fatalf("first part: %d packets, %v", len(pks), err)
	}
	pks, err = c.DecodeBatch(batch[len(batch)-2:])
	if err != nil || len(pks) != 1 || string(pks[0].Payload) != "hello" {
		t.Fatalf("second part: %v, %v", pks, err)
	}
	if c.Stats().PacketsIn != 2 {
		t.Fatalf("packets in = %d", c.Stats().PacketsIn)
	}
}
