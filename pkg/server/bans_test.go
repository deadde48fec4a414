package server

import (
	"net/netip"
	"path/filepath"
	"testing"
)

func openTestBans(t *testing.T) *BanStore {
	t.Helper()
	b, err := OpenBanStore(filepath.Join(t.TempDir(), "bans.db"))
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	t.Cleanup(func() { b.Close() })
	return b
}

func TestBanStoreAddresses(t *testing.T) {
	b := openTestBans(t)
	addr := netip.MustParseAddr("203.0.113.7")
	if banned, _, err := b.IsBannedAddr(addr); err != nil || banned {
		t.Fatalf("fresh store: banned=%v err=%v", banned, err)
	}
	if err := b.BanAddr(netip.MustParseAddr("::ffff:203.0.113.7"), "spam"); err != nil {
		t.Fatalf("ban: %v", err)
	}
	banned, reason, err := b.IsBannedAddr(addr)
	if err != nil || !banned || reason != "spam" {
		t.Fatalf("mapped ban not matched: %v %q %v", banned, reason, err)
	}
	if banned, _, _ := b.IsBannedAddr(netip.MustParseAddr("203.0.113.8")); banned {
		t.Fatalf("neighbour banned")
	}
	n, err := b.Unban("203.0.113.7")
	if err != nil || n != 1 {
		t.Fatalf("unban: %d %v", n, err)
	}
	if banned, _, _ := b.IsBannedAddr(addr); banned {
		t.Fatalf("still banned after unban")
	}
}

func TestBanStoreNames(t *testing.T) {
	b := openTestBans(t)
	if err := b.BanName("", "x"); err == nil {
		t.Fatalf("empty name accepted")
	}
	if err := b.BanName("Griefer", "tnt"); err != nil {
		t.Fatalf("ban: %v", err)
	}
	if banned, reason, _ := b.IsBannedName("griefer"); !banned || reason != "tnt" {
		t.Fatalf("case-insensitive match failed: %v %q", banned, reason)
	}
	if banned, _, _ := b.IsBannedName(""); banned {
		t.Fatalf("empty name matched")
	}
	if err := b.BanAddr(netip.MustParseAddr("198.51.100.1"), "alt"); err != nil {
		t.Fatalf("ban addr: %v", err)
	}
	list, err := b.List()
	if err != nil || len(list) != 2 {
		t.Fatalf("list: %v %v", list, err)
	}
	if list[0].Name != "griefer" || list[1].Addr != "198.51.100.1" {
		t.Fatalf("list = %+v", list)
	}
	if n, _ := b.Unban("GRIEFER"); n != 1 {
		t.Fatalf("unban by name removed %d", n)
	}
}
