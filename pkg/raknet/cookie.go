package raknet

import (
	"crypto/rand"
	"encoding/binary"
	"fmt"
	"net/netip"
	"sync"

	"golang.org/x/crypto/blake2s"
)

const cookieKeySize = 32

// CookieJar issues address-bound cookies for OpenConnectionReply1. A client
// must echo the cookie in OpenConnectionRequest2, which proves it can receive
// at the address it claims before the server allocates a session.
type CookieJar struct {
	mu       sync.RWMutex
	current  [cookieKeySize]byte
	previous [cookieKeySize]byte
	rotated  bool
}

// NewCookieJar creates a jar with a random secret.
func NewCookieJar() (*CookieJar, error) {
	j := &CookieJar{}
	if _, err := rand.Read(j.current[:]); err != nil {
		return nil, fmt.Errorf("cookie secret: %w", err)
	}
	return j, nil
}

// Rotate replaces the secret. Cookies minted with the previous secret stay
// valid until the next rotation.
func (j *CookieJar) Rotate() error {
	var next [cookieKeySize]byte
	if _, err := rand.Read(next[:]); err != nil {
		return fmt.Errorf("cookie secret: %w", err)
	}
	j.mu.Lock()
	j.previous = j.current
	j.current = next
	j.rotated = true
	j.mu.Unlock()
	return nil
}

// Issue returns the cookie for addr.
func (j *CookieJar) Issue(addr netip.AddrPort) uint32 {
	j.mu.RLock()
	key := j.current
	j.mu.RUnlock()
	return cookieFor(key, addr)
}

// Verify reports whether cookie was issued for addr under the current or
// previous secret.
func (j *CookieJar) Verify(addr netip.AddrPort, cookie uint32) bool {
	j.mu.RLock()
	cur, prev, rotated := j.current, j.previous, j.rotated
	j.mu.RUnlock()
	if cookieFor(cur, addr) == cookie {
		return true
	}
	return rotated && cookieFor(prev, addr) == cookie
}

func cookieFor(key [cookieKeySize]byte, addr netip.AddrPort) uint32 {
	h, err := blake2s.New128(key[:])
	if err != nil {
		// Only possible with a key longer than 32 bytes.
		panic(err)
	}
	b, _ := addr.MarshalBinary()
	h.Write(b)
	return binary.BigEndian.Uint32(h.Sum(nil))
}
