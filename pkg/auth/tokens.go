package auth

import (
	"container/list"
	"crypto/rand"
	"errors"
	"sync"
)

// DefaultTokenLength is the verify token size used when none is configured.
const DefaultTokenLength = 4

const tokenAttempts = 16

// tokenCache remembers issued verify tokens, oldest evicted first.
type tokenCache struct {
	mu       sync.Mutex
	capacity int
	entries  map[string]*list.Element
	order    *list.List
}

func newTokenCache(capacity int) *tokenCache {
	if capacity <= 0 {
		capacity = 4096
	}
	return &tokenCache{
		capacity: capacity,
		entries:  make(map[string]*list.Element, capacity),
		order:    list.New(),
	}
}

// Issue records key and reports false when it is already outstanding.
func (c *tokenCache) Issue(key string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.entries[key]; ok {
		return false
	}
	c.entries[key] = c.order.PushFront(key)
	for c.order.Len() > c.capacity {
		back := c.order.Back()
		delete(c.entries, back.Value.(string))
		c.order.Remove(back)
	}
	return true
}

// Consume removes key and reports whether it was outstanding.
func (c *tokenCache) Consume(key string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	elem, ok := c.entries[key]
	if !ok {
		return false
	}
	delete(c.entries, key)
	c.order.Remove(elem)
	return true
}

func (c *tokenCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.order.Len()
}

// GenerateVerifyToken returns a fresh random token of the configured length
// that is not currently outstanding.
func (s *Service) GenerateVerifyToken() ([]byte, error) {
	for i := 0; i < tokenAttempts; i++ {
		tok := make([]byte, s.tokenLength)
		if _, err := rand.Read(tok); err != nil {
			return nil, err
		}
		if s.tokens.Issue(string(tok)) {
			s.stats.tokensIssued.Inc()
			return tok, nil
		}
	}
	return nil, errors.New("verify token space exhausted")
}

// ConsumeVerifyToken accepts an issued token exactly once.
func (s *Service) ConsumeVerifyToken(tok []byte) bool {
	if !s.tokens.Consume(string(tok)) {
		return false
	}
	s.stats.tokensConsumed.Inc()
	return true
}
