package auth

import (
	"crypto/cipher"
	"crypto/sha256"
	"encoding/binary"
	"fmt"
	"io"
	"sync"

	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/hkdf"

	"github.com/bridgefall/bedrockd/internal/window"
	"github.com/bridgefall/bedrockd/pkg/protocol"
)

// Role selects which direction key a Cipher sends with.
type Role uint8

const (
	RoleServer Role = iota
	RoleClient
)

const (
	counterSize = 8
	// RejectAfterMessages bounds the counter space of one session.
	RejectAfterMessages = uint64(1) << 60
)

// Cipher is one encryption session: ChaCha20-Poly1305 per direction, a
// 64-bit send counter carried in clear in front of every record, and a
// sliding receive window rejecting replays.
type Cipher struct {
	mu      sync.Mutex
	send    cipher.AEAD
	recv    cipher.AEAD
	sendKey [chacha20poly1305.KeySize]byte
	recvKey [chacha20poly1305.KeySize]byte
	counter uint64
	replay  window.Window
	zeroed  bool
}

// NewCipher derives both direction keys from secret with HKDF-SHA256 using
// the salt and a family specific label.
func NewCipher(secret SharedSecret, family Family, role Role) (*Cipher, error) {
	if len(secret.Key) == 0 {
		return nil, protocol.Errorf(protocol.KindEncryption, "new cipher", "empty shared secret")
	}
	var c2s, s2c [chacha20poly1305.KeySize]byte
	r := hkdf.New(sha256.New, secret.Key, secret.Salt, []byte(family.label()))
	if _, err := io.ReadFull(r, c2s[:]); err != nil {
		return nil, protocol.Wrap(protocol.KindEncryption, "new cipher", err)
	}
	if _, err := io.ReadFull(r, s2c[:]); err != nil {
		return nil, protocol.Wrap(protocol.KindEncryption, "new cipher", err)
	}
	c := &Cipher{}
	if role == RoleServer {
		c.sendKey, c.recvKey = s2c, c2s
	} else {
		c.sendKey, c.recvKey = c2s, s2c
	}
	clear(c2s[:])
	clear(s2c[:])
	var err error
	if c.send, err = chacha20poly1305.New(c.sendKey[:]); err != nil {
		return nil, protocol.Wrap(protocol.KindEncryption, "new cipher", err)
	}
	if c.recv, err = chacha20poly1305.New(c.recvKey[:]); err != nil {
		return nil, protocol.Wrap(protocol.KindEncryption, "new cipher", err)
	}
	return c, nil
}

func nonceFor(counter uint64) [chacha20poly1305.NonceSize]byte {
	var nonce [chacha20poly1305.NonceSize]byte
	binary.LittleEndian.PutUint64(nonce[4:], counter)
	return nonce
}

// Seal encrypts plaintext into counter || ciphertext || tag.
func (c *Cipher) Seal(plaintext []byte) ([]byte, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.zeroed {
		return nil, protocol.Errorf(protocol.KindEncryption, "encrypt", "session dropped")
	}
	if c.counter >= RejectAfterMessages {
		return nil, protocol.Errorf(protocol.KindEncryption, "encrypt", "counter exhausted")
	}
	counter := c.counter
	c.counter++
	out := make([]byte, counterSize, counterSize+len(plaintext)+chacha20poly1305.Overhead)
	binary.LittleEndian.PutUint64(out, counter)
	nonce := nonceFor(counter)
	return c.send.Seal(out, nonce[:], plaintext, out[:counterSize]), nil
}

// Open authenticates and decrypts a record produced by the peer's Seal.
func (c *Cipher) Open(record []byte) ([]byte, error) {
	if len(record) < counterSize+chacha20poly1305.Overhead {
		return nil, protocol.Errorf(protocol.KindEncryption, "decrypt", "record of %d bytes too short", len(record))
	}
	counter := binary.LittleEndian.Uint64(record[:counterSize])
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.zeroed {
		return nil, protocol.Errorf(protocol.KindEncryption, "decrypt", "session dropped")
	}
	if counter >= RejectAfterMessages || c.replay.Seen(counter) {
		return nil, protocol.Errorf(protocol.KindEncryption, "decrypt", "replayed counter %d", counter)
	}
	nonce := nonceFor(counter)
	plain, err := c.recv.Open(nil, nonce[:], record[counterSize:], record[:counterSize])
	if err != nil {
		return nil, protocol.Wrap(protocol.KindEncryption, "decrypt", fmt.Errorf("counter %d: %w", counter, err))
	}
	c.replay.Accept(counter, RejectAfterMessages)
	return plain, nil
}

// Zero wipes the key material. The AEAD instances keep an internal copy
// that cannot be reached, so they are released for collection instead.
func (c *Cipher) Zero() {
	c.mu.Lock()
	defer c.mu.Unlock()
	clear(c.sendKey[:])
	clear(c.recvKey[:])
	c.send = nil
	c.recv = nil
	c.replay.Reset()
	c.zeroed = true
}
