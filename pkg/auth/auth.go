// Package auth validates client identities and owns the per-connection
// encryption sessions.
//
// Both protocol families converge on Profile, so callers above this package
// never branch on the family once authentication succeeded.
package auth

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/bridgefall/bedrockd/pkg/commons/metrics"
	"github.com/bridgefall/bedrockd/pkg/protocol"
)

// Family is the protocol family that produced a Profile.
type Family uint8

const (
	// FamilyJava is the TCP oriented family with offline capable logins.
	FamilyJava Family = iota + 1
	// FamilyBedrock is the RakNet family with signed identity chains.
	FamilyBedrock
)

func (f Family) String() string {
	switch f {
	case FamilyJava:
		return "java"
	case FamilyBedrock:
		return "bedrock"
	default:
		return fmt.Sprintf("family(%d)", uint8(f))
	}
}

// label separates the key schedules of the two families.
func (f Family) label() string {
	return "bedrockd " + f.String() + " session"
}

// Profile is the validated identity of one session. It is attached to a
// connection once and never replaced.
type Profile struct {
	UUID   uuid.UUID
	Name   string
	XUID   string
	Family Family
	// Authenticated is false for offline or self-signed identities accepted
	// in permissive mode.
	Authenticated bool
	// IdentityKey is the client key used for the Bedrock key exchange.
	IdentityKey *ecdsa.PublicKey
	// Skin is the validated skin geometry when the client sent one.
	SkinWidth  int
	SkinHeight int
}

// Config controls the authentication service.
type Config struct {
	// OnlineMode requires identities to chain to TrustedRootKey (Bedrock) or
	// to pass JavaVerifier (Java).
	OnlineMode bool
	// TrustedRootKey is the base64 DER root key of the Bedrock chain.
	// Empty selects MojangRootKey.
	TrustedRootKey string
	JavaVerifier   JavaVerifier
	TokenLength    int
	TokenCacheSize int
	// ClockSkew is the leeway applied to token expiry checks.
	ClockSkew time.Duration
	Now       func() time.Time
	Logger    *slog.Logger
}

// Stats is a read-only snapshot of the authentication counters.
type Stats struct {
	Total           int64
	Failures        int64
	JavaSuccess     int64
	BedrockSuccess  int64
	Authenticated   int64
	Offline         int64
	ActiveSessions  int
	TokensIssued    int64
	TokensConsumed  int64
	SessionsDropped int64
}

type counters struct {
	total           metrics.Counter
	failures        metrics.Counter
	javaSuccess     metrics.Counter
	bedrockSuccess  metrics.Counter
	authenticated   metrics.Counter
	offline         metrics.Counter
	tokensIssued    metrics.Counter
	tokensConsumed  metrics.Counter
	sessionsDropped metrics.Counter
}

// Service authenticates clients and holds their encryption sessions keyed by
// connection id. Safe for concurrent use.
type Service struct {
	online      bool
	rootKey     *ecdsa.PublicKey
	rootKeyText string
	verifier    JavaVerifier
	serverKey   *ecdsa.PrivateKey
	skew        time.Duration
	now         func() time.Time
	logger      *slog.Logger
	tokens      *tokenCache
	tokenLength int

	mu       sync.RWMutex
	sessions map[uint64]*Cipher

	stats counters
}

// NewService validates cfg and generates the server P-384 key.
func NewService(cfg Config) (*Service, error) {
	rootText := cfg.TrustedRootKey
	if rootText == "" {
		rootText = MojangRootKey
	}
	root, err := ParsePublicKey(rootText)
	if err != nil {
		return nil, fmt.Errorf("trusted root key: %w", err)
	}
	serverKey, err := ecdsa.GenerateKey(elliptic.P384(), rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("generate server key: %w", err)
	}
	tokenLength := cfg.TokenLength
	if tokenLength <= 0 {
		tokenLength = DefaultTokenLength
	}
	skew := cfg.ClockSkew
	if skew <= 0 {
		skew = time.Minute
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		online:      cfg.OnlineMode,
		rootKey:     root,
		rootKeyText: rootText,
		verifier:    cfg.JavaVerifier,
		serverKey:   serverKey,
		skew:        skew,
		now:         now,
		logger:      logger,
		tokens:      newTokenCache(cfg.TokenCacheSize),
		tokenLength: tokenLength,
		sessions:    make(map[uint64]*Cipher),
	}, nil
}

// OnlineMode reports whether unauthenticated identities are refused.
func (s *Service) OnlineMode() bool { return s.online }

// Authenticate validates the credentials of family and returns the resulting
// profile. It does not touch any connection state.
func (s *Service) Authenticate(family Family, data []byte) (Profile, error) {
	s.stats.total.Inc()
	var (
		p   Profile
		err error
	)
	switch family {
	case FamilyJava:
		p, err = s.authenticateJava(data)
	case FamilyBedrock:
		p, err = s.authenticateBedrock(data)
	default:
		err = protocol.Errorf(protocol.KindUnsupportedOperation, "authenticate", "unknown family %d", uint8(family))
	}
	if err != nil {
		s.stats.failures.Inc()
		s.logger.Debug("authentication failed", "family", family.String(), "err", err)
		return Profile{}, err
	}
	switch family {
	case FamilyJava:
		s.stats.javaSuccess.Inc()
	case FamilyBedrock:
		s.stats.bedrockSuccess.Inc()
	}
	if p.Authenticated {
		s.stats.authenticated.Inc()
	} else {
		s.stats.offline.Inc()
	}
	return p, nil
}

// Stats returns a snapshot of the counters.
func (s *Service) Stats() Stats {
	s.mu.RLock()
	active := len(s.sessions)
	s.mu.RUnlock()
	return Stats{
		Total:           s.stats.total.Load(),
		Failures:        s.stats.failures.Load(),
		JavaSuccess:     s.stats.javaSuccess.Load(),
		BedrockSuccess:  s.stats.bedrockSuccess.Load(),
		Authenticated:   s.stats.authenticated.Load(),
		Offline:         s.stats.offline.Load(),
		ActiveSessions:  active,
		TokensIssued:    s.stats.tokensIssued.Load(),
		TokensConsumed:  s.stats.tokensConsumed.Load(),
		SessionsDropped: s.stats.sessionsDropped.Load(),
	}
}

// EnableEncryption installs the server side cipher for connection id. A
// second call for the same id fails; keys are never silently replaced.
func (s *Service) EnableEncryption(id uint64, family Family, secret SharedSecret) error {
	c, err := NewCipher(secret, family, RoleServer)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.sessions[id]; ok {
		c.Zero()
		return protocol.Errorf(protocol.KindEncryption, "enable encryption", "connection %d already encrypted", id)
	}
	s.sessions[id] = c
	return nil
}

// Encrypted reports whether connection id has a session.
func (s *Service) Encrypted(id uint64) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.sessions[id]
	return ok
}

func (s *Service) session(op string, id uint64) (*Cipher, error) {
	s.mu.RLock()
	c := s.sessions[id]
	s.mu.RUnlock()
	if c == nil {
		return nil, protocol.Errorf(protocol.KindEncryption, op, "no encryption session for connection %d", id)
	}
	return c, nil
}

// Encrypt seals b for connection id.
func (s *Service) Encrypt(id uint64, b []byte) ([]byte, error) {
	c, err := s.session("encrypt", id)
	if err != nil {
		return nil, err
	}
	return c.Seal(b)
}

// Decrypt opens b from connection id.
func (s *Service) Decrypt(id uint64, b []byte) ([]byte, error) {
	c, err := s.session("decrypt", id)
	if err != nil {
		return nil, err
	}
	return c.Open(b)
}

// DropSession zeroes and forgets the session of connection id. Dropping a
// missing session is a no-op.
func (s *Service) DropSession(id uint64) bool {
	s.mu.Lock()
	c := s.sessions[id]
	delete(s.sessions, id)
	s.mu.Unlock()
	if c == nil {
		return false
	}
	c.Zero()
	s.stats.sessionsDropped.Inc()
	return true
}
