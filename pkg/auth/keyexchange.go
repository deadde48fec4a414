package auth

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"encoding/base64"
	"errors"
	"fmt"

	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/crypto/curve25519"

	"github.com/bridgefall/bedrockd/pkg/protocol"
)

// SaltSize is the length of the handshake salt.
const SaltSize = 16

// SharedSecret is the output of a key exchange.
type SharedSecret struct {
	Key  []byte
	Salt []byte
}

// Zero wipes the secret.
func (s SharedSecret) Zero() {
	clear(s.Key)
}

// BedrockHandshake is the server half of the Bedrock key exchange. Token is
// sent to the client in ServerToClientHandshake.
type BedrockHandshake struct {
	Token  string
	Secret SharedSecret
}

type handshakeClaims struct {
	Salt string `json:"salt"`
	jwt.RegisteredClaims
}

// MarshalPublicKey encodes pub as base64 DER, the form used in x5u headers.
func MarshalPublicKey(pub *ecdsa.PublicKey) (string, error) {
	der, err := x509.MarshalPKIXPublicKey(pub)
	if err != nil {
		return "", err
	}
	return base64.StdEncoding.EncodeToString(der), nil
}

// ParsePublicKey decodes a base64 DER P-384 public key.
func ParsePublicKey(text string) (*ecdsa.PublicKey, error) {
	der, err := base64.StdEncoding.DecodeString(text)
	if err != nil {
		return nil, fmt.Errorf("decode public key: %w", err)
	}
	parsed, err := x509.ParsePKIXPublicKey(der)
	if err != nil {
		return nil, fmt.Errorf("parse public key: %w", err)
	}
	pub, ok := parsed.(*ecdsa.PublicKey)
	if !ok || pub.Curve != elliptic.P384() {
		return nil, errors.New("public key is not P-384")
	}
	return pub, nil
}

func newSalt() ([]byte, error) {
	salt := make([]byte, SaltSize)
	if _, err := rand.Read(salt); err != nil {
		return nil, err
	}
	return salt, nil
}

func ecdhSecret(priv *ecdsa.PrivateKey, pub *ecdsa.PublicKey) ([]byte, error) {
	privECDH, err := priv.ECDH()
	if err != nil {
		return nil, err
	}
	pubECDH, err := pub.ECDH()
	if err != nil {
		return nil, err
	}
	return privECDH.ECDH(pubECDH)
}

// BeginBedrockKeyExchange runs ECDH between the server key and the client
// identity key and signs the salt into the handshake token.
func (s *Service) BeginBedrockKeyExchange(clientKey *ecdsa.PublicKey) (BedrockHandshake, error) {
	if clientKey == nil {
		return BedrockHandshake{}, protocol.Errorf(protocol.KindEncryption, "key exchange", "missing client identity key")
	}
	shared, err := ecdhSecret(s.serverKey, clientKey)
	if err != nil {
		return BedrockHandshake{}, protocol.Wrap(protocol.KindEncryption, "key exchange", err)
	}
	salt, err := newSalt()
	if err != nil {
		return BedrockHandshake{}, protocol.Wrap(protocol.KindEncryption, "key exchange", err)
	}
	x5u, err := MarshalPublicKey(&s.serverKey.PublicKey)
	if err != nil {
		return BedrockHandshake{}, protocol.Wrap(protocol.KindEncryption, "key exchange", err)
	}
	tok := jwt.NewWithClaims(jwt.SigningMethodES384, handshakeClaims{Salt: base64.StdEncoding.EncodeToString(salt)})
	tok.Header["x5u"] = x5u
	signed, err := tok.SignedString(s.serverKey)
	if err != nil {
		return BedrockHandshake{}, protocol.Wrap(protocol.KindEncryption, "key exchange", err)
	}
	return BedrockHandshake{Token: signed, Secret: SharedSecret{Key: shared, Salt: salt}}, nil
}

// CompleteBedrockKeyExchange is the client half: it verifies the server
// handshake token and derives the same secret.
func CompleteBedrockKeyExchange(clientKey *ecdsa.PrivateKey, token string) (SharedSecret, error) {
	var serverKey *ecdsa.PublicKey
	claims := &handshakeClaims{}
	_, err := jwt.ParseWithClaims(token, claims, func(t *jwt.Token) (any, error) {
		x5u, _ := t.Header["x5u"].(string)
		k, err := ParsePublicKey(x5u)
		if err != nil {
			return nil, err
		}
		serverKey = k
		return k, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodES384.Alg()}))
	if err != nil {
		return SharedSecret{}, protocol.Wrap(protocol.KindEncryption, "key exchange", err)
	}
	salt, err := base64.StdEncoding.DecodeString(claims.Salt)
	if err != nil || len(salt) != SaltSize {
		return SharedSecret{}, protocol.Errorf(protocol.KindEncryption, "key exchange", "invalid salt claim")
	}
	shared, err := ecdhSecret(clientKey, serverKey)
	if err != nil {
		return SharedSecret{}, protocol.Wrap(protocol.KindEncryption, "key exchange", err)
	}
	return SharedSecret{Key: shared, Salt: salt}, nil
}

// NewX25519Key returns a fresh Curve25519 key pair.
func NewX25519Key() (priv, pub []byte, err error) {
	priv = make([]byte, curve25519.ScalarSize)
	if _, err := rand.Read(priv); err != nil {
		return nil, nil, err
	}
	pub, err = curve25519.X25519(priv, curve25519.Basepoint)
	if err != nil {
		return nil, nil, err
	}
	return priv, pub, nil
}

// JavaSharedSecret completes an X25519 exchange on either side.
func JavaSharedSecret(priv, peerPub, salt []byte) (SharedSecret, error) {
	shared, err := curve25519.X25519(priv, peerPub)
	if err != nil {
		return SharedSecret{}, protocol.Wrap(protocol.KindEncryption, "key exchange", err)
	}
	return SharedSecret{Key: shared, Salt: salt}, nil
}

// BeginJavaKeyExchange answers a client X25519 public key with an ephemeral
// server key and a salt.
func (s *Service) BeginJavaKeyExchange(clientPub []byte) (serverPub []byte, secret SharedSecret, err error) {
	priv, pub, err := NewX25519Key()
	if err != nil {
		return nil, SharedSecret{}, protocol.Wrap(protocol.KindEncryption, "key exchange", err)
	}
	defer clear(priv)
	salt, err := newSalt()
	if err != nil {
		return nil, SharedSecret{}, protocol.Wrap(protocol.KindEncryption, "key exchange", err)
	}
	secret, err = JavaSharedSecret(priv, clientPub, salt)
	if err != nil {
		return nil, SharedSecret{}, err
	}
	return pub, secret, nil
}
