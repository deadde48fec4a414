package auth

import (
	"crypto/ecdsa"
	"encoding/base64"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"time"
	"unicode"
	"unicode/utf8"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"github.com/bridgefall/bedrockd/pkg/protocol"
)

// MojangRootKey is the public key that signs authenticated Bedrock identity
// chains.
const MojangRootKey = "MHYwEAYHKoZIzj0CAQYFK4EEACIDYgAECRXueJeTDqNRRgJi/vlRufByu/2G0i2Ebt6YMar5QX/R0DIIyrJMcUpruK4QveTfJSTp3Shlq4Gk34cD/4GUWwkv0DVuzeuB+tXija7HBxii03NHDbPAD0AKnLr2wdAp"

const (
	maxChainLength   = 3
	maxRequestPart   = 1 << 20
	maxDisplayName   = 32
	chainTokenExpiry = 24 * time.Hour
)

// ErrAuthentication marks credentials that were presented but rejected.
var ErrAuthentication = errors.New("authentication failed")

func authError(op string, format string, args ...any) error {
	return protocol.Wrap(protocol.KindInvalidPacket, op, fmt.Errorf("%w: %s", ErrAuthentication, fmt.Sprintf(format, args...)))
}

// Identity is the identity block of a chain link.
type Identity struct {
	Name string
	UUID uuid.UUID
	XUID string
}

type extraData struct {
	DisplayName string `json:"displayName"`
	Identity    string `json:"identity"`
	XUID        string `json:"XUID"`
}

type chainClaims struct {
	IdentityPublicKey    string     `json:"identityPublicKey"`
	CertificateAuthority bool       `json:"certificateAuthority,omitempty"`
	ExtraData            *extraData `json:"extraData,omitempty"`
	jwt.RegisteredClaims
}

type clientDataClaims struct {
	SkinData        string `json:"SkinData,omitempty"`
	SkinImageWidth  int    `json:"SkinImageWidth,omitempty"`
	SkinImageHeight int    `json:"SkinImageHeight,omitempty"`
	jwt.RegisteredClaims
}

// ConnectionRequest is the blob inside the Login packet: the identity chain
// and the signed client data.
type ConnectionRequest struct {
	Chain      []string
	ClientData string
}

type chainDocument struct {
	Chain []string `json:"chain"`
}

// Marshal encodes the request as two little-endian length prefixed parts.
func (r ConnectionRequest) Marshal() []byte {
	doc, _ := json.Marshal(chainDocument{Chain: r.Chain})
	out := make([]byte, 0, 8+len(doc)+len(r.ClientData))
	out = binary.LittleEndian.AppendUint32(out, uint32(len(doc)))
	out = append(out, doc...)
	out = binary.LittleEndian.AppendUint32(out, uint32(len(r.ClientData)))
	return append(out, r.ClientData...)
}

// ParseConnectionRequest decodes the Login blob.
func ParseConnectionRequest(data []byte) (ConnectionRequest, error) {
	chain, rest, err := lengthPrefixed(data)
	if err != nil {
		return ConnectionRequest{}, fmt.Errorf("chain: %w", err)
	}
	client, rest, err := lengthPrefixed(rest)
	if err != nil {
		return ConnectionRequest{}, fmt.Errorf("client data: %w", err)
	}
	if len(rest) != 0 {
		return ConnectionRequest{}, fmt.Errorf("%d trailing bytes", len(rest))
	}
	var doc chainDocument
	if err := json.Unmarshal(chain, &doc); err != nil {
		return ConnectionRequest{}, fmt.Errorf("chain: %w", err)
	}
	return ConnectionRequest{Chain: doc.Chain, ClientData: string(client)}, nil
}

func lengthPrefixed(data []byte) ([]byte, []byte, error) {
	if len(data) < 4 {
		return nil, nil, fmt.Errorf("missing length prefix")
	}
	n := binary.LittleEndian.Uint32(data)
	if n > maxRequestPart || int(n) > len(data)-4 {
		return nil, nil, fmt.Errorf("length %d exceeds %d available", n, len(data)-4)
	}
	return data[4 : 4+n], data[4+n:], nil
}

func (s *Service) parser() *jwt.Parser {
	return jwt.NewParser(
		jwt.WithValidMethods([]string{jwt.SigningMethodES384.Alg()}),
		jwt.WithLeeway(s.skew),
		jwt.WithTimeFunc(s.now),
	)
}

// authenticateBedrock walks the chain: every link is signed by the key named
// in its x5u header, and that key must be the identityPublicKey of the
// previous link. The chain counts as authenticated once a link is signed by
// the trusted root.
func (s *Service) authenticateBedrock(data []byte) (Profile, error) {
	const op = "authenticate bedrock"
	req, err := ParseConnectionRequest(data)
	if err != nil {
		return Profile{}, protocol.Wrap(protocol.KindDeserializationFailed, op, err)
	}
	if len(req.Chain) == 0 || len(req.Chain) > maxChainLength {
		return Profile{}, authError(op, "chain has %d links", len(req.Chain))
	}
	parser := s.parser()
	var (
		key           *ecdsa.PublicKey
		keyText       string
		authenticated bool
		identity      *extraData
	)
	for i, raw := range req.Chain {
		claims := &chainClaims{}
		_, err := parser.ParseWithClaims(raw, claims, func(t *jwt.Token) (any, error) {
			x5u, _ := t.Header["x5u"].(string)
			if x5u == "" {
				return nil, errors.New("missing x5u header")
			}
			if key == nil {
				k, err := ParsePublicKey(x5u)
				if err != nil {
					return nil, err
				}
				key, keyText = k, x5u
			} else if x5u != keyText {
				return nil, errors.New("x5u does not match previous identity key")
			}
			return key, nil
		})
		if err != nil {
			return Profile{}, authError(op, "link %d: %v", i, err)
		}
		if keyText == s.rootKeyText {
			authenticated = true
		}
		next, err := ParsePublicKey(claims.IdentityPublicKey)
		if err != nil {
			return Profile{}, authError(op, "link %d identity key: %v", i, err)
		}
		key, keyText = next, claims.IdentityPublicKey
		if claims.ExtraData != nil {
			identity = claims.ExtraData
		}
	}
	if s.online && !authenticated {
		return Profile{}, authError(op, "chain is not signed by the trusted root")
	}
	if identity == nil {
		return Profile{}, authError(op, "chain carries no identity")
	}
	if err := validateDisplayName(identity.DisplayName); err != nil {
		return Profile{}, authError(op, "%v", err)
	}
	id, err := uuid.Parse(identity.Identity)
	if err != nil {
		return Profile{}, authError(op, "identity uuid: %v", err)
	}
	p := Profile{
		UUID:          id,
		Name:          identity.DisplayName,
		Family:        FamilyBedrock,
		Authenticated: authenticated,
		IdentityKey:   key,
	}
	if authenticated {
		p.XUID = identity.XUID
	}
	if req.ClientData != "" {
		if err := s.checkClientData(req.ClientData, key, keyText, &p); err != nil {
			return Profile{}, err
		}
	}
	return p, nil
}

func (s *Service) checkClientData(raw string, key *ecdsa.PublicKey, keyText string, p *Profile) error {
	const op = "authenticate bedrock"
	claims := &clientDataClaims{}
	_, err := s.parser().ParseWithClaims(raw, claims, func(t *jwt.Token) (any, error) {
		if x5u, _ := t.Header["x5u"].(string); x5u != keyText {
			return nil, errors.New("client data not signed by identity key")
		}
		return key, nil
	})
	if err != nil {
		return authError(op, "client data: %v", err)
	}
	if claims.SkinData == "" {
		return nil
	}
	skin, err := base64.StdEncoding.DecodeString(claims.SkinData)
	if err != nil {
		return authError(op, "skin data: %v", err)
	}
	if err := ValidateSkin(skin, claims.SkinImageWidth, claims.SkinImageHeight); err != nil {
		return err
	}
	p.SkinWidth, p.SkinHeight = claims.SkinImageWidth, claims.SkinImageHeight
	return nil
}

func validateDisplayName(name string) error {
	if name == "" || utf8.RuneCountInString(name) > maxDisplayName {
		return fmt.Errorf("display name length out of range")
	}
	for _, r := range name {
		if unicode.IsControl(r) {
			return fmt.Errorf("display name contains control characters")
		}
	}
	return nil
}

// SignChainLink builds one chain link signed by signer. identityKey becomes
// the key the next link (or the client data) must be signed with.
func SignChainLink(signer *ecdsa.PrivateKey, identityKey *ecdsa.PublicKey, id *Identity, now time.Time) (string, error) {
	x5u, err := MarshalPublicKey(&signer.PublicKey)
	if err != nil {
		return "", err
	}
	next, err := MarshalPublicKey(identityKey)
	if err != nil {
		return "", err
	}
	claims := chainClaims{
		IdentityPublicKey: next,
		RegisteredClaims: jwt.RegisteredClaims{
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now.Add(-time.Minute)),
			ExpiresAt: jwt.NewNumericDate(now.Add(chainTokenExpiry)),
		},
	}
	if id != nil {
		claims.ExtraData = &extraData{DisplayName: id.Name, Identity: id.UUID.String(), XUID: id.XUID}
	}
	tok := jwt.NewWithClaims(jwt.SigningMethodES384, claims)
	tok.Header["x5u"] = x5u
	return tok.SignedString(signer)
}

// SelfSignedChain is the single link chain offline clients present.
func SelfSignedChain(key *ecdsa.PrivateKey, id Identity, now time.Time) ([]string, error) {
	link, err := SignChainLink(key, &key.PublicKey, &id, now)
	if err != nil {
		return nil, err
	}
	return []string{link}, nil
}

// SignClientData builds the client data token. skin may be nil.
func SignClientData(key *ecdsa.PrivateKey, skin []byte, width, height int) (string, error) {
	x5u, err := MarshalPublicKey(&key.PublicKey)
	if err != nil {
		return "", err
	}
	claims := clientDataClaims{SkinImageWidth: width, SkinImageHeight: height}
	if skin != nil {
		claims.SkinData = base64.StdEncoding.EncodeToString(skin)
	}
	tok := jwt.NewWithClaims(jwt.SigningMethodES384, claims)
	tok.Header["x5u"] = x5u
	return tok.SignedString(key)
}
