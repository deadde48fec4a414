package auth

import (
	"crypto/md5"

	"github.com/google/uuid"

	"github.com/bridgefall/bedrockd/pkg/protocol"
)

// JavaVerifier checks a Java family login against an external session
// service and returns the account id.
type JavaVerifier interface {
	VerifyJava(name string) (uuid.UUID, error)
}

// OfflineUUID is the name based v3 UUID Java servers assign to offline
// players.
func OfflineUUID(name string) uuid.UUID {
	sum := md5.Sum([]byte("OfflinePlayer:" + name))
	sum[6] = (sum[6] & 0x0f) | 0x30
	sum[8] = (sum[8] & 0x3f) | 0x80
	return uuid.UUID(sum)
}

func validJavaName(name string) bool {
	if len(name) < 3 || len(name) > 16 {
		return false
	}
	for i := 0; i < len(name); i++ {
		c := name[i]
		switch {
		case c >= 'a' && c <= 'z', c >= 'A' && c <= 'Z', c >= '0' && c <= '9', c == '_':
		default:
			return false
		}
	}
	return true
}

// authenticateJava trusts the presented username in permissive mode. Online
// mode needs a verifier; without one the login cannot be checked at all.
func (s *Service) authenticateJava(data []byte) (Profile, error) {
	const op = "authenticate java"
	name := string(data)
	if !validJavaName(name) {
		return Profile{}, authError(op, "invalid username %q", name)
	}
	if !s.online {
		return Profile{UUID: OfflineUUID(name), Name: name, Family: FamilyJava}, nil
	}
	if s.verifier == nil {
		return Profile{}, protocol.Errorf(protocol.KindUnsupportedOperation, op, "online mode without a session verifier")
	}
	id, err := s.verifier.VerifyJava(name)
	if err != nil {
		return Profile{}, authError(op, "session verification: %v", err)
	}
	return Profile{UUID: id, Name: name, Family: FamilyJava, Authenticated: true}, nil
}
