package server

import (
	"errors"
	"time"

	"github.com/bridgefall/bedrockd/pkg/auth"
	"github.com/bridgefall/bedrockd/pkg/connection"
	"github.com/bridgefall/bedrockd/pkg/packet"
	"github.com/bridgefall/bedrockd/pkg/protocol"
	"github.com/bridgefall/bedrockd/pkg/state"
)

// networkSettingsAlgorithm maps a compression to the NetworkSettings field.
func networkSettingsAlgorithm(c protocol.Compression) uint16 {
	switch c.ID() {
	case protocol.CompressionFlate:
		return 0
	case protocol.CompressionSnappy:
		return 1
	default:
		return 0xffff
	}
}

// handlePacket gates p on the connection state and dispatches it. Packets the
// network core owns never reach the Handler.
func (s *Server) handlePacket(c *connection.Connection, p protocol.RawPacket, now time.Time) error {
	if packet.DirectionOf(p.ID) == protocol.Clientbound {
		return dropErr(DropStateViolation, protocol.Errorf(protocol.KindInvalidPacket, "handle packet",
			"clientbound packet 0x%x from client", p.ID))
	}
	if !c.Machine().Allows(p.ID) {
		return dropErr(DropStateViolation, protocol.Errorf(protocol.KindInvalidPacket, "handle packet",
			"packet 0x%x not allowed in %s", p.ID, c.State()))
	}
	pk, err := packet.Decode(p)
	if err != nil {
		return dropErr(DropMalformed, err)
	}
	switch pk := pk.(type) {
	case *packet.RequestNetworkSettings:
		return s.handleRequestNetworkSettings(c, pk)
	case *packet.Login:
		return s.handleLogin(c, pk, now)
	case *packet.ClientToServerHandshake:
		if err := s.sendPackets(c, &packet.PlayStatus{Status: packet.StatusLoginSuccess}); err != nil {
			return fatalErr(DropMalformed, err)
		}
		if err := c.Machine().Fire(state.EventHandshakeConfirmed); err != nil {
			return fatalErr(DropStateViolation, err)
		}
		s.established(c, now)
		return nil
	case *packet.Disconnect:
		reason := pk.Message
		if reason == "" {
			reason = "Client disconnected"
		}
		s.teardown(c, reason, false, false)
		return nil
	case *packet.NetworkStackLatency:
		if pk.NeedsResponse {
			return s.sendPackets(c, &packet.NetworkStackLatency{Timestamp: pk.Timestamp})
		}
		return nil
	default:
		s.handler.OnPacket(c.ID(), p)
		return nil
	}
}

func (s *Server) handleRequestNetworkSettings(c *connection.Connection, pk *packet.RequestNetworkSettings) error {
	c.SetProtocolVersion(pk.ClientProtocol)
	settings := &packet.NetworkSettings{
		CompressionThreshold: uint16(s.cfg.CompressionThreshold),
		CompressionAlgorithm: networkSettingsAlgorithm(s.compression),
	}
	// The reply itself goes out before compression is switched on.
	err := s.sendPacketsThen(c, func() error {
		c.SetCompression(s.compression, s.cfg.CompressionThreshold)
		return nil
	}, settings)
	if err != nil {
		return fatalErr(DropMalformed, err)
	}
	if err := c.Machine().Fire(state.EventNetworkSettings); err != nil {
		return fatalErr(DropStateViolation, err)
	}
	return nil
}

// handleLogin authenticates the identity chain and either starts the key
// exchange or completes the login in the clear.
func (s *Server) handleLogin(c *connection.Connection, pk *packet.Login, now time.Time) error {
	c.SetProtocolVersion(pk.ProtocolVersion)
	profile, err := s.auth.Authenticate(auth.FamilyBedrock, pk.ConnectionRequest)
	if err != nil {
		return fatalErr(DropAuth, err)
	}
	if s.bans != nil {
		banned, reason, err := s.bans.IsBannedName(profile.Name)
		if err != nil {
			s.logger.Error("ban lookup failed", "name", profile.Name, "err", err)
		}
		if banned {
			return fatalErr(DropBanned, protocol.Errorf(protocol.KindConnection, "login", "%s is banned: %s", profile.Name, reason))
		}
	}
	if err := c.AttachProfile(profile); err != nil {
		return fatalErr(DropStateViolation, err)
	}
	s.logger.Debug("login accepted", "id", c.ID(), "name", profile.Name, "xuid", profile.XUID,
		"authenticated", profile.Authenticated, "protocol", pk.ProtocolVersion)

	if !s.cfg.Encryption {
		if err := s.sendPackets(c, &packet.PlayStatus{Status: packet.StatusLoginSuccess}); err != nil {
			return fatalErr(DropMalformed, err)
		}
		if err := c.Machine().Fire(state.EventLoginAccepted); err != nil {
			return fatalErr(DropStateViolation, err)
		}
		s.established(c, now)
		return nil
	}

	hs, err := s.auth.BeginBedrockKeyExchange(profile.IdentityKey)
	if err != nil {
		return fatalErr(DropAuth, err)
	}
	defer hs.Secret.Zero()
	// The handshake is the last batch sent in the clear.
	err = s.sendPacketsThen(c, func() error {
		if err := s.auth.EnableEncryption(uint64(c.ID()), auth.FamilyBedrock, hs.Secret); err != nil {
			return fatalErr(DropAuth, err)
		}
		c.SetEncrypted()
		return nil
	}, &packet.ServerToClientHandshake{JWT: hs.Token})
	if err != nil {
		var ge *gameError
		if errors.As(err, &ge) {
			return err
		}
		return fatalErr(DropMalformed, err)
	}
	if err := c.Machine().Fire(state.EventLoginEncrypted); err != nil {
		return fatalErr(DropStateViolation, err)
	}
	return nil
}

func (s *Server) established(c *connection.Connection, now time.Time) {
	profile, _ := c.Profile()
	s.metrics.Established.Inc()
	s.metrics.LoginLatency.Add(now.Sub(c.CreatedAt()))
	s.logger.Info("player joined", "id", c.ID(), "name", profile.Name, "addr", c.Address(),
		"authenticated", profile.Authenticated, "encrypted", c.Encrypted())
	s.handler.OnConnectionEstablished(c.ID(), profile)
}
