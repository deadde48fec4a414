package packet

// PlayStatus values.
const (
	StatusLoginSuccess int32 = iota
	StatusLoginFailedClient
	StatusLoginFailedServer
	StatusPlayerSpawn
	StatusLoginFailedInvalidTenant
	StatusLoginFailedVanillaEdu
	StatusLoginFailedEduVanilla
	StatusLoginFailedServerFull
)

// Login carries the protocol version and the connection request blob holding
// the identity chain and client data.
type Login struct {
	ProtocolVersion   int32
	ConnectionRequest []byte
}

func (*Login) ID() uint32 { return IDLogin }

func (pk *Login) marshal(w *writer) {
	w.int32BE(pk.ProtocolVersion)
	w.byteSlice(pk.ConnectionRequest)
}

func (pk *Login) unmarshal(r *reader) {
	pk.ProtocolVersion = r.int32BE()
	pk.ConnectionRequest = r.byteSlice()
}

// PlayStatus reports login outcome or spawn readiness.
type PlayStatus struct {
	Status int32
}

func (*PlayStatus) ID() uint32 { return IDPlayStatus }

func (pk *PlayStatus) marshal(w *writer)   { w.int32BE(pk.Status) }
func (pk *PlayStatus) unmarshal(r *reader) { pk.Status = r.int32BE() }

// ServerToClientHandshake carries the signed JWT with the server key and salt.
type ServerToClientHandshake struct {
	JWT string
}

func (*ServerToClientHandshake) ID() uint32 { return IDServerToClientHandshake }

func (pk *ServerToClientHandshake) marshal(w *writer)   { w.string(pk.JWT) }
func (pk *ServerToClientHandshake) unmarshal(r *reader) { pk.JWT = r.string() }

// ClientToServerHandshake confirms that the client switched to encryption.
type ClientToServerHandshake struct{}

func (*ClientToServerHandshake) ID() uint32        { return IDClientToServerHandshake }
func (*ClientToServerHandshake) marshal(*writer)   {}
func (*ClientToServerHandshake) unmarshal(*reader) {}

// Disconnect closes the session with a reason shown to the player.
type Disconnect struct {
	HideScreen bool
	Message    string
}

func (*Disconnect) ID() uint32 { return IDDisconnect }

func (pk *Disconnect) marshal(w *writer) {
	w.bool(pk.HideScreen)
	if !pk.HideScreen {
		w.string(pk.Message)
	}
}

func (pk *Disconnect) unmarshal(r *reader) {
	pk.HideScreen = r.bool()
	if !pk.HideScreen {
		pk.Message = r.string()
	}
}

// Text is a chat line.
type Text struct {
	TextType   uint8
	SourceName string
	Message    string
	XUID       string
}

func (*Text) ID() uint32 { return IDText }

func (pk *Text) marshal(w *writer) {
	w.uint8(pk.TextType)
	w.string(pk.SourceName)
	w.string(pk.Message)
	w.string(pk.XUID)
}

func (pk *Text) unmarshal(r *reader) {
	pk.TextType = r.uint8()
	pk.SourceName = r.string()
	pk.Message = r.string()
	pk.XUID = r.string()
}

// MovePlayer is the movement packet. Position and rotation are opaque to the
// network core.
type MovePlayer struct {
	RuntimeID uint64
	Position  [3]float32
	Pitch     float32
	Yaw       float32
	HeadYaw   float32
	Mode      uint8
	OnGround  bool
}

func (*MovePlayer) ID() uint32 { return IDMovePlayer }

func (pk *MovePlayer) marshal(w *writer) {
	w.varuint64(pk.RuntimeID)
	for _, v := range pk.Position {
		w.float32(v)
	}
	w.float32(pk.Pitch)
	w.float32(pk.Yaw)
	w.float32(pk.HeadYaw)
	w.uint8(pk.Mode)
	w.bool(pk.OnGround)
}

func (pk *MovePlayer) unmarshal(r *reader) {
	pk.RuntimeID = r.varuint64()
	for i := range pk.Position {
		pk.Position[i] = r.float32()
	}
	pk.Pitch = r.float32()
	pk.Yaw = r.float32()
	pk.HeadYaw = r.float32()
	pk.Mode = r.uint8()
	pk.OnGround = r.bool()
}

// NetworkStackLatency measures round trip time through the game layer.
type NetworkStackLatency struct {
	Timestamp     int64
	NeedsResponse bool
}

func (*NetworkStackLatency) ID() uint32 { return IDNetworkStackLatency }

func (pk *NetworkStackLatency) marshal(w *writer) {
	w.int64(pk.Timestamp)
	w.bool(pk.NeedsResponse)
}

func (pk *NetworkStackLatency) unmarshal(r *reader) {
	pk.Timestamp = r.int64()
	pk.NeedsResponse = r.bool()
}

// NetworkSettings announces the compression the server will use from the
// next batch on.
type NetworkSettings struct {
	CompressionThreshold uint16
	CompressionAlgorithm uint16
	ClientThrottle       bool
	ThrottleThreshold    uint8
	ThrottleScalar       float32
}

func (*NetworkSettings) ID() uint32 { return IDNetworkSettings }

func (pk *NetworkSettings) marshal(w *writer) {
	w.uint16(pk.CompressionThreshold)
	w.uint16(pk.CompressionAlgorithm)
	w.bool(pk.ClientThrottle)
	w.uint8(pk.ThrottleThreshold)
	w.float32(pk.ThrottleScalar)
}

func (pk *NetworkSettings) unmarshal(r *reader) {
	pk.CompressionThreshold = r.uint16()
	pk.CompressionAlgorithm = r.uint16()
	pk.ClientThrottle = r.bool()
	pk.ThrottleThreshold = r.uint8()
	pk.ThrottleScalar = r.float32()
}

// RequestNetworkSettings is the first game packet a client sends.
type RequestNetworkSettings struct {
	ClientProtocol int32
}

func (*RequestNetworkSettings) ID() uint32 { return IDRequestNetworkSettings }

func (pk *RequestNetworkSettings) marshal(w *writer)   { w.int32BE(pk.ClientProtocol) }
func (pk *RequestNetworkSettings) unmarshal(r *reader) { pk.ClientProtocol = r.int32BE() }

// Unknown holds a packet the core does not interpret.
type Unknown struct {
	PacketID uint32
	Payload  []byte
}

func (pk *Unknown) ID() uint32 { return pk.PacketID }

func (pk *Unknown) marshal(w *writer)   { w.buf = append(w.buf, pk.Payload...) }
func (pk *Unknown) unmarshal(r *reader) { pk.Payload = r.rest() }
