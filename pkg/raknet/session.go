package raknet

import (
	"bytes"
	"net/netip"
	"sort"
	"time"

	"github.com/bridgefall/bedrockd/internal/window"
	"github.com/bridgefall/bedrockd/pkg/protocol"
)

const (
	maxOrderChannels = 32

	DefaultKeepAlive           = 2 * time.Second
	DefaultTimeout             = 10 * time.Second
	DefaultMaxConcurrentSplits = 16
	DefaultMaxQueuedFrames     = 16384
	DefaultMaxMessageSize      = 4 << 20

	maxOrderedPending = 4096
	maxNackGap        = 512
	maxInflight       = 4096

	initialRTO = 500 * time.Millisecond
	minRTO     = 100 * time.Millisecond
	maxRTO     = 3 * time.Second
)

// SessionConfig holds the negotiated parameters of one session.
type SessionConfig struct {
	MTU    int
	GUID   int64
	Client bool
	// Remote is the peer address, echoed in ConnectionRequestAccepted and
	// NewIncomingConnection.
	Remote              netip.AddrPort
	KeepAlive           time.Duration
	Timeout             time.Duration
	MaxSplitCount       int
	MaxConcurrentSplits int
	MaxQueuedFrames     int
	MaxMessageSize      int
}

// SessionStats are the reliability counters of one session.
type SessionStats struct {
	DatagramsIn   uint64
	DatagramsOut  uint64
	Duplicates    uint64
	Resent        uint64
	NacksSent     uint64
	NacksReceived uint64
	Stale         uint64
	Inflight      int
	Queued        int
	RTT           time.Duration
}

type orderChannel struct {
	expected   uint64
	pending    map[uint64][]byte
	highestSeq uint64
	seqSeen    bool
}

type splitBuffer struct {
	parts    [][]byte
	received int
	size     int
	created  time.Time
}

type inflightDatagram struct {
	frames []*frame
	sentAt time.Time
}

// Session is the reliability layer of one connection: datagram sequencing,
// ACK/NACK receipts, retransmission, fragmentation and ordered delivery over
// 32 channels. It performs no I/O and is not safe for concurrent use; the
// owning connection serialises access.
type Session struct {
	cfg SessionConfig

	received  bool
	datagrams window.Window
	messages  window.Window
	ackQueue  []uint32
	nackQueue []uint32
	splits    map[uint16]*splitBuffer
	inbound   [maxOrderChannels]orderChannel

	sendSeq       uint32
	messageIndex  uint32
	orderIndex    [maxOrderChannels]uint32
	sequenceIndex [maxOrderChannels]uint32
	splitID       uint16
	resend        []*frame
	queue         []*frame
	inflight      map[uint32]*inflightDatagram

	srtt      time.Duration
	rttvar    time.Duration
	rto       time.Duration
	lastRecv  time.Time
	lastPing  time.Time
	connected bool
	closed    bool
	stats     SessionStats
}

// NewSession creates a session that counts as alive from now.
func NewSession(cfg SessionConfig, now time.Time) *Session {
	if cfg.MTU < MinMTU {
		cfg.MTU = MinMTU
	}
	if cfg.MTU > MaxMTU {
		cfg.MTU = MaxMTU
	}
	if cfg.KeepAlive <= 0 {
		cfg.KeepAlive = DefaultKeepAlive
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if cfg.MaxConcurrentSplits <= 0 {
		cfg.MaxConcurrentSplits = DefaultMaxConcurrentSplits
	}
	if cfg.MaxQueuedFrames <= 0 {
		cfg.MaxQueuedFrames = DefaultMaxQueuedFrames
	}
	if cfg.MaxMessageSize <= 0 {
		cfg.MaxMessageSize = DefaultMaxMessageSize
	}
	// The default split count admits a full size message cut at the smallest
	// MTU a peer may use. An explicit count caps the message size instead.
	if cfg.MaxSplitCount <= 0 {
		body := fragmentBody(MinMTU)
		cfg.MaxSplitCount = (cfg.MaxMessageSize + body - 1) / body
	}
	if limit := cfg.MaxSplitCount * fragmentBody(cfg.MTU); limit < cfg.MaxMessageSize {
		cfg.MaxMessageSize = limit
	}
	return &Session{
		cfg:      cfg,
		splits:   make(map[uint16]*splitBuffer),
		inflight: make(map[uint32]*inflightDatagram),
		rto:      initialRTO,
		lastRecv: now,
		lastPing: now,
	}
}

func (s *Session) MTU() int            { return s.cfg.MTU }
func (s *Session) Connected() bool     { return s.connected }
func (s *Session) Closed() bool        { return s.closed }
func (s *Session) LastRecv() time.Time { return s.lastRecv }

// Alive reports whether the peer was heard from within the timeout and the
// session was not closed by either side.
func (s *Session) Alive(now time.Time) bool {
	return !s.closed && now.Sub(s.lastRecv) < s.cfg.Timeout
}

// Stats returns a copy of the counters.
func (s *Session) Stats() SessionStats {
	st := s.stats
	st.Inflight = len(s.inflight)
	st.Queued = len(s.queue) + len(s.resend)
	st.RTT = s.srtt
	return st
}

// Receive processes one online datagram and returns the game payloads it
// completed, in delivery order and without the 0xfe id. Control messages are
// answered internally; replies go out with the next Flush.
func (s *Session) Receive(data []byte, now time.Time) ([][]byte, error) {
	if len(data) == 0 || data[0]&flagDatagram == 0 {
		return nil, protocol.Errorf(protocol.KindInvalidPacket, "raknet receive", "not a datagram")
	}
	// Frames may outlive the caller's read buffer.
	data = bytes.Clone(data)
	switch {
	case data[0]&flagACK != 0:
		seqs, err := decodeReceipts(data)
		if err != nil {
			return nil, decodeErr("raknet ack", err)
		}
		s.lastRecv = now
		s.handleAck(seqs, now)
		return nil, nil
	case data[0]&flagNACK != 0:
		seqs, err := decodeReceipts(data)
		if err != nil {
			return nil, decodeErr("raknet nack", err)
		}
		s.lastRecv = now
		s.handleNack(seqs)
		return nil, nil
	default:
		return s.receiveFrames(data, now)
	}
}

func (s *Session) receiveFrames(data []byte, now time.Time) ([][]byte, error) {
	r := &buffer{b: data, off: 1}
	seq := r.u24()
	var frames []*frame
	for r.err == nil && r.remaining() > 0 {
		if len(frames) == maxFramesPerDatagram {
			return nil, protocol.Errorf(protocol.KindBufferOverflow, "raknet receive", "more than %d frames", maxFramesPerDatagram)
		}
		f, err := readFrame(r)
		if err != nil {
			return nil, decodeErr("raknet frame", err)
		}
		frames = append(frames, f)
	}
	if r.err != nil {
		return nil, decodeErr("raknet datagram", r.err)
	}
	s.lastRecv = now
	s.stats.DatagramsIn++
	if len(s.ackQueue) < maxAckRecords {
		s.ackQueue = append(s.ackQueue, seq)
	}

	prev := s.datagrams.Highest()
	useq := uint64(seq)
	if s.received {
		useq = unwrap24(prev, seq)
	}
	if !s.datagrams.Accept(useq, window.NoLimit) {
		s.stats.Duplicates++
		return nil, nil
	}
	if s.received && useq > prev+1 {
		first := prev + 1
		if useq-first > maxNackGap {
			first = useq - maxNackGap
		}
		for m := first; m < useq; m++ {
			s.nackQueue = append(s.nackQueue, uint32(m)&uint24Mask)
		}
	}
	s.received = true

	var out [][]byte
	for _, f := range frames {
		if f.reliability.reliable() {
			idx := unwrap24(s.messages.Highest(), f.messageIndex)
			if !s.messages.Accept(idx, window.NoLimit) {
				s.stats.Duplicates++
				continue
			}
		}
		body := f.body
		if f.split {
			full, err := s.reassemble(f, now)
			if err != nil {
				return out, err
			}
			if full == nil {
				continue
			}
			body = full
		}
		msgs, err := s.order(f, body)
		if err != nil {
			return out, err
		}
		for _, msg := range msgs {
			if payload, ok := s.handleMessage(msg, now); ok {
				out = append(out, payload)
			}
		}
	}
	return out, nil
}

func (s *Session) reassemble(f *frame, now time.Time) ([]byte, error) {
	if f.splitCount == 0 || f.splitCount > uint32(s.cfg.MaxSplitCount) {
		return nil, protocol.Errorf(protocol.KindBufferOverflow, "raknet split", "split count %d exceeds %d", f.splitCount, s.cfg.MaxSplitCount)
	}
	if f.splitIndex >= f.splitCount {
		return nil, protocol.Errorf(protocol.KindInvalidPacket, "raknet split", "fragment %d of %d", f.splitIndex, f.splitCount)
	}
	b := s.splits[f.splitID]
	if b == nil {
		if len(s.splits) >= s.cfg.MaxConcurrentSplits {
			return nil, protocol.Errorf(protocol.KindBufferOverflow, "raknet split", "more than %d messages in reassembly", s.cfg.MaxConcurrentSplits)
		}
		b = &splitBuffer{parts: make([][]byte, f.splitCount), created: now}
		s.splits[f.splitID] = b
	}
	if len(b.parts) != int(f.splitCount) {
		return nil, protocol.Errorf(protocol.KindInvalidPacket, "raknet split", "split %d changed fragment count", f.splitID)
	}
	if b.parts[f.splitIndex] != nil {
		return nil, nil
	}
	b.parts[f.splitIndex] = f.body
	b.received++
	b.size += len(f.body)
	if b.size > s.cfg.MaxMessageSize {
		delete(s.splits, f.splitID)
		return nil, protocol.Errorf(protocol.KindBufferOverflow, "raknet split", "message exceeds %d bytes", s.cfg.MaxMessageSize)
	}
	if b.received < len(b.parts) {
		return nil, nil
	}
	delete(s.splits, f.splitID)
	full := make([]byte, 0, b.size)
	for _, p := range b.parts {
		full = append(full, p...)
	}
	return full, nil
}

// order applies sequencing and ordering and returns the messages now
// deliverable.
func (s *Session) order(f *frame, body []byte) ([][]byte, error) {
	ch := &s.inbound[f.orderChannel]
	switch {
	case f.reliability.sequenced():
		idx := unwrap24(ch.highestSeq, f.sequenceIndex)
		if ch.seqSeen && idx <= ch.highestSeq {
			s.stats.Stale++
			return nil, nil
		}
		ch.highestSeq, ch.seqSeen = idx, true
		return [][]byte{body}, nil
	case f.reliability == ReliableOrdered:
		idx := unwrap24(ch.expected, f.orderIndex)
		switch {
		case idx < ch.expected:
			s.stats.Stale++
			return nil, nil
		case idx > ch.expected:
			if ch.pending == nil {
				ch.pending = make(map[uint64][]byte)
			}
			if len(ch.pending) >= maxOrderedPending {
				return nil, protocol.Errorf(protocol.KindBufferOverflow, "raknet order", "channel %d holds %d out of order messages", f.orderChannel, len(ch.pending))
			}
			ch.pending[idx] = body
			return nil, nil
		}
		out := [][]byte{body}
		ch.expected++
		for {
			next, ok := ch.pending[ch.expected]
			if !ok {
				break
			}
			delete(ch.pending, ch.expected)
			out = append(out, next)
			ch.expected++
		}
		return out, nil
	default:
		return [][]byte{body}, nil
	}
}

func (s *Session) handleMessage(msg []byte, now time.Time) ([]byte, bool) {
	if len(msg) == 0 {
		return nil, false
	}
	switch msg[0] {
	case IDGamePacket:
		return msg[1:], true
	case IDConnectedPing:
		r := &buffer{b: msg, off: 1}
		t := r.i64()
		if r.err == nil {
			s.enqueueControl(marshalConnectedPong(t, now.UnixMilli()), Unreliable)
		}
	case IDConnectedPong:
		r := &buffer{b: msg, off: 1}
		t := r.i64()
		if r.err == nil {
			if rtt := now.UnixMilli() - t; rtt >= 0 && rtt < int64(maxRTO/time.Millisecond)*10 {
				s.sampleRTT(time.Duration(rtt) * time.Millisecond)
			}
		}
	case IDConnectionRequest:
		var req ConnectionRequest
		if s.cfg.Client || req.Unmarshal(msg) != nil {
			return nil, false
		}
		accepted := ConnectionRequestAccepted{ClientAddress: s.cfg.Remote, RequestTime: req.RequestTime, AcceptedTime: now.UnixMilli()}
		s.enqueueControl(accepted.Marshal(), Reliable)
	case IDConnectionRequestAccepted:
		var acc ConnectionRequestAccepted
		if !s.cfg.Client || acc.Unmarshal(msg) != nil {
			return nil, false
		}
		nic := NewIncomingConnection{ServerAddress: s.cfg.Remote, RequestTime: acc.AcceptedTime, AcceptedTime: now.UnixMilli()}
		s.enqueueControl(nic.Marshal(), ReliableOrdered)
		s.connected = true
	case IDNewIncomingConnection:
		var nic NewIncomingConnection
		if s.cfg.Client || nic.Unmarshal(msg) != nil {
			return nil, false
		}
		s.connected = true
	case IDDisconnectNotification:
		s.closed = true
	}
	return nil, false
}

func (s *Session) sampleRTT(rtt time.Duration) {
	if s.srtt == 0 {
		s.srtt = rtt
		s.rttvar = rtt / 2
	} else {
		diff := s.srtt - rtt
		if diff < 0 {
			diff = -diff
		}
		s.rttvar = (3*s.rttvar + diff) / 4
		s.srtt = (7*s.srtt + rtt) / 8
	}
	s.rto = s.srtt + 4*s.rttvar
	if s.rto < minRTO {
		s.rto = minRTO
	}
	if s.rto > maxRTO {
		s.rto = maxRTO
	}
}

func (s *Session) handleAck(seqs []uint32, now time.Time) {
	for _, seq := range seqs {
		d, ok := s.inflight[seq]
		if !ok {
			continue
		}
		delete(s.inflight, seq)
		s.sampleRTT(now.Sub(d.sentAt))
	}
}

func (s *Session) handleNack(seqs []uint32) {
	for _, seq := range seqs {
		d, ok := s.inflight[seq]
		if !ok {
			continue
		}
		delete(s.inflight, seq)
		s.stats.NacksReceived++
		s.stats.Resent += uint64(len(d.frames))
		s.resend = append(s.resend, d.frames...)
	}
}

func (s *Session) nextMessageIndex() uint32 {
	idx := s.messageIndex
	s.messageIndex = (s.messageIndex + 1) & uint24Mask
	return idx
}

func (s *Session) enqueueControl(msg []byte, rel Reliability) {
	f := &frame{reliability: rel, body: msg}
	if rel.reliable() {
		f.messageIndex = s.nextMessageIndex()
	}
	if rel == ReliableOrdered {
		f.orderIndex = s.orderIndex[0]
		s.orderIndex[0] = (s.orderIndex[0] + 1) & uint24Mask
	}
	s.queue = append(s.queue, f)
}

// Send queues msg, which must start with its RakNet message id. It never
// blocks; messages larger than the MTU are split and split messages are
// always sent reliably.
func (s *Session) Send(msg []byte, rel Reliability, channel uint8) error {
	if s.closed {
		return protocol.Errorf(protocol.KindConnection, "raknet send", "session closed")
	}
	if channel >= maxOrderChannels {
		return protocol.Errorf(protocol.KindInvalidPacket, "raknet send", "order channel %d out of range", channel)
	}
	if len(msg) == 0 {
		return protocol.Errorf(protocol.KindSerializationFailed, "raknet send", "empty message")
	}
	if len(msg) > s.cfg.MaxMessageSize {
		return protocol.Errorf(protocol.KindBufferOverflow, "raknet send", "message of %d bytes exceeds %d", len(msg), s.cfg.MaxMessageSize)
	}
	rel = rel.normalize()
	if rel > ReliableSequenced {
		return protocol.Errorf(protocol.KindUnsupportedOperation, "raknet send", "reliability %s", rel)
	}
	maxBody := s.cfg.MTU - udpHeaderSize - datagramHeaderSize - frameHeaderMax
	count := 1
	if len(msg) > maxBody {
		maxBody = fragmentBody(s.cfg.MTU)
		count = (len(msg) + maxBody - 1) / maxBody
		if count > s.cfg.MaxSplitCount {
			return protocol.Errorf(protocol.KindBufferOverflow, "raknet send", "message needs %d fragments", count)
		}
		switch rel {
		case Unreliable:
			rel = Reliable
		case UnreliableSequenced:
			rel = ReliableSequenced
		}
	}
	if len(s.queue)+count > s.cfg.MaxQueuedFrames {
		return protocol.Errorf(protocol.KindBufferOverflow, "raknet send", "send queue full")
	}

	tmpl := frame{reliability: rel, orderChannel: channel}
	switch {
	case rel.sequenced():
		tmpl.sequenceIndex = s.sequenceIndex[channel]
		s.sequenceIndex[channel] = (s.sequenceIndex[channel] + 1) & uint24Mask
		tmpl.orderIndex = s.orderIndex[channel]
	case rel == ReliableOrdered:
		tmpl.orderIndex = s.orderIndex[channel]
		s.orderIndex[channel] = (s.orderIndex[channel] + 1) & uint24Mask
	}
	if count == 1 {
		f := tmpl
		f.body = bytes.Clone(msg)
		if rel.reliable() {
			f.messageIndex = s.nextMessageIndex()
		}
		s.queue = append(s.queue, &f)
		return nil
	}
	id := s.splitID
	s.splitID++
	for i := 0; i < count; i++ {
		end := (i + 1) * maxBody
		if end > len(msg) {
			end = len(msg)
		}
		f := tmpl
		f.split = true
		f.splitCount = uint32(count)
		f.splitID = id
		f.splitIndex = uint32(i)
		f.body = bytes.Clone(msg[i*maxBody : end])
		f.messageIndex = s.nextMessageIndex()
		s.queue = append(s.queue, &f)
	}
	return nil
}

// fragmentBody is the payload one split frame carries at mtu.
func fragmentBody(mtu int) int {
	return mtu - udpHeaderSize - datagramHeaderSize - frameHeaderMax - splitHeaderSize
}

// SendGame queues a game batch as a reliable ordered 0xfe message.
func (s *Session) SendGame(payload []byte) error {
	msg := make([]byte, 0, len(payload)+1)
	msg = append(msg, IDGamePacket)
	return s.Send(append(msg, payload...), ReliableOrdered, 0)
}

// Connect queues the ConnectionRequest of a client session.
func (s *Session) Connect(now time.Time) error {
	req := ConnectionRequest{ClientGUID: s.cfg.GUID, RequestTime: now.UnixMilli()}
	return s.Send(req.Marshal(), Reliable, 0)
}

// Flush packs pending receipts and frames into datagrams.
func (s *Session) Flush(now time.Time) [][]byte {
	maxSize := s.cfg.MTU - udpHeaderSize
	out := encodeReceipts(flagACK, s.ackQueue, maxSize)
	s.ackQueue = s.ackQueue[:0]
	nacks := encodeReceipts(flagNACK, s.nackQueue, maxSize)
	s.stats.NacksSent += uint64(len(s.nackQueue))
	s.nackQueue = s.nackQueue[:0]
	out = append(out, nacks...)

	frames := s.resend
	s.resend = nil
	if len(s.inflight) < maxInflight {
		frames = append(frames, s.queue...)
		s.queue = nil
	}
	if len(frames) == 0 {
		return out
	}

	dg := make([]byte, datagramHeaderSize, maxSize)
	var reliable []*frame
	n := 0
	emit := func() {
		seq := s.sendSeq
		s.sendSeq = (s.sendSeq + 1) & uint24Mask
		dg[0] = flagDatagram | flagNeedsBAndA
		dg[1], dg[2], dg[3] = byte(seq), byte(seq>>8), byte(seq>>16)
		if len(reliable) > 0 {
			s.inflight[seq] = &inflightDatagram{frames: reliable, sentAt: now}
		}
		out = append(out, dg)
		s.stats.DatagramsOut++
		dg = make([]byte, datagramHeaderSize, maxSize)
		reliable = nil
		n = 0
	}
	for _, f := range frames {
		if n > 0 && (len(dg)+f.size() > maxSize || n == maxFramesPerDatagram) {
			emit()
		}
		dg = f.appendTo(dg)
		n++
		if f.reliability.reliable() {
			reliable = append(reliable, f)
		}
	}
	emit()
	return out
}

// Tick runs timers: retransmits datagrams unacknowledged past the RTO,
// drops stale reassembly buffers, sends a keep-alive ping every keep-alive
// interval, then flushes.
func (s *Session) Tick(now time.Time) [][]byte {
	var expired []uint32
	for seq, d := range s.inflight {
		if now.Sub(d.sentAt) >= s.rto {
			expired = append(expired, seq)
		}
	}
	if len(expired) > 0 {
		sort.Slice(expired, func(i, j int) bool { return expired[i] < expired[j] })
		for _, seq := range expired {
			d := s.inflight[seq]
			delete(s.inflight, seq)
			s.stats.Resent += uint64(len(d.frames))
			s.resend = append(s.resend, d.frames...)
		}
		s.rto *= 2
		if s.rto > maxRTO {
			s.rto = maxRTO
		}
	}
	for id, b := range s.splits {
		if now.Sub(b.created) > s.cfg.Timeout {
			delete(s.splits, id)
		}
	}
	if !s.closed && now.Sub(s.lastPing) >= s.cfg.KeepAlive {
		s.enqueueControl(marshalConnectedPing(now.UnixMilli()), Unreliable)
		s.lastPing = now
	}
	return s.Flush(now)
}

// Close queues a disconnect notification, flushes and marks the session
// closed. Closing twice returns nothing.
func (s *Session) Close(now time.Time) [][]byte {
	if s.closed {
		return nil
	}
	s.enqueueControl([]byte{IDDisconnectNotification}, ReliableOrdered)
	out := s.Flush(now)
	s.closed = true
	return out
}
