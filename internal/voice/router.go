package voice

import (
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"speakeasy-server/internal/hub"
	"speakeasy-server/internal/metrics"
)

const sendQueueSize = 128

// malformed datagrams from one source before signaling is told
const malformedDisconnectThreshold = 32

type RouterConfig struct {
	Jitter       JitterConfig
	Congestion   CongestionConfig
	PeakKbps     int
	E2EMandatory bool
}

func DefaultRouterConfig() RouterConfig {
	return RouterConfig{
		Jitter:     DefaultJitterConfig(),
		Congestion: DefaultCongestionConfig(),
		PeakKbps:   128,
	}
}

// member is the per-session media state. The jitter buffer is written by
// the receive loop and read by the channel forwarder under bufMutex; the
// send queue is drained by the socket sender.
type member struct {
	sessionID int64
	ssrc      uint32
	channelID uuid.UUID
	e2e       bool

	deafened atomic.Bool

	bufMutex  sync.Mutex
	buffer    *JitterBuffer
	concealer *Concealer

	congestion *Congestion
	bucket     *leakyBucket

	sendQueue chan []byte
	// closed on unsubscribe; the send loop drains until then
	done      chan struct{}
	malformed atomic.Int64
}

type voiceChannel struct {
	id      uuid.UUID
	e2e     bool
	members map[int64]*member
	stop    chan struct{}
}

// Router owns the VoiceSubscription index: channel -> member sessions and
// session -> channel. One forwarder goroutine per active channel reads
// each source buffer at frame cadence and fans out to the other members.
type Router struct {
	mutex    sync.RWMutex
	config   RouterConfig
	sessions map[int64]*member
	bySsrc   map[uint32]*member
	channels map[uuid.UUID]*voiceChannel

	keys       *KeyCoordinator
	tapEnabled atomic.Bool

	// send delivers an encoded datagram to a session's UDP endpoint;
	// installed by the UDP listener.
	send func(sessionID int64, datagram []byte)
	// onMisbehave tells signaling a source keeps sending garbage
	onMisbehave func(sessionID int64, reason string)

	sugar *zap.SugaredLogger
}

func NewRouter(config RouterConfig, sugar *zap.SugaredLogger) *Router {
	return &Router{
		config:   config,
		sessions: make(map[int64]*member),
		bySsrc:   make(map[uint32]*member),
		channels: make(map[uuid.UUID]*voiceChannel),
		keys:     NewKeyCoordinator(),
		sugar:    sugar,
	}
}

func (r *Router) SetSendFunc(send func(sessionID int64, datagram []byte)) {
	r.send = send
}

func (r *Router) SetMisbehaveFunc(fn func(sessionID int64, reason string)) {
	r.onMisbehave = fn
}

// SetTapEnabled turns the media.* cleartext tap on. Only plugins holding
// audio_read flip this; E2E payloads are never published regardless.
func (r *Router) SetTapEnabled(enabled bool) {
	r.tapEnabled.Store(enabled)
}

func (r *Router) Keys() *KeyCoordinator {
	return r.keys
}

// Subscribe binds a session's voice endpoint to a channel, leaving any
// previous channel first so a session is subscribed to at most one
// channel at a time. Returns the channel's current key epoch.
func (r *Router) Subscribe(sessionID int64, ssrc uint32, channelID uuid.UUID, e2e bool) uint16 {
	r.Unsubscribe(sessionID)

	m := &member{
		sessionID:  sessionID,
		ssrc:       ssrc,
		channelID:  channelID,
		e2e:        e2e,
		buffer:     NewJitterBuffer(r.config.Jitter),
		concealer:  NewConcealer(),
		congestion: NewCongestion(r.config.Congestion, r.config.PeakKbps),
		bucket:     newLeakyBucket(r.config.PeakKbps),
		sendQueue:  make(chan []byte, sendQueueSize),
		done:       make(chan struct{}),
	}

	r.mutex.Lock()
	channel, exists := r.channels[channelID]
	if !exists {
		channel = &voiceChannel{
			id:      channelID,
			e2e:     e2e,
			members: make(map[int64]*member),
			stop:    make(chan struct{}),
		}
		r.channels[channelID] = channel
		go r.forwardLoop(channel)
	}
	channel.members[sessionID] = m
	r.sessions[sessionID] = m
	r.bySsrc[ssrc] = m
	r.mutex.Unlock()

	epoch := r.keys.Bump(channelID)
	hub.Publish(hub.MediaKeyEpoch, map[string]any{"channel": channelID.String(), "epoch": epoch})

	go r.sendLoop(m)
	return epoch
}

// Unsubscribe removes the session from its channel; an emptied channel's
// forwarder stops and its epoch state is dropped.
func (r *Router) Unsubscribe(sessionID int64) {
	r.mutex.Lock()
	m, exists := r.sessions[sessionID]
	if !exists {
		r.mutex.Unlock()
		return
	}
	delete(r.sessions, sessionID)
	delete(r.bySsrc, m.ssrc)

	channel := r.channels[m.channelID]
	var emptied bool
	if channel != nil {
		delete(channel.members, sessionID)
		if len(channel.members) == 0 {
			delete(r.channels, m.channelID)
			close(channel.stop)
			emptied = true
		}
	}
	r.mutex.Unlock()

	close(m.done)

	if emptied {
		r.keys.Forget(m.channelID)
	} else {
		epoch := r.keys.Bump(m.channelID)
		hub.Publish(hub.MediaKeyEpoch, map[string]any{"channel": m.channelID.String(), "epoch": epoch})
	}
}

// ChannelOf is the session -> channel side of the subscription index.
func (r *Router) ChannelOf(sessionID int64) (uuid.UUID, bool) {
	r.mutex.RLock()
	defer r.mutex.RUnlock()
	m, exists := r.sessions[sessionID]
	if !exists {
		return uuid.Nil, false
	}
	return m.channelID, true
}

func (r *Router) MemberCount(channelID uuid.UUID) int {
	r.mutex.RLock()
	defer r.mutex.RUnlock()
	channel, exists := r.channels[channelID]
	if !exists {
		return 0
	}
	return len(channel.members)
}

func (r *Router) SetDeafened(sessionID int64, deafened bool) {
	r.mutex.RLock()
	m, exists := r.sessions[sessionID]
	r.mutex.RUnlock()
	if exists {
		m.deafened.Store(deafened)
	}
}

// HandleDatagram ingests one datagram from the receive loop. Malformed
// and rate-exceeding packets are dropped with a counter; loss is
// expected and concealed, never retransmitted.
func (r *Router) HandleDatagram(buf []byte) (sessionID int64, ok bool) {
	packet, err := Decode(buf)
	if err != nil {
		metrics.Inc("media.malformed")
		return 0, false
	}

	r.mutex.RLock()
	m, exists := r.bySsrc[packet.Header.Ssrc]
	r.mutex.RUnlock()
	if !exists {
		metrics.Inc("media.unknown_ssrc")
		return 0, false
	}

	if m.e2e && !packet.E2E() {
		// cleartext into an E2E channel is a protocol violation
		r.countMalformed(m)
		return m.sessionID, false
	}
	if r.config.E2EMandatory && !packet.E2E() {
		r.countMalformed(m)
		return m.sessionID, false
	}

	if !m.bucket.Allow(len(buf)) {
		metrics.Inc("media.rate_limited")
		return m.sessionID, false
	}

	m.bufMutex.Lock()
	m.buffer.Push(packet)
	// inbound FEC may recover the directly preceding loss
	if packet.Header.HasFlag(FlagFec) && packet.Header.Sequence != 0 {
		prev := packet.Header.Sequence - 1
		if _, buffered := m.buffer.Peek(prev); !buffered {
			recovered := Packet{
				Header: Header{
					Version:   ProtocolVersion,
					Type:      PacketFec,
					Flags:     packet.Header.Flags | FlagSynthesized,
					Sequence:  prev,
					KeyEpoch:  packet.Header.KeyEpoch,
					Timestamp: packet.Header.Timestamp - TicksPerFrame,
					Ssrc:      packet.Header.Ssrc,
				},
				Payload: append([]byte(nil), packet.Payload...),
			}
			if m.buffer.Recover(recovered) {
				metrics.Inc("media.fec_recovered")
			}
		}
	}
	m.bufMutex.Unlock()

	metrics.Inc("media.frames_received")
	return m.sessionID, true
}

func (r *Router) countMalformed(m *member) {
	metrics.Inc("media.malformed")
	if m.malformed.Add(1) == malformedDisconnectThreshold && r.onMisbehave != nil {
		hub.Publish(hub.MediaMalformed, map[string]any{"session": m.sessionID})
		r.onMisbehave(m.sessionID, "repeated malformed voice packets")
	}
}
