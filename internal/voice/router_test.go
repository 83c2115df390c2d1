package voice

import (
	"testing"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"speakeasy-server/internal/hub"
	"speakeasy-server/internal/metrics"
)

func testRouter() *Router {
	hub.Setup(zap.NewNop().Sugar(), nil, true)
	config := DefaultRouterConfig()
	config.Jitter = JitterConfig{MinBufferMs: 0, MaxBufferMs: 200, Adaptive: false}
	return NewRouter(config, zap.NewNop().Sugar())
}

func (r *Router) memberOf(sessionID int64) *member {
	r.mutex.RLock()
	defer r.mutex.RUnlock()
	return r.sessions[sessionID]
}

func TestSubscribeIndexInvariant(t *testing.T) {
	router := testRouter()
	channelA := uuid.New()
	channelB := uuid.New()

	router.Subscribe(1, 0x1111, channelA, false)
	if got, _ := router.ChannelOf(1); got != channelA {
		t.Errorf("session 1 should be in channel A")
	}

	// switching channels auto-leaves: at most one subscription per session
	router.Subscribe(1, 0x1111, channelB, false)
	if got, _ := router.ChannelOf(1); got != channelB {
		t.Errorf("session 1 should have moved to channel B")
	}
	if router.MemberCount(channelA) != 0 {
		t.Errorf("channel A should be empty after the move, has %d", router.MemberCount(channelA))
	}

	router.Unsubscribe(1)
	if _, subscribed := router.ChannelOf(1); subscribed {
		t.Error("unsubscribed session must not appear in the index")
	}
}

func TestDistributeSkipsSenderAndDeafened(t *testing.T) {
	router := testRouter()
	channel := uuid.New()

	router.Subscribe(1, 0x1111, channel, false)
	router.Subscribe(2, 0x2222, channel, false)
	router.Subscribe(3, 0x3333, channel, false)
	router.SetDeafened(3, true)

	sender := router.memberOf(1)
	listener := router.memberOf(2)
	deafened := router.memberOf(3)

	members := []*member{sender, listener, deafened}
	packet := NewAudioPacket(1, TicksPerFrame, 0x1111, []byte{1, 2, 3})
	router.distribute(sender, packet, members)

	if len(sender.sendQueue) != 0 {
		t.Error("sender must not receive an echo")
	}
	if len(listener.sendQueue) != 1 {
		t.Errorf("listener should have 1 frame queued, has %d", len(listener.sendQueue))
	}
	if len(deafened.sendQueue) != 0 {
		t.Error("deafened subscriber must not receive frames")
	}
}

func TestHandleDatagramRoutesBySsrc(t *testing.T) {
	router := testRouter()
	channel := uuid.New()
	router.Subscribe(1, 0x1111, channel, false)

	packet := NewAudioPacket(1, TicksPerFrame, 0x1111, []byte{7})
	sessionID, ok := router.HandleDatagram(packet.Encode())
	if !ok || sessionID != 1 {
		t.Fatalf("datagram should bind to session 1, got %d ok=%v", sessionID, ok)
	}

	m := router.memberOf(1)
	m.bufMutex.Lock()
	depth := m.buffer.Depth()
	m.bufMutex.Unlock()
	if depth != 1 {
		t.Errorf("packet should be buffered, depth = %d", depth)
	}
}

func TestUnknownSsrcDropped(t *testing.T) {
	router := testRouter()
	metrics.Reset()

	packet := NewAudioPacket(1, TicksPerFrame, 0x9999, []byte{7})
	if _, ok := router.HandleDatagram(packet.Encode()); ok {
		t.Error("unknown ssrc must be dropped")
	}
	if metrics.Get("media.unknown_ssrc") != 1 {
		t.Error("unknown ssrc drop must be counted")
	}
}

func TestMalformedDatagramCounted(t *testing.T) {
	router := testRouter()
	metrics.Reset()

	if _, ok := router.HandleDatagram([]byte{1, 2, 3}); ok {
		t.Error("malformed datagram must be dropped")
	}
	if metrics.Get("media.malformed") != 1 {
		t.Error("malformed drop must be counted")
	}
}

func TestE2EChannelRejectsCleartext(t *testing.T) {
	router := testRouter()
	channel := uuid.New()
	router.Subscribe(1, 0x1111, channel, true)

	cleartext := NewAudioPacket(1, TicksPerFrame, 0x1111, []byte{7})
	if _, ok := router.HandleDatagram(cleartext.Encode()); ok {
		t.Error("cleartext into an E2E channel must be rejected")
	}

	encrypted := NewAudioPacket(2, 2*TicksPerFrame, 0x1111, []byte{0xEE})
	encrypted.Header.Flags |= FlagEncrypted
	if _, ok := router.HandleDatagram(encrypted.Encode()); !ok {
		t.Error("ciphertext into an E2E channel must pass")
	}
}

func TestE2EPassthroughOpaqueAndUntapped(t *testing.T) {
	router := testRouter()
	router.SetTapEnabled(true)
	channel := uuid.New()

	router.Subscribe(1, 0x1111, channel, true)
	router.Subscribe(2, 0x2222, channel, true)

	tap := hub.Subscribe("audio-tap", []string{"media.frame"}, 8)
	defer tap.Close()

	ciphertext := []byte{0xDE, 0xAD, 0xBE, 0xEF}
	packet := NewAudioPacket(1, TicksPerFrame, 0x1111, ciphertext)
	packet.Header.Flags |= FlagEncrypted

	if _, ok := router.HandleDatagram(packet.Encode()); !ok {
		t.Fatal("E2E packet must be accepted")
	}

	sender := router.memberOf(1)
	listener := router.memberOf(2)
	router.distribute(sender, packet, []*member{sender, listener})

	// forwarded bytes are unchanged ciphertext
	select {
	case datagram := <-listener.sendQueue:
		decoded, err := Decode(datagram)
		if err != nil {
			t.Fatal(err)
		}
		for i, b := range ciphertext {
			if decoded.Payload[i] != b {
				t.Fatal("E2E payload must be forwarded unchanged")
			}
		}
	default:
		t.Fatal("listener should have received the frame")
	}

	// audio_read tap receives nothing for E2E channels
	select {
	case <-tap.C():
		t.Error("media tap must not see E2E frames")
	case <-time.After(50 * time.Millisecond):
	}

	// metrics still count the frame
	if metrics.Get("media.frames_forwarded") == 0 {
		t.Error("E2E frames must still be counted")
	}
}

func TestRepeatedMalformedRaisesSignal(t *testing.T) {
	router := testRouter()
	channel := uuid.New()
	router.Subscribe(1, 0x1111, channel, true)

	var flagged int64
	router.SetMisbehaveFunc(func(sessionID int64, reason string) {
		flagged = sessionID
	})

	cleartext := NewAudioPacket(1, TicksPerFrame, 0x1111, []byte{7})
	for i := 0; i < malformedDisconnectThreshold; i++ {
		router.HandleDatagram(cleartext.Encode())
	}

	if flagged != 1 {
		t.Errorf("signaling should have been told about session 1, got %d", flagged)
	}
}
