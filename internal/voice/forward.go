package voice

import (
	"time"

	"speakeasy-server/internal/hub"
	"speakeasy-server/internal/metrics"
)

// congestion intervals are evaluated once per second of forward ticks
const ticksPerCongestionEval = 1000 / FrameMs

// forwardLoop drives one channel at frame cadence: each tick it reads
// every member's jitter buffer, conceals gaps, and fans the frame out to
// the other members. The payload is encoded once and shared; E2E
// ciphertext passes through untouched.
func (r *Router) forwardLoop(channel *voiceChannel) {
	ticker := time.NewTicker(FrameMs * time.Millisecond)
	defer ticker.Stop()

	ticks := 0
	for {
		select {
		case <-channel.stop:
			return
		case <-ticker.C:
		}

		ticks++
		evalNow := ticks%ticksPerCongestionEval == 0

		r.mutex.RLock()
		members := make([]*member, 0, len(channel.members))
		for _, m := range channel.members {
			members = append(members, m)
		}
		r.mutex.RUnlock()

		for _, source := range members {
			r.forwardFromSource(source, members)
			if evalNow {
				r.evaluateCongestion(source)
			}
		}
	}
}

// forwardFromSource drains everything the source buffer is ready to play
// this tick (usually one frame) and distributes it.
func (r *Router) forwardFromSource(source *member, members []*member) {
	for {
		source.bufMutex.Lock()
		packet, missing, ok := source.buffer.Pop()
		var successor *Packet
		if ok && missing {
			if next, buffered := source.buffer.Peek(packet.Header.Sequence + 1); buffered {
				successor = &next
			}
		}
		source.bufMutex.Unlock()

		if !ok {
			return
		}

		if missing {
			packet = source.concealer.Conceal(packet.Header.Sequence, successor)
			packet.Header.Ssrc = source.ssrc
			metrics.Inc("media.frames_concealed")
		} else {
			source.concealer.Original(packet)
		}

		r.distribute(source, packet, members)

		// only a single frame per tick unless the buffer is running hot
		source.bufMutex.Lock()
		hot := source.buffer.Depth() > source.buffer.Stats().TargetDepth
		source.bufMutex.Unlock()
		if !hot {
			return
		}
	}
}

// distribute fans one frame out to every member of the source's channel
// except the source itself and deafened subscribers. The datagram is
// encoded once; queues that are full drop the frame and count the loss
// against the subscriber's congestion tracker.
func (r *Router) distribute(source *member, packet Packet, members []*member) {
	datagram := packet.Encode()
	metrics.Inc("media.frames_forwarded")

	// cleartext tap for audio_read plugins; E2E payloads stay opaque and
	// are never published
	if r.tapEnabled.Load() && !source.e2e && !packet.E2E() {
		hub.Publish(hub.MediaFrame, map[string]any{
			"session":     source.sessionID,
			"channel":     source.channelID.String(),
			"sequence":    packet.Header.Sequence,
			"synthesized": packet.Header.HasFlag(FlagSynthesized),
			"payload":     packet.Payload,
		})
	}

	for _, subscriber := range members {
		if subscriber.sessionID == source.sessionID {
			continue
		}
		if subscriber.deafened.Load() {
			continue
		}

		subscriber.congestion.PacketSent()
		select {
		case subscriber.sendQueue <- datagram:
		default:
			subscriber.congestion.PacketLost()
			metrics.Inc("media.send_queue_drops")
		}
	}
}

// evaluateCongestion closes a subscriber's interval and publishes a
// downgrade hint when loss stays above threshold; the client adjusts its
// encoder, the router does not transcode.
func (r *Router) evaluateCongestion(m *member) {
	evaluation := m.congestion.Evaluate()

	switch evaluation.Action {
	case ActionReduceBitrate, ActionCritical:
		hub.Publish(hub.MediaDowngradeHint, map[string]any{
			"session":     m.sessionID,
			"channel":     m.channelID.String(),
			"bitrateKbps": evaluation.BitrateKbps,
			"lossRate":    evaluation.LossRate,
			"rttMs":       evaluation.RttMs,
			"critical":    evaluation.Action == ActionCritical,
		})
		metrics.Inc("media.downgrade_hints")
	case ActionRaiseBitrate:
		hub.Publish(hub.MediaDowngradeHint, map[string]any{
			"session":     m.sessionID,
			"channel":     m.channelID.String(),
			"bitrateKbps": evaluation.BitrateKbps,
			"lossRate":    evaluation.LossRate,
			"rttMs":       evaluation.RttMs,
			"recovery":    true,
		})
	}
}

// sendLoop drains one member's queue to the UDP socket until the member
// unsubscribes.
func (r *Router) sendLoop(m *member) {
	for {
		select {
		case <-m.done:
			return
		case datagram := <-m.sendQueue:
			if r.send != nil {
				r.send(m.sessionID, datagram)
			}
		}
	}
}

// UpdateRtt feeds a subscriber's measured round-trip time (from control
// plane heartbeats) into its congestion tracker.
func (r *Router) UpdateRtt(sessionID int64, rttMs int64) {
	r.mutex.RLock()
	m, exists := r.sessions[sessionID]
	r.mutex.RUnlock()
	if exists {
		m.congestion.UpdateRtt(rttMs)
	}
}
