package voice

import (
	"math"
)

// ticks of the 48 kHz clock per 20 ms frame
const TicksPerFrame = 960
const FrameMs = 20

type JitterConfig struct {
	MinBufferMs int
	MaxBufferMs int
	Adaptive    bool
}

func DefaultJitterConfig() JitterConfig {
	return JitterConfig{MinBufferMs: 40, MaxBufferMs: 200, Adaptive: true}
}

type JitterStats struct {
	Received    uint64
	Played      uint64
	Duplicates  uint64
	Late        uint64
	Lost        uint64
	Recovered   uint64
	Overflows   uint64
	JitterTicks uint32
	Depth       int
	TargetDepth int
}

// JitterBuffer reorders one source's datagrams by wrap-aware sequence
// number before the forwarder reads them at frame cadence. It is a fixed
// ring sized to max_buffer_ms / frame_ms; no allocation happens per
// frame. Single writer (the receive loop), single reader (the channel
// forwarder); the caller provides synchronization.
type JitterBuffer struct {
	config   JitterConfig
	capacity int
	minDepth int

	slots   []Packet
	present []bool
	depth   int

	started bool
	nextSeq uint16
	// last sequence handed to the reader, for late/duplicate detection
	lastPopped uint16
	popped     bool

	// Welford online variance over timestamp interarrivals
	lastTimestamp   uint32
	haveTimestamp   bool
	jitterMean      float64
	jitterM2        float64
	jitterN         uint64
	targetDepth     int
	aboveTargetRuns int

	stats JitterStats
}

func NewJitterBuffer(config JitterConfig) *JitterBuffer {
	if config.MaxBufferMs <= 0 {
		config.MaxBufferMs = 200
	}
	if config.MinBufferMs < 0 {
		config.MinBufferMs = 0
	}

	capacity := config.MaxBufferMs / FrameMs
	if capacity < 2 {
		capacity = 2
	}
	minDepth := config.MinBufferMs / FrameMs

	buffer := &JitterBuffer{
		config:   config,
		capacity: capacity,
		minDepth: minDepth,
		slots:    make([]Packet, capacity),
		present:  make([]bool, capacity),
	}
	buffer.targetDepth = max(minDepth, capacity/2)
	return buffer
}

func (b *JitterBuffer) slot(seq uint16) int {
	return int(seq) % b.capacity
}

// Push inserts a packet. Late arrivals inside the window are inserted in
// order; arrivals older than the already-played position are discarded.
func (b *JitterBuffer) Push(packet Packet) {
	seq := packet.Header.Sequence
	b.stats.Received++

	if !b.started {
		b.started = true
		b.nextSeq = seq
	}

	// before the first pop, an earlier arrival moves the read position
	// back when everything buffered still fits the window from it
	if !b.popped && seqBefore(seq, b.nextSeq) {
		fits := true
		for i := range b.present {
			if b.present[i] && seqDistance(seq, b.slots[i].Header.Sequence) >= uint16(b.capacity) {
				fits = false
			}
		}
		if fits {
			b.nextSeq = seq
		}
	}

	// older than the read position: late, discard
	if b.popped && !seqBefore(b.lastPopped, seq) {
		b.stats.Late++
		b.adaptOnLoss()
		return
	}

	// beyond the window: resynchronize at this sequence; every buffered
	// entry is dropped
	if seqDistance(b.nextSeq, seq) >= uint16(b.capacity) {
		if seqBefore(seq, b.nextSeq) {
			// far in the past, unusable
			b.stats.Late++
			return
		}
		// sender jumped ahead; resynchronize and flush
		for i := range b.present {
			if b.present[i] {
				b.present[i] = false
				b.stats.Overflows++
			}
		}
		b.depth = 0
		b.nextSeq = seq
	}

	idx := b.slot(seq)
	if b.present[idx] {
		b.stats.Duplicates++
		return
	}

	b.measureJitter(packet.Header.Timestamp)
	b.slots[idx] = packet
	b.present[idx] = true
	b.depth++
	b.stats.Depth = b.depth
}

// Pop returns the packet at the read position, advancing it. ok=false
// means the buffer is not ready: empty, or still below its startup
// depth. A gap at the read position with later data buffered yields
// ok=true with missing=true so the concealer can synthesize a frame.
func (b *JitterBuffer) Pop() (packet Packet, missing bool, ok bool) {
	if b.depth == 0 {
		return Packet{}, false, false
	}
	if !b.popped && b.depth < b.effectiveMinDepth() {
		// startup latency: wait until the buffer has filled
		return Packet{}, false, false
	}

	idx := b.slot(b.nextSeq)
	if b.present[idx] {
		packet = b.slots[idx]
		b.present[idx] = false
		b.depth--
		b.lastPopped = b.nextSeq
		b.popped = true
		b.nextSeq++
		b.stats.Played++
		b.stats.Depth = b.depth
		b.maybeShrinkTarget()
		return packet, false, true
	}

	// gap: later frames exist, this sequence is lost
	b.stats.Lost++
	b.adaptOnLoss()
	seq := b.nextSeq
	b.lastPopped = seq
	b.popped = true
	b.nextSeq++
	return Packet{Header: Header{Version: ProtocolVersion, Sequence: seq}}, true, true
}

// Recover inserts a packet reconstructed from FEC data, delivered in
// order like any other arrival.
func (b *JitterBuffer) Recover(packet Packet) bool {
	seq := packet.Header.Sequence
	if b.popped && !seqBefore(b.lastPopped, seq) {
		return false
	}
	idx := b.slot(seq)
	if b.present[idx] {
		return false
	}
	b.slots[idx] = packet
	b.present[idx] = true
	b.depth++
	b.stats.Recovered++
	return true
}

// Peek returns the buffered packet for a sequence without consuming it.
func (b *JitterBuffer) Peek(seq uint16) (Packet, bool) {
	idx := b.slot(seq)
	if b.present[idx] && b.slots[idx].Header.Sequence == seq {
		return b.slots[idx], true
	}
	return Packet{}, false
}

func (b *JitterBuffer) Depth() int {
	return b.depth
}

func (b *JitterBuffer) Stats() JitterStats {
	stats := b.stats
	stats.JitterTicks = b.jitterTicks()
	stats.TargetDepth = b.targetDepth
	return stats
}

func (b *JitterBuffer) effectiveMinDepth() int {
	if !b.config.Adaptive {
		return b.minDepth
	}
	return min(b.targetDepth, max(b.minDepth, 1))
}

func (b *JitterBuffer) jitterTicks() uint32 {
	if b.jitterN < 2 {
		return 0
	}
	variance := b.jitterM2 / float64(b.jitterN-1)
	return uint32(math.Sqrt(variance))
}

func (b *JitterBuffer) measureJitter(timestamp uint32) {
	if b.haveTimestamp {
		interarrival := float64(timestamp - b.lastTimestamp)
		b.jitterN++
		delta := interarrival - b.jitterMean
		b.jitterMean += delta / float64(b.jitterN)
		b.jitterM2 += delta * (interarrival - b.jitterMean)
	}
	b.lastTimestamp = timestamp
	b.haveTimestamp = true
}

// adaptOnLoss grows the target occupancy after a loss or late event.
func (b *JitterBuffer) adaptOnLoss() {
	if !b.config.Adaptive {
		return
	}
	b.aboveTargetRuns = 0

	needed := int(b.jitterTicks()/TicksPerFrame) + 2
	b.targetDepth = min(b.capacity, max(b.targetDepth+1, max(needed, b.minDepth)))
}

// maybeShrinkTarget lowers the target slowly once occupancy has stayed
// above it for a sustained window.
func (b *JitterBuffer) maybeShrinkTarget() {
	if !b.config.Adaptive {
		return
	}

	const window = 50 // pops (~1 s at 20 ms cadence)
	if b.depth > b.targetDepth {
		b.aboveTargetRuns++
		if b.aboveTargetRuns >= window && b.targetDepth > max(b.minDepth, 1) {
			b.targetDepth--
			b.aboveTargetRuns = 0
		}
	} else {
		b.aboveTargetRuns = 0
	}
}
