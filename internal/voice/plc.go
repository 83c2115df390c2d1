package voice

// Loss concealment strategy ladder for a missing sequence:
//  1. FEC: the successor packet carries redundant data for seq-1.
//  2. Repeat the last good frame with a fade, up to maxRepeats in a row.
//  3. Silence (DTX) once the loss run is too long.
//
// Every synthesized frame carries FlagSynthesized so subscribers can
// annotate or drop it.

const maxRepeats = 3
const fadeFactor = 0.75

type ConcealStats struct {
	Originals       uint64
	FecRecovered    uint64
	Repeats         uint64
	SilenceInserted uint64
	TotalConcealed  uint64
}

// LossRate is concealed frames over everything delivered.
func (s ConcealStats) LossRate() float64 {
	total := s.Originals + s.TotalConcealed
	if total == 0 {
		return 0
	}
	return float64(s.TotalConcealed) / float64(total)
}

// Concealer synthesizes replacement frames for lost sequences. One per
// source session, driven by the forwarder after jitter reordering; not
// safe for concurrent use.
type Concealer struct {
	lastGood    *Packet
	lossRun     int
	currentFade float64
	stats       ConcealStats
}

func NewConcealer() *Concealer {
	return &Concealer{currentFade: 1.0}
}

// Original notes a real frame and resets the loss run.
func (c *Concealer) Original(packet Packet) {
	copied := packet
	c.lastGood = &copied
	c.lossRun = 0
	c.currentFade = 1.0
	c.stats.Originals++
}

// Conceal produces the replacement frame for one missing sequence.
// successor, when non-nil, is the next real packet pulled from the
// buffer and may carry FEC covering this loss.
func (c *Concealer) Conceal(seq uint16, successor *Packet) Packet {
	c.stats.TotalConcealed++

	// FEC: the following packet's redundant data reconstructs seq when
	// it directly precedes it.
	if successor != nil && successor.Header.HasFlag(FlagFec) && successor.Header.Sequence == seq+1 {
		c.stats.FecRecovered++
		return Packet{
			Header: Header{
				Version:   ProtocolVersion,
				Type:      PacketFec,
				Flags:     FlagFec | FlagSynthesized,
				Sequence:  seq,
				KeyEpoch:  successor.Header.KeyEpoch,
				Timestamp: successor.Header.Timestamp - TicksPerFrame,
				Ssrc:      successor.Header.Ssrc,
			},
			Payload: append([]byte(nil), successor.Payload...),
		}
	}

	c.lossRun++

	if c.lossRun > maxRepeats || c.lastGood == nil {
		c.stats.SilenceInserted++
		var ssrc uint32
		var timestamp uint32
		if c.lastGood != nil {
			ssrc = c.lastGood.Header.Ssrc
			timestamp = c.lastGood.Header.Timestamp + uint32(c.lossRun)*TicksPerFrame
		}
		silence := NewSilencePacket(seq, timestamp, ssrc)
		silence.Header.Flags |= FlagSynthesized
		return silence
	}

	// repeat the last good frame, shortened as a stand-in for a fading
	// amplitude (the payload is codec bytes, not PCM)
	c.currentFade *= fadeFactor
	c.stats.Repeats++

	length := int(float64(len(c.lastGood.Payload)) * c.currentFade)
	if length < 1 {
		length = 1
	}
	payload := append([]byte(nil), c.lastGood.Payload[:min(length, len(c.lastGood.Payload))]...)

	return Packet{
		Header: Header{
			Version:   ProtocolVersion,
			Type:      PacketAudio,
			Flags:     FlagSynthesized,
			Sequence:  seq,
			KeyEpoch:  c.lastGood.Header.KeyEpoch,
			Timestamp: c.lastGood.Header.Timestamp + uint32(c.lossRun)*TicksPerFrame,
			Ssrc:      c.lastGood.Header.Ssrc,
		},
		Payload: payload,
	}
}

func (c *Concealer) Stats() ConcealStats {
	return c.stats
}
