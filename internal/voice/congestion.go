package voice

import (
	"time"
)

// CongestionConfig tunes the per-subscriber quality tracker.
type CongestionConfig struct {
	// loss fraction above which a downgrade hint fires
	LossThreshold float64
	// RTT rise in ms that triggers a warning
	RttWarnDeltaMs int64
	MinBitrateKbps int
	MaxBitrateKbps int
	// bitrate multiplier applied on loss (0..1)
	ReductionFactor float64
	// bitrate multiplier applied per stable interval (>1)
	RecoveryFactor float64
	// stable intervals required before recovery kicks in
	StableIntervalsForRecovery int
	Interval                   time.Duration
}

func DefaultCongestionConfig() CongestionConfig {
	return CongestionConfig{
		LossThreshold:              0.05,
		RttWarnDeltaMs:             50,
		MinBitrateKbps:             8,
		MaxBitrateKbps:             510,
		ReductionFactor:            0.75,
		RecoveryFactor:             1.05,
		StableIntervalsForRecovery: 3,
		Interval:                   time.Second,
	}
}

type CongestionAction int

const (
	ActionStable CongestionAction = iota
	ActionReduceBitrate
	ActionRaiseBitrate
	ActionRttWarning
	ActionCritical
)

// Evaluation is the outcome of one congestion interval; hinted actions
// are published on the bus for the client to apply to its encoder. The
// router never transcodes.
type Evaluation struct {
	Action      CongestionAction
	BitrateKbps int
	LossRate    float64
	RttMs       int64
}

// Congestion tracks one subscriber's loss and RTT and recommends
// bitrate changes. All bookkeeping is O(1); call Evaluate once per
// interval.
type Congestion struct {
	config CongestionConfig

	bitrateKbps int
	lastRttMs   int64
	prevRttMs   int64

	sent     uint64
	lost     uint64
	stable   int
	lossRate float64
}

func NewCongestion(config CongestionConfig, startBitrateKbps int) *Congestion {
	bitrate := max(config.MinBitrateKbps, min(config.MaxBitrateKbps, startBitrateKbps))
	return &Congestion{config: config, bitrateKbps: bitrate}
}

func (c *Congestion) UpdateRtt(rttMs int64) {
	c.prevRttMs = c.lastRttMs
	c.lastRttMs = rttMs
}

func (c *Congestion) PacketSent()       { c.sent++ }
func (c *Congestion) PacketLost()       { c.lost++ }
func (c *Congestion) BitrateKbps() int  { return c.bitrateKbps }
func (c *Congestion) LossRate() float64 { return c.lossRate }

// Evaluate closes the current interval and resets its counters.
func (c *Congestion) Evaluate() Evaluation {
	lossRate := 0.0
	if c.sent > 0 {
		lossRate = float64(c.lost) / float64(c.sent)
	}
	c.lossRate = lossRate
	rttDelta := c.lastRttMs - c.prevRttMs

	c.sent = 0
	c.lost = 0

	highLoss := lossRate > c.config.LossThreshold
	highRtt := c.lastRttMs > 200
	rttRising := rttDelta > c.config.RttWarnDeltaMs

	if highLoss && highRtt {
		c.stable = 0
		c.bitrateKbps = max(c.config.MinBitrateKbps,
			int(float64(c.bitrateKbps)*c.config.ReductionFactor*c.config.ReductionFactor+0.5))
		return Evaluation{Action: ActionCritical, BitrateKbps: c.bitrateKbps, LossRate: lossRate, RttMs: c.lastRttMs}
	}

	if highLoss {
		c.stable = 0
		c.bitrateKbps = max(c.config.MinBitrateKbps,
			int(float64(c.bitrateKbps)*c.config.ReductionFactor+0.5))
		return Evaluation{Action: ActionReduceBitrate, BitrateKbps: c.bitrateKbps, LossRate: lossRate, RttMs: c.lastRttMs}
	}

	if rttRising {
		c.stable = 0
		return Evaluation{Action: ActionRttWarning, BitrateKbps: c.bitrateKbps, LossRate: lossRate, RttMs: c.lastRttMs}
	}

	c.stable++
	if c.stable >= c.config.StableIntervalsForRecovery {
		raised := min(c.config.MaxBitrateKbps, int(float64(c.bitrateKbps)*c.config.RecoveryFactor+0.5))
		if raised > c.bitrateKbps {
			c.bitrateKbps = raised
			return Evaluation{Action: ActionRaiseBitrate, BitrateKbps: c.bitrateKbps, LossRate: lossRate, RttMs: c.lastRttMs}
		}
	}

	return Evaluation{Action: ActionStable, BitrateKbps: c.bitrateKbps, LossRate: lossRate, RttMs: c.lastRttMs}
}
