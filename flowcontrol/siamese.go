// Package flowcontrol implements the Siamese-style per-connection rate
// gate: a small set of tunables recomputed at each epoch boundary,
// structurally modeled on the PKI-doc-driven Rates in client2/rates.go but
// generalized from static lambda parameters to a live, loss/RTT-driven
// byte-budget estimator.
package flowcontrol

import (
	"sync"
	"sync/atomic"
	"time"
)

// Phase is the gate's current congestion-control regime.
type Phase int

const (
	PhaseSlowStart Phase = iota
	PhaseSteadyState
	PhaseCongestionReaction
)

const (
	EpochInterval   = 500 * time.Millisecond
	MinRateLimit    = 100000 // bytes/sec
	initialCapBytes = 50000  // one epoch's worth at the minimum rate, doubled from here in SlowStart
)

// Gate is a per-connection send-rate limiter. The transport engine must
// not start a new datagram once OnPacketSend has pushed send_epoch_bytes
// to or past MaxEpochBytes.
type Gate struct {
	sendEpochBytes int64 // atomic

	mu             sync.Mutex
	phase          Phase
	maxEpochBytes  int64
	nextEpochTime  time.Time
	smoothedRate   float64 // bytes/sec, used in SteadyState
	lossTimeout    time.Duration
	sawLossInEpoch bool
}

// NewGate constructs a Gate starting in SlowStart.
func NewGate() *Gate {
	return &Gate{
		phase:         PhaseSlowStart,
		maxEpochBytes: initialCapBytes,
		nextEpochTime: time.Now().Add(EpochInterval),
		lossTimeout:   250 * time.Millisecond,
	}
}

// OnPacketSend records bytesWithOverhead (including header/AEAD trailer)
// against the current epoch's budget.
func (g *Gate) OnPacketSend(bytesWithOverhead int64) {
	atomic.AddInt64(&g.sendEpochBytes, bytesWithOverhead)
}

// MaxEpochBytes returns the current epoch's send budget.
func (g *Gate) MaxEpochBytes() int64 {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.maxEpochBytes
}

// EpochExhausted reports whether send_epoch_bytes has reached the current
// budget; the transport consults this before starting a new datagram.
func (g *Gate) EpochExhausted() bool {
	return atomic.LoadInt64(&g.sendEpochBytes) >= g.MaxEpochBytes()
}

// LossTimeout returns the current retransmission loss timeout, derived
// from RTT samples, for the retransmission scheduler to consult.
func (g *Gate) LossTimeout() time.Duration {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.lossTimeout
}

// OnACK folds a newly processed ACK's RTT sample and implicit-NACK count
// into the capacity estimate.
func (g *Gate) OnACK(now time.Time, rtt time.Duration, nackLossCount int) {
	g.mu.Lock()
	defer g.mu.Unlock()

	g.lossTimeout = rtt * 2
	if g.lossTimeout < 250*time.Millisecond {
		g.lossTimeout = 250 * time.Millisecond
	}

	if nackLossCount > 0 {
		g.sawLossInEpoch = true
	}

	// Bandwidth-delay-product estimate: how many bytes fit in one RTT at
	// the smoothed rate, used once in SteadyState.
	if g.phase == PhaseSteadyState && rtt > 0 {
		bdp := g.smoothedRate * rtt.Seconds()
		g.smoothedRate = 0.875*g.smoothedRate + 0.125*(bdp/rtt.Seconds())
	}
}

// OnTick closes the epoch once now reaches next_epoch_time and advances
// the phase.
func (g *Gate) OnTick(now time.Time, timeoutLossCount int) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if now.Before(g.nextEpochTime) {
		return
	}

	sent := atomic.SwapInt64(&g.sendEpochBytes, 0)
	epochRate := float64(sent) / EpochInterval.Seconds()

	lossThisEpoch := g.sawLossInEpoch || timeoutLossCount > 0
	g.sawLossInEpoch = false

	switch g.phase {
	case PhaseSlowStart:
		if lossThisEpoch {
			g.phase = PhaseCongestionReaction
			g.smoothedRate = epochRate / 2
			g.maxEpochBytes = rateToEpochBytes(g.smoothedRate)
		} else {
			g.maxEpochBytes *= 2
		}
	case PhaseSteadyState:
		if lossThisEpoch {
			g.phase = PhaseCongestionReaction
			g.smoothedRate = epochRate / 2
			g.maxEpochBytes = rateToEpochBytes(g.smoothedRate)
		} else {
			if g.smoothedRate == 0 {
				g.smoothedRate = epochRate
			} else {
				g.smoothedRate = 0.875*g.smoothedRate + 0.125*epochRate
			}
			g.maxEpochBytes = rateToEpochBytes(g.smoothedRate)
		}
	case PhaseCongestionReaction:
		if lossThisEpoch {
			g.smoothedRate *= 0.7
		} else {
			g.smoothedRate *= 1.1
			g.phase = PhaseSteadyState
		}
		g.maxEpochBytes = rateToEpochBytes(g.smoothedRate)
	}

	if g.maxEpochBytes < rateToEpochBytes(MinRateLimit) {
		g.maxEpochBytes = rateToEpochBytes(MinRateLimit)
	}

	g.nextEpochTime = now.Add(EpochInterval)
}

func rateToEpochBytes(bytesPerSec float64) int64 {
	return int64(bytesPerSec * EpochInterval.Seconds())
}

// Phase reports the gate's current congestion-control regime.
func (g *Gate) Phase() Phase {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.phase
}
