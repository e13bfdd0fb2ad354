package flowcontrol

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestGateStartsInSlowStart(t *testing.T) {
	g := NewGate()
	require.Equal(t, PhaseSlowStart, g.Phase())
	require.Equal(t, int64(initialCapBytes), g.MaxEpochBytes())
}

func TestGateDoublesCapEachLosslessEpoch(t *testing.T) {
	g := NewGate()
	now := time.Now()

	g.OnPacketSend(1000)
	now = now.Add(EpochInterval)
	g.OnTick(now, 0)
	require.Equal(t, PhaseSlowStart, g.Phase())
	require.Equal(t, int64(initialCapBytes*2), g.MaxEpochBytes())

	now = now.Add(EpochInterval)
	g.OnTick(now, 0)
	require.Equal(t, int64(initialCapBytes*4), g.MaxEpochBytes())
}

func TestGateTransitionsToCongestionReactionOnLoss(t *testing.T) {
	g := NewGate()
	now := time.Now()

	g.OnPacketSend(int64(initialCapBytes))
	now = now.Add(EpochInterval)
	g.OnTick(now, 1) // one timeout loss this epoch

	require.Equal(t, PhaseCongestionReaction, g.Phase())
}

func TestGateRecoversToSteadyStateAfterLosslessEpoch(t *testing.T) {
	g := NewGate()
	now := time.Now()

	g.OnPacketSend(int64(initialCapBytes))
	now = now.Add(EpochInterval)
	g.OnTick(now, 1)
	require.Equal(t, PhaseCongestionReaction, g.Phase())

	g.OnPacketSend(1000)
	now = now.Add(EpochInterval)
	g.OnTick(now, 0)
	require.Equal(t, PhaseSteadyState, g.Phase())
}

func TestGateNackLossFeedsCongestionReactionViaOnACK(t *testing.T) {
	g := NewGate()
	now := time.Now()

	g.OnACK(now, 80*time.Millisecond, 3)
	now = now.Add(EpochInterval)
	g.OnTick(now, 0)

	require.Equal(t, PhaseCongestionReaction, g.Phase())
}

func TestGateEpochExhaustedGatesSends(t *testing.T) {
	g := NewGate()
	require.False(t, g.EpochExhausted())

	g.OnPacketSend(g.MaxEpochBytes())
	require.True(t, g.EpochExhausted())
}

func TestGateLossTimeoutFloorsAtMinimum(t *testing.T) {
	g := NewGate()
	g.OnACK(time.Now(), time.Millisecond, 0)
	require.Equal(t, 250*time.Millisecond, g.LossTimeout())
}
