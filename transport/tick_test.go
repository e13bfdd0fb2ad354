package transport

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/zac-lb/sphynx/core/crypto/aead"
	"github.com/zac-lb/sphynx/core/netaddr"
	"github.com/zac-lb/sphynx/core/sendbuf"
)

// byteCapture records every sealed datagram handed to WritePacket, without
// decoding it — useful for asserting how many times (and roughly how much)
// a connection has sent, independent of a peer to receive it.
type byteCapture struct {
	mu   sync.Mutex
	sent [][]byte
}

func (w *byteCapture) WritePacket(_ netaddr.NetAddr, b []byte) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	cp := make([]byte, len(b))
	copy(cp, b)
	w.sent = append(w.sent, cp)
	return nil
}

func (w *byteCapture) count() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.sent)
}

func newOpenTestConnection(t *testing.T, w PacketWriter) *Connection {
	t.Helper()
	var key [32]byte
	engine, err := aead.NewChaCha20Poly1305(key[:])
	require.NoError(t, err)
	addr := netaddr.NetAddr{Family: netaddr.FamilyV4, Port: 1, Valid: true}
	c := NewConnection(addr, engine, w, sendbuf.NewPool(), func(uint8, []byte) {})
	c.setState(StateOpen)
	return c
}

func TestTickRetransmitsUnackedBlockAfterDeadline(t *testing.T) {
	w := &byteCapture{}
	c := newOpenTestConnection(t, w)

	require.NoError(t, c.WriteReliable(1, []byte("payload")))
	c.FlushWrite()
	require.Equal(t, 1, w.count())
	require.Len(t, c.streams[1].sentList, 1)

	// Force the entry's retransmit deadline into the past without waiting
	// out minResendInterval/RTT*2 for real.
	for _, e := range c.streams[1].sentList {
		e.lastSendTime = time.Now().Add(-time.Hour).UnixNano()
	}

	c.Tick()

	require.Equal(t, 2, w.count(), "Tick must retransmit a block whose deadline has passed")
}

func TestTickDoesNotRetransmitBeforeDeadline(t *testing.T) {
	w := &byteCapture{}
	c := newOpenTestConnection(t, w)

	require.NoError(t, c.WriteReliable(1, []byte("payload")))
	c.FlushWrite()
	require.Equal(t, 1, w.count())

	c.Tick()

	require.Equal(t, 1, w.count(), "Tick must not retransmit a block still inside its deadline")
}

func TestTickRetransmitRespectsEpochBudget(t *testing.T) {
	w := &byteCapture{}
	c := newOpenTestConnection(t, w)

	require.NoError(t, c.WriteReliable(1, []byte("payload")))
	c.FlushWrite()
	require.Len(t, c.streams[1].sentList, 1)

	var entry *sentEntry
	for _, e := range c.streams[1].sentList {
		e.lastSendTime = time.Now().Add(-time.Hour).UnixNano()
		entry = e
	}
	lastSendBefore := entry.lastSendTime

	// Exhaust the epoch budget directly so retransmitBlockLocked must
	// refuse to start a new datagram.
	c.flow.OnPacketSend(c.flow.MaxEpochBytes())
	require.True(t, c.flow.EpochExhausted())

	sent := w.count()
	c.sendMu.Lock()
	ok := c.retransmitBlockLocked(entry)
	c.sendMu.Unlock()

	require.False(t, ok)
	require.Equal(t, sent, w.count(), "an exhausted epoch must not emit a new datagram")
	require.Equal(t, lastSendBefore, entry.lastSendTime, "a skipped retransmit must not reset lastSendTime")
}

func TestTickTimeoutDisconnectsAndRecordsReason(t *testing.T) {
	w := &byteCapture{}
	c := newOpenTestConnection(t, w)

	atomic.StoreInt64(&c.lastRecvTime, time.Now().Add(-TimeoutDisconnect-time.Second).UnixNano())

	c.Tick()

	require.Equal(t, StateClosed, c.State())
	require.Equal(t, ReasonTimeout, c.DisconnectReason())
}

func TestTickSilenceLimitTriggersKeepAlive(t *testing.T) {
	w := &byteCapture{}
	c := newOpenTestConnection(t, w)

	atomic.StoreInt64(&c.lastAnySendTime, time.Now().Add(-SilenceLimit-time.Second).UnixNano())

	c.Tick()

	require.Equal(t, 1, w.count(), "a long silent connection must flush a keep-alive on the next tick")
}

func TestTickNoKeepAliveBeforeSilenceLimit(t *testing.T) {
	w := &byteCapture{}
	c := newOpenTestConnection(t, w)

	c.Tick()

	require.Equal(t, 0, w.count(), "a recently active connection must not send an unnecessary keep-alive")
}
