package transport

import (
	"sync/atomic"
	"time"

	"github.com/zac-lb/sphynx/core/wire"
)

// Tick runs the per-connection 20ms maintenance pass: timeout detection,
// retransmission, ACK scheduling, keep-alive, flow control, and flushing
// any accumulated send buffer.
func (c *Connection) Tick() {
	now := time.Now()

	if c.State() == StateClosed {
		return
	}

	if now.Sub(time.Unix(0, atomic.LoadInt64(&c.lastRecvTime))) >= TimeoutDisconnect {
		c.sendMu.Lock()
		c.queueInternalLocked(0, []byte{byte(opDisco), byte(ReasonTimeout)})
		c.flushSendBufferLocked()
		c.sendMu.Unlock()
		atomic.StoreInt32(&c.disconnectReason, int32(ReasonTimeout))
		c.setState(StateClosed)
		return
	}

	c.sendMu.Lock()

	timedOut := c.retransmitLocked(now)

	if now.Sub(time.Unix(0, atomic.LoadInt64(&c.lastAnySendTime))) >= SilenceLimit {
		c.writeReliableLocked(0, wire.SOPData, nil) // 0-byte unordered-reliable keep-alive on stream 0
	}

	c.flow.OnTick(now, timedOut)

	c.flushSendBufferLocked()
	c.sendMu.Unlock()

	if c.State() == StateOpen {
		c.MaybeRekey()
	}
}

// retransmitLocked walks every stream's sent_list and re-emits any entry
// whose retransmit deadline has passed, returning how many were considered
// lost this tick (for the flow-control timeout-loss input). Caller must
// hold sendMu.
func (c *Connection) retransmitLocked(now time.Time) int {
	rtt := c.rttDuration()
	deadline := rtt * 2
	if deadline < minResendInterval {
		deadline = minResendInterval
	}

	lost := 0
	for _, s := range c.streams {
		for _, e := range s.sentList {
			if e.lastSendTime != 0 && now.Sub(time.Unix(0, e.lastSendTime)) < deadline {
				continue
			}
			lost++
			if c.retransmitBlockLocked(e) {
				e.lastSendTime = now.UnixNano()
			}
			// else: epoch budget exhausted, leave lastSendTime alone so
			// this entry is reconsidered (and counted lost again) next
			// tick rather than silently skipped forever.
		}
	}
	return lost
}

// retransmitBlockLocked re-emits a previously sent block verbatim (it
// already carries its full 3-byte ACK-ID), bypassing the elision-tracking
// append path since a retransmit must never rely on a neighbor block still
// being present in this datagram. Reports false without touching c.sendBuf
// if the current epoch's send budget is already exhausted: the transport
// may not start a new datagram past max_epoch_bytes, retransmits included.
func (c *Connection) retransmitBlockLocked(e *sentEntry) bool {
	if c.flow.EpochExhausted() {
		return false
	}
	if len(c.sendBuf)+len(e.data) > c.maxPayload && len(c.sendBuf) > 0 {
		c.flushSendBufferLocked()
	}
	c.sendBuf = append(c.sendBuf, e.data...)
	c.sendBufHasPrev = false
	c.flow.OnPacketSend(int64(len(e.data)))
	return true
}
