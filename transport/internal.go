package transport

import (
	"encoding/binary"
	"sync/atomic"
	"time"

	"github.com/zac-lb/sphynx/core/wire"
)

// internalOpcode is the first payload byte of an INTERNAL block, used to
// route SphynxTransport-level control messages that don't belong to the
// application's own protocol.
type internalOpcode uint8

const (
	opMTUProbe internalOpcode = iota
	opMTUSet
	opTimePing
	opTimePong
	opDisco
	opRekeyPropose
	opRekeyAck
)

// onTimePing echoes the pinger's own timestamp back as a TIME_PONG; no
// timestamp of this side is added.
func (c *Connection) onTimePing(payload []byte) {
	if len(payload) < 8 {
		return
	}
	c.sendMu.Lock()
	c.queueInternalLocked(0, append([]byte{byte(opTimePong)}, payload[:8]...))
	c.sendMu.Unlock()
}

func (c *Connection) onTimePong(payload []byte) {
	if len(payload) < 8 {
		return
	}
	sentAt := time.Unix(0, int64(binary.LittleEndian.Uint64(payload[:8])))
	c.skewMu.Lock()
	c.clockSkew = time.Since(sentAt)
	c.skewMu.Unlock()
}

// SendTimePing emits a TIME_PING carrying the current local timestamp.
func (c *Connection) SendTimePing() {
	var buf [9]byte
	buf[0] = byte(opTimePing)
	binary.LittleEndian.PutUint64(buf[1:], uint64(time.Now().UnixNano()))
	c.sendMu.Lock()
	c.queueInternalLocked(0, buf[:])
	c.sendMu.Unlock()
}

// ClockSkew returns the time elapsed between sending the most recent
// TIME_PING and receiving its TIME_PONG. The pong carries only this side's
// own timestamp, so the value is the round-trip time; the offset between
// the two clocks is not measured.
func (c *Connection) ClockSkew() time.Duration {
	c.skewMu.Lock()
	defer c.skewMu.Unlock()
	return c.clockSkew
}

func (c *Connection) onDisco(payload []byte) {
	reason := ReasonBrokenPipe
	if len(payload) >= 1 {
		reason = DisconnectReason(payload[0])
	}
	atomic.StoreInt32(&c.disconnectReason, int32(reason))
	c.setState(StateClosed)
}

// PostDisconnect transitions to Disconnecting, flushes any pending write
// before emitting a single DISCO, then moves to Closed. Flushing before
// returning (rather than after, as the original had it) keeps the last
// application data from being silently dropped.
func (c *Connection) PostDisconnect(reason DisconnectReason) {
	c.sendMu.Lock()
	if c.disconnectPosted {
		c.sendMu.Unlock()
		return
	}
	c.disconnectPosted = true
	c.setState(StateDisconnecting)
	c.flushSendBufferLocked()
	c.queueInternalLocked(0, []byte{byte(opDisco), byte(reason)})
	c.flushSendBufferLocked()
	c.sendMu.Unlock()
	atomic.StoreInt32(&c.disconnectReason, int32(reason))
	c.setState(StateClosed)
}

// DisconnectReason returns the reason this connection last closed for, or
// 0 if it is still open.
func (c *Connection) DisconnectReason() DisconnectReason {
	return DisconnectReason(atomic.LoadInt32(&c.disconnectReason))
}

// queueInternalLocked appends an unreliable INTERNAL block directly to the
// send buffer with no sent_list entry, since control traffic does not need
// reliable delivery semantics. Caller must hold sendMu.
func (c *Connection) queueInternalLocked(stream uint8, payload []byte) {
	c.appendBlockLocked(wire.SOPInternal, false, stream, 0, payload)
}
