package transport

import (
	"fmt"
	"sync/atomic"
	"time"

	"github.com/zac-lb/sphynx/core/wire"
)

const headerBudget = 2  // worst-case two-byte block header
const ackIDBudget = 3   // worst-case three-byte ack-id

// WriteReliable queues data for in-order, retransmitted delivery on the
// given stream, splitting it into FRAG blocks if it exceeds one datagram's
// payload budget.
func (c *Connection) WriteReliable(stream uint8, data []byte) error {
	if len(data) > MaxMessageDataLen {
		return fmt.Errorf("transport: message of %d bytes exceeds MAX_MESSAGE_DATALEN", len(data))
	}
	c.sendMu.Lock()
	defer c.sendMu.Unlock()
	return c.writeReliableLocked(stream, wire.SOPData, data)
}

// writeInternalReliable is used for INTERNAL blocks that need reliable
// delivery (e.g. the hybrid rekey handshake), as opposed to the
// unreliable INTERNAL control traffic in internal.go.
func (c *Connection) writeInternalReliable(stream uint8, data []byte) error {
	c.sendMu.Lock()
	defer c.sendMu.Unlock()
	return c.writeReliableLocked(stream, wire.SOPInternal, data)
}

func (c *Connection) writeReliableLocked(stream uint8, sop wire.SOP, data []byte) error {
	singleBudget := c.maxPayload - headerBudget - ackIDBudget
	if singleBudget <= 0 {
		return fmt.Errorf("transport: no payload budget available")
	}

	s := c.streams[stream]

	if len(data) <= singleBudget {
		id := s.nextSendID
		s.nextSendID++
		c.appendBlockLocked(sop, true, stream, id, data)
		return nil
	}

	fragBudget := singleBudget - wire.FragHeaderLen
	if fragBudget <= 0 {
		return fmt.Errorf("transport: payload budget too small to fragment")
	}

	first := true
	for len(data) > 0 {
		budget := fragBudget
		if !first {
			budget = singleBudget
		}
		n := budget
		if n > len(data) {
			n = len(data)
		}
		chunk := data[:n]
		data = data[n:]

		var block []byte
		if first {
			block = wire.EncodeFragHeader(nil, uint16(len(data)+len(chunk)))
			block = append(block, chunk...)
		} else {
			block = chunk
		}

		id := s.nextSendID
		s.nextSendID++
		c.appendBlockLocked(wire.SOPFrag, true, stream, id, block)
		first = false
	}
	return nil
}

// WriteUnreliable queues data for best-effort, unordered delivery. It is
// only meaningful once the connection is Open (authenticated).
func (c *Connection) WriteUnreliable(stream uint8, data []byte) error {
	c.sendMu.Lock()
	defer c.sendMu.Unlock()
	c.appendBlockLocked(wire.SOPData, false, stream, 0, data)
	return nil
}

// WriteUnreliableOOB sends data unauthenticated, outside the AEAD session
// — used only for pre-handshake traffic (the handshake messages
// themselves bypass this engine entirely and go straight to the socket).
func (c *Connection) WriteUnreliableOOB(data []byte) error {
	return c.out.WritePacket(c.remoteAddr, data)
}

// appendBlockLocked encodes one block into the accumulating send buffer,
// flushing first if it wouldn't fit. Caller must hold sendMu.
func (c *Connection) appendBlockLocked(sop wire.SOP, reliable bool, stream uint8, ackID uint32, payload []byte) {
	needsID := reliable || sop == wire.SOPFrag
	elide := needsID && c.sendBufHasPrev && c.sendBufStream == stream && ackID == c.sendBufAckID+1

	hdr, err := wire.EncodeHeader(nil, len(payload), needsID && !elide, reliable, sop)
	if err != nil {
		return // oversized single block: caller's fragmentation budget is wrong, drop rather than corrupt the stream
	}
	block := hdr
	if needsID && !elide {
		block, err = wire.EncodeAckIDShort(block, stream, ackID)
		if err != nil {
			return
		}
	}
	block = append(block, payload...)

	if len(c.sendBuf)+len(block) > c.maxPayload && len(c.sendBuf) > 0 {
		c.flushSendBufferLocked()
		elide = false
		hdr, err = wire.EncodeHeader(nil, len(payload), needsID, reliable, sop)
		if err != nil {
			return
		}
		block = hdr
		if needsID {
			block, err = wire.EncodeAckIDShort(block, stream, ackID)
			if err != nil {
				return
			}
		}
		block = append(block, payload...)
	}

	c.sendBuf = append(c.sendBuf, block...)
	if needsID {
		c.sendBufStream, c.sendBufAckID, c.sendBufHasPrev = stream, ackID, true
	}

	if reliable || sop == wire.SOPFrag {
		full, err := wire.EncodeHeader(nil, len(payload), true, reliable, sop)
		if err == nil {
			full, err = wire.EncodeAckIDFull(full, stream, ackID)
		}
		if err == nil {
			full = append(full, payload...)
			now := time.Now().UnixNano()
			c.streams[stream].sentList[ackID] = &sentEntry{
				ackID:         ackID,
				data:          full,
				firstSendTime: now,
				lastSendTime:  now,
			}
		}
	}

	c.flow.OnPacketSend(int64(len(block)))
}

// FlushWrite emits any accumulated send buffer as a datagram, attaching a
// pending ACK body first if any stream has got_reliable set.
func (c *Connection) FlushWrite() {
	c.sendMu.Lock()
	c.flushSendBufferLocked()
	c.sendMu.Unlock()
}

func (c *Connection) flushSendBufferLocked() {
	if c.flow.EpochExhausted() {
		// send_epoch_bytes has reached max_epoch_bytes for this epoch: the
		// transport may not start a new datagram. Leave the accumulated
		// buffer in place; it flushes on a later Tick once OnTick rolls
		// the epoch over and resets the budget.
		return
	}

	if ack := c.buildAckBody(); ack != nil {
		hdr, err := wire.EncodeHeader(nil, len(ack), false, false, wire.SOPAck)
		if err == nil {
			c.sendBuf = append(c.sendBuf, append(hdr, ack...)...)
		}
	}

	if len(c.sendBuf) == 0 {
		return
	}

	c.engineMu.RLock()
	sealed := c.engine.Seal(nil, c.sendBuf)
	c.engineMu.RUnlock()

	c.out.WritePacket(c.remoteAddr, sealed)

	c.sendBuf = c.sendBuf[:0]
	c.sendBufHasPrev = false
	atomic.StoreInt64(&c.lastAnySendTime, time.Now().UnixNano())
}
