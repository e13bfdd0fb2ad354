package transport

import (
	"encoding/binary"

	"github.com/zac-lb/sphynx/core/crypto/aead"
	"github.com/zac-lb/sphynx/core/wire"
)

// mtuRungs is the MTU ladder probed in order after a connection opens.
var mtuRungs = []int{MTUMedium, MTUMax}

// beginMTUProbe sends an oversized reliable INTERNAL message sized to the
// next untested rung of the MTU ladder; if it arrives unfragmented the
// peer's onMTUProbe replies with MTU_SET and onMTUSet raises this side's
// MTU (the peer raises its own only through its own probe).
// Caller must hold sendMu.
func (c *Connection) beginMTUProbe() {
	next := c.nextMTURung()
	if next == 0 {
		return
	}
	padLen := PayloadBudget(next, c.isV6, aead.Overhead) - headerBudget - ackIDBudget - 5
	if padLen < 0 {
		padLen = 0
	}
	payload := make([]byte, 4, 4+padLen)
	binary.LittleEndian.PutUint32(payload, uint32(next))
	payload = append(payload, make([]byte, padLen)...)
	msg := append([]byte{byte(opMTUProbe)}, payload...)

	s := c.streams[0]
	id := s.nextSendID
	s.nextSendID++
	c.appendBlockLocked(wire.SOPInternal, true, 0, id, msg)
}

func (c *Connection) nextMTURung() int {
	for _, rung := range mtuRungs {
		if c.mtu < rung {
			return rung
		}
	}
	return 0
}

func (c *Connection) onMTUProbe(payload []byte) {
	if len(payload) < 4 {
		return
	}
	candidate := int(binary.LittleEndian.Uint32(payload[:4]))

	c.sendMu.Lock()
	defer c.sendMu.Unlock()
	var reply [5]byte
	reply[0] = byte(opMTUSet)
	binary.LittleEndian.PutUint32(reply[1:], uint32(candidate))
	c.queueInternalLocked(0, reply[:])
}

func (c *Connection) onMTUSet(payload []byte) {
	if len(payload) < 4 {
		return
	}
	candidate := int(binary.LittleEndian.Uint32(payload[:4]))

	c.sendMu.Lock()
	defer c.sendMu.Unlock()
	if candidate > c.mtu {
		c.mtu = candidate
		c.mtuConfirmed = true
		c.maxPayload = PayloadBudget(c.mtu, c.isV6, aead.Overhead)
	}
	c.beginMTUProbe()
}
