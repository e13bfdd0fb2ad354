package transport

import "github.com/zac-lb/sphynx/core/wire"

// onFragment handles one FRAG block. The first fragment's payload begins
// with a 2-byte total length; subsequent fragments are appended at
// increasing offsets until the buffer is full, at which point the
// reassembled message is delivered as one DATA payload.
func (c *Connection) onFragment(stream uint8, ackID uint32, payload []byte) {
	s := c.streams[stream]
	s.markGotReliable()

	if ackID != s.nextRecvExpectedID {
		s.insertOutOfOrder(ackID, payload)
		return
	}
	s.nextRecvExpectedID++
	c.applyFragment(stream, payload)

	for _, e := range s.drainContiguous() {
		c.applyFragment(stream, e.data)
	}
}

func (c *Connection) applyFragment(stream uint8, payload []byte) {
	s := c.streams[stream]

	if !s.fragActive {
		total, err := wire.DecodeFragHeader(payload)
		if err != nil {
			return
		}
		s.fragTotal = total
		s.fragBuffer = make([]byte, 0, total)
		s.fragReceived = 0
		s.fragActive = true
		payload = payload[wire.FragHeaderLen:]
	}

	if s.fragReceived+len(payload) > int(s.fragTotal) {
		// A fragment pushing past the declared total is tampering: drop the
		// whole in-progress reassembly rather than accept a truncated or
		// overrun message.
		s.fragActive = false
		s.fragBuffer = nil
		s.fragReceived = 0
		return
	}

	s.fragBuffer = append(s.fragBuffer, payload...)
	s.fragReceived += len(payload)

	if s.fragReceived == int(s.fragTotal) {
		complete := s.fragBuffer
		s.fragActive = false
		s.fragBuffer = nil
		s.fragReceived = 0
		c.deliver(wire.SOPData, stream, complete)
	}
}
