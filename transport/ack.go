package transport

import (
	"sort"
	"time"

	"gitlab.com/yawning/avl.git"

	"github.com/zac-lb/sphynx/core/wire"
)

// onAck processes a received ACK body: one or more (ROLLUP, RANGE*) groups,
// each scoped to one stream.
func (c *Connection) onAck(acks []wire.StreamAck) {
	c.sendMu.Lock()
	defer c.sendMu.Unlock()

	now := time.Now()
	var sampledRTT time.Duration
	var haveSample bool
	var nackCount int

	for _, a := range acks {
		if int(a.Stream) >= NumStreams {
			continue
		}
		s := c.streams[a.Stream]
		s.sendNextRemoteExpected = a.Rollup

		acked := make(map[uint32]bool)
		for id, e := range s.sentList {
			if id < a.Rollup {
				if e.firstSendTime != 0 {
					sampledRTT, haveSample = maxSample(sampledRTT, haveSample, now.UnixNano()-e.firstSendTime)
				}
				delete(s.sentList, id)
				acked[id] = true
			}
		}
		for _, r := range a.Ranges {
			for id := r.Start; id <= r.End; id++ {
				if e, ok := s.sentList[id]; ok {
					if e.firstSendTime != 0 {
						sampledRTT, haveSample = maxSample(sampledRTT, haveSample, now.UnixNano()-e.firstSendTime)
					}
					delete(s.sentList, id)
					acked[id] = true
				}
			}
		}

		nackCount += c.markImplicitNacks(s, a)
	}

	if haveSample {
		c.sampleRTT(sampledRTT)
	}

	c.flow.OnACK(now, c.rttDuration(), nackCount)
}

// markImplicitNacks resets last_send_time to zero for every sent_list
// entry strictly between ROLLUP and the first RANGE, or between
// consecutive RANGEs, on the assumption the peer has seen and not
// acknowledged them (an implicit NACK), so the next tick retransmits them
// immediately.
func (c *Connection) markImplicitNacks(s *streamState, a wire.StreamAck) int {
	if len(a.Ranges) == 0 {
		return 0
	}
	ranges := append([]wire.AckRange{}, a.Ranges...)
	sort.Slice(ranges, func(i, j int) bool { return ranges[i].Start < ranges[j].Start })

	count := 0
	lower := a.Rollup
	for _, r := range ranges {
		for id, e := range s.sentList {
			if id >= lower && id < r.Start {
				e.lastSendTime = 0
				count++
			}
		}
		lower = r.End + 1
	}
	return count
}

func maxSample(cur time.Duration, have bool, sampleNanos int64) (time.Duration, bool) {
	sample := time.Duration(sampleNanos)
	if !have || sample > cur {
		return sample, true
	}
	return cur, have
}

func (c *Connection) sampleRTT(sample time.Duration) {
	cur := c.rttDuration()
	next := time.Duration(0.875*float64(cur) + 0.125*float64(sample))
	if next < MinRTT {
		next = MinRTT
	}
	c.rtt = int64(next)
}

func (c *Connection) rttDuration() time.Duration {
	return time.Duration(c.rtt)
}

// buildAckBody constructs the ACK body covering every stream with a
// pending got_reliable flag, clearing those flags as it goes. Returns nil
// if nothing needs acking.
func (c *Connection) buildAckBody() []byte {
	var acks []wire.StreamAck
	for i, s := range c.streams {
		if !s.clearGotReliable() {
			continue
		}
		a := wire.StreamAck{Stream: uint8(i), Rollup: s.nextRecvExpectedID}
		a.Ranges = s.pendingAckRanges()
		acks = append(acks, a)
	}
	if len(acks) == 0 {
		return nil
	}
	buf, err := wire.EncodeAckBody(nil, acks)
	if err != nil {
		return nil
	}
	return buf
}

// pendingAckRanges reports the out-of-order blocks currently held, coalesced
// into contiguous [start,end] runs, for inclusion alongside the ROLLUP.
func (s *streamState) pendingAckRanges() []wire.AckRange {
	var ids []uint32
	iter := s.recvTree.Iterator(avl.Forward)
	for n := iter.First(); n != nil; n = iter.Next() {
		ids = append(ids, n.Value.(*recvEntry).ackID)
	}
	if len(ids) == 0 {
		return nil
	}
	var ranges []wire.AckRange
	start, end := ids[0], ids[0]
	for _, id := range ids[1:] {
		if id == end+1 {
			end = id
			continue
		}
		ranges = append(ranges, wire.AckRange{Start: start, End: end})
		start, end = id, id
	}
	ranges = append(ranges, wire.AckRange{Start: start, End: end})
	return ranges
}
