package transport

import (
	"sync/atomic"

	"gitlab.com/yawning/avl.git"
)

// NumStreams is the number of reliable streams per connection: stream 0 is
// unordered-reliable, streams 1-3 are ordered-reliable.
const NumStreams = 4

// sentEntry is one outstanding (unacknowledged) reliable block, kept in
// sent_list until a matching ACK removes it or the tick loop decides it is
// lost and schedules a retransmit.
type sentEntry struct {
	ackID         uint32
	data          []byte // the fully encoded block (header+ackid+payload), ready to resend with a full 3-byte ACK-ID
	firstSendTime int64  // unix nano, set once
	lastSendTime  int64  // unix nano, zeroed to force an immediate retransmit
}

// recvEntry is one out-of-order block held in recv_queue awaiting its
// predecessors, or one fragment of a message being reassembled.
type recvEntry struct {
	ackID uint32
	data  []byte
}

func cmpByAckID(a, b interface{}) int {
	ea, eb := a.(*recvEntry), b.(*recvEntry)
	switch {
	case ea.ackID < eb.ackID:
		return -1
	case ea.ackID > eb.ackID:
		return 1
	default:
		return 0
	}
}

// streamState holds the per-stream reliable-delivery bookkeeping described
// in the transport engine's ingress/egress rules.
type streamState struct {
	nextSendID             uint32
	nextRecvExpectedID     uint32
	sendNextRemoteExpected uint32 // latest ROLLUP received from the peer

	sentList map[uint32]*sentEntry
	recvTree *avl.Tree // out-of-order blocks, keyed by ACK-ID

	fragBuffer   []byte
	fragTotal    uint16
	fragReceived int
	fragActive   bool

	gotReliable int32 // atomic bool: set without a lock, read under send_lock at tick
}

func newStreamState() *streamState {
	return &streamState{
		sentList: make(map[uint32]*sentEntry),
		recvTree: avl.New(cmpByAckID),
	}
}

func (s *streamState) markGotReliable() {
	atomic.StoreInt32(&s.gotReliable, 1)
}

func (s *streamState) clearGotReliable() bool {
	return atomic.SwapInt32(&s.gotReliable, 0) == 1
}

// insertOutOfOrder inserts a recv block in ID order unless a duplicate ID
// is already present.
func (s *streamState) insertOutOfOrder(ackID uint32, data []byte) {
	iter := s.recvTree.Iterator(avl.Forward)
	for n := iter.First(); n != nil; n = iter.Next() {
		if n.Value.(*recvEntry).ackID == ackID {
			return // duplicate
		}
	}
	s.recvTree.Insert(&recvEntry{ackID: ackID, data: append([]byte{}, data...)})
}

// drainContiguous pops and returns, in order, every entry starting at
// nextRecvExpectedID that is now contiguous, advancing the expectation
// counter past them.
func (s *streamState) drainContiguous() []recvEntry {
	var out []recvEntry
	for {
		iter := s.recvTree.Iterator(avl.Forward)
		node := iter.First()
		if node == nil {
			return out
		}
		e := node.Value.(*recvEntry)
		if e.ackID != s.nextRecvExpectedID {
			return out
		}
		s.recvTree.Remove(node)
		out = append(out, *e)
		s.nextRecvExpectedID++
	}
}
