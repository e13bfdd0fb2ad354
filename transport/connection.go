// Package transport implements the per-connection Sphynx engine: reliable
// streams, fragmentation/reassembly, ACK processing with RTT sampling,
// MTU discovery, the 20ms tick loop, and the Handshaking -> Open ->
// Disconnecting -> Closed state machine.
package transport

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/zac-lb/sphynx/core/crypto/aead"
	"github.com/zac-lb/sphynx/core/crypto/nike"
	"github.com/zac-lb/sphynx/core/netaddr"
	"github.com/zac-lb/sphynx/core/sendbuf"
	"github.com/zac-lb/sphynx/core/timerqueue"
	"github.com/zac-lb/sphynx/core/wire"
	"github.com/zac-lb/sphynx/core/worker"
	"github.com/zac-lb/sphynx/flowcontrol"
)

// PacketWriter is the dispatcher-side collaborator a Connection uses to
// emit a built datagram to the network.
type PacketWriter interface {
	WritePacket(addr netaddr.NetAddr, b []byte) error
}

// MessageHandler receives application DATA payloads, in strict per-stream
// ID order on streams 1-3; stream 0 and unreliable payloads are delivered
// on arrival.
type MessageHandler func(stream uint8, payload []byte)

// Connection is one Sphynx peer connection's transport engine. Exactly one
// worker goroutine drives OnWorkerRecv for a given Connection, per the
// pinned-worker concurrency model, and Tick runs from the connection's own
// timer queue; the two mutexes
// (recvMu before sendMu) guard everything else.
type Connection struct {
	worker.Worker

	remoteAddr netaddr.NetAddr
	isV6       bool
	out        PacketWriter
	onMessage  MessageHandler
	bufPool    *sendbuf.Pool
	flow       *flowcontrol.Gate
	workerID   int // the dispatcher worker this connection is pinned to

	recvMu sync.Mutex
	sendMu sync.Mutex

	engineMu sync.RWMutex
	engine   aead.Engine

	streams [NumStreams]*streamState

	state int32 // atomic State

	lastRecvTime   int64 // unix nano, atomic
	lastAnySendTime int64 // unix nano, atomic

	rtt int64 // nanoseconds, guarded by sendMu

	mtu           int
	mtuConfirmed  bool
	maxPayload    int

	sendBuf        []byte
	sendBufStream  uint8
	sendBufAckID   uint32
	sendBufHasPrev bool

	disconnectPosted bool
	disconnectReason int32 // atomic DisconnectReason, valid once State() == StateClosed

	skewMu    sync.Mutex
	clockSkew time.Duration

	ticker *timerqueue.TimerQueue

	challengeCount int64 // mirrors the handshake rekey gate once Open, atomic

	rekeyMu   sync.Mutex
	rekeyPriv nike.PrivateKey // set while a rekey this side proposed is in flight
}

// NewConnection constructs a Connection in the Handshaking state.
func NewConnection(addr netaddr.NetAddr, engine aead.Engine, out PacketWriter, bufPool *sendbuf.Pool, onMessage MessageHandler) *Connection {
	c := &Connection{
		remoteAddr: addr,
		isV6:       addr.Family == netaddr.FamilyV6,
		engine:     engine,
		out:        out,
		onMessage:  onMessage,
		bufPool:    bufPool,
		flow:       flowcontrol.NewGate(),
		mtu:        MTUMin,
	}
	for i := range c.streams {
		c.streams[i] = newStreamState()
	}
	c.maxPayload = PayloadBudget(c.mtu, c.isV6, aead.Overhead)
	atomic.StoreInt32(&c.state, int32(StateHandshaking))
	now := time.Now().UnixNano()
	atomic.StoreInt64(&c.lastRecvTime, now)
	atomic.StoreInt64(&c.lastAnySendTime, now)
	atomic.StoreInt64(&c.rtt, int64(MinRTT))
	return c
}

// RemoteAddr satisfies connmap.Conn.
func (c *Connection) RemoteAddr() netaddr.NetAddr { return c.remoteAddr }

// WorkerID returns the dispatcher worker this connection is pinned to,
// satisfying dispatcher.Conn.
func (c *Connection) WorkerID() int { return c.workerID }

// SetWorkerID pins the connection to a dispatcher worker. Called once, at
// connection-admission time, before the connection is registered in the
// connection map.
func (c *Connection) SetWorkerID(id int) { c.workerID = id }

// State returns the connection's current lifecycle state.
func (c *Connection) State() State { return State(atomic.LoadInt32(&c.state)) }

func (c *Connection) setState(s State) { atomic.StoreInt32(&c.state, int32(s)) }

// Open transitions Handshaking -> Open and fires the initial MTU probe.
func (c *Connection) Open() {
	c.setState(StateOpen)
	c.sendMu.Lock()
	c.beginMTUProbe()
	c.sendMu.Unlock()
}

// Start launches the tick loop.
func (c *Connection) Start() {
	c.ticker = timerqueue.NewTimerQueue(func(interface{}) {
		c.Tick()
		if c.State() != StateClosed {
			c.ticker.Push(uint64(time.Now().Add(TickRate).UnixNano()), nil)
		}
	})
	c.ticker.Start()
	c.ticker.Push(uint64(time.Now().Add(TickRate).UnixNano()), nil)
}

// Halt stops the tick loop and releases background goroutines.
func (c *Connection) Halt() {
	if c.ticker != nil {
		c.ticker.HaltAndWait()
	}
}

// OnWorkerRecv is the dispatcher's ingress entry point for this
// connection; it must only ever be invoked from the worker this connection
// is pinned to.
func (c *Connection) OnWorkerRecv(datagram []byte) {
	c.recvMu.Lock()
	defer c.recvMu.Unlock()

	if c.State() == StateClosed || c.State() == StateDisconnecting {
		return
	}

	c.engineMu.RLock()
	plaintext, err := c.engine.Open(nil, datagram)
	c.engineMu.RUnlock()
	if err != nil {
		return // authentication failure: drop the whole datagram
	}

	atomic.StoreInt64(&c.lastRecvTime, time.Now().UnixNano())

	var carryStream uint8
	var carryID uint32
	var haveCarry bool

	pos := 0
	for pos < len(plaintext) {
		h, n, err := wire.DecodeHeader(plaintext[pos:])
		if err != nil {
			return // malformed trailing bytes: drop rather than partially apply
		}
		pos += n

		var stream uint8
		var ackID uint32
		needsID := h.Reliable || h.SOP == wire.SOPFrag
		if needsID {
			if h.HasAckID {
				id, n, err := wire.DecodeAckID(plaintext[pos:])
				if err != nil {
					return
				}
				pos += n
				stream, ackID = id.Stream, id.ID
			} else if haveCarry {
				stream, ackID = carryStream, carryID+1
			} else {
				return // tampering: elided ack-id with no prior block to extend
			}
			carryStream, carryID, haveCarry = stream, ackID, true
		}

		if pos+h.DataLen > len(plaintext) {
			return
		}
		payload := plaintext[pos : pos+h.DataLen]
		pos += h.DataLen

		c.dispatchBlock(h, stream, ackID, payload)
	}
}

func (c *Connection) dispatchBlock(h wire.Header, stream uint8, ackID uint32, payload []byte) {
	switch {
	case h.SOP == wire.SOPAck:
		acks, err := wire.DecodeAckBody(payload)
		if err != nil {
			return
		}
		c.onAck(acks)
		return
	case h.SOP == wire.SOPFrag:
		c.onFragment(stream, ackID, payload)
		return
	case !h.Reliable:
		c.deliver(h.SOP, stream, payload)
		return
	default:
		c.onReliableData(stream, ackID, payload, h.SOP)
	}
}

func (c *Connection) deliver(sop wire.SOP, stream uint8, payload []byte) {
	if sop == wire.SOPInternal {
		c.onInternal(stream, payload)
		return
	}
	if c.onMessage != nil {
		c.onMessage(stream, payload)
	}
}

func (c *Connection) onReliableData(stream uint8, ackID uint32, payload []byte, sop wire.SOP) {
	s := c.streams[stream]
	s.markGotReliable()

	if stream == 0 {
		// Stream 0 is unordered-reliable: every block is delivered as soon
		// as it arrives, regardless of ID order. The contiguous-ID
		// bookkeeping still runs so ACK rollups stay correct, but it never
		// gates or repeats delivery.
		c.deliver(sop, stream, payload)
		c.advanceRollupOnly(s, ackID)
		return
	}

	if ackID == s.nextRecvExpectedID {
		s.nextRecvExpectedID++
		c.deliver(sop, stream, payload)
		for _, e := range s.drainContiguous() {
			c.deliver(sop, stream, e.data)
		}
		return
	}
	s.insertOutOfOrder(ackID, payload)
}

// advanceRollupOnly updates nextRecvExpectedID (the cumulative-ACK rollup)
// for an unordered stream without touching delivery: duplicates are
// ignored, IDs ahead of the rollup are tracked as bookkeeping-only markers
// (empty payload) so the rollup can still advance once the gap closes.
func (c *Connection) advanceRollupOnly(s *streamState, ackID uint32) {
	switch {
	case ackID < s.nextRecvExpectedID:
		return
	case ackID == s.nextRecvExpectedID:
		s.nextRecvExpectedID++
		s.drainContiguous()
	default:
		s.insertOutOfOrder(ackID, nil)
	}
}

func (c *Connection) onInternal(stream uint8, payload []byte) {
	if len(payload) < 1 {
		return
	}
	switch internalOpcode(payload[0]) {
	case opMTUProbe:
		c.onMTUProbe(payload[1:])
	case opMTUSet:
		c.onMTUSet(payload[1:])
	case opTimePing:
		c.onTimePing(payload[1:])
	case opTimePong:
		c.onTimePong(payload[1:])
	case opDisco:
		c.onDisco(payload[1:])
	case opRekeyPropose:
		c.onRekeyPropose(payload[1:])
	case opRekeyAck:
		c.onRekeyAck(payload[1:])
	}
}

var errShortBuffer = fmt.Errorf("transport: short buffer")
