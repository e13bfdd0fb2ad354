// Package dispatcher implements the single-socket ingress fan-out: batched
// datagram reads, source-address classification, flood suppression, and
// per-worker binning so datagrams from the same peer land on the same
// worker goroutine in arrival order.
package dispatcher

import (
	"sync/atomic"

	channels "gopkg.in/eapache/channels.v1"

	"github.com/zac-lb/sphynx/connmap"
	"github.com/zac-lb/sphynx/core/netaddr"
	"github.com/zac-lb/sphynx/core/worker"
)

// MaxWorkerThreads bounds the bitset used to track which per-worker bins
// are non-empty within a single batch.
const MaxWorkerThreads = 64

// RecvBatchSize is the number of datagrams read from the socket per
// ReadBatch call.
const RecvBatchSize = 64

// Conn is the subset of transport.Connection the dispatcher needs to route
// an already-classified datagram to its owning connection.
type Conn interface {
	connmap.Conn
	OnWorkerRecv(datagram []byte)
	WorkerID() int
}

// HandshakeRouter receives datagrams from addresses with no existing
// connection, round-robined across a fixed set of "connect workers" rather
// than following any one connection's pinned worker.
type HandshakeRouter interface {
	OnWorkerRecv(addr netaddr.NetAddr, datagram []byte, workerID int)
}

// datagram is one classified buffer awaiting delivery to its worker bin.
type datagram struct {
	addr netaddr.NetAddr
	buf  []byte
	conn Conn // nil routes to the handshake path
}

// Dispatcher owns the connection map lookup and worker-bin fan-out. It does
// not itself own the socket: Endpoint feeds it batches via Dispatch.
type Dispatcher struct {
	worker.Worker

	conns      *connmap.Map
	handshake  HandshakeRouter
	pool       *WorkerPool
	connectRR  int64 // atomic round-robin index for the handshake path
	numConnect int
}

// New constructs a Dispatcher over conns, routing unmatched addresses to
// handshake across numConnectWorkers round-robined indices.
func New(conns *connmap.Map, handshake HandshakeRouter, pool *WorkerPool, numConnectWorkers int) *Dispatcher {
	if numConnectWorkers < 1 {
		numConnectWorkers = 1
	}
	return &Dispatcher{
		conns:      conns,
		handshake:  handshake,
		pool:       pool,
		numConnect: numConnectWorkers,
	}
}

// Dispatch classifies one batch of (addr, buf) pairs read from the socket
// and delivers each non-empty worker bin to the pool at priority HI. buf
// slices must not be reused by the caller until the corresponding worker
// has consumed them (the batch's backing buffers are handed off, not
// copied).
func (d *Dispatcher) Dispatch(batch []RawDatagram) {
	var valid [MaxWorkerThreads / 64]uint64 // bitset of non-empty bins
	bins := make(map[int][]datagram)

	var prevAddr netaddr.NetAddr
	var prevConn Conn
	var prevFlooded bool
	havePrev := false

	for _, raw := range batch {
		var conn Conn
		var flooded bool

		if havePrev && prevAddr.Equal(raw.Addr) {
			conn, flooded = prevConn, prevFlooded
		} else {
			c, fl := d.conns.LookupCheckFlood(raw.Addr)
			if fl {
				conn, flooded = nil, true
			} else if c != nil {
				conn, _ = c.(Conn)
				flooded = false
			}
			prevAddr, prevConn, prevFlooded, havePrev = raw.Addr, conn, flooded, true
		}

		if flooded {
			continue // dropped with the garbage batch; nothing to bin
		}

		workerID := d.workerIDFor(conn)
		bins[workerID] = append(bins[workerID], datagram{addr: raw.Addr, buf: raw.Buf, conn: conn})
		setBit(&valid, workerID)
	}

	for id := 0; id < MaxWorkerThreads; id++ {
		if !testBit(&valid, id) {
			continue
		}
		d.pool.DeliverHI(id, bins[id])
	}
}

func (d *Dispatcher) workerIDFor(conn Conn) int {
	if conn != nil {
		return conn.WorkerID()
	}
	idx := atomic.AddInt64(&d.connectRR, 1) % int64(d.numConnect)
	return int(idx)
}

// RawDatagram is one unclassified datagram lifted off the socket by the
// Endpoint's batched read.
type RawDatagram struct {
	Addr netaddr.NetAddr
	Buf  []byte
}

func setBit(bits *[MaxWorkerThreads / 64]uint64, id int) {
	bits[id/64] |= 1 << uint(id%64)
}

func testBit(bits *[MaxWorkerThreads / 64]uint64, id int) bool {
	return bits[id/64]&(1<<uint(id%64)) != 0
}

// deliverBatch is a per-worker queue of bins, implemented over an
// unbounded channel so a slow worker never backpressures the socket read
// loop into dropping datagrams for unrelated peers.
type deliverBatch struct {
	ch channels.Channel
}

func newDeliverBatch() *deliverBatch {
	return &deliverBatch{ch: channels.NewInfiniteChannel()}
}

func (b *deliverBatch) push(batch []datagram) {
	b.ch.In() <- batch
}

func (b *deliverBatch) out() <-chan interface{} {
	return b.ch.Out()
}
