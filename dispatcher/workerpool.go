package dispatcher

import (
	"github.com/zac-lb/sphynx/core/worker"
)

// Priority is the pool delivery priority. Only HI is used today (batches
// from Dispatch), but the type exists so a future low-priority background
// path doesn't need a call-site rewrite.
type Priority int

const (
	PriorityHI Priority = iota
)

// WorkerPool pins one goroutine per worker_id, each draining its own
// unbounded deliverBatch queue in order. Connections and handshake state
// are bound to exactly one worker_id for their lifetime (the pinned-worker
// concurrency model), so a connection's datagrams are always processed by
// the same goroutine.
type WorkerPool struct {
	worker.Worker

	handshake HandshakeRouter
	bins      [MaxWorkerThreads]*deliverBatch
}

// NewWorkerPool starts n worker goroutines, each consuming its own bin.
func NewWorkerPool(handshake HandshakeRouter, n int) *WorkerPool {
	if n > MaxWorkerThreads {
		n = MaxWorkerThreads
	}
	p := &WorkerPool{handshake: handshake}
	for i := 0; i < n; i++ {
		p.bins[i] = newDeliverBatch()
		id := i
		p.Go(func() { p.runWorker(id) })
	}
	return p
}

// DeliverHI hands one classified batch to worker_id's queue.
func (p *WorkerPool) DeliverHI(workerID int, batch []datagram) {
	if workerID < 0 || workerID >= MaxWorkerThreads || p.bins[workerID] == nil {
		return
	}
	p.bins[workerID].push(batch)
}

func (p *WorkerPool) runWorker(id int) {
	bin := p.bins[id]
	for {
		select {
		case <-p.HaltCh():
			return
		case v, ok := <-bin.out():
			if !ok {
				return
			}
			batch, _ := v.([]datagram)
			for _, d := range batch {
				if d.conn != nil {
					d.conn.OnWorkerRecv(d.buf)
				} else if p.handshake != nil {
					p.handshake.OnWorkerRecv(d.addr, d.buf, id)
				}
			}
		}
	}
}
