// Package timerqueue implements a priority-ordered deadline queue: callers
// push (deadline, item) pairs and get a callback invoked as each deadline
// elapses. The transport engine uses it to schedule each connection's
// periodic Tick, which in turn performs retransmission.
package timerqueue

import (
	"container/heap"
	"sync"
	"time"

	"github.com/zac-lb/sphynx/core/worker"
)

// Item is a single entry in the queue, ordered by Priority (ascending).
type Item struct {
	Priority uint64
	Value    interface{}

	index int
}

type itemHeap []*Item

func (h itemHeap) Len() int            { return len(h) }
func (h itemHeap) Less(i, j int) bool  { return h[i].Priority < h[j].Priority }
func (h itemHeap) Swap(i, j int)       { h[i], h[j] = h[j], h[i]; h[i].index = i; h[j].index = j }
func (h *itemHeap) Push(x interface{}) {
	item := x.(*Item)
	item.index = len(*h)
	*h = append(*h, item)
}
func (h *itemHeap) Pop() interface{} {
	old := *h
	n := len(old)
	item := old[n-1]
	old[n-1] = nil
	item.index = -1
	*h = old[:n-1]
	return item
}

// TimerQueue fires a caller-supplied callback for each item whose priority
// (an absolute deadline, typically a UnixNano timestamp) has elapsed. The
// callback runs on the queue's own goroutine, one at a time.
type TimerQueue struct {
	worker.Worker

	sync.Mutex
	heap itemHeap

	fn      func(interface{})
	wakeupCh chan struct{}
}

// NewTimerQueue creates a TimerQueue that invokes fn as each pushed item's
// deadline elapses. Call Start before pushing anything.
func NewTimerQueue(fn func(interface{})) *TimerQueue {
	return &TimerQueue{
		fn:       fn,
		wakeupCh: make(chan struct{}, 1),
	}
}

// Start launches the queue's background worker goroutine.
func (q *TimerQueue) Start() {
	q.Go(q.worker)
}

// Push schedules value to fire at the given priority (absolute deadline).
func (q *TimerQueue) Push(priority uint64, value interface{}) {
	q.Lock()
	heap.Push(&q.heap, &Item{Priority: priority, Value: value})
	q.Unlock()
	q.wakeup()
}

// Peek returns the item with the lowest priority without removing it, or
// nil if the queue is empty.
func (q *TimerQueue) Peek() *Item {
	q.Lock()
	defer q.Unlock()
	if len(q.heap) == 0 {
		return nil
	}
	return q.heap[0]
}

// Pop removes and returns the item with the lowest priority, or nil if the
// queue is empty.
func (q *TimerQueue) Pop() *Item {
	q.Lock()
	defer q.Unlock()
	if len(q.heap) == 0 {
		return nil
	}
	return heap.Pop(&q.heap).(*Item)
}

// Len returns the number of pending items.
func (q *TimerQueue) Len() int {
	q.Lock()
	defer q.Unlock()
	return len(q.heap)
}

func (q *TimerQueue) wakeup() {
	select {
	case q.wakeupCh <- struct{}{}:
	default:
	}
}

func (q *TimerQueue) nextDeadline() (time.Duration, bool) {
	q.Lock()
	defer q.Unlock()
	if len(q.heap) == 0 {
		return 0, false
	}
	deadline := time.Unix(0, int64(q.heap[0].Priority))
	d := time.Until(deadline)
	if d < 0 {
		d = 0
	}
	return d, true
}

func (q *TimerQueue) worker() {
	timer := time.NewTimer(time.Hour)
	defer timer.Stop()

	for {
		d, ok := q.nextDeadline()
		if !ok {
			d = time.Hour
		}
		if !timer.Stop() {
			select {
			case <-timer.C:
			default:
			}
		}
		timer.Reset(d)

		select {
		case <-q.HaltCh():
			return
		case <-q.wakeupCh:
			continue
		case <-timer.C:
			if !ok {
				continue
			}
			q.Lock()
			if len(q.heap) == 0 {
				q.Unlock()
				continue
			}
			if time.Now().Before(time.Unix(0, int64(q.heap[0].Priority))) {
				q.Unlock()
				continue
			}
			item := heap.Pop(&q.heap).(*Item)
			q.Unlock()
			q.fn(item.Value)
		}
	}
}
