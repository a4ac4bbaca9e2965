package gate

import (
	"container/heap"
	"time"

	"golang.org/x/time/rate"
)

// Priority orders waiters in the gate queue. Lower values win.
type Priority int

const (
	PriorityRealtime   Priority = 1
	PriorityPreload    Priority = 2
	PriorityBackground Priority = 3
	PriorityBulk       Priority = 4
)

// String returns the string representation of the priority class.
func (p Priority) String() string {
	switch p {
	case PriorityRealtime:
		return "realtime"
	case PriorityPreload:
		return "preload"
	case PriorityBackground:
		return "background"
	case PriorityBulk:
		return "bulk"
	default:
		return "unknown"
	}
}

// waiter is a single queued acquire. All fields are guarded by the gate mutex.
type waiter struct {
	priority   Priority
	seq        uint64
	enqueuedAt time.Time
	ready      chan struct{}
	granted    bool
	res        *rate.Reservation
	index      int
}

// waiterQueue is a heap ordered by (priority, seq): within a priority class
// waiters drain FIFO.
type waiterQueue struct {
	items []*waiter
}

func newWaiterQueue() *waiterQueue {
	q := &waiterQueue{}
	heap.Init(q)
	return q
}

func (q *waiterQueue) Len() int { return len(q.items) }

func (q *waiterQueue) Less(i, j int) bool {
	if q.items[i].priority != q.items[j].priority {
		return q.items[i].priority < q.items[j].priority
	}
	return q.items[i].seq < q.items[j].seq
}

func (q *waiterQueue) Swap(i, j int) {
	q.items[i], q.items[j] = q.items[j], q.items[i]
	q.items[i].index = i
	q.items[j].index = j
}

func (q *waiterQueue) Push(x interface{}) {
	w := x.(*waiter)
	w.index = len(q.items)
	q.items = append(q.items, w)
}

func (q *waiterQueue) Pop() interface{} {
	old := q.items
	n := len(old)
	w := old[n-1]
	old[n-1] = nil
	w.index = -1
	q.items = old[:n-1]
	return w
}

func (q *waiterQueue) push(w *waiter) {
	heap.Push(q, w)
}

// peek returns the highest-priority waiter without removing it.
func (q *waiterQueue) peek() *waiter {
	if len(q.items) == 0 {
		return nil
	}
	return q.items[0]
}

func (q *waiterQueue) pop() *waiter {
	if len(q.items) == 0 {
		return nil
	}
	return heap.Pop(q).(*waiter)
}

// remove takes a waiter out of the queue regardless of position.
func (q *waiterQueue) remove(w *waiter) {
	if w.index >= 0 && w.index < len(q.items) && q.items[w.index] == w {
		heap.Remove(q, w.index)
	}
}
