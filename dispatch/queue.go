package dispatch

import (
	"container/heap"
	"sync"
)

// queueItem wraps a task record with the sequence number that breaks
// priority ties in submission order.
type queueItem struct {
	rec *record
	seq uint64
}

type itemHeap []*queueItem

func (h itemHeap) Len() int { return len(h) }

func (h itemHeap) Less(i, j int) bool {
	if h[i].rec.task.Priority != h[j].rec.task.Priority {
		return h[i].rec.task.Priority > h[j].rec.task.Priority
	}
	return h[i].seq < h[j].seq
}

func (h itemHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }

func (h *itemHeap) Push(x any) { *h = append(*h, x.(*queueItem)) }

func (h *itemHeap) Pop() any {
	old := *h
	n := len(old)
	item := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return item
}

// taskQueue is a bounded priority queue. Each push leaves a token on
// the wake channel so idle workers are never left asleep with work
// pending.
type taskQueue struct {
	mu       sync.Mutex
	items    itemHeap
	capacity int
	seq      uint64

	signal chan struct{}
}

func newTaskQueue(capacity int) *taskQueue {
	return &taskQueue{
		capacity: capacity,
		signal:   make(chan struct{}, capacity),
	}
}

// push enqueues rec. force bypasses the capacity bound; retry re-queues
// use it because the task already holds its admission slot.
func (q *taskQueue) push(rec *record, force bool) error {
	q.mu.Lock()
	if !force && len(q.items) >= q.capacity {
		q.mu.Unlock()
		return ErrQueueFull
	}
	q.seq++
	heap.Push(&q.items, &queueItem{rec: rec, seq: q.seq})
	q.mu.Unlock()

	select {
	case q.signal <- struct{}{}:
	default:
	}
	return nil
}

// pop dequeues the highest-priority record, or reports false when the
// queue is empty.
func (q *taskQueue) pop() (*record, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.items) == 0 {
		return nil, false
	}
	item := heap.Pop(&q.items).(*queueItem)
	return item.rec, true
}

// wake returns the channel workers block on when the queue is empty.
func (q *taskQueue) wake() <-chan struct{} {
	return q.signal
}

func (q *taskQueue) len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}
