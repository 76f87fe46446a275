package telemetry

import "sync"

// Queue is a bounded FIFO event buffer. When full, the oldest entry is
// dropped to make room: under sustained backend unavailability the queue
// holds at most capacity events rather than growing without bound.
type Queue[T any] struct {
	mu      sync.Mutex
	buf     []T
	cap     int
	dropped uint64
}

func NewQueue[T any](capacity int) *Queue[T] {
	if capacity <= 0 {
		capacity = 4096
	}
	return &Queue[T]{cap: capacity}
}

// Push appends v, evicting the oldest entry if the queue is at capacity.
func (q *Queue[T]) Push(v T) {
	q.mu.Lock()
	if len(q.buf) >= q.cap {
		copy(q.buf, q.buf[1:])
		q.buf[len(q.buf)-1] = v
		q.dropped++
	} else {
		q.buf = append(q.buf, v)
	}
	q.mu.Unlock()
}

// Drain takes all queued events, leaving the queue empty.
func (q *Queue[T]) Drain() []T {
	q.mu.Lock()
	out := q.buf
	q.buf = nil
	q.mu.Unlock()
	return out
}

// Len reports the number of queued events.
func (q *Queue[T]) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.buf)
}

// Dropped reports how many events were evicted at capacity.
func (q *Queue[T]) Dropped() uint64 {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.dropped
}
