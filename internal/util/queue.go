package util

import "sync"

// BoundedQueue is a fixed-capacity FIFO that evicts its oldest element on
// overflow. Safe for concurrent use.
type BoundedQueue[T any] struct {
	mu    sync.Mutex
	items []T
	limit int
}

// NewBoundedQueue creates a queue holding at most limit elements.
func NewBoundedQueue[T any](limit int) *BoundedQueue[T] {
	return &BoundedQueue[T]{limit: limit}
}

// Push appends item, evicting the oldest element when the queue is full.
func (q *BoundedQueue[T]) Push(item T) {
	q.mu.Lock()
	if len(q.items) == q.limit {
		copy(q.items, q.items[1:])
		q.items[len(q.items)-1] = item
	} else {
		q.items = append(q.items, item)
	}
	q.mu.Unlock()
}

// Snapshot returns a copy of the queued elements, oldest first.
func (q *BoundedQueue[T]) Snapshot() []T {
	q.mu.Lock()
	out := make([]T, len(q.items))
	copy(out, q.items)
	q.mu.Unlock()
	return out
}

// Drain returns the queued elements oldest first and empties the queue.
func (q *BoundedQueue[T]) Drain() []T {
	q.mu.Lock()
	out := q.items
	q.items = nil
	q.mu.Unlock()
	return out
}

// Len reports the number of queued elements.
func (q *BoundedQueue[T]) Len() int {
	q.mu.Lock()
	n := len(q.items)
	q.mu.Unlock()
	return n
}
