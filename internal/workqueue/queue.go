// Package workqueue is the FIFO between producers and the tick loop.
//
// Many goroutines may Push; a single consumer calls TryPop and, once, Drain.
// A mutex guards a slice that is compacted as it is consumed. Drain is atomic
// with respect to concurrent pushes.
package workqueue

import "sync"

type Queue[T any] struct {
	mu     sync.Mutex
	items  []T
	head   int
	closed bool
}

func New[T any]() *Queue[T] {
	return &Queue[T]{}
}

// Push appends item to the tail. It reports false if the queue has been drained,
// in which case the caller still owns item.
func (q *Queue[T]) Push(item T) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return false
	}
	q.items = append(q.items, item)
	return true
}

// TryPop removes and returns the head item, or false when the queue is empty.
func (q *Queue[T]) TryPop() (T, bool) {
	var zero T
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.head >= len(q.items) {
		return zero, false
	}
	item := q.items[q.head]
	q.items[q.head] = zero
	q.head++

	// Reclaim the consumed prefix once it dominates the backing array.
	if q.head == len(q.items) {
		q.items = q.items[:0]
		q.head = 0
	} else if q.head >= 64 && q.head*2 >= len(q.items) {
		n := copy(q.items, q.items[q.head:])
		clear(q.items[n:])
		q.items = q.items[:n]
		q.head = 0
	}
	return item, true
}

// Drain closes the queue and returns everything still in it, in push order.
// Pushes after Drain are rejected.
func (q *Queue[T]) Drain() []T {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.closed = true
	rest := append([]T(nil), q.items[q.head:]...)
	q.items = nil
	q.head = 0
	return rest
}

func (q *Queue[T]) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items) - q.head
}

func (q *Queue[T]) Closed() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.closed
}
