// Package netio runs the transport on a dedicated worker goroutine and
// exchanges traffic with the owning context through bounded queues, so
// application code never blocks on the network and the transport is never
// touched from two goroutines.
package netio

// Queue is a bounded single-producer single-consumer queue. Both ends are
// non-blocking: TryPush reports failure instead of waiting when the queue
// is full, TryPop returns immediately when it is empty.
type Queue[T any] struct {
	ch chan T
}

// NewQueue returns a queue holding at most capacity elements.
func NewQueue[T any](capacity int) *Queue[T] {
	if capacity <= 0 {
		capacity = 1
	}
	return &Queue[T]{ch: make(chan T, capacity)}
}

// TryPush enqueues v, reporting false when the queue is full.
func (q *Queue[T]) TryPush(v T) bool {
	select {
	case q.ch <- v:
		return true
	default:
		return false
	}
}

// TryPop dequeues the oldest element, reporting false when empty.
func (q *Queue[T]) TryPop() (T, bool) {
	select {
	case v := <-q.ch:
		return v, true
	default:
		var zero T
		return zero, false
	}
}

// Len returns the number of queued elements.
func (q *Queue[T]) Len() int {
	return len(q.ch)
}

// Cap returns the queue capacity.
func (q *Queue[T]) Cap() int {
	return cap(q.ch)
}
