package pubsub

import (
	"context"
	"sync"
)

// Queue is a thread-safe, fixed-capacity ring buffer. Send never blocks:
// it reports false when the queue is full so the caller can apply its
// overflow policy.
type Queue[T any] struct {
	mu       sync.Mutex
	buf      []T
	head     int // read position
	tail     int // write position
	count    int
	capacity int
	closed   bool
	err      error

	ready chan struct{} // signalled on send/close, capacity 1
	done  chan struct{} // closed on Close

	// Stats
	totalReceived int64
	totalSent     int64
	evicted       int64
}

// NewQueue creates a queue with the given capacity.
func NewQueue[T any](capacity int) *Queue[T] {
	if capacity < 1 {
		capacity = 1
	}
	return &Queue[T]{
		buf:      make([]T, capacity),
		capacity: capacity,
		ready:    make(chan struct{}, 1),
		done:     make(chan struct{}),
	}
}

// Send adds an item. Returns false if the queue is full or closed.
func (q *Queue[T]) Send(item T) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed || q.count == q.capacity {
		return false
	}
	q.pushLocked(item)
	return true
}

// SendEvict adds an item, discarding the oldest one when full.
// Returns false only if the queue is closed.
func (q *Queue[T]) SendEvict(item T) (evicted bool, ok bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return false, false
	}
	if q.count == q.capacity {
		q.popLocked()
		q.totalSent-- // an eviction is not a delivery
		q.evicted++
		evicted = true
	}
	q.pushLocked(item)
	return evicted, true
}

// Receive removes and returns the oldest item, blocking until one is
// available, the queue is closed and drained, or ctx is done.
func (q *Queue[T]) Receive(ctx context.Context) (T, error) {
	for {
		q.mu.Lock()
		if q.count > 0 {
			item := q.popLocked()
			q.mu.Unlock()
			return item, nil
		}
		if q.closed {
			err := q.err
			q.mu.Unlock()
			var zero T
			return zero, err
		}
		q.mu.Unlock()

		select {
		case <-q.ready:
		case <-ctx.Done():
			var zero T
			return zero, ctx.Err()
		}
	}
}

// TryReceive attempts to receive without blocking.
func (q *Queue[T]) TryReceive() (T, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.count == 0 {
		var zero T
		return zero, false
	}
	return q.popLocked(), true
}

// DrainTo removes up to max items (all if max <= 0).
func (q *Queue[T]) DrainTo(max int) []T {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.count == 0 {
		return nil
	}

	n := q.count
	if max > 0 && max < n {
		n = max
	}

	result := make([]T, n)
	for i := 0; i < n; i++ {
		result[i] = q.popLocked()
	}
	return result
}

// Close closes the queue with ErrQueueClosed.
func (q *Queue[T]) Close() {
	q.CloseWithError(ErrQueueClosed)
}

// CloseWithError closes the queue. Receivers get the remaining items first,
// then err. Only the first close has an effect.
func (q *Queue[T]) CloseWithError(err error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return
	}
	if err == nil {
		err = ErrQueueClosed
	}
	q.closed = true
	q.err = err
	close(q.done)
	q.signal()
}

// Done is closed when the queue is closed.
func (q *Queue[T]) Done() <-chan struct{} {
	return q.done
}

// Ready is signalled whenever an item is added or the queue is closed.
// Consumers that multiplex several queues can select on it and then call
// TryReceive.
func (q *Queue[T]) Ready() <-chan struct{} {
	return q.ready
}

// Err returns the close reason, or nil while open.
func (q *Queue[T]) Err() error {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.err
}

// Len returns the current number of items in the queue.
func (q *Queue[T]) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.count
}

// Cap returns the capacity of the queue.
func (q *Queue[T]) Cap() int {
	return q.capacity
}

// Stats returns queue statistics.
func (q *Queue[T]) Stats() QueueStats {
	q.mu.Lock()
	defer q.mu.Unlock()
	return QueueStats{
		Count:         q.count,
		Capacity:      q.capacity,
		TotalReceived: q.totalReceived,
		TotalSent:     q.totalSent,
		Evicted:       q.evicted,
	}
}

// QueueStats contains queue statistics.
type QueueStats struct {
	Count         int
	Capacity      int
	TotalReceived int64
	TotalSent     int64
	Evicted       int64
}

// pushLocked appends item. Must be called with lock held and space available.
func (q *Queue[T]) pushLocked(item T) {
	q.buf[q.tail] = item
	q.tail = (q.tail + 1) % q.capacity
	q.count++
	q.totalReceived++
	q.signal()
}

// popLocked removes the head item. Must be called with lock held and count > 0.
func (q *Queue[T]) popLocked() T {
	item := q.buf[q.head]
	var zero T
	q.buf[q.head] = zero // Clear reference for GC
	q.head = (q.head + 1) % q.capacity
	q.count--
	q.totalSent++
	return item
}

func (q *Queue[T]) signal() {
	select {
	case q.ready <- struct{}{}:
	default:
	}
}
