package core

import "sync"

type queueItem[T any] struct {
	value T
	size  int64
}

// BoundedQueue is a concurrency-safe FIFO with an item cap and an optional
// byte cap. Overflow either rejects the push (default) or drops the oldest
// items to make room. Capacity can shrink at runtime; existing items are
// kept and only new pushes are constrained.
type BoundedQueue[T any] struct {
	mu         sync.Mutex
	items      []queueItem[T]
	head       int
	maxItems   int
	maxBytes   int64
	dropOldest bool
	bytes      int64
	dropped    uint64
}

// NewBoundedQueue builds a queue capped at maxItems entries and maxBytes
// charged bytes (0 = no byte cap). When dropOldest is true a full queue
// evicts from the head instead of rejecting.
func NewBoundedQueue[T any](maxItems int, maxBytes int64, dropOldest bool) *BoundedQueue[T] {
	if maxItems <= 0 {
		maxItems = 1
	}
	return &BoundedQueue[T]{
		maxItems:   maxItems,
		maxBytes:   maxBytes,
		dropOldest: dropOldest,
	}
}

// Push appends an item charged at size bytes. In reject mode a full queue
// returns ErrQueueFull; in drop-oldest mode head items are evicted until the
// new item fits. An item larger than the whole byte budget is rejected in
// both modes.
func (q *BoundedQueue[T]) Push(value T, size int64) error {
	_, err := q.PushEvict(value, size)
	return err
}

// PushEvict behaves like Push and additionally reports how many queued
// items were dropped to admit this one.
func (q *BoundedQueue[T]) PushEvict(value T, size int64) (int, error) {
	if size < 0 {
		size = 0
	}
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.maxBytes > 0 && size > q.maxBytes {
		q.dropped++
		return 0, &Error{Op: "queue.push", Kind: "capacity", Message: "item exceeds queue byte budget", Err: ErrQueueFull}
	}

	evicted := 0
	if q.dropOldest {
		for q.lenLocked() >= q.maxItems || (q.maxBytes > 0 && q.bytes+size > q.maxBytes) {
			if !q.popLocked() {
				break
			}
			q.dropped++
			evicted++
		}
	} else if q.lenLocked() >= q.maxItems || (q.maxBytes > 0 && q.bytes+size > q.maxBytes) {
		q.dropped++
		return 0, &Error{Op: "queue.push", Kind: "capacity", Message: "queue full", Err: ErrQueueFull}
	}

	q.items = append(q.items, queueItem[T]{value: value, size: size})
	q.bytes += size
	return evicted, nil
}

// Pop removes and returns the oldest item.
func (q *BoundedQueue[T]) Pop() (T, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.lenLocked() == 0 {
		var zero T
		return zero, false
	}
	v := q.items[q.head].value
	q.popLocked()
	return v, true
}

// Peek returns the oldest item without removing it.
func (q *BoundedQueue[T]) Peek() (T, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.lenLocked() == 0 {
		var zero T
		return zero, false
	}
	return q.items[q.head].value, true
}

func (q *BoundedQueue[T]) popLocked() bool {
	if q.lenLocked() == 0 {
		return false
	}
	it := q.items[q.head]
	var zero queueItem[T]
	q.items[q.head] = zero
	q.head++
	q.bytes -= it.size

	// Reclaim the consumed prefix once it dominates the backing slice.
	if q.head > 64 && q.head*2 >= len(q.items) {
		q.items = append(q.items[:0], q.items[q.head:]...)
		q.head = 0
	}
	return true
}

func (q *BoundedQueue[T]) lenLocked() int { return len(q.items) - q.head }

// Len returns the current item count.
func (q *BoundedQueue[T]) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.lenLocked()
}

// Bytes returns the currently charged byte total.
func (q *BoundedQueue[T]) Bytes() int64 {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.bytes
}

// Capacity returns the current item cap.
func (q *BoundedQueue[T]) Capacity() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.maxItems
}

// SetCapacity adjusts the item cap (minimum 1). Items already queued above a
// reduced cap are kept; only admission is constrained.
func (q *BoundedQueue[T]) SetCapacity(n int) {
	if n < 1 {
		n = 1
	}
	q.mu.Lock()
	q.maxItems = n
	q.mu.Unlock()
}

// Dropped returns how many pushes were rejected or evicted so far.
func (q *BoundedQueue[T]) Dropped() uint64 {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.dropped
}

// Clear empties the queue.
func (q *BoundedQueue[T]) Clear() {
	q.mu.Lock()
	q.items = nil
	q.head = 0
	q.bytes = 0
	q.mu.Unlock()
}
