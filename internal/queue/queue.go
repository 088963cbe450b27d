// Package queue implements a FIFO drained by at most one processor at a
// time. A start/stop gate controls whether queued items are processed.
package queue

import "sync"

// Queue buffers items and hands them to process in bulks. Draining is
// scheduled through dispatch; the scheduled work must call Dequeue and
// schedule itself again while Dequeue returns true.
type Queue[T any] struct {
	mu       sync.Mutex
	items    []T
	maxBulk  int
	started  bool
	running  bool
	closed   bool
	dispatch func()
	process  func(bulk []T)
}

// New creates a stopped queue. maxBulk <= 0 drains everything at once.
func New[T any](maxBulk int, dispatch func(), process func(bulk []T)) *Queue[T] {
	return &Queue[T]{
		maxBulk:  maxBulk,
		dispatch: dispatch,
		process:  process,
	}
}

// Enqueue appends an item and schedules a drain if needed
func (q *Queue[T]) Enqueue(item T) {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return
	}
	q.items = append(q.items, item)
	schedule := q.claimLocked()
	q.mu.Unlock()

	if schedule {
		q.dispatch()
	}
}

// claimLocked marks the queue running when a drain should be scheduled
func (q *Queue[T]) claimLocked() bool {
	if !q.started || q.running || q.closed || len(q.items) == 0 {
		return false
	}
	q.running = true
	return true
}

// Dequeue processes one bulk and reports whether more work remains
func (q *Queue[T]) Dequeue() bool {
	q.mu.Lock()
	if !q.started || q.closed || len(q.items) == 0 {
		q.running = false
		q.mu.Unlock()
		return false
	}
	n := len(q.items)
	if q.maxBulk > 0 && n > q.maxBulk {
		n = q.maxBulk
	}
	bulk := make([]T, n)
	copy(bulk, q.items[:n])
	clear(q.items[:n])
	q.items = q.items[n:]
	q.mu.Unlock()

	q.process(bulk)

	q.mu.Lock()
	defer q.mu.Unlock()
	more := q.started && !q.closed && len(q.items) > 0
	if !more {
		q.running = false
	}
	return more
}

// Start opens the gate and schedules a drain for queued items
func (q *Queue[T]) Start() {
	q.mu.Lock()
	q.started = true
	schedule := q.claimLocked()
	q.mu.Unlock()

	if schedule {
		q.dispatch()
	}
}

// Stop closes the gate. A bulk already being processed completes.
func (q *Queue[T]) Stop() {
	q.mu.Lock()
	q.started = false
	q.mu.Unlock()
}

// Clear drops all queued items
func (q *Queue[T]) Clear() {
	q.mu.Lock()
	clear(q.items)
	q.items = nil
	q.mu.Unlock()
}

// Close stops the queue permanently and drops queued items
func (q *Queue[T]) Close() {
	q.mu.Lock()
	q.closed = true
	q.started = false
	clear(q.items)
	q.items = nil
	q.mu.Unlock()
}

// Len returns the number of queued items
func (q *Queue[T]) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// Started reports whether the gate is open
func (q *Queue[T]) Started() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.started
}

// Closed reports whether the queue was closed
func (q *Queue[T]) Closed() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.closed
}
