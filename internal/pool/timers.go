package pool

import (
	"sync"
	"time"
)

// Timers runs periodic callbacks. Each timer owns one goroutine.
type Timers struct {
	mu     sync.Mutex
	next   uint64
	stops  map[uint64]chan struct{}
	closed bool
}

// NewTimers creates an empty registry
func NewTimers() *Timers {
	return &Timers{stops: make(map[uint64]chan struct{})}
}

// Every calls fn every interval until the returned cancel func is called
func (t *Timers) Every(interval time.Duration, fn func()) (cancel func()) {
	t.mu.Lock()
	if t.closed || interval <= 0 {
		t.mu.Unlock()
		return func() {}
	}
	t.next++
	id := t.next
	stop := make(chan struct{})
	t.stops[id] = stop
	t.mu.Unlock()

	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				fn()
			case <-stop:
				return
			}
		}
	}()

	return func() { t.remove(id) }
}

func (t *Timers) remove(id uint64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if stop, ok := t.stops[id]; ok {
		close(stop)
		delete(t.stops, id)
	}
}

// Len returns the number of active timers
func (t *Timers) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.stops)
}

// Close cancels every timer
func (t *Timers) Close() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.closed = true
	for id, stop := range t.stops {
		close(stop)
		delete(t.stops, id)
	}
}
