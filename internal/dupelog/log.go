// Package dupelog keeps a bounded, ordered set of delivery ids used to
// suppress messages redelivered after a reconnect or a recovery.
package dupelog

import (
	"sync"

	"github.com/hashicorp/golang-lru/v2/simplelru"
)

// DefaultSize is the initial and minimum capacity
const DefaultSize = 500

// Log is a bounded set of delivery ids. The oldest ids are evicted first
// once the capacity is reached; ids never expire by time.
type Log struct {
	mu       sync.Mutex
	entries  *simplelru.LRU[string, struct{}]
	capacity int
}

// New creates a log with the given capacity
func New(capacity int) *Log {
	if capacity <= 0 {
		capacity = DefaultSize
	}
	entries, err := simplelru.NewLRU[string, struct{}](capacity, nil)
	if err != nil {
		// only returned for a non-positive size
		panic(err)
	}
	return &Log{entries: entries, capacity: capacity}
}

// Add inserts id and reports whether it was already present
func (l *Log) Add(id string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.entries.Contains(id) {
		return true
	}
	l.insert(id)
	return false
}

// AddAll inserts every id not yet present
func (l *Log) AddAll(ids []string) {
	l.mu.Lock()
	defer l.mu.Unlock()

	for _, id := range ids {
		if !l.entries.Contains(id) {
			l.insert(id)
		}
	}
}

// insert evicts down to the current capacity before adding. After a
// shrink the backing set may hold more than the capacity until the next
// insert.
func (l *Log) insert(id string) {
	for l.entries.Len() >= l.capacity {
		l.entries.RemoveOldest()
	}
	l.entries.Add(id, struct{}{})
}

// Remove drops id from the log
func (l *Log) Remove(id string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.entries.Remove(id)
}

// Resize sets the capacity. Shrinking never evicts existing entries.
func (l *Log) Resize(capacity int) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.resize(capacity)
}

func (l *Log) resize(capacity int) {
	if capacity < 1 {
		capacity = 1
	}
	l.capacity = capacity
	l.entries.Resize(max(capacity, l.entries.Len()))
}

// IncreaseSize grows the capacity by delta
func (l *Log) IncreaseSize(delta int) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.resize(l.capacity + delta)
}

// DecreaseSize shrinks the capacity by delta but not below floor
func (l *Log) DecreaseSize(delta, floor int) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.resize(max(l.capacity-delta, floor))
}

// Capacity returns the eviction threshold
func (l *Log) Capacity() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.capacity
}

// Len returns the number of ids held
func (l *Log) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.entries.Len()
}

// Clear removes all ids
func (l *Log) Clear() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.entries.Purge()
}
