package util

import "sync"

// IDAllocator hands out dense int32 ids, always the lowest free one
type IDAllocator struct {
	min, max int32
	used     map[int32]bool
	mu       sync.Mutex
}

// NewIDAllocator creates an allocator for ids in [min, max]
func NewIDAllocator(min, max int32) *IDAllocator {
	return &IDAllocator{
		min:  min,
		max:  max,
		used: make(map[int32]bool),
	}
}

// Allocate returns the lowest free id
func (a *IDAllocator) Allocate() (int32, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()

	for i := a.min; i <= a.max; i++ {
		if !a.used[i] {
			a.used[i] = true
			return i, true
		}
	}
	return 0, false
}

// Free releases an id
func (a *IDAllocator) Free(id int32) bool {
	a.mu.Lock()
	defer a.mu.Unlock()

	if id < a.min || id > a.max || !a.used[id] {
		return false
	}
	delete(a.used, id)
	return true
}

// Reserve marks an id as allocated
func (a *IDAllocator) Reserve(id int32) bool {
	a.mu.Lock()
	defer a.mu.Unlock()

	if id < a.min || id > a.max || a.used[id] {
		return false
	}
	a.used[id] = true
	return true
}

// InUse returns the number of allocated ids
func (a *IDAllocator) InUse() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.used)
}
