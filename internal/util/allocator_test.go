package util

import (
	"sync"
	"testing"
)

// TestIDAllocatorLowestFirst tests that ids stay dense
func TestIDAllocatorLowestFirst(t *testing.T) {
	alloc := NewIDAllocator(1, 10)

	for want := int32(1); want <= 3; want++ {
		id, ok := alloc.Allocate()
		if !ok {
			t.Fatalf("Allocation of %d failed", want)
		}
		if id != want {
			t.Errorf("Allocate: got %d, want %d", id, want)
		}
	}

	if !alloc.Free(2) {
		t.Fatal("Free failed")
	}

	id, ok := alloc.Allocate()
	if !ok || id != 2 {
		t.Errorf("Allocate after free: got %d (%t), want 2", id, ok)
	}
}

// TestIDAllocatorExhaustion tests exhausting the allocator
func TestIDAllocatorExhaustion(t *testing.T) {
	alloc := NewIDAllocator(0, 4)

	for i := 0; i < 5; i++ {
		if _, ok := alloc.Allocate(); !ok {
			t.Fatalf("Allocation %d failed", i)
		}
	}

	if _, ok := alloc.Allocate(); ok {
		t.Error("Should have failed to allocate when exhausted")
	}

	alloc.Free(3)
	if id, ok := alloc.Allocate(); !ok || id != 3 {
		t.Errorf("Allocation after free: got %d (%t), want 3", id, ok)
	}
}

// TestIDAllocatorReserve tests reserving specific ids
func TestIDAllocatorReserve(t *testing.T) {
	alloc := NewIDAllocator(1, 10)

	if !alloc.Reserve(1) {
		t.Fatal("Reserve failed")
	}
	if alloc.Reserve(1) {
		t.Error("Reserve of allocated id should fail")
	}
	if alloc.Reserve(11) {
		t.Error("Reserve outside range should fail")
	}

	id, _ := alloc.Allocate()
	if id != 2 {
		t.Errorf("Allocate after reserve: got %d, want 2", id)
	}
}

// TestIDAllocatorInvalidFree tests freeing invalid ids
func TestIDAllocatorInvalidFree(t *testing.T) {
	alloc := NewIDAllocator(1, 10)

	if alloc.Free(0) || alloc.Free(11) {
		t.Error("Should not free ids outside range")
	}

	id, _ := alloc.Allocate()
	alloc.Free(id)
	if alloc.Free(id) {
		t.Error("Should not free already free id")
	}
	if n := alloc.InUse(); n != 0 {
		t.Errorf("InUse: got %d, want 0", n)
	}
}

// TestIDAllocatorConcurrent tests concurrent allocation
func TestIDAllocatorConcurrent(t *testing.T) {
	alloc := NewIDAllocator(1, 100)

	var wg sync.WaitGroup
	allocated := make(chan int32, 50)

	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 5; j++ {
				if id, ok := alloc.Allocate(); ok {
					allocated <- id
				}
			}
		}()
	}

	wg.Wait()
	close(allocated)

	seen := make(map[int32]bool)
	for id := range allocated {
		if seen[id] {
			t.Errorf("ID %d allocated multiple times", id)
		}
		seen[id] = true
	}
	if len(seen) != 50 {
		t.Errorf("Allocated count: got %d, want 50", len(seen))
	}
}

// BenchmarkIDAllocator benchmarks allocation performance
func BenchmarkIDAllocator(b *testing.B) {
	alloc := NewIDAllocator(1, 1000)

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		id, ok := alloc.Allocate()
		if ok {
			alloc.Free(id)
		}
	}
}
