package util

import (
	"context"
	"sync"
)

// Cell is a one-shot container. Readers block until the first Set.
type Cell[T any] struct {
	once  sync.Once
	done  chan struct{}
	value T
}

// NewCell creates an empty cell
func NewCell[T any]() *Cell[T] {
	return &Cell[T]{done: make(chan struct{})}
}

// Set stores v and releases all readers. Only the first call wins.
func (c *Cell[T]) Set(v T) bool {
	set := false
	c.once.Do(func() {
		c.value = v
		close(c.done)
		set = true
	})
	return set
}

// Done is closed once the cell is set
func (c *Cell[T]) Done() <-chan struct{} {
	return c.done
}

// IsSet reports whether the cell holds a value
func (c *Cell[T]) IsSet() bool {
	select {
	case <-c.done:
		return true
	default:
		return false
	}
}

// Get blocks until the cell is set
func (c *Cell[T]) Get() T {
	<-c.done
	return c.value
}

// GetWithContext blocks until the cell is set or ctx is done
func (c *Cell[T]) GetWithContext(ctx context.Context) (T, error) {
	select {
	case <-c.done:
		return c.value, nil
	case <-ctx.Done():
		var zero T
		return zero, ctx.Err()
	}
}
