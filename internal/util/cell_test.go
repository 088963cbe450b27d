package util

import (
	"context"
	"errors"
	"testing"
	"time"
)

// TestCellBasic tests basic set/get
func TestCellBasic(t *testing.T) {
	cell := NewCell[int]()

	if cell.IsSet() {
		t.Fatal("New cell should be empty")
	}
	if !cell.Set(42) {
		t.Fatal("Set failed")
	}
	if v := cell.Get(); v != 42 {
		t.Errorf("Get: got %v, want 42", v)
	}
}

// TestCellBlocking tests that Get blocks until Set
func TestCellBlocking(t *testing.T) {
	cell := NewCell[string]()

	done := make(chan string)
	go func() {
		done <- cell.Get()
	}()

	time.Sleep(50 * time.Millisecond)
	cell.Set("test")

	select {
	case v := <-done:
		if v != "test" {
			t.Errorf("Value: got %v, want test", v)
		}
	case <-time.After(time.Second):
		t.Fatal("Get did not unblock after Set")
	}
}

// TestCellDoubleSet tests that only the first Set wins
func TestCellDoubleSet(t *testing.T) {
	cell := NewCell[string]()

	if !cell.Set("first") {
		t.Fatal("First Set failed")
	}
	if cell.Set("second") {
		t.Error("Second Set should have been ignored")
	}
	if v := cell.Get(); v != "first" {
		t.Errorf("Value: got %v, want first", v)
	}
}

// TestCellContext tests context cancellation
func TestCellContext(t *testing.T) {
	cell := NewCell[error]()

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	v, err := cell.GetWithContext(ctx)
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("Error: got %v, want context.DeadlineExceeded", err)
	}
	if v != nil {
		t.Errorf("Value should be zero on cancellation, got %v", v)
	}
}

// TestCellMultipleGetters tests that every reader observes the value
func TestCellMultipleGetters(t *testing.T) {
	cell := NewCell[string]()

	results := make(chan string, 5)
	for i := 0; i < 5; i++ {
		go func() {
			results <- cell.Get()
		}()
	}

	cell.Set("shared")

	for i := 0; i < 5; i++ {
		select {
		case v := <-results:
			if v != "shared" {
				t.Errorf("Value: got %v, want shared", v)
			}
		case <-time.After(time.Second):
			t.Fatal("Getter did not receive value")
		}
	}
}
