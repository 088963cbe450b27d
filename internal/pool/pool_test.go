package pool

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingTask struct {
	valid   bool
	ran     atomic.Bool
	stopped atomic.Bool
	done    chan struct{}
}

func (t *recordingTask) IsValid() bool { return t.valid }
func (t *recordingTask) Run() {
	t.ran.Store(true)
	close(t.done)
}
func (t *recordingTask) Stop() { t.stopped.Store(true) }

// TestDispatchOrder tests that a single worker runs tasks in submission order
func TestDispatchOrder(t *testing.T) {
	p := New("test", 1, zerolog.Nop())
	defer p.Close()

	var mu sync.Mutex
	var order []int
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		require.True(t, p.Dispatch(TaskFunc(func() {
			defer wg.Done()
			mu.Lock()
			order = append(order, i)
			mu.Unlock()
		})))
	}
	wg.Wait()

	for i, v := range order {
		assert.Equal(t, i, v)
	}
}

// TestInvalidTaskSkipped tests that invalid tasks never run
func TestInvalidTaskSkipped(t *testing.T) {
	p := New("test", 1, zerolog.Nop())
	defer p.Close()

	invalid := &recordingTask{valid: false, done: make(chan struct{})}
	valid := &recordingTask{valid: true, done: make(chan struct{})}
	p.Dispatch(invalid)
	p.Dispatch(valid)

	select {
	case <-valid.done:
	case <-time.After(time.Second):
		t.Fatal("valid task did not run")
	}
	assert.False(t, invalid.ran.Load())
}

// TestPanicRecovered tests that a panicking task does not kill the worker
func TestPanicRecovered(t *testing.T) {
	p := New("test", 1, zerolog.Nop())
	defer p.Close()

	p.Dispatch(TaskFunc(func() { panic("boom") }))
	next := &recordingTask{valid: true, done: make(chan struct{})}
	p.Dispatch(next)

	select {
	case <-next.done:
	case <-time.After(time.Second):
		t.Fatal("worker died after panic")
	}
}

// TestCloseStopsQueued tests that queued tasks are stopped on close
func TestCloseStopsQueued(t *testing.T) {
	p := New("test", 1, zerolog.Nop())

	block := make(chan struct{})
	started := make(chan struct{})
	p.Dispatch(TaskFunc(func() {
		close(started)
		<-block
	}))
	<-started

	queued := &recordingTask{valid: true, done: make(chan struct{})}
	p.Dispatch(queued)
	p.Close()
	close(block)
	p.Wait()

	assert.True(t, queued.stopped.Load())
	assert.False(t, queued.ran.Load())
	assert.False(t, p.Dispatch(TaskFunc(func() {})))
}

// TestTimers tests periodic callbacks and cancellation
func TestTimers(t *testing.T) {
	timers := NewTimers()
	defer timers.Close()

	var ticks atomic.Int32
	cancel := timers.Every(10*time.Millisecond, func() { ticks.Add(1) })
	assert.Equal(t, 1, timers.Len())

	assert.Eventually(t, func() bool { return ticks.Load() >= 3 }, time.Second, 5*time.Millisecond)

	cancel()
	assert.Equal(t, 0, timers.Len())
	after := ticks.Load()
	time.Sleep(50 * time.Millisecond)
	assert.LessOrEqual(t, ticks.Load(), after+1)
}
