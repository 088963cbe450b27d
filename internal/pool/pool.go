// Package pool provides the task-dispatch service and timer registry
// shared by connections and sessions.
package pool

import (
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog"
)

// Task is a unit of work dispatched to a pool
type Task interface {
	// IsValid is checked right before Run; invalid tasks are dropped
	IsValid() bool
	Run()
	// Stop is called for tasks still queued when the pool closes
	Stop()
}

// TaskFunc adapts a function to Task
type TaskFunc func()

// IsValid implements Task
func (f TaskFunc) IsValid() bool { return true }

// Run implements Task
func (f TaskFunc) Run() { f() }

// Stop implements Task
func (f TaskFunc) Stop() {}

// Pool runs tasks on a fixed set of workers in submission order
type Pool struct {
	name string
	log  zerolog.Logger

	mu     sync.Mutex
	cond   *sync.Cond
	tasks  []Task
	closed bool

	wg      sync.WaitGroup
	running atomic.Int32
}

// New starts a pool with the given number of workers
func New(name string, workers int, logger zerolog.Logger) *Pool {
	if workers < 1 {
		workers = 1
	}
	p := &Pool{
		name: name,
		log:  logger.With().Str("pool", name).Logger(),
	}
	p.cond = sync.NewCond(&p.mu)

	p.wg.Add(workers)
	for i := 0; i < workers; i++ {
		go p.worker()
	}
	return p
}

// Dispatch queues a task. It returns false once the pool is closed.
func (p *Pool) Dispatch(t Task) bool {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return false
	}
	p.tasks = append(p.tasks, t)
	p.mu.Unlock()
	p.cond.Signal()
	return true
}

func (p *Pool) worker() {
	defer p.wg.Done()
	for {
		p.mu.Lock()
		for len(p.tasks) == 0 && !p.closed {
			p.cond.Wait()
		}
		if p.closed {
			p.mu.Unlock()
			return
		}
		t := p.tasks[0]
		p.tasks[0] = nil
		p.tasks = p.tasks[1:]
		p.mu.Unlock()

		if t.IsValid() {
			p.run(t)
		}
	}
}

func (p *Pool) run(t Task) {
	p.running.Add(1)
	defer p.running.Add(-1)
	defer func() {
		if r := recover(); r != nil {
			p.log.Error().Str("panic", fmt.Sprint(r)).Msg("task panicked")
		}
	}()
	t.Run()
}

// Pending returns the number of queued tasks
func (p *Pool) Pending() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.tasks)
}

// Running returns the number of tasks currently executing
func (p *Pool) Running() int {
	return int(p.running.Load())
}

// Close stops accepting tasks and calls Stop on queued ones. Tasks
// already running are not interrupted.
func (p *Pool) Close() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	queued := p.tasks
	p.tasks = nil
	p.mu.Unlock()
	p.cond.Broadcast()

	for _, t := range queued {
		t.Stop()
	}
}

// Wait blocks until all workers have exited after Close
func (p *Pool) Wait() {
	p.wg.Wait()
}
