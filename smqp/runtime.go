package smqp

import (
	"sync"

	"github.com/rs/zerolog"

	"github.com/israelio/smqp-go-client/internal/pool"
)

// Runtime holds the worker pools and timers shared by connections. Several
// connections may share one runtime; a factory without one creates a
// private runtime per connection and closes it with the connection.
type Runtime struct {
	connPool    *pool.Pool
	sessionPool *pool.Pool
	timers      *pool.Timers
	closeOnce   sync.Once
}

// NewRuntime starts a runtime. Worker counts below one are raised to one.
func NewRuntime(connWorkers, sessionWorkers int, logger zerolog.Logger) *Runtime {
	return &Runtime{
		connPool:    pool.New("connection", connWorkers, logger),
		sessionPool: pool.New("session", sessionWorkers, logger),
		timers:      pool.NewTimers(),
	}
}

// Close stops the pools and timers
func (rt *Runtime) Close() {
	rt.closeOnce.Do(func() {
		rt.timers.Close()
		rt.connPool.Close()
		rt.sessionPool.Close()
	})
}

// drainTask drains a queue.Queue on a pool, one bulk per run. It dispatches
// itself again while the queue reports more work.
type drainTask struct {
	dequeue func() bool
	pool    *pool.Pool
}

func (t *drainTask) IsValid() bool { return true }

func (t *drainTask) Run() {
	if t.dequeue() {
		t.pool.Dispatch(t)
	}
}

func (t *drainTask) Stop() {}

// dispatcher returns the dispatch hook for a queue drained on p
func dispatcher(p *pool.Pool, dequeue func() bool) func() {
	t := &drainTask{dequeue: dequeue, pool: p}
	return func() { p.Dispatch(t) }
}
