package smqp

import (
	"context"
	"errors"
	"math"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/israelio/smqp-go-client/internal/dupelog"
	"github.com/israelio/smqp-go-client/internal/frame"
	"github.com/israelio/smqp-go-client/internal/protocol"
	"github.com/israelio/smqp-go-client/internal/queue"
	"github.com/israelio/smqp-go-client/internal/requestreply"
	"github.com/israelio/smqp-go-client/internal/transport"
	"github.com/israelio/smqp-go-client/internal/util"
)

// ConnectionState represents the current state of a connection
type ConnectionState int32

const (
	StateDisconnected ConnectionState = iota
	StateConnectedStopped
	StateConnectedStarted
	StateClosed
)

// String returns a string representation of the connection state
func (cs ConnectionState) String() string {
	switch cs {
	case StateDisconnected:
		return "disconnected"
	case StateConnectedStopped:
		return "connected-stopped"
	case StateConnectedStarted:
		return "connected-started"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// ExceptionListener is notified once when a connection is lost for good
type ExceptionListener interface {
	OnException(err error)
}

// ExceptionListenerFunc adapts a function to ExceptionListener
type ExceptionListenerFunc func(err error)

// OnException calls f(err)
func (f ExceptionListenerFunc) OnException(err error) { f(err) }

// requestService receives broker pushes addressed to its dispatch id
type requestService interface {
	serviceRequest(req *protocol.Request)
}

// Connection is a logical connection to a broker. The underlying transport
// may be replaced by reconnects; pending requests are retried on the new
// transport and callers only see their replies.
type Connection struct {
	factory      *ConnectionFactory
	log          zerolog.Logger
	metrics      MetricsCollector
	errorHandler ErrorHandler
	rt           *Runtime
	ownsRuntime  bool

	reconnector *transport.Reconnector
	registry    *requestreply.Registry
	outbound    *queue.Queue[protocol.Object]
	dupLog      *dupelog.Log
	dispatchIDs *util.IDAllocator

	// Transport handle
	ioMu     sync.Mutex
	netConn  net.Conn
	writer   *frame.Writer
	endpoint Endpoint

	// connectionID is the transport epoch; each hand-over increments it
	connectionID atomic.Int32
	state        atomic.Int32
	started      atomic.Bool
	inputActive  atomic.Bool
	missed       atomic.Int32
	closing      atomic.Bool
	failed       atomic.Bool

	mu                 sync.RWMutex
	services           map[int32]requestService
	sessions           []*Session
	consumers          []*ConnectionConsumer
	tempDests          []*TemporaryDestination
	clientID           string
	clientIDFixed      bool
	exceptionListener  ExceptionListener
	reconnectListeners []ReconnectListener

	rcMu          sync.Mutex
	reconnecting  bool
	transportLost bool
	rcCancel      context.CancelFunc
	rcDone        chan struct{}

	stopKeepalive func()
	closeOnce     sync.Once
	closed        chan struct{}
}

func newConnection(cf *ConnectionFactory) *Connection {
	rt := cf.Runtime
	owns := false
	if rt == nil {
		rt = NewRuntime(cf.ConnectionWorkers, cf.SessionWorkers, cf.Logger)
		owns = true
	}

	c := &Connection{
		factory:      cf,
		log:          cf.Logger.With().Str("component", "connection").Logger(),
		metrics:      cf.Metrics,
		errorHandler: cf.ErrorHandler,
		rt:           rt,
		ownsRuntime:  owns,
		dispatchIDs:  util.NewIDAllocator(1, math.MaxInt16),
		services:     make(map[int32]requestService),
		clientID:     cf.ClientID,
		closed:       make(chan struct{}),
	}
	c.reconnector = transport.NewReconnector(cf.dialer(), cf.Endpoints, cf.Reconnect, c.log)
	c.registry = requestreply.New(c, c.log)
	if !cf.Reconnect.Enabled {
		c.registry.SetRequestTimeout(cf.RequestTimeout)
	}

	var q *queue.Queue[protocol.Object]
	q = queue.New(cf.MaxBulkObjects, dispatcher(rt.connPool, func() bool { return q.Dequeue() }), c.writeObjects)
	c.outbound = q

	if cf.DuplicateDetection {
		c.dupLog = dupelog.New(cf.DuplicateLogSize)
	}
	if cf.ReconnectListener != nil {
		c.reconnectListeners = append(c.reconnectListeners, cf.ReconnectListener)
	}
	c.state.Store(int32(StateDisconnected))
	return c
}

// connect obtains the first transport and starts keepalive. With
// reconnection enabled, failed rounds are retried under the reconnect policy.
func (c *Connection) connect(ctx context.Context) error {
	if err := c.establish(ctx, false, c.factory.Reconnect.Enabled); err != nil {
		return err
	}
	c.stopKeepalive = c.rt.timers.Every(c.factory.KeepaliveInterval, c.keepaliveTick)
	c.metrics.ConnectionCreated()
	c.log.Info().Stringer("endpoint", c.Endpoint()).Str("client_id", c.ClientID()).Msg("connected")
	return nil
}

// establish dials, handshakes and hands the transport over
func (c *Connection) establish(ctx context.Context, recreate, retry bool) error {
	var hs *handshaker
	handshake := func(ctx context.Context, nc net.Conn, ep transport.Endpoint) error {
		hs = newHandshaker(c, nc)
		return hs.run(ctx, recreate)
	}
	nc, ep, err := c.reconnector.Connect(ctx, handshake, retry)
	if err != nil {
		return err
	}
	return c.handOver(ctx, nc, ep, hs.r)
}

// handOver binds a handshaken transport and retries pending requests on it
func (c *Connection) handOver(ctx context.Context, nc net.Conn, ep Endpoint, r *frame.Reader) error {
	id := c.connectionID.Add(1)
	w := frame.NewWriter(nc, c.factory.MaxFrameSize, c.factory.CompressThreshold)

	c.ioMu.Lock()
	c.netConn = nc
	c.writer = w
	c.endpoint = ep
	c.ioMu.Unlock()

	c.missed.Store(0)
	c.inputActive.Store(true)
	go c.readLoop(nc, r, id)

	c.outbound.Clear()
	c.outbound.Start()
	if c.started.Load() {
		c.setState(StateConnectedStarted)
	} else {
		c.setState(StateConnectedStopped)
	}

	if err := c.registry.RetryAllRequests(ctx); err != nil {
		return err
	}
	c.resetAll(false)
	return nil
}

func (c *Connection) setState(s ConnectionState) {
	c.state.Store(int32(s))
}

// State returns the current connection state
func (c *Connection) State() ConnectionState {
	return ConnectionState(c.state.Load())
}

// IsClosed reports whether Close was called
func (c *Connection) IsClosed() bool {
	return c.State() == StateClosed
}

// Endpoint returns the endpoint of the current transport
func (c *Connection) Endpoint() Endpoint {
	c.ioMu.Lock()
	defer c.ioMu.Unlock()
	return c.endpoint
}

// ConnectionID returns the transport epoch. It changes once per reconnect.
func (c *Connection) ConnectionID() int32 {
	return c.connectionID.Load()
}

// ClientID returns the client id in use
func (c *Connection) ClientID() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.clientID
}

// SetClientID sets the client id. It is only allowed before the first
// session or connection consumer is created.
func (c *Connection) SetClientID(ctx context.Context, id string) error {
	if id == "" {
		return ErrIllegalState.WithReason("empty client id")
	}
	c.mu.Lock()
	if c.clientIDFixed {
		c.mu.Unlock()
		return ErrIllegalState.WithReason("client id can only be set before the first session is created")
	}
	c.mu.Unlock()

	req, err := c.newRequest(protocol.KindSetClientID, 0, true, protocol.ClientIDBody{ClientID: id})
	if err != nil {
		return err
	}
	if _, err := c.call(ctx, req); err != nil {
		return err
	}

	c.mu.Lock()
	c.clientID = id
	c.mu.Unlock()
	return nil
}

// SetExceptionListener sets the listener notified when the connection is lost
func (c *Connection) SetExceptionListener(l ExceptionListener) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.exceptionListener = l
}

// AddReconnectListener adds a reconnect listener
func (c *Connection) AddReconnectListener(l ReconnectListener) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.reconnectListeners = append(c.reconnectListeners, l)
}

// notifyReconnectListeners calls a function for each listener
func (c *Connection) notifyReconnectListeners(fn func(ReconnectListener)) {
	c.mu.RLock()
	listeners := make([]ReconnectListener, len(c.reconnectListeners))
	copy(listeners, c.reconnectListeners)
	c.mu.RUnlock()

	for _, l := range listeners {
		fn(l)
	}
}

// Start starts message delivery on every session
func (c *Connection) Start() error {
	if c.IsClosed() {
		return ErrConnectionClosed
	}
	c.started.Store(true)
	if c.State() == StateConnectedStopped {
		c.setState(StateConnectedStarted)
	}
	for _, s := range c.sessionList() {
		s.start()
	}
	for _, cc := range c.connectionConsumerList() {
		cc.start()
	}
	return nil
}

// Stop pauses message delivery. Callbacks already running complete.
func (c *Connection) Stop() error {
	if c.IsClosed() {
		return ErrConnectionClosed
	}
	c.started.Store(false)
	if c.State() == StateConnectedStarted {
		c.setState(StateConnectedStopped)
	}
	for _, s := range c.sessionList() {
		s.stop()
	}
	for _, cc := range c.connectionConsumerList() {
		cc.stop()
	}
	return nil
}

// newRequest builds a request tagged with the current transport epoch
func (c *Connection) newRequest(kind protocol.Kind, dispatchID int32, replyRequired bool, body any) (*protocol.Request, error) {
	req, err := protocol.NewRequest(kind, dispatchID, replyRequired, body)
	if err != nil {
		return nil, err
	}
	req.ConnectionID = c.connectionID.Load()
	return req, nil
}

// call sends req through the registry. A broker exception is returned as
// an error together with the reply.
func (c *Connection) call(ctx context.Context, req *protocol.Request) (*protocol.Reply, error) {
	reply, err := c.registry.Request(ctx, req)
	if err != nil {
		switch {
		case errors.Is(err, ErrRequestTimeout):
			c.metrics.RequestTimedOut()
		case errors.Is(err, ErrRequestCancelled):
			c.metrics.RequestCancelled()
		}
		return nil, err
	}
	if req.CancelledByValidator {
		c.metrics.RequestCancelled()
		return reply, nil
	}
	if reply != nil {
		if err := reply.Err(); err != nil {
			return reply, err
		}
	}
	return reply, nil
}

// send transmits a request without waiting for a reply
func (c *Connection) send(req *protocol.Request) error {
	req.ReplyRequired = false
	_, err := c.call(context.Background(), req)
	return err
}

// PerformRequest implements requestreply.Handler. Requests built for an
// older transport pass their validator first.
func (c *Connection) PerformRequest(req *protocol.Request) error {
	if c.IsClosed() {
		return ErrConnectionClosed
	}
	current := c.connectionID.Load()
	if req.ConnectionID != current {
		if req.Validator != nil {
			if err := req.Validator.Validate(req); err != nil {
				return ErrValidationFailed.WithCause(err)
			}
			if req.CancelledByValidator {
				return nil
			}
		}
		req.ConnectionID = current
	}
	if req.WasRetry {
		c.metrics.RequestRetried()
	}
	c.outbound.Enqueue(req)
	c.metrics.RequestSent()
	return nil
}

// writeObjects writes one drained bulk of the outbound queue
func (c *Connection) writeObjects(bulk []protocol.Object) {
	c.ioMu.Lock()
	w := c.writer
	nc := c.netConn
	c.ioMu.Unlock()
	if w == nil {
		return
	}

	id := c.connectionID.Load()
	objs := make([]protocol.Object, 0, len(bulk))
	for _, obj := range bulk {
		if req, ok := obj.(*protocol.Request); ok && req.ConnectionID != id {
			c.log.Debug().Stringer("request", req).Msg("dropping request of stale transport")
			continue
		}
		objs = append(objs, obj)
	}

	var out protocol.Object
	switch len(objs) {
	case 0:
		return
	case 1:
		out = objs[0]
	default:
		out = &protocol.Bulk{Objects: objs}
	}

	f, err := frame.Encode(out, c.factory.CompressThreshold)
	if err != nil {
		c.log.Error().Err(err).Msg("encode outbound frame")
		c.errorHandler.HandleConnectionError(c, err)
		return
	}
	if err := w.WriteFrame(f); err != nil {
		c.onIOError(nc, err)
	}
}

func (c *Connection) readLoop(nc net.Conn, r *frame.Reader, id int32) {
	for {
		obj, err := r.ReadObject()
		if err != nil {
			c.onIOError(nc, err)
			return
		}
		c.inputActive.Store(true)
		c.dispatchObject(obj, id)
	}
}

// dispatchObject routes one inbound object received on transport epoch id
func (c *Connection) dispatchObject(obj protocol.Object, id int32) {
	if c.connectionID.Load() != id {
		return
	}
	switch o := obj.(type) {
	case *protocol.KeepAlive:
		c.missed.Store(0)
	case *protocol.Reply:
		c.registry.SetReply(o)
	case *protocol.Request:
		o.ConnectionID = id
		c.mu.RLock()
		svc := c.services[o.DispatchID]
		c.mu.RUnlock()
		if svc == nil {
			c.log.Debug().Stringer("request", o).Msg("no service for dispatch id")
			return
		}
		svc.serviceRequest(o)
	case *protocol.Bulk:
		for _, inner := range o.Objects {
			if c.connectionID.Load() != id {
				return
			}
			c.dispatchObject(inner, id)
		}
	}
}

func (c *Connection) registerService(id int32, svc requestService) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.services[id] = svc
}

func (c *Connection) unregisterService(id int32) {
	c.mu.Lock()
	delete(c.services, id)
	c.mu.Unlock()
	c.dispatchIDs.Free(id)
}

// onIOError handles a failure of transport nc
func (c *Connection) onIOError(nc net.Conn, err error) {
	c.ioMu.Lock()
	current := c.netConn
	c.ioMu.Unlock()
	if nc == nil || nc != current || c.closing.Load() {
		return
	}

	c.log.Warn().Err(err).Msg("transport failed")
	c.metrics.ConnectionLost(err)

	if !c.factory.Reconnect.Enabled {
		c.fail(ErrConnectionLost.WithCause(err))
		return
	}
	c.startReconnect()
}

func (c *Connection) startReconnect() {
	c.rcMu.Lock()
	if c.reconnecting {
		// the transport of an ongoing hand-over failed
		c.transportLost = true
		c.rcMu.Unlock()
		c.registry.CancelRetryAllRequests()
		return
	}
	c.reconnecting = true
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	c.rcCancel = cancel
	c.rcDone = done
	c.rcMu.Unlock()

	c.prepareForReconnect()
	go c.reconnectLoop(ctx, done)
}

// prepareForReconnect freezes outbound traffic, resets sessions and
// releases the failed transport
func (c *Connection) prepareForReconnect() {
	c.registry.CancelRetryAllRequests()
	c.outbound.Stop()
	c.outbound.Clear()
	c.resetAll(true)

	c.ioMu.Lock()
	nc := c.netConn
	c.netConn = nil
	c.writer = nil
	c.ioMu.Unlock()
	if nc != nil {
		nc.Close()
	}
	c.setState(StateDisconnected)
}

func (c *Connection) reconnectLoop(ctx context.Context, done chan struct{}) {
	defer close(done)

	start := time.Now()
	c.metrics.ReconnectStarted()
	c.notifyReconnectListeners(func(l ReconnectListener) {
		l.OnReconnectStarted(c)
	})

	for {
		err := c.establish(ctx, true, true)
		if ctx.Err() != nil {
			return
		}

		c.rcMu.Lock()
		lost := c.transportLost
		c.transportLost = false
		if err == nil && !lost {
			c.reconnecting = false
			c.rcCancel = nil
			c.rcMu.Unlock()
			break
		}
		c.rcMu.Unlock()

		if err != nil && !errors.Is(err, ErrConnectionLost) {
			c.log.Error().Err(err).Msg("reconnect failed")
			c.metrics.ReconnectFailed(err)
			c.rcMu.Lock()
			c.reconnecting = false
			c.rcMu.Unlock()
			c.notifyReconnectListeners(func(l ReconnectListener) {
				l.OnReconnectFailed(c, err)
			})
			c.fail(ErrConnectionLost.WithCause(err))
			return
		}
		c.log.Warn().Msg("transport lost during hand-over")
		c.prepareForReconnect()
	}

	ep := c.Endpoint()
	c.metrics.ReconnectCompleted(time.Since(start))
	c.log.Info().Stringer("endpoint", ep).Int32("connection_id", c.connectionID.Load()).Msg("reconnected")
	c.notifyReconnectListeners(func(l ReconnectListener) {
		l.OnReconnected(c, ep)
	})
}

// resetAll marks every session and connection consumer reset in progress
func (c *Connection) resetAll(reset bool) {
	for _, s := range c.sessionList() {
		s.setResetInProgress(reset)
	}
	for _, cc := range c.connectionConsumerList() {
		cc.setResetInProgress(reset)
	}
}

func (c *Connection) keepaliveTick() {
	switch c.State() {
	case StateDisconnected, StateClosed:
		return
	}
	if c.inputActive.Swap(false) {
		c.missed.Store(0)
		return
	}

	n := c.missed.Add(1)
	c.metrics.KeepaliveMissed()
	if int(n) >= c.factory.KeepaliveMissThreshold {
		c.ioMu.Lock()
		nc := c.netConn
		c.ioMu.Unlock()
		c.log.Warn().Int32("missed", n).Msg("keepalive threshold reached")
		c.onIOError(nc, ErrConnectionLost.WithReason("keepalive timeout"))
		return
	}
	c.outbound.Enqueue(&protocol.KeepAlive{})
}

// fail tears the connection down after an unrecoverable loss
func (c *Connection) fail(err error) {
	if !c.failed.CompareAndSwap(false, true) {
		return
	}
	if c.stopKeepalive != nil {
		c.stopKeepalive()
	}
	c.registry.Close(err)
	c.outbound.Stop()

	c.ioMu.Lock()
	nc := c.netConn
	c.netConn = nil
	c.writer = nil
	c.ioMu.Unlock()
	if nc != nil {
		nc.Close()
	}
	c.setState(StateDisconnected)

	c.mu.RLock()
	l := c.exceptionListener
	c.mu.RUnlock()
	if l != nil {
		l.OnException(err)
	}
	c.errorHandler.HandleConnectionError(c, err)
}

// Close closes sessions and connection consumers, says goodbye to the
// broker and releases the transport. Pending requests fail with
// ErrConnectionClosed. Idempotent.
func (c *Connection) Close() error {
	c.closeOnce.Do(c.close)
	return nil
}

func (c *Connection) close() {
	c.closing.Store(true)
	if c.stopKeepalive != nil {
		c.stopKeepalive()
	}

	c.rcMu.Lock()
	cancel, done := c.rcCancel, c.rcDone
	c.rcMu.Unlock()
	if cancel != nil {
		cancel()
		c.registry.CancelRetryAllRequests()
		select {
		case <-done:
		case <-time.After(c.factory.SessionCloseTimeout):
		}
	}

	remote := !c.failed.Load() && c.State() != StateDisconnected
	for _, cc := range c.connectionConsumerList() {
		cc.close(remote)
	}
	for _, s := range c.sessionList() {
		s.close(remote)
	}

	if remote {
		ctx, cancel := context.WithTimeout(context.Background(), c.factory.SessionCloseTimeout)
		if req, err := c.newRequest(protocol.KindDisconnect, 0, true, nil); err == nil {
			if _, err := c.call(ctx, req); err != nil {
				c.log.Debug().Err(err).Msg("disconnect")
			}
		}
		cancel()
	}

	c.registry.Close(ErrConnectionClosed)
	c.outbound.Close()

	c.ioMu.Lock()
	nc := c.netConn
	c.netConn = nil
	c.writer = nil
	c.ioMu.Unlock()
	if nc != nil {
		nc.Close()
	}

	c.setState(StateClosed)
	c.metrics.ConnectionClosed()
	close(c.closed)
	c.release()
	c.log.Info().Msg("connection closed")
}

// release stops a private runtime
func (c *Connection) release() {
	if c.ownsRuntime {
		c.rt.Close()
	}
}

// Done is closed once the connection is closed
func (c *Connection) Done() <-chan struct{} {
	return c.closed
}

func (c *Connection) sessionList() []*Session {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]*Session, len(c.sessions))
	copy(out, c.sessions)
	return out
}

func (c *Connection) connectionConsumerList() []*ConnectionConsumer {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]*ConnectionConsumer, len(c.consumers))
	copy(out, c.consumers)
	return out
}

// SessionCount returns the number of open sessions
func (c *Connection) SessionCount() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.sessions)
}

func (c *Connection) removeSession(s *Session) {
	c.mu.Lock()
	for i, other := range c.sessions {
		if other == s {
			c.sessions = append(c.sessions[:i], c.sessions[i+1:]...)
			break
		}
	}
	c.mu.Unlock()
	c.unregisterService(s.myDispatchID)
}

func (c *Connection) removeConnectionConsumer(cc *ConnectionConsumer) {
	c.mu.Lock()
	for i, other := range c.consumers {
		if other == cc {
			c.consumers = append(c.consumers[:i], c.consumers[i+1:]...)
			break
		}
	}
	c.mu.Unlock()
	c.unregisterService(cc.myDispatchID)
}

// allocDispatchID reserves a client dispatch id and fixes the client id
func (c *Connection) allocDispatchID() (int32, error) {
	if c.IsClosed() || c.failed.Load() {
		return 0, ErrConnectionClosed
	}
	id, ok := c.dispatchIDs.Allocate()
	if !ok {
		return 0, ErrIllegalState.WithReason("too many sessions")
	}
	c.mu.Lock()
	c.clientIDFixed = true
	c.mu.Unlock()
	return id, nil
}

// growDupLog sizes the duplicate log with the total prefetch
func (c *Connection) growDupLog(delta int) {
	if c.dupLog == nil {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.dupLog.IncreaseSize(delta)
}

func (c *Connection) shrinkDupLog(delta int) {
	if c.dupLog == nil {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.dupLog.DecreaseSize(delta, c.factory.DuplicateLogSize)
}
