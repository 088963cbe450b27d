package smqp

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/israelio/smqp-go-client/internal/protocol"
	"github.com/israelio/smqp-go-client/internal/queue"
)

// ConnectionConsumer feeds messages of a queue into server sessions taken
// from a ServerSessionPool. Each server session receives up to maxMessages
// messages before it is started.
type ConnectionConsumer struct {
	conn         *Connection
	log          zerolog.Logger
	myDispatchID int32
	dispatchID   atomic.Int32
	queueName    string
	selector     string
	pool         ServerSessionPool
	maxMessages  int
	uniqueID     string
	inProgress   *inProgressSet
	deliveries   *queue.Queue[*protocol.Request]

	ctx    context.Context
	cancel context.CancelFunc

	mu      sync.Mutex
	started bool
	reset   bool
	closed  bool
	current ServerSession
	loaded  int
}

// CreateConnectionConsumer creates a connection consumer on queue
func (c *Connection) CreateConnectionConsumer(ctx context.Context, queueName, selector string, pool ServerSessionPool, maxMessages int) (*ConnectionConsumer, error) {
	if pool == nil {
		return nil, ErrIllegalState.WithReason("server session pool required")
	}
	if maxMessages < 1 {
		maxMessages = 1
	}
	id, err := c.allocDispatchID()
	if err != nil {
		return nil, err
	}

	cc := &ConnectionConsumer{
		conn:         c,
		log:          c.log.With().Int32("connection_consumer", id).Str("queue", queueName).Logger(),
		myDispatchID: id,
		queueName:    queueName,
		selector:     selector,
		pool:         pool,
		maxMessages:  maxMessages,
		uniqueID:     uuid.NewString(),
		inProgress:   newInProgressSet(),
	}
	cc.ctx, cc.cancel = context.WithCancel(context.Background())
	var q *queue.Queue[*protocol.Request]
	q = queue.New(1, dispatcher(c.rt.sessionPool, func() bool { return q.Dequeue() }), cc.processBulk)
	cc.deliveries = q

	c.registerService(id, cc)
	c.mu.Lock()
	c.consumers = append(c.consumers, cc)
	c.mu.Unlock()

	req, err := c.newRequest(protocol.KindCreateSession, 0, true, cc.createBody())
	if err == nil {
		var reply *protocol.Reply
		reply, err = c.call(ctx, req)
		if err == nil {
			err = cc.setRecreateReply(reply)
		}
	}
	if err != nil {
		cc.cancel()
		cc.deliveries.Close()
		c.removeConnectionConsumer(cc)
		return nil, err
	}

	c.growDupLog(c.factory.ConsumerCacheSize)
	if c.started.Load() {
		cc.start()
	}
	cc.fillCache()
	cc.log.Debug().Int32("dispatch_id", cc.dispatchID.Load()).Msg("connection consumer created")
	return cc, nil
}

// Queue returns the consumed queue name
func (cc *ConnectionConsumer) Queue() string {
	return cc.queueName
}

func (cc *ConnectionConsumer) serviceRequest(req *protocol.Request) {
	cc.deliveries.Enqueue(req)
}

func (cc *ConnectionConsumer) valid() bool {
	cc.mu.Lock()
	defer cc.mu.Unlock()
	return cc.started && !cc.reset && !cc.closed
}

func (cc *ConnectionConsumer) invalidated() bool {
	cc.mu.Lock()
	defer cc.mu.Unlock()
	return cc.reset || cc.closed
}

func (cc *ConnectionConsumer) processBulk(bulk []*protocol.Request) {
	for _, req := range bulk {
		cc.processRequest(req)
	}
}

func (cc *ConnectionConsumer) processRequest(req *protocol.Request) {
	if req.Kind != protocol.KindAsyncDelivery {
		return
	}
	if req.ConnectionID != cc.conn.connectionID.Load() || !cc.valid() {
		return
	}
	var body protocol.AsyncDeliveryBody
	if err := req.Decode(&body); err != nil {
		cc.conn.metrics.MalformedDelivery()
		cc.log.Warn().Err(err).Msg("skipping malformed delivery")
		return
	}

	for i, entry := range body.Entries {
		if !cc.valid() {
			return
		}
		hasNext := i < len(body.Entries)-1
		if err := cc.processEntry(entry, req.ConnectionID, hasNext); err != nil {
			cc.log.Error().Err(err).Msg("server session")
			cc.conn.errorHandler.HandleConnectionError(cc.conn, err)
			return
		}
	}
	if body.RequiresRestart && cc.valid() {
		cc.fillCache()
	}
}

// processEntry loads one message into the current server session, taking
// a new one from the pool when needed
func (cc *ConnectionConsumer) processEntry(entry protocol.MessageEntry, connID int32, hasNext bool) error {
	msg, err := protocol.UnmarshalMessage(entry.Message)
	if err != nil {
		cc.conn.metrics.MalformedDelivery()
		cc.log.Warn().Err(err).Int64("index", entry.Index.ID).Msg("skipping malformed message")
		return cc.flush(hasNext)
	}
	msg.DeliveryCount = entry.Index.DeliveryCount
	msg.Redelivered = msg.DeliveryCount > 1

	// a message still running in another server session must finish first
	if !cc.inProgress.acquire(entry.Index.ID, cc.invalidated) {
		return nil
	}

	cc.mu.Lock()
	ss := cc.current
	cc.mu.Unlock()
	if ss == nil {
		ss, err = cc.pool.ServerSession(cc.ctx)
		if err != nil {
			cc.inProgress.release(entry.Index.ID)
			if cc.invalidated() {
				return nil
			}
			return err
		}
		cc.mu.Lock()
		cc.current = ss
		cc.loaded = 0
		cc.mu.Unlock()
	}

	s := ss.Session()
	shadow, err := s.shadowConsumer(cc.ctx, cc.queueName)
	if err != nil {
		cc.inProgress.release(entry.Index.ID)
		return err
	}
	s.addChunk(chunk{cc: cc, shadow: shadow, entry: entry, msg: msg, connID: connID})

	cc.mu.Lock()
	cc.loaded++
	cc.mu.Unlock()
	return cc.flush(hasNext)
}

// flush starts the current server session once it is full or the batch
// is exhausted
func (cc *ConnectionConsumer) flush(hasNext bool) error {
	cc.mu.Lock()
	ss := cc.current
	if ss == nil || (hasNext && cc.loaded < cc.maxMessages) {
		cc.mu.Unlock()
		return nil
	}
	cc.current = nil
	cc.loaded = 0
	cc.mu.Unlock()
	return ss.Start()
}

// fillCache grants credit to the implicit server consumer
func (cc *ConnectionConsumer) fillCache() {
	if cc.dispatchID.Load() == 0 {
		return
	}
	cf := cc.conn.factory
	req, err := cc.conn.newRequest(protocol.KindStartConsumer, cc.dispatchID.Load(), false, protocol.StartConsumerBody{
		ClientDispatchID: cc.myDispatchID,
		CacheSize:        cf.ConsumerCacheSize,
		CacheSizeKB:      cf.ConsumerCacheSizeKB,
	})
	if err != nil {
		cc.log.Error().Err(err).Msg("start consumer")
		return
	}
	req.Validator = protocol.ValidatorFunc(cc.validate)
	if err := cc.conn.send(req); err != nil {
		cc.log.Debug().Err(err).Msg("start consumer")
	}
}

func (cc *ConnectionConsumer) validate(req *protocol.Request) error {
	cc.mu.Lock()
	closed := cc.closed
	cc.mu.Unlock()
	if closed {
		req.CancelledByValidator = true
		return nil
	}
	req.DispatchID = cc.dispatchID.Load()
	return nil
}

func (cc *ConnectionConsumer) setResetInProgress(reset bool) {
	cc.mu.Lock()
	if cc.closed {
		cc.mu.Unlock()
		return
	}
	cc.reset = reset
	held := cc.current
	if reset {
		cc.current = nil
		cc.loaded = 0
	}
	started := cc.started
	cc.mu.Unlock()

	if reset {
		cc.deliveries.Stop()
		cc.deliveries.Clear()
		cc.inProgress.wake()
		// its messages belong to the lost transport; running releases them
		if held != nil {
			if err := held.Start(); err != nil {
				cc.log.Debug().Err(err).Msg("start held server session")
			}
		}
		return
	}
	if started {
		cc.deliveries.Start()
	}
	cc.fillCache()
}

func (cc *ConnectionConsumer) start() {
	cc.mu.Lock()
	cc.started = true
	ok := !cc.reset && !cc.closed
	cc.mu.Unlock()
	if ok {
		cc.deliveries.Start()
	}
}

func (cc *ConnectionConsumer) stop() {
	cc.mu.Lock()
	cc.started = false
	cc.mu.Unlock()
	cc.deliveries.Stop()
}

// Close stops the connection consumer. Server sessions already started
// finish their messages.
func (cc *ConnectionConsumer) Close() error {
	return cc.close(true)
}

func (cc *ConnectionConsumer) close(remote bool) error {
	cc.mu.Lock()
	if cc.closed {
		cc.mu.Unlock()
		return nil
	}
	cc.closed = true
	held := cc.current
	cc.current = nil
	cc.mu.Unlock()

	cc.cancel()
	cc.deliveries.Close()
	cc.inProgress.wake()
	if held != nil {
		held.Start()
	}
	cc.conn.shrinkDupLog(cc.conn.factory.ConsumerCacheSize)

	var err error
	if remote && cc.dispatchID.Load() != 0 && cc.conn.State() != StateClosed {
		ctx, cancel := context.WithTimeout(context.Background(), cc.conn.factory.SessionCloseTimeout)
		var req *protocol.Request
		req, err = cc.conn.newRequest(protocol.KindCloseSession, cc.dispatchID.Load(), true, protocol.CloseSessionBody{DispatchID: cc.dispatchID.Load()})
		if err == nil {
			req.Validator = protocol.ValidatorFunc(cc.validate)
			_, err = cc.conn.call(ctx, req)
		}
		cancel()
	}
	cc.conn.removeConnectionConsumer(cc)
	cc.log.Debug().Msg("connection consumer closed")
	return err
}

func (cc *ConnectionConsumer) createBody() protocol.CreateSessionBody {
	return protocol.CreateSessionBody{
		Type:             protocol.SessionConnectionConsumer,
		AckMode:          int(AutoAcknowledge),
		ClientDispatchID: cc.myDispatchID,
		Destination:      cc.queueName,
		Selector:         cc.selector,
	}
}

func (cc *ConnectionConsumer) recreateRequest() (*protocol.Request, error) {
	cc.mu.Lock()
	closed := cc.closed
	cc.mu.Unlock()
	if closed || cc.dispatchID.Load() == 0 {
		return nil, nil
	}
	return protocol.NewRequest(protocol.KindCreateSession, 0, true, cc.createBody())
}

func (cc *ConnectionConsumer) setRecreateReply(reply *protocol.Reply) error {
	var body protocol.CreateSessionReplyBody
	if err := reply.Decode(&body); err != nil {
		return err
	}
	cc.dispatchID.Store(body.DispatchID)
	return nil
}

func (cc *ConnectionConsumer) recreatables() []recreatable {
	return nil
}

// inProgressSet holds the ids of messages handed to a server session and
// not yet finished. A redelivered id waits until the earlier copy is done.
type inProgressSet struct {
	mu   sync.Mutex
	cond *sync.Cond
	ids  map[int64]struct{}
}

func newInProgressSet() *inProgressSet {
	p := &inProgressSet{ids: make(map[int64]struct{})}
	p.cond = sync.NewCond(&p.mu)
	return p
}

// acquire marks id, waiting while it is marked. It gives up and returns
// false once invalid reports true.
func (p *inProgressSet) acquire(id int64, invalid func() bool) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	for {
		if invalid() {
			return false
		}
		if _, busy := p.ids[id]; !busy {
			p.ids[id] = struct{}{}
			return true
		}
		p.cond.Wait()
	}
}

func (p *inProgressSet) release(id int64) {
	p.mu.Lock()
	delete(p.ids, id)
	p.mu.Unlock()
	p.cond.Broadcast()
}

func (p *inProgressSet) contains(id int64) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	_, ok := p.ids[id]
	return ok
}

// wake re-evaluates waiters after an invalidation
func (p *inProgressSet) wake() {
	p.mu.Lock()
	p.cond.Broadcast()
	p.mu.Unlock()
}
