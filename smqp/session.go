package smqp

import (
	"context"
	"fmt"
	"math"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/israelio/smqp-go-client/internal/protocol"
	"github.com/israelio/smqp-go-client/internal/queue"
	"github.com/israelio/smqp-go-client/internal/util"
)

// AckMode selects how consumed messages are acknowledged
type AckMode int

const (
	AutoAcknowledge   AckMode = 1
	ClientAcknowledge AckMode = 2
	DupsOKAcknowledge AckMode = 3
)

// String returns the ack mode name
func (m AckMode) String() string {
	switch m {
	case AutoAcknowledge:
		return "auto"
	case ClientAcknowledge:
		return "client"
	case DupsOKAcknowledge:
		return "dups-ok"
	default:
		return fmt.Sprintf("ack-mode(%d)", int(m))
	}
}

// SessionKind restricts the destinations a session works with
type SessionKind int

const (
	SessionUnified SessionKind = iota
	SessionQueue
	SessionTopic
)

func (k SessionKind) sessionType() protocol.SessionType {
	switch k {
	case SessionQueue:
		return protocol.SessionQueue
	case SessionTopic:
		return protocol.SessionTopic
	default:
		return protocol.SessionUnified
	}
}

type sessionConfig struct {
	kind       SessionKind
	transacted bool
	ackMode    AckMode
	xa         bool
}

// SessionOption configures a session
type SessionOption func(*sessionConfig)

// WithTransacted creates a transacted session
func WithTransacted() SessionOption {
	return func(c *sessionConfig) { c.transacted = true }
}

// WithAckMode sets the acknowledge mode of a non-transacted session
func WithAckMode(mode AckMode) SessionOption {
	return func(c *sessionConfig) { c.ackMode = mode }
}

// WithSessionKind sets the session kind
func WithSessionKind(kind SessionKind) SessionOption {
	return func(c *sessionConfig) { c.kind = kind }
}

// WithXA creates a transacted session whose duplicates stay associated
// with the session so the broker can track them
func WithXA() SessionOption {
	return func(c *sessionConfig) {
		c.xa = true
		c.transacted = true
	}
}

// MessageListener receives messages asynchronously
type MessageListener interface {
	OnMessage(msg *Message)
}

// MessageListenerFunc adapts a function to MessageListener
type MessageListenerFunc func(msg *Message)

// OnMessage calls f(msg)
func (f MessageListenerFunc) OnMessage(msg *Message) { f(msg) }

type txEntry struct {
	producer *Producer
	data     []byte
}

type pendingAck struct {
	consumer *Consumer
	index    protocol.MessageIndex
}

// Session multiplexes consumers, producers and browsers. Pushed batches are
// processed by one worker at a time in arrival order.
type Session struct {
	conn         *Connection
	log          zerolog.Logger
	cfg          sessionConfig
	myDispatchID int32

	// dispatchID is the broker's id for this session; it changes on reconnect
	dispatchID    atomic.Int32
	recoveryEpoch atomic.Int32

	mu           sync.RWMutex
	started      bool
	reset        bool
	recovery     bool
	closed       bool
	consumerIDs  *util.IDAllocator
	consumers    map[int32]*Consumer
	shadows      map[string]*Consumer
	producers    []*Producer
	browsers     []*Browser
	txBuffer     []txEntry
	currentTx    []string
	currentTxSet map[string]struct{}
	rollbackLog  map[string]struct{}
	pendingAcks  []pendingAck
	listener     MessageListener
	chunks       []chunk

	deliveries *queue.Queue[*protocol.Request]
	handlers   map[protocol.Kind]func(*protocol.Request)
	// callSem is held while application code runs
	callSem chan struct{}
}

// CreateSession creates a session. Without options it is a unified,
// non-transacted, auto-acknowledge session.
func (c *Connection) CreateSession(ctx context.Context, opts ...SessionOption) (*Session, error) {
	cfg := sessionConfig{ackMode: AutoAcknowledge}
	for _, opt := range opts {
		opt(&cfg)
	}

	id, err := c.allocDispatchID()
	if err != nil {
		return nil, err
	}
	s := newSession(c, id, cfg)
	c.registerService(id, s)
	c.mu.Lock()
	c.sessions = append(c.sessions, s)
	c.mu.Unlock()

	req, err := c.newRequest(protocol.KindCreateSession, 0, true, s.createBody())
	if err == nil {
		var reply *protocol.Reply
		reply, err = c.call(ctx, req)
		if err == nil {
			err = s.setRecreateReply(reply)
		}
	}
	if err != nil {
		s.deliveries.Close()
		c.removeSession(s)
		return nil, err
	}

	if c.started.Load() {
		s.start()
	}
	s.log.Debug().Int32("dispatch_id", s.dispatchID.Load()).Bool("transacted", cfg.transacted).Msg("session created")
	return s, nil
}

func newSession(c *Connection, id int32, cfg sessionConfig) *Session {
	s := &Session{
		conn:         c,
		log:          c.log.With().Int32("session", id).Logger(),
		cfg:          cfg,
		myDispatchID: id,
		consumerIDs:  util.NewIDAllocator(1, math.MaxInt16),
		consumers:    make(map[int32]*Consumer),
		shadows:      make(map[string]*Consumer),
		currentTxSet: make(map[string]struct{}),
		rollbackLog:  make(map[string]struct{}),
		callSem:      make(chan struct{}, 1),
	}
	s.handlers = map[protocol.Kind]func(*protocol.Request){
		protocol.KindAsyncDelivery:   s.absorbDelivery,
		protocol.KindInvokeConsumers: func(*protocol.Request) {},
	}

	var q *queue.Queue[*protocol.Request]
	q = queue.New(0, dispatcher(c.rt.sessionPool, func() bool { return q.Dequeue() }), s.processDeliveries)
	s.deliveries = q
	return s
}

// Transacted reports whether the session is transacted
func (s *Session) Transacted() bool {
	return s.cfg.transacted
}

// AckMode returns the acknowledge mode
func (s *Session) AckMode() AckMode {
	return s.cfg.ackMode
}

// Connection returns the owning connection
func (s *Session) Connection() *Connection {
	return s.conn
}

func (s *Session) serviceRequest(req *protocol.Request) {
	s.deliveries.Enqueue(req)
}

// validLocked reports whether deliveries may reach the application
func (s *Session) validLocked() bool {
	return s.started && !s.reset && !s.recovery && !s.closed
}

func (s *Session) valid() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.validLocked()
}

func (s *Session) isClosed() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.closed
}

func (s *Session) isReset() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.reset
}

func (s *Session) start() {
	s.mu.Lock()
	s.started = true
	ok := s.validLocked()
	s.mu.Unlock()
	if ok {
		s.deliveries.Start()
	}
}

func (s *Session) stop() {
	s.mu.Lock()
	s.started = false
	s.mu.Unlock()
	s.deliveries.Stop()
}

// consumerListLocked returns the regular consumers ordered by id
func (s *Session) consumerListLocked() []*Consumer {
	ids := make([]int32, 0, len(s.consumers))
	for id := range s.consumers {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	out := make([]*Consumer, 0, len(ids))
	for _, id := range ids {
		out = append(out, s.consumers[id])
	}
	return out
}

// setResetInProgress is driven by the connection around a reconnect.
// Leaving reset restarts delivery and refills every consumer cache.
func (s *Session) setResetInProgress(reset bool) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.reset = reset
	if reset {
		s.deliveries.Stop()
		s.deliveries.Clear()
		for _, c := range s.consumers {
			c.clearCache()
		}
		s.mu.Unlock()
		return
	}
	start := s.validLocked()
	fill := !s.recovery
	consumers := s.consumerListLocked()
	s.mu.Unlock()

	if start {
		s.deliveries.Start()
	}
	if fill {
		for _, c := range consumers {
			c.fillCache()
		}
	}
}

// newRequest builds a session request with the session validator
func (s *Session) newRequest(kind protocol.Kind, replyRequired bool, body any) (*protocol.Request, error) {
	req, err := s.conn.newRequest(kind, s.dispatchID.Load(), replyRequired, body)
	if err != nil {
		return nil, err
	}
	req.Validator = protocol.ValidatorFunc(s.validate)
	return req, nil
}

// validate rewrites a request for a new transport. Acknowledgements and
// recovery requests refer to the old server session and are dropped.
func (s *Session) validate(req *protocol.Request) error {
	if s.isClosed() {
		req.CancelledByValidator = true
		return nil
	}
	switch req.Kind {
	case protocol.KindAcknowledge, protocol.KindAssociateMessage, protocol.KindDeleteMessage,
		protocol.KindRecoverSession, protocol.KindRollback:
		req.CancelledByValidator = true
		return nil
	}
	req.DispatchID = s.dispatchID.Load()
	return nil
}

// processDeliveries absorbs every queued push into consumer caches, then
// runs one round of listener invocations
func (s *Session) processDeliveries(bulk []*protocol.Request) {
	for _, req := range bulk {
		if h, ok := s.handlers[req.Kind]; ok {
			h(req)
			continue
		}
		s.log.Warn().Stringer("request", req).Msg("no handler for request")
	}
	if s.invokeConsumers() {
		s.deliveries.Enqueue(&protocol.Request{Kind: protocol.KindInvokeConsumers})
	}
}

func (s *Session) absorbDelivery(req *protocol.Request) {
	if req.ConnectionID != s.conn.connectionID.Load() {
		s.log.Debug().Msg("dropping delivery of stale transport")
		return
	}
	var body protocol.AsyncDeliveryBody
	if err := req.Decode(&body); err != nil {
		s.reportMalformed("", err)
		return
	}
	if body.RecoveryEpoch != s.recoveryEpoch.Load() {
		s.log.Debug().Int32("epoch", body.RecoveryEpoch).Msg("dropping delivery of stale recovery epoch")
		return
	}

	s.mu.RLock()
	c := s.consumers[body.ListenerID]
	s.mu.RUnlock()
	if c == nil {
		s.log.Debug().Int32("listener", body.ListenerID).Msg("dropping delivery for unknown consumer")
		return
	}
	c.addToCache(body.Entries, body.RequiresRestart, req.ConnectionID)
}

// invokeConsumers hands one cached message to each listener consumer and
// reports whether any cache still holds messages
func (s *Session) invokeConsumers() bool {
	s.mu.RLock()
	if !s.validLocked() {
		s.mu.RUnlock()
		return false
	}
	consumers := s.consumerListLocked()
	s.mu.RUnlock()

	more := false
	for _, c := range consumers {
		l := c.messageListener()
		if l == nil {
			continue
		}
		item, ok := c.pop()
		if !ok {
			continue
		}
		if msg := s.accept(c, item); msg != nil {
			s.invokeListener(l, msg, c.String())
			s.afterDelivery(c, item.entry.Index)
			s.conn.metrics.MessageConsumed()
		}
		c.refillIfDrained()
		if c.cacheLen() > 0 {
			more = true
		}
		if !s.valid() {
			return false
		}
	}
	return more
}

// receive delivers one cached message to a synchronous receiver
func (s *Session) receive(c *Consumer, item cacheItem) *Message {
	s.callSem <- struct{}{}
	defer func() { <-s.callSem }()

	if !s.valid() {
		return nil
	}
	msg := s.accept(c, item)
	c.refillIfDrained()
	if msg == nil {
		return nil
	}
	s.afterDelivery(c, item.entry.Index)
	s.conn.metrics.MessageConsumed()
	return msg
}

// accept decodes a cached message and applies duplicate handling. It
// returns nil when the message must not reach the application.
func (s *Session) accept(c *Consumer, item cacheItem) *Message {
	if item.connID != s.conn.connectionID.Load() {
		return nil
	}
	msg, err := protocol.UnmarshalMessage(item.entry.Message)
	if err != nil {
		s.reportMalformed(c.String(), err)
		return nil
	}
	msg.DeliveryCount = item.entry.Index.DeliveryCount
	msg.Redelivered = msg.DeliveryCount > 1

	dupID := ""
	if s.conn.dupLog != nil && msg.ID != "" {
		dupID = c.uniqueID + "-" + msg.ID
		if s.isDuplicate(dupID) && s.suppressDuplicate(c, item.entry.Index, dupID) {
			return nil
		}
	}
	s.track(c, item.entry.Index, dupID)
	return msg
}

// isDuplicate tests and sets id in the connection log. Ids of the
// current transaction are duplicates; rolled back ids are not.
func (s *Session) isDuplicate(id string) bool {
	if !s.conn.dupLog.Add(id) {
		return false
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	if _, ok := s.currentTxSet[id]; ok {
		return true
	}
	if _, ok := s.rollbackLog[id]; ok {
		return false
	}
	return true
}

// suppressDuplicate settles a duplicate with the broker and reports
// whether it was suppressed
func (s *Session) suppressDuplicate(c *Consumer, index protocol.MessageIndex, dupID string) bool {
	switch {
	case s.cfg.xa:
		// an XA duplicate never reaches the application; when the broker
		// could not take it over, the id is forgotten so a redelivery counts
		req, err := s.newRequest(protocol.KindAssociateMessage, true, protocol.AssociateMessageBody{Index: index, Duplicate: true})
		if err == nil {
			_, err = s.conn.call(context.Background(), req)
		}
		if err != nil || req.CancelledByValidator {
			s.conn.dupLog.Remove(dupID)
			s.log.Debug().Err(err).Str("id", dupID).Msg("duplicate association failed")
			return true
		}
	case !s.cfg.transacted:
		req, err := s.newRequest(protocol.KindDeleteMessage, false, protocol.DeleteMessageBody{Index: index})
		if err == nil {
			s.conn.send(req)
		}
	}
	s.conn.metrics.DuplicateSuppressed()
	s.log.Debug().Str("id", dupID).Str("consumer", c.String()).Msg("duplicate delivery suppressed")
	return true
}

// track records a delivery that is settled by commit or acknowledge
func (s *Session) track(c *Consumer, index protocol.MessageIndex, dupID string) {
	if !s.cfg.transacted && s.cfg.ackMode != ClientAcknowledge {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if dupID != "" {
		s.currentTx = append(s.currentTx, dupID)
		s.currentTxSet[dupID] = struct{}{}
	}
	s.pendingAcks = append(s.pendingAcks, pendingAck{consumer: c, index: index})
}

// afterDelivery acknowledges in auto and dups-ok mode
func (s *Session) afterDelivery(c *Consumer, index protocol.MessageIndex) {
	if s.cfg.transacted || s.cfg.ackMode == ClientAcknowledge {
		return
	}
	req, err := s.newRequest(protocol.KindAcknowledge, false, protocol.AcknowledgeBody{ConsumerID: c.serverID.Load(), Index: index})
	if err != nil {
		return
	}
	req.Validator = protocol.ValidatorFunc(c.validate)
	if err := s.conn.send(req); err != nil {
		s.log.Debug().Err(err).Msg("acknowledge")
	}
}

// invokeListener runs application code, recovering from panics
func (s *Session) invokeListener(l MessageListener, msg *Message, consumer string) {
	s.callSem <- struct{}{}
	defer func() { <-s.callSem }()
	defer func() {
		if r := recover(); r != nil {
			err := fmt.Errorf("message listener panic: %v", r)
			s.log.Error().Err(err).Str("consumer", consumer).Msg("listener failed")
			s.conn.errorHandler.HandleDeliveryError(s, consumer, err)
		}
	}()
	l.OnMessage(msg)
}

func (s *Session) reportMalformed(consumer string, err error) {
	s.conn.metrics.MalformedDelivery()
	s.log.Warn().Err(err).Str("consumer", consumer).Msg("skipping malformed delivery")
	s.conn.errorHandler.HandleDeliveryError(s, consumer, err)
}

// storeTransactedMessage buffers a send until commit
func (s *Session) storeTransactedMessage(p *Producer, data []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.txBuffer = append(s.txBuffer, txEntry{producer: p, data: data})
}

// Pending returns the number of buffered transacted sends
func (s *Session) Pending() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.txBuffer)
}

func commitBody(entries []txEntry, conn *Connection) protocol.CommitBody {
	body := protocol.CommitBody{Messages: make([]protocol.TxMessage, 0, len(entries))}
	for _, e := range entries {
		if e.producer.dest.IsTemporary() && !conn.IsTemporaryValid(e.producer.dest.Name) {
			continue
		}
		body.Messages = append(body.Messages, protocol.TxMessage{
			ProducerID: e.producer.serverID.Load(),
			Message:    e.data,
		})
	}
	return body
}

// Commit sends the buffered messages as one transaction and settles the
// consumed ones
func (s *Session) Commit(ctx context.Context) error {
	if !s.cfg.transacted {
		return ErrIllegalState.WithReason("session is not transacted")
	}
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrSessionClosed
	}
	entries := s.txBuffer
	s.txBuffer = nil
	s.mu.Unlock()

	req, err := s.newRequest(protocol.KindCommit, true, commitBody(entries, s.conn))
	if err != nil {
		return err
	}
	req.Validator = protocol.ValidatorFunc(func(r *protocol.Request) error {
		if err := s.validate(r); err != nil || r.CancelledByValidator {
			return err
		}
		// producer ids changed with the transport
		return r.SetBody(commitBody(entries, s.conn))
	})

	reply, err := s.conn.call(ctx, req)
	if err == nil && req.CancelledByValidator {
		err = ErrSessionClosed
	}
	if err != nil {
		s.mu.Lock()
		s.txBuffer = append(entries, s.txBuffer...)
		s.mu.Unlock()
		return err
	}

	s.settle()
	s.conn.metrics.TransactionCommitted()
	s.log.Debug().Int("messages", len(entries)).Msg("committed")
	return applyDelay(ctx, reply)
}

// settle moves the ids of the finished transaction into the durable
// duplicate log
func (s *Session) settle() []pendingAck {
	s.mu.Lock()
	ids := s.currentTx
	acks := s.pendingAcks
	s.currentTx = nil
	s.pendingAcks = nil
	clear(s.currentTxSet)
	for _, id := range ids {
		delete(s.rollbackLog, id)
	}
	s.mu.Unlock()

	if s.conn.dupLog != nil {
		s.conn.dupLog.AddAll(ids)
	}
	return acks
}

// Rollback drops the buffered sends and redelivers the consumed messages
func (s *Session) Rollback(ctx context.Context) error {
	if !s.cfg.transacted {
		return ErrIllegalState.WithReason("session is not transacted")
	}
	if s.isClosed() {
		return ErrSessionClosed
	}
	s.mu.Lock()
	s.txBuffer = nil
	s.mu.Unlock()

	if err := s.recoverConsumers(ctx, protocol.KindRollback); err != nil {
		return err
	}
	s.conn.metrics.TransactionRolledBack()
	return nil
}

// Recover redelivers unacknowledged messages of a non-transacted session
func (s *Session) Recover(ctx context.Context) error {
	if s.cfg.transacted {
		return ErrIllegalState.WithReason("session is transacted")
	}
	if s.isClosed() {
		return ErrSessionClosed
	}
	return s.recoverConsumers(ctx, protocol.KindRecoverSession)
}

func (s *Session) recoverConsumers(ctx context.Context, kind protocol.Kind) error {
	epoch := s.startRecovery()
	req, err := s.newRequest(kind, true, protocol.RecoverBody{RecoveryEpoch: epoch})
	if err == nil {
		_, err = s.conn.call(ctx, req)
	}
	s.endRecovery()
	return err
}

// startRecovery stops delivery, advances the recovery epoch and empties
// the consumer caches
func (s *Session) startRecovery() int32 {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.recovery = true
	s.deliveries.Stop()
	s.deliveries.Clear()
	epoch := s.recoveryEpoch.Add(1)
	for _, c := range s.consumers {
		c.clearCache()
	}
	return epoch
}

// endRecovery folds the current transaction into the rollback log and
// restarts delivery with fresh caches
func (s *Session) endRecovery() {
	s.mu.Lock()
	for _, id := range s.currentTx {
		s.rollbackLog[id] = struct{}{}
	}
	s.currentTx = nil
	s.pendingAcks = nil
	clear(s.currentTxSet)
	s.recovery = false
	start := s.validLocked()
	fill := !s.reset && !s.closed
	consumers := s.consumerListLocked()
	s.mu.Unlock()

	if start {
		s.deliveries.Start()
	}
	if fill {
		for _, c := range consumers {
			c.fillCache()
		}
	}
}

// Acknowledge acknowledges every message consumed so far in a
// client-acknowledge session. Other sessions ignore it.
func (s *Session) Acknowledge(ctx context.Context) error {
	if s.cfg.transacted || s.cfg.ackMode != ClientAcknowledge {
		return nil
	}
	if s.isClosed() {
		return ErrSessionClosed
	}
	acks := s.settle()
	for i, a := range acks {
		last := i == len(acks)-1
		req, err := s.newRequest(protocol.KindAcknowledge, last, protocol.AcknowledgeBody{ConsumerID: a.consumer.serverID.Load(), Index: a.index})
		if err != nil {
			return err
		}
		req.Validator = protocol.ValidatorFunc(a.consumer.validate)
		if _, err := s.conn.call(ctx, req); err != nil {
			return err
		}
	}
	return nil
}

// Close waits a bounded time for a running callback, then closes every
// consumer, producer and browser and the server session
func (s *Session) Close() error {
	return s.close(true)
}

func (s *Session) close(remote bool) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()

	timer := time.NewTimer(s.conn.factory.SessionCloseTimeout)
	select {
	case s.callSem <- struct{}{}:
		<-s.callSem
	case <-timer.C:
		s.log.Warn().Msg("closing while a callback is still running")
	}
	timer.Stop()

	s.deliveries.Close()

	s.mu.Lock()
	consumers := s.consumerListLocked()
	for _, c := range s.shadows {
		consumers = append(consumers, c)
	}
	producers := s.producers
	browsers := s.browsers
	clear(s.consumers)
	clear(s.shadows)
	s.producers = nil
	s.browsers = nil
	s.txBuffer = nil
	chunks := s.chunks
	s.chunks = nil
	s.mu.Unlock()

	for _, ch := range chunks {
		ch.cc.inProgress.release(ch.entry.Index.ID)
	}

	for _, c := range consumers {
		c.closeLocal()
	}
	for _, p := range producers {
		p.closed.Store(true)
	}
	for _, b := range browsers {
		b.closed.Store(true)
	}

	var err error
	if remote && s.dispatchID.Load() != 0 && s.conn.State() != StateClosed {
		ctx, cancel := context.WithTimeout(context.Background(), s.conn.factory.SessionCloseTimeout)
		var req *protocol.Request
		req, err = s.conn.newRequest(protocol.KindCloseSession, s.dispatchID.Load(), true, protocol.CloseSessionBody{DispatchID: s.dispatchID.Load()})
		if err == nil {
			req.Validator = protocol.ValidatorFunc(s.validate)
			_, err = s.conn.call(ctx, req)
		}
		cancel()
	}
	s.conn.removeSession(s)
	s.log.Debug().Msg("session closed")
	return err
}

func (s *Session) createBody() protocol.CreateSessionBody {
	return protocol.CreateSessionBody{
		Type:             s.cfg.kind.sessionType(),
		Transacted:       s.cfg.transacted,
		AckMode:          int(s.cfg.ackMode),
		XA:               s.cfg.xa,
		ClientDispatchID: s.myDispatchID,
		RecoveryEpoch:    s.recoveryEpoch.Load(),
	}
}

func (s *Session) recreateRequest() (*protocol.Request, error) {
	// a session still being created is created by the retried request
	if s.isClosed() || s.dispatchID.Load() == 0 {
		return nil, nil
	}
	return protocol.NewRequest(protocol.KindCreateSession, 0, true, s.createBody())
}

func (s *Session) setRecreateReply(reply *protocol.Reply) error {
	var body protocol.CreateSessionReplyBody
	if err := reply.Decode(&body); err != nil {
		return err
	}
	s.dispatchID.Store(body.DispatchID)
	return nil
}

func (s *Session) recreatables() []recreatable {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []recreatable
	for _, c := range s.consumerListLocked() {
		out = append(out, c)
	}
	for _, c := range s.shadows {
		out = append(out, c)
	}
	for _, p := range s.producers {
		out = append(out, p)
	}
	for _, b := range s.browsers {
		out = append(out, b)
	}
	return out
}

// applyDelay sleeps for the flow-control delay carried by a reply
func applyDelay(ctx context.Context, reply *protocol.Reply) error {
	if reply == nil || len(reply.Body) == 0 {
		return nil
	}
	var body protocol.DelayReplyBody
	if err := reply.Decode(&body); err != nil || body.Delay <= 0 {
		return nil
	}
	timer := time.NewTimer(time.Duration(body.Delay) * time.Millisecond)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
