package smqp

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/israelio/smqp-go-client/internal/protocol"
)

// ConsumerKind distinguishes queue, topic and durable subscribers
type ConsumerKind int

const (
	ConsumerQueue ConsumerKind = iota
	ConsumerTopic
	ConsumerDurable
)

type consumerConfig struct {
	selector string
	noLocal  bool
	durable  string
}

// ConsumerOption configures a consumer
type ConsumerOption func(*consumerConfig)

// WithSelector sets a message selector
func WithSelector(selector string) ConsumerOption {
	return func(c *consumerConfig) { c.selector = selector }
}

// WithNoLocal suppresses messages published by the same connection
func WithNoLocal() ConsumerOption {
	return func(c *consumerConfig) { c.noLocal = true }
}

// WithDurableName makes a topic consumer a durable subscriber
func WithDurableName(name string) ConsumerOption {
	return func(c *consumerConfig) { c.durable = name }
}

type cacheItem struct {
	entry  protocol.MessageEntry
	connID int32
}

// Consumer receives messages from a destination, either through a
// listener or with Receive
type Consumer struct {
	session  *Session
	log      zerolog.Logger
	id       int32
	serverID atomic.Int32
	kind     ConsumerKind
	dest     Destination
	cfg      consumerConfig
	uniqueID string
	// shadow consumers back server sessions and never cache messages
	shadow bool

	mu              sync.Mutex
	cache           []cacheItem
	requiresRestart bool
	listener        MessageListener
	closed          bool

	notify chan struct{}
	done   chan struct{}
}

func newConsumer(s *Session, id int32, dest Destination, cfg consumerConfig) *Consumer {
	kind := ConsumerQueue
	switch {
	case cfg.durable != "":
		kind = ConsumerDurable
	case dest.IsTopic():
		kind = ConsumerTopic
	}
	return &Consumer{
		session:  s,
		log:      s.log.With().Int32("consumer", id).Str("destination", dest.String()).Logger(),
		id:       id,
		kind:     kind,
		dest:     dest,
		cfg:      cfg,
		uniqueID: uuid.NewString(),
		notify:   make(chan struct{}, 1),
		done:     make(chan struct{}),
	}
}

// CreateConsumer creates a consumer on dest and starts prefetching
func (s *Session) CreateConsumer(ctx context.Context, dest Destination, opts ...ConsumerOption) (*Consumer, error) {
	if s.isClosed() {
		return nil, ErrSessionClosed
	}
	if dest.IsTemporary() && !s.conn.IsTemporaryValid(dest.Name) {
		return nil, ErrInvalidDestination.WithReason("temporary destination deleted: " + dest.Name)
	}
	var cfg consumerConfig
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.durable != "" && !dest.IsTopic() {
		return nil, ErrInvalidDestination.WithReason("durable subscribers need a topic")
	}

	id, ok := s.consumerIDs.Allocate()
	if !ok {
		return nil, ErrIllegalState.WithReason("too many consumers")
	}
	c := newConsumer(s, id, dest, cfg)
	s.mu.Lock()
	s.consumers[id] = c
	s.mu.Unlock()

	req, err := s.newRequest(protocol.KindCreateConsumer, true, c.createBody())
	if err != nil {
		s.removeConsumer(c)
		return nil, err
	}
	req.Validator = protocol.ValidatorFunc(c.validate)
	reply, err := s.conn.call(ctx, req)
	if err == nil && req.CancelledByValidator {
		err = ErrSessionClosed
	}
	if err == nil {
		err = c.setRecreateReply(reply)
	}
	if err != nil {
		s.removeConsumer(c)
		return nil, err
	}

	s.conn.growDupLog(s.conn.factory.ConsumerCacheSize)
	c.fillCache()
	c.log.Debug().Int32("server_id", c.serverID.Load()).Msg("consumer created")
	return c, nil
}

func (s *Session) removeConsumer(c *Consumer) {
	s.mu.Lock()
	if s.consumers[c.id] == c {
		delete(s.consumers, c.id)
	}
	if c.shadow && s.shadows[c.dest.Name] == c {
		delete(s.shadows, c.dest.Name)
	}
	s.mu.Unlock()
	s.consumerIDs.Free(c.id)
}

// String identifies the consumer in logs and error reports
func (c *Consumer) String() string {
	return fmt.Sprintf("consumer %d on %s", c.id, c.dest)
}

// Destination returns the consumed destination
func (c *Consumer) Destination() Destination {
	return c.dest
}

// Kind returns the consumer kind
func (c *Consumer) Kind() ConsumerKind {
	return c.kind
}

// SetMessageListener switches the consumer to asynchronous delivery. A nil
// listener switches back to Receive.
func (c *Consumer) SetMessageListener(l MessageListener) {
	c.mu.Lock()
	c.listener = l
	c.mu.Unlock()
	if l != nil {
		c.session.deliveries.Enqueue(&protocol.Request{Kind: protocol.KindInvokeConsumers})
	}
}

func (c *Consumer) messageListener() MessageListener {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.listener
}

// Receive blocks until a message arrives, ctx is done or the consumer is
// closed
func (c *Consumer) Receive(ctx context.Context) (*Message, error) {
	for {
		c.mu.Lock()
		if c.closed {
			c.mu.Unlock()
			return nil, ErrConsumerClosed
		}
		if c.listener != nil {
			c.mu.Unlock()
			return nil, ErrIllegalState.WithReason("consumer has a message listener")
		}
		item, ok := c.popLocked()
		c.mu.Unlock()

		if ok {
			if msg := c.session.receive(c, item); msg != nil {
				return msg, nil
			}
			continue
		}

		select {
		case <-c.notify:
		case <-c.done:
			return nil, ErrConsumerClosed
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

// ReceiveNoWait returns a cached message or nil
func (c *Consumer) ReceiveNoWait() (*Message, error) {
	for {
		c.mu.Lock()
		if c.closed {
			c.mu.Unlock()
			return nil, ErrConsumerClosed
		}
		item, ok := c.popLocked()
		c.mu.Unlock()
		if !ok {
			return nil, nil
		}
		if msg := c.session.receive(c, item); msg != nil {
			return msg, nil
		}
	}
}

func (c *Consumer) popLocked() (cacheItem, bool) {
	if len(c.cache) == 0 {
		return cacheItem{}, false
	}
	item := c.cache[0]
	c.cache[0] = cacheItem{}
	c.cache = c.cache[1:]
	return item, true
}

func (c *Consumer) pop() (cacheItem, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.popLocked()
}

func (c *Consumer) cacheLen() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.cache)
}

func (c *Consumer) addToCache(entries []protocol.MessageEntry, requiresRestart bool, connID int32) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	for _, e := range entries {
		c.cache = append(c.cache, cacheItem{entry: e, connID: connID})
	}
	c.requiresRestart = c.requiresRestart || requiresRestart
	c.mu.Unlock()

	select {
	case c.notify <- struct{}{}:
	default:
	}
}

func (c *Consumer) clearCache() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.cache = nil
	c.requiresRestart = false
}

// refillIfDrained asks for more messages once the broker reported the
// credit exhausted and the cache ran empty
func (c *Consumer) refillIfDrained() {
	c.mu.Lock()
	if c.closed || len(c.cache) > 0 || !c.requiresRestart {
		c.mu.Unlock()
		return
	}
	c.requiresRestart = false
	c.mu.Unlock()
	c.fillCache()
}

// fillCache grants the broker credit for a full cache
func (c *Consumer) fillCache() {
	if c.shadow || c.isClosed() || c.serverID.Load() == 0 {
		return
	}
	s := c.session
	cf := s.conn.factory
	req, err := s.newRequest(protocol.KindStartConsumer, false, protocol.StartConsumerBody{
		ClientDispatchID: s.myDispatchID,
		ClientListenerID: c.id,
		ConsumerID:       c.serverID.Load(),
		RecoveryEpoch:    s.recoveryEpoch.Load(),
		CacheSize:        cf.ConsumerCacheSize,
		CacheSizeKB:      cf.ConsumerCacheSizeKB,
	})
	if err != nil {
		c.log.Error().Err(err).Msg("start consumer")
		return
	}
	req.Validator = protocol.ValidatorFunc(c.validate)
	if err := s.conn.send(req); err != nil {
		c.log.Debug().Err(err).Msg("start consumer")
	}
}

// validate rewrites consumer requests with the ids of the new transport
func (c *Consumer) validate(req *protocol.Request) error {
	if c.isClosed() {
		req.CancelledByValidator = true
		return nil
	}
	if err := c.session.validate(req); err != nil || req.CancelledByValidator {
		return err
	}
	switch req.Kind {
	case protocol.KindStartConsumer:
		var body protocol.StartConsumerBody
		if err := req.Decode(&body); err != nil {
			return err
		}
		body.ConsumerID = c.serverID.Load()
		body.RecoveryEpoch = c.session.recoveryEpoch.Load()
		return req.SetBody(body)
	}
	return nil
}

func (c *Consumer) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// closeLocal marks the consumer closed without talking to the broker
func (c *Consumer) closeLocal() bool {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return false
	}
	c.closed = true
	c.cache = nil
	c.listener = nil
	close(c.done)
	c.mu.Unlock()

	if !c.shadow {
		c.session.conn.shrinkDupLog(c.session.conn.factory.ConsumerCacheSize)
	}
	return true
}

// Close closes the consumer. Cached messages are discarded.
func (c *Consumer) Close() error {
	if !c.closeLocal() {
		return nil
	}
	s := c.session
	s.removeConsumer(c)
	if s.isClosed() || c.serverID.Load() == 0 {
		return nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), s.conn.factory.SessionCloseTimeout)
	defer cancel()
	req, err := s.newRequest(protocol.KindCloseConsumer, true, protocol.ConsumerBody{ConsumerID: c.serverID.Load()})
	if err != nil {
		return err
	}
	req.Validator = protocol.ValidatorFunc(c.validate)
	_, err = s.conn.call(ctx, req)
	c.log.Debug().Msg("consumer closed")
	return err
}

func (c *Consumer) createBody() protocol.CreateConsumerBody {
	return protocol.CreateConsumerBody{
		ClientListenerID: c.id,
		Destination:      c.dest,
		Selector:         c.cfg.selector,
		NoLocal:          c.cfg.noLocal,
		DurableName:      c.cfg.durable,
	}
}

func (c *Consumer) recreateRequest() (*protocol.Request, error) {
	if c.isClosed() {
		return nil, nil
	}
	if c.dest.IsTemporary() && !c.session.conn.IsTemporaryValid(c.dest.Name) {
		return nil, nil
	}
	dispatchID := c.session.dispatchID.Load()
	if c.shadow {
		return protocol.NewRequest(protocol.KindCreateShadowConsumer, dispatchID, true, protocol.ShadowConsumerBody{Queue: c.dest.Name})
	}
	return protocol.NewRequest(protocol.KindCreateConsumer, dispatchID, true, c.createBody())
}

func (c *Consumer) setRecreateReply(reply *protocol.Reply) error {
	var body protocol.ConsumerReplyBody
	if err := reply.Decode(&body); err != nil {
		return err
	}
	c.serverID.Store(body.ConsumerID)
	return nil
}

func (c *Consumer) recreatables() []recreatable {
	return nil
}
