package smqp

import (
	"context"

	"github.com/israelio/smqp-go-client/internal/pool"
	"github.com/israelio/smqp-go-client/internal/protocol"
)

// ServerSession is a session loaded with messages by a connection consumer
type ServerSession interface {
	Session() *Session
	// Start runs the session's message listener over the loaded messages,
	// usually on another goroutine
	Start() error
}

// ServerSessionPool hands out idle server sessions. ServerSession blocks
// until one is free or ctx is done.
type ServerSessionPool interface {
	ServerSession(ctx context.Context) (ServerSession, error)
}

// chunk is one message loaded into a server session
type chunk struct {
	cc     *ConnectionConsumer
	shadow *Consumer
	entry  protocol.MessageEntry
	msg    *Message
	connID int32
}

// SetMessageListener sets the listener used by Run when the session serves
// a connection consumer
func (s *Session) SetMessageListener(l MessageListener) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.listener = l
}

// MessageListener returns the server session listener
func (s *Session) MessageListener() MessageListener {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.listener
}

func (s *Session) addChunk(ch chunk) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.chunks = append(s.chunks, ch)
}

// Run delivers the messages loaded by connection consumers to the
// session's listener
func (s *Session) Run() {
	s.mu.Lock()
	chunks := s.chunks
	s.chunks = nil
	l := s.listener
	s.mu.Unlock()

	for _, ch := range chunks {
		s.runChunk(l, ch)
	}
}

func (s *Session) runChunk(l MessageListener, ch chunk) {
	defer ch.cc.inProgress.release(ch.entry.Index.ID)

	if l == nil || s.isClosed() || s.isReset() || ch.connID != s.conn.connectionID.Load() {
		return
	}

	// take the message over from the connection consumer session
	req, err := s.newRequest(protocol.KindAssociateMessage, true, protocol.AssociateMessageBody{Index: ch.entry.Index})
	if err != nil {
		return
	}
	if _, err := s.conn.call(ch.cc.ctx, req); err != nil {
		s.log.Debug().Err(err).Int64("index", ch.entry.Index.ID).Msg("associate message")
		return
	}
	if req.CancelledByValidator {
		return
	}

	dupID := ""
	if s.conn.dupLog != nil && ch.msg.ID != "" {
		dupID = ch.cc.uniqueID + "-" + ch.msg.ID
		if s.isDuplicate(dupID) {
			if !s.cfg.transacted {
				if del, err := s.newRequest(protocol.KindDeleteMessage, false, protocol.DeleteMessageBody{Index: ch.entry.Index}); err == nil {
					s.conn.send(del)
				}
			}
			s.conn.metrics.DuplicateSuppressed()
			return
		}
	}
	s.track(ch.shadow, ch.entry.Index, dupID)
	s.invokeListener(l, ch.msg, ch.cc.queueName)
	s.afterDelivery(ch.shadow, ch.entry.Index)
	s.conn.metrics.MessageConsumed()
}

// shadowConsumer returns the consumer acknowledging messages taken over
// from a connection consumer on queue, creating it on first use
func (s *Session) shadowConsumer(ctx context.Context, queueName string) (*Consumer, error) {
	s.mu.RLock()
	c := s.shadows[queueName]
	closed := s.closed
	s.mu.RUnlock()
	if closed {
		return nil, ErrSessionClosed
	}
	if c != nil {
		return c, nil
	}

	id, ok := s.consumerIDs.Allocate()
	if !ok {
		return nil, ErrIllegalState.WithReason("too many consumers")
	}
	c = newConsumer(s, id, Queue(queueName), consumerConfig{})
	c.shadow = true
	s.mu.Lock()
	s.shadows[queueName] = c
	s.mu.Unlock()

	req, err := s.newRequest(protocol.KindCreateShadowConsumer, true, protocol.ShadowConsumerBody{Queue: queueName})
	if err == nil {
		req.Validator = protocol.ValidatorFunc(c.validate)
		var reply *protocol.Reply
		reply, err = s.conn.call(ctx, req)
		if err == nil && req.CancelledByValidator {
			err = ErrSessionClosed
		}
		if err == nil {
			err = c.setRecreateReply(reply)
		}
	}
	if err != nil {
		s.removeConsumer(c)
		return nil, err
	}
	return c, nil
}

// SessionPool is a fixed set of server sessions sharing one listener.
// Started sessions run on the connection's session workers.
type SessionPool struct {
	conn     *Connection
	sessions []*pooledSession
	free     chan *pooledSession
}

type pooledSession struct {
	pool    *SessionPool
	session *Session
}

// NewServerSessionPool creates size sessions on conn, each delivering to
// listener
func NewServerSessionPool(ctx context.Context, conn *Connection, size int, listener MessageListener, opts ...SessionOption) (*SessionPool, error) {
	if size < 1 {
		size = 1
	}
	sp := &SessionPool{
		conn: conn,
		free: make(chan *pooledSession, size),
	}
	for i := 0; i < size; i++ {
		s, err := conn.CreateSession(ctx, opts...)
		if err != nil {
			sp.Close()
			return nil, err
		}
		s.SetMessageListener(listener)
		ps := &pooledSession{pool: sp, session: s}
		sp.sessions = append(sp.sessions, ps)
		sp.free <- ps
	}
	return sp, nil
}

// ServerSession implements ServerSessionPool
func (sp *SessionPool) ServerSession(ctx context.Context) (ServerSession, error) {
	select {
	case ps := <-sp.free:
		return ps, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-sp.conn.Done():
		return nil, ErrConnectionClosed
	}
}

// Idle returns the number of free sessions
func (sp *SessionPool) Idle() int {
	return len(sp.free)
}

// Close closes every session of the pool
func (sp *SessionPool) Close() error {
	var first error
	for _, ps := range sp.sessions {
		if err := ps.session.Close(); err != nil && first == nil {
			first = err
		}
	}
	return first
}

func (ps *pooledSession) Session() *Session {
	return ps.session
}

func (ps *pooledSession) Start() error {
	task := pool.TaskFunc(func() {
		defer func() { ps.pool.free <- ps }()
		ps.session.Run()
	})
	if !ps.pool.conn.rt.sessionPool.Dispatch(task) {
		ps.session.Run()
		ps.pool.free <- ps
		return ErrConnectionClosed
	}
	return nil
}
