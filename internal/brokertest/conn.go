package brokertest

import (
	"fmt"
	"net"
	"sync"

	"github.com/israelio/smqp-go-client/internal/frame"
	"github.com/israelio/smqp-go-client/internal/protocol"
)

type serverSession struct {
	conn       *serverConn
	id         int32
	typ        protocol.SessionType
	transacted bool
	ackMode    int
	epoch      int32
	unacked    []*stored
	// implicit consumer of a connection consumer session
	ccConsumer *serverConsumer
}

type serverConsumer struct {
	id             int32
	session        *serverSession
	dest           string
	listener       int32
	clientDispatch int32
	credit         int
	epoch          int32
}

type serverBrowser struct {
	queue string
	last  int64
}

// serverConn is the broker side of one client connection. Writes go
// through an unbounded outbox so pushes never block the broker lock.
type serverConn struct {
	b  *Broker
	nc net.Conn
	r  *frame.Reader
	w  *frame.Writer

	// guarded by Broker.mu
	sessions map[int32]*serverSession

	mu     sync.Mutex
	outbox []protocol.Object
	wake   chan struct{}
	done   chan struct{}
	once   sync.Once
}

func newServerConn(b *Broker, nc net.Conn) *serverConn {
	return &serverConn{
		b:        b,
		nc:       nc,
		r:        frame.NewReader(nc, 0),
		w:        frame.NewWriter(nc, 0, 0),
		sessions: make(map[int32]*serverSession),
		wake:     make(chan struct{}, 1),
		done:     make(chan struct{}),
	}
}

func (c *serverConn) send(obj protocol.Object) {
	c.mu.Lock()
	c.outbox = append(c.outbox, obj)
	c.mu.Unlock()
	select {
	case c.wake <- struct{}{}:
	default:
	}
}

func (c *serverConn) writeLoop() {
	for {
		select {
		case <-c.wake:
		case <-c.done:
			return
		}
		c.mu.Lock()
		batch := c.outbox
		c.outbox = nil
		c.mu.Unlock()

		for _, obj := range batch {
			if err := c.w.WriteObject(obj); err != nil {
				c.close()
				return
			}
		}
	}
}

func (c *serverConn) readLoop() {
	defer c.close()
	for {
		obj, err := c.r.ReadObject()
		if err != nil {
			return
		}
		switch o := obj.(type) {
		case *protocol.KeepAlive:
			c.b.mu.Lock()
			echo := c.b.echoKeepAlive
			c.b.mu.Unlock()
			if echo {
				c.send(&protocol.KeepAlive{})
			}
		case *protocol.Request:
			c.handle(o)
		case *protocol.Bulk:
			for _, inner := range o.Objects {
				if req, ok := inner.(*protocol.Request); ok {
					c.handle(req)
				}
			}
		}
	}
}

func (c *serverConn) close() {
	c.once.Do(func() {
		close(c.done)
		c.nc.Close()
		c.b.release(c)
	})
}

func (c *serverConn) handle(req *protocol.Request) {
	c.b.mu.Lock()
	c.b.recorded[req.Kind] = append(c.b.recorded[req.Kind], req)
	override := c.b.handlers[req.Kind]
	c.b.mu.Unlock()

	if override != nil {
		if reply, handled := override(req); handled {
			if reply != nil {
				reply.CorrelationID = req.CorrelationID
				c.send(reply)
			}
			return
		}
	}

	reply, pumpDest := c.dispatch(req)
	if req.Kind == protocol.KindDisconnect {
		c.flushAndClose(reply, req)
		return
	}
	if req.ReplyRequired && reply != nil {
		reply.CorrelationID = req.CorrelationID
		c.send(reply)
	}
	for _, dest := range pumpDest {
		c.b.pump(dest)
	}
}

// flushAndClose writes pending objects and the final reply before closing
func (c *serverConn) flushAndClose(reply *protocol.Reply, req *protocol.Request) {
	c.mu.Lock()
	batch := c.outbox
	c.outbox = nil
	c.mu.Unlock()
	if req.ReplyRequired && reply != nil {
		reply.CorrelationID = req.CorrelationID
		batch = append(batch, reply)
	}
	for _, obj := range batch {
		if err := c.w.WriteObject(obj); err != nil {
			break
		}
	}
	c.close()
}

func errorReply(code protocol.ErrorCode, format string, args ...any) *protocol.Reply {
	return protocol.NewErrorReply(0, code, fmt.Sprintf(format, args...))
}

func okReply(body any) *protocol.Reply {
	reply, err := protocol.NewReply(0, body)
	if err != nil {
		return errorReply(protocol.CodeServer, "encode reply: %v", err)
	}
	return reply
}

// dispatch applies the default semantics of req and returns the reply plus
// destinations whose consumers may now receive messages
func (c *serverConn) dispatch(req *protocol.Request) (*protocol.Reply, []string) {
	b := c.b
	switch req.Kind {
	case protocol.KindVersion:
		var body protocol.VersionBody
		if err := req.Decode(&body); err != nil {
			return errorReply(protocol.CodeServer, "%v", err), nil
		}
		if body.Version != protocol.ProtocolVersion {
			return errorReply(protocol.CodeVersionMismatch, "unsupported version %d", body.Version), nil
		}
		return okReply(nil), nil

	case protocol.KindAuthChallenge:
		return okReply(protocol.AuthChallengeReplyBody{Mechanism: "PLAIN", Challenge: []byte("challenge")}), nil

	case protocol.KindAuthResponse:
		var body protocol.AuthResponseBody
		if err := req.Decode(&body); err != nil {
			return errorReply(protocol.CodeServer, "%v", err), nil
		}
		b.mu.Lock()
		password := b.password
		b.mu.Unlock()
		if password != "" && string(body.Response) != password {
			return errorReply(protocol.CodeAuthenticationFailed, "invalid password"), nil
		}
		return okReply(nil), nil

	case protocol.KindGetClientID:
		b.mu.Lock()
		b.nextClient++
		id := fmt.Sprintf("client-%d", b.nextClient)
		b.mu.Unlock()
		return okReply(protocol.ClientIDBody{ClientID: id}), nil

	case protocol.KindSetClientID:
		var body protocol.ClientIDBody
		if err := req.Decode(&body); err != nil {
			return errorReply(protocol.CodeServer, "%v", err), nil
		}
		return okReply(body), nil

	case protocol.KindCreateTempDest:
		var body protocol.TempDestBody
		if err := req.Decode(&body); err != nil {
			return errorReply(protocol.CodeServer, "%v", err), nil
		}
		b.mu.Lock()
		if body.Name == "" {
			body.Name = fmt.Sprintf("tmp$%d", b.allocID())
		}
		b.tempDests[body.Name] = true
		b.mu.Unlock()
		return okReply(body), nil

	case protocol.KindDeleteTempDest:
		var body protocol.TempDestBody
		if err := req.Decode(&body); err != nil {
			return errorReply(protocol.CodeServer, "%v", err), nil
		}
		b.mu.Lock()
		delete(b.tempDests, body.Name)
		delete(b.queues, body.Name)
		b.mu.Unlock()
		return okReply(nil), nil

	case protocol.KindCreateSession:
		return c.createSession(req)

	case protocol.KindCloseSession:
		b.mu.Lock()
		defer b.mu.Unlock()
		s, ok := c.sessions[req.DispatchID]
		if !ok {
			return okReply(nil), nil
		}
		dests := b.requeueLocked(s, nil)
		for id, cons := range b.consumers {
			if cons.session == s {
				delete(b.consumers, id)
			}
		}
		delete(c.sessions, s.id)
		return okReply(nil), dests

	case protocol.KindDisconnect:
		return okReply(nil), nil
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	s, ok := c.sessions[req.DispatchID]
	if !ok {
		return errorReply(protocol.CodeIllegalState, "unknown session %d", req.DispatchID), nil
	}
	return c.sessionRequestLocked(s, req)
}

func (c *serverConn) createSession(req *protocol.Request) (*protocol.Reply, []string) {
	var body protocol.CreateSessionBody
	if err := req.Decode(&body); err != nil {
		return errorReply(protocol.CodeServer, "%v", err), nil
	}
	b := c.b
	b.mu.Lock()
	defer b.mu.Unlock()

	s := &serverSession{
		conn:       c,
		id:         b.allocID(),
		typ:        body.Type,
		transacted: body.Transacted,
		ackMode:    body.AckMode,
		epoch:      body.RecoveryEpoch,
	}
	if body.Type == protocol.SessionConnectionConsumer {
		cons := &serverConsumer{id: b.allocID(), session: s, dest: body.Destination, clientDispatch: body.ClientDispatchID}
		s.ccConsumer = cons
		b.consumers[cons.id] = cons
	}
	c.sessions[s.id] = s
	return okReply(protocol.CreateSessionReplyBody{DispatchID: s.id}), nil
}

func (c *serverConn) sessionRequestLocked(s *serverSession, req *protocol.Request) (*protocol.Reply, []string) {
	b := c.b
	switch req.Kind {
	case protocol.KindCreateConsumer:
		var body protocol.CreateConsumerBody
		if err := req.Decode(&body); err != nil {
			return errorReply(protocol.CodeServer, "%v", err), nil
		}
		if body.Destination.IsTemporary() && !b.tempDests[body.Destination.Name] {
			return errorReply(protocol.CodeInvalidDestination, "unknown temporary destination %s", body.Destination.Name), nil
		}
		cons := &serverConsumer{id: b.allocID(), session: s, dest: body.Destination.Name, listener: body.ClientListenerID}
		b.consumers[cons.id] = cons
		return okReply(protocol.ConsumerReplyBody{ConsumerID: cons.id}), nil

	case protocol.KindCreateShadowConsumer:
		var body protocol.ShadowConsumerBody
		if err := req.Decode(&body); err != nil {
			return errorReply(protocol.CodeServer, "%v", err), nil
		}
		cons := &serverConsumer{id: b.allocID(), session: s, dest: body.Queue}
		b.consumers[cons.id] = cons
		return okReply(protocol.ConsumerReplyBody{ConsumerID: cons.id}), nil

	case protocol.KindCloseConsumer:
		var body protocol.ConsumerBody
		if err := req.Decode(&body); err != nil {
			return errorReply(protocol.CodeServer, "%v", err), nil
		}
		delete(b.consumers, body.ConsumerID)
		return okReply(nil), nil

	case protocol.KindStartConsumer:
		var body protocol.StartConsumerBody
		if err := req.Decode(&body); err != nil {
			return errorReply(protocol.CodeServer, "%v", err), nil
		}
		cons, ok := b.consumers[body.ConsumerID]
		if body.ConsumerID == 0 && s.ccConsumer != nil {
			cons, ok = s.ccConsumer, true
		}
		if !ok || cons.session != s {
			return errorReply(protocol.CodeIllegalState, "unknown consumer %d", body.ConsumerID), nil
		}
		cons.listener = body.ClientListenerID
		cons.clientDispatch = body.ClientDispatchID
		cons.epoch = body.RecoveryEpoch
		cons.credit = max(body.CacheSize, 1)
		return okReply(nil), []string{cons.dest}

	case protocol.KindCreateProducer:
		var body protocol.CreateProducerBody
		if err := req.Decode(&body); err != nil {
			return errorReply(protocol.CodeServer, "%v", err), nil
		}
		if body.Destination.IsTemporary() && !b.tempDests[body.Destination.Name] {
			return errorReply(protocol.CodeInvalidDestination, "unknown temporary destination %s", body.Destination.Name), nil
		}
		id := b.allocID()
		b.producers[id] = body.Destination
		return okReply(protocol.ProducerReplyBody{ProducerID: id}), nil

	case protocol.KindCloseProducer:
		var body protocol.ProducerBody
		if err := req.Decode(&body); err != nil {
			return errorReply(protocol.CodeServer, "%v", err), nil
		}
		delete(b.producers, body.ProducerID)
		return okReply(nil), nil

	case protocol.KindProduceMessage:
		var body protocol.ProduceMessageBody
		if err := req.Decode(&body); err != nil {
			return errorReply(protocol.CodeServer, "%v", err), nil
		}
		dest, ok := b.producers[body.ProducerID]
		if !ok {
			return errorReply(protocol.CodeIllegalState, "unknown producer %d", body.ProducerID), nil
		}
		b.storeLocked(dest.Name, body.Message)
		return okReply(protocol.DelayReplyBody{Delay: b.flowDelay}), []string{dest.Name}

	case protocol.KindCommit:
		var body protocol.CommitBody
		if err := req.Decode(&body); err != nil {
			return errorReply(protocol.CodeServer, "%v", err), nil
		}
		for _, m := range body.Messages {
			if _, ok := b.producers[m.ProducerID]; !ok {
				return errorReply(protocol.CodeIllegalState, "unknown producer %d", m.ProducerID), nil
			}
		}
		var dests []string
		for _, m := range body.Messages {
			dest := b.producers[m.ProducerID]
			b.storeLocked(dest.Name, m.Message)
			dests = append(dests, dest.Name)
		}
		s.unacked = nil
		return okReply(protocol.DelayReplyBody{Delay: b.flowDelay}), dests

	case protocol.KindRollback, protocol.KindRecoverSession:
		var body protocol.RecoverBody
		if err := req.Decode(&body); err != nil {
			return errorReply(protocol.CodeServer, "%v", err), nil
		}
		s.epoch = body.RecoveryEpoch
		for _, cons := range b.consumers {
			if cons.session == s {
				cons.credit = 0
			}
		}
		return okReply(nil), b.requeueLocked(s, nil)

	case protocol.KindAcknowledge:
		var body protocol.AcknowledgeBody
		if err := req.Decode(&body); err != nil {
			return errorReply(protocol.CodeServer, "%v", err), nil
		}
		s.unacked = removeIndex(s.unacked, body.Index.ID)
		return okReply(nil), nil

	case protocol.KindDeleteMessage:
		var body protocol.DeleteMessageBody
		if err := req.Decode(&body); err != nil {
			return errorReply(protocol.CodeServer, "%v", err), nil
		}
		s.unacked = removeIndex(s.unacked, body.Index.ID)
		return okReply(nil), nil

	case protocol.KindAssociateMessage:
		var body protocol.AssociateMessageBody
		if err := req.Decode(&body); err != nil {
			return errorReply(protocol.CodeServer, "%v", err), nil
		}
		for _, other := range c.sessions {
			for i, m := range other.unacked {
				if m.index.ID == body.Index.ID {
					other.unacked = append(other.unacked[:i], other.unacked[i+1:]...)
					s.unacked = append(s.unacked, m)
					return okReply(nil), nil
				}
			}
		}
		return errorReply(protocol.CodeIllegalState, "message %d not delivered", body.Index.ID), nil

	case protocol.KindCreateBrowser:
		var body protocol.CreateBrowserBody
		if err := req.Decode(&body); err != nil {
			return errorReply(protocol.CodeServer, "%v", err), nil
		}
		id := b.allocID()
		b.browsers[id] = &serverBrowser{queue: body.Queue}
		return okReply(protocol.BrowserReplyBody{BrowserID: id}), nil

	case protocol.KindFetchBrowserMessage:
		var body protocol.BrowserBody
		if err := req.Decode(&body); err != nil {
			return errorReply(protocol.CodeServer, "%v", err), nil
		}
		br, ok := b.browsers[body.BrowserID]
		if !ok {
			return errorReply(protocol.CodeIllegalState, "unknown browser %d", body.BrowserID), nil
		}
		if body.Reset {
			br.last = 0
		}
		for _, m := range b.queues[br.queue] {
			if m.index.ID > br.last {
				br.last = m.index.ID
				entry := protocol.MessageEntry{Index: m.index, Message: m.data}
				return okReply(protocol.FetchBrowserReplyBody{Entry: &entry}), nil
			}
		}
		return okReply(protocol.FetchBrowserReplyBody{}), nil

	case protocol.KindCloseBrowser:
		var body protocol.BrowserBody
		if err := req.Decode(&body); err != nil {
			return errorReply(protocol.CodeServer, "%v", err), nil
		}
		delete(b.browsers, body.BrowserID)
		return okReply(nil), nil
	}
	return errorReply(protocol.CodeIllegalState, "unsupported request %s", req.Kind), nil
}

func removeIndex(msgs []*stored, id int64) []*stored {
	for i, m := range msgs {
		if m.index.ID == id {
			return append(msgs[:i], msgs[i+1:]...)
		}
	}
	return msgs
}
