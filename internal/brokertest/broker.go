// Package brokertest runs an in-memory broker that speaks the wire
// protocol. It keeps just enough state to exercise clients: queues,
// prefetch credit, per-session unacknowledged messages, transactions,
// browsers and temporary destinations.
package brokertest

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sort"
	"sync"

	"github.com/rs/zerolog"

	"github.com/israelio/smqp-go-client/internal/protocol"
	"github.com/israelio/smqp-go-client/internal/transport"
)

// HandlerFunc overrides the default handling of one request kind.
// Returning handled=false falls back to the default; handled=true with a
// nil reply swallows the request.
type HandlerFunc func(req *protocol.Request) (reply *protocol.Reply, handled bool)

type stored struct {
	index protocol.MessageIndex
	dest  string
	data  []byte
}

// Broker is an in-memory broker
type Broker struct {
	log zerolog.Logger

	mu            sync.Mutex
	password      string
	refuse        bool
	echoKeepAlive bool
	flowDelay     int64
	nextID        int32
	nextMsg       int64
	nextClient    int
	conns         map[*serverConn]struct{}
	handlers      map[protocol.Kind]HandlerFunc
	recorded      map[protocol.Kind][]*protocol.Request
	queues        map[string][]*stored
	consumers     map[int32]*serverConsumer
	producers     map[int32]protocol.Destination
	browsers      map[int32]*serverBrowser
	tempDests     map[string]bool
	dials         int
}

// New creates an empty broker
func New(logger zerolog.Logger) *Broker {
	return &Broker{
		log:           logger.With().Str("component", "brokertest").Logger(),
		echoKeepAlive: true,
		conns:         make(map[*serverConn]struct{}),
		handlers:      make(map[protocol.Kind]HandlerFunc),
		recorded:      make(map[protocol.Kind][]*protocol.Request),
		queues:        make(map[string][]*stored),
		consumers:     make(map[int32]*serverConsumer),
		producers:     make(map[int32]protocol.Destination),
		browsers:      make(map[int32]*serverBrowser),
		tempDests:     make(map[string]bool),
	}
}

// SetPassword enables password checking in the auth response
func (b *Broker) SetPassword(password string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.password = password
}

// SetRefuse makes the in-memory dialer fail
func (b *Broker) SetRefuse(refuse bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.refuse = refuse
}

// SetEchoKeepAlive controls whether keepalives are answered
func (b *Broker) SetEchoKeepAlive(echo bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.echoKeepAlive = echo
}

// SetFlowDelay sets the delay in milliseconds returned to producers
func (b *Broker) SetFlowDelay(ms int64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.flowDelay = ms
}

// Handle installs an override for kind. A nil fn removes it.
func (b *Broker) Handle(kind protocol.Kind, fn HandlerFunc) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if fn == nil {
		delete(b.handlers, kind)
		return
	}
	b.handlers[kind] = fn
}

// Requests returns the recorded requests of one kind
func (b *Broker) Requests(kind protocol.Kind) []*protocol.Request {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]*protocol.Request(nil), b.recorded[kind]...)
}

// Dials returns the number of accepted connections
func (b *Broker) Dials() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.dials
}

// Connections returns the number of live connections
func (b *Broker) Connections() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.conns)
}

// Enqueue stores messages on a destination and pushes them to waiting
// consumers
func (b *Broker) Enqueue(dest string, msgs ...*protocol.Message) error {
	b.mu.Lock()
	for _, m := range msgs {
		data, err := m.Marshal()
		if err != nil {
			b.mu.Unlock()
			return err
		}
		b.storeLocked(dest, data)
	}
	b.mu.Unlock()
	b.pump(dest)
	return nil
}

// EnqueueRaw stores an undecoded payload, e.g. a malformed message
func (b *Broker) EnqueueRaw(dest string, data []byte) {
	b.mu.Lock()
	b.storeLocked(dest, data)
	b.mu.Unlock()
	b.pump(dest)
}

// Depth returns the number of stored, undelivered messages on dest
func (b *Broker) Depth(dest string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.queues[dest])
}

// Messages decodes the stored, undelivered messages on dest
func (b *Broker) Messages(dest string) []*protocol.Message {
	b.mu.Lock()
	defer b.mu.Unlock()
	var out []*protocol.Message
	for _, s := range b.queues[dest] {
		if m, err := protocol.UnmarshalMessage(s.data); err == nil {
			out = append(out, m)
		}
	}
	return out
}

// Unacked returns the number of delivered but unsettled messages
func (b *Broker) Unacked() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	n := 0
	for c := range b.conns {
		for _, s := range c.sessions {
			n += len(s.unacked)
		}
	}
	return n
}

// TempDestinations returns the live temporary destination names
func (b *Broker) TempDestinations() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	var names []string
	for name := range b.tempDests {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// DropConnections closes every server side stream
func (b *Broker) DropConnections() {
	b.mu.Lock()
	conns := make([]*serverConn, 0, len(b.conns))
	for c := range b.conns {
		conns = append(conns, c)
	}
	b.mu.Unlock()

	for _, c := range conns {
		c.close()
	}
}

// Close drops all connections
func (b *Broker) Close() {
	b.DropConnections()
}

// Dialer returns an in-memory dialer backed by net.Pipe
func (b *Broker) Dialer() transport.Dialer {
	return transport.DialerFunc(func(ctx context.Context, ep transport.Endpoint) (net.Conn, error) {
		b.mu.Lock()
		refuse := b.refuse
		b.mu.Unlock()
		if refuse {
			return nil, fmt.Errorf("dial %s: connection refused", ep)
		}
		client, server := net.Pipe()
		b.accept(server)
		return client, nil
	})
}

// Serve accepts connections on ln until it is closed
func (b *Broker) Serve(ln net.Listener) error {
	for {
		nc, err := ln.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return nil
			}
			return err
		}
		b.accept(nc)
	}
}

func (b *Broker) accept(nc net.Conn) {
	c := newServerConn(b, nc)
	b.mu.Lock()
	b.conns[c] = struct{}{}
	b.dials++
	b.mu.Unlock()
	go c.writeLoop()
	go c.readLoop()
}

// release requeues everything a closed connection still held
func (b *Broker) release(c *serverConn) {
	b.mu.Lock()
	delete(b.conns, c)
	touched := make(map[string]bool)
	for _, s := range c.sessions {
		for _, dest := range b.requeueLocked(s, nil) {
			touched[dest] = true
		}
		for id, cons := range b.consumers {
			if cons.session == s {
				delete(b.consumers, id)
			}
		}
	}
	b.mu.Unlock()

	for dest := range touched {
		b.pump(dest)
	}
}

func (b *Broker) storeLocked(dest string, data []byte) {
	b.nextMsg++
	b.queues[dest] = append(b.queues[dest], &stored{
		index: protocol.MessageIndex{ID: b.nextMsg},
		dest:  dest,
		data:  data,
	})
}

// requeueLocked returns unacked messages of s to the front of their
// queues. A non-nil keep filter retains matching messages.
func (b *Broker) requeueLocked(s *serverSession, keep func(*stored) bool) []string {
	var dests []string
	var remaining []*stored
	back := make(map[string][]*stored)
	for _, m := range s.unacked {
		if keep != nil && keep(m) {
			remaining = append(remaining, m)
			continue
		}
		back[m.dest] = append(back[m.dest], m)
	}
	s.unacked = remaining
	for dest, msgs := range back {
		b.queues[dest] = append(msgs, b.queues[dest]...)
		dests = append(dests, dest)
	}
	return dests
}

func (b *Broker) allocID() int32 {
	b.nextID++
	return b.nextID
}

// pump pushes queued messages of dest to consumers holding credit
func (b *Broker) pump(dest string) {
	type push struct {
		conn *serverConn
		req  *protocol.Request
	}
	var pushes []push

	b.mu.Lock()
	ids := make([]int32, 0, len(b.consumers))
	for id, c := range b.consumers {
		if c.dest == dest && c.credit > 0 {
			ids = append(ids, id)
		}
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	for _, id := range ids {
		cons := b.consumers[id]
		q := b.queues[dest]
		if len(q) == 0 {
			break
		}
		n := min(cons.credit, len(q))
		body := protocol.AsyncDeliveryBody{
			ListenerID:    cons.listener,
			RecoveryEpoch: cons.epoch,
		}
		for _, m := range q[:n] {
			m.index.DeliveryCount++
			body.Entries = append(body.Entries, protocol.MessageEntry{Index: m.index, Message: m.data})
			cons.session.unacked = append(cons.session.unacked, m)
		}
		b.queues[dest] = q[n:]
		cons.credit -= n
		body.RequiresRestart = cons.credit == 0

		req, err := protocol.NewRequest(protocol.KindAsyncDelivery, cons.clientDispatch, false, body)
		if err != nil {
			b.log.Error().Err(err).Msg("encode delivery")
			continue
		}
		pushes = append(pushes, push{conn: cons.session.conn, req: req})
	}
	b.mu.Unlock()

	for _, p := range pushes {
		p.conn.send(p.req)
	}
}
