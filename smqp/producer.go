package smqp

import (
	"context"
	"fmt"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/israelio/smqp-go-client/internal/protocol"
)

// DefaultPriority is used when neither the message nor the producer sets one
const DefaultPriority = 4

var hostname = sync.OnceValue(func() string {
	name, err := os.Hostname()
	if err != nil || name == "" {
		return "localhost"
	}
	return name
})

// Producer sends messages to one destination
type Producer struct {
	session  *Session
	log      zerolog.Logger
	dest     Destination
	serverID atomic.Int32
	uniqueID string
	counter  atomic.Int64
	sends    atomic.Int64
	closed   atomic.Bool

	mu           sync.Mutex
	deliveryMode DeliveryMode
	priority     int
	ttl          time.Duration
}

// CreateProducer creates a producer for dest
func (s *Session) CreateProducer(ctx context.Context, dest Destination) (*Producer, error) {
	if s.isClosed() {
		return nil, ErrSessionClosed
	}
	if dest.IsTemporary() && !s.conn.IsTemporaryValid(dest.Name) {
		return nil, ErrInvalidDestination.WithReason("temporary destination deleted: " + dest.Name)
	}

	p := &Producer{
		session:      s,
		log:          s.log.With().Str("producer", dest.String()).Logger(),
		dest:         dest,
		uniqueID:     uuid.NewString(),
		deliveryMode: Persistent,
		priority:     DefaultPriority,
	}
	s.mu.Lock()
	s.producers = append(s.producers, p)
	s.mu.Unlock()

	req, err := s.newRequest(protocol.KindCreateProducer, true, protocol.CreateProducerBody{Destination: dest})
	if err != nil {
		s.removeProducer(p)
		return nil, err
	}
	req.Validator = protocol.ValidatorFunc(p.validate)
	reply, err := s.conn.call(ctx, req)
	if err == nil && req.CancelledByValidator {
		err = ErrInvalidDestination.WithReason("producer creation cancelled")
	}
	if err == nil {
		err = p.setRecreateReply(reply)
	}
	if err != nil {
		s.removeProducer(p)
		return nil, err
	}
	return p, nil
}

func (s *Session) removeProducer(p *Producer) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, other := range s.producers {
		if other == p {
			s.producers = append(s.producers[:i], s.producers[i+1:]...)
			return
		}
	}
}

// Destination returns the destination messages are sent to
func (p *Producer) Destination() Destination {
	return p.dest
}

// SetDeliveryMode sets the default delivery mode
func (p *Producer) SetDeliveryMode(mode DeliveryMode) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.deliveryMode = mode
}

// SetPriority sets the default priority (0-9)
func (p *Producer) SetPriority(priority int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.priority = priority
}

// SetTimeToLive sets the message lifetime. Zero means messages never expire.
func (p *Producer) SetTimeToLive(ttl time.Duration) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.ttl = ttl
}

// Send sends msg. In a transacted session the message is buffered until
// commit. Otherwise a reply is awaited for persistent messages and every
// ProducerReplyInterval sends; a reply may carry a flow-control delay that
// Send honours before returning.
func (p *Producer) Send(ctx context.Context, msg *Message) error {
	s := p.session
	if p.closed.Load() || s.isClosed() {
		return ErrProducerClosed
	}

	data, err := p.prepare(msg)
	if err != nil {
		return err
	}

	if s.cfg.transacted {
		s.storeTransactedMessage(p, data)
		s.conn.metrics.MessageProduced()
		return nil
	}

	interval := int64(s.conn.factory.ProducerReplyInterval)
	n := p.sends.Add(1)
	replyRequired := msg.DeliveryMode == Persistent || interval <= 1 || n%interval == 0

	req, err := s.newRequest(protocol.KindProduceMessage, replyRequired, protocol.ProduceMessageBody{
		ProducerID: p.serverID.Load(),
		Message:    data,
	})
	if err != nil {
		return err
	}
	req.Validator = protocol.ValidatorFunc(p.validate)
	reply, err := s.conn.call(ctx, req)
	if err != nil {
		return err
	}
	if req.CancelledByValidator {
		p.log.Debug().Msg("send cancelled after reconnect")
		return nil
	}
	s.conn.metrics.MessageProduced()
	return applyDelay(ctx, reply)
}

// prepare stamps the message headers and encodes it
func (p *Producer) prepare(msg *Message) ([]byte, error) {
	p.mu.Lock()
	mode, priority, ttl := p.deliveryMode, p.priority, p.ttl
	p.mu.Unlock()

	if msg.DeliveryMode == 0 {
		msg.DeliveryMode = mode
	}
	if msg.Priority == 0 {
		msg.Priority = priority
	}
	now := time.Now().UnixMilli()
	msg.Timestamp = now
	if ttl > 0 {
		msg.Expiration = now + ttl.Milliseconds()
	}
	msg.Destination = p.dest
	msg.ID = fmt.Sprintf("%s/%s/%d", hostname(), p.uniqueID, p.counter.Add(1))

	conn := p.session.conn
	if id := conn.ClientID(); id != "" {
		msg.SetProperty(PropClientID, id)
	}
	if user := conn.factory.Username; user != "" {
		msg.SetProperty(PropUserID, user)
	}
	return msg.Marshal()
}

// validate rewrites producer requests for a new transport. Retried sends
// are flagged as possible duplicates.
func (p *Producer) validate(req *protocol.Request) error {
	if p.closed.Load() {
		req.CancelledByValidator = true
		return nil
	}
	if err := p.session.validate(req); err != nil || req.CancelledByValidator {
		return err
	}
	if p.dest.IsTemporary() && !p.session.conn.IsTemporaryValid(p.dest.Name) {
		req.CancelledByValidator = true
		return nil
	}
	if req.Kind != protocol.KindProduceMessage {
		return nil
	}

	var body protocol.ProduceMessageBody
	if err := req.Decode(&body); err != nil {
		return err
	}
	if req.WasRetry {
		msg, err := protocol.UnmarshalMessage(body.Message)
		if err != nil {
			return err
		}
		msg.SetProperty(PropDoubtDuplicate, "true")
		if body.Message, err = msg.Marshal(); err != nil {
			return err
		}
	}
	body.ProducerID = p.serverID.Load()
	return req.SetBody(body)
}

// Close closes the producer
func (p *Producer) Close() error {
	if !p.closed.CompareAndSwap(false, true) {
		return nil
	}
	s := p.session
	s.removeProducer(p)
	if s.isClosed() || p.serverID.Load() == 0 {
		return nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), s.conn.factory.SessionCloseTimeout)
	defer cancel()
	req, err := s.newRequest(protocol.KindCloseProducer, true, protocol.ProducerBody{ProducerID: p.serverID.Load()})
	if err != nil {
		return err
	}
	req.Validator = protocol.ValidatorFunc(p.validate)
	_, err = s.conn.call(ctx, req)
	return err
}

func (p *Producer) recreateRequest() (*protocol.Request, error) {
	if p.closed.Load() {
		return nil, nil
	}
	if p.dest.IsTemporary() && !p.session.conn.IsTemporaryValid(p.dest.Name) {
		return nil, nil
	}
	return protocol.NewRequest(protocol.KindCreateProducer, p.session.dispatchID.Load(), true, protocol.CreateProducerBody{Destination: p.dest})
}

func (p *Producer) setRecreateReply(reply *protocol.Reply) error {
	var body protocol.ProducerReplyBody
	if err := reply.Decode(&body); err != nil {
		return err
	}
	p.serverID.Store(body.ProducerID)
	return nil
}

func (p *Producer) recreatables() []recreatable {
	return nil
}
