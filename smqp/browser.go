package smqp

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/israelio/smqp-go-client/internal/protocol"
)

// Browser walks the messages of a queue without consuming them
type Browser struct {
	session  *Session
	queue    string
	selector string
	serverID atomic.Int32
	closed   atomic.Bool

	mu   sync.Mutex
	seen map[int64]struct{}
	// restart is set when the server browser was recreated and must start
	// over; seen keeps already returned messages from coming back
	restart bool
}

// CreateBrowser creates a browser on queue
func (s *Session) CreateBrowser(ctx context.Context, queue, selector string) (*Browser, error) {
	if s.isClosed() {
		return nil, ErrSessionClosed
	}
	b := &Browser{
		session:  s,
		queue:    queue,
		selector: selector,
		seen:     make(map[int64]struct{}),
	}
	s.mu.Lock()
	s.browsers = append(s.browsers, b)
	s.mu.Unlock()

	req, err := s.newRequest(protocol.KindCreateBrowser, true, protocol.CreateBrowserBody{Queue: queue, Selector: selector})
	if err == nil {
		req.Validator = protocol.ValidatorFunc(b.validate)
		var reply *protocol.Reply
		reply, err = s.conn.call(ctx, req)
		if err == nil && req.CancelledByValidator {
			err = ErrSessionClosed
		}
		if err == nil {
			err = b.setServerID(reply)
		}
	}
	if err != nil {
		s.removeBrowser(b)
		return nil, err
	}
	return b, nil
}

func (s *Session) removeBrowser(b *Browser) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, other := range s.browsers {
		if other == b {
			s.browsers = append(s.browsers[:i], s.browsers[i+1:]...)
			return
		}
	}
}

// Next returns the next message of the queue, or nil at the end
func (b *Browser) Next(ctx context.Context) (*Message, error) {
	s := b.session
	for {
		if b.closed.Load() {
			return nil, ErrConsumerClosed
		}
		b.mu.Lock()
		reset := b.restart
		b.restart = false
		b.mu.Unlock()

		req, err := s.newRequest(protocol.KindFetchBrowserMessage, true, protocol.BrowserBody{BrowserID: b.serverID.Load(), Reset: reset})
		if err != nil {
			return nil, err
		}
		req.Validator = protocol.ValidatorFunc(b.validate)
		reply, err := s.conn.call(ctx, req)
		if err != nil {
			return nil, err
		}
		if req.CancelledByValidator {
			return nil, ErrConsumerClosed
		}

		var body protocol.FetchBrowserReplyBody
		if err := reply.Decode(&body); err != nil {
			return nil, err
		}
		if body.Entry == nil {
			return nil, nil
		}

		b.mu.Lock()
		_, dup := b.seen[body.Entry.Index.ID]
		b.seen[body.Entry.Index.ID] = struct{}{}
		b.mu.Unlock()
		if dup {
			continue
		}

		msg, err := protocol.UnmarshalMessage(body.Entry.Message)
		if err != nil {
			s.reportMalformed("browser "+b.queue, err)
			continue
		}
		msg.DeliveryCount = body.Entry.Index.DeliveryCount
		return msg, nil
	}
}

func (b *Browser) validate(req *protocol.Request) error {
	if b.closed.Load() {
		req.CancelledByValidator = true
		return nil
	}
	if err := b.session.validate(req); err != nil || req.CancelledByValidator {
		return err
	}
	switch req.Kind {
	case protocol.KindFetchBrowserMessage, protocol.KindCloseBrowser:
		var body protocol.BrowserBody
		if err := req.Decode(&body); err != nil {
			return err
		}
		body.BrowserID = b.serverID.Load()
		return req.SetBody(body)
	}
	return nil
}

// Close closes the browser
func (b *Browser) Close() error {
	if !b.closed.CompareAndSwap(false, true) {
		return nil
	}
	s := b.session
	s.removeBrowser(b)
	if s.isClosed() {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), s.conn.factory.SessionCloseTimeout)
	defer cancel()
	req, err := s.newRequest(protocol.KindCloseBrowser, true, protocol.BrowserBody{BrowserID: b.serverID.Load()})
	if err != nil {
		return err
	}
	_, err = s.conn.call(ctx, req)
	return err
}

func (b *Browser) setServerID(reply *protocol.Reply) error {
	var body protocol.BrowserReplyBody
	if err := reply.Decode(&body); err != nil {
		return err
	}
	b.serverID.Store(body.BrowserID)
	return nil
}

func (b *Browser) recreateRequest() (*protocol.Request, error) {
	if b.closed.Load() {
		return nil, nil
	}
	return protocol.NewRequest(protocol.KindCreateBrowser, b.session.dispatchID.Load(), true, protocol.CreateBrowserBody{Queue: b.queue, Selector: b.selector})
}

func (b *Browser) setRecreateReply(reply *protocol.Reply) error {
	if err := b.setServerID(reply); err != nil {
		return err
	}
	b.mu.Lock()
	b.restart = true
	b.mu.Unlock()
	return nil
}

func (b *Browser) recreatables() []recreatable {
	return nil
}
