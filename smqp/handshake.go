package smqp

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/israelio/smqp-go-client/internal/frame"
	"github.com/israelio/smqp-go-client/internal/protocol"
)

// ChallengeResponder answers the broker's authentication challenge
type ChallengeResponder interface {
	Respond(mechanism string, challenge []byte, username, password string) ([]byte, error)
}

// PlainResponder answers every challenge with the password
type PlainResponder struct{}

// Respond implements ChallengeResponder
func (PlainResponder) Respond(mechanism string, challenge []byte, username, password string) ([]byte, error) {
	return []byte(password), nil
}

// handshaker runs synchronous calls on a transport before it is handed
// over to the connection
type handshaker struct {
	c   *Connection
	nc  net.Conn
	r   *frame.Reader
	w   *frame.Writer
	seq uint64
}

func newHandshaker(c *Connection, nc net.Conn) *handshaker {
	return &handshaker{
		c:  c,
		nc: nc,
		r:  frame.NewReader(nc, c.factory.MaxFrameSize),
		w:  frame.NewWriter(nc, c.factory.MaxFrameSize, c.factory.CompressThreshold),
	}
}

// run performs version check, authentication and client id exchange. On
// reconnect it also recreates the server side of every entity.
func (h *handshaker) run(ctx context.Context, recreate bool) error {
	deadline, ok := ctx.Deadline()
	if !ok && h.c.factory.ConnectionTimeout > 0 {
		deadline = time.Now().Add(h.c.factory.ConnectionTimeout)
	}
	if !deadline.IsZero() {
		h.nc.SetDeadline(deadline)
		defer h.nc.SetDeadline(time.Time{})
	}

	if _, err := h.call(protocol.KindVersion, 0, protocol.VersionBody{Version: protocol.ProtocolVersion}); err != nil {
		if errors.Is(err, ErrVersionMismatch) {
			return backoff.Permanent(err)
		}
		return fmt.Errorf("version: %w", err)
	}

	cf := h.c.factory
	reply, err := h.call(protocol.KindAuthChallenge, 0, protocol.AuthChallengeBody{UserName: cf.Username})
	if err != nil {
		return fmt.Errorf("auth challenge: %w", err)
	}
	var challenge protocol.AuthChallengeReplyBody
	if err := reply.Decode(&challenge); err != nil {
		return fmt.Errorf("auth challenge: %w", err)
	}
	response, err := cf.Responder.Respond(challenge.Mechanism, challenge.Challenge, cf.Username, cf.Password)
	if err != nil {
		return backoff.Permanent(ErrAuthenticationFailed.WithCause(err))
	}
	if _, err := h.call(protocol.KindAuthResponse, 0, protocol.AuthResponseBody{Response: response}); err != nil {
		if errors.Is(err, ErrAuthenticationFailed) {
			return backoff.Permanent(err)
		}
		return fmt.Errorf("auth response: %w", err)
	}

	if err := h.exchangeClientID(); err != nil {
		return err
	}

	if recreate {
		for _, r := range h.c.recreatables() {
			if err := h.recreate(r); err != nil {
				return fmt.Errorf("recreate: %w", err)
			}
		}
	}
	return nil
}

// exchangeClientID sets the known client id or asks the broker for one
func (h *handshaker) exchangeClientID() error {
	c := h.c
	id := c.ClientID()
	if id != "" {
		if _, err := h.call(protocol.KindSetClientID, 0, protocol.ClientIDBody{ClientID: id}); err != nil {
			return fmt.Errorf("set client id: %w", err)
		}
		return nil
	}

	reply, err := h.call(protocol.KindGetClientID, 0, nil)
	if err != nil {
		return fmt.Errorf("get client id: %w", err)
	}
	var body protocol.ClientIDBody
	if err := reply.Decode(&body); err != nil {
		return fmt.Errorf("get client id: %w", err)
	}
	c.mu.Lock()
	c.clientID = body.ClientID
	c.mu.Unlock()
	return nil
}

// recreate walks r depth-first. A broker exception skips the subtree;
// transport errors abort the handshake.
func (h *handshaker) recreate(r recreatable) error {
	req, err := r.recreateRequest()
	if err != nil {
		return err
	}
	if req == nil {
		return nil
	}
	reply, err := h.send(req)
	if err != nil {
		var perr *protocol.Error
		if reply != nil && errors.As(err, &perr) {
			h.c.log.Warn().Err(err).Stringer("request", req).Msg("recreate rejected")
			return nil
		}
		return err
	}
	if err := r.setRecreateReply(reply); err != nil {
		h.c.log.Warn().Err(err).Stringer("request", req).Msg("recreate reply")
		return nil
	}
	for _, child := range r.recreatables() {
		if err := h.recreate(child); err != nil {
			return err
		}
	}
	return nil
}

func (h *handshaker) call(kind protocol.Kind, dispatchID int32, body any) (*protocol.Reply, error) {
	req, err := protocol.NewRequest(kind, dispatchID, true, body)
	if err != nil {
		return nil, err
	}
	return h.send(req)
}

// send writes req and reads until its reply arrives. Anything else read
// meanwhile is dropped.
func (h *handshaker) send(req *protocol.Request) (*protocol.Reply, error) {
	h.seq++
	req.CorrelationID = h.seq
	req.ReplyRequired = true
	if err := h.w.WriteObject(req); err != nil {
		return nil, ErrNetwork.WithCause(err)
	}
	for {
		obj, err := h.r.ReadObject()
		if err != nil {
			return nil, ErrNetwork.WithCause(err)
		}
		reply, ok := obj.(*protocol.Reply)
		if !ok || reply.CorrelationID != h.seq {
			continue
		}
		if err := reply.Err(); err != nil {
			return reply, err
		}
		return reply, nil
	}
}
