// Package requestreply correlates outgoing requests with inbound replies
// and retransmits pending requests after a reconnect.
package requestreply

import (
	"context"
	"slices"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/israelio/smqp-go-client/internal/protocol"
	"github.com/israelio/smqp-go-client/internal/util"
)

// Handler transmits requests. A returned error or a request marked
// CancelledByValidator resolves the caller without a broker reply.
type Handler interface {
	PerformRequest(req *protocol.Request) error
}

type result struct {
	reply *protocol.Reply
	err   error
}

type waiter struct {
	req      *protocol.Request
	cell     *util.Cell[result]
	oneWay   bool
	sent     bool
	retrying bool
	// attempt is bumped each time the request is renumbered for a retry
	attempt uint64
}

// retryBatch tracks the requests retransmitted by one RetryAllRequests
type retryBatch struct {
	remaining int
	drained   chan struct{}
	aborted   chan struct{}
}

// Registry maps sequence numbers to pending waiters
type Registry struct {
	handler Handler
	log     zerolog.Logger

	// sendMu serializes transmissions with retry renumbering; taken before mu
	sendMu sync.Mutex

	mu       sync.Mutex
	seq      uint64
	pending  map[uint64]*waiter
	paused   bool
	closed   bool
	closeErr error
	timeout  time.Duration
	batch    *retryBatch
}

// New creates a registry transmitting through handler
func New(handler Handler, logger zerolog.Logger) *Registry {
	return &Registry{
		handler: handler,
		log:     logger,
		pending: make(map[uint64]*waiter),
	}
}

// SetRequestTimeout bounds how long Request waits for a reply. Zero
// waits until the reply arrives or the registry is closed.
func (r *Registry) SetRequestTimeout(d time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.timeout = d
}

// SetPaused defers transmission of new requests. Deferred requests are
// sent by RetryAllRequests.
func (r *Registry) SetPaused(paused bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.paused = paused
}

// Paused reports whether transmission is deferred
func (r *Registry) Paused() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.paused
}

// Pending returns the number of unresolved requests
func (r *Registry) Pending() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.pending)
}

// Request assigns the next sequence number, transmits req and waits for
// its reply. Requests without ReplyRequired return (nil, nil) as soon as
// they are handed to the transport or deferred.
func (r *Registry) Request(ctx context.Context, req *protocol.Request) (*protocol.Reply, error) {
	r.mu.Lock()
	if r.closed {
		err := r.closeErr
		r.mu.Unlock()
		return nil, err
	}
	r.seq++
	req.CorrelationID = r.seq
	w := &waiter{
		req:    req,
		cell:   util.NewCell[result](),
		oneWay: !req.ReplyRequired,
		sent:   !r.paused,
	}
	r.pending[req.CorrelationID] = w
	timeout := r.timeout
	send := w.sent
	r.mu.Unlock()

	if send {
		r.transmitAttempt(w, 0)
	}

	if w.oneWay {
		if w.cell.IsSet() {
			res := w.cell.Get()
			return res.reply, res.err
		}
		return nil, nil
	}

	var timeoutC <-chan time.Time
	if timeout > 0 {
		timer := time.NewTimer(timeout)
		defer timer.Stop()
		timeoutC = timer.C
	}

	select {
	case <-w.cell.Done():
	case <-ctx.Done():
		r.resolve(w, result{err: protocol.ErrRequestCancelled.WithCause(ctx.Err())})
	case <-timeoutC:
		r.resolve(w, result{err: protocol.ErrRequestTimeout.WithReason("no reply for " + req.Kind.String())})
	}
	res := w.cell.Get()
	return res.reply, res.err
}

// transmitAttempt sends w unless it was renumbered or resolved since
// attempt was taken. A renumbered request is sent by flushUnsent instead.
func (r *Registry) transmitAttempt(w *waiter, attempt uint64) {
	r.sendMu.Lock()
	defer r.sendMu.Unlock()

	r.mu.Lock()
	current := r.pending[w.req.CorrelationID] == w && w.attempt == attempt
	r.mu.Unlock()
	if !current {
		return
	}
	r.transmit(w)
}

func (r *Registry) transmit(w *waiter) {
	req := w.req
	if err := r.handler.PerformRequest(req); err != nil {
		r.resolve(w, result{err: err})
		return
	}
	if req.CancelledByValidator {
		r.log.Debug().Stringer("request", req).Msg("request cancelled by validator")
		r.resolve(w, result{reply: &protocol.Reply{CorrelationID: req.CorrelationID, OK: true}})
		return
	}
	if w.oneWay {
		r.resolve(w, result{})
	}
}

// resolve removes w if it is still pending and hands it the result
func (r *Registry) resolve(w *waiter, res result) bool {
	r.mu.Lock()
	current, ok := r.pending[w.req.CorrelationID]
	if !ok || current != w {
		r.mu.Unlock()
		return false
	}
	delete(r.pending, w.req.CorrelationID)
	r.finishRetryLocked(w)
	r.mu.Unlock()

	w.cell.Set(res)
	return true
}

func (r *Registry) finishRetryLocked(w *waiter) {
	if !w.retrying {
		return
	}
	w.retrying = false
	if r.batch == nil {
		return
	}
	r.batch.remaining--
	if r.batch.remaining == 0 {
		close(r.batch.drained)
	}
}

// SetReply resolves the waiter with the reply's sequence number. Replies
// without a waiter are stale or duplicate and are dropped.
func (r *Registry) SetReply(reply *protocol.Reply) bool {
	r.mu.Lock()
	w, ok := r.pending[reply.CorrelationID]
	r.mu.Unlock()
	if !ok {
		r.log.Debug().Uint64("seq", reply.CorrelationID).Msg("dropping reply without waiter")
		return false
	}
	return r.resolve(w, result{reply: reply})
}

// CancelRetryAllRequests aborts a running RetryAllRequests and pauses the
// registry. Pending requests stay registered for the next retry.
func (r *Registry) CancelRetryAllRequests() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.paused = true
	r.abortBatchLocked()
}

func (r *Registry) abortBatchLocked() {
	if r.batch == nil {
		return
	}
	close(r.batch.aborted)
	r.batch = nil
	for _, w := range r.pending {
		w.retrying = false
	}
}

// RetryAllRequests retransmits every pending request in submission order
// under fresh sequence numbers, unpauses the registry and waits until each
// retransmitted request has been resolved.
func (r *Registry) RetryAllRequests(ctx context.Context) error {
	r.sendMu.Lock()
	r.mu.Lock()
	if r.closed {
		err := r.closeErr
		r.mu.Unlock()
		r.sendMu.Unlock()
		return err
	}
	r.abortBatchLocked()

	waiters := make([]*waiter, 0, len(r.pending))
	for _, w := range r.pending {
		waiters = append(waiters, w)
	}
	slices.SortFunc(waiters, func(a, b *waiter) int {
		switch {
		case a.req.CorrelationID < b.req.CorrelationID:
			return -1
		case a.req.CorrelationID > b.req.CorrelationID:
			return 1
		default:
			return 0
		}
	})

	batch := &retryBatch{drained: make(chan struct{}), aborted: make(chan struct{})}
	clear(r.pending)
	for _, w := range waiters {
		r.seq++
		w.req.CorrelationID = r.seq
		w.req.WasRetry = w.sent
		w.sent = false
		w.attempt++
		r.pending[w.req.CorrelationID] = w
		if !w.oneWay {
			w.retrying = true
			batch.remaining++
		}
	}
	if batch.remaining == 0 {
		close(batch.drained)
	}
	r.batch = batch
	r.mu.Unlock()
	r.sendMu.Unlock()

	if len(waiters) > 0 {
		r.log.Debug().Int("requests", len(waiters)).Msg("retrying pending requests")
	}
	r.flushUnsent()

	select {
	case <-batch.drained:
		r.mu.Lock()
		if r.batch == batch {
			r.batch = nil
		}
		r.mu.Unlock()
		return nil
	case <-batch.aborted:
		return protocol.ErrConnectionLost.WithReason("retry aborted")
	case <-ctx.Done():
		return ctx.Err()
	}
}

// flushUnsent transmits unsent requests in sequence order until none are
// left, then unpauses. Requests registered meanwhile queue behind the
// retried ones.
func (r *Registry) flushUnsent() {
	type claim struct {
		w       *waiter
		attempt uint64
	}
	for {
		r.mu.Lock()
		var unsent []claim
		for _, w := range r.pending {
			if !w.sent {
				w.sent = true
				unsent = append(unsent, claim{w, w.attempt})
			}
		}
		if len(unsent) == 0 {
			r.paused = false
			r.mu.Unlock()
			return
		}
		r.mu.Unlock()

		slices.SortFunc(unsent, func(a, b claim) int {
			if a.w.req.CorrelationID < b.w.req.CorrelationID {
				return -1
			}
			return 1
		})
		for _, c := range unsent {
			r.transmitAttempt(c.w, c.attempt)
		}
	}
}

// CancelAllRequests resolves every pending request with err
func (r *Registry) CancelAllRequests(err error) {
	r.mu.Lock()
	waiters := make([]*waiter, 0, len(r.pending))
	for _, w := range r.pending {
		waiters = append(waiters, w)
	}
	clear(r.pending)
	r.abortBatchLocked()
	r.mu.Unlock()

	for _, w := range waiters {
		w.cell.Set(result{err: err})
	}
}

// Close rejects new requests with err and cancels pending ones. Idempotent.
func (r *Registry) Close(err error) {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return
	}
	r.closed = true
	r.closeErr = err
	r.mu.Unlock()

	r.CancelAllRequests(err)
}
