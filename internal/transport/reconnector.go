package transport

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/rs/zerolog"

	"github.com/israelio/smqp-go-client/internal/protocol"
)

// Policy controls reconnection attempts
type Policy struct {
	Enabled bool `yaml:"enabled" toml:"enabled"`
	// MaxRetries bounds the rounds over all endpoints after the first; 0 is unbounded
	MaxRetries   int           `yaml:"max_retries" toml:"max_retries"`
	InitialDelay time.Duration `yaml:"initial_delay" toml:"initial_delay"`
	MaxDelay     time.Duration `yaml:"max_delay" toml:"max_delay"`
}

// DefaultPolicy returns the policy used when none is configured
func DefaultPolicy() Policy {
	return Policy{
		Enabled:      true,
		InitialDelay: 500 * time.Millisecond,
		MaxDelay:     10 * time.Second,
	}
}

func (p Policy) backOff() backoff.BackOff {
	eb := backoff.NewExponentialBackOff()
	if p.InitialDelay > 0 {
		eb.InitialInterval = p.InitialDelay
	}
	if p.MaxDelay > 0 {
		eb.MaxInterval = p.MaxDelay
	}
	eb.MaxElapsedTime = 0
	eb.Reset()
	if p.MaxRetries > 0 {
		return backoff.WithMaxRetries(eb, uint64(p.MaxRetries))
	}
	return eb
}

// HandshakeFunc runs the protocol handshake on a freshly dialed stream.
// Errors wrapped with backoff.Permanent stop all further attempts.
type HandshakeFunc func(ctx context.Context, conn net.Conn, ep Endpoint) error

// Reconnector dials endpoints in rotation, starting with the last one
// that worked
type Reconnector struct {
	dialer    Dialer
	endpoints []Endpoint
	policy    Policy
	log       zerolog.Logger

	mu      sync.Mutex
	current int
}

// NewReconnector creates a reconnector over endpoints
func NewReconnector(dialer Dialer, endpoints []Endpoint, policy Policy, logger zerolog.Logger) *Reconnector {
	return &Reconnector{
		dialer:    dialer,
		endpoints: endpoints,
		policy:    policy,
		log:       logger,
	}
}

// Endpoints returns the configured endpoints
func (r *Reconnector) Endpoints() []Endpoint {
	return r.endpoints
}

// Connect returns the first stream that dials and passes handshake. With
// retry set, failed rounds are repeated under the backoff policy.
func (r *Reconnector) Connect(ctx context.Context, handshake HandshakeFunc, retry bool) (net.Conn, Endpoint, error) {
	if len(r.endpoints) == 0 {
		return nil, Endpoint{}, protocol.ErrNetwork.WithReason("no endpoints configured")
	}

	var b backoff.BackOff
	if retry && r.policy.Enabled {
		b = r.policy.backOff()
	}

	for round := 0; ; round++ {
		conn, ep, err := r.connectRound(ctx, handshake)
		if err == nil {
			return conn, ep, nil
		}
		var perm *backoff.PermanentError
		if errors.As(err, &perm) {
			return nil, Endpoint{}, perm.Err
		}
		if ctx.Err() != nil || b == nil {
			return nil, Endpoint{}, err
		}

		delay := b.NextBackOff()
		if delay == backoff.Stop {
			return nil, Endpoint{}, fmt.Errorf("giving up after %d rounds: %w", round+1, err)
		}
		r.log.Debug().Err(err).Dur("delay", delay).Int("round", round+1).Msg("connect round failed")

		timer := time.NewTimer(delay)
		select {
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
			return nil, Endpoint{}, err
		}
	}
}

func (r *Reconnector) connectRound(ctx context.Context, handshake HandshakeFunc) (net.Conn, Endpoint, error) {
	r.mu.Lock()
	start := r.current
	r.mu.Unlock()

	var lastErr error
	for i := 0; i < len(r.endpoints); i++ {
		idx := (start + i) % len(r.endpoints)
		ep := r.endpoints[idx]

		conn, err := r.dialer.Dial(ctx, ep)
		if err != nil {
			r.log.Debug().Err(err).Stringer("endpoint", ep).Msg("dial failed")
			lastErr = protocol.ErrNetwork.WithCause(err)
			if ctx.Err() != nil {
				return nil, Endpoint{}, lastErr
			}
			continue
		}

		if handshake != nil {
			if err := handshake(ctx, conn, ep); err != nil {
				conn.Close()
				var perm *backoff.PermanentError
				if errors.As(err, &perm) {
					return nil, Endpoint{}, err
				}
				r.log.Debug().Err(err).Stringer("endpoint", ep).Msg("handshake failed")
				lastErr = err
				continue
			}
		}

		r.mu.Lock()
		r.current = idx
		r.mu.Unlock()
		return conn, ep, nil
	}
	return nil, Endpoint{}, lastErr
}
