package transport

import (
	"context"
	"crypto/tls"
	"net"
	"time"
)

// Dialer opens a byte stream to an endpoint
type Dialer interface {
	Dial(ctx context.Context, ep Endpoint) (net.Conn, error)
}

// DialerFunc adapts a function to Dialer
type DialerFunc func(ctx context.Context, ep Endpoint) (net.Conn, error)

// Dial calls f(ctx, ep)
func (f DialerFunc) Dial(ctx context.Context, ep Endpoint) (net.Conn, error) {
	return f(ctx, ep)
}

// NetDialer dials TCP, or TLS for endpoints that ask for it
type NetDialer struct {
	Timeout   time.Duration
	TLSConfig *tls.Config
}

// Dial implements Dialer
func (d *NetDialer) Dial(ctx context.Context, ep Endpoint) (net.Conn, error) {
	nd := &net.Dialer{Timeout: d.Timeout}
	if !ep.TLS {
		return nd.DialContext(ctx, "tcp", ep.Address())
	}

	cfg := d.TLSConfig
	if cfg == nil {
		cfg = &tls.Config{}
	}
	if cfg.ServerName == "" {
		cfg = cfg.Clone()
		cfg.ServerName = ep.Host
	}
	td := &tls.Dialer{NetDialer: nd, Config: cfg}
	return td.DialContext(ctx, "tcp", ep.Address())
}
