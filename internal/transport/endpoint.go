// Package transport opens byte streams to broker endpoints and retries
// across them with backoff.
package transport

import (
	"fmt"
	"net"
	"net/url"
	"strconv"
	"strings"
)

// Default ports
const (
	DefaultPort    = 4001
	DefaultTLSPort = 4002
)

// Endpoint is one broker address
type Endpoint struct {
	Host string `yaml:"host" toml:"host"`
	Port int    `yaml:"port" toml:"port"`
	TLS  bool   `yaml:"tls" toml:"tls"`
}

// Address returns host:port
func (e Endpoint) Address() string {
	return net.JoinHostPort(e.Host, strconv.Itoa(e.Port))
}

// String returns the endpoint as a URL
func (e Endpoint) String() string {
	scheme := "smqp"
	if e.TLS {
		scheme = "smqps"
	}
	return scheme + "://" + e.Address()
}

// ParseEndpoint parses smqp://host:port, smqps://host:port or host:port
func ParseEndpoint(s string) (Endpoint, error) {
	if !strings.Contains(s, "://") {
		s = "smqp://" + s
	}
	u, err := url.Parse(s)
	if err != nil {
		return Endpoint{}, fmt.Errorf("invalid endpoint: %w", err)
	}

	var ep Endpoint
	switch u.Scheme {
	case "smqp":
		ep.Port = DefaultPort
	case "smqps":
		ep.TLS = true
		ep.Port = DefaultTLSPort
	default:
		return Endpoint{}, fmt.Errorf("unsupported endpoint scheme: %s (use smqp:// or smqps://)", u.Scheme)
	}

	ep.Host = u.Hostname()
	if ep.Host == "" {
		ep.Host = "localhost"
	}
	if u.Port() != "" {
		p, err := strconv.Atoi(u.Port())
		if err != nil || p <= 0 || p > 65535 {
			return Endpoint{}, fmt.Errorf("invalid port: %s", u.Port())
		}
		ep.Port = p
	}
	return ep, nil
}

// ParseEndpoints parses a comma separated endpoint list
func ParseEndpoints(s string) ([]Endpoint, error) {
	var eps []Endpoint
	for _, part := range strings.Split(s, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		ep, err := ParseEndpoint(part)
		if err != nil {
			return nil, err
		}
		eps = append(eps, ep)
	}
	if len(eps) == 0 {
		return nil, fmt.Errorf("no endpoints in %q", s)
	}
	return eps, nil
}
