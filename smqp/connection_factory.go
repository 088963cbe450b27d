package smqp

import (
	"context"
	"crypto/tls"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/israelio/smqp-go-client/internal/dupelog"
	"github.com/israelio/smqp-go-client/internal/transport"
)

// Defaults
const (
	DefaultPort                   = transport.DefaultPort
	DefaultTLSPort                = transport.DefaultTLSPort
	DefaultConsumerCacheSize      = 500
	DefaultProducerReplyInterval  = 20
	DefaultKeepaliveInterval      = 60 * time.Second
	DefaultKeepaliveMissThreshold = 5
	DefaultSessionCloseTimeout    = 5 * time.Second
	DefaultMaxBulkObjects         = 64
)

// ConnectionFactory creates and configures connections
type ConnectionFactory struct {
	// Connection settings
	Endpoints []Endpoint
	Username  string
	Password  string
	ClientID  string

	// TLS configuration, used for endpoints with TLS set
	TLS *tls.Config

	// Timeouts. RequestTimeout only applies while reconnection is disabled.
	ConnectionTimeout time.Duration
	RequestTimeout    time.Duration

	Reconnect ReconnectPolicy

	KeepaliveInterval      time.Duration
	KeepaliveMissThreshold int

	// Consumer prefetch
	ConsumerCacheSize   int
	ConsumerCacheSizeKB int

	// A producer requests a reply every ProducerReplyInterval sends
	ProducerReplyInterval int

	DuplicateDetection bool
	DuplicateLogSize   int

	// Frame limits
	MaxBulkObjects    int
	MaxFrameSize      uint32
	CompressThreshold int

	SessionCloseTimeout time.Duration

	// Worker counts of a private runtime
	ConnectionWorkers int
	SessionWorkers    int

	Dialer    Dialer
	Responder ChallengeResponder
	Runtime   *Runtime

	// Custom handlers
	ErrorHandler      ErrorHandler
	ReconnectListener ReconnectListener
	Metrics           MetricsCollector

	// Logger
	Logger zerolog.Logger
}

// ReconnectListener receives reconnect events
type ReconnectListener interface {
	OnReconnectStarted(conn *Connection)
	OnReconnected(conn *Connection, ep Endpoint)
	OnReconnectFailed(conn *Connection, err error)
}

// NewConnectionFactory creates a new ConnectionFactory with sensible defaults
func NewConnectionFactory(opts ...FactoryOption) *ConnectionFactory {
	cf := &ConnectionFactory{
		Endpoints:              []Endpoint{{Host: "localhost", Port: transport.DefaultPort}},
		ConnectionTimeout:      30 * time.Second,
		Reconnect:              transport.DefaultPolicy(),
		KeepaliveInterval:      DefaultKeepaliveInterval,
		KeepaliveMissThreshold: DefaultKeepaliveMissThreshold,
		ConsumerCacheSize:      DefaultConsumerCacheSize,
		ProducerReplyInterval:  DefaultProducerReplyInterval,
		DuplicateDetection:     true,
		DuplicateLogSize:       dupelog.DefaultSize,
		MaxBulkObjects:         DefaultMaxBulkObjects,
		SessionCloseTimeout:    DefaultSessionCloseTimeout,
		ConnectionWorkers:      1,
		SessionWorkers:         4,
		Logger:                 zerolog.Nop(),
	}

	// Apply options
	for _, opt := range opts {
		opt(cf)
	}

	if cf.ErrorHandler == nil {
		cf.ErrorHandler = &DefaultErrorHandler{Logger: cf.Logger}
	}
	if cf.Metrics == nil {
		cf.Metrics = NewNoOpMetricsCollector()
	}
	if cf.Responder == nil {
		cf.Responder = PlainResponder{}
	}

	return cf
}

// NewConnection connects to the first reachable endpoint and completes the
// handshake. Failures are reported as ErrConnectFailed wrapping the cause.
func (cf *ConnectionFactory) NewConnection(ctx context.Context) (*Connection, error) {
	if err := cf.Validate(); err != nil {
		return nil, ErrConnectFailed.WithCause(err)
	}

	if cf.ConnectionTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, cf.ConnectionTimeout)
		defer cancel()
	}

	c := newConnection(cf)
	if err := c.connect(ctx); err != nil {
		c.release()
		return nil, ErrConnectFailed.WithCause(err)
	}
	return c, nil
}

func (cf *ConnectionFactory) dialer() Dialer {
	if cf.Dialer != nil {
		return cf.Dialer
	}
	return &transport.NetDialer{Timeout: cf.ConnectionTimeout, TLSConfig: cf.TLS}
}

// Validate validates the ConnectionFactory configuration
func (cf *ConnectionFactory) Validate() error {
	if len(cf.Endpoints) == 0 {
		return fmt.Errorf("at least one endpoint is required")
	}
	for _, ep := range cf.Endpoints {
		if ep.Port <= 0 || ep.Port > 65535 {
			return fmt.Errorf("port must be between 1 and 65535, got %d", ep.Port)
		}
	}

	// Validate timeouts
	if cf.ConnectionTimeout < 0 {
		return fmt.Errorf("connection timeout cannot be negative, got %v", cf.ConnectionTimeout)
	}
	if cf.RequestTimeout < 0 {
		return fmt.Errorf("request timeout cannot be negative, got %v", cf.RequestTimeout)
	}
	if cf.SessionCloseTimeout < 0 {
		return fmt.Errorf("session close timeout cannot be negative, got %v", cf.SessionCloseTimeout)
	}

	// Validate keepalive (0 means disabled, which is valid)
	if cf.KeepaliveInterval < 0 {
		return fmt.Errorf("keepalive interval cannot be negative, got %v", cf.KeepaliveInterval)
	}
	if cf.KeepaliveInterval > 0 && cf.KeepaliveMissThreshold < 1 {
		return fmt.Errorf("keepalive miss threshold must be at least 1, got %d", cf.KeepaliveMissThreshold)
	}

	if cf.Reconnect.MaxRetries < 0 {
		return fmt.Errorf("reconnect max retries cannot be negative, got %d", cf.Reconnect.MaxRetries)
	}
	if cf.Reconnect.InitialDelay < 0 || cf.Reconnect.MaxDelay < 0 {
		return fmt.Errorf("reconnect delays cannot be negative")
	}

	if cf.ConsumerCacheSize < 1 {
		return fmt.Errorf("consumer cache size must be at least 1, got %d", cf.ConsumerCacheSize)
	}
	if cf.ProducerReplyInterval < 1 {
		return fmt.Errorf("producer reply interval must be at least 1, got %d", cf.ProducerReplyInterval)
	}
	if cf.DuplicateDetection && cf.DuplicateLogSize < 1 {
		return fmt.Errorf("duplicate log size must be at least 1, got %d", cf.DuplicateLogSize)
	}
	if cf.MaxBulkObjects < 1 {
		return fmt.Errorf("max bulk objects must be at least 1, got %d", cf.MaxBulkObjects)
	}

	return nil
}
