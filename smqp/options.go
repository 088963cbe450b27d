package smqp

import (
	"crypto/tls"
	"time"

	"github.com/rs/zerolog"
)

// FactoryOption is a functional option for ConnectionFactory
type FactoryOption func(*ConnectionFactory)

// WithEndpoints replaces the endpoint list. Endpoints are tried in order,
// starting with the last one that worked.
func WithEndpoints(endpoints ...Endpoint) FactoryOption {
	return func(cf *ConnectionFactory) {
		cf.Endpoints = endpoints
	}
}

// WithCredentials sets the username and password
func WithCredentials(username, password string) FactoryOption {
	return func(cf *ConnectionFactory) {
		cf.Username = username
		cf.Password = password
	}
}

// WithClientID sets the client id announced during the handshake
func WithClientID(id string) FactoryOption {
	return func(cf *ConnectionFactory) {
		cf.ClientID = id
	}
}

// WithTLS sets the TLS configuration used for TLS endpoints
func WithTLS(config *tls.Config) FactoryOption {
	return func(cf *ConnectionFactory) {
		cf.TLS = config
	}
}

// WithConnectionTimeout bounds the initial connect and handshake
func WithConnectionTimeout(timeout time.Duration) FactoryOption {
	return func(cf *ConnectionFactory) {
		cf.ConnectionTimeout = timeout
	}
}

// WithRequestTimeout bounds the wait for a reply when reconnection is disabled
func WithRequestTimeout(timeout time.Duration) FactoryOption {
	return func(cf *ConnectionFactory) {
		cf.RequestTimeout = timeout
	}
}

// WithReconnect sets the reconnect policy
func WithReconnect(policy ReconnectPolicy) FactoryOption {
	return func(cf *ConnectionFactory) {
		cf.Reconnect = policy
	}
}

// WithKeepalive sets the keepalive interval and miss threshold. A zero
// interval disables keepalive.
func WithKeepalive(interval time.Duration, missThreshold int) FactoryOption {
	return func(cf *ConnectionFactory) {
		cf.KeepaliveInterval = interval
		cf.KeepaliveMissThreshold = missThreshold
	}
}

// WithConsumerCache sets the prefetch cache per consumer
func WithConsumerCache(size, sizeKB int) FactoryOption {
	return func(cf *ConnectionFactory) {
		cf.ConsumerCacheSize = size
		cf.ConsumerCacheSizeKB = sizeKB
	}
}

// WithProducerReplyInterval sets how often non-persistent sends wait for a reply
func WithProducerReplyInterval(n int) FactoryOption {
	return func(cf *ConnectionFactory) {
		cf.ProducerReplyInterval = n
	}
}

// WithDuplicateDetection enables or disables duplicate suppression
func WithDuplicateDetection(enabled bool, size int) FactoryOption {
	return func(cf *ConnectionFactory) {
		cf.DuplicateDetection = enabled
		cf.DuplicateLogSize = size
	}
}

// WithFrameLimits sets the bulk size, maximum frame size and compression threshold
func WithFrameLimits(maxBulkObjects int, maxFrameSize uint32, compressThreshold int) FactoryOption {
	return func(cf *ConnectionFactory) {
		cf.MaxBulkObjects = maxBulkObjects
		cf.MaxFrameSize = maxFrameSize
		cf.CompressThreshold = compressThreshold
	}
}

// WithSessionCloseTimeout bounds the wait for an in-flight callback on close
func WithSessionCloseTimeout(timeout time.Duration) FactoryOption {
	return func(cf *ConnectionFactory) {
		cf.SessionCloseTimeout = timeout
	}
}

// WithDialer sets a custom dialer
func WithDialer(d Dialer) FactoryOption {
	return func(cf *ConnectionFactory) {
		cf.Dialer = d
	}
}

// WithChallengeResponder sets the authentication responder
func WithChallengeResponder(r ChallengeResponder) FactoryOption {
	return func(cf *ConnectionFactory) {
		cf.Responder = r
	}
}

// WithRuntime shares a runtime between connections
func WithRuntime(rt *Runtime) FactoryOption {
	return func(cf *ConnectionFactory) {
		cf.Runtime = rt
	}
}

// WithWorkers sets the worker counts of a private runtime
func WithWorkers(connWorkers, sessionWorkers int) FactoryOption {
	return func(cf *ConnectionFactory) {
		cf.ConnectionWorkers = connWorkers
		cf.SessionWorkers = sessionWorkers
	}
}

// WithErrorHandler sets a custom error handler
func WithErrorHandler(handler ErrorHandler) FactoryOption {
	return func(cf *ConnectionFactory) {
		cf.ErrorHandler = handler
	}
}

// WithReconnectListener sets a listener added to every connection
func WithReconnectListener(listener ReconnectListener) FactoryOption {
	return func(cf *ConnectionFactory) {
		cf.ReconnectListener = listener
	}
}

// WithMetrics sets the metrics collector
func WithMetrics(m MetricsCollector) FactoryOption {
	return func(cf *ConnectionFactory) {
		cf.Metrics = m
	}
}

// WithLogger sets a custom logger
func WithLogger(logger zerolog.Logger) FactoryOption {
	return func(cf *ConnectionFactory) {
		cf.Logger = logger
		if cf.ErrorHandler == nil {
			cf.ErrorHandler = &DefaultErrorHandler{Logger: logger}
		}
	}
}
