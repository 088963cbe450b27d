package smqp

import (
	"sync/atomic"
	"time"
)

// MetricsCollector collects metrics for client operations
type MetricsCollector interface {
	// Connection metrics
	ConnectionCreated()
	ConnectionClosed()
	ConnectionLost(err error)

	// Reconnect metrics
	ReconnectStarted()
	ReconnectCompleted(d time.Duration)
	ReconnectFailed(err error)

	// Request metrics
	RequestSent()
	RequestRetried()
	RequestCancelled()
	RequestTimedOut()

	// Message metrics
	MessageProduced()
	MessageConsumed()
	DuplicateSuppressed()
	MalformedDelivery()

	// Keepalive and transactions
	KeepaliveMissed()
	TransactionCommitted()
	TransactionRolledBack()
}

// StandardMetricsCollector provides a thread-safe metrics collector
type StandardMetricsCollector struct {
	connectionsCreated atomic.Int64
	connectionsClosed  atomic.Int64
	connectionsLost    atomic.Int64

	reconnectsStarted   atomic.Int64
	reconnectsCompleted atomic.Int64
	reconnectsFailed    atomic.Int64
	reconnectNanos      atomic.Int64

	requestsSent      atomic.Int64
	requestsRetried   atomic.Int64
	requestsCancelled atomic.Int64
	requestsTimedOut  atomic.Int64

	messagesProduced     atomic.Int64
	messagesConsumed     atomic.Int64
	duplicatesSuppressed atomic.Int64
	malformedDeliveries  atomic.Int64

	keepalivesMissed atomic.Int64
	commits          atomic.Int64
	rollbacks        atomic.Int64
}

// NewStandardMetricsCollector creates a new standard metrics collector
func NewStandardMetricsCollector() *StandardMetricsCollector {
	return &StandardMetricsCollector{}
}

// Connection metrics
func (m *StandardMetricsCollector) ConnectionCreated() {
	m.connectionsCreated.Add(1)
}

func (m *StandardMetricsCollector) ConnectionClosed() {
	m.connectionsClosed.Add(1)
}

func (m *StandardMetricsCollector) ConnectionLost(err error) {
	m.connectionsLost.Add(1)
}

// Reconnect metrics
func (m *StandardMetricsCollector) ReconnectStarted() {
	m.reconnectsStarted.Add(1)
}

func (m *StandardMetricsCollector) ReconnectCompleted(d time.Duration) {
	m.reconnectsCompleted.Add(1)
	m.reconnectNanos.Add(int64(d))
}

func (m *StandardMetricsCollector) ReconnectFailed(err error) {
	m.reconnectsFailed.Add(1)
}

// Request metrics
func (m *StandardMetricsCollector) RequestSent() {
	m.requestsSent.Add(1)
}

func (m *StandardMetricsCollector) RequestRetried() {
	m.requestsRetried.Add(1)
}

func (m *StandardMetricsCollector) RequestCancelled() {
	m.requestsCancelled.Add(1)
}

func (m *StandardMetricsCollector) RequestTimedOut() {
	m.requestsTimedOut.Add(1)
}

// Message metrics
func (m *StandardMetricsCollector) MessageProduced() {
	m.messagesProduced.Add(1)
}

func (m *StandardMetricsCollector) MessageConsumed() {
	m.messagesConsumed.Add(1)
}

func (m *StandardMetricsCollector) DuplicateSuppressed() {
	m.duplicatesSuppressed.Add(1)
}

func (m *StandardMetricsCollector) MalformedDelivery() {
	m.malformedDeliveries.Add(1)
}

func (m *StandardMetricsCollector) KeepaliveMissed() {
	m.keepalivesMissed.Add(1)
}

func (m *StandardMetricsCollector) TransactionCommitted() {
	m.commits.Add(1)
}

func (m *StandardMetricsCollector) TransactionRolledBack() {
	m.rollbacks.Add(1)
}

// Getters for metrics
func (m *StandardMetricsCollector) GetConnectionsCreated() int64 {
	return m.connectionsCreated.Load()
}

func (m *StandardMetricsCollector) GetConnectionsClosed() int64 {
	return m.connectionsClosed.Load()
}

func (m *StandardMetricsCollector) GetConnectionsLost() int64 {
	return m.connectionsLost.Load()
}

func (m *StandardMetricsCollector) GetReconnectsStarted() int64 {
	return m.reconnectsStarted.Load()
}

func (m *StandardMetricsCollector) GetReconnectsCompleted() int64 {
	return m.reconnectsCompleted.Load()
}

func (m *StandardMetricsCollector) GetReconnectsFailed() int64 {
	return m.reconnectsFailed.Load()
}

// GetReconnectTime returns the accumulated time spent reconnecting
func (m *StandardMetricsCollector) GetReconnectTime() time.Duration {
	return time.Duration(m.reconnectNanos.Load())
}

func (m *StandardMetricsCollector) GetRequestsSent() int64 {
	return m.requestsSent.Load()
}

func (m *StandardMetricsCollector) GetRequestsRetried() int64 {
	return m.requestsRetried.Load()
}

func (m *StandardMetricsCollector) GetRequestsCancelled() int64 {
	return m.requestsCancelled.Load()
}

func (m *StandardMetricsCollector) GetRequestsTimedOut() int64 {
	return m.requestsTimedOut.Load()
}

func (m *StandardMetricsCollector) GetMessagesProduced() int64 {
	return m.messagesProduced.Load()
}

func (m *StandardMetricsCollector) GetMessagesConsumed() int64 {
	return m.messagesConsumed.Load()
}

func (m *StandardMetricsCollector) GetDuplicatesSuppressed() int64 {
	return m.duplicatesSuppressed.Load()
}

func (m *StandardMetricsCollector) GetMalformedDeliveries() int64 {
	return m.malformedDeliveries.Load()
}

func (m *StandardMetricsCollector) GetKeepalivesMissed() int64 {
	return m.keepalivesMissed.Load()
}

func (m *StandardMetricsCollector) GetTransactionsCommitted() int64 {
	return m.commits.Load()
}

func (m *StandardMetricsCollector) GetTransactionsRolledBack() int64 {
	return m.rollbacks.Load()
}

// NoOpMetricsCollector is a metrics collector that does nothing
type NoOpMetricsCollector struct{}

func (n *NoOpMetricsCollector) ConnectionCreated()                 {}
func (n *NoOpMetricsCollector) ConnectionClosed()                  {}
func (n *NoOpMetricsCollector) ConnectionLost(err error)           {}
func (n *NoOpMetricsCollector) ReconnectStarted()                  {}
func (n *NoOpMetricsCollector) ReconnectCompleted(d time.Duration) {}
func (n *NoOpMetricsCollector) ReconnectFailed(err error)          {}
func (n *NoOpMetricsCollector) RequestSent()                       {}
func (n *NoOpMetricsCollector) RequestRetried()                    {}
func (n *NoOpMetricsCollector) RequestCancelled()                  {}
func (n *NoOpMetricsCollector) RequestTimedOut()                   {}
func (n *NoOpMetricsCollector) MessageProduced()                   {}
func (n *NoOpMetricsCollector) MessageConsumed()                   {}
func (n *NoOpMetricsCollector) DuplicateSuppressed()               {}
func (n *NoOpMetricsCollector) MalformedDelivery()                 {}
func (n *NoOpMetricsCollector) KeepaliveMissed()                   {}
func (n *NoOpMetricsCollector) TransactionCommitted()              {}
func (n *NoOpMetricsCollector) TransactionRolledBack()             {}

// NewNoOpMetricsCollector creates a no-op metrics collector
func NewNoOpMetricsCollector() *NoOpMetricsCollector {
	return &NoOpMetricsCollector{}
}
