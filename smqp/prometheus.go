package smqp

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// PrometheusMetricsCollector exports client metrics to prometheus
type PrometheusMetricsCollector struct {
	connections   *prometheus.CounterVec
	reconnects    *prometheus.CounterVec
	reconnectTime prometheus.Histogram
	requests      *prometheus.CounterVec
	messages      *prometheus.CounterVec
	keepalives    prometheus.Counter
	transactions  *prometheus.CounterVec
}

// NewPrometheusMetricsCollector creates the collectors and registers them
// on reg. An empty namespace defaults to "smqp".
func NewPrometheusMetricsCollector(reg prometheus.Registerer, namespace string) (*PrometheusMetricsCollector, error) {
	if namespace == "" {
		namespace = "smqp"
	}
	m := &PrometheusMetricsCollector{
		connections: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "client",
				Name:      "connections_total",
				Help:      "Connection lifecycle events.",
			},
			[]string{"event"},
		),
		reconnects: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "client",
				Name:      "reconnects_total",
				Help:      "Reconnect attempts by outcome.",
			},
			[]string{"event"},
		),
		reconnectTime: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Subsystem: "client",
				Name:      "reconnect_duration_seconds",
				Help:      "Time from transport loss to hand-over.",
				Buckets:   prometheus.DefBuckets,
			},
		),
		requests: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "client",
				Name:      "requests_total",
				Help:      "Requests by outcome.",
			},
			[]string{"event"},
		),
		messages: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "client",
				Name:      "messages_total",
				Help:      "Messages by event.",
			},
			[]string{"event"},
		),
		keepalives: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "client",
				Name:      "keepalives_missed_total",
				Help:      "Keepalive intervals without inbound traffic.",
			},
		),
		transactions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "client",
				Name:      "transactions_total",
				Help:      "Transactions by outcome.",
			},
			[]string{"outcome"},
		),
	}

	for _, c := range []prometheus.Collector{
		m.connections, m.reconnects, m.reconnectTime, m.requests,
		m.messages, m.keepalives, m.transactions,
	} {
		if err := reg.Register(c); err != nil {
			return nil, err
		}
	}
	return m, nil
}

func (m *PrometheusMetricsCollector) ConnectionCreated() {
	m.connections.WithLabelValues("created").Inc()
}

func (m *PrometheusMetricsCollector) ConnectionClosed() {
	m.connections.WithLabelValues("closed").Inc()
}

func (m *PrometheusMetricsCollector) ConnectionLost(err error) {
	m.connections.WithLabelValues("lost").Inc()
}

func (m *PrometheusMetricsCollector) ReconnectStarted() {
	m.reconnects.WithLabelValues("started").Inc()
}

func (m *PrometheusMetricsCollector) ReconnectCompleted(d time.Duration) {
	m.reconnects.WithLabelValues("completed").Inc()
	m.reconnectTime.Observe(d.Seconds())
}

func (m *PrometheusMetricsCollector) ReconnectFailed(err error) {
	m.reconnects.WithLabelValues("failed").Inc()
}

func (m *PrometheusMetricsCollector) RequestSent() {
	m.requests.WithLabelValues("sent").Inc()
}

func (m *PrometheusMetricsCollector) RequestRetried() {
	m.requests.WithLabelValues("retried").Inc()
}

func (m *PrometheusMetricsCollector) RequestCancelled() {
	m.requests.WithLabelValues("cancelled").Inc()
}

func (m *PrometheusMetricsCollector) RequestTimedOut() {
	m.requests.WithLabelValues("timed_out").Inc()
}

func (m *PrometheusMetricsCollector) MessageProduced() {
	m.messages.WithLabelValues("produced").Inc()
}

func (m *PrometheusMetricsCollector) MessageConsumed() {
	m.messages.WithLabelValues("consumed").Inc()
}

func (m *PrometheusMetricsCollector) DuplicateSuppressed() {
	m.messages.WithLabelValues("duplicate").Inc()
}

func (m *PrometheusMetricsCollector) MalformedDelivery() {
	m.messages.WithLabelValues("malformed").Inc()
}

func (m *PrometheusMetricsCollector) KeepaliveMissed() {
	m.keepalives.Inc()
}

func (m *PrometheusMetricsCollector) TransactionCommitted() {
	m.transactions.WithLabelValues("committed").Inc()
}

func (m *PrometheusMetricsCollector) TransactionRolledBack() {
	m.transactions.WithLabelValues("rolled_back").Inc()
}
