package smqp

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/israelio/smqp-go-client/internal/brokertest"
)

const waitFor = 5 * time.Second

// newTestBroker starts an in-memory broker that is dropped at test end
func newTestBroker(t *testing.T) *brokertest.Broker {
	t.Helper()
	b := brokertest.New(zerolog.Nop())
	t.Cleanup(b.Close)
	return b
}

// testFactory returns a factory dialing b with short timeouts and fast
// reconnects. Keepalive is off unless opts enable it.
func testFactory(b *brokertest.Broker, opts ...FactoryOption) *ConnectionFactory {
	base := []FactoryOption{
		WithDialer(b.Dialer()),
		WithConnectionTimeout(waitFor),
		WithReconnect(ReconnectPolicy{
			Enabled:      true,
			InitialDelay: 10 * time.Millisecond,
			MaxDelay:     50 * time.Millisecond,
		}),
		WithKeepalive(0, 0),
		WithSessionCloseTimeout(time.Second),
	}
	return NewConnectionFactory(append(base, opts...)...)
}

// mustConnect creates a connection or fails the test
func mustConnect(t *testing.T, cf *ConnectionFactory) *Connection {
	t.Helper()
	conn, err := cf.NewConnection(testContext(t))
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func testContext(t *testing.T) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*waitFor)
	t.Cleanup(cancel)
	return ctx
}

// collector gathers messages handed to a listener
type collector struct {
	mu   sync.Mutex
	msgs []*Message
	ch   chan *Message
}

func newCollector() *collector {
	return &collector{ch: make(chan *Message, 100)}
}

func (c *collector) OnMessage(msg *Message) {
	c.mu.Lock()
	c.msgs = append(c.msgs, msg)
	c.mu.Unlock()
	c.ch <- msg
}

func (c *collector) bodies() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, 0, len(c.msgs))
	for _, m := range c.msgs {
		out = append(out, string(m.Body))
	}
	return out
}

// next waits for one message
func (c *collector) next(t *testing.T) *Message {
	t.Helper()
	select {
	case m := <-c.ch:
		return m
	case <-time.After(waitFor):
		t.Fatal("timed out waiting for message")
		return nil
	}
}

// none asserts that nothing arrives for d
func (c *collector) none(t *testing.T, d time.Duration) {
	t.Helper()
	select {
	case m := <-c.ch:
		t.Fatalf("unexpected message %q", m.Body)
	case <-time.After(d):
	}
}

// recordingErrorHandler records delivery errors
type recordingErrorHandler struct {
	mu        sync.Mutex
	conn      []error
	delivery  []error
	consumers []string
}

func (h *recordingErrorHandler) HandleConnectionError(conn *Connection, err error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.conn = append(h.conn, err)
}

func (h *recordingErrorHandler) HandleSessionError(s *Session, err error) {}

func (h *recordingErrorHandler) HandleDeliveryError(s *Session, consumer string, err error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.delivery = append(h.delivery, err)
	h.consumers = append(h.consumers, consumer)
}

func (h *recordingErrorHandler) deliveryErrors() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.delivery)
}

// recordingReconnectListener counts reconnect events
type recordingReconnectListener struct {
	mu        sync.Mutex
	started   int
	completed []Endpoint
	failed    []error
}

func (l *recordingReconnectListener) OnReconnectStarted(conn *Connection) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.started++
}

func (l *recordingReconnectListener) OnReconnected(conn *Connection, ep Endpoint) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.completed = append(l.completed, ep)
}

func (l *recordingReconnectListener) OnReconnectFailed(conn *Connection, err error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.failed = append(l.failed, err)
}

func (l *recordingReconnectListener) counts() (started, completed, failed int) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.started, len(l.completed), len(l.failed)
}
