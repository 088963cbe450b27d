package smqp

import (
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/israelio/smqp-go-client/internal/protocol"
)

// TestConnectAndClose tests the connection lifecycle against the broker
func TestConnectAndClose(t *testing.T) {
	b := newTestBroker(t)
	metrics := NewStandardMetricsCollector()
	conn := mustConnect(t, testFactory(b, WithMetrics(metrics)))

	assert.Equal(t, "client-1", conn.ClientID())
	assert.Equal(t, StateConnectedStopped, conn.State())
	assert.Equal(t, int32(1), conn.ConnectionID())

	require.NoError(t, conn.Start())
	assert.Equal(t, StateConnectedStarted, conn.State())
	require.NoError(t, conn.Stop())
	assert.Equal(t, StateConnectedStopped, conn.State())

	require.NoError(t, conn.Close())
	require.NoError(t, conn.Close())
	assert.Equal(t, StateClosed, conn.State())
	assert.Len(t, b.Requests(protocol.KindDisconnect), 1)

	select {
	case <-conn.Done():
	default:
		t.Fatal("Done not closed")
	}

	_, err := conn.CreateSession(testContext(t))
	assert.ErrorIs(t, err, ErrConnectionClosed)
	assert.ErrorIs(t, conn.Start(), ErrConnectionClosed)

	assert.Equal(t, int64(1), metrics.GetConnectionsCreated())
	assert.Equal(t, int64(1), metrics.GetConnectionsClosed())
}

// TestConnectWithClientID tests that a configured client id is sent to the broker
func TestConnectWithClientID(t *testing.T) {
	b := newTestBroker(t)
	conn := mustConnect(t, testFactory(b, WithClientID("billing")))

	assert.Equal(t, "billing", conn.ClientID())
	assert.Len(t, b.Requests(protocol.KindSetClientID), 1)
	assert.Empty(t, b.Requests(protocol.KindGetClientID))
}

// TestAuthenticationFailure tests that a rejected password fails without retry
func TestAuthenticationFailure(t *testing.T) {
	b := newTestBroker(t)
	b.SetPassword("secret")

	_, err := testFactory(b, WithCredentials("app", "wrong")).NewConnection(testContext(t))
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrConnectFailed)
	assert.ErrorIs(t, err, ErrAuthenticationFailed)
	assert.Equal(t, 1, b.Dials())

	conn := mustConnect(t, testFactory(b, WithCredentials("app", "secret")))
	assert.Equal(t, StateConnectedStopped, conn.State())
}

type failingResponder struct{}

func (failingResponder) Respond(mechanism string, challenge []byte, username, password string) ([]byte, error) {
	return nil, errors.New("unsupported mechanism " + mechanism)
}

// TestChallengeResponderError tests that a responder failure aborts the handshake
func TestChallengeResponderError(t *testing.T) {
	b := newTestBroker(t)

	_, err := testFactory(b, WithChallengeResponder(failingResponder{})).NewConnection(testContext(t))
	assert.ErrorIs(t, err, ErrAuthenticationFailed)
	assert.Empty(t, b.Requests(protocol.KindAuthResponse))
}

// TestVersionMismatch tests that a version rejection is permanent
func TestVersionMismatch(t *testing.T) {
	b := newTestBroker(t)
	b.Handle(protocol.KindVersion, func(req *protocol.Request) (*protocol.Reply, bool) {
		return protocol.NewErrorReply(0, protocol.CodeVersionMismatch, "unsupported"), true
	})

	_, err := testFactory(b).NewConnection(testContext(t))
	assert.ErrorIs(t, err, ErrVersionMismatch)
	assert.Equal(t, 1, b.Dials())
}

// TestConnectRefused tests that an unreachable broker fails the initial connect
func TestConnectRefused(t *testing.T) {
	b := newTestBroker(t)
	b.SetRefuse(true)

	start := time.Now()
	_, err := testFactory(b, WithReconnect(ReconnectPolicy{Enabled: false})).NewConnection(testContext(t))
	assert.ErrorIs(t, err, ErrConnectFailed)
	assert.ErrorIs(t, err, ErrNetwork)
	assert.Less(t, time.Since(start), time.Second)

	_, err = testFactory(b, WithReconnect(ReconnectPolicy{
		Enabled:      true,
		MaxRetries:   2,
		InitialDelay: 5 * time.Millisecond,
		MaxDelay:     10 * time.Millisecond,
	})).NewConnection(testContext(t))
	assert.ErrorIs(t, err, ErrConnectFailed)
	assert.ErrorIs(t, err, ErrNetwork)
}

// TestConnectRetriesUntilAccepted tests that the first connect follows the
// reconnect policy while the broker refuses
func TestConnectRetriesUntilAccepted(t *testing.T) {
	b := newTestBroker(t)
	b.SetRefuse(true)
	time.AfterFunc(50*time.Millisecond, func() { b.SetRefuse(false) })

	conn := mustConnect(t, testFactory(b, WithReconnect(ReconnectPolicy{
		Enabled:      true,
		MaxRetries:   20,
		InitialDelay: 20 * time.Millisecond,
		MaxDelay:     50 * time.Millisecond,
	})))
	assert.Equal(t, StateConnectedStopped, conn.State())
	assert.Equal(t, int32(1), conn.ConnectionID())
	assert.Equal(t, 1, b.Dials())
}

// TestInvalidFactory tests factory validation
func TestInvalidFactory(t *testing.T) {
	b := newTestBroker(t)

	_, err := testFactory(b, WithEndpoints()).NewConnection(testContext(t))
	assert.ErrorIs(t, err, ErrConnectFailed)

	_, err = testFactory(b, WithConsumerCache(0, 0)).NewConnection(testContext(t))
	assert.ErrorIs(t, err, ErrConnectFailed)
	assert.Equal(t, 0, b.Dials())
}

// TestSetClientIDAfterSession tests that the client id is fixed by the first session
func TestSetClientIDAfterSession(t *testing.T) {
	b := newTestBroker(t)
	conn := mustConnect(t, testFactory(b))
	ctx := testContext(t)

	require.NoError(t, conn.SetClientID(ctx, "orders"))
	assert.Equal(t, "orders", conn.ClientID())

	_, err := conn.CreateSession(ctx)
	require.NoError(t, err)

	err = conn.SetClientID(ctx, "other")
	assert.ErrorIs(t, err, ErrIllegalState)
	assert.Equal(t, "orders", conn.ClientID())
}

// TestReconnectTransparent tests that traffic continues across a transport loss
func TestReconnectTransparent(t *testing.T) {
	b := newTestBroker(t)
	metrics := NewStandardMetricsCollector()
	listener := &recordingReconnectListener{}
	conn := mustConnect(t, testFactory(b, WithMetrics(metrics), WithReconnectListener(listener)))
	ctx := testContext(t)

	s, err := conn.CreateSession(ctx)
	require.NoError(t, err)
	p, err := s.CreateProducer(ctx, Queue("orders"))
	require.NoError(t, err)
	c, err := s.CreateConsumer(ctx, Queue("orders"))
	require.NoError(t, err)
	got := newCollector()
	c.SetMessageListener(got)
	require.NoError(t, conn.Start())

	require.NoError(t, p.Send(ctx, NewTextMessage("before")))
	assert.Equal(t, "before", string(got.next(t).Body))

	b.DropConnections()
	require.Eventually(t, func() bool {
		return conn.ConnectionID() == 2 && conn.State() == StateConnectedStarted
	}, waitFor, 10*time.Millisecond)

	require.NoError(t, p.Send(ctx, NewTextMessage("after")))
	assert.Equal(t, "after", string(got.next(t).Body))

	assert.Equal(t, 2, b.Dials())
	assert.Len(t, b.Requests(protocol.KindCreateSession), 2)
	assert.Len(t, b.Requests(protocol.KindCreateConsumer), 2)
	assert.Len(t, b.Requests(protocol.KindCreateProducer), 2)

	require.Eventually(t, func() bool {
		_, completed, _ := listener.counts()
		return completed == 1
	}, waitFor, 10*time.Millisecond)
	started, _, failed := listener.counts()
	assert.Equal(t, 1, started)
	assert.Equal(t, 0, failed)
	assert.Equal(t, int64(1), metrics.GetConnectionsLost())
	assert.Equal(t, int64(1), metrics.GetReconnectsCompleted())
}

// TestReconnectGivesUp tests that exhausted retries fail the connection
func TestReconnectGivesUp(t *testing.T) {
	b := newTestBroker(t)
	listener := &recordingReconnectListener{}
	conn := mustConnect(t, testFactory(b,
		WithReconnectListener(listener),
		WithReconnect(ReconnectPolicy{Enabled: true, MaxRetries: 2, InitialDelay: 5 * time.Millisecond, MaxDelay: 10 * time.Millisecond}),
	))

	lost := make(chan error, 1)
	conn.SetExceptionListener(ExceptionListenerFunc(func(err error) { lost <- err }))

	b.SetRefuse(true)
	b.DropConnections()

	select {
	case err := <-lost:
		assert.ErrorIs(t, err, ErrConnectionLost)
	case <-time.After(waitFor):
		t.Fatal("exception listener not called")
	}
	_, _, failed := listener.counts()
	assert.Equal(t, 1, failed)
	assert.Equal(t, StateDisconnected, conn.State())

	_, err := conn.CreateSession(testContext(t))
	assert.ErrorIs(t, err, ErrConnectionClosed)
}

// TestConnectionLostWithoutReconnect tests that a loss is final when reconnect is off
func TestConnectionLostWithoutReconnect(t *testing.T) {
	b := newTestBroker(t)
	conn := mustConnect(t, testFactory(b, WithReconnect(ReconnectPolicy{Enabled: false})))

	lost := make(chan error, 1)
	conn.SetExceptionListener(ExceptionListenerFunc(func(err error) { lost <- err }))
	b.DropConnections()

	select {
	case err := <-lost:
		assert.ErrorIs(t, err, ErrConnectionLost)
	case <-time.After(waitFor):
		t.Fatal("exception listener not called")
	}
	assert.Equal(t, 1, b.Dials())
}

// TestKeepaliveTimeout tests that a silent broker is detected
func TestKeepaliveTimeout(t *testing.T) {
	b := newTestBroker(t)
	b.SetEchoKeepAlive(false)
	metrics := NewStandardMetricsCollector()
	conn := mustConnect(t, testFactory(b,
		WithMetrics(metrics),
		WithReconnect(ReconnectPolicy{Enabled: false}),
		WithKeepalive(20*time.Millisecond, 2),
	))

	lost := make(chan error, 1)
	conn.SetExceptionListener(ExceptionListenerFunc(func(err error) { lost <- err }))

	select {
	case err := <-lost:
		assert.ErrorIs(t, err, ErrConnectionLost)
	case <-time.After(waitFor):
		t.Fatal("keepalive loss not detected")
	}
	assert.GreaterOrEqual(t, metrics.GetKeepalivesMissed(), int64(2))
}

// TestKeepaliveAnswered tests that echoed keepalives keep the connection up
func TestKeepaliveAnswered(t *testing.T) {
	b := newTestBroker(t)
	var lost atomic.Bool
	conn := mustConnect(t, testFactory(b,
		WithReconnect(ReconnectPolicy{Enabled: false}),
		WithKeepalive(20*time.Millisecond, 2),
	))
	conn.SetExceptionListener(ExceptionListenerFunc(func(err error) { lost.Store(true) }))

	time.Sleep(300 * time.Millisecond)
	assert.False(t, lost.Load())
	assert.Equal(t, StateConnectedStopped, conn.State())
}

// TestSharedRuntime tests that connections can share one runtime
func TestSharedRuntime(t *testing.T) {
	b := newTestBroker(t)
	rt := NewRuntime(1, 2, testFactory(b).Logger)
	defer rt.Close()

	cf := testFactory(b, WithRuntime(rt))
	first := mustConnect(t, cf)
	second := mustConnect(t, cf)

	require.NoError(t, first.Close())
	assert.Equal(t, StateConnectedStopped, second.State())

	ctx := testContext(t)
	s, err := second.CreateSession(ctx)
	require.NoError(t, err)
	p, err := s.CreateProducer(ctx, Queue("shared"))
	require.NoError(t, err)
	require.NoError(t, p.Send(ctx, NewTextMessage("still running")))
	assert.Equal(t, 1, b.Depth("shared"))
}
