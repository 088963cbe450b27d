package smqp

import (
	"context"
	"sort"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/israelio/smqp-go-client/internal/protocol"
)

// TestConnectionConsumer tests that queued messages are spread over pooled sessions
func TestConnectionConsumer(t *testing.T) {
	b := newTestBroker(t)
	metrics := NewStandardMetricsCollector()
	conn := mustConnect(t, testFactory(b, WithMetrics(metrics)))
	ctx := testContext(t)

	got := newCollector()
	sp, err := NewServerSessionPool(ctx, conn, 2, got)
	require.NoError(t, err)
	defer sp.Close()
	assert.Equal(t, 2, sp.Idle())

	cc, err := conn.CreateConnectionConsumer(ctx, "batch", "", sp, 2)
	require.NoError(t, err)
	assert.Equal(t, "batch", cc.Queue())
	require.NoError(t, conn.Start())

	var msgs []*protocol.Message
	for _, body := range []string{"a", "b", "c", "d", "e"} {
		msgs = append(msgs, &protocol.Message{ID: body, Body: []byte(body)})
	}
	require.NoError(t, b.Enqueue("batch", msgs...))

	for range msgs {
		got.next(t)
	}
	bodies := got.bodies()
	sort.Strings(bodies)
	assert.Equal(t, []string{"a", "b", "c", "d", "e"}, bodies)

	require.Eventually(t, func() bool { return b.Unacked() == 0 }, waitFor, 10*time.Millisecond)
	require.Eventually(t, func() bool { return sp.Idle() == 2 }, waitFor, 10*time.Millisecond)
	assert.NotEmpty(t, b.Requests(protocol.KindAssociateMessage))
	assert.Len(t, b.Requests(protocol.KindCreateShadowConsumer), 2)
	assert.Equal(t, int64(5), metrics.GetMessagesConsumed())

	require.NoError(t, cc.Close())
	require.NoError(t, cc.Close())
}

// TestConnectionConsumerRequiresPool tests argument validation
func TestConnectionConsumerRequiresPool(t *testing.T) {
	b := newTestBroker(t)
	conn := mustConnect(t, testFactory(b))

	_, err := conn.CreateConnectionConsumer(testContext(t), "batch", "", nil, 1)
	assert.ErrorIs(t, err, ErrIllegalState)
}

// TestServerSessionPoolWait tests that an exhausted pool honours the context
func TestServerSessionPoolWait(t *testing.T) {
	b := newTestBroker(t)
	conn := mustConnect(t, testFactory(b))

	sp, err := NewServerSessionPool(testContext(t), conn, 1, newCollector())
	require.NoError(t, err)
	defer sp.Close()

	ss, err := sp.ServerSession(testContext(t))
	require.NoError(t, err)
	assert.NotNil(t, ss.Session())
	assert.Equal(t, 0, sp.Idle())

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err = sp.ServerSession(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	require.NoError(t, ss.Start())
	require.Eventually(t, func() bool { return sp.Idle() == 1 }, waitFor, 10*time.Millisecond)
}

// TestInProgressSet tests that a marked id blocks until released
func TestInProgressSet(t *testing.T) {
	p := newInProgressSet()
	never := func() bool { return false }

	require.True(t, p.acquire(1, never))
	assert.True(t, p.contains(1))

	acquired := make(chan bool, 1)
	go func() { acquired <- p.acquire(1, never) }()

	select {
	case <-acquired:
		t.Fatal("acquire did not wait")
	case <-time.After(30 * time.Millisecond):
	}

	p.release(1)
	select {
	case ok := <-acquired:
		assert.True(t, ok)
	case <-time.After(waitFor):
		t.Fatal("acquire not released")
	}
}

// TestInProgressSetInvalidated tests that waiters give up after invalidation
func TestInProgressSetInvalidated(t *testing.T) {
	p := newInProgressSet()
	var invalid atomic.Bool
	isInvalid := func() bool { return invalid.Load() }

	require.True(t, p.acquire(7, isInvalid))

	acquired := make(chan bool, 1)
	go func() { acquired <- p.acquire(7, isInvalid) }()
	time.Sleep(20 * time.Millisecond)

	invalid.Store(true)
	p.wake()
	select {
	case ok := <-acquired:
		assert.False(t, ok)
	case <-time.After(waitFor):
		t.Fatal("waiter not woken")
	}
	assert.True(t, p.contains(7))
}
