package smqp

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/israelio/smqp-go-client/internal/protocol"
)

// TestTemporaryQueue tests the lifecycle of a temporary queue
func TestTemporaryQueue(t *testing.T) {
	b := newTestBroker(t)
	conn := mustConnect(t, testFactory(b))
	ctx := testContext(t)

	td, err := conn.CreateTemporaryQueue(ctx)
	require.NoError(t, err)
	assert.True(t, td.Destination().IsTemporary())
	assert.Contains(t, b.TempDestinations(), td.Name())
	assert.True(t, conn.IsTemporaryValid(td.Name()))

	s, err := conn.CreateSession(ctx)
	require.NoError(t, err)
	c, err := s.CreateConsumer(ctx, td.Destination())
	require.NoError(t, err)
	p, err := s.CreateProducer(ctx, td.Destination())
	require.NoError(t, err)
	require.NoError(t, conn.Start())

	reply := NewTextMessage("reply")
	require.NoError(t, p.Send(ctx, reply))
	msg, err := c.Receive(ctx)
	require.NoError(t, err)
	assert.Equal(t, "reply", string(msg.Body))

	require.NoError(t, c.Close())
	require.NoError(t, td.Delete(ctx))
	require.NoError(t, td.Delete(ctx))
	assert.False(t, conn.IsTemporaryValid(td.Name()))
	assert.NotContains(t, b.TempDestinations(), td.Name())

	_, err = s.CreateProducer(ctx, td.Destination())
	assert.ErrorIs(t, err, ErrInvalidDestination)
	_, err = s.CreateConsumer(ctx, td.Destination())
	assert.ErrorIs(t, err, ErrInvalidDestination)
}

// TestTemporaryTopicSurvivesReconnect tests that a temporary destination is
// recreated under its name
func TestTemporaryTopicSurvivesReconnect(t *testing.T) {
	b := newTestBroker(t)
	conn := mustConnect(t, testFactory(b))
	ctx := testContext(t)

	td, err := conn.CreateTemporaryTopic(ctx)
	require.NoError(t, err)
	assert.True(t, td.Destination().IsTopic())

	b.DropConnections()
	require.Eventually(t, func() bool {
		return conn.ConnectionID() == 2 && conn.State() == StateConnectedStopped
	}, waitFor, 10*time.Millisecond)

	reqs := b.Requests(protocol.KindCreateTempDest)
	require.Len(t, reqs, 2)
	var body protocol.TempDestBody
	require.NoError(t, reqs[1].Decode(&body))
	assert.Equal(t, td.Name(), body.Name)
	assert.True(t, conn.IsTemporaryValid(td.Name()))
}

// TestDeletedTemporaryNotRecreated tests that deleted destinations stay deleted
func TestDeletedTemporaryNotRecreated(t *testing.T) {
	b := newTestBroker(t)
	conn := mustConnect(t, testFactory(b))
	ctx := testContext(t)

	td, err := conn.CreateTemporaryQueue(ctx)
	require.NoError(t, err)
	require.NoError(t, td.Delete(ctx))

	b.DropConnections()
	require.Eventually(t, func() bool { return conn.ConnectionID() == 2 }, waitFor, 10*time.Millisecond)
	assert.Len(t, b.Requests(protocol.KindCreateTempDest), 1)
}
