package protocol

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestRequestBody tests encoding and decoding of kind-specific bodies
func TestRequestBody(t *testing.T) {
	req, err := NewRequest(KindStartConsumer, 7, false, StartConsumerBody{
		ClientDispatchID: 3,
		ClientListenerID: 1,
		ConsumerID:       42,
		RecoveryEpoch:    2,
		CacheSize:        500,
	})
	require.NoError(t, err)
	assert.Equal(t, TypeRequest, req.ObjectType())
	assert.Equal(t, int32(7), req.DispatchID)

	var body StartConsumerBody
	require.NoError(t, req.Decode(&body))
	assert.Equal(t, int32(42), body.ConsumerID)
	assert.Equal(t, int32(2), body.RecoveryEpoch)
	assert.Equal(t, 500, body.CacheSize)
}

// TestRequestEmptyBody tests that an empty body decodes to the zero value
func TestRequestEmptyBody(t *testing.T) {
	req, err := NewRequest(KindDisconnect, 0, true, nil)
	require.NoError(t, err)
	assert.Nil(t, req.Body)

	var body ClientIDBody
	require.NoError(t, req.Decode(&body))
	assert.Empty(t, body.ClientID)
}

// TestReplyErr tests conversion of failed replies into typed errors
func TestReplyErr(t *testing.T) {
	ok, err := NewReply(9, DelayReplyBody{Delay: 25})
	require.NoError(t, err)
	assert.NoError(t, ok.Err())

	var delay DelayReplyBody
	require.NoError(t, ok.Decode(&delay))
	assert.Equal(t, int64(25), delay.Delay)

	failed := NewErrorReply(9, CodeAuthenticationFailed, "bad password")
	assert.ErrorIs(t, failed.Err(), ErrAuthenticationFailed)

	generic := &Reply{CorrelationID: 1, ErrorText: "boom"}
	assert.ErrorIs(t, generic.Err(), ErrServer)
}

// TestErrorIs tests code-based error matching through wrapping
func TestErrorIs(t *testing.T) {
	cause := ErrAuthenticationFailed.WithCause(errors.New("denied"))
	err := fmt.Errorf("connect: %w", ErrConnectFailed.WithCause(cause))

	assert.ErrorIs(t, err, ErrConnectFailed)
	assert.ErrorIs(t, err, ErrAuthenticationFailed)
	assert.NotErrorIs(t, err, ErrVersionMismatch)
	assert.NotErrorIs(t, err, ErrNetwork)

	var typed *Error
	require.ErrorAs(t, err, &typed)
	assert.Equal(t, CodeConnectFailed, typed.Code)
	assert.Contains(t, typed.Error(), "denied")
}

// TestMessageDecodeFailure tests that malformed message bytes are rejected
func TestMessageDecodeFailure(t *testing.T) {
	_, err := UnmarshalMessage(nil)
	assert.Error(t, err)

	_, err = UnmarshalMessage([]byte{0xc1})
	assert.Error(t, err)

	msg := &Message{ID: "m-1", Destination: Destination{Name: "orders"}}
	msg.SetProperty(PropDoubtDuplicate, "true")
	data, err := msg.Marshal()
	require.NoError(t, err)

	decoded, err := UnmarshalMessage(data)
	require.NoError(t, err)
	v, ok := decoded.Property(PropDoubtDuplicate)
	assert.True(t, ok)
	assert.Equal(t, "true", v)
}

// TestDestination tests destination capability helpers
func TestDestination(t *testing.T) {
	tests := []struct {
		dest      Destination
		topic     bool
		temporary bool
		str       string
	}{
		{Destination{Name: "q", Type: DestinationQueue}, false, false, "queue://q"},
		{Destination{Name: "t", Type: DestinationTopic}, true, false, "topic://t"},
		{Destination{Name: "tq", Type: DestinationTempQueue}, false, true, "temp-queue://tq"},
		{Destination{Name: "tt", Type: DestinationTempTopic}, true, true, "temp-topic://tt"},
	}
	for _, tt := range tests {
		t.Run(tt.str, func(t *testing.T) {
			assert.Equal(t, tt.topic, tt.dest.IsTopic())
			assert.Equal(t, tt.temporary, tt.dest.IsTemporary())
			assert.Equal(t, tt.str, tt.dest.String())
		})
	}
}
