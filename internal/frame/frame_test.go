package frame

import (
	"bytes"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/israelio/smqp-go-client/internal/protocol"
)

func newRequest(t *testing.T, kind protocol.Kind, body any) *protocol.Request {
	t.Helper()
	req, err := protocol.NewRequest(kind, 3, true, body)
	require.NoError(t, err)
	return req
}

// TestObjectRoundTrip tests writing and reading every object type
func TestObjectRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	w := NewWriter(&buf, 0, 0)
	r := NewReader(&buf, 0)

	req := newRequest(t, protocol.KindCreateSession, protocol.CreateSessionBody{Transacted: true, ClientDispatchID: 4})
	req.CorrelationID = 11
	reply, err := protocol.NewReply(11, protocol.CreateSessionReplyBody{DispatchID: 9})
	require.NoError(t, err)

	require.NoError(t, w.WriteObject(req))
	require.NoError(t, w.WriteObject(reply))
	require.NoError(t, w.WriteObject(&protocol.KeepAlive{}))

	obj, err := r.ReadObject()
	require.NoError(t, err)
	gotReq, ok := obj.(*protocol.Request)
	require.True(t, ok, "expected request, got %T", obj)
	assert.Equal(t, protocol.KindCreateSession, gotReq.Kind)
	assert.Equal(t, uint64(11), gotReq.CorrelationID)
	var body protocol.CreateSessionBody
	require.NoError(t, gotReq.Decode(&body))
	assert.True(t, body.Transacted)
	assert.Equal(t, int32(4), body.ClientDispatchID)

	obj, err = r.ReadObject()
	require.NoError(t, err)
	gotReply, ok := obj.(*protocol.Reply)
	require.True(t, ok, "expected reply, got %T", obj)
	assert.True(t, gotReply.OK)
	assert.Equal(t, uint64(11), gotReply.CorrelationID)

	obj, err = r.ReadObject()
	require.NoError(t, err)
	assert.IsType(t, &protocol.KeepAlive{}, obj)
}

// TestBulkEnvelope tests that bulk envelopes keep order and count
func TestBulkEnvelope(t *testing.T) {
	var buf bytes.Buffer
	w := NewWriter(&buf, 0, 0)
	r := NewReader(&buf, 0)

	bulk := &protocol.Bulk{}
	for i := 1; i <= 5; i++ {
		req := newRequest(t, protocol.KindProduceMessage, protocol.ProduceMessageBody{ProducerID: int32(i)})
		req.CorrelationID = uint64(i)
		bulk.Objects = append(bulk.Objects, req)
	}
	bulk.Objects = append(bulk.Objects, &protocol.KeepAlive{})
	require.NoError(t, w.WriteObject(bulk))

	obj, err := r.ReadObject()
	require.NoError(t, err)
	got, ok := obj.(*protocol.Bulk)
	require.True(t, ok)
	require.Len(t, got.Objects, 6)
	for i := 0; i < 5; i++ {
		req := got.Objects[i].(*protocol.Request)
		assert.Equal(t, uint64(i+1), req.CorrelationID)
	}
	assert.IsType(t, &protocol.KeepAlive{}, got.Objects[5])
}

// TestNestedBulkRejected tests that bulk envelopes cannot nest
func TestNestedBulkRejected(t *testing.T) {
	_, err := Encode(&protocol.Bulk{Objects: []protocol.Object{&protocol.Bulk{}}}, 0)
	assert.Error(t, err)
}

// TestCompression tests lz4 compression above the threshold
func TestCompression(t *testing.T) {
	body := protocol.ProduceMessageBody{ProducerID: 1, Message: []byte(strings.Repeat("payload-", 4096))}
	req := newRequest(t, protocol.KindProduceMessage, body)

	f, err := Encode(req, 1024)
	require.NoError(t, err)
	assert.True(t, f.Compressed())

	uncompressed, err := Encode(req, 0)
	require.NoError(t, err)
	assert.False(t, uncompressed.Compressed())
	assert.Less(t, len(f.Payload), len(uncompressed.Payload))

	var buf bytes.Buffer
	require.NoError(t, NewWriter(&buf, 0, 1024).WriteObject(req))
	obj, err := NewReader(&buf, 0).ReadObject()
	require.NoError(t, err)

	var got protocol.ProduceMessageBody
	require.NoError(t, obj.(*protocol.Request).Decode(&got))
	assert.Equal(t, body.Message, got.Message)
}

// TestReaderErrors tests frame validation failures
func TestReaderErrors(t *testing.T) {
	t.Run("checksum mismatch", func(t *testing.T) {
		var buf bytes.Buffer
		require.NoError(t, NewWriter(&buf, 0, 0).WriteObject(newRequest(t, protocol.KindCommit, protocol.CommitBody{})))
		data := buf.Bytes()
		data[protocol.FrameHeaderSize] ^= 0xFF

		_, err := NewReader(bytes.NewReader(data), 0).ReadFrame()
		require.Error(t, err)
		assert.Contains(t, err.Error(), "checksum")
	})

	t.Run("bad end marker", func(t *testing.T) {
		var buf bytes.Buffer
		require.NoError(t, NewWriter(&buf, 0, 0).WriteObject(&protocol.KeepAlive{}))
		data := buf.Bytes()
		data[len(data)-1] = 0x00

		_, err := NewReader(bytes.NewReader(data), 0).ReadFrame()
		require.Error(t, err)
		assert.Contains(t, err.Error(), "end marker")
	})

	t.Run("invalid type", func(t *testing.T) {
		data := []byte{0x42, 0, 0, 0, 0, 0}
		_, err := NewReader(bytes.NewReader(data), 0).ReadFrame()
		require.Error(t, err)
		assert.Contains(t, err.Error(), "invalid frame type")
	})

	t.Run("too large", func(t *testing.T) {
		var buf bytes.Buffer
		big := newRequest(t, protocol.KindProduceMessage, protocol.ProduceMessageBody{Message: make([]byte, 2048)})
		require.NoError(t, NewWriter(&buf, 0, 0).WriteObject(big))

		_, err := NewReader(&buf, 512).ReadFrame()
		require.Error(t, err)
		assert.Contains(t, err.Error(), "too large")
	})

	t.Run("decompressed too large", func(t *testing.T) {
		var buf bytes.Buffer
		big := newRequest(t, protocol.KindProduceMessage, protocol.ProduceMessageBody{Message: []byte(strings.Repeat("payload-", 4096))})
		require.NoError(t, NewWriter(&buf, 0, 1024).WriteObject(big))

		r := NewReader(&buf, 4096)
		f, err := r.ReadFrame()
		require.NoError(t, err)
		require.True(t, f.Compressed())
		require.Less(t, len(f.Payload), 4096)

		_, err = Decode(f, 4096)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "exceeds")

		_, err = Decode(f, 0)
		assert.NoError(t, err)
	})
}
