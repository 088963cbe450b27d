package frame

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"

	"github.com/pierrec/lz4/v4"

	"github.com/israelio/smqp-go-client/internal/protocol"
)

// Frame is one unit on the wire
type Frame struct {
	Type    protocol.ObjectType
	Flags   uint8
	Payload []byte
}

// Compressed reports whether the payload is lz4 compressed
func (f *Frame) Compressed() bool {
	return f.Flags&protocol.FlagCompressed != 0
}

// String returns a string representation of the frame
func (f *Frame) String() string {
	return fmt.Sprintf("Frame{type=%s, flags=0x%02X, size=%d}", f.Type, f.Flags, len(f.Payload))
}

// Encode converts an object into a frame. Payloads larger than
// compressThreshold are compressed; a threshold <= 0 disables compression.
func Encode(obj protocol.Object, compressThreshold int) (*Frame, error) {
	payload, err := encodePayload(obj)
	if err != nil {
		return nil, err
	}

	f := &Frame{Type: obj.ObjectType(), Payload: payload}
	if compressThreshold > 0 && len(payload) > compressThreshold {
		compressed, err := compress(payload)
		if err != nil {
			return nil, fmt.Errorf("compress %s payload: %w", f.Type, err)
		}
		f.Payload = compressed
		f.Flags |= protocol.FlagCompressed
	}
	return f, nil
}

// Decode converts a frame back into an object. A compressed payload may
// expand to at most maxSize bytes; 0 means protocol.DefaultMaxFrameSize.
func Decode(f *Frame, maxSize uint32) (protocol.Object, error) {
	payload := f.Payload
	if f.Compressed() {
		if maxSize == 0 {
			maxSize = protocol.DefaultMaxFrameSize
		}
		var err error
		if payload, err = decompress(payload, maxSize); err != nil {
			return nil, fmt.Errorf("decompress %s payload: %w", f.Type, err)
		}
	}
	return decodePayload(f.Type, payload)
}

func encodePayload(obj protocol.Object) ([]byte, error) {
	switch o := obj.(type) {
	case *protocol.Request, *protocol.Reply:
		return protocol.Marshal(o)
	case *protocol.KeepAlive:
		return nil, nil
	case *protocol.Bulk:
		return encodeBulk(o)
	default:
		return nil, fmt.Errorf("cannot encode object %T", obj)
	}
}

func decodePayload(t protocol.ObjectType, payload []byte) (protocol.Object, error) {
	switch t {
	case protocol.TypeRequest:
		var req protocol.Request
		if err := protocol.Unmarshal(payload, &req); err != nil {
			return nil, fmt.Errorf("decode request: %w", err)
		}
		return &req, nil
	case protocol.TypeReply:
		var reply protocol.Reply
		if err := protocol.Unmarshal(payload, &reply); err != nil {
			return nil, fmt.Errorf("decode reply: %w", err)
		}
		return &reply, nil
	case protocol.TypeKeepAlive:
		return &protocol.KeepAlive{}, nil
	case protocol.TypeBulk:
		return decodeBulk(payload)
	default:
		return nil, fmt.Errorf("invalid object type: %d", uint8(t))
	}
}

// encodeBulk writes count, then (type, length, payload) per object
func encodeBulk(b *protocol.Bulk) ([]byte, error) {
	buf := new(bytes.Buffer)
	if err := binary.Write(buf, binary.BigEndian, uint32(len(b.Objects))); err != nil {
		return nil, err
	}

	for i, obj := range b.Objects {
		if _, nested := obj.(*protocol.Bulk); nested {
			return nil, fmt.Errorf("bulk object %d: nested bulk envelopes are not allowed", i)
		}
		payload, err := encodePayload(obj)
		if err != nil {
			return nil, fmt.Errorf("bulk object %d: %w", i, err)
		}
		buf.WriteByte(uint8(obj.ObjectType()))
		if err := binary.Write(buf, binary.BigEndian, uint32(len(payload))); err != nil {
			return nil, err
		}
		buf.Write(payload)
	}
	return buf.Bytes(), nil
}

func decodeBulk(payload []byte) (*protocol.Bulk, error) {
	r := bytes.NewReader(payload)

	var count uint32
	if err := binary.Read(r, binary.BigEndian, &count); err != nil {
		return nil, fmt.Errorf("read bulk count: %w", err)
	}
	if int64(count) > int64(r.Len()) {
		return nil, fmt.Errorf("bulk count %d exceeds payload", count)
	}

	bulk := &protocol.Bulk{Objects: make([]protocol.Object, 0, count)}
	for i := uint32(0); i < count; i++ {
		t, err := r.ReadByte()
		if err != nil {
			return nil, fmt.Errorf("read bulk object %d type: %w", i, err)
		}
		if protocol.ObjectType(t) == protocol.TypeBulk {
			return nil, fmt.Errorf("bulk object %d: nested bulk envelopes are not allowed", i)
		}
		var size uint32
		if err := binary.Read(r, binary.BigEndian, &size); err != nil {
			return nil, fmt.Errorf("read bulk object %d size: %w", i, err)
		}
		if int64(size) > int64(r.Len()) {
			return nil, fmt.Errorf("bulk object %d size %d exceeds payload", i, size)
		}
		data := make([]byte, size)
		if _, err := io.ReadFull(r, data); err != nil {
			return nil, fmt.Errorf("read bulk object %d: %w", i, err)
		}
		obj, err := decodePayload(protocol.ObjectType(t), data)
		if err != nil {
			return nil, fmt.Errorf("bulk object %d: %w", i, err)
		}
		bulk.Objects = append(bulk.Objects, obj)
	}
	return bulk, nil
}

func compress(data []byte) ([]byte, error) {
	var buf bytes.Buffer
	zw := lz4.NewWriter(&buf)
	if _, err := zw.Write(data); err != nil {
		return nil, err
	}
	if err := zw.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func decompress(data []byte, maxSize uint32) ([]byte, error) {
	out, err := io.ReadAll(io.LimitReader(lz4.NewReader(bytes.NewReader(data)), int64(maxSize)+1))
	if err != nil {
		return nil, err
	}
	if len(out) > int(maxSize) {
		return nil, fmt.Errorf("decompressed payload exceeds %d bytes", maxSize)
	}
	return out, nil
}
