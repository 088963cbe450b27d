package frame

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"

	"github.com/cespare/xxhash/v2"

	"github.com/israelio/smqp-go-client/internal/protocol"
)

// Reader reads frames from a connection
type Reader struct {
	r          *bufio.Reader
	maxFrame   uint32
	headerBuf  [protocol.FrameHeaderSize]byte
	trailerBuf [protocol.FrameTrailerSize]byte
}

// NewReader creates a new frame reader
func NewReader(r io.Reader, maxFrameSize uint32) *Reader {
	if maxFrameSize == 0 {
		maxFrameSize = protocol.DefaultMaxFrameSize
	}

	return &Reader{
		r:        bufio.NewReaderSize(r, 64*1024),
		maxFrame: maxFrameSize,
	}
}

// ReadFrame reads a single frame from the connection
func (fr *Reader) ReadFrame() (*Frame, error) {
	// Read frame header (6 bytes: type + flags + size)
	if _, err := io.ReadFull(fr.r, fr.headerBuf[:]); err != nil {
		return nil, fmt.Errorf("read frame header: %w", err)
	}

	frameType := protocol.ObjectType(fr.headerBuf[0])
	flags := fr.headerBuf[1]
	payloadSize := binary.BigEndian.Uint32(fr.headerBuf[2:6])

	if !frameType.Valid() {
		return nil, fmt.Errorf("invalid frame type: %d", uint8(frameType))
	}

	if payloadSize > fr.maxFrame {
		return nil, fmt.Errorf("frame payload too large: %d > %d", payloadSize, fr.maxFrame)
	}

	payload := make([]byte, payloadSize)
	if payloadSize > 0 {
		if _, err := io.ReadFull(fr.r, payload); err != nil {
			return nil, fmt.Errorf("read frame payload: %w", err)
		}
	}

	// Read checksum and frame end marker
	if _, err := io.ReadFull(fr.r, fr.trailerBuf[:]); err != nil {
		return nil, fmt.Errorf("read frame trailer: %w", err)
	}

	if end := fr.trailerBuf[8]; end != protocol.FrameEnd {
		return nil, fmt.Errorf("invalid frame end marker: 0x%02X (expected 0x%02X)", end, protocol.FrameEnd)
	}

	if sum := binary.BigEndian.Uint64(fr.trailerBuf[0:8]); sum != xxhash.Sum64(payload) {
		return nil, fmt.Errorf("frame checksum mismatch: type=%s size=%d", frameType, payloadSize)
	}

	return &Frame{
		Type:    frameType,
		Flags:   flags,
		Payload: payload,
	}, nil
}

// ReadObject reads and decodes the next object
func (fr *Reader) ReadObject() (protocol.Object, error) {
	f, err := fr.ReadFrame()
	if err != nil {
		return nil, err
	}
	return Decode(f, fr.maxFrame)
}

// SetMaxFrameSize updates the maximum frame size
func (fr *Reader) SetMaxFrameSize(size uint32) {
	if size > 0 {
		fr.maxFrame = size
	}
}
