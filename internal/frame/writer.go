package frame

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"
	"sync"

	"github.com/cespare/xxhash/v2"

	"github.com/israelio/smqp-go-client/internal/protocol"
)

// Writer writes frames to a connection
type Writer struct {
	w                 *bufio.Writer
	mu                sync.Mutex
	maxFrame          uint32
	compressThreshold int
	headerBuf         [protocol.FrameHeaderSize]byte
	trailerBuf        [protocol.FrameTrailerSize]byte
}

// NewWriter creates a new frame writer
func NewWriter(w io.Writer, maxFrameSize uint32, compressThreshold int) *Writer {
	if maxFrameSize == 0 {
		maxFrameSize = protocol.DefaultMaxFrameSize
	}

	return &Writer{
		w:                 bufio.NewWriterSize(w, 64*1024),
		maxFrame:          maxFrameSize,
		compressThreshold: compressThreshold,
	}
}

// WriteFrame writes a single frame to the connection
func (fw *Writer) WriteFrame(frame *Frame) error {
	fw.mu.Lock()
	defer fw.mu.Unlock()

	if uint32(len(frame.Payload)) > fw.maxFrame {
		return fmt.Errorf("frame payload too large: %d > %d", len(frame.Payload), fw.maxFrame)
	}

	fw.headerBuf[0] = uint8(frame.Type)
	fw.headerBuf[1] = frame.Flags
	binary.BigEndian.PutUint32(fw.headerBuf[2:6], uint32(len(frame.Payload)))

	if _, err := fw.w.Write(fw.headerBuf[:]); err != nil {
		return fmt.Errorf("write frame header: %w", err)
	}

	if len(frame.Payload) > 0 {
		if _, err := fw.w.Write(frame.Payload); err != nil {
			return fmt.Errorf("write frame payload: %w", err)
		}
	}

	binary.BigEndian.PutUint64(fw.trailerBuf[0:8], xxhash.Sum64(frame.Payload))
	fw.trailerBuf[8] = protocol.FrameEnd
	if _, err := fw.w.Write(fw.trailerBuf[:]); err != nil {
		return fmt.Errorf("write frame trailer: %w", err)
	}

	if err := fw.w.Flush(); err != nil {
		return fmt.Errorf("flush frame: %w", err)
	}

	return nil
}

// WriteObject encodes and writes an object
func (fw *Writer) WriteObject(obj protocol.Object) error {
	f, err := Encode(obj, fw.compressThreshold)
	if err != nil {
		return err
	}
	return fw.WriteFrame(f)
}

// SetMaxFrameSize updates the maximum frame size
func (fw *Writer) SetMaxFrameSize(size uint32) {
	fw.mu.Lock()
	defer fw.mu.Unlock()

	if size > 0 {
		fw.maxFrame = size
	}
}
