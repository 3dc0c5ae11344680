package protocol

import (
	"encoding/binary"
	"fmt"
	"io"
	"sync"

	"github.com/vmihailenco/msgpack/v5"
)

// MaxFrameSize is the largest frame the codec will deliver. A declared
// length beyond this is refused with ProtocolError-shaped behavior left to
// the caller (the codec itself just returns an error).
const MaxFrameSize = 16 << 20 // 16 MiB

const lengthPrefixSize = 8

// FrameCodec sends and receives length-prefixed msgpack frames over a
// full-duplex stream. Send is safe for concurrent use; Recv is not
// (callers are expected to run a single reader loop per codec).
type FrameCodec struct {
	rw     io.ReadWriteCloser
	sendMu sync.Mutex
}

// NewFrameCodec wraps a stream with the frame codec.
func NewFrameCodec(rw io.ReadWriteCloser) *FrameCodec {
	return &FrameCodec{rw: rw}
}

// Send encodes v to msgpack, prepends its 8-byte big-endian length, and
// writes the result as a single atomic write.
func (c *FrameCodec) Send(v any) error {
	data, err := msgpack.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode frame: %w", err)
	}

	buf := make([]byte, lengthPrefixSize+len(data))
	binary.BigEndian.PutUint64(buf[:lengthPrefixSize], uint64(len(data)))
	copy(buf[lengthPrefixSize:], data)

	c.sendMu.Lock()
	defer c.sendMu.Unlock()
	if _, err := c.rw.Write(buf); err != nil {
		return fmt.Errorf("write frame: %w", err)
	}
	return nil
}

// Recv blocks until a full frame is available, decodes it, and dispatches
// to the catalog entry matching its Type tag. The returned value is one of
// the typed structs in messages.go, or *Unknown for an unrecognized tag.
func (c *FrameCodec) Recv() (any, error) {
	data, err := c.readFrame()
	if err != nil {
		return nil, err
	}
	return Decode(data)
}

// readFrame reads one length-prefixed payload, reassembling it across
// underlying transport chunk boundaries, and tolerating a payload that
// redundantly re-encodes its own 8-byte length prefix (see spec §6).
func (c *FrameCodec) readFrame() ([]byte, error) {
	var lenBuf [lengthPrefixSize]byte
	if _, err := io.ReadFull(c.rw, lenBuf[:]); err != nil {
		return nil, fmt.Errorf("read frame length: %w", err)
	}

	length := binary.BigEndian.Uint64(lenBuf[:])
	if length > MaxFrameSize {
		return nil, fmt.Errorf("frame of %d bytes exceeds max size %d", length, MaxFrameSize)
	}

	data := make([]byte, length)
	if _, err := io.ReadFull(c.rw, data); err != nil {
		return nil, fmt.Errorf("read frame body: %w", err)
	}

	if len(data) >= lengthPrefixSize {
		innerLen := binary.BigEndian.Uint64(data[:lengthPrefixSize])
		if innerLen == uint64(len(data)-lengthPrefixSize) {
			data = data[lengthPrefixSize:]
		}
	}

	return data, nil
}

// Close closes the underlying stream.
func (c *FrameCodec) Close() error {
	return c.rw.Close()
}
