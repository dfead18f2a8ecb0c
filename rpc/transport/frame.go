package transport

import (
	"encoding/binary"
	"fmt"
	"io"
	"net"
)

// Frame layout:
//   - 8 bytes: request ID (uint64, big endian)
//   - 1 byte:  status (0 = ok, 1 = fault; fault payloads carry the error text)
//   - 4 bytes: payload length (uint32, big endian)
//   - N bytes: payload
//
// The request ID lets responses complete out of order on multiplexed
// connections; the status byte keeps per-call faults out of band of the
// injected codec.

// FrameHeaderSize is the fixed size of the frame header in bytes
const FrameHeaderSize = 13

// Frame status values
const (
	StatusOK    byte = 0
	StatusFault byte = 1
)

// ErrFrameTooLarge is returned when a frame exceeds the configured maximum
// message size
type ErrFrameTooLarge struct {
	Size int
	Max  int
}

func (e *ErrFrameTooLarge) Error() string {
	return fmt.Sprintf("frame of %d bytes exceeds maximum message size of %d bytes", e.Size, e.Max)
}

// WriteFrame writes one frame to the connection. maxSize bounds the payload;
// 0 disables the check.
func WriteFrame(conn io.Writer, requestID uint64, status byte, payload []byte, maxSize int) error {
	if maxSize > 0 && len(payload) > maxSize {
		return &ErrFrameTooLarge{Size: len(payload), Max: maxSize}
	}

	header := make([]byte, FrameHeaderSize)
	binary.BigEndian.PutUint64(header[:8], requestID)
	header[8] = status
	binary.BigEndian.PutUint32(header[9:13], uint32(len(payload)))

	b := net.Buffers{header, payload}
	_, err := b.WriteTo(conn)
	return err
}

// ReadFrame reads one frame from the connection using the provided buffer.
// If the buffer is too small a new one is allocated. maxSize bounds the
// payload length; frames over the limit are rejected without being read.
func ReadFrame(conn io.Reader, buf []byte, maxSize int) (requestID uint64, status byte, payload []byte, err error) {
	if buf == nil || len(buf) < FrameHeaderSize {
		buf = make([]byte, FrameHeaderSize)
	}

	if _, err := io.ReadFull(conn, buf[:FrameHeaderSize]); err != nil {
		return 0, 0, nil, err
	}

	requestID = binary.BigEndian.Uint64(buf[:8])
	status = buf[8]
	contentLength := binary.BigEndian.Uint32(buf[9:13])

	if maxSize > 0 && int(contentLength) > maxSize {
		return 0, 0, nil, &ErrFrameTooLarge{Size: int(contentLength), Max: maxSize}
	}

	if contentLength == 0 {
		return requestID, status, []byte{}, nil
	}

	if len(buf) < int(contentLength) {
		buf = make([]byte, contentLength)
	}

	if _, err := io.ReadFull(conn, buf[:contentLength]); err != nil {
		return 0, 0, nil, err
	}

	return requestID, status, buf[:contentLength], nil
}
