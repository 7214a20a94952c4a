package transport

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

const (
	// HeaderSize is the length-prefix header width in bytes.
	HeaderSize = 4

	// MaxFrameBytes bounds the payload length a FrameReader accepts. The
	// helper process is trusted but not infallible; a corrupted or
	// malicious length field must not cause an unbounded allocation.
	MaxFrameBytes = 1 << 20 // 1 MiB
)

var (
	// ErrFrameTooLarge is returned when a frame's declared length exceeds
	// MaxFrameBytes.
	ErrFrameTooLarge = errors.New("transport: frame exceeds maximum size")
	// ErrEmptyFrame is returned for a frame declaring zero-length payload.
	ErrEmptyFrame = errors.New("transport: empty frame")
)

// FrameReader reads u32-little-endian-length-prefixed JSON frames from an
// io.Reader (the child process's stdout).
type FrameReader struct {
	r      io.Reader
	header [HeaderSize]byte
}

// NewFrameReader wraps r.
func NewFrameReader(r io.Reader) *FrameReader {
	return &FrameReader{r: r}
}

// ReadFrame blocks until a complete frame is available and returns its
// payload bytes. It never returns a partial payload: either the full frame
// was read, or an error is returned and no further bytes from this frame
// were consumed into the result.
func (fr *FrameReader) ReadFrame() ([]byte, error) {
	if _, err := io.ReadFull(fr.r, fr.header[:]); err != nil {
		return nil, err
	}

	length := binary.LittleEndian.Uint32(fr.header[:])
	if length == 0 {
		return nil, ErrEmptyFrame
	}
	if length > MaxFrameBytes {
		return nil, fmt.Errorf("%w: %d bytes", ErrFrameTooLarge, length)
	}

	payload := make([]byte, length)
	if _, err := io.ReadFull(fr.r, payload); err != nil {
		return nil, err
	}
	return payload, nil
}

// FrameWriter writes u32-little-endian-length-prefixed JSON frames to an
// io.Writer (the child process's stdin).
type FrameWriter struct {
	w io.Writer
}

// NewFrameWriter wraps w.
func NewFrameWriter(w io.Writer) *FrameWriter {
	return &FrameWriter{w: w}
}

// WriteFrame writes one frame: a 4-byte little-endian length header
// followed by payload verbatim.
func (fw *FrameWriter) WriteFrame(payload []byte) error {
	if len(payload) == 0 {
		return ErrEmptyFrame
	}
	if len(payload) > MaxFrameBytes {
		return fmt.Errorf("%w: %d bytes", ErrFrameTooLarge, len(payload))
	}

	buf := make([]byte, HeaderSize+len(payload))
	binary.LittleEndian.PutUint32(buf[:HeaderSize], uint32(len(payload)))
	copy(buf[HeaderSize:], payload)

	_, err := fw.w.Write(buf)
	return err
}
