package protocol

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"github.com/billm/recbridge/pkg/types"
)

// FrameHeaderSize is the length of the little-endian uint32 size prefix
const FrameHeaderSize = 4

// ErrFrameTooLarge is returned when a frame exceeds the configured limit
var ErrFrameTooLarge = errors.New("frame exceeds maximum size")

// FrameReader reads length-prefixed frames from a byte stream
type FrameReader struct {
	r       io.Reader
	maxSize int
	header  [FrameHeaderSize]byte
}

// NewFrameReader creates a frame reader. maxSize <= 0 disables the limit.
func NewFrameReader(r io.Reader, maxSize int) *FrameReader {
	return &FrameReader{r: r, maxSize: maxSize}
}

// ReadFrame blocks until one whole frame has been read. It returns io.EOF
// only when the stream ends cleanly between frames.
func (fr *FrameReader) ReadFrame() ([]byte, error) {
	if _, err := io.ReadFull(fr.r, fr.header[:]); err != nil {
		return nil, err
	}
	size := binary.LittleEndian.Uint32(fr.header[:])
	if fr.maxSize > 0 && uint64(size) > uint64(fr.maxSize) {
		return nil, types.WrapError(types.ErrCodeResourceExhausted,
			fmt.Sprintf("frame of %d bytes, limit %d", size, fr.maxSize), ErrFrameTooLarge)
	}
	buf := make([]byte, size)
	if _, err := io.ReadFull(fr.r, buf); err != nil {
		if errors.Is(err, io.EOF) {
			err = io.ErrUnexpectedEOF
		}
		return nil, err
	}
	return buf, nil
}

// WriteFrame writes payload with its length prefix in a single Write call
func WriteFrame(w io.Writer, payload []byte, maxSize int) error {
	if maxSize > 0 && len(payload) > maxSize {
		return types.WrapError(types.ErrCodeResourceExhausted,
			fmt.Sprintf("frame of %d bytes, limit %d", len(payload), maxSize), ErrFrameTooLarge)
	}
	buf := make([]byte, FrameHeaderSize+len(payload))
	binary.LittleEndian.PutUint32(buf, uint32(len(payload)))
	copy(buf[FrameHeaderSize:], payload)
	_, err := w.Write(buf)
	return err
}
