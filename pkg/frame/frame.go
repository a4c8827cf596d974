// Package frame holds the raw video frame type, its store level wire
// encoding and the latest-wins Store shared by the producer and the
// streaming sessions.
package frame

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// BytesPerPixel is fixed: payloads are packed BGR24.
const BytesPerPixel = 3

// HeaderSize is the length of the [height][width] big endian prefix.
const HeaderSize = 8

var (
	ErrShortHeader     = errors.New("frame: blob shorter than header")
	ErrPayloadMismatch = errors.New("frame: payload length does not match dimensions")
	ErrEmptyFrame      = errors.New("frame: zero dimension")
)

// Frame is one BGR image, row-major. A published Frame must not be modified.
type Frame struct {
	Height uint32
	Width  uint32
	Pix    []byte
}

// New allocates an all-zero frame of the given size.
func New(height, width uint32) Frame {
	return Frame{Height: height, Width: width, Pix: make([]byte, PayloadSize(height, width))}
}

func PayloadSize(height, width uint32) int {
	return int(height) * int(width) * BytesPerPixel
}

func (f Frame) Validate() error {
	if f.Height == 0 || f.Width == 0 {
		return ErrEmptyFrame
	}

	if want := PayloadSize(f.Height, f.Width); len(f.Pix) != want {
		return fmt.Errorf("%w: %dx%d wants %d bytes, got %d", ErrPayloadMismatch, f.Width, f.Height, want, len(f.Pix))
	}

	return nil
}

// Encode serialises f as header + payload. The payload is copied so the
// returned blob never aliases the caller's buffer.
func Encode(f Frame) ([]byte, error) {
	if err := f.Validate(); err != nil {
		return nil, err
	}

	blob := make([]byte, HeaderSize+len(f.Pix))
	binary.BigEndian.PutUint32(blob[0:4], f.Height)
	binary.BigEndian.PutUint32(blob[4:8], f.Width)
	copy(blob[HeaderSize:], f.Pix)

	return blob, nil
}

// Decode parses a blob produced by Encode. Pix aliases blob; blobs taken
// from the Store are immutable so this is safe for readers.
func Decode(blob []byte) (Frame, error) {
	if len(blob) < HeaderSize {
		return Frame{}, fmt.Errorf("%w: %d bytes", ErrShortHeader, len(blob))
	}

	f := Frame{
		Height: binary.BigEndian.Uint32(blob[0:4]),
		Width:  binary.BigEndian.Uint32(blob[4:8]),
		Pix:    blob[HeaderSize:],
	}

	if err := f.Validate(); err != nil {
		return Frame{}, err
	}

	return f, nil
}
