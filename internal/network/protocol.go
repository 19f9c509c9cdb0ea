package network

import (
	"encoding/binary"
	"fmt"
	"io"
)

const (
	// maxFrameSize is the maximum allowed frame size (1 MB).
	// Channel reports are tiny; anything near this limit is hostile.
	maxFrameSize = 1 << 20

	// lengthPrefixSize is the size of the length prefix in bytes.
	lengthPrefixSize = 4
)

// writeFrame writes a length-prefixed frame to the writer.
// Format: [4 bytes big-endian length] [payload]
func writeFrame(w io.Writer, data []byte) error {
	if len(data) > maxFrameSize {
		return fmt.Errorf("frame too large: %d > %d", len(data), maxFrameSize)
	}

	// Write length prefix
	var lengthBuf [lengthPrefixSize]byte
	binary.BigEndian.PutUint32(lengthBuf[:], uint32(len(data)))

	if _, err := w.Write(lengthBuf[:]); err != nil {
		return fmt.Errorf("write length: %w", err)
	}

	// Write payload
	if _, err := w.Write(data); err != nil {
		return fmt.Errorf("write payload: %w", err)
	}

	return nil
}

// readFrame reads a length-prefixed frame from the reader.
func readFrame(r io.Reader) ([]byte, error) {
	// Read length prefix
	var lengthBuf [lengthPrefixSize]byte

	if _, err := io.ReadFull(r, lengthBuf[:]); err != nil {
		return nil, fmt.Errorf("read length: %w", err)
	}

	length := binary.BigEndian.Uint32(lengthBuf[:])

	if length > maxFrameSize {
		return nil, fmt.Errorf("frame too large: %d > %d", length, maxFrameSize)
	}

	// Read payload
	data := make([]byte, length)

	if _, err := io.ReadFull(r, data); err != nil {
		return nil, fmt.Errorf("read payload: %w", err)
	}

	return data, nil
}
