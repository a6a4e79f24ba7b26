package network

import (
	"encoding/binary"
	"fmt"
	"io"
	"net"
)

const (
	// maxMessageSize bounds a single frame (4 MB); oracle messages are small.
	maxMessageSize = 4 << 20

	// lengthPrefixSize is the size of the frame length prefix in bytes.
	lengthPrefixSize = 4
)

// writeMessage writes one frame: [4 bytes big-endian length] [payload].
func writeMessage(w io.Writer, data []byte) error {
	if len(data) > maxMessageSize {
		return fmt.Errorf("message too large: %d > %d", len(data), maxMessageSize)
	}

	var prefix [lengthPrefixSize]byte
	binary.BigEndian.PutUint32(prefix[:], uint32(len(data)))

	bufs := net.Buffers{prefix[:], data}
	if _, err := bufs.WriteTo(w); err != nil {
		return fmt.Errorf("write frame:\n%w", err)
	}

	return nil
}

// readMessage reads one frame.
func readMessage(r io.Reader) ([]byte, error) {
	var prefix [lengthPrefixSize]byte

	if _, err := io.ReadFull(r, prefix[:]); err != nil {
		return nil, fmt.Errorf("read length:\n%w", err)
	}

	length := binary.BigEndian.Uint32(prefix[:])
	if length > maxMessageSize {
		return nil, fmt.Errorf("message too large: %d > %d", length, maxMessageSize)
	}

	data := make([]byte, length)

	if _, err := io.ReadFull(r, data); err != nil {
		return nil, fmt.Errorf("read payload:\n%w", err)
	}

	return data, nil
}
