package protocol

import (
	"encoding/binary"
	"fmt"
	"io"

	"github.com/jakubDoka/tidf/internal/bitwise"
)

// ReadFrame reads one length-prefixed message payload from r, reusing dst's
// capacity when possible. Frames whose declared length exceeds maxSize are
// refused before any payload allocation.
func ReadFrame(r io.Reader, maxSize uint32, dst []byte) ([]byte, error) {
	var head [bitwise.LenSize]byte
	if _, err := io.ReadFull(r, head[:]); err != nil {
		return nil, err
	}

	size := binary.LittleEndian.Uint32(head[:])
	if size > maxSize {
		return nil, fmt.Errorf("frame of %d bytes exceeds the %d byte limit", size, maxSize)
	}

	if cap(dst) < int(size) {
		dst = make([]byte, size)
	} else {
		dst = dst[:size]
	}
	if _, err := io.ReadFull(r, dst); err != nil {
		return nil, err
	}
	return dst, nil
}

// ParseDatagram extracts the framed payload from a UDP datagram, which
// carries the same 4-byte length prefix as TCP messages.
func ParseDatagram(datagram []byte) ([]byte, error) {
	if len(datagram) < bitwise.LenSize {
		return nil, fmt.Errorf("datagram of %d bytes cannot hold a frame header", len(datagram))
	}
	size := binary.LittleEndian.Uint32(datagram)
	if int(size) > len(datagram)-bitwise.LenSize {
		return nil, fmt.Errorf("datagram declares %d payload bytes but holds %d", size, len(datagram)-bitwise.LenSize)
	}
	return datagram[bitwise.LenSize : bitwise.LenSize+int(size)], nil
}
