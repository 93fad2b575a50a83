// Package integrity implements the data-channel frame integrity check: a
// fixed 300-byte frame with a little-endian CRC-32 (IEEE) prefix over the
// trailing 296-byte payload. hash/crc32 is used directly rather than a
// third-party library; CRC-32/IEEE is a single well-known stdlib-supported
// algorithm and no example in the corpus reaches for an external CRC
// package for it.
package integrity

import (
	"encoding/binary"
	"fmt"
	"hash/crc32"
)

// checksum computes the standard CRC-32/IEEE checksum: polynomial
// 0xEDB88320, initial state 0xFFFFFFFF, finalized with XOR 0xFFFFFFFF.
// crc32.ChecksumIEEE already applies both the initial state and final XOR.
func checksum(data []byte) uint32 {
	return crc32.ChecksumIEEE(data)
}

const (
	// FrameSize is the fixed size of a data-channel integrity frame.
	FrameSize = 300
	// PrefixSize is the size of the little-endian CRC-32 prefix.
	PrefixSize = 4
	// PayloadSize is FrameSize minus PrefixSize.
	PayloadSize = FrameSize - PrefixSize
)

// Stamp writes the CRC-32 (IEEE) of payload into a new FrameSize-byte frame
// as a little-endian prefix. payload must be exactly PayloadSize bytes.
func Stamp(payload []byte) ([]byte, error) {
	if len(payload) != PayloadSize {
		return nil, fmt.Errorf("integrity: payload must be %d bytes, got %d", PayloadSize, len(payload))
	}
	frame := make([]byte, FrameSize)
	binary.LittleEndian.PutUint32(frame[:PrefixSize], checksum(payload))
	copy(frame[PrefixSize:], payload)
	return frame, nil
}

// Validate checks frame's CRC-32 prefix against its payload. A frame shorter
// than PrefixSize is always rejected without reading past its bounds.
func Validate(frame []byte) (payload []byte, ok bool) {
	if len(frame) < PrefixSize {
		return nil, false
	}
	want := binary.LittleEndian.Uint32(frame[:PrefixSize])
	got := checksum(frame[PrefixSize:])
	if want != got {
		return nil, false
	}
	return frame[PrefixSize:], true
}
