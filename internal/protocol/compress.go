package protocol

import (
	"errors"
	"fmt"

	"github.com/golang/snappy"
)

// Compression flag byte, first byte of a compressible section.
const (
	compressionNone   uint8 = 0
	compressionSnappy uint8 = 1
)

// ErrDecompressTooLarge is returned when a compressed section declares an
// uncompressed size beyond the caller's limit.
var ErrDecompressTooLarge = errors.New("decompressed size exceeds limit")

// MaybeCompress wraps payload in a compressible section: a flag byte
// followed by either the raw bytes or a uint32 uncompressed length and a
// snappy block. Compression is applied only when payload is at least
// threshold bytes and snappy actually shrinks it.
func MaybeCompress(payload []byte, threshold int) []byte {
	if len(payload) >= threshold {
		compressed := snappy.Encode(nil, payload)
		if len(compressed)+5 < len(payload)+1 {
			out := make([]byte, 0, len(compressed)+5)
			out = append(out, compressionSnappy)
			n := uint32(len(payload))
			out = append(out, byte(n), byte(n>>8), byte(n>>16), byte(n>>24))
			return append(out, compressed...)
		}
	}
	out := make([]byte, 0, len(payload)+1)
	out = append(out, compressionNone)
	return append(out, payload...)
}

// Decompress unwraps a section produced by MaybeCompress. maxSize bounds the
// uncompressed result; pass MaxMessageSize for wire data.
func Decompress(data []byte, maxSize int) ([]byte, error) {
	if len(data) < 1 {
		return nil, fmt.Errorf("Decompress: %w (empty section)", ErrShortBuffer)
	}
	switch data[0] {
	case compressionNone:
		return data[1:], nil
	case compressionSnappy:
		if len(data) < 5 {
			return nil, fmt.Errorf("Decompress: %w (truncated header)", ErrShortBuffer)
		}
		declared := uint32(data[1]) | uint32(data[2])<<8 | uint32(data[3])<<16 | uint32(data[4])<<24
		if int(declared) > maxSize {
			return nil, fmt.Errorf("Decompress: %w (declared=%d, max=%d)", ErrDecompressTooLarge, declared, maxSize)
		}
		decoded, err := snappy.Decode(nil, data[5:])
		if err != nil {
			return nil, fmt.Errorf("Decompress: snappy: %w", err)
		}
		if len(decoded) != int(declared) {
			return nil, fmt.Errorf("Decompress: %w (declared=%d, got=%d)", ErrLengthMismatch, declared, len(decoded))
		}
		return decoded, nil
	default:
		return nil, fmt.Errorf("Decompress: unknown compression flag %d", data[0])
	}
}
