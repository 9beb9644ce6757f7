package protocol

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"sync"
)

// ErrShortBuffer is returned by every Read* method that runs past the end of
// the buffered data. Callers check it with errors.Is; the read cursor is left
// where it was before the failed read.
var ErrShortBuffer = errors.New("not enough data")

// Buffer is a growable byte buffer with typed read/write access.
// Writes append at the end, reads advance an independent cursor.
// All multi-byte values use Little-Endian byte order.
type Buffer struct {
	data []byte
	rpos int
}

// bufferPool reduces allocations by reusing Buffers on hot paths.
var bufferPool = sync.Pool{
	New: func() any {
		return &Buffer{data: make([]byte, 0, 512)}
	},
}

// GetBuffer returns a Buffer from the pool (already Reset).
func GetBuffer() *Buffer {
	b := bufferPool.Get().(*Buffer)
	b.Reset()
	return b
}

// Put returns the Buffer to the pool for reuse.
// Do not use the Buffer after calling Put.
func (b *Buffer) Put() {
	bufferPool.Put(b)
}

// NewBuffer creates an empty Buffer with the given initial capacity.
func NewBuffer(capacity int) *Buffer {
	return &Buffer{data: make([]byte, 0, capacity)}
}

// NewBufferFrom wraps existing data for reading. The Buffer takes ownership
// of the slice; the caller must not modify it afterwards.
func NewBufferFrom(data []byte) *Buffer {
	return &Buffer{data: data}
}

// WriteUint8 appends a single byte.
func (b *Buffer) WriteUint8(v uint8) {
	b.data = append(b.data, v)
}

// WriteInt8 appends an int8 as a single byte.
func (b *Buffer) WriteInt8(v int8) {
	b.data = append(b.data, byte(v))
}

// WriteUint16 appends a uint16 (2 bytes, LE).
func (b *Buffer) WriteUint16(v uint16) {
	b.data = append(b.data, byte(v), byte(v>>8))
}

// WriteInt16 appends an int16 (2 bytes, LE).
func (b *Buffer) WriteInt16(v int16) {
	b.WriteUint16(uint16(v))
}

// WriteUint32 appends a uint32 (4 bytes, LE).
func (b *Buffer) WriteUint32(v uint32) {
	b.data = append(b.data, byte(v), byte(v>>8), byte(v>>16), byte(v>>24))
}

// WriteInt32 appends an int32 (4 bytes, LE).
func (b *Buffer) WriteInt32(v int32) {
	b.WriteUint32(uint32(v))
}

// WriteUint64 appends a uint64 (8 bytes, LE).
func (b *Buffer) WriteUint64(v uint64) {
	b.data = append(b.data,
		byte(v), byte(v>>8), byte(v>>16), byte(v>>24),
		byte(v>>32), byte(v>>40), byte(v>>48), byte(v>>56))
}

// WriteInt64 appends an int64 (8 bytes, LE).
func (b *Buffer) WriteInt64(v int64) {
	b.WriteUint64(uint64(v))
}

// WriteFloat32 appends a float32 (4 bytes, LE, IEEE 754).
func (b *Buffer) WriteFloat32(v float32) {
	b.WriteUint32(math.Float32bits(v))
}

// WriteFloat64 appends a float64 (8 bytes, LE, IEEE 754).
func (b *Buffer) WriteFloat64(v float64) {
	b.WriteUint64(math.Float64bits(v))
}

// WriteBytes appends raw bytes.
func (b *Buffer) WriteBytes(data []byte) {
	b.data = append(b.data, data...)
}

// WriteString appends a UTF-8 string as uint32 length prefix + raw bytes.
func (b *Buffer) WriteString(s string) {
	b.WriteUint32(uint32(len(s)))
	b.data = append(b.data, s...)
}

// ReadUint8 reads a single byte.
func (b *Buffer) ReadUint8() (uint8, error) {
	if b.rpos >= len(b.data) {
		return 0, fmt.Errorf("ReadUint8: %w (pos=%d, len=%d)", ErrShortBuffer, b.rpos, len(b.data))
	}
	v := b.data[b.rpos]
	b.rpos++
	return v, nil
}

// ReadInt8 reads an int8.
func (b *Buffer) ReadInt8() (int8, error) {
	v, err := b.ReadUint8()
	return int8(v), err
}

// ReadUint16 reads a uint16 (2 bytes, LE).
func (b *Buffer) ReadUint16() (uint16, error) {
	if b.rpos+2 > len(b.data) {
		return 0, fmt.Errorf("ReadUint16: %w (pos=%d, len=%d)", ErrShortBuffer, b.rpos, len(b.data))
	}
	v := binary.LittleEndian.Uint16(b.data[b.rpos:])
	b.rpos += 2
	return v, nil
}

// ReadInt16 reads an int16 (2 bytes, LE).
func (b *Buffer) ReadInt16() (int16, error) {
	v, err := b.ReadUint16()
	return int16(v), err
}

// ReadUint32 reads a uint32 (4 bytes, LE).
func (b *Buffer) ReadUint32() (uint32, error) {
	if b.rpos+4 > len(b.data) {
		return 0, fmt.Errorf("ReadUint32: %w (pos=%d, len=%d)", ErrShortBuffer, b.rpos, len(b.data))
	}
	v := binary.LittleEndian.Uint32(b.data[b.rpos:])
	b.rpos += 4
	return v, nil
}

// ReadInt32 reads an int32 (4 bytes, LE).
func (b *Buffer) ReadInt32() (int32, error) {
	v, err := b.ReadUint32()
	return int32(v), err
}

// ReadUint64 reads a uint64 (8 bytes, LE).
func (b *Buffer) ReadUint64() (uint64, error) {
	if b.rpos+8 > len(b.data) {
		return 0, fmt.Errorf("ReadUint64: %w (pos=%d, len=%d)", ErrShortBuffer, b.rpos, len(b.data))
	}
	v := binary.LittleEndian.Uint64(b.data[b.rpos:])
	b.rpos += 8
	return v, nil
}

// ReadInt64 reads an int64 (8 bytes, LE).
func (b *Buffer) ReadInt64() (int64, error) {
	v, err := b.ReadUint64()
	return int64(v), err
}

// ReadFloat32 reads a float32 (4 bytes, LE, IEEE 754).
func (b *Buffer) ReadFloat32() (float32, error) {
	v, err := b.ReadUint32()
	return math.Float32frombits(v), err
}

// ReadFloat64 reads a float64 (8 bytes, LE, IEEE 754).
func (b *Buffer) ReadFloat64() (float64, error) {
	v, err := b.ReadUint64()
	return math.Float64frombits(v), err
}

// ReadBytes reads n bytes (zero-copy subslice of internal data).
// The returned slice shares storage with the Buffer; callers must not
// modify it. Use ReadBytesCopy when mutation is needed.
func (b *Buffer) ReadBytes(n int) ([]byte, error) {
	if n < 0 {
		return nil, fmt.Errorf("ReadBytes: negative count %d", n)
	}
	if b.rpos+n > len(b.data) {
		return nil, fmt.Errorf("ReadBytes: %w (pos=%d, need=%d, len=%d)", ErrShortBuffer, b.rpos, n, len(b.data))
	}
	v := b.data[b.rpos : b.rpos+n]
	b.rpos += n
	return v, nil
}

// ReadBytesCopy reads n bytes and returns a mutable copy.
func (b *Buffer) ReadBytesCopy(n int) ([]byte, error) {
	v, err := b.ReadBytes(n)
	if err != nil {
		return nil, err
	}
	out := make([]byte, n)
	copy(out, v)
	return out, nil
}

// ReadString reads a uint32 length prefix followed by that many UTF-8 bytes.
// A length prefix larger than the remaining data fails without moving the
// cursor past the prefix's original position.
func (b *Buffer) ReadString() (string, error) {
	start := b.rpos
	n, err := b.ReadUint32()
	if err != nil {
		return "", fmt.Errorf("ReadString: %w", err)
	}
	if int(n) > len(b.data)-b.rpos {
		b.rpos = start
		return "", fmt.Errorf("ReadString: %w (declared=%d, remaining=%d)", ErrShortBuffer, n, len(b.data)-start-4)
	}
	s := string(b.data[b.rpos : b.rpos+int(n)])
	b.rpos += int(n)
	return s, nil
}

// Skip advances the read cursor by n bytes.
func (b *Buffer) Skip(n int) error {
	if n < 0 {
		return fmt.Errorf("Skip: negative count %d", n)
	}
	if b.rpos+n > len(b.data) {
		return fmt.Errorf("Skip: %w (pos=%d, need=%d, len=%d)", ErrShortBuffer, b.rpos, n, len(b.data))
	}
	b.rpos += n
	return nil
}

// Len returns the total number of buffered bytes.
func (b *Buffer) Len() int {
	return len(b.data)
}

// ReadPos returns the current read cursor position.
func (b *Buffer) ReadPos() int {
	return b.rpos
}

// Remaining returns the number of unread bytes.
func (b *Buffer) Remaining() int {
	return len(b.data) - b.rpos
}

// SeekRead moves the read cursor to an absolute position.
func (b *Buffer) SeekRead(pos int) error {
	if pos < 0 || pos > len(b.data) {
		return fmt.Errorf("SeekRead: position %d out of range [0,%d]", pos, len(b.data))
	}
	b.rpos = pos
	return nil
}

// ResetRead rewinds the read cursor to the start without touching the data.
func (b *Buffer) ResetRead() {
	b.rpos = 0
}

// Reset clears all data and rewinds the read cursor.
func (b *Buffer) Reset() {
	b.data = b.data[:0]
	b.rpos = 0
}

// Grow reserves capacity for at least n additional bytes.
func (b *Buffer) Grow(n int) {
	if cap(b.data)-len(b.data) >= n {
		return
	}
	grown := make([]byte, len(b.data), len(b.data)+n)
	copy(grown, b.data)
	b.data = grown
}

// Bytes returns the raw buffered data. The slice shares storage with the
// Buffer and is invalidated by the next write or Reset.
func (b *Buffer) Bytes() []byte {
	return b.data
}
