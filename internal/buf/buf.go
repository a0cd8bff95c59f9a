// Package buf implements the bounded byte cursor underneath the trace codec.
// A Buffer is a window over a byte slice with a position that advances on
// every put or get. All multi-byte integers are little-endian; strings are
// NUL-terminated. Writes past the end of the window fail with OverflowError,
// reads past the end with UnderflowError, and structural violations detected
// by callers are reported through FormatError.
package buf

import (
	"encoding/binary"
	"fmt"
)

// Buffer is a cursor over a mutable byte window. The zero value is unusable;
// construct one with NewWriter or NewReader.
type Buffer struct {
	b   []byte
	pos int
	end int
}

// NewWriter returns a Buffer that writes into b starting at offset 0. The
// window ends at len(b); the underlying slice is never grown.
func NewWriter(b []byte) *Buffer {
	return &Buffer{b: b, end: len(b)}
}

// NewReader returns a Buffer that reads b from offset 0 to len(b).
func NewReader(b []byte) *Buffer {
	return &Buffer{b: b, end: len(b)}
}

// Pos returns the current cursor position.
func (b *Buffer) Pos() int { return b.pos }

// Remaining returns the number of bytes between the cursor and the window end.
func (b *Buffer) Remaining() int { return b.end - b.pos }

// Bytes returns the written prefix of the window, [0, pos).
func (b *Buffer) Bytes() []byte { return b.b[:b.pos] }

// Sub carves a sub-window of exactly n bytes starting at the cursor and
// advances the cursor past it. The sub-buffer shares the underlying storage.
func (b *Buffer) Sub(n int) (*Buffer, error) {
	if n < 0 || b.pos+n > b.end {
		return nil, UnderflowError{Pos: b.pos}
	}
	sub := &Buffer{b: b.b[b.pos : b.pos+n], end: n}
	b.pos += n
	return sub, nil
}

// Skip advances the cursor by n bytes without touching the contents.
func (b *Buffer) Skip(n int) error {
	if b.pos+n > b.end {
		return UnderflowError{Pos: b.pos}
	}
	b.pos += n
	return nil
}

func (b *Buffer) ensure(n int) error {
	if b.pos+n > b.end {
		return OverflowError{Pos: b.pos}
	}
	return nil
}

func (b *Buffer) have(n int) error {
	if b.pos+n > b.end {
		return UnderflowError{Pos: b.pos}
	}
	return nil
}

// PutU8 appends one byte.
func (b *Buffer) PutU8(v uint8) error {
	if err := b.ensure(1); err != nil {
		return err
	}
	b.b[b.pos] = v
	b.pos++
	return nil
}

// PutU16 appends a little-endian 16-bit integer.
func (b *Buffer) PutU16(v uint16) error {
	if err := b.ensure(2); err != nil {
		return err
	}
	binary.LittleEndian.PutUint16(b.b[b.pos:], v)
	b.pos += 2
	return nil
}

// PutU32 appends a little-endian 32-bit integer.
func (b *Buffer) PutU32(v uint32) error {
	if err := b.ensure(4); err != nil {
		return err
	}
	binary.LittleEndian.PutUint32(b.b[b.pos:], v)
	b.pos += 4
	return nil
}

// PutU64 appends a little-endian 64-bit integer.
func (b *Buffer) PutU64(v uint64) error {
	if err := b.ensure(8); err != nil {
		return err
	}
	binary.LittleEndian.PutUint64(b.b[b.pos:], v)
	b.pos += 8
	return nil
}

// PutString appends s followed by a NUL terminator. s must not contain NUL.
func (b *Buffer) PutString(s string) error {
	if err := b.ensure(len(s) + 1); err != nil {
		return err
	}
	copy(b.b[b.pos:], s)
	b.b[b.pos+len(s)] = 0
	b.pos += len(s) + 1
	return nil
}

// PutVint appends v in the variable-length encoding: a single tag byte
// carries values up to 252 in-band; tags 253, 254 and 255 announce a
// following little-endian u16, u32 or u64 payload. The writer always picks
// the shortest representation.
func (b *Buffer) PutVint(v uint64) error {
	switch {
	case v <= 252:
		return b.PutU8(uint8(v))
	case v <= 0xFFFF:
		if err := b.PutU8(253); err != nil {
			return err
		}
		return b.PutU16(uint16(v))
	case v <= 0xFFFFFFFF:
		if err := b.PutU8(254); err != nil {
			return err
		}
		return b.PutU32(uint32(v))
	default:
		if err := b.PutU8(255); err != nil {
			return err
		}
		return b.PutU64(v)
	}
}

// U8 reads one byte.
func (b *Buffer) U8() (uint8, error) {
	if err := b.have(1); err != nil {
		return 0, err
	}
	v := b.b[b.pos]
	b.pos++
	return v, nil
}

// U16 reads a little-endian 16-bit integer.
func (b *Buffer) U16() (uint16, error) {
	if err := b.have(2); err != nil {
		return 0, err
	}
	v := binary.LittleEndian.Uint16(b.b[b.pos:])
	b.pos += 2
	return v, nil
}

// U32 reads a little-endian 32-bit integer.
func (b *Buffer) U32() (uint32, error) {
	if err := b.have(4); err != nil {
		return 0, err
	}
	v := binary.LittleEndian.Uint32(b.b[b.pos:])
	b.pos += 4
	return v, nil
}

// U64 reads a little-endian 64-bit integer.
func (b *Buffer) U64() (uint64, error) {
	if err := b.have(8); err != nil {
		return 0, err
	}
	v := binary.LittleEndian.Uint64(b.b[b.pos:])
	b.pos += 8
	return v, nil
}

// String reads a NUL-terminated string.
func (b *Buffer) String() (string, error) {
	for i := b.pos; i < b.end; i++ {
		if b.b[i] == 0 {
			s := string(b.b[b.pos:i])
			b.pos = i + 1
			return s, nil
		}
	}
	return "", UnderflowError{Pos: b.pos}
}

// Vint reads a variable-length integer written by PutVint.
func (b *Buffer) Vint() (uint64, error) {
	tag, err := b.U8()
	if err != nil {
		return 0, err
	}
	switch tag {
	case 253:
		v, err := b.U16()
		return uint64(v), err
	case 254:
		v, err := b.U32()
		return uint64(v), err
	case 255:
		return b.U64()
	default:
		return uint64(tag), nil
	}
}

// SetU16 overwrites the two bytes at off without moving the cursor. The
// target range must already have been written.
func (b *Buffer) SetU16(off int, v uint16) error {
	if off < 0 || off+2 > b.pos {
		return OverflowError{Pos: off}
	}
	binary.LittleEndian.PutUint16(b.b[off:], v)
	return nil
}

// SetU32 overwrites the four bytes at off without moving the cursor.
func (b *Buffer) SetU32(off int, v uint32) error {
	if off < 0 || off+4 > b.pos {
		return OverflowError{Pos: off}
	}
	binary.LittleEndian.PutUint32(b.b[off:], v)
	return nil
}

// SetU64 overwrites the eight bytes at off without moving the cursor.
func (b *Buffer) SetU64(off int, v uint64) error {
	if off < 0 || off+8 > b.pos {
		return OverflowError{Pos: off}
	}
	binary.LittleEndian.PutUint64(b.b[off:], v)
	return nil
}

// Reset rewinds the cursor to offset 0, keeping the window.
func (b *Buffer) Reset() { b.pos = 0 }

// Check returns nil when cond holds and otherwise a FormatError at the
// current position carrying the formatted message.
func (b *Buffer) Check(cond bool, format string, args ...any) error {
	if cond {
		return nil
	}
	return FormatError{Pos: b.pos, Msg: fmt.Sprintf(format, args...)}
}
