// Package trace implements the packetized binary trace codec: a Writer that
// consumes runtime allocation-sampling callbacks and emits CTF-style packets,
// and a Reader that parses a finalized stream back into timestamped events.
//
// The format is little-endian throughout. A trace is a concatenation of
// packets; each packet starts with a fixed 44-byte header followed by
// exactly ContentSize bytes of events. Location metadata is compressed with
// move-to-front filename tables, and backtraces are compressed through a
// direct-mapped cache with next-location prediction. See the package's
// encode/decode pairs for the exact wire layout of each event.
package trace

import (
	"github.com/heaptrace/heaptrace/internal/buf"
)

const (
	// Magic opens every packet header.
	Magic = 0xc1fc1fc1

	// HeaderSize is the fixed byte size of a packet header.
	HeaderSize = 44

	// packetBufSize is the capacity of the writer's packet buffers.
	packetBufSize = 1 << 15

	// maxEvSize is the hard cap on a single encoded data event.
	maxEvSize = 4096

	// maxLocation is the hard cap on a single encoded location event.
	maxLocation = 4096

	// pendingWatermark is the pending-locations queue length that forces a
	// packet flush.
	pendingWatermark = 128

	// maxLocationFrames is the longest location record list written for one
	// location identifier; longer lists are truncated with an unknown
	// sentinel record at the end.
	maxLocationFrames = 255

	// tsBits is the width of the truncated per-event timestamp.
	tsBits = 25
	tsMask = 1<<tsBits - 1
)

// Event codes, stored in the high 7 bits of an event header.
const (
	evLocation = 0
	evAlloc    = 1
	evPromote  = 2
	evCollect  = 3

	// Codes 101..116 are reserved in the schema for compact allocation
	// encodings. The writer never emits them and the reader rejects them.
	evShortAllocMin = 101
	evShortAllocMax = 116
)

// packetHeader is the decoded form of the 44-byte CTF packet header.
//
// PacketSizeBits and ContentSizeBits both count the event payload that
// follows the header, in bits, and must agree. TsBegin/TsEnd are microsecond
// ticks; AllocBegin/AllocEnd delimit the half-open interval of allocation
// identifiers assigned inside the packet.
type packetHeader struct {
	PacketSizeBits  uint32
	ContentSizeBits uint32
	TsBegin         uint64
	TsEnd           uint64
	AllocBegin      uint64
	AllocEnd        uint64
}

// putPlaceholderHeader lays down a zeroed header at the current position,
// returning the offset at which sealHeader will rewrite it.
func putPlaceholderHeader(b *buf.Buffer) (int, error) {
	off := b.Pos()
	for i := 0; i < HeaderSize; i += 4 {
		if err := b.PutU32(0); err != nil {
			return 0, err
		}
	}
	return off, nil
}

// sealHeader rewrites the header at off with the final sizes, timestamps and
// allocation interval. contentBytes is the event payload length in bytes.
func sealHeader(b *buf.Buffer, off int, h packetHeader) error {
	if err := b.SetU32(off, Magic); err != nil {
		return err
	}
	if err := b.SetU32(off+4, h.PacketSizeBits); err != nil {
		return err
	}
	if err := b.SetU32(off+8, h.ContentSizeBits); err != nil {
		return err
	}
	if err := b.SetU64(off+12, h.TsBegin); err != nil {
		return err
	}
	if err := b.SetU64(off+20, h.TsEnd); err != nil {
		return err
	}
	if err := b.SetU64(off+28, h.AllocBegin); err != nil {
		return err
	}
	return b.SetU64(off+36, h.AllocEnd)
}

// readHeader parses and validates a packet header.
func readHeader(b *buf.Buffer) (packetHeader, error) {
	var h packetHeader
	magic, err := b.U32()
	if err != nil {
		return h, err
	}
	if err := b.Check(magic == Magic, "bad magic 0x%08x", magic); err != nil {
		return h, err
	}
	if h.PacketSizeBits, err = b.U32(); err != nil {
		return h, err
	}
	if h.ContentSizeBits, err = b.U32(); err != nil {
		return h, err
	}
	if h.TsBegin, err = b.U64(); err != nil {
		return h, err
	}
	if h.TsEnd, err = b.U64(); err != nil {
		return h, err
	}
	if h.AllocBegin, err = b.U64(); err != nil {
		return h, err
	}
	if h.AllocEnd, err = b.U64(); err != nil {
		return h, err
	}
	if err := b.Check(h.PacketSizeBits == h.ContentSizeBits,
		"packet size %d bits != content size %d bits", h.PacketSizeBits, h.ContentSizeBits); err != nil {
		return h, err
	}
	if err := b.Check(h.ContentSizeBits%8 == 0, "content size %d not byte-aligned", h.ContentSizeBits); err != nil {
		return h, err
	}
	if err := b.Check(h.TsBegin <= h.TsEnd, "timestamps reversed: begin %d > end %d", h.TsBegin, h.TsEnd); err != nil {
		return h, err
	}
	if err := b.Check(h.AllocBegin <= h.AllocEnd,
		"allocation interval reversed: begin %d > end %d", h.AllocBegin, h.AllocEnd); err != nil {
		return h, err
	}
	return h, nil
}

// spliceTimestamp reconstructs a full event timestamp from the packet begin
// time and the stored low 25 bits. If the low bits fall below the begin
// time's low bits, one wrap of the 25-bit counter occurred inside the packet
// and the high bits are advanced by one.
func spliceTimestamp(tsBegin uint64, low uint32) uint64 {
	ts := tsBegin&^uint64(tsMask) | uint64(low)
	if uint64(low) < tsBegin&tsMask {
		ts += 1 << tsBits
	}
	return ts
}

// putEventHeader writes the u32 event header: the event code in the high
// 7 bits and the timestamp's low 25 bits below it.
func putEventHeader(b *buf.Buffer, code uint8, ts uint64) error {
	return b.PutU32(uint32(code)<<tsBits | uint32(ts&tsMask))
}
