package trace

import (
	"errors"
	"fmt"
	"io"

	"github.com/heaptrace/heaptrace/internal/buf"
)

// WordSize is the machine word size, in bytes, that allocation lengths are
// denominated in. The schema reserves a field for it in the trace-info
// event but the writer does not transmit it; readers assume 8.
const WordSize = 8

// TraceInfo summarizes a fully consumed trace.
type TraceInfo struct {
	WordSize  int
	Packets   int
	Allocs    uint64
	Promotes  uint64
	Collects  uint64
	Locations uint64
}

// Reader parses a finalized trace stream and hands every event, in order, to
// an iterator callback. It owns a replica of the writer's backtrace cache
// and move-to-front tables, reconstructing full backtraces by replaying the
// wire codes.
type Reader struct {
	src io.Reader

	names nameTables
	cache btCache

	locs      map[uint64][]Location
	lastStack []uint64
	allocID   uint64
	prevEnd   uint64

	info TraceInfo

	hdr     [HeaderSize]byte
	content []byte
}

// NewReader returns a Reader over src. The stream is consumed on Iterate;
// a Reader cannot be rewound.
func NewReader(src io.Reader) *Reader {
	return &Reader{
		src:   src,
		names: newNameTables(),
		locs:  make(map[uint64][]Location),
		info:  TraceInfo{WordSize: WordSize},
	}
}

// Location resolves a location identifier against the table accumulated
// from location events.
func (r *Reader) Location(id uint64) ([]Location, bool) {
	l, ok := r.locs[id]
	return l, ok
}

// Info reports stream statistics. It is complete only after Iterate has
// returned nil.
func (r *Reader) Info() TraceInfo { return r.info }

// Iterate consumes the stream packet by packet and invokes fn for every
// event with its reconstructed timestamp. A non-nil error from fn aborts
// the iteration and is returned. Codec errors are non-recoverable: the
// trace is abandoned at the first malformed packet.
func (r *Reader) Iterate(fn func(ts uint64, ev Event) error) error {
	for {
		if _, err := io.ReadFull(r.src, r.hdr[:]); err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			if errors.Is(err, io.ErrUnexpectedEOF) {
				return buf.Formatf(0, "truncated packet header")
			}
			return fmt.Errorf("trace: read packet header: %w", err)
		}

		hb := buf.NewReader(r.hdr[:])
		h, err := readHeader(hb)
		if err != nil {
			return err
		}
		if err := hb.Check(h.TsBegin >= r.prevEnd,
			"packet begins at %d before previous packet end %d", h.TsBegin, r.prevEnd); err != nil {
			return err
		}
		if err := hb.Check(h.AllocBegin == r.allocID,
			"allocation interval starts at %d, want %d", h.AllocBegin, r.allocID); err != nil {
			return err
		}

		n := int(h.ContentSizeBits / 8)
		if cap(r.content) < n {
			r.content = make([]byte, n)
		}
		r.content = r.content[:n]
		if _, err := io.ReadFull(r.src, r.content); err != nil {
			if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
				return buf.Formatf(0, "truncated packet body")
			}
			return fmt.Errorf("trace: read packet body: %w", err)
		}

		if err := r.iteratePacket(h, buf.NewReader(r.content), fn); err != nil {
			return err
		}
		r.info.Packets++
		r.prevEnd = h.TsEnd
	}
}

func (r *Reader) iteratePacket(h packetHeader, b *buf.Buffer, fn func(ts uint64, ev Event) error) error {
	lastTs := h.TsBegin
	for b.Remaining() > 0 {
		hdr, err := b.U32()
		if err != nil {
			return err
		}
		code := uint8(hdr >> tsBits)
		ts := spliceTimestamp(h.TsBegin, hdr&tsMask)
		if err := b.Check(ts >= lastTs, "event time %d before previous event %d", ts, lastTs); err != nil {
			return err
		}
		if err := b.Check(ts <= h.TsEnd, "event time %d after packet end %d", ts, h.TsEnd); err != nil {
			return err
		}
		lastTs = ts

		var ev Event
		switch code {
		case evLocation:
			if ev, err = r.readLocation(b); err != nil {
				return err
			}
		case evAlloc:
			if ev, err = r.readAlloc(b); err != nil {
				return err
			}
		case evPromote, evCollect:
			if ev, err = r.readDelta(b, code); err != nil {
				return err
			}
		default:
			if code >= evShortAllocMin && code <= evShortAllocMax {
				return buf.Formatf(b.Pos(), "reserved event code %d", code)
			}
			return buf.Formatf(b.Pos(), "unknown event code %d", code)
		}

		if err := fn(ts, ev); err != nil {
			return err
		}
	}

	return b.Check(r.allocID == h.AllocEnd,
		"allocation counter %d at packet end, header says %d", r.allocID, h.AllocEnd)
}

func (r *Reader) readLocation(b *buf.Buffer) (Event, error) {
	id, err := b.U64()
	if err != nil {
		return nil, err
	}
	n, err := b.U8()
	if err != nil {
		return nil, err
	}
	if err := b.Check(n >= 1, "empty location list for %#x", id); err != nil {
		return nil, err
	}

	locs := make([]Location, n)
	for i := range locs {
		if locs[i], err = r.names.location(b); err != nil {
			return nil, err
		}
	}

	if prev, ok := r.locs[id]; ok {
		if err := b.Check(locationsEqual(prev, locs), "re-declared location %#x disagrees", id); err != nil {
			return nil, err
		}
	} else {
		r.locs[id] = locs
	}
	r.info.Locations++
	return LocationEvent{ID: id, Locations: locs}, nil
}

func (r *Reader) readAlloc(b *buf.Buffer) (Event, error) {
	length, err := b.Vint()
	if err != nil {
		return nil, err
	}
	samples, err := b.Vint()
	if err != nil {
		return nil, err
	}
	major, err := b.U8()
	if err != nil {
		return nil, err
	}
	if err := b.Check(major <= 1, "major flag is %d", major); err != nil {
		return nil, err
	}
	common, err := b.Vint()
	if err != nil {
		return nil, err
	}
	if err := b.Check(common <= uint64(len(r.lastStack)),
		"common prefix %d exceeds previous stack depth %d", common, len(r.lastStack)); err != nil {
		return nil, err
	}
	ncodes, err := b.U16()
	if err != nil {
		return nil, err
	}

	id := r.allocID
	r.lastStack, err = r.cache.decodeSuffix(b, int(ncodes), id, r.lastStack[:common], func(lit uint64) error {
		if _, ok := r.locs[lit]; !ok {
			return buf.Formatf(b.Pos(), "event references undeclared location %#x", lit)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	r.allocID++
	r.info.Allocs++
	return AllocEvent{
		ObjID:     id,
		Length:    length,
		Samples:   samples,
		IsMajor:   major == 1,
		Backtrace: r.lastStack,
	}, nil
}

func (r *Reader) readDelta(b *buf.Buffer, code uint8) (Event, error) {
	delta, err := b.Vint()
	if err != nil {
		return nil, err
	}
	if err := b.Check(delta < r.allocID, "delta %d reaches before the first allocation", delta); err != nil {
		return nil, err
	}
	obj := r.allocID - 1 - delta
	if code == evPromote {
		r.info.Promotes++
		return PromoteEvent{ObjID: obj}, nil
	}
	r.info.Collects++
	return CollectEvent{ObjID: obj}, nil
}

func locationsEqual(a, b []Location) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
