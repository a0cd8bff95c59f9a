package trace

import (
	"fmt"
	"io"

	"github.com/heaptrace/heaptrace/internal/buf"
)

// tsWrapLimit is the span of the 25-bit event timestamp. A packet must never
// cover more than one wrap, so the writer rotates packets before an event
// would land tsWrapLimit or more ticks past the packet begin time.
const tsWrapLimit = 1 << tsBits

// Writer encodes sampled allocation events into a packetized trace stream.
// It implements Sampler; the runtime hook invokes its methods serially on
// the allocating thread, so a Writer performs no locking of its own. All
// buffers are sized at construction and reused across packets.
type Writer struct {
	dest    io.Writer
	resolve Resolver
	now     Clock

	names nameTables
	cache btCache

	dataStore [packetBufSize]byte
	locStore  [packetBufSize]byte
	data      *buf.Buffer
	locs      *buf.Buffer

	lastStack []uint64 // previous full backtrace, outermost frame first
	scratch   []uint64

	nextAllocID  uint64
	startAllocID uint64
	tsBegin      uint64
	tsEnd        uint64
	packetEmpty  bool

	pending    []uint64
	registered map[uint64]struct{}

	mirror *cacheMirror

	closed bool
}

// WriterOption configures optional Writer behavior.
type WriterOption func(*Writer)

// WithMirrorCheck equips the writer with a second, reader-side cache that
// re-decodes every allocation event as it is written and verifies that the
// reconstructed backtrace matches the raw one. Encoding cost roughly
// doubles; intended for tests and debugging.
func WithMirrorCheck() WriterOption {
	return func(w *Writer) { w.mirror = &cacheMirror{} }
}

// NewWriter returns a Writer emitting packets to dest. resolve maps raw
// stack slots to source locations when location events are flushed; now is
// the monotone clock stamped on every event.
func NewWriter(dest io.Writer, resolve Resolver, now Clock, opts ...WriterOption) *Writer {
	w := &Writer{
		dest:       dest,
		resolve:    resolve,
		now:        now,
		names:      newNameTables(),
		registered: make(map[uint64]struct{}),
	}
	w.data = buf.NewWriter(w.dataStore[:])
	w.locs = buf.NewWriter(w.locStore[:])
	for _, opt := range opts {
		opt(w)
	}
	t := ticks(now())
	w.tsBegin, w.tsEnd = t, t
	w.packetEmpty = true
	w.openDataPacket()
	return w
}

func ticks(seconds float64) uint64 { return uint64(seconds * 1e6) }

func (w *Writer) openDataPacket() {
	w.data.Reset()
	// The placeholder cannot overflow: the buffer is far larger than a header.
	if _, err := putPlaceholderHeader(w.data); err != nil {
		panic(err)
	}
}

// eventTime reads the clock and clamps the result so event times never run
// backwards within the stream.
func (w *Writer) eventTime() uint64 {
	t := ticks(w.now())
	if t < w.tsEnd {
		t = w.tsEnd
	}
	if t < w.tsBegin {
		t = w.tsBegin
	}
	return t
}

func (w *Writer) needFlush(eventTs uint64) bool {
	if w.data.Remaining() < maxEvSize {
		return true
	}
	if len(w.pending) >= pendingWatermark {
		return true
	}
	return eventTs-w.tsBegin >= tsWrapLimit
}

// Alloc implements Sampler. callstack arrives innermost frame first; the
// writer reverses it, delta-encodes it against the previous stack, and
// appends an allocation event to the current packet. The returned value is
// the event's allocation identifier.
func (w *Writer) Alloc(length, samples uint64, major bool, callstack []RawSlot) (uint64, error) {
	if w.closed {
		return 0, fmt.Errorf("trace: writer is closed")
	}

	ts := w.eventTime()
	for w.needFlush(ts) {
		if err := w.flush(ts); err != nil {
			return 0, err
		}
		ts = w.eventTime()
	}

	// Reverse into outermost-first order so shared old frames form a prefix.
	w.scratch = w.scratch[:0]
	for i := len(callstack) - 1; i >= 0; i-- {
		w.scratch = append(w.scratch, uint64(callstack[i]))
	}
	stack := w.scratch

	common := 0
	for common < len(stack) && common < len(w.lastStack) && stack[common] == w.lastStack[common] {
		common++
	}

	id := w.nextAllocID
	evStart := w.data.Pos()
	if err := w.putAlloc(ts, length, samples, major, common, stack[common:], id); err != nil {
		return 0, err
	}
	if w.data.Pos()-evStart > maxEvSize {
		return 0, buf.OverflowError{Pos: w.data.Pos()}
	}

	if w.mirror != nil {
		if err := w.mirror.verify(w.data.Bytes()[evStart:w.data.Pos()], common, id, stack); err != nil {
			return 0, err
		}
	}

	w.lastStack = append(w.lastStack[:0], stack...)
	w.tsEnd = ts
	w.packetEmpty = false
	w.nextAllocID++
	return id, nil
}

func (w *Writer) putAlloc(ts, length, samples uint64, major bool, common int, suffix []uint64, id uint64) error {
	if err := putEventHeader(w.data, evAlloc, ts); err != nil {
		return err
	}
	if err := w.data.PutVint(length); err != nil {
		return err
	}
	if err := w.data.PutVint(samples); err != nil {
		return err
	}
	var m uint8
	if major {
		m = 1
	}
	if err := w.data.PutU8(m); err != nil {
		return err
	}
	if err := w.data.PutVint(uint64(common)); err != nil {
		return err
	}
	ncodesOff := w.data.Pos()
	if err := w.data.PutU16(0); err != nil {
		return err
	}
	ncodes, err := w.cache.encodeSuffix(w.data, suffix, id, w.noteMiss)
	if err != nil {
		return err
	}
	return w.data.SetU16(ncodesOff, uint16(ncodes))
}

// noteMiss queues a location identifier for declaration in the next batch of
// location packets, once per identifier over the life of the trace.
func (w *Writer) noteMiss(id uint64) error {
	if _, ok := w.registered[id]; ok {
		return nil
	}
	w.registered[id] = struct{}{}
	w.pending = append(w.pending, id)
	return nil
}

// Promote implements Sampler.
func (w *Writer) Promote(obj uint64) error {
	return w.putDelta(evPromote, "promote", obj)
}

// Collect implements Sampler.
func (w *Writer) Collect(obj uint64) error {
	return w.putDelta(evCollect, "collect", obj)
}

func (w *Writer) putDelta(code uint8, verb string, obj uint64) error {
	if w.closed {
		return fmt.Errorf("trace: writer is closed")
	}
	if obj >= w.nextAllocID {
		return fmt.Errorf("trace: %s of unallocated object %d", verb, obj)
	}

	ts := w.eventTime()
	for w.needFlush(ts) {
		if err := w.flush(ts); err != nil {
			return err
		}
		ts = w.eventTime()
	}

	if err := putEventHeader(w.data, code, ts); err != nil {
		return err
	}
	if err := w.data.PutVint(w.nextAllocID - 1 - obj); err != nil {
		return err
	}
	w.tsEnd = ts
	w.packetEmpty = false
	return nil
}

// flush emits any pending location packets followed by the current data
// packet, then opens a fresh packet whose begin time is the sealed packet's
// end time. An empty data packet is still emitted, with its end time
// advanced to nowHint so that long idle gaps cannot strand the 25-bit event
// timestamp.
func (w *Writer) flush(nowHint uint64) error {
	sealEnd := w.tsEnd
	if w.packetEmpty && nowHint > sealEnd {
		sealEnd = nowHint
	}

	if err := w.flushLocations(); err != nil {
		return err
	}

	content := w.data.Pos() - HeaderSize
	h := packetHeader{
		PacketSizeBits:  uint32(content) * 8,
		ContentSizeBits: uint32(content) * 8,
		TsBegin:         w.tsBegin,
		TsEnd:           sealEnd,
		AllocBegin:      w.startAllocID,
		AllocEnd:        w.nextAllocID,
	}
	if err := sealHeader(w.data, 0, h); err != nil {
		return err
	}
	if err := w.writeFull(w.data.Bytes()); err != nil {
		return err
	}

	w.tsBegin, w.tsEnd = sealEnd, sealEnd
	w.packetEmpty = true
	w.startAllocID = w.nextAllocID
	w.openDataPacket()
	return nil
}

// flushLocations resolves every pending location identifier and writes the
// resulting location events as one or more location packets. Location
// packets carry an empty allocation interval and both timestamps equal to
// the current data packet's begin time, and they are always written before
// the data packet that references them.
func (w *Writer) flushLocations() error {
	if len(w.pending) == 0 {
		return nil
	}

	w.locs.Reset()
	if _, err := putPlaceholderHeader(w.locs); err != nil {
		return err
	}

	for _, id := range w.pending {
		if w.locs.Remaining() < maxLocation {
			if err := w.sealLocationPacket(); err != nil {
				return err
			}
			w.locs.Reset()
			if _, err := putPlaceholderHeader(w.locs); err != nil {
				return err
			}
		}
		if err := w.putLocationEvent(id); err != nil {
			return err
		}
	}
	if w.locs.Pos() > HeaderSize {
		if err := w.sealLocationPacket(); err != nil {
			return err
		}
	}
	w.pending = w.pending[:0]
	return nil
}

func (w *Writer) putLocationEvent(id uint64) error {
	locs := w.resolve(RawSlot(id))
	if len(locs) == 0 {
		locs = []Location{Unknown}
	}
	if len(locs) > maxLocationFrames {
		truncated := make([]Location, 0, maxLocationFrames)
		truncated = append(truncated, locs[:maxLocationFrames-1]...)
		locs = append(truncated, Unknown)
	}

	evStart := w.locs.Pos()
	if err := putEventHeader(w.locs, evLocation, w.tsBegin); err != nil {
		return err
	}
	if err := w.locs.PutU64(id); err != nil {
		return err
	}
	if err := w.locs.PutU8(uint8(len(locs))); err != nil {
		return err
	}
	for _, l := range locs {
		if err := w.names.putLocation(w.locs, l); err != nil {
			return err
		}
	}
	if w.locs.Pos()-evStart > maxLocation {
		return buf.OverflowError{Pos: w.locs.Pos()}
	}
	return nil
}

func (w *Writer) sealLocationPacket() error {
	content := w.locs.Pos() - HeaderSize
	h := packetHeader{
		PacketSizeBits:  uint32(content) * 8,
		ContentSizeBits: uint32(content) * 8,
		TsBegin:         w.tsBegin,
		TsEnd:           w.tsBegin,
		AllocBegin:      w.startAllocID,
		AllocEnd:        w.startAllocID,
	}
	if err := sealHeader(w.locs, 0, h); err != nil {
		return err
	}
	return w.writeFull(w.locs.Bytes())
}

func (w *Writer) writeFull(b []byte) error {
	n, err := w.dest.Write(b)
	if err != nil {
		return fmt.Errorf("trace: write packet: %w", err)
	}
	if n < len(b) {
		return fmt.Errorf("trace: write packet: %w", io.ErrShortWrite)
	}
	return nil
}

// Flush seals and emits the current packet without closing the writer.
func (w *Writer) Flush() error {
	if w.closed {
		return fmt.Errorf("trace: writer is closed")
	}
	return w.flush(w.eventTime())
}

// Close flushes the final packet and marks the writer unusable. It does not
// close the destination.
func (w *Writer) Close() error {
	if w.closed {
		return nil
	}
	if err := w.flush(w.eventTime()); err != nil {
		return err
	}
	w.closed = true
	return nil
}

// cacheMirror replays every encoded allocation event through a reader-side
// cache and checks that the reconstructed stack equals the raw one.
type cacheMirror struct {
	cache btCache
	last  []uint64
	tmp   []uint64
}

func (m *cacheMirror) verify(event []byte, common int, id uint64, want []uint64) error {
	b := buf.NewReader(event)
	// Skip header, length, samples, major flag and the common prefix field.
	if err := b.Skip(4); err != nil {
		return err
	}
	if _, err := b.Vint(); err != nil {
		return err
	}
	if _, err := b.Vint(); err != nil {
		return err
	}
	if err := b.Skip(1); err != nil {
		return err
	}
	if _, err := b.Vint(); err != nil {
		return err
	}
	ncodes, err := b.U16()
	if err != nil {
		return err
	}
	if common > len(m.last) {
		return fmt.Errorf("trace: mirror check: common prefix %d exceeds previous stack %d", common, len(m.last))
	}
	m.tmp = append(m.tmp[:0], m.last[:common]...)
	m.tmp, err = m.cache.decodeSuffix(b, int(ncodes), id, m.tmp, nil)
	if err != nil {
		return err
	}
	if len(m.tmp) != len(want) {
		return fmt.Errorf("trace: mirror check: reconstructed %d frames, want %d", len(m.tmp), len(want))
	}
	for i := range want {
		if m.tmp[i] != want[i] {
			return fmt.Errorf("trace: mirror check: frame %d is %#x, want %#x", i, m.tmp[i], want[i])
		}
	}
	m.last = append(m.last[:0], m.tmp...)
	return nil
}
