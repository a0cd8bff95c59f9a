package trace_test

import (
	"bytes"
	"errors"
	"fmt"
	"testing"

	"github.com/heaptrace/heaptrace/internal/buf"
	"github.com/heaptrace/heaptrace/internal/trace"
)

// ---------------------------------------------------------------------------
// Helpers
// ---------------------------------------------------------------------------

// fakeClock is a deterministic monotone clock advancing 100µs per reading.
type fakeClock struct {
	sec float64
}

func (c *fakeClock) now() float64 {
	c.sec += 100e-6
	return c.sec
}

// testResolver derives a small deterministic location list from the slot
// value, reusing a handful of filenames so the MTF tables see both hits and
// literals.
func testResolver(slot trace.RawSlot) []trace.Location {
	id := uint64(slot)
	files := []string{"alloc.ml", "server.ml", "codec.ml", "deep/nested/path.ml"}
	n := int(id%3) + 1
	locs := make([]trace.Location, n)
	for i := range locs {
		locs[i] = trace.Location{
			Filename: files[(id+uint64(i))%uint64(len(files))],
			Defname:  fmt.Sprintf("fn_%d", (id+uint64(i))%97),
			Line:     uint32((id*7 + uint64(i)) % 5000),
			StartCol: uint16(id % 100),
			EndCol:   uint16(id%100 + 8),
		}
	}
	return locs
}

func newTestWriter(dst *bytes.Buffer, opts ...trace.WriterOption) *trace.Writer {
	clk := &fakeClock{sec: 1000}
	opts = append(opts, trace.WithMirrorCheck())
	return trace.NewWriter(dst, testResolver, clk.now, opts...)
}

// collect drains a trace into event slices.
type collected struct {
	ts     []uint64
	events []trace.Event
}

func readAll(t *testing.T, raw []byte) (*trace.Reader, *collected) {
	t.Helper()
	r := trace.NewReader(bytes.NewReader(raw))
	c := &collected{}
	err := r.Iterate(func(ts uint64, ev trace.Event) error {
		c.ts = append(c.ts, ts)
		switch e := ev.(type) {
		case trace.AllocEvent:
			cp := e
			cp.Backtrace = append([]uint64(nil), e.Backtrace...)
			ev = cp
		case trace.LocationEvent:
			cp := e
			cp.Locations = append([]trace.Location(nil), e.Locations...)
			ev = cp
		}
		c.events = append(c.events, ev)
		return nil
	})
	if err != nil {
		t.Fatalf("Iterate: %v", err)
	}
	return r, c
}

func (c *collected) allocs() []trace.AllocEvent {
	var out []trace.AllocEvent
	for _, ev := range c.events {
		if a, ok := ev.(trace.AllocEvent); ok {
			out = append(out, a)
		}
	}
	return out
}

// outermost reverses an innermost-first callstack.
func outermost(stack []trace.RawSlot) []uint64 {
	out := make([]uint64, len(stack))
	for i, s := range stack {
		out[len(stack)-1-i] = uint64(s)
	}
	return out
}

func equalStacks(a, b []uint64) bool {
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

// ---------------------------------------------------------------------------
// Concrete scenarios
// ---------------------------------------------------------------------------

func TestEmptyTrace_OnePacketNoEvents(t *testing.T) {
	var dst bytes.Buffer
	w := newTestWriter(&dst)
	if err := w.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if dst.Len() != trace.HeaderSize {
		t.Errorf("empty trace is %d bytes, want one bare header of %d", dst.Len(), trace.HeaderSize)
	}

	r, c := readAll(t, dst.Bytes())
	if len(c.events) != 0 {
		t.Errorf("empty trace yielded %d events, want 0", len(c.events))
	}
	if info := r.Info(); info.Packets != 1 || info.Allocs != 0 {
		t.Errorf("Info = %+v, want 1 packet and 0 allocations", info)
	}
}

func TestSingleAllocation_ThreeFrameStack(t *testing.T) {
	var dst bytes.Buffer
	w := newTestWriter(&dst)

	stack := []trace.RawSlot{0x40, 0x41, 0x42} // innermost first
	id, err := w.Alloc(4, 1, false, stack)
	if err != nil {
		t.Fatalf("Alloc: %v", err)
	}
	if id != 0 {
		t.Errorf("first allocation id = %d, want 0", id)
	}
	if err := w.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	r, c := readAll(t, dst.Bytes())
	allocs := c.allocs()
	if len(allocs) != 1 {
		t.Fatalf("got %d allocation events, want 1", len(allocs))
	}
	a := allocs[0]
	if a.ObjID != 0 || a.Length != 4 || a.Samples != 1 || a.IsMajor {
		t.Errorf("alloc = %+v", a)
	}
	if want := outermost(stack); !equalStacks(a.Backtrace, want) {
		t.Errorf("backtrace = %v, want %v", a.Backtrace, want)
	}

	// All three locations were declared before the data event.
	for _, slot := range stack {
		got, ok := r.Location(uint64(slot))
		if !ok {
			t.Fatalf("location %#x missing from table", slot)
		}
		want := testResolver(slot)
		if len(got) != len(want) {
			t.Errorf("location %#x resolved to %d records, want %d", slot, len(got), len(want))
		}
	}
}

func TestIdenticalSuccessiveAllocations(t *testing.T) {
	var dst bytes.Buffer
	w := newTestWriter(&dst)

	stack := []trace.RawSlot{0x10, 0x11, 0x12, 0x13}
	for i := 0; i < 2; i++ {
		if _, err := w.Alloc(2, 1, false, stack); err != nil {
			t.Fatalf("Alloc %d: %v", i, err)
		}
	}
	if err := w.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	_, c := readAll(t, dst.Bytes())
	allocs := c.allocs()
	if len(allocs) != 2 {
		t.Fatalf("got %d allocation events, want 2", len(allocs))
	}
	for i, a := range allocs {
		if a.ObjID != uint64(i) {
			t.Errorf("alloc %d has id %d", i, a.ObjID)
		}
		if want := outermost(stack); !equalStacks(a.Backtrace, want) {
			t.Errorf("alloc %d backtrace = %v, want %v", i, a.Backtrace, want)
		}
	}
}

func TestPromoteAndCollect_ResolveThroughDelta(t *testing.T) {
	var dst bytes.Buffer
	w := newTestWriter(&dst)

	stack := []trace.RawSlot{1, 2}
	if _, err := w.Alloc(1, 1, false, stack); err != nil {
		t.Fatalf("Alloc 0: %v", err)
	}
	if _, err := w.Alloc(1, 1, false, stack); err != nil {
		t.Fatalf("Alloc 1: %v", err)
	}
	if err := w.Promote(0); err != nil {
		t.Fatalf("Promote: %v", err)
	}
	if err := w.Collect(0); err != nil {
		t.Fatalf("Collect: %v", err)
	}
	if err := w.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	_, c := readAll(t, dst.Bytes())
	var promoted, collected []uint64
	for _, ev := range c.events {
		switch e := ev.(type) {
		case trace.PromoteEvent:
			promoted = append(promoted, e.ObjID)
		case trace.CollectEvent:
			collected = append(collected, e.ObjID)
		}
	}
	if len(promoted) != 1 || promoted[0] != 0 {
		t.Errorf("promoted = %v, want [0]", promoted)
	}
	if len(collected) != 1 || collected[0] != 0 {
		t.Errorf("collected = %v, want [0]", collected)
	}
}

func TestPromote_UnallocatedObjectRejected(t *testing.T) {
	var dst bytes.Buffer
	w := newTestWriter(&dst)
	if err := w.Promote(0); err == nil {
		t.Error("Promote before any allocation succeeded, want error")
	}
}

// ---------------------------------------------------------------------------
// Randomized round-trip
// ---------------------------------------------------------------------------

// TestRoundTrip_RandomizedStream drives the writer through a long randomized
// allocation stream with the debug mirror cache enabled, flushing packets
// along the way, and verifies that the reader reproduces the stream event
// by event.
func TestRoundTrip_RandomizedStream(t *testing.T) {
	var dst bytes.Buffer
	w := newTestWriter(&dst)

	state := uint64(42)
	next := func() uint64 {
		state ^= state << 13
		state ^= state >> 7
		state ^= state << 17
		return state
	}

	type allocRec struct {
		length, samples uint64
		major           bool
		stack           []uint64 // outermost first
	}
	var (
		wantAllocs   []allocRec
		wantPromotes []uint64
		wantCollects []uint64
	)

	live := 0
	var prev []trace.RawSlot
	for i := 0; i < 600; i++ {
		switch {
		case live > 0 && next()%5 == 0:
			obj := next() % uint64(live)
			if next()%2 == 0 {
				if err := w.Promote(obj); err != nil {
					t.Fatalf("Promote(%d): %v", obj, err)
				}
				wantPromotes = append(wantPromotes, obj)
			} else {
				if err := w.Collect(obj); err != nil {
					t.Fatalf("Collect(%d): %v", obj, err)
				}
				wantCollects = append(wantCollects, obj)
			}
		default:
			depth := int(next()%12) + 1
			stack := make([]trace.RawSlot, depth)
			// Mutate the previous stack's innermost frames half the time so
			// common-prefix coding is exercised.
			for j := range stack {
				if len(prev) > j && next()%2 == 0 {
					stack[len(stack)-1-j] = prev[len(prev)-1-j]
				} else {
					stack[len(stack)-1-j] = trace.RawSlot(next()%300 + 1)
				}
			}
			length := next()%4096 + 1
			samples := next()%8 + 1
			major := next()%4 == 0
			if _, err := w.Alloc(length, samples, major, stack); err != nil {
				t.Fatalf("Alloc %d: %v", i, err)
			}
			wantAllocs = append(wantAllocs, allocRec{length, samples, major, outermost(stack)})
			prev = stack
			live++
		}

		if i%177 == 176 {
			if err := w.Flush(); err != nil {
				t.Fatalf("Flush: %v", err)
			}
		}
	}
	if err := w.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	r, c := readAll(t, dst.Bytes())

	var gotPromotes, gotCollects []uint64
	var gotAllocs []trace.AllocEvent
	for _, ev := range c.events {
		switch e := ev.(type) {
		case trace.AllocEvent:
			gotAllocs = append(gotAllocs, e)
		case trace.PromoteEvent:
			gotPromotes = append(gotPromotes, e.ObjID)
		case trace.CollectEvent:
			gotCollects = append(gotCollects, e.ObjID)
		}
	}

	if len(gotAllocs) != len(wantAllocs) {
		t.Fatalf("got %d allocation events, want %d", len(gotAllocs), len(wantAllocs))
	}
	for i, a := range gotAllocs {
		want := wantAllocs[i]
		if a.ObjID != uint64(i) {
			t.Fatalf("alloc %d has id %d", i, a.ObjID)
		}
		if a.Length != want.length || a.Samples != want.samples || a.IsMajor != want.major {
			t.Fatalf("alloc %d = %+v, want %+v", i, a, want)
		}
		if !equalStacks(a.Backtrace, want.stack) {
			t.Fatalf("alloc %d backtrace = %v, want %v", i, a.Backtrace, want.stack)
		}
		// Every referenced location must already be resolvable.
		for _, id := range a.Backtrace {
			if _, ok := r.Location(id); !ok {
				t.Fatalf("alloc %d references undeclared location %#x", i, id)
			}
		}
	}

	if !equalStacks(gotPromotes, wantPromotes) {
		t.Errorf("promotes = %v, want %v", gotPromotes, wantPromotes)
	}
	if !equalStacks(gotCollects, wantCollects) {
		t.Errorf("collects = %v, want %v", gotCollects, wantCollects)
	}

	// Timestamps arrive monotone.
	for i := 1; i < len(c.ts); i++ {
		if c.ts[i] < c.ts[i-1] {
			t.Fatalf("timestamp %d = %d runs backwards from %d", i, c.ts[i], c.ts[i-1])
		}
	}

	if info := r.Info(); info.Packets < 3 {
		t.Errorf("stream has %d packets, expected several flushes", info.Packets)
	}
}

// TestReadTwice_SameEvents re-reads the same bytes and expects an identical
// event sequence.
func TestReadTwice_SameEvents(t *testing.T) {
	var dst bytes.Buffer
	w := newTestWriter(&dst)
	for i := 0; i < 50; i++ {
		stack := []trace.RawSlot{trace.RawSlot(i%7 + 1), trace.RawSlot(i%3 + 20)}
		if _, err := w.Alloc(uint64(i+1), 1, i%2 == 0, stack); err != nil {
			t.Fatalf("Alloc: %v", err)
		}
	}
	if err := w.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	_, first := readAll(t, dst.Bytes())
	_, second := readAll(t, dst.Bytes())

	if len(first.events) != len(second.events) {
		t.Fatalf("read twice: %d vs %d events", len(first.events), len(second.events))
	}
	for i := range first.events {
		if fmt.Sprintf("%+v", first.events[i]) != fmt.Sprintf("%+v", second.events[i]) {
			t.Fatalf("event %d differs between reads", i)
		}
	}
}

// ---------------------------------------------------------------------------
// Corruption
// ---------------------------------------------------------------------------

func TestReader_TruncatedStream(t *testing.T) {
	var dst bytes.Buffer
	w := newTestWriter(&dst)
	if _, err := w.Alloc(1, 1, false, []trace.RawSlot{1}); err != nil {
		t.Fatalf("Alloc: %v", err)
	}
	if err := w.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	raw := dst.Bytes()[:dst.Len()-3]
	r := trace.NewReader(bytes.NewReader(raw))
	err := r.Iterate(func(uint64, trace.Event) error { return nil })
	var fe buf.FormatError
	if !errors.As(err, &fe) {
		t.Fatalf("truncated stream error = %v, want FormatError", err)
	}
}

func TestReader_BadMagic(t *testing.T) {
	var dst bytes.Buffer
	w := newTestWriter(&dst)
	if err := w.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	raw := append([]byte(nil), dst.Bytes()...)
	raw[0] ^= 0xff
	r := trace.NewReader(bytes.NewReader(raw))
	err := r.Iterate(func(uint64, trace.Event) error { return nil })
	var fe buf.FormatError
	if !errors.As(err, &fe) {
		t.Fatalf("bad magic error = %v, want FormatError", err)
	}
}

func TestReader_ConsumerErrorAborts(t *testing.T) {
	var dst bytes.Buffer
	w := newTestWriter(&dst)
	if _, err := w.Alloc(1, 1, false, []trace.RawSlot{1}); err != nil {
		t.Fatalf("Alloc: %v", err)
	}
	if err := w.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	sentinel := errors.New("stop here")
	r := trace.NewReader(bytes.NewReader(dst.Bytes()))
	err := r.Iterate(func(uint64, trace.Event) error { return sentinel })
	if !errors.Is(err, sentinel) {
		t.Fatalf("Iterate = %v, want consumer sentinel", err)
	}
}
