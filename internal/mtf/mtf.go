// Package mtf implements the fixed-size move-to-front string table used to
// compress filenames and definition names in the trace. Encoder and decoder
// each own a table and must apply promotions and shifts identically to stay
// in sync.
package mtf

import "fmt"

// Size is the number of slots in a table. Index values 0..Size-1 refer to a
// current entry; NotFound signals that a literal string follows on the wire.
const Size = 15

// NotFound is returned by Encode when the string is not in the table.
const NotFound = Size

// Table is a 15-slot move-to-front codec. The zero value is not ready;
// construct with New.
type Table struct {
	entries [Size]string
}

// New returns a table primed with distinct placeholder strings, so that the
// encoder and decoder start from identical contents. The placeholders start
// with a NUL byte and cannot collide with real filenames.
func New() *Table {
	t := &Table{}
	for i := range t.entries {
		t.entries[i] = fmt.Sprintf("\x00unused-%d", i)
	}
	return t
}

// Encode looks up s and returns its index before promotion, or NotFound when
// absent. In both cases s becomes entry 0 afterwards, with the displaced
// entries shifted down one slot; on NotFound the last entry falls off. The
// shift on a miss mirrors what Insert does on the decoder side.
func (t *Table) Encode(s string) int {
	idx := NotFound
	for i, e := range t.entries {
		if e == s {
			idx = i
			break
		}
	}
	shift := idx
	if shift == NotFound {
		shift = Size - 1
	}
	copy(t.entries[1:shift+1], t.entries[:shift])
	t.entries[0] = s
	return idx
}

// Decode promotes entry i to the front and returns it. i must be in
// [0, Size).
func (t *Table) Decode(i int) (string, error) {
	if i < 0 || i >= Size {
		return "", fmt.Errorf("mtf: index %d out of range", i)
	}
	s := t.entries[i]
	copy(t.entries[1:i+1], t.entries[:i])
	t.entries[0] = s
	return s, nil
}

// Insert installs a literal string read from the wire as entry 0, shifting
// every existing entry down one slot.
func (t *Table) Insert(s string) {
	copy(t.entries[1:], t.entries[:Size-1])
	t.entries[0] = s
}
