package trace

import (
	"github.com/heaptrace/heaptrace/internal/buf"
	"github.com/heaptrace/heaptrace/internal/mtf"
)

// mtfLiteral is the on-wire value of a 5-bit name field announcing that a
// NUL-terminated literal string follows the packed word. Values between
// mtf.Size and mtfLiteral are invalid.
const mtfLiteral = 31

// Field widths of the packed location word.
const (
	lineBits     = 20
	startColBits = 8
	endColBits   = 10

	lineMask     = 1<<lineBits - 1
	startColMask = 1<<startColBits - 1
	endColMask   = 1<<endColBits - 1
)

// Location is one resolved source position. A location identifier resolves
// to a non-empty ordered list of Locations, outermost inlined frame first.
type Location struct {
	Filename string
	Defname  string
	Line     uint32
	StartCol uint16
	EndCol   uint16
}

// Unknown is the sentinel location installed when a raw stack slot cannot be
// resolved, and as the final record of a truncated location list.
var Unknown = Location{Filename: "<unknown>", Defname: "<unknown>"}

// nameTables is the pair of move-to-front tables threaded through location
// encoding: one for filenames, one for definition names. Writer and reader
// each own a pair and mutate them in lockstep through the wire.
type nameTables struct {
	filenames *mtf.Table
	defnames  *mtf.Table
}

func newNameTables() nameTables {
	return nameTables{filenames: mtf.New(), defnames: mtf.New()}
}

// putLocation writes one location record: a packed word of
// line:20 | start_col:8 | end_col:10 | defname:5 | filename:5, stored as a
// u32 and a u16, followed by the defname and filename literals in that order
// when their fields carry the literal marker. Out-of-range values are
// clamped to their field widths.
func (nt nameTables) putLocation(b *buf.Buffer, l Location) error {
	defIdx := nt.defnames.Encode(l.Defname)
	if defIdx == mtf.NotFound {
		defIdx = mtfLiteral
	}
	fileIdx := nt.filenames.Encode(l.Filename)
	if fileIdx == mtf.NotFound {
		fileIdx = mtfLiteral
	}

	word := min(uint64(l.Line), lineMask)
	word |= min(uint64(l.StartCol), startColMask) << lineBits
	word |= min(uint64(l.EndCol), endColMask) << (lineBits + startColBits)
	word |= uint64(defIdx) << (lineBits + startColBits + endColBits)
	word |= uint64(fileIdx) << (lineBits + startColBits + endColBits + 5)

	if err := b.PutU32(uint32(word)); err != nil {
		return err
	}
	if err := b.PutU16(uint16(word >> 32)); err != nil {
		return err
	}
	if defIdx == mtfLiteral {
		if err := b.PutString(l.Defname); err != nil {
			return err
		}
	}
	if fileIdx == mtfLiteral {
		if err := b.PutString(l.Filename); err != nil {
			return err
		}
	}
	return nil
}

// location reads one location record written by putLocation.
func (nt nameTables) location(b *buf.Buffer) (Location, error) {
	var l Location
	lo, err := b.U32()
	if err != nil {
		return l, err
	}
	hi, err := b.U16()
	if err != nil {
		return l, err
	}
	word := uint64(lo) | uint64(hi)<<32

	l.Line = uint32(word & lineMask)
	l.StartCol = uint16(word >> lineBits & startColMask)
	l.EndCol = uint16(word >> (lineBits + startColBits) & endColMask)
	defIdx := int(word >> (lineBits + startColBits + endColBits) & 31)
	fileIdx := int(word >> (lineBits + startColBits + endColBits + 5) & 31)

	if l.Defname, err = nt.decodeName(b, nt.defnames, defIdx); err != nil {
		return l, err
	}
	if l.Filename, err = nt.decodeName(b, nt.filenames, fileIdx); err != nil {
		return l, err
	}
	return l, nil
}

func (nt nameTables) decodeName(b *buf.Buffer, t *mtf.Table, idx int) (string, error) {
	switch {
	case idx < mtf.Size:
		s, err := t.Decode(idx)
		if err != nil {
			return "", buf.Formatf(b.Pos(), "%v", err)
		}
		return s, nil
	case idx == mtfLiteral:
		s, err := b.String()
		if err != nil {
			return "", err
		}
		t.Insert(s)
		return s, nil
	default:
		return "", buf.Formatf(b.Pos(), "reserved name index %d", idx)
	}
}
