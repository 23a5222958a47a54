package trace

import (
	"bufio"
	"fmt"
	"io"
)

// SrcRef is the host's source reference for a function declaration.
type SrcRef struct {
	File string
	Line int
	Col  int
	// Extra holds the remaining srcref fields: end line, end column and
	// the byte positions.
	Extra [4]int
}

// UnknownSource is written in place of the file name when a declaration has
// no source reference.
const UnknownSource = "UNKNOWN"

// SourceMap is the side channel correlating trace offsets with declaration
// sites. One line per declaration:
//
//	<offset> <address> <file> <line> <col> <extra...>
type SourceMap struct {
	w *bufio.Writer
}

func newSourceMap(w io.Writer) *SourceMap {
	return &SourceMap{w: bufio.NewWriter(w)}
}

func (m *SourceMap) record(offset uint64, addr uintptr, ref *SrcRef, body uintptr) {
	if ref == nil {
		b := uint64(body)
		hi, lo := uint32(b>>32), uint32(b)
		fmt.Fprintf(m.w, "0x%08x %#x %s %#x %#x %#x %#x %#x %#x\n",
			offset, addr, UnknownSource, hi, lo, hi, lo, hi, lo)
		return
	}
	fmt.Fprintf(m.w, "0x%08x %#x %s %#x %#x %#x %#x %#x %#x\n",
		offset, addr, ref.File, ref.Line, ref.Col,
		ref.Extra[0], ref.Extra[1], ref.Extra[2], ref.Extra[3])
}

func (m *SourceMap) flush() error {
	return m.w.Flush()
}
