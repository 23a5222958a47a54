package trace

import (
	"bufio"
	"encoding/binary"
	"io"
	"unsafe"
)

// AddressSize is the width in bytes of an address field in the trace.
const AddressSize = int(unsafe.Sizeof(uintptr(0)))

// Codec writes trace primitives onto a sink and counts every byte it
// writes. The first write error is kept and all later writes are dropped;
// the owner checks Err after each event.
type Codec struct {
	w       *bufio.Writer
	n       uint64
	err     error
	scratch [8]byte
}

// NewCodec wraps w in a buffered codec.
func NewCodec(w io.Writer) *Codec {
	return &Codec{w: bufio.NewWriterSize(w, 64*1024)}
}

// Offset returns the number of bytes written so far. It counts the
// uncompressed stream, whatever the sink does with it.
func (c *Codec) Offset() uint64 { return c.n }

// Err returns the first write error, if any.
func (c *Codec) Err() error { return c.err }

func (c *Codec) write(p []byte) {
	c.n += uint64(len(p))
	if c.err != nil {
		return
	}
	if _, err := c.w.Write(p); err != nil {
		c.err = err
	}
}

// PutByte writes a single byte.
func (c *Codec) PutByte(b byte) {
	c.scratch[0] = b
	c.write(c.scratch[:1])
}

// PutShort writes two bytes in host byte order.
func (c *Codec) PutShort(v uint16) {
	binary.NativeEndian.PutUint16(c.scratch[:2], v)
	c.write(c.scratch[:2])
}

// PutAddress writes a pointer-width address in host byte order.
func (c *Codec) PutAddress(a uintptr) {
	if AddressSize == 4 {
		binary.NativeEndian.PutUint32(c.scratch[:4], uint32(a))
	} else {
		binary.NativeEndian.PutUint64(c.scratch[:8], uint64(a))
	}
	c.write(c.scratch[:AddressSize])
}

// PutString writes a string prefixed by its length as a short. Strings
// longer than 65535 bytes are truncated.
func (c *Codec) PutString(s string) {
	if len(s) > 0xFFFF {
		s = s[:0xFFFF]
	}
	c.PutShort(uint16(len(s)))
	c.write([]byte(s))
}

// PutRaw writes p verbatim.
func (c *Codec) PutRaw(p []byte) {
	c.write(p)
}

// Flush pushes buffered bytes to the sink.
func (c *Codec) Flush() error {
	if c.err != nil {
		return c.err
	}
	if err := c.w.Flush(); err != nil {
		c.err = err
	}
	return c.err
}
