package trace

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"strings"
)

// Decoder reads a trace back into records. It is the inverse of the
// engine's encoding and is used by tools that inspect traces.
type Decoder struct {
	r   *bufio.Reader
	n   uint64
	buf [8]byte
}

// NewDecoder reads a trace from r.
func NewDecoder(r io.Reader) *Decoder {
	return &Decoder{r: bufio.NewReader(r)}
}

// Offset returns the number of bytes consumed so far.
func (d *Decoder) Offset() uint64 { return d.n }

func (d *Decoder) read(p []byte) error {
	n, err := io.ReadFull(d.r, p)
	d.n += uint64(n)
	return err
}

func (d *Decoder) readByte() (byte, error) {
	if err := d.read(d.buf[:1]); err != nil {
		return 0, err
	}
	return d.buf[0], nil
}

func (d *Decoder) short() (uint16, error) {
	if err := d.read(d.buf[:2]); err != nil {
		return 0, err
	}
	return binary.NativeEndian.Uint16(d.buf[:2]), nil
}

func (d *Decoder) address() (uintptr, error) {
	if err := d.read(d.buf[:AddressSize]); err != nil {
		return 0, err
	}
	if AddressSize == 4 {
		return uintptr(binary.NativeEndian.Uint32(d.buf[:4])), nil
	}
	return uintptr(binary.NativeEndian.Uint64(d.buf[:8])), nil
}

// ReadHeader reads the version stamp. It must be called before Next.
func (d *Decoder) ReadHeader() (string, error) {
	stamp := make([]byte, VersionStampSize)
	if err := d.read(stamp); err != nil {
		return "", fmt.Errorf("trace header: %w", err)
	}
	return string(stamp), nil
}

// Next returns the next record, or io.EOF at the clean end of the trace.
// A record cut short returns io.ErrUnexpectedEOF.
func (d *Decoder) Next() (Record, error) {
	b, err := d.readByte()
	if err != nil {
		return nil, err
	}
	r, err := d.record(Opcode(b))
	if errors.Is(err, io.EOF) {
		err = io.ErrUnexpectedEOF
	}
	return r, err
}

func (d *Decoder) record(op Opcode) (Record, error) {
	switch op {
	case OpPrologueStart:
		return PrologueStart{}, nil
	case OpPrologueEnd:
		return PrologueEnd{}, nil
	case OpPromiseEnd:
		return PromiseEnd{}, nil
	case OpErrorSeen:
		return ErrorSeen{}, nil
	case OpFuncEnd:
		v, err := d.valueType()
		return FuncEnd{Return: v}, err
	case OpBoundPromiseStart:
		addr, err := d.address()
		if err != nil {
			return nil, err
		}
		v, err := d.valueType()
		if err != nil {
			return nil, err
		}
		end, err := d.readByte()
		if err != nil {
			return nil, err
		}
		if Opcode(end) != OpPromiseEnd {
			return nil, fmt.Errorf("offset %d: bound promise closed by %#x", d.n-1, end)
		}
		return BoundPromise{Addr: addr, Value: v}, nil
	case OpUnboundPromiseStart:
		addr, err := d.address()
		return UnboundPromiseStart{Addr: addr}, err
	case OpClosureID, OpClosureID | FlagNoPrologue:
		var r ClosureEntry
		var err error
		r.NoPrologue = op&FlagNoPrologue != 0
		if r.Addr, err = d.address(); err != nil {
			return nil, err
		}
		if err = d.read(d.buf[:3]); err != nil {
			return nil, err
		}
		r.Positional, r.Keyword, r.Dots = d.buf[0], d.buf[1], d.buf[2]
		return r, nil
	case OpSpecialID, OpSpecialID | FlagNoPrologue, OpBuiltinID, OpBuiltinID | FlagNoPrologue:
		r := PrimitiveEntry{
			Special:    op&^FlagNoPrologue == OpSpecialID,
			NoPrologue: op&FlagNoPrologue != 0,
		}
		var err error
		if r.Offset, err = d.short(); err != nil {
			return nil, err
		}
		if err = d.read(d.buf[:2]); err != nil {
			return nil, err
		}
		r.Args, r.Dots = d.buf[0], d.buf[1]
		return r, nil
	}
	return d.valueTypeOf(op)
}

func (d *Decoder) valueType() (ValueType, error) {
	b, err := d.readByte()
	if err != nil {
		return ValueType{}, err
	}
	return d.valueTypeOf(Opcode(b))
}

func (d *Decoder) valueTypeOf(op Opcode) (ValueType, error) {
	switch {
	case op == OpUnit:
		return ValueType{}, nil
	case op&^FlagNewPromise == OpBound, op&^FlagNewPromise == OpUnbound:
		addr, err := d.address()
		return ValueType{Op: op, Addr: addr, kind: vtPromise}, err
	case op <= Opcode(TypeS4) && Type(op).HasLength():
		if err := d.read(d.buf[:2]); err != nil {
			return ValueType{}, err
		}
		return ValueType{Op: op, Length: d.buf[0], TrueLen: d.buf[1], kind: vtSized}, nil
	case op <= Opcode(TypeS4):
		return ValueType{Op: op, kind: vtPlain}, nil
	}
	return ValueType{}, fmt.Errorf("offset %d: unknown opcode %#x", d.n-1, byte(op))
}

// ---------------------------------------------------------------------------
// Text rendering
// ---------------------------------------------------------------------------

var opcodeNames = map[Opcode]string{
	OpPrologueStart:       "PROL_START",
	OpPrologueEnd:         "PROL_END",
	OpFuncEnd:             "FUNC_END",
	OpBoundPromiseStart:   "BND_PROM_START",
	OpUnboundPromiseStart: "UBND_PROM_START",
	OpPromiseEnd:          "PROM_END",
	OpClosureID:           "CLOS_ID",
	OpSpecialID:           "SPEC_ID",
	OpBuiltinID:           "BUILTIN_ID",
	OpBound:               "BND",
	OpUnbound:             "UBND",
	OpErrorSeen:           "ERROR_SEEN",
	OpUnit:                "UNIT",
}

func (op Opcode) String() string {
	var flags []string
	base := op
	if base&FlagNewPromise != 0 && (base&^FlagNewPromise == OpBound || base&^FlagNewPromise == OpUnbound) {
		base &^= FlagNewPromise
		flags = append(flags, "NEW")
	}
	if b := base &^ FlagNoPrologue; b >= OpClosureID && b <= OpBuiltinID && base&FlagNoPrologue != 0 {
		base = b
		flags = append(flags, "NO_PROLOGUE")
	}
	name, ok := opcodeNames[base]
	if !ok {
		name = fmt.Sprintf("TYPE_%d", byte(base))
	}
	if len(flags) > 0 {
		name += "|" + strings.Join(flags, "|")
	}
	return name
}

// Describe renders a record on one line.
func Describe(r Record) string {
	switch r := r.(type) {
	case ValueType:
		switch r.kind {
		case vtPromise:
			return fmt.Sprintf("%s %#x", r.Opcode(), r.Addr)
		case vtSized:
			return fmt.Sprintf("%s len=%d truelen=%d", r.Opcode(), r.Length, r.TrueLen)
		}
		return r.Opcode().String()
	case FuncEnd:
		return "FUNC_END " + Describe(r.Return)
	case BoundPromise:
		return fmt.Sprintf("BND_PROM_START %#x %s PROM_END", r.Addr, Describe(r.Value))
	case UnboundPromiseStart:
		return fmt.Sprintf("UBND_PROM_START %#x", r.Addr)
	case ClosureEntry:
		return fmt.Sprintf("%s %#x %d %d %d", r.Opcode(), r.Addr, r.Positional, r.Keyword, r.Dots)
	case PrimitiveEntry:
		return fmt.Sprintf("%s %d %d %d", r.Opcode(), r.Offset, r.Args, r.Dots)
	case nil:
		return "<nil>"
	}
	return r.Opcode().String()
}
