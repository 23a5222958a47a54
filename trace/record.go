package trace

// ---------------------------------------------------------------------------
// Typed trace records
// ---------------------------------------------------------------------------
//
// Each record type knows its own wire shape. The engine builds records and
// hands them to the codec; nothing else writes to the trace.

// Record is a single trace record.
type Record interface {
	Opcode() Opcode
	encode(c *Codec)
}

// PrologueStart opens a prologue.
type PrologueStart struct{}

// PrologueEnd closes a prologue.
type PrologueEnd struct{}

// PromiseEnd closes a promise record.
type PromiseEnd struct{}

// ErrorSeen marks an error raised by the host.
type ErrorSeen struct{}

func (PrologueStart) Opcode() Opcode { return OpPrologueStart }
func (PrologueEnd) Opcode() Opcode   { return OpPrologueEnd }
func (PromiseEnd) Opcode() Opcode    { return OpPromiseEnd }
func (ErrorSeen) Opcode() Opcode     { return OpErrorSeen }

func (r PrologueStart) encode(c *Codec) { c.PutByte(byte(r.Opcode())) }
func (r PrologueEnd) encode(c *Codec)   { c.PutByte(byte(r.Opcode())) }
func (r PromiseEnd) encode(c *Codec)    { c.PutByte(byte(r.Opcode())) }
func (r ErrorSeen) encode(c *Codec)     { c.PutByte(byte(r.Opcode())) }

// ValueType is the compact classification of a value. Build one with
// classify; the zero value is a UNIT record.
type ValueType struct {
	Op      Opcode
	Addr    uintptr // promises only
	Length  byte    // length-bearing types only
	TrueLen byte    // length-bearing types only

	kind valueTypeKind
}

type valueTypeKind uint8

const (
	vtUnit valueTypeKind = iota
	vtPromise
	vtSized
	vtPlain
)

func (r ValueType) Opcode() Opcode {
	if r.kind == vtUnit {
		return OpUnit
	}
	return r.Op
}

func (r ValueType) encode(c *Codec) {
	c.PutByte(byte(r.Opcode()))
	switch r.kind {
	case vtPromise:
		c.PutAddress(r.Addr)
	case vtSized:
		c.PutByte(r.Length)
		c.PutByte(r.TrueLen)
	}
}

// classify builds the value-type record for v. For promises it consumes the
// fresh mark, so the new-promise flag appears only on first emission.
func classify(v Value) ValueType {
	switch v := v.(type) {
	case nil:
		return ValueType{}
	case PromiseValue:
		if nilPromise(v.Promise) {
			return ValueType{}
		}
		op := OpUnbound
		if _, forced := v.Promise.Value(); forced {
			op = OpBound
		}
		if v.Promise.TakeFresh() {
			op |= FlagNewPromise
		}
		return ValueType{Op: op, Addr: v.Promise.Addr(), kind: vtPromise}
	case Vector:
		if !v.Type.HasLength() {
			return ValueType{Op: Opcode(v.Type), kind: vtPlain}
		}
		return ValueType{
			Op:      Opcode(v.Type),
			Length:  clampByte(v.Length),
			TrueLen: clampByte(v.TrueLength),
			kind:    vtSized,
		}
	case Scalar:
		return ValueType{Op: Opcode(v.Type), kind: vtPlain}
	}
	return ValueType{}
}

// FuncEnd closes a call and records the shape of its return value.
type FuncEnd struct {
	Return ValueType
}

func (FuncEnd) Opcode() Opcode { return OpFuncEnd }

func (r FuncEnd) encode(c *Codec) {
	c.PutByte(byte(OpFuncEnd))
	r.Return.encode(c)
}

// BoundPromise records a promise that already had its value when seen.
type BoundPromise struct {
	Addr  uintptr
	Value ValueType
}

func (BoundPromise) Opcode() Opcode { return OpBoundPromiseStart }

func (r BoundPromise) encode(c *Codec) {
	c.PutByte(byte(OpBoundPromiseStart))
	c.PutAddress(r.Addr)
	r.Value.encode(c)
	c.PutByte(byte(OpPromiseEnd))
}

// UnboundPromiseStart opens the forcing of a deferred promise.
type UnboundPromiseStart struct {
	Addr uintptr
}

func (UnboundPromiseStart) Opcode() Opcode { return OpUnboundPromiseStart }

func (r UnboundPromiseStart) encode(c *Codec) {
	c.PutByte(byte(OpUnboundPromiseStart))
	c.PutAddress(r.Addr)
}

// ClosureEntry opens a closure call.
type ClosureEntry struct {
	NoPrologue bool
	Addr       uintptr
	Positional byte
	Keyword    byte
	Dots       byte
}

func (r ClosureEntry) Opcode() Opcode {
	if r.NoPrologue {
		return OpClosureID | FlagNoPrologue
	}
	return OpClosureID
}

func (r ClosureEntry) encode(c *Codec) {
	c.PutByte(byte(r.Opcode()))
	c.PutAddress(r.Addr)
	c.PutByte(r.Positional)
	c.PutByte(r.Keyword)
	c.PutByte(r.Dots)
}

// PrimitiveEntry opens a special or builtin call.
type PrimitiveEntry struct {
	Special    bool
	NoPrologue bool
	Offset     uint16
	Args       byte
	Dots       byte
}

func (r PrimitiveEntry) Opcode() Opcode {
	op := OpBuiltinID
	if r.Special {
		op = OpSpecialID
	}
	if r.NoPrologue {
		op |= FlagNoPrologue
	}
	return op
}

func (r PrimitiveEntry) encode(c *Codec) {
	c.PutByte(byte(r.Opcode()))
	c.PutShort(r.Offset)
	c.PutByte(r.Args)
	c.PutByte(r.Dots)
}
