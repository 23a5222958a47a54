package trace

import "reflect"

// ---------------------------------------------------------------------------
// Host value classification
// ---------------------------------------------------------------------------

// Value is the shape of a host value as far as the trace cares. It is a
// closed union: PromiseValue, Vector and Scalar. A nil Value means "no
// value" and is written as a UNIT record.
type Value interface {
	isValue()
}

// Promise is a host promise object. Implementations belong to the host; the
// engine only reads them, except for the fresh mark, which it clears. A nil
// Promise, including a nil pointer of an implementing type, is treated as no
// promise and never called.
type Promise interface {
	// Addr is the address used as the promise's identity in the trace.
	Addr() uintptr
	// Value returns the promise's computed value, or false while it is
	// still deferred.
	Value() (Value, bool)
	// TakeFresh reports whether the promise has never been emitted and
	// clears that mark, so it returns true at most once per promise.
	TakeFresh() bool
}

// nilPromise reports whether p is nil or holds a nil pointer.
func nilPromise(p Promise) bool {
	if p == nil {
		return true
	}
	v := reflect.ValueOf(p)
	return v.Kind() == reflect.Pointer && v.IsNil()
}

// PromiseValue classifies a value that is itself a promise.
type PromiseValue struct {
	Promise Promise
}

// Vector classifies a length-bearing value. Types without a length are
// written as a plain type opcode.
type Vector struct {
	Type       Type
	Length     int
	TrueLength int
}

// Scalar classifies any other value by its type alone.
type Scalar struct {
	Type Type
}

func (PromiseValue) isValue() {}
func (Vector) isValue()       {}
func (Scalar) isValue()       {}

// Function identifies a host function object at a call site.
type Function struct {
	Addr uintptr
	// Kind is FrameSpecialCall, FrameBuiltinCall or FrameClosureCall.
	Kind FrameKind
	// Offset is the primitive table index, meaningful for specials and
	// builtins only.
	Offset uint16
}

func (f *Function) id() uintptr {
	if f == nil {
		return 0
	}
	return f.Addr
}

// frameKind mirrors how the host maps a function object to a frame kind.
// Absent functions are treated as closures.
func (f *Function) frameKind() FrameKind {
	if f == nil {
		return FrameClosureCall
	}
	switch f.Kind {
	case FrameSpecialCall, FrameBuiltinCall:
		return f.Kind
	}
	return FrameClosureCall
}

// ArgCounts holds the three classes of arguments matched at a closure call.
type ArgCounts struct {
	Positional int
	Keyword    int
	Dots       int
}

// ContextRef is a borrowed reference to one of the host's own control-flow
// context records. The engine compares refs but never dereferences them.
type ContextRef uintptr
