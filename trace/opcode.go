package trace

// ---------------------------------------------------------------------------
// Centralized trace opcode table
// ---------------------------------------------------------------------------
//
// Every record in the binary trace starts with one opcode byte. Value-type
// records reuse the host's type numbering directly (0..25), so control
// opcodes live above that range and the two flag bits are chosen so that
// flagged opcodes never collide with an unflagged one.
//
// IMPORTANT: Once assigned, opcode values must NEVER change. Trace readers
// depend on them.

// Opcode is the first byte of every trace record.
type Opcode byte

// Control opcodes.
const (
	OpPrologueStart       Opcode = 0x40
	OpPrologueEnd         Opcode = 0x41
	OpFuncEnd             Opcode = 0x42
	OpBoundPromiseStart   Opcode = 0x43
	OpUnboundPromiseStart Opcode = 0x44
	OpPromiseEnd          Opcode = 0x45
	OpClosureID           Opcode = 0x46
	OpSpecialID           Opcode = 0x47
	OpBuiltinID           Opcode = 0x48
	OpBound               Opcode = 0x49 // value-type: promise with a value
	OpUnbound             Opcode = 0x4A // value-type: promise still deferred
	OpErrorSeen           Opcode = 0x4B
	OpUnit                Opcode = 0x4C // value-type: no value
)

// Flag bits OR'd into opcodes.
const (
	// FlagNoPrologue marks a call entered without a preceding prologue.
	FlagNoPrologue Opcode = 0x10
	// FlagNewPromise marks the first emission of a promise object.
	FlagNewPromise Opcode = 0x80
)

// Type is a host value type code. The numbering follows the host
// interpreter's own type tags and is written verbatim as a value-type opcode.
type Type byte

const (
	TypeNil        Type = 0
	TypeSymbol     Type = 1
	TypePairList   Type = 2
	TypeClosure    Type = 3
	TypeEnv        Type = 4
	TypePromise    Type = 5
	TypeLanguage   Type = 6
	TypeSpecial    Type = 7
	TypeBuiltin    Type = 8
	TypeChar       Type = 9
	TypeLogical    Type = 10
	TypeInt        Type = 13
	TypeReal       Type = 14
	TypeComplex    Type = 15
	TypeString     Type = 16
	TypeDots       Type = 17
	TypeAny        Type = 18
	TypeList       Type = 19
	TypeExpression Type = 20
	TypeBytecode   Type = 21
	TypeExtPtr     Type = 22
	TypeWeakRef    Type = 23
	TypeRaw        Type = 24
	TypeS4         Type = 25
)

// HasLength reports whether values of this type carry length and true
// length bytes in a value-type record.
func (t Type) HasLength() bool {
	switch t {
	case TypeInt, TypeReal, TypeList, TypeExpression, TypeString, TypeComplex:
		return true
	}
	return false
}

// Reserved identities and pseudo addresses.
const (
	// UnboundPromiseTag is the identity of a Promise frame for the unbound
	// promise currently being forced.
	UnboundPromiseTag uintptr = 9999

	// PseudoContextDrop is written as the closure address of the synthetic
	// empty closure emitted when a context drop closes an open prologue.
	PseudoContextDrop uintptr = 1

	// PseudoDispatchHelper is the alternate address used by the method
	// dispatch helper; closures entered through it report zero arities.
	PseudoDispatchHelper uintptr = 2
)

// VersionStampSize is the length of the fixed header at the start of every
// trace file.
const VersionStampSize = 12

// DefaultVersionStamp is written when no version is configured.
const DefaultVersionStamp = "000000000000"

// maxByte is the clamp applied to every one-byte count field. Readers treat
// 255 as "255 or more".
const maxByte = 0xFF

func clampByte(n int) byte {
	if n < 0 {
		return 0
	}
	if n > maxByte {
		return maxByte
	}
	return byte(n)
}
