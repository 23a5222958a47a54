// Package trace records the control flow of an instrumented interpreter as
// a compact binary event stream.
//
// The host calls Engine hooks at every call, prologue, promise and context
// transition. The engine mirrors the host's activations on a ShadowStack,
// writes one typed Record per transition through a Codec, and reconciles
// the stack when the host unwinds non-locally: DropContext closes every
// frame the jump skipped with the records those frames would have written.
//
// A violated stack invariant is fatal. The engine reports it, flushes what
// it can and exits with a status naming the violation.
//
// At the end of a session the engine writes a text summary and, when
// enabled, a CBOR snapshot of its counters.
package trace
