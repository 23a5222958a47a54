package trace

// ---------------------------------------------------------------------------
// Host hooks
// ---------------------------------------------------------------------------
//
// The host calls one hook per transition, at the exact point where the
// transition happens. Every hook is a no-op on a nil, disabled, finished or
// failed engine.

// EnterPrimitive records entry into a special or builtin. Arities above 255
// are written as 255.
func (e *Engine) EnterPrimitive(fn *Function, noPrologue bool, args, dots int) {
	if !e.live() {
		return
	}
	kind := FrameBuiltinCall
	if fn != nil && fn.Kind == FrameSpecialCall {
		kind = FrameSpecialCall
	}
	var offset uint16
	if fn != nil {
		offset = fn.Offset
	}
	e.stack.Push(kind, fn.id())
	e.counters.countCall(kind)
	e.emit(PrimitiveEntry{
		Special:    kind == FrameSpecialCall,
		NoPrologue: noPrologue,
		Offset:     offset,
		Args:       clampByte(args),
		Dots:       clampByte(dots),
	})
	e.do(nil)
}

// PrologueStart opens a prologue. The call it belongs to is not known yet.
func (e *Engine) PrologueStart() {
	if !e.live() {
		return
	}
	e.stack.Push(FramePrologueCallPair, 0)
	e.stack.Push(FramePrologue, 0)
	e.emit(PrologueStart{})
	e.do(nil)
}

// PrologueEnd closes the open prologue and names the closure it prepared.
func (e *Engine) PrologueEnd(closure uintptr) {
	if !e.live() {
		return
	}
	if _, err := e.stack.PopExpect(FramePrologue, closure); err != nil {
		e.fatal(err)
		return
	}
	e.emit(PrologueEnd{})
	e.do(nil)
}

// EnterClosure records entry into a closure. When fn is absent the
// alternate address is written instead. Closures entered through the
// dispatch helper report zero arities.
func (e *Engine) EnterClosure(fn *Function, noPrologue bool, alt uintptr, args ArgCounts) {
	if !e.live() {
		return
	}
	rec := ClosureEntry{NoPrologue: noPrologue, Addr: alt}
	if fn != nil {
		rec.Addr = fn.Addr
	}
	if alt != PseudoDispatchHelper {
		rec.Positional = clampByte(args.Positional)
		rec.Keyword = clampByte(args.Keyword)
		rec.Dots = clampByte(args.Dots)
		e.counters.Arity.observe(args)
	}
	kind := fn.frameKind()
	e.stack.Push(kind, fn.id())
	e.counters.countCall(kind)
	e.emit(rec)
	e.do(nil)
}

// EnterEmptyClosure records a closure that is entered and left at once,
// written under a pseudo address.
func (e *Engine) EnterEmptyClosure(fn *Function, pseudo uintptr) {
	if !e.live() {
		return
	}
	e.do(e.emptyClosure(fn.frameKind(), fn.id(), pseudo))
}

func (e *Engine) emptyClosure(kind FrameKind, id, pseudo uintptr) error {
	e.stack.Push(kind, id)
	e.emit(ClosureEntry{Addr: pseudo})
	if _, err := e.stack.PopExpect(kind, id); err != nil {
		return err
	}
	e.emit(FuncEnd{})
	return nil
}

// ExitFunction records the return from a call opened by EnterPrimitive or
// EnterClosure, with the shape of the returned value. ret may be nil.
func (e *Engine) ExitFunction(fn *Function, ret Value) {
	if !e.live() {
		return
	}
	if _, err := e.stack.PopExpect(fn.frameKind(), fn.id()); err != nil {
		e.fatal(err)
		return
	}
	e.emit(FuncEnd{Return: classify(ret)})
	e.do(nil)
}

// Call wraps a host evaluation between EnterClosure (or EnterPrimitive) and
// ExitFunction. The exit is recorded on every path out of body, including
// panics, which continue after the exit is written.
func (e *Engine) Call(fn *Function, args ArgCounts, body func() Value) (ret Value) {
	if fn.frameKind() != FrameClosureCall {
		e.EnterPrimitive(fn, false, args.Positional, args.Dots)
	} else {
		e.EnterClosure(fn, false, 0, args)
	}
	defer func() {
		e.ExitFunction(fn, ret)
	}()
	return body()
}

// BoundPromise records a promise whose value was already computed. It does
// not touch the stack.
func (e *Engine) BoundPromise(p Promise) {
	if !e.live() || nilPromise(p) {
		return
	}
	v, _ := p.Value()
	e.emit(BoundPromise{Addr: p.Addr(), Value: classify(v)})
	e.do(nil)
}

// EnterUnboundPromise records the start of forcing a deferred promise.
func (e *Engine) EnterUnboundPromise(p Promise) {
	if !e.live() || nilPromise(p) {
		return
	}
	e.emit(UnboundPromiseStart{Addr: p.Addr()})
	f := e.stack.Push(FramePromise, UnboundPromiseTag)
	f.opened = e.counters.Events
	e.do(nil)
}

// ResolveUnboundPromise records that the promise being forced has its value.
func (e *Engine) ResolveUnboundPromise() {
	if !e.live() {
		return
	}
	opened := e.stack.Top().opened
	if _, err := e.stack.PopExpect(FramePromise, UnboundPromiseTag); err != nil {
		e.fatal(err)
		return
	}
	e.emit(PromiseEnd{})
	e.counters.PromisesForced++
	e.counters.PromiseDeltas.Observe(e.counters.Events - opened)
	e.do(nil)
}

// EmitValueType writes a standalone value-type record.
func (e *Engine) EmitValueType(v Value) {
	if !e.live() {
		return
	}
	e.emit(classify(v))
	e.do(nil)
}

// EmitError marks that the host raised an error.
func (e *Engine) EmitError() {
	if !e.live() {
		return
	}
	e.emit(ErrorSeen{})
	e.do(nil)
}

// PushContext records that the host opened one of its own context records.
// Nothing is written to the trace.
func (e *Engine) PushContext(ref ContextRef) {
	if !e.live() {
		return
	}
	e.stack.PushContext(ref)
	e.counters.Contexts++
}

// DropContext is the boundary re-sync: the host has left its innermost
// context, possibly by a non-local jump that skipped the exits of the
// frames inside it. Every frame above the context is closed with a
// synthesized record, then the context itself is popped.
func (e *Engine) DropContext() {
	if !e.live() {
		return
	}
	e.do(e.dropContext())
}

// ChangeTopLevel records that the host installed a new top-level context.
// It may only change while nothing is open.
func (e *Engine) ChangeTopLevel(top ContextRef) {
	if !e.live() {
		return
	}
	root := e.stack.Root()
	if root.Context == top {
		return
	}
	if !e.stack.AtRoot() {
		e.fatal(e.stack.violationf(ViolationUnknownTopLevel,
			"Can't change top level context. Stack height is greater than 0"))
		return
	}
	root.Context = top
}

// GotoTopLevel closes frames until the top frame is the given host
// context. Reaching the root first is fatal.
func (e *Engine) GotoTopLevel(top ContextRef) {
	if !e.live() {
		return
	}
	e.do(e.gotoTopLevel(top))
}

// UnwindToRoot closes everything that is open. The host calls it after an
// interpreter-level abort; Finish calls it at shutdown.
func (e *Engine) UnwindToRoot() {
	if !e.live() {
		return
	}
	e.do(e.unwindToRoot())
}

// DeclareFunction records where a function was defined, against the
// current trace offset. A nil ref means the host has no source information.
func (e *Engine) DeclareFunction(addr uintptr, ref *SrcRef, body uintptr) {
	if !e.counting() {
		return
	}
	e.counters.FuncDecls++
	if ref == nil {
		e.counters.NullSrcrefs++
	}
	if e.srcMap != nil {
		e.srcMap.record(e.Offset(), addr, ref, body)
	}
}

// ReportExternal records a call into native code when external call
// tracing is on.
func (e *Engine) ReportExternal(kind ExternalKind, name string, addr uintptr) {
	if !e.counting() || !e.opts.TraceExternalCalls {
		return
	}
	e.counters.ExternalCalls++
	if e.external != nil {
		e.external.record(kind, name, addr)
	}
}

// CountVectorAlloc records one vector allocation.
func (e *Engine) CountVectorAlloc(class VectorClass, elements, size, allocSize uint64) {
	if !e.counting() || class < 0 || class >= numVectorClasses {
		return
	}
	s := &e.counters.VectorAllocs[class]
	s.Allocs++
	s.Elements += elements
	s.Size += size
	s.AllocSize += allocSize
	e.counters.VectorSizes.Observe(elements)
}

// SaveJump tells the scope debug log that a jump target was set up.
func (e *Engine) SaveJump(key []byte) {
	if e == nil {
		return
	}
	e.opts.Scopes.SaveJump(key)
}

// LoadJump tells the scope debug log that a jump to key happened.
func (e *Engine) LoadJump(key []byte) {
	if e == nil {
		return
	}
	e.opts.Scopes.LoadJump(key)
}
