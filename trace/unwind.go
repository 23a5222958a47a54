package trace

// ---------------------------------------------------------------------------
// Synthesized unwinding
// ---------------------------------------------------------------------------
//
// A non-local jump in the host discards activations without running their
// exits. The engine only learns about it when the host leaves a context, so
// it closes every stale frame itself, writing the record each frame would
// have produced had it exited normally.

// closeTop pops the top frame, which must not be a host context, and writes
// its closing records.
func (e *Engine) closeTop() error {
	kind, id := e.stack.PeekKind(), e.stack.PeekID()
	if _, err := e.stack.PopExpect(kind, id); err != nil {
		return err
	}

	switch kind {
	case FramePromise:
		e.emit(PromiseEnd{})
		e.counters.PromisesAbandoned++
	case FramePrologue:
		e.emit(PrologueEnd{})
		// The pair below now carries the prologue's identity; the empty
		// closure consumes it.
		return e.emptyClosure(FrameClosureCall, id, PseudoContextDrop)
	case FramePrologueCallPair:
		return e.emptyClosure(FrameClosureCall, id, PseudoContextDrop)
	case FrameSpecialCall, FrameBuiltinCall, FrameClosureCall:
		e.emit(FuncEnd{})
	}
	return nil
}

// dropContext closes every frame above the innermost host context, then pops
// that context unless it is the root.
func (e *Engine) dropContext() error {
	for e.stack.PeekKind() != FrameHostContext {
		if err := e.closeTop(); err != nil {
			return err
		}
	}
	if e.stack.AtRoot() {
		return nil
	}
	_, err := e.stack.popAny()
	return err
}

// unwindToRoot drops contexts until only the root is left and records how
// many frames had to be flushed.
func (e *Engine) unwindToRoot() error {
	n, err := e.stack.Height()
	if err != nil {
		return err
	}
	e.counters.StackFlushed = n
	for !e.stack.AtRoot() {
		if err := e.dropContext(); err != nil {
			return err
		}
	}
	return nil
}

// gotoTopLevel closes frames until the top frame is the context top.
func (e *Engine) gotoTopLevel(top ContextRef) error {
	for {
		f := e.stack.Top()
		if f.Kind == FrameHostContext && f.Context == top {
			return nil
		}
		if e.stack.AtRoot() {
			return e.stack.violationf(ViolationUnknownTopLevel,
				"Failed attempt to return to top level context.")
		}
		var err error
		if f.Kind == FrameHostContext {
			_, err = e.stack.popAny()
		} else {
			err = e.closeTop()
		}
		if err != nil {
			return err
		}
	}
}
