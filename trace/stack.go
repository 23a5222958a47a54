package trace

import "fmt"

// ---------------------------------------------------------------------------
// Shadow stack
// ---------------------------------------------------------------------------

// FrameKind tags a shadow stack frame.
type FrameKind uint8

const (
	// FramePrologueCallPair marks that a prologue/call pair is in progress.
	// Its identity is patched in when the prologue closes.
	FramePrologueCallPair FrameKind = iota
	FrameSpecialCall
	FrameBuiltinCall
	FrameClosureCall
	FrameHostContext
	FramePromise
	FramePrologue
)

var frameKindNames = [...]string{"PAIR", "SPEC", "BUIL", "CLOS", "CNTXT", "PROM", "PROL"}

func (k FrameKind) String() string {
	if int(k) < len(frameKindNames) {
		return frameKindNames[k]
	}
	return "UNKN"
}

// IsCall reports whether the kind is one of the three call kinds.
func (k FrameKind) IsCall() bool {
	return k == FrameSpecialCall || k == FrameBuiltinCall || k == FrameClosureCall
}

// Frame is one open call, promise, prologue or host context.
type Frame struct {
	Kind FrameKind
	ID   uintptr
	// Context is set on host context frames only.
	Context ContextRef

	// opened is the engine's event count when the frame was pushed.
	opened uint64
	next   *Frame
}

// Next returns the frame below f, or nil for the root.
func (f *Frame) Next() *Frame { return f.next }

// ShadowStack mirrors the host's nested activations as a singly linked
// list. The root is a host context frame that is never popped. It is not
// safe for concurrent use; each evaluation thread needs its own.
type ShadowStack struct {
	top    *Frame
	bottom *Frame

	// height is maintained incrementally and cross-checked by Height.
	height    int
	maxHeight int
}

// NewShadowStack creates a stack holding only the root context frame.
func NewShadowStack(root ContextRef) *ShadowStack {
	f := &Frame{Kind: FrameHostContext, Context: root}
	return &ShadowStack{top: f, bottom: f}
}

// Top returns the top frame. It is the root when the stack is empty.
func (s *ShadowStack) Top() *Frame { return s.top }

// Root returns the root context frame.
func (s *ShadowStack) Root() *Frame { return s.bottom }

// AtRoot reports whether only the root frame remains.
func (s *ShadowStack) AtRoot() bool { return s.top == s.bottom }

// PeekKind returns the kind of the top frame.
func (s *ShadowStack) PeekKind() FrameKind { return s.top.Kind }

// PeekID returns the identity of the top frame.
func (s *ShadowStack) PeekID() uintptr { return s.top.ID }

// MaxHeight returns the high water mark of the stack height.
func (s *ShadowStack) MaxHeight() int { return s.maxHeight }

func (s *ShadowStack) link(f *Frame) *Frame {
	f.next = s.top
	s.top = f
	s.height++
	if s.height > s.maxHeight {
		s.maxHeight = s.height
	}
	return f
}

// Push opens a frame of the given kind and identity.
func (s *ShadowStack) Push(kind FrameKind, id uintptr) *Frame {
	return s.link(&Frame{Kind: kind, ID: id})
}

// PushContext opens a host context frame.
func (s *ShadowStack) PushContext(ref ContextRef) *Frame {
	return s.link(&Frame{Kind: FrameHostContext, Context: ref})
}

// drop unlinks the top frame without checks. Callers guarantee it is not
// the root.
func (s *ShadowStack) drop() *Frame {
	f := s.top
	s.top = f.next
	f.next = nil
	s.height--
	return f
}

// PopExpect closes the top frame, which must have the given kind. For
// prologues the identity is not checked; it is written into the
// prologue/call pair below instead. For everything else the identity must
// match, with one allowance: a call whose identity does not match is
// accepted when the frame below is a pair marker carrying the expected
// identity, and both are popped. It returns the popped frame's identity.
func (s *ShadowStack) PopExpect(kind FrameKind, id uintptr) (uintptr, error) {
	top := s.top
	if top == s.bottom {
		return 0, s.violationf(ViolationPopBelowRoot,
			"Attempted to pop below the context stack bottom.")
	}
	if top.Kind != kind {
		return 0, s.violationf(ViolationStackMismatch,
			"Stack pop type mismatch %s (top) != %s (pop)", top.Kind, kind)
	}

	if kind == FramePrologue {
		pair := top.next
		if pair == nil || pair == s.bottom || pair.Kind != FramePrologueCallPair {
			return 0, s.violationf(ViolationMissingPair,
				"Context stack missing a PC_PAIR element")
		}
		s.drop()
		pair.ID = id
		return top.ID, nil
	}

	if top.ID == id {
		s.drop()
		if kind.IsCall() && s.top != s.bottom &&
			s.top.Kind == FramePrologueCallPair && s.top.ID == id {
			s.drop()
		}
		return top.ID, nil
	}

	if below := top.next; kind.IsCall() && below != s.bottom &&
		below.Kind == FramePrologueCallPair && below.ID == id {
		s.drop()
		s.drop()
		return top.ID, nil
	}

	return 0, s.violationf(ViolationStackMismatch,
		"Context stack is out of alignment, type is: %s but ID's don't match %#x != %#x",
		kind, top.ID, id)
}

// popAny removes the top frame whatever it is. It is used for the context
// frame itself at the end of a context drop.
func (s *ShadowStack) popAny() (*Frame, error) {
	if s.top == s.bottom {
		return nil, s.violationf(ViolationPopBelowRoot,
			"Attempted to pop below the context stack bottom.")
	}
	return s.drop(), nil
}

// Height walks the stack and checks the result against the incrementally
// maintained counter. The root is not counted.
func (s *ShadowStack) Height() (int, error) {
	n := 0
	for f := s.top; f != s.bottom; f = f.next {
		n++
	}
	if n != s.height {
		return n, s.violationf(ViolationHeightDrift,
			"Stack height counter is off by %d", s.height-n)
	}
	return n, nil
}

// Dump returns the frame kinds from top to bottom, root excluded.
func (s *ShadowStack) Dump() []string {
	var kinds []string
	for f := s.top; f != nil && f != s.bottom; f = f.next {
		kinds = append(kinds, f.Kind.String())
	}
	return kinds
}

// String renders the stack top to bottom with identities, for logs.
func (s *ShadowStack) String() string {
	out := ""
	for f := s.top; f != nil; f = f.next {
		if out != "" {
			out += " "
		}
		if f.Kind == FrameHostContext {
			out += fmt.Sprintf("[%s ctx=%#x]", f.Kind, uintptr(f.Context))
		} else {
			out += fmt.Sprintf("[%s %#x]", f.Kind, f.ID)
		}
	}
	return out
}
