package trace

import (
	"bytes"
	"errors"
	"io"
	"reflect"
	"strings"
	"testing"

	"github.com/chazu/shadowtrace/scopedebug"
)

const rootCtx ContextRef = 0x100

type fakePromise struct {
	addr   uintptr
	value  Value
	forced bool
	fresh  bool
}

func newFakePromise(addr uintptr) *fakePromise {
	return &fakePromise{addr: addr, fresh: true}
}

func (p *fakePromise) Addr() uintptr        { return p.addr }
func (p *fakePromise) Value() (Value, bool) { return p.value, p.forced }

func (p *fakePromise) TakeFresh() bool {
	fresh := p.fresh
	p.fresh = false
	return fresh
}

type exitCode int

type testEngine struct {
	*Engine
	trace, srcMapOut, externalOut, summary, snapshot, stderr bytes.Buffer
}

// newTestEngine starts an engine writing to in-memory buffers. Exits panic
// with an exitCode.
func newTestEngine(t *testing.T, opts Options) *testEngine {
	t.Helper()
	te := &testEngine{}
	if opts.Mode == ModeDisabled {
		opts.Mode = ModeAll
	}
	opts.Stderr = &te.stderr
	opts.Exit = func(code int) { panic(exitCode(code)) }
	te.Engine = New(opts, Outputs{
		Trace:         &te.trace,
		SourceMap:     &te.srcMapOut,
		ExternalCalls: &te.externalOut,
		Summary:       &te.summary,
		Snapshot:      &te.snapshot,
	})
	te.Start(rootCtx)
	return te
}

func (te *testEngine) records(t *testing.T) []Record {
	t.Helper()
	if te.codec != nil && !te.closed {
		te.codec.Flush()
	}
	d := NewDecoder(bytes.NewReader(te.trace.Bytes()))
	if _, err := d.ReadHeader(); err != nil {
		t.Fatalf("ReadHeader: %v", err)
	}
	var recs []Record
	for {
		r, err := d.Next()
		if err == io.EOF {
			return recs
		}
		if err != nil {
			t.Fatalf("decoding record %d: %v", len(recs), err)
		}
		recs = append(recs, r)
	}
}

func (te *testEngine) finish(t *testing.T) []Record {
	t.Helper()
	if err := te.Finish(); err != nil {
		t.Fatalf("Finish: %v", err)
	}
	return te.records(t)
}

func expectExit(t *testing.T, want int, f func()) {
	t.Helper()
	defer func() {
		r := recover()
		code, ok := r.(exitCode)
		if !ok {
			t.Fatalf("expected exit %d, got %v", want, r)
		}
		if int(code) != want {
			t.Errorf("exit code = %d, want %d", code, want)
		}
	}()
	f()
}

func assertRecords(t *testing.T, got, want []Record) {
	t.Helper()
	if !reflect.DeepEqual(got, want) {
		t.Errorf("records:\n%s\nwant:\n%s", describeAll(got), describeAll(want))
	}
}

func describeAll(recs []Record) string {
	var lines []string
	for _, r := range recs {
		lines = append(lines, "  "+Describe(r))
	}
	return strings.Join(lines, "\n")
}

func assertHeight(t *testing.T, te *testEngine, want int) {
	t.Helper()
	if h := te.Height(); h != want {
		t.Errorf("height = %d, want %d (stack %s)", h, want, te.Stack())
	}
}

// ---------------------------------------------------------------------------
// Header and raw encoding
// ---------------------------------------------------------------------------

func TestHeader(t *testing.T) {
	tests := []struct {
		version string
		want    string
	}{
		{"", "000000000000"},
		{"abc", "abc000000000"},
		{"0123456789abcdef", "0123456789ab"},
	}
	for _, tt := range tests {
		te := newTestEngine(t, Options{Version: tt.version})
		if recs := te.finish(t); len(recs) != 0 {
			t.Errorf("empty session wrote %d records", len(recs))
		}
		if got := te.trace.String(); got != tt.want {
			t.Errorf("header for %q = %q, want %q", tt.version, got, tt.want)
		}
	}
}

func TestClosureCallBytes(t *testing.T) {
	te := newTestEngine(t, Options{})
	fn := &Function{Addr: 0x1000}
	te.EnterClosure(fn, false, 0, ArgCounts{Positional: 2})
	te.ExitFunction(fn, Vector{Type: TypeReal, Length: 3, TrueLength: 3})
	te.finish(t)

	want := []byte(DefaultVersionStamp)
	want = append(want, byte(OpClosureID))
	want = append(want, addrBytes(0x1000)...)
	want = append(want, 2, 0, 0, byte(OpFuncEnd), byte(TypeReal), 3, 3)
	if !bytes.Equal(te.trace.Bytes(), want) {
		t.Errorf("trace = % x\nwant    % x", te.trace.Bytes(), want)
	}
	if te.Offset() != uint64(len(want)) {
		t.Errorf("Offset = %d, want %d", te.Offset(), len(want))
	}
	assertHeight(t, te, 0)
}

func TestUnboundPromiseBytes(t *testing.T) {
	te := newTestEngine(t, Options{})
	p := newFakePromise(0x2000)
	te.EnterUnboundPromise(p)
	assertHeight(t, te, 1)
	p.value, p.forced = Scalar{Type: TypeSymbol}, true
	te.ResolveUnboundPromise()
	assertHeight(t, te, 0)
	te.finish(t)

	want := []byte(DefaultVersionStamp)
	want = append(want, byte(OpUnboundPromiseStart))
	want = append(want, addrBytes(0x2000)...)
	want = append(want, byte(OpPromiseEnd))
	if !bytes.Equal(te.trace.Bytes(), want) {
		t.Errorf("trace = % x\nwant    % x", te.trace.Bytes(), want)
	}
	if c := te.Counters(); c.PromisesForced != 1 || c.PromiseDeltas.Count != 1 {
		t.Errorf("forced = %d, deltas = %d; want 1, 1", c.PromisesForced, c.PromiseDeltas.Count)
	}
}

// ---------------------------------------------------------------------------
// Hooks
// ---------------------------------------------------------------------------

func TestPrologueAndClosure(t *testing.T) {
	te := newTestEngine(t, Options{})
	fn := &Function{Addr: 0x10}
	te.PrologueStart()
	assertHeight(t, te, 2)
	te.PrologueEnd(0x10)
	if top := te.Stack().Top(); top.Kind != FramePrologueCallPair || top.ID != 0x10 {
		t.Fatalf("top after prologue = %s %#x", top.Kind, top.ID)
	}
	te.EnterClosure(fn, false, 0, ArgCounts{Positional: 1, Keyword: 1})
	te.ExitFunction(fn, nil)
	assertHeight(t, te, 0)

	assertRecords(t, te.finish(t), []Record{
		PrologueStart{},
		PrologueEnd{},
		ClosureEntry{Addr: 0x10, Positional: 1, Keyword: 1},
		FuncEnd{},
	})
	if c := te.Counters(); c.ClosureCalls != 1 || c.Events != 4 {
		t.Errorf("closure calls = %d, events = %d; want 1, 4", c.ClosureCalls, c.Events)
	}
}

func TestPrimitiveEntry(t *testing.T) {
	te := newTestEngine(t, Options{})
	builtin := &Function{Addr: 0x20, Kind: FrameBuiltinCall, Offset: 300}
	special := &Function{Addr: 0x30, Kind: FrameSpecialCall, Offset: 7}

	te.EnterPrimitive(special, false, 1, 0)
	te.EnterPrimitive(builtin, true, 2, 400)
	if top := te.Stack().Top(); top.Kind != FrameBuiltinCall || top.ID != 0x20 {
		t.Errorf("top = %s %#x, want BUIL 0x20", top.Kind, top.ID)
	}
	te.ExitFunction(builtin, Scalar{Type: TypeLogical})
	te.ExitFunction(special, nil)

	recs := te.finish(t)
	assertRecords(t, recs, []Record{
		PrimitiveEntry{Special: true, Offset: 7, Args: 1},
		PrimitiveEntry{NoPrologue: true, Offset: 300, Args: 2, Dots: 255},
		FuncEnd{Return: classify(Scalar{Type: TypeLogical})},
		FuncEnd{},
	})
	if op := recs[1].Opcode(); op != OpBuiltinID|FlagNoPrologue {
		t.Errorf("builtin opcode = %#x, want %#x", byte(op), byte(OpBuiltinID|FlagNoPrologue))
	}
	if c := te.Counters(); c.SpecialCalls != 1 || c.BuiltinCalls != 1 || c.TotalCalls() != 2 {
		t.Errorf("special/builtin/total = %d/%d/%d", c.SpecialCalls, c.BuiltinCalls, c.TotalCalls())
	}
}

func TestClosureArityClamped(t *testing.T) {
	te := newTestEngine(t, Options{})
	fn := &Function{Addr: 0x40}
	te.EnterClosure(fn, true, 0, ArgCounts{Positional: 1000, Keyword: 3, Dots: 256})
	te.ExitFunction(fn, nil)
	assertRecords(t, te.finish(t), []Record{
		ClosureEntry{NoPrologue: true, Addr: 0x40, Positional: 255, Keyword: 3, Dots: 255},
		FuncEnd{},
	})
	if n := te.Counters().Arity.Positional[255]; n != 1 {
		t.Errorf("arity[255] = %d, want 1", n)
	}
}

func TestClosureThroughDispatchHelper(t *testing.T) {
	te := newTestEngine(t, Options{})
	te.EnterClosure(nil, false, PseudoDispatchHelper, ArgCounts{Positional: 3, Keyword: 1})
	te.ExitFunction(nil, nil)
	assertRecords(t, te.finish(t), []Record{
		ClosureEntry{Addr: PseudoDispatchHelper},
		FuncEnd{},
	})
	if n := te.Counters().Arity.Positional[3]; n != 0 {
		t.Errorf("dispatch helper arities were counted: %d", n)
	}
}

func TestEnterEmptyClosure(t *testing.T) {
	te := newTestEngine(t, Options{})
	te.EnterEmptyClosure(&Function{Addr: 0x50}, PseudoContextDrop)
	assertHeight(t, te, 0)
	assertRecords(t, te.finish(t), []Record{
		ClosureEntry{Addr: PseudoContextDrop},
		FuncEnd{},
	})
}

func TestNewPromiseFlagOnce(t *testing.T) {
	te := newTestEngine(t, Options{})
	p := newFakePromise(0x60)
	te.EmitValueType(PromiseValue{Promise: p})
	te.EmitValueType(PromiseValue{Promise: p})
	p.value, p.forced = Vector{Type: TypeInt, Length: 1, TrueLength: 1}, true
	te.EmitValueType(PromiseValue{Promise: p})

	assertRecords(t, te.finish(t), []Record{
		ValueType{Op: OpUnbound | FlagNewPromise, Addr: 0x60, kind: vtPromise},
		ValueType{Op: OpUnbound, Addr: 0x60, kind: vtPromise},
		ValueType{Op: OpBound, Addr: 0x60, kind: vtPromise},
	})
}

func TestValueTypeShapes(t *testing.T) {
	te := newTestEngine(t, Options{})
	te.EmitValueType(nil)
	te.EmitValueType(Vector{Type: TypeString, Length: 1 << 20, TrueLength: 12})
	te.EmitValueType(Vector{Type: TypeClosure, Length: 5})
	te.EmitValueType(Scalar{Type: TypeEnv})

	assertRecords(t, te.finish(t), []Record{
		ValueType{},
		ValueType{Op: Opcode(TypeString), Length: 255, TrueLen: 12, kind: vtSized},
		ValueType{Op: Opcode(TypeClosure), kind: vtPlain},
		ValueType{Op: Opcode(TypeEnv), kind: vtPlain},
	})
}

func TestBoundPromise(t *testing.T) {
	te := newTestEngine(t, Options{})
	p := newFakePromise(0x70)
	p.value, p.forced = Vector{Type: TypeInt, Length: 5, TrueLength: 5}, true
	te.BoundPromise(p)
	assertHeight(t, te, 0)
	assertRecords(t, te.finish(t), []Record{
		BoundPromise{Addr: 0x70, Value: classify(Vector{Type: TypeInt, Length: 5, TrueLength: 5})},
	})
}

func TestEmitError(t *testing.T) {
	te := newTestEngine(t, Options{})
	te.EmitError()
	assertRecords(t, te.finish(t), []Record{ErrorSeen{}})
}

func TestCallReturnsValue(t *testing.T) {
	te := newTestEngine(t, Options{})
	fn := &Function{Addr: 0x80}
	got := te.Call(fn, ArgCounts{Positional: 1}, func() Value {
		return Scalar{Type: TypeSymbol}
	})
	if got != (Scalar{Type: TypeSymbol}) {
		t.Errorf("Call returned %v", got)
	}
	assertRecords(t, te.finish(t), []Record{
		ClosureEntry{Addr: 0x80, Positional: 1},
		FuncEnd{Return: classify(Scalar{Type: TypeSymbol})},
	})
}

func TestCallExitsOnPanic(t *testing.T) {
	te := newTestEngine(t, Options{})
	fn := &Function{Addr: 0x90, Kind: FrameBuiltinCall, Offset: 3}
	func() {
		defer func() {
			if r := recover(); r != "host error" {
				t.Errorf("recovered %v, want host error", r)
			}
		}()
		te.Call(fn, ArgCounts{Positional: 2}, func() Value { panic("host error") })
	}()
	assertHeight(t, te, 0)
	assertRecords(t, te.finish(t), []Record{
		PrimitiveEntry{Offset: 3, Args: 2},
		FuncEnd{},
	})
}

// ---------------------------------------------------------------------------
// Context boundaries
// ---------------------------------------------------------------------------

func TestDropContextClosesOpenFrames(t *testing.T) {
	te := newTestEngine(t, Options{})
	outer := &Function{Addr: 0x10}
	te.EnterClosure(outer, false, 0, ArgCounts{})
	te.PushContext(0x200)
	te.EnterUnboundPromise(newFakePromise(0x2000))
	te.EnterClosure(&Function{Addr: 0x30}, false, 0, ArgCounts{})
	assertHeight(t, te, 4)

	before := len(te.records(t))
	te.DropContext()
	assertHeight(t, te, 1)

	recs := te.records(t)
	assertRecords(t, recs[before:], []Record{FuncEnd{}, PromiseEnd{}})
	if n := te.Counters().PromisesAbandoned; n != 1 {
		t.Errorf("abandoned promises = %d, want 1", n)
	}

	te.ExitFunction(outer, nil)
	assertHeight(t, te, 0)
}

func TestDropContextAtBoundary(t *testing.T) {
	te := newTestEngine(t, Options{})
	te.PushContext(0x200)
	offset := te.Offset()
	te.DropContext()
	assertHeight(t, te, 0)
	if te.Offset() != offset {
		t.Errorf("dropping a bare context wrote %d bytes", te.Offset()-offset)
	}

	te.DropContext()
	if !te.Stack().AtRoot() || te.Offset() != offset {
		t.Error("dropping at the root should do nothing")
	}
}

func TestDropContextClosesPrologue(t *testing.T) {
	te := newTestEngine(t, Options{})
	te.PushContext(0x200)
	te.PrologueStart()
	te.DropContext()
	assertHeight(t, te, 0)
	assertRecords(t, te.finish(t), []Record{
		PrologueStart{},
		PrologueEnd{},
		ClosureEntry{Addr: PseudoContextDrop},
		FuncEnd{},
	})
}

func TestDropContextClosesPair(t *testing.T) {
	te := newTestEngine(t, Options{})
	te.PushContext(0x200)
	te.PrologueStart()
	te.PrologueEnd(0x40)
	te.DropContext()
	assertHeight(t, te, 0)
	assertRecords(t, te.finish(t), []Record{
		PrologueStart{},
		PrologueEnd{},
		ClosureEntry{Addr: PseudoContextDrop},
		FuncEnd{},
	})
}

func TestUnwindToRoot(t *testing.T) {
	te := newTestEngine(t, Options{})
	te.PushContext(0x200)
	te.EnterUnboundPromise(newFakePromise(0x2000))
	te.EnterClosure(&Function{Addr: 0x30}, false, 0, ArgCounts{})
	before := len(te.records(t))

	te.UnwindToRoot()
	if !te.Stack().AtRoot() {
		t.Fatalf("stack = %s, want root only", te.Stack())
	}
	assertRecords(t, te.records(t)[before:], []Record{FuncEnd{}, PromiseEnd{}})
	if n := te.Counters().StackFlushed; n != 3 {
		t.Errorf("flushed = %d, want 3", n)
	}
}

func TestFinishFlushesStack(t *testing.T) {
	te := newTestEngine(t, Options{})
	te.EnterClosure(&Function{Addr: 0x30}, false, 0, ArgCounts{})
	recs := te.finish(t)
	assertRecords(t, recs, []Record{ClosureEntry{Addr: 0x30}, FuncEnd{}})
	if te.Tracing() {
		t.Error("still tracing after Finish")
	}
	te.EmitError()
	if err := te.Finish(); err != nil {
		t.Errorf("second Finish: %v", err)
	}
}

func TestChangeTopLevel(t *testing.T) {
	te := newTestEngine(t, Options{})
	te.ChangeTopLevel(0x300)
	if te.Stack().Root().Context != 0x300 {
		t.Errorf("root context = %#x, want 0x300", te.Stack().Root().Context)
	}

	te.PushContext(0x400)
	expectExit(t, ExitUnknownTopLevel, func() { te.ChangeTopLevel(0x500) })
	if !strings.HasPrefix(te.stderr.String(), "[Error] Can't change top level context.") {
		t.Errorf("stderr = %q", te.stderr.String())
	}
}

func TestGotoTopLevel(t *testing.T) {
	te := newTestEngine(t, Options{})
	te.PushContext(0x200)
	te.EnterClosure(&Function{Addr: 0x10}, false, 0, ArgCounts{})
	te.PushContext(0x300)
	te.EnterClosure(&Function{Addr: 0x20}, false, 0, ArgCounts{})

	te.GotoTopLevel(0x200)
	top := te.Stack().Top()
	if top.Kind != FrameHostContext || top.Context != 0x200 {
		t.Fatalf("top = %s, want context 0x200", te.Stack())
	}
	assertHeight(t, te, 1)

	expectExit(t, ExitUnknownTopLevel, func() { te.GotoTopLevel(0x999) })
	if !strings.Contains(te.stderr.String(), "Failed attempt to return to top level context.") {
		t.Errorf("stderr = %q", te.stderr.String())
	}
}

// ---------------------------------------------------------------------------
// Fatal paths
// ---------------------------------------------------------------------------

func TestFatalStackMismatch(t *testing.T) {
	te := newTestEngine(t, Options{})
	te.EnterClosure(&Function{Addr: 5}, false, 0, ArgCounts{})
	expectExit(t, ExitStackMismatch, func() {
		te.ExitFunction(&Function{Addr: 6}, nil)
	})

	lines := strings.Split(strings.TrimSpace(te.stderr.String()), "\n")
	if len(lines) != 2 || lines[0] != "[Error] Context stack is out of alignment, type is: CLOS but ID's don't match 0x5 != 0x6" || lines[1] != "CLOS" {
		t.Errorf("stderr = %q", te.stderr.String())
	}
	c := te.Counters()
	if c.FatalErrors != 1 || c.StackErrors != 1 {
		t.Errorf("fatal/stack errors = %d/%d, want 1/1", c.FatalErrors, c.StackErrors)
	}
	if !strings.Contains(te.summary.String(), "FatalErrors: 1\n") {
		t.Errorf("summary missing fatal count:\n%s", te.summary.String())
	}

	// The engine is dead; later hooks do nothing.
	offset := te.Offset()
	te.EmitError()
	te.ExitFunction(&Function{Addr: 7}, nil)
	if te.Offset() != offset || te.Tracing() {
		t.Error("hooks still active after a fatal error")
	}
	assertRecords(t, te.records(t), []Record{ClosureEntry{Addr: 5}, FuncEnd{}})
}

func TestFatalPopBelowRoot(t *testing.T) {
	te := newTestEngine(t, Options{})
	expectExit(t, ExitPopBelowRoot, func() { te.ExitFunction(&Function{Addr: 1}, nil) })

	te = newTestEngine(t, Options{})
	expectExit(t, ExitPopBelowRoot, func() { te.ResolveUnboundPromise() })
}

func TestFatalMissingPair(t *testing.T) {
	te := newTestEngine(t, Options{})
	te.EnterClosure(&Function{Addr: 1}, false, 0, ArgCounts{})
	te.Stack().Push(FramePrologue, 0)
	expectExit(t, ExitMissingPair, func() { te.PrologueEnd(2) })
	if !strings.HasPrefix(te.stderr.String(), "[Error] Context stack missing a PC_PAIR element\nPROL CLOS\n") {
		t.Errorf("stderr = %q", te.stderr.String())
	}
}

func TestFatalHeightDrift(t *testing.T) {
	te := newTestEngine(t, Options{})
	te.EnterClosure(&Function{Addr: 1}, false, 0, ArgCounts{})
	te.Stack().height++
	expectExit(t, ExitHeightDrift, func() { te.Height() })
}

func TestFatalWriteError(t *testing.T) {
	var stderr bytes.Buffer
	e := New(Options{
		Mode:   ModeAll,
		Stderr: &stderr,
		Exit:   func(code int) { panic(exitCode(code)) },
	}, Outputs{Trace: failWriter{}})
	e.Start(rootCtx)
	expectExit(t, ExitResource, func() {
		for i := 0; i < 100000; i++ {
			e.EmitError()
		}
	})
	if !strings.HasPrefix(stderr.String(), "[Error] trace write failed: disk full") {
		t.Errorf("stderr = %q", stderr.String())
	}
}

// ---------------------------------------------------------------------------
// Modes and side channels
// ---------------------------------------------------------------------------

func TestNilEngineIsDisabled(t *testing.T) {
	var e *Engine
	fn := &Function{Addr: 1}
	e.Start(rootCtx)
	e.PrologueStart()
	e.PrologueEnd(1)
	e.EnterClosure(fn, false, 0, ArgCounts{})
	e.EnterPrimitive(fn, false, 0, 0)
	e.ExitFunction(fn, nil)
	e.BoundPromise(newFakePromise(1))
	e.EnterUnboundPromise(newFakePromise(1))
	e.ResolveUnboundPromise()
	e.EmitValueType(nil)
	e.EmitError()
	e.PushContext(1)
	e.DropContext()
	e.GotoTopLevel(1)
	e.UnwindToRoot()
	e.DeclareFunction(1, nil, 0)
	e.ReportExternal(ExternalCall, "f", 1)
	e.CountVectorAlloc(VectorOne, 1, 8, 8)
	e.SaveJump([]byte("k"))
	e.LoadJump([]byte("k"))
	if got := e.Call(fn, ArgCounts{}, func() Value { return nil }); got != nil {
		t.Errorf("Call = %v", got)
	}
	if e.Tracing() || e.Height() != 0 || e.Offset() != 0 {
		t.Error("nil engine reports activity")
	}
	if err := e.Finish(); err != nil {
		t.Errorf("Finish: %v", err)
	}
}

func TestREPLMode(t *testing.T) {
	var trace bytes.Buffer
	e := New(Options{Mode: ModeREPL}, Outputs{Trace: &trace})
	e.Start(rootCtx)
	if e.Tracing() {
		t.Fatal("Start began tracing in REPL mode")
	}
	e.EmitError()
	e.StartREPL(rootCtx)
	if !e.Tracing() {
		t.Fatal("StartREPL did not begin tracing")
	}
	e.EmitError()
	if err := e.Finish(); err != nil {
		t.Fatalf("Finish: %v", err)
	}
	if trace.Len() != VersionStampSize+1 {
		t.Errorf("trace is %d bytes, want %d", trace.Len(), VersionStampSize+1)
	}
}

func TestSummaryModeCountsWithoutTrace(t *testing.T) {
	var summary bytes.Buffer
	e := New(Options{Mode: ModeSummary}, Outputs{Summary: &summary})
	e.Start(rootCtx)
	fn := &Function{Addr: 0x10}
	e.EnterClosure(fn, false, 0, ArgCounts{Positional: 1})
	e.ExitFunction(fn, nil)
	if err := e.Finish(); err != nil {
		t.Fatalf("Finish: %v", err)
	}
	for _, want := range []string{"ClosureCalls: 1\n", "BytesWritten: 0\n", "EventsTraced: 2\n"} {
		if !strings.Contains(summary.String(), want) {
			t.Errorf("summary missing %q:\n%s", want, summary.String())
		}
	}
	if e.Offset() != 0 {
		t.Errorf("Offset() = %d with no trace sink, want 0", e.Offset())
	}
}

func TestDeclareFunctionSourceMap(t *testing.T) {
	te := newTestEngine(t, Options{})
	te.DeclareFunction(0x10, &SrcRef{File: "fib.R", Line: 1, Col: 2, Extra: [4]int{3, 4, 5, 6}}, 0)
	te.EmitError()
	te.DeclareFunction(0x20, nil, 0x12345678)
	te.finish(t)

	want := "0x0000000c 0x10 fib.R 0x1 0x2 0x3 0x4 0x5 0x6\n" +
		"0x0000000d 0x20 UNKNOWN 0x0 0x12345678 0x0 0x12345678 0x0 0x12345678\n"
	if te.srcMapOut.String() != want {
		t.Errorf("source map =\n%s\nwant\n%s", te.srcMapOut.String(), want)
	}
	if c := te.Counters(); c.FuncDecls != 2 || c.NullSrcrefs != 1 {
		t.Errorf("decls/null = %d/%d, want 2/1", c.FuncDecls, c.NullSrcrefs)
	}
}

func TestReportExternal(t *testing.T) {
	te := newTestEngine(t, Options{})
	te.ReportExternal(ExternalCall, "C_ignored", 0x1)
	te.finish(t)
	if te.externalOut.Len() != 0 || te.Counters().ExternalCalls != 0 {
		t.Error("external calls recorded while disabled")
	}

	te = newTestEngine(t, Options{TraceExternalCalls: true})
	te.ReportExternal(ExternalCall, "C_fib", 0x99)
	te.ReportExternal(ExternalFortran, "dqrdc2", 0xaa)
	te.finish(t)
	want := ".Call\tC_fib\t0x99\n.Fortran\tdqrdc2\t0xaa\n"
	if te.externalOut.String() != want {
		t.Errorf("external calls = %q, want %q", te.externalOut.String(), want)
	}
}

func TestCountVectorAlloc(t *testing.T) {
	te := newTestEngine(t, Options{})
	te.CountVectorAlloc(ClassifyVector(1, 16), 1, 8, 48)
	te.CountVectorAlloc(ClassifyVector(100, 16), 100, 800, 840)
	te.CountVectorAlloc(VectorClass(9), 1, 1, 1)
	c := te.Counters()
	if s := c.VectorAllocs[VectorLarge]; s.Allocs != 1 || s.Elements != 100 || s.AllocSize != 840 {
		t.Errorf("large allocs = %+v", s)
	}
	if c.VectorAllocs[VectorOne].Allocs != 1 || c.VectorSizes.Count != 2 {
		t.Errorf("one allocs = %d, sizes = %d", c.VectorAllocs[VectorOne].Allocs, c.VectorSizes.Count)
	}
}

func TestJumpsForwardedToScopeLog(t *testing.T) {
	var out bytes.Buffer
	scopes := scopedebug.New(&out)
	te := newTestEngine(t, Options{Scopes: scopes})

	scopes.Start("eval")
	te.SaveJump([]byte("ctx"))
	scopes.Start("apply")
	te.LoadJump([]byte("ctx"))
	if cur := scopes.Current(); cur == nil || cur.Name != "eval" {
		t.Errorf("current scope = %v, want eval", cur)
	}
	if scopes.Errors() != 0 {
		t.Errorf("scope log errors = %d", scopes.Errors())
	}
}

func TestAbort(t *testing.T) {
	te := newTestEngine(t, Options{})
	te.PushContext(0x200)
	te.EnterClosure(&Function{Addr: 0x30}, false, 0, ArgCounts{})
	if err := te.Abort(); err != nil {
		t.Fatalf("Abort: %v", err)
	}
	assertRecords(t, te.records(t), []Record{ClosureEntry{Addr: 0x30}, FuncEnd{}})

	e := New(Options{Mode: ModeAll}, Outputs{})
	if err := e.Abort(); err != nil {
		t.Errorf("Abort before Start: %v", err)
	}
}

func TestTerminateReportsCloseErrors(t *testing.T) {
	e := New(Options{Mode: ModeAll}, Outputs{Trace: closeFailer{}})
	e.Start(rootCtx)
	err := e.Finish()
	if err == nil || !errors.Is(err, errCloseFailed) {
		t.Errorf("Finish = %v, want close failure", err)
	}
}

var errCloseFailed = errors.New("close failed")

type closeFailer struct{}

func (closeFailer) Write(p []byte) (int, error) { return len(p), nil }
func (closeFailer) Close() error                { return errCloseFailed }

func TestNilPointerPromiseIgnored(t *testing.T) {
	te := newTestEngine(t, Options{})
	var p *fakePromise
	te.BoundPromise(p)
	te.EnterUnboundPromise(p)
	te.EmitValueType(PromiseValue{Promise: p})
	if !te.Stack().AtRoot() {
		t.Errorf("nil promise pushed a frame: %s", te.Stack())
	}
	assertRecords(t, te.finish(t), []Record{ValueType{}})
}
