package hostsim

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"math"
	"strings"

	"github.com/tliron/commonlog"

	"github.com/chazu/shadowtrace/scopedebug"
	"github.com/chazu/shadowtrace/trace"
)

// DefaultSmallVectorLimit is the largest small-pool vector, in elements.
const DefaultSmallVectorLimit = 16

// ErrAborted is returned by Run when the script ends the session with abort.
var ErrAborted = errors.New("session aborted")

// Runner replays an event script against an engine, one hook per line.
//
// A script line is a command followed by space separated arguments. Blank
// lines and lines starting with '#' are skipped. Addresses may be written in
// decimal or with a 0x prefix; see parseValue for value syntax.
type Runner struct {
	engine *trace.Engine
	scopes *scopedebug.Log
	log    commonlog.Logger

	// SmallVectorLimit classifies alloc commands.
	SmallVectorLimit uint64

	funcs    map[uintptr]*trace.Function
	promises map[uintptr]*Promise
	forcing  []*Promise

	extraPrims []trace.Primitive

	lines    int
	commands int
}

// NewRunner creates a runner driving e. scopes may be nil.
func NewRunner(e *trace.Engine, scopes *scopedebug.Log) *Runner {
	return &Runner{
		engine:           e,
		scopes:           scopes,
		log:              commonlog.GetLogger("shadowtrace.hostsim"),
		SmallVectorLimit: DefaultSmallVectorLimit,
		funcs:            make(map[uintptr]*trace.Function),
		promises:         make(map[uintptr]*Promise),
	}
}

type command struct {
	min, max int
	run      func(r *Runner, args []string) error
}

// commands maps each script command to its handler. max < 0 means no limit.
var commands = map[string]command{
	"start":        {1, 1, (*Runner).start},
	"repl":         {1, 1, (*Runner).startREPL},
	"prologue":     {0, 0, (*Runner).prologue},
	"prologue-end": {1, 1, (*Runner).prologueEnd},
	"closure":      {1, 5, (*Runner).closure},
	"dispatch":     {0, 0, (*Runner).dispatch},
	"empty":        {2, 2, (*Runner).empty},
	"builtin":      {4, 5, (*Runner).builtin},
	"special":      {4, 5, (*Runner).special},
	"primitive":    {2, 2, (*Runner).definePrimitive},
	"exit":         {1, 2, (*Runner).exit},
	"promise":      {1, 1, (*Runner).newPromise},
	"bound":        {2, 2, (*Runner).bound},
	"force":        {1, 1, (*Runner).force},
	"resolve":      {1, 1, (*Runner).resolve},
	"value":        {1, 1, (*Runner).value},
	"error":        {0, 0, (*Runner).raise},
	"context":      {1, 1, (*Runner).context},
	"drop":         {0, 0, (*Runner).drop},
	"toplevel":     {1, 1, (*Runner).toplevel},
	"goto":         {1, 1, (*Runner).gotoTop},
	"unwind":       {0, 0, (*Runner).unwind},
	"declare":      {3, 3, (*Runner).declare},
	"external":     {3, 3, (*Runner).external},
	"alloc":        {3, 3, (*Runner).alloc},
	"setjmp":       {1, 1, (*Runner).setjmp},
	"longjmp":      {1, 1, (*Runner).longjmp},
	"activate":     {1, 1, (*Runner).activate},
	"scope":        {1, 1, (*Runner).scope},
	"endscope":     {1, 1, (*Runner).endScope},
	"print":        {0, -1, (*Runner).print},
	"child":        {1, 1, (*Runner).child},
	"abort":        {0, 0, (*Runner).abort},
}

// Run executes the script read from src. name is used in error messages.
// It stops at the first malformed line.
func (r *Runner) Run(name string, src io.Reader) error {
	sc := bufio.NewScanner(src)
	for sc.Scan() {
		r.lines++
		line := strings.TrimSpace(sc.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		if err := r.Exec(line); err != nil {
			if errors.Is(err, ErrAborted) {
				r.log.Infof("%s:%d: %s", name, r.lines, err)
				return err
			}
			return fmt.Errorf("%s:%d: %w", name, r.lines, err)
		}
	}
	if err := sc.Err(); err != nil {
		return fmt.Errorf("reading %s: %w", name, err)
	}
	r.log.Debugf("%s: %d lines, %d commands", name, r.lines, r.commands)
	return nil
}

// Exec runs a single command line.
func (r *Runner) Exec(line string) error {
	fields := strings.Fields(line)
	if len(fields) == 0 {
		return nil
	}
	cmd, ok := commands[fields[0]]
	if !ok {
		return fmt.Errorf("unknown command %q", fields[0])
	}
	args := fields[1:]
	if len(args) < cmd.min || (cmd.max >= 0 && len(args) > cmd.max) {
		return fmt.Errorf("%s: wrong number of arguments (%d)", fields[0], len(args))
	}
	r.commands++
	return cmd.run(r, args)
}

// WriteSummary adds the host's own lines to the trace summary.
func (r *Runner) WriteSummary(w *trace.SummaryWriter) {
	w.Value("HostScriptLines", r.lines)
	w.Value("HostCommands", r.commands)
	w.Value("HostFunctions", len(r.funcs))
	w.Value("HostPromises", len(r.promises))
}

// function returns the function at addr, creating it with kind on first use.
// A later use with a different kind is an error.
func (r *Runner) function(s string, kind trace.FrameKind, offset uint16) (*trace.Function, error) {
	addr, err := parseAddr(s)
	if err != nil {
		return nil, err
	}
	if fn, ok := r.funcs[addr]; ok {
		if fn.Kind != kind {
			return nil, fmt.Errorf("function %#x is a %s, not a %s", addr, fn.Kind, kind)
		}
		return fn, nil
	}
	fn := &trace.Function{Addr: addr, Kind: kind, Offset: offset}
	r.funcs[addr] = fn
	return fn, nil
}

func (r *Runner) promise(s string) (*Promise, error) {
	addr, err := parseAddr(s)
	if err != nil {
		return nil, err
	}
	p, ok := r.promises[addr]
	if !ok {
		return nil, fmt.Errorf("unknown promise %#x", addr)
	}
	return p, nil
}

func (r *Runner) context(args []string) error {
	ref, err := parseAddr(args[0])
	if err != nil {
		return err
	}
	r.engine.PushContext(trace.ContextRef(ref))
	return nil
}

func (r *Runner) start(args []string) error {
	ref, err := parseAddr(args[0])
	if err != nil {
		return err
	}
	r.engine.Start(trace.ContextRef(ref))
	return nil
}

func (r *Runner) startREPL(args []string) error {
	ref, err := parseAddr(args[0])
	if err != nil {
		return err
	}
	r.engine.StartREPL(trace.ContextRef(ref))
	return nil
}

func (r *Runner) prologue([]string) error {
	r.engine.PrologueStart()
	return nil
}

func (r *Runner) prologueEnd(args []string) error {
	addr, err := parseAddr(args[0])
	if err != nil {
		return err
	}
	r.engine.PrologueEnd(addr)
	return nil
}

// closure ADDR [POS KW DOTS] [noprologue]
func (r *Runner) closure(args []string) error {
	fn, err := r.function(args[0], trace.FrameClosureCall, 0)
	if err != nil {
		return err
	}
	args, noPrologue := cutFlag(args[1:], "noprologue")
	var counts trace.ArgCounts
	switch len(args) {
	case 0:
	case 3:
		if counts.Positional, err = parseInt(args[0]); err != nil {
			return err
		}
		if counts.Keyword, err = parseInt(args[1]); err != nil {
			return err
		}
		if counts.Dots, err = parseInt(args[2]); err != nil {
			return err
		}
	default:
		return fmt.Errorf("closure: want 0 or 3 arity counts, got %d", len(args))
	}
	r.engine.EnterClosure(fn, noPrologue, 0, counts)
	return nil
}

// dispatch enters an anonymous closure through the method dispatch helper.
// It is closed with "exit -".
func (r *Runner) dispatch([]string) error {
	r.engine.EnterClosure(nil, false, trace.PseudoDispatchHelper, trace.ArgCounts{})
	return nil
}

func (r *Runner) empty(args []string) error {
	fn, err := r.function(args[0], trace.FrameClosureCall, 0)
	if err != nil {
		return err
	}
	pseudo, err := parseAddr(args[1])
	if err != nil {
		return err
	}
	r.engine.EnterEmptyClosure(fn, pseudo)
	return nil
}

func (r *Runner) builtin(args []string) error {
	return r.primitive(trace.FrameBuiltinCall, args)
}

func (r *Runner) special(args []string) error {
	return r.primitive(trace.FrameSpecialCall, args)
}

// builtin|special ADDR OFFSET|NAME ARGS DOTS [noprologue]
func (r *Runner) primitive(kind trace.FrameKind, args []string) error {
	args, noPrologue := cutFlag(args, "noprologue")
	if len(args) != 4 {
		return fmt.Errorf("%s: want ADDR OFFSET ARGS DOTS", kind)
	}
	offset := r.primitiveOffset(args[1])
	if offset < 0 {
		n, err := parseInt(args[1])
		if err != nil {
			return fmt.Errorf("unknown primitive %q", args[1])
		}
		offset = n
	}
	if offset < 0 || offset > math.MaxUint16 {
		return fmt.Errorf("primitive offset %d out of range", offset)
	}
	fn, err := r.function(args[0], kind, uint16(offset))
	if err != nil {
		return err
	}
	nargs, err := parseInt(args[2])
	if err != nil {
		return err
	}
	dots, err := parseInt(args[3])
	if err != nil {
		return err
	}
	r.engine.EnterPrimitive(fn, noPrologue, nargs, dots)
	return nil
}

// exit ADDR|- [VALUE]
func (r *Runner) exit(args []string) error {
	var fn *trace.Function
	if args[0] != "-" {
		addr, err := parseAddr(args[0])
		if err != nil {
			return err
		}
		var ok bool
		if fn, ok = r.funcs[addr]; !ok {
			return fmt.Errorf("exit from unknown function %#x", addr)
		}
	}
	var ret trace.Value
	if len(args) > 1 {
		v, err := r.parseValue(args[1])
		if err != nil {
			return err
		}
		ret = v
	}
	r.engine.ExitFunction(fn, ret)
	return nil
}

func (r *Runner) newPromise(args []string) error {
	addr, err := parseAddr(args[0])
	if err != nil {
		return err
	}
	if _, ok := r.promises[addr]; ok {
		return fmt.Errorf("promise %#x already exists", addr)
	}
	r.promises[addr] = NewPromise(addr)
	return nil
}

// bound ID VALUE creates the promise if needed, forces it and emits it as
// already bound.
func (r *Runner) bound(args []string) error {
	addr, err := parseAddr(args[0])
	if err != nil {
		return err
	}
	p, ok := r.promises[addr]
	if !ok {
		p = NewPromise(addr)
		r.promises[addr] = p
	}
	v, err := r.parseValue(args[1])
	if err != nil {
		return err
	}
	p.Force(v)
	r.engine.BoundPromise(p)
	return nil
}

func (r *Runner) force(args []string) error {
	p, err := r.promise(args[0])
	if err != nil {
		return err
	}
	r.forcing = append(r.forcing, p)
	r.engine.EnterUnboundPromise(p)
	return nil
}

func (r *Runner) resolve(args []string) error {
	if len(r.forcing) == 0 {
		return errors.New("resolve: no promise is being forced")
	}
	v, err := r.parseValue(args[0])
	if err != nil {
		return err
	}
	p := r.forcing[len(r.forcing)-1]
	r.forcing = r.forcing[:len(r.forcing)-1]
	p.Force(v)
	r.engine.ResolveUnboundPromise()
	return nil
}

func (r *Runner) value(args []string) error {
	v, err := r.parseValue(args[0])
	if err != nil {
		return err
	}
	r.engine.EmitValueType(v)
	return nil
}

func (r *Runner) raise([]string) error {
	r.engine.EmitError()
	return nil
}

// drop leaves the innermost context. Promises still being forced inside it
// are abandoned.
func (r *Runner) drop([]string) error {
	r.engine.DropContext()
	r.trimForcing()
	return nil
}

func (r *Runner) toplevel(args []string) error {
	ref, err := parseAddr(args[0])
	if err != nil {
		return err
	}
	r.engine.ChangeTopLevel(trace.ContextRef(ref))
	return nil
}

func (r *Runner) gotoTop(args []string) error {
	ref, err := parseAddr(args[0])
	if err != nil {
		return err
	}
	r.engine.GotoTopLevel(trace.ContextRef(ref))
	r.trimForcing()
	return nil
}

func (r *Runner) unwind([]string) error {
	r.engine.UnwindToRoot()
	r.forcing = r.forcing[:0]
	return nil
}

// trimForcing forgets promises whose frames the engine has closed.
func (r *Runner) trimForcing() {
	s := r.engine.Stack()
	if s == nil {
		r.forcing = r.forcing[:0]
		return
	}
	n := 0
	for f := s.Top(); f != nil; f = f.Next() {
		if f.Kind == trace.FramePromise {
			n++
		}
	}
	if n < len(r.forcing) {
		r.forcing = r.forcing[:n]
	}
}

// declare ADDR FILE:LINE:COL|- BODY
func (r *Runner) declare(args []string) error {
	addr, err := parseAddr(args[0])
	if err != nil {
		return err
	}
	body, err := parseAddr(args[2])
	if err != nil {
		return err
	}
	var ref *trace.SrcRef
	if args[1] != "-" {
		parts := strings.Split(args[1], ":")
		if len(parts) != 3 {
			return fmt.Errorf("bad source reference %q", args[1])
		}
		ref = &trace.SrcRef{File: parts[0]}
		if ref.Line, err = parseInt(parts[1]); err != nil {
			return err
		}
		if ref.Col, err = parseInt(parts[2]); err != nil {
			return err
		}
	}
	r.engine.DeclareFunction(addr, ref, body)
	return nil
}

func (r *Runner) external(args []string) error {
	kind, err := trace.ParseExternalKind(args[0])
	if err != nil {
		return err
	}
	addr, err := parseAddr(args[2])
	if err != nil {
		return err
	}
	r.engine.ReportExternal(kind, args[1], addr)
	return nil
}

// alloc ELEMENTS SIZE ALLOCSIZE
func (r *Runner) alloc(args []string) error {
	var vals [3]uint64
	for i, a := range args {
		n, err := parseAddr(a)
		if err != nil {
			return fmt.Errorf("bad count %q", a)
		}
		vals[i] = uint64(n)
	}
	class := trace.ClassifyVector(vals[0], r.SmallVectorLimit)
	r.engine.CountVectorAlloc(class, vals[0], vals[1], vals[2])
	return nil
}

func (r *Runner) setjmp(args []string) error {
	r.engine.SaveJump([]byte(args[0]))
	return nil
}

func (r *Runner) longjmp(args []string) error {
	r.engine.LoadJump([]byte(args[0]))
	return nil
}

func (r *Runner) activate(args []string) error {
	r.scopes.Activate(args[0])
	return nil
}

func (r *Runner) scope(args []string) error {
	r.scopes.Start(args[0])
	return nil
}

func (r *Runner) endScope(args []string) error {
	r.scopes.End(args[0])
	return nil
}

func (r *Runner) print(args []string) error {
	r.scopes.Printf("%s\n", strings.Join(args, " "))
	return nil
}

func (r *Runner) child(args []string) error {
	r.engine.RegisterChild(args[0])
	return nil
}

func (r *Runner) abort([]string) error {
	if err := r.engine.Abort(); err != nil {
		return err
	}
	return ErrAborted
}

// cutFlag removes a trailing flag word from args.
func cutFlag(args []string, flag string) ([]string, bool) {
	if n := len(args); n > 0 && args[n-1] == flag {
		return args[:n-1], true
	}
	return args, false
}
