package trace

import (
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/google/uuid"
	"github.com/tliron/commonlog"

	"github.com/chazu/shadowtrace/scopedebug"
)

// Mode selects how much of a run is traced.
type Mode int

const (
	ModeDisabled Mode = iota
	// ModeAll traces from Start onwards.
	ModeAll
	// ModeREPL traces from StartREPL onwards, skipping bootstrap.
	ModeREPL
	// ModeSummary writes only the summary, no binary trace.
	ModeSummary
)

var modeNames = map[Mode]string{
	ModeDisabled: "disabled",
	ModeAll:      "all",
	ModeREPL:     "repl",
	ModeSummary:  "summary",
}

func (m Mode) String() string {
	if name, ok := modeNames[m]; ok {
		return name
	}
	return fmt.Sprintf("Mode(%d)", int(m))
}

// ParseMode parses a mode name.
func ParseMode(s string) (Mode, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	for m, name := range modeNames {
		if s == name {
			return m, nil
		}
	}
	if s == "" || s == "none" {
		return ModeDisabled, nil
	}
	return ModeDisabled, fmt.Errorf("unknown trace mode %q", s)
}

// Options configures an Engine.
type Options struct {
	Mode Mode

	// Dir is the trace directory used by Open. Empty picks DefaultDir.
	Dir string
	// InputFile is the program being traced; it names the default
	// directory and is copied into it.
	InputFile string

	Compression Compression
	// Version is the stamp written at the start of the trace, padded or
	// cut to VersionStampSize bytes.
	Version string

	TraceExternalCalls bool
	SnapshotCBOR       bool

	// Scopes receives jump setup and landing notifications. Nil disables
	// the scope debug log.
	Scopes *scopedebug.Log

	// Stderr receives the one-line diagnostics of fatal errors.
	Stderr io.Writer
	// Exit terminates the process after a fatal error. Defaults to os.Exit.
	Exit func(code int)
}

// Outputs are the streams an Engine writes. Any that also implement
// io.Closer are closed when tracing ends.
type Outputs struct {
	Trace         io.Writer
	SourceMap     io.Writer
	ExternalCalls io.Writer
	Summary       io.Writer
	Snapshot      io.Writer
}

// SummarySource lets a host collaborator add its own lines to the summary,
// such as allocation counts.
type SummarySource interface {
	WriteSummary(w *SummaryWriter)
}

// Engine mirrors the host's call stack and writes the trace. All hooks must
// be called from the host's evaluation thread, in the order the host
// performs the transitions. A nil Engine is a valid disabled tracer.
type Engine struct {
	opts   Options
	log    commonlog.Logger
	stderr io.Writer
	exit   func(code int)
	now    func() time.Time

	out      Outputs
	codec    *Codec
	stack    *ShadowStack
	counters Counters
	srcMap   *SourceMap
	external *ExternalLog

	id           string
	dir          string
	summaryPath  string
	snapshotPath string
	started      time.Time

	tracing bool
	failing bool
	closed  bool

	children []string
	sources  []SummarySource
}

// New creates an engine writing to the given outputs. Tracing begins with
// Start or StartREPL, depending on the mode.
func New(opts Options, out Outputs) *Engine {
	e := &Engine{
		opts:   opts,
		log:    commonlog.GetLogger("shadowtrace.engine"),
		stderr: opts.Stderr,
		exit:   opts.Exit,
		now:    time.Now,
		out:    out,
		id:     uuid.NewString(),
	}
	if e.stderr == nil {
		e.stderr = os.Stderr
	}
	if e.exit == nil {
		e.exit = os.Exit
	}
	if out.SourceMap != nil {
		e.srcMap = newSourceMap(out.SourceMap)
	}
	if out.ExternalCalls != nil {
		e.external = newExternalLog(out.ExternalCalls)
	}
	e.started = e.now()
	return e
}

// ID returns the unique identifier of this trace session.
func (e *Engine) ID() string {
	if e == nil {
		return ""
	}
	return e.id
}

// Dir returns the trace directory, empty for engines created with New.
func (e *Engine) Dir() string {
	if e == nil {
		return ""
	}
	return e.dir
}

// Tracing reports whether events are currently being recorded.
func (e *Engine) Tracing() bool { return e != nil && e.tracing }

// Start begins tracing in ModeAll and ModeSummary. top is the host's
// top-level context, recorded on the root frame. In summary mode the stack
// is kept and counted but the trace itself is discarded.
func (e *Engine) Start(top ContextRef) {
	if e == nil || (e.opts.Mode != ModeAll && e.opts.Mode != ModeSummary) {
		return
	}
	e.begin(top)
}

// StartREPL begins tracing in ModeREPL once the host reaches its REPL.
func (e *Engine) StartREPL(top ContextRef) {
	if e == nil || e.opts.Mode != ModeREPL {
		return
	}
	e.begin(top)
}

func (e *Engine) begin(top ContextRef) {
	if e.tracing || e.closed {
		return
	}
	w := e.out.Trace
	if w == nil {
		w = io.Discard
	}
	e.codec = NewCodec(w)
	e.stack = NewShadowStack(top)
	e.tracing = true

	stamp := make([]byte, VersionStampSize)
	version := e.opts.Version
	if version == "" {
		version = DefaultVersionStamp
	}
	n := copy(stamp, version)
	for i := n; i < VersionStampSize; i++ {
		stamp[i] = '0'
	}
	e.codec.PutRaw(stamp)
	e.log.Infof("trace %s started (mode %s)", e.id, e.opts.Mode)
	e.check()
}

// live reports whether hooks should record anything.
func (e *Engine) live() bool {
	return e != nil && e.tracing && !e.failing && !e.closed
}

// counting reports whether statistics hooks should record anything. They
// also run in summary mode.
func (e *Engine) counting() bool {
	return e != nil && !e.failing && !e.closed
}

func (e *Engine) emit(r Record) {
	r.encode(e.codec)
	e.counters.Events++
}

// do finishes a hook: any error, including a pending sink error, is fatal.
func (e *Engine) do(err error) {
	if err == nil {
		e.check()
		return
	}
	e.fatal(err)
}

func (e *Engine) check() {
	if e.codec == nil || e.failing {
		return
	}
	if err := e.codec.Err(); err != nil {
		e.fatal(fmt.Errorf("trace write failed: %w", err))
	}
}

// fatal reports err, tears the session down as cleanly as it can and exits.
// A failure raised while already failing is reported but not acted on.
func (e *Engine) fatal(err error) {
	code := ExitResource
	var ie *IntegrityError
	if errors.As(err, &ie) {
		code = ie.Violation.ExitCode()
		e.counters.StackErrors++
	}

	fmt.Fprintf(e.stderr, "[Error] %s\n", err)
	if ie != nil {
		fmt.Fprintf(e.stderr, "%s\n", ie.StackDump())
		e.log.Errorf("%s: %s [%s]", ie.Violation, ie.Msg, ie.StackDump())
	} else {
		e.log.Errorf("%s", err)
	}

	if e.failing {
		return
	}
	e.failing = true
	e.counters.FatalErrors++

	if e.tracing {
		if ferr := e.unwindToRoot(); ferr != nil {
			e.log.Warningf("stack flush abandoned: %s", ferr)
		}
	}
	if cerr := e.terminate(); cerr != nil {
		e.log.Errorf("closing trace: %s", cerr)
	}
	e.exit(code)
}

// Finish flushes the shadow stack back to the root, closes the trace and
// writes the summary. It is the normal end of a session.
func (e *Engine) Finish() error {
	if e == nil || e.closed {
		return nil
	}
	if e.live() {
		if err := e.unwindToRoot(); err != nil {
			e.fatal(err)
			return err
		}
	}
	return e.terminate()
}

// Abort ends a session after the host trapped an abnormal exit. The stack
// is flushed the same way as Finish.
func (e *Engine) Abort() error {
	if e == nil || e.closed {
		return nil
	}
	if e.stack != nil {
		e.log.Warningf("trace %s aborted at height %d", e.id, e.stack.height)
	}
	return e.Finish()
}

func (e *Engine) terminate() error {
	if e.closed {
		return nil
	}
	e.closed = true

	var errs []error
	if e.codec != nil {
		if err := e.codec.Flush(); err != nil {
			errs = append(errs, fmt.Errorf("flush trace: %w", err))
		}
		e.log.Infof("trace %s closed: %s in %d events", e.id,
			humanize.Bytes(e.Offset()), e.counters.Events)
	}
	if e.srcMap != nil {
		if err := e.srcMap.flush(); err != nil {
			errs = append(errs, fmt.Errorf("flush source map: %w", err))
		}
	}
	if e.external != nil {
		if err := e.external.flush(); err != nil {
			errs = append(errs, fmt.Errorf("flush external calls: %w", err))
		}
	}
	for _, w := range []io.Writer{e.out.Trace, e.out.SourceMap, e.out.ExternalCalls} {
		if c, ok := w.(io.Closer); ok {
			if err := c.Close(); err != nil {
				errs = append(errs, err)
			}
		}
	}
	e.tracing = false

	if err := e.writeSummaryFiles(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// Counters returns a copy of the session's counters.
func (e *Engine) Counters() Counters {
	if e == nil {
		return Counters{}
	}
	return e.counters
}

// Offset returns the number of trace bytes written so far. It stays 0 when
// there is no trace sink, as in summary mode.
func (e *Engine) Offset() uint64 {
	if e == nil || e.codec == nil || e.out.Trace == nil {
		return 0
	}
	return e.codec.Offset()
}

// Height returns the current shadow stack height, root excluded. A height
// counter that disagrees with the stack is fatal.
func (e *Engine) Height() int {
	if e == nil || e.stack == nil {
		return 0
	}
	n, err := e.stack.Height()
	if err != nil && !e.failing {
		e.fatal(err)
	}
	return n
}

// Stack exposes the shadow stack for inspection. Hooks are the only way to
// change it.
func (e *Engine) Stack() *ShadowStack {
	if e == nil {
		return nil
	}
	return e.stack
}

// AddSummarySource registers a collaborator whose lines are appended to the
// summary.
func (e *Engine) AddSummarySource(s SummarySource) {
	if e == nil {
		return
	}
	e.sources = append(e.sources, s)
}

// RegisterChild records the trace directory of a forked child. The child's
// summary is inlined into this session's summary.
func (e *Engine) RegisterChild(dir string) {
	if e == nil {
		return
	}
	e.children = append(e.children, dir)
}
