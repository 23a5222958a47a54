package trace

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// File names inside a trace directory.
const (
	SummaryFileName  = "trace_summary"
	SnapshotFileName = "summary.cbor"
)

// ---------------------------------------------------------------------------
// Summary format
// ---------------------------------------------------------------------------
//
// The summary is line oriented. Scalars are "Key: value". A table starts
// with a label line naming its columns and a table line naming the row key
// and the table; each row then starts with the row key:
//
//	#!LABEL	args	positional	keyword	dots
//	#!TABLE	args	ArgCounts
//	args	0	12	40	40
//
// Child summaries are inlined between #!CHILD and #!ENDCHILD lines.

// SummaryWriter writes the summary format. The first write error is kept and
// later writes are skipped.
type SummaryWriter struct {
	w   io.Writer
	err error
}

// NewSummaryWriter returns a writer for w.
func NewSummaryWriter(w io.Writer) *SummaryWriter {
	return &SummaryWriter{w: w}
}

func (s *SummaryWriter) printf(format string, args ...any) {
	if s.err != nil {
		return
	}
	_, s.err = fmt.Fprintf(s.w, format, args...)
}

// Value writes one scalar line.
func (s *SummaryWriter) Value(key string, v any) {
	s.printf("%s: %v\n", key, v)
}

// Table starts a table whose rows are keyed by rowKey.
func (s *SummaryWriter) Table(rowKey, name string, cols ...string) {
	s.printf("#!LABEL\t%s\n", strings.Join(cols, "\t"))
	s.printf("#!TABLE\t%s\t%s\n", rowKey, name)
}

// Row writes one table row.
func (s *SummaryWriter) Row(rowKey string, vals ...any) {
	var b strings.Builder
	b.WriteString(rowKey)
	for _, v := range vals {
		fmt.Fprintf(&b, "\t%v", v)
	}
	s.printf("%s\n", b.String())
}

// Child inlines the summary read from r, written by the session in dir.
func (s *SummaryWriter) Child(dir string, r io.Reader) {
	s.printf("#!CHILD\t%s\n", dir)
	if s.err == nil {
		data, err := io.ReadAll(r)
		if err != nil {
			s.err = err
			return
		}
		if len(data) > 0 && data[len(data)-1] != '\n' {
			data = append(data, '\n')
		}
		_, s.err = s.w.Write(data)
	}
	s.printf("#!ENDCHILD\n")
}

// Err returns the first write error.
func (s *SummaryWriter) Err() error { return s.err }

// ---------------------------------------------------------------------------
// Session summary
// ---------------------------------------------------------------------------

func (e *Engine) finalHeight() int {
	if e.stack == nil {
		return 0
	}
	n, _ := e.stack.Height()
	return n
}

func (e *Engine) maxHeight() int {
	if e.stack == nil {
		return 0
	}
	return e.stack.MaxHeight()
}

func (e *Engine) sourceName() string {
	if e.opts.InputFile == "" {
		return "stdin"
	}
	return e.opts.InputFile
}

func (e *Engine) version() string {
	if e.opts.Version == "" {
		return DefaultVersionStamp
	}
	return e.opts.Version
}

// WriteSummary writes the session summary to w.
func (e *Engine) WriteSummary(w io.Writer) error {
	s := NewSummaryWriter(w)
	c := &e.counters

	s.Value("TraceID", e.id)
	s.Value("TraceDir", e.dir)
	s.Value("TraceMode", e.opts.Mode)
	s.Value("SourceName", e.sourceName())
	if wd, err := os.Getwd(); err == nil {
		s.Value("Workdir", wd)
	}
	s.Value("TracerVersion", e.version())
	s.Value("PtrSize", AddressSize)
	s.Value("TraceDate", e.started.Format(time.ANSIC))
	writeRusage(s)

	s.Value("FatalErrors", c.FatalErrors)
	s.Value("TraceStackErrors", c.StackErrors)
	s.Value("FinalContextStackHeight", e.finalHeight())
	s.Value("FinalContextStackFlushed", c.StackFlushed)
	s.Value("MaxStackHeight", e.maxHeight())
	s.Value("BytesWritten", e.Offset())
	s.Value("EventsTraced", c.Events)
	s.Value("FuncsDecld", c.FuncDecls)
	s.Value("NullSrcrefs", c.NullSrcrefs)
	s.Value("ClosureCalls", c.ClosureCalls)
	s.Value("SpecialCalls", c.SpecialCalls)
	s.Value("BuiltinCalls", c.BuiltinCalls)
	s.Value("TotalCalls", c.TotalCalls())
	s.Value("ContextsOpened", c.Contexts)
	s.Value("PromisesForced", c.PromisesForced)
	s.Value("PromisesAbandoned", c.PromisesAbandoned)
	s.Value("ExternalCalls", c.ExternalCalls)

	s.Table("args", "ArgCounts", "args", "positional", "keyword", "dots")
	for i := 0; i <= maxByte; i++ {
		p, k, d := c.Arity.Positional[i], c.Arity.Keyword[i], c.Arity.Dots[i]
		if p|k|d != 0 {
			s.Row("args", i, p, k, d)
		}
	}

	s.Table("vector", "VectorClasses", "class", "allocs", "elements", "size", "asize")
	for class := VectorZero; class < numVectorClasses; class++ {
		v := c.VectorAllocs[class]
		s.Row("vector", class, v.Allocs, v.Elements, v.Size, v.AllocSize)
	}

	writeHistogram(s, "vsize", "VectorSizes", &c.VectorSizes)
	writeHistogram(s, "pdelta", "PromiseResolution", &c.PromiseDeltas)

	for _, src := range e.sources {
		src.WriteSummary(s)
	}
	for _, dir := range e.children {
		e.inlineChild(s, dir)
	}
	return s.Err()
}

func writeHistogram(s *SummaryWriter, rowKey, name string, h *Histogram) {
	s.Value(name+"Count", h.Count)
	s.Value(name+"Sum", h.Sum)
	s.Value(name+"Max", h.Max)
	s.Table(rowKey, name, "lower", "upper", "count")
	for b, n := range h.Bins {
		if n != 0 {
			s.Row(rowKey, BinLower(b), BinUpper(b), n)
		}
	}
}

func (e *Engine) inlineChild(s *SummaryWriter, dir string) {
	f, err := os.Open(filepath.Join(dir, SummaryFileName))
	if err != nil {
		e.log.Warningf("child summary %s: %s", dir, err)
		return
	}
	defer f.Close()
	s.Child(dir, f)
}

// writeSummaryFiles writes the summary and, when enabled, the snapshot,
// either to the configured outputs or to files in the trace directory.
func (e *Engine) writeSummaryFiles() error {
	var errs []error
	if err := writeOutput(e.out.Summary, e.summaryPath, e.WriteSummary); err != nil {
		errs = append(errs, fmt.Errorf("write summary: %w", err))
	}
	if e.opts.SnapshotCBOR {
		write := func(w io.Writer) error { return EncodeSnapshot(w, e.Snapshot()) }
		if err := writeOutput(e.out.Snapshot, e.snapshotPath, write); err != nil {
			errs = append(errs, fmt.Errorf("write snapshot: %w", err))
		}
	}
	return errors.Join(errs...)
}

func writeOutput(w io.Writer, path string, write func(io.Writer) error) error {
	if w == nil {
		if path == "" {
			return nil
		}
		f, err := os.Create(path)
		if err != nil {
			return fmt.Errorf("couldn't open file '%s' for writing: %w", path, err)
		}
		w = f
	}
	err := write(w)
	if c, ok := w.(io.Closer); ok {
		err = errors.Join(err, c.Close())
	}
	return err
}
