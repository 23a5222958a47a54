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

// File names inside a trace directory. Compressed files get the
// compression's extension appended.
const (
	TraceFileName         = "trace.bin"
	SourceMapFileName     = "source.map"
	ExternalCallsFileName = "external_calls.txt"
	FunctionTableFileName = "function_table.txt"
	SourceCopyName        = "source"
)

// DefaultDir names the trace directory for input started at now:
// data_<yymmdd_HHMMSS>_<input name without extension>.
func DefaultDir(input string, now time.Time) string {
	name := "stdin"
	if input != "" {
		name = filepath.Base(input)
		name = strings.TrimSuffix(name, filepath.Ext(name))
	}
	return fmt.Sprintf("data_%s_%s", now.Format("060102_150405"), name)
}

// Open creates the trace directory and its files and returns an engine
// writing to them. It returns a nil engine, which ignores every hook, when
// the mode is ModeDisabled.
func Open(opts Options) (*Engine, error) {
	if opts.Mode == ModeDisabled {
		return nil, nil
	}
	dir := opts.Dir
	if dir == "" {
		dir = DefaultDir(opts.InputFile, time.Now())
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("can't create directory %s: %w", dir, err)
	}

	var out Outputs
	var opened []io.Closer
	fail := func(err error) (*Engine, error) {
		for _, c := range opened {
			c.Close()
		}
		return nil, err
	}
	open := func(name string) (io.WriteCloser, error) {
		w, err := OpenSink(filepath.Join(dir, name+opts.Compression.Ext()), opts.Compression)
		if err != nil {
			return nil, err
		}
		opened = append(opened, w)
		return w, nil
	}

	if opts.Mode != ModeSummary {
		w, err := open(TraceFileName)
		if err != nil {
			return fail(err)
		}
		out.Trace = w
		if w, err = open(SourceMapFileName); err != nil {
			return fail(err)
		}
		out.SourceMap = w
		if opts.TraceExternalCalls {
			if w, err = open(ExternalCallsFileName); err != nil {
				return fail(err)
			}
			out.ExternalCalls = w
		}
	}

	e := New(opts, out)
	e.dir = dir
	e.summaryPath = filepath.Join(dir, SummaryFileName)
	if opts.SnapshotCBOR {
		e.snapshotPath = filepath.Join(dir, SnapshotFileName)
	}
	if opts.InputFile != "" {
		if err := copySource(opts.InputFile, dir); err != nil {
			e.log.Warningf("problem copying input file: %s", err)
		}
	}
	e.log.Infof("trace %s writing to %s", e.id, dir)
	return e, nil
}

func copySource(input, dir string) (err error) {
	src, err := os.Open(input)
	if err != nil {
		return err
	}
	defer src.Close()
	dst, err := os.Create(filepath.Join(dir, SourceCopyName+filepath.Ext(input)))
	if err != nil {
		return err
	}
	defer func() {
		err = errors.Join(err, dst.Close())
	}()
	_, err = io.Copy(dst, src)
	return err
}

// Primitive is one entry of the host's primitive function table.
type Primitive struct {
	Name string
	// Eval is the host's eval code; its last decimal digit says how the
	// primitive's arguments are evaluated.
	Eval int
}

// WriteFunctionTable writes the host's primitive table to the trace
// directory, one "<eval%10> <name>" line per primitive, in table order.
// Offsets in primitive call records index this table.
func (e *Engine) WriteFunctionTable(prims []Primitive) error {
	if e == nil || e.dir == "" {
		return nil
	}
	path := filepath.Join(e.dir, FunctionTableFileName)
	return writeOutput(nil, path, func(w io.Writer) error {
		return writeFunctionTable(w, prims)
	})
}

func writeFunctionTable(w io.Writer, prims []Primitive) error {
	for _, p := range prims {
		if _, err := fmt.Fprintf(w, "%d %s\n", p.Eval%10, p.Name); err != nil {
			return err
		}
	}
	return nil
}
