// rtrace replays an interpreter event script through the shadow stack
// tracer and writes a trace directory.
package main

import (
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/dustin/go-humanize"
	"github.com/tliron/commonlog"
	_ "github.com/tliron/commonlog/simple"

	"github.com/chazu/shadowtrace/hostsim"
	"github.com/chazu/shadowtrace/manifest"
	"github.com/chazu/shadowtrace/scopedebug"
	"github.com/chazu/shadowtrace/trace"
)

// exit ends the process after a fatal trace error.
var exit = os.Exit

func main() {
	os.Exit(run(os.Args[1:], os.Stdin, os.Stdout, os.Stderr))
}

func run(args []string, stdin io.Reader, stdout, stderr io.Writer) int {
	if len(args) > 0 && args[0] == "dump" {
		return handleDumpCommand(args[1:], stdout, stderr)
	}

	fs := flag.NewFlagSet("rtrace", flag.ContinueOnError)
	fs.SetOutput(stderr)
	verbose := fs.Int("v", 0, "Log verbosity, higher is more verbose")
	configDir := fs.String("config", "", "Directory holding rtrace.toml (default: search upward from the working directory)")
	mode := fs.String("mode", "", "Trace mode: all, repl, summary or disabled")
	dir := fs.String("dir", "", "Trace directory (default: data_<date>_<input>)")
	compression := fs.String("z", "", "Trace compression: none, gzip, zstd or lz4")
	external := fs.Bool("external", false, "Record calls into native code")
	snapshot := fs.Bool("cbor", false, "Also write summary.cbor")
	scopes := fs.String("scopes", "", "Scope activation file for the debug log")
	debug := fs.Bool("debug", false, "Print the scope debug log to stderr")
	input := fs.String("input", "", "Program being traced (default: the script itself)")

	fs.Usage = func() {
		fmt.Fprintf(stderr, "Usage: rtrace [options] <script>\n")
		fmt.Fprintf(stderr, "       rtrace dump <trace file>\n\n")
		fmt.Fprintf(stderr, "Replays an event script against the tracer. Use - to read the script from stdin.\n\n")
		fmt.Fprintf(stderr, "Options:\n")
		fs.PrintDefaults()
		fmt.Fprintf(stderr, "\nExamples:\n")
		fmt.Fprintf(stderr, "  rtrace fib.rts                  # Trace into data_<date>_fib\n")
		fmt.Fprintf(stderr, "  rtrace -z zstd -dir out fib.rts # Compressed trace in out/\n")
		fmt.Fprintf(stderr, "  rtrace -mode summary fib.rts    # Summary only\n")
		fmt.Fprintf(stderr, "  rtrace dump out/trace.bin.zst   # Print the records of a trace\n")
	}
	if err := fs.Parse(args); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return 0
		}
		return 2
	}
	if fs.NArg() != 1 {
		fs.Usage()
		return 2
	}
	script := fs.Arg(0)

	commonlog.Configure(*verbose, nil)
	log := commonlog.GetLogger("shadowtrace.cli")

	m, err := loadManifest(*configDir)
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}

	// Flags given on the command line override rtrace.toml.
	fs.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "mode":
			m.Trace.Mode = *mode
		case "dir":
			m.Trace.Dir = *dir
			if !filepath.IsAbs(*dir) {
				m.Trace.Dir, _ = filepath.Abs(*dir)
			}
		case "z":
			m.Trace.Compression = *compression
		case "external":
			m.Trace.ExternalCalls = *external
		case "cbor":
			m.Summary.CBOR = *snapshot
		case "scopes":
			m.Debug.ScopesFile, _ = filepath.Abs(*scopes)
		case "debug":
			m.Debug.EnableOutput = *debug
		}
	})
	if err := m.Validate(); err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 2
	}

	traced := *input
	if traced == "" && script != "-" {
		traced = script
	}
	opts, err := m.Options(traced)
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 2
	}

	scopeLog := scopedebug.New(stderr)
	if path := m.ScopesPath(); path != "" {
		if err := scopeLog.ReadFile(path); err != nil {
			fmt.Fprintf(stderr, "Warning: %v\n", err)
		}
	}
	if m.Debug.EnableOutput {
		scopeLog.EnableOutput()
	}
	opts.Scopes = scopeLog
	opts.Stderr = stderr
	opts.Exit = exit

	e, err := trace.Open(opts)
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return trace.ExitResource
	}
	if e != nil {
		if err := manifest.Write(filepath.Join(e.Dir(), manifest.FileName), m); err != nil {
			log.Warningf("saving configuration: %s", err)
		}
	}

	r := hostsim.NewRunner(e, scopeLog)
	r.SmallVectorLimit = m.Host.SmallVectorLimit
	e.AddSummarySource(r)
	// Written now so a session that dies on a fatal error still has it;
	// rewritten below with the primitives the script added.
	if err := e.WriteFunctionTable(r.Primitives()); err != nil {
		log.Warningf("writing function table: %s", err)
	}

	src := stdin
	name := "stdin"
	if script != "-" {
		f, err := os.Open(script)
		if err != nil {
			fmt.Fprintf(stderr, "Error: %v\n", err)
			e.Abort()
			return 1
		}
		defer f.Close()
		src, name = f, script
	}

	runErr := r.Run(name, src)
	if err := e.WriteFunctionTable(r.Primitives()); err != nil {
		log.Warningf("writing function table: %s", err)
	}
	switch {
	case errors.Is(runErr, hostsim.ErrAborted):
		fmt.Fprintf(stderr, "Trace %s aborted\n", e.ID())
		return 1
	case runErr != nil:
		fmt.Fprintf(stderr, "Error: %v\n", runErr)
		if err := e.Abort(); err != nil {
			fmt.Fprintf(stderr, "Error: %v\n", err)
		}
		return 1
	}

	if err := e.Finish(); err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return trace.ExitResource
	}
	if n := scopeLog.Errors(); n > 0 {
		log.Warningf("%d scope debug problems", n)
	}
	if e != nil {
		fmt.Fprintf(stdout, "Trace %s written to %s (%s)\n", e.ID(), e.Dir(), humanize.Bytes(e.Offset()))
	}
	return 0
}

// loadManifest reads rtrace.toml from dir, or searches upward from the
// working directory when dir is empty. A missing file yields the defaults.
func loadManifest(dir string) (*manifest.Manifest, error) {
	if dir != "" {
		return manifest.Load(dir)
	}
	wd, err := os.Getwd()
	if err != nil {
		return nil, err
	}
	m, err := manifest.FindAndLoad(wd)
	if err != nil {
		return nil, err
	}
	if m == nil {
		m = manifest.Default()
	}
	return m, nil
}
