package main

import (
	"bufio"
	"fmt"
	"io"

	"github.com/dustin/go-humanize"

	"github.com/chazu/shadowtrace/trace"
)

// ---------------------------------------------------------------------------
// rtrace dump: print the records of a trace file
// ---------------------------------------------------------------------------

func handleDumpCommand(args []string, stdout, stderr io.Writer) int {
	if len(args) != 1 || args[0] == "-h" || args[0] == "--help" {
		fmt.Fprintf(stderr, "Usage: rtrace dump <trace file>\n\n")
		fmt.Fprintf(stderr, "Prints one line per record: byte offset, then the record.\n")
		fmt.Fprintf(stderr, "Compressed traces are recognized by extension.\n")
		if len(args) == 1 {
			return 0
		}
		return 2
	}
	if err := dumpTrace(args[0], stdout); err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}
	return 0
}

func dumpTrace(path string, out io.Writer) error {
	src, err := trace.OpenSource(path)
	if err != nil {
		return err
	}
	defer src.Close()

	w := bufio.NewWriter(out)
	defer w.Flush()

	d := trace.NewDecoder(src)
	version, err := d.ReadHeader()
	if err != nil {
		return fmt.Errorf("%s: %w", path, err)
	}
	fmt.Fprintf(w, "# version %s\n", version)
	var n int64
	for {
		offset := d.Offset()
		r, err := d.Next()
		if err == io.EOF {
			fmt.Fprintf(w, "# %s records, %s\n", humanize.Comma(n), humanize.Bytes(offset))
			return nil
		}
		if err != nil {
			return fmt.Errorf("%s at offset %#x: %w", path, offset, err)
		}
		fmt.Fprintf(w, "0x%08x %s\n", offset, trace.Describe(r))
		n++
	}
}
