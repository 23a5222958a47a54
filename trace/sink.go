package trace

import (
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zstd"
	"github.com/pierrec/lz4/v4"
)

// Compression selects how an output file is encoded on disk. Compression is
// a sink concern only; record framing is identical for every choice.
type Compression int

const (
	CompressNone Compression = iota
	CompressGzip
	CompressZstd
	CompressLZ4
)

var compressionNames = map[Compression]string{
	CompressNone: "none",
	CompressGzip: "gzip",
	CompressZstd: "zstd",
	CompressLZ4:  "lz4",
}

func (c Compression) String() string {
	if name, ok := compressionNames[c]; ok {
		return name
	}
	return fmt.Sprintf("Compression(%d)", int(c))
}

// Ext returns the file name suffix for the compression, including the dot.
func (c Compression) Ext() string {
	switch c {
	case CompressGzip:
		return ".gz"
	case CompressZstd:
		return ".zst"
	case CompressLZ4:
		return ".lz4"
	}
	return ""
}

// ParseCompression parses a compression name. The empty string means none.
func ParseCompression(s string) (Compression, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "none", "off":
		return CompressNone, nil
	case "gzip", "gz":
		return CompressGzip, nil
	case "zstd", "zst":
		return CompressZstd, nil
	case "lz4":
		return CompressLZ4, nil
	}
	return CompressNone, fmt.Errorf("unknown compression %q", s)
}

// sink closes the compressor before the file underneath it.
type sink struct {
	io.Writer
	closers []io.Closer
}

func (s *sink) Close() error {
	var first error
	for _, c := range s.closers {
		if err := c.Close(); err != nil && first == nil {
			first = err
		}
	}
	return first
}

// WrapSink layers the compressor for c over w. Closing the result closes
// the compressor and then w.
func WrapSink(w io.WriteCloser, c Compression) (io.WriteCloser, error) {
	switch c {
	case CompressNone:
		return w, nil
	case CompressGzip:
		zw := gzip.NewWriter(w)
		return &sink{Writer: zw, closers: []io.Closer{zw, w}}, nil
	case CompressZstd:
		zw, err := zstd.NewWriter(w)
		if err != nil {
			return nil, fmt.Errorf("zstd sink: %w", err)
		}
		return &sink{Writer: zw, closers: []io.Closer{zw, w}}, nil
	case CompressLZ4:
		zw := lz4.NewWriter(w)
		return &sink{Writer: zw, closers: []io.Closer{zw, w}}, nil
	}
	return nil, fmt.Errorf("unsupported compression %v", c)
}

// OpenSink creates path for writing and layers the compressor on top.
func OpenSink(path string, c Compression) (io.WriteCloser, error) {
	f, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("couldn't open file '%s' for writing: %w", path, err)
	}
	w, err := WrapSink(f, c)
	if err != nil {
		f.Close()
		return nil, err
	}
	return w, nil
}

// CompressionFor infers the compression of a file from its name.
func CompressionFor(path string) Compression {
	for _, c := range []Compression{CompressGzip, CompressZstd, CompressLZ4} {
		if strings.HasSuffix(path, c.Ext()) {
			return c
		}
	}
	return CompressNone
}

// source closes the decompressor before the file underneath it.
type source struct {
	io.Reader
	closers []io.Closer
}

func (s *source) Close() error {
	var first error
	for _, c := range s.closers {
		if err := c.Close(); err != nil && first == nil {
			first = err
		}
	}
	return first
}

// UnwrapSource layers the decompressor for c over r.
func UnwrapSource(r io.ReadCloser, c Compression) (io.ReadCloser, error) {
	switch c {
	case CompressNone:
		return r, nil
	case CompressGzip:
		zr, err := gzip.NewReader(r)
		if err != nil {
			return nil, fmt.Errorf("gzip source: %w", err)
		}
		return &source{Reader: zr, closers: []io.Closer{zr, r}}, nil
	case CompressZstd:
		zr, err := zstd.NewReader(r)
		if err != nil {
			return nil, fmt.Errorf("zstd source: %w", err)
		}
		zc := zr.IOReadCloser()
		return &source{Reader: zc, closers: []io.Closer{zc, r}}, nil
	case CompressLZ4:
		return &source{Reader: lz4.NewReader(r), closers: []io.Closer{r}}, nil
	}
	return nil, fmt.Errorf("unknown compression %s", c)
}

// OpenSource opens a file written through OpenSink, decompressing according
// to its extension.
func OpenSource(path string) (io.ReadCloser, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("couldn't open file '%s' for reading: %w", path, err)
	}
	r, err := UnwrapSource(f, CompressionFor(path))
	if err != nil {
		f.Close()
		return nil, err
	}
	return r, nil
}
