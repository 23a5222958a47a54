// Package manifest handles rtrace.toml tracing configuration.
package manifest

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/BurntSushi/toml"

	"github.com/chazu/shadowtrace/trace"
)

// FileName is the name of the configuration file.
const FileName = "rtrace.toml"

// Manifest represents an rtrace.toml configuration.
type Manifest struct {
	Trace   TraceConfig   `toml:"trace"`
	Summary SummaryConfig `toml:"summary"`
	Debug   DebugConfig   `toml:"debug"`
	Host    HostConfig    `toml:"host"`

	// Dir is the directory containing the rtrace.toml file (set at load time).
	Dir string `toml:"-"`
}

// TraceConfig configures the trace session.
type TraceConfig struct {
	Mode          string `toml:"mode"`
	Dir           string `toml:"dir"`
	Compression   string `toml:"compression"`
	Version       string `toml:"version"`
	ExternalCalls bool   `toml:"external-calls"`
}

// SummaryConfig configures the end-of-session summary.
type SummaryConfig struct {
	CBOR bool `toml:"cbor"`
}

// DebugConfig configures the scope debug log.
type DebugConfig struct {
	ScopesFile   string `toml:"scopes-file"`
	EnableOutput bool   `toml:"enable-output"`
}

// HostConfig describes the simulated host.
type HostConfig struct {
	SmallVectorLimit uint64 `toml:"small-vector-limit"`
}

// DefaultSmallVectorLimit is the largest vector, in elements, counted as a
// small allocation when the configuration does not say.
const DefaultSmallVectorLimit = 16

// Default returns the configuration used when no rtrace.toml exists.
func Default() *Manifest {
	m := &Manifest{}
	m.setDefaults()
	return m
}

func (m *Manifest) setDefaults() {
	if m.Trace.Mode == "" {
		m.Trace.Mode = trace.ModeAll.String()
	}
	if m.Trace.Compression == "" {
		m.Trace.Compression = trace.CompressNone.String()
	}
	if m.Host.SmallVectorLimit == 0 {
		m.Host.SmallVectorLimit = DefaultSmallVectorLimit
	}
}

// Load parses an rtrace.toml file from the given directory.
func Load(dir string) (*Manifest, error) {
	path := filepath.Join(dir, FileName)
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("cannot read %s: %w", path, err)
	}

	var m Manifest
	if err := toml.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("parse error in %s: %w", path, err)
	}

	m.Dir, err = filepath.Abs(dir)
	if err != nil {
		return nil, fmt.Errorf("cannot resolve path %s: %w", dir, err)
	}

	m.setDefaults()
	if err := m.Validate(); err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return &m, nil
}

// FindAndLoad walks up from startDir to find an rtrace.toml file,
// then loads and returns the manifest. Returns nil if no manifest is found.
func FindAndLoad(startDir string) (*Manifest, error) {
	dir, err := filepath.Abs(startDir)
	if err != nil {
		return nil, err
	}

	for {
		path := filepath.Join(dir, FileName)
		if _, err := os.Stat(path); err == nil {
			return Load(dir)
		}

		parent := filepath.Dir(dir)
		if parent == dir {
			// Reached root
			return nil, nil
		}
		dir = parent
	}
}

// Write saves m as TOML at path.
func Write(path string, m *Manifest) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("cannot create %s: %w", path, err)
	}
	defer f.Close()

	if err := toml.NewEncoder(f).Encode(m); err != nil {
		return fmt.Errorf("cannot write %s: %w", path, err)
	}
	return f.Close()
}

// Validate checks the enumerated settings.
func (m *Manifest) Validate() error {
	if _, err := trace.ParseMode(m.Trace.Mode); err != nil {
		return fmt.Errorf("[trace] mode: %w", err)
	}
	if _, err := trace.ParseCompression(m.Trace.Compression); err != nil {
		return fmt.Errorf("[trace] compression: %w", err)
	}
	return nil
}

// resolve makes a configured path absolute relative to the manifest.
func (m *Manifest) resolve(p string) string {
	if p == "" || filepath.IsAbs(p) || m.Dir == "" {
		return p
	}
	return filepath.Join(m.Dir, p)
}

// ScopesPath returns the scope activation file, resolved against Dir.
func (m *Manifest) ScopesPath() string {
	return m.resolve(m.Debug.ScopesFile)
}

// Options converts the configuration into engine options for tracing
// input. The scope log, error stream and exit function are left to the
// caller.
func (m *Manifest) Options(input string) (trace.Options, error) {
	mode, err := trace.ParseMode(m.Trace.Mode)
	if err != nil {
		return trace.Options{}, err
	}
	comp, err := trace.ParseCompression(m.Trace.Compression)
	if err != nil {
		return trace.Options{}, err
	}
	return trace.Options{
		Mode:               mode,
		Dir:                m.resolve(m.Trace.Dir),
		InputFile:          input,
		Compression:        comp,
		Version:            m.Trace.Version,
		TraceExternalCalls: m.Trace.ExternalCalls,
		SnapshotCBOR:       m.Summary.CBOR,
	}, nil
}
