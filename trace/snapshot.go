package trace

import (
	"fmt"
	"io"

	"github.com/fxamacker/cbor/v2"
)

var cborEncMode cbor.EncMode

func init() {
	em, err := cbor.CanonicalEncOptions().EncMode()
	if err != nil {
		panic(fmt.Sprintf("trace: failed to create CBOR enc mode: %v", err))
	}
	cborEncMode = em
}

// Snapshot is the machine readable form of a session summary.
type Snapshot struct {
	TraceID     string   `cbor:"id"`
	Mode        string   `cbor:"mode"`
	Dir         string   `cbor:"dir,omitempty"`
	Source      string   `cbor:"source"`
	Version     string   `cbor:"version"`
	PtrSize     int      `cbor:"ptrsize"`
	Date        int64    `cbor:"date"`
	FinalHeight int      `cbor:"final_height"`
	MaxHeight   int      `cbor:"max_height"`
	Bytes       uint64   `cbor:"bytes"`
	Counters    Counters `cbor:"counters"`
	Children    []string `cbor:"children,omitempty"`
}

// Snapshot captures the session's summary data.
func (e *Engine) Snapshot() *Snapshot {
	return &Snapshot{
		TraceID:     e.id,
		Mode:        e.opts.Mode.String(),
		Dir:         e.dir,
		Source:      e.sourceName(),
		Version:     e.version(),
		PtrSize:     AddressSize,
		Date:        e.started.Unix(),
		FinalHeight: e.finalHeight(),
		MaxHeight:   e.maxHeight(),
		Bytes:       e.Offset(),
		Counters:    e.counters,
		Children:    e.children,
	}
}

// EncodeSnapshot writes s to w as canonical CBOR.
func EncodeSnapshot(w io.Writer, s *Snapshot) error {
	data, err := cborEncMode.Marshal(s)
	if err != nil {
		return fmt.Errorf("trace: marshal snapshot: %w", err)
	}
	_, err = w.Write(data)
	return err
}

// DecodeSnapshot reads a snapshot written by EncodeSnapshot.
func DecodeSnapshot(r io.Reader) (*Snapshot, error) {
	var s Snapshot
	if err := cbor.NewDecoder(r).Decode(&s); err != nil {
		return nil, fmt.Errorf("trace: unmarshal snapshot: %w", err)
	}
	return &s, nil
}
