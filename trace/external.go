package trace

import (
	"bufio"
	"fmt"
	"io"
	"strings"
)

// ExternalKind is the host's foreign call interface used for a native call.
type ExternalKind int

const (
	ExternalC ExternalKind = iota
	ExternalCall
	ExternalFortran
	ExternalExternal
)

var externalKindNames = [...]string{".C", ".Call", ".Fortran", ".External"}

func (k ExternalKind) String() string {
	if k >= 0 && int(k) < len(externalKindNames) {
		return externalKindNames[k]
	}
	return fmt.Sprintf("ExternalKind(%d)", int(k))
}

// ParseExternalKind accepts the interface name with or without its leading dot.
func ParseExternalKind(s string) (ExternalKind, error) {
	if !strings.HasPrefix(s, ".") {
		s = "." + s
	}
	for i, name := range externalKindNames {
		if s == name {
			return ExternalKind(i), nil
		}
	}
	return 0, fmt.Errorf("unknown external interface %q", s)
}

// ExternalLog lists native calls, one tab separated line each.
type ExternalLog struct {
	w *bufio.Writer
}

func newExternalLog(w io.Writer) *ExternalLog {
	return &ExternalLog{w: bufio.NewWriter(w)}
}

func (l *ExternalLog) record(kind ExternalKind, name string, addr uintptr) {
	fmt.Fprintf(l.w, "%s\t%s\t%#x\n", kind, name, addr)
}

func (l *ExternalLog) flush() error {
	return l.w.Flush()
}
