// Package scopedebug is a development aid for checking that non-local jumps
// are detected and attributed correctly.
//
// Code under test brackets regions with Start and End, and reports jump
// setup and jump landing with SaveJump and LoadJump. The log keeps its own
// stack of named scopes and a table of jump targets; when a jump lands it
// discards the scopes the jump skipped, so a mismatch between where a jump
// was set up and where it landed shows up in the output.
//
// Every problem the log finds is reported and counted, never fatal. A nil
// *Log is a valid, disabled log.
package scopedebug

import (
	"bufio"
	"bytes"
	"fmt"
	"io"
	"os"
	"strings"
	"unicode"

	"github.com/tliron/commonlog"
	"github.com/zeebo/xxh3"
)

// Scope is one open debug scope.
type Scope struct {
	Name  string
	Depth int

	parent  *Scope
	enabled bool
}

// Parent returns the enclosing scope, nil for the outermost.
func (s *Scope) Parent() *Scope { return s.parent }

// Enabled reports whether output is printed while s is current.
func (s *Scope) Enabled() bool { return s.enabled }

// jump associates a jump target key with the scope that was current when
// the target was set up. Entries are never removed: a target can be jumped
// to any number of times, and nothing here can tell when it is dead.
type jump struct {
	key    []byte
	hash   uint64
	target *Scope
	next   *jump
}

// Log is a scope and jump debug log. It is not safe for concurrent use.
type Log struct {
	out io.Writer
	log commonlog.Logger

	output  bool
	active  map[string]bool
	current *Scope

	jumps  *jump
	njumps int
	errors int
}

// New creates a log printing to out, or to standard output when out is nil.
// Output starts disabled.
func New(out io.Writer) *Log {
	if out == nil {
		out = os.Stdout
	}
	return &Log{
		out:    out,
		log:    commonlog.GetLogger("shadowtrace.scopedebug"),
		active: make(map[string]bool),
	}
}

// ---------------------------------------------------------------------------
// Activation
// ---------------------------------------------------------------------------

// Activate enables output for scopes named name.
func (l *Log) Activate(name string) {
	if l == nil {
		return
	}
	l.active[name] = true
}

// Deactivate disables output for scopes named name.
func (l *Log) Deactivate(name string) {
	if l == nil {
		return
	}
	delete(l.active, name)
}

// IsActive reports whether a scope named name would print. It is always
// false while output is disabled.
func (l *Log) IsActive(name string) bool {
	return l != nil && l.output && l.active[name]
}

// EnableOutput turns printing on.
func (l *Log) EnableOutput() {
	if l != nil {
		l.output = true
	}
}

// DisableOutput turns printing off.
func (l *Log) DisableOutput() {
	if l != nil {
		l.output = false
	}
}

// LoadActivations activates one scope name per line of r. Lines starting
// with "//" are comments; trailing white space is ignored.
func (l *Log) LoadActivations(r io.Reader) error {
	if l == nil {
		return nil
	}
	sc := bufio.NewScanner(r)
	for sc.Scan() {
		line := sc.Text()
		if strings.HasPrefix(line, "//") {
			continue
		}
		line = strings.TrimRightFunc(line, unicode.IsSpace)
		if line == "" {
			continue
		}
		l.log.Debugf("activating scope %q", line)
		l.Activate(line)
	}
	return sc.Err()
}

// ReadFile loads activations from the file at path.
func (l *Log) ReadFile(path string) error {
	if l == nil {
		return nil
	}
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("scopedebug: %w", err)
	}
	defer f.Close()
	if err := l.LoadActivations(f); err != nil {
		return fmt.Errorf("scopedebug: reading %s: %w", path, err)
	}
	return nil
}

// ---------------------------------------------------------------------------
// Scopes
// ---------------------------------------------------------------------------

// Current returns the innermost open scope.
func (l *Log) Current() *Scope {
	if l == nil {
		return nil
	}
	return l.current
}

// Start opens a scope nested in the current one.
func (l *Log) Start(name string) {
	if l == nil {
		return
	}
	s := &Scope{Name: name, parent: l.current, enabled: l.IsActive(name)}
	if s.parent != nil {
		s.Depth = s.parent.Depth + 1
	}
	l.current = s
	l.Printf("[%d] -> ENTER: %s\n", s.Depth, name)
}

// End closes the current scope, which must be named name. A mismatch is
// reported and leaves the scopes unchanged.
func (l *Log) End(name string) {
	if l == nil {
		return
	}
	if l.current == nil {
		l.report("Trying to exit scope %s but current Scope is NULL", name)
		return
	}
	if l.current.Name != name {
		l.report("Trying to exit scope %s but current Scope is %s", name, l.current.Name)
		return
	}
	l.Printf("[%d] <- EXIT: %s\n", l.current.Depth, name)
	l.current = l.current.parent
}

// Printf prints when output is enabled and the current scope is active.
func (l *Log) Printf(format string, args ...any) {
	if l == nil || !l.output || l.current == nil || !l.current.enabled {
		return
	}
	fmt.Fprintf(l.out, format, args...)
}

func (l *Log) report(format string, args ...any) {
	l.errors++
	msg := fmt.Sprintf(format, args...)
	l.log.Error(msg)
	fmt.Fprintf(l.out, "ERROR: %s\n", msg)
}

// Errors returns the number of problems reported so far.
func (l *Log) Errors() int {
	if l == nil {
		return 0
	}
	return l.errors
}

// Stack returns the names of the open scopes, innermost first.
func (l *Log) Stack() []string {
	if l == nil {
		return nil
	}
	var names []string
	for s := l.current; s != nil; s = s.parent {
		names = append(names, s.Name)
	}
	return names
}

// PrintStack prints the open scopes, innermost first.
func (l *Log) PrintStack() {
	if l == nil {
		return
	}
	fmt.Fprintln(l.out, "--- START Debug Scope Stack ---")
	for _, name := range l.Stack() {
		fmt.Fprintf(l.out, "* %s\n", name)
	}
	fmt.Fprintln(l.out, "--- END Debug Scope Stack ---")
}

// ---------------------------------------------------------------------------
// Jumps
// ---------------------------------------------------------------------------

// Jumps returns the number of jump targets saved so far.
func (l *Log) Jumps() int {
	if l == nil {
		return 0
	}
	return l.njumps
}

// SaveJump records that a jump target identified by key was set up in the
// current scope.
func (l *Log) SaveJump(key []byte) {
	if l == nil {
		return
	}
	if l.current == nil {
		l.report("Current Scope is NULL while saving a jump target")
		return
	}
	l.jumps = &jump{
		key:    bytes.Clone(key),
		hash:   xxh3.Hash(key),
		target: l.current,
		next:   l.jumps,
	}
	l.njumps++
	l.Printf("# Saved a jump target in %s\n", l.current.Name)
}

// find returns the newest jump saved under key and the number of entries
// passed over before it.
func (l *Log) find(key []byte) (*jump, int) {
	h := xxh3.Hash(key)
	n := 0
	for j := l.jumps; j != nil; j = j.next {
		if j.hash == h && bytes.Equal(j.key, key) {
			return j, n
		}
		n++
	}
	return nil, n
}

func (l *Log) onStack(target *Scope) bool {
	for s := l.current; s != nil; s = s.parent {
		if s == target {
			return true
		}
	}
	return false
}

// LoadJump records that a jump to key happened. Scopes between the current
// one and the scope the target was set up in are discarded.
func (l *Log) LoadJump(key []byte) {
	if l == nil {
		return
	}
	if l.current == nil {
		l.report("Current Scope is NULL while loading a jump target")
		return
	}
	j, n := l.find(key)
	if j == nil {
		l.report("loadJump but target unknown - %d entries", n)
		return
	}
	target := j.target
	if target == l.current {
		l.Printf("[%d] ^ LONGJUMP IN: %s\n", target.Depth, target.Name)
		return
	}
	if !l.onStack(target) {
		l.report("loadJump-target %s not found on scope-stack", target.Name)
		return
	}
	for l.current != target {
		s := l.current
		l.Printf("[%d] <- DISCARD: %s\n", s.Depth, s.Name)
		l.log.Debugf("jump discarded scope %s at depth %d", s.Name, s.Depth)
		l.current = s.parent
	}
	l.Printf("[%d] <-- ENTER via longjump: %s\n", target.Depth, target.Name)
}

// SaveLoadJump reports the result of a setjmp-style call: value 0 means the
// target was just set up, anything else means a jump landed on it.
func (l *Log) SaveLoadJump(key []byte, value int) {
	if value == 0 {
		l.SaveJump(key)
	} else {
		l.LoadJump(key)
	}
}
