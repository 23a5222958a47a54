package trace

import (
	"fmt"
	"strings"
)

// Violation categorizes a shadow stack integrity failure. Every violation is
// fatal to the tracing session and maps to its own process exit status.
type Violation int

const (
	ViolationStackMismatch Violation = iota + 1
	ViolationMissingPair
	ViolationPopBelowRoot
	ViolationUnknownTopLevel
	ViolationHeightDrift
)

// Exit statuses. ExitResource covers trace files that cannot be created or
// written.
const (
	ExitResource        = 1
	ExitStackMismatch   = 2
	ExitMissingPair     = 3
	ExitPopBelowRoot    = 4
	ExitUnknownTopLevel = 5
	ExitHeightDrift     = 6
)

var violationNames = map[Violation]string{
	ViolationStackMismatch:   "stack mismatch",
	ViolationMissingPair:     "missing prologue/call pair",
	ViolationPopBelowRoot:    "pop below root",
	ViolationUnknownTopLevel: "unknown top-level context",
	ViolationHeightDrift:     "stack height drift",
}

func (v Violation) String() string {
	if name, ok := violationNames[v]; ok {
		return name
	}
	return fmt.Sprintf("Violation(%d)", int(v))
}

// ExitCode returns the process exit status for the violation.
func (v Violation) ExitCode() int {
	switch v {
	case ViolationStackMismatch:
		return ExitStackMismatch
	case ViolationMissingPair:
		return ExitMissingPair
	case ViolationPopBelowRoot:
		return ExitPopBelowRoot
	case ViolationUnknownTopLevel:
		return ExitUnknownTopLevel
	case ViolationHeightDrift:
		return ExitHeightDrift
	}
	return ExitResource
}

// IntegrityError reports a shadow stack that no longer agrees with the
// host. Stack holds the frame kinds top to bottom at the time of failure.
type IntegrityError struct {
	Violation Violation
	Msg       string
	Stack     []string
}

func (e *IntegrityError) Error() string {
	return e.Msg
}

// StackDump renders the captured stack on one line.
func (e *IntegrityError) StackDump() string {
	return strings.Join(e.Stack, " ")
}

func (s *ShadowStack) violationf(v Violation, format string, args ...any) *IntegrityError {
	return &IntegrityError{
		Violation: v,
		Msg:       fmt.Sprintf(format, args...),
		Stack:     s.Dump(),
	}
}
