package agent

import (
	"errors"
	"fmt"
)

// ErrKind classifies agent run failures for trace records and HTTP mapping.
type ErrKind string

const (
	// KindUnknownAgent indicates no definition is registered for the name.
	KindUnknownAgent ErrKind = "unknown_agent"

	// KindValidation indicates the input or output schema rejected a value.
	KindValidation ErrKind = "validation"

	// KindTimeout indicates the run exceeded its timeout.
	KindTimeout ErrKind = "timeout"

	// KindCycle indicates the agent is already on the invocation stack.
	KindCycle ErrKind = "cycle"

	// KindDepthExceeded indicates the nested invocation depth limit was hit.
	KindDepthExceeded ErrKind = "depth_exceeded"

	// KindCallLimit indicates the per-run total call budget was exhausted.
	KindCallLimit ErrKind = "call_limit"

	// KindNotAllowed indicates the parent's allowedCalls excludes the agent.
	KindNotAllowed ErrKind = "not_allowed"

	// KindRunFailed indicates the agent body returned an error.
	KindRunFailed ErrKind = "run_failed"
)

// RunError is a classified agent run failure.
type RunError struct {
	Kind  ErrKind
	Agent string
	Err   error
}

func (e *RunError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("agent %s: %s: %v", e.Agent, e.Kind, e.Err)
	}
	return fmt.Sprintf("agent %s: %s", e.Agent, e.Kind)
}

func (e *RunError) Unwrap() error { return e.Err }

// runError builds a RunError wrapping a formatted cause.
func runError(kind ErrKind, agent, format string, args ...any) *RunError {
	return &RunError{Kind: kind, Agent: agent, Err: fmt.Errorf(format, args...)}
}

// KindOf extracts the error kind, or "" for non-agent errors.
func KindOf(err error) ErrKind {
	var re *RunError
	if errors.As(err, &re) {
		return re.Kind
	}
	return ""
}
