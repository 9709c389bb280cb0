package workflow

import (
	"errors"
	"fmt"
)

// GraphErrorKind classifies build-time graph defects.
type GraphErrorKind string

const (
	GraphErrEmpty          GraphErrorKind = "empty_graph"
	GraphErrDuplicateNode  GraphErrorKind = "duplicate_node"
	GraphErrReservedName   GraphErrorKind = "reserved_name"
	GraphErrNilNode        GraphErrorKind = "nil_node"
	GraphErrDanglingEdge   GraphErrorKind = "dangling_edge"
	GraphErrDuplicateEdge  GraphErrorKind = "duplicate_edge"
	GraphErrUnknownTarget  GraphErrorKind = "unknown_target"
	GraphErrMissingEntry   GraphErrorKind = "missing_entry"
	GraphErrNoTerminal     GraphErrorKind = "no_terminal"
	GraphErrInvalidReducer GraphErrorKind = "invalid_reducer"
	GraphErrInvalidConfig  GraphErrorKind = "invalid_config"
)

// GraphError is returned by Compile. A graph that produces one is never compiled.
type GraphError struct {
	Graph  string
	Kind   GraphErrorKind
	Node   string
	Target string
	Detail string
}

func (e *GraphError) Error() string {
	msg := fmt.Sprintf("graph %q: %s", e.Graph, e.Kind)
	if e.Node != "" {
		msg += fmt.Sprintf(" node=%q", e.Node)
	}
	if e.Target != "" {
		msg += fmt.Sprintf(" target=%q", e.Target)
	}
	if e.Detail != "" {
		msg += ": " + e.Detail
	}
	return msg
}

// ExecutionErrorKind classifies run-time failures.
type ExecutionErrorKind string

const (
	ExecErrNoEdge          ExecutionErrorKind = "no_edge"
	ExecErrNoTermination   ExecutionErrorKind = "no_termination"
	ExecErrCancelled       ExecutionErrorKind = "cancelled"
	ExecErrUnknownTarget   ExecutionErrorKind = "unknown_target"
	ExecErrNodeFailed      ExecutionErrorKind = "node_failed"
	ExecErrReducerMismatch ExecutionErrorKind = "reducer_mismatch"
	ExecErrCheckpoint      ExecutionErrorKind = "checkpoint"
)

// ExecutionError is returned by a run. State holds a copy of the state as it
// was when the run stopped.
type ExecutionError struct {
	Graph string
	RunID string
	Node  string
	Step  int
	Kind  ExecutionErrorKind
	Err   error
	State *GraphState
}

func (e *ExecutionError) Error() string {
	msg := fmt.Sprintf("graph %q run %s: %s at step %d", e.Graph, e.RunID, e.Kind, e.Step)
	if e.Node != "" {
		msg += fmt.Sprintf(" (node %q)", e.Node)
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *ExecutionError) Unwrap() error { return e.Err }

// IsExecutionKind reports whether err is an *ExecutionError of the given kind.
func IsExecutionKind(err error, kind ExecutionErrorKind) bool {
	var execErr *ExecutionError
	return errors.As(err, &execErr) && execErr.Kind == kind
}

// IsGraphKind reports whether err contains a *GraphError of the given kind.
// Compile joins every defect it finds, so each joined error is inspected.
func IsGraphKind(err error, kind GraphErrorKind) bool {
	for _, ge := range GraphErrors(err) {
		if ge.Kind == kind {
			return true
		}
	}
	return false
}

// GraphErrors flattens a (possibly joined) compile error into its defects.
func GraphErrors(err error) []*GraphError {
	if err == nil {
		return nil
	}
	var out []*GraphError
	var walk func(error)
	walk = func(e error) {
		if ge, ok := e.(*GraphError); ok {
			out = append(out, ge)
			return
		}
		if joined, ok := e.(interface{ Unwrap() []error }); ok {
			for _, inner := range joined.Unwrap() {
				walk(inner)
			}
			return
		}
		if inner := errors.Unwrap(e); inner != nil {
			walk(inner)
		}
	}
	walk(err)
	return out
}
