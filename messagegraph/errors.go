package messagegraph

import (
	"errors"
	"fmt"
)

// ValidationErrorKind classifies routing-table defects found by Validate.
type ValidationErrorKind string

const (
	ValErrEmptyGraph      ValidationErrorKind = "empty_graph"
	ValErrDanglingTarget  ValidationErrorKind = "dangling_target"
	ValErrEmptyPredicate  ValidationErrorKind = "empty_predicate"
	ValErrInvalidHopLimit ValidationErrorKind = "invalid_hop_limit"
	ValErrInvalidTarget   ValidationErrorKind = "invalid_target"
	ValErrDuplicateRoute  ValidationErrorKind = "duplicate_route"
)

// ValidationError is returned by Validate. A graph that produces one never
// reaches Dispatch.
type ValidationError struct {
	Graph  string
	Kind   ValidationErrorKind
	Route  string
	Target string
	Detail string
}

func (e *ValidationError) Error() string {
	msg := fmt.Sprintf("message graph %q: %s", e.Graph, e.Kind)
	if e.Route != "" {
		msg += fmt.Sprintf(" route=%q", e.Route)
	}
	if e.Target != "" {
		msg += fmt.Sprintf(" target=%q", e.Target)
	}
	if e.Detail != "" {
		msg += ": " + e.Detail
	}
	return msg
}

// ValidationErrors flattens a Validate error into its defects.
func ValidationErrors(err error) []*ValidationError {
	if err == nil {
		return nil
	}
	var out []*ValidationError
	if joined, ok := err.(interface{ Unwrap() []error }); ok {
		for _, e := range joined.Unwrap() {
			out = append(out, ValidationErrors(e)...)
		}
		return out
	}
	var ve *ValidationError
	if errors.As(err, &ve) {
		out = append(out, ve)
	}
	return out
}

// IsValidationKind reports whether err contains a defect of kind.
func IsValidationKind(err error, kind ValidationErrorKind) bool {
	for _, ve := range ValidationErrors(err) {
		if ve.Kind == kind {
			return true
		}
	}
	return false
}
