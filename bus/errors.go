package bus

import (
	"errors"
	"fmt"
)

var (
	// ErrAgentNotRegistered is recoverable: the caller may retry after registration.
	ErrAgentNotRegistered = errors.New("agent not registered")
	// ErrCancelled is terminal for the send that observed it.
	ErrCancelled = errors.New("send cancelled")

	ErrAlreadyRegistered = errors.New("already registered")
	ErrStreamNotFound    = errors.New("stream not found")
	ErrBusClosed         = errors.New("bus is closed")
	ErrInvalidID         = errors.New("invalid identifier")
)

// SendError reports a failed send_to / publish / stream publish.
type SendError struct {
	Op     string
	Target string
	Err    error
}

func (e *SendError) Error() string {
	return fmt.Sprintf("%s %q: %v", e.Op, e.Target, e.Err)
}

func (e *SendError) Unwrap() error { return e.Err }

// Recoverable reports whether retrying after registration may succeed.
func (e *SendError) Recoverable() bool {
	return errors.Is(e.Err, ErrAgentNotRegistered)
}

func sendErr(op, target string, err error) error {
	return &SendError{Op: op, Target: target, Err: err}
}

// cancelled keeps both ErrCancelled and the context cause visible to errors.Is.
func cancelled(cause error) error {
	return fmt.Errorf("%w: %w", ErrCancelled, cause)
}
