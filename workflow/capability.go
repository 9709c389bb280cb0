package workflow

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
)

// ErrCapabilityNotFound is wrapped by CapabilityError when a name is not registered.
var ErrCapabilityNotFound = errors.New("capability not found")

// Request is the input to an external collaborator (model call, store read, tool run).
type Request struct {
	Operation string            `json:"operation"`
	Input     map[string]any    `json:"input,omitempty"`
	Metadata  map[string]string `json:"metadata,omitempty"`
}

// Result is the collaborator's answer.
type Result struct {
	Output   map[string]any    `json:"output,omitempty"`
	Metadata map[string]string `json:"metadata,omitempty"`
}

// Capability is the narrow boundary between nodes and everything outside the
// runtime. The executor never looks inside it.
type Capability interface {
	Invoke(ctx context.Context, req Request) (Result, error)
}

// CapabilityFunc adapts a function to Capability.
type CapabilityFunc func(ctx context.Context, req Request) (Result, error)

// Invoke implements Capability.
func (f CapabilityFunc) Invoke(ctx context.Context, req Request) (Result, error) {
	return f(ctx, req)
}

// CapabilityErrorKind classifies collaborator failures.
type CapabilityErrorKind string

const (
	CapabilityUnavailable    CapabilityErrorKind = "unavailable"
	CapabilityInvalidRequest CapabilityErrorKind = "invalid_request"
	CapabilityTimeout        CapabilityErrorKind = "timeout"
	CapabilityFailed         CapabilityErrorKind = "failed"
)

// CapabilityError is the typed error returned across the capability boundary.
type CapabilityError struct {
	Capability string
	Kind       CapabilityErrorKind
	Retryable  bool
	Err        error
}

func (e *CapabilityError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("capability %q: %s", e.Capability, e.Kind)
	}
	return fmt.Sprintf("capability %q: %s: %v", e.Capability, e.Kind, e.Err)
}

func (e *CapabilityError) Unwrap() error { return e.Err }

// CapabilityRegistry maps names to capabilities. Safe for concurrent use.
type CapabilityRegistry struct {
	mu   sync.RWMutex
	caps map[string]Capability
}

// NewCapabilityRegistry creates an empty registry.
func NewCapabilityRegistry() *CapabilityRegistry {
	return &CapabilityRegistry{caps: make(map[string]Capability)}
}

// Register adds or replaces a capability.
func (r *CapabilityRegistry) Register(name string, c Capability) {
	r.mu.Lock()
	r.caps[name] = c
	r.mu.Unlock()
}

// Get returns a capability by name.
func (r *CapabilityRegistry) Get(name string) (Capability, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.caps[name]
	return c, ok
}

// Names lists registered capability names.
func (r *CapabilityRegistry) Names() []string {
	r.mu.RLock()
	names := make([]string, 0, len(r.caps))
	for name := range r.caps {
		names = append(names, name)
	}
	r.mu.RUnlock()
	sort.Strings(names)
	return names
}

// Invoke looks up name and calls it outside the registry lock. Untyped errors
// from the capability are wrapped as CapabilityFailed; context errors become
// CapabilityTimeout.
func (r *CapabilityRegistry) Invoke(ctx context.Context, name string, req Request) (Result, error) {
	c, ok := r.Get(name)
	if !ok {
		return Result{}, &CapabilityError{Capability: name, Kind: CapabilityUnavailable, Err: ErrCapabilityNotFound}
	}
	res, err := c.Invoke(ctx, req)
	if err == nil {
		return res, nil
	}
	var capErr *CapabilityError
	if errors.As(err, &capErr) {
		return res, err
	}
	kind := CapabilityFailed
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		kind = CapabilityTimeout
	}
	return res, &CapabilityError{Capability: name, Kind: kind, Err: err}
}
