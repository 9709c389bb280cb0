package workflow

import (
	"context"
	"fmt"
	"sort"

	"github.com/BaSui01/agentgraph/internal/expr"
)

// NodeFunc is a unit of work in a graph. It reads the live state, may suspend
// (capability calls, emits), and ends with exactly one Command.
// Nodes must not retain state after returning.
type NodeFunc interface {
	Call(ctx context.Context, state *GraphState, rc *RuntimeContext) (Command, error)
}

// NodeFuncOf adapts a plain function to NodeFunc.
type NodeFuncOf func(ctx context.Context, state *GraphState, rc *RuntimeContext) (Command, error)

// Call implements NodeFunc.
func (f NodeFuncOf) Call(ctx context.Context, state *GraphState, rc *RuntimeContext) (Command, error) {
	return f(ctx, state, rc)
}

// destinationDeclarer is implemented by nodes that know their Goto targets up front.
type destinationDeclarer interface {
	Destinations() []string
}

// Emission is a message a node hands to the routing layer.
type Emission struct {
	Type          string
	Payload       map[string]any
	Headers       map[string]string
	CorrelationID string
	StreamID      string
}

// Emitter forwards emissions out of a run. The runtime package binds it to a
// message graph executor.
type Emitter interface {
	Emit(ctx context.Context, e Emission) error
}

// EmitterFunc adapts a function to Emitter.
type EmitterFunc func(ctx context.Context, e Emission) error

// Emit implements Emitter.
func (f EmitterFunc) Emit(ctx context.Context, e Emission) error { return f(ctx, e) }

// RuntimeContext is the read-only environment handed to each node invocation.
// Cancellation travels on the ctx passed alongside it.
type RuntimeContext struct {
	Graph    string
	RunID    string
	Node     string
	Step     int
	MaxSteps int

	metadata     map[string]string
	capabilities *CapabilityRegistry
	emitter      Emitter
}

// Metadata returns a run metadata value.
func (rc *RuntimeContext) Metadata(key string) string {
	return rc.metadata[key]
}

// Capability looks up an injected capability by name.
func (rc *RuntimeContext) Capability(name string) (Capability, bool) {
	if rc.capabilities == nil {
		return nil, false
	}
	return rc.capabilities.Get(name)
}

// Invoke calls a named capability. Missing capabilities return a *CapabilityError
// of kind CapabilityUnavailable.
func (rc *RuntimeContext) Invoke(ctx context.Context, name string, req Request) (Result, error) {
	if rc.capabilities == nil {
		return Result{}, &CapabilityError{Capability: name, Kind: CapabilityUnavailable, Err: ErrCapabilityNotFound}
	}
	return rc.capabilities.Invoke(ctx, name, req)
}

// Emit sends an emission through the run's emitter. Without an emitter the call is a no-op.
func (rc *RuntimeContext) Emit(ctx context.Context, e Emission) error {
	if rc.emitter == nil {
		return nil
	}
	if e.CorrelationID == "" {
		e.CorrelationID = rc.RunID
	}
	return rc.emitter.Emit(ctx, e)
}

// =============================================================================
// SwitchNode
// =============================================================================

// SwitchNode routes on a state field: the field's string form selects a branch,
// otherwise Default is taken. Branch targets are declared destinations.
type SwitchNode struct {
	Field    string
	Branches map[string]string
	Default  string
}

// NewSwitchNode creates a switch node.
func NewSwitchNode(field string, branches map[string]string, def string) *SwitchNode {
	return &SwitchNode{Field: field, Branches: branches, Default: def}
}

// Call implements NodeFunc.
func (n *SwitchNode) Call(_ context.Context, state *GraphState, _ *RuntimeContext) (Command, error) {
	value := fmt.Sprint(expr.Resolve(n.Field, state.values))
	if target, ok := n.Branches[value]; ok {
		return Goto(target, nil), nil
	}
	if n.Default == "" {
		return Command{}, fmt.Errorf("switch on %q: no branch for %q and no default", n.Field, value)
	}
	return Goto(n.Default, nil), nil
}

// Destinations returns every branch target plus the default, sorted and de-duplicated.
func (n *SwitchNode) Destinations() []string {
	seen := make(map[string]bool, len(n.Branches)+1)
	var out []string
	for _, target := range n.Branches {
		if !seen[target] {
			seen[target] = true
			out = append(out, target)
		}
	}
	if n.Default != "" && !seen[n.Default] {
		out = append(out, n.Default)
	}
	sort.Strings(out)
	return out
}

// =============================================================================
// ConditionNode
// =============================================================================

// ConditionNode evaluates a boolean expression against the state and jumps to
// Then or Else.
type ConditionNode struct {
	program *expr.Program
	Then    string
	Else    string
}

// NewConditionNode compiles condition. Syntax errors surface here.
func NewConditionNode(condition, then, otherwise string) (*ConditionNode, error) {
	prog, err := expr.Compile(condition)
	if err != nil {
		return nil, fmt.Errorf("condition %q: %w", condition, err)
	}
	return &ConditionNode{program: prog, Then: then, Else: otherwise}, nil
}

// Call implements NodeFunc.
func (n *ConditionNode) Call(_ context.Context, state *GraphState, _ *RuntimeContext) (Command, error) {
	if n.program.Eval(state.values) {
		return Goto(n.Then, nil), nil
	}
	return Goto(n.Else, nil), nil
}

// Destinations implements destinationDeclarer.
func (n *ConditionNode) Destinations() []string {
	if n.Then == n.Else {
		return []string{n.Then}
	}
	return []string{n.Then, n.Else}
}
