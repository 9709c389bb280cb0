package workflow

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"gopkg.in/yaml.v3"
)

// GraphDefinition is the declarative form of a graph, loadable from YAML or JSON.
//
//	name: support
//	entry: classify
//	reducers: {history: append}
//	nodes:
//	  - name: classify
//	    handler: classify
//	    destinations: [billing, general]
//	  - name: route
//	    switch: {field: category, branches: {billing: billing}, default: general}
//	edges:
//	  - {from: billing, to: respond}
type GraphDefinition struct {
	Name          string            `json:"name" yaml:"name"`
	Description   string            `json:"description,omitempty" yaml:"description,omitempty"`
	Entry         string            `json:"entry" yaml:"entry"`
	MaxSteps      int               `json:"max_steps,omitempty" yaml:"max_steps,omitempty"`
	StrictReducer bool              `json:"strict_reducers,omitempty" yaml:"strict_reducers,omitempty"`
	Reducers      map[string]string `json:"reducers,omitempty" yaml:"reducers,omitempty"`
	Nodes         []NodeDefinition  `json:"nodes" yaml:"nodes"`
	Edges         []EdgeDefinition  `json:"edges,omitempty" yaml:"edges,omitempty"`
	Metadata      map[string]string `json:"metadata,omitempty" yaml:"metadata,omitempty"`
}

// NodeDefinition declares one node. Exactly one of Handler, Switch or Condition is set.
type NodeDefinition struct {
	Name         string               `json:"name" yaml:"name"`
	Handler      string               `json:"handler,omitempty" yaml:"handler,omitempty"`
	Switch       *SwitchDefinition    `json:"switch,omitempty" yaml:"switch,omitempty"`
	Condition    *ConditionDefinition `json:"condition,omitempty" yaml:"condition,omitempty"`
	Destinations []string             `json:"destinations,omitempty" yaml:"destinations,omitempty"`
	Terminal     bool                 `json:"terminal,omitempty" yaml:"terminal,omitempty"`
}

// SwitchDefinition configures a SwitchNode.
type SwitchDefinition struct {
	Field    string            `json:"field" yaml:"field"`
	Branches map[string]string `json:"branches" yaml:"branches"`
	Default  string            `json:"default,omitempty" yaml:"default,omitempty"`
}

// ConditionDefinition configures a ConditionNode.
type ConditionDefinition struct {
	Expression string `json:"expression" yaml:"expression"`
	Then       string `json:"then" yaml:"then"`
	Else       string `json:"else" yaml:"else"`
}

// EdgeDefinition is a static edge. "start"/"end" are accepted for the pseudo-nodes.
type EdgeDefinition struct {
	From string `json:"from" yaml:"from"`
	To   string `json:"to" yaml:"to"`
}

// =============================================================================
// Handler registry
// =============================================================================

// HandlerRegistry resolves handler names used in definitions to NodeFuncs.
type HandlerRegistry struct {
	mu       sync.RWMutex
	handlers map[string]NodeFunc
}

// NewHandlerRegistry creates an empty registry.
func NewHandlerRegistry() *HandlerRegistry {
	return &HandlerRegistry{handlers: make(map[string]NodeFunc)}
}

// Register binds name to fn.
func (r *HandlerRegistry) Register(name string, fn NodeFunc) *HandlerRegistry {
	r.mu.Lock()
	r.handlers[name] = fn
	r.mu.Unlock()
	return r
}

// RegisterFunc binds name to a plain function.
func (r *HandlerRegistry) RegisterFunc(name string, fn NodeFuncOf) *HandlerRegistry {
	return r.Register(name, fn)
}

// Get returns the handler bound to name.
func (r *HandlerRegistry) Get(name string) (NodeFunc, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	fn, ok := r.handlers[name]
	return fn, ok
}

// =============================================================================
// Loading
// =============================================================================

// ParseDefinitionYAML decodes and validates a YAML definition.
func ParseDefinitionYAML(data []byte) (*GraphDefinition, error) {
	var def GraphDefinition
	if err := yaml.Unmarshal(data, &def); err != nil {
		return nil, fmt.Errorf("failed to unmarshal graph definition: %w", err)
	}
	if err := def.Validate(); err != nil {
		return nil, err
	}
	return &def, nil
}

// ParseDefinitionJSON decodes and validates a JSON definition.
func ParseDefinitionJSON(data []byte) (*GraphDefinition, error) {
	var def GraphDefinition
	if err := json.Unmarshal(data, &def); err != nil {
		return nil, fmt.Errorf("failed to unmarshal graph definition: %w", err)
	}
	if err := def.Validate(); err != nil {
		return nil, err
	}
	return &def, nil
}

// LoadDefinitionFile reads a definition, choosing the decoder by extension.
func LoadDefinitionFile(path string) (*GraphDefinition, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read graph definition: %w", err)
	}
	switch strings.ToLower(filepath.Ext(path)) {
	case ".json":
		return ParseDefinitionJSON(data)
	default:
		return ParseDefinitionYAML(data)
	}
}

// ToYAML encodes the definition.
func (d *GraphDefinition) ToYAML() ([]byte, error) {
	data, err := yaml.Marshal(d)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal graph definition: %w", err)
	}
	return data, nil
}

// Validate checks the definition's own shape. Graph-level checks (dangling
// edges, termination) happen in Compile.
func (d *GraphDefinition) Validate() error {
	var errs []error
	if d.Name == "" {
		errs = append(errs, errors.New("definition name is required"))
	}
	if d.Entry == "" {
		errs = append(errs, errors.New("entry is required"))
	}
	if len(d.Nodes) == 0 {
		errs = append(errs, errors.New("at least one node is required"))
	}
	for key, name := range d.Reducers {
		if _, err := ParseReducer(name); err != nil {
			errs = append(errs, fmt.Errorf("reducer for key %q: %w", key, err))
		}
	}
	for i, n := range d.Nodes {
		kinds := 0
		if n.Handler != "" {
			kinds++
		}
		if n.Switch != nil {
			kinds++
		}
		if n.Condition != nil {
			kinds++
		}
		if n.Name == "" {
			errs = append(errs, fmt.Errorf("node %d: name is required", i))
		}
		if kinds != 1 {
			errs = append(errs, fmt.Errorf("node %q: exactly one of handler, switch or condition is required", n.Name))
		}
		if n.Switch != nil && n.Switch.Field == "" {
			errs = append(errs, fmt.Errorf("node %q: switch field is required", n.Name))
		}
	}
	for i, e := range d.Edges {
		if e.From == "" || e.To == "" {
			errs = append(errs, fmt.Errorf("edge %d: from and to are required", i))
		}
	}
	return errors.Join(errs...)
}

// Builder turns the definition into a GraphBuilder, resolving handlers from reg.
func (d *GraphDefinition) Builder(reg *HandlerRegistry) (*GraphBuilder, error) {
	if err := d.Validate(); err != nil {
		return nil, err
	}
	if reg == nil {
		reg = NewHandlerRegistry()
	}
	b := Build(d.Name).SetEntry(normalizeEndpoint([]string{d.Entry})[0])
	if d.MaxSteps > 0 {
		b.WithMaxSteps(d.MaxSteps)
	}
	if d.StrictReducer {
		b.WithStrictReducers()
	}
	for key, name := range d.Reducers {
		r, _ := ParseReducer(name)
		b.AddReducer(key, r)
	}

	for _, n := range d.Nodes {
		var opts []NodeOption
		if len(n.Destinations) > 0 {
			opts = append(opts, WithDestinations(normalizeEndpoint(n.Destinations)...))
		}
		if n.Terminal {
			opts = append(opts, Terminal())
		}

		switch {
		case n.Switch != nil:
			branches := make(map[string]string, len(n.Switch.Branches))
			for k, v := range n.Switch.Branches {
				branches[k] = normalizeEndpoint([]string{v})[0]
			}
			def := ""
			if n.Switch.Default != "" {
				def = normalizeEndpoint([]string{n.Switch.Default})[0]
			}
			b.AddNode(n.Name, NewSwitchNode(n.Switch.Field, branches, def), opts...)
		case n.Condition != nil:
			ends := normalizeEndpoint([]string{n.Condition.Then, n.Condition.Else})
			cond, err := NewConditionNode(n.Condition.Expression, ends[0], ends[1])
			if err != nil {
				return nil, fmt.Errorf("node %q: %w", n.Name, err)
			}
			b.AddNode(n.Name, cond, opts...)
		default:
			fn, ok := reg.Get(n.Handler)
			if !ok {
				return nil, fmt.Errorf("node %q: handler %q is not registered", n.Name, n.Handler)
			}
			b.AddNode(n.Name, fn, opts...)
		}
	}

	for _, e := range d.Edges {
		ends := normalizeEndpoint([]string{e.From, e.To})
		if ends[0] == Start {
			// entry is declared separately
			continue
		}
		b.AddEdge(ends[0], ends[1])
	}
	return b, nil
}

// Compile is Builder followed by Compile.
func (d *GraphDefinition) Compile(reg *HandlerRegistry) (*CompiledGraph, error) {
	b, err := d.Builder(reg)
	if err != nil {
		return nil, err
	}
	return b.Compile()
}

func normalizeEndpoint(names []string) []string {
	out := make([]string, len(names))
	for i, n := range names {
		switch strings.ToLower(n) {
		case "start", Start:
			out[i] = Start
		case "end", End:
			out[i] = End
		default:
			out[i] = n
		}
	}
	return out
}
