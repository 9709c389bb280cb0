package workflow

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"go.uber.org/zap"
)

// Pseudo-node names. They may appear as edge endpoints and Goto targets but
// cannot be registered as nodes.
const (
	Start = "__start__"
	End   = "__end__"
)

// DefaultMaxSteps is the step ceiling applied when none is configured.
const DefaultMaxSteps = 100

// NodeOption configures a node at registration.
type NodeOption func(*nodeDecl)

// WithDestinations declares the nodes this node may Goto. Declared targets are
// validated at compile time and enforced at run time.
func WithDestinations(targets ...string) NodeOption {
	return func(n *nodeDecl) {
		n.destinations = append(n.destinations, targets...)
	}
}

// Terminal marks a node that may finish the run: by Return, or by Continue
// when it has no static edge.
func Terminal() NodeOption {
	return func(n *nodeDecl) {
		n.terminal = true
	}
}

type nodeDecl struct {
	name         string
	fn           NodeFunc
	destinations []string
	terminal     bool
}

// GraphBuilder provides a fluent API for assembling a state graph.
// Problems are collected and reported together by Compile.
type GraphBuilder struct {
	name     string
	nodes    map[string]*nodeDecl
	order    []string
	edges    map[string]string
	reducers map[string]Reducer
	maxSteps int
	strict   bool
	logger   *zap.Logger
	errs     []error
}

// Build starts a new graph.
func Build(name string) *GraphBuilder {
	return &GraphBuilder{
		name:     name,
		nodes:    make(map[string]*nodeDecl),
		edges:    make(map[string]string),
		reducers: make(map[string]Reducer),
		maxSteps: DefaultMaxSteps,
		logger:   zap.NewNop(),
	}
}

// WithLogger sets a custom logger
func (b *GraphBuilder) WithLogger(logger *zap.Logger) *GraphBuilder {
	if logger != nil {
		b.logger = logger.With(zap.String("component", "graph_builder"))
	}
	return b
}

// WithMaxSteps sets the step ceiling after which a run fails with NoTermination.
func (b *GraphBuilder) WithMaxSteps(n int) *GraphBuilder {
	b.maxSteps = n
	return b
}

// WithStrictReducers makes reducer type mismatches fail the run instead of
// degrading to Overwrite.
func (b *GraphBuilder) WithStrictReducers() *GraphBuilder {
	b.strict = true
	return b
}

// AddNode registers a node. Switch and condition nodes declare their own destinations.
func (b *GraphBuilder) AddNode(name string, fn NodeFunc, opts ...NodeOption) *GraphBuilder {
	switch {
	case name == Start || name == End || name == "":
		b.errs = append(b.errs, b.graphErr(GraphErrReservedName, name, "", "node name is reserved or empty"))
		return b
	case fn == nil:
		b.errs = append(b.errs, b.graphErr(GraphErrNilNode, name, "", "node function is nil"))
		return b
	}
	if _, exists := b.nodes[name]; exists {
		b.errs = append(b.errs, b.graphErr(GraphErrDuplicateNode, name, "", ""))
		return b
	}

	decl := &nodeDecl{name: name, fn: fn}
	if d, ok := fn.(destinationDeclarer); ok {
		decl.destinations = append(decl.destinations, d.Destinations()...)
	}
	for _, opt := range opts {
		opt(decl)
	}
	b.nodes[name] = decl
	b.order = append(b.order, name)
	return b
}

// AddNodeFunc registers a plain function as a node.
func (b *GraphBuilder) AddNodeFunc(name string, fn func(ctx context.Context, state *GraphState, rc *RuntimeContext) (Command, error), opts ...NodeOption) *GraphBuilder {
	if fn == nil {
		return b.AddNode(name, nil, opts...)
	}
	return b.AddNode(name, NodeFuncOf(fn), opts...)
}

// AddSwitch registers a SwitchNode.
func (b *GraphBuilder) AddSwitch(name, field string, branches map[string]string, def string) *GraphBuilder {
	return b.AddNode(name, NewSwitchNode(field, branches, def))
}

// AddEdge adds the static (default) edge of from. Each node has at most one.
func (b *GraphBuilder) AddEdge(from, to string) *GraphBuilder {
	if prev, exists := b.edges[from]; exists {
		b.errs = append(b.errs, b.graphErr(GraphErrDuplicateEdge, from, to,
			fmt.Sprintf("already routes to %q", prev)))
		return b
	}
	b.edges[from] = to
	return b
}

// SetEntry is shorthand for AddEdge(Start, node).
func (b *GraphBuilder) SetEntry(node string) *GraphBuilder {
	return b.AddEdge(Start, node)
}

// AddReducer fixes the reducer for key.
func (b *GraphBuilder) AddReducer(key string, r Reducer) *GraphBuilder {
	if key == "" || !r.valid() {
		b.errs = append(b.errs, b.graphErr(GraphErrInvalidReducer, "", "",
			fmt.Sprintf("key %q reducer %s", key, r)))
		return b
	}
	b.reducers[key] = r
	return b
}

// Compile validates the graph and freezes it. Every defect found is reported,
// joined with errors.Join; each one is a *GraphError.
func (b *GraphBuilder) Compile() (*CompiledGraph, error) {
	errs := append([]error(nil), b.errs...)
	errs = append(errs, b.validate()...)
	if len(errs) > 0 {
		err := errors.Join(errs...)
		b.logger.Warn("graph compilation rejected",
			zap.String("graph", b.name),
			zap.Int("defects", len(errs)),
			zap.Error(err),
		)
		return nil, err
	}

	g := b.freeze()
	b.logger.Info("graph compiled",
		zap.String("graph", b.name),
		zap.Int("nodes", len(g.names)),
		zap.String("entry", g.names[g.entry]),
		zap.Int("max_steps", g.maxSteps),
	)
	return g, nil
}

// MustCompile is Compile that panics on error.
func (b *GraphBuilder) MustCompile() *CompiledGraph {
	g, err := b.Compile()
	if err != nil {
		panic(err)
	}
	return g
}

func (b *GraphBuilder) graphErr(kind GraphErrorKind, node, target, detail string) *GraphError {
	return &GraphError{Graph: b.name, Kind: kind, Node: node, Target: target, Detail: detail}
}

func (b *GraphBuilder) validate() []error {
	var errs []error

	if len(b.nodes) == 0 {
		return []error{b.graphErr(GraphErrEmpty, "", "", "graph has no nodes")}
	}
	if b.maxSteps <= 0 {
		errs = append(errs, b.graphErr(GraphErrInvalidConfig, "", "",
			fmt.Sprintf("max steps must be positive, got %d", b.maxSteps)))
	}

	entry, ok := b.edges[Start]
	switch {
	case !ok:
		errs = append(errs, b.graphErr(GraphErrMissingEntry, Start, "", "no edge from start"))
	case b.nodes[entry] == nil:
		errs = append(errs, b.graphErr(GraphErrMissingEntry, Start, entry, "entry must be a registered node"))
	}

	// 边检查：按源节点排序，保证错误顺序稳定
	for _, from := range sortedKeys(b.edges) {
		to := b.edges[from]
		if from == End || (from != Start && b.nodes[from] == nil) {
			errs = append(errs, b.graphErr(GraphErrDanglingEdge, from, to, "edge source does not exist"))
			continue
		}
		if from == Start {
			continue
		}
		if to != End && b.nodes[to] == nil {
			errs = append(errs, b.graphErr(GraphErrDanglingEdge, from, to, "edge target does not exist"))
		}
	}

	for _, name := range b.order {
		for _, dest := range b.nodes[name].destinations {
			if dest != End && b.nodes[dest] == nil {
				errs = append(errs, b.graphErr(GraphErrUnknownTarget, name, dest, "goto destination does not exist"))
			}
		}
	}

	if len(errs) == 0 {
		if err := b.checkTermination(entry); err != nil {
			errs = append(errs, err)
		}
	}
	return errs
}

// checkTermination requires that End or a Terminal node is reachable from the
// entry through static edges and declared destinations.
func (b *GraphBuilder) checkTermination(entry string) error {
	visited := make(map[string]bool)
	stack := []string{entry}
	for len(stack) > 0 {
		name := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if name == End {
			return nil
		}
		if visited[name] {
			continue
		}
		visited[name] = true
		decl := b.nodes[name]
		if decl.terminal {
			return nil
		}
		if to, ok := b.edges[name]; ok {
			stack = append(stack, to)
		}
		stack = append(stack, decl.destinations...)
	}
	return b.graphErr(GraphErrNoTerminal, entry, "",
		"end is unreachable and no reachable node is marked terminal")
}

func (b *GraphBuilder) freeze() *CompiledGraph {
	n := len(b.order)
	g := &CompiledGraph{
		name:     b.name,
		names:    make([]string, n),
		index:    make(map[string]int, n),
		fns:      make([]NodeFunc, n),
		next:     make([]int, n),
		dests:    make([]map[int]bool, n),
		terminal: make([]bool, n),
		reducers: make(map[string]Reducer, len(b.reducers)),
		maxSteps: b.maxSteps,
		strict:   b.strict,
	}
	for i, name := range b.order {
		g.names[i] = name
		g.index[name] = i
	}
	for i, name := range b.order {
		decl := b.nodes[name]
		g.fns[i] = decl.fn
		g.terminal[i] = decl.terminal
		g.next[i] = noEdge
		if to, ok := b.edges[name]; ok {
			g.next[i] = g.resolve(to)
		}
		if len(decl.destinations) > 0 {
			g.dests[i] = make(map[int]bool, len(decl.destinations))
			for _, d := range decl.destinations {
				g.dests[i][g.resolve(d)] = true
			}
		}
	}
	g.entry = g.index[b.edges[Start]]
	for k, r := range b.reducers {
		g.reducers[k] = r
	}
	return g
}

func sortedKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
