package workflow

import (
	"context"
	"sort"
)

const (
	noEdge   = -1
	endIndex = -2
)

// CompiledGraph is the immutable, index-based form of a graph. Nodes are
// addressed by integer index; cycles and jumps are plain lookups.
// A CompiledGraph is safe to run concurrently from many goroutines.
type CompiledGraph struct {
	name     string
	names    []string
	index    map[string]int
	fns      []NodeFunc
	next     []int
	dests    []map[int]bool
	terminal []bool
	entry    int
	reducers map[string]Reducer
	maxSteps int
	strict   bool
}

// Name returns the graph name.
func (g *CompiledGraph) Name() string { return g.name }

// MaxSteps returns the step ceiling.
func (g *CompiledGraph) MaxSteps() int { return g.maxSteps }

// Entry returns the first node run after Start.
func (g *CompiledGraph) Entry() string { return g.names[g.entry] }

// Nodes returns node names in registration order.
func (g *CompiledGraph) Nodes() []string {
	return append([]string(nil), g.names...)
}

// ReducerFor returns the reducer fixed for key (Overwrite when undeclared).
func (g *CompiledGraph) ReducerFor(key string) Reducer {
	return g.reducers[key]
}

// Edge returns the static edge target of node.
func (g *CompiledGraph) Edge(node string) (string, bool) {
	i, ok := g.index[node]
	if !ok || g.next[i] == noEdge {
		return "", false
	}
	return g.nameOf(g.next[i]), true
}

// Destinations returns the declared Goto targets of node, sorted.
func (g *CompiledGraph) Destinations(node string) []string {
	i, ok := g.index[node]
	if !ok {
		return nil
	}
	out := make([]string, 0, len(g.dests[i]))
	for d := range g.dests[i] {
		out = append(out, g.nameOf(d))
	}
	sort.Strings(out)
	return out
}

// Run executes the graph with the default executor.
func (g *CompiledGraph) Run(ctx context.Context, initial map[string]any, opts ...RunOption) (*GraphState, error) {
	return defaultExecutor.Run(ctx, g, initial, opts...)
}

func (g *CompiledGraph) resolve(name string) int {
	if name == End {
		return endIndex
	}
	if i, ok := g.index[name]; ok {
		return i
	}
	return noEdge
}

func (g *CompiledGraph) nameOf(i int) string {
	switch i {
	case endIndex:
		return End
	case noEdge:
		return ""
	default:
		return g.names[i]
	}
}
