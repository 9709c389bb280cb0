package messagegraph

import (
	"errors"
	"fmt"
	"sort"
	"strings"

	"go.uber.org/zap"

	"github.com/BaSui01/agentgraph/bus"
)

// DefaultHopLimit bounds how many times one envelope may be re-routed.
const DefaultHopLimit = 32

// Route is one (predicate, target) rule.
type Route struct {
	Name      string
	Predicate Predicate
	Target    Target
}

// =============================================================================
// Builder
// =============================================================================

// Builder collects routes and declarations. Nothing is checked until Validate,
// which reports every defect at once.
type Builder struct {
	id              string
	description     string
	routes          []Route
	agents          map[string]struct{}
	streams         map[string]struct{}
	topics          map[string]struct{}
	hopLimit        int
	deadLetterTopic string
	logger          *zap.Logger
}

// Build starts a routing table.
func Build(id string) *Builder {
	return &Builder{
		id:       id,
		agents:   make(map[string]struct{}),
		streams:  make(map[string]struct{}),
		topics:   make(map[string]struct{}),
		hopLimit: DefaultHopLimit,
		logger:   zap.NewNop(),
	}
}

// WithLogger sets the logger used to report validation results.
func (b *Builder) WithLogger(logger *zap.Logger) *Builder {
	if logger != nil {
		b.logger = logger
	}
	return b
}

// WithDescription sets a free-form description.
func (b *Builder) WithDescription(desc string) *Builder {
	b.description = desc
	return b
}

// DeclareAgents names the agents routes may target.
func (b *Builder) DeclareAgents(ids ...string) *Builder {
	for _, id := range ids {
		b.agents[id] = struct{}{}
	}
	return b
}

// DeclareStreams names the streams routes may target.
func (b *Builder) DeclareStreams(ids ...string) *Builder {
	for _, id := range ids {
		b.streams[id] = struct{}{}
	}
	return b
}

// DeclareTopics names the topics routes may target.
func (b *Builder) DeclareTopics(names ...string) *Builder {
	for _, n := range names {
		b.topics[n] = struct{}{}
	}
	return b
}

// AddRoute appends a rule named "route-<n>".
func (b *Builder) AddRoute(pred Predicate, target Target) *Builder {
	return b.AddNamedRoute(fmt.Sprintf("route-%d", len(b.routes)+1), pred, target)
}

// AddNamedRoute appends a rule. The name is reported in dispatch outcomes and
// in the x-dead-letter-route header.
func (b *Builder) AddNamedRoute(name string, pred Predicate, target Target) *Builder {
	b.routes = append(b.routes, Route{Name: name, Predicate: pred, Target: target})
	return b
}

// WithHopLimit sets the re-route ceiling. Must be positive.
func (b *Builder) WithHopLimit(n int) *Builder {
	b.hopLimit = n
	return b
}

// WithDeadLetterTopic additionally publishes dead letters produced by this
// graph on topic, besides the bus-wide dead-letter topic.
func (b *Builder) WithDeadLetterTopic(topic string) *Builder {
	b.deadLetterTopic = topic
	return b
}

// Validate checks the table and freezes it.
func (b *Builder) Validate() (*MessageGraph, error) {
	if errs := b.validate(); len(errs) > 0 {
		b.logger.Warn("message graph rejected",
			zap.String("graph", b.id),
			zap.Int("defects", len(errs)),
		)
		return nil, errors.Join(errs...)
	}
	g := b.freeze()
	b.logger.Debug("message graph validated",
		zap.String("graph", g.id),
		zap.Int("routes", len(g.routes)),
		zap.Int("hop_limit", g.hopLimit),
	)
	return g, nil
}

// MustValidate is like Validate but panics on error.
func (b *Builder) MustValidate() *MessageGraph {
	g, err := b.Validate()
	if err != nil {
		panic(err)
	}
	return g
}

func (b *Builder) validate() []error {
	var errs []error
	fail := func(kind ValidationErrorKind, route, target, detail string) {
		errs = append(errs, &ValidationError{Graph: b.id, Kind: kind, Route: route, Target: target, Detail: detail})
	}

	if strings.TrimSpace(b.id) == "" {
		fail(ValErrEmptyGraph, "", "", "graph id is empty")
	}
	if len(b.routes) == 0 {
		fail(ValErrEmptyGraph, "", "", "no routes")
	}
	if b.hopLimit <= 0 {
		fail(ValErrInvalidHopLimit, "", "", fmt.Sprintf("hop limit must be > 0, got %d", b.hopLimit))
	}

	seen := make(map[string]bool, len(b.routes))
	for _, r := range b.routes {
		if seen[r.Name] {
			fail(ValErrDuplicateRoute, r.Name, "", "")
		}
		seen[r.Name] = true

		if err := validatePredicate(r.Predicate); err != nil {
			fail(ValErrEmptyPredicate, r.Name, "", err.Error())
		}

		switch r.Target.Kind {
		case TargetDeadLetter:
		case TargetAgent:
			if _, ok := b.agents[r.Target.Name]; !ok {
				fail(ValErrDanglingTarget, r.Name, r.Target.String(), "agent not declared")
			}
		case TargetStream:
			if _, ok := b.streams[r.Target.Name]; !ok {
				fail(ValErrDanglingTarget, r.Name, r.Target.String(), "stream not declared")
			}
		case TargetTopic:
			if _, ok := b.topics[r.Target.Name]; !ok {
				fail(ValErrDanglingTarget, r.Name, r.Target.String(), "topic not declared")
			}
		default:
			fail(ValErrInvalidTarget, r.Name, r.Target.String(), "unknown target kind")
		}
	}
	return errs
}

func (b *Builder) freeze() *MessageGraph {
	routes := make([]Route, len(b.routes))
	copy(routes, b.routes)
	return &MessageGraph{
		id:              b.id,
		description:     b.description,
		routes:          routes,
		agents:          sortedKeys(b.agents),
		streams:         sortedKeys(b.streams),
		topics:          sortedKeys(b.topics),
		hopLimit:        b.hopLimit,
		deadLetterTopic: b.deadLetterTopic,
	}
}

func sortedKeys(m map[string]struct{}) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// =============================================================================
// MessageGraph
// =============================================================================

// MessageGraph is an immutable, validated routing table. Safe for concurrent use.
type MessageGraph struct {
	id              string
	description     string
	routes          []Route
	agents          []string
	streams         []string
	topics          []string
	hopLimit        int
	deadLetterTopic string
}

func (g *MessageGraph) ID() string              { return g.id }
func (g *MessageGraph) Description() string     { return g.description }
func (g *MessageGraph) HopLimit() int           { return g.hopLimit }
func (g *MessageGraph) DeadLetterTopic() string { return g.deadLetterTopic }
func (g *MessageGraph) Agents() []string        { return append([]string(nil), g.agents...) }
func (g *MessageGraph) Streams() []string       { return append([]string(nil), g.streams...) }
func (g *MessageGraph) Topics() []string        { return append([]string(nil), g.topics...) }

// Routes returns the rules in evaluation order.
func (g *MessageGraph) Routes() []Route {
	out := make([]Route, len(g.routes))
	copy(out, g.routes)
	return out
}

// Match returns the first route whose predicate accepts env. A predicate
// that panics counts as a non-match.
func (g *MessageGraph) Match(env *bus.Envelope) (Route, int, bool) {
	for i, r := range g.routes {
		if ok, _ := safeMatch(r.Predicate, env); ok {
			return r, i, true
		}
	}
	return Route{}, -1, false
}

// match is Match but stops at the first panicking predicate and reports it.
func (g *MessageGraph) match(env *bus.Envelope) (Route, int, bool, error) {
	for i, r := range g.routes {
		ok, err := safeMatch(r.Predicate, env)
		if err != nil {
			return r, i, false, fmt.Errorf("route %d (%s): %w", i, describe(r.Predicate), err)
		}
		if ok {
			return r, i, true, nil
		}
	}
	return Route{}, -1, false, nil
}

// ErrPredicatePanic wraps a panic raised by a user predicate.
var ErrPredicatePanic = errors.New("predicate panicked")

func safeMatch(p Predicate, env *bus.Envelope) (matched bool, err error) {
	defer func() {
		if r := recover(); r != nil {
			matched = false
			err = fmt.Errorf("%w: %v", ErrPredicatePanic, r)
		}
	}()
	return p.Match(env), nil
}
