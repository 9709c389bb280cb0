package messagegraph

import (
	"errors"
	"fmt"
	"strings"

	"github.com/BaSui01/agentgraph/bus"
	"github.com/BaSui01/agentgraph/internal/expr"
)

// Predicate decides whether a route applies to an envelope. Match must be
// pure: evaluation order is the route declaration order and must be
// reproducible for the same envelope.
type Predicate interface {
	Match(env *bus.Envelope) bool
	String() string
}

// validatable predicates report malformed configuration at build time.
type validatable interface {
	validate() error
}

var errEmptyPredicate = errors.New("empty predicate")

// =============================================================================
// Rule kinds
// =============================================================================

type always struct{}

// Always matches every envelope.
func Always() Predicate { return always{} }

func (always) Match(*bus.Envelope) bool { return true }
func (always) String() string           { return "always" }

type typeEquals string

// TypeEquals matches on the envelope type tag.
func TypeEquals(msgType string) Predicate { return typeEquals(msgType) }

func (p typeEquals) Match(env *bus.Envelope) bool { return env.Type == string(p) }
func (p typeEquals) String() string               { return fmt.Sprintf("type == %q", string(p)) }
func (p typeEquals) validate() error {
	if strings.TrimSpace(string(p)) == "" {
		return fmt.Errorf("%w: type is empty", errEmptyPredicate)
	}
	return nil
}

type headerEquals struct{ key, value string }

// HeaderEquals matches when header key equals value.
func HeaderEquals(key, value string) Predicate { return headerEquals{key: key, value: value} }

func (p headerEquals) Match(env *bus.Envelope) bool {
	v, ok := env.Headers[p.key]
	return ok && v == p.value
}
func (p headerEquals) String() string { return fmt.Sprintf("headers.%s == %q", p.key, p.value) }
func (p headerEquals) validate() error {
	if strings.TrimSpace(p.key) == "" {
		return fmt.Errorf("%w: header key is empty", errEmptyPredicate)
	}
	return nil
}

type fieldEquals struct {
	path  string
	value any
}

// FieldEquals matches when the dotted path resolved over the envelope fields
// equals value. Numbers compare numerically, so 1 matches 1.0.
func FieldEquals(path string, value any) Predicate { return fieldEquals{path: path, value: value} }

func (p fieldEquals) Match(env *bus.Envelope) bool {
	got := expr.Resolve(p.path, env.Fields())
	if got == nil {
		return p.value == nil
	}
	return expr.Equal(got, p.value)
}
func (p fieldEquals) String() string { return fmt.Sprintf("%s == %v", p.path, p.value) }
func (p fieldEquals) validate() error {
	if strings.TrimSpace(p.path) == "" {
		return fmt.Errorf("%w: field path is empty", errEmptyPredicate)
	}
	return nil
}

// =============================================================================
// Combinators
// =============================================================================

type allOf []Predicate

// And matches when every operand matches. Evaluation short-circuits.
func And(ps ...Predicate) Predicate { return allOf(ps) }

func (p allOf) Match(env *bus.Envelope) bool {
	for _, q := range p {
		if !q.Match(env) {
			return false
		}
	}
	return true
}
func (p allOf) String() string  { return join([]Predicate(p), " && ") }
func (p allOf) validate() error { return validateAll("and", p) }

type anyOf []Predicate

// Or matches when at least one operand matches.
func Or(ps ...Predicate) Predicate { return anyOf(ps) }

func (p anyOf) Match(env *bus.Envelope) bool {
	for _, q := range p {
		if q.Match(env) {
			return true
		}
	}
	return false
}
func (p anyOf) String() string  { return join([]Predicate(p), " || ") }
func (p anyOf) validate() error { return validateAll("or", p) }

type not struct{ p Predicate }

// Not negates p.
func Not(p Predicate) Predicate { return not{p: p} }

func (n not) Match(env *bus.Envelope) bool { return !n.p.Match(env) }
func (n not) String() string               { return "!(" + describe(n.p) + ")" }
func (n not) validate() error {
	if n.p == nil {
		return fmt.Errorf("%w: not without operand", errEmptyPredicate)
	}
	return validatePredicate(n.p)
}

func join(ps []Predicate, sep string) string {
	parts := make([]string, len(ps))
	for i, p := range ps {
		parts[i] = "(" + describe(p) + ")"
	}
	return strings.Join(parts, sep)
}

func validateAll(op string, ps []Predicate) error {
	if len(ps) == 0 {
		return fmt.Errorf("%w: %s without operands", errEmptyPredicate, op)
	}
	for _, p := range ps {
		if err := validatePredicate(p); err != nil {
			return err
		}
	}
	return nil
}

// =============================================================================
// Expression predicate
// =============================================================================

type exprPredicate struct{ prog *expr.Program }

// Expr compiles a boolean expression over the envelope fields, e.g.
//
//	type == "order.created" && risk == "high"
//	headers.x-tenant == 'acme' || hop_count > 3
//
// Payload keys are visible at top level and under payload.*.
func Expr(source string) (Predicate, error) {
	if strings.TrimSpace(source) == "" {
		return nil, fmt.Errorf("%w: expression is empty", errEmptyPredicate)
	}
	prog, err := expr.Compile(source)
	if err != nil {
		return nil, fmt.Errorf("compile route expression: %w", err)
	}
	return exprPredicate{prog: prog}, nil
}

// MustExpr is like Expr but panics on error.
func MustExpr(source string) Predicate {
	p, err := Expr(source)
	if err != nil {
		panic(err)
	}
	return p
}

func (p exprPredicate) Match(env *bus.Envelope) bool { return p.prog.Eval(env.Fields()) }
func (p exprPredicate) String() string               { return p.prog.String() }

// PredicateFunc adapts a plain function.
type PredicateFunc func(env *bus.Envelope) bool

func (f PredicateFunc) Match(env *bus.Envelope) bool { return f(env) }
func (f PredicateFunc) String() string               { return "func" }

func validatePredicate(p Predicate) error {
	if p == nil {
		return errEmptyPredicate
	}
	if f, ok := p.(PredicateFunc); ok && f == nil {
		return fmt.Errorf("%w: nil predicate func", errEmptyPredicate)
	}
	if v, ok := p.(validatable); ok {
		return v.validate()
	}
	return nil
}

func describe(p Predicate) string {
	if p == nil {
		return "<nil>"
	}
	return p.String()
}
