// Package expr compiles the boolean condition language used by routing rules
// and condition nodes.
//
//	type == "order.created" && payload.risk >= 0.8
//	headers.x-tenant in ["acme", "globex"]
//	!(payload.retry || attempt > 3)
//
// Operators by binding power: || then && then comparisons (==, != , <, <=, >, >=, in),
// then unary !. Literals: numbers, single or double quoted strings, true, false,
// null, and [a, b] lists. A dotted identifier walks nested maps; a missing segment
// yields null rather than an error.
package expr

import "fmt"

// Program is a compiled expression. It is immutable and safe for concurrent use.
type Program struct {
	source string
	root   *node
}

// Compile parses source. All syntax errors are reported here as *SyntaxError;
// evaluation never fails.
func Compile(source string) (*Program, error) {
	root, src, err := parse(source)
	if err != nil {
		return nil, err
	}
	return &Program{source: src, root: root}, nil
}

// MustCompile is Compile for package-level literals.
func MustCompile(source string) *Program {
	p, err := Compile(source)
	if err != nil {
		panic(fmt.Sprintf("expr: %v", err))
	}
	return p
}

// Eval reports the truthiness of the expression over vars.
func (p *Program) Eval(vars map[string]any) bool { return Truthy(p.root.eval(vars)) }

// Value evaluates the expression and returns the raw result.
func (p *Program) Value(vars map[string]any) any { return p.root.eval(vars) }

// String returns the trimmed source.
func (p *Program) String() string { return p.source }

// Idents lists referenced variable paths in source order.
func (p *Program) Idents() []string {
	var out []string
	p.root.visit(func(n *node) {
		if n.kind == kindRef {
			out = append(out, n.text)
		}
	})
	return out
}

// SyntaxError locates a compile failure. Pos counts runes from the start of the
// trimmed source.
type SyntaxError struct {
	Pos int
	Msg string
}

func (e *SyntaxError) Error() string {
	return fmt.Sprintf("syntax error at %d: %s", e.Pos, e.Msg)
}
