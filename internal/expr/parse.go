package expr

import (
	"strconv"
	"strings"
)

type nodeKind uint8

const (
	kindLit nodeKind = iota
	kindRef
	kindList
	kindNot
	kindAnd
	kindOr
	kindCmp
	kindIn
)

// node is one AST vertex. text holds the variable path for kindRef and the
// operator for kindCmp.
type node struct {
	kind nodeKind
	text string
	val  any
	args []*node
}

func (n *node) visit(fn func(*node)) {
	fn(n)
	for _, a := range n.args {
		a.visit(fn)
	}
}

// binding power; higher binds tighter
var infixPower = map[string]int{
	"||": 1,
	"&&": 2,
	"==": 3, "!=": 3, "<": 3, "<=": 3, ">": 3, ">=": 3, "in": 3,
}

type parser struct {
	toks []tok
	i    int
}

func parse(source string) (*node, string, error) {
	src := strings.TrimSpace(source)
	if src == "" {
		return nil, "", &SyntaxError{Msg: "empty expression"}
	}
	toks, err := lex(src)
	if err != nil {
		return nil, "", err
	}
	p := &parser{toks: toks}
	root, err := p.expr(0)
	if err != nil {
		return nil, "", err
	}
	if t := p.peek(); t.kind != tokEOF {
		return nil, "", &SyntaxError{Pos: t.pos, Msg: "unexpected " + strconv.Quote(t.text)}
	}
	return root, src, nil
}

func (p *parser) peek() tok { return p.toks[p.i] }

func (p *parser) take() tok {
	t := p.toks[p.i]
	if t.kind != tokEOF {
		p.i++
	}
	return t
}

func (p *parser) expect(kind tokKind, what string) error {
	if t := p.take(); t.kind != kind {
		return &SyntaxError{Pos: t.pos, Msg: "expected " + what}
	}
	return nil
}

// expr 按优先级爬升解析二元运算，左结合
func (p *parser) expr(min int) (*node, error) {
	left, err := p.unary()
	if err != nil {
		return nil, err
	}
	for {
		t := p.peek()
		power, ok := infixPower[t.text]
		if t.kind != tokOp || !ok || power <= min {
			return left, nil
		}
		p.take()
		right, err := p.expr(power)
		if err != nil {
			return nil, err
		}
		left = binary(t.text, left, right)
	}
}

func binary(op string, left, right *node) *node {
	switch op {
	case "&&":
		return &node{kind: kindAnd, args: []*node{left, right}}
	case "||":
		return &node{kind: kindOr, args: []*node{left, right}}
	case "in":
		return &node{kind: kindIn, args: []*node{left, right}}
	default:
		return &node{kind: kindCmp, text: op, args: []*node{left, right}}
	}
}

func (p *parser) unary() (*node, error) {
	if t := p.peek(); t.kind == tokOp && t.text == "!" {
		p.take()
		x, err := p.unary()
		if err != nil {
			return nil, err
		}
		return &node{kind: kindNot, args: []*node{x}}, nil
	}
	return p.primary()
}

func (p *parser) primary() (*node, error) {
	t := p.take()
	switch t.kind {
	case tokNum:
		f, err := strconv.ParseFloat(t.text, 64)
		if err != nil {
			return nil, &SyntaxError{Pos: t.pos, Msg: "bad number " + t.text}
		}
		return &node{kind: kindLit, val: f}, nil
	case tokStr:
		return &node{kind: kindLit, val: t.text}, nil
	case tokIdent:
		switch t.text {
		case "true":
			return &node{kind: kindLit, val: true}, nil
		case "false":
			return &node{kind: kindLit, val: false}, nil
		case "null", "nil":
			return &node{kind: kindLit}, nil
		}
		return &node{kind: kindRef, text: t.text}, nil
	case tokLParen:
		inner, err := p.expr(0)
		if err != nil {
			return nil, err
		}
		if err := p.expect(tokRParen, "')'"); err != nil {
			return nil, err
		}
		return inner, nil
	case tokLBrack:
		return p.list()
	case tokEOF:
		return nil, &SyntaxError{Pos: t.pos, Msg: "unexpected end of expression"}
	}
	return nil, &SyntaxError{Pos: t.pos, Msg: "unexpected " + strconv.Quote(t.text)}
}

func (p *parser) list() (*node, error) {
	n := &node{kind: kindList}
	if p.peek().kind == tokRBrack {
		p.take()
		return n, nil
	}
	for {
		item, err := p.expr(0)
		if err != nil {
			return nil, err
		}
		n.args = append(n.args, item)
		t := p.take()
		switch t.kind {
		case tokComma:
			continue
		case tokRBrack:
			return n, nil
		}
		return nil, &SyntaxError{Pos: t.pos, Msg: "expected ',' or ']'"}
	}
}
