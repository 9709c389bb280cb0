package expr

import (
	"strings"
	"unicode"
)

type tokKind uint8

const (
	tokEOF tokKind = iota
	tokNum
	tokStr
	tokIdent
	tokOp
	tokLParen
	tokRParen
	tokLBrack
	tokRBrack
	tokComma
)

type tok struct {
	kind tokKind
	text string
	pos  int
}

var punct = map[rune]tokKind{
	'(': tokLParen,
	')': tokRParen,
	'[': tokLBrack,
	']': tokRBrack,
	',': tokComma,
}

var twoCharOps = map[string]bool{"==": true, "!=": true, "<=": true, ">=": true, "&&": true, "||": true}

type lexer struct {
	src  []rune
	pos  int
	last tokKind
	seen bool
}

func lex(src string) ([]tok, error) {
	l := &lexer{src: []rune(src)}
	var out []tok
	for {
		t, err := l.next()
		if err != nil {
			return nil, err
		}
		out = append(out, t)
		if t.kind == tokEOF {
			return out, nil
		}
		l.last, l.seen = t.kind, true
	}
}

func (l *lexer) next() (tok, error) {
	for l.pos < len(l.src) && unicode.IsSpace(l.src[l.pos]) {
		l.pos++
	}
	if l.pos >= len(l.src) {
		return tok{kind: tokEOF, pos: l.pos}, nil
	}

	start := l.pos
	c := l.src[start]
	if k, ok := punct[c]; ok {
		l.pos++
		return tok{kind: k, text: string(c), pos: start}, nil
	}
	if l.pos+1 < len(l.src) && twoCharOps[string(l.src[start:start+2])] {
		l.pos += 2
		return tok{kind: tokOp, text: string(l.src[start:l.pos]), pos: start}, nil
	}

	switch {
	case c == '"' || c == '\'':
		return l.quoted()
	case c == '<' || c == '>' || c == '!':
		l.pos++
		return tok{kind: tokOp, text: string(c), pos: start}, nil
	case isDigit(c), c == '-' && l.signAllowed() && l.pos+1 < len(l.src) && isDigit(l.src[l.pos+1]):
		return l.number(), nil
	case unicode.IsLetter(c) || c == '_':
		for l.pos < len(l.src) && isIdentRune(l.src[l.pos]) {
			l.pos++
		}
		text := string(l.src[start:l.pos])
		if text == "in" {
			return tok{kind: tokOp, text: text, pos: start}, nil
		}
		return tok{kind: tokIdent, text: text, pos: start}, nil
	}
	return tok{}, &SyntaxError{Pos: start, Msg: "unexpected character " + string(c)}
}

// signAllowed: '-' 只在运算符、括号、逗号之后或开头时作为负号
func (l *lexer) signAllowed() bool {
	if !l.seen {
		return true
	}
	switch l.last {
	case tokOp, tokLParen, tokLBrack, tokComma:
		return true
	}
	return false
}

func (l *lexer) number() tok {
	start := l.pos
	if l.src[l.pos] == '-' {
		l.pos++
	}
	digits := func() {
		for l.pos < len(l.src) && isDigit(l.src[l.pos]) {
			l.pos++
		}
	}
	digits()
	if l.pos < len(l.src) && l.src[l.pos] == '.' {
		l.pos++
		digits()
	}
	return tok{kind: tokNum, text: string(l.src[start:l.pos]), pos: start}
}

func (l *lexer) quoted() (tok, error) {
	start := l.pos
	quote := l.src[start]
	var sb strings.Builder
	for i := start + 1; i < len(l.src); i++ {
		switch c := l.src[i]; {
		case c == '\\' && i+1 < len(l.src):
			i++
			sb.WriteRune(l.src[i])
		case c == quote:
			l.pos = i + 1
			return tok{kind: tokStr, text: sb.String(), pos: start}, nil
		default:
			sb.WriteRune(c)
		}
	}
	return tok{}, &SyntaxError{Pos: start, Msg: "unterminated string"}
}

func isDigit(c rune) bool { return c >= '0' && c <= '9' }

// 标识符允许 '.' 与 '-'，便于写 headers.x-tenant
func isIdentRune(c rune) bool {
	return unicode.IsLetter(c) || unicode.IsDigit(c) || c == '_' || c == '.' || c == '-'
}
