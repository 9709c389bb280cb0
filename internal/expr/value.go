package expr

import (
	"cmp"
	"fmt"
	"strconv"
	"strings"
)

func (n *node) eval(vars map[string]any) any {
	switch n.kind {
	case kindLit:
		return n.val
	case kindRef:
		return Resolve(n.text, vars)
	case kindList:
		out := make([]any, len(n.args))
		for i, a := range n.args {
			out[i] = a.eval(vars)
		}
		return out
	case kindNot:
		return !Truthy(n.args[0].eval(vars))
	case kindAnd:
		return Truthy(n.args[0].eval(vars)) && Truthy(n.args[1].eval(vars))
	case kindOr:
		return Truthy(n.args[0].eval(vars)) || Truthy(n.args[1].eval(vars))
	case kindIn:
		return contains(n.args[1].eval(vars), n.args[0].eval(vars))
	case kindCmp:
		return compare(n.args[0].eval(vars), n.text, n.args[1].eval(vars))
	}
	return nil
}

// Resolve walks a dotted path through nested maps and lists (numeric segments
// index lists). Any missing or non-container step yields nil.
func Resolve(path string, vars map[string]any) any {
	var cur any = vars
	for _, seg := range strings.Split(path, ".") {
		switch c := cur.(type) {
		case map[string]any:
			cur = c[seg]
		case map[string]string:
			v, ok := c[seg]
			if !ok {
				return nil
			}
			cur = v
		case []any:
			i, err := strconv.Atoi(seg)
			if err != nil || i < 0 || i >= len(c) {
				return nil
			}
			cur = c[i]
		default:
			return nil
		}
		if cur == nil {
			return nil
		}
	}
	return cur
}

// Equal is loose equality as used by ==: numeric strings equal their numbers.
func Equal(a, b any) bool { return compare(a, "==", b) }

func compare(a any, op string, b any) bool {
	// bool 只支持相等比较
	if ab, ok := a.(bool); ok {
		if bb, ok := b.(bool); ok {
			switch op {
			case "==":
				return ab == bb
			case "!=":
				return ab != bb
			}
			return false
		}
	}

	c := order(a, b)
	switch op {
	case "==":
		return c == 0
	case "!=":
		return c != 0
	case "<":
		return c < 0
	case "<=":
		return c <= 0
	case ">":
		return c > 0
	case ">=":
		return c >= 0
	}
	return false
}

// order: null sorts first, then numbers numerically, otherwise by string form
func order(a, b any) int {
	switch {
	case a == nil && b == nil:
		return 0
	case a == nil:
		return -1
	case b == nil:
		return 1
	}
	if af, ok := ToFloat64(a); ok {
		if bf, ok := ToFloat64(b); ok {
			return cmp.Compare(af, bf)
		}
	}
	return cmp.Compare(fmt.Sprint(a), fmt.Sprint(b))
}

// contains backs the in operator: list membership, map key, or substring.
func contains(haystack, needle any) bool {
	switch h := haystack.(type) {
	case []any:
		for _, v := range h {
			if Equal(needle, v) {
				return true
			}
		}
	case []string:
		for _, v := range h {
			if Equal(needle, v) {
				return true
			}
		}
	case map[string]any:
		_, ok := h[fmt.Sprint(needle)]
		return ok
	case map[string]string:
		_, ok := h[fmt.Sprint(needle)]
		return ok
	case string:
		return needle != nil && strings.Contains(h, fmt.Sprint(needle))
	}
	return false
}

// Truthy: nil, false, zero numbers, "", "0" and "false" are false.
func Truthy(v any) bool {
	switch t := v.(type) {
	case nil:
		return false
	case bool:
		return t
	case string:
		return t != "" && t != "0" && t != "false"
	}
	if f, ok := ToFloat64(v); ok {
		return f != 0
	}
	return true
}

// ToFloat64 converts Go numeric types and numeric strings.
func ToFloat64(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int8:
		return float64(n), true
	case int16:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case uint:
		return float64(n), true
	case uint32:
		return float64(n), true
	case uint64:
		return float64(n), true
	case string:
		f, err := strconv.ParseFloat(n, 64)
		return f, err == nil
	}
	return 0, false
}
