package expr

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// =============================================================================
// Compile + Eval
// =============================================================================

func TestProgram_Eval(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name     string
		expr     string
		vars     map[string]any
		expected bool
	}{
		{name: "greater than true", expr: `score > 0.8`, vars: map[string]any{"score": 0.9}, expected: true},
		{name: "greater than false", expr: `score > 0.8`, vars: map[string]any{"score": 0.5}, expected: false},
		{name: "equal string", expr: `status == "active"`, vars: map[string]any{"status": "active"}, expected: true},
		{name: "single quoted string", expr: `status == 'active'`, vars: map[string]any{"status": "active"}, expected: true},
		{name: "not equal int", expr: `count != 0`, vars: map[string]any{"count": 5}, expected: true},
		{name: "and both true", expr: `type == "order.created" && payload.risk == "high"`,
			vars: map[string]any{"type": "order.created", "payload": map[string]any{"risk": "high"}}, expected: true},
		{name: "and one false", expr: `type == "order.created" && payload.risk == "high"`,
			vars: map[string]any{"type": "order.created", "payload": map[string]any{"risk": "low"}}, expected: false},
		{name: "or", expr: `a == 1 || b == 2`, vars: map[string]any{"a": 0, "b": 2}, expected: true},
		{name: "not", expr: `!done`, vars: map[string]any{"done": false}, expected: true},
		{name: "parentheses", expr: `(a == 1 || b == 1) && c`, vars: map[string]any{"a": 1, "c": true}, expected: true},
		{name: "missing var is nil", expr: `missing == null`, vars: map[string]any{}, expected: true},
		{name: "missing nested is nil", expr: `a.b.c != null`, vars: map[string]any{"a": map[string]any{}}, expected: false},
		{name: "string headers", expr: `headers.x-tenant == "acme"`,
			vars: map[string]any{"headers": map[string]string{"x-tenant": "acme"}}, expected: true},
		{name: "negative number", expr: `delta > -1`, vars: map[string]any{"delta": 0}, expected: true},
		{name: "bool equality", expr: `flag == true`, vars: map[string]any{"flag": true}, expected: true},
		{name: "bare identifier truthy", expr: `enabled`, vars: map[string]any{"enabled": "yes"}, expected: true},
		{name: "in list", expr: `headers.x-tenant in ["acme", "globex"]`,
			vars: map[string]any{"headers": map[string]string{"x-tenant": "globex"}}, expected: true},
		{name: "not in list", expr: `!(tier in ["gold", "silver"])`, vars: map[string]any{"tier": "bronze"}, expected: true},
		{name: "in numeric list", expr: `attempt in [1, 2, 3]`, vars: map[string]any{"attempt": 2}, expected: true},
		{name: "in empty list", expr: `a in []`, vars: map[string]any{"a": 1}, expected: false},
		{name: "in map keys", expr: `"risk" in payload`, vars: map[string]any{"payload": map[string]any{"risk": "low"}}, expected: true},
		{name: "in substring", expr: `"refund" in subject`, vars: map[string]any{"subject": "please refund me"}, expected: true},
		{name: "list index", expr: `items.1 == "b"`, vars: map[string]any{"items": []any{"a", "b"}}, expected: true},
		{name: "and binds tighter than or", expr: `a || b && c`, vars: map[string]any{"a": true, "b": false}, expected: true},
		{name: "numeric string", expr: `count == "5"`, vars: map[string]any{"count": 5}, expected: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			prog, err := Compile(tt.expr)
			require.NoError(t, err)
			assert.Equal(t, tt.expected, prog.Eval(tt.vars))
		})
	}
}

func TestCompile_Errors(t *testing.T) {
	t.Parallel()

	for _, src := range []string{
		"",
		"   ",
		`status == "open`,
		`(a == 1`,
		`a ==`,
		`a == 1 )`,
		`a # b`,
		`a in [1, 2`,
		`a in [1 2]`,
		`a & b`,
	} {
		_, err := Compile(src)
		assert.Error(t, err, "expected compile error for %q", src)
	}
}

func TestCompile_SyntaxErrorPosition(t *testing.T) {
	t.Parallel()

	_, err := Compile(`a == 1 )`)
	var se *SyntaxError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, 7, se.Pos)

	_, err = Compile(`  status == "open`)
	require.ErrorAs(t, err, &se)
	assert.Equal(t, 10, se.Pos)
	assert.Contains(t, se.Error(), "unterminated string")
}

func TestProgram_Value(t *testing.T) {
	t.Parallel()

	assert.Equal(t, []any{1.0, "x", nil}, MustCompile(`[1, "x", null]`).Value(nil))
	assert.Equal(t, "high", MustCompile(`payload.risk`).Value(map[string]any{"payload": map[string]any{"risk": "high"}}))
}

func TestMustCompile_Panics(t *testing.T) {
	t.Parallel()
	assert.Panics(t, func() { MustCompile("(") })
	assert.NotPanics(t, func() { MustCompile("true") })
}

func TestProgram_Idents(t *testing.T) {
	t.Parallel()

	prog, err := Compile(`type == "a" && (payload.risk > 1 || !headers.retry)`)
	require.NoError(t, err)
	assert.Equal(t, []string{"type", "payload.risk", "headers.retry"}, prog.Idents())
	assert.Equal(t, `type == "a" && (payload.risk > 1 || !headers.retry)`, prog.String())
}

func TestResolve(t *testing.T) {
	t.Parallel()

	vars := map[string]any{
		"a": map[string]any{"b": map[string]any{"c": 3.0}},
		"s": "scalar",
	}
	assert.Equal(t, 3.0, Resolve("a.b.c", vars))
	assert.Nil(t, Resolve("a.x.c", vars))
	assert.Nil(t, Resolve("s.deeper", vars))

	list := map[string]any{"items": []any{map[string]any{"id": "x"}}}
	assert.Equal(t, "x", Resolve("items.0.id", list))
	assert.Nil(t, Resolve("items.5.id", list))
	assert.Nil(t, Resolve("items.first", list))
}

func TestTruthy(t *testing.T) {
	t.Parallel()

	assert.False(t, Truthy(nil))
	assert.False(t, Truthy(""))
	assert.False(t, Truthy("0"))
	assert.False(t, Truthy(0.0))
	assert.True(t, Truthy(map[string]any{}))
	assert.True(t, Truthy(int64(2)))
	assert.False(t, Truthy(uint32(0)))
	assert.True(t, Truthy("no"))
}
