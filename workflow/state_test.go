package workflow

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGraphState_InitialValuesAreCopied(t *testing.T) {
	t.Parallel()

	initial := map[string]any{"profile": map[string]any{"name": "alice"}}
	s := NewGraphState(initial)
	initial["profile"].(map[string]any)["name"] = "bob"

	assert.Equal(t, "alice", s.GetMap("profile")["name"])
}

func TestGraphState_Accessors(t *testing.T) {
	t.Parallel()

	s := NewGraphState(map[string]any{
		"query":   "hello",
		"count":   2,
		"history": []any{"a"},
	})
	assert.Equal(t, "hello", s.GetString("query"))
	assert.Equal(t, "2", s.GetString("count"))
	assert.Equal(t, "", s.GetString("missing"))
	assert.Equal(t, []any{"a"}, s.GetSlice("history"))
	assert.Nil(t, s.GetMap("query"))
	assert.True(t, s.Has("count"))
	assert.Equal(t, 3, s.Len())
	assert.Equal(t, []string{"count", "history", "query"}, s.Keys())
}

func TestGraphState_ApplyUsesReducers(t *testing.T) {
	t.Parallel()

	s := NewGraphState(nil)
	reducers := map[string]Reducer{"log": ReducerAppend, "meta": ReducerMerge}

	require.NoError(t, s.apply(StateUpdate{"log": "one", "meta": map[string]any{"a": 1}, "status": "x"}, reducers, false))
	require.NoError(t, s.apply(StateUpdate{"log": "two", "meta": map[string]any{"b": 2}, "status": "y"}, reducers, false))

	assert.Equal(t, []any{"one", "two"}, s.GetSlice("log"))
	assert.Equal(t, map[string]any{"a": 1, "b": 2}, s.GetMap("meta"))
	assert.Equal(t, "y", s.GetString("status"))
}

func TestGraphState_StrictApplyIsAtomic(t *testing.T) {
	t.Parallel()

	s := NewGraphState(map[string]any{"meta": "not-an-object"})
	reducers := map[string]Reducer{"meta": ReducerMerge}

	err := s.apply(StateUpdate{"a": 1, "meta": map[string]any{"k": 1}}, reducers, true)
	require.Error(t, err)
	assert.False(t, s.Has("a"), "no key of a rejected update may be written")
	assert.Equal(t, "not-an-object", s.GetString("meta"))
}

func TestGraphState_CloneIsIndependent(t *testing.T) {
	t.Parallel()

	s := NewGraphState(map[string]any{"list": []any{"a"}})
	c := s.Clone()
	require.NoError(t, s.apply(StateUpdate{"list": "b"}, map[string]Reducer{"list": ReducerAppend}, false))

	assert.Equal(t, []any{"a"}, c.GetSlice("list"))
	assert.Equal(t, []any{"a", "b"}, s.GetSlice("list"))
}

func TestGraphState_AccessorsReturnCopies(t *testing.T) {
	t.Parallel()

	s := NewGraphState(map[string]any{
		"profile": map[string]any{"tier": "gold", "tags": []any{"vip"}},
		"history": []any{map[string]any{"step": 1}},
	})

	m := s.GetMap("profile")
	m["tier"] = "bronze"
	m["tags"].([]any)[0] = "churned"

	v, ok := s.Get("profile")
	require.True(t, ok)
	v.(map[string]any)["extra"] = true

	seq := s.GetSlice("history")
	seq[0].(map[string]any)["step"] = 99

	raw, _ := s.Get("history")
	raw.([]any)[0] = "replaced"

	assert.Equal(t, map[string]any{"tier": "gold", "tags": []any{"vip"}}, s.GetMap("profile"))
	assert.Equal(t, []any{map[string]any{"step": 1}}, s.GetSlice("history"))
	assert.Nil(t, s.GetMap("missing"))
}

func TestGraphState_JSON(t *testing.T) {
	t.Parallel()

	s := NewGraphState(map[string]any{"category": "billing", "score": 0.5})
	data, err := json.Marshal(s)
	require.NoError(t, err)

	var decoded GraphState
	require.NoError(t, json.Unmarshal(data, &decoded))
	assert.Equal(t, s.Values(), decoded.Values())
}
