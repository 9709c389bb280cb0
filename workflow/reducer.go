package workflow

import (
	"fmt"
	"reflect"
	"strings"
)

// Reducer decides how an incoming update is combined with the current value of a key.
// The set is closed; a key's reducer is fixed when the graph is compiled.
type Reducer int

const (
	// ReducerOverwrite replaces the current value (last write wins).
	ReducerOverwrite Reducer = iota
	// ReducerAppend accumulates values into an ordered sequence.
	ReducerAppend
	// ReducerMerge deep-merges objects; incoming wins on scalar conflicts.
	ReducerMerge
)

func (r Reducer) String() string {
	switch r {
	case ReducerOverwrite:
		return "overwrite"
	case ReducerAppend:
		return "append"
	case ReducerMerge:
		return "merge"
	default:
		return fmt.Sprintf("reducer(%d)", int(r))
	}
}

// ParseReducer maps a definition name to a Reducer. An empty name is Overwrite.
func ParseReducer(name string) (Reducer, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "", "overwrite", "replace", "last":
		return ReducerOverwrite, nil
	case "append", "concat":
		return ReducerAppend, nil
	case "merge", "deep_merge":
		return ReducerMerge, nil
	default:
		return ReducerOverwrite, fmt.Errorf("unknown reducer %q", name)
	}
}

// MarshalText implements encoding.TextMarshaler.
func (r Reducer) MarshalText() ([]byte, error) { return []byte(r.String()), nil }

// UnmarshalText implements encoding.TextUnmarshaler.
func (r *Reducer) UnmarshalText(text []byte) error {
	parsed, err := ParseReducer(string(text))
	if err != nil {
		return err
	}
	*r = parsed
	return nil
}

func (r Reducer) valid() bool {
	return r >= ReducerOverwrite && r <= ReducerMerge
}

// Reduce combines existing (present reports whether the key was set) with incoming.
// Reduce is total: type mismatches degrade instead of failing.
//   - Append on a non-sequence existing value drops it, as Overwrite would: [incoming...].
//   - Merge on non-objects behaves as Overwrite.
func (r Reducer) Reduce(existing any, present bool, incoming any) any {
	out, _ := r.reduce(existing, present, incoming)
	return out
}

// ReduceStrict is Reduce but reports the degradations Reduce silently applies.
func (r Reducer) ReduceStrict(existing any, present bool, incoming any) (any, error) {
	return r.reduce(existing, present, incoming)
}

func (r Reducer) reduce(existing any, present bool, incoming any) (any, error) {
	switch r {
	case ReducerAppend:
		return appendValues(existing, present, incoming)
	case ReducerMerge:
		if !present || existing == nil {
			return cloneValue(incoming), nil
		}
		cur, okCur := existing.(map[string]any)
		inc, okInc := incoming.(map[string]any)
		if !okCur || !okInc {
			return cloneValue(incoming), fmt.Errorf("merge requires objects, got %T and %T", existing, incoming)
		}
		return deepMerge(cur, inc), nil
	default:
		return cloneValue(incoming), nil
	}
}

func appendValues(existing any, present bool, incoming any) (any, error) {
	tail, isSeq := asSequence(incoming)
	if !isSeq {
		tail = []any{cloneValue(incoming)}
	}

	if !present || existing == nil {
		out := make([]any, 0, len(tail))
		return append(out, tail...), nil
	}

	head, ok := asSequence(existing)
	if !ok {
		out := make([]any, 0, len(tail))
		return append(out, tail...), fmt.Errorf("append requires a sequence, existing value is %T", existing)
	}

	out := make([]any, 0, len(head)+len(tail))
	out = append(out, head...)
	return append(out, tail...), nil
}

// deepMerge returns a new map; neither input is mutated.
func deepMerge(current, incoming map[string]any) map[string]any {
	out := make(map[string]any, len(current)+len(incoming))
	for k, v := range current {
		out[k] = cloneValue(v)
	}
	for k, v := range incoming {
		if inner, ok := v.(map[string]any); ok {
			if prev, ok := out[k].(map[string]any); ok {
				out[k] = deepMerge(prev, inner)
				continue
			}
		}
		out[k] = cloneValue(v)
	}
	return out
}

// asSequence converts any slice (except []byte) to a fresh []any.
func asSequence(v any) ([]any, bool) {
	switch s := v.(type) {
	case nil:
		return nil, false
	case []any:
		out := make([]any, len(s))
		for i := range s {
			out[i] = cloneValue(s[i])
		}
		return out, true
	case []byte:
		return nil, false
	}
	rv := reflect.ValueOf(v)
	if rv.Kind() != reflect.Slice && rv.Kind() != reflect.Array {
		return nil, false
	}
	out := make([]any, rv.Len())
	for i := 0; i < rv.Len(); i++ {
		out[i] = cloneValue(rv.Index(i).Interface())
	}
	return out, true
}

// cloneValue deep-copies JSON-like containers so state never aliases caller data.
func cloneValue(v any) any {
	switch val := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(val))
		for k, inner := range val {
			out[k] = cloneValue(inner)
		}
		return out
	case []any:
		out := make([]any, len(val))
		for i := range val {
			out[i] = cloneValue(val[i])
		}
		return out
	case map[string]string:
		out := make(map[string]string, len(val))
		for k, s := range val {
			out[k] = s
		}
		return out
	case []string:
		return append([]string(nil), val...)
	default:
		return v
	}
}
