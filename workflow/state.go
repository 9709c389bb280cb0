package workflow

import (
	"encoding/json"
	"fmt"
	"sort"
)

// StateUpdate is a partial mapping produced by a node. Keys are applied in
// sorted order through each key's reducer.
type StateUpdate map[string]any

// GraphState holds the JSON-like values of a single run.
// A run owns its state exclusively; GraphState is not safe for concurrent mutation.
type GraphState struct {
	values map[string]any
}

// NewGraphState creates a state from initial values (deep-copied).
func NewGraphState(initial map[string]any) *GraphState {
	s := &GraphState{values: make(map[string]any, len(initial))}
	for k, v := range initial {
		s.values[k] = cloneValue(v)
	}
	return s
}

// Get returns a deep copy of the value stored under key; writes to the
// returned containers never reach the state.
func (s *GraphState) Get(key string) (any, bool) {
	v, ok := s.values[key]
	return cloneValue(v), ok
}

// GetString returns the value under key formatted as a string ("" when absent).
func (s *GraphState) GetString(key string) string {
	v, ok := s.values[key]
	if !ok || v == nil {
		return ""
	}
	if str, ok := v.(string); ok {
		return str
	}
	return fmt.Sprint(v)
}

// GetSlice returns a copy of the sequence stored under key, or nil.
func (s *GraphState) GetSlice(key string) []any {
	seq, _ := asSequence(s.values[key])
	return seq
}

// GetMap returns a deep copy of the object stored under key, or nil.
func (s *GraphState) GetMap(key string) map[string]any {
	m, ok := s.values[key].(map[string]any)
	if !ok {
		return nil
	}
	return cloneValue(m).(map[string]any)
}

// Has reports whether key is set.
func (s *GraphState) Has(key string) bool {
	_, ok := s.values[key]
	return ok
}

// Len returns the number of keys.
func (s *GraphState) Len() int { return len(s.values) }

// Keys returns the keys in sorted order.
func (s *GraphState) Keys() []string {
	keys := make([]string, 0, len(s.values))
	for k := range s.values {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Values returns a deep copy of all values.
func (s *GraphState) Values() map[string]any {
	out := make(map[string]any, len(s.values))
	for k, v := range s.values {
		out[k] = cloneValue(v)
	}
	return out
}

// Clone returns an independent copy, e.g. for auditing a finished run.
func (s *GraphState) Clone() *GraphState {
	return &GraphState{values: s.Values()}
}

// MarshalJSON implements json.Marshaler.
func (s *GraphState) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.values)
}

// UnmarshalJSON implements json.Unmarshaler.
func (s *GraphState) UnmarshalJSON(data []byte) error {
	values := make(map[string]any)
	if err := json.Unmarshal(data, &values); err != nil {
		return fmt.Errorf("failed to unmarshal graph state: %w", err)
	}
	s.values = values
	return nil
}

// apply runs every key of update through its reducer. In strict mode the first
// reducer mismatch aborts the update and leaves the state untouched.
func (s *GraphState) apply(update StateUpdate, reducers map[string]Reducer, strict bool) error {
	if len(update) == 0 {
		return nil
	}
	keys := make([]string, 0, len(update))
	for k := range update {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	staged := make(map[string]any, len(keys))
	for _, key := range keys {
		existing, present := s.values[key]
		reducer := reducers[key]
		if strict {
			out, err := reducer.ReduceStrict(existing, present, update[key])
			if err != nil {
				return fmt.Errorf("key %q (%s): %w", key, reducer, err)
			}
			staged[key] = out
			continue
		}
		staged[key] = reducer.Reduce(existing, present, update[key])
	}
	for k, v := range staged {
		s.values[k] = v
	}
	return nil
}
