package workflow

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCapabilityRegistry_Invoke(t *testing.T) {
	t.Parallel()

	reg := NewCapabilityRegistry()
	reg.Register("store", CapabilityFunc(func(_ context.Context, req Request) (Result, error) {
		switch req.Operation {
		case "get":
			return Result{Output: map[string]any{"value": 42}}, nil
		case "slow":
			return Result{}, context.DeadlineExceeded
		case "bad":
			return Result{}, &CapabilityError{Capability: "store", Kind: CapabilityInvalidRequest}
		default:
			return Result{}, errors.New("unsupported")
		}
	}))
	assert.Equal(t, []string{"store"}, reg.Names())

	res, err := reg.Invoke(context.Background(), "store", Request{Operation: "get"})
	require.NoError(t, err)
	assert.Equal(t, 42, res.Output["value"])

	tests := []struct {
		op   string
		name string
		kind CapabilityErrorKind
	}{
		{op: "slow", name: "store", kind: CapabilityTimeout},
		{op: "bad", name: "store", kind: CapabilityInvalidRequest},
		{op: "other", name: "store", kind: CapabilityFailed},
		{op: "get", name: "missing", kind: CapabilityUnavailable},
	}
	for _, tt := range tests {
		_, err := reg.Invoke(context.Background(), tt.name, Request{Operation: tt.op})
		var capErr *CapabilityError
		require.ErrorAs(t, err, &capErr, tt.op)
		assert.Equal(t, tt.kind, capErr.Kind, tt.op)
	}
}

func TestRuntimeContext_WithoutCollaborators(t *testing.T) {
	t.Parallel()

	rc := &RuntimeContext{RunID: "r"}
	_, ok := rc.Capability("x")
	assert.False(t, ok)
	assert.NoError(t, rc.Emit(context.Background(), Emission{Type: "t"}))
	assert.Equal(t, "", rc.Metadata("k"))

	_, err := rc.Invoke(context.Background(), "x", Request{})
	assert.ErrorIs(t, err, ErrCapabilityNotFound)
}
