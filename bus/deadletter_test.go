package bus

import (
	"context"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDeadLetter_HeadersLogAndTopic(t *testing.T) {
	b := newTestBus(4)
	ops, err := b.RegisterAgent("ops")
	require.NoError(t, err)
	require.NoError(t, b.SubscribeTopic(b.DeadLetterTopic(), "ops"))

	var events []Event
	b.OnEvent(func(ev Event) {
		if ev.Kind == EventDeadLettered {
			events = append(events, ev)
		}
	})

	env := NewEnvelope("order.created", map[string]any{"id": "o-1"})
	dl, err := b.DeadLetter(context.Background(), env, "no_route_match", "", "")
	require.NoError(t, err)

	assert.Equal(t, "no_route_match", dl.Reason)
	assert.Equal(t, "no_route_match", dl.Envelope.Header(HeaderDeadLetterReason))
	assert.Empty(t, env.Header(HeaderDeadLetterReason), "original envelope is not mutated")

	got, err := ops.Receive(context.Background())
	require.NoError(t, err)
	assert.Equal(t, env.ID, got.ID)
	assert.Equal(t, "no_route_match", got.Header(HeaderDeadLetterReason))

	require.Len(t, events, 1)
	assert.Equal(t, env.ID, events[0].DeadLetter.Envelope.ID)

	assert.Equal(t, uint64(1), b.DeadLetters().Total())
	assert.Equal(t, uint64(1), b.Metrics().DeadLetters)
}

func TestDeadLetter_RouteAndTargetHeaders(t *testing.T) {
	b := New(Config{}, nil)
	dl, err := b.DeadLetter(context.Background(), NewEnvelope("x", nil), "target_unregistered", "to-fraud", "fraud")
	require.NoError(t, err)
	assert.Equal(t, "to-fraud", dl.Envelope.Header(HeaderDeadLetterRoute))
	assert.Equal(t, "fraud", dl.Envelope.Header(HeaderDeadLetterFrom))
	assert.Empty(t, b.DeadLetterTopic())
}

func TestDeadLetterLog_Ring(t *testing.T) {
	log := NewDeadLetterLog(3)
	for i := 0; i < 5; i++ {
		reason := "no_route_match"
		if i%2 == 1 {
			reason = "hop_limit_exceeded"
		}
		log.Append(DeadLetter{Envelope: &Envelope{ID: fmt.Sprint(i)}, Reason: reason})
	}

	recent := log.Recent(0)
	require.Len(t, recent, 3)
	assert.Equal(t, "2", recent[0].Envelope.ID)
	assert.Equal(t, "4", recent[2].Envelope.ID)

	last := log.Recent(1)
	require.Len(t, last, 1)
	assert.Equal(t, "4", last[0].Envelope.ID)

	assert.Equal(t, uint64(5), log.Total())
	assert.Equal(t, map[string]uint64{"no_route_match": 3, "hop_limit_exceeded": 2}, log.Counts())
	assert.Equal(t, []string{"hop_limit_exceeded", "no_route_match"}, log.Reasons())
}

func TestEnvelope_Fields(t *testing.T) {
	env := NewEnvelope("order.created", map[string]any{"risk": 0.9, "type": "shadowed"}).
		WithSender("checkout").
		WithHeader("x-tenant", "acme")
	env.HopCount = 2

	vars := env.Fields()
	assert.Equal(t, "order.created", vars["type"])
	assert.Equal(t, 0.9, vars["risk"])
	assert.Equal(t, "checkout", vars["sender"])
	assert.Equal(t, 2, vars["hop_count"])
	assert.Equal(t, "acme", vars["headers"].(map[string]any)["x-tenant"])
}
