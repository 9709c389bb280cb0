package messagegraph

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/BaSui01/agentgraph/bus"
)

func orderGraph(t *testing.T) *MessageGraph {
	t.Helper()
	g, err := Build("orders").
		DeclareAgents("fraud").
		DeclareStreams("orders.fulfillment").
		AddNamedRoute("fraud", MustExpr(`type == "order.created" && risk == "high"`), Agent("fraud")).
		AddNamedRoute("fulfillment", TypeEquals("order.created"), Stream("orders.fulfillment")).
		Validate()
	require.NoError(t, err)
	return g
}

func TestDispatch_HighRiskOrderOnlyReachesFraud(t *testing.T) {
	b := bus.New(bus.DefaultConfig(), zap.NewNop())
	fraud, err := b.RegisterAgent("fraud")
	require.NoError(t, err)
	consumer, err := b.OpenStream("orders.fulfillment", "warehouse")
	require.NoError(t, err)

	exec := NewExecutor(orderGraph(t), b)
	out := exec.Dispatch(context.Background(), bus.NewEnvelope("order.created", map[string]any{"risk": "high"}))

	assert.Equal(t, StatusDelivered, out.Status)
	assert.Equal(t, "fraud", out.Route)
	assert.Equal(t, Agent("fraud"), out.Target)
	assert.Equal(t, 1, out.HopCount)

	env, ok := fraud.TryReceive()
	require.True(t, ok)
	assert.Equal(t, "high", env.Payload["risk"])
	assert.Equal(t, 1, env.HopCount)

	select {
	case env := <-consumer.C():
		t.Fatalf("fulfillment stream must not receive %s", env.ID)
	default:
	}
	seq, _ := b.StreamSequence("orders.fulfillment")
	assert.Zero(t, seq)
}

func TestDispatch_LowRiskOrderGoesToStreamInOrder(t *testing.T) {
	b := bus.New(bus.DefaultConfig(), zap.NewNop())
	_, err := b.RegisterAgent("fraud")
	require.NoError(t, err)
	consumer, err := b.OpenStream("orders.fulfillment", "warehouse")
	require.NoError(t, err)

	exec := NewExecutor(orderGraph(t), b)
	for i := 1; i <= 3; i++ {
		out := exec.Dispatch(context.Background(), bus.NewEnvelope("order.created", map[string]any{"risk": "low", "n": i}))
		require.Equal(t, StatusDelivered, out.Status)
		assert.Equal(t, uint64(i), out.Sequence)
	}
	for i := 1; i <= 3; i++ {
		env, err := consumer.Receive(context.Background())
		require.NoError(t, err)
		assert.Equal(t, uint64(i), env.Sequence)
		assert.Equal(t, i, env.Payload["n"])
	}
}

func TestDispatch_NoRouteMatchAlwaysDeadLetters(t *testing.T) {
	b := bus.New(bus.DefaultConfig(), zap.NewNop())
	_, _ = b.RegisterAgent("fraud")
	ops, _ := b.RegisterAgent("ops")
	require.NoError(t, b.SubscribeTopic(b.DeadLetterTopic(), "ops"))

	exec := NewExecutor(orderGraph(t), b)
	const n = 50
	for i := 0; i < n; i++ {
		out := exec.Dispatch(context.Background(), bus.NewEnvelope("invoice.sent", map[string]any{"i": i}))
		assert.Equal(t, StatusDeadLettered, out.Status)
		assert.Equal(t, ReasonNoRouteMatch, out.Reason)
		assert.Equal(t, -1, out.RouteIndex)
	}

	assert.Equal(t, uint64(n), b.DeadLetters().Counts()[ReasonNoRouteMatch])
	for i := 0; i < n; i++ {
		env, ok := ops.TryReceive()
		require.True(t, ok)
		assert.Equal(t, ReasonNoRouteMatch, env.Header(bus.HeaderDeadLetterReason))
	}
}

func TestDispatch_PanickingPredicateDeadLetters(t *testing.T) {
	b := bus.New(bus.DefaultConfig(), zap.NewNop())
	inbox, err := b.RegisterAgent("a")
	require.NoError(t, err)
	g := Build("g").
		DeclareAgents("a").
		AddNamedRoute("broken", PredicateFunc(func(env *bus.Envelope) bool {
			return env.Payload["nested"].(map[string]any)["x"] == 1
		}), Agent("a")).
		AddRoute(Always(), Agent("a")).
		MustValidate()

	var out DispatchOutcome
	require.NotPanics(t, func() {
		out = NewExecutor(g, b).Dispatch(context.Background(), bus.NewEnvelope("x", nil))
	})
	assert.Equal(t, StatusDeadLettered, out.Status)
	assert.Equal(t, ReasonDispatchFailed, out.Reason)
	assert.Equal(t, "broken", out.Route)
	assert.Equal(t, 0, out.RouteIndex)
	assert.ErrorIs(t, out.Err, ErrPredicatePanic)
	assert.Equal(t, uint64(1), b.DeadLetters().Counts()[ReasonDispatchFailed])

	_, ok := inbox.TryReceive()
	assert.False(t, ok)
}

func TestDispatch_HopLimitAlwaysDeadLetters(t *testing.T) {
	b := bus.New(bus.DefaultConfig(), zap.NewNop())
	fraud, _ := b.RegisterAgent("fraud")

	g, err := Build("orders").
		DeclareAgents("fraud").
		WithHopLimit(3).
		AddRoute(Always(), Agent("fraud")).
		Validate()
	require.NoError(t, err)
	exec := NewExecutor(g, b)

	for hops := 3; hops < 10; hops++ {
		env := bus.NewEnvelope("order.created", nil)
		env.HopCount = hops
		out := exec.Dispatch(context.Background(), env)
		assert.Equal(t, StatusDeadLettered, out.Status)
		assert.Equal(t, ReasonHopLimitExceeded, out.Reason)
		assert.Equal(t, hops, env.HopCount, "caller envelope is not modified")
	}
	assert.Equal(t, 0, fraud.Len())
	assert.Equal(t, uint64(7), b.DeadLetters().Counts()[ReasonHopLimitExceeded])

	env := bus.NewEnvelope("order.created", nil)
	env.HopCount = 2
	assert.Equal(t, StatusDelivered, exec.Dispatch(context.Background(), env).Status)
}

func TestDispatch_RoutingLoopIsBroken(t *testing.T) {
	b := bus.New(bus.DefaultConfig(), zap.NewNop())
	ping, _ := b.RegisterAgent("ping")
	pong, _ := b.RegisterAgent("pong")

	g := Build("loop").
		DeclareAgents("ping", "pong").
		WithHopLimit(6).
		AddRoute(HeaderEquals("to", "pong"), Agent("pong")).
		AddRoute(Always(), Agent("ping")).
		MustValidate()
	exec := NewExecutor(g, b)

	out := exec.Dispatch(context.Background(), bus.NewEnvelope("ball", nil))
	hops := 0
	for out.Status == StatusDelivered {
		hops++
		inbox, next := ping, "pong"
		if out.Target.Name == "pong" {
			inbox, next = pong, "ping"
		}
		env, ok := inbox.TryReceive()
		require.True(t, ok)
		env.WithHeader("to", next)
		out = exec.Dispatch(context.Background(), env)
	}
	assert.Equal(t, 6, hops)
	assert.Equal(t, ReasonHopLimitExceeded, out.Reason)
}

func TestDispatch_UnregisteredAgentDeadLetters(t *testing.T) {
	b := bus.New(bus.DefaultConfig(), zap.NewNop())
	exec := NewExecutor(orderGraph(t), b)

	out := exec.Dispatch(context.Background(), bus.NewEnvelope("order.created", map[string]any{"risk": "high"}))
	assert.Equal(t, StatusDeadLettered, out.Status)
	assert.Equal(t, ReasonTargetUnregistered, out.Reason)
	assert.ErrorIs(t, out.Err, bus.ErrAgentNotRegistered)

	recent := b.DeadLetters().Recent(1)
	require.Len(t, recent, 1)
	assert.Equal(t, "fraud", recent[0].Envelope.Header(bus.HeaderDeadLetterRoute))
	assert.Equal(t, "agent:fraud", recent[0].Target)
}

func TestDispatch_ExplicitDeadLetterRoute(t *testing.T) {
	b := bus.New(bus.DefaultConfig(), zap.NewNop())
	g := Build("g").AddNamedRoute("drop-spam", TypeEquals("spam"), DeadLetter()).MustValidate()
	out := NewExecutor(g, b).Dispatch(context.Background(), bus.NewEnvelope("spam", nil))
	assert.Equal(t, StatusDeadLettered, out.Status)
	assert.Equal(t, ReasonRoutedToDeadLetter, out.Reason)
	assert.Equal(t, "drop-spam", out.Route)
}

func TestDispatch_TTLExpired(t *testing.T) {
	b := bus.New(bus.DefaultConfig(), zap.NewNop())
	_, _ = b.RegisterAgent("fraud")
	now := time.Now()
	exec := NewExecutor(orderGraph(t), b, WithClock(func() time.Time { return now.Add(time.Minute) }))

	env := bus.NewEnvelope("order.created", nil).WithTTL(time.Second)
	env.CreatedAt = now
	out := exec.Dispatch(context.Background(), env)
	assert.Equal(t, ReasonTTLExpired, out.Reason)
}

func TestDispatch_TopicTarget(t *testing.T) {
	b := bus.New(bus.DefaultConfig(), zap.NewNop())
	a, _ := b.RegisterAgent("auditor-a")
	c, _ := b.RegisterAgent("auditor-b")
	require.NoError(t, b.SubscribeTopic("audit", "auditor-a"))
	require.NoError(t, b.SubscribeTopic("audit", "auditor-b"))

	g := Build("g").DeclareTopics("audit").AddRoute(Always(), Topic("audit")).MustValidate()
	out := NewExecutor(g, b).Dispatch(context.Background(), bus.NewEnvelope("x", nil))
	assert.Equal(t, StatusDelivered, out.Status)
	assert.Equal(t, 1, a.Len())
	assert.Equal(t, 1, c.Len())
}

func TestDispatch_CancelledWhileBlocked(t *testing.T) {
	b := bus.New(bus.Config{Capacity: 1}, zap.NewNop())
	_, _ = b.RegisterAgent("fraud")
	exec := NewExecutor(orderGraph(t), b)

	high := func() *bus.Envelope { return bus.NewEnvelope("order.created", map[string]any{"risk": "high"}) }
	require.Equal(t, StatusDelivered, exec.Dispatch(context.Background(), high()).Status)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	out := exec.Dispatch(ctx, high())
	assert.Equal(t, StatusCancelled, out.Status)
	assert.ErrorIs(t, out.Err, bus.ErrCancelled)
	assert.Zero(t, b.DeadLetters().Total())
}

func TestDispatch_TargetBackpressure(t *testing.T) {
	b := bus.New(bus.Config{Capacity: 1}, zap.NewNop())
	inbox, _ := b.RegisterAgent("fraud")
	exec := NewExecutor(orderGraph(t), b, WithTargetCapacity(Agent("fraud"), 1))

	high := func() *bus.Envelope { return bus.NewEnvelope("order.created", map[string]any{"risk": "high"}) }
	require.Equal(t, StatusDelivered, exec.Dispatch(context.Background(), high()).Status)

	// second dispatch holds the single permit while blocked on the full inbox
	blocked := make(chan DispatchOutcome, 1)
	go func() { blocked <- exec.Dispatch(context.Background(), high()) }()
	time.Sleep(20 * time.Millisecond)

	out := exec.Dispatch(context.Background(), high())
	assert.Equal(t, StatusDeadLettered, out.Status)
	assert.Equal(t, ReasonTargetBackpressure, out.Reason)

	_, err := inbox.Receive(context.Background())
	require.NoError(t, err)
	assert.Equal(t, StatusDelivered, (<-blocked).Status)
}

func TestDispatch_GraphDeadLetterTopic(t *testing.T) {
	b := bus.New(bus.DefaultConfig(), zap.NewNop())
	ops, _ := b.RegisterAgent("ops")
	require.NoError(t, b.SubscribeTopic("orders.dlq", "ops"))

	g := Build("g").WithDeadLetterTopic("orders.dlq").AddRoute(TypeEquals("x"), DeadLetter()).MustValidate()
	NewExecutor(g, b).Dispatch(context.Background(), bus.NewEnvelope("y", nil))

	env, ok := ops.TryReceive()
	require.True(t, ok)
	assert.Equal(t, ReasonNoRouteMatch, env.Header(bus.HeaderDeadLetterReason))
}

func TestDispatch_RateLimitHonoursContext(t *testing.T) {
	b := bus.New(bus.DefaultConfig(), zap.NewNop())
	g := Build("g").AddRoute(Always(), DeadLetter()).MustValidate()
	exec := NewExecutor(g, b, WithRateLimit(0.001, 1))

	assert.Equal(t, StatusDeadLettered, exec.Dispatch(context.Background(), bus.NewEnvelope("x", nil)).Status)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	assert.Equal(t, StatusCancelled, exec.Dispatch(ctx, bus.NewEnvelope("x", nil)).Status)
}

func TestDispatchAll_PreservesInputOrder(t *testing.T) {
	b := bus.New(bus.DefaultConfig(), zap.NewNop())
	_, _ = b.RegisterAgent("fraud")

	var mu sync.Mutex
	observed := 0
	exec := NewExecutor(orderGraph(t), b,
		WithBatchConcurrency(4),
		WithDispatchObserver(DispatchObserverFunc(func(context.Context, DispatchOutcome) {
			mu.Lock()
			observed++
			mu.Unlock()
		})),
	)

	envs := make([]*bus.Envelope, 20)
	for i := range envs {
		typ := "order.created"
		if i%2 == 1 {
			typ = fmt.Sprintf("unknown.%d", i)
		}
		envs[i] = bus.NewEnvelope(typ, map[string]any{"risk": "high"})
	}
	outs := exec.DispatchAll(context.Background(), envs)
	require.Len(t, outs, len(envs))
	for i, out := range outs {
		assert.Equal(t, envs[i].ID, out.EnvelopeID)
		if i%2 == 1 {
			assert.Equal(t, ReasonNoRouteMatch, out.Reason)
		} else {
			assert.True(t, out.Delivered())
		}
	}
	assert.Equal(t, len(envs), observed)
}
