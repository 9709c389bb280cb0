package runtime

import (
	"context"
	"errors"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/BaSui01/agentgraph/bus"
	"github.com/BaSui01/agentgraph/internal/pool"
	"github.com/BaSui01/agentgraph/messagegraph"
	"github.com/BaSui01/agentgraph/testutil"
	"github.com/BaSui01/agentgraph/workflow"
)

func supportGraph(t *testing.T) *workflow.CompiledGraph {
	t.Helper()
	classify := workflow.NodeFuncOf(func(_ context.Context, s *workflow.GraphState, _ *workflow.RuntimeContext) (workflow.Command, error) {
		if strings.Contains(strings.ToLower(s.GetString("query")), "charged") {
			return workflow.Goto("billing", workflow.StateUpdate{"category": "billing"}), nil
		}
		return workflow.Goto("general", workflow.StateUpdate{"category": "general"}), nil
	})
	team := workflow.NodeFuncOf(func(ctx context.Context, s *workflow.GraphState, rc *workflow.RuntimeContext) (workflow.Command, error) {
		err := rc.Emit(ctx, workflow.Emission{
			Type:     "support.progress",
			Payload:  map[string]any{"node": rc.Node},
			StreamID: "support.progress",
		})
		if err != nil {
			return workflow.Command{}, err
		}
		return workflow.Continue(workflow.StateUpdate{"draft": "Routed to " + rc.Node + "."}), nil
	})
	respond := workflow.NodeFuncOf(func(_ context.Context, s *workflow.GraphState, rc *workflow.RuntimeContext) (workflow.Command, error) {
		return workflow.Return(workflow.StateUpdate{
			"final_response": "About your " + s.GetString("category") + " question: " + s.GetString("draft"),
			"handled_by":     rc.Metadata(MetaAgentID),
		}), nil
	})

	return workflow.Build("support").
		AddNode("classify", classify, workflow.WithDestinations("billing", "general")).
		AddNode("billing", team).
		AddNode("general", team).
		AddNode("respond", respond, workflow.Terminal()).
		SetEntry("classify").
		AddEdge("billing", "respond").
		AddEdge("general", "respond").
		MustCompile()
}

type fixture struct {
	bus      *bus.AgentBus
	router   *messagegraph.Executor
	client   *bus.Inbox
	progress *bus.StreamConsumer
}

func newFixture(t *testing.T) fixture {
	t.Helper()
	b := testutil.NewBus(t)
	g := messagegraph.Build("support-routes").
		DeclareAgents("support", "client").
		DeclareStreams("support.progress").
		AddNamedRoute("requests", messagegraph.TypeEquals("support.request"), messagegraph.Agent("support")).
		AddNamedRoute("progress", messagegraph.TypeEquals("support.progress"), messagegraph.Stream("support.progress")).
		AddNamedRoute("results", messagegraph.Or(
			messagegraph.TypeEquals(TypeRunCompleted),
			messagegraph.TypeEquals(TypeRunFailed),
		), messagegraph.Agent("client")).
		MustValidate()

	client, err := b.RegisterAgent("client")
	require.NoError(t, err)
	progress, err := b.OpenStream("support.progress", "ui")
	require.NoError(t, err)
	return fixture{bus: b, router: messagegraph.NewExecutor(g, b), client: client, progress: progress}
}

func TestWorkflowAgent_EndToEnd(t *testing.T) {
	f := newFixture(t)
	p := pool.New(pool.Config{MaxWorkers: 2, QueueSize: 8}, nil)
	defer p.Close(context.Background())

	agent := NewWorkflowAgent("support", supportGraph(t), f.bus, WithRouter(f.router), WithPool(p))
	require.NoError(t, agent.Start(context.Background()))
	defer agent.Stop()

	req := bus.NewEnvelope("support.request", map[string]any{"query": "I was charged twice"}).WithCorrelation("ticket-42")
	out := f.router.Dispatch(context.Background(), req)
	require.True(t, out.Delivered(), "reason=%s", out.Reason)

	result := testutil.MustReceive(t, f.client, 2*time.Second)
	assert.Equal(t, TypeRunCompleted, result.Type)
	assert.Equal(t, "ticket-42", result.CorrelationID)
	assert.Equal(t, "support", result.Sender)
	assert.Equal(t, "billing", result.Payload["category"])
	assert.Contains(t, result.Payload["final_response"], "billing")
	assert.Equal(t, "support", result.Payload["handled_by"])
	// request hop 1, result hop 2
	assert.Equal(t, 2, result.HopCount)

	progress := testutil.MustReceive(t, f.progress, 2*time.Second)
	assert.Equal(t, uint64(1), progress.Sequence)
	assert.Equal(t, "billing", progress.Payload["node"])
	assert.Equal(t, "ticket-42", progress.CorrelationID)
}

func TestWorkflowAgent_HandleFailureReportsKind(t *testing.T) {
	f := newFixture(t)
	broken := workflow.Build("broken").
		AddNodeFunc("loop", func(context.Context, *workflow.GraphState, *workflow.RuntimeContext) (workflow.Command, error) {
			return workflow.Goto("loop", nil), nil
		}, workflow.Terminal()).
		SetEntry("loop").
		WithMaxSteps(3).
		MustCompile()

	agent := NewWorkflowAgent("support", broken, f.bus, WithRouter(f.router))
	_, err := agent.Handle(context.Background(), bus.NewEnvelope("support.request", nil))
	require.Error(t, err)
	assert.True(t, workflow.IsExecutionKind(err, workflow.ExecErrNoTermination))

	result, ok := f.client.TryReceive()
	require.True(t, ok)
	assert.Equal(t, TypeRunFailed, result.Type)
	assert.Equal(t, string(workflow.ExecErrNoTermination), result.Payload["kind"])
}

func TestWorkflowAgent_RunTimeout(t *testing.T) {
	f := newFixture(t)
	slow := workflow.Build("slow").
		AddNodeFunc("wait", func(ctx context.Context, _ *workflow.GraphState, _ *workflow.RuntimeContext) (workflow.Command, error) {
			<-ctx.Done()
			return workflow.Command{}, ctx.Err()
		}, workflow.Terminal()).
		SetEntry("wait").
		MustCompile()

	agent := NewWorkflowAgent("support", slow, f.bus, WithRouter(f.router), WithRunTimeout(20*time.Millisecond))
	_, err := agent.Handle(context.Background(), bus.NewEnvelope("support.request", nil))
	require.Error(t, err)
	assert.True(t, workflow.IsExecutionKind(err, workflow.ExecErrCancelled))
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	result, ok := f.client.TryReceive()
	require.True(t, ok)
	assert.Equal(t, TypeRunFailed, result.Type)
	// 节点未到达 emit
	testutil.MustNotReceive(t, f.progress, 20*time.Millisecond)
}

func TestWorkflowAgent_EmitWithoutRouterUsesStream(t *testing.T) {
	b := bus.New(bus.DefaultConfig(), zap.NewNop())
	consumer, err := b.OpenStream("support.progress", "ui")
	require.NoError(t, err)

	agent := NewWorkflowAgent("support", supportGraph(t), b, WithEnvelopeKey("envelope"))
	state, err := agent.Handle(context.Background(), bus.NewEnvelope("support.request", map[string]any{"query": "hello"}).WithSender("web"))
	require.NoError(t, err)
	assert.Equal(t, "general", state.GetString("category"))
	assert.Equal(t, "web", state.GetMap("envelope")["sender"])

	env := <-consumer.C()
	assert.Equal(t, "general", env.Payload["node"])
}

func TestWorkflowAgent_StartStop(t *testing.T) {
	b := bus.New(bus.DefaultConfig(), zap.NewNop())
	agent := NewWorkflowAgent("support", supportGraph(t), b, WithTopics("support"), WithoutResults())

	require.NoError(t, agent.Start(context.Background()))
	assert.Error(t, agent.Start(context.Background()))
	assert.True(t, b.IsRegistered("support"))
	assert.Equal(t, []string{"support"}, b.Subscribers("support"))

	agent.Stop()
	agent.Stop()
	assert.False(t, b.IsRegistered("support"))

	// a second agent can take the id after stop
	other := NewWorkflowAgent("support", supportGraph(t), b)
	require.NoError(t, other.Start(context.Background()))
	other.Stop()
}

func TestWorkflowAgent_StopWaitsForPooledRuns(t *testing.T) {
	f := newFixture(t)
	p := pool.New(pool.Config{MaxWorkers: 2, QueueSize: 8}, nil)
	defer p.Close(context.Background())

	started := make(chan struct{})
	slow := workflow.Build("slow").
		AddNodeFunc("wait", func(ctx context.Context, _ *workflow.GraphState, _ *workflow.RuntimeContext) (workflow.Command, error) {
			close(started)
			<-ctx.Done()
			return workflow.Command{}, ctx.Err()
		}, workflow.Terminal()).
		SetEntry("wait").
		MustCompile()

	agent := NewWorkflowAgent("support", slow, f.bus, WithRouter(f.router), WithPool(p))
	require.NoError(t, agent.Start(context.Background()))
	out := f.router.Dispatch(context.Background(), bus.NewEnvelope("support.request", nil).WithCorrelation("ticket-7"))
	require.True(t, out.Delivered(), "reason=%s", out.Reason)

	select {
	case <-started:
	case <-time.After(2 * time.Second):
		t.Fatal("run did not start")
	}
	agent.Stop()

	// 结果在 Stop 返回前已投递
	result, ok := f.client.TryReceive()
	require.True(t, ok, "workflow.failed must be delivered before Stop returns")
	assert.Equal(t, TypeRunFailed, result.Type)
	assert.Equal(t, "ticket-7", result.CorrelationID)
}

func TestWorkflowAgent_ResumeFromCheckpoint(t *testing.T) {
	f := newFixture(t)
	var failOnce atomic.Bool
	failOnce.Store(true)

	g := workflow.Build("flaky").
		AddNodeFunc("first", func(context.Context, *workflow.GraphState, *workflow.RuntimeContext) (workflow.Command, error) {
			return workflow.Continue(workflow.StateUpdate{"trail": "first"}), nil
		}).
		AddNodeFunc("second", func(context.Context, *workflow.GraphState, *workflow.RuntimeContext) (workflow.Command, error) {
			if failOnce.CompareAndSwap(true, false) {
				return workflow.Command{}, errors.New("upstream timeout")
			}
			return workflow.Return(workflow.StateUpdate{"trail": "second"}), nil
		}, workflow.Terminal()).
		SetEntry("first").
		AddEdge("first", "second").
		AddReducer("trail", workflow.ReducerAppend).
		MustCompile()

	exec := workflow.NewExecutor(workflow.WithCheckpointer(workflow.NewMemoryCheckpointer()))
	agent := NewWorkflowAgent("support", g, f.bus, WithRouter(f.router), WithExecutor(exec))

	_, err := agent.Handle(context.Background(), bus.NewEnvelope("support.request", nil).WithCorrelation("run-7"))
	require.Error(t, err)
	failed, ok := f.client.TryReceive()
	require.True(t, ok)
	assert.Equal(t, TypeRunFailed, failed.Type)

	state, err := agent.Resume(context.Background(), "run-7")
	require.NoError(t, err)
	assert.Equal(t, []any{"first", "second"}, state.GetSlice("trail"))

	result, ok := f.client.TryReceive()
	require.True(t, ok)
	assert.Equal(t, TypeRunCompleted, result.Type)
	assert.Equal(t, "run-7", result.CorrelationID)
	assert.Equal(t, TypeRunResumed, result.Header("x-trigger-type"))

	_, err = agent.Resume(context.Background(), "run-7")
	assert.ErrorIs(t, err, workflow.ErrCheckpointNotFound)
}

func TestWorkflowAgent_WithoutResultsStaysSilent(t *testing.T) {
	f := newFixture(t)
	agent := NewWorkflowAgent("support", supportGraph(t), f.bus, WithRouter(f.router), WithoutResults())

	state, err := agent.Handle(context.Background(), bus.NewEnvelope("support.request", map[string]any{"query": "hi"}))
	require.NoError(t, err)
	assert.Equal(t, "general", state.GetString("category"))

	testutil.MustReceive(t, f.progress, time.Second)
	testutil.MustNotReceive(t, f.client, 20*time.Millisecond)
}
