package runtime

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"
	"go.uber.org/zap"

	"github.com/BaSui01/agentgraph/bus"
	"github.com/BaSui01/agentgraph/internal/pool"
	"github.com/BaSui01/agentgraph/messagegraph"
	"github.com/BaSui01/agentgraph/workflow"
)

// Result envelope types emitted when a run finishes.
const (
	TypeRunCompleted = "workflow.completed"
	TypeRunFailed    = "workflow.failed"
	// TypeRunResumed is the trigger type recorded on results of resumed runs.
	TypeRunResumed = "workflow.resumed"
)

// Metadata keys visible to nodes through RuntimeContext.Metadata.
const (
	MetaEnvelopeID   = "envelope_id"
	MetaEnvelopeType = "envelope_type"
	MetaSender       = "sender"
	MetaAgentID      = "agent_id"
	MetaHopCount     = "hop_count"
)

// Dispatcher is the subset of messagegraph.Executor used to emit envelopes.
type Dispatcher interface {
	Dispatch(ctx context.Context, env *bus.Envelope) messagegraph.DispatchOutcome
}

// WorkflowAgent is a bus agent whose behaviour is a compiled workflow graph:
// each inbound envelope starts one run, the payload seeds the state, and the
// final state is dispatched as a workflow.completed envelope.
type WorkflowAgent struct {
	id       string
	graph    *workflow.CompiledGraph
	executor *workflow.Executor
	bus      *bus.AgentBus
	router   Dispatcher
	pool     *pool.Pool
	topics   []string
	logger   *zap.Logger

	emitResults bool
	stateKey    string
	runTimeout  time.Duration

	// runs 跟踪已交给 pool 的 run，Stop 等待它们结束
	runs sync.WaitGroup

	mu      sync.Mutex
	inbox   *bus.Inbox
	cancel  context.CancelFunc
	done    chan struct{}
	running bool
}

// AgentOption configures a WorkflowAgent.
type AgentOption func(*WorkflowAgent)

// WithExecutor sets the workflow executor (defaults to workflow.NewExecutor()).
func WithExecutor(e *workflow.Executor) AgentOption {
	return func(a *WorkflowAgent) { a.executor = e }
}

// WithRouter dispatches node emissions and run results through d.
func WithRouter(d Dispatcher) AgentOption {
	return func(a *WorkflowAgent) { a.router = d }
}

// WithPool runs graphs on p; otherwise runs are processed one at a time.
func WithPool(p *pool.Pool) AgentOption {
	return func(a *WorkflowAgent) { a.pool = p }
}

// WithTopics subscribes the agent to topics on start.
func WithTopics(topics ...string) AgentOption {
	return func(a *WorkflowAgent) { a.topics = append(a.topics, topics...) }
}

// WithoutResults disables the completion/failure envelopes.
func WithoutResults() AgentOption {
	return func(a *WorkflowAgent) { a.emitResults = false }
}

// WithEnvelopeKey also stores the triggering envelope (type, sender, headers)
// under key in the initial state.
func WithEnvelopeKey(key string) AgentOption {
	return func(a *WorkflowAgent) { a.stateKey = key }
}

// WithRunTimeout bounds each run; zero means no limit beyond the caller's ctx.
func WithRunTimeout(d time.Duration) AgentOption {
	return func(a *WorkflowAgent) { a.runTimeout = d }
}

// WithAgentLogger sets the logger.
func WithAgentLogger(logger *zap.Logger) AgentOption {
	return func(a *WorkflowAgent) {
		if logger != nil {
			a.logger = logger
		}
	}
}

// NewWorkflowAgent binds graph to agent id on b.
func NewWorkflowAgent(id string, graph *workflow.CompiledGraph, b *bus.AgentBus, opts ...AgentOption) *WorkflowAgent {
	a := &WorkflowAgent{
		id:          id,
		graph:       graph,
		bus:         b,
		logger:      zap.NewNop(),
		emitResults: true,
	}
	for _, opt := range opts {
		opt(a)
	}
	if a.executor == nil {
		a.executor = workflow.NewExecutor()
	}
	a.logger = a.logger.With(zap.String("component", "workflow_agent"), zap.String("agent_id", id))
	return a
}

// ID returns the agent id.
func (a *WorkflowAgent) ID() string { return a.id }

// Graph returns the compiled graph the agent runs.
func (a *WorkflowAgent) Graph() *workflow.CompiledGraph { return a.graph }

// Start registers the agent and begins consuming its inbox.
func (a *WorkflowAgent) Start(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.running {
		return fmt.Errorf("agent %q already started", a.id)
	}

	inbox, err := a.bus.RegisterAgent(a.id)
	if err != nil {
		return fmt.Errorf("register agent %q: %w", a.id, err)
	}
	for _, topic := range a.topics {
		if err := a.bus.SubscribeTopic(topic, a.id); err != nil {
			_ = a.bus.UnregisterAgent(a.id)
			return fmt.Errorf("subscribe agent %q to %q: %w", a.id, topic, err)
		}
	}

	loopCtx, cancel := context.WithCancel(ctx)
	a.inbox = inbox
	a.cancel = cancel
	a.done = make(chan struct{})
	a.running = true
	go a.loop(loopCtx, inbox, a.done)

	a.logger.Info("workflow agent started",
		zap.String("graph", a.graph.Name()),
		zap.Strings("topics", a.topics),
	)
	return nil
}

// Stop unregisters the agent, cancels runs in flight and waits for the
// receive loop and every run it scheduled on the pool to finish. Cancelled
// runs report workflow.failed before Stop returns.
func (a *WorkflowAgent) Stop() {
	a.mu.Lock()
	if !a.running {
		a.mu.Unlock()
		return
	}
	a.running = false
	cancel, done := a.cancel, a.done
	a.mu.Unlock()

	_ = a.bus.UnregisterAgent(a.id)
	cancel()
	<-done
	a.runs.Wait()
	a.logger.Info("workflow agent stopped")
}

func (a *WorkflowAgent) loop(ctx context.Context, inbox *bus.Inbox, done chan struct{}) {
	defer close(done)
	for {
		env, err := inbox.Receive(ctx)
		if err != nil {
			if !errors.Is(err, bus.ErrAgentNotRegistered) && !errors.Is(err, bus.ErrCancelled) {
				a.logger.Warn("inbox receive failed", zap.Error(err))
			}
			return
		}

		if a.pool == nil {
			a.Handle(ctx, env)
			continue
		}
		a.runs.Add(1)
		if err := a.pool.Submit(ctx, func(taskCtx context.Context) error {
			defer a.runs.Done()
			_, err := a.Handle(taskCtx, env)
			return err
		}); err != nil {
			a.runs.Done()
			a.logger.Warn("failed to schedule run", zap.String("envelope_id", env.ID), zap.Error(err))
			if a.router != nil {
				a.router.Dispatch(context.WithoutCancel(ctx), a.resultEnvelope(env, nil, err))
			}
		}
	}
}

// Handle runs the graph for one envelope and dispatches the result. It is
// exported so callers can drive the agent synchronously.
func (a *WorkflowAgent) Handle(ctx context.Context, env *bus.Envelope) (*workflow.GraphState, error) {
	runID := env.CorrelationID
	if runID == "" {
		runID = env.ID
	}
	if len(env.Headers) > 0 {
		ctx = otel.GetTextMapPropagator().Extract(ctx, propagation.MapCarrier(env.Headers))
	}
	ctx, cancel := a.withTimeout(ctx)
	defer cancel()

	opts := []workflow.RunOption{
		workflow.WithRunID(runID),
		workflow.WithMetadata(map[string]string{
			MetaEnvelopeID:   env.ID,
			MetaEnvelopeType: env.Type,
			MetaSender:       env.Sender,
			MetaAgentID:      a.id,
			MetaHopCount:     strconv.Itoa(env.HopCount),
		}),
		workflow.WithEmitter(&envelopeEmitter{agent: a, trigger: env}),
	}

	state, err := a.executor.Run(ctx, a.graph, a.initialState(env), opts...)
	if err != nil {
		a.logger.Warn("run failed",
			zap.String("envelope_id", env.ID),
			zap.String("run_id", runID),
			zap.Error(err),
		)
	}
	if a.emitResults && a.router != nil {
		out := a.router.Dispatch(context.WithoutCancel(ctx), a.resultEnvelope(env, state, err))
		if !out.Delivered() {
			a.logger.Debug("run result not delivered",
				zap.String("run_id", runID),
				zap.String("status", string(out.Status)),
				zap.String("reason", out.Reason),
			)
		}
	}
	return state, err
}

// Resume continues an interrupted run from its checkpoint. The original
// trigger is gone, so emissions and the result envelope use a synthetic
// trigger of type workflow.resumed correlated to runID.
func (a *WorkflowAgent) Resume(ctx context.Context, runID string) (*workflow.GraphState, error) {
	trigger := &bus.Envelope{ID: runID, Type: TypeRunResumed, CorrelationID: runID}
	ctx, cancel := a.withTimeout(ctx)
	defer cancel()
	state, err := a.executor.Resume(ctx, a.graph, runID,
		workflow.WithMetadata(map[string]string{
			MetaEnvelopeType: TypeRunResumed,
			MetaAgentID:      a.id,
		}),
		workflow.WithEmitter(&envelopeEmitter{agent: a, trigger: trigger}),
	)
	if err != nil {
		a.logger.Warn("resumed run failed", zap.String("run_id", runID), zap.Error(err))
	}
	if a.emitResults && a.router != nil {
		a.router.Dispatch(context.WithoutCancel(ctx), a.resultEnvelope(trigger, state, err))
	}
	return state, err
}

func (a *WorkflowAgent) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if a.runTimeout <= 0 {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, a.runTimeout)
}

func (a *WorkflowAgent) initialState(env *bus.Envelope) map[string]any {
	initial := make(map[string]any, len(env.Payload)+1)
	for k, v := range env.Payload {
		initial[k] = v
	}
	if a.stateKey != "" {
		headers := make(map[string]any, len(env.Headers))
		for k, v := range env.Headers {
			headers[k] = v
		}
		initial[a.stateKey] = map[string]any{
			"id":      env.ID,
			"type":    env.Type,
			"sender":  env.Sender,
			"headers": headers,
		}
	}
	return initial
}

// resultEnvelope carries the trigger's hop count and correlation so result
// chains stay loop-protected.
func (a *WorkflowAgent) resultEnvelope(trigger *bus.Envelope, state *workflow.GraphState, runErr error) *bus.Envelope {
	var env *bus.Envelope
	if runErr == nil {
		var values map[string]any
		if state != nil {
			values = state.Values()
		}
		env = bus.NewEnvelope(TypeRunCompleted, values)
	} else {
		payload := map[string]any{"error": runErr.Error()}
		var execErr *workflow.ExecutionError
		if errors.As(runErr, &execErr) {
			payload["kind"] = string(execErr.Kind)
			payload["node"] = execErr.Node
			payload["step"] = execErr.Step
		}
		env = bus.NewEnvelope(TypeRunFailed, payload)
	}
	env.WithSender(a.id).
		WithCorrelation(correlationOf(trigger)).
		WithHeader("x-workflow-graph", a.graph.Name()).
		WithHeader("x-trigger-type", trigger.Type)
	env.HopCount = trigger.HopCount
	return env
}

func correlationOf(env *bus.Envelope) string {
	if env.CorrelationID != "" {
		return env.CorrelationID
	}
	return env.ID
}

// =============================================================================
// Emitter
// =============================================================================

// ErrNotDelivered is returned by an emission that could not reach its target.
var ErrNotDelivered = errors.New("emission not delivered")

// envelopeEmitter turns node emissions into envelopes. With a router they are
// dispatched through the routing table; a stream-only emission without a
// router goes straight to the bus stream.
type envelopeEmitter struct {
	agent   *WorkflowAgent
	trigger *bus.Envelope
}

func (e *envelopeEmitter) Emit(ctx context.Context, em workflow.Emission) error {
	env := bus.NewEnvelope(em.Type, em.Payload).
		WithSender(e.agent.id).
		WithCorrelation(em.CorrelationID).
		WithStream(em.StreamID)
	for k, v := range em.Headers {
		env.WithHeader(k, v)
	}
	env.HopCount = e.trigger.HopCount

	if e.agent.router != nil {
		out := e.agent.router.Dispatch(ctx, env)
		switch out.Status {
		case messagegraph.StatusDelivered:
			return nil
		case messagegraph.StatusCancelled:
			if out.Err != nil {
				return out.Err
			}
			return bus.ErrCancelled
		default:
			return fmt.Errorf("%w: %s", ErrNotDelivered, out.Reason)
		}
	}
	if em.StreamID != "" {
		_, err := e.agent.bus.PublishStream(ctx, em.StreamID, env)
		return err
	}
	return fmt.Errorf("%w: no router and no stream", ErrNotDelivered)
}
