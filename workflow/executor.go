package workflow

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

const instrumentationName = "github.com/BaSui01/agentgraph/workflow"

// StepEvent describes one finished node invocation.
type StepEvent struct {
	Graph    string
	RunID    string
	Node     string
	Step     int
	Command  CommandKind
	Next     string
	Duration time.Duration
	Err      error
}

// RunEvent describes a finished run. Status is "completed" or an ExecutionErrorKind.
type RunEvent struct {
	Graph    string
	RunID    string
	Steps    int
	Status   string
	Duration time.Duration
}

// Observer receives executor events. Implementations must not block.
type Observer interface {
	StepCompleted(ctx context.Context, ev StepEvent)
	RunCompleted(ctx context.Context, ev RunEvent)
}

// Executor drives compiled graphs. One Executor serves any number of
// concurrent runs; each run is strictly sequential.
type Executor struct {
	logger       *zap.Logger
	tracer       trace.Tracer
	observers    []Observer
	checkpointer Checkpointer
	capabilities *CapabilityRegistry
	emitter      Emitter
}

// ExecutorOption configures an Executor.
type ExecutorOption func(*Executor)

// WithExecutorLogger sets the logger.
func WithExecutorLogger(logger *zap.Logger) ExecutorOption {
	return func(e *Executor) {
		if logger != nil {
			e.logger = logger.With(zap.String("component", "graph_executor"))
		}
	}
}

// WithTracer overrides the OTel tracer (defaults to the global provider).
func WithTracer(t trace.Tracer) ExecutorOption {
	return func(e *Executor) { e.tracer = t }
}

// WithObserver registers an observer (metrics collectors, audit sinks).
func WithObserver(o Observer) ExecutorOption {
	return func(e *Executor) { e.observers = append(e.observers, o) }
}

// WithCheckpointer saves a checkpoint after every step.
func WithCheckpointer(c Checkpointer) ExecutorOption {
	return func(e *Executor) { e.checkpointer = c }
}

// WithCapabilityRegistry sets the capabilities visible to every run.
func WithCapabilityRegistry(r *CapabilityRegistry) ExecutorOption {
	return func(e *Executor) { e.capabilities = r }
}

// WithDefaultEmitter sets the emitter used when a run does not override it.
func WithDefaultEmitter(em Emitter) ExecutorOption {
	return func(e *Executor) { e.emitter = em }
}

// NewExecutor creates an executor.
func NewExecutor(opts ...ExecutorOption) *Executor {
	e := &Executor{
		logger: zap.NewNop(),
		tracer: otel.Tracer(instrumentationName),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

var defaultExecutor = NewExecutor()

// RunOption configures a single run.
type RunOption func(*runConfig)

type runConfig struct {
	runID        string
	metadata     map[string]string
	emitter      Emitter
	capabilities *CapabilityRegistry
	stepHook     func(StepEvent)
}

// WithRunID fixes the run id (defaults to a random UUID).
func WithRunID(id string) RunOption {
	return func(c *runConfig) { c.runID = id }
}

// WithMetadata attaches read-only metadata visible through RuntimeContext.Metadata.
func WithMetadata(md map[string]string) RunOption {
	return func(c *runConfig) {
		c.metadata = make(map[string]string, len(md))
		for k, v := range md {
			c.metadata[k] = v
		}
	}
}

// WithEmitter overrides the emitter for this run.
func WithEmitter(em Emitter) RunOption {
	return func(c *runConfig) { c.emitter = em }
}

// WithCapabilities overrides the capability registry for this run.
func WithCapabilities(r *CapabilityRegistry) RunOption {
	return func(c *runConfig) { c.capabilities = r }
}

// WithStepHook is called synchronously after every step of this run.
func WithStepHook(fn func(StepEvent)) RunOption {
	return func(c *runConfig) { c.stepHook = fn }
}

// Run executes g from its entry node with initial state values.
func (e *Executor) Run(ctx context.Context, g *CompiledGraph, initial map[string]any, opts ...RunOption) (*GraphState, error) {
	if g == nil {
		return nil, fmt.Errorf("compiled graph cannot be nil")
	}
	cfg := e.runConfig(opts)
	return e.execute(ctx, g, NewGraphState(initial), g.entry, 0, cfg)
}

// Resume continues a run from its last checkpoint.
func (e *Executor) Resume(ctx context.Context, g *CompiledGraph, runID string, opts ...RunOption) (*GraphState, error) {
	if g == nil {
		return nil, fmt.Errorf("compiled graph cannot be nil")
	}
	if e.checkpointer == nil {
		return nil, fmt.Errorf("resume requires a checkpointer")
	}
	cp, err := e.checkpointer.Load(ctx, runID)
	if err != nil {
		return nil, fmt.Errorf("load checkpoint %s: %w", runID, err)
	}
	if cp.Graph != g.name {
		return nil, fmt.Errorf("checkpoint %s belongs to graph %q, not %q", runID, cp.Graph, g.name)
	}
	next, ok := g.index[cp.Next]
	if !ok {
		return nil, fmt.Errorf("checkpoint %s: next node %q not in graph", runID, cp.Next)
	}

	opts = append([]RunOption{WithRunID(runID)}, opts...)
	cfg := e.runConfig(opts)
	e.logger.Info("resuming run from checkpoint",
		zap.String("graph", g.name),
		zap.String("run_id", runID),
		zap.Int("step", cp.Step),
		zap.String("next", cp.Next),
	)
	return e.execute(ctx, g, &GraphState{values: cp.State}, next, cp.Step, cfg)
}

func (e *Executor) runConfig(opts []RunOption) runConfig {
	cfg := runConfig{
		emitter:      e.emitter,
		capabilities: e.capabilities,
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.runID == "" {
		cfg.runID = uuid.NewString()
	}
	return cfg
}

// execute is the run loop. No lock is held here: the state belongs to this run alone.
func (e *Executor) execute(ctx context.Context, g *CompiledGraph, state *GraphState, cur, step int, cfg runConfig) (*GraphState, error) {
	started := time.Now()
	ctx, span := e.tracer.Start(ctx, "workflow.run",
		trace.WithAttributes(
			attribute.String("workflow.graph", g.name),
			attribute.String("workflow.run_id", cfg.runID),
		))
	defer span.End()

	logger := e.logger.With(zap.String("graph", g.name), zap.String("run_id", cfg.runID))
	logger.Debug("run started", zap.String("entry", g.nameOf(cur)), zap.Int("step", step))

	fail := func(kind ExecutionErrorKind, node string, err error) (*GraphState, error) {
		execErr := &ExecutionError{
			Graph: g.name,
			RunID: cfg.runID,
			Node:  node,
			Step:  step,
			Kind:  kind,
			Err:   err,
			State: state.Clone(),
		}
		span.RecordError(execErr)
		span.SetStatus(codes.Error, string(kind))
		logger.Warn("run failed",
			zap.String("kind", string(kind)),
			zap.String("node", node),
			zap.Int("step", step),
			zap.Error(err),
		)
		e.notifyRun(ctx, RunEvent{Graph: g.name, RunID: cfg.runID, Steps: step, Status: string(kind), Duration: time.Since(started)})
		return nil, execErr
	}

	for {
		name := g.names[cur]
		if err := ctx.Err(); err != nil {
			return fail(ExecErrCancelled, name, err)
		}
		if step >= g.maxSteps {
			return fail(ExecErrNoTermination, name,
				fmt.Errorf("step ceiling %d reached without termination", g.maxSteps))
		}
		step++

		rc := &RuntimeContext{
			Graph:        g.name,
			RunID:        cfg.runID,
			Node:         name,
			Step:         step,
			MaxSteps:     g.maxSteps,
			metadata:     cfg.metadata,
			capabilities: cfg.capabilities,
			emitter:      cfg.emitter,
		}

		nodeStart := time.Now()
		cmd, err := e.invoke(ctx, g.fns[cur], state, rc)
		duration := time.Since(nodeStart)

		if err != nil {
			e.notifyStep(ctx, cfg, StepEvent{Graph: g.name, RunID: cfg.runID, Node: name, Step: step, Duration: duration, Err: err})
			if ctxErr := ctx.Err(); ctxErr != nil && errors.Is(err, ctxErr) {
				return fail(ExecErrCancelled, name, err)
			}
			return fail(ExecErrNodeFailed, name, err)
		}
		// 取消后不再应用任何更新
		if err := ctx.Err(); err != nil {
			return fail(ExecErrCancelled, name, err)
		}
		if err := state.apply(cmd.Update, g.reducers, g.strict); err != nil {
			return fail(ExecErrReducerMismatch, name, err)
		}

		next, done, kind, err := g.route(cur, cmd)
		ev := StepEvent{Graph: g.name, RunID: cfg.runID, Node: name, Step: step, Command: cmd.Kind, Next: g.nameOf(next), Duration: duration}
		if err != nil {
			ev.Err = err
			e.notifyStep(ctx, cfg, ev)
			return fail(kind, name, err)
		}
		if done {
			ev.Next = End
		}
		e.notifyStep(ctx, cfg, ev)

		logger.Debug("node completed",
			zap.String("node", name),
			zap.Int("step", step),
			zap.String("command", cmd.Kind.String()),
			zap.String("next", ev.Next),
			zap.Duration("duration", duration),
		)

		if done {
			e.finish(ctx, g, cfg, logger, step, started)
			return state, nil
		}

		if e.checkpointer != nil {
			cp := Checkpoint{
				Graph:     g.name,
				RunID:     cfg.runID,
				Step:      step,
				Node:      name,
				Next:      g.names[next],
				State:     state.Values(),
				CreatedAt: time.Now(),
			}
			if err := e.checkpointer.Save(ctx, cp); err != nil {
				return fail(ExecErrCheckpoint, name, fmt.Errorf("save checkpoint: %w", err))
			}
		}
		cur = next
	}
}

// route resolves the node that follows cur. done is true when the run ends.
func (g *CompiledGraph) route(cur int, cmd Command) (next int, done bool, kind ExecutionErrorKind, err error) {
	switch cmd.Kind {
	case CommandReturn:
		return endIndex, true, "", nil

	case CommandGoto:
		target := g.resolve(cmd.Target)
		if target == noEdge {
			return noEdge, false, ExecErrUnknownTarget, fmt.Errorf("goto target %q does not exist", cmd.Target)
		}
		if len(g.dests[cur]) > 0 && !g.dests[cur][target] {
			return noEdge, false, ExecErrUnknownTarget, fmt.Errorf("goto target %q is not a declared destination", cmd.Target)
		}
		if target == endIndex {
			return endIndex, true, "", nil
		}
		return target, false, "", nil

	case CommandContinue:
		switch g.next[cur] {
		case noEdge:
			if g.terminal[cur] {
				return endIndex, true, "", nil
			}
			return noEdge, false, ExecErrNoEdge, fmt.Errorf("node %q has no static edge and is not terminal", g.names[cur])
		case endIndex:
			return endIndex, true, "", nil
		default:
			return g.next[cur], false, "", nil
		}

	default:
		return noEdge, false, ExecErrNodeFailed, fmt.Errorf("unknown command kind %d", cmd.Kind)
	}
}

// invoke calls the node under its own span and converts panics into errors.
func (e *Executor) invoke(ctx context.Context, fn NodeFunc, state *GraphState, rc *RuntimeContext) (cmd Command, err error) {
	ctx, span := e.tracer.Start(ctx, "workflow.node",
		trace.WithAttributes(
			attribute.String("workflow.node", rc.Node),
			attribute.Int("workflow.step", rc.Step),
		))
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("node panicked: %v", r)
		}
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
	}()
	return fn.Call(ctx, state, rc)
}

func (e *Executor) finish(ctx context.Context, g *CompiledGraph, cfg runConfig, logger *zap.Logger, steps int, started time.Time) {
	if e.checkpointer != nil {
		if err := e.checkpointer.Delete(ctx, cfg.runID); err != nil {
			logger.Warn("failed to delete checkpoint", zap.Error(err))
		}
	}
	logger.Info("run completed",
		zap.Int("steps", steps),
		zap.Duration("duration", time.Since(started)),
	)
	e.notifyRun(ctx, RunEvent{Graph: g.name, RunID: cfg.runID, Steps: steps, Status: "completed", Duration: time.Since(started)})
}

func (e *Executor) notifyStep(ctx context.Context, cfg runConfig, ev StepEvent) {
	for _, o := range e.observers {
		o.StepCompleted(ctx, ev)
	}
	if cfg.stepHook != nil {
		cfg.stepHook(ev)
	}
}

func (e *Executor) notifyRun(ctx context.Context, ev RunEvent) {
	for _, o := range e.observers {
		o.RunCompleted(ctx, ev)
	}
}
