package messagegraph

import (
	"context"
	"errors"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"
	"golang.org/x/time/rate"

	"github.com/BaSui01/agentgraph/bus"
)

const instrumentationName = "github.com/BaSui01/agentgraph/messagegraph"

// Dead-letter reasons, written to the x-dead-letter-reason header.
const (
	ReasonNoRouteMatch       = "no_route_match"
	ReasonHopLimitExceeded   = "hop_limit_exceeded"
	ReasonTTLExpired         = "ttl_expired"
	ReasonTargetUnregistered = "target_unregistered"
	ReasonRoutedToDeadLetter = "routed_to_dead_letter"
	ReasonTargetBackpressure = "target_backpressure"
	ReasonDispatchFailed     = "dispatch_failed"
)

const defaultBatchConcurrency = 8

// DispatchStatus is the terminal state of one Dispatch call.
type DispatchStatus string

const (
	StatusDelivered    DispatchStatus = "delivered"
	StatusDeadLettered DispatchStatus = "dead_lettered"
	StatusCancelled    DispatchStatus = "cancelled"
)

// DispatchOutcome describes what happened to one envelope. It is a report,
// not an error channel: Dispatch never fails the caller.
type DispatchOutcome struct {
	Graph      string         `json:"graph"`
	EnvelopeID string         `json:"envelope_id"`
	Type       string         `json:"type"`
	Status     DispatchStatus `json:"status"`
	Route      string         `json:"route,omitempty"`
	RouteIndex int            `json:"route_index"`
	Target     Target         `json:"target"`
	Reason     string         `json:"reason,omitempty"`
	HopCount   int            `json:"hop_count"`
	Sequence   uint64         `json:"sequence,omitempty"`
	Duration   time.Duration  `json:"duration"`
	Err        error          `json:"-"`
}

// Delivered reports whether the envelope reached its matched target.
func (o DispatchOutcome) Delivered() bool { return o.Status == StatusDelivered }

// DispatchObserver receives every outcome, e.g. for metrics.
type DispatchObserver interface {
	ObserveDispatch(ctx context.Context, o DispatchOutcome)
}

// DispatchObserverFunc adapts a function.
type DispatchObserverFunc func(context.Context, DispatchOutcome)

func (f DispatchObserverFunc) ObserveDispatch(ctx context.Context, o DispatchOutcome) { f(ctx, o) }

// =============================================================================
// Executor
// =============================================================================

// Executor dispatches envelopes through a validated MessageGraph onto an AgentBus.
type Executor struct {
	graph     *MessageGraph
	bus       *bus.AgentBus
	logger    *zap.Logger
	tracer    trace.Tracer
	limiter   *rate.Limiter
	limits    map[Target]*semaphore.Weighted
	batch     int
	observers []DispatchObserver
	now       func() time.Time

	capacities      map[Target]int64
	defaultCapacity int64
}

// ExecutorOption configures an Executor.
type ExecutorOption func(*Executor)

// WithLogger sets the logger.
func WithLogger(logger *zap.Logger) ExecutorOption {
	return func(e *Executor) {
		if logger != nil {
			e.logger = logger
		}
	}
}

// WithTracer overrides the OTel tracer.
func WithTracer(t trace.Tracer) ExecutorOption {
	return func(e *Executor) { e.tracer = t }
}

// WithRateLimit throttles Dispatch to rps with burst. Waiting honours ctx.
func WithRateLimit(rps float64, burst int) ExecutorOption {
	return func(e *Executor) {
		if rps > 0 {
			if burst <= 0 {
				burst = 1
			}
			e.limiter = rate.NewLimiter(rate.Limit(rps), burst)
		}
	}
}

// WithTargetCapacity bounds in-flight deliveries to t. Dispatches beyond the
// bound are dead-lettered with target_backpressure.
func WithTargetCapacity(t Target, n int) ExecutorOption {
	return func(e *Executor) { e.capacities[t] = int64(n) }
}

// WithDefaultTargetCapacity applies an in-flight bound to every target
// without an explicit one. 0 disables the bound.
func WithDefaultTargetCapacity(n int) ExecutorOption {
	return func(e *Executor) { e.defaultCapacity = int64(n) }
}

// WithBatchConcurrency bounds DispatchAll parallelism.
func WithBatchConcurrency(n int) ExecutorOption {
	return func(e *Executor) {
		if n > 0 {
			e.batch = n
		}
	}
}

// WithDispatchObserver registers an outcome observer (metrics, audit sinks).
func WithDispatchObserver(o DispatchObserver) ExecutorOption {
	return func(e *Executor) { e.observers = append(e.observers, o) }
}

// WithClock overrides time.Now for TTL checks.
func WithClock(now func() time.Time) ExecutorOption {
	return func(e *Executor) {
		if now != nil {
			e.now = now
		}
	}
}

// NewExecutor binds g to b. Streams declared by g are declared on the bus so
// their sequence counters exist before any consumer opens.
func NewExecutor(g *MessageGraph, b *bus.AgentBus, opts ...ExecutorOption) *Executor {
	e := &Executor{
		graph:      g,
		bus:        b,
		logger:     zap.NewNop(),
		tracer:     otel.Tracer(instrumentationName),
		batch:      defaultBatchConcurrency,
		now:        time.Now,
		capacities: make(map[Target]int64),
		limits:     make(map[Target]*semaphore.Weighted),
	}
	for _, opt := range opts {
		opt(e)
	}
	e.logger = e.logger.With(zap.String("component", "message_graph"), zap.String("graph", g.id))

	for _, r := range g.routes {
		if r.Target.Kind == TargetDeadLetter {
			continue
		}
		if _, ok := e.limits[r.Target]; ok {
			continue
		}
		n, ok := e.capacities[r.Target]
		if !ok {
			n = e.defaultCapacity
		}
		if n > 0 {
			e.limits[r.Target] = semaphore.NewWeighted(n)
		}
	}
	for _, s := range g.streams {
		_ = b.DeclareStream(s)
	}
	return e
}

// Graph returns the routing table.
func (e *Executor) Graph() *MessageGraph { return e.graph }

// Dispatch routes one envelope. The caller's envelope is not modified; the
// forwarded copy carries the incremented hop count.
func (e *Executor) Dispatch(ctx context.Context, env *bus.Envelope) DispatchOutcome {
	started := e.now()
	fwd := env.Clone()
	fwd.HopCount++

	ctx, span := e.tracer.Start(ctx, "messagegraph.dispatch",
		trace.WithAttributes(
			attribute.String("messagegraph.graph", e.graph.id),
			attribute.String("messagegraph.envelope_id", fwd.ID),
			attribute.String("messagegraph.type", fwd.Type),
			attribute.Int("messagegraph.hop_count", fwd.HopCount),
		),
	)
	defer span.End()

	// 下游 agent 通过 traceparent 头延续链路
	if fwd.Headers == nil {
		fwd.Headers = make(map[string]string)
	}
	otel.GetTextMapPropagator().Inject(ctx, propagation.MapCarrier(fwd.Headers))

	out := e.dispatch(ctx, fwd)
	out.Duration = e.now().Sub(started)

	span.SetAttributes(
		attribute.String("messagegraph.status", string(out.Status)),
		attribute.String("messagegraph.route", out.Route),
		attribute.String("messagegraph.target", out.Target.String()),
	)
	if out.Reason != "" {
		span.SetAttributes(attribute.String("messagegraph.reason", out.Reason))
	}
	if out.Status == StatusCancelled {
		span.SetStatus(codes.Error, "cancelled")
	}

	if out.Status == StatusDelivered {
		e.logger.Debug("envelope dispatched",
			zap.String("envelope_id", out.EnvelopeID),
			zap.String("route", out.Route),
			zap.String("target", out.Target.String()),
			zap.Int("hop_count", out.HopCount),
		)
	} else {
		e.logger.Info("envelope not delivered",
			zap.String("envelope_id", out.EnvelopeID),
			zap.String("type", out.Type),
			zap.String("status", string(out.Status)),
			zap.String("reason", out.Reason),
			zap.Error(out.Err),
		)
	}
	for _, o := range e.observers {
		o.ObserveDispatch(ctx, out)
	}
	return out
}

func (e *Executor) dispatch(ctx context.Context, env *bus.Envelope) DispatchOutcome {
	out := DispatchOutcome{
		Graph:      e.graph.id,
		EnvelopeID: env.ID,
		Type:       env.Type,
		RouteIndex: -1,
		HopCount:   env.HopCount,
	}

	if e.limiter != nil {
		if err := e.limiter.Wait(ctx); err != nil {
			out.Status = StatusCancelled
			out.Err = err
			return out
		}
	}

	if env.HopCount > e.graph.hopLimit {
		return e.deadLetter(ctx, env, out, ReasonHopLimitExceeded, nil)
	}
	if env.Expired(e.now()) {
		return e.deadLetter(ctx, env, out, ReasonTTLExpired, nil)
	}

	route, idx, ok, err := e.graph.match(env)
	if err != nil {
		out.Route = route.Name
		out.RouteIndex = idx
		return e.deadLetter(ctx, env, out, ReasonDispatchFailed, err)
	}
	if !ok {
		return e.deadLetter(ctx, env, out, ReasonNoRouteMatch, nil)
	}
	out.Route = route.Name
	out.RouteIndex = idx
	out.Target = route.Target

	if route.Target.Kind == TargetDeadLetter {
		return e.deadLetter(ctx, env, out, ReasonRoutedToDeadLetter, nil)
	}

	if sem, limited := e.limits[route.Target]; limited {
		if !sem.TryAcquire(1) {
			return e.deadLetter(ctx, env, out, ReasonTargetBackpressure, nil)
		}
		defer sem.Release(1)
	}

	var err error
	switch route.Target.Kind {
	case TargetAgent:
		err = e.bus.SendTo(ctx, route.Target.Name, env)
	case TargetStream:
		out.Sequence, err = e.bus.PublishStream(ctx, route.Target.Name, env)
	case TargetTopic:
		err = e.bus.Publish(ctx, route.Target.Name, env)
	}

	switch {
	case err == nil:
		out.Status = StatusDelivered
		return out
	case errors.Is(err, bus.ErrCancelled):
		out.Status = StatusCancelled
		out.Err = err
		return out
	case errors.Is(err, bus.ErrAgentNotRegistered), errors.Is(err, bus.ErrStreamNotFound):
		return e.deadLetter(ctx, env, out, ReasonTargetUnregistered, err)
	default:
		return e.deadLetter(ctx, env, out, ReasonDispatchFailed, err)
	}
}

// deadLetter records env on the bus sink and, when configured, on the graph's
// own dead-letter topic.
func (e *Executor) deadLetter(ctx context.Context, env *bus.Envelope, out DispatchOutcome, reason string, cause error) DispatchOutcome {
	out.Status = StatusDeadLettered
	out.Reason = reason
	out.Err = cause

	target := ""
	if out.Target.Kind != "" && out.Target.Kind != TargetDeadLetter {
		target = out.Target.String()
	}
	dl, err := e.bus.DeadLetter(ctx, env, reason, out.Route, target)
	if err == nil && e.graph.deadLetterTopic != "" && e.graph.deadLetterTopic != e.bus.DeadLetterTopic() {
		err = e.bus.Publish(ctx, e.graph.deadLetterTopic, dl.Envelope)
	}
	if err != nil && errors.Is(err, bus.ErrCancelled) {
		out.Status = StatusCancelled
		out.Err = err
	}
	return out
}

// DispatchAll dispatches envs concurrently (bounded by WithBatchConcurrency)
// and returns the outcomes in input order. Envelopes sent to the same stream
// are sequenced in arrival order, not input order.
func (e *Executor) DispatchAll(ctx context.Context, envs []*bus.Envelope) []DispatchOutcome {
	outcomes := make([]DispatchOutcome, len(envs))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(e.batch)
	for i, env := range envs {
		g.Go(func() error {
			outcomes[i] = e.Dispatch(gctx, env)
			return nil
		})
	}
	_ = g.Wait()
	return outcomes
}
