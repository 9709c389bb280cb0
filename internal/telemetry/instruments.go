package telemetry

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/BaSui01/agentgraph/messagegraph"
	"github.com/BaSui01/agentgraph/workflow"
)

const meterName = "github.com/BaSui01/agentgraph"

// Instruments records workflow and routing activity through the OTel metric
// API, so the same numbers reach the OTLP collector as well as Prometheus.
type Instruments struct {
	runs        metric.Int64Counter
	runDuration metric.Float64Histogram
	steps       metric.Int64Counter
	dispatches  metric.Int64Counter
	deadLetters metric.Int64Counter
	hops        metric.Int64Histogram
}

var (
	_ workflow.Observer             = (*Instruments)(nil)
	_ messagegraph.DispatchObserver = (*Instruments)(nil)
)

// NewInstruments creates the instruments on mp, or on the global provider when mp is nil.
func NewInstruments(mp metric.MeterProvider) (*Instruments, error) {
	if mp == nil {
		mp = otel.GetMeterProvider()
	}
	m := mp.Meter(meterName)

	var (
		in  Instruments
		err error
	)
	if in.runs, err = m.Int64Counter("agentgraph.workflow.runs",
		metric.WithDescription("Finished workflow runs")); err != nil {
		return nil, fmt.Errorf("create runs counter: %w", err)
	}
	if in.runDuration, err = m.Float64Histogram("agentgraph.workflow.run.duration",
		metric.WithDescription("Workflow run duration"), metric.WithUnit("s")); err != nil {
		return nil, fmt.Errorf("create run duration histogram: %w", err)
	}
	if in.steps, err = m.Int64Counter("agentgraph.workflow.steps",
		metric.WithDescription("Node invocations")); err != nil {
		return nil, fmt.Errorf("create steps counter: %w", err)
	}
	if in.dispatches, err = m.Int64Counter("agentgraph.router.dispatches",
		metric.WithDescription("Dispatched envelopes")); err != nil {
		return nil, fmt.Errorf("create dispatch counter: %w", err)
	}
	if in.deadLetters, err = m.Int64Counter("agentgraph.router.dead_letters",
		metric.WithDescription("Dead-lettered envelopes")); err != nil {
		return nil, fmt.Errorf("create dead letter counter: %w", err)
	}
	if in.hops, err = m.Int64Histogram("agentgraph.router.hops",
		metric.WithDescription("Hop count at dispatch")); err != nil {
		return nil, fmt.Errorf("create hop histogram: %w", err)
	}
	return &in, nil
}

// StepCompleted implements workflow.Observer.
func (in *Instruments) StepCompleted(ctx context.Context, ev workflow.StepEvent) {
	in.steps.Add(ctx, 1, metric.WithAttributes(
		attribute.String("graph", ev.Graph),
		attribute.String("node", ev.Node),
		attribute.Bool("error", ev.Err != nil),
	))
}

// RunCompleted implements workflow.Observer.
func (in *Instruments) RunCompleted(ctx context.Context, ev workflow.RunEvent) {
	attrs := metric.WithAttributes(
		attribute.String("graph", ev.Graph),
		attribute.String("status", ev.Status),
	)
	in.runs.Add(ctx, 1, attrs)
	in.runDuration.Record(ctx, ev.Duration.Seconds(), attrs)
}

// ObserveDispatch implements messagegraph.DispatchObserver.
func (in *Instruments) ObserveDispatch(ctx context.Context, out messagegraph.DispatchOutcome) {
	in.dispatches.Add(ctx, 1, metric.WithAttributes(
		attribute.String("graph", out.Graph),
		attribute.String("status", string(out.Status)),
	))
	in.hops.Record(ctx, int64(out.HopCount), metric.WithAttributes(attribute.String("graph", out.Graph)))
	if out.Status == messagegraph.StatusDeadLettered {
		in.deadLetters.Add(ctx, 1, metric.WithAttributes(
			attribute.String("graph", out.Graph),
			attribute.String("reason", out.Reason),
		))
	}
}
