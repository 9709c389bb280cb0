package metrics

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/BaSui01/agentgraph/bus"
	"github.com/BaSui01/agentgraph/internal/pool"
	"github.com/BaSui01/agentgraph/messagegraph"
	"github.com/BaSui01/agentgraph/workflow"
)

// =============================================================================
// 📊 指标收集器
// =============================================================================

// Collector 持有全部 Prometheus 指标。同时实现 workflow.Observer、
// messagegraph.DispatchObserver、checkpoint.Recorder 与 database.StatsRecorder。
type Collector struct {
	namespace string
	reg       prometheus.Registerer
	gatherer  prometheus.Gatherer
	logger    *zap.Logger

	httpRequests *prometheus.CounterVec
	httpLatency  *prometheus.HistogramVec

	steps       *prometheus.CounterVec
	stepLatency *prometheus.HistogramVec
	runs        *prometheus.CounterVec
	runLatency  *prometheus.HistogramVec
	runSteps    *prometheus.HistogramVec

	dispatches      *prometheus.CounterVec
	dispatchLatency *prometheus.HistogramVec
	deadLetters     *prometheus.CounterVec
	hops            prometheus.Histogram

	checkpointOps *prometheus.CounterVec

	dbOpen    *prometheus.GaugeVec
	dbIdle    *prometheus.GaugeVec
	dbLatency *prometheus.HistogramVec
}

var (
	_ workflow.Observer             = (*Collector)(nil)
	_ messagegraph.DispatchObserver = (*Collector)(nil)
)

// NewRegistry 返回带 Go 运行时与进程指标的独立 Registry
func NewRegistry() *prometheus.Registry {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return reg
}

// NewCollector 在 reg 上注册全部指标；reg 为 nil 时使用默认 Registry
func NewCollector(namespace string, reg *prometheus.Registry, logger *zap.Logger) *Collector {
	if logger == nil {
		logger = zap.NewNop()
	}
	c := &Collector{
		namespace: namespace,
		reg:       prometheus.DefaultRegisterer,
		gatherer:  prometheus.DefaultGatherer,
		logger:    logger.With(zap.String("component", "metrics")),
	}
	if reg != nil {
		c.reg, c.gatherer = reg, reg
	}
	f := promauto.With(c.reg)

	counter := func(subsystem, name, help string, labels ...string) *prometheus.CounterVec {
		return f.NewCounterVec(prometheus.CounterOpts{Namespace: namespace, Subsystem: subsystem, Name: name, Help: help}, labels)
	}
	histogram := func(subsystem, name, help string, buckets []float64, labels ...string) *prometheus.HistogramVec {
		return f.NewHistogramVec(prometheus.HistogramOpts{Namespace: namespace, Subsystem: subsystem, Name: name, Help: help, Buckets: buckets}, labels)
	}
	gauge := func(subsystem, name, help string, labels ...string) *prometheus.GaugeVec {
		return f.NewGaugeVec(prometheus.GaugeOpts{Namespace: namespace, Subsystem: subsystem, Name: name, Help: help}, labels)
	}

	c.httpRequests = counter("http", "requests_total", "Admin API requests by route template and status class", "method", "path", "status")
	c.httpLatency = histogram("http", "request_duration_seconds", "Admin API latency", prometheus.DefBuckets, "method", "path")

	c.steps = counter("workflow", "steps_total", "Node invocations by resulting command", "graph", "node", "command")
	c.stepLatency = histogram("workflow", "step_duration_seconds", "Node invocation latency", prometheus.DefBuckets, "graph", "node")
	c.runs = counter("workflow", "runs_total", "Finished runs by status or execution error kind", "graph", "status")
	c.runLatency = histogram("workflow", "run_duration_seconds", "Run latency",
		[]float64{0.01, 0.05, 0.1, 0.5, 1, 2, 5, 10, 30, 60}, "graph")
	c.runSteps = histogram("workflow", "run_steps", "Steps taken per run", prometheus.ExponentialBuckets(1, 2, 8), "graph")

	c.dispatches = counter("router", "dispatch_total", "Dispatches by status and target kind", "graph", "status", "target_kind")
	c.dispatchLatency = histogram("router", "dispatch_duration_seconds", "Dispatch latency including backpressure waits", prometheus.DefBuckets, "graph")
	c.deadLetters = counter("router", "dead_letters_total", "Dead-lettered envelopes by reason", "graph", "reason")
	c.hops = f.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace,
		Subsystem: "router",
		Name:      "hop_count",
		Help:      "Envelope hop count seen at dispatch",
		Buckets:   prometheus.LinearBuckets(1, 4, 9),
	})

	c.checkpointOps = counter("checkpoint", "operations_total", "Checkpoint store operations by outcome", "operation", "status")

	c.dbOpen = gauge("db", "connections_open", "Open archive database connections", "database")
	c.dbIdle = gauge("db", "connections_idle", "Idle archive database connections", "database")
	c.dbLatency = histogram("db", "query_duration_seconds", "Archive query latency", prometheus.DefBuckets, "database", "operation")

	c.logger.Debug("metrics collector initialized", zap.String("namespace", namespace))
	return c
}

// Handler 返回本 Registry 的 /metrics 处理器
func (c *Collector) Handler() http.Handler {
	return promhttp.InstrumentMetricHandler(c.reg, promhttp.HandlerFor(c.gatherer, promhttp.HandlerOpts{
		ErrorLog:          zap.NewStdLog(c.logger),
		EnableOpenMetrics: true,
	}))
}

// =============================================================================
// 🚌 AgentBus 指标
// =============================================================================

// busCollector 在采集时读取 AgentBus 快照
type busCollector struct {
	bus      *bus.AgentBus
	counters []busCounter
	agents   *prometheus.Desc
}

type busCounter struct {
	desc *prometheus.Desc
	get  func(bus.MetricsSnapshot) uint64
}

func newBusCollector(namespace string, b *bus.AgentBus) *busCollector {
	desc := func(name, help string) *prometheus.Desc {
		return prometheus.NewDesc(prometheus.BuildFQName(namespace, "bus", name), help, nil, nil)
	}
	return &busCollector{
		bus: b,
		counters: []busCounter{
			{desc("sent_total", "Envelopes delivered to inboxes"), func(s bus.MetricsSnapshot) uint64 { return s.Sent }},
			{desc("received_total", "Envelopes taken from inboxes and stream consumers"), func(s bus.MetricsSnapshot) uint64 { return s.Received }},
			{desc("published_total", "Topic deliveries"), func(s bus.MetricsSnapshot) uint64 { return s.Published }},
			{desc("streamed_total", "Stream deliveries"), func(s bus.MetricsSnapshot) uint64 { return s.Streamed }},
			{desc("backpressure_total", "Sends that found a full channel"), func(s bus.MetricsSnapshot) uint64 { return s.Backpressure }},
			{desc("send_errors_total", "Failed sends"), func(s bus.MetricsSnapshot) uint64 { return s.SendErrors }},
			{desc("cancelled_total", "Sends abandoned by cancellation"), func(s bus.MetricsSnapshot) uint64 { return s.Cancelled }},
			{desc("dead_letters_total", "Dead letters recorded by the bus"), func(s bus.MetricsSnapshot) uint64 { return s.DeadLetters }},
		},
		agents: desc("agents_registered", "Registered agents"),
	}
}

func (bc *busCollector) Describe(ch chan<- *prometheus.Desc) {
	for _, ctr := range bc.counters {
		ch <- ctr.desc
	}
	ch <- bc.agents
}

func (bc *busCollector) Collect(ch chan<- prometheus.Metric) {
	snap := bc.bus.Metrics()
	for _, ctr := range bc.counters {
		ch <- prometheus.MustNewConstMetric(ctr.desc, prometheus.CounterValue, float64(ctr.get(snap)))
	}
	ch <- prometheus.MustNewConstMetric(bc.agents, prometheus.GaugeValue, float64(len(bc.bus.Agents())))
}

// RegisterBus 导出总线计数器。同一 Registry 只能注册一条总线。
func (c *Collector) RegisterBus(b *bus.AgentBus) error {
	if err := c.reg.Register(newBusCollector(c.namespace, b)); err != nil {
		c.logger.Warn("bus metrics not registered", zap.Error(err))
		return err
	}
	return nil
}

// RegisterPool 以 GaugeFunc 导出 worker 池的忙碌数与排队长度
func (c *Collector) RegisterPool(name string, p *pool.Pool) error {
	labels := prometheus.Labels{"pool": name}
	gauges := []prometheus.Collector{
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: c.namespace, Subsystem: "pool", Name: "workers",
			Help: "Live worker goroutines", ConstLabels: labels,
		}, func() float64 { return float64(p.Stats().Workers) }),
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: c.namespace, Subsystem: "pool", Name: "busy_workers",
			Help: "Workers running a task", ConstLabels: labels,
		}, func() float64 { return float64(p.Stats().Busy) }),
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: c.namespace, Subsystem: "pool", Name: "queued_tasks",
			Help: "Tasks waiting for a worker", ConstLabels: labels,
		}, func() float64 { return float64(p.Stats().Queued) }),
	}
	var errs []error
	for _, g := range gauges {
		errs = append(errs, c.reg.Register(g))
	}
	if err := errors.Join(errs...); err != nil {
		c.logger.Warn("pool metrics not registered", zap.String("pool", name), zap.Error(err))
		return err
	}
	return nil
}

// =============================================================================
// 🎯 记录方法
// =============================================================================

// RecordHTTPRequest path 应为路由模板，避免标签基数膨胀
func (c *Collector) RecordHTTPRequest(method, path string, status int, duration time.Duration) {
	c.httpRequests.WithLabelValues(method, path, statusClass(status)).Inc()
	c.httpLatency.WithLabelValues(method, path).Observe(duration.Seconds())
}

// StepCompleted implements workflow.Observer.
func (c *Collector) StepCompleted(_ context.Context, ev workflow.StepEvent) {
	command := ev.Command.String()
	if ev.Err != nil {
		command = "error"
	}
	c.steps.WithLabelValues(ev.Graph, ev.Node, command).Inc()
	c.stepLatency.WithLabelValues(ev.Graph, ev.Node).Observe(ev.Duration.Seconds())
}

// RunCompleted implements workflow.Observer.
func (c *Collector) RunCompleted(_ context.Context, ev workflow.RunEvent) {
	c.runs.WithLabelValues(ev.Graph, ev.Status).Inc()
	c.runLatency.WithLabelValues(ev.Graph).Observe(ev.Duration.Seconds())
	c.runSteps.WithLabelValues(ev.Graph).Observe(float64(ev.Steps))
}

// ObserveDispatch implements messagegraph.DispatchObserver.
func (c *Collector) ObserveDispatch(_ context.Context, out messagegraph.DispatchOutcome) {
	kind := string(out.Target.Kind)
	if kind == "" {
		kind = "none"
	}
	c.dispatches.WithLabelValues(out.Graph, string(out.Status), kind).Inc()
	c.dispatchLatency.WithLabelValues(out.Graph).Observe(out.Duration.Seconds())
	c.hops.Observe(float64(out.HopCount))
	if out.Status == messagegraph.StatusDeadLettered {
		c.deadLetters.WithLabelValues(out.Graph, out.Reason).Inc()
	}
}

// RecordCheckpoint 未找到单独计数，不算失败
func (c *Collector) RecordCheckpoint(operation string, err error) {
	status := "ok"
	if errors.Is(err, workflow.ErrCheckpointNotFound) {
		status = "not_found"
	} else if err != nil {
		status = "error"
	}
	c.checkpointOps.WithLabelValues(operation, status).Inc()
}

// RecordDBConnections implements database.StatsRecorder.
func (c *Collector) RecordDBConnections(database string, open, idle int) {
	c.dbOpen.WithLabelValues(database).Set(float64(open))
	c.dbIdle.WithLabelValues(database).Set(float64(idle))
}

// RecordDBQuery implements database.StatsRecorder.
func (c *Collector) RecordDBQuery(database, operation string, duration time.Duration) {
	c.dbLatency.WithLabelValues(database, operation).Observe(duration.Seconds())
}

// statusClass 把状态码折叠为 2xx/3xx/4xx/5xx
func statusClass(code int) string {
	if code < 200 || code > 599 {
		return strconv.Itoa(code)
	}
	return strconv.Itoa(code/100) + "xx"
}
