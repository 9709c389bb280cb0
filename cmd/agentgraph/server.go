package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/BaSui01/agentgraph/api/handlers"
	"github.com/BaSui01/agentgraph/bus"
	"github.com/BaSui01/agentgraph/config"
	"github.com/BaSui01/agentgraph/internal/checkpoint"
	"github.com/BaSui01/agentgraph/internal/database"
	"github.com/BaSui01/agentgraph/internal/metrics"
	"github.com/BaSui01/agentgraph/internal/pool"
	"github.com/BaSui01/agentgraph/internal/server"
	"github.com/BaSui01/agentgraph/internal/telemetry"
	"github.com/BaSui01/agentgraph/internal/tlsutil"
	"github.com/BaSui01/agentgraph/messagegraph"
	"github.com/BaSui01/agentgraph/runtime"
	"github.com/BaSui01/agentgraph/workflow"
)

// =============================================================================
// 🖥️ Server 结构
// =============================================================================

// Server 组装总线、路由、工作流 agent、持久化与两个 HTTP 端口
type Server struct {
	cfg    *config.Config
	logger *zap.Logger

	telemetry   *telemetry.Providers
	instruments *telemetry.Instruments
	collector   *metrics.Collector

	bus         *bus.AgentBus
	router      *messagegraph.Executor
	pool        *pool.Pool
	checkpoints *checkpoint.RedisStore
	dbPool      *database.PoolManager
	archive     *database.Archive
	agents      []*runtime.WorkflowAgent
	streams     *handlers.StreamHandler

	detachArchive func()

	httpManager    *server.Manager
	metricsManager *server.Manager

	// 中间件与 agent 的生命周期
	ctx    context.Context
	cancel context.CancelFunc
}

// NewServer 创建服务器实例
func NewServer(cfg *config.Config, logger *zap.Logger, providers *telemetry.Providers) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Server{
		cfg:       cfg,
		logger:    logger,
		telemetry: providers,
		ctx:       ctx,
		cancel:    cancel,
	}
}

// =============================================================================
// 🚀 启动流程
// =============================================================================

// Start 启动所有组件；任一步失败时调用方应执行 Shutdown 释放已启动的部分
func (s *Server) Start() error {
	s.collector = metrics.NewCollector("agentgraph", metrics.NewRegistry(), s.logger)
	instruments, err := s.telemetry.Instruments()
	if err != nil {
		s.logger.Warn("otel instruments unavailable", zap.Error(err))
	}
	s.instruments = instruments

	s.bus = bus.New(bus.Config{
		Capacity:           s.cfg.Bus.Capacity,
		DeadLetterCapacity: s.cfg.Bus.DeadLetterCapacity,
		DeadLetterTopic:    s.cfg.Bus.DeadLetterTopic,
	}, s.logger)
	if err := s.collector.RegisterBus(s.bus); err != nil {
		return fmt.Errorf("register bus metrics: %w", err)
	}

	s.pool = pool.New(pool.Config{
		MaxWorkers: s.cfg.Workflow.MaxWorkers,
		QueueSize:  s.cfg.Workflow.QueueSize,
	}, s.logger)
	if err := s.collector.RegisterPool("workflow", s.pool); err != nil {
		return fmt.Errorf("register pool metrics: %w", err)
	}

	if err := s.initRouter(); err != nil {
		return fmt.Errorf("failed to init router: %w", err)
	}
	if err := s.initCheckpoints(); err != nil {
		return fmt.Errorf("failed to init checkpoint store: %w", err)
	}
	if err := s.initArchive(); err != nil {
		return fmt.Errorf("failed to init dead letter archive: %w", err)
	}
	if err := s.initWorkflows(); err != nil {
		return fmt.Errorf("failed to init workflows: %w", err)
	}
	if err := s.startHTTPServer(); err != nil {
		return fmt.Errorf("failed to start HTTP server: %w", err)
	}
	if err := s.startMetricsServer(); err != nil {
		return fmt.Errorf("failed to start metrics server: %w", err)
	}

	s.resumeRuns()

	s.logger.Info("All servers started",
		zap.Int("http_port", s.cfg.Server.HTTPPort),
		zap.Int("metrics_port", s.cfg.Server.MetricsPort),
		zap.Int("workflows", len(s.agents)),
		zap.Bool("router", s.router != nil),
	)
	return nil
}

// =============================================================================
// 🔧 初始化方法
// =============================================================================

func (s *Server) initRouter() error {
	if s.cfg.Router.DefinitionPath == "" {
		s.logger.Info("no routing definition configured, dispatch endpoints disabled")
		return nil
	}
	g, err := loadRouterGraph(s.cfg.Router.DefinitionPath, s.logger)
	if err != nil {
		return err
	}

	opts := []messagegraph.ExecutorOption{
		messagegraph.WithLogger(s.logger),
		messagegraph.WithTracer(s.telemetry.Tracer("messagegraph")),
		messagegraph.WithDispatchObserver(s.collector),
		messagegraph.WithBatchConcurrency(s.cfg.Router.BatchConcurrency),
	}
	if s.instruments != nil {
		opts = append(opts, messagegraph.WithDispatchObserver(s.instruments))
	}
	if s.cfg.Router.RateLimitRPS > 0 {
		opts = append(opts, messagegraph.WithRateLimit(s.cfg.Router.RateLimitRPS, s.cfg.Router.RateLimitBurst))
	}
	if s.cfg.Router.TargetCapacity > 0 {
		opts = append(opts, messagegraph.WithDefaultTargetCapacity(s.cfg.Router.TargetCapacity))
	}
	s.router = messagegraph.NewExecutor(g, s.bus, opts...)

	// 路由表中声明的流需在发布前存在
	for _, stream := range g.Streams() {
		if err := s.bus.DeclareStream(stream); err != nil {
			return err
		}
	}
	s.logger.Info("routing graph loaded",
		zap.String("graph", g.ID()),
		zap.Int("routes", len(g.Routes())),
		zap.Int("hop_limit", g.HopLimit()),
	)
	return nil
}

func (s *Server) initCheckpoints() error {
	if !s.cfg.Redis.Enabled {
		return nil
	}
	rc := s.cfg.Redis
	cfg := checkpoint.DefaultConfig()
	cfg.Addr = rc.Addr
	cfg.Password = rc.Password
	cfg.DB = rc.DB
	cfg.TLS = rc.TLS
	if rc.PoolSize > 0 {
		cfg.PoolSize = rc.PoolSize
	}
	if rc.MinIdleConns > 0 {
		cfg.MinIdleConns = rc.MinIdleConns
	}
	if rc.KeyPrefix != "" {
		cfg.KeyPrefix = rc.KeyPrefix
	}
	if rc.CheckpointTTL > 0 {
		cfg.TTL = rc.CheckpointTTL
	}

	store, err := checkpoint.NewRedisStore(s.ctx, cfg, s.logger, checkpoint.WithRecorder(s.collector))
	if err != nil {
		return err
	}
	s.checkpoints = store
	return nil
}

func (s *Server) initArchive() error {
	if !s.cfg.Database.Enabled {
		return nil
	}
	db, err := database.Open(s.cfg.Database, s.logger)
	if err != nil {
		return err
	}
	pm, err := database.NewPoolManager(db, database.PoolConfigFrom(s.cfg.Database), s.logger, s.collector)
	if err != nil {
		return err
	}
	s.dbPool = pm

	s.archive = database.NewArchive(pm, s.logger)
	if err := s.archive.Migrate(s.ctx); err != nil {
		return err
	}
	s.detachArchive = s.archive.Attach(s.bus, s.pool)
	s.logger.Info("dead letter archive enabled", zap.String("driver", s.cfg.Database.Driver))
	return nil
}

func (s *Server) initWorkflows() error {
	execOpts := []workflow.ExecutorOption{
		workflow.WithExecutorLogger(s.logger),
		workflow.WithTracer(s.telemetry.Tracer("workflow")),
		workflow.WithObserver(s.collector),
	}
	if s.instruments != nil {
		execOpts = append(execOpts, workflow.WithObserver(s.instruments))
	}
	if s.checkpoints != nil {
		execOpts = append(execOpts, workflow.WithCheckpointer(s.checkpoints))
	}
	exec := workflow.NewExecutor(execOpts...)
	reg := builtinHandlers()

	for _, path := range s.cfg.Workflow.DefinitionPaths {
		wf, err := loadWorkflowGraph(path, s.cfg.Workflow, reg, s.logger)
		if err != nil {
			return fmt.Errorf("%s: %w", path, err)
		}
		opts := []runtime.AgentOption{
			runtime.WithExecutor(exec),
			runtime.WithPool(s.pool),
			runtime.WithTopics(wf.topics...),
			runtime.WithRunTimeout(s.cfg.Workflow.RunTimeout),
			runtime.WithAgentLogger(s.logger),
		}
		if s.router != nil {
			opts = append(opts, runtime.WithRouter(s.router))
		}
		agent := runtime.NewWorkflowAgent(wf.agentID, wf.graph, s.bus, opts...)
		if err := agent.Start(s.ctx); err != nil {
			return err
		}
		s.agents = append(s.agents, agent)
	}
	return nil
}

// resumeRuns 在后台继续 Redis 中尚未完成的 run
func (s *Server) resumeRuns() {
	if s.checkpoints == nil {
		return
	}
	for _, agent := range s.agents {
		runIDs, err := s.checkpoints.List(s.ctx, agent.Graph().Name())
		if err != nil {
			s.logger.Warn("failed to list unfinished runs", zap.String("graph", agent.Graph().Name()), zap.Error(err))
			continue
		}
		for _, runID := range runIDs {
			agent, runID := agent, runID
			err := s.pool.Submit(s.ctx, func(ctx context.Context) error {
				_, err := agent.Resume(ctx, runID)
				return err
			})
			if err != nil {
				s.logger.Warn("failed to schedule resume", zap.String("run_id", runID), zap.Error(err))
			}
		}
		if len(runIDs) > 0 {
			s.logger.Info("resuming unfinished runs",
				zap.String("graph", agent.Graph().Name()),
				zap.Int("runs", len(runIDs)),
			)
		}
	}
}

// =============================================================================
// 🌐 HTTP 服务器
// =============================================================================

// routes 注册全部端点，返回未包裹中间件的 mux
func (s *Server) routes() *http.ServeMux {
	mux := http.NewServeMux()

	health := handlers.NewHealthHandler(s.logger)
	health.RegisterCheck(handlers.NewBusHealthCheck(s.bus))
	if s.checkpoints != nil {
		// checkpoint 写入失败会使工作流 run 失败
		health.RegisterCheck(handlers.NewPingCheck("redis", s.checkpoints.Ping))
	}
	if s.dbPool != nil {
		// 归档不可用时死信仍保留在内存日志中
		health.RegisterOptionalCheck(handlers.NewPingCheck("database", s.dbPool.Ping))
	}
	mux.HandleFunc("GET /health", health.HandleHealth)
	mux.HandleFunc("GET /healthz", health.HandleHealth)
	mux.HandleFunc("GET /ready", health.HandleReady)
	mux.HandleFunc("GET /readyz", health.HandleReady)
	mux.HandleFunc("GET /version", health.HandleVersion(Version, BuildTime, GitCommit))

	busHandler := handlers.NewBusHandler(s.bus, s.router, s.logger)
	mux.HandleFunc("GET /v1/bus", busHandler.HandleOverview)
	mux.HandleFunc("GET /v1/graph", busHandler.HandleGraph)
	mux.Handle("POST /v1/dispatch", s.writeGuard(busHandler.HandleDispatch))
	mux.HandleFunc("GET /v1/deadletters", busHandler.HandleDeadLetters)

	if s.archive != nil {
		var router runtime.Dispatcher
		if s.router != nil {
			router = s.router
		}
		archiveHandler := handlers.NewArchiveHandler(s.archive, router, s.logger)
		mux.HandleFunc("GET /v1/deadletters/archive", archiveHandler.HandleList)
		mux.HandleFunc("GET /v1/deadletters/archive/counts", archiveHandler.HandleCounts)
		mux.Handle("POST /v1/deadletters/archive/{id}/replay", s.writeGuard(archiveHandler.HandleReplay))
	}

	s.streams = handlers.NewStreamHandler(s.bus, s.cfg.Server.CORSOrigins, s.logger)
	mux.HandleFunc("GET /v1/streams/{stream}/ws", s.streams.HandleStream)

	workflowHandler := handlers.NewWorkflowHandler(s.logger)
	for _, agent := range s.agents {
		workflowHandler.Register(agent)
	}
	mux.HandleFunc("GET /v1/workflows", workflowHandler.HandleList)
	mux.Handle("POST /v1/workflows/{name}/runs", s.writeGuard(workflowHandler.HandleRun))

	return mux
}

// writeGuard 鉴权开启时，会产生信封的端点额外要求写角色
func (s *Server) writeGuard(h http.HandlerFunc) http.Handler {
	if !s.cfg.Auth.Enabled {
		return h
	}
	return RequireRole(s.cfg.Auth.WriteRole, s.logger)(h)
}

// handler 构建中间件链
func (s *Server) handler() http.Handler {
	middlewares := []Middleware{
		Recovery(s.logger),
		RequestID(),
		OTelTracing(s.telemetry.Tracer("http")),
		SecurityHeaders(),
		RequestLogger(s.logger),
		MetricsMiddleware(s.collector),
		CORS(s.cfg.Server.CORSOrigins),
		RateLimiter(s.ctx, s.cfg.Server.RateLimitRPS, s.cfg.Server.RateLimitBurst, s.logger),
	}
	if s.cfg.Auth.Enabled {
		skipAuthPaths := []string{"/health", "/healthz", "/ready", "/readyz", "/version"}
		middlewares = append(middlewares, JWTAuth(s.cfg.Auth, skipAuthPaths, s.logger))
	}
	return Chain(s.routes(), middlewares...)
}

func (s *Server) startHTTPServer() error {
	cfg := server.ConfigFrom(s.cfg.Server, s.cfg.Server.HTTPPort)
	tlsConfig, err := tlsutil.ServerTLSConfig(s.cfg.Server.TLSCertFile, s.cfg.Server.TLSKeyFile)
	if err != nil {
		return err
	}
	cfg.TLS = tlsConfig
	s.httpManager = server.NewManager("api", s.handler(), cfg, s.logger)
	s.httpManager.OnShutdown(s.streams.Drain)
	return s.httpManager.Start()
}

func (s *Server) startMetricsServer() error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", s.collector.Handler())
	s.metricsManager = server.NewManager("metrics", mux, server.ConfigFrom(s.cfg.Server, s.cfg.Server.MetricsPort), s.logger)
	return s.metricsManager.Start()
}

// =============================================================================
// 🛑 关闭流程
// =============================================================================

// WaitForShutdown 等待 SIGINT/SIGTERM 或服务器错误，然后优雅关闭
func (s *Server) WaitForShutdown() {
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(quit)

	select {
	case sig := <-quit:
		s.logger.Info("Received shutdown signal", zap.String("signal", sig.String()))
	case err := <-s.httpManager.Errors():
		s.logger.Error("HTTP server error", zap.Error(err))
	case err := <-s.metricsManager.Errors():
		s.logger.Error("Metrics server error", zap.Error(err))
	}
	s.Shutdown()
}

// Shutdown 按依赖逆序关闭：HTTP → agent → 工作池 → 归档 → 存储 → 总线 → 遥测
func (s *Server) Shutdown() {
	s.logger.Info("Starting graceful shutdown...")

	timeout := s.cfg.Server.ShutdownTimeout
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	for _, m := range []*server.Manager{s.httpManager, s.metricsManager} {
		if m == nil {
			continue
		}
		if err := m.Shutdown(ctx); err != nil {
			s.logger.Error("server shutdown error", zap.Error(err))
		}
	}

	for _, agent := range s.agents {
		agent.Stop()
	}
	s.cancel()

	if s.pool != nil {
		if err := s.pool.Close(ctx); err != nil && !errors.Is(err, pool.ErrPoolClosed) {
			s.logger.Error("worker pool shutdown error", zap.Error(err))
		}
	}
	if s.detachArchive != nil {
		s.detachArchive()
	}
	if s.dbPool != nil {
		if err := s.dbPool.Close(); err != nil {
			s.logger.Error("database shutdown error", zap.Error(err))
		}
	}
	if s.checkpoints != nil {
		if err := s.checkpoints.Close(); err != nil {
			s.logger.Error("checkpoint store shutdown error", zap.Error(err))
		}
	}
	if s.bus != nil {
		s.bus.Close()
	}
	if s.telemetry != nil {
		if err := s.telemetry.Shutdown(ctx); err != nil {
			s.logger.Error("telemetry shutdown error", zap.Error(err))
		}
	}

	s.logger.Info("Graceful shutdown completed")
}
