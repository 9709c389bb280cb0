// agentgraph 服务入口：管理 API、消息路由、工作流 agent、Prometheus 指标
//
//	agentgraph serve --config config.yaml
//	agentgraph validate --config config.yaml --strict
//	agentgraph health --addr http://localhost:8080 --ready
//	agentgraph version
package main

import (
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"sort"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/BaSui01/agentgraph/api/handlers"
	"github.com/BaSui01/agentgraph/config"
	"github.com/BaSui01/agentgraph/internal/telemetry"
	"github.com/BaSui01/agentgraph/internal/tlsutil"
)

// 构建时通过 -ldflags 注入
var (
	Version   = "dev"
	BuildTime = "unknown"
	GitCommit = "unknown"
)

func main() {
	os.Exit(run(os.Args[1:], os.Stdout, os.Stderr))
}

// command 一个子命令；返回进程退出码
type command struct {
	summary string
	run     func(args []string, stdout, stderr io.Writer) int
}

var commands map[string]command

func init() {
	commands = map[string]command{
		"serve":    {"Start the server", runServe},
		"validate": {"Check the config, router and workflow definitions", runValidate},
		"health":   {"Probe a running server", runHealthCheck},
		"version":  {"Show version information", runVersion},
	}
}

func run(args []string, stdout, stderr io.Writer) int {
	if len(args) == 0 {
		printUsage(stderr)
		return 2
	}
	switch args[0] {
	case "help", "-h", "--help":
		printUsage(stdout)
		return 0
	}
	cmd, ok := commands[args[0]]
	if !ok {
		fmt.Fprintf(stderr, "unknown command %q\n\n", args[0])
		printUsage(stderr)
		return 2
	}
	return cmd.run(args[1:], stdout, stderr)
}

// configFlags serve 与 validate 共用的参数
type configFlags struct {
	path   string
	strict bool
}

func (f *configFlags) register(fs *flag.FlagSet) {
	fs.StringVar(&f.path, "config", "", "Path to YAML config file")
	fs.BoolVar(&f.strict, "strict", false, "Reject unknown keys in the config file")
}

func (f *configFlags) load() (*config.Config, error) {
	loader := config.NewLoader().WithValidator((*config.Config).Validate)
	if f.path != "" {
		loader = loader.WithConfigPath(f.path)
	}
	if f.strict {
		loader = loader.WithStrict()
	}
	return loader.Load()
}

// parseFlags 解析失败时 flag 包已输出用法
func parseFlags(fs *flag.FlagSet, args []string, stderr io.Writer) bool {
	fs.SetOutput(stderr)
	return fs.Parse(args) == nil
}

// =============================================================================
// 🖥️ serve
// =============================================================================

func runServe(args []string, _, stderr io.Writer) int {
	var cf configFlags
	fs := flag.NewFlagSet("serve", flag.ContinueOnError)
	cf.register(fs)
	if !parseFlags(fs, args, stderr) {
		return 2
	}
	cfg, err := cf.load()
	if err != nil {
		fmt.Fprintf(stderr, "load config: %v\n", err)
		return 1
	}

	logger, err := newLogger(cfg.Log)
	if err != nil {
		fmt.Fprintf(stderr, "init logger: %v\n", err)
		return 1
	}
	defer func() { _ = logger.Sync() }()

	logger.Info("starting agentgraph",
		zap.String("version", Version),
		zap.String("build_time", BuildTime),
		zap.String("git_commit", GitCommit),
	)

	providers, err := telemetry.Init(cfg.Telemetry, logger)
	if err != nil {
		// 遥测不可用时继续运行，Tracer 回退到全局 no-op
		logger.Warn("telemetry disabled", zap.Error(err))
		providers = nil
	}

	srv := NewServer(cfg, logger, providers)
	if err := srv.Start(); err != nil {
		logger.Error("start failed", zap.Error(err))
		srv.Shutdown()
		return 1
	}
	srv.WaitForShutdown()
	logger.Info("agentgraph stopped")
	return 0
}

// =============================================================================
// ✅ validate
// =============================================================================

// runValidate 加载配置并编译路由表与全部工作流定义，不启动任何组件
func runValidate(args []string, stdout, stderr io.Writer) int {
	var cf configFlags
	fs := flag.NewFlagSet("validate", flag.ContinueOnError)
	cf.register(fs)
	if !parseFlags(fs, args, stderr) {
		return 2
	}
	cfg, err := cf.load()
	if err != nil {
		fmt.Fprintf(stderr, "config: %v\n", err)
		return 1
	}

	var errs []error
	if p := cfg.Router.DefinitionPath; p != "" {
		if _, err := loadRouterGraph(p, zap.NewNop()); err != nil {
			errs = append(errs, fmt.Errorf("router %s: %w", p, err))
		} else {
			fmt.Fprintf(stdout, "router %s: ok\n", p)
		}
	}
	for _, p := range cfg.Workflow.DefinitionPaths {
		if _, err := loadWorkflowGraph(p, cfg.Workflow, builtinHandlers(), zap.NewNop()); err != nil {
			errs = append(errs, fmt.Errorf("workflow %s: %w", p, err))
			continue
		}
		fmt.Fprintf(stdout, "workflow %s: ok\n", p)
	}
	if err := errors.Join(errs...); err != nil {
		fmt.Fprintln(stderr, err)
		return 1
	}
	fmt.Fprintln(stdout, "OK")
	return 0
}

// =============================================================================
// 🏥 health
// =============================================================================

// runHealthCheck 默认探测存活；--ready 探测就绪并列出失败的依赖
func runHealthCheck(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("health", flag.ContinueOnError)
	addr := fs.String("addr", "http://localhost:8080", "Server base URL")
	ready := fs.Bool("ready", false, "Probe /readyz instead of /healthz")
	timeout := fs.Duration("timeout", 5*time.Second, "Request timeout")
	if !parseFlags(fs, args, stderr) {
		return 2
	}

	path := "/healthz"
	if *ready {
		path = "/readyz"
	}
	resp, err := tlsutil.SecureHTTPClient(*timeout).Get(*addr + path)
	if err != nil {
		fmt.Fprintf(stderr, "health check failed: %v\n", err)
		return 1
	}
	defer resp.Body.Close()

	var status handlers.HealthStatus
	if err := json.NewDecoder(io.LimitReader(resp.Body, 1<<20)).Decode(&status); err != nil {
		status.Status = http.StatusText(resp.StatusCode)
	}
	names := make([]string, 0, len(status.Checks))
	for name := range status.Checks {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		c := status.Checks[name]
		fmt.Fprintf(stdout, "  %-10s %s %s\n", name, c.Status, c.Message)
	}

	if resp.StatusCode != http.StatusOK {
		fmt.Fprintf(stderr, "%s: %d %s\n", path, resp.StatusCode, status.Status)
		return 1
	}
	fmt.Fprintln(stdout, status.Status)
	return 0
}

// =============================================================================
// 📋 version / usage
// =============================================================================

func runVersion(_ []string, stdout, _ io.Writer) int {
	fmt.Fprintf(stdout, "agentgraph %s (commit %s, built %s)\n", Version, GitCommit, BuildTime)
	return 0
}

func printUsage(w io.Writer) {
	fmt.Fprintln(w, "agentgraph - graph workflows over a routed message bus")
	fmt.Fprintln(w, "\nUsage:\n  agentgraph <command> [options]\n\nCommands:")
	names := make([]string, 0, len(commands))
	for name := range commands {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		fmt.Fprintf(w, "  %-9s %s\n", name, commands[name].summary)
	}
	fmt.Fprintln(w, "\nRun 'agentgraph <command> -h' for command options.")
}

// =============================================================================
// 🔧 日志
// =============================================================================

// newLogger 按配置构建 zap logger：json 为生产编码，console 为彩色开发编码
func newLogger(cfg config.LogConfig) (*zap.Logger, error) {
	level, err := zapcore.ParseLevel(cfg.Level)
	if err != nil {
		return nil, fmt.Errorf("log level %q: %w", cfg.Level, err)
	}

	zc := zap.NewProductionConfig()
	zc.EncoderConfig.TimeKey = "timestamp"
	zc.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	if cfg.Format == "console" {
		zc = zap.NewDevelopmentConfig()
		zc.EncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
	}
	zc.Level = zap.NewAtomicLevelAt(level)
	if len(cfg.OutputPaths) > 0 {
		zc.OutputPaths = cfg.OutputPaths
	}
	zc.DisableCaller = !cfg.EnableCaller
	zc.DisableStacktrace = !cfg.EnableStacktrace
	return zc.Build()
}
