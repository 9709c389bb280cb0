// =============================================================================
// 📦 AgentGraph 配置加载器
// =============================================================================
// 统一配置加载，支持 YAML 文件 + 环境变量覆盖
//
// 使用方法:
//
//	cfg, err := config.NewLoader().
//	    WithConfigPath("agentgraph.yaml").
//	    WithEnvPrefix("AGENTGRAPH").
//	    WithValidator((*config.Config).Validate).
//	    Load()
//
// 配置优先级: 默认值 → YAML 文件 → 环境变量
// =============================================================================
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"net"
	"net/url"
	"os"
	"reflect"
	"strconv"
	"strings"
	"time"

	mysqldriver "github.com/go-sql-driver/mysql"
	"gopkg.in/yaml.v3"
)

// DefaultEnvPrefix 环境变量默认前缀
const DefaultEnvPrefix = "AGENTGRAPH"

// =============================================================================
// 🎯 核心配置结构
// =============================================================================

// Config 是 AgentGraph 的完整配置结构
type Config struct {
	Server    ServerConfig    `yaml:"server" env:"SERVER"`
	Log       LogConfig       `yaml:"log" env:"LOG"`
	Bus       BusConfig       `yaml:"bus" env:"BUS"`
	Router    RouterConfig    `yaml:"router" env:"ROUTER"`
	Workflow  WorkflowConfig  `yaml:"workflow" env:"WORKFLOW"`
	Redis     RedisConfig     `yaml:"redis" env:"REDIS"`
	Database  DatabaseConfig  `yaml:"database" env:"DATABASE"`
	Telemetry TelemetryConfig `yaml:"telemetry" env:"TELEMETRY"`
	Auth      AuthConfig      `yaml:"auth" env:"AUTH"`
}

// ServerConfig 管理 API 服务器配置
type ServerConfig struct {
	HTTPPort        int           `yaml:"http_port" env:"HTTP_PORT"`
	MetricsPort     int           `yaml:"metrics_port" env:"METRICS_PORT"`
	ReadTimeout     time.Duration `yaml:"read_timeout" env:"READ_TIMEOUT"`
	WriteTimeout    time.Duration `yaml:"write_timeout" env:"WRITE_TIMEOUT"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" env:"SHUTDOWN_TIMEOUT"`
	// 每个客户端 IP 的限流
	RateLimitRPS   float64  `yaml:"rate_limit_rps" env:"RATE_LIMIT_RPS"`
	RateLimitBurst int      `yaml:"rate_limit_burst" env:"RATE_LIMIT_BURST"`
	CORSOrigins    []string `yaml:"cors_origins" env:"CORS_ORIGINS"`
	// 两者都设置时 API 端口启用 TLS
	TLSCertFile string `yaml:"tls_cert_file" env:"TLS_CERT_FILE"`
	TLSKeyFile  string `yaml:"tls_key_file" env:"TLS_KEY_FILE"`
}

// LogConfig 日志配置
type LogConfig struct {
	// 日志级别: debug, info, warn, error
	Level string `yaml:"level" env:"LEVEL"`
	// 输出格式: json, console
	Format           string   `yaml:"format" env:"FORMAT"`
	OutputPaths      []string `yaml:"output_paths" env:"OUTPUT_PATHS"`
	EnableCaller     bool     `yaml:"enable_caller" env:"ENABLE_CALLER"`
	EnableStacktrace bool     `yaml:"enable_stacktrace" env:"ENABLE_STACKTRACE"`
}

// BusConfig AgentBus 配置
type BusConfig struct {
	// 每个收件箱 / 流消费者的缓冲大小
	Capacity           int    `yaml:"capacity" env:"CAPACITY"`
	DeadLetterCapacity int    `yaml:"dead_letter_capacity" env:"DEAD_LETTER_CAPACITY"`
	DeadLetterTopic    string `yaml:"dead_letter_topic" env:"DEAD_LETTER_TOPIC"`
}

// RouterConfig MessageGraph 路由配置
type RouterConfig struct {
	// 路由表定义文件（YAML / JSON）
	DefinitionPath   string  `yaml:"definition_path" env:"DEFINITION_PATH"`
	RateLimitRPS     float64 `yaml:"rate_limit_rps" env:"RATE_LIMIT_RPS"`
	RateLimitBurst   int     `yaml:"rate_limit_burst" env:"RATE_LIMIT_BURST"`
	TargetCapacity   int     `yaml:"target_capacity" env:"TARGET_CAPACITY"`
	BatchConcurrency int     `yaml:"batch_concurrency" env:"BATCH_CONCURRENCY"`
}

// WorkflowConfig 工作流配置
type WorkflowConfig struct {
	// 图定义文件，每个文件对应一个 WorkflowAgent
	DefinitionPaths []string      `yaml:"definition_paths" env:"DEFINITION_PATHS"`
	MaxSteps        int           `yaml:"max_steps" env:"MAX_STEPS"`
	StrictReducers  bool          `yaml:"strict_reducers" env:"STRICT_REDUCERS"`
	RunTimeout      time.Duration `yaml:"run_timeout" env:"RUN_TIMEOUT"`
	MaxWorkers      int           `yaml:"max_workers" env:"MAX_WORKERS"`
	QueueSize       int           `yaml:"queue_size" env:"QUEUE_SIZE"`
}

// RedisConfig Redis 配置（Checkpoint 存储）
type RedisConfig struct {
	Enabled       bool          `yaml:"enabled" env:"ENABLED"`
	Addr          string        `yaml:"addr" env:"ADDR"`
	Password      string        `yaml:"password" env:"PASSWORD"`
	DB            int           `yaml:"db" env:"DB"`
	PoolSize      int           `yaml:"pool_size" env:"POOL_SIZE"`
	MinIdleConns  int           `yaml:"min_idle_conns" env:"MIN_IDLE_CONNS"`
	KeyPrefix     string        `yaml:"key_prefix" env:"KEY_PREFIX"`
	CheckpointTTL time.Duration `yaml:"checkpoint_ttl" env:"CHECKPOINT_TTL"`
	TLS           bool          `yaml:"tls" env:"TLS"`
}

// DatabaseConfig 数据库配置（死信归档）
type DatabaseConfig struct {
	Enabled bool `yaml:"enabled" env:"ENABLED"`
	// 驱动类型: postgres, mysql, sqlite
	Driver          string        `yaml:"driver" env:"DRIVER"`
	Host            string        `yaml:"host" env:"HOST"`
	Port            int           `yaml:"port" env:"PORT"`
	User            string        `yaml:"user" env:"USER"`
	Password        string        `yaml:"password" env:"PASSWORD"`
	Name            string        `yaml:"name" env:"NAME"`
	SSLMode         string        `yaml:"ssl_mode" env:"SSL_MODE"`
	MaxOpenConns    int           `yaml:"max_open_conns" env:"MAX_OPEN_CONNS"`
	MaxIdleConns    int           `yaml:"max_idle_conns" env:"MAX_IDLE_CONNS"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime" env:"CONN_MAX_LIFETIME"`
}

// TelemetryConfig 遥测配置
type TelemetryConfig struct {
	Enabled      bool    `yaml:"enabled" env:"ENABLED"`
	OTLPEndpoint string  `yaml:"otlp_endpoint" env:"OTLP_ENDPOINT"`
	ServiceName  string  `yaml:"service_name" env:"SERVICE_NAME"`
	SampleRate   float64 `yaml:"sample_rate" env:"SAMPLE_RATE"`
	TLS          bool    `yaml:"tls" env:"TLS"` // OTLP gRPC 连接启用 TLS
}

// AuthConfig 管理 API 鉴权配置
type AuthConfig struct {
	Enabled   bool   `yaml:"enabled" env:"ENABLED"`
	JWTSecret string `yaml:"jwt_secret" env:"JWT_SECRET"`
	Issuer    string `yaml:"issuer" env:"ISSUER"`
	// 调用 dispatch、replay 与 workflow run 所需角色，空表示任意已认证主体
	WriteRole string `yaml:"write_role" env:"WRITE_ROLE"`
}

// =============================================================================
// 🔧 配置加载器
// =============================================================================

// Loader 按 默认值 → YAML → 环境变量 → 校验 的顺序构建配置
type Loader struct {
	configPath string
	envPrefix  string
	strict     bool
	validators []func(*Config) error
}

// NewLoader 创建加载器，环境变量前缀默认为 AGENTGRAPH
func NewLoader() *Loader {
	return &Loader{envPrefix: DefaultEnvPrefix}
}

// WithConfigPath 设置 YAML 路径；文件不存在时沿用默认值
func (l *Loader) WithConfigPath(path string) *Loader {
	l.configPath = path
	return l
}

// WithEnvPrefix 设置环境变量前缀
func (l *Loader) WithEnvPrefix(prefix string) *Loader {
	l.envPrefix = prefix
	return l
}

// WithStrict 拒绝 YAML 中的未知字段，拼错的键不会被静默忽略
func (l *Loader) WithStrict() *Loader {
	l.strict = true
	return l
}

// WithValidator 追加校验函数，按添加顺序执行
func (l *Loader) WithValidator(v func(*Config) error) *Loader {
	l.validators = append(l.validators, v)
	return l
}

// Load 构建配置
func (l *Loader) Load() (*Config, error) {
	cfg := DefaultConfig()
	if err := l.decodeFile(cfg); err != nil {
		return nil, err
	}
	if err := applyEnv(cfg, l.envPrefix); err != nil {
		return nil, fmt.Errorf("env overrides: %w", err)
	}
	for _, v := range l.validators {
		if err := v(cfg); err != nil {
			return nil, fmt.Errorf("invalid config: %w", err)
		}
	}
	return cfg, nil
}

func (l *Loader) decodeFile(cfg *Config) error {
	if l.configPath == "" {
		return nil
	}
	data, err := os.ReadFile(l.configPath)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("read %s: %w", l.configPath, err)
	}
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(l.strict)
	// 空文件返回 io.EOF
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return fmt.Errorf("parse %s: %w", l.configPath, err)
	}
	return nil
}

// envBinding 一个可由环境变量覆盖的叶子字段
type envBinding struct {
	key   string
	field reflect.Value
}

// envBindings 按 env tag 展开字段，键名为 PREFIX_SECTION_FIELD
func envBindings(v reflect.Value, prefix string) []envBinding {
	var out []envBinding
	t := v.Type()
	for i := 0; i < t.NumField(); i++ {
		tag := t.Field(i).Tag.Get("env")
		if tag == "" || tag == "-" {
			continue
		}
		key := prefix + "_" + tag
		field := v.Field(i)
		if field.Kind() == reflect.Struct && field.Type() != durationType {
			out = append(out, envBindings(field, key)...)
			continue
		}
		out = append(out, envBinding{key: key, field: field})
	}
	return out
}

// applyEnv 汇总所有解析失败，而不是停在第一个
func applyEnv(cfg *Config, prefix string) error {
	var errs []error
	for _, b := range envBindings(reflect.ValueOf(cfg).Elem(), prefix) {
		raw, ok := os.LookupEnv(b.key)
		if !ok || raw == "" {
			continue
		}
		if err := assign(b.field, raw); err != nil {
			errs = append(errs, fmt.Errorf("%s=%q: %w", b.key, raw, err))
		}
	}
	return errors.Join(errs...)
}

var durationType = reflect.TypeOf(time.Duration(0))

func assign(field reflect.Value, raw string) error {
	if !field.CanSet() {
		return nil
	}
	if field.Type() == durationType {
		d, err := time.ParseDuration(raw)
		if err == nil {
			field.SetInt(int64(d))
		}
		return err
	}

	switch field.Kind() {
	case reflect.String:
		field.SetString(raw)
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		n, err := strconv.ParseInt(raw, 10, field.Type().Bits())
		if err != nil {
			return err
		}
		field.SetInt(n)
	case reflect.Float32, reflect.Float64:
		f, err := strconv.ParseFloat(raw, field.Type().Bits())
		if err != nil {
			return err
		}
		field.SetFloat(f)
	case reflect.Bool:
		b, err := strconv.ParseBool(raw)
		if err != nil {
			return err
		}
		field.SetBool(b)
	case reflect.Slice:
		if field.Type().Elem().Kind() != reflect.String {
			return fmt.Errorf("unsupported slice type %s", field.Type())
		}
		// 逗号分隔，忽略空项
		var items []string
		for _, p := range strings.Split(raw, ",") {
			if p = strings.TrimSpace(p); p != "" {
				items = append(items, p)
			}
		}
		field.Set(reflect.ValueOf(items))
	default:
		return fmt.Errorf("unsupported field kind %s", field.Kind())
	}
	return nil
}

// =============================================================================
// ✅ 校验
// =============================================================================

// Validate 一次报告全部配置错误
func (c *Config) Validate() error {
	var errs []error
	check := func(ok bool, format string, args ...any) {
		if !ok {
			errs = append(errs, fmt.Errorf(format, args...))
		}
	}

	check(c.Server.HTTPPort > 0 && c.Server.HTTPPort <= 65535, "invalid http_port %d", c.Server.HTTPPort)
	check(c.Server.MetricsPort >= 0 && c.Server.MetricsPort <= 65535, "invalid metrics_port %d", c.Server.MetricsPort)
	check((c.Server.TLSCertFile == "") == (c.Server.TLSKeyFile == ""),
		"server.tls_cert_file and server.tls_key_file must be set together")
	check(c.Bus.Capacity > 0, "bus.capacity must be positive")
	check(c.Workflow.MaxSteps > 0, "workflow.max_steps must be positive")
	check(c.Router.RateLimitRPS >= 0, "router.rate_limit_rps must not be negative")
	if c.Database.Enabled {
		switch c.Database.Driver {
		case "postgres", "mysql", "sqlite":
		default:
			errs = append(errs, fmt.Errorf("unsupported database driver %q", c.Database.Driver))
		}
	}
	check(!c.Auth.Enabled || c.Auth.JWTSecret != "", "auth.jwt_secret is required when auth is enabled")
	check(c.Telemetry.SampleRate >= 0 && c.Telemetry.SampleRate <= 1, "telemetry.sample_rate must be between 0 and 1")
	return errors.Join(errs...)
}

// DSN 返回驱动对应的连接串；用户名与密码按各驱动规则转义
func (d *DatabaseConfig) DSN() string {
	switch d.Driver {
	case "postgres":
		q := url.Values{}
		if d.SSLMode != "" {
			q.Set("sslmode", d.SSLMode)
		}
		u := url.URL{
			Scheme:   "postgres",
			User:     url.UserPassword(d.User, d.Password),
			Host:     net.JoinHostPort(d.Host, strconv.Itoa(d.Port)),
			Path:     "/" + d.Name,
			RawQuery: q.Encode(),
		}
		return u.String()
	case "mysql":
		mc := mysqldriver.NewConfig()
		mc.User = d.User
		mc.Passwd = d.Password
		mc.Net = "tcp"
		mc.Addr = net.JoinHostPort(d.Host, strconv.Itoa(d.Port))
		mc.DBName = d.Name
		mc.ParseTime = true
		return mc.FormatDSN()
	case "sqlite":
		return d.Name
	}
	return ""
}
