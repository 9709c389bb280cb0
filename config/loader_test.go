// 配置加载器与默认配置测试。
package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// --- 默认配置测试 ---

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	assert.Equal(t, 8080, cfg.Server.HTTPPort)
	assert.Equal(t, 9091, cfg.Server.MetricsPort)
	assert.Equal(t, 30*time.Second, cfg.Server.ReadTimeout)

	// Bus / Router / Workflow
	assert.Equal(t, 256, cfg.Bus.Capacity)
	assert.Equal(t, "deadletter", cfg.Bus.DeadLetterTopic)
	assert.Equal(t, 0, cfg.Router.TargetCapacity)
	assert.Equal(t, 8, cfg.Router.BatchConcurrency)
	assert.Equal(t, 100, cfg.Workflow.MaxSteps)
	assert.False(t, cfg.Workflow.StrictReducers)

	assert.Equal(t, "localhost:6379", cfg.Redis.Addr)
	assert.Equal(t, 24*time.Hour, cfg.Redis.CheckpointTTL)
	assert.Equal(t, "postgres", cfg.Database.Driver)
	assert.Equal(t, "info", cfg.Log.Level)
	assert.Equal(t, "json", cfg.Log.Format)

	require.NoError(t, cfg.Validate())
}

// --- Loader 测试 ---

func TestLoader_LoadDefaults(t *testing.T) {
	cfg, err := NewLoader().Load()
	require.NoError(t, err)
	assert.Equal(t, 8080, cfg.Server.HTTPPort)
	assert.Equal(t, 100, cfg.Workflow.MaxSteps)
}

func TestLoader_LoadFromYAML(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "agentgraph.yaml")
	yamlContent := `
server:
  http_port: 9000
  read_timeout: 10s
bus:
  capacity: 8
  dead_letter_topic: dlq
router:
  definition_path: routes.yaml
  rate_limit_rps: 50
workflow:
  max_steps: 12
  strict_reducers: true
  definition_paths:
    - triage.yaml
    - billing.yaml
`
	require.NoError(t, os.WriteFile(path, []byte(yamlContent), 0o600))

	cfg, err := NewLoader().WithConfigPath(path).Load()
	require.NoError(t, err)

	assert.Equal(t, 9000, cfg.Server.HTTPPort)
	assert.Equal(t, 10*time.Second, cfg.Server.ReadTimeout)
	assert.Equal(t, 8, cfg.Bus.Capacity)
	assert.Equal(t, "dlq", cfg.Bus.DeadLetterTopic)
	assert.Equal(t, "routes.yaml", cfg.Router.DefinitionPath)
	assert.Equal(t, 50.0, cfg.Router.RateLimitRPS)
	assert.Equal(t, 12, cfg.Workflow.MaxSteps)
	assert.True(t, cfg.Workflow.StrictReducers)
	assert.Equal(t, []string{"triage.yaml", "billing.yaml"}, cfg.Workflow.DefinitionPaths)

	// 未设置的字段保留默认值
	assert.Equal(t, 9091, cfg.Server.MetricsPort)
}

func TestLoader_LoadFromEnv(t *testing.T) {
	t.Setenv("AGENTGRAPH_SERVER_HTTP_PORT", "7070")
	t.Setenv("AGENTGRAPH_BUS_CAPACITY", "4")
	t.Setenv("AGENTGRAPH_WORKFLOW_RUN_TIMEOUT", "90s")
	t.Setenv("AGENTGRAPH_WORKFLOW_STRICT_REDUCERS", "true")
	t.Setenv("AGENTGRAPH_WORKFLOW_DEFINITION_PATHS", "a.yaml, b.yaml,")
	t.Setenv("AGENTGRAPH_TELEMETRY_SAMPLE_RATE", "0.5")
	t.Setenv("AGENTGRAPH_TELEMETRY_TLS", "true")

	cfg, err := NewLoader().Load()
	require.NoError(t, err)

	assert.Equal(t, 7070, cfg.Server.HTTPPort)
	assert.Equal(t, 4, cfg.Bus.Capacity)
	assert.Equal(t, 90*time.Second, cfg.Workflow.RunTimeout)
	assert.True(t, cfg.Workflow.StrictReducers)
	assert.Equal(t, []string{"a.yaml", "b.yaml"}, cfg.Workflow.DefinitionPaths)
	assert.Equal(t, 0.5, cfg.Telemetry.SampleRate)
	assert.True(t, cfg.Telemetry.TLS)
}

func TestLoader_EnvOverridesYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "agentgraph.yaml")
	require.NoError(t, os.WriteFile(path, []byte("bus:\n  capacity: 16\n"), 0o600))
	t.Setenv("AGENTGRAPH_BUS_CAPACITY", "32")

	cfg, err := NewLoader().WithConfigPath(path).Load()
	require.NoError(t, err)
	assert.Equal(t, 32, cfg.Bus.Capacity)
}

func TestLoader_CustomEnvPrefix(t *testing.T) {
	t.Setenv("MYAPP_ROUTER_TARGET_CAPACITY", "3")

	cfg, err := NewLoader().WithEnvPrefix("MYAPP").Load()
	require.NoError(t, err)
	assert.Equal(t, 3, cfg.Router.TargetCapacity)
}

func TestLoader_InvalidEnvValue(t *testing.T) {
	t.Setenv("AGENTGRAPH_BUS_CAPACITY", "lots")

	_, err := NewLoader().Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "AGENTGRAPH_BUS_CAPACITY")
}

func TestLoader_WithValidator(t *testing.T) {
	t.Setenv("AGENTGRAPH_WORKFLOW_MAX_STEPS", "0")

	_, err := NewLoader().WithValidator((*Config).Validate).Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "max_steps")
}

func TestLoader_NonExistentFile(t *testing.T) {
	cfg, err := NewLoader().WithConfigPath("/nonexistent/agentgraph.yaml").Load()
	require.NoError(t, err)
	assert.Equal(t, 8080, cfg.Server.HTTPPort)
}

func TestLoader_InvalidYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.yaml")
	require.NoError(t, os.WriteFile(path, []byte("server: [unclosed"), 0o600))

	_, err := NewLoader().WithConfigPath(path).Load()
	require.Error(t, err)
}

// --- Validate 测试 ---

func TestConfig_Validate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{name: "默认配置有效", mutate: func(*Config) {}},
		{name: "端口越界", mutate: func(c *Config) { c.Server.HTTPPort = 70000 }, wantErr: "http_port"},
		{name: "TLS 只配置证书", mutate: func(c *Config) { c.Server.TLSCertFile = "cert.pem" }, wantErr: "tls_key_file"},
		{name: "总线容量为零", mutate: func(c *Config) { c.Bus.Capacity = 0 }, wantErr: "bus.capacity"},
		{name: "限流为负", mutate: func(c *Config) { c.Router.RateLimitRPS = -1 }, wantErr: "rate_limit_rps"},
		{name: "未知数据库驱动", mutate: func(c *Config) {
			c.Database.Enabled = true
			c.Database.Driver = "oracle"
		}, wantErr: "oracle"},
		{name: "鉴权缺少密钥", mutate: func(c *Config) { c.Auth.Enabled = true }, wantErr: "jwt_secret"},
		{name: "采样率越界", mutate: func(c *Config) { c.Telemetry.SampleRate = 2 }, wantErr: "sample_rate"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(cfg)
			err := cfg.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestConfig_ValidateJoinsErrors(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Bus.Capacity = 0
	cfg.Workflow.MaxSteps = -1

	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "bus.capacity")
	assert.Contains(t, err.Error(), "max_steps")
}

func TestDatabaseConfig_DSN(t *testing.T) {
	d := DatabaseConfig{Driver: "postgres", Host: "db", Port: 5432, User: "u", Password: "p", Name: "n", SSLMode: "disable"}
	assert.Equal(t, "postgres://u:p@db:5432/n?sslmode=disable", d.DSN())

	// 特殊字符被转义
	d.Password = "p@ss word"
	assert.Equal(t, "postgres://u:p%40ss%20word@db:5432/n?sslmode=disable", d.DSN())
	d.Password = "p"

	d.Driver = "mysql"
	d.Port = 3306
	assert.Equal(t, "u:p@tcp(db:3306)/n?parseTime=true", d.DSN())

	d.Driver = "sqlite"
	assert.Equal(t, "n", d.DSN())

	d.Driver = "unknown"
	assert.Empty(t, d.DSN())
}

func TestLoader_Strict(t *testing.T) {
	path := filepath.Join(t.TempDir(), "agentgraph.yaml")
	require.NoError(t, os.WriteFile(path, []byte("bus:\n  capacty: 8\n"), 0o600))

	// 默认忽略未知字段
	cfg, err := NewLoader().WithConfigPath(path).Load()
	require.NoError(t, err)
	assert.Equal(t, 256, cfg.Bus.Capacity)

	_, err = NewLoader().WithConfigPath(path).WithStrict().Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "capacty")
}

func TestLoader_EmptyFileKeepsDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "empty.yaml")
	require.NoError(t, os.WriteFile(path, nil, 0o600))

	cfg, err := NewLoader().WithConfigPath(path).Load()
	require.NoError(t, err)
	assert.Equal(t, 8080, cfg.Server.HTTPPort)
}

func TestLoader_ReportsEveryBadEnvValue(t *testing.T) {
	t.Setenv("AGENTGRAPH_BUS_CAPACITY", "lots")
	t.Setenv("AGENTGRAPH_WORKFLOW_RUN_TIMEOUT", "soon")

	_, err := NewLoader().Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "AGENTGRAPH_BUS_CAPACITY")
	assert.Contains(t, err.Error(), "AGENTGRAPH_WORKFLOW_RUN_TIMEOUT")
}
