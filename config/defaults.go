// =============================================================================
// 📦 AgentGraph 默认配置
// =============================================================================
package config

import "time"

// DefaultConfig 返回默认配置
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			HTTPPort:        8080,
			MetricsPort:     9091,
			ReadTimeout:     30 * time.Second,
			WriteTimeout:    30 * time.Second,
			ShutdownTimeout: 15 * time.Second,
			RateLimitRPS:    100,
			RateLimitBurst:  200,
		},
		Log: LogConfig{
			Level:        "info",
			Format:       "json",
			OutputPaths:  []string{"stdout"},
			EnableCaller: true,
		},
		Bus: BusConfig{
			Capacity:           256,
			DeadLetterCapacity: 1024,
			DeadLetterTopic:    "deadletter",
		},
		Router: RouterConfig{
			BatchConcurrency: 8,
		},
		Workflow: WorkflowConfig{
			MaxSteps:   100,
			RunTimeout: 5 * time.Minute,
			MaxWorkers: 16,
			QueueSize:  256,
		},
		Redis: RedisConfig{
			Addr:          "localhost:6379",
			PoolSize:      10,
			MinIdleConns:  2,
			KeyPrefix:     "agentgraph:checkpoint:",
			CheckpointTTL: 24 * time.Hour,
		},
		Database: DatabaseConfig{
			Driver:          "postgres",
			Host:            "localhost",
			Port:            5432,
			User:            "agentgraph",
			Name:            "agentgraph",
			SSLMode:         "disable",
			MaxOpenConns:    25,
			MaxIdleConns:    5,
			ConnMaxLifetime: 5 * time.Minute,
		},
		Telemetry: TelemetryConfig{
			OTLPEndpoint: "localhost:4317",
			ServiceName:  "agentgraph",
			SampleRate:   0.1,
		},
		Auth: AuthConfig{
			Issuer:    "agentgraph",
			WriteRole: "operator",
		},
	}
}
