package checkpoint

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/BaSui01/agentgraph/internal/tlsutil"
	"github.com/BaSui01/agentgraph/workflow"
)

// ErrStoreClosed 存储已关闭
var ErrStoreClosed = errors.New("checkpoint store is closed")

// Recorder 接收每次存储操作的结果（通常是 metrics.Collector）
type Recorder interface {
	RecordCheckpoint(operation string, err error)
}

// =============================================================================
// 💾 Redis Checkpoint 存储
// =============================================================================

// Config Redis 存储配置
type Config struct {
	Addr         string `yaml:"addr" json:"addr"`
	Password     string `yaml:"password" json:"password"`
	DB           int    `yaml:"db" json:"db"`
	PoolSize     int    `yaml:"pool_size" json:"pool_size"`
	MinIdleConns int    `yaml:"min_idle_conns" json:"min_idle_conns"`

	// 键前缀，checkpoint 键为 <prefix><run_id>，索引键为 <prefix>graph:<graph>
	KeyPrefix string `yaml:"key_prefix" json:"key_prefix"`

	// 过期时间，0 表示不过期
	TTL time.Duration `yaml:"ttl" json:"ttl"`

	// 使用 TLS 连接 Redis
	TLS bool `yaml:"tls" json:"tls"`

	// 健康检查间隔，0 表示关闭
	HealthCheckInterval time.Duration `yaml:"health_check_interval" json:"health_check_interval"`
}

// DefaultConfig 返回默认存储配置
func DefaultConfig() Config {
	return Config{
		Addr:                "localhost:6379",
		PoolSize:            10,
		MinIdleConns:        2,
		KeyPrefix:           "agentgraph:checkpoint:",
		TTL:                 24 * time.Hour,
		HealthCheckInterval: 30 * time.Second,
	}
}

// RedisStore 实现 workflow.Checkpointer，每个 run 只保留最新的 checkpoint
type RedisStore struct {
	redis    *redis.Client
	config   Config
	logger   *zap.Logger
	recorder Recorder

	mu     sync.RWMutex
	closed bool
	stop   chan struct{}
}

var _ workflow.Checkpointer = (*RedisStore)(nil)

// Option 配置 RedisStore
type Option func(*RedisStore)

// WithRecorder 设置操作结果记录器
func WithRecorder(r Recorder) Option {
	return func(s *RedisStore) { s.recorder = r }
}

// NewRedisStore 连接 Redis 并创建存储
func NewRedisStore(ctx context.Context, config Config, logger *zap.Logger, opts ...Option) (*RedisStore, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	redisOpts := &redis.Options{
		Addr:         config.Addr,
		Password:     config.Password,
		DB:           config.DB,
		PoolSize:     config.PoolSize,
		MinIdleConns: config.MinIdleConns,
	}
	if config.TLS {
		redisOpts.TLSConfig = tlsutil.RedisTLSConfig(config.Addr)
	}
	client := redis.NewClient(redisOpts)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	s := &RedisStore{
		redis:  client,
		config: config,
		logger: logger.With(zap.String("component", "checkpoint_store")),
		stop:   make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}

	if config.HealthCheckInterval > 0 {
		go s.healthCheckLoop()
	}

	s.logger.Info("checkpoint store initialized",
		zap.String("addr", config.Addr),
		zap.Duration("ttl", config.TTL),
	)
	return s, nil
}

// 每个 run 一个哈希：graph 字段用于维护索引，data 字段为 JSON checkpoint
func (s *RedisStore) runKey(runID string) string {
	return s.config.KeyPrefix + runID
}

func (s *RedisStore) graphKey(graph string) string {
	return s.config.KeyPrefix + "graph:" + graph
}

func (s *RedisStore) record(op string, err error) {
	if s.recorder != nil {
		s.recorder.RecordCheckpoint(op, err)
	}
}

// saveScript 写入 checkpoint 并登记索引，TTL 以毫秒传入，0 表示不过期
var saveScript = redis.NewScript(`
redis.call('HSET', KEYS[1], 'graph', ARGV[1], 'data', ARGV[2])
redis.call('SADD', KEYS[2], ARGV[3])
local ttl = tonumber(ARGV[4])
if ttl > 0 then
	redis.call('PEXPIRE', KEYS[1], ttl)
	redis.call('PEXPIRE', KEYS[2], ttl)
else
	redis.call('PERSIST', KEYS[1])
end
return 1
`)

// deleteScript 删除 checkpoint 并从所属图的索引中移除
var deleteScript = redis.NewScript(`
local graph = redis.call('HGET', KEYS[1], 'graph')
if not graph then
	return 0
end
redis.call('DEL', KEYS[1])
redis.call('SREM', ARGV[1] .. 'graph:' .. graph, ARGV[2])
return 1
`)

// guard 在读锁内执行 fn；存储关闭后返回 ErrStoreClosed
func (s *RedisStore) guard(fn func() error) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return ErrStoreClosed
	}
	return fn()
}

// =============================================================================
// 🎯 workflow.Checkpointer
// =============================================================================

// Save 覆盖写入 run 的最新 checkpoint，并登记到图索引
func (s *RedisStore) Save(ctx context.Context, cp workflow.Checkpoint) (err error) {
	defer func() { s.record("save", err) }()

	data, err := json.Marshal(cp)
	if err != nil {
		return fmt.Errorf("marshal checkpoint: %w", err)
	}
	return s.guard(func() error {
		keys := []string{s.runKey(cp.RunID), s.graphKey(cp.Graph)}
		err := saveScript.Run(ctx, s.redis, keys, cp.Graph, data, cp.RunID, s.config.TTL.Milliseconds()).Err()
		if err != nil {
			s.logger.Error("checkpoint save failed", zap.String("run_id", cp.RunID), zap.Error(err))
			return fmt.Errorf("checkpoint save: %w", err)
		}
		return nil
	})
}

// Load 读取 run 的最新 checkpoint，不存在时返回 workflow.ErrCheckpointNotFound
func (s *RedisStore) Load(ctx context.Context, runID string) (cp *workflow.Checkpoint, err error) {
	defer func() { s.record("load", err) }()

	var data []byte
	err = s.guard(func() error {
		var err error
		data, err = s.redis.HGet(ctx, s.runKey(runID), "data").Bytes()
		switch {
		case errors.Is(err, redis.Nil):
			return workflow.ErrCheckpointNotFound
		case err != nil:
			return fmt.Errorf("checkpoint load: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	cp = &workflow.Checkpoint{}
	if err := json.Unmarshal(data, cp); err != nil {
		return nil, fmt.Errorf("unmarshal checkpoint %s: %w", runID, err)
	}
	return cp, nil
}

// Delete 删除 run 的 checkpoint；run 不存在时不报错
func (s *RedisStore) Delete(ctx context.Context, runID string) (err error) {
	defer func() { s.record("delete", err) }()

	return s.guard(func() error {
		err := deleteScript.Run(ctx, s.redis, []string{s.runKey(runID)}, s.config.KeyPrefix, runID).Err()
		if err != nil {
			return fmt.Errorf("checkpoint delete: %w", err)
		}
		return nil
	})
}

// List 返回某个图下仍有 checkpoint 的 run（即未完成的 run），顺带清理已过期的索引项
func (s *RedisStore) List(ctx context.Context, graph string) ([]string, error) {
	var live []string
	err := s.guard(func() error {
		index := s.graphKey(graph)
		ids, err := s.redis.SMembers(ctx, index).Result()
		if err != nil {
			return fmt.Errorf("checkpoint list: %w", err)
		}
		if len(ids) == 0 {
			return nil
		}
		sort.Strings(ids)

		exists := make([]*redis.IntCmd, len(ids))
		_, err = s.redis.Pipelined(ctx, func(pipe redis.Pipeliner) error {
			for i, id := range ids {
				exists[i] = pipe.Exists(ctx, s.runKey(id))
			}
			return nil
		})
		if err != nil {
			return fmt.Errorf("checkpoint list: %w", err)
		}

		var stale []any
		for i, id := range ids {
			if exists[i].Val() == 0 {
				stale = append(stale, id)
				continue
			}
			live = append(live, id)
		}
		if len(stale) > 0 {
			if err := s.redis.SRem(ctx, index, stale...).Err(); err != nil {
				s.logger.Warn("prune checkpoint index failed", zap.String("graph", graph), zap.Error(err))
			}
		}
		return nil
	})
	return live, err
}

// Ping 检查 Redis 连接
func (s *RedisStore) Ping(ctx context.Context) error {
	return s.guard(func() error { return s.redis.Ping(ctx).Err() })
}

// Close 关闭存储
func (s *RedisStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	close(s.stop)
	s.logger.Info("closing checkpoint store")
	return s.redis.Close()
}

// =============================================================================
// 🏥 健康检查
// =============================================================================

func (s *RedisStore) healthCheckLoop() {
	ticker := time.NewTicker(s.config.HealthCheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.stop:
			return
		case <-ticker.C:
		}
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := s.Ping(ctx); err != nil && !errors.Is(err, ErrStoreClosed) {
			s.logger.Error("checkpoint store health check failed", zap.Error(err))
		}
		cancel()
	}
}
