// =============================================================================
// 🧪 总线与工作流测试工具
// =============================================================================
package testutil

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest"

	"github.com/BaSui01/agentgraph/bus"
	"github.com/BaSui01/agentgraph/workflow"
)

// Logger 返回输出到 t.Log 的 logger，只打印 Warn 及以上
func Logger(t *testing.T) *zap.Logger {
	return zaptest.NewLogger(t, zaptest.Level(zap.WarnLevel))
}

// BusOption 调整测试总线配置
type BusOption func(*bus.Config)

// WithCapacity 设置每个收件箱与流的容量
func WithCapacity(n int) BusOption {
	return func(c *bus.Config) { c.Capacity = n }
}

// WithDeadLetterCapacity 设置死信保留条数
func WithDeadLetterCapacity(n int) BusOption {
	return func(c *bus.Config) { c.DeadLetterCapacity = n }
}

// NewBus 创建总线，测试结束时关闭
func NewBus(t *testing.T, opts ...BusOption) *bus.AgentBus {
	t.Helper()
	cfg := bus.DefaultConfig()
	for _, opt := range opts {
		opt(&cfg)
	}
	b := bus.New(cfg, Logger(t))
	t.Cleanup(b.Close)
	return b
}

// Receiver 由 bus.Inbox 与 bus.StreamConsumer 实现
type Receiver interface {
	Receive(ctx context.Context) (*bus.Envelope, error)
}

// MustReceive 在 timeout 内取出一个信封，否则测试失败
func MustReceive(t *testing.T, r Receiver, timeout time.Duration) *bus.Envelope {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	env, err := r.Receive(ctx)
	require.NoError(t, err, "no envelope within %v", timeout)
	return env
}

// MustNotReceive 断言 wait 内没有信封到达
func MustNotReceive(t *testing.T, r Receiver, wait time.Duration) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), wait)
	defer cancel()
	env, err := r.Receive(ctx)
	if err == nil {
		t.Fatalf("unexpected envelope type=%s id=%s", env.Type, env.ID)
	}
	require.True(t, errors.Is(err, context.DeadlineExceeded), "receive failed: %v", err)
}

// =============================================================================
// 📮 Emission 记录
// =============================================================================

// EmissionRecorder 记录节点发出的 Emission，可选转发给下游 Emitter
type EmissionRecorder struct {
	next workflow.Emitter

	mu   sync.Mutex
	seen []workflow.Emission
}

var _ workflow.Emitter = (*EmissionRecorder)(nil)

// NewEmissionRecorder next 为 nil 时只记录
func NewEmissionRecorder(next workflow.Emitter) *EmissionRecorder {
	return &EmissionRecorder{next: next}
}

// Emit 记录后转发；转发错误原样返回给节点
func (r *EmissionRecorder) Emit(ctx context.Context, e workflow.Emission) error {
	r.mu.Lock()
	r.seen = append(r.seen, e)
	r.mu.Unlock()
	if r.next == nil {
		return nil
	}
	return r.next.Emit(ctx, e)
}

// All 返回记录副本
func (r *EmissionRecorder) All() []workflow.Emission {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]workflow.Emission, len(r.seen))
	copy(out, r.seen)
	return out
}

// Types 按顺序返回记录的类型
func (r *EmissionRecorder) Types() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, 0, len(r.seen))
	for _, e := range r.seen {
		out = append(out, e.Type)
	}
	return out
}
