package checkpoint

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/BaSui01/agentgraph/workflow"
)

// =============================================================================
// 🧪 RedisStore 测试
// =============================================================================

type recorded struct {
	op  string
	err error
}

type fakeRecorder struct{ calls []recorded }

func (r *fakeRecorder) RecordCheckpoint(op string, err error) {
	r.calls = append(r.calls, recorded{op: op, err: err})
}

func setupTestStore(t *testing.T, opts ...Option) (*miniredis.Miniredis, *RedisStore) {
	t.Helper()
	mr := miniredis.RunT(t)

	cfg := DefaultConfig()
	cfg.Addr = mr.Addr()
	cfg.TTL = time.Hour
	cfg.HealthCheckInterval = 0

	store, err := NewRedisStore(context.Background(), cfg, zap.NewNop(), opts...)
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return mr, store
}

func TestNewRedisStore_Unreachable(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Addr = "127.0.0.1:1"
	_, err := NewRedisStore(context.Background(), cfg, nil)
	require.Error(t, err)
}

func TestRedisStore_SaveLoadDelete(t *testing.T) {
	mr, store := setupTestStore(t)
	ctx := context.Background()

	cp := workflow.Checkpoint{
		Graph: "triage",
		RunID: "run-1",
		Step:  2,
		Node:  "classify",
		Next:  "respond",
		State: map[string]any{"category": "billing", "messages": []any{"hi"}},
	}
	require.NoError(t, store.Save(ctx, cp))

	// TTL 生效
	assert.Equal(t, time.Hour, mr.TTL("agentgraph:checkpoint:run-1"))
	assert.Equal(t, "triage", mr.HGet("agentgraph:checkpoint:run-1", "graph"))
	members, err := mr.SMembers("agentgraph:checkpoint:graph:triage")
	require.NoError(t, err)
	assert.Equal(t, []string{"run-1"}, members)

	loaded, err := store.Load(ctx, "run-1")
	require.NoError(t, err)
	assert.Equal(t, "respond", loaded.Next)
	assert.Equal(t, 2, loaded.Step)
	assert.Equal(t, "billing", loaded.State["category"])
	assert.Equal(t, []any{"hi"}, loaded.State["messages"])

	runs, err := store.List(ctx, "triage")
	require.NoError(t, err)
	assert.Equal(t, []string{"run-1"}, runs)

	require.NoError(t, store.Delete(ctx, "run-1"))
	_, err = store.Load(ctx, "run-1")
	assert.ErrorIs(t, err, workflow.ErrCheckpointNotFound)

	runs, err = store.List(ctx, "triage")
	require.NoError(t, err)
	assert.Empty(t, runs)

	// 删除不存在的 run 不报错
	assert.NoError(t, store.Delete(ctx, "run-1"))
}

func TestRedisStore_SaveOverwrites(t *testing.T) {
	_, store := setupTestStore(t)
	ctx := context.Background()

	require.NoError(t, store.Save(ctx, workflow.Checkpoint{Graph: "g", RunID: "r", Step: 1, Next: "b"}))
	require.NoError(t, store.Save(ctx, workflow.Checkpoint{Graph: "g", RunID: "r", Step: 2, Next: "c"}))

	loaded, err := store.Load(ctx, "r")
	require.NoError(t, err)
	assert.Equal(t, 2, loaded.Step)
	assert.Equal(t, "c", loaded.Next)
}

func TestRedisStore_ListDropsExpired(t *testing.T) {
	mr, store := setupTestStore(t)
	ctx := context.Background()

	require.NoError(t, store.Save(ctx, workflow.Checkpoint{Graph: "g", RunID: "old"}))
	require.NoError(t, store.Save(ctx, workflow.Checkpoint{Graph: "g", RunID: "new"}))
	mr.Del("agentgraph:checkpoint:old")

	runs, err := store.List(ctx, "g")
	require.NoError(t, err)
	assert.Equal(t, []string{"new"}, runs)

	// 过期项已从索引中移除
	members, err := mr.SMembers("agentgraph:checkpoint:graph:g")
	require.NoError(t, err)
	assert.Equal(t, []string{"new"}, members)
}

func TestRedisStore_NoTTL(t *testing.T) {
	mr := miniredis.RunT(t)
	cfg := DefaultConfig()
	cfg.Addr = mr.Addr()
	cfg.TTL = 0
	cfg.HealthCheckInterval = 0
	store, err := NewRedisStore(context.Background(), cfg, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	require.NoError(t, store.Save(context.Background(), workflow.Checkpoint{Graph: "g", RunID: "r"}))
	assert.Zero(t, mr.TTL("agentgraph:checkpoint:r"))
}

func TestRedisStore_Recorder(t *testing.T) {
	rec := &fakeRecorder{}
	_, store := setupTestStore(t, WithRecorder(rec))
	ctx := context.Background()

	require.NoError(t, store.Save(ctx, workflow.Checkpoint{Graph: "g", RunID: "r"}))
	_, _ = store.Load(ctx, "missing")

	require.Len(t, rec.calls, 2)
	assert.Equal(t, "save", rec.calls[0].op)
	assert.NoError(t, rec.calls[0].err)
	assert.Equal(t, "load", rec.calls[1].op)
	assert.ErrorIs(t, rec.calls[1].err, workflow.ErrCheckpointNotFound)
}

func TestRedisStore_Closed(t *testing.T) {
	_, store := setupTestStore(t)
	require.NoError(t, store.Close())
	require.NoError(t, store.Close())

	ctx := context.Background()
	assert.ErrorIs(t, store.Save(ctx, workflow.Checkpoint{RunID: "r"}), ErrStoreClosed)
	_, err := store.Load(ctx, "r")
	assert.ErrorIs(t, err, ErrStoreClosed)
	assert.ErrorIs(t, store.Ping(ctx), ErrStoreClosed)
}

func TestRedisStore_ResumeAfterFailure(t *testing.T) {
	_, store := setupTestStore(t)
	var failOnce atomic.Bool
	failOnce.Store(true)

	g := workflow.Build("resumable").
		AddNodeFunc("a", func(context.Context, *workflow.GraphState, *workflow.RuntimeContext) (workflow.Command, error) {
			return workflow.Continue(workflow.StateUpdate{"trail": "a"}), nil
		}).
		AddNodeFunc("b", func(context.Context, *workflow.GraphState, *workflow.RuntimeContext) (workflow.Command, error) {
			if failOnce.CompareAndSwap(true, false) {
				return workflow.Command{}, errors.New("transient")
			}
			return workflow.Continue(workflow.StateUpdate{"trail": "b"}), nil
		}).
		SetEntry("a").
		AddEdge("a", "b").
		AddEdge("b", workflow.End).
		AddReducer("trail", workflow.ReducerAppend).
		MustCompile()

	exec := workflow.NewExecutor(workflow.WithCheckpointer(store))
	ctx := context.Background()

	_, err := exec.Run(ctx, g, nil, workflow.WithRunID("run-redis"))
	require.True(t, workflow.IsExecutionKind(err, workflow.ExecErrNodeFailed))

	runs, err := store.List(ctx, "resumable")
	require.NoError(t, err)
	assert.Equal(t, []string{"run-redis"}, runs)

	final, err := exec.Resume(ctx, g, "run-redis")
	require.NoError(t, err)
	assert.Equal(t, []any{"a", "b"}, final.GetSlice("trail"))

	_, err = store.Load(ctx, "run-redis")
	assert.ErrorIs(t, err, workflow.ErrCheckpointNotFound)
}
