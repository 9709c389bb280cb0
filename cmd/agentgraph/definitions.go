package main

import (
	"context"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/BaSui01/agentgraph/config"
	"github.com/BaSui01/agentgraph/messagegraph"
	"github.com/BaSui01/agentgraph/workflow"
)

// 工作流定义 metadata 中可识别的键
const (
	metaAgentID = "agent_id"
	metaTopics  = "topics"
)

// =============================================================================
// 内置节点处理器
// =============================================================================

// builtinHandlers 返回工作流定义中可直接引用的处理器
//
//	noop    不修改状态，沿静态边前进
//	finish  结束运行
//	visit   将节点名写入 visited（配合 append reducer 记录路径）
//	emit    以当前状态为 payload 发出信封，类型取 emit_type，缺省为 <graph>.<node>
func builtinHandlers() *workflow.HandlerRegistry {
	reg := workflow.NewHandlerRegistry()
	reg.RegisterFunc("noop", func(context.Context, *workflow.GraphState, *workflow.RuntimeContext) (workflow.Command, error) {
		return workflow.Continue(nil), nil
	})
	reg.RegisterFunc("finish", func(context.Context, *workflow.GraphState, *workflow.RuntimeContext) (workflow.Command, error) {
		return workflow.Return(nil), nil
	})
	reg.RegisterFunc("visit", func(_ context.Context, _ *workflow.GraphState, rc *workflow.RuntimeContext) (workflow.Command, error) {
		return workflow.Continue(workflow.StateUpdate{"visited": []any{rc.Node}}), nil
	})
	reg.RegisterFunc("emit", func(ctx context.Context, s *workflow.GraphState, rc *workflow.RuntimeContext) (workflow.Command, error) {
		msgType := s.GetString("emit_type")
		if msgType == "" {
			msgType = rc.Graph + "." + rc.Node
		}
		if err := rc.Emit(ctx, workflow.Emission{Type: msgType, Payload: s.Values()}); err != nil {
			return workflow.Command{}, fmt.Errorf("emit %s: %w", msgType, err)
		}
		return workflow.Continue(nil), nil
	})
	return reg
}

// =============================================================================
// 定义加载
// =============================================================================

// workflowBinding 一个已编译的工作流及其 agent 绑定
type workflowBinding struct {
	graph   *workflow.CompiledGraph
	agentID string
	topics  []string
}

// loadWorkflowGraph 读取并编译工作流定义；定义未设置时套用配置中的 max_steps 与 strict_reducers
func loadWorkflowGraph(path string, cfg config.WorkflowConfig, reg *workflow.HandlerRegistry, logger *zap.Logger) (workflowBinding, error) {
	def, err := workflow.LoadDefinitionFile(path)
	if err != nil {
		return workflowBinding{}, err
	}
	if def.MaxSteps == 0 {
		def.MaxSteps = cfg.MaxSteps
	}
	if cfg.StrictReducers {
		def.StrictReducer = true
	}

	b, err := def.Builder(reg)
	if err != nil {
		return workflowBinding{}, err
	}
	g, err := b.WithLogger(logger).Compile()
	if err != nil {
		return workflowBinding{}, err
	}

	wf := workflowBinding{graph: g, agentID: def.Name}
	if id := def.Metadata[metaAgentID]; id != "" {
		wf.agentID = id
	}
	for _, t := range strings.Split(def.Metadata[metaTopics], ",") {
		if t = strings.TrimSpace(t); t != "" {
			wf.topics = append(wf.topics, t)
		}
	}
	return wf, nil
}

// loadRouterGraph 读取并校验路由表
func loadRouterGraph(path string, logger *zap.Logger) (*messagegraph.MessageGraph, error) {
	def, err := messagegraph.LoadDefinitionFile(path)
	if err != nil {
		return nil, err
	}
	b, err := def.Builder()
	if err != nil {
		return nil, err
	}
	return b.WithLogger(logger).Validate()
}
