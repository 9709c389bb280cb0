package handlers

import (
	"net/http"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/BaSui01/agentgraph/api"
	"github.com/BaSui01/agentgraph/bus"
	"github.com/BaSui01/agentgraph/runtime"
)

// TypeWorkflowRun 通过 API 触发运行时使用的信封类型
const TypeWorkflowRun = "workflow.run"

// =============================================================================
// Workflow Handler
// =============================================================================

// WorkflowHandler 已加载工作流的查看与同步运行
type WorkflowHandler struct {
	mu     sync.RWMutex
	agents map[string]*runtime.WorkflowAgent
	logger *zap.Logger
}

// NewWorkflowHandler 创建工作流处理器
func NewWorkflowHandler(logger *zap.Logger) *WorkflowHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &WorkflowHandler{
		agents: make(map[string]*runtime.WorkflowAgent),
		logger: logger.With(zap.String("handler", "workflow")),
	}
}

// Register 以图名注册工作流 agent，同名覆盖
func (h *WorkflowHandler) Register(a *runtime.WorkflowAgent) {
	h.mu.Lock()
	h.agents[a.Graph().Name()] = a
	h.mu.Unlock()
}

func (h *WorkflowHandler) lookup(name string) (*runtime.WorkflowAgent, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	a, ok := h.agents[name]
	return a, ok
}

// HandleList 列出工作流
// GET /v1/workflows
func (h *WorkflowHandler) HandleList(w http.ResponseWriter, r *http.Request) {
	h.mu.RLock()
	out := make([]api.WorkflowInfo, 0, len(h.agents))
	for name, a := range h.agents {
		g := a.Graph()
		out = append(out, api.WorkflowInfo{
			Name:     name,
			AgentID:  a.ID(),
			Entry:    g.Entry(),
			Nodes:    g.Nodes(),
			MaxSteps: g.MaxSteps(),
		})
	}
	h.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })

	WriteSuccess(w, out)
}

// HandleRun 同步运行一次工作流；运行失败仍返回 200，错误写入 error 字段
// POST /v1/workflows/{name}/runs
func (h *WorkflowHandler) HandleRun(w http.ResponseWriter, r *http.Request) {
	a, ok := h.lookup(r.PathValue("name"))
	if !ok {
		WriteErrorMessage(w, http.StatusNotFound, api.ErrNotFound, "workflow not found", h.logger)
		return
	}
	if !ValidateContentType(w, r, h.logger) {
		return
	}
	var req api.WorkflowRunRequest
	if err := DecodeJSONBody(w, r, &req, h.logger); err != nil {
		return
	}

	env := bus.NewEnvelope(TypeWorkflowRun, req.Payload).WithCorrelation(req.CorrelationID)
	for k, v := range req.Headers {
		env.WithHeader(k, v)
	}
	runID := env.CorrelationID
	if runID == "" {
		runID = env.ID
	}

	start := time.Now()
	state, err := a.Handle(r.Context(), env)
	resp := api.WorkflowRunResponse{
		RunID:      runID,
		Workflow:   a.Graph().Name(),
		DurationMS: time.Since(start).Milliseconds(),
	}
	if state != nil {
		resp.State = state.Values()
	}
	if err != nil {
		resp.Error = err.Error()
	}
	WriteSuccess(w, resp)
}
