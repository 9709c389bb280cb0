package handlers

import (
	"net/http"
	"strconv"

	"go.uber.org/zap"

	"github.com/BaSui01/agentgraph/api"
	"github.com/BaSui01/agentgraph/bus"
	"github.com/BaSui01/agentgraph/messagegraph"
)

// =============================================================================
// Bus & Router Handler
// =============================================================================

// BusHandler 总线查看与路由投递处理器
type BusHandler struct {
	bus      *bus.AgentBus
	executor *messagegraph.Executor
	logger   *zap.Logger
}

// NewBusHandler 创建总线处理器，executor 为 nil 时投递端点返回 503
func NewBusHandler(b *bus.AgentBus, executor *messagegraph.Executor, logger *zap.Logger) *BusHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &BusHandler{
		bus:      b,
		executor: executor,
		logger:   logger.With(zap.String("handler", "bus")),
	}
}

// HandleOverview 返回总线概览
// GET /v1/bus
func (h *BusHandler) HandleOverview(w http.ResponseWriter, r *http.Request) {
	overview := api.BusOverview{
		Capacity:        h.bus.Capacity(),
		Agents:          h.bus.Agents(),
		Streams:         h.bus.Streams(),
		Metrics:         h.bus.Metrics(),
		DeadLetterTopic: h.bus.DeadLetterTopic(),
	}
	topics := h.bus.Topics()
	overview.Topics = make([]api.TopicInfo, 0, len(topics))
	for _, t := range topics {
		overview.Topics = append(overview.Topics, api.TopicInfo{Topic: t, Subscribers: h.bus.Subscribers(t)})
	}

	WriteSuccess(w, overview)
}

// HandleGraph 返回当前路由图
// GET /v1/graph
func (h *BusHandler) HandleGraph(w http.ResponseWriter, r *http.Request) {
	if h.executor == nil {
		WriteErrorMessage(w, http.StatusServiceUnavailable, api.ErrServiceUnavailable, "no routing graph loaded", h.logger)
		return
	}
	WriteSuccess(w, api.NewGraphInfo(h.executor.Graph()))
}

// HandleDispatch 通过路由图投递一个信封
// POST /v1/dispatch
func (h *BusHandler) HandleDispatch(w http.ResponseWriter, r *http.Request) {
	if h.executor == nil {
		WriteErrorMessage(w, http.StatusServiceUnavailable, api.ErrServiceUnavailable, "no routing graph loaded", h.logger)
		return
	}
	if !ValidateContentType(w, r, h.logger) {
		return
	}

	var req api.DispatchRequest
	if err := DecodeJSONBody(w, r, &req, h.logger); err != nil {
		return
	}
	env, err := req.Envelope()
	if err != nil {
		WriteError(w, api.NewError(api.ErrInvalidRequest, err.Error()).WithCause(err), h.logger)
		return
	}

	out := h.executor.Dispatch(r.Context(), env)
	resp := api.NewDispatchResponse(out)
	if !out.Delivered() {
		h.logger.Debug("dispatch not delivered",
			zap.String("envelope_id", out.EnvelopeID),
			zap.String("status", string(out.Status)),
			zap.String("reason", out.Reason),
		)
	}
	// 死信也是确定性结果，统一 200 返回，由 status 字段区分
	WriteSuccess(w, resp)
}

// HandleDeadLetters 返回内存中的死信汇总
// GET /v1/deadletters?limit=N
func (h *BusHandler) HandleDeadLetters(w http.ResponseWriter, r *http.Request) {
	limit, ok := parseLimit(w, r, 50, h.logger)
	if !ok {
		return
	}
	log := h.bus.DeadLetters()
	WriteSuccess(w, api.DeadLetterSummary{
		Total:    log.Total(),
		ByReason: log.Counts(),
		Recent:   log.Recent(limit),
	})
}

func parseLimit(w http.ResponseWriter, r *http.Request, def int, logger *zap.Logger) (int, bool) {
	raw := r.URL.Query().Get("limit")
	if raw == "" {
		return def, true
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n <= 0 {
		WriteErrorMessage(w, http.StatusBadRequest, api.ErrInvalidRequest, "limit must be a positive integer", logger)
		return 0, false
	}
	return n, true
}
