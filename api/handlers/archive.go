package handlers

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/BaSui01/agentgraph/api"
	"github.com/BaSui01/agentgraph/bus"
	"github.com/BaSui01/agentgraph/internal/database"
	"github.com/BaSui01/agentgraph/runtime"
)

// HeaderReplayedFrom 重放信封携带的原始信封 ID
const HeaderReplayedFrom = "x-replayed-from"

// =============================================================================
// Dead Letter Archive Handler
// =============================================================================

// DeadLetterArchive 死信归档的只读视图
type DeadLetterArchive interface {
	Query(ctx context.Context, q database.DeadLetterQuery) ([]database.DeadLetterRecord, error)
	Get(ctx context.Context, id uint) (*database.DeadLetterRecord, error)
	CountByReason(ctx context.Context) (map[string]int64, error)
}

// ArchiveHandler 死信归档查询与重放
type ArchiveHandler struct {
	archive DeadLetterArchive
	router  runtime.Dispatcher
	logger  *zap.Logger
}

// NewArchiveHandler 创建归档处理器，router 为 nil 时重放不可用
func NewArchiveHandler(archive DeadLetterArchive, router runtime.Dispatcher, logger *zap.Logger) *ArchiveHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ArchiveHandler{
		archive: archive,
		router:  router,
		logger:  logger.With(zap.String("handler", "deadletter_archive")),
	}
}

// HandleList 查询归档
// GET /v1/deadletters/archive?reason=&type=&since=RFC3339&limit=N
func (h *ArchiveHandler) HandleList(w http.ResponseWriter, r *http.Request) {
	limit, ok := parseLimit(w, r, 100, h.logger)
	if !ok {
		return
	}
	q := database.DeadLetterQuery{
		Reason: r.URL.Query().Get("reason"),
		Type:   r.URL.Query().Get("type"),
		Limit:  limit,
	}
	if raw := r.URL.Query().Get("since"); raw != "" {
		since, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			WriteErrorMessage(w, http.StatusBadRequest, api.ErrInvalidRequest, "since must be RFC3339", h.logger)
			return
		}
		q.Since = since
	}

	recs, err := h.archive.Query(r.Context(), q)
	if err != nil {
		WriteError(w, ErrorFrom(err, "failed to query archive"), h.logger)
		return
	}
	WriteSuccess(w, recs)
}

// HandleCounts 按原因汇总归档
// GET /v1/deadletters/archive/counts
func (h *ArchiveHandler) HandleCounts(w http.ResponseWriter, r *http.Request) {
	counts, err := h.archive.CountByReason(r.Context())
	if err != nil {
		WriteError(w, ErrorFrom(err, "failed to count archive"), h.logger)
		return
	}
	WriteSuccess(w, counts)
}

// HandleReplay 取出归档信封，清除死信头部、重置跳数后重新投递
// POST /v1/deadletters/archive/{id}/replay
func (h *ArchiveHandler) HandleReplay(w http.ResponseWriter, r *http.Request) {
	if h.router == nil {
		WriteErrorMessage(w, http.StatusServiceUnavailable, api.ErrServiceUnavailable, "no routing graph loaded", h.logger)
		return
	}
	id, err := strconv.ParseUint(r.PathValue("id"), 10, 64)
	if err != nil {
		WriteErrorMessage(w, http.StatusBadRequest, api.ErrInvalidRequest, "invalid dead letter id", h.logger)
		return
	}

	rec, err := h.archive.Get(r.Context(), uint(id))
	if err != nil {
		WriteError(w, ErrorFrom(err, "failed to load dead letter"), h.logger)
		return
	}
	env, err := rec.DecodeEnvelope()
	if err != nil {
		WriteError(w, api.NewError(api.ErrInternalError, "archived envelope is corrupt").WithCause(err), h.logger)
		return
	}

	replay := ReplayEnvelope(env)
	out := h.router.Dispatch(r.Context(), replay)
	h.logger.Info("dead letter replayed",
		zap.Uint("record_id", rec.ID),
		zap.String("original_id", env.ID),
		zap.String("status", string(out.Status)),
	)
	WriteSuccess(w, api.NewDispatchResponse(out))
}

// ReplayEnvelope 生成可重新投递的副本：新 ID、跳数归零、去掉死信头部
func ReplayEnvelope(env *bus.Envelope) *bus.Envelope {
	c := env.Clone()
	delete(c.Headers, bus.HeaderDeadLetterReason)
	delete(c.Headers, bus.HeaderDeadLetterRoute)
	delete(c.Headers, bus.HeaderDeadLetterFrom)
	c.WithHeader(HeaderReplayedFrom, env.ID)
	c.ID = uuid.NewString()
	c.HopCount = 0
	c.CreatedAt = time.Now()
	return c
}
