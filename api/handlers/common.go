package handlers

import (
	"encoding/json"
	"errors"
	"mime"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/BaSui01/agentgraph/api"
	"github.com/BaSui01/agentgraph/bus"
	"github.com/BaSui01/agentgraph/internal/checkpoint"
	"github.com/BaSui01/agentgraph/internal/database"
	"github.com/BaSui01/agentgraph/internal/pool"
	"github.com/BaSui01/agentgraph/messagegraph"
	"github.com/BaSui01/agentgraph/workflow"
)

// =============================================================================
// 📦 通用响应结构
// =============================================================================

// Response 统一 API 响应结构
type Response struct {
	Success   bool       `json:"success"`
	Data      any        `json:"data,omitempty"`
	Error     *ErrorInfo `json:"error,omitempty"`
	Timestamp time.Time  `json:"timestamp"`
	RequestID string     `json:"request_id,omitempty"`
}

// ErrorInfo 错误信息结构
type ErrorInfo struct {
	Code      string `json:"code"`
	Message   string `json:"message"`
	Retryable bool   `json:"retryable,omitempty"`
}

const requestIDHeader = "X-Request-ID"

// =============================================================================
// 🎯 响应辅助函数
// =============================================================================

// WriteJSON 写入 JSON 响应
func WriteJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.Header().Set("X-Content-Type-Options", "nosniff")
	w.WriteHeader(status)
	// 响应头已写出，编码失败只能放弃
	_ = json.NewEncoder(w).Encode(data)
}

// WriteSuccess 写入成功响应。request_id 取自 RequestID 中间件写入的响应头。
func WriteSuccess(w http.ResponseWriter, data any) {
	WriteJSON(w, http.StatusOK, Response{
		Success:   true,
		Data:      data,
		Timestamp: time.Now(),
		RequestID: w.Header().Get(requestIDHeader),
	})
}

// WriteError 写入错误响应。5xx 记 Error，其余记 Warn。
func WriteError(w http.ResponseWriter, err *api.Error, logger *zap.Logger) {
	status := err.HTTPStatus
	if status == 0 {
		status = statusForCode(err.Code)
	}

	if logger != nil {
		fields := []zap.Field{
			zap.String("code", string(err.Code)),
			zap.String("message", err.Message),
			zap.Int("status", status),
			zap.String("request_id", w.Header().Get(requestIDHeader)),
		}
		if err.Cause != nil {
			fields = append(fields, zap.Error(err.Cause))
		}
		if status >= http.StatusInternalServerError {
			logger.Error("API error", fields...)
		} else {
			logger.Warn("API error", fields...)
		}
	}

	WriteJSON(w, status, Response{
		Success: false,
		Error: &ErrorInfo{
			Code:      string(err.Code),
			Message:   err.Message,
			Retryable: err.Retryable,
		},
		Timestamp: time.Now(),
		RequestID: w.Header().Get(requestIDHeader),
	})
}

// WriteErrorMessage 写入简单错误消息
func WriteErrorMessage(w http.ResponseWriter, status int, code api.ErrorCode, message string, logger *zap.Logger) {
	WriteError(w, api.NewError(code, message).WithHTTPStatus(status), logger)
}

// =============================================================================
// 🔄 领域错误映射
// =============================================================================

// ErrorFrom 把总线、路由、工作流与存储层的错误映射为 API 错误。
// 无法识别的错误使用 fallback 作为消息并按内部错误处理。
func ErrorFrom(err error, fallback string) *api.Error {
	var apiErr *api.Error
	if errors.As(err, &apiErr) {
		return apiErr
	}

	switch {
	case errors.Is(err, bus.ErrStreamNotFound),
		errors.Is(err, database.ErrDeadLetterNotFound),
		errors.Is(err, bus.ErrAgentNotRegistered),
		errors.Is(err, workflow.ErrCheckpointNotFound),
		errors.Is(err, workflow.ErrCapabilityNotFound):
		return api.NewError(api.ErrNotFound, err.Error()).WithCause(err)
	case errors.Is(err, bus.ErrInvalidID),
		errors.Is(err, bus.ErrAlreadyRegistered):
		return api.NewError(api.ErrInvalidRequest, err.Error()).WithCause(err)
	case len(messagegraph.ValidationErrors(err)) > 0,
		len(workflow.GraphErrors(err)) > 0:
		return api.NewError(api.ErrInvalidRequest, "invalid graph definition").WithCause(err)
	case errors.Is(err, pool.ErrPoolFull):
		return api.NewError(api.ErrRateLimited, "worker pool is full").WithCause(err).WithRetryable(true)
	case errors.Is(err, bus.ErrBusClosed),
		errors.Is(err, pool.ErrPoolClosed),
		errors.Is(err, checkpoint.ErrStoreClosed),
		errors.Is(err, workflow.ErrCircuitOpen):
		return api.NewError(api.ErrServiceUnavailable, fallback).WithCause(err).WithRetryable(true)
	default:
		return api.NewError(api.ErrInternalError, fallback).WithCause(err)
	}
}

func statusForCode(code api.ErrorCode) int {
	switch code {
	case api.ErrInvalidRequest:
		return http.StatusBadRequest
	case api.ErrUnauthorized:
		return http.StatusUnauthorized
	case api.ErrForbidden:
		return http.StatusForbidden
	case api.ErrNotFound:
		return http.StatusNotFound
	case api.ErrRateLimited:
		return http.StatusTooManyRequests
	case api.ErrNotDelivered:
		return http.StatusUnprocessableEntity
	case api.ErrServiceUnavailable:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// =============================================================================
// 🛡️ 请求校验
// =============================================================================

const maxBodyBytes = 1 << 20

// DecodeJSONBody 解码 JSON 请求体（1 MB 上限，拒绝未知字段）
func DecodeJSONBody(w http.ResponseWriter, r *http.Request, dst any, logger *zap.Logger) error {
	if r.Body == nil || r.Body == http.NoBody {
		err := api.NewError(api.ErrInvalidRequest, "request body is empty")
		WriteError(w, err, logger)
		return err
	}

	decoder := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	decoder.DisallowUnknownFields()

	if err := decoder.Decode(dst); err != nil {
		msg := "invalid JSON body"
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			msg = "request body too large"
		}
		apiErr := api.NewError(api.ErrInvalidRequest, msg).WithCause(err)
		WriteError(w, apiErr, logger)
		return apiErr
	}
	return nil
}

// ValidateContentType 要求 application/json
func ValidateContentType(w http.ResponseWriter, r *http.Request, logger *zap.Logger) bool {
	mediaType, _, err := mime.ParseMediaType(r.Header.Get("Content-Type"))
	if err != nil || mediaType != "application/json" {
		WriteError(w, api.NewError(api.ErrInvalidRequest, "Content-Type must be application/json"), logger)
		return false
	}
	return true
}
