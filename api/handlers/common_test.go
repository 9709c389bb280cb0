package handlers

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/BaSui01/agentgraph/api"
	"github.com/BaSui01/agentgraph/bus"
	"github.com/BaSui01/agentgraph/internal/checkpoint"
	"github.com/BaSui01/agentgraph/internal/database"
	"github.com/BaSui01/agentgraph/internal/pool"
	"github.com/BaSui01/agentgraph/messagegraph"
	"github.com/BaSui01/agentgraph/workflow"
)

func decodeResponse(t *testing.T, w *httptest.ResponseRecorder) Response {
	t.Helper()
	var resp Response
	require.NoError(t, json.NewDecoder(w.Body).Decode(&resp))
	return resp
}

// =============================================================================
// 🧪 响应辅助函数
// =============================================================================

func TestWriteSuccess_CarriesRequestID(t *testing.T) {
	w := httptest.NewRecorder()
	w.Header().Set("X-Request-ID", "req-42")

	WriteSuccess(w, map[string]string{"graph": "edge"})

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "application/json; charset=utf-8", w.Header().Get("Content-Type"))
	assert.Equal(t, "nosniff", w.Header().Get("X-Content-Type-Options"))

	resp := decodeResponse(t, w)
	assert.True(t, resp.Success)
	assert.Equal(t, "req-42", resp.RequestID)
	assert.Equal(t, map[string]any{"graph": "edge"}, resp.Data)
	assert.Nil(t, resp.Error)
	assert.False(t, resp.Timestamp.IsZero())
}

func TestWriteError(t *testing.T) {
	tests := []struct {
		name       string
		err        *api.Error
		wantStatus int
		wantLevel  zapcore.Level
	}{
		{"invalid request", api.NewError(api.ErrInvalidRequest, "type is required"), http.StatusBadRequest, zapcore.WarnLevel},
		{"not found", api.NewError(api.ErrNotFound, "stream not found"), http.StatusNotFound, zapcore.WarnLevel},
		{"rate limited", api.NewError(api.ErrRateLimited, "worker pool is full"), http.StatusTooManyRequests, zapcore.WarnLevel},
		{"not delivered", api.NewError(api.ErrNotDelivered, "target full"), http.StatusUnprocessableEntity, zapcore.WarnLevel},
		{"unavailable", api.NewError(api.ErrServiceUnavailable, "bus closed"), http.StatusServiceUnavailable, zapcore.ErrorLevel},
		{"unknown code", api.NewError("SOMETHING_ELSE", "boom"), http.StatusInternalServerError, zapcore.ErrorLevel},
		{"explicit status wins", api.NewError(api.ErrInternalError, "archive disabled").WithHTTPStatus(http.StatusNotImplemented), http.StatusNotImplemented, zapcore.ErrorLevel},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			core, logs := observer.New(zapcore.DebugLevel)
			w := httptest.NewRecorder()
			w.Header().Set("X-Request-ID", "req-7")

			WriteError(w, tt.err, zap.New(core))

			assert.Equal(t, tt.wantStatus, w.Code)
			resp := decodeResponse(t, w)
			assert.False(t, resp.Success)
			assert.Nil(t, resp.Data)
			require.NotNil(t, resp.Error)
			assert.Equal(t, string(tt.err.Code), resp.Error.Code)
			assert.Equal(t, tt.err.Message, resp.Error.Message)
			assert.Equal(t, "req-7", resp.RequestID)

			entries := logs.All()
			require.Len(t, entries, 1)
			assert.Equal(t, tt.wantLevel, entries[0].Level)
			assert.Equal(t, "req-7", entries[0].ContextMap()["request_id"])
		})
	}
}

func TestWriteError_NilLogger(t *testing.T) {
	w := httptest.NewRecorder()
	assert.NotPanics(t, func() {
		WriteErrorMessage(w, http.StatusConflict, api.ErrInvalidRequest, "duplicate", nil)
	})
	assert.Equal(t, http.StatusConflict, w.Code)
}

// =============================================================================
// 🔄 领域错误映射
// =============================================================================

func TestErrorFrom(t *testing.T) {
	tests := []struct {
		name          string
		err           error
		wantCode      api.ErrorCode
		wantRetryable bool
	}{
		{"stream", fmt.Errorf("open: %w", bus.ErrStreamNotFound), api.ErrNotFound, false},
		{"agent", bus.ErrAgentNotRegistered, api.ErrNotFound, false},
		{"archived dead letter", fmt.Errorf("get 9: %w", database.ErrDeadLetterNotFound), api.ErrNotFound, false},
		{"checkpoint", workflow.ErrCheckpointNotFound, api.ErrNotFound, false},
		{"invalid id", bus.ErrInvalidID, api.ErrInvalidRequest, false},
		{"router validation", errors.Join(
			&messagegraph.ValidationError{Graph: "edge", Kind: messagegraph.ValErrDanglingTarget},
		), api.ErrInvalidRequest, false},
		{"workflow compile", &workflow.GraphError{Graph: "support", Kind: workflow.GraphErrMissingEntry}, api.ErrInvalidRequest, false},
		{"pool full", pool.ErrPoolFull, api.ErrRateLimited, true},
		{"bus closed", bus.ErrBusClosed, api.ErrServiceUnavailable, true},
		{"checkpoint store closed", checkpoint.ErrStoreClosed, api.ErrServiceUnavailable, true},
		{"circuit open", &workflow.CapabilityError{Capability: "model", Kind: workflow.CapabilityUnavailable, Err: workflow.ErrCircuitOpen}, api.ErrServiceUnavailable, true},
		{"unknown", errors.New("disk on fire"), api.ErrInternalError, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := ErrorFrom(tt.err, "operation failed")
			assert.Equal(t, tt.wantCode, got.Code)
			assert.Equal(t, tt.wantRetryable, got.Retryable)
			assert.ErrorIs(t, got, tt.err)
		})
	}
}

func TestErrorFrom_PassesAPIErrorThrough(t *testing.T) {
	orig := api.NewError(api.ErrUnauthorized, "token expired")
	wrapped := fmt.Errorf("auth: %w", orig)
	assert.Same(t, orig, ErrorFrom(wrapped, "ignored"))
}

func TestErrorFrom_FallbackMessage(t *testing.T) {
	got := ErrorFrom(errors.New("pq: connection refused"), "failed to query archive")
	assert.Equal(t, "failed to query archive", got.Message)
	assert.Equal(t, http.StatusInternalServerError, statusForCode(got.Code))
}

// =============================================================================
// 🛡️ 请求校验
// =============================================================================

func TestDecodeJSONBody(t *testing.T) {
	type dispatchBody struct {
		Type    string         `json:"type"`
		Payload map[string]any `json:"payload"`
	}

	tests := []struct {
		name    string
		body    string
		wantErr string
	}{
		{name: "valid", body: `{"type":"order.created","payload":{"id":"o-1"}}`},
		{name: "trailing comma", body: `{"type":"x",}`, wantErr: "invalid JSON body"},
		{name: "unknown field", body: `{"type":"x","hops":3}`, wantErr: "invalid JSON body"},
		{name: "empty body", body: "", wantErr: "request body is empty"},
		{name: "too large", body: `{"type":"` + strings.Repeat("x", 2<<20) + `"}`, wantErr: "request body too large"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := httptest.NewRequest(http.MethodPost, "/v1/dispatch", nil)
			if tt.body != "" {
				r = httptest.NewRequest(http.MethodPost, "/v1/dispatch", strings.NewReader(tt.body))
			}
			w := httptest.NewRecorder()

			var dst dispatchBody
			err := DecodeJSONBody(w, r, &dst, zap.NewNop())

			if tt.wantErr == "" {
				require.NoError(t, err)
				assert.Equal(t, "order.created", dst.Type)
				assert.Equal(t, "o-1", dst.Payload["id"])
				return
			}
			require.Error(t, err)
			assert.Equal(t, http.StatusBadRequest, w.Code)
			assert.Equal(t, tt.wantErr, decodeResponse(t, w).Error.Message)
		})
	}
}

func TestValidateContentType(t *testing.T) {
	tests := []struct {
		contentType string
		want        bool
	}{
		{"application/json", true},
		{"application/json; charset=utf-8", true},
		{"application/json; charset=UTF-8", true},
		{"text/plain", false},
		{"application/x-www-form-urlencoded", false},
		{"", false},
	}

	for _, tt := range tests {
		t.Run(tt.contentType, func(t *testing.T) {
			r := httptest.NewRequest(http.MethodPost, "/v1/dispatch", nil)
			r.Header.Set("Content-Type", tt.contentType)
			w := httptest.NewRecorder()

			assert.Equal(t, tt.want, ValidateContentType(w, r, zap.NewNop()))
			if !tt.want {
				assert.Equal(t, http.StatusBadRequest, w.Code)
			}
		})
	}
}
