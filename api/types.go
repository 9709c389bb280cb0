package api

import (
	"errors"
	"fmt"
	"time"

	"github.com/BaSui01/agentgraph/bus"
	"github.com/BaSui01/agentgraph/messagegraph"
)

// =============================================================================
// 错误类型
// =============================================================================

// ErrorCode 管理 API 错误码
type ErrorCode string

const (
	ErrInvalidRequest     ErrorCode = "INVALID_REQUEST"
	ErrUnauthorized       ErrorCode = "UNAUTHORIZED"
	ErrForbidden          ErrorCode = "FORBIDDEN"
	ErrNotFound           ErrorCode = "NOT_FOUND"
	ErrRateLimited        ErrorCode = "RATE_LIMITED"
	ErrNotDelivered       ErrorCode = "NOT_DELIVERED"
	ErrServiceUnavailable ErrorCode = "SERVICE_UNAVAILABLE"
	ErrInternalError      ErrorCode = "INTERNAL_ERROR"
)

// Error 带错误码的结构化错误
type Error struct {
	Code       ErrorCode `json:"code"`
	Message    string    `json:"message"`
	HTTPStatus int       `json:"-"`
	Retryable  bool      `json:"retryable,omitempty"`
	Cause      error     `json:"-"`
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error { return e.Cause }

// NewError 创建错误
func NewError(code ErrorCode, message string) *Error {
	return &Error{Code: code, Message: message}
}

// WithCause 设置底层错误
func (e *Error) WithCause(cause error) *Error {
	e.Cause = cause
	return e
}

// WithHTTPStatus 设置 HTTP 状态码
func (e *Error) WithHTTPStatus(status int) *Error {
	e.HTTPStatus = status
	return e
}

// WithRetryable 标记可重试
func (e *Error) WithRetryable(retryable bool) *Error {
	e.Retryable = retryable
	return e
}

// GetErrorCode 提取错误码
func GetErrorCode(err error) ErrorCode {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return ""
}

// =============================================================================
// 投递类型
// =============================================================================

// DispatchRequest 通过路由图投递一个信封
type DispatchRequest struct {
	Type          string            `json:"type"`
	Sender        string            `json:"sender,omitempty"`
	Payload       map[string]any    `json:"payload,omitempty"`
	Headers       map[string]string `json:"headers,omitempty"`
	CorrelationID string            `json:"correlation_id,omitempty"`
	// Go duration 字符串，例如 "30s"
	TTL string `json:"ttl,omitempty"`
}

// Envelope 将请求转换为信封
func (r DispatchRequest) Envelope() (*bus.Envelope, error) {
	if r.Type == "" {
		return nil, errors.New("type is required")
	}
	env := bus.NewEnvelope(r.Type, r.Payload).WithSender(r.Sender).WithCorrelation(r.CorrelationID)
	for k, v := range r.Headers {
		env.WithHeader(k, v)
	}
	if r.TTL != "" {
		ttl, err := time.ParseDuration(r.TTL)
		if err != nil {
			return nil, fmt.Errorf("invalid ttl: %w", err)
		}
		env.WithTTL(ttl)
	}
	return env, nil
}

// DispatchResponse 单次投递结果
type DispatchResponse struct {
	EnvelopeID string `json:"envelope_id"`
	Status     string `json:"status"`
	Route      string `json:"route,omitempty"`
	Target     string `json:"target,omitempty"`
	Reason     string `json:"reason,omitempty"`
	HopCount   int    `json:"hop_count"`
	Sequence   uint64 `json:"sequence,omitempty"`
	DurationMS int64  `json:"duration_ms"`
	Error      string `json:"error,omitempty"`
}

// NewDispatchResponse 由路由结果构造响应
func NewDispatchResponse(out messagegraph.DispatchOutcome) DispatchResponse {
	resp := DispatchResponse{
		EnvelopeID: out.EnvelopeID,
		Status:     string(out.Status),
		Route:      out.Route,
		Reason:     out.Reason,
		HopCount:   out.HopCount,
		Sequence:   out.Sequence,
		DurationMS: out.Duration.Milliseconds(),
	}
	if out.Target.Kind != "" {
		resp.Target = out.Target.String()
	}
	if out.Err != nil {
		resp.Error = out.Err.Error()
	}
	return resp
}

// =============================================================================
// 总线查看类型
// =============================================================================

// BusOverview 总线概览
type BusOverview struct {
	Capacity        int                 `json:"capacity"`
	Agents          []string            `json:"agents"`
	Topics          []TopicInfo         `json:"topics"`
	Streams         []bus.StreamInfo    `json:"streams"`
	Metrics         bus.MetricsSnapshot `json:"metrics"`
	DeadLetterTopic string              `json:"dead_letter_topic,omitempty"`
}

// TopicInfo 主题及其订阅者
type TopicInfo struct {
	Topic       string   `json:"topic"`
	Subscribers []string `json:"subscribers"`
}

// RouteInfo 路由表中的一条路由
type RouteInfo struct {
	Index     int    `json:"index"`
	Name      string `json:"name"`
	Predicate string `json:"predicate"`
	Target    string `json:"target"`
}

// GraphInfo 路由图概览
type GraphInfo struct {
	ID              string      `json:"id"`
	Description     string      `json:"description,omitempty"`
	HopLimit        int         `json:"hop_limit"`
	DeadLetterTopic string      `json:"dead_letter_topic,omitempty"`
	Agents          []string    `json:"agents"`
	Streams         []string    `json:"streams"`
	Topics          []string    `json:"topics"`
	Routes          []RouteInfo `json:"routes"`
}

// NewGraphInfo 由路由图构造概览
func NewGraphInfo(g *messagegraph.MessageGraph) GraphInfo {
	info := GraphInfo{
		ID:              g.ID(),
		Description:     g.Description(),
		HopLimit:        g.HopLimit(),
		DeadLetterTopic: g.DeadLetterTopic(),
		Agents:          g.Agents(),
		Streams:         g.Streams(),
		Topics:          g.Topics(),
	}
	for i, r := range g.Routes() {
		info.Routes = append(info.Routes, RouteInfo{
			Index:     i,
			Name:      r.Name,
			Predicate: r.Predicate.String(),
			Target:    r.Target.String(),
		})
	}
	return info
}

// =============================================================================
// 死信类型
// =============================================================================

// DeadLetterSummary 死信汇总
type DeadLetterSummary struct {
	Total    uint64            `json:"total"`
	ByReason map[string]uint64 `json:"by_reason"`
	Recent   []bus.DeadLetter  `json:"recent"`
}

// =============================================================================
// 工作流类型
// =============================================================================

// WorkflowInfo 已加载的工作流
type WorkflowInfo struct {
	Name     string   `json:"name"`
	AgentID  string   `json:"agent_id"`
	Entry    string   `json:"entry"`
	Nodes    []string `json:"nodes"`
	MaxSteps int      `json:"max_steps"`
}

// WorkflowRunRequest 同步运行一次工作流
type WorkflowRunRequest struct {
	Payload       map[string]any    `json:"payload,omitempty"`
	Headers       map[string]string `json:"headers,omitempty"`
	CorrelationID string            `json:"correlation_id,omitempty"`
}

// WorkflowRunResponse 运行结果
type WorkflowRunResponse struct {
	RunID      string         `json:"run_id"`
	Workflow   string         `json:"workflow"`
	State      map[string]any `json:"state,omitempty"`
	Error      string         `json:"error,omitempty"`
	DurationMS int64          `json:"duration_ms"`
}
