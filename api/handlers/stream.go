package handlers

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/BaSui01/agentgraph/api"
	"github.com/BaSui01/agentgraph/bus"
)

// =============================================================================
// Stream WebSocket Handler
// =============================================================================

const streamWriteTimeout = 10 * time.Second

// StreamHandler 将总线流以 WebSocket 推送给客户端，每条消息是一个 JSON 信封
type StreamHandler struct {
	bus            *bus.AgentBus
	originPatterns []string
	logger         *zap.Logger

	drainOnce sync.Once
	draining  chan struct{}
}

// NewStreamHandler 创建流处理器；originPatterns 为空时仅允许同源
func NewStreamHandler(b *bus.AgentBus, originPatterns []string, logger *zap.Logger) *StreamHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &StreamHandler{
		bus:            b,
		originPatterns: originPatterns,
		logger:         logger.With(zap.String("handler", "stream")),
		draining:       make(chan struct{}),
	}
}

// Drain 通知所有打开的流连接以 going away 关闭。
// WebSocket 连接已被劫持，http.Server.Shutdown 不会等待或关闭它们。
func (h *StreamHandler) Drain() {
	h.drainOnce.Do(func() { close(h.draining) })
}

// HandleStream 打开一个流消费者并持续写出信封，直到客户端断开或流消费者关闭
// GET /v1/streams/{stream}/ws
func (h *StreamHandler) HandleStream(w http.ResponseWriter, r *http.Request) {
	stream := r.PathValue("stream")
	if !h.bus.HasStream(stream) {
		WriteErrorMessage(w, http.StatusNotFound, api.ErrNotFound, "stream not found", h.logger)
		return
	}

	consumer, err := h.bus.OpenStream(stream, "ws-"+uuid.NewString())
	if err != nil {
		WriteError(w, ErrorFrom(err, "failed to open stream"), h.logger)
		return
	}
	defer consumer.Close()

	// 服务器 WriteTimeout 会作用到劫持后的连接上，长连接需要清除
	_ = http.NewResponseController(w).SetWriteDeadline(time.Time{})

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{OriginPatterns: h.originPatterns})
	if err != nil {
		h.logger.Debug("websocket accept failed", zap.String("stream", stream), zap.Error(err))
		return
	}
	defer conn.CloseNow()

	logger := h.logger.With(zap.String("stream", stream), zap.String("consumer", consumer.ID()))
	logger.Debug("stream websocket opened")

	// 客户端不发送数据；CloseRead 在对端关闭时取消 ctx
	ctx, cancel := context.WithCancel(conn.CloseRead(r.Context()))
	defer cancel()
	go func() {
		select {
		case <-h.draining:
			conn.Close(websocket.StatusGoingAway, "server shutting down")
			cancel()
		case <-ctx.Done():
		}
	}()

	for {
		env, err := consumer.Receive(ctx)
		if err != nil {
			if errors.Is(err, bus.ErrStreamNotFound) {
				conn.Close(websocket.StatusGoingAway, "stream consumer closed")
			}
			logger.Debug("stream websocket closed", zap.Error(err))
			return
		}
		if err := h.write(ctx, conn, env); err != nil {
			logger.Debug("stream websocket write failed", zap.Error(err))
			return
		}
	}
}

func (h *StreamHandler) write(ctx context.Context, conn *websocket.Conn, env *bus.Envelope) error {
	ctx, cancel := context.WithTimeout(ctx, streamWriteTimeout)
	defer cancel()
	return wsjson.Write(ctx, conn, env)
}
