package server

import (
	"context"
	"crypto/tls"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/BaSui01/agentgraph/config"
)

// --- DefaultConfig ---

func TestDefaultConfig_Values(t *testing.T) {
	cfg := DefaultConfig()
	assert.Equal(t, ":8080", cfg.Addr)
	assert.Equal(t, 120*time.Second, cfg.IdleTimeout)
	assert.Equal(t, 1<<20, cfg.MaxHeaderBytes)
}

func TestConfigFrom(t *testing.T) {
	cfg := ConfigFrom(config.ServerConfig{ReadTimeout: 5 * time.Second, ShutdownTimeout: time.Second}, 9091)
	assert.Equal(t, ":9091", cfg.Addr)
	assert.Equal(t, 5*time.Second, cfg.ReadTimeout)
	assert.Equal(t, 30*time.Second, cfg.WriteTimeout)
	assert.Equal(t, time.Second, cfg.ShutdownTimeout)
}

// --- Start / Shutdown lifecycle ---

func newTestManager(handler http.Handler) *Manager {
	cfg := DefaultConfig()
	cfg.Addr = "127.0.0.1:0"
	return NewManager("api", handler, cfg, zap.NewNop())
}

func TestManager_StartAndShutdown(t *testing.T) {
	m := newTestManager(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	}))

	require.NoError(t, m.Start())
	t.Cleanup(func() { _ = m.Shutdown(context.Background()) })

	resp, err := http.Get("http://" + m.Addr() + "/")
	require.NoError(t, err)
	defer resp.Body.Close()

	body, _ := io.ReadAll(resp.Body)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "ok", string(body))

	require.NoError(t, m.Shutdown(context.Background()))
	assert.False(t, m.IsRunning())
}

func TestManager_IsRunningBeforeStart(t *testing.T) {
	m := newTestManager(http.NewServeMux())
	assert.False(t, m.IsRunning())
}

func TestManager_OnShutdownAndConnStats(t *testing.T) {
	release := make(chan struct{})
	m := newTestManager(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// 模拟流连接：劫持后由 OnShutdown 回调释放
		conn, _, err := http.NewResponseController(w).Hijack()
		if err != nil {
			return
		}
		defer conn.Close()
		<-release
	}))

	var drained atomic.Bool
	m.OnShutdown(func() {
		drained.Store(true)
		close(release)
	})
	require.NoError(t, m.Start())

	conn, err := net.Dial("tcp", m.Addr())
	require.NoError(t, err)
	defer conn.Close()
	_, err = conn.Write([]byte("GET /v1/streams/progress/ws HTTP/1.1\r\nHost: test\r\n\r\n"))
	require.NoError(t, err)

	require.Eventually(t, func() bool { return m.Stats().Hijacked == 1 }, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, int64(0), m.Stats().Open)

	require.NoError(t, m.Shutdown(context.Background()))
	assert.Eventually(t, drained.Load, time.Second, 10*time.Millisecond)
}

func TestManager_DoubleStart(t *testing.T) {
	m := newTestManager(http.NewServeMux())
	require.NoError(t, m.Start())
	t.Cleanup(func() { _ = m.Shutdown(context.Background()) })

	err := m.Start()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "already started")
}

func TestManager_ShutdownIdempotent(t *testing.T) {
	m := newTestManager(http.NewServeMux())
	require.NoError(t, m.Start())

	require.NoError(t, m.Shutdown(context.Background()))
	require.NoError(t, m.Shutdown(context.Background()))
}

func TestManager_StartAfterShutdown(t *testing.T) {
	m := newTestManager(http.NewServeMux())
	require.NoError(t, m.Start())
	require.NoError(t, m.Shutdown(context.Background()))

	err := m.Start()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "closed")
}

func TestManager_ListenFailureReported(t *testing.T) {
	first := newTestManager(http.NewServeMux())
	require.NoError(t, first.Start())
	t.Cleanup(func() { _ = first.Shutdown(context.Background()) })

	cfg := DefaultConfig()
	cfg.Addr = first.Addr()
	second := NewManager("metrics", http.NewServeMux(), cfg, nil)
	assert.Error(t, second.Start())

	select {
	case err := <-first.Errors():
		t.Fatalf("unexpected server error: %v", err)
	default:
	}
}

func TestManager_AddrBeforeStart(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Addr = ":9999"
	m := NewManager("api", http.NewServeMux(), cfg, zap.NewNop())
	assert.Equal(t, ":9999", m.Addr())
}

func TestManager_TLS(t *testing.T) {
	// 借用 httptest 的自签名证书，其客户端信任 127.0.0.1
	ref := httptest.NewTLSServer(http.NotFoundHandler())
	defer ref.Close()

	cfg := DefaultConfig()
	cfg.Addr = "127.0.0.1:0"
	cfg.TLS = &tls.Config{Certificates: ref.TLS.Certificates, MinVersion: tls.VersionTLS12}
	m := NewManager("api", http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.NotNil(t, r.TLS)
		w.WriteHeader(http.StatusNoContent)
	}), cfg, zap.NewNop())

	require.NoError(t, m.Start())
	t.Cleanup(func() { _ = m.Shutdown(context.Background()) })

	resp, err := ref.Client().Get("https://" + m.Addr() + "/")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)
}
