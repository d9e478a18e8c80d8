package health

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"

	"bulkmail/backend/internal/storage/memory"
)

type pingerFunc func(ctx context.Context) error

func (f pingerFunc) Ping(ctx context.Context) error { return f(ctx) }

type runner bool

func (r runner) Running() bool { return bool(r) }

func serve(h http.HandlerFunc) int {
	rec := httptest.NewRecorder()
	h(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	return rec.Code
}

func TestHealthChecker(t *testing.T) {
	t.Run("全部正常", func(t *testing.T) {
		hc := NewHealthChecker(memory.NewStore(), nil)
		hc.AddDependency("redis", pingerFunc(func(context.Context) error { return nil }))
		hc.AddRunner("dispatcher", runner(true))

		assert.Equal(t, http.StatusOK, serve(hc.LiveEndpoint))
		assert.Equal(t, http.StatusOK, serve(hc.ReadyEndpoint))
	})

	t.Run("依赖不可用时未就绪但仍存活", func(t *testing.T) {
		hc := NewHealthChecker(memory.NewStore(), nil)
		hc.AddDependency("redis", pingerFunc(func(context.Context) error { return errors.New("connection refused") }))

		assert.Equal(t, http.StatusOK, serve(hc.LiveEndpoint))
		assert.Equal(t, http.StatusServiceUnavailable, serve(hc.ReadyEndpoint))
	})

	t.Run("调度器停止", func(t *testing.T) {
		hc := NewHealthChecker(memory.NewStore(), nil)
		hc.AddRunner("dispatcher", runner(false))

		assert.Equal(t, http.StatusServiceUnavailable, serve(hc.LiveEndpoint))
		// 就绪检查包含存活检查
		assert.Equal(t, http.StatusServiceUnavailable, serve(hc.ReadyEndpoint))
	})

	t.Run("CheckHealth", func(t *testing.T) {
		hc := NewHealthChecker(memory.NewStore(), nil)
		results := hc.CheckHealth(context.Background())
		assert.Equal(t, "OK", results["database"])
		assert.NotEmpty(t, results["timestamp"])
	})

	t.Run("未配置的依赖", func(t *testing.T) {
		assert.Error(t, PingCheck(nil)())
	})
}
