package health

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/heptiolabs/healthcheck"
	"go.uber.org/zap"

	"bulkmail/backend/internal/logger"
	"bulkmail/backend/internal/storage"
)

const checkTimeout = 5 * time.Second

// Pinger 可以探测连通性的依赖（Redis、PostgreSQL 连接池）
type Pinger interface {
	Ping(ctx context.Context) error
}

// Runner 报告后台组件是否在运行
type Runner interface {
	Running() bool
}

// HealthChecker 健康检查器
//
// 存活检查只关心进程本身（调度器、协程数量），
// 就绪检查额外探测存储和 Redis 等外部依赖。
type HealthChecker struct {
	health healthcheck.Handler
	store  storage.Store
	logger *zap.Logger
}

// NewHealthChecker 创建健康检查器
func NewHealthChecker(store storage.Store, logger *zap.Logger) *HealthChecker {
	hc := &HealthChecker{
		health: healthcheck.NewHandler(),
		store:  store,
		logger: logger,
	}

	hc.addChecks()

	return hc
}

func (hc *HealthChecker) addChecks() {
	hc.health.AddReadinessCheck("database", healthcheck.Timeout(func() error {
		ctx, cancel := context.WithTimeout(context.Background(), checkTimeout)
		defer cancel()
		return hc.store.Health(ctx)
	}, checkTimeout))

	hc.health.AddLivenessCheck("goroutines", healthcheck.GoroutineCountCheck(10000))
}

// AddDependency 添加外部依赖的就绪检查
func (hc *HealthChecker) AddDependency(name string, p Pinger) {
	hc.health.AddReadinessCheck(name, PingCheck(p))
}

// AddRunner 添加后台组件的存活检查
func (hc *HealthChecker) AddRunner(name string, r Runner) {
	hc.health.AddLivenessCheck(name, func() error {
		if !r.Running() {
			return fmt.Errorf("%s is not running", name)
		}
		return nil
	})
}

// Handler 返回健康检查处理器（/live 和 /ready）
func (hc *HealthChecker) Handler() http.Handler {
	return hc.health
}

// LiveEndpoint 存活检查
func (hc *HealthChecker) LiveEndpoint(w http.ResponseWriter, r *http.Request) {
	hc.health.LiveEndpoint(w, r)
}

// ReadyEndpoint 就绪检查
func (hc *HealthChecker) ReadyEndpoint(w http.ResponseWriter, r *http.Request) {
	hc.health.ReadyEndpoint(w, r)
}

// CheckHealth 执行全部检查并返回每项的结果
func (hc *HealthChecker) CheckHealth(ctx context.Context) map[string]string {
	results := make(map[string]string)

	if err := hc.store.Health(ctx); err != nil {
		logger.OrNop(hc.logger).Warn("database health check failed", zap.Error(err))
		results["database"] = fmt.Sprintf("ERROR: %v", err)
	} else {
		results["database"] = "OK"
	}

	results["timestamp"] = time.Now().Format(time.RFC3339)
	return results
}

// PingCheck 把 Pinger 包装成带超时的检查
func PingCheck(p Pinger) healthcheck.Check {
	return func() error {
		if p == nil {
			return errors.New("dependency not configured")
		}
		ctx, cancel := context.WithTimeout(context.Background(), checkTimeout)
		defer cancel()
		return p.Ping(ctx)
	}
}
