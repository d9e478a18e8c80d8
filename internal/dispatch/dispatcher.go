// Package dispatch 发件调度：把发件组的条目分配给发件箱、代理和发送插件
package dispatch

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"bulkmail/backend/internal/domain"
	"bulkmail/backend/internal/logger"
	"bulkmail/backend/internal/monitoring"
	"bulkmail/backend/internal/outbox"
	"bulkmail/backend/internal/pool"
	"bulkmail/backend/internal/proxy"
	"bulkmail/backend/internal/sender"
	"bulkmail/backend/internal/storage"
)

// ErrGroupNotRunning 发件组不在调度中
var ErrGroupNotRunning = errors.New("dispatch: sending group is not running")

// Decrypter 发件箱凭据解密
type Decrypter interface {
	Decrypt(ownerID int64, ciphertext string) (string, error)
}

// Publisher 进度事件发布
type Publisher interface {
	PublishProgress(ctx context.Context, event *domain.ProgressEvent) error
}

// Config 调度参数
type Config struct {
	Workers           int
	Cooldown          time.Duration // 每次发送后发件箱冷却时间
	DefaultMaxRetry   int           // 发件组未指定重试次数时使用
	MaxSendsPerSecond float64       // 全局速率，0 表示不限制
	PollInterval      time.Duration
	ProxyTTL          time.Duration // 动态代理有效期
	ProxyMaxPerDomain int           // <=0 表示不限制
	StatsInterval     time.Duration // 指标刷新和禁用发件箱清理间隔
}

// Deps 调度依赖
type Deps struct {
	Store     storage.Store
	Secrets   Decrypter
	Senders   *sender.Registry
	Proxies   *proxy.Manager
	Metrics   *monitoring.Metrics // 可为 nil
	Publisher Publisher           // 可为 nil
	Logger    *zap.Logger
}

// Dispatcher 发件调度器
type Dispatcher struct {
	cfg       Config
	store     storage.Store
	secrets   Decrypter
	senders   *sender.Registry
	proxies   *proxy.Manager
	metrics   *monitoring.Metrics
	publisher Publisher
	limiter   *rate.Limiter
	pool      *outbox.Pool
	workers   *pool.WorkerPool
	log       *zap.Logger

	mu     sync.Mutex
	groups map[int64]*groupTask
	order  []int64 // 轮询顺序
	next   int

	startMu sync.Mutex
	started bool
	cancel  context.CancelFunc
	bg      sync.WaitGroup

	now func() time.Time
}

// New 创建调度器
func New(cfg Config, deps Deps) (*Dispatcher, error) {
	if deps.Store == nil || deps.Senders == nil || deps.Proxies == nil || deps.Secrets == nil {
		return nil, errors.New("dispatch: store, secrets, senders and proxies are required")
	}
	if cfg.Workers <= 0 {
		cfg.Workers = 1
	}
	if cfg.StatsInterval <= 0 {
		cfg.StatsInterval = 5 * time.Second
	}

	log := logger.OrNop(deps.Logger).Named("dispatch")
	d := &Dispatcher{
		cfg:       cfg,
		store:     deps.Store,
		secrets:   deps.Secrets,
		senders:   deps.Senders,
		proxies:   deps.Proxies,
		metrics:   deps.Metrics,
		publisher: deps.Publisher,
		pool:      outbox.NewPool(log),
		log:       log,
		groups:    make(map[int64]*groupTask),
		now:       time.Now,
	}
	if cfg.MaxSendsPerSecond > 0 {
		burst := int(cfg.MaxSendsPerSecond)
		if burst < 1 {
			burst = 1
		}
		d.limiter = rate.NewLimiter(rate.Limit(cfg.MaxSendsPerSecond), burst)
	}
	d.workers = pool.NewWorkerPool(cfg.Workers, cfg.PollInterval, d.step, log)
	return d, nil
}

// Start 启动工作协程和指标刷新
func (d *Dispatcher) Start(ctx context.Context) {
	d.startMu.Lock()
	defer d.startMu.Unlock()
	if d.started {
		return
	}
	d.started = true

	ctx, d.cancel = context.WithCancel(ctx)
	d.workers.Start(ctx)

	d.bg.Add(1)
	go func() {
		defer d.bg.Done()
		d.statsLoop(ctx)
	}()

	d.log.Info("dispatcher started",
		zap.Int("workers", d.cfg.Workers),
		zap.Duration("cooldown", d.cfg.Cooldown),
		zap.Float64("max_sends_per_second", d.cfg.MaxSendsPerSecond),
	)
}

// Stop 停止调度，等待进行中的发送结束
func (d *Dispatcher) Stop() {
	d.startMu.Lock()
	if !d.started {
		d.startMu.Unlock()
		return
	}
	d.started = false
	d.cancel()
	d.startMu.Unlock()

	d.workers.Stop()
	d.bg.Wait()
	d.pool.Close()
	d.log.Info("dispatcher stopped")
}

// Running 调度器是否已启动
func (d *Dispatcher) Running() bool {
	d.startMu.Lock()
	defer d.startMu.Unlock()
	return d.started
}

// StartSending 唤醒最多 n 个空闲工作协程
func (d *Dispatcher) StartSending(n int) {
	if n <= 0 {
		return
	}
	d.workers.Wake(n)
}

// Pool 发件箱池
func (d *Dispatcher) Pool() *outbox.Pool {
	return d.pool
}

func (d *Dispatcher) statsLoop(ctx context.Context) {
	ticker := time.NewTicker(d.cfg.StatsInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			for _, a := range d.pool.RemoveDisabled() {
				d.log.Info("disabled outbox removed from pool",
					zap.Int64("outbox_id", a.ID),
					zap.String("reason", a.DisabledReason()),
				)
			}
			d.updateGauges()
		}
	}
}

func (d *Dispatcher) updateGauges() {
	if d.metrics == nil {
		return
	}

	waiting, inFlight := 0, 0
	groups := d.running()
	for _, t := range groups {
		waiting += t.list.WaitingCount()
		inFlight += t.list.InFlightCount()
	}
	d.metrics.UpdateQueue(waiting, inFlight, len(groups), d.workers.Busy(), d.pool.Len())

	proxies := d.proxies.Snapshot()
	healthy := 0
	for _, p := range proxies {
		if p.Healthy {
			healthy++
		}
	}
	d.metrics.UpdateProxies(healthy, len(proxies))
}

// publish 发布进度事件，失败只记录日志
func (d *Dispatcher) publish(ctx context.Context, event *domain.ProgressEvent) {
	if d.publisher == nil {
		return
	}
	event.Timestamp = d.now().UTC()
	if err := d.publisher.PublishProgress(ctx, event); err != nil {
		d.log.Warn("publish progress failed",
			zap.Int64("group_id", event.GroupID),
			zap.String("type", string(event.Type)),
			zap.Error(err),
		)
	}
}

// persistCtx 持久化使用的上下文，不随工作协程退出而取消
func persistCtx(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
}
