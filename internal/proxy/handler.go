package proxy

import (
	"context"
	"net/url"
	"regexp"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/net/idna"

	"bulkmail/backend/internal/domain"
)

const (
	// DefaultCheckInterval 健康检测间隔
	DefaultCheckInterval = 20 * time.Second
	// dynamicThreshold 剩余有效期小于该值的代理视为动态代理
	dynamicThreshold = 30 * time.Minute
	// dynamicFailureBudget 动态代理连续检测失败次数上限，超过后停止检测
	dynamicFailureBudget = 2
)

// CheckerSource 返回当前可用的健康检测服务
type CheckerSource func() []HealthChecker

// Handler 代理运行时包装
//
// 可用 ⇔ 已激活 ∧ 健康。健康标志由后台检测循环更新，读取方可能看到上一个周期的值。
type Handler struct {
	mu           sync.RWMutex
	proxy        domain.Proxy
	url          *url.URL
	regex        *regexp.Regexp
	regexInvalid bool
	zone         domain.ProxyZoneType
	ownerID      int64
	expiresAt    time.Time // 零值表示永不过期
	maxPerDomain int

	usageMu sync.RWMutex
	usage   map[string]*atomic.Int64

	clientMu  sync.Mutex
	client    *Client
	clientErr error

	healthy  atomic.Bool
	failures atomic.Int32

	loopMu     sync.Mutex
	loopCancel context.CancelFunc
	loopDone   chan struct{}

	parent   context.Context
	checkers CheckerSource
	interval time.Duration
	log      *zap.Logger
	now      func() time.Time
}

// NewHandler 创建代理包装，需调用 Update 之后才会开始检测
//
// 参数:
//   - ctx: 检测循环的父上下文
//   - checkers: 健康检测服务来源
//   - interval: 检测间隔，<= 0 时使用默认值 20s
//   - log: 日志记录器
func NewHandler(ctx context.Context, checkers CheckerSource, interval time.Duration, log *zap.Logger) *Handler {
	if interval <= 0 {
		interval = DefaultCheckInterval
	}
	if log == nil {
		log = zap.NewNop()
	}
	if checkers == nil {
		checkers = func() []HealthChecker { return nil }
	}
	return &Handler{
		usage:        make(map[string]*atomic.Int64),
		maxPerDomain: -1,
		parent:       ctx,
		checkers:     checkers,
		interval:     interval,
		log:          log,
		now:          time.Now,
	}
}

// Update 更新代理配置并启动健康检测
//
// 参数:
//   - p: 代理配置
//   - zone: 区域类型，Default 表示保持原区域
//   - ttl: 有效期，<= 0 表示永不过期
//   - maxPerDomain: 每个收件域名最多使用次数，负数表示不限
//   - ownerID: 使用者 ID
//
// 检测循环已在运行时不会重复启动
func (h *Handler) Update(p *domain.Proxy, zone domain.ProxyZoneType, ttl time.Duration, maxPerDomain int, ownerID int64) {
	u, urlErr := url.Parse(p.URL)

	var re *regexp.Regexp
	var reErr error
	if strings.TrimSpace(p.MatchRegex) != "" {
		re, reErr = regexp.Compile(p.MatchRegex)
	}

	h.mu.Lock()
	h.proxy = *p
	h.url = u
	if urlErr != nil {
		h.url = nil
	}
	h.regex = re
	h.regexInvalid = reErr != nil
	if zone != domain.ProxyZoneDefault {
		h.zone = zone
	}
	h.ownerID = ownerID
	if ttl > 0 {
		h.expiresAt = h.now().Add(ttl)
	} else {
		h.expiresAt = time.Time{}
	}
	h.maxPerDomain = maxPerDomain
	h.mu.Unlock()

	if urlErr != nil {
		h.log.Error("invalid proxy url", zap.Int64("proxy_id", p.ID), zap.Error(urlErr))
	}
	if reErr != nil {
		h.log.Error("invalid proxy match regex",
			zap.Int64("proxy_id", p.ID),
			zap.String("regex", p.MatchRegex),
			zap.Error(reErr),
		)
	}

	h.usageMu.Lock()
	h.usage = make(map[string]*atomic.Int64)
	h.usageMu.Unlock()

	h.clientMu.Lock()
	h.client = nil
	h.clientErr = nil
	h.clientMu.Unlock()

	h.failures.Store(0)
	h.arm()
}

// ID 代理 ID
func (h *Handler) ID() int64 {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.proxy.ID
}

// OwnerID 使用者 ID
func (h *Handler) OwnerID() int64 {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.ownerID
}

// URL 代理地址
func (h *Handler) URL() *url.URL {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.url
}

// IsHealthy 最近一次检测结果
func (h *Handler) IsHealthy() bool {
	return h.healthy.Load()
}

// IsUsable 是否可用（已激活且健康）
func (h *Handler) IsUsable() bool {
	h.mu.RLock()
	active := h.proxy.IsActive
	h.mu.RUnlock()
	return active && h.healthy.Load()
}

// IsExpired 是否已过期
func (h *Handler) IsExpired() bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return !h.expiresAt.IsZero() && h.now().After(h.expiresAt)
}

// IsDynamic 剩余有效期小于 30 分钟时视为动态代理
func (h *Handler) IsDynamic() bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if h.expiresAt.IsZero() {
		return false
	}
	return h.expiresAt.Sub(h.now()) < dynamicThreshold
}

// HealthCheck 执行一次健康检测
//
// 按 Order 顺序依次尝试启用且区域匹配的检测服务，第一个成功即视为健康；全部失败视为不健康；
// 没有可用的检测服务时保持原值，但已过期的代理强制为不健康。
func (h *Handler) HealthCheck(ctx context.Context) bool {
	checkers := h.eligibleCheckers()
	if len(checkers) == 0 {
		if h.IsExpired() {
			h.healthy.Store(false)
		}
		return h.healthy.Load()
	}

	u := h.URL()
	if u == nil {
		h.healthy.Store(false)
		return false
	}

	for _, c := range checkers {
		ip, err := c.GetIP(ctx, u)
		if err != nil {
			h.log.Debug("proxy health check failed",
				zap.Int64("proxy_id", h.ID()),
				zap.String("checker", c.Name()),
				zap.Error(err),
			)
			continue
		}

		h.log.Debug("proxy healthy",
			zap.Int64("proxy_id", h.ID()),
			zap.String("checker", c.Name()),
			zap.String("ip", ip),
		)
		h.healthy.Store(true)
		return true
	}

	h.healthy.Store(false)
	return false
}

// eligibleCheckers 过滤并排序检测服务
func (h *Handler) eligibleCheckers() []HealthChecker {
	h.mu.RLock()
	zone := h.zone
	h.mu.RUnlock()

	all := h.checkers()
	out := make([]HealthChecker, 0, len(all))
	for _, c := range all {
		if c == nil || !c.Enabled() {
			continue
		}
		if !c.ZoneType().Contains(zone) {
			continue
		}
		out = append(out, c)
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Order() < out[j].Order() })
	return out
}

// arm 启动检测循环（已运行时不做任何事）
func (h *Handler) arm() {
	h.loopMu.Lock()
	defer h.loopMu.Unlock()

	if h.loopCancel != nil {
		return
	}

	parent := h.parent
	if parent == nil {
		parent = context.Background()
	}
	ctx, cancel := context.WithCancel(parent)
	done := make(chan struct{})
	h.loopCancel = cancel
	h.loopDone = done

	go h.loop(ctx, done)
}

// loop 周期性检测，动态代理连续失败后自行停止
func (h *Handler) loop(ctx context.Context, done chan struct{}) {
	defer close(done)

	ticker := time.NewTicker(h.interval)
	defer ticker.Stop()

	for {
		if h.HealthCheck(ctx) {
			h.failures.Store(0)
		} else if h.failures.Add(1) >= dynamicFailureBudget && h.IsDynamic() {
			h.log.Info("dynamic proxy unreachable, health check stopped",
				zap.Int64("proxy_id", h.ID()),
			)
			h.loopMu.Lock()
			if h.loopDone == done {
				h.loopCancel()
				h.loopCancel = nil
				h.loopDone = nil
			}
			h.loopMu.Unlock()
			return
		}

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// IsChecking 检测循环是否在运行
func (h *Handler) IsChecking() bool {
	h.loopMu.Lock()
	defer h.loopMu.Unlock()
	return h.loopCancel != nil
}

// Close 停止检测循环
func (h *Handler) Close() {
	h.loopMu.Lock()
	cancel := h.loopCancel
	done := h.loopDone
	h.loopCancel = nil
	h.loopDone = nil
	h.loopMu.Unlock()

	if cancel != nil {
		cancel()
		<-done
	}
}

// IsMatch 判断代理是否可以用于该收件地址（只读）
func (h *Handler) IsMatch(email string) bool {
	h.mu.RLock()
	re := h.regex
	invalid := h.regexInvalid
	limit := h.maxPerDomain
	h.mu.RUnlock()

	if invalid {
		return false
	}
	if re != nil && !re.MatchString(email) {
		return false
	}
	if limit >= 0 && h.UsageCount(email) >= int64(limit) {
		return false
	}
	return true
}

// RecordUsage 记录一次对收件域名的使用
func (h *Handler) RecordUsage(email string) {
	key := normalizeDomain(email)

	h.usageMu.RLock()
	counter, ok := h.usage[key]
	h.usageMu.RUnlock()

	if !ok {
		h.usageMu.Lock()
		counter, ok = h.usage[key]
		if !ok {
			counter = new(atomic.Int64)
			h.usage[key] = counter
		}
		h.usageMu.Unlock()
	}

	counter.Add(1)
}

// UsageCount 收件域名已使用次数
func (h *Handler) UsageCount(email string) int64 {
	h.usageMu.RLock()
	defer h.usageMu.RUnlock()

	if counter, ok := h.usage[normalizeDomain(email)]; ok {
		return counter.Load()
	}
	return 0
}

// BuildClient 记录使用并返回（缓存的）代理客户端
//
// 协议不支持时返回 nil 和错误，调用方应跳过该代理
func (h *Handler) BuildClient(email string) (*Client, error) {
	h.RecordUsage(email)

	h.clientMu.Lock()
	defer h.clientMu.Unlock()

	if h.client != nil || h.clientErr != nil {
		return h.client, h.clientErr
	}

	client, err := NewClient(h.URL())
	if err != nil {
		h.clientErr = err
		h.log.Error("cannot build proxy client",
			zap.Int64("proxy_id", h.ID()),
			zap.Error(err),
		)
		return nil, err
	}

	h.client = client
	return client, nil
}

// Status 代理运行状态快照
type Status struct {
	ID        int64      `json:"id"`
	Scheme    string     `json:"scheme"`
	Host      string     `json:"host"`
	Active    bool       `json:"active"`
	Healthy   bool       `json:"healthy"`
	Dynamic   bool       `json:"dynamic"`
	Checking  bool       `json:"checking"`
	ExpiresAt *time.Time `json:"expiresAt,omitempty"`
	Domains   int        `json:"domains"`
}

// Snapshot 返回状态快照
func (h *Handler) Snapshot() Status {
	h.mu.RLock()
	s := Status{
		ID:     h.proxy.ID,
		Active: h.proxy.IsActive,
	}
	if h.url != nil {
		s.Scheme = h.url.Scheme
		s.Host = h.url.Host
	}
	if !h.expiresAt.IsZero() {
		exp := h.expiresAt
		s.ExpiresAt = &exp
	}
	h.mu.RUnlock()

	h.usageMu.RLock()
	s.Domains = len(h.usage)
	h.usageMu.RUnlock()

	s.Healthy = h.healthy.Load()
	s.Dynamic = h.IsDynamic()
	s.Checking = h.IsChecking()
	return s
}

// normalizeDomain 取 '@' 之后的部分并转为小写 ASCII（IDNA）
func normalizeDomain(email string) string {
	d := domain.EmailDomain(email)
	if d == "" {
		return ""
	}
	if ascii, err := idna.Lookup.ToASCII(d); err == nil {
		return ascii
	}
	return d
}
