package proxy

import (
	"context"
	"math/rand/v2"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"bulkmail/backend/internal/domain"
)

// Manager 代理池，按代理 ID 管理 Handler
type Manager struct {
	mu       sync.RWMutex
	handlers map[int64]*Handler

	ctx      context.Context
	cancel   context.CancelFunc
	checkers []HealthChecker
	interval time.Duration
	log      *zap.Logger
}

// NewManager 创建代理池
func NewManager(ctx context.Context, checkers []HealthChecker, interval time.Duration, log *zap.Logger) *Manager {
	if log == nil {
		log = zap.NewNop()
	}
	ctx, cancel := context.WithCancel(ctx)
	return &Manager{
		handlers: make(map[int64]*Handler),
		ctx:      ctx,
		cancel:   cancel,
		checkers: checkers,
		interval: interval,
		log:      log,
	}
}

// Checkers 返回检测服务列表
func (m *Manager) Checkers() []HealthChecker {
	return m.checkers
}

// Assign 分配代理：不存在时创建，存在时更新
func (m *Manager) Assign(p *domain.Proxy, zone domain.ProxyZoneType, ttl time.Duration, maxPerDomain int, ownerID int64) *Handler {
	m.mu.Lock()
	h, ok := m.handlers[p.ID]
	if !ok {
		h = NewHandler(m.ctx, m.Checkers, m.interval, m.log)
		m.handlers[p.ID] = h
	}
	m.mu.Unlock()

	h.Update(p, zone, ttl, maxPerDomain, ownerID)
	return h
}

// Get 根据 ID 获取代理
func (m *Manager) Get(id int64) (*Handler, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	h, ok := m.handlers[id]
	return h, ok
}

// Remove 移除代理并停止检测
func (m *Manager) Remove(id int64) {
	m.mu.Lock()
	h, ok := m.handlers[id]
	delete(m.handlers, id)
	m.mu.Unlock()

	if ok {
		h.Close()
	}
}

// Pick 为收件地址随机选择一个可用且匹配的代理
//
// 参数:
//   - ids: 候选代理 ID，为空时使用 ownerID 名下的全部代理
//   - ownerID: 使用者 ID
//   - email: 收件地址
//
// 返回值:
//   - *Handler: 选中的代理，没有时返回 nil
func (m *Manager) Pick(ids []int64, ownerID int64, email string) *Handler {
	m.mu.RLock()
	candidates := make([]*Handler, 0)
	if len(ids) > 0 {
		for _, id := range ids {
			if h, ok := m.handlers[id]; ok {
				candidates = append(candidates, h)
			}
		}
	} else {
		for _, h := range m.handlers {
			if h.OwnerID() == ownerID {
				candidates = append(candidates, h)
			}
		}
	}
	m.mu.RUnlock()

	usable := candidates[:0]
	for _, h := range candidates {
		if h.IsUsable() && h.IsMatch(email) {
			usable = append(usable, h)
		}
	}
	if len(usable) == 0 {
		return nil
	}
	return usable[rand.IntN(len(usable))]
}

// Snapshot 返回所有代理的状态快照（按 ID 排序）
func (m *Manager) Snapshot() []Status {
	m.mu.RLock()
	out := make([]Status, 0, len(m.handlers))
	for _, h := range m.handlers {
		out = append(out, h.Snapshot())
	}
	m.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Close 停止所有检测循环
func (m *Manager) Close() {
	m.cancel()

	m.mu.Lock()
	handlers := m.handlers
	m.handlers = make(map[int64]*Handler)
	m.mu.Unlock()

	for _, h := range handlers {
		h.Close()
	}
}
