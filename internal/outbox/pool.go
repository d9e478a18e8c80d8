package outbox

import (
	"math/rand/v2"
	"sort"
	"sync"

	"go.uber.org/zap"

	"bulkmail/backend/internal/domain"
)

// Pool 发件箱池
//
// 按发件箱 ID 保存唯一的运行时包装，同一发件箱的多次加载会被合并
type Pool struct {
	mu      sync.RWMutex
	entries map[int64]*Address
	log     *zap.Logger
}

// NewPool 创建发件箱池
func NewPool(log *zap.Logger) *Pool {
	if log == nil {
		log = zap.NewNop()
	}
	return &Pool{
		entries: make(map[int64]*Address),
		log:     log,
	}
}

// Add 加入发件箱，已存在时合并并返回池中的实例
func (p *Pool) Add(a *Address) *Address {
	p.mu.Lock()
	defer p.mu.Unlock()

	if existing, ok := p.entries[a.ID]; ok {
		existing.Merge(a)
		a.Close()
		return existing
	}

	p.entries[a.ID] = a
	return a
}

// Get 根据 ID 获取发件箱
func (p *Pool) Get(id int64) (*Address, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	a, ok := p.entries[id]
	return a, ok
}

// Len 发件箱数量
func (p *Pool) Len() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return len(p.entries)
}

// Acquire 为发件目标选择并锁定一个发件箱
//
// 在 Enabled、未超配额、覆盖该目标（且 ID 匹配 outboxID，若 outboxID > 0）的发件箱中
// 按权重随机选择；加锁失败时剔除该候选重新抽取。
//
// 返回值:
//   - *Address: 已加锁的发件箱，使用完毕后必须 Release
//   - error: ErrNoOutboxAvailable 表示暂时没有可用发件箱；
//     ErrDailyQuotaReached 表示能服务该目标的发件箱今日配额均已用完；
//     ErrNoOutboxCovers 表示没有任何存活的发件箱能服务该目标
func (p *Pool) Acquire(target domain.SendingTargetID, outboxID int64) (*Address, error) {
	p.mu.RLock()
	candidates := make([]*Address, 0, len(p.entries))
	live, exhausted := 0, 0
	for _, a := range p.entries {
		if outboxID > 0 && a.ID != outboxID {
			continue
		}
		if a.IsDisabled() || !a.Covers(target) {
			continue
		}
		if a.IsOverQuota() {
			exhausted++
			continue
		}
		live++
		if a.Enabled() {
			candidates = append(candidates, a)
		}
	}
	p.mu.RUnlock()

	if live == 0 {
		if exhausted > 0 {
			return nil, ErrDailyQuotaReached
		}
		return nil, ErrNoOutboxCovers
	}

	for len(candidates) > 0 {
		idx := pickWeighted(candidates)
		a := candidates[idx]
		if a.TryAcquire() {
			// 加锁后再次确认，避免与禁用/冷却竞争
			if a.IsDisabled() || a.IsCooling() || a.IsOverQuota() {
				a.Release()
			} else {
				return a, nil
			}
		}
		candidates = append(candidates[:idx], candidates[idx+1:]...)
	}

	return nil, ErrNoOutboxAvailable
}

// pickWeighted 按权重随机选择下标
func pickWeighted(candidates []*Address) int {
	total := 0
	weights := make([]int, len(candidates))
	for i, a := range candidates {
		weights[i] = a.Weight()
		total += weights[i]
	}

	r := rand.IntN(total)
	for i, w := range weights {
		if r < w {
			return i
		}
		r -= w
	}
	return len(candidates) - 1
}

// Remove 移除发件箱
func (p *Pool) Remove(id int64) {
	p.mu.Lock()
	a, ok := p.entries[id]
	delete(p.entries, id)
	p.mu.Unlock()

	if ok {
		a.Close()
	}
}

// RemoveTarget 移除发件箱的某个目标，目标为空时移出池
func (p *Pool) RemoveTarget(id int64, target domain.SendingTargetID) {
	p.mu.Lock()
	defer p.mu.Unlock()

	a, ok := p.entries[id]
	if !ok {
		return
	}
	a.RemoveTarget(target.GroupID, target.ItemID)
	if a.TargetCount() == 0 {
		delete(p.entries, id)
		a.Close()
	}
}

// RemoveGroup 移除发件组的全部目标，返回因此移出池的发件箱数量
func (p *Pool) RemoveGroup(groupID int64) int {
	p.mu.Lock()
	defer p.mu.Unlock()

	removed := 0
	for id, a := range p.entries {
		if !a.ContainsGroup(groupID) {
			continue
		}
		a.RemoveGroup(groupID)
		if a.TargetCount() == 0 {
			delete(p.entries, id)
			a.Close()
			removed++
		}
	}

	if removed > 0 {
		p.log.Debug("outboxes released from pool",
			zap.Int64("group_id", groupID),
			zap.Int("removed", removed),
		)
	}
	return removed
}

// RemoveDisabled 移除已禁用的发件箱并返回它们
func (p *Pool) RemoveDisabled() []*Address {
	p.mu.Lock()
	defer p.mu.Unlock()

	var out []*Address
	for id, a := range p.entries {
		if a.IsDisabled() && !a.IsLocked() {
			delete(p.entries, id)
			a.Close()
			out = append(out, a)
		}
	}
	return out
}

// Snapshot 返回所有发件箱的状态快照（按 ID 排序）
func (p *Pool) Snapshot() []Status {
	p.mu.RLock()
	out := make([]Status, 0, len(p.entries))
	for _, a := range p.entries {
		out = append(out, a.Snapshot())
	}
	p.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Close 停止所有计时器并清空
func (p *Pool) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()

	for id, a := range p.entries {
		a.Close()
		delete(p.entries, id)
	}
}
