// Package outbox 发件箱运行时状态与发件箱池
package outbox

import (
	"errors"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"bulkmail/backend/internal/cooldown"
	"bulkmail/backend/internal/domain"
)

var (
	ErrSpecificTypeRequired = errors.New("outbox: specific targets require specific outbox type")
	ErrNoOutboxAvailable    = errors.New("outbox: no outbox available right now")
	ErrNoOutboxCovers       = errors.New("outbox: no outbox can serve the sending target")
	ErrDailyQuotaReached    = errors.New("outbox: daily quota reached for every covering outbox")
)

// Address 发件箱运行时包装
//
// 凭据字段在创建后不再变化；分配类型、发件目标、计数、冷却、锁、禁用状态为运行时状态。
// Enabled ⇔ 未禁用 ∧ 未冷却 ∧ 未加锁 ∧ 发件目标非空。
type Address struct {
	ID                 int64
	UserID             int64
	Email              string
	Name               string
	SMTPHost           string
	SMTPPort           int
	EnableSSL          bool
	UserName           string
	Password           string // 已解密
	MaxSendCountPerDay int
	ProxyID            int64

	mu        sync.RWMutex
	weight    int
	replyTo   []string
	typ       domain.OutboxType
	targets   map[domain.SendingTargetID]struct{}
	sentToday int
	sentTotal int64
	resetDate string
	reason    string

	locked   atomic.Bool
	disabled atomic.Bool
	cooler   *cooldown.Cooler
	now      func() time.Time
}

// NewAddress 根据发件箱配置创建运行时包装
//
// 参数:
//   - o: 发件箱配置
//   - secret: 解密后的密码/令牌
//   - typ: 分配类型
//   - targets: 初始发件目标
func NewAddress(o *domain.Outbox, secret string, typ domain.OutboxType, targets ...domain.SendingTargetID) (*Address, error) {
	for _, t := range targets {
		if !t.IsShared() && !typ.Has(domain.OutboxTypeSpecific) {
			return nil, ErrSpecificTypeRequired
		}
	}

	weight := o.Weight
	if weight <= 0 {
		weight = 1
	}

	a := &Address{
		ID:                 o.ID,
		UserID:             o.UserID,
		Email:              o.Email,
		Name:               o.Name,
		SMTPHost:           o.SMTPHost,
		SMTPPort:           o.SMTPPort,
		EnableSSL:          o.EnableSSL,
		UserName:           o.UserName,
		Password:           secret,
		MaxSendCountPerDay: o.MaxSendCountPerDay,
		ProxyID:            o.ProxyID,
		weight:             weight,
		replyTo:            slices.Clone(o.ReplyToEmails),
		typ:                typ,
		targets:            make(map[domain.SendingTargetID]struct{}, len(targets)),
		cooler:             cooldown.New(),
		now:                time.Now,
	}
	for _, t := range targets {
		a.targets[t] = struct{}{}
	}
	a.resetDate = domain.DayKey(a.now())

	return a, nil
}

// Weight 选择权重（>= 1）
func (a *Address) Weight() int {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.weight
}

// ReplyTo 回复地址列表
func (a *Address) ReplyTo() []string {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return slices.Clone(a.replyTo)
}

// Type 分配类型
func (a *Address) Type() domain.OutboxType {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.typ
}

// Merge 合并同一发件箱的另一份描述
//
// 分配类型与发件目标取并集，权重和回复地址使用新值。调用方需串行化合并。
func (a *Address) Merge(other *Address) {
	if other == nil || other == a {
		return
	}

	other.mu.RLock()
	typ := other.typ
	weight := other.weight
	replyTo := slices.Clone(other.replyTo)
	targets := make([]domain.SendingTargetID, 0, len(other.targets))
	for t := range other.targets {
		targets = append(targets, t)
	}
	other.mu.RUnlock()

	a.mu.Lock()
	defer a.mu.Unlock()

	a.typ = a.typ.Union(typ)
	a.weight = weight
	a.replyTo = replyTo
	for _, t := range targets {
		a.targets[t] = struct{}{}
	}
}

// TryAcquire 尝试获取独占使用权
func (a *Address) TryAcquire() bool {
	return a.locked.CompareAndSwap(false, true)
}

// Release 释放独占使用权
//
// 必须在本次使用的计数、冷却、禁用等状态全部更新之后调用
func (a *Address) Release() {
	a.locked.Store(false)
}

// IsLocked 是否被占用
func (a *Address) IsLocked() bool {
	return a.locked.Load()
}

// RecordAttempt 记录一次发送尝试
//
// 总数加一；跨越 UTC 日期时当日计数清零并更新重置日期，否则当日计数加一
func (a *Address) RecordAttempt() {
	today := domain.DayKey(a.now())

	a.mu.Lock()
	defer a.mu.Unlock()

	a.sentTotal++
	if a.resetDate != today {
		a.sentToday = 0
		a.resetDate = today
		return
	}
	a.sentToday++
}

// SeedSentToday 使用持久化的当日计数恢复状态（重新加载时使用）
func (a *Address) SeedSentToday(day string, count int) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if day != a.resetDate || count < a.sentToday {
		return
	}
	a.sentToday = count
}

// SentToday 当日已发送数量
func (a *Address) SentToday() int {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.sentToday
}

// SentTotal 累计发送数量
func (a *Address) SentTotal() int64 {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.sentTotal
}

// IsOverQuota 是否超过每日配额（配额为 0 表示不限）
func (a *Address) IsOverQuota() bool {
	if a.MaxSendCountPerDay <= 0 {
		return false
	}

	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.sentToday >= a.MaxSendCountPerDay
}

// EnterCooldown 进入冷却，冷却结束后调用 onResume
//
// 已在冷却中时不做任何事
func (a *Address) EnterCooldown(d time.Duration, onResume func()) bool {
	return a.cooler.Start(d, onResume)
}

// IsCooling 是否冷却中
func (a *Address) IsCooling() bool {
	return a.cooler.IsCooling()
}

// Disable 永久禁用并记录原因
func (a *Address) Disable(reason string) {
	a.mu.Lock()
	a.reason = reason
	a.mu.Unlock()
	a.disabled.Store(true)
}

// IsDisabled 是否已禁用
func (a *Address) IsDisabled() bool {
	return a.disabled.Load()
}

// DisabledReason 禁用原因
func (a *Address) DisabledReason() string {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.reason
}

// Enabled 当前是否可被选中
func (a *Address) Enabled() bool {
	if a.disabled.Load() || a.locked.Load() || a.cooler.IsCooling() {
		return false
	}
	return a.TargetCount() > 0
}

// Close 释放计时器
func (a *Address) Close() {
	a.cooler.Stop()
}

// ========== 发件目标管理 ==========

// AddTarget 添加发件目标
func (a *Address) AddTarget(target domain.SendingTargetID) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if !target.IsShared() && !a.typ.Has(domain.OutboxTypeSpecific) {
		return ErrSpecificTypeRequired
	}
	a.targets[target] = struct{}{}
	return nil
}

// RemoveTarget 移除发件目标
func (a *Address) RemoveTarget(groupID, itemID int64) {
	a.mu.Lock()
	defer a.mu.Unlock()
	delete(a.targets, domain.SendingTargetID{GroupID: groupID, ItemID: itemID})
}

// RemoveGroup 移除某个发件组的全部目标
func (a *Address) RemoveGroup(groupID int64) {
	a.mu.Lock()
	defer a.mu.Unlock()

	for t := range a.targets {
		if t.GroupID == groupID {
			delete(a.targets, t)
		}
	}
}

// ContainsGroup 是否包含某个发件组的目标
func (a *Address) ContainsGroup(groupID int64) bool {
	a.mu.RLock()
	defer a.mu.RUnlock()

	for t := range a.targets {
		if t.GroupID == groupID {
			return true
		}
	}
	return false
}

// Covers 是否可以服务指定的发件目标（具体目标或所在组的共享目标）
func (a *Address) Covers(target domain.SendingTargetID) bool {
	a.mu.RLock()
	defer a.mu.RUnlock()

	if _, ok := a.targets[target]; ok {
		return true
	}
	_, ok := a.targets[domain.SendingTargetID{GroupID: target.GroupID}]
	return ok
}

// ListGroups 返回关联的发件组 ID（升序）
func (a *Address) ListGroups() []int64 {
	a.mu.RLock()
	defer a.mu.RUnlock()

	groups := make([]int64, 0, len(a.targets))
	for t := range a.targets {
		if !slices.Contains(groups, t.GroupID) {
			groups = append(groups, t.GroupID)
		}
	}
	slices.Sort(groups)
	return groups
}

// ListSpecificItems 返回绑定的具体发件条目 ID（升序）
func (a *Address) ListSpecificItems() []int64 {
	a.mu.RLock()
	defer a.mu.RUnlock()

	items := make([]int64, 0, len(a.targets))
	for t := range a.targets {
		if !t.IsShared() {
			items = append(items, t.ItemID)
		}
	}
	slices.Sort(items)
	return items
}

// TargetCount 发件目标数量
func (a *Address) TargetCount() int {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return len(a.targets)
}

// Status 发件箱运行状态快照
type Status struct {
	ID        int64  `json:"id"`
	Email     string `json:"email"`
	Type      string `json:"type"`
	Weight    int    `json:"weight"`
	Targets   int    `json:"targets"`
	SentToday int    `json:"sentToday"`
	SentTotal int64  `json:"sentTotal"`
	Quota     int    `json:"quota"`
	Cooling   bool   `json:"cooling"`
	Locked    bool   `json:"locked"`
	Disabled  bool   `json:"disabled"`
	Reason    string `json:"reason,omitempty"`
}

// Snapshot 返回状态快照
func (a *Address) Snapshot() Status {
	a.mu.RLock()
	s := Status{
		ID:        a.ID,
		Email:     a.Email,
		Type:      a.typ.String(),
		Weight:    a.weight,
		Targets:   len(a.targets),
		SentToday: a.sentToday,
		SentTotal: a.sentTotal,
		Quota:     a.MaxSendCountPerDay,
		Reason:    a.reason,
	}
	a.mu.RUnlock()

	s.Cooling = a.cooler.IsCooling()
	s.Locked = a.locked.Load()
	s.Disabled = a.disabled.Load()
	return s
}
