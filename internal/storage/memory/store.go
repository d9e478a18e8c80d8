package memory

import (
	"context"
	"slices"
	"sync"
	"time"

	"bulkmail/backend/internal/domain"
	"bulkmail/backend/internal/storage"
)

type counterKey struct {
	outboxID int64
	day      string
}

// Store 使用内存保存发件数据，主要用于开发验证和测试。
//
// 读写都使用副本，调用方修改返回值不会影响存储内容。
type Store struct {
	mu       sync.RWMutex
	outboxes map[int64]*domain.Outbox
	proxies  map[int64]*domain.Proxy
	groups   map[int64]*domain.SendingGroup
	items    map[int64]*domain.SendingItem
	byGroup  map[int64][]int64 // groupID -> itemIDs
	counters map[counterKey]int
	nextID   int64

	now func() time.Time
}

// NewStore 创建一个内存存储实例。
func NewStore() *Store {
	return &Store{
		outboxes: make(map[int64]*domain.Outbox),
		proxies:  make(map[int64]*domain.Proxy),
		groups:   make(map[int64]*domain.SendingGroup),
		items:    make(map[int64]*domain.SendingItem),
		byGroup:  make(map[int64][]int64),
		counters: make(map[counterKey]int),
		now:      func() time.Time { return time.Now().UTC() },
	}
}

func (s *Store) allocIDLocked(id *int64) {
	if *id == 0 {
		s.nextID++
		*id = s.nextID
	} else if *id > s.nextID {
		s.nextID = *id
	}
}

func (s *Store) touchLocked(created, updated *time.Time) {
	now := s.now()
	if created.IsZero() {
		*created = now
	}
	*updated = now
}

// ========== Outbox Repository ==========

// SaveOutbox 保存发件箱，ID 为 0 时自动分配
func (s *Store) SaveOutbox(_ context.Context, outbox *domain.Outbox) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.allocIDLocked(&outbox.ID)
	s.touchLocked(&outbox.CreatedAt, &outbox.UpdatedAt)
	s.outboxes[outbox.ID] = cloneOutbox(outbox)
	return nil
}

// GetOutbox 根据 ID 获取发件箱
func (s *Store) GetOutbox(_ context.Context, id int64) (*domain.Outbox, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	o, ok := s.outboxes[id]
	if !ok {
		return nil, storage.ErrNotFound
	}
	return cloneOutbox(o), nil
}

// ListOutboxesByIDs 按 ID 批量读取
func (s *Store) ListOutboxesByIDs(_ context.Context, ids []int64) ([]*domain.Outbox, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]*domain.Outbox, 0, len(ids))
	for _, id := range uniqueIDs(ids) {
		if o, ok := s.outboxes[id]; ok {
			out = append(out, cloneOutbox(o))
		}
	}
	return out, nil
}

// UpdateOutboxSecret 更新用户名下指定邮箱的密码字段
func (s *Store) UpdateOutboxSecret(_ context.Context, userID int64, email, secret string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	found := false
	for _, o := range s.outboxes {
		if o.UserID == userID && o.Email == email {
			o.Password = secret
			o.UpdatedAt = s.now()
			found = true
		}
	}
	if !found {
		return storage.ErrNotFound
	}
	return nil
}

// UpdateOutboxStatus 更新发件箱状态
func (s *Store) UpdateOutboxStatus(_ context.Context, id int64, status, reason string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	o, ok := s.outboxes[id]
	if !ok {
		return storage.ErrNotFound
	}
	o.Status = status
	o.Reason = reason
	o.UpdatedAt = s.now()
	return nil
}

// ========== Proxy Repository ==========

// SaveProxy 保存代理
func (s *Store) SaveProxy(_ context.Context, proxy *domain.Proxy) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.allocIDLocked(&proxy.ID)
	s.touchLocked(&proxy.CreatedAt, &proxy.UpdatedAt)
	p := *proxy
	s.proxies[proxy.ID] = &p
	return nil
}

// ListProxies 用户的全部启用代理，按 ID 升序
func (s *Store) ListProxies(_ context.Context, userID int64) ([]*domain.Proxy, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]*domain.Proxy, 0)
	for _, p := range s.proxies {
		if p.UserID == userID && p.IsActive {
			cp := *p
			out = append(out, &cp)
		}
	}
	slices.SortFunc(out, func(a, b *domain.Proxy) int { return compareID(a.ID, b.ID) })
	return out, nil
}

// ListProxiesByIDs 按 ID 批量读取启用的代理
func (s *Store) ListProxiesByIDs(_ context.Context, ids []int64) ([]*domain.Proxy, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]*domain.Proxy, 0, len(ids))
	for _, id := range uniqueIDs(ids) {
		if p, ok := s.proxies[id]; ok && p.IsActive {
			cp := *p
			out = append(out, &cp)
		}
	}
	return out, nil
}

// ========== Sending Repository ==========

// SaveSendingGroup 保存发件组
func (s *Store) SaveSendingGroup(_ context.Context, group *domain.SendingGroup) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.allocIDLocked(&group.ID)
	s.touchLocked(&group.CreatedAt, &group.UpdatedAt)
	s.groups[group.ID] = cloneGroup(group)
	return nil
}

// GetSendingGroup 根据 ID 获取发件组
func (s *Store) GetSendingGroup(_ context.Context, id int64) (*domain.SendingGroup, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	g, ok := s.groups[id]
	if !ok {
		return nil, storage.ErrNotFound
	}
	return cloneGroup(g), nil
}

// UpdateSendingGroupStatus 更新发件组状态和统计
func (s *Store) UpdateSendingGroupStatus(_ context.Context, id int64, status domain.SendingGroupStatus, success, failed int) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	g, ok := s.groups[id]
	if !ok {
		return storage.ErrNotFound
	}
	g.Status = status
	g.SuccessCount = success
	g.FailedCount = failed
	g.UpdatedAt = s.now()
	return nil
}

// SaveSendingItem 保存发件条目
func (s *Store) SaveSendingItem(_ context.Context, item *domain.SendingItem) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.allocIDLocked(&item.ID)
	s.touchLocked(&item.CreatedAt, &item.UpdatedAt)
	if _, exists := s.items[item.ID]; !exists {
		s.byGroup[item.GroupID] = append(s.byGroup[item.GroupID], item.ID)
	}
	s.items[item.ID] = cloneItem(item)
	return nil
}

// GetSendingItem 根据 ID 获取发件条目
func (s *Store) GetSendingItem(_ context.Context, id int64) (*domain.SendingItem, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	item, ok := s.items[id]
	if !ok {
		return nil, storage.ErrNotFound
	}
	return cloneItem(item), nil
}

// ListSendingItems 发件组内的全部条目，按 ID 升序
func (s *Store) ListSendingItems(_ context.Context, groupID int64) ([]*domain.SendingItem, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	ids := slices.Clone(s.byGroup[groupID])
	slices.Sort(ids)
	out := make([]*domain.SendingItem, 0, len(ids))
	for _, id := range ids {
		out = append(out, cloneItem(s.items[id]))
	}
	return out, nil
}

// UpdateSendingItemResult 保存发件结果
func (s *Store) UpdateSendingItemResult(_ context.Context, result *domain.SendingItemResult) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	item, ok := s.items[result.ItemID]
	if !ok {
		return storage.ErrNotFound
	}
	item.Status = result.Status
	item.TriedCount = result.TriedCount
	item.SendResult = result.Message
	item.FromEmail = result.FromEmail
	if !result.SendDate.IsZero() {
		d := result.SendDate
		item.SendDate = &d
	}
	item.UpdatedAt = s.now()
	return nil
}

// ========== Counter Repository ==========

// IncrSentToday 计数加一并返回新值
func (s *Store) IncrSentToday(_ context.Context, outboxID int64, day string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := counterKey{outboxID: outboxID, day: day}
	s.counters[key]++
	return s.counters[key], nil
}

// GetSentToday 读取当日计数
func (s *Store) GetSentToday(_ context.Context, outboxID int64, day string) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.counters[counterKey{outboxID: outboxID, day: day}], nil
}

// Health 内存存储始终可用
func (s *Store) Health(context.Context) error { return nil }

// Close 内存存储无需关闭
func (s *Store) Close() error { return nil }

func cloneOutbox(o *domain.Outbox) *domain.Outbox {
	cp := *o
	cp.ReplyToEmails = slices.Clone(o.ReplyToEmails)
	return &cp
}

func cloneGroup(g *domain.SendingGroup) *domain.SendingGroup {
	cp := *g
	cp.OutboxIDs = slices.Clone(g.OutboxIDs)
	cp.ProxyIDs = slices.Clone(g.ProxyIDs)
	cp.ReplyToEmails = slices.Clone(g.ReplyToEmails)
	cp.Attachments = slices.Clone(g.Attachments)
	return &cp
}

func cloneItem(item *domain.SendingItem) *domain.SendingItem {
	cp := *item
	cp.Inboxes = slices.Clone(item.Inboxes)
	cp.CC = slices.Clone(item.CC)
	cp.BCC = slices.Clone(item.BCC)
	cp.ReplyToEmails = slices.Clone(item.ReplyToEmails)
	if item.SendDate != nil {
		d := *item.SendDate
		cp.SendDate = &d
	}
	return &cp
}

func uniqueIDs(ids []int64) []int64 {
	seen := make(map[int64]struct{}, len(ids))
	out := make([]int64, 0, len(ids))
	for _, id := range ids {
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	return out
}

func compareID(a, b int64) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	default:
		return 0
	}
}

var _ storage.Store = (*Store)(nil)
