package storage

import (
	"context"
	"errors"

	"bulkmail/backend/internal/domain"
)

var (
	// ErrNotFound 记录不存在
	ErrNotFound = errors.New("record not found")
)

// OutboxRepository 发件箱数据存取
type OutboxRepository interface {
	SaveOutbox(ctx context.Context, outbox *domain.Outbox) error
	GetOutbox(ctx context.Context, id int64) (*domain.Outbox, error)
	// ListOutboxesByIDs 按 ID 批量读取，不存在的 ID 被忽略
	ListOutboxesByIDs(ctx context.Context, ids []int64) ([]*domain.Outbox, error)
	// UpdateOutboxSecret 更新密码字段（已加密），用于保存轮换后的刷新令牌
	UpdateOutboxSecret(ctx context.Context, userID int64, email, secret string) error
	UpdateOutboxStatus(ctx context.Context, id int64, status, reason string) error
}

// ProxyRepository 代理数据存取
type ProxyRepository interface {
	SaveProxy(ctx context.Context, proxy *domain.Proxy) error
	// ListProxies 用户的全部启用代理
	ListProxies(ctx context.Context, userID int64) ([]*domain.Proxy, error)
	ListProxiesByIDs(ctx context.Context, ids []int64) ([]*domain.Proxy, error)
}

// SendingRepository 发件组和发件条目数据存取
type SendingRepository interface {
	SaveSendingGroup(ctx context.Context, group *domain.SendingGroup) error
	GetSendingGroup(ctx context.Context, id int64) (*domain.SendingGroup, error)
	UpdateSendingGroupStatus(ctx context.Context, id int64, status domain.SendingGroupStatus, success, failed int) error
	SaveSendingItem(ctx context.Context, item *domain.SendingItem) error
	GetSendingItem(ctx context.Context, id int64) (*domain.SendingItem, error)
	// ListSendingItems 发件组内的全部条目，按 ID 升序
	ListSendingItems(ctx context.Context, groupID int64) ([]*domain.SendingItem, error)
	UpdateSendingItemResult(ctx context.Context, result *domain.SendingItemResult) error
}

// CounterRepository 发件箱每日发送计数
type CounterRepository interface {
	// IncrSentToday 计数加一并返回新值
	IncrSentToday(ctx context.Context, outboxID int64, day string) (int, error)
	GetSentToday(ctx context.Context, outboxID int64, day string) (int, error)
}

// Store 完整的存储接口
type Store interface {
	OutboxRepository
	ProxyRepository
	SendingRepository
	CounterRepository

	Health(ctx context.Context) error
	Close() error
}
