package hybrid

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"bulkmail/backend/internal/domain"
	"bulkmail/backend/internal/logger"
	"bulkmail/backend/internal/storage"
)

// GroupCache 发件组缓存
type GroupCache interface {
	CacheSendingGroup(ctx context.Context, group *domain.SendingGroup, ttl time.Duration) error
	GetCachedSendingGroup(ctx context.Context, groupID int64) (*domain.SendingGroup, error)
	DeleteCachedSendingGroup(ctx context.Context, groupID int64) error
}

// Pinger 可检查健康状态的依赖
type Pinger interface {
	Ping(ctx context.Context) error
}

// Store 混合存储实现
//
// 业务数据保存在 SQL 存储中，每日计数交给 counters（Redis 或 pgx），
// 发件组读取走 cache-aside 缓存。
type Store struct {
	storage.Store
	counters storage.CounterRepository
	cache    GroupCache
	cacheTTL time.Duration
	log      *zap.Logger
}

// Option 混合存储选项
type Option func(*Store)

// WithCounters 使用独立的计数存储
func WithCounters(counters storage.CounterRepository) Option {
	return func(s *Store) { s.counters = counters }
}

// WithGroupCache 启用发件组缓存
func WithGroupCache(cache GroupCache, ttl time.Duration) Option {
	return func(s *Store) {
		s.cache = cache
		s.cacheTTL = ttl
	}
}

// WithLogger 设置日志记录器
func WithLogger(log *zap.Logger) Option {
	return func(s *Store) { s.log = log }
}

// NewStore 创建混合存储实例
func NewStore(base storage.Store, opts ...Option) (*Store, error) {
	if base == nil {
		return nil, fmt.Errorf("hybrid store requires a base store")
	}
	s := &Store{Store: base, cacheTTL: 10 * time.Minute}
	for _, opt := range opts {
		opt(s)
	}
	s.log = logger.OrNop(s.log)
	if s.counters == nil {
		s.counters = base
	}
	return s, nil
}

// ========== Counter Repository ==========

// IncrSentToday 当日计数加一
func (s *Store) IncrSentToday(ctx context.Context, outboxID int64, day string) (int, error) {
	return s.counters.IncrSentToday(ctx, outboxID, day)
}

// GetSentToday 读取当日计数
func (s *Store) GetSentToday(ctx context.Context, outboxID int64, day string) (int, error) {
	return s.counters.GetSentToday(ctx, outboxID, day)
}

// ========== Sending Repository ==========

// GetSendingGroup 获取发件组（优先从缓存读取）
func (s *Store) GetSendingGroup(ctx context.Context, id int64) (*domain.SendingGroup, error) {
	if s.cache != nil {
		group, err := s.cache.GetCachedSendingGroup(ctx, id)
		if err == nil {
			return group, nil
		}
		if !errors.Is(err, storage.ErrNotFound) {
			s.log.Warn("group cache read failed", zap.Int64("group_id", id), zap.Error(err))
		}
	}

	group, err := s.Store.GetSendingGroup(ctx, id)
	if err != nil {
		return nil, err
	}

	if s.cache != nil {
		if err := s.cache.CacheSendingGroup(ctx, group, s.cacheTTL); err != nil {
			s.log.Warn("group cache write failed", zap.Int64("group_id", id), zap.Error(err))
		}
	}
	return group, nil
}

// SaveSendingGroup 保存发件组并使缓存失效
func (s *Store) SaveSendingGroup(ctx context.Context, group *domain.SendingGroup) error {
	if err := s.Store.SaveSendingGroup(ctx, group); err != nil {
		return err
	}
	s.invalidate(ctx, group.ID)
	return nil
}

// UpdateSendingGroupStatus 更新发件组状态并使缓存失效
func (s *Store) UpdateSendingGroupStatus(ctx context.Context, id int64, status domain.SendingGroupStatus, success, failed int) error {
	if err := s.Store.UpdateSendingGroupStatus(ctx, id, status, success, failed); err != nil {
		return err
	}
	s.invalidate(ctx, id)
	return nil
}

func (s *Store) invalidate(ctx context.Context, groupID int64) {
	if s.cache == nil {
		return
	}
	if err := s.cache.DeleteCachedSendingGroup(ctx, groupID); err != nil {
		s.log.Warn("group cache invalidate failed", zap.Int64("group_id", groupID), zap.Error(err))
	}
}

// Health 检查底层存储和计数存储
func (s *Store) Health(ctx context.Context) error {
	if err := s.Store.Health(ctx); err != nil {
		return err
	}
	if p, ok := s.counters.(Pinger); ok {
		if err := p.Ping(ctx); err != nil {
			return fmt.Errorf("counter store: %w", err)
		}
	}
	return nil
}

var _ storage.Store = (*Store)(nil)
