package sql

import (
	"context"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"bulkmail/backend/internal/domain"
)

// ========== Outbox Repository ==========

// SaveOutbox 保存发件箱
func (s *Store) SaveOutbox(ctx context.Context, outbox *domain.Outbox) error {
	return s.gormDB.WithContext(ctx).Save(outbox).Error
}

// GetOutbox 根据ID获取发件箱
func (s *Store) GetOutbox(ctx context.Context, id int64) (*domain.Outbox, error) {
	var outbox domain.Outbox
	if err := s.gormDB.WithContext(ctx).First(&outbox, id).Error; err != nil {
		return nil, notFound(err)
	}
	return &outbox, nil
}

// ListOutboxesByIDs 按ID批量获取发件箱
func (s *Store) ListOutboxesByIDs(ctx context.Context, ids []int64) ([]*domain.Outbox, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	var outboxes []*domain.Outbox
	err := s.gormDB.WithContext(ctx).Where("id IN ?", ids).Order("id").Find(&outboxes).Error
	return outboxes, err
}

// UpdateOutboxSecret 更新发件箱密码（已加密）
func (s *Store) UpdateOutboxSecret(ctx context.Context, userID int64, email, secret string) error {
	return s.gormDB.WithContext(ctx).
		Model(&domain.Outbox{}).
		Where("user_id = ? AND email = ?", userID, email).
		Update("password", secret).Error
}

// UpdateOutboxStatus 更新发件箱状态
func (s *Store) UpdateOutboxStatus(ctx context.Context, id int64, status, reason string) error {
	return s.gormDB.WithContext(ctx).
		Model(&domain.Outbox{}).
		Where("id = ?", id).
		Updates(map[string]any{"status": status, "reason": reason}).Error
}

// ========== Proxy Repository ==========

// SaveProxy 保存代理
func (s *Store) SaveProxy(ctx context.Context, proxy *domain.Proxy) error {
	return s.gormDB.WithContext(ctx).Save(proxy).Error
}

// ListProxies 获取用户的启用代理
func (s *Store) ListProxies(ctx context.Context, userID int64) ([]*domain.Proxy, error) {
	var proxies []*domain.Proxy
	err := s.gormDB.WithContext(ctx).
		Where("user_id = ? AND is_active = ?", userID, true).
		Order("id").
		Find(&proxies).Error
	return proxies, err
}

// ListProxiesByIDs 按ID批量获取启用代理
func (s *Store) ListProxiesByIDs(ctx context.Context, ids []int64) ([]*domain.Proxy, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	var proxies []*domain.Proxy
	err := s.gormDB.WithContext(ctx).
		Where("id IN ? AND is_active = ?", ids, true).
		Order("id").
		Find(&proxies).Error
	return proxies, err
}

// ========== Counter Repository ==========

// IncrSentToday 当日计数加一（upsert）并返回新值
func (s *Store) IncrSentToday(ctx context.Context, outboxID int64, day string) (int, error) {
	var count int
	err := s.gormDB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		row := domain.OutboxDailyCounter{OutboxID: outboxID, Day: day, Count: 1}
		err := tx.Clauses(clause.OnConflict{
			Columns: []clause.Column{{Name: "outbox_id"}, {Name: "day"}},
			DoUpdates: clause.Assignments(map[string]any{
				"count": gorm.Expr("outbox_daily_counters.count + 1"),
			}),
		}).Create(&row).Error
		if err != nil {
			return err
		}
		return tx.Model(&domain.OutboxDailyCounter{}).
			Select("count").
			Where("outbox_id = ? AND day = ?", outboxID, day).
			Scan(&count).Error
	})
	return count, err
}

// GetSentToday 读取当日计数
func (s *Store) GetSentToday(ctx context.Context, outboxID int64, day string) (int, error) {
	var counter domain.OutboxDailyCounter
	err := s.gormDB.WithContext(ctx).
		Where("outbox_id = ? AND day = ?", outboxID, day).
		Limit(1).
		Find(&counter).Error
	return counter.Count, err
}
