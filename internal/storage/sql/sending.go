package sql

import (
	"context"

	"bulkmail/backend/internal/domain"
)

// ========== Sending Repository ==========

// SaveSendingGroup 保存发件组
func (s *Store) SaveSendingGroup(ctx context.Context, group *domain.SendingGroup) error {
	return s.gormDB.WithContext(ctx).Save(group).Error
}

// GetSendingGroup 根据ID获取发件组
func (s *Store) GetSendingGroup(ctx context.Context, id int64) (*domain.SendingGroup, error) {
	var group domain.SendingGroup
	if err := s.gormDB.WithContext(ctx).First(&group, id).Error; err != nil {
		return nil, notFound(err)
	}
	return &group, nil
}

// UpdateSendingGroupStatus 更新发件组状态和统计
func (s *Store) UpdateSendingGroupStatus(ctx context.Context, id int64, status domain.SendingGroupStatus, success, failed int) error {
	return s.gormDB.WithContext(ctx).
		Model(&domain.SendingGroup{}).
		Where("id = ?", id).
		Updates(map[string]any{
			"status":        status,
			"success_count": success,
			"failed_count":  failed,
		}).Error
}

// SaveSendingItem 保存发件条目
func (s *Store) SaveSendingItem(ctx context.Context, item *domain.SendingItem) error {
	return s.gormDB.WithContext(ctx).Save(item).Error
}

// GetSendingItem 根据ID获取发件条目
func (s *Store) GetSendingItem(ctx context.Context, id int64) (*domain.SendingItem, error) {
	var item domain.SendingItem
	if err := s.gormDB.WithContext(ctx).First(&item, id).Error; err != nil {
		return nil, notFound(err)
	}
	return &item, nil
}

// ListSendingItems 获取发件组内的全部条目
func (s *Store) ListSendingItems(ctx context.Context, groupID int64) ([]*domain.SendingItem, error) {
	var items []*domain.SendingItem
	err := s.gormDB.WithContext(ctx).
		Where("group_id = ?", groupID).
		Order("id").
		Find(&items).Error
	return items, err
}

// UpdateSendingItemResult 保存发件结果
func (s *Store) UpdateSendingItemResult(ctx context.Context, result *domain.SendingItemResult) error {
	updates := map[string]any{
		"status":      result.Status,
		"tried_count": result.TriedCount,
		"send_result": result.Message,
		"from_email":  result.FromEmail,
	}
	if !result.SendDate.IsZero() {
		updates["send_date"] = result.SendDate
	}

	return s.gormDB.WithContext(ctx).
		Model(&domain.SendingItem{}).
		Where("id = ?", result.ItemID).
		Updates(updates).Error
}
