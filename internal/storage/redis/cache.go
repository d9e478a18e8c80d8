package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	goredis "github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"bulkmail/backend/internal/domain"
	"bulkmail/backend/internal/storage"
)

// ProgressChannel 进度事件的发布频道
const ProgressChannel = keyPrefix + "progress"

const progressTTL = 24 * time.Hour

func groupKey(groupID int64) string {
	return fmt.Sprintf("%sgroup:%d", keyPrefix, groupID)
}

func progressKey(groupID int64) string {
	return fmt.Sprintf("%sgroup:%d:progress", keyPrefix, groupID)
}

// ========== 发件组缓存 ==========

// CacheSendingGroup 缓存发件组
func (c *Client) CacheSendingGroup(ctx context.Context, group *domain.SendingGroup, ttl time.Duration) error {
	data, err := json.Marshal(group)
	if err != nil {
		return err
	}
	return c.rdb.Set(ctx, groupKey(group.ID), data, ttl).Err()
}

// GetCachedSendingGroup 获取缓存的发件组，未命中返回 storage.ErrNotFound
func (c *Client) GetCachedSendingGroup(ctx context.Context, groupID int64) (*domain.SendingGroup, error) {
	data, err := c.rdb.Get(ctx, groupKey(groupID)).Bytes()
	if err != nil {
		if errors.Is(err, goredis.Nil) {
			return nil, storage.ErrNotFound
		}
		return nil, err
	}

	var group domain.SendingGroup
	if err := json.Unmarshal(data, &group); err != nil {
		return nil, err
	}
	return &group, nil
}

// DeleteCachedSendingGroup 删除缓存的发件组
func (c *Client) DeleteCachedSendingGroup(ctx context.Context, groupID int64) error {
	return c.rdb.Del(ctx, groupKey(groupID)).Err()
}

// ========== 进度广播 ==========

// PublishProgress 保存最新进度并发布到 ProgressChannel
func (c *Client) PublishProgress(ctx context.Context, event *domain.ProgressEvent) error {
	data, err := json.Marshal(event)
	if err != nil {
		return err
	}

	_, err = c.rdb.TxPipelined(ctx, func(pipe goredis.Pipeliner) error {
		if event.Type != domain.ProgressEventItemResult {
			pipe.Set(ctx, progressKey(event.GroupID), data, progressTTL)
		}
		pipe.Publish(ctx, ProgressChannel, data)
		return nil
	})
	return err
}

// GetProgress 读取发件组的最新进度
func (c *Client) GetProgress(ctx context.Context, groupID int64) (*domain.ProgressEvent, error) {
	data, err := c.rdb.Get(ctx, progressKey(groupID)).Bytes()
	if err != nil {
		if errors.Is(err, goredis.Nil) {
			return nil, storage.ErrNotFound
		}
		return nil, err
	}

	var event domain.ProgressEvent
	if err := json.Unmarshal(data, &event); err != nil {
		return nil, err
	}
	return &event, nil
}

// SubscribeProgress 订阅进度事件直到 ctx 结束
//
// 多实例部署时每个实例把收到的事件转发给本地 WebSocket 连接
func (c *Client) SubscribeProgress(ctx context.Context, handle func(*domain.ProgressEvent)) error {
	sub := c.rdb.Subscribe(ctx, ProgressChannel)
	defer sub.Close()

	// 等待订阅确认
	if _, err := sub.Receive(ctx); err != nil {
		return fmt.Errorf("subscribe %s: %w", ProgressChannel, err)
	}

	ch := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-ch:
			if !ok {
				return nil
			}
			var event domain.ProgressEvent
			if err := json.Unmarshal([]byte(msg.Payload), &event); err != nil {
				c.log.Warn("invalid progress payload", zap.Error(err))
				continue
			}
			handle(&event)
		}
	}
}
