package redis

import (
	"context"
	"errors"
	"fmt"
	"time"

	goredis "github.com/redis/go-redis/v9"
)

// counterTTL 计数键保留两天，跨越 UTC 日界时前一天的计数仍可读
const counterTTL = 48 * time.Hour

func counterKey(outboxID int64, day string) string {
	return fmt.Sprintf("%soutbox:%d:sent:%s", keyPrefix, outboxID, day)
}

// IncrSentToday 当日计数加一并返回新值
func (c *Client) IncrSentToday(ctx context.Context, outboxID int64, day string) (int, error) {
	key := counterKey(outboxID, day)

	var incr *goredis.IntCmd
	_, err := c.rdb.TxPipelined(ctx, func(pipe goredis.Pipeliner) error {
		incr = pipe.Incr(ctx, key)
		pipe.Expire(ctx, key, counterTTL)
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("incr %s: %w", key, err)
	}
	return int(incr.Val()), nil
}

// GetSentToday 读取当日计数，键不存在时为 0
func (c *Client) GetSentToday(ctx context.Context, outboxID int64, day string) (int, error) {
	n, err := c.rdb.Get(ctx, counterKey(outboxID, day)).Int()
	if errors.Is(err, goredis.Nil) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	return n, nil
}
