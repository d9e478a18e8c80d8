package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
)

// 表结构由 GORM AutoMigrate 创建（domain.OutboxDailyCounter）
const (
	incrCounterSQL = `
INSERT INTO outbox_daily_counters (outbox_id, day, count)
VALUES ($1, $2, 1)
ON CONFLICT (outbox_id, day) DO UPDATE SET count = outbox_daily_counters.count + 1
RETURNING count`

	getCounterSQL = `SELECT count FROM outbox_daily_counters WHERE outbox_id = $1 AND day = $2`
)

// IncrSentToday 当日计数加一并返回新值（单条 upsert 语句）
func (c *Client) IncrSentToday(ctx context.Context, outboxID int64, day string) (int, error) {
	var count int
	if err := c.pool.QueryRow(ctx, incrCounterSQL, outboxID, day).Scan(&count); err != nil {
		return 0, fmt.Errorf("incr daily counter: %w", err)
	}
	return count, nil
}

// GetSentToday 读取当日计数，不存在时为 0
func (c *Client) GetSentToday(ctx context.Context, outboxID int64, day string) (int, error) {
	var count int
	err := c.pool.QueryRow(ctx, getCounterSQL, outboxID, day).Scan(&count)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("get daily counter: %w", err)
	}
	return count, nil
}
