// Package cooldown 提供一次性、不可重入的冷却计时器
package cooldown

import (
	"sync"
	"time"
)

// Cooler 冷却计时器
//
// 冷却期间再次 Start 不会重置计时器（已有计时器优先）。
// 回调在计时器协程上执行，不持有任何锁。
type Cooler struct {
	mu      sync.Mutex
	cooling bool
	timer   *time.Timer
	gen     uint64
}

// New 创建冷却计时器
func New() *Cooler {
	return &Cooler{}
}

// Start 开始冷却
//
// 参数:
//   - d: 冷却时长，d <= 0 时不进入冷却
//   - callback: 冷却结束后的回调，可为 nil
//
// 返回值:
//   - bool: 是否成功开始新的冷却
func (c *Cooler) Start(d time.Duration, callback func()) bool {
	if d <= 0 {
		return false
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.cooling {
		return false
	}

	c.cooling = true
	c.gen++
	gen := c.gen
	c.timer = time.AfterFunc(d, func() {
		c.mu.Lock()
		if c.gen != gen {
			// 已被 Stop 或被新计时器取代
			c.mu.Unlock()
			return
		}
		c.cooling = false
		c.timer = nil
		c.mu.Unlock()

		if callback != nil {
			callback()
		}
	})

	return true
}

// Stop 取消冷却，不触发回调
func (c *Cooler) Stop() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.gen++
	if c.timer != nil {
		c.timer.Stop()
		c.timer = nil
	}
	c.cooling = false
}

// IsCooling 是否处于冷却中
func (c *Cooler) IsCooling() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.cooling
}
