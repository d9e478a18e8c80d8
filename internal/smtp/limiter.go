package smtp

import (
	"sync"

	"golang.org/x/time/rate"
)

// ConnectionLimiter SMTP 连接限流器：并发连接数上限加新建速率
type ConnectionLimiter struct {
	maxConns int
	limiter  *rate.Limiter

	mu      sync.Mutex
	current int
}

// NewConnectionLimiter 创建连接限流器
//
// 参数:
//   - maxConns: 最大并发连接数，<= 0 表示不限
//   - maxRate: 每秒最大新建连接数，<= 0 表示不限
func NewConnectionLimiter(maxConns, maxRate int) *ConnectionLimiter {
	l := &ConnectionLimiter{maxConns: maxConns}
	if maxRate > 0 {
		l.limiter = rate.NewLimiter(rate.Limit(maxRate), maxRate)
	}
	return l
}

// Acquire 获取连接许可
func (l *ConnectionLimiter) Acquire() bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.maxConns > 0 && l.current >= l.maxConns {
		return false
	}
	if l.limiter != nil && !l.limiter.Allow() {
		return false
	}

	l.current++
	return true
}

// Release 释放连接
func (l *ConnectionLimiter) Release() {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.current > 0 {
		l.current--
	}
}

// Current 当前连接数
func (l *ConnectionLimiter) Current() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.current
}
