package pool

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWorkerPool(t *testing.T) {
	t.Run("唤醒后处理完所有工作", func(t *testing.T) {
		var remaining atomic.Int32
		remaining.Store(50)
		var done atomic.Int32

		p := NewWorkerPool(4, time.Hour, func(ctx context.Context) bool {
			if remaining.Add(-1) < 0 {
				remaining.Add(1)
				return false
			}
			done.Add(1)
			return true
		}, nil)
		p.Start(context.Background())
		defer p.Stop()

		p.Wake(4)
		require.Eventually(t, func() bool { return done.Load() == 50 }, 2*time.Second, 5*time.Millisecond)
		assert.Equal(t, 4, p.Size())
	})

	t.Run("空闲时按轮询间隔执行", func(t *testing.T) {
		var calls atomic.Int32
		p := NewWorkerPool(1, 10*time.Millisecond, func(ctx context.Context) bool {
			calls.Add(1)
			return false
		}, nil)
		p.Start(context.Background())
		defer p.Stop()

		require.Eventually(t, func() bool { return calls.Load() >= 3 }, 2*time.Second, 5*time.Millisecond)
	})

	t.Run("panic不会终止工作协程", func(t *testing.T) {
		var calls atomic.Int32
		p := NewWorkerPool(1, time.Hour, func(ctx context.Context) bool {
			if calls.Add(1) == 1 {
				panic("boom")
			}
			return false
		}, nil)
		p.Start(context.Background())
		defer p.Stop()

		p.Wake(1)
		require.Eventually(t, func() bool { return calls.Load() >= 1 }, time.Second, 5*time.Millisecond)
		p.Wake(1)
		require.Eventually(t, func() bool { return calls.Load() >= 2 }, time.Second, 5*time.Millisecond)
	})

	t.Run("Wake不阻塞", func(t *testing.T) {
		p := NewWorkerPool(2, time.Hour, func(ctx context.Context) bool { return false }, nil)
		p.Wake(100)
		assert.Len(t, p.wake, 2)
	})

	t.Run("Stop等待工作协程退出", func(t *testing.T) {
		p := NewWorkerPool(3, time.Millisecond, func(ctx context.Context) bool { return false }, nil)
		p.Start(context.Background())
		p.Stop()
		assert.Zero(t, p.Busy())
	})
}
