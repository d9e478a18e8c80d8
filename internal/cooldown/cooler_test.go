package cooldown

import (
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCooler(t *testing.T) {
	t.Run("冷却结束后回调", func(t *testing.T) {
		c := New()
		done := make(chan struct{})

		started := c.Start(20*time.Millisecond, func() { close(done) })
		require.True(t, started)
		assert.True(t, c.IsCooling())

		select {
		case <-done:
		case <-time.After(time.Second):
			t.Fatal("callback not invoked")
		}
		assert.False(t, c.IsCooling())
	})

	t.Run("冷却中再次启动无效", func(t *testing.T) {
		c := New()
		var calls atomic.Int32

		require.True(t, c.Start(30*time.Millisecond, func() { calls.Add(1) }))
		assert.False(t, c.Start(time.Hour, func() { calls.Add(100) }))

		assert.Eventually(t, func() bool { return !c.IsCooling() }, time.Second, 5*time.Millisecond)
		assert.Equal(t, int32(1), calls.Load())
	})

	t.Run("非正时长不进入冷却", func(t *testing.T) {
		c := New()
		assert.False(t, c.Start(0, nil))
		assert.False(t, c.Start(-time.Second, nil))
		assert.False(t, c.IsCooling())
	})

	t.Run("停止后不触发回调", func(t *testing.T) {
		c := New()
		var calls atomic.Int32

		require.True(t, c.Start(20*time.Millisecond, func() { calls.Add(1) }))
		c.Stop()
		assert.False(t, c.IsCooling())

		time.Sleep(60 * time.Millisecond)
		assert.Equal(t, int32(0), calls.Load())

		// 停止后可以重新开始
		assert.True(t, c.Start(10*time.Millisecond, nil))
	})
}
