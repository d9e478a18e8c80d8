package outbox

import (
	"math/rand/v2"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"bulkmail/backend/internal/domain"
)

func newTestAddress(t *testing.T, id int64, quota int, typ domain.OutboxType, targets ...domain.SendingTargetID) *Address {
	t.Helper()
	a, err := NewAddress(&domain.Outbox{
		ID:                 id,
		UserID:             1,
		Email:              "sender@example.com",
		MaxSendCountPerDay: quota,
	}, "secret", typ, targets...)
	require.NoError(t, err)
	return a
}

func shared(group int64) domain.SendingTargetID {
	return domain.SendingTargetID{GroupID: group}
}

func TestNewAddress(t *testing.T) {
	t.Run("权重非正时归一为1", func(t *testing.T) {
		a, err := NewAddress(&domain.Outbox{ID: 1, Weight: -5}, "", domain.OutboxTypeShared, shared(1))
		require.NoError(t, err)
		assert.Equal(t, 1, a.Weight())
	})

	t.Run("非Specific类型不能绑定具体条目", func(t *testing.T) {
		_, err := NewAddress(&domain.Outbox{ID: 1}, "", domain.OutboxTypeShared,
			domain.SendingTargetID{GroupID: 1, ItemID: 9})
		assert.ErrorIs(t, err, ErrSpecificTypeRequired)
	})
}

func TestAddress_TryAcquire(t *testing.T) {
	a := newTestAddress(t, 1, 0, domain.OutboxTypeShared, shared(1))

	assert.True(t, a.TryAcquire())
	assert.False(t, a.TryAcquire())
	assert.False(t, a.Enabled())

	a.Release()
	assert.True(t, a.TryAcquire())
}

func TestAddress_TryAcquireConcurrent(t *testing.T) {
	a := newTestAddress(t, 1, 0, domain.OutboxTypeShared, shared(1))

	var wg sync.WaitGroup
	var mu sync.Mutex
	wins := 0
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if a.TryAcquire() {
				mu.Lock()
				wins++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, 1, wins)
}

func TestAddress_Enabled(t *testing.T) {
	// 随机状态转换下 Enabled 与各标志保持一致
	r := rand.New(rand.NewPCG(1, 2))
	for i := 0; i < 200; i++ {
		a := newTestAddress(t, 1, 0, domain.OutboxTypeShared)
		locked := r.IntN(2) == 0
		cooling := r.IntN(2) == 0
		disabled := r.IntN(2) == 0
		hasTarget := r.IntN(2) == 0

		if locked {
			a.TryAcquire()
		}
		if cooling {
			a.EnterCooldown(time.Hour, nil)
		}
		if disabled {
			a.Disable("auth failed")
		}
		if hasTarget {
			require.NoError(t, a.AddTarget(shared(3)))
		}

		expected := !locked && !cooling && !disabled && hasTarget
		assert.Equal(t, expected, a.Enabled())
		a.Close()
	}
}

func TestAddress_RecordAttempt(t *testing.T) {
	day := time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)
	a := newTestAddress(t, 1, 0, domain.OutboxTypeShared, shared(1))
	a.now = func() time.Time { return day }
	a.resetDate = domain.DayKey(day)

	t.Run("同一天内递增", func(t *testing.T) {
		for i := 1; i <= 5; i++ {
			a.RecordAttempt()
			assert.Equal(t, i, a.SentToday())
		}
		assert.Equal(t, int64(5), a.SentTotal())
	})

	t.Run("跨越UTC日期只清零一次", func(t *testing.T) {
		day = day.Add(20 * time.Hour)
		a.RecordAttempt()
		assert.Equal(t, 0, a.SentToday())

		a.RecordAttempt()
		a.RecordAttempt()
		assert.Equal(t, 2, a.SentToday())
		assert.Equal(t, int64(8), a.SentTotal())
	})
}

func TestAddress_IsOverQuota(t *testing.T) {
	t.Run("配额为0永不超限", func(t *testing.T) {
		a := newTestAddress(t, 1, 0, domain.OutboxTypeShared, shared(1))
		for i := 0; i < 1000; i++ {
			a.RecordAttempt()
		}
		assert.False(t, a.IsOverQuota())
	})

	t.Run("达到配额后超限", func(t *testing.T) {
		a := newTestAddress(t, 1, 2, domain.OutboxTypeShared, shared(1))
		a.RecordAttempt()
		assert.False(t, a.IsOverQuota())
		a.RecordAttempt()
		assert.True(t, a.IsOverQuota())
	})

	t.Run("恢复持久化计数", func(t *testing.T) {
		a := newTestAddress(t, 1, 5, domain.OutboxTypeShared, shared(1))
		a.SeedSentToday(domain.DayKey(time.Now()), 5)
		assert.True(t, a.IsOverQuota())

		b := newTestAddress(t, 2, 5, domain.OutboxTypeShared, shared(1))
		b.SeedSentToday("19990101", 5)
		assert.False(t, b.IsOverQuota())
	})
}

func TestAddress_Cooldown(t *testing.T) {
	a := newTestAddress(t, 1, 0, domain.OutboxTypeShared, shared(1))
	resumed := make(chan struct{}, 2)

	require.True(t, a.EnterCooldown(50*time.Millisecond, func() { resumed <- struct{}{} }))
	assert.False(t, a.Enabled())

	// 冷却中再次进入不会重启计时器
	assert.False(t, a.EnterCooldown(time.Hour, func() { resumed <- struct{}{} }))

	select {
	case <-resumed:
	case <-time.After(time.Second):
		t.Fatal("cooldown did not elapse")
	}
	assert.True(t, a.Enabled())
	assert.Len(t, resumed, 0)
}

func TestAddress_Disable(t *testing.T) {
	a := newTestAddress(t, 1, 0, domain.OutboxTypeShared, shared(1))
	a.Disable("535 authentication failed")

	assert.True(t, a.IsDisabled())
	assert.False(t, a.Enabled())
	assert.Equal(t, "535 authentication failed", a.DisabledReason())
	assert.True(t, a.Snapshot().Disabled)
}

func TestAddress_Merge(t *testing.T) {
	a, err := NewAddress(&domain.Outbox{ID: 1, Weight: 1, ReplyToEmails: []string{"old@x.com"}},
		"", domain.OutboxTypeShared, shared(1))
	require.NoError(t, err)
	b, err := NewAddress(&domain.Outbox{ID: 1, Weight: 7, ReplyToEmails: []string{"new@x.com"}},
		"", domain.OutboxTypeSpecific, domain.SendingTargetID{GroupID: 2, ItemID: 20})
	require.NoError(t, err)

	a.Merge(b)

	assert.True(t, a.Type().Has(domain.OutboxTypeShared))
	assert.True(t, a.Type().Has(domain.OutboxTypeSpecific))
	assert.Equal(t, 7, a.Weight())
	assert.Equal(t, []string{"new@x.com"}, a.ReplyTo())
	assert.Equal(t, []int64{1, 2}, a.ListGroups())
	assert.Equal(t, []int64{20}, a.ListSpecificItems())
}

func TestAddress_Targets(t *testing.T) {
	a := newTestAddress(t, 1, 0, domain.OutboxTypeSpecific|domain.OutboxTypeShared,
		shared(1),
		domain.SendingTargetID{GroupID: 2, ItemID: 5},
		domain.SendingTargetID{GroupID: 2, ItemID: 6},
	)

	assert.True(t, a.Covers(domain.SendingTargetID{GroupID: 1, ItemID: 99}))
	assert.True(t, a.Covers(domain.SendingTargetID{GroupID: 2, ItemID: 5}))
	assert.False(t, a.Covers(domain.SendingTargetID{GroupID: 2, ItemID: 7}))

	a.RemoveTarget(2, 5)
	assert.Equal(t, []int64{6}, a.ListSpecificItems())

	a.RemoveGroup(2)
	assert.False(t, a.ContainsGroup(2))
	assert.True(t, a.ContainsGroup(1))

	a.RemoveGroup(1)
	assert.Equal(t, 0, a.TargetCount())
	assert.False(t, a.Enabled())
}
