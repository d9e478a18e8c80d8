package waitlist

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"bulkmail/backend/internal/domain"
	"bulkmail/backend/internal/outbox"
)

func newMeta(id int64) *SendItemMeta {
	return NewSendItemMeta(&domain.SendingItem{ID: id, GroupID: 1, UserID: 1})
}

func TestSendItemMeta_Complete(t *testing.T) {
	t.Run("未绑定列表时失败", func(t *testing.T) {
		m := newMeta(1)
		m.SetStatus(domain.SendingItemStatusSuccess, "")
		assert.ErrorIs(t, m.Complete(), ErrNoParent)
	})

	t.Run("成功后从回收站移除", func(t *testing.T) {
		l := NewMetaList(1)
		l.Add(newMeta(1))
		m, ok := l.Take()
		require.True(t, ok)

		m.SetStatus(domain.SendingItemStatusSuccess, "")
		require.NoError(t, m.Complete())

		assert.False(t, l.InRecycle(1))
		assert.False(t, l.Contains(1))
		assert.Equal(t, 1, l.SuccessCount())
		assert.True(t, l.Done())
	})

	t.Run("失败后从回收站移除", func(t *testing.T) {
		l := NewMetaList(1)
		l.Add(newMeta(1))
		m, _ := l.Take()

		m.SetStatus(domain.SendingItemStatusError, "550 mailbox unavailable")
		require.NoError(t, m.Complete())

		assert.Equal(t, 1, l.FailedCount())
		assert.Equal(t, 0, l.WaitingCount())
		assert.Equal(t, 0, m.TriedCount())
	})

	t.Run("未设置状态视为重试", func(t *testing.T) {
		l := NewMetaList(1)
		l.Add(newMeta(1))
		m, _ := l.Take()

		require.NoError(t, m.Complete())

		assert.True(t, l.Contains(1))
		assert.False(t, l.InRecycle(1))
		assert.Equal(t, 1, m.TriedCount())
	})

	t.Run("Pending状态视为重试", func(t *testing.T) {
		l := NewMetaList(1)
		l.Add(newMeta(1))
		m, _ := l.Take()

		m.SetStatus(domain.SendingItemStatusPending, "421 try later")
		require.NoError(t, m.Complete())

		assert.True(t, l.Contains(1))
		assert.Equal(t, 1, m.TriedCount())
		assert.Equal(t, "421 try later", m.Message())
	})
}

func TestMetaList_Transitions(t *testing.T) {
	l := NewMetaList(1)
	assert.Equal(t, 2, l.Add(newMeta(1), newMeta(2)))
	assert.Equal(t, 0, l.Add(newMeta(1)))

	assert.True(t, l.MoveToRecycle(2))
	assert.False(t, l.MoveToRecycle(2))
	assert.True(t, l.InRecycle(2))
	assert.Equal(t, 1, l.WaitingCount())
	assert.Equal(t, 1, l.InFlightCount())

	assert.True(t, l.PutBack(2))
	assert.Equal(t, 2, l.WaitingCount())

	// 先进先出
	m, ok := l.Take()
	require.True(t, ok)
	assert.Equal(t, int64(1), m.ID)

	assert.False(t, l.Done())
}

func TestMetaList_TakeMatching(t *testing.T) {
	l := NewMetaList(1)
	l.Add(newMeta(1), newMeta(2), newMeta(3))

	t.Run("取第一个满足条件的条目", func(t *testing.T) {
		m, ok := l.TakeMatching(func(m *SendItemMeta) bool { return m.ID%2 == 0 })
		require.True(t, ok)
		assert.Equal(t, int64(2), m.ID)
		assert.True(t, l.InRecycle(2))
		assert.Equal(t, 2, l.WaitingCount())
	})

	t.Run("没有满足条件的条目", func(t *testing.T) {
		_, ok := l.TakeMatching(func(m *SendItemMeta) bool { return m.ID > 10 })
		assert.False(t, ok)
		assert.Equal(t, 2, l.WaitingCount())
	})

	t.Run("条件为空时取队首", func(t *testing.T) {
		m, ok := l.TakeMatching(nil)
		require.True(t, ok)
		assert.Equal(t, int64(1), m.ID)
	})

	t.Run("队列为空", func(t *testing.T) {
		empty := NewMetaList(2)
		_, ok := empty.TakeMatching(nil)
		assert.False(t, ok)
		_, ok = empty.Take()
		assert.False(t, ok)
	})
}

func TestMetaList_Remove(t *testing.T) {
	l := NewMetaList(1)
	l.Add(newMeta(1), newMeta(2))
	_, _ = l.Take()

	t.Run("从回收站移除", func(t *testing.T) {
		assert.True(t, l.Remove(1))
		assert.False(t, l.InRecycle(1))
	})

	t.Run("从等待队列移除", func(t *testing.T) {
		assert.True(t, l.Remove(2))
		assert.False(t, l.Contains(2))
	})

	t.Run("不存在的条目", func(t *testing.T) {
		assert.False(t, l.Remove(3))
	})

	assert.True(t, l.Done())
	assert.Equal(t, 0, l.SuccessCount())
	assert.Equal(t, 0, l.FailedCount())

	// 移除后可以重新加入
	assert.Equal(t, 1, l.Add(newMeta(1)))
}

func TestMetaList_DrainWaiting(t *testing.T) {
	l := NewMetaList(1)
	l.Add(newMeta(1), newMeta(2), newMeta(3))
	_, _ = l.Take()

	drained := l.DrainWaiting()
	require.Len(t, drained, 2)
	assert.Equal(t, int64(2), drained[0].ID)
	for _, m := range drained {
		assert.Equal(t, domain.SendingItemStatusNone, m.Status())
	}
	assert.Equal(t, 0, l.WaitingCount())
	assert.Equal(t, 1, l.InFlightCount())
	assert.Equal(t, 0, l.FailedCount())
	assert.Empty(t, l.DrainWaiting())
}

func TestMetaList_Cancel(t *testing.T) {
	l := NewMetaList(1)
	l.Add(newMeta(1), newMeta(2), newMeta(3))
	inFlight, _ := l.Take()

	cancelled := l.Cancel("cancelled")

	assert.Len(t, cancelled, 2)
	for _, m := range cancelled {
		assert.Equal(t, domain.SendingItemStatusError, m.Status())
	}
	assert.Equal(t, 2, l.FailedCount())
	assert.False(t, l.Done())

	inFlight.SetStatus(domain.SendingItemStatusSuccess, "")
	require.NoError(t, inFlight.Complete())
	assert.True(t, l.Done())
}

func TestMetaList_ConcurrentComplete(t *testing.T) {
	const total = 600
	const workers = 12

	l := NewMetaList(1)
	metas := make([]*SendItemMeta, 0, total)
	for i := int64(1); i <= total; i++ {
		metas = append(metas, newMeta(i))
	}
	l.Add(metas...)
	for _, m := range metas {
		require.True(t, l.MoveToRecycle(m.ID))
	}

	var wg sync.WaitGroup
	jobs := make(chan *SendItemMeta)
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for m := range jobs {
				switch m.ID % 3 {
				case 0:
					m.SetStatus(domain.SendingItemStatusSuccess, "")
				case 1:
					m.SetStatus(domain.SendingItemStatusError, "failed")
				}
				assert.NoError(t, m.Complete())
			}
		}()
	}
	for _, m := range metas {
		jobs <- m
	}
	close(jobs)
	wg.Wait()

	assert.Equal(t, total/3, l.SuccessCount())
	assert.Equal(t, total/3, l.FailedCount())
	assert.Equal(t, total/3, l.WaitingCount())
	assert.Equal(t, 0, l.InFlightCount())
	for _, m := range metas {
		if m.ID%3 == 2 {
			assert.True(t, l.Contains(m.ID))
			assert.Equal(t, 1, m.TriedCount())
		} else {
			assert.False(t, l.Contains(m.ID))
		}
	}
}

func TestSendItemMeta_Validate(t *testing.T) {
	addr, err := outbox.NewAddress(&domain.Outbox{ID: 1, Email: "from@example.com"}, "", domain.OutboxTypeShared,
		domain.SendingTargetID{GroupID: 1})
	require.NoError(t, err)

	m := newMeta(1)
	assertValid := func(want ValidationCode) {
		t.Helper()
		code, ok := m.Validate()
		assert.Equal(t, want, code)
		assert.Equal(t, want == ValidOK, ok)
	}

	assertValid(ValidOutbox)

	m.Outbox = addr
	assertValid(ValidInbox)

	m.Inboxes = []string{"to@example.com"}
	assertValid(ValidContent)

	m.Body = "<p>hello</p>"
	assertValid(ValidOK)
}

func TestSendItemMeta_Fill(t *testing.T) {
	group := &domain.SendingGroup{
		ID:            1,
		Subject:       "group subject",
		Body:          "group body",
		MaxRetryCount: 3,
		ProxyIDs:      []int64{7, 8},
	}
	item := &domain.SendingItem{
		ID:      5,
		GroupID: 1,
		Inboxes: []string{"a@x.com", "bad", "a@x.com"},
		CC:      []string{"c@x.com"},
		BCC:     []string{"d@x.com"},
		Body:    "item body",
	}

	m := NewSendItemMeta(item)
	m.Fill(item, group)

	assert.Equal(t, "group subject", m.Subject)
	assert.Equal(t, "item body", m.Body)
	assert.Equal(t, []string{"a@x.com"}, m.Inboxes)
	assert.Equal(t, []string{"a@x.com", "c@x.com", "d@x.com"}, m.Recipients())
	assert.Equal(t, 3, m.MaxRetryCount)

	t.Run("回复地址优先使用自身", func(t *testing.T) {
		m.SetReplyTo([]string{"own@x.com"}, []string{"global@x.com"})
		assert.Equal(t, []string{"own@x.com"}, m.ReplyTo)
		m.SetReplyTo(nil, []string{"global@x.com"})
		assert.Equal(t, []string{"global@x.com"}, m.ReplyTo)
	})

	t.Run("条目代理优先", func(t *testing.T) {
		m.ResolveProxyIDs(3, 4, group.ProxyIDs)
		assert.Equal(t, []int64{3}, m.ProxyIDs)
		m.ResolveProxyIDs(0, 4, group.ProxyIDs)
		assert.Equal(t, []int64{4}, m.ProxyIDs)
		m.ResolveProxyIDs(0, 0, group.ProxyIDs)
		assert.Equal(t, []int64{7, 8}, m.ProxyIDs)
	})

	t.Run("超过重试上限", func(t *testing.T) {
		assert.False(t, m.ExceedsRetryBudget())
		m.tried = 4
		assert.True(t, m.ExceedsRetryBudget())
	})
}
