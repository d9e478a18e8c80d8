package hybrid

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"bulkmail/backend/internal/domain"
	"bulkmail/backend/internal/storage"
	"bulkmail/backend/internal/storage/memory"
)

type mockCache struct {
	mock.Mock
}

func (m *mockCache) CacheSendingGroup(ctx context.Context, group *domain.SendingGroup, ttl time.Duration) error {
	return m.Called(group.ID, ttl).Error(0)
}

func (m *mockCache) GetCachedSendingGroup(ctx context.Context, groupID int64) (*domain.SendingGroup, error) {
	args := m.Called(groupID)
	group, _ := args.Get(0).(*domain.SendingGroup)
	return group, args.Error(1)
}

func (m *mockCache) DeleteCachedSendingGroup(ctx context.Context, groupID int64) error {
	return m.Called(groupID).Error(0)
}

// pingCounter 独立计数存储
type pingCounter struct {
	*memory.Store
	pingErr error
}

func (p *pingCounter) Ping(ctx context.Context) error { return p.pingErr }

func TestNewStore_RequiresBase(t *testing.T) {
	_, err := NewStore(nil)
	assert.Error(t, err)
}

func TestStore_GroupCache(t *testing.T) {
	ctx := context.Background()
	base := memory.NewStore()
	group := &domain.SendingGroup{UserID: 1, Subject: "hi"}
	require.NoError(t, base.SaveSendingGroup(ctx, group))

	t.Run("未命中时回源并写入缓存", func(t *testing.T) {
		cache := new(mockCache)
		cache.On("GetCachedSendingGroup", group.ID).Return(nil, storage.ErrNotFound).Once()
		cache.On("CacheSendingGroup", group.ID, time.Minute).Return(nil).Once()

		s, err := NewStore(base, WithGroupCache(cache, time.Minute))
		require.NoError(t, err)

		got, err := s.GetSendingGroup(ctx, group.ID)
		require.NoError(t, err)
		assert.Equal(t, "hi", got.Subject)
		cache.AssertExpectations(t)
	})

	t.Run("命中缓存不访问底层存储", func(t *testing.T) {
		cache := new(mockCache)
		cache.On("GetCachedSendingGroup", int64(999)).Return(&domain.SendingGroup{ID: 999, Subject: "cached"}, nil).Once()

		s, _ := NewStore(base, WithGroupCache(cache, time.Minute))
		got, err := s.GetSendingGroup(ctx, 999)
		require.NoError(t, err)
		assert.Equal(t, "cached", got.Subject)
		cache.AssertExpectations(t)
	})

	t.Run("缓存故障时仍然可读", func(t *testing.T) {
		cache := new(mockCache)
		cache.On("GetCachedSendingGroup", group.ID).Return(nil, errors.New("connection refused"))
		cache.On("CacheSendingGroup", group.ID, time.Minute).Return(errors.New("connection refused"))

		s, _ := NewStore(base, WithGroupCache(cache, time.Minute))
		got, err := s.GetSendingGroup(ctx, group.ID)
		require.NoError(t, err)
		assert.Equal(t, group.ID, got.ID)
	})

	t.Run("更新状态使缓存失效", func(t *testing.T) {
		cache := new(mockCache)
		cache.On("DeleteCachedSendingGroup", group.ID).Return(nil).Once()

		s, _ := NewStore(base, WithGroupCache(cache, time.Minute))
		require.NoError(t, s.UpdateSendingGroupStatus(ctx, group.ID, domain.SendingGroupFinished, 1, 0))
		cache.AssertExpectations(t)

		got, _ := base.GetSendingGroup(ctx, group.ID)
		assert.Equal(t, domain.SendingGroupFinished, got.Status)
	})
}

func TestStore_Counters(t *testing.T) {
	ctx := context.Background()
	base := memory.NewStore()
	counters := &pingCounter{Store: memory.NewStore()}

	s, err := NewStore(base, WithCounters(counters))
	require.NoError(t, err)

	n, err := s.IncrSentToday(ctx, 1, "20240501")
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	// 计数只写入独立计数存储
	baseCount, _ := base.GetSentToday(ctx, 1, "20240501")
	assert.Zero(t, baseCount)
	got, _ := s.GetSentToday(ctx, 1, "20240501")
	assert.Equal(t, 1, got)

	t.Run("计数存储不可用时健康检查失败", func(t *testing.T) {
		require.NoError(t, s.Health(ctx))
		counters.pingErr = errors.New("down")
		assert.Error(t, s.Health(ctx))
	})
}
