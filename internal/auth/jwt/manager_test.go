package jwt

import (
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testSecret = "test-secret-test-secret-test-secret"

func TestManager_ValidateToken(t *testing.T) {
	m := NewManager(testSecret, "bulkmail")

	t.Run("有效令牌", func(t *testing.T) {
		token, err := m.GenerateToken(42, "", time.Hour)
		require.NoError(t, err)

		claims, err := m.ValidateToken(token)
		require.NoError(t, err)
		assert.Equal(t, int64(42), claims.UserID)
		assert.Equal(t, "42", claims.Subject)
		assert.False(t, claims.IsAdmin())
		assert.True(t, claims.CanAccess(42))
		assert.False(t, claims.CanAccess(43))
	})

	t.Run("管理员可以访问所有用户", func(t *testing.T) {
		token, err := m.GenerateToken(1, RoleAdmin, time.Hour)
		require.NoError(t, err)

		claims, err := m.ValidateToken(token)
		require.NoError(t, err)
		assert.True(t, claims.CanAccess(99))
	})

	t.Run("过期令牌", func(t *testing.T) {
		token, err := m.GenerateToken(42, "", -time.Minute)
		require.NoError(t, err)

		_, err = m.ValidateToken(token)
		assert.ErrorIs(t, err, ErrExpiredToken)
	})

	t.Run("密钥不同", func(t *testing.T) {
		other := NewManager("another-secret-another-secret-0000", "bulkmail")
		token, err := other.GenerateToken(42, "", time.Hour)
		require.NoError(t, err)

		_, err = m.ValidateToken(token)
		assert.ErrorIs(t, err, ErrInvalidToken)
	})

	t.Run("签发者不同", func(t *testing.T) {
		other := NewManager(testSecret, "someone-else")
		token, err := other.GenerateToken(42, "", time.Hour)
		require.NoError(t, err)

		_, err = m.ValidateToken(token)
		assert.ErrorIs(t, err, ErrInvalidToken)
	})

	t.Run("拒绝其他签名算法", func(t *testing.T) {
		token := jwt.NewWithClaims(jwt.SigningMethodNone, Claims{UserID: 42})
		signed, err := token.SignedString(jwt.UnsafeAllowNoneSignatureType)
		require.NoError(t, err)

		_, err = m.ValidateToken(signed)
		assert.ErrorIs(t, err, ErrInvalidToken)
	})

	t.Run("缺少用户ID", func(t *testing.T) {
		token, err := m.GenerateToken(0, "", time.Hour)
		require.NoError(t, err)

		_, err = m.ValidateToken(token)
		assert.ErrorIs(t, err, ErrInvalidToken)
	})

	t.Run("格式错误", func(t *testing.T) {
		_, err := m.ValidateToken("not-a-token")
		assert.ErrorIs(t, err, ErrInvalidToken)
	})
}
