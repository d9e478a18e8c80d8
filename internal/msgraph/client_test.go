package msgraph

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

// MockTokenStore 模拟令牌持久化
type MockTokenStore struct {
	mock.Mock
}

func (m *MockTokenStore) UpdateOutboxSecret(ctx context.Context, userID int64, email, secret string) error {
	args := m.Called(ctx, userID, email, secret)
	return args.Error(0)
}

// prefixEncrypter 测试用加密器
type prefixEncrypter struct{}

func (prefixEncrypter) Encrypt(ownerID int64, plaintext string) (string, error) {
	return fmt.Sprintf("enc(%d):%s", ownerID, plaintext), nil
}

// graphServer 模拟令牌与 Graph 服务
type graphServer struct {
	*httptest.Server
	tokenCalls  atomic.Int32
	tokenStatus int
	tokenBody   func(form map[string]string) string
	lastForm    map[string]string
	sendPath    string
	sendAuth    string
	sendBody    string
	sendStatus  int
}

func newGraphServer(t *testing.T) *graphServer {
	t.Helper()
	gs := &graphServer{tokenStatus: http.StatusOK, sendStatus: http.StatusAccepted}
	gs.tokenBody = func(form map[string]string) string {
		return `{"access_token":"access-1","refresh_token":"refresh-2","scope":"https://graph.microsoft.com/Mail.Send https://graph.microsoft.com/User.Read","expires_in":3600,"token_type":"Bearer"}`
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/common/oauth2/v2.0/token", gs.handleToken)
	mux.HandleFunc("/contoso/oauth2/v2.0/token", gs.handleToken)
	mux.HandleFunc("/v1.0/", func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		gs.sendPath = r.URL.EscapedPath()
		gs.sendAuth = r.Header.Get("Authorization")
		gs.sendBody = string(body)
		w.WriteHeader(gs.sendStatus)
		if gs.sendStatus != http.StatusAccepted {
			fmt.Fprint(w, `{"error":{"code":"ErrorInvalidRecipients"}}`)
		}
	})

	gs.Server = httptest.NewServer(mux)
	t.Cleanup(gs.Close)
	return gs
}

func (gs *graphServer) handleToken(w http.ResponseWriter, r *http.Request) {
	gs.tokenCalls.Add(1)
	_ = r.ParseForm()
	form := map[string]string{}
	for k := range r.PostForm {
		form[k] = r.PostForm.Get(k)
	}
	gs.lastForm = form

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(gs.tokenStatus)
	fmt.Fprint(w, gs.tokenBody(form))
}

func (gs *graphServer) client() *Client {
	return NewClient(
		WithEndpoints(Endpoints{
			TokenURL:     gs.URL + "/common/oauth2/v2.0/token",
			AuthorityURL: gs.URL,
			GraphURL:     gs.URL + "/v1.0",
		}),
		WithHTTPClient(gs.Server.Client()),
	)
}

func TestClient_RefreshTokenFlow(t *testing.T) {
	gs := newGraphServer(t)
	c := gs.client()
	ctx := context.Background()

	err := c.Authenticate(ctx, "alice@outlook.com", "client-123", "refresh-1")
	require.NoError(t, err)

	assert.Equal(t, map[string]string{
		"client_id":     "client-123",
		"refresh_token": "refresh-1",
		"grant_type":    "refresh_token",
		"scope":         "https://graph.microsoft.com/.default",
	}, gs.lastForm)

	result := c.Result()
	require.NotNil(t, result)
	assert.Equal(t, "access-1", result.AccessToken)
	assert.Equal(t, "refresh-2", result.RefreshToken)
	assert.True(t, result.IsPersonalAccount)

	t.Run("指纹相同时使用缓存", func(t *testing.T) {
		require.NoError(t, c.Authenticate(ctx, "alice@outlook.com", "client-123", "refresh-1"))
		assert.Equal(t, int32(1), gs.tokenCalls.Load())
	})

	t.Run("凭据变化时重新认证", func(t *testing.T) {
		require.NoError(t, c.Authenticate(ctx, "alice@outlook.com", "client-123", "refresh-other"))
		assert.Equal(t, int32(2), gs.tokenCalls.Load())
	})

	t.Run("发送到me", func(t *testing.T) {
		mime := []byte("Subject: hi\r\n\r\nbody")
		require.NoError(t, c.Send(ctx, mime))

		assert.Equal(t, "/v1.0/me/sendMail", gs.sendPath)
		assert.Equal(t, "Bearer access-1", gs.sendAuth)
		assert.Equal(t, base64.StdEncoding.EncodeToString(mime), gs.sendBody)
	})
}

func TestClient_RefreshTokenWithSecret(t *testing.T) {
	gs := newGraphServer(t)
	c := gs.client()

	err := c.Authenticate(context.Background(), "a@outlook.com", "client-123",
		`{"clientSecret":"s3cret","refreshToken":"refresh-1"}`)
	require.NoError(t, err)

	assert.Equal(t, "s3cret", gs.lastForm["client_secret"])
	assert.Equal(t, "refresh-1", gs.lastForm["refresh_token"])
}

func TestClient_AuthenticateFailures(t *testing.T) {
	t.Run("缺少Mail.Send权限不缓存结果", func(t *testing.T) {
		gs := newGraphServer(t)
		gs.tokenBody = func(map[string]string) string {
			return `{"access_token":"a","refresh_token":"r","scope":"User.Read","expires_in":3600}`
		}
		c := gs.client()

		err := c.Authenticate(context.Background(), "a@outlook.com", "client", "refresh")
		require.Error(t, err)
		assert.True(t, IsAuthError(err))
		assert.Contains(t, err.Error(), "Mail.Send")
		assert.Nil(t, c.Result())

		err = c.Authenticate(context.Background(), "a@outlook.com", "client", "refresh")
		assert.Error(t, err)
		assert.Equal(t, int32(2), gs.tokenCalls.Load())
	})

	t.Run("提取error_description", func(t *testing.T) {
		gs := newGraphServer(t)
		gs.tokenStatus = http.StatusBadRequest
		gs.tokenBody = func(map[string]string) string {
			return `{"error":"invalid_grant","error_description":"AADSTS70000: token expired"}`
		}
		c := gs.client()

		err := c.Authenticate(context.Background(), "a@outlook.com", "client", "refresh")
		var ae *AuthError
		require.ErrorAs(t, err, &ae)
		assert.Equal(t, "AADSTS70000: token expired", ae.Message)
	})

	t.Run("没有描述时使用默认消息", func(t *testing.T) {
		gs := newGraphServer(t)
		gs.tokenStatus = http.StatusUnauthorized
		gs.tokenBody = func(map[string]string) string { return `{}` }
		c := gs.client()

		err := c.Authenticate(context.Background(), "a@outlook.com", "client", "refresh")
		var ae *AuthError
		require.ErrorAs(t, err, &ae)
		assert.Equal(t, "unknown error", ae.Message)
	})

	t.Run("用户名格式错误", func(t *testing.T) {
		c := NewClient()
		for _, username := range []string{"", "   ", "tenant/", "/client"} {
			err := c.Authenticate(context.Background(), "a@x.com", username, "secret")
			assert.True(t, IsAuthError(err), username)
		}
	})
}

func TestClient_AuthenticateUnavailable(t *testing.T) {
	t.Run("网络错误不是认证错误", func(t *testing.T) {
		gs := newGraphServer(t)
		c := gs.client()
		gs.Close()

		err := c.Authenticate(context.Background(), "a@outlook.com", "client", "refresh")
		require.Error(t, err)
		assert.False(t, IsAuthError(err))
		assert.ErrorIs(t, err, ErrTokenUnavailable)
		assert.Nil(t, c.Result())
	})

	t.Run("上下文取消", func(t *testing.T) {
		gs := newGraphServer(t)
		ctx, cancel := context.WithCancel(context.Background())
		cancel()

		err := gs.client().Authenticate(ctx, "a@outlook.com", "client", "refresh")
		assert.False(t, IsAuthError(err))
		assert.ErrorIs(t, err, context.Canceled)
	})

	for _, status := range []int{http.StatusInternalServerError, http.StatusServiceUnavailable, http.StatusTooManyRequests} {
		t.Run(fmt.Sprintf("刷新令牌流状态码%d", status), func(t *testing.T) {
			gs := newGraphServer(t)
			gs.tokenStatus = status
			gs.tokenBody = func(map[string]string) string { return `{"error":"temporarily_unavailable"}` }

			err := gs.client().Authenticate(context.Background(), "a@outlook.com", "client", "refresh")
			assert.False(t, IsAuthError(err))
			assert.ErrorIs(t, err, ErrTokenUnavailable)
		})
	}

	t.Run("响应体无法解析", func(t *testing.T) {
		gs := newGraphServer(t)
		gs.tokenBody = func(map[string]string) string { return `<html>gateway</html>` }

		err := gs.client().Authenticate(context.Background(), "a@outlook.com", "client", "refresh")
		assert.False(t, IsAuthError(err))
		assert.ErrorIs(t, err, ErrTokenUnavailable)
	})

	t.Run("客户端凭据流5xx", func(t *testing.T) {
		gs := newGraphServer(t)
		gs.tokenStatus = http.StatusBadGateway
		gs.tokenBody = func(map[string]string) string { return `{}` }

		err := gs.client().Authenticate(context.Background(), "user@contoso.com", "contoso/app-1", "app-secret")
		assert.False(t, IsAuthError(err))
		assert.ErrorIs(t, err, ErrTokenUnavailable)
	})

	t.Run("客户端凭据流网络错误", func(t *testing.T) {
		gs := newGraphServer(t)
		c := gs.client()
		gs.Close()

		err := c.Authenticate(context.Background(), "user@contoso.com", "contoso/app-1", "app-secret")
		assert.False(t, IsAuthError(err))
		assert.ErrorIs(t, err, ErrTokenUnavailable)
	})

	t.Run("客户端凭据流被拒绝仍是认证错误", func(t *testing.T) {
		gs := newGraphServer(t)
		gs.tokenStatus = http.StatusUnauthorized
		gs.tokenBody = func(map[string]string) string {
			return `{"error":"invalid_client","error_description":"AADSTS7000215: invalid secret"}`
		}

		err := gs.client().Authenticate(context.Background(), "user@contoso.com", "contoso/app-1", "app-secret")
		var ae *AuthError
		require.ErrorAs(t, err, &ae)
		assert.Equal(t, "AADSTS7000215: invalid secret", ae.Message)
	})
}

func TestClient_ClientCredentialsFlow(t *testing.T) {
	gs := newGraphServer(t)
	access, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"roles": []string{"Mail.Send"},
	}).SignedString([]byte("test-key"))
	require.NoError(t, err)

	gs.tokenBody = func(map[string]string) string {
		raw, _ := json.Marshal(map[string]any{
			"access_token": access,
			"token_type":   "Bearer",
			"expires_in":   3600,
		})
		return string(raw)
	}
	c := gs.client()

	require.NoError(t, c.Authenticate(context.Background(), "user@contoso.com", "contoso/app-1", "app-secret"))
	assert.Equal(t, "client_credentials", gs.lastForm["grant_type"])
	assert.Equal(t, "app-1", gs.lastForm["client_id"])
	assert.Equal(t, "app-secret", gs.lastForm["client_secret"])
	assert.False(t, c.Result().IsPersonalAccount)

	require.NoError(t, c.Send(context.Background(), []byte("mime")))
	assert.Equal(t, "/v1.0/users/user@contoso.com/sendMail", gs.sendPath)
}

func TestClient_Send(t *testing.T) {
	t.Run("未认证", func(t *testing.T) {
		assert.ErrorIs(t, NewClient().Send(context.Background(), []byte("x")), ErrNotAuthenticated)
	})

	t.Run("非202返回错误", func(t *testing.T) {
		gs := newGraphServer(t)
		gs.sendStatus = http.StatusBadRequest
		c := gs.client()
		require.NoError(t, c.Authenticate(context.Background(), "a@outlook.com", "client", "refresh"))

		err := c.Send(context.Background(), []byte("x"))
		var se *SendError
		require.ErrorAs(t, err, &se)
		assert.Equal(t, http.StatusBadRequest, se.StatusCode)
		assert.Equal(t, "Bad Request", se.Reason)
		assert.Contains(t, se.Body, "ErrorInvalidRecipients")
	})
}

func TestClient_AuthenticateAndPersist(t *testing.T) {
	t.Run("刷新令牌变化时保存", func(t *testing.T) {
		gs := newGraphServer(t)
		c := gs.client()
		store := new(MockTokenStore)
		store.On("UpdateOutboxSecret", mock.Anything, int64(9), "a@outlook.com", "enc(9):refresh-2").Return(nil).Once()

		err := c.AuthenticateAndPersist(context.Background(), "a@outlook.com", "client", "refresh-1", 9, store, prefixEncrypter{})
		require.NoError(t, err)

		// 缓存命中，不再保存
		err = c.AuthenticateAndPersist(context.Background(), "a@outlook.com", "client", "refresh-1", 9, store, prefixEncrypter{})
		require.NoError(t, err)

		store.AssertExpectations(t)
	})

	t.Run("刷新令牌未变化时不保存", func(t *testing.T) {
		gs := newGraphServer(t)
		gs.tokenBody = func(form map[string]string) string {
			return fmt.Sprintf(`{"access_token":"a","refresh_token":%q,"scope":"Mail.Send","expires_in":3600}`, form["refresh_token"])
		}
		c := gs.client()
		store := new(MockTokenStore)

		err := c.AuthenticateAndPersist(context.Background(), "a@outlook.com", "client", "same", 1, store, prefixEncrypter{})
		require.NoError(t, err)
		store.AssertNotCalled(t, "UpdateOutboxSecret", mock.Anything, mock.Anything, mock.Anything, mock.Anything)
	})

	t.Run("JSON凭据保留客户端密钥", func(t *testing.T) {
		gs := newGraphServer(t)
		c := gs.client()
		store := new(MockTokenStore)
		store.On("UpdateOutboxSecret", mock.Anything, int64(1), "a@outlook.com",
			`enc(1):{"clientSecret":"cs","refreshToken":"refresh-2"}`).Return(nil).Once()

		err := c.AuthenticateAndPersist(context.Background(), "a@outlook.com", "client",
			`{"clientSecret":"cs","refreshToken":"refresh-1"}`, 1, store, prefixEncrypter{})
		require.NoError(t, err)
		store.AssertExpectations(t)
	})
}

func TestIsExchangeEmail(t *testing.T) {
	tests := []struct {
		email string
		host  string
		want  bool
	}{
		{"a@outlook.com", "", true},
		{"a@hotmail.co.uk", "", true},
		{"a@Live.com", "", true},
		{"a@contoso.com", "smtp.office365.com", true},
		{"a@contoso.com", "graph.microsoft.com", true},
		{"a@gmail.com", "smtp.gmail.com", false},
		{"invalid", "", false},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, IsExchangeEmail(tt.email, tt.host), tt.email)
	}
}

func TestSharedHTTPClient(t *testing.T) {
	assert.Same(t, sharedHTTPClient(), sharedHTTPClient())
	assert.Same(t, sharedHTTPClient(), NewClient().httpClient)
}
