package sender

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"bulkmail/backend/internal/domain"
	"bulkmail/backend/internal/msgraph"
	"bulkmail/backend/internal/outbox"
)

type recordingStore struct {
	secrets map[string]string
}

func (s *recordingStore) UpdateOutboxSecret(_ context.Context, _ int64, email, secret string) error {
	s.secrets[email] = secret
	return nil
}

type plainEncrypter struct{}

func (plainEncrypter) Encrypt(_ int64, plaintext string) (string, error) { return "enc:" + plaintext, nil }

type fakeGraph struct {
	*httptest.Server
	tokenStatus atomic.Int32
	sendStatus  atomic.Int32
	tokenCalls  atomic.Int32
	sendCalls   atomic.Int32
}

func newFakeGraph(t *testing.T) *fakeGraph {
	t.Helper()
	fg := &fakeGraph{}
	fg.tokenStatus.Store(http.StatusOK)
	fg.sendStatus.Store(http.StatusAccepted)

	mux := http.NewServeMux()
	mux.HandleFunc("/token", func(w http.ResponseWriter, r *http.Request) {
		fg.tokenCalls.Add(1)
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(int(fg.tokenStatus.Load()))
		if fg.tokenStatus.Load() != http.StatusOK {
			fmt.Fprint(w, `{"error":"invalid_grant","error_description":"refresh token revoked"}`)
			return
		}
		fmt.Fprint(w, `{"access_token":"at","refresh_token":"rotated","scope":"Mail.Send","expires_in":3600}`)
	})
	mux.HandleFunc("/v1.0/me/sendMail", func(w http.ResponseWriter, r *http.Request) {
		fg.sendCalls.Add(1)
		w.WriteHeader(int(fg.sendStatus.Load()))
	})
	fg.Server = httptest.NewServer(mux)
	t.Cleanup(fg.Close)
	return fg
}

func (fg *fakeGraph) sender(store msgraph.TokenStore) *GraphSender {
	return NewGraphSender(GraphConfig{
		Store:     store,
		Encrypter: plainEncrypter{},
		ClientOptions: []msgraph.Option{
			msgraph.WithEndpoints(msgraph.Endpoints{
				TokenURL:     fg.URL + "/token",
				AuthorityURL: fg.URL,
				GraphURL:     fg.URL + "/v1.0",
			}),
			msgraph.WithHTTPClient(fg.Client()),
		},
	})
}

func graphOutbox(t *testing.T) *outbox.Address {
	return newTestOutbox(t, &domain.Outbox{ID: 11, UserID: 5, Email: "me@outlook.com", UserName: "client-id"}, "initial-refresh")
}

func TestGraphSender_Send(t *testing.T) {
	t.Run("认证并保存轮换的令牌", func(t *testing.T) {
		fg := newFakeGraph(t)
		store := &recordingStore{secrets: map[string]string{}}
		g := fg.sender(store)
		ob := graphOutbox(t)

		job := &Job{Meta: newTestMeta(t, ob)}
		require.NoError(t, g.Send(context.Background(), job))
		assert.Equal(t, "enc:rotated", store.secrets["me@outlook.com"])
		assert.NotEmpty(t, job.Result)

		// 同一发件箱复用客户端与令牌
		require.NoError(t, g.Send(context.Background(), &Job{Meta: newTestMeta(t, ob)}))
		assert.Equal(t, int32(1), fg.tokenCalls.Load())
		assert.Equal(t, int32(2), fg.sendCalls.Load())
	})

	t.Run("认证失败时发件箱失效", func(t *testing.T) {
		fg := newFakeGraph(t)
		fg.tokenStatus.Store(http.StatusBadRequest)
		g := fg.sender(nil)

		err := g.Send(context.Background(), &Job{Meta: newTestMeta(t, graphOutbox(t))})
		assert.Equal(t, OutcomeOutboxFatal, Classify(err))
		assert.Contains(t, err.Error(), "refresh token revoked")
		assert.Equal(t, int32(0), fg.sendCalls.Load())
	})

	t.Run("令牌服务不可达为临时失败", func(t *testing.T) {
		fg := newFakeGraph(t)
		g := fg.sender(nil)
		fg.Close()

		err := g.Send(context.Background(), &Job{Meta: newTestMeta(t, graphOutbox(t))})
		require.Error(t, err)
		assert.Equal(t, OutcomeTransient, Classify(err))
		assert.ErrorIs(t, err, msgraph.ErrTokenUnavailable)
	})

	t.Run("令牌服务5xx为临时失败", func(t *testing.T) {
		fg := newFakeGraph(t)
		fg.tokenStatus.Store(http.StatusServiceUnavailable)
		g := fg.sender(nil)

		err := g.Send(context.Background(), &Job{Meta: newTestMeta(t, graphOutbox(t))})
		assert.Equal(t, OutcomeTransient, Classify(err))
		assert.Equal(t, int32(0), fg.sendCalls.Load())
	})

	t.Run("上下文取消为临时失败", func(t *testing.T) {
		fg := newFakeGraph(t)
		g := fg.sender(nil)
		ctx, cancel := context.WithCancel(context.Background())
		cancel()

		err := g.Send(ctx, &Job{Meta: newTestMeta(t, graphOutbox(t))})
		assert.Equal(t, OutcomeTransient, Classify(err))
		assert.ErrorIs(t, err, context.Canceled)
	})

	t.Run("发送失败为临时失败", func(t *testing.T) {
		fg := newFakeGraph(t)
		fg.sendStatus.Store(http.StatusServiceUnavailable)
		g := fg.sender(nil)

		err := g.Send(context.Background(), &Job{Meta: newTestMeta(t, graphOutbox(t))})
		assert.Equal(t, OutcomeTransient, Classify(err))

		var se *msgraph.SendError
		require.ErrorAs(t, err, &se)
		assert.Equal(t, http.StatusServiceUnavailable, se.StatusCode)
	})

	t.Run("Forget后重新认证", func(t *testing.T) {
		fg := newFakeGraph(t)
		g := fg.sender(nil)
		ob := graphOutbox(t)

		require.NoError(t, g.Send(context.Background(), &Job{Meta: newTestMeta(t, ob)}))
		g.Forget(ob.ID)
		require.NoError(t, g.Send(context.Background(), &Job{Meta: newTestMeta(t, ob)}))
		assert.Equal(t, int32(2), fg.tokenCalls.Load())
	})
}

func TestRegistry_Resolve(t *testing.T) {
	smtpSender := NewSMTPSender(SMTPConfig{})
	graphSender := NewGraphSender(GraphConfig{})
	reg := NewRegistry(smtpSender, graphSender)

	t.Run("Outlook发件箱优先使用Graph", func(t *testing.T) {
		ob := newTestOutbox(t, &domain.Outbox{Email: "a@outlook.com", SMTPHost: "smtp-mail.outlook.com"}, "")
		s, err := reg.Resolve(ob)
		require.NoError(t, err)
		assert.Equal(t, "msgraph", s.Name())
	})

	t.Run("普通发件箱使用SMTP", func(t *testing.T) {
		ob := newTestOutbox(t, &domain.Outbox{Email: "a@example.com", SMTPHost: "smtp.example.com"}, "")
		s, err := reg.Resolve(ob)
		require.NoError(t, err)
		assert.Equal(t, "smtp", s.Name())
	})

	t.Run("没有匹配的插件", func(t *testing.T) {
		ob := newTestOutbox(t, &domain.Outbox{Email: "a@example.com"}, "")
		_, err := reg.Resolve(ob)
		assert.ErrorIs(t, err, ErrNoSender)
		assert.Equal(t, OutcomePermanent, Classify(err))
	})
}
