package sender

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"bulkmail/backend/internal/msgraph"
	"bulkmail/backend/internal/outbox"
)

// GraphConfig Graph 发送配置
type GraphConfig struct {
	Store          msgraph.TokenStore
	Encrypter      msgraph.Encrypter
	ClientOptions  []msgraph.Option
	PreventSending bool
	Logger         *zap.Logger
}

// GraphSender 通过 Microsoft Graph 发送，不使用代理
type GraphSender struct {
	cfg GraphConfig
	log *zap.Logger
	now func() time.Time

	mu      sync.Mutex
	clients map[int64]*msgraph.Client
}

// NewGraphSender 创建 Graph 发送插件
func NewGraphSender(cfg GraphConfig) *GraphSender {
	log := cfg.Logger
	if log == nil {
		log = zap.NewNop()
	}
	return &GraphSender{
		cfg:     cfg,
		log:     log,
		now:     time.Now,
		clients: make(map[int64]*msgraph.Client),
	}
}

func (g *GraphSender) Name() string { return "msgraph" }

func (g *GraphSender) Order() int { return 0 }

// Match Exchange / Outlook 发件箱
func (g *GraphSender) Match(addr *outbox.Address) bool {
	return msgraph.IsExchangeEmail(addr.Email, addr.SMTPHost)
}

// Send 认证（必要时保存轮换后的刷新令牌）后发送
func (g *GraphSender) Send(ctx context.Context, job *Job) error {
	meta := job.Meta
	ob := meta.Outbox
	if ob == nil {
		return fatal(ErrNoOutbox)
	}

	msg, err := Compose(meta, g.now())
	if err != nil {
		return permanent(err)
	}

	if g.cfg.PreventSending {
		job.Result = PreventedMessage
		return nil
	}

	client := g.client(ob.ID)
	if err := client.AuthenticateAndPersist(ctx, ob.Email, ob.UserName, ob.Password, ob.UserID, g.cfg.Store, g.cfg.Encrypter); err != nil {
		g.log.Warn("msgraph authentication failed", zap.String("outbox", ob.Email), zap.Error(err))
		if msgraph.IsAuthError(err) {
			return fatal(err)
		}
		return err
	}

	if err := client.Send(ctx, msg); err != nil {
		return err
	}

	job.Result = "sent via microsoft graph"
	g.log.Debug("msgraph message sent", zap.String("outbox", ob.Email), zap.Int64("item_id", meta.ID))
	return nil
}

// Forget 丢弃发件箱对应的客户端
func (g *GraphSender) Forget(outboxID int64) {
	g.mu.Lock()
	delete(g.clients, outboxID)
	g.mu.Unlock()
}

func (g *GraphSender) client(outboxID int64) *msgraph.Client {
	g.mu.Lock()
	defer g.mu.Unlock()

	c, ok := g.clients[outboxID]
	if !ok {
		opts := append([]msgraph.Option{msgraph.WithLogger(g.log)}, g.cfg.ClientOptions...)
		c = msgraph.NewClient(opts...)
		g.clients[outboxID] = c
	}
	return c
}
