package sender

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/emersion/go-sasl"
	gosmtp "github.com/emersion/go-smtp"
	"go.uber.org/zap"

	"bulkmail/backend/internal/outbox"
)

// SMTPConfig SMTP 发送配置
type SMTPConfig struct {
	LocalName      string        // EHLO 名称
	Timeout        time.Duration // 单次发送的读写超时
	TLSConfig      *tls.Config   // 为空时使用系统证书
	PreventSending bool
	Logger         *zap.Logger
}

// SMTPSender 通过 SMTP 发送
type SMTPSender struct {
	cfg SMTPConfig
	log *zap.Logger
	now func() time.Time

	startTLS sync.Map // host:port -> true，已确认支持 STARTTLS
}

// ErrAuthUnsupported 配置了账号但服务器不支持 AUTH
var ErrAuthUnsupported = errors.New("sender: smtp server does not advertise AUTH")

// NewSMTPSender 创建 SMTP 发送插件
func NewSMTPSender(cfg SMTPConfig) *SMTPSender {
	if cfg.LocalName == "" {
		cfg.LocalName = "localhost"
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 60 * time.Second
	}
	log := cfg.Logger
	if log == nil {
		log = zap.NewNop()
	}
	return &SMTPSender{cfg: cfg, log: log, now: time.Now}
}

func (s *SMTPSender) Name() string { return "smtp" }

func (s *SMTPSender) Order() int { return 10 }

// Match 配置了 SMTP 主机的发件箱
func (s *SMTPSender) Match(addr *outbox.Address) bool {
	return addr.SMTPHost != ""
}

// Send 连接 SMTP 服务器并投递
func (s *SMTPSender) Send(ctx context.Context, job *Job) error {
	meta := job.Meta
	ob := meta.Outbox
	if ob == nil {
		return fatal(ErrNoOutbox)
	}

	msg, err := Compose(meta, s.now())
	if err != nil {
		return permanent(err)
	}

	if s.cfg.PreventSending {
		job.Result = PreventedMessage
		return nil
	}

	client, err := s.connect(ctx, job)
	if err != nil {
		return classifySMTP(err)
	}
	defer client.Close()

	if err := s.deliver(client, ob, meta.Recipients(), msg); err != nil {
		return classifySMTP(err)
	}

	job.Result = "sent via " + ob.SMTPHost
	s.log.Debug("smtp message sent",
		zap.String("outbox", ob.Email),
		zap.Int64("item_id", meta.ID),
		zap.Int("recipients", len(meta.Recipients())),
	)
	return nil
}

// connect 建立连接并完成认证
//
// EnableSSL 时使用隐式 TLS；否则服务器声明 STARTTLS 时升级。升级需要新连接，
// 已确认支持 STARTTLS 的地址会记住，之后直接走 STARTTLS
func (s *SMTPSender) connect(ctx context.Context, job *Job) (*gosmtp.Client, error) {
	ob := job.Meta.Outbox
	addr := net.JoinHostPort(ob.SMTPHost, strconv.Itoa(ob.SMTPPort))

	var (
		client *gosmtp.Client
		err    error
	)
	switch {
	case ob.EnableSSL:
		client, err = s.dialTLS(ctx, job, addr)
	case s.knownStartTLS(addr):
		client, err = s.dialStartTLS(ctx, job, addr)
	default:
		client, err = s.dialPlain(ctx, job, addr)
		if err == nil {
			if ok, _ := client.Extension("STARTTLS"); ok {
				client.Close()
				s.startTLS.Store(addr, true)
				client, err = s.dialStartTLS(ctx, job, addr)
			}
		}
	}
	if err != nil {
		return nil, err
	}

	if ob.UserName != "" {
		if ok, _ := client.Extension("AUTH"); !ok {
			client.Close()
			return nil, fatal(fmt.Errorf("%w: %s", ErrAuthUnsupported, addr))
		}
		if err := client.Auth(sasl.NewPlainClient("", ob.UserName, ob.Password)); err != nil {
			client.Close()
			return nil, err
		}
	}
	return client, nil
}

func (s *SMTPSender) knownStartTLS(addr string) bool {
	v, ok := s.startTLS.Load(addr)
	return ok && v.(bool)
}

// dial 建立 TCP 连接（经代理或直连），并设置整体读写截止时间
func (s *SMTPSender) dial(ctx context.Context, job *Job, addr string) (net.Conn, error) {
	dialCtx, cancel := context.WithTimeout(ctx, s.cfg.Timeout)
	defer cancel()

	var (
		conn net.Conn
		err  error
	)
	if job.Proxy != nil {
		conn, err = job.Proxy.DialContext(dialCtx, "tcp", addr)
	} else {
		d := &net.Dialer{Timeout: s.cfg.Timeout}
		conn, err = d.DialContext(dialCtx, "tcp", addr)
	}
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", addr, err)
	}

	deadline := time.Now().Add(s.cfg.Timeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	_ = conn.SetDeadline(deadline)
	return conn, nil
}

func (s *SMTPSender) dialPlain(ctx context.Context, job *Job, addr string) (*gosmtp.Client, error) {
	conn, err := s.dial(ctx, job, addr)
	if err != nil {
		return nil, err
	}
	client := gosmtp.NewClient(conn)
	if err := client.Hello(s.cfg.LocalName); err != nil {
		client.Close()
		return nil, err
	}
	return client, nil
}

func (s *SMTPSender) dialTLS(ctx context.Context, job *Job, addr string) (*gosmtp.Client, error) {
	conn, err := s.dial(ctx, job, addr)
	if err != nil {
		return nil, err
	}
	tlsConn := tls.Client(conn, s.tlsConfig(job.Meta.Outbox.SMTPHost))
	if err := tlsConn.HandshakeContext(ctx); err != nil {
		conn.Close()
		return nil, fmt.Errorf("tls handshake: %w", err)
	}
	client := gosmtp.NewClient(tlsConn)
	if err := client.Hello(s.cfg.LocalName); err != nil {
		client.Close()
		return nil, err
	}
	return client, nil
}

func (s *SMTPSender) dialStartTLS(ctx context.Context, job *Job, addr string) (*gosmtp.Client, error) {
	conn, err := s.dial(ctx, job, addr)
	if err != nil {
		return nil, err
	}
	client, err := gosmtp.NewClientStartTLS(conn, s.tlsConfig(job.Meta.Outbox.SMTPHost))
	if err != nil {
		return nil, fmt.Errorf("starttls: %w", err)
	}
	// 升级后需要重新 EHLO
	if err := client.Hello(s.cfg.LocalName); err != nil {
		client.Close()
		return nil, err
	}
	return client, nil
}

func (s *SMTPSender) deliver(client *gosmtp.Client, ob *outbox.Address, rcpts []string, msg []byte) error {
	if err := client.Mail(ob.Email, nil); err != nil {
		return err
	}
	for _, rcpt := range rcpts {
		if err := client.Rcpt(rcpt, nil); err != nil {
			return err
		}
	}

	w, err := client.Data()
	if err != nil {
		return err
	}
	if _, err := w.Write(msg); err != nil {
		w.Close()
		return err
	}
	if err := w.Close(); err != nil {
		return err
	}

	if err := client.Quit(); err != nil {
		s.log.Debug("smtp quit failed", zap.String("outbox", ob.Email), zap.Error(err))
	}
	return nil
}

func (s *SMTPSender) tlsConfig(host string) *tls.Config {
	var cfg *tls.Config
	if s.cfg.TLSConfig != nil {
		cfg = s.cfg.TLSConfig.Clone()
	} else {
		cfg = &tls.Config{MinVersion: tls.VersionTLS12}
	}
	if cfg.ServerName == "" {
		cfg.ServerName = host
	}
	return cfg
}

// classifySMTP 认证类错误 ⇒ 发件箱失效；其他 5xx ⇒ 永久失败；4xx 和网络错误 ⇒ 临时失败
func classifySMTP(err error) error {
	var se *gosmtp.SMTPError
	if !errors.As(err, &se) {
		return err
	}
	switch {
	case se.Code == 530 || se.Code == 534 || se.Code == 535:
		return fatal(err)
	case se.Code >= 500:
		return permanent(err)
	default:
		return err
	}
}
