// Package smtp 接收并记录邮件的 SMTP 捕获服务器
//
// 用于本地调试和发件测试：所有投递的邮件只解析并保存在内存中，不做任何转发。
package smtp

import (
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/emersion/go-sasl"
	gosmtp "github.com/emersion/go-smtp"
	"go.uber.org/zap"
)

var (
	// ErrTooManyConnections 连接数或新建速率超限
	ErrTooManyConnections = &gosmtp.SMTPError{
		Code:         421,
		EnhancedCode: gosmtp.EnhancedCode{4, 7, 0},
		Message:      "too many connections, try again later",
	}
	// ErrAuthFailed 认证失败
	ErrAuthFailed = &gosmtp.SMTPError{
		Code:         535,
		EnhancedCode: gosmtp.EnhancedCode{5, 7, 8},
		Message:      "authentication credentials invalid",
	}
	// ErrAuthRequired 未认证时拒绝 MAIL
	ErrAuthRequired = &gosmtp.SMTPError{
		Code:         530,
		EnhancedCode: gosmtp.EnhancedCode{5, 7, 0},
		Message:      "authentication required",
	}
)

// CapturedMessage 捕获到的一封邮件
type CapturedMessage struct {
	From       string
	Recipients []string
	Username   string
	TLS        bool // 是否经 TLS 接收（隐式 TLS 或 STARTTLS）
	Raw        []byte
	Parsed     *ParsedEmail
	ReceivedAt time.Time
}

// RcptFilter 收件人检查，返回非 nil 时拒绝该收件人
type RcptFilter func(rcpt string) *gosmtp.SMTPError

// Backend 实现 go-smtp 的 Backend 接口
type Backend struct {
	limiter     *ConnectionLimiter
	credentials map[string]string
	rcptFilter  RcptFilter
	maxMessages int
	log         *zap.Logger

	mu       sync.RWMutex
	messages []*CapturedMessage
	notify   chan struct{}
}

// BackendOption Backend 选项
type BackendOption func(*Backend)

// WithCredentials 要求 AUTH PLAIN，并只接受给定账号
func WithCredentials(creds map[string]string) BackendOption {
	return func(b *Backend) { b.credentials = creds }
}

// WithRcptFilter 设置收件人检查
func WithRcptFilter(f RcptFilter) BackendOption {
	return func(b *Backend) { b.rcptFilter = f }
}

// WithLimiter 设置连接限流器
func WithLimiter(l *ConnectionLimiter) BackendOption {
	return func(b *Backend) { b.limiter = l }
}

// WithMaxMessages 最多保留的邮件数，超出时丢弃最早的
func WithMaxMessages(n int) BackendOption {
	return func(b *Backend) { b.maxMessages = n }
}

// WithLogger 设置日志记录器
func WithLogger(log *zap.Logger) BackendOption {
	return func(b *Backend) { b.log = log }
}

// NewBackend 创建捕获 Backend
func NewBackend(opts ...BackendOption) *Backend {
	b := &Backend{
		maxMessages: 1000,
		log:         zap.NewNop(),
		notify:      make(chan struct{}),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// NewServer 创建 SMTP 服务器
func NewServer(addr, domain string, be *Backend) *gosmtp.Server {
	s := gosmtp.NewServer(be)
	s.Addr = addr
	s.Domain = domain
	s.ReadTimeout = 30 * time.Second
	s.WriteTimeout = 30 * time.Second
	s.MaxMessageBytes = 25 << 20
	s.MaxRecipients = 100
	s.AllowInsecureAuth = true
	return s
}

// NewSession 创建新的 SMTP 会话
func (b *Backend) NewSession(c *gosmtp.Conn) (gosmtp.Session, error) {
	if b.limiter != nil && !b.limiter.Acquire() {
		return nil, ErrTooManyConnections
	}
	return &session{backend: b, conn: c}, nil
}

// Messages 返回已捕获的邮件
func (b *Backend) Messages() []*CapturedMessage {
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := make([]*CapturedMessage, len(b.messages))
	copy(out, b.messages)
	return out
}

// Len 已捕获的邮件数
func (b *Backend) Len() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.messages)
}

// WaitFor 等待捕获到至少 n 封邮件
func (b *Backend) WaitFor(n int, timeout time.Duration) bool {
	deadline := time.NewTimer(timeout)
	defer deadline.Stop()
	for {
		b.mu.RLock()
		count := len(b.messages)
		ch := b.notify
		b.mu.RUnlock()
		if count >= n {
			return true
		}
		select {
		case <-ch:
		case <-deadline.C:
			return false
		}
	}
}

// Reset 清空已捕获的邮件
func (b *Backend) Reset() {
	b.mu.Lock()
	b.messages = nil
	b.mu.Unlock()
}

func (b *Backend) store(msg *CapturedMessage) {
	b.mu.Lock()
	b.messages = append(b.messages, msg)
	if b.maxMessages > 0 && len(b.messages) > b.maxMessages {
		b.messages = b.messages[len(b.messages)-b.maxMessages:]
	}
	close(b.notify)
	b.notify = make(chan struct{})
	b.mu.Unlock()

	b.log.Info("message captured",
		zap.String("from", msg.From),
		zap.Strings("rcpt", msg.Recipients),
		zap.String("subject", msg.Parsed.Subject),
		zap.Int("attachments", len(msg.Parsed.Attachments)),
	)
}

func (b *Backend) checkCredentials(username, password string) error {
	if want, ok := b.credentials[username]; ok && want == password {
		return nil
	}
	return ErrAuthFailed
}

type session struct {
	backend    *Backend
	conn       *gosmtp.Conn
	username   string
	from       string
	recipients []string
	closed     bool
}

// AuthMechanisms 配置了账号时只支持 PLAIN
func (s *session) AuthMechanisms() []string {
	if len(s.backend.credentials) == 0 {
		return nil
	}
	return []string{sasl.Plain}
}

// Auth 处理 AUTH 命令
func (s *session) Auth(mech string) (sasl.Server, error) {
	if mech != sasl.Plain {
		return nil, gosmtp.ErrAuthUnknownMechanism
	}
	return sasl.NewPlainServer(func(_, username, password string) error {
		if err := s.backend.checkCredentials(username, password); err != nil {
			return err
		}
		s.username = username
		return nil
	}), nil
}

// Mail 处理 MAIL 命令
func (s *session) Mail(from string, _ *gosmtp.MailOptions) error {
	if len(s.backend.credentials) > 0 && s.username == "" {
		return ErrAuthRequired
	}
	s.from = from
	return nil
}

// Rcpt 处理 RCPT 命令
func (s *session) Rcpt(to string, _ *gosmtp.RcptOptions) error {
	addr := normalizeAddress(to)
	if !strings.Contains(addr, "@") {
		return &gosmtp.SMTPError{
			Code:         501,
			EnhancedCode: gosmtp.EnhancedCode{5, 1, 3},
			Message:      "invalid recipient address",
		}
	}
	if s.backend.rcptFilter != nil {
		if err := s.backend.rcptFilter(addr); err != nil {
			return err
		}
	}
	s.recipients = append(s.recipients, addr)
	return nil
}

// Data 解析并保存邮件
func (s *session) Data(r io.Reader) error {
	raw, err := io.ReadAll(r)
	if err != nil {
		return err
	}
	if len(s.recipients) == 0 {
		return errors.New("no valid recipients")
	}

	parsed, err := ParseEmail(raw)
	if err != nil {
		return fmt.Errorf("parse email: %w", err)
	}

	s.backend.store(&CapturedMessage{
		From:       s.from,
		Recipients: append([]string(nil), s.recipients...),
		Username:   s.username,
		TLS:        s.isTLS(),
		Raw:        raw,
		Parsed:     parsed,
		ReceivedAt: time.Now().UTC(),
	})
	return nil
}

func (s *session) isTLS() bool {
	if s.conn == nil {
		return false
	}
	_, ok := s.conn.TLSConnectionState()
	return ok
}

// Reset 重置信封
func (s *session) Reset() {
	s.from = ""
	s.recipients = nil
}

// Logout 会话结束，归还连接许可
func (s *session) Logout() error {
	if !s.closed && s.backend.limiter != nil {
		s.backend.limiter.Release()
	}
	s.closed = true
	return nil
}

func normalizeAddress(addr string) string {
	addr = strings.TrimSpace(addr)
	addr = strings.Trim(addr, "<>")
	return strings.ToLower(addr)
}
