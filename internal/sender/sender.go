// Package sender 邮件发送插件：SMTP 与 Microsoft Graph
package sender

import (
	"context"
	"errors"
	"fmt"
	"slices"

	"bulkmail/backend/internal/outbox"
	"bulkmail/backend/internal/proxy"
	"bulkmail/backend/internal/waitlist"
)

var (
	// ErrOutboxFatal 发件箱不可用（认证失败等），应禁用发件箱并换一个发件箱重试
	ErrOutboxFatal = errors.New("sender: outbox is unusable")
	// ErrPermanent 任务永久失败，不再重试
	ErrPermanent = errors.New("sender: permanent failure")
	// ErrNoSender 没有匹配的发送插件
	ErrNoSender = errors.New("sender: no sender matches the outbox")
)

// PreventedMessage 调试模式下不实际发送时记录的结果
const PreventedMessage = "sending prevented in debug mode"

// Job 一次发送
type Job struct {
	Meta  *waitlist.SendItemMeta
	Proxy *proxy.Client // nil 表示直连

	// Result 发送成功时的结果描述，由发送插件填写
	Result string
}

// Sender 发送插件
type Sender interface {
	Name() string
	// Order 越小越优先
	Order() int
	Match(addr *outbox.Address) bool
	Send(ctx context.Context, job *Job) error
}

// Registry 按顺序选择发送插件
type Registry struct {
	senders []Sender
}

// NewRegistry 创建插件注册表
func NewRegistry(senders ...Sender) *Registry {
	sorted := slices.Clone(senders)
	slices.SortStableFunc(sorted, func(a, b Sender) int { return a.Order() - b.Order() })
	return &Registry{senders: sorted}
}

// Resolve 返回第一个匹配的发送插件
func (r *Registry) Resolve(addr *outbox.Address) (Sender, error) {
	for _, s := range r.senders {
		if s.Match(addr) {
			return s, nil
		}
	}
	return nil, fmt.Errorf("%w: %s", ErrNoSender, addr.Email)
}

// Outcome 发送结果分类
type Outcome int

const (
	OutcomeSuccess     Outcome = iota // 成功
	OutcomeTransient                  // 临时失败，稍后重试
	OutcomePermanent                  // 永久失败
	OutcomeOutboxFatal                // 发件箱失效
)

func (o Outcome) String() string {
	switch o {
	case OutcomeSuccess:
		return "success"
	case OutcomeTransient:
		return "transient"
	case OutcomePermanent:
		return "permanent"
	case OutcomeOutboxFatal:
		return "outbox_fatal"
	default:
		return "unknown"
	}
}

// Classify 对 Send 返回的错误分类
func Classify(err error) Outcome {
	switch {
	case err == nil:
		return OutcomeSuccess
	case errors.Is(err, ErrOutboxFatal):
		return OutcomeOutboxFatal
	case errors.Is(err, ErrPermanent), errors.Is(err, ErrNoSender):
		return OutcomePermanent
	default:
		return OutcomeTransient
	}
}

func fatal(err error) error {
	return fmt.Errorf("%w: %w", ErrOutboxFatal, err)
}

func permanent(err error) error {
	return fmt.Errorf("%w: %w", ErrPermanent, err)
}
