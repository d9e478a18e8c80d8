// Package waitlist 发件条目的等待队列与回收站
//
// 条目状态: Waiting → InFlight（回收站）→ Done(Success) | Done(Error) | Waiting（重试）
package waitlist

import (
	"errors"
	"slices"
	"strings"
	"sync"

	"bulkmail/backend/internal/domain"
	"bulkmail/backend/internal/outbox"
)

// ErrNoParent 条目未绑定到任何列表
var ErrNoParent = errors.New("waitlist: meta is not bound to a list")

// ValidationCode 发件前检查结果
type ValidationCode int

const (
	ValidOK      ValidationCode = 1 // 通过
	ValidOutbox  ValidationCode = 2 // 发件箱问题
	ValidInbox   ValidationCode = 3 // 收件人问题
	ValidContent ValidationCode = 4 // 内容问题
)

func (c ValidationCode) String() string {
	switch c {
	case ValidOK:
		return "ok"
	case ValidOutbox:
		return "outbox is missing"
	case ValidInbox:
		return "no valid recipient"
	case ValidContent:
		return "email body is empty"
	default:
		return "unknown"
	}
}

// SendItemMeta 发件条目的运行时描述
type SendItemMeta struct {
	ID       int64
	GroupID  int64
	UserID   int64
	OutboxID int64 // 绑定的发件箱，0 表示使用组内共享发件箱

	// 以下字段在处理时填充
	Outbox        *outbox.Address
	Subject       string
	Body          string
	Inboxes       []string
	CC            []string
	BCC           []string
	ReplyTo       []string
	Attachments   []domain.Attachment
	ProxyIDs      []int64
	MaxRetryCount int

	mu      sync.Mutex
	status  domain.SendingItemStatus
	message string
	tried   int
	parent  *MetaList
}

// NewSendItemMeta 根据发件条目创建运行时描述
func NewSendItemMeta(item *domain.SendingItem) *SendItemMeta {
	return &SendItemMeta{
		ID:       item.ID,
		GroupID:  item.GroupID,
		UserID:   item.UserID,
		OutboxID: item.OutboxID,
		tried:    item.TriedCount,
	}
}

// Target 发件目标
func (m *SendItemMeta) Target() domain.SendingTargetID {
	return domain.SendingTargetID{GroupID: m.GroupID, ItemID: m.ID}
}

// Fill 使用发件条目和发件组填充发送数据
//
// 条目的主题/正文为空时使用发件组的内容，收件人会去除非法和重复地址
func (m *SendItemMeta) Fill(item *domain.SendingItem, group *domain.SendingGroup) {
	m.Subject = item.Subject
	if m.Subject == "" {
		m.Subject = group.Subject
	}
	m.Body = item.Body
	if strings.TrimSpace(m.Body) == "" {
		m.Body = group.Body
	}
	m.Inboxes = domain.FilterAddresses(item.Inboxes)
	m.CC = domain.FilterAddresses(item.CC)
	m.BCC = domain.FilterAddresses(item.BCC)
	m.Attachments = group.Attachments
	m.MaxRetryCount = group.MaxRetryCount
}

// SetReplyTo 设置回复地址，自身列表非空时优先
func (m *SendItemMeta) SetReplyTo(own, global []string) {
	if len(own) > 0 {
		m.ReplyTo = slices.Clone(own)
		return
	}
	m.ReplyTo = slices.Clone(global)
}

// ResolveProxyIDs 确定候选代理：条目指定的代理优先，其次是发件箱亲和代理，最后是发件组代理
func (m *SendItemMeta) ResolveProxyIDs(itemProxyID, outboxProxyID int64, groupProxyIDs []int64) {
	switch {
	case itemProxyID > 0:
		m.ProxyIDs = []int64{itemProxyID}
	case outboxProxyID > 0:
		m.ProxyIDs = []int64{outboxProxyID}
	default:
		m.ProxyIDs = slices.Clone(groupProxyIDs)
	}
}

// Validate 发件前检查，第二个返回值表示是否可以发送
func (m *SendItemMeta) Validate() (ValidationCode, bool) {
	switch {
	case m.Outbox == nil || m.Outbox.Email == "":
		return ValidOutbox, false
	case len(m.Inboxes) == 0:
		return ValidInbox, false
	case strings.TrimSpace(m.Body) == "":
		return ValidContent, false
	default:
		return ValidOK, true
	}
}

// Recipients 信封收件人（收件人、抄送、密送）
func (m *SendItemMeta) Recipients() []string {
	out := make([]string, 0, len(m.Inboxes)+len(m.CC)+len(m.BCC))
	out = append(out, m.Inboxes...)
	out = append(out, m.CC...)
	out = append(out, m.BCC...)
	return out
}

// SetStatus 设置状态和消息
func (m *SendItemMeta) SetStatus(status domain.SendingItemStatus, message string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.status = status
	m.message = message
}

// Status 当前状态
func (m *SendItemMeta) Status() domain.SendingItemStatus {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.status
}

// Message 最近一次结果消息
func (m *SendItemMeta) Message() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.message
}

// IsErrorOrSuccess 是否已到终态
func (m *SendItemMeta) IsErrorOrSuccess() bool {
	return m.Status().IsTerminal()
}

// TriedCount 已重试次数
func (m *SendItemMeta) TriedCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.tried
}

// ExceedsRetryBudget 重试次数是否超过上限（仅供调度循环判断）
func (m *SendItemMeta) ExceedsRetryBudget() bool {
	return m.TriedCount() > m.MaxRetryCount
}

// Parent 所属列表
func (m *SendItemMeta) Parent() *MetaList {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.parent
}

// Complete 根据状态完成条目
//
// Success/Error 从回收站移除；其他任何状态（包括未设置）视为重试：重试次数加一并放回等待队列
func (m *SendItemMeta) Complete() error {
	m.mu.Lock()
	parent := m.parent
	status := m.status
	m.mu.Unlock()

	if parent == nil {
		return ErrNoParent
	}

	switch {
	case status.Has(domain.SendingItemStatusSuccess):
		parent.ClearFromRecycle(m.ID, true)
	case status.Has(domain.SendingItemStatusError):
		parent.ClearFromRecycle(m.ID, false)
	default:
		m.mu.Lock()
		m.tried++
		m.status = domain.SendingItemStatusNone
		m.mu.Unlock()
		parent.RequeueFromRecycle(m.ID)
	}
	return nil
}
