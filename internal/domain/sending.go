package domain

import "time"

// SendingItemStatus 发件条目状态（位标志）
type SendingItemStatus uint8

const (
	SendingItemStatusNone    SendingItemStatus = 0
	SendingItemStatusPending SendingItemStatus = 1
	SendingItemStatusSuccess SendingItemStatus = 2
	SendingItemStatusError   SendingItemStatus = 4
)

// Has 判断是否包含指定状态标志
func (s SendingItemStatus) Has(flag SendingItemStatus) bool {
	return flag != 0 && s&flag == flag
}

// IsTerminal 判断是否为终态（成功或失败）
func (s SendingItemStatus) IsTerminal() bool {
	return s.Has(SendingItemStatusSuccess) || s.Has(SendingItemStatusError)
}

func (s SendingItemStatus) String() string {
	switch {
	case s.Has(SendingItemStatusSuccess):
		return "success"
	case s.Has(SendingItemStatusError):
		return "error"
	case s.Has(SendingItemStatusPending):
		return "pending"
	default:
		return "none"
	}
}

// SendingGroupStatus 发件组状态
type SendingGroupStatus string

const (
	SendingGroupCreated   SendingGroupStatus = "created"
	SendingGroupSending   SendingGroupStatus = "sending"
	SendingGroupFinished  SendingGroupStatus = "finished"
	SendingGroupCancelled SendingGroupStatus = "cancelled"
)

// Attachment 邮件附件（内容随发件组存储）
type Attachment struct {
	FileName    string `json:"fileName"`
	ContentType string `json:"contentType"`
	Content     []byte `json:"content"`
}

// SendingGroup 发件组（一次群发任务）
type SendingGroup struct {
	ID            int64              `json:"id" gorm:"primaryKey;autoIncrement"`
	UserID        int64              `json:"userId" gorm:"index;not null"`
	Subject       string             `json:"subject" gorm:"type:varchar(998)"`
	Body          string             `json:"body" gorm:"type:text"` // HTML 正文
	OutboxIDs     []int64            `json:"outboxIds" gorm:"serializer:json;type:json"`
	ProxyIDs      []int64            `json:"proxyIds" gorm:"serializer:json;type:json"`
	ReplyToEmails []string           `json:"replyToEmails" gorm:"serializer:json;type:json"`
	Attachments   []Attachment       `json:"attachments,omitempty" gorm:"serializer:json;type:json"`
	MaxRetryCount int                `json:"maxRetryCount" gorm:"default:0"`
	Status        SendingGroupStatus `json:"status" gorm:"type:varchar(20);default:'created';index"`
	TotalCount    int                `json:"totalCount"`
	SuccessCount  int                `json:"successCount"`
	FailedCount   int                `json:"failedCount"`
	CreatedAt     time.Time          `json:"createdAt"`
	UpdatedAt     time.Time          `json:"updatedAt"`
}

// SendingItem 单个发件条目
//
// OutboxID 为 0 时使用发件组共享的发件箱；不为 0 时只能由该发件箱发送。
// Subject/Body 为空时使用发件组的内容。
type SendingItem struct {
	ID            int64             `json:"id" gorm:"primaryKey;autoIncrement"`
	GroupID       int64             `json:"groupId" gorm:"index;not null"`
	UserID        int64             `json:"userId" gorm:"index;not null"`
	OutboxID      int64             `json:"outboxId" gorm:"default:0"`
	ProxyID       int64             `json:"proxyId" gorm:"default:0"`
	Inboxes       []string          `json:"inboxes" gorm:"serializer:json;type:json"`
	CC            []string          `json:"cc" gorm:"column:cc;serializer:json;type:json"`
	BCC           []string          `json:"bcc" gorm:"column:bcc;serializer:json;type:json"`
	ReplyToEmails []string          `json:"replyToEmails" gorm:"serializer:json;type:json"`
	Subject       string            `json:"subject" gorm:"type:varchar(998)"`
	Body          string            `json:"body" gorm:"type:text"`
	Status        SendingItemStatus `json:"status" gorm:"default:0;index"`
	TriedCount    int               `json:"triedCount" gorm:"default:0"`
	SendResult    string            `json:"sendResult" gorm:"type:text"`
	FromEmail     string            `json:"fromEmail" gorm:"type:varchar(255)"` // 实际发件地址
	SendDate      *time.Time        `json:"sendDate,omitempty"`
	CreatedAt     time.Time         `json:"createdAt"`
	UpdatedAt     time.Time         `json:"updatedAt"`
}

// SendingItemResult 发件结果（持久化用）
type SendingItemResult struct {
	ItemID     int64
	Status     SendingItemStatus
	TriedCount int
	Message    string
	FromEmail  string
	SendDate   time.Time
}
