package domain

import (
	"strings"
	"time"
)

// OutboxType 发件箱分配类型（可同时持有多个标志）
type OutboxType uint8

const (
	OutboxTypeNone     OutboxType = 0
	OutboxTypeSpecific OutboxType = 1 // 绑定到具体发件条目
	OutboxTypeShared   OutboxType = 2 // 由整个发件组共享
)

// Has 判断是否包含指定标志
func (t OutboxType) Has(flag OutboxType) bool {
	return flag != 0 && t&flag == flag
}

// Union 合并标志
func (t OutboxType) Union(other OutboxType) OutboxType {
	return t | other
}

func (t OutboxType) String() string {
	parts := make([]string, 0, 2)
	if t.Has(OutboxTypeSpecific) {
		parts = append(parts, "specific")
	}
	if t.Has(OutboxTypeShared) {
		parts = append(parts, "shared")
	}
	if len(parts) == 0 {
		return "none"
	}
	return strings.Join(parts, "|")
}

// SendingTargetID 发件目标，ItemID 为 0 表示整个发件组共享
type SendingTargetID struct {
	GroupID int64 `json:"groupId"`
	ItemID  int64 `json:"itemId"`
}

// IsShared 判断是否为组级共享目标
func (t SendingTargetID) IsShared() bool {
	return t.ItemID == 0
}

// Outbox 发件箱配置（密码字段为加密后的密文）
type Outbox struct {
	ID                 int64     `json:"id" gorm:"primaryKey;autoIncrement"`
	UserID             int64     `json:"userId" gorm:"index;not null"`
	Email              string    `json:"email" gorm:"type:varchar(255);index;not null"`
	Name               string    `json:"name" gorm:"type:varchar(255)"`
	SMTPHost           string    `json:"smtpHost" gorm:"column:smtp_host;type:varchar(255)"`
	SMTPPort           int       `json:"smtpPort" gorm:"column:smtp_port"`
	EnableSSL          bool      `json:"enableSsl" gorm:"column:enable_ssl"`
	UserName           string    `json:"userName" gorm:"type:varchar(255)"`
	Password           string    `json:"-" gorm:"type:text"`                    // 加密存储
	MaxSendCountPerDay int       `json:"maxSendCountPerDay" gorm:"default:0"`   // 0 表示不限
	ProxyID            int64     `json:"proxyId" gorm:"default:0"`              // 代理亲和
	ReplyToEmails      []string  `json:"replyToEmails" gorm:"serializer:json;type:json"`
	Weight             int       `json:"weight" gorm:"default:1"`
	Status             string    `json:"status" gorm:"type:varchar(20);default:'normal';index"`
	Reason             string    `json:"reason,omitempty" gorm:"type:text"` // 禁用原因
	CreatedAt          time.Time `json:"createdAt"`
	UpdatedAt          time.Time `json:"updatedAt"`
}

// 发件箱状态
const (
	OutboxStatusNormal   = "normal"
	OutboxStatusDisabled = "disabled"
)

// IsDisabled 判断发件箱是否已被禁用
func (o *Outbox) IsDisabled() bool {
	return o.Status == OutboxStatusDisabled
}

// OutboxDailyCounter 发件箱每日发送计数（用于重启后恢复计数）
type OutboxDailyCounter struct {
	OutboxID int64  `json:"outboxId" gorm:"primaryKey;autoIncrement:false"`
	Day      string `json:"day" gorm:"primaryKey;type:varchar(8)"` // yyyymmdd (UTC)
	Count    int    `json:"count" gorm:"default:0"`
}

// DayKey 返回 UTC 日期键，格式 yyyymmdd
func DayKey(t time.Time) string {
	return t.UTC().Format("20060102")
}
