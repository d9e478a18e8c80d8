package domain

import "time"

// ProgressEventType 发件进度事件类型
type ProgressEventType string

const (
	ProgressEventProgress      ProgressEventType = "progress"       // 发件组计数变化
	ProgressEventItemResult    ProgressEventType = "item_result"    // 单个条目到达终态
	ProgressEventGroupFinished ProgressEventType = "group_finished" // 发件组全部完成
)

// ProgressEvent 推送给前端的发件进度
type ProgressEvent struct {
	Type      ProgressEventType `json:"type"`
	UserID    int64             `json:"userId"`
	GroupID   int64             `json:"groupId"`
	ItemID    int64             `json:"itemId,omitempty"`
	Status    string            `json:"status,omitempty"`
	Message   string            `json:"message,omitempty"`
	FromEmail string            `json:"fromEmail,omitempty"`
	Total     int               `json:"total"`
	Success   int               `json:"success"`
	Failed    int               `json:"failed"`
	Waiting   int               `json:"waiting"`
	Timestamp time.Time         `json:"timestamp"`
}
