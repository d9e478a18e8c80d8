package httptransport

import (
	"errors"

	"bulkmail/backend/internal/dispatch"
	"bulkmail/backend/internal/storage"
)

// 错误消息映射表（业务错误 -> 中文消息）
var errorMessages = map[error]string{
	storage.ErrNotFound:         "发件组不存在",
	dispatch.ErrGroupNotRunning: "发件组不在发送中",
}

// GetErrorMessage 获取错误的中文消息
func GetErrorMessage(err error) string {
	for target, msg := range errorMessages {
		if errors.Is(err, target) {
			return msg
		}
	}
	return err.Error()
}

// 通用错误消息
const (
	MsgInvalidGroupID = "发件组ID格式无效"

	MsgAuthRequired     = "需要登录认证"
	MsgPermissionDenied = "权限不足"

	MsgGroupNotFound    = "发件组不存在"
	MsgGroupStartFailed = "启动发件组失败"
	MsgGroupLoadFailed  = "获取发件组失败"
	MsgItemListFailed   = "获取发件条目失败"

	MsgInternalError = "服务器内部错误，请稍后重试"
)
