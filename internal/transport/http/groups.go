package httptransport

import (
	"context"
	"errors"
	"strconv"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"bulkmail/backend/internal/dispatch"
	"bulkmail/backend/internal/domain"
	"bulkmail/backend/internal/logger"
	"bulkmail/backend/internal/middleware"
	"bulkmail/backend/internal/storage"
)

// Dispatcher 发件调度操作
type Dispatcher interface {
	StartGroup(ctx context.Context, groupID int64) (int, error)
	CancelGroup(ctx context.Context, groupID int64) error
	GroupProgress(groupID int64) (*domain.ProgressEvent, bool)
	Status() *dispatch.Status
}

// GroupHandler 发件组处理器
type GroupHandler struct {
	dispatcher Dispatcher
	store      storage.SendingRepository
	log        *zap.Logger
}

// NewGroupHandler 创建发件组处理器
func NewGroupHandler(dispatcher Dispatcher, store storage.SendingRepository, log *zap.Logger) *GroupHandler {
	return &GroupHandler{
		dispatcher: dispatcher,
		store:      store,
		log:        logger.OrNop(log).Named("http"),
	}
}

type startGroupResponse struct {
	GroupID int64 `json:"groupId"`
	Queued  int   `json:"queued"`
}

type groupProgressResponse struct {
	GroupID int64                     `json:"groupId"`
	Status  domain.SendingGroupStatus `json:"status"`
	Running bool                      `json:"running"`
	Total   int                       `json:"total"`
	Success int                       `json:"success"`
	Failed  int                       `json:"failed"`
	Waiting int                       `json:"waiting"`
}

type itemListResponse struct {
	Items []*domain.SendingItem `json:"items"`
	Count int                   `json:"count"`
}

// Start 启动发件组
//
// POST /api/v1/groups/:id/start
// 已在发送中的发件组只加入新的未完成条目
func (h *GroupHandler) Start(c *gin.Context) {
	group, ok := h.ownedGroup(c)
	if !ok {
		return
	}

	queued, err := h.dispatcher.StartGroup(c.Request.Context(), group.ID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			NotFound(c, MsgGroupNotFound)
			return
		}
		h.log.Error("start sending group failed", zap.Int64("group_id", group.ID), zap.Error(err))
		InternalError(c, MsgGroupStartFailed)
		return
	}

	Accepted(c, "发件组已开始发送", startGroupResponse{GroupID: group.ID, Queued: queued})
}

// Cancel 取消发件组
//
// POST /api/v1/groups/:id/cancel
func (h *GroupHandler) Cancel(c *gin.Context) {
	group, ok := h.ownedGroup(c)
	if !ok {
		return
	}

	if err := h.dispatcher.CancelGroup(c.Request.Context(), group.ID); err != nil {
		if errors.Is(err, dispatch.ErrGroupNotRunning) {
			Conflict(c, GetErrorMessage(err))
			return
		}
		h.log.Error("cancel sending group failed", zap.Int64("group_id", group.ID), zap.Error(err))
		InternalError(c, MsgInternalError)
		return
	}

	Success(c, gin.H{"groupId": group.ID})
}

// Progress 发件组进度：发送中取实时计数，否则取持久化的计数
//
// GET /api/v1/groups/:id/progress
func (h *GroupHandler) Progress(c *gin.Context) {
	group, ok := h.ownedGroup(c)
	if !ok {
		return
	}

	if p, running := h.dispatcher.GroupProgress(group.ID); running {
		Success(c, groupProgressResponse{
			GroupID: group.ID,
			Status:  domain.SendingGroupSending,
			Running: true,
			Total:   p.Total,
			Success: p.Success,
			Failed:  p.Failed,
			Waiting: p.Waiting,
		})
		return
	}

	waiting := group.TotalCount - group.SuccessCount - group.FailedCount
	if waiting < 0 {
		waiting = 0
	}
	Success(c, groupProgressResponse{
		GroupID: group.ID,
		Status:  group.Status,
		Total:   group.TotalCount,
		Success: group.SuccessCount,
		Failed:  group.FailedCount,
		Waiting: waiting,
	})
}

// Items 发件组的全部条目及发送结果
//
// GET /api/v1/groups/:id/items
func (h *GroupHandler) Items(c *gin.Context) {
	group, ok := h.ownedGroup(c)
	if !ok {
		return
	}

	items, err := h.store.ListSendingItems(c.Request.Context(), group.ID)
	if err != nil {
		h.log.Error("list sending items failed", zap.Int64("group_id", group.ID), zap.Error(err))
		InternalError(c, MsgItemListFailed)
		return
	}
	if items == nil {
		items = []*domain.SendingItem{}
	}

	Success(c, itemListResponse{Items: items, Count: len(items)})
}

// Status 调度器运行状态（管理员）
//
// GET /api/v1/status
func (h *GroupHandler) Status(c *gin.Context) {
	Success(c, h.dispatcher.Status())
}

// ownedGroup 解析路径中的发件组并校验归属，失败时已写入响应
func (h *GroupHandler) ownedGroup(c *gin.Context) (*domain.SendingGroup, bool) {
	claims, ok := middleware.GetClaims(c)
	if !ok {
		Unauthorized(c, MsgAuthRequired)
		return nil, false
	}

	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil || id <= 0 {
		BadRequest(c, MsgInvalidGroupID)
		return nil, false
	}

	group, err := h.store.GetSendingGroup(c.Request.Context(), id)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			NotFound(c, MsgGroupNotFound)
			return nil, false
		}
		h.log.Error("load sending group failed", zap.Int64("group_id", id), zap.Error(err))
		InternalError(c, MsgGroupLoadFailed)
		return nil, false
	}

	// 他人的发件组按不存在处理
	if !claims.CanAccess(group.UserID) {
		NotFound(c, MsgGroupNotFound)
		return nil, false
	}
	return group, true
}
