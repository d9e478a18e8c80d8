package dispatch

import (
	"context"
	"fmt"
	"slices"
	"sync/atomic"

	"go.uber.org/zap"

	"bulkmail/backend/internal/domain"
	"bulkmail/backend/internal/outbox"
	"bulkmail/backend/internal/waitlist"
)

// CancelledMessage 取消发件组时写入等待中条目的结果
const CancelledMessage = "cancelled"

// groupTask 运行中的发件组
type groupTask struct {
	group *domain.SendingGroup
	list  *waitlist.MetaList

	total       int
	baseSuccess int // 启动前已经成功的条目
	baseFailed  int

	cancelled atomic.Bool
	finished  atomic.Bool
}

func (t *groupTask) progress(typ domain.ProgressEventType) *domain.ProgressEvent {
	return &domain.ProgressEvent{
		Type:    typ,
		UserID:  t.group.UserID,
		GroupID: t.group.ID,
		Total:   t.total,
		Success: t.baseSuccess + t.list.SuccessCount(),
		Failed:  t.baseFailed + t.list.FailedCount(),
		Waiting: t.list.WaitingCount() + t.list.InFlightCount(),
	}
}

// StartGroup 加载发件组并开始发送
//
// 发件组已在运行时只加入新的未完成条目。返回新加入的条目数量。
func (d *Dispatcher) StartGroup(ctx context.Context, groupID int64) (int, error) {
	group, err := d.store.GetSendingGroup(ctx, groupID)
	if err != nil {
		return 0, fmt.Errorf("load sending group %d: %w", groupID, err)
	}
	if group.MaxRetryCount <= 0 {
		group.MaxRetryCount = d.cfg.DefaultMaxRetry
	}

	items, err := d.store.ListSendingItems(ctx, groupID)
	if err != nil {
		return 0, fmt.Errorf("load sending items of group %d: %w", groupID, err)
	}

	var pending []*domain.SendingItem
	success, failed := 0, 0
	for _, item := range items {
		switch {
		case item.Status.Has(domain.SendingItemStatusSuccess):
			success++
		case item.Status.Has(domain.SendingItemStatusError):
			failed++
		default:
			pending = append(pending, item)
		}
	}

	if err := d.loadOutboxes(ctx, group, pending); err != nil {
		return 0, err
	}
	if err := d.loadProxies(ctx, group, pending); err != nil {
		return 0, err
	}

	d.mu.Lock()
	task, running := d.groups[groupID]
	if !running {
		task = &groupTask{
			group:       group,
			list:        waitlist.NewMetaList(groupID),
			total:       len(items),
			baseSuccess: success,
			baseFailed:  failed,
		}
		d.groups[groupID] = task
		d.order = append(d.order, groupID)
	} else {
		task.total = len(items)
	}
	d.mu.Unlock()

	metas := make([]*waitlist.SendItemMeta, 0, len(pending))
	for _, item := range pending {
		metas = append(metas, waitlist.NewSendItemMeta(item))
	}
	added := task.list.Add(metas...)

	if !running {
		pctx, cancel := persistCtx(ctx)
		if err := d.store.UpdateSendingGroupStatus(pctx, groupID, domain.SendingGroupSending, success, failed); err != nil {
			d.log.Warn("persist group status failed", zap.Int64("group_id", groupID), zap.Error(err))
		}
		cancel()
	}

	d.log.Info("sending group started",
		zap.Int64("group_id", groupID),
		zap.Int("items", len(items)),
		zap.Int("queued", added),
		zap.Bool("already_running", running),
	)

	d.publish(ctx, task.progress(domain.ProgressEventProgress))
	if task.list.Done() {
		d.finishGroup(ctx, task)
		return added, nil
	}
	d.StartSending(added)
	return added, nil
}

// loadOutboxes 加载发件组共享的发件箱和条目绑定的发件箱到发件箱池
func (d *Dispatcher) loadOutboxes(ctx context.Context, group *domain.SendingGroup, pending []*domain.SendingItem) error {
	type binding struct {
		typ     domain.OutboxType
		targets []domain.SendingTargetID
	}
	bindings := make(map[int64]*binding)
	bind := func(id int64, typ domain.OutboxType, target domain.SendingTargetID) {
		b, ok := bindings[id]
		if !ok {
			b = &binding{}
			bindings[id] = b
		}
		b.typ = b.typ.Union(typ)
		b.targets = append(b.targets, target)
	}

	for _, id := range group.OutboxIDs {
		bind(id, domain.OutboxTypeShared, domain.SendingTargetID{GroupID: group.ID})
	}
	for _, item := range pending {
		if item.OutboxID > 0 {
			bind(item.OutboxID, domain.OutboxTypeSpecific, domain.SendingTargetID{GroupID: group.ID, ItemID: item.ID})
		}
	}
	if len(bindings) == 0 {
		return nil
	}

	ids := make([]int64, 0, len(bindings))
	for id := range bindings {
		ids = append(ids, id)
	}
	slices.Sort(ids)

	outboxes, err := d.store.ListOutboxesByIDs(ctx, ids)
	if err != nil {
		return fmt.Errorf("load outboxes: %w", err)
	}

	day := domain.DayKey(d.now())
	for _, o := range outboxes {
		if o.IsDisabled() {
			d.log.Debug("skip disabled outbox", zap.Int64("outbox_id", o.ID), zap.String("reason", o.Reason))
			continue
		}

		secret, err := d.secrets.Decrypt(o.UserID, o.Password)
		if err != nil {
			d.log.Error("cannot decrypt outbox secret", zap.Int64("outbox_id", o.ID), zap.Error(err))
			continue
		}

		b := bindings[o.ID]
		addr, err := outbox.NewAddress(o, secret, b.typ, b.targets...)
		if err != nil {
			d.log.Error("cannot build outbox", zap.Int64("outbox_id", o.ID), zap.Error(err))
			continue
		}
		addr = d.pool.Add(addr)

		sent, err := d.store.GetSentToday(ctx, o.ID, day)
		if err != nil {
			d.log.Warn("cannot load daily counter", zap.Int64("outbox_id", o.ID), zap.Error(err))
			continue
		}
		addr.SeedSentToday(day, sent)
	}
	return nil
}

// loadProxies 把发件组可能用到的代理交给代理池检测
func (d *Dispatcher) loadProxies(ctx context.Context, group *domain.SendingGroup, pending []*domain.SendingItem) error {
	ids := slices.Clone(group.ProxyIDs)
	outboxIDs := slices.Clone(group.OutboxIDs)
	for _, item := range pending {
		if item.ProxyID > 0 {
			ids = append(ids, item.ProxyID)
		}
		if item.OutboxID > 0 {
			outboxIDs = append(outboxIDs, item.OutboxID)
		}
	}
	for _, id := range outboxIDs {
		if a, ok := d.pool.Get(id); ok && a.ProxyID > 0 {
			ids = append(ids, a.ProxyID)
		}
	}
	slices.Sort(ids)
	ids = slices.Compact(ids)

	var proxies []*domain.Proxy
	var err error
	if len(ids) == 0 {
		proxies, err = d.store.ListProxies(ctx, group.UserID)
	} else {
		proxies, err = d.store.ListProxiesByIDs(ctx, ids)
	}
	if err != nil {
		return fmt.Errorf("load proxies: %w", err)
	}

	maxPerDomain := d.cfg.ProxyMaxPerDomain
	if maxPerDomain <= 0 {
		maxPerDomain = -1
	}
	for _, p := range proxies {
		d.proxies.Assign(p, domain.ProxyZoneDefault, d.cfg.ProxyTTL, maxPerDomain, p.UserID)
	}
	return nil
}

// CancelGroup 取消发件组：等待中的条目标记为失败，处理中的条目完成后结束
func (d *Dispatcher) CancelGroup(ctx context.Context, groupID int64) error {
	d.mu.Lock()
	task, ok := d.groups[groupID]
	d.mu.Unlock()
	if !ok {
		return ErrGroupNotRunning
	}

	task.cancelled.Store(true)
	metas := task.list.Cancel(CancelledMessage)

	pctx, cancel := persistCtx(ctx)
	defer cancel()
	now := d.now().UTC()
	for _, m := range metas {
		err := d.store.UpdateSendingItemResult(pctx, &domain.SendingItemResult{
			ItemID:     m.ID,
			Status:     domain.SendingItemStatusError,
			TriedCount: m.TriedCount(),
			Message:    CancelledMessage,
			SendDate:   now,
		})
		if err != nil {
			d.log.Warn("persist cancelled item failed", zap.Int64("item_id", m.ID), zap.Error(err))
		}
		if m.OutboxID > 0 {
			d.pool.RemoveTarget(m.OutboxID, m.Target())
		}
	}

	d.log.Info("sending group cancelled",
		zap.Int64("group_id", groupID),
		zap.Int("cancelled", len(metas)),
	)

	d.publish(ctx, task.progress(domain.ProgressEventProgress))
	if task.list.Done() {
		d.finishGroup(ctx, task)
	}
	return nil
}

// finishGroup 发件组全部完成：释放发件箱、持久化状态、发布完成事件
func (d *Dispatcher) finishGroup(ctx context.Context, task *groupTask) {
	if !task.finished.CompareAndSwap(false, true) {
		return
	}
	groupID := task.group.ID

	d.mu.Lock()
	delete(d.groups, groupID)
	if idx := slices.Index(d.order, groupID); idx >= 0 {
		d.order = slices.Delete(d.order, idx, idx+1)
	}
	d.mu.Unlock()

	d.pool.RemoveGroup(groupID)

	status := domain.SendingGroupFinished
	if task.cancelled.Load() {
		status = domain.SendingGroupCancelled
	}
	event := task.progress(domain.ProgressEventGroupFinished)
	event.Status = string(status)

	pctx, cancel := persistCtx(ctx)
	defer cancel()
	if err := d.store.UpdateSendingGroupStatus(pctx, groupID, status, event.Success, event.Failed); err != nil {
		d.log.Warn("persist group status failed", zap.Int64("group_id", groupID), zap.Error(err))
	}
	if d.metrics != nil {
		d.metrics.RecordGroupFinished()
	}

	d.log.Info("sending group finished",
		zap.Int64("group_id", groupID),
		zap.String("status", string(status)),
		zap.Int("success", event.Success),
		zap.Int("failed", event.Failed),
	)
	d.publish(pctx, event)
}

// tasks 按轮询顺序返回运行中的发件组，每次调用起点后移一位
func (d *Dispatcher) tasks() []*groupTask {
	d.mu.Lock()
	defer d.mu.Unlock()

	n := len(d.order)
	out := make([]*groupTask, 0, n)
	if n == 0 {
		return out
	}
	start := d.next % n
	d.next = (start + 1) % n
	for i := 0; i < n; i++ {
		out = append(out, d.groups[d.order[(start+i)%n]])
	}
	return out
}

// running 运行中的发件组（不改变轮询起点）
func (d *Dispatcher) running() []*groupTask {
	d.mu.Lock()
	defer d.mu.Unlock()

	out := make([]*groupTask, 0, len(d.order))
	for _, id := range d.order {
		out = append(out, d.groups[id])
	}
	return out
}

// GroupProgress 运行中发件组的当前进度
func (d *Dispatcher) GroupProgress(groupID int64) (*domain.ProgressEvent, bool) {
	d.mu.Lock()
	task, ok := d.groups[groupID]
	d.mu.Unlock()
	if !ok {
		return nil, false
	}
	return task.progress(domain.ProgressEventProgress), true
}
