package dispatch

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"bulkmail/backend/internal/domain"
	"bulkmail/backend/internal/outbox"
	"bulkmail/backend/internal/proxy"
	"bulkmail/backend/internal/sender"
	"bulkmail/backend/internal/storage"
	"bulkmail/backend/internal/waitlist"
)

// 发送失败时写入条目的结果
const (
	NoOutboxMessage      = "no outbox available"
	QuotaReachedMessage  = "daily quota reached"
	NoProxyMessage       = "no proxy available"
	RetryExceededMessage = "exceeded max retry count"
)

// maxTakesPerGroup 一次 step 在同一发件组内最多尝试的条目数
const maxTakesPerGroup = 16

// step 轮询各发件组，处理一个条目
//
// 所有发件组都没有可处理的条目（或暂时没有可用发件箱）时返回 false
func (d *Dispatcher) step(ctx context.Context) bool {
	for _, task := range d.tasks() {
		if task.finished.Load() {
			continue
		}

		attempts := min(task.list.WaitingCount(), maxTakesPerGroup)
		for i := 0; i < attempts; i++ {
			meta, ok := task.list.Take()
			if !ok {
				break
			}

			addr, err := d.pool.Acquire(meta.Target(), meta.OutboxID)
			switch {
			case errors.Is(err, outbox.ErrNoOutboxAvailable):
				task.list.PutBack(meta.ID)
				continue
			case errors.Is(err, outbox.ErrDailyQuotaReached):
				meta.SetStatus(domain.SendingItemStatusError, QuotaReachedMessage)
				d.finishItem(ctx, task, meta, nil)
				return true
			case err != nil:
				meta.SetStatus(domain.SendingItemStatusError, NoOutboxMessage)
				d.finishItem(ctx, task, meta, nil)
				return true
			}

			d.process(ctx, task, meta, addr)
			return true
		}

		if task.list.Done() {
			d.finishGroup(ctx, task)
		}
	}
	return false
}

// process 发送一个条目，addr 已加锁
func (d *Dispatcher) process(ctx context.Context, task *groupTask, meta *waitlist.SendItemMeta, addr *outbox.Address) {
	released := false
	release := func() {
		if !released {
			released = true
			addr.Release()
		}
	}

	defer func() {
		if r := recover(); r != nil {
			d.log.Error("send panicked",
				zap.Int64("group_id", meta.GroupID),
				zap.Int64("item_id", meta.ID),
				zap.Int64("outbox_id", addr.ID),
				zap.Any("panic", r),
				zap.Stack("stack"),
			)
			if d.metrics != nil {
				d.metrics.RecordPanic()
			}
			release()
			meta.SetStatus(domain.SendingItemStatusNone, fmt.Sprintf("panic: %v", r))
			d.finishItem(ctx, task, meta, addr)
		}
	}()

	d.send(ctx, task, meta, addr)
	release()
	d.finishItem(ctx, task, meta, addr)
}

// send 准备并执行一次发送，结果写入 meta 的状态
func (d *Dispatcher) send(ctx context.Context, task *groupTask, meta *waitlist.SendItemMeta, addr *outbox.Address) {
	item, err := d.store.GetSendingItem(ctx, meta.ID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			meta.SetStatus(domain.SendingItemStatusError, "sending item not found")
		} else {
			meta.SetStatus(domain.SendingItemStatusNone, err.Error())
		}
		return
	}

	meta.Fill(item, task.group)
	meta.Outbox = addr
	own := item.ReplyToEmails
	if len(own) == 0 {
		own = addr.ReplyTo()
	}
	meta.SetReplyTo(own, task.group.ReplyToEmails)
	meta.ResolveProxyIDs(item.ProxyID, addr.ProxyID, task.group.ProxyIDs)

	if meta.ExceedsRetryBudget() {
		msg := meta.Message()
		if msg == "" {
			msg = RetryExceededMessage
		}
		meta.SetStatus(domain.SendingItemStatusError, msg)
		return
	}

	if code, ok := meta.Validate(); !ok {
		// 发件箱问题换一个发件箱重试，收件人和内容问题直接失败
		status := domain.SendingItemStatusError
		if code == waitlist.ValidOutbox {
			status = domain.SendingItemStatusNone
		}
		meta.SetStatus(status, code.String())
		return
	}

	snd, err := d.senders.Resolve(addr)
	if err != nil {
		meta.SetStatus(domain.SendingItemStatusError, err.Error())
		return
	}

	client, ok := d.pickProxy(meta)
	if !ok {
		meta.SetStatus(domain.SendingItemStatusNone, NoProxyMessage)
		return
	}

	if d.limiter != nil {
		if !d.limiter.Allow() {
			if d.metrics != nil {
				d.metrics.RecordRateLimitWait()
			}
			if err := d.limiter.Wait(ctx); err != nil {
				meta.SetStatus(domain.SendingItemStatusNone, err.Error())
				return
			}
		}
	}

	addr.RecordAttempt()
	d.persistCounter(ctx, addr.ID)

	job := &sender.Job{Meta: meta, Proxy: client}
	start := d.now()
	err = snd.Send(ctx, job)
	elapsed := d.now().Sub(start)

	outcome := sender.Classify(err)
	if d.metrics != nil {
		d.metrics.RecordSend(snd.Name(), outcome.String(), elapsed)
	}

	fields := []zap.Field{
		zap.Int64("group_id", meta.GroupID),
		zap.Int64("item_id", meta.ID),
		zap.Int64("outbox_id", addr.ID),
		zap.String("sender", snd.Name()),
		zap.String("outcome", outcome.String()),
		zap.Duration("elapsed", elapsed),
	}

	switch outcome {
	case sender.OutcomeSuccess:
		meta.SetStatus(domain.SendingItemStatusSuccess, job.Result)
		d.log.Debug("item sent", fields...)
	case sender.OutcomeOutboxFatal:
		d.disableOutbox(ctx, addr, snd.Name(), err)
		meta.SetStatus(domain.SendingItemStatusNone, err.Error())
		d.log.Warn("outbox disabled", append(fields, zap.Error(err))...)
	case sender.OutcomePermanent:
		meta.SetStatus(domain.SendingItemStatusError, err.Error())
		d.log.Info("item failed", append(fields, zap.Error(err))...)
	default:
		meta.SetStatus(domain.SendingItemStatusNone, err.Error())
		d.log.Info("item will be retried", append(fields, zap.Error(err))...)
	}

	if d.cfg.Cooldown > 0 && addr.EnterCooldown(d.cfg.Cooldown, func() { d.StartSending(1) }) {
		if d.metrics != nil {
			d.metrics.RecordCooldown()
		}
	}
}

// pickProxy 选择代理
//
// 没有候选代理 ID 且用户没有代理时直连；有候选却都不可用时返回 false
func (d *Dispatcher) pickProxy(meta *waitlist.SendItemMeta) (*proxy.Client, bool) {
	email := meta.Inboxes[0]
	h := d.proxies.Pick(meta.ProxyIDs, meta.UserID, email)
	if h == nil {
		return nil, len(meta.ProxyIDs) == 0
	}
	client, err := h.BuildClient(email)
	if err != nil {
		return nil, false
	}
	return client, true
}

func (d *Dispatcher) persistCounter(ctx context.Context, outboxID int64) {
	pctx, cancel := persistCtx(ctx)
	defer cancel()
	if _, err := d.store.IncrSentToday(pctx, outboxID, domain.DayKey(d.now())); err != nil {
		d.log.Warn("persist daily counter failed", zap.Int64("outbox_id", outboxID), zap.Error(err))
	}
}

func (d *Dispatcher) disableOutbox(ctx context.Context, addr *outbox.Address, senderName string, cause error) {
	reason := cause.Error()
	addr.Disable(reason)
	if d.metrics != nil {
		d.metrics.RecordOutboxDisabled(senderName)
	}

	pctx, cancel := persistCtx(ctx)
	defer cancel()
	if err := d.store.UpdateOutboxStatus(pctx, addr.ID, domain.OutboxStatusDisabled, reason); err != nil {
		d.log.Warn("persist outbox status failed", zap.Int64("outbox_id", addr.ID), zap.Error(err))
	}
}

// finishItem 持久化结果、归还条目并发布进度
//
// 结果在 Complete 之前写入，发件组完成时全部条目的结果都已持久化
func (d *Dispatcher) finishItem(ctx context.Context, task *groupTask, meta *waitlist.SendItemMeta, addr *outbox.Address) {
	status := meta.Status()
	message := meta.Message()
	terminal := status.IsTerminal()

	result := &domain.SendingItemResult{
		ItemID:     meta.ID,
		Status:     status,
		TriedCount: meta.TriedCount(),
		Message:    message,
	}
	if terminal {
		result.SendDate = d.now().UTC()
	} else {
		result.Status = domain.SendingItemStatusPending
		result.TriedCount++
	}
	if addr != nil {
		result.FromEmail = addr.Email
	}

	pctx, cancel := persistCtx(ctx)
	defer cancel()
	if err := d.store.UpdateSendingItemResult(pctx, result); err != nil {
		d.log.Warn("persist item result failed", zap.Int64("item_id", meta.ID), zap.Error(err))
	}

	if terminal {
		if meta.OutboxID > 0 {
			d.pool.RemoveTarget(meta.OutboxID, meta.Target())
		}
		d.publish(pctx, &domain.ProgressEvent{
			Type:      domain.ProgressEventItemResult,
			UserID:    meta.UserID,
			GroupID:   meta.GroupID,
			ItemID:    meta.ID,
			Status:    status.String(),
			Message:   message,
			FromEmail: result.FromEmail,
		})
	} else if d.metrics != nil {
		d.metrics.RecordRetry()
	}

	if err := meta.Complete(); err != nil {
		d.log.Error("complete item failed", zap.Int64("item_id", meta.ID), zap.Error(err))
	}
	if !terminal {
		// 重试的条目可能需要另一个发件箱
		d.StartSending(1)
	}

	d.publish(pctx, task.progress(domain.ProgressEventProgress))
	if task.list.Done() {
		d.finishGroup(ctx, task)
	}
}
