package waitlist

import (
	"slices"
	"sync"

	"bulkmail/backend/internal/domain"
)

// MetaList 一个发件组的等待队列和回收站
//
// 同一条目任一时刻只存在于其中一个集合中
type MetaList struct {
	GroupID int64

	mu      sync.Mutex
	waiting []*SendItemMeta
	recycle map[int64]*SendItemMeta
	known   map[int64]struct{} // 等待队列与回收站中的全部条目
	success int
	failed  int
}

// NewMetaList 创建列表
func NewMetaList(groupID int64) *MetaList {
	return &MetaList{
		GroupID: groupID,
		recycle: make(map[int64]*SendItemMeta),
		known:   make(map[int64]struct{}),
	}
}

// Add 加入等待队列并绑定所属列表，已存在的条目会被忽略
func (l *MetaList) Add(metas ...*SendItemMeta) int {
	l.mu.Lock()
	defer l.mu.Unlock()

	added := 0
	for _, m := range metas {
		if _, ok := l.known[m.ID]; ok {
			continue
		}
		l.known[m.ID] = struct{}{}
		m.mu.Lock()
		m.parent = l
		m.mu.Unlock()
		l.waiting = append(l.waiting, m)
		added++
	}
	return added
}

// Take 取出队首条目并放入回收站
func (l *MetaList) Take() (*SendItemMeta, bool) {
	return l.TakeMatching(nil)
}

// TakeMatching 取出第一个满足 pred 的等待条目并放入回收站，pred 为 nil 时取队首
//
// pred 在持有列表锁时调用，不能回调 MetaList 的方法
func (l *MetaList) TakeMatching(pred func(*SendItemMeta) bool) (*SendItemMeta, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()

	idx := 0
	if pred != nil {
		idx = slices.IndexFunc(l.waiting, pred)
	}
	if idx < 0 || idx >= len(l.waiting) {
		return nil, false
	}
	m := l.waiting[idx]
	l.waiting = slices.Delete(l.waiting, idx, idx+1)
	l.recycle[m.ID] = m
	return m, true
}

// MoveToRecycle 将等待中的条目移入回收站
func (l *MetaList) MoveToRecycle(id int64) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	idx := l.indexLocked(id)
	if idx < 0 {
		return false
	}
	m := l.waiting[idx]
	l.waiting = slices.Delete(l.waiting, idx, idx+1)
	l.recycle[id] = m
	return true
}

// ClearFromRecycle 从回收站移除已完成的条目
func (l *MetaList) ClearFromRecycle(id int64, success bool) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	if _, ok := l.recycle[id]; !ok {
		return false
	}
	delete(l.recycle, id)
	delete(l.known, id)
	if success {
		l.success++
	} else {
		l.failed++
	}
	return true
}

// RequeueFromRecycle 将回收站中的条目放回等待队列末尾
func (l *MetaList) RequeueFromRecycle(id int64) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	m, ok := l.recycle[id]
	if !ok {
		return false
	}
	delete(l.recycle, id)
	l.waiting = append(l.waiting, m)
	return true
}

// PutBack 暂时无法处理（例如没有可用发件箱），放回队尾且不计重试
func (l *MetaList) PutBack(id int64) bool {
	return l.RequeueFromRecycle(id)
}

// Cancel 取消全部等待中的条目，标记为失败并返回它们
func (l *MetaList) Cancel(reason string) []*SendItemMeta {
	out := l.DrainWaiting()
	for _, m := range out {
		m.SetStatus(domain.SendingItemStatusError, reason)
	}

	l.mu.Lock()
	l.failed += len(out)
	l.mu.Unlock()
	return out
}

// DrainWaiting 移出全部等待中的条目，不改变状态也不计数
func (l *MetaList) DrainWaiting() []*SendItemMeta {
	l.mu.Lock()
	defer l.mu.Unlock()

	out := l.waiting
	l.waiting = nil
	for _, m := range out {
		delete(l.known, m.ID)
	}
	return out
}

// Remove 从等待队列或回收站中移除条目，不计入成功或失败
func (l *MetaList) Remove(id int64) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	if _, ok := l.recycle[id]; ok {
		delete(l.recycle, id)
		delete(l.known, id)
		return true
	}
	idx := l.indexLocked(id)
	if idx < 0 {
		return false
	}
	l.waiting = slices.Delete(l.waiting, idx, idx+1)
	delete(l.known, id)
	return true
}

// WaitingCount 等待中的数量
func (l *MetaList) WaitingCount() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.waiting)
}

// InFlightCount 处理中的数量
func (l *MetaList) InFlightCount() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.recycle)
}

// SuccessCount 成功数量
func (l *MetaList) SuccessCount() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.success
}

// FailedCount 失败数量
func (l *MetaList) FailedCount() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.failed
}

// Done 等待队列和回收站均为空
func (l *MetaList) Done() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.waiting) == 0 && len(l.recycle) == 0
}

// Contains 条目是否在等待队列中
func (l *MetaList) Contains(id int64) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.indexLocked(id) >= 0
}

// InRecycle 条目是否在回收站中
func (l *MetaList) InRecycle(id int64) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	_, ok := l.recycle[id]
	return ok
}

func (l *MetaList) indexLocked(id int64) int {
	return slices.IndexFunc(l.waiting, func(m *SendItemMeta) bool { return m.ID == id })
}
