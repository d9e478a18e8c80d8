package dispatch

import (
	"bulkmail/backend/internal/domain"
	"bulkmail/backend/internal/outbox"
	"bulkmail/backend/internal/proxy"
)

// Status 调度器运行状态快照
type Status struct {
	Workers     int                     `json:"workers"`
	BusyWorkers int                     `json:"busyWorkers"`
	Waiting     int                     `json:"waiting"`
	InFlight    int                     `json:"inFlight"`
	Groups      []*domain.ProgressEvent `json:"groups"`
	Outboxes    []outbox.Status         `json:"outboxes"`
	Proxies     []proxy.Status          `json:"proxies"`
}

// Status 返回当前运行状态
func (d *Dispatcher) Status() *Status {
	s := &Status{
		Workers:     d.workers.Size(),
		BusyWorkers: d.workers.Busy(),
		Groups:      make([]*domain.ProgressEvent, 0),
		Outboxes:    d.pool.Snapshot(),
		Proxies:     d.proxies.Snapshot(),
	}
	for _, t := range d.running() {
		s.Waiting += t.list.WaitingCount()
		s.InFlight += t.list.InFlightCount()
		s.Groups = append(s.Groups, t.progress(domain.ProgressEventProgress))
	}
	return s
}
