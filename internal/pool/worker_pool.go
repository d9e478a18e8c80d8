package pool

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"bulkmail/backend/internal/logger"
)

// StepFunc 工作协程执行的一步
//
// 返回 true 表示完成了一项工作，工作协程会立即继续；
// 返回 false 表示暂时无事可做，工作协程进入等待。
type StepFunc func(ctx context.Context) bool

// WorkerPool 固定数量的常驻工作协程
//
// 空闲的工作协程在被 Wake 唤醒或轮询间隔到达时重新执行 step
type WorkerPool struct {
	workers int
	poll    time.Duration
	step    StepFunc
	log     *zap.Logger

	wake   chan struct{}
	busy   atomic.Int32
	wg     sync.WaitGroup
	cancel context.CancelFunc
}

// NewWorkerPool 创建协程池
//
// 参数:
//   - workers: 工作协程数
//   - poll: 空闲轮询间隔，<=0 时为 1 秒
//   - step: 每次唤醒后执行的工作
func NewWorkerPool(workers int, poll time.Duration, step StepFunc, log *zap.Logger) *WorkerPool {
	if workers <= 0 {
		workers = 1
	}
	if poll <= 0 {
		poll = time.Second
	}
	return &WorkerPool{
		workers: workers,
		poll:    poll,
		step:    step,
		log:     logger.OrNop(log),
		wake:    make(chan struct{}, workers),
	}
}

// Start 启动工作协程
func (p *WorkerPool) Start(ctx context.Context) {
	ctx, p.cancel = context.WithCancel(ctx)
	for i := 0; i < p.workers; i++ {
		p.wg.Add(1)
		go p.worker(ctx, i)
	}
}

// Wake 唤醒最多 n 个空闲工作协程，不阻塞
func (p *WorkerPool) Wake(n int) {
	for i := 0; i < n; i++ {
		select {
		case p.wake <- struct{}{}:
		default:
			return
		}
	}
}

// Busy 正在执行 step 的工作协程数量
func (p *WorkerPool) Busy() int {
	return int(p.busy.Load())
}

// Size 工作协程总数
func (p *WorkerPool) Size() int {
	return p.workers
}

// Stop 停止协程池并等待所有工作协程退出
func (p *WorkerPool) Stop() {
	if p.cancel != nil {
		p.cancel()
	}
	p.wg.Wait()
}

// worker 工作协程
func (p *WorkerPool) worker(ctx context.Context, id int) {
	defer p.wg.Done()

	ticker := time.NewTicker(p.poll)
	defer ticker.Stop()

	for {
		for ctx.Err() == nil && p.run(ctx, id) {
		}

		select {
		case <-ctx.Done():
			return
		case <-p.wake:
		case <-ticker.C:
		}
	}
}

// run 执行一次 step，捕获 panic
func (p *WorkerPool) run(ctx context.Context, id int) (worked bool) {
	p.busy.Add(1)
	defer p.busy.Add(-1)
	defer func() {
		if r := recover(); r != nil {
			p.log.Error("worker step panicked",
				zap.Int("worker", id),
				zap.Any("panic", r),
				zap.Stack("stack"),
			)
			worked = false
		}
	}()
	return p.step(ctx)
}
