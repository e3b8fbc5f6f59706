package pool

import (
	"context"
	"errors"
	"sync"

	"go.uber.org/zap"
)

// ErrQueueFull 队列已满，任务被丢弃
var ErrQueueFull = errors.New("worker pool queue full")

// ErrStopped 协程池已停止
var ErrStopped = errors.New("worker pool stopped")

// Task 后台任务
type Task func(ctx context.Context)

type job struct {
	key  string
	task Task
}

// WorkerPool 协程池
//
// 用于限制后台任务的并发数量；带 key 的任务在排队期间去重。
type WorkerPool struct {
	maxWorkers int
	queue      chan job
	logger     *zap.Logger

	mu      sync.Mutex
	pending map[string]struct{}
	stopped bool

	wg sync.WaitGroup
}

// NewWorkerPool 创建协程池
func NewWorkerPool(maxWorkers, queueSize int, logger *zap.Logger) *WorkerPool {
	if maxWorkers <= 0 {
		maxWorkers = 1
	}
	if queueSize < 0 {
		queueSize = 0
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &WorkerPool{
		maxWorkers: maxWorkers,
		queue:      make(chan job, queueSize),
		logger:     logger,
		pending:    make(map[string]struct{}),
	}
}

// Start 启动协程，ctx 取消后协程退出并把 ctx 传给正在执行的任务
func (p *WorkerPool) Start(ctx context.Context) {
	for i := 0; i < p.maxWorkers; i++ {
		p.wg.Add(1)
		go p.worker(ctx)
	}
}

// TrySubmit 尝试提交任务，队列已满时立即返回 ErrQueueFull
//
// key 非空时，同一 key 已在队列中则直接返回 nil。
func (p *WorkerPool) TrySubmit(key string, task Task) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.stopped {
		return ErrStopped
	}
	if key != "" {
		if _, ok := p.pending[key]; ok {
			return nil
		}
	}

	select {
	case p.queue <- job{key: key, task: task}:
		if key != "" {
			p.pending[key] = struct{}{}
		}
		return nil
	default:
		return ErrQueueFull
	}
}

// Pending 排队中的任务数
func (p *WorkerPool) Pending() int {
	return len(p.queue)
}

// Stop 停止接收任务并等待已排队任务执行完
func (p *WorkerPool) Stop() {
	p.mu.Lock()
	if p.stopped {
		p.mu.Unlock()
		return
	}
	p.stopped = true
	close(p.queue)
	p.mu.Unlock()

	p.wg.Wait()
}

func (p *WorkerPool) worker(ctx context.Context) {
	defer p.wg.Done()

	for {
		select {
		case <-ctx.Done():
			return
		case j, ok := <-p.queue:
			if !ok {
				return
			}
			p.run(ctx, j)
		}
	}
}

func (p *WorkerPool) run(ctx context.Context, j job) {
	if j.key != "" {
		p.mu.Lock()
		delete(p.pending, j.key)
		p.mu.Unlock()
	}

	defer func() {
		if r := recover(); r != nil {
			p.logger.Error("background task panicked",
				zap.String("key", j.key),
				zap.Any("panic", r))
		}
	}()
	j.task(ctx)
}
