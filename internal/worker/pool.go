package worker

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"

	"github.com/sirupsen/logrus"

	"github.com/apk-protector/apk-protector-go/internal/domain"
)

// ErrQueueFull 本地队列已满
var ErrQueueFull = errors.New("task queue is full")

// ErrPoolStopped 池已停止，不再接收任务
var ErrPoolStopped = errors.New("worker pool stopped")

// PoolMetrics Worker 池指标
type PoolMetrics interface {
	UpdateWorkerPoolStats(size, active, queueSize int)
}

// Pool 进程内 Worker 池，未启用 RabbitMQ 时作为任务投递器
type Pool struct {
	workers  int
	taskChan chan *Job
	run      func(ctx context.Context, taskID string) error
	metrics  PoolMetrics
	logger   *logrus.Logger
	wg       sync.WaitGroup
	active   int32

	mu      sync.RWMutex
	stopped bool
}

// Job 池中的一次执行
type Job struct {
	ID       string
	APKPath  string
	resultCh chan error // 用于同步等待任务完成
}

// NewPool 创建 Worker 池，run 通常为 Runner.Run
func NewPool(workers, queueSize int, run func(ctx context.Context, taskID string) error, metrics PoolMetrics, logger *logrus.Logger) *Pool {
	if workers <= 0 {
		workers = 1
	}
	if queueSize <= 0 {
		queueSize = 100
	}
	return &Pool{
		workers:  workers,
		taskChan: make(chan *Job, queueSize),
		run:      run,
		metrics:  metrics,
		logger:   logger,
	}
}

// Start 启动 Worker 池
func (p *Pool) Start(ctx context.Context) {
	p.logger.WithField("workers", p.workers).Info("Starting worker pool")

	for i := 0; i < p.workers; i++ {
		p.wg.Add(1)
		go p.worker(ctx, i)
	}
	p.reportStats()
}

// worker Worker 协程
func (p *Pool) worker(ctx context.Context, id int) {
	defer p.wg.Done()

	p.logger.WithField("worker_id", id).Debug("Worker started")

	for {
		select {
		case <-ctx.Done():
			p.logger.WithField("worker_id", id).Info("Worker shutting down")
			return

		case job, ok := <-p.taskChan:
			if !ok {
				p.logger.WithField("worker_id", id).Debug("Task channel closed, worker exiting")
				return
			}

			atomic.AddInt32(&p.active, 1)
			p.reportStats()

			log := p.logger.WithFields(logrus.Fields{
				"worker_id": id,
				"task_id":   job.ID,
			})
			log.WithField("apk_path", job.APKPath).Info("Processing task")

			err := p.run(ctx, job.ID)
			if err != nil {
				log.WithError(err).Error("Task execution failed")
			}

			atomic.AddInt32(&p.active, -1)
			p.reportStats()

			// 如果有结果通道，发送结果
			if job.resultCh != nil {
				job.resultCh <- err
				close(job.resultCh)
			}
		}
	}
}

// Dispatch 投递任务，实现 service.Dispatcher
func (p *Pool) Dispatch(ctx context.Context, task *domain.Task) error {
	return p.Submit(&Job{ID: task.ID, APKPath: task.SourcePath})
}

// Submit 提交任务（异步，不等待结果）
func (p *Pool) Submit(job *Job) error {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.stopped {
		return ErrPoolStopped
	}

	select {
	case p.taskChan <- job:
		p.logger.WithField("task_id", job.ID).Debug("Task submitted to pool")
		p.reportStats()
		return nil
	default:
		return ErrQueueFull
	}
}

// SubmitAndWait 提交任务并等待完成
func (p *Pool) SubmitAndWait(ctx context.Context, job *Job) error {
	job.resultCh = make(chan error, 1)

	p.mu.RLock()
	if p.stopped {
		p.mu.RUnlock()
		return ErrPoolStopped
	}
	select {
	case p.taskChan <- job:
		p.mu.RUnlock()
		p.logger.WithField("task_id", job.ID).Debug("Task submitted to pool (sync)")
	case <-ctx.Done():
		p.mu.RUnlock()
		return ctx.Err()
	}

	select {
	case err := <-job.resultCh:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Stop 停止接收任务，等待已排队的任务执行完
func (p *Pool) Stop() {
	p.logger.Info("Stopping worker pool")
	p.mu.Lock()
	if !p.stopped {
		p.stopped = true
		close(p.taskChan)
	}
	p.mu.Unlock()
	p.wg.Wait()
	p.logger.Info("Worker pool stopped")
}

// GetQueueSize 获取队列中任务数
func (p *Pool) GetQueueSize() int {
	return len(p.taskChan)
}

// GetActiveWorkers 正在执行任务的 worker 数
func (p *Pool) GetActiveWorkers() int {
	return int(atomic.LoadInt32(&p.active))
}

func (p *Pool) reportStats() {
	if p.metrics != nil {
		p.metrics.UpdateWorkerPoolStats(p.workers, p.GetActiveWorkers(), p.GetQueueSize())
	}
}
