package queue

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/sirupsen/logrus"
)

// TaskHandler 处理一条任务消息。
// 返回 error 表示消息本身无法处理（任务不存在等）；流水线失败由 handler 记入任务表后返回 nil
type TaskHandler func(ctx context.Context, msg *TaskMessage) error

// Broker 消费端需要的连接能力，*RabbitMQ 实现该接口
type Broker interface {
	Consume() (<-chan amqp.Delivery, error)
	StartConnectionWatcher()
	GetReconnectChan() <-chan bool
	Reconnect(ctx context.Context) error
}

// PoolStats 与进程内 worker 池共用同一组指标
type PoolStats interface {
	UpdateWorkerPoolStats(size, active, queueSize int)
}

// ConsumerOptions 消费者参数
type ConsumerOptions struct {
	Workers int       // 并发处理数，应与 prefetch 一致
	Stats   PoolStats // 可选

	// 重连前等待在途消息结束的上限，默认 30 秒
	DrainTimeout time.Duration
}

// Consumer 从队列取任务并交给 handler。
// 断线重连只停止取消息，正在执行的任务继续运行直到 Stop
type Consumer struct {
	mq      Broker
	handler TaskHandler
	opts    ConsumerOptions
	logger  *logrus.Logger

	wg     sync.WaitGroup
	active atomic.Int32

	mu      sync.Mutex
	cancel  context.CancelFunc // 当前这批 worker 的取消函数，nil 表示未运行
	stopped chan struct{}
	once    sync.Once
}

func NewConsumer(mq Broker, handler TaskHandler, opts ConsumerOptions, logger *logrus.Logger) *Consumer {
	if opts.Workers <= 0 {
		opts.Workers = 1
	}
	if opts.DrainTimeout <= 0 {
		opts.DrainTimeout = 30 * time.Second
	}
	return &Consumer{
		mq:      mq,
		handler: handler,
		opts:    opts,
		logger:  logger,
		stopped: make(chan struct{}),
	}
}

// Start 开始消费并监听断线
func (c *Consumer) Start(ctx context.Context) error {
	if err := c.spawn(ctx); err != nil {
		return err
	}
	c.mq.StartConnectionWatcher()
	go c.watchReconnect(ctx)
	return nil
}

// spawn 取一个新的 delivery 通道并启动一批 worker
func (c *Consumer) spawn(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.cancel != nil {
		c.logger.Warn("Consumer already running, skipping start")
		return nil
	}

	deliveries, err := c.mq.Consume()
	if err != nil {
		return fmt.Errorf("failed to start consuming: %w", err)
	}

	fetchCtx, cancel := context.WithCancel(ctx)
	c.cancel = cancel
	for i := 0; i < c.opts.Workers; i++ {
		c.wg.Add(1)
		go c.loop(fetchCtx, ctx, i, deliveries)
	}
	c.logger.WithField("workers", c.opts.Workers).Info("Consumer started")
	c.reportStats()
	return nil
}

// loop 取消息用 fetchCtx，执行任务用 taskCtx
func (c *Consumer) loop(fetchCtx, taskCtx context.Context, id int, deliveries <-chan amqp.Delivery) {
	defer c.wg.Done()
	for {
		select {
		case <-fetchCtx.Done():
			return
		case d, ok := <-deliveries:
			if !ok {
				c.logger.WithField("worker_id", id).Warn("Delivery channel closed")
				return
			}
			c.active.Add(1)
			c.reportStats()
			c.handle(taskCtx, id, d)
			c.active.Add(-1)
			c.reportStats()
		}
	}
}

func (c *Consumer) handle(ctx context.Context, workerID int, d amqp.Delivery) {
	start := time.Now()

	msg, err := decodeMessage(d.Body)
	if err != nil {
		c.logger.WithError(err).WithField("delivery_tag", d.DeliveryTag).Error("Dead-lettering malformed message")
		d.Nack(false, false)
		return
	}

	log := c.logger.WithFields(logrus.Fields{
		"worker_id": workerID,
		"task_id":   msg.TaskID,
	})
	entry := log.WithField("apk_name", msg.APKName)
	if !msg.EnqueuedAt.IsZero() {
		entry = entry.WithField("queue_latency", start.Sub(msg.EnqueuedAt).Seconds())
	}
	entry.Info("Processing task")

	if err := c.handler(ctx, msg); err != nil {
		// 不重新入队，转入死信队列
		log.WithError(err).Error("Task message rejected")
		d.Nack(false, false)
		return
	}
	if err := d.Ack(false); err != nil {
		log.WithError(err).Error("Failed to acknowledge message")
	}
	log.WithField("duration", time.Since(start).Seconds()).Info("Task message handled")
}

func (c *Consumer) watchReconnect(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-c.stopped:
			return
		case _, ok := <-c.mq.GetReconnectChan():
			if !ok {
				return
			}
			c.logger.Warn("Connection lost, reconnecting")
			c.halt(c.opts.DrainTimeout)

			if err := c.mq.Reconnect(ctx); err != nil {
				c.logger.WithError(err).Error("Failed to reconnect, waiting for next signal")
				continue
			}
			if err := c.spawn(ctx); err != nil {
				c.logger.WithError(err).Error("Failed to restart consumer")
			}
		}
	}
}

// halt 停止取消息并等待 worker 退出，timeout <= 0 时一直等待
func (c *Consumer) halt(timeout time.Duration) {
	c.mu.Lock()
	if c.cancel != nil {
		c.cancel()
		c.cancel = nil
	}
	c.mu.Unlock()

	if timeout <= 0 {
		c.wg.Wait()
		return
	}
	done := make(chan struct{})
	go func() {
		c.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(timeout):
		c.logger.WithField("active", c.active.Load()).Warn("Timeout waiting for workers to drain")
	}
}

// Stop 停止消费，等待在途消息处理完
func (c *Consumer) Stop() {
	c.once.Do(func() { close(c.stopped) })
	c.halt(0)
	c.reportStats()
	c.logger.Info("Consumer stopped")
}

// IsRunning 是否有一批 worker 在取消息
func (c *Consumer) IsRunning() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.cancel != nil
}

func (c *Consumer) reportStats() {
	if c.opts.Stats != nil {
		c.opts.Stats.UpdateWorkerPoolStats(c.opts.Workers, int(c.active.Load()), 0)
	}
}
