package queue

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/sirupsen/logrus"

	"github.com/apk-protector/apk-protector-go/internal/config"
	"github.com/apk-protector/apk-protector-go/internal/retry"
)

// DefaultQueueName 加固任务队列
const DefaultQueueName = "apk_protect_tasks"

// 被 Nack 的消息（格式错误、任务已删除）转入 <queue>.dead，便于排查
const deadLetterSuffix = ".dead"

const messageType = "apk.protect.task"

var errChannelClosed = errors.New("channel is nil")

// RabbitMQConfig 连接参数
type RabbitMQConfig struct {
	Host      string
	Port      int
	User      string
	Password  string
	VHost     string
	Heartbeat time.Duration // 默认 10 秒

	// 建连重试，Retry 为 nil 时使用 retry.Connect
	Retry    *retry.Policy
	Observer retry.Observer
}

// FromConfig 由配置文件的 rabbitmq 段生成连接参数
func FromConfig(rc config.RabbitMQConfig) *RabbitMQConfig {
	return &RabbitMQConfig{
		Host:     rc.Host,
		Port:     rc.Port,
		User:     rc.User,
		Password: rc.Password,
		VHost:    rc.VHost,
	}
}

// URL 用户名与密码做转义
func (c *RabbitMQConfig) URL() string {
	u := url.URL{
		Scheme: "amqp",
		User:   url.UserPassword(c.User, c.Password),
		Host:   fmt.Sprintf("%s:%d", c.Host, c.Port),
		Path:   "/" + c.VHost,
	}
	return u.String()
}

func (c *RabbitMQConfig) retryPolicy(logger *logrus.Logger) retry.Policy {
	if c.Retry == nil {
		return retry.Connect("mq_connect", logger, c.Observer)
	}
	p := *c.Retry
	p.Operation = "mq_connect"
	if p.Logger == nil {
		p.Logger = logger
	}
	if p.Observer == nil {
		p.Observer = c.Observer
	}
	return p
}

// QueueDepth 主队列与死信队列中待处理的消息数
type QueueDepth struct {
	Ready      int `json:"ready"`
	Consumers  int `json:"consumers"`
	DeadLetter int `json:"dead_letter"`
}

// RabbitMQ 单连接单 channel 的客户端。
// channel 处于 confirm 模式，Publish 等待 broker 确认后才返回
type RabbitMQ struct {
	config   *RabbitMQConfig
	logger   *logrus.Logger
	queue    string
	prefetch int

	mu      sync.RWMutex
	conn    *amqp.Connection
	channel *amqp.Channel
	closed  bool

	connClosed chan *amqp.Error
	chanClosed chan *amqp.Error
	reconnect  chan bool
}

// NewRabbitMQ 只发布不消费的场景（requeue 命令）
func NewRabbitMQ(ctx context.Context, cfg *RabbitMQConfig, queueName string, logger *logrus.Logger) (*RabbitMQ, error) {
	return NewRabbitMQWithPrefetch(ctx, cfg, queueName, 1, logger)
}

// NewRabbitMQWithPrefetch prefetch 应与 worker 数一致，否则部分 worker 会空闲
func NewRabbitMQWithPrefetch(ctx context.Context, cfg *RabbitMQConfig, queueName string, prefetch int, logger *logrus.Logger) (*RabbitMQ, error) {
	if prefetch <= 0 {
		prefetch = 1
	}
	if queueName == "" {
		queueName = DefaultQueueName
	}
	if cfg.Heartbeat == 0 {
		cfg.Heartbeat = 10 * time.Second
	}

	mq := &RabbitMQ{
		config:    cfg,
		logger:    logger,
		queue:     queueName,
		prefetch:  prefetch,
		reconnect: make(chan bool, 1),
	}
	if err := retry.Do(ctx, cfg.retryPolicy(logger), func(ctx context.Context) error {
		return mq.connect()
	}); err != nil {
		return nil, fmt.Errorf("failed to connect to RabbitMQ: %w", err)
	}
	return mq, nil
}

// QueueName 主队列名
func (mq *RabbitMQ) QueueName() string { return mq.queue }

func (mq *RabbitMQ) deadLetterQueue() string { return mq.queue + deadLetterSuffix }

// connect 建连、开启 confirm 并声明主队列与死信队列
func (mq *RabbitMQ) connect() error {
	mq.mu.Lock()
	defer mq.mu.Unlock()

	conn, err := amqp.DialConfig(mq.config.URL(), amqp.Config{
		Heartbeat: mq.config.Heartbeat,
		Locale:    "en_US",
	})
	if err != nil {
		return fmt.Errorf("failed to dial: %w", err)
	}

	ch, err := mq.setupChannel(conn)
	if err != nil {
		conn.Close()
		return err
	}

	mq.conn, mq.channel = conn, ch
	mq.connClosed = conn.NotifyClose(make(chan *amqp.Error, 1))
	mq.chanClosed = ch.NotifyClose(make(chan *amqp.Error, 1))

	mq.logger.WithFields(logrus.Fields{
		"host":     mq.config.Host,
		"port":     mq.config.Port,
		"queue":    mq.queue,
		"prefetch": mq.prefetch,
	}).Info("Connected to RabbitMQ")
	return nil
}

func (mq *RabbitMQ) setupChannel(conn *amqp.Connection) (*amqp.Channel, error) {
	ch, err := conn.Channel()
	if err != nil {
		return nil, fmt.Errorf("failed to open channel: %w", err)
	}
	fail := func(what string, err error) (*amqp.Channel, error) {
		ch.Close()
		return nil, fmt.Errorf("failed to %s: %w", what, err)
	}

	if err := ch.Qos(mq.prefetch, 0, false); err != nil {
		return fail("set QoS", err)
	}
	if err := ch.Confirm(false); err != nil {
		return fail("enable publisher confirms", err)
	}

	const durable, autoDelete, exclusive, noWait = true, false, false, false
	if _, err := ch.QueueDeclare(mq.deadLetterQueue(), durable, autoDelete, exclusive, noWait, nil); err != nil {
		return fail("declare dead-letter queue", err)
	}
	args := amqp.Table{
		"x-dead-letter-exchange":    "",
		"x-dead-letter-routing-key": mq.deadLetterQueue(),
	}
	if _, err := ch.QueueDeclare(mq.queue, durable, autoDelete, exclusive, noWait, args); err != nil {
		return fail("declare queue", err)
	}
	return ch, nil
}

// StartConnectionWatcher 监听连接与 channel 关闭，发出重连信号后等待重连完成再继续监听
func (mq *RabbitMQ) StartConnectionWatcher() {
	go func() {
		for {
			mq.mu.RLock()
			if mq.closed {
				mq.mu.RUnlock()
				return
			}
			connClosed, chanClosed := mq.connClosed, mq.chanClosed
			mq.mu.RUnlock()

			var (
				err  *amqp.Error
				what string
			)
			select {
			case err = <-connClosed:
				what = "connection"
			case err = <-chanClosed:
				what = "channel"
			}
			if mq.isClosed() {
				return
			}

			entry := mq.logger.WithField("what", what)
			if err != nil {
				entry.WithError(err).Error("RabbitMQ closed unexpectedly")
			} else {
				entry.Warn("RabbitMQ closed")
			}

			select {
			case mq.reconnect <- true:
			default:
				// 已有未处理的信号
			}
			for !mq.isClosed() && !mq.IsConnected() {
				time.Sleep(500 * time.Millisecond)
			}
		}
	}()
}

// Reconnect 丢弃旧连接后按重试策略重连；客户端已 Close 时立即放弃
func (mq *RabbitMQ) Reconnect(ctx context.Context) error {
	mq.dropConnection()

	err := retry.Do(ctx, mq.config.retryPolicy(mq.logger), func(ctx context.Context) error {
		if mq.isClosed() {
			return retry.Permanent(errors.New("client closed"))
		}
		return mq.connect()
	})
	if err != nil {
		return fmt.Errorf("failed to reconnect: %w", err)
	}
	mq.logger.Info("Reconnected to RabbitMQ")
	return nil
}

// GetReconnectChan 消费者据此停止旧 worker 并重连
func (mq *RabbitMQ) GetReconnectChan() <-chan bool {
	return mq.reconnect
}

func (mq *RabbitMQ) IsConnected() bool {
	mq.mu.RLock()
	defer mq.mu.RUnlock()
	return mq.conn != nil && !mq.conn.IsClosed()
}

func (mq *RabbitMQ) isClosed() bool {
	mq.mu.RLock()
	defer mq.mu.RUnlock()
	return mq.closed
}

func (mq *RabbitMQ) currentChannel() (*amqp.Channel, error) {
	mq.mu.RLock()
	defer mq.mu.RUnlock()
	if mq.channel == nil {
		return nil, errChannelClosed
	}
	return mq.channel, nil
}

// Publish 发布持久化消息并等待 broker 确认，MessageId 为任务 ID
func (mq *RabbitMQ) Publish(ctx context.Context, messageID string, body []byte) error {
	ch, err := mq.currentChannel()
	if err != nil {
		return err
	}

	confirm, err := ch.PublishWithDeferredConfirmWithContext(ctx, "", mq.queue, false, false, amqp.Publishing{
		DeliveryMode: amqp.Persistent,
		ContentType:  "application/json",
		MessageId:    messageID,
		Type:         messageType,
		Timestamp:    time.Now(),
		Body:         body,
	})
	if err != nil {
		return err
	}
	acked, err := confirm.WaitContext(ctx)
	if err != nil {
		return fmt.Errorf("wait for publish confirm: %w", err)
	}
	if !acked {
		return fmt.Errorf("broker nacked message %s", messageID)
	}
	return nil
}

// Consume 手动确认模式
func (mq *RabbitMQ) Consume() (<-chan amqp.Delivery, error) {
	ch, err := mq.currentChannel()
	if err != nil {
		return nil, err
	}
	const consumerTag, autoAck, exclusive, noLocal, noWait = "", false, false, false, false
	deliveries, err := ch.Consume(mq.queue, consumerTag, autoAck, exclusive, noLocal, noWait, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to consume: %w", err)
	}
	return deliveries, nil
}

// Depth 被动声明两个队列读取消息数
func (mq *RabbitMQ) Depth() (QueueDepth, error) {
	ch, err := mq.currentChannel()
	if err != nil {
		return QueueDepth{}, err
	}
	ready, err := ch.QueueDeclarePassive(mq.queue, true, false, false, false, nil)
	if err != nil {
		return QueueDepth{}, fmt.Errorf("inspect %s: %w", mq.queue, err)
	}
	dead, err := ch.QueueDeclarePassive(mq.deadLetterQueue(), true, false, false, false, nil)
	if err != nil {
		return QueueDepth{}, fmt.Errorf("inspect %s: %w", mq.deadLetterQueue(), err)
	}
	return QueueDepth{Ready: ready.Messages, Consumers: ready.Consumers, DeadLetter: dead.Messages}, nil
}

// PurgeQueue 清空主队列。
// 服务启动时以数据库中的 queued 任务为准重新投递，先清空避免重复消费
func (mq *RabbitMQ) PurgeQueue() (int, error) {
	ch, err := mq.currentChannel()
	if err != nil {
		return 0, err
	}
	n, err := ch.QueuePurge(mq.queue, false)
	if err != nil {
		return 0, fmt.Errorf("failed to purge queue: %w", err)
	}
	mq.logger.WithFields(logrus.Fields{
		"queue":  mq.queue,
		"purged": n,
	}).Info("Queue purged")
	return n, nil
}

// dropConnection 关闭连接但不标记 closed
func (mq *RabbitMQ) dropConnection() {
	mq.mu.Lock()
	ch, conn := mq.channel, mq.conn
	mq.channel, mq.conn = nil, nil
	mq.mu.Unlock()

	if ch != nil {
		ch.Close()
	}
	if conn != nil {
		conn.Close()
	}
}

// Close 之后 watcher 与 Reconnect 都会退出
func (mq *RabbitMQ) Close() error {
	mq.mu.Lock()
	mq.closed = true
	mq.mu.Unlock()

	mq.dropConnection()
	mq.logger.Info("RabbitMQ connection closed")
	return nil
}
