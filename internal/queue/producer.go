package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/apk-protector/apk-protector-go/internal/domain"
)

// MessageVersion 当前消息格式；旧消息没有 v 字段，按 1 处理
const MessageVersion = 1

var (
	errEmptyTaskID        = errors.New("message has no task_id")
	errUnsupportedVersion = errors.New("unsupported message version")
)

// TaskMessage 只携带定位信息，任务参数以数据库为准
type TaskMessage struct {
	Version    int       `json:"v"`
	TaskID     string    `json:"task_id"`
	APKName    string    `json:"apk_name,omitempty"`
	APKPath    string    `json:"apk_path,omitempty"`
	EnqueuedAt time.Time `json:"enqueued_at"`
}

func decodeMessage(body []byte) (*TaskMessage, error) {
	var msg TaskMessage
	if err := json.Unmarshal(body, &msg); err != nil {
		return nil, fmt.Errorf("decode task message: %w", err)
	}
	if msg.Version == 0 {
		msg.Version = 1
	}
	if msg.Version > MessageVersion {
		return nil, fmt.Errorf("%w: %d", errUnsupportedVersion, msg.Version)
	}
	if msg.TaskID == "" {
		return nil, errEmptyTaskID
	}
	return &msg, nil
}

// Publisher 发布原始消息体，*RabbitMQ 实现该接口
type Publisher interface {
	Publish(ctx context.Context, messageID string, body []byte) error
}

// Producer 把任务投递到队列
type Producer struct {
	mq     Publisher
	logger *logrus.Logger
	now    func() time.Time
}

func NewProducer(mq Publisher, logger *logrus.Logger) *Producer {
	return &Producer{mq: mq, logger: logger, now: time.Now}
}

// Dispatch 实现 service.Dispatcher
func (p *Producer) Dispatch(ctx context.Context, task *domain.Task) error {
	msg := TaskMessage{
		Version:    MessageVersion,
		TaskID:     task.ID,
		APKName:    task.APKName,
		APKPath:    task.SourcePath,
		EnqueuedAt: p.now().UTC(),
	}
	body, err := json.Marshal(&msg)
	if err != nil {
		return fmt.Errorf("failed to marshal message: %w", err)
	}

	log := p.logger.WithFields(logrus.Fields{
		"task_id":  task.ID,
		"apk_name": task.APKName,
	})
	if err := p.mq.Publish(ctx, task.ID, body); err != nil {
		log.WithError(err).Error("Failed to publish task")
		return fmt.Errorf("failed to publish: %w", err)
	}
	log.Info("Task published to queue")
	return nil
}
