package main

import (
	"context"
	"flag"
	"fmt"
	"log"

	"github.com/sirupsen/logrus"

	"github.com/apk-protector/apk-protector-go/internal/config"
	"github.com/apk-protector/apk-protector-go/internal/domain"
	"github.com/apk-protector/apk-protector-go/internal/queue"
	"github.com/apk-protector/apk-protector-go/internal/repository"
)

// 将失败与已取消的任务重置为 queued
// 启用 RabbitMQ 时直接发布消息；否则由服务下次启动时重新分发
func main() {
	configPath := flag.String("config", "./configs/config.yaml", "配置文件路径")
	includeCancelled := flag.Bool("cancelled", true, "同时重新入队已取消的任务")
	failureType := flag.String("failure-type", "", "只重新入队指定失败类型的任务，如 io_error")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	logger := config.InitLogger(&cfg.Log)

	db, err := repository.InitDB(&cfg.Database, logger)
	if err != nil {
		log.Fatalf("Failed to connect to database: %v", err)
	}
	repo := repository.NewTaskRepository(db, logger, repository.WithResultDir(cfg.Storage.ResultDir))

	ctx := context.Background()

	var (
		mq       *queue.RabbitMQ
		producer *queue.Producer
	)
	if cfg.RabbitMQ.Enabled {
		mq, err = queue.NewRabbitMQ(ctx, queue.FromConfig(cfg.RabbitMQ), cfg.RabbitMQ.Queue, logger)
		if err != nil {
			log.Fatalf("Failed to connect to RabbitMQ: %v", err)
		}
		defer mq.Close()
		producer = queue.NewProducer(mq, logger)
	}

	statuses := []domain.TaskStatus{domain.TaskStatusFailed}
	if *includeCancelled {
		statuses = append(statuses, domain.TaskStatusCancelled)
	}
	tasks, err := repo.ListByStatus(ctx, statuses...)
	if err != nil {
		log.Fatalf("Failed to query tasks: %v", err)
	}

	fmt.Printf("找到 %d 个待重新入队任务\n", len(tasks))

	successCount := 0
	for i, task := range tasks {
		if *failureType != "" && string(task.FailureType) != *failureType {
			continue
		}

		if err := repo.ResetForRetry(ctx, task.ID); err != nil {
			logger.WithError(err).WithField("task_id", task.ID).Warn("Failed to reset task")
			continue
		}

		if producer != nil {
			if err := producer.Dispatch(ctx, task); err != nil {
				logger.WithError(err).WithField("task_id", task.ID).Warn("Failed to publish task")
				continue
			}
		}

		successCount++
		if (i+1)%100 == 0 {
			logger.WithFields(logrus.Fields{
				"done":  i + 1,
				"total": len(tasks),
			}).Info("Requeue progress")
		}
	}

	fmt.Printf("\n成功重新入队 %d/%d 个任务\n", successCount, len(tasks))
	if mq == nil {
		fmt.Println("RabbitMQ 未启用，任务将在服务下次启动时重新分发")
		return
	}
	if depth, err := mq.Depth(); err == nil {
		fmt.Printf("队列 %s: 待处理 %d，消费者 %d，死信 %d\n", mq.QueueName(), depth.Ready, depth.Consumers, depth.DeadLetter)
	}
}
