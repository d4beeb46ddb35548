package watcher

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/apk-protector/apk-protector-go/internal/domain"
	"github.com/apk-protector/apk-protector-go/internal/service"
)

// TaskCreator 创建任务
type TaskCreator interface {
	CreateTask(ctx context.Context, req service.CreateTaskRequest) (*domain.Task, error)
}

// InboxHandler 收件箱处理：把 APK 移入 inbound 目录并创建加固任务
// 创建失败时文件移回收件箱，保留原名
func InboxHandler(creator TaskCreator, inboundDir string, trialDays int, owner bool, logger *logrus.Logger) FileHandler {
	return func(ctx context.Context, filePath string) error {
		if err := os.MkdirAll(inboundDir, 0755); err != nil {
			return fmt.Errorf("create inbound dir: %w", err)
		}

		name := filepath.Base(filePath)
		stored := filepath.Join(inboundDir, uuid.New().String()+".apk")
		if err := moveFile(filePath, stored); err != nil {
			return fmt.Errorf("move %s: %w", name, err)
		}

		task, err := creator.CreateTask(ctx, service.CreateTaskRequest{
			APKName:    name,
			SourcePath: stored,
			TrialDays:  trialDays,
			Owner:      owner,
		})
		if err != nil {
			if rerr := moveFile(stored, filePath); rerr != nil {
				logger.WithError(rerr).WithField("file", stored).Warn("Failed to restore inbox file")
			}
			return err
		}

		logger.WithFields(logrus.Fields{
			"task_id":  task.ID,
			"apk_name": name,
			"stored":   stored,
		}).Info("Task created from inbox")
		return nil
	}
}

// moveFile rename 失败（跨设备）时退回复制后删除
func moveFile(src, dst string) error {
	if err := os.Rename(src, dst); err == nil {
		return nil
	}

	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.OpenFile(dst, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0644)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		os.Remove(dst)
		return err
	}
	if err := out.Close(); err != nil {
		os.Remove(dst)
		return err
	}
	in.Close()
	return os.Remove(src)
}
