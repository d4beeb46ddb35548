package worker

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"
	"gorm.io/gorm"

	"github.com/apk-protector/apk-protector-go/internal/config"
	"github.com/apk-protector/apk-protector-go/internal/domain"
	"github.com/apk-protector/apk-protector-go/internal/packer"
	"github.com/apk-protector/apk-protector-go/internal/protector"
	"github.com/apk-protector/apk-protector-go/internal/queue"
	"github.com/apk-protector/apk-protector-go/internal/repository"
	"github.com/apk-protector/apk-protector-go/internal/retry"
	"github.com/apk-protector/apk-protector-go/internal/utils"
)

// ErrTaskNotFound 消息指向的任务已被删除
var ErrTaskNotFound = errors.New("task not found")

// ProgressBroadcaster 实时推送进度（WebSocket）
type ProgressBroadcaster interface {
	Broadcast(event *domain.TaskEvent)
}

// Metrics Runner 上报的任务指标
type Metrics interface {
	RecordTaskStarted()
	RecordTaskCompleted(duration time.Duration, stages map[domain.Stage]time.Duration, payloadSize, codeUnits int)
	RecordTaskFailed(duration time.Duration, stage domain.Stage, failureType domain.FailureType)
	RecordPackerDetected(packer string)
}

// RunnerOptions Runner 依赖
type RunnerOptions struct {
	Repo       repository.TaskRepository
	Protection config.ProtectionConfig
	Storage    config.StorageConfig

	Loader   protector.LoaderSource
	Signer   protector.Signer
	Detector *packer.Detector
	Now      func() time.Time

	Metrics     Metrics
	Broadcaster ProgressBroadcaster
	Logger      *logrus.Logger

	// 轮询 should_stop 的间隔，默认 1 秒
	StopPollInterval time.Duration
}

// Runner 执行单个加固任务：每次运行创建新的流水线实例，并把进度写入任务表、事件日志与 WebSocket
type Runner struct {
	opts   RunnerOptions
	logger *logrus.Logger
}

// NewRunner 创建 Runner
func NewRunner(opts RunnerOptions) *Runner {
	if opts.Logger == nil {
		opts.Logger = logrus.StandardLogger()
	}
	if opts.StopPollInterval <= 0 {
		opts.StopPollInterval = time.Second
	}
	return &Runner{opts: opts, logger: opts.Logger}
}

// HandleMessage 队列消费入口
func (r *Runner) HandleMessage(ctx context.Context, msg *queue.TaskMessage) error {
	return r.Run(ctx, msg.TaskID)
}

// EventLogPath 任务的 JSONL 进度日志
func (r *Runner) EventLogPath(taskID string) string {
	return filepath.Join(r.opts.Storage.EventDir, taskID+".jsonl")
}

// Run 执行任务。流水线失败记录到任务表后返回 nil；
// 只有任务不存在或数据库不可用时返回 error
func (r *Runner) Run(ctx context.Context, taskID string) error {
	log := r.logger.WithField("task_id", taskID)

	task, err := r.opts.Repo.FindByID(ctx, taskID)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return fmt.Errorf("%w: %s", ErrTaskNotFound, taskID)
		}
		return fmt.Errorf("load task: %w", err)
	}
	if task.Status != domain.TaskStatusQueued {
		// 重复投递或已被取消
		log.WithField("status", task.Status).Info("Task is not queued, skipping")
		return nil
	}

	if err := r.opts.Repo.MarkStarted(ctx, taskID); err != nil {
		if errors.Is(err, repository.ErrStateConflict) {
			// 另一个 worker 已抢先开始
			log.Info("Task already claimed, skipping")
			return nil
		}
		return fmt.Errorf("mark started: %w", err)
	}
	if r.opts.Metrics != nil {
		r.opts.Metrics.RecordTaskStarted()
	}
	log.WithField("apk_name", task.APKName).Info("Starting protection task")

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	var stopRequested atomic.Bool
	go r.watchStop(runCtx, taskID, &stopRequested, cancel)

	events := r.openEventLog(taskID, log)
	if events != nil {
		defer events.Close()
	}

	progress := make(chan protector.Progress, 16)
	drained := make(chan struct{})
	go func() {
		defer close(drained)
		for p := range progress {
			r.record(ctx, taskID, p, events, log)
		}
	}()

	start := time.Now()
	res, err := r.protect(runCtx, task, progress)
	<-drained

	// 取消或关机后仍需落库
	writeCtx := context.WithoutCancel(ctx)
	if err != nil {
		r.fail(writeCtx, task, time.Since(start), err, stopRequested.Load(), log)
		return nil
	}
	return r.complete(writeCtx, task, res, time.Since(start), log)
}

// protect 构建并执行流水线；配置错误也经 Protect 的失败路径上报
func (r *Runner) protect(ctx context.Context, task *domain.Task, progress chan protector.Progress) (*protector.Result, error) {
	name := task.APKName
	if name == "" {
		name = filepath.Base(task.SourcePath)
	}
	dst := protector.DefaultOutputPath(name, filepath.Join(r.opts.Storage.ResultDir, task.ID))
	if err := os.MkdirAll(filepath.Dir(dst), 0755); err != nil {
		close(progress)
		return nil, &protector.Error{Stage: domain.StageIdle, Err: domain.IOError("create result dir", err)}
	}

	cfg := protector.FromConfig(r.opts.Protection, task.SourcePath, dst)
	cfg.JobID = task.ID
	cfg.TrialDays = task.TrialDays
	cfg.Owner = task.Owner
	// 遗留产物在重新入队时已删除；目标仍存在说明有并发写入，不覆盖
	cfg.Overwrite = false

	orch := protector.New(protector.Dependencies{
		Loader:   r.opts.Loader,
		Signer:   r.opts.Signer,
		Detector: r.opts.Detector,
		Now:      r.opts.Now,
	}, r.logger)
	return orch.Protect(ctx, cfg, progress)
}

// watchStop 轮询 should_stop，置位后取消流水线；流水线在阶段之间检查取消
func (r *Runner) watchStop(ctx context.Context, taskID string, stopped *atomic.Bool, cancel context.CancelFunc) {
	ticker := time.NewTicker(r.opts.StopPollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			shouldStop, err := r.opts.Repo.ShouldStop(ctx, taskID)
			if err != nil {
				if ctx.Err() == nil {
					r.logger.WithError(err).WithField("task_id", taskID).Warn("Failed to poll stop flag")
				}
				continue
			}
			if shouldStop {
				r.logger.WithField("task_id", taskID).Info("Stop requested, cancelling pipeline")
				stopped.Store(true)
				cancel()
				return
			}
		}
	}
}

func (r *Runner) openEventLog(taskID string, log *logrus.Entry) *utils.JSONLWriter[domain.TaskEvent] {
	if r.opts.Storage.EventDir == "" {
		return nil
	}
	w, err := utils.NewJSONLWriter[domain.TaskEvent](r.EventLogPath(taskID))
	if err != nil {
		log.WithError(err).Warn("Failed to open event log, continuing without it")
		return nil
	}
	return w
}

// record 把一次进度观察分发到任务表、事件表、JSONL 与 WebSocket
func (r *Runner) record(ctx context.Context, taskID string, p protector.Progress, events *utils.JSONLWriter[domain.TaskEvent], log *logrus.Entry) {
	event := &domain.TaskEvent{
		TaskID:    taskID,
		Stage:     p.Stage,
		Percent:   p.Percent,
		Message:   truncate(p.Message, 500),
		CreatedAt: time.Now().UTC(),
	}

	writeCtx := context.WithoutCancel(ctx)
	// Failed 由 fail 统一落库
	if p.Stage != domain.StageFailed {
		if err := r.opts.Repo.UpdateProgress(writeCtx, taskID, p.Stage, p.Stage.Label(), p.Percent); err != nil {
			log.WithError(err).Warn("Failed to update task progress")
		}
	}
	if err := r.opts.Repo.AppendEvent(writeCtx, event); err != nil {
		log.WithError(err).Warn("Failed to append task event")
	}
	if events != nil {
		if err := events.Append(*event); err != nil {
			log.WithError(err).Warn("Failed to write event log")
		}
	}
	if r.opts.Broadcaster != nil {
		r.opts.Broadcaster.Broadcast(event)
	}
}

func (r *Runner) fail(ctx context.Context, task *domain.Task, duration time.Duration, err error, stopRequested bool, log *logrus.Entry) {
	stage := domain.StageIdle
	var perr *protector.Error
	if errors.As(err, &perr) {
		stage = perr.Stage
	}

	failureType := domain.FailureTypeFor(err)
	if stopRequested {
		// 阶段内的操作可能以自身的错误类型响应取消
		failureType = domain.FailureTypeCancelled
	}

	uerr := r.persist(ctx, "db_update_failure", func(ctx context.Context) error {
		return r.opts.Repo.UpdateFailure(ctx, task.ID, stage, failureType, err.Error())
	})
	if uerr != nil {
		log.WithError(uerr).Error("Failed to update task failure")
	}
	if r.opts.Metrics != nil {
		r.opts.Metrics.RecordTaskFailed(duration, stage, failureType)
	}

	entry := log.WithFields(logrus.Fields{
		"stage":            stage,
		"failure_type":     failureType,
		"failure_severity": failureType.GetSeverity(),
		"duration":         duration.Seconds(),
	}).WithError(err)
	if failureType == domain.FailureTypeCancelled {
		entry.Info("Task cancelled")
	} else {
		entry.Error("Task failed")
	}
}

func (r *Runner) complete(ctx context.Context, task *domain.Task, res *protector.Result, duration time.Duration, log *logrus.Entry) error {
	task.OutputPath = res.OutputPath
	if res.App != nil {
		task.PackageName = res.App.PackageName
		task.VersionName = res.App.VersionName
		task.VersionCode = strconv.FormatInt(res.App.VersionCode, 10)
		task.EntryPoint = res.App.EntryPoint
	}
	if res.Header.ExpireTs > 0 {
		expireAt := time.Unix(res.Header.ExpireTs, 0).UTC()
		task.ExpireAt = &expireAt
	}
	task.PayloadSize = int64(res.PayloadSize)
	task.InputSHA256 = res.InputSHA256
	task.OutputSHA256 = res.OutputSHA256
	if res.Packer != nil && res.Packer.IsPacked {
		task.PackerDetected = res.Packer.PackerName
	}

	err := r.persist(ctx, "db_complete", func(ctx context.Context) error {
		return r.opts.Repo.Complete(ctx, task)
	})
	if err != nil {
		log.WithError(err).Error("Failed to mark task completed")
		return fmt.Errorf("complete task: %w", err)
	}

	if r.opts.Metrics != nil {
		r.opts.Metrics.RecordTaskCompleted(duration, res.Durations, res.PayloadSize, len(res.CodeUnits))
		if task.PackerDetected != "" {
			r.opts.Metrics.RecordPackerDetected(task.PackerDetected)
		}
	}

	log.WithFields(logrus.Fields{
		"package":      task.PackageName,
		"output":       task.OutputPath,
		"payload_size": task.PayloadSize,
		"code_units":   len(res.CodeUnits),
		"duration":     duration.Seconds(),
	}).Info("Task completed successfully")
	return nil
}

// persist 终态写库遇到 sqlite 忙锁等瞬时错误时短暂重试
func (r *Runner) persist(ctx context.Context, operation string, fn func(ctx context.Context) error) error {
	obs, _ := r.opts.Metrics.(retry.Observer)
	return retry.Do(ctx, retry.Write(operation, r.logger, obs), fn)
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n])
}
