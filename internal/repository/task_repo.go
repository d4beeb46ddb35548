package repository

import (
	"context"
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"github.com/sirupsen/logrus"
	"gorm.io/gorm"

	"github.com/apk-protector/apk-protector-go/internal/domain"
)

// ErrStateConflict 任务存在，但当前状态不允许这次转换（重复投递、并发重试）
var ErrStateConflict = errors.New("task is not in the expected state")

// 加固成功后写回的列；should_stop 等由其他路径并发写入，不在其中
var completedColumns = []string{
	"Status", "Stage", "ProgressPercent", "CompletedAt", "OutputPath",
	"PackageName", "VersionName", "VersionCode", "EntryPoint", "ExpireAt",
	"PayloadSize", "InputSHA256", "OutputSHA256", "PackerDetected",
}

// 可以重新入队的状态
var retryableStatuses = []domain.TaskStatus{domain.TaskStatusFailed, domain.TaskStatusCancelled}

type TaskRepository interface {
	Create(ctx context.Context, task *domain.Task) error
	FindByID(ctx context.Context, id string) (*domain.Task, error)
	Delete(ctx context.Context, id string) error
	// List 分页，可按状态过滤、按 APK 名或包名搜索
	List(ctx context.Context, page int, pageSize int, statusFilter string, search string) ([]*domain.Task, int64, error)
	// ListByStatus 不分页，先创建的在前
	ListByStatus(ctx context.Context, statuses ...domain.TaskStatus) ([]*domain.Task, error)
	// MarkStarted 只对 queued 任务生效，否则返回 ErrStateConflict
	MarkStarted(ctx context.Context, id string) error
	UpdateProgress(ctx context.Context, id string, stage domain.Stage, step string, percent int) error
	Complete(ctx context.Context, task *domain.Task) error
	UpdateFailure(ctx context.Context, id string, stage domain.Stage, failureType domain.FailureType, errorMessage string) error
	ShouldStop(ctx context.Context, id string) (bool, error)
	MarkShouldStop(ctx context.Context, id string) error
	HasRecentTaskForAPK(ctx context.Context, apkName string, withinSeconds int) (bool, error)
	GetStatusCounts(ctx context.Context) (map[string]int64, int64, error)
	// ResetForRetry 只对 failed/cancelled 任务生效
	ResetForRetry(ctx context.Context, id string) error
	AppendEvent(ctx context.Context, event *domain.TaskEvent) error
	ListEvents(ctx context.Context, taskID string) ([]*domain.TaskEvent, error)
}

type taskRepo struct {
	db        *gorm.DB
	logger    *logrus.Logger
	now       func() time.Time
	resultDir string
}

// Option 仓储的可选配置
type Option func(*taskRepo)

// WithResultDir 产物根目录；重新入队时删除 <dir>/<task id> 下遗留的产物
func WithResultDir(dir string) Option {
	return func(r *taskRepo) { r.resultDir = dir }
}

func NewTaskRepository(db *gorm.DB, logger *logrus.Logger, opts ...Option) TaskRepository {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	r := &taskRepo{
		db:     db,
		logger: logger,
		now:    func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

func byID(id string) func(*gorm.DB) *gorm.DB {
	return func(db *gorm.DB) *gorm.DB { return db.Where("id = ?", id) }
}

func ofTask(taskID string) func(*gorm.DB) *gorm.DB {
	return func(db *gorm.DB) *gorm.DB { return db.Where("task_id = ?", taskID) }
}

func inStatus(statuses ...domain.TaskStatus) func(*gorm.DB) *gorm.DB {
	return func(db *gorm.DB) *gorm.DB { return db.Where("status IN ?", statuses) }
}

// tasks 以 Task 为 model 的会话
func (r *taskRepo) tasks(ctx context.Context) *gorm.DB {
	return r.db.WithContext(ctx).Model(&domain.Task{})
}

// transition 带条件更新；没有行被更新时区分任务不存在与状态不符
func (r *taskRepo) transition(tx *gorm.DB, id string, from []domain.TaskStatus, values map[string]interface{}) error {
	res := tx.Model(&domain.Task{}).Scopes(byID(id), inStatus(from...)).Updates(values)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected > 0 {
		return nil
	}
	var n int64
	if err := tx.Model(&domain.Task{}).Scopes(byID(id)).Count(&n).Error; err != nil {
		return err
	}
	if n == 0 {
		return gorm.ErrRecordNotFound
	}
	return ErrStateConflict
}

func (r *taskRepo) Create(ctx context.Context, task *domain.Task) error {
	if task.CreatedAt.IsZero() {
		task.CreatedAt = r.now()
	}
	if task.Status == "" {
		task.Status = domain.TaskStatusQueued
	}
	if task.Stage == "" {
		task.Stage = domain.StageIdle
	}
	return r.db.WithContext(ctx).Omit("Events").Create(task).Error
}

func (r *taskRepo) FindByID(ctx context.Context, id string) (*domain.Task, error) {
	var task domain.Task
	err := r.db.WithContext(ctx).
		Preload("Events", func(db *gorm.DB) *gorm.DB { return db.Order("id ASC") }).
		Scopes(byID(id)).
		First(&task).Error
	if err != nil {
		return nil, err
	}
	return &task, nil
}

func (r *taskRepo) Delete(ctx context.Context, id string) error {
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Scopes(ofTask(id)).Delete(&domain.TaskEvent{}).Error; err != nil {
			return err
		}
		return tx.Scopes(byID(id)).Delete(&domain.Task{}).Error
	})
}

func (r *taskRepo) List(ctx context.Context, page int, pageSize int, statusFilter string, search string) ([]*domain.Task, int64, error) {
	if page < 1 {
		page = 1
	}
	if pageSize <= 0 {
		pageSize = 20
	}

	filter := func(db *gorm.DB) *gorm.DB {
		if statusFilter != "" {
			db = db.Where("status = ?", statusFilter)
		}
		if search != "" {
			like := "%" + search + "%"
			db = db.Where("apk_name LIKE ? OR package_name LIKE ?", like, like)
		}
		return db
	}

	var total int64
	if err := r.tasks(ctx).Scopes(filter).Count(&total).Error; err != nil {
		return nil, 0, err
	}

	var tasks []*domain.Task
	err := r.db.WithContext(ctx).
		Scopes(filter).
		Order("created_at DESC").
		Offset((page - 1) * pageSize).
		Limit(pageSize).
		Find(&tasks).Error
	return tasks, total, err
}

func (r *taskRepo) ListByStatus(ctx context.Context, statuses ...domain.TaskStatus) ([]*domain.Task, error) {
	var tasks []*domain.Task
	err := r.db.WithContext(ctx).
		Scopes(inStatus(statuses...)).
		Order("created_at ASC").
		Find(&tasks).Error
	return tasks, err
}

func (r *taskRepo) MarkStarted(ctx context.Context, id string) error {
	now := r.now()
	return r.transition(r.db.WithContext(ctx), id, []domain.TaskStatus{domain.TaskStatusQueued}, map[string]interface{}{
		"status":     domain.TaskStatusRunning,
		"started_at": &now,
	})
}

func (r *taskRepo) UpdateProgress(ctx context.Context, id string, stage domain.Stage, step string, percent int) error {
	return r.tasks(ctx).Scopes(byID(id)).Updates(map[string]interface{}{
		"stage":            stage,
		"current_step":     step,
		"progress_percent": percent,
	}).Error
}

func (r *taskRepo) Complete(ctx context.Context, task *domain.Task) error {
	now := r.now()
	task.Status = domain.TaskStatusCompleted
	task.Stage = domain.StageDone
	task.ProgressPercent = 100
	task.CompletedAt = &now

	log := r.logger.WithField("task_id", task.ID)
	if err := r.db.WithContext(ctx).Model(task).Select(completedColumns).Updates(task).Error; err != nil {
		log.WithError(err).Error("Failed to mark task completed")
		return err
	}
	log.WithFields(logrus.Fields{
		"package_name": task.PackageName,
		"output_path":  task.OutputPath,
	}).Info("Task marked as completed")
	return nil
}

// UpdateFailure 取消记为 cancelled，其余为 failed
func (r *taskRepo) UpdateFailure(ctx context.Context, id string, stage domain.Stage, failureType domain.FailureType, errorMessage string) error {
	status := domain.TaskStatusFailed
	if failureType == domain.FailureTypeCancelled {
		status = domain.TaskStatusCancelled
	}

	log := r.logger.WithFields(logrus.Fields{
		"task_id":      id,
		"failure_type": failureType,
	})
	err := r.tasks(ctx).Scopes(byID(id)).Updates(map[string]interface{}{
		"status":        status,
		"stage":         domain.StageFailed,
		"failure_type":  failureType,
		"error_message": errorMessage,
		"current_step":  stage.Label(),
		"completed_at":  r.now(),
	}).Error
	if err != nil {
		log.WithError(err).Error("Failed to update task failure")
		return err
	}

	log.WithFields(logrus.Fields{
		"stage":            stage,
		"failure_severity": failureType.GetSeverity(),
		"display_name":     failureType.GetDisplayName(),
	}).Warn("Task marked as failed")
	return nil
}

func (r *taskRepo) ShouldStop(ctx context.Context, id string) (bool, error) {
	var flags []bool
	if err := r.tasks(ctx).Scopes(byID(id)).Pluck("should_stop", &flags).Error; err != nil {
		return false, err
	}
	if len(flags) == 0 {
		return false, gorm.ErrRecordNotFound
	}
	return flags[0], nil
}

func (r *taskRepo) MarkShouldStop(ctx context.Context, id string) error {
	return r.tasks(ctx).Scopes(byID(id)).Update("should_stop", true).Error
}

// HasRecentTaskForAPK 大文件复制会触发多次事件，窗口内已有同名任务时不再创建
func (r *taskRepo) HasRecentTaskForAPK(ctx context.Context, apkName string, withinSeconds int) (bool, error) {
	cutoff := r.now().Add(-time.Duration(withinSeconds) * time.Second)
	log := r.logger.WithFields(logrus.Fields{
		"apk_name":       apkName,
		"within_seconds": withinSeconds,
	})

	var count int64
	err := r.tasks(ctx).Where("apk_name = ? AND created_at > ?", apkName, cutoff).Count(&count).Error
	if err != nil {
		log.WithError(err).Error("Failed to check recent task for APK")
		return false, err
	}
	if count > 0 {
		log.WithField("recent_count", count).Warn("Found recent task for same APK, skipping duplicate creation")
	}
	return count > 0, nil
}

// GetStatusCounts 返回每个状态的数量（没有任务的状态为 0）与总数
func (r *taskRepo) GetStatusCounts(ctx context.Context) (map[string]int64, int64, error) {
	var rows []struct {
		Status string
		Count  int64
	}
	err := r.tasks(ctx).Select("status, COUNT(*) AS count").Group("status").Scan(&rows).Error
	if err != nil {
		r.logger.WithError(err).Error("Failed to get status counts")
		return nil, 0, err
	}

	counts := make(map[string]int64, len(domain.AllTaskStatuses))
	for _, s := range domain.AllTaskStatuses {
		counts[string(s)] = 0
	}
	var total int64
	for _, row := range rows {
		counts[row.Status] = row.Count
		total += row.Count
	}
	return counts, total, nil
}

// ResetForRetry 清除失败信息、取消标记与进度事件，并删除上次运行留下的产物。
// 产物删除失败时整个重置回滚，任务保持原状态
func (r *taskRepo) ResetForRetry(ctx context.Context, id string) error {
	log := r.logger.WithField("task_id", id)
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var prev domain.Task
		err := tx.Scopes(byID(id)).Select("id", "output_path").Take(&prev).Error
		if err != nil && !errors.Is(err, gorm.ErrRecordNotFound) {
			return err
		}
		err = r.transition(tx, id, retryableStatuses, map[string]interface{}{
			"status":           domain.TaskStatusQueued,
			"stage":            domain.StageIdle,
			"should_stop":      false,
			"failure_type":     domain.FailureTypeNone,
			"error_message":    "",
			"current_step":     "",
			"progress_percent": 0,
			"output_path":      "",
			"started_at":       nil,
			"completed_at":     nil,
		})
		if err != nil {
			return err
		}
		if err := tx.Scopes(ofTask(id)).Delete(&domain.TaskEvent{}).Error; err != nil {
			return err
		}
		return r.removeStaleOutput(id, prev.OutputPath)
	})
	if err != nil {
		log.WithError(err).Error("Failed to reset task for retry")
		return err
	}
	log.Info("Task reset for retry")
	return nil
}

// removeStaleOutput 删除记录的产物与任务的产物目录；不存在不算错误
func (r *taskRepo) removeStaleOutput(id, outputPath string) error {
	if outputPath != "" {
		if err := os.Remove(outputPath); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return domain.IOError("remove stale output", err)
		}
	}
	// 拒绝会逃出产物根目录的 id
	if r.resultDir == "" || id == "" || filepath.Base(id) != id || id == "." || id == ".." {
		return nil
	}
	if err := os.RemoveAll(filepath.Join(r.resultDir, id)); err != nil {
		return domain.IOError("remove stale result dir", err)
	}
	return nil
}

func (r *taskRepo) AppendEvent(ctx context.Context, event *domain.TaskEvent) error {
	if event.CreatedAt.IsZero() {
		event.CreatedAt = r.now()
	}
	return r.db.WithContext(ctx).Create(event).Error
}

func (r *taskRepo) ListEvents(ctx context.Context, taskID string) ([]*domain.TaskEvent, error) {
	var events []*domain.TaskEvent
	err := r.db.WithContext(ctx).Scopes(ofTask(taskID)).Order("id ASC").Find(&events).Error
	return events, err
}
