package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"

	"github.com/apk-protector/apk-protector-go/internal/domain"
	"github.com/apk-protector/apk-protector-go/internal/payload"
	"github.com/apk-protector/apk-protector-go/internal/repository"
)

// 防重复创建的时间窗口（秒）
const duplicateWindowSeconds = 60

var (
	ErrDuplicateTask     = errors.New("任务已存在：最近60秒内已为该APK创建任务")
	ErrTaskNotFound      = errors.New("任务不存在")
	ErrTaskRunning       = errors.New("任务正在执行，请先取消")
	ErrTaskFinished      = errors.New("任务已结束，无法取消")
	ErrTaskNotRetryable  = errors.New("只有失败或已取消的任务可以重新排队")
	ErrInvalidTrialDays  = fmt.Errorf("试用天数必须在 1..%d 之间", payload.MaxTrialDays)
	ErrMissingSourcePath = errors.New("缺少源 APK 路径")
)

// Dispatcher 把已入库的任务交给执行端（RabbitMQ 或进程内 Worker Pool）
type Dispatcher interface {
	Dispatch(ctx context.Context, task *domain.Task) error
}

// TaskMetrics 任务创建计数
type TaskMetrics interface {
	RecordTaskCreated()
}

// CreateTaskRequest 创建任务参数
type CreateTaskRequest struct {
	APKName    string
	SourcePath string
	TrialDays  int
	Owner      bool
}

// TaskService 任务服务接口
type TaskService interface {
	// 创建任务并投递执行
	CreateTask(ctx context.Context, req CreateTaskRequest) (*domain.Task, error)

	// 获取任务（含进度事件）
	GetTask(ctx context.Context, taskID string) (*domain.Task, error)

	// 获取任务列表（分页，支持状态过滤和搜索）
	ListTasks(ctx context.Context, page, pageSize int, status, search string) ([]*domain.Task, int64, error)

	// 删除任务，执行中的任务不能删除
	DeleteTask(ctx context.Context, taskID string) error

	// 取消任务
	CancelTask(ctx context.Context, taskID string) (*domain.Task, error)

	// 失败或已取消的任务重新排队
	RequeueTask(ctx context.Context, taskID string) (*domain.Task, error)

	// 获取任务进度事件
	ListEvents(ctx context.Context, taskID string) ([]*domain.TaskEvent, error)

	// 获取任务状态统计（使用数据库聚合查询）
	GetStatusCounts(ctx context.Context) (map[string]int64, int64, error)
}

type taskService struct {
	taskRepo   repository.TaskRepository
	dispatcher Dispatcher
	metrics    TaskMetrics
	logger     *logrus.Logger
}

// NewTaskService 创建任务服务实例，dispatcher 与 metrics 可为 nil
func NewTaskService(taskRepo repository.TaskRepository, dispatcher Dispatcher, metrics TaskMetrics, logger *logrus.Logger) TaskService {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &taskService{
		taskRepo:   taskRepo,
		dispatcher: dispatcher,
		metrics:    metrics,
		logger:     logger,
	}
}

func (s *taskService) CreateTask(ctx context.Context, req CreateTaskRequest) (*domain.Task, error) {
	if req.SourcePath == "" {
		return nil, ErrMissingSourcePath
	}
	if !req.Owner && (req.TrialDays < 1 || req.TrialDays > payload.MaxTrialDays) {
		return nil, ErrInvalidTrialDays
	}

	// 防重复：文件监控器在大文件复制时可能触发多次事件
	hasRecent, err := s.taskRepo.HasRecentTaskForAPK(ctx, req.APKName, duplicateWindowSeconds)
	if err != nil {
		s.logger.WithError(err).WithField("apk_name", req.APKName).Warn("Failed to check recent task, continuing anyway")
	} else if hasRecent {
		s.logger.WithField("apk_name", req.APKName).Warn("Duplicate task creation blocked: recent task exists for same APK")
		return nil, ErrDuplicateTask
	}

	task := &domain.Task{
		ID:          uuid.New().String(),
		APKName:     req.APKName,
		SourcePath:  req.SourcePath,
		TrialDays:   req.TrialDays,
		Owner:       req.Owner,
		Status:      domain.TaskStatusQueued,
		Stage:       domain.StageIdle,
		CreatedAt:   time.Now().UTC(),
		CurrentStep: "任务已创建",
	}

	if err := s.taskRepo.Create(ctx, task); err != nil {
		s.logger.WithError(err).Error("Failed to create task")
		return nil, fmt.Errorf("创建任务失败: %w", err)
	}
	if s.metrics != nil {
		s.metrics.RecordTaskCreated()
	}

	if err := s.dispatch(ctx, task); err != nil {
		return nil, err
	}

	s.logger.WithFields(logrus.Fields{
		"task_id":    task.ID,
		"apk_name":   task.APKName,
		"trial_days": task.TrialDays,
		"owner":      task.Owner,
	}).Info("Task created successfully")
	return task, nil
}

// dispatch 投递失败时把任务标记为失败，避免永远停在排队状态
func (s *taskService) dispatch(ctx context.Context, task *domain.Task) error {
	if s.dispatcher == nil {
		return nil
	}
	if err := s.dispatcher.Dispatch(ctx, task); err != nil {
		s.logger.WithError(err).WithField("task_id", task.ID).Error("Failed to dispatch task")
		msg := fmt.Sprintf("任务投递失败: %v", err)
		if uerr := s.taskRepo.UpdateFailure(ctx, task.ID, domain.StageIdle, domain.FailureTypeIOError, msg); uerr != nil {
			s.logger.WithError(uerr).WithField("task_id", task.ID).Error("Failed to mark undispatched task")
		}
		return fmt.Errorf("投递任务失败: %w", err)
	}
	return nil
}

func (s *taskService) GetTask(ctx context.Context, taskID string) (*domain.Task, error) {
	task, err := s.taskRepo.FindByID(ctx, taskID)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrTaskNotFound
		}
		s.logger.WithError(err).WithField("task_id", taskID).Error("Failed to get task")
		return nil, fmt.Errorf("获取任务失败: %w", err)
	}
	return task, nil
}

func (s *taskService) ListTasks(ctx context.Context, page, pageSize int, status, search string) ([]*domain.Task, int64, error) {
	tasks, total, err := s.taskRepo.List(ctx, page, pageSize, status, search)
	if err != nil {
		s.logger.WithError(err).Error("Failed to list tasks")
		return nil, 0, fmt.Errorf("获取任务列表失败: %w", err)
	}
	return tasks, total, nil
}

func (s *taskService) DeleteTask(ctx context.Context, taskID string) error {
	task, err := s.GetTask(ctx, taskID)
	if err != nil {
		return err
	}
	if task.Status == domain.TaskStatusRunning {
		return ErrTaskRunning
	}

	if err := s.taskRepo.Delete(ctx, taskID); err != nil {
		s.logger.WithError(err).WithField("task_id", taskID).Error("Failed to delete task")
		return fmt.Errorf("删除任务失败: %w", err)
	}

	s.logger.WithField("task_id", taskID).Info("Task deleted successfully")
	return nil
}

// CancelTask 排队中的任务直接置为已取消；执行中的任务设置停止标记，由 Runner 在下个检查点中止流水线
func (s *taskService) CancelTask(ctx context.Context, taskID string) (*domain.Task, error) {
	task, err := s.GetTask(ctx, taskID)
	if err != nil {
		return nil, err
	}

	switch task.Status {
	case domain.TaskStatusQueued:
		if err := s.taskRepo.MarkShouldStop(ctx, taskID); err != nil {
			return nil, fmt.Errorf("停止任务失败: %w", err)
		}
		if err := s.taskRepo.UpdateFailure(ctx, taskID, domain.StageIdle, domain.FailureTypeCancelled, "任务已取消"); err != nil {
			return nil, fmt.Errorf("停止任务失败: %w", err)
		}
	case domain.TaskStatusRunning:
		if err := s.taskRepo.MarkShouldStop(ctx, taskID); err != nil {
			return nil, fmt.Errorf("停止任务失败: %w", err)
		}
	default:
		return nil, ErrTaskFinished
	}

	s.logger.WithFields(logrus.Fields{
		"task_id": taskID,
		"status":  task.Status,
	}).Info("Task marked for stopping")
	return s.GetTask(ctx, taskID)
}

func (s *taskService) RequeueTask(ctx context.Context, taskID string) (*domain.Task, error) {
	task, err := s.GetTask(ctx, taskID)
	if err != nil {
		return nil, err
	}
	if task.Status != domain.TaskStatusFailed && task.Status != domain.TaskStatusCancelled {
		return nil, ErrTaskNotRetryable
	}

	if err := s.taskRepo.ResetForRetry(ctx, taskID); err != nil {
		if errors.Is(err, repository.ErrStateConflict) {
			return nil, ErrTaskNotRetryable
		}
		s.logger.WithError(err).WithField("task_id", taskID).Error("Failed to reset task")
		return nil, fmt.Errorf("重置任务失败: %w", err)
	}
	task, err = s.GetTask(ctx, taskID)
	if err != nil {
		return nil, err
	}
	if err := s.dispatch(ctx, task); err != nil {
		return nil, err
	}

	s.logger.WithField("task_id", taskID).Info("Task requeued")
	return task, nil
}

func (s *taskService) ListEvents(ctx context.Context, taskID string) ([]*domain.TaskEvent, error) {
	if _, err := s.GetTask(ctx, taskID); err != nil {
		return nil, err
	}
	events, err := s.taskRepo.ListEvents(ctx, taskID)
	if err != nil {
		return nil, fmt.Errorf("获取任务事件失败: %w", err)
	}
	return events, nil
}

func (s *taskService) GetStatusCounts(ctx context.Context) (map[string]int64, int64, error) {
	return s.taskRepo.GetStatusCounts(ctx)
}
