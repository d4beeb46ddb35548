package handlers

import (
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	"github.com/apk-protector/apk-protector-go/internal/domain"
	"github.com/apk-protector/apk-protector-go/internal/service"
)

const displayTimeLayout = "2006/01/02 15:04:05"

// 页面展示使用东八区
var cst = time.FixedZone("CST", 8*60*60)

// taskView 任务的接口表示；不暴露服务器上的文件路径
type taskView struct {
	ID              string            `json:"id"`
	APKName         string            `json:"apk_name"`
	Status          domain.TaskStatus `json:"status"`
	Stage           domain.Stage      `json:"stage"`
	StageLabel      string            `json:"stage_label"`
	TrialDays       int               `json:"trial_days"`
	Owner           bool              `json:"owner"`
	CurrentStep     string            `json:"current_step"`
	ProgressPercent int               `json:"progress_percent"`
	ShouldStop      bool              `json:"should_stop"`
	Requeueable     bool              `json:"requeueable"`
	PackerDetected  string            `json:"packer_detected,omitempty"`

	CreatedAt      time.Time  `json:"created_at"`
	StartedAt      *time.Time `json:"started_at"`
	CompletedAt    *time.Time `json:"completed_at"`
	CreatedAtCST   string     `json:"created_at_cst,omitempty"`
	CompletedAtCST string     `json:"completed_at_cst,omitempty"`

	*failureView
	*resultView
}

type failureView struct {
	FailureType        domain.FailureType     `json:"failure_type"`
	FailureTypeDisplay string                 `json:"failure_type_display"`
	FailureSeverity    domain.FailureSeverity `json:"failure_severity"`
	ErrorMessage       string                 `json:"error_message"`
}

// resultView 只在完成后出现
type resultView struct {
	PackageName  string     `json:"package_name"`
	VersionName  string     `json:"version_name"`
	VersionCode  string     `json:"version_code"`
	EntryPoint   string     `json:"entry_point"`
	PayloadSize  int64      `json:"payload_size"`
	InputSHA256  string     `json:"input_sha256"`
	OutputSHA256 string     `json:"output_sha256"`
	ExpireAt     *time.Time `json:"expire_at"`
	DownloadURL  string     `json:"download_url"`
}

func newTaskView(task *domain.Task) *taskView {
	v := &taskView{
		ID:              task.ID,
		APKName:         task.APKName,
		Status:          task.Status,
		Stage:           task.Stage,
		StageLabel:      task.Stage.Label(),
		TrialDays:       task.TrialDays,
		Owner:           task.Owner,
		CurrentStep:     task.CurrentStep,
		ProgressPercent: task.ProgressPercent,
		ShouldStop:      task.ShouldStop,
		Requeueable:     task.Status == domain.TaskStatusFailed || task.Status == domain.TaskStatusCancelled,
		PackerDetected:  task.PackerDetected,
		CreatedAt:       task.CreatedAt,
		StartedAt:       task.StartedAt,
		CompletedAt:     task.CompletedAt,
	}
	if !task.CreatedAt.IsZero() {
		v.CreatedAtCST = task.CreatedAt.In(cst).Format(displayTimeLayout)
	}
	if task.CompletedAt != nil && !task.CompletedAt.IsZero() {
		v.CompletedAtCST = task.CompletedAt.In(cst).Format(displayTimeLayout)
	}

	if task.FailureType != domain.FailureTypeNone {
		v.failureView = &failureView{
			FailureType:        task.FailureType,
			FailureTypeDisplay: task.FailureType.GetDisplayName(),
			FailureSeverity:    task.FailureType.GetSeverity(),
			ErrorMessage:       task.ErrorMessage,
		}
	}
	if task.Status == domain.TaskStatusCompleted {
		v.resultView = &resultView{
			PackageName:  task.PackageName,
			VersionName:  task.VersionName,
			VersionCode:  task.VersionCode,
			EntryPoint:   task.EntryPoint,
			PayloadSize:  task.PayloadSize,
			InputSHA256:  task.InputSHA256,
			OutputSHA256: task.OutputSHA256,
			ExpireAt:     task.ExpireAt,
			DownloadURL:  "/api/jobs/" + task.ID + "/download",
		}
	}
	return v
}

func statusForError(err error) int {
	switch {
	case errors.Is(err, service.ErrTaskNotFound):
		return http.StatusNotFound
	case errors.Is(err, service.ErrInvalidTrialDays), errors.Is(err, service.ErrMissingSourcePath):
		return http.StatusBadRequest
	case errors.Is(err, service.ErrTaskRunning), errors.Is(err, service.ErrTaskFinished),
		errors.Is(err, service.ErrTaskNotRetryable), errors.Is(err, service.ErrDuplicateTask):
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

// respondError 4xx 返回服务层错误原文，5xx 只返回通用提示
func respondError(c *gin.Context, logger *logrus.Logger, taskID, msg string, err error) {
	status := statusForError(err)
	entry := logger.WithError(err).WithField("task_id", taskID)
	if status >= http.StatusInternalServerError {
		entry.Error(msg)
		c.JSON(status, gin.H{"error": "服务器内部错误"})
		return
	}
	entry.Warn(msg)
	c.JSON(status, gin.H{"error": err.Error()})
}
