package domain

import (
	"time"
)

// Stage 加固流水线状态
type Stage string

const (
	StageIdle             Stage = "idle"
	StageAnalyzing        Stage = "analyzing"
	StageBuildingPayload  Stage = "building_payload"
	StageRewritingArchive Stage = "rewriting_archive"
	StageSigning          Stage = "signing"
	StageDone             Stage = "done"
	StageFailed           Stage = "failed"
)

// Terminal 是否为终止状态
func (s Stage) Terminal() bool {
	return s == StageDone || s == StageFailed
}

// Label 阶段的可读名称
func (s Stage) Label() string {
	switch s {
	case StageIdle:
		return "Idle"
	case StageAnalyzing:
		return "Analyzing"
	case StageBuildingPayload:
		return "BuildingPayload"
	case StageRewritingArchive:
		return "RewritingArchive"
	case StageSigning:
		return "Signing"
	case StageDone:
		return "Done"
	case StageFailed:
		return "Failed"
	default:
		return string(s)
	}
}

type TaskStatus string

const (
	TaskStatusQueued    TaskStatus = "queued"
	TaskStatusRunning   TaskStatus = "running"
	TaskStatusCompleted TaskStatus = "completed"
	TaskStatusFailed    TaskStatus = "failed"
	TaskStatusCancelled TaskStatus = "cancelled"
)

// AllTaskStatuses 统计接口按此顺序返回
var AllTaskStatuses = []TaskStatus{
	TaskStatusQueued, TaskStatusRunning, TaskStatusCompleted, TaskStatusFailed, TaskStatusCancelled,
}

// FailureType 失败类型
type FailureType string

const (
	FailureTypeNone            FailureType = ""                 // 无失败（成功或进行中）
	FailureTypeIOError         FailureType = "io_error"         // 文件读写失败（异常-环境问题）
	FailureTypeFormatError     FailureType = "format_error"     // APK/清单/DEX 格式错误（警告-APK问题）
	FailureTypeProtectionError FailureType = "protection_error" // 前置条件不满足（警告-APK问题）
	FailureTypeCryptoError     FailureType = "crypto_error"     // 加密失败（异常-配置问题）
	FailureTypeSigningError    FailureType = "signing_error"    // 签名失败（异常-证书问题）
	FailureTypeCancelled       FailureType = "cancelled"        // 用户取消（正常）
	FailureTypeUnknown         FailureType = "unknown"          // 未知错误（异常）
)

// FailureSeverity 失败严重程度
type FailureSeverity string

const (
	FailureSeverityNormal  FailureSeverity = "normal"  // 正常
	FailureSeverityWarning FailureSeverity = "warning" // 警告（输入问题）
	FailureSeverityError   FailureSeverity = "error"   // 错误（需要排查）
)

// GetSeverity 获取失败类型对应的严重程度
func (ft FailureType) GetSeverity() FailureSeverity {
	switch ft {
	case FailureTypeNone, FailureTypeCancelled:
		return FailureSeverityNormal
	case FailureTypeFormatError, FailureTypeProtectionError:
		return FailureSeverityWarning // 输入 APK 问题
	default:
		return FailureSeverityError
	}
}

// GetDisplayName 获取失败类型的中文显示名称
func (ft FailureType) GetDisplayName() string {
	switch ft {
	case FailureTypeNone:
		return ""
	case FailureTypeIOError:
		return "文件读写错误"
	case FailureTypeFormatError:
		return "格式错误"
	case FailureTypeProtectionError:
		return "无法加固"
	case FailureTypeCryptoError:
		return "加密失败"
	case FailureTypeSigningError:
		return "签名失败"
	case FailureTypeCancelled:
		return "已取消"
	default:
		return "未知错误"
	}
}

// GetMaxRetryCount 获取失败类型对应的最大重试次数
// 流水线失败一律不自动重试，输入损坏重试也无法成功
func (ft FailureType) GetMaxRetryCount() int {
	return 0
}

// CanRetry 检查失败类型是否可以自动重试
func (ft FailureType) CanRetry() bool {
	return ft.GetMaxRetryCount() > 0
}

// Task 加固任务表
type Task struct {
	ID              string      `gorm:"primaryKey;type:varchar(36)" json:"id"`
	APKName         string      `gorm:"type:varchar(255);not null" json:"apk_name"`
	SourcePath      string      `gorm:"type:varchar(1024);not null" json:"source_path"`
	OutputPath      string      `gorm:"type:varchar(1024)" json:"output_path,omitempty"`
	TrialDays       int         `gorm:"default:14" json:"trial_days"`
	Owner           bool        `gorm:"default:false" json:"owner"`
	Status          TaskStatus  `gorm:"type:varchar(20);not null;default:'queued';index:idx_status" json:"status"`
	Stage           Stage       `gorm:"type:varchar(30);default:'idle'" json:"stage"`
	ShouldStop      bool        `gorm:"default:false" json:"should_stop"`
	FailureType     FailureType `gorm:"type:varchar(30);default:''" json:"failure_type,omitempty"`
	ErrorMessage    string      `gorm:"type:text" json:"error_message,omitempty"`
	CreatedAt       time.Time   `gorm:"not null" json:"created_at"`
	StartedAt       *time.Time  `json:"started_at,omitempty"`
	CompletedAt     *time.Time  `json:"completed_at,omitempty"`
	CurrentStep     string      `gorm:"type:varchar(255)" json:"current_step,omitempty"`
	ProgressPercent int         `gorm:"type:tinyint;default:0" json:"progress_percent"`

	// 加固结果
	PackageName    string     `gorm:"type:varchar(255)" json:"package_name,omitempty"`
	VersionName    string     `gorm:"type:varchar(100)" json:"version_name,omitempty"`
	VersionCode    string     `gorm:"type:varchar(20)" json:"version_code,omitempty"`
	EntryPoint     string     `gorm:"type:varchar(500)" json:"entry_point,omitempty"`
	ExpireAt       *time.Time `json:"expire_at,omitempty"`
	PayloadSize    int64      `json:"payload_size,omitempty"`
	InputSHA256    string     `gorm:"type:char(64)" json:"input_sha256,omitempty"`
	OutputSHA256   string     `gorm:"type:char(64)" json:"output_sha256,omitempty"`
	PackerDetected string     `gorm:"type:varchar(255)" json:"packer_detected,omitempty"`

	Events []TaskEvent `gorm:"foreignKey:TaskID;references:ID" json:"events,omitempty"`
}

func (Task) TableName() string {
	return "protect_tasks"
}

// TaskEvent 任务进度事件
type TaskEvent struct {
	ID        uint      `gorm:"primaryKey;autoIncrement" json:"id"`
	TaskID    string    `gorm:"type:varchar(36);index:idx_task_id;not null" json:"task_id"`
	Stage     Stage     `gorm:"type:varchar(30);not null" json:"stage"`
	Percent   int       `gorm:"type:tinyint" json:"percent"`
	Message   string    `gorm:"type:varchar(500)" json:"message,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

func (TaskEvent) TableName() string {
	return "protect_task_events"
}
