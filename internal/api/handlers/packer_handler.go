package handlers

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	"github.com/apk-protector/apk-protector-go/internal/archive"
	"github.com/apk-protector/apk-protector-go/internal/packer"
	"github.com/apk-protector/apk-protector-go/internal/service"
)

type PackerHandler struct {
	taskService service.TaskService
	detector    *packer.Detector
	logger      *logrus.Logger
}

func NewPackerHandler(taskService service.TaskService, detector *packer.Detector, logger *logrus.Logger) *PackerHandler {
	return &PackerHandler{taskService: taskService, detector: detector, logger: logger}
}

// packerReport 任务记录里只存壳名称，这里返回完整的命中特征
type packerReport struct {
	TaskID     string   `json:"task_id"`
	IsPacked   bool     `json:"is_packed"`
	Name       string   `json:"packer_name"`
	Type       string   `json:"packer_type"`
	Confidence float64  `json:"packer_confidence"`
	Indicators []string `json:"packer_indicators"`
	Summary    string   `json:"summary"`
	DurationMS int64    `json:"detection_duration_ms"`
}

// GetPackerDetection GET /api/jobs/:id/packer，对源 APK 重新检测
func (h *PackerHandler) GetPackerDetection(c *gin.Context) {
	id := c.Param("id")
	task, err := h.taskService.GetTask(c.Request.Context(), id)
	if err != nil {
		respondError(c, h.logger, id, "Failed to load task for packer detection", err)
		return
	}

	start := time.Now()
	zr, err := archive.Open(task.SourcePath)
	if err != nil {
		// 源文件可能已被清理
		h.logger.WithError(err).WithField("task_id", id).Warn("Failed to open source APK for packer detection")
		c.JSON(http.StatusNotFound, gin.H{"error": "源 APK 不可读"})
		return
	}
	defer zr.Close()

	info := h.detector.Detect(zr.Entries(), task.EntryPoint)
	c.JSON(http.StatusOK, packerReport{
		TaskID:     id,
		IsPacked:   info.IsPacked,
		Name:       info.PackerName,
		Type:       info.PackerType,
		Confidence: info.Confidence,
		Indicators: info.Indicators,
		Summary:    packer.Summary(info),
		DurationMS: time.Since(start).Milliseconds(),
	})
}
