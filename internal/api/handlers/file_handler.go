package handlers

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"os"
	"path/filepath"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/apk-protector/apk-protector-go/internal/domain"
	"github.com/apk-protector/apk-protector-go/internal/service"
)

const defaultMaxUploadMB = 500

var errNotZip = errors.New("uploaded file is not a zip archive")

// FileHandler 上传与下载
type FileHandler struct {
	taskService      service.TaskService
	logger           *logrus.Logger
	inboundDir       string
	maxBytes         int64
	defaultTrialDays int
}

func NewFileHandler(taskService service.TaskService, logger *logrus.Logger, inboundDir string, maxUploadMB int64, defaultTrialDays int) *FileHandler {
	if maxUploadMB <= 0 {
		maxUploadMB = defaultMaxUploadMB
	}
	return &FileHandler{
		taskService:      taskService,
		logger:           logger,
		inboundDir:       inboundDir,
		maxBytes:         maxUploadMB << 20,
		defaultTrialDays: defaultTrialDays,
	}
}

// uploadForm trial_days 为空时使用配置的默认值，范围由服务层校验
type uploadForm struct {
	TrialDays *int `form:"trial_days"`
	Owner     bool `form:"owner"`
}

func badRequest(c *gin.Context, msg string) {
	c.JSON(http.StatusBadRequest, gin.H{"error": msg})
}

// UploadAPK POST /api/jobs  multipart: file, trial_days, owner
func (h *FileHandler) UploadAPK(c *gin.Context) {
	file, err := c.FormFile("file")
	if err != nil {
		badRequest(c, "请选择要上传的 APK 文件")
		return
	}
	name := filepath.Base(file.Filename)
	if !strings.EqualFold(filepath.Ext(name), ".apk") {
		badRequest(c, "只支持 APK 文件格式")
		return
	}
	if file.Size > h.maxBytes {
		badRequest(c, fmt.Sprintf("文件大小超过限制 (最大 %dMB)", h.maxBytes>>20))
		return
	}

	var form uploadForm
	if err := c.ShouldBind(&form); err != nil {
		badRequest(c, "trial_days 必须为整数，owner 必须为布尔值")
		return
	}
	trialDays := h.defaultTrialDays
	if form.TrialDays != nil {
		trialDays = *form.TrialDays
	}

	log := h.logger.WithField("filename", name)
	if err := os.MkdirAll(h.inboundDir, 0755); err != nil {
		log.WithError(err).Error("Failed to create inbound directory")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "创建上传目录失败"})
		return
	}

	// 存储名与上传名无关，同名 APK 不会互相覆盖
	dest := filepath.Join(h.inboundDir, uuid.NewString()+".apk")
	written, err := saveUpload(file, dest)
	if errors.Is(err, errNotZip) {
		badRequest(c, "文件不是有效的 APK")
		return
	}
	if err != nil {
		log.WithError(err).Error("Failed to save uploaded file")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "文件上传失败"})
		return
	}

	task, err := h.taskService.CreateTask(c.Request.Context(), service.CreateTaskRequest{
		APKName:    name,
		SourcePath: dest,
		TrialDays:  trialDays,
		Owner:      form.Owner,
	})
	if err != nil {
		os.Remove(dest)
		respondError(c, h.logger, "", "Failed to create task", err)
		return
	}

	log.WithFields(logrus.Fields{
		"task_id": task.ID,
		"size":    written,
	}).Info("APK file uploaded")
	c.JSON(http.StatusAccepted, gin.H{
		"message": "文件上传成功，任务已排队",
		"size":    written,
		"task":    newTaskView(task),
	})
}

// saveUpload 先确认 zip 头再落盘；失败时不留下残缺文件
func saveUpload(file *multipart.FileHeader, dest string) (int64, error) {
	src, err := file.Open()
	if err != nil {
		return 0, err
	}
	defer src.Close()

	magic := make([]byte, 2)
	if _, err := io.ReadFull(src, magic); err != nil || !bytes.Equal(magic, []byte("PK")) {
		return 0, errNotZip
	}

	dst, err := os.OpenFile(dest, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0644)
	if err != nil {
		return 0, err
	}
	written, err := io.Copy(dst, io.MultiReader(bytes.NewReader(magic), src))
	if cerr := dst.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		os.Remove(dest)
		return 0, err
	}
	return written, nil
}

// DownloadResult GET /api/jobs/:id/download
func (h *FileHandler) DownloadResult(c *gin.Context) {
	id := c.Param("id")
	task, err := h.taskService.GetTask(c.Request.Context(), id)
	if err != nil {
		respondError(c, h.logger, id, "Failed to load task for download", err)
		return
	}

	if task.Status != domain.TaskStatusCompleted || task.OutputPath == "" {
		c.JSON(http.StatusConflict, gin.H{"error": "任务尚未完成", "status": task.Status})
		return
	}
	if _, err := os.Stat(task.OutputPath); err != nil {
		h.logger.WithError(err).WithField("task_id", id).Warn("Protected APK missing on disk")
		c.JSON(http.StatusNotFound, gin.H{"error": "加固产物不存在"})
		return
	}
	c.FileAttachment(task.OutputPath, filepath.Base(task.OutputPath))
}
