package handlers

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	"github.com/apk-protector/apk-protector-go/internal/domain"
	"github.com/apk-protector/apk-protector-go/internal/service"
)

const (
	defaultPageSize = 20
	maxPageSize     = 100
)

type TaskHandler struct {
	taskService service.TaskService
	logger      *logrus.Logger
}

func NewTaskHandler(taskService service.TaskService, logger *logrus.Logger) *TaskHandler {
	return &TaskHandler{taskService: taskService, logger: logger}
}

// queryInt 缺省或非正数时取 def
func queryInt(c *gin.Context, key string, def int) int {
	n, err := strconv.Atoi(c.Query(key))
	if err != nil || n <= 0 {
		return def
	}
	return n
}

// ListTasks GET /api/jobs?page=1&page_size=20&status=completed&search=关键词
// search 匹配 APK 名称与包名
func (h *TaskHandler) ListTasks(c *gin.Context) {
	page := queryInt(c, "page", 1)
	pageSize := min(queryInt(c, "page_size", defaultPageSize), maxPageSize)

	tasks, total, err := h.taskService.ListTasks(c.Request.Context(), page, pageSize, c.Query("status"), c.Query("search"))
	if err != nil {
		h.logger.WithError(err).Error("Failed to list tasks")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "获取任务列表失败"})
		return
	}

	views := make([]*taskView, len(tasks))
	for i, task := range tasks {
		views[i] = newTaskView(task)
	}
	c.JSON(http.StatusOK, gin.H{
		"tasks":       views,
		"total":       total,
		"page":        page,
		"page_size":   pageSize,
		"total_pages": (total + int64(pageSize) - 1) / int64(pageSize),
	})
}

// GetTask GET /api/jobs/:id
func (h *TaskHandler) GetTask(c *gin.Context) {
	id := c.Param("id")
	task, err := h.taskService.GetTask(c.Request.Context(), id)
	if err != nil {
		respondError(c, h.logger, id, "Failed to get task", err)
		return
	}
	c.JSON(http.StatusOK, newTaskView(task))
}

// DeleteTask DELETE /api/jobs/:id，执行中的任务需先取消
func (h *TaskHandler) DeleteTask(c *gin.Context) {
	id := c.Param("id")
	if err := h.taskService.DeleteTask(c.Request.Context(), id); err != nil {
		respondError(c, h.logger, id, "Failed to delete task", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "message": "任务删除成功"})
}

// CancelTask POST /api/jobs/:id/cancel
// 排队中的任务立即取消，执行中的任务在下一次检查点停止
func (h *TaskHandler) CancelTask(c *gin.Context) {
	id := c.Param("id")
	task, err := h.taskService.CancelTask(c.Request.Context(), id)
	if err != nil {
		respondError(c, h.logger, id, "Failed to cancel task", err)
		return
	}

	message := "任务已取消"
	if task.Status == domain.TaskStatusRunning {
		message = "任务已标记为停止"
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "message": message, "task": newTaskView(task)})
}

// RetryTask POST /api/jobs/:id/retry，只接受失败或已取消的任务
func (h *TaskHandler) RetryTask(c *gin.Context) {
	id := c.Param("id")
	task, err := h.taskService.RequeueTask(c.Request.Context(), id)
	if err != nil {
		respondError(c, h.logger, id, "Failed to requeue task", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "message": "任务已重新排队", "task": newTaskView(task)})
}

// ListEvents GET /api/jobs/:id/events
func (h *TaskHandler) ListEvents(c *gin.Context) {
	id := c.Param("id")
	events, err := h.taskService.ListEvents(c.Request.Context(), id)
	if err != nil {
		respondError(c, h.logger, id, "Failed to list task events", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"task_id": id, "events": events, "total": len(events)})
}

// GetSystemStats GET /api/stats
func (h *TaskHandler) GetSystemStats(c *gin.Context) {
	counts, total, err := h.taskService.GetStatusCounts(c.Request.Context())
	if err != nil {
		h.logger.WithError(err).Error("Failed to get status counts")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "获取统计信息失败"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"total_tasks": total, "status_breakdown": counts})
}
