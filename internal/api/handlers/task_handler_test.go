package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/apk-protector/apk-protector-go/internal/domain"
	"github.com/apk-protector/apk-protector-go/internal/service"
)

// MockTaskService Mock Service
type MockTaskService struct {
	mock.Mock
}

func (m *MockTaskService) CreateTask(ctx context.Context, req service.CreateTaskRequest) (*domain.Task, error) {
	args := m.Called(req)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*domain.Task), args.Error(1)
}

func (m *MockTaskService) GetTask(ctx context.Context, id string) (*domain.Task, error) {
	args := m.Called(id)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*domain.Task), args.Error(1)
}

func (m *MockTaskService) ListTasks(ctx context.Context, page, pageSize int, status, search string) ([]*domain.Task, int64, error) {
	args := m.Called(page, pageSize, status, search)
	if args.Get(0) == nil {
		return nil, 0, args.Error(2)
	}
	return args.Get(0).([]*domain.Task), args.Get(1).(int64), args.Error(2)
}

func (m *MockTaskService) DeleteTask(ctx context.Context, id string) error {
	args := m.Called(id)
	return args.Error(0)
}

func (m *MockTaskService) CancelTask(ctx context.Context, id string) (*domain.Task, error) {
	args := m.Called(id)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*domain.Task), args.Error(1)
}

func (m *MockTaskService) RequeueTask(ctx context.Context, id string) (*domain.Task, error) {
	args := m.Called(id)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*domain.Task), args.Error(1)
}

func (m *MockTaskService) ListEvents(ctx context.Context, id string) ([]*domain.TaskEvent, error) {
	args := m.Called(id)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]*domain.TaskEvent), args.Error(1)
}

func (m *MockTaskService) GetStatusCounts(ctx context.Context) (map[string]int64, int64, error) {
	args := m.Called()
	if args.Get(0) == nil {
		return nil, 0, args.Error(2)
	}
	return args.Get(0).(map[string]int64), args.Get(1).(int64), args.Error(2)
}

// setupTestRouter 设置测试路由
func setupTestRouter() *gin.Engine {
	gin.SetMode(gin.TestMode)
	return gin.New()
}

func quietLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetLevel(logrus.ErrorLevel)
	return logger
}

func decodeBody(t *testing.T, w *httptest.ResponseRecorder) map[string]interface{} {
	t.Helper()
	var body map[string]interface{}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	return body
}

// TestTaskHandler_GetTask 测试获取任务
func TestTaskHandler_GetTask(t *testing.T) {
	mockService := new(MockTaskService)
	handler := NewTaskHandler(mockService, quietLogger())
	router := setupTestRouter()
	router.GET("/api/jobs/:id", handler.GetTask)

	expireAt := time.Date(2025, 4, 1, 0, 0, 0, 0, time.UTC)
	mockService.On("GetTask", "task-001").Return(&domain.Task{
		ID:              "task-001",
		APKName:         "shop.apk",
		Status:          domain.TaskStatusCompleted,
		Stage:           domain.StageDone,
		ProgressPercent: 100,
		PackageName:     "com.example.shop",
		ExpireAt:        &expireAt,
		CreatedAt:       time.Now(),
	}, nil)

	req := httptest.NewRequest("GET", "/api/jobs/task-001", nil)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	assert.Equal(t, http.StatusOK, w.Code)
	body := decodeBody(t, w)
	assert.Equal(t, "task-001", body["id"])
	assert.Equal(t, "completed", body["status"])
	assert.Equal(t, "done", body["stage"])
	assert.Equal(t, "com.example.shop", body["package_name"])
	assert.Equal(t, "/api/jobs/task-001/download", body["download_url"])
	assert.Equal(t, false, body["requeueable"])
	assert.NotContains(t, body, "failure_type")

	mockService.AssertExpectations(t)
}

// TestTaskHandler_GetTask_NotFound 测试获取不存在的任务
func TestTaskHandler_GetTask_NotFound(t *testing.T) {
	mockService := new(MockTaskService)
	handler := NewTaskHandler(mockService, quietLogger())
	router := setupTestRouter()
	router.GET("/api/jobs/:id", handler.GetTask)

	mockService.On("GetTask", "non-existent").Return(nil, service.ErrTaskNotFound)

	req := httptest.NewRequest("GET", "/api/jobs/non-existent", nil)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.Equal(t, service.ErrTaskNotFound.Error(), decodeBody(t, w)["error"])
	mockService.AssertExpectations(t)
}

// TestTaskHandler_ListTasks 测试分页参数
func TestTaskHandler_ListTasks(t *testing.T) {
	mockService := new(MockTaskService)
	handler := NewTaskHandler(mockService, quietLogger())
	router := setupTestRouter()
	router.GET("/api/jobs", handler.ListTasks)

	tasks := []*domain.Task{
		{ID: "task-1", APKName: "app1.apk", Status: domain.TaskStatusCompleted},
		{ID: "task-2", APKName: "app2.apk", Status: domain.TaskStatusFailed, FailureType: domain.FailureTypeFormatError},
	}
	// page_size 超过上限时截断为 100
	mockService.On("ListTasks", 2, 100, "failed", "app").Return(tasks, int64(102), nil)

	req := httptest.NewRequest("GET", "/api/jobs?page=2&page_size=500&status=failed&search=app", nil)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	require.Equal(t, http.StatusOK, w.Code)
	body := decodeBody(t, w)
	assert.Equal(t, float64(102), body["total"])
	assert.Equal(t, float64(2), body["total_pages"])
	list := body["tasks"].([]interface{})
	require.Len(t, list, 2)
	second := list[1].(map[string]interface{})
	assert.Equal(t, "format_error", second["failure_type"])
	assert.Equal(t, true, second["requeueable"])

	mockService.AssertExpectations(t)
}

// TestTaskHandler_ListTasks_Defaults 无效参数使用默认值
func TestTaskHandler_ListTasks_Defaults(t *testing.T) {
	mockService := new(MockTaskService)
	handler := NewTaskHandler(mockService, quietLogger())
	router := setupTestRouter()
	router.GET("/api/jobs", handler.ListTasks)

	mockService.On("ListTasks", 1, 20, "", "").Return([]*domain.Task{}, int64(0), nil)

	req := httptest.NewRequest("GET", "/api/jobs?page=-3&page_size=abc", nil)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	assert.Equal(t, http.StatusOK, w.Code)
	mockService.AssertExpectations(t)
}

// TestTaskHandler_DeleteTask 测试删除任务
func TestTaskHandler_DeleteTask(t *testing.T) {
	tests := []struct {
		name       string
		err        error
		wantStatus int
	}{
		{"success", nil, http.StatusOK},
		{"running", service.ErrTaskRunning, http.StatusConflict},
		{"not found", service.ErrTaskNotFound, http.StatusNotFound},
		{"db error", errors.New("database is locked"), http.StatusInternalServerError},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			mockService := new(MockTaskService)
			handler := NewTaskHandler(mockService, quietLogger())
			router := setupTestRouter()
			router.DELETE("/api/jobs/:id", handler.DeleteTask)

			mockService.On("DeleteTask", "task-001").Return(tt.err)

			req := httptest.NewRequest("DELETE", "/api/jobs/task-001", nil)
			w := httptest.NewRecorder()
			router.ServeHTTP(w, req)

			assert.Equal(t, tt.wantStatus, w.Code)
			if tt.wantStatus == http.StatusInternalServerError {
				// 内部错误不向客户端暴露细节
				assert.NotContains(t, w.Body.String(), "database is locked")
			}
			mockService.AssertExpectations(t)
		})
	}
}

// TestTaskHandler_CancelTask 测试取消任务
func TestTaskHandler_CancelTask(t *testing.T) {
	t.Run("running task is flagged", func(t *testing.T) {
		mockService := new(MockTaskService)
		handler := NewTaskHandler(mockService, quietLogger())
		router := setupTestRouter()
		router.POST("/api/jobs/:id/cancel", handler.CancelTask)

		mockService.On("CancelTask", "task-001").Return(&domain.Task{
			ID:         "task-001",
			Status:     domain.TaskStatusRunning,
			Stage:      domain.StageSigning,
			ShouldStop: true,
		}, nil)

		req := httptest.NewRequest("POST", "/api/jobs/task-001/cancel", nil)
		w := httptest.NewRecorder()
		router.ServeHTTP(w, req)

		require.Equal(t, http.StatusOK, w.Code)
		body := decodeBody(t, w)
		assert.Equal(t, "任务已标记为停止", body["message"])
		task := body["task"].(map[string]interface{})
		assert.Equal(t, true, task["should_stop"])
	})

	t.Run("finished task conflicts", func(t *testing.T) {
		mockService := new(MockTaskService)
		handler := NewTaskHandler(mockService, quietLogger())
		router := setupTestRouter()
		router.POST("/api/jobs/:id/cancel", handler.CancelTask)

		mockService.On("CancelTask", "task-002").Return(nil, service.ErrTaskFinished)

		req := httptest.NewRequest("POST", "/api/jobs/task-002/cancel", nil)
		w := httptest.NewRecorder()
		router.ServeHTTP(w, req)

		assert.Equal(t, http.StatusConflict, w.Code)
		assert.Equal(t, service.ErrTaskFinished.Error(), decodeBody(t, w)["error"])
	})
}

// TestTaskHandler_RetryTask 测试重新排队
func TestTaskHandler_RetryTask(t *testing.T) {
	mockService := new(MockTaskService)
	handler := NewTaskHandler(mockService, quietLogger())
	router := setupTestRouter()
	router.POST("/api/jobs/:id/retry", handler.RetryTask)

	mockService.On("RequeueTask", "task-001").Return(&domain.Task{ID: "task-001", Status: domain.TaskStatusQueued}, nil)
	mockService.On("RequeueTask", "task-002").Return(nil, service.ErrTaskNotRetryable)

	req := httptest.NewRequest("POST", "/api/jobs/task-001/retry", nil)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	assert.Equal(t, http.StatusOK, w.Code)

	req = httptest.NewRequest("POST", "/api/jobs/task-002/retry", nil)
	w = httptest.NewRecorder()
	router.ServeHTTP(w, req)
	assert.Equal(t, http.StatusConflict, w.Code)

	mockService.AssertExpectations(t)
}

// TestTaskHandler_ListEvents 测试进度事件
func TestTaskHandler_ListEvents(t *testing.T) {
	mockService := new(MockTaskService)
	handler := NewTaskHandler(mockService, quietLogger())
	router := setupTestRouter()
	router.GET("/api/jobs/:id/events", handler.ListEvents)

	mockService.On("ListEvents", "task-001").Return([]*domain.TaskEvent{
		{TaskID: "task-001", Stage: domain.StageAnalyzing, Percent: 5},
		{TaskID: "task-001", Stage: domain.StageBuildingPayload, Percent: 30},
	}, nil)

	req := httptest.NewRequest("GET", "/api/jobs/task-001/events", nil)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	require.Equal(t, http.StatusOK, w.Code)
	body := decodeBody(t, w)
	assert.Equal(t, float64(2), body["total"])
	events := body["events"].([]interface{})
	assert.Equal(t, "building_payload", events[1].(map[string]interface{})["stage"])
}

// TestTaskHandler_GetSystemStats 测试统计
func TestTaskHandler_GetSystemStats(t *testing.T) {
	mockService := new(MockTaskService)
	handler := NewTaskHandler(mockService, quietLogger())
	router := setupTestRouter()
	router.GET("/api/stats", handler.GetSystemStats)

	mockService.On("GetStatusCounts").Return(map[string]int64{"queued": 2, "completed": 5}, int64(7), nil)

	req := httptest.NewRequest("GET", "/api/stats", nil)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	require.Equal(t, http.StatusOK, w.Code)
	body := decodeBody(t, w)
	assert.Equal(t, float64(7), body["total_tasks"])
	assert.Equal(t, float64(5), body["status_breakdown"].(map[string]interface{})["completed"])
}
