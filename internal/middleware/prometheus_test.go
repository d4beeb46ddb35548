package middleware

import (
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/sirupsen/logrus"
	logtest "github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/apk-protector/apk-protector-go/internal/domain"
	"github.com/apk-protector/apk-protector-go/internal/retry"
)

// setupTestMetrics 每个测试使用独立的 Registry，避免指标重复注册
func setupTestMetrics(t *testing.T) *PrometheusMetrics {
	t.Helper()
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	return NewPrometheusMetrics(logger, "test", prometheus.NewRegistry())
}

// TestPrometheusMetrics_Initialization 测试指标初始化
func TestPrometheusMetrics_Initialization(t *testing.T) {
	pm := setupTestMetrics(t)

	assert.NotNil(t, pm)
	assert.NotNil(t, pm.httpRequestsTotal)
	assert.NotNil(t, pm.tasksTotal)
	assert.NotNil(t, pm.stageDuration)
	assert.NotNil(t, pm.failuresTotal)
	assert.NotNil(t, pm.retryAttemptsTotal)
}

// TestHTTPMiddleware 测试 HTTP 中间件
func TestHTTPMiddleware(t *testing.T) {
	pm := setupTestMetrics(t)

	gin.SetMode(gin.TestMode)
	router := gin.New()
	router.Use(pm.HTTPMiddleware())
	router.GET("/api/jobs/:id", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"message": "ok"})
	})

	for _, path := range []string{"/api/jobs/a", "/api/jobs/b", "/nowhere"} {
		w := httptest.NewRecorder()
		router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, path, nil))
	}

	// 路由模板作为标签，避免按 ID 爆炸
	assert.Equal(t, 2.0, testutil.ToFloat64(pm.httpRequestsTotal.WithLabelValues("GET", "/api/jobs/:id", "200")))
	assert.Equal(t, 1.0, testutil.ToFloat64(pm.httpRequestsTotal.WithLabelValues("GET", "unmatched", "404")))
}

// TestTaskLifecycleMetrics 测试任务完成与失败计数
func TestTaskLifecycleMetrics(t *testing.T) {
	pm := setupTestMetrics(t)

	pm.RecordTaskCreated()
	pm.RecordTaskStarted()
	pm.RecordTaskCompleted(3*time.Second, map[domain.Stage]time.Duration{
		domain.StageAnalyzing:       100 * time.Millisecond,
		domain.StageBuildingPayload: 2 * time.Second,
	}, 1<<20, 3)

	pm.RecordTaskStarted()
	pm.RecordTaskFailed(time.Second, domain.StageSigning, domain.FailureTypeSigningError)

	pm.RecordTaskStarted()
	pm.RecordTaskFailed(time.Second, domain.StageRewritingArchive, domain.FailureTypeCancelled)

	assert.Equal(t, 1.0, testutil.ToFloat64(pm.tasksTotal.WithLabelValues("queued")))
	assert.Equal(t, 3.0, testutil.ToFloat64(pm.tasksTotal.WithLabelValues("running")))
	assert.Equal(t, 1.0, testutil.ToFloat64(pm.tasksTotal.WithLabelValues("completed")))
	assert.Equal(t, 1.0, testutil.ToFloat64(pm.tasksTotal.WithLabelValues("failed")))
	assert.Equal(t, 1.0, testutil.ToFloat64(pm.tasksTotal.WithLabelValues("cancelled")))
	assert.Equal(t, 0.0, testutil.ToFloat64(pm.tasksInProgress))
	assert.Equal(t, 3.0, testutil.ToFloat64(pm.codeUnitsTotal))
	assert.Equal(t, 1.0, testutil.ToFloat64(pm.failuresTotal.WithLabelValues("signing", "signing_error")))
	assert.Equal(t, 2, testutil.CollectAndCount(pm.stageDuration))
}

// TestRecordPackerDetected 测试壳检测计数
func TestRecordPackerDetected(t *testing.T) {
	pm := setupTestMetrics(t)

	pm.RecordPackerDetected("jiagu")
	pm.RecordPackerDetected("jiagu")

	assert.Equal(t, 2.0, testutil.ToFloat64(pm.packersDetected.WithLabelValues("jiagu")))
}

// TestRetryObserver 指标收集器可直接作为重试观察者
func TestRetryObserver(t *testing.T) {
	pm := setupTestMetrics(t)
	var obs retry.Observer = pm

	obs.RecordRetryAttempt("mq_connect", 1)
	obs.RecordRetryAttempt("mq_connect", 2)
	obs.RecordRetrySuccess("mq_connect")

	assert.Equal(t, 2, testutil.CollectAndCount(pm.retryAttemptsTotal))
	assert.Equal(t, 1.0, testutil.ToFloat64(pm.retrySuccessTotal.WithLabelValues("mq_connect")))
}

// TestGaugeUpdates 测试系统、连接池与 Worker Pool 指标
func TestGaugeUpdates(t *testing.T) {
	pm := setupTestMetrics(t)

	pm.UpdateMemoryStats(MemoryStats{Alloc: 4096, Goroutines: 12, NumGC: 3})
	pm.UpdateWorkerPoolStats(4, 2, 7)
	pm.UpdateDBStats(5, 3, 2)

	assert.Equal(t, 4096.0, testutil.ToFloat64(pm.memoryUsage))
	assert.Equal(t, 12.0, testutil.ToFloat64(pm.goroutinesCount))
	assert.Equal(t, 2.0, testutil.ToFloat64(pm.workers.WithLabelValues("active")))
	assert.Equal(t, 7.0, testutil.ToFloat64(pm.workers.WithLabelValues("queued")))
	assert.Equal(t, 2.0, testutil.ToFloat64(pm.dbConns.WithLabelValues("in_use")))
	assert.Equal(t, 3, testutil.CollectAndCount(pm.dbConns))
}

// TestMemoryMonitor_FeedsMetrics 监控器启动时立即同步一次
func TestMemoryMonitor_FeedsMetrics(t *testing.T) {
	pm := setupTestMetrics(t)
	logger := logrus.New()
	logger.SetOutput(io.Discard)

	monitor := NewMemoryMonitor(logger, time.Hour, pm, nil)
	monitor.Start()
	defer monitor.Stop()

	stats := monitor.GetStats()
	assert.Greater(t, stats.Goroutines, 0)
	assert.Greater(t, testutil.ToFloat64(pm.memoryUsage), 0.0)

	// 重复 Stop 不应 panic
	monitor.Stop()
}

// TestHandler 测试 /metrics 输出
func TestHandler(t *testing.T) {
	pm := setupTestMetrics(t)
	pm.RecordTaskCreated()

	gin.SetMode(gin.TestMode)
	router := gin.New()
	router.GET("/metrics", pm.Handler())

	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `test_tasks_total{status="queued"} 1`)
}

// TestAuthMiddleware 测试令牌校验
func TestAuthMiddleware(t *testing.T) {
	gin.SetMode(gin.TestMode)

	tests := []struct {
		name     string
		expected string
		header   string
		query    string
		code     int
	}{
		{name: "auth disabled", expected: "", code: http.StatusOK},
		{name: "missing token", expected: "secret", code: http.StatusUnauthorized},
		{name: "malformed header", expected: "secret", header: "secret", code: http.StatusUnauthorized},
		{name: "wrong token", expected: "secret", header: "Bearer nope", code: http.StatusUnauthorized},
		{name: "bearer token", expected: "secret", header: "Bearer secret", code: http.StatusOK},
		{name: "query token", expected: "secret", query: "secret", code: http.StatusOK},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			router := gin.New()
			router.Use(AuthMiddleware(tt.expected))
			router.GET("/ping", func(c *gin.Context) { c.Status(http.StatusOK) })

			target := "/ping"
			if tt.query != "" {
				target += "?token=" + tt.query
			}
			req := httptest.NewRequest(http.MethodGet, target, nil)
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}
			w := httptest.NewRecorder()
			router.ServeHTTP(w, req)

			assert.Equal(t, tt.code, w.Code)
		})
	}
}

// TestMemoryMonitor_Endpoint 快照包含峰值，水位线越过时只告警一次
func TestMemoryMonitor_Endpoint(t *testing.T) {
	logger, hook := logtest.NewNullLogger()
	monitor := NewMemoryMonitor(logger, time.Hour, nil, nil)
	monitor.highWaterMB = 0

	monitor.sample()
	monitor.sample()

	warnings := 0
	for _, e := range hook.AllEntries() {
		if e.Level == logrus.WarnLevel {
			warnings++
		}
	}
	assert.Equal(t, 1, warnings)

	stats := monitor.GetStats()
	assert.GreaterOrEqual(t, stats.PeakAllocMB, stats.AllocMB)

	gin.SetMode(gin.TestMode)
	router := gin.New()
	router.GET("/metrics", monitor.MetricsEndpoint())
	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"peak_alloc_mb"`)
	assert.NotContains(t, w.Body.String(), `"db"`)
}
