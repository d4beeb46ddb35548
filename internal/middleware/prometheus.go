package middleware

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"

	"github.com/apk-protector/apk-protector-go/internal/domain"
)

// PrometheusMetrics 服务指标：HTTP、任务生命周期、运行时与连接池。
// 同时实现 worker.Metrics、queue.PoolStats 与 retry.Observer
type PrometheusMetrics struct {
	logger  *logrus.Logger
	handler http.Handler

	httpRequestsTotal   *prometheus.CounterVec
	httpRequestDuration *prometheus.HistogramVec

	tasksTotal      *prometheus.CounterVec // status
	tasksInProgress prometheus.Gauge
	taskDuration    *prometheus.HistogramVec // status
	stageDuration   *prometheus.HistogramVec // stage
	payloadBytes    prometheus.Histogram
	codeUnitsTotal  prometheus.Counter
	failuresTotal   *prometheus.CounterVec // stage, failure_type
	packersDetected *prometheus.CounterVec

	memoryUsage     prometheus.Gauge
	goroutinesCount prometheus.Gauge
	gcCount         prometheus.Gauge

	workers *prometheus.GaugeVec // state: size/active/queued
	dbConns *prometheus.GaugeVec // state: open/idle/in_use

	retryAttemptsTotal *prometheus.CounterVec
	retrySuccessTotal  *prometheus.CounterVec
}

// NewPrometheusMetrics registry 为 nil 时注册到默认 Registry
func NewPrometheusMetrics(logger *logrus.Logger, namespace string, registry *prometheus.Registry) *PrometheusMetrics {
	if namespace == "" {
		namespace = "apk_protector"
	}

	var reg prometheus.Registerer = prometheus.DefaultRegisterer
	handler := promhttp.Handler()
	if registry != nil {
		reg = registry
		handler = promhttp.HandlerFor(registry, promhttp.HandlerOpts{})
	}
	f := promauto.With(reg)

	counter := func(name, help string, labels ...string) *prometheus.CounterVec {
		return f.NewCounterVec(prometheus.CounterOpts{Namespace: namespace, Name: name, Help: help}, labels)
	}
	gauge := func(name, help string) prometheus.Gauge {
		return f.NewGauge(prometheus.GaugeOpts{Namespace: namespace, Name: name, Help: help})
	}
	gaugeVec := func(name, help string, labels ...string) *prometheus.GaugeVec {
		return f.NewGaugeVec(prometheus.GaugeOpts{Namespace: namespace, Name: name, Help: help}, labels)
	}
	histogram := func(name, help string, buckets []float64, labels ...string) *prometheus.HistogramVec {
		return f.NewHistogramVec(prometheus.HistogramOpts{Namespace: namespace, Name: name, Help: help, Buckets: buckets}, labels)
	}

	pm := &PrometheusMetrics{
		logger:  logger,
		handler: handler,

		httpRequestsTotal: counter("http_requests_total", "Total number of HTTP requests", "method", "path", "status"),
		httpRequestDuration: histogram("http_request_duration_seconds", "HTTP request latencies in seconds",
			[]float64{0.001, 0.01, 0.05, 0.1, 0.5, 1, 5, 10}, "method", "path"),

		tasksTotal:      counter("tasks_total", "Protection tasks by lifecycle status", "status"),
		tasksInProgress: gauge("tasks_in_progress", "Protection tasks currently running"),
		taskDuration: histogram("task_duration_seconds", "Task wall time by final status",
			[]float64{1, 2, 5, 10, 30, 60, 120, 300}, "status"),
		stageDuration: histogram("stage_duration_seconds", "Pipeline stage duration in seconds",
			[]float64{0.05, 0.1, 0.5, 1, 2, 5, 10, 30, 60}, "stage"),
		payloadBytes: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "payload_bytes",
			Help:      "Size of sealed payloads in bytes",
			Buckets:   prometheus.ExponentialBuckets(64*1024, 2, 12), // 64KB .. 128MB
		}),
		codeUnitsTotal: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "code_units_total",
			Help:      "Code units sealed into payloads",
		}),
		failuresTotal:   counter("failures_total", "Failed tasks by stage and failure type", "stage", "failure_type"),
		packersDetected: counter("packers_detected_total", "Source APKs carrying third-party packer indicators", "packer"),

		memoryUsage:     gauge("memory_usage_bytes", "Heap bytes allocated"),
		goroutinesCount: gauge("goroutines_count", "Current number of goroutines"),
		gcCount:         gauge("gc_count", "Completed GC cycles"),

		workers: gaugeVec("workers", "Task workers by state, shared by the in-process pool and the queue consumer", "state"),
		dbConns: gaugeVec("db_connections", "Database connections by state", "state"),

		retryAttemptsTotal: counter("retry_attempts_total", "Attempts made under a retry policy", "operation", "attempt"),
		retrySuccessTotal:  counter("retry_success_total", "Operations that succeeded after at least one retry", "operation"),
	}

	logger.WithField("namespace", namespace).Info("Prometheus metrics initialized")
	return pm
}

// HTTPMiddleware HTTP 请求监控中间件
func (pm *PrometheusMetrics) HTTPMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()

		c.Next()

		duration := time.Since(start).Seconds()
		status := strconv.Itoa(c.Writer.Status())
		path := c.FullPath()
		if path == "" {
			path = "unmatched"
		}

		pm.httpRequestsTotal.WithLabelValues(c.Request.Method, path, status).Inc()
		pm.httpRequestDuration.WithLabelValues(c.Request.Method, path).Observe(duration)
	}
}

// Handler 返回 Prometheus HTTP Handler
func (pm *PrometheusMetrics) Handler() gin.HandlerFunc {
	return func(c *gin.Context) {
		pm.handler.ServeHTTP(c.Writer, c.Request)
	}
}

// RecordTaskCreated 记录任务创建
func (pm *PrometheusMetrics) RecordTaskCreated() {
	pm.tasksTotal.WithLabelValues(string(domain.TaskStatusQueued)).Inc()
}

// RecordTaskStarted 记录任务开始
func (pm *PrometheusMetrics) RecordTaskStarted() {
	pm.tasksTotal.WithLabelValues(string(domain.TaskStatusRunning)).Inc()
	pm.tasksInProgress.Inc()
}

// RecordTaskCompleted 记录任务完成及各阶段耗时
func (pm *PrometheusMetrics) RecordTaskCompleted(duration time.Duration, stages map[domain.Stage]time.Duration, payloadSize, codeUnits int) {
	pm.tasksTotal.WithLabelValues(string(domain.TaskStatusCompleted)).Inc()
	pm.tasksInProgress.Dec()
	pm.taskDuration.WithLabelValues(string(domain.TaskStatusCompleted)).Observe(duration.Seconds())

	for stage, d := range stages {
		pm.stageDuration.WithLabelValues(string(stage)).Observe(d.Seconds())
	}
	pm.payloadBytes.Observe(float64(payloadSize))
	pm.codeUnitsTotal.Add(float64(codeUnits))
}

// RecordTaskFailed 记录任务失败，取消单独计数
func (pm *PrometheusMetrics) RecordTaskFailed(duration time.Duration, stage domain.Stage, failureType domain.FailureType) {
	status := domain.TaskStatusFailed
	if failureType == domain.FailureTypeCancelled {
		status = domain.TaskStatusCancelled
	}
	pm.tasksTotal.WithLabelValues(string(status)).Inc()
	pm.tasksInProgress.Dec()
	pm.taskDuration.WithLabelValues(string(status)).Observe(duration.Seconds())
	pm.failuresTotal.WithLabelValues(string(stage), string(failureType)).Inc()
}

// RecordPackerDetected 记录源 APK 带有第三方壳特征
func (pm *PrometheusMetrics) RecordPackerDetected(packer string) {
	pm.packersDetected.WithLabelValues(packer).Inc()
}

func (pm *PrometheusMetrics) UpdateMemoryStats(stats MemoryStats) {
	pm.memoryUsage.Set(float64(stats.Alloc))
	pm.goroutinesCount.Set(float64(stats.Goroutines))
	pm.gcCount.Set(float64(stats.NumGC))
}

// UpdateWorkerPoolStats queueSize 在队列模式下由 RabbitMQ 自身统计，此处为 0
func (pm *PrometheusMetrics) UpdateWorkerPoolStats(size, active, queueSize int) {
	pm.workers.WithLabelValues("size").Set(float64(size))
	pm.workers.WithLabelValues("active").Set(float64(active))
	pm.workers.WithLabelValues("queued").Set(float64(queueSize))
}

func (pm *PrometheusMetrics) UpdateDBStats(open, idle, inUse int) {
	pm.dbConns.WithLabelValues("open").Set(float64(open))
	pm.dbConns.WithLabelValues("idle").Set(float64(idle))
	pm.dbConns.WithLabelValues("in_use").Set(float64(inUse))
}

func (pm *PrometheusMetrics) RecordRetryAttempt(operation string, attempt int) {
	pm.retryAttemptsTotal.WithLabelValues(operation, strconv.Itoa(attempt)).Inc()
}

func (pm *PrometheusMetrics) RecordRetrySuccess(operation string) {
	pm.retrySuccessTotal.WithLabelValues(operation).Inc()
}
