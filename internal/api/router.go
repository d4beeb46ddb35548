package api

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	"github.com/apk-protector/apk-protector-go/internal/api/handlers"
	"github.com/apk-protector/apk-protector-go/internal/config"
	"github.com/apk-protector/apk-protector-go/internal/middleware"
	"github.com/apk-protector/apk-protector-go/internal/packer"
	"github.com/apk-protector/apk-protector-go/internal/service"
)

const Version = "1.0.0"

// Dependencies 除 TaskService 外均可为 nil，对应的路由不注册
type Dependencies struct {
	TaskService service.TaskService
	Hub         *handlers.ProgressHub
	Detector    *packer.Detector
	MemMonitor  *middleware.MemoryMonitor
	Metrics     *middleware.PrometheusMetrics
}

func SetupRouter(cfg *config.Config, logger *logrus.Logger, deps Dependencies) *gin.Engine {
	if cfg.Server.Mode == "release" {
		gin.SetMode(gin.ReleaseMode)
	}

	r := gin.New()
	r.Use(gin.Recovery(), middleware.RequestID(), middleware.AccessLog(logger), middleware.CORS())
	if deps.Metrics != nil {
		r.Use(deps.Metrics.HTTPMiddleware())
		r.GET("/metrics/prometheus", deps.Metrics.Handler())
	}
	if deps.MemMonitor != nil {
		r.GET("/metrics", deps.MemMonitor.MetricsEndpoint())
	}

	r.GET("/api/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok", "version": Version})
	})

	auth := middleware.AuthMiddleware(cfg.Server.AuthToken)

	// 浏览器 WebSocket 只能用 ?token= 认证
	if deps.Hub != nil {
		r.GET("/ws/jobs/:id", auth, deps.Hub.HandleWebSocket)
	}

	tasks := handlers.NewTaskHandler(deps.TaskService, logger)
	files := handlers.NewFileHandler(deps.TaskService, logger, cfg.Storage.InboundDir, cfg.Server.MaxUpload, cfg.Protection.TrialDays)

	api := r.Group("/api", auth)
	api.GET("/stats", tasks.GetSystemStats)

	jobs := api.Group("/jobs")
	jobs.POST("", files.UploadAPK)
	jobs.GET("", tasks.ListTasks)
	jobs.GET("/:id", tasks.GetTask)
	jobs.DELETE("/:id", tasks.DeleteTask)
	jobs.POST("/:id/cancel", tasks.CancelTask)
	jobs.POST("/:id/retry", tasks.RetryTask)
	jobs.GET("/:id/events", tasks.ListEvents)
	jobs.GET("/:id/download", files.DownloadResult)
	if deps.Detector != nil {
		jobs.GET("/:id/packer", handlers.NewPackerHandler(deps.TaskService, deps.Detector, logger).GetPackerDetection)
	}

	return r
}
