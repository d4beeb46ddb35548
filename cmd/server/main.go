package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"

	"github.com/apk-protector/apk-protector-go/internal/api"
	"github.com/apk-protector/apk-protector-go/internal/api/handlers"
	"github.com/apk-protector/apk-protector-go/internal/config"
	"github.com/apk-protector/apk-protector-go/internal/domain"
	"github.com/apk-protector/apk-protector-go/internal/middleware"
	"github.com/apk-protector/apk-protector-go/internal/packer"
	"github.com/apk-protector/apk-protector-go/internal/protector"
	"github.com/apk-protector/apk-protector-go/internal/queue"
	"github.com/apk-protector/apk-protector-go/internal/repository"
	"github.com/apk-protector/apk-protector-go/internal/service"
	"github.com/apk-protector/apk-protector-go/internal/signer"
	"github.com/apk-protector/apk-protector-go/internal/watcher"
	"github.com/apk-protector/apk-protector-go/internal/worker"
)

var (
	Version   = "1.0.0"
	BuildTime = "unknown"
	GitCommit = "unknown"
)

func main() {
	// 1. 打印版本信息
	fmt.Printf("APK Protector Service\n")
	fmt.Printf("Version: %s\n", Version)
	fmt.Printf("Build Time: %s\n", BuildTime)
	fmt.Printf("Git Commit: %s\n\n", GitCommit)

	// 2. 加载配置
	configPath := "./configs/config.yaml"
	if len(os.Args) > 1 && os.Args[1] == "--config" && len(os.Args) > 2 {
		configPath = os.Args[2]
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	// 3. 初始化日志
	logger := config.InitLogger(&cfg.Log)
	logger.Infof("Starting APK Protector %s", Version)
	logger.Infof("Config loaded from: %s", configPath)

	// 没有构建密钥时每个任务都会失败，直接拒绝启动
	if err := cfg.Protection.CheckSecret(); err != nil {
		logger.Fatal(err)
	}

	for _, dir := range []string{cfg.Storage.InboundDir, cfg.Storage.ResultDir, cfg.Storage.EventDir} {
		if err := os.MkdirAll(dir, 0755); err != nil {
			logger.Fatalf("Failed to create storage dir %s: %v", dir, err)
		}
	}

	// 4. 初始化数据库
	db, err := repository.InitDB(&cfg.Database, logger)
	if err != nil {
		logger.Fatalf("Failed to init database: %v", err)
	}
	logger.Info("Database connected successfully")

	sqlDB, err := db.DB()
	if err != nil {
		logger.Fatalf("Failed to get sql.DB: %v", err)
	}

	taskRepo := repository.NewTaskRepository(db, logger, repository.WithResultDir(cfg.Storage.ResultDir))

	// 清理因服务重启而中断的任务
	if err := cleanupStuckTasks(taskRepo, logger); err != nil {
		logger.WithError(err).Warn("Failed to cleanup stuck tasks")
	}

	// 5. 监控
	promMetrics := middleware.NewPrometheusMetrics(logger, "apk_protector", prometheus.NewRegistry())
	memMonitor := middleware.NewMemoryMonitor(logger, 30*time.Second, promMetrics, sqlDB)
	memMonitor.Start()
	defer memMonitor.Stop()
	logger.Info("Memory monitor started")

	// 6. 签名身份：配置了证书则加载，否则使用本地开发证书
	identity, err := loadIdentity(cfg.Signing, logger)
	if err != nil {
		logger.Fatalf("Failed to load signing identity: %v", err)
	}
	signOpts := signer.Options{Schemes: cfg.Signing.Schemes, MinSDK: cfg.Signing.MinSDK}
	if cfg.Protection.Align {
		signOpts.Align = 4
	}
	apkSigner, err := signer.New(identity, signOpts, logger)
	if err != nil {
		logger.Fatalf("Failed to init signer: %v", err)
	}
	logger.WithFields(logrus.Fields{
		"subject": identity.Certificate.Subject.CommonName,
		"schemes": cfg.Signing.Schemes,
	}).Info("Signer initialized")

	// 7. 进度推送与任务执行器
	appCtx, appCancel := context.WithCancel(context.Background())
	defer appCancel()

	detector := packer.NewDetector(logger)

	// ProgressHub 依赖 TaskService，而 TaskService 依赖 dispatcher，hub 在分发开始前赋值
	var hub *handlers.ProgressHub
	broadcaster := broadcasterFunc(func(event *domain.TaskEvent) {
		if hub != nil {
			hub.Broadcast(event)
		}
	})

	runner := worker.NewRunner(worker.RunnerOptions{
		Repo:        taskRepo,
		Protection:  cfg.Protection,
		Storage:     cfg.Storage,
		Loader:      protector.FileLoader(cfg.Protection.LoaderDex),
		Signer:      apkSigner,
		Detector:    detector,
		Metrics:     promMetrics,
		Broadcaster: broadcaster,
		Logger:      logger,
	})

	workerCount := cfg.Worker.Concurrency
	if workerCount <= 0 {
		workerCount = 1
	}

	// 8. 任务分发：启用 RabbitMQ 时经消息队列，否则使用进程内 Worker Pool
	var dispatcher service.Dispatcher
	var mq *queue.RabbitMQ
	var consumer *queue.Consumer
	var workerPool *worker.Pool

	if cfg.RabbitMQ.Enabled {
		// prefetch count = worker concurrency，以支持并行消费
		mq, err = queue.NewRabbitMQWithPrefetch(appCtx, queue.FromConfig(cfg.RabbitMQ), cfg.RabbitMQ.Queue, workerCount, logger)
		if err != nil {
			logger.Fatalf("Failed to init RabbitMQ: %v", err)
		}
		defer mq.Close()
		logger.WithField("prefetch_count", workerCount).Info("RabbitMQ connected successfully")

		dispatcher = queue.NewProducer(mq, logger)
	} else {
		workerPool = worker.NewPool(workerCount, cfg.Worker.QueueSize, runner.Run, promMetrics, logger)
		workerPool.Start(appCtx)
		defer workerPool.Stop()
		dispatcher = workerPool
		logger.Infof("Worker pool started with %d workers", workerCount)
	}

	taskService := service.NewTaskService(taskRepo, dispatcher, promMetrics, logger)
	hub = handlers.NewProgressHub(taskService, logger)
	hub.Start(appCtx)

	// 重新分发排队中的任务（服务重启后以数据库为准重建队列）
	if err := redispatchQueuedTasks(appCtx, taskRepo, mq, dispatcher, logger); err != nil {
		logger.WithError(err).Warn("Failed to redispatch queued tasks")
	}

	if mq != nil {
		consumer = queue.NewConsumer(mq, runner.HandleMessage, queue.ConsumerOptions{
			Workers: workerCount,
			Stats:   promMetrics,
		}, logger)
		if err := consumer.Start(appCtx); err != nil {
			logger.Fatalf("Failed to start consumer: %v", err)
		}
		defer consumer.Stop()
		logger.Infof("Task consumer started with %d workers", workerCount)
	}

	// 9. 收件箱目录监听
	if cfg.Watcher.Enabled {
		if err := os.MkdirAll(cfg.Watcher.InboxDir, 0755); err != nil {
			logger.Fatalf("Failed to create inbox dir: %v", err)
		}
		handler := watcher.InboxHandler(taskService, cfg.Storage.InboundDir, cfg.Protection.TrialDays, cfg.Protection.Owner, logger)
		fileWatcher, err := watcher.NewFileWatcher(cfg.Watcher.InboxDir, watcher.Options{
			Pattern:  cfg.Watcher.Pattern,
			Debounce: time.Duration(cfg.Watcher.Debounce) * time.Millisecond,
		}, handler, logger)
		if err != nil {
			logger.Fatalf("Failed to create file watcher: %v", err)
		}
		defer fileWatcher.Stop()

		if err := fileWatcher.Start(appCtx); err != nil {
			logger.Fatalf("Failed to start file watcher: %v", err)
		}
		logger.Infof("File watcher started for directory: %s", cfg.Watcher.InboxDir)
	}

	// 10. 设置 HTTP Server
	router := api.SetupRouter(cfg, logger, api.Dependencies{
		TaskService: taskService,
		Hub:         hub,
		Detector:    detector,
		MemMonitor:  memMonitor,
		Metrics:     promMetrics,
	})
	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      router,
		ReadTimeout:  10 * time.Minute, // 支持大文件上传
		WriteTimeout: 5 * time.Minute,  // 支持大文件下载
		IdleTimeout:  120 * time.Second,
	}

	go func() {
		logger.Infof("HTTP server listening on %s", server.Addr)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatalf("HTTP server error: %v", err)
		}
	}()

	// 11. 等待中断信号
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("Shutting down gracefully...")

	// 优雅关闭 (30秒超时)
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		logger.Errorf("HTTP server shutdown error: %v", err)
	}

	// 先停止接收任务，再关闭数据库
	if consumer != nil {
		consumer.Stop()
	}
	if workerPool != nil {
		workerPool.Stop()
	}
	appCancel()

	sqlDB.Close()

	logger.Info("Server stopped")
}

// broadcasterFunc 函数适配 worker.ProgressBroadcaster
type broadcasterFunc func(event *domain.TaskEvent)

func (f broadcasterFunc) Broadcast(event *domain.TaskEvent) { f(event) }

func loadIdentity(sc config.SigningConfig, logger *logrus.Logger) (*signer.Identity, error) {
	var passphrase []byte
	if sc.Passphrase != "" {
		passphrase = []byte(sc.Passphrase)
	}
	if sc.Cert != "" || sc.Key != "" {
		return signer.LoadIdentity(sc.Cert, sc.Key, passphrase)
	}
	logger.WithField("dir", sc.DevDir).Warn("No signing certificate configured, using development identity")
	return signer.LoadOrCreateDevIdentity(sc.DevDir, passphrase, logger)
}

// cleanupStuckTasks 清理因服务重启而中断的任务
// queued 状态的任务不需要清理，启动时会重新分发
func cleanupStuckTasks(repo repository.TaskRepository, logger *logrus.Logger) error {
	logger.Info("Checking for stuck tasks from previous service run...")

	ctx := context.Background()
	stuck, err := repo.ListByStatus(ctx, domain.TaskStatusRunning)
	if err != nil {
		return fmt.Errorf("failed to query stuck tasks: %w", err)
	}
	if len(stuck) == 0 {
		logger.Info("No stuck tasks found")
		return nil
	}

	for _, task := range stuck {
		if err := repo.UpdateFailure(ctx, task.ID, task.Stage, domain.FailureTypeIOError, "服务重启，任务中断"); err != nil {
			logger.WithError(err).WithField("task_id", task.ID).Warn("Failed to mark stuck task as failed")
			continue
		}
		logger.WithFields(logrus.Fields{
			"task_id":  task.ID,
			"apk_name": task.APKName,
			"stage":    task.Stage,
		}).Info("Marked stuck task as failed")
	}

	logger.WithField("count", len(stuck)).Info("Stuck tasks cleaned up")
	return nil
}

// redispatchQueuedTasks 以数据库为准重建待执行队列
// 使用 RabbitMQ 时先清空队列，避免同一任务被重复消费
func redispatchQueuedTasks(ctx context.Context, repo repository.TaskRepository, mq *queue.RabbitMQ, dispatcher service.Dispatcher, logger *logrus.Logger) error {
	if mq != nil {
		purged, err := mq.PurgeQueue()
		if err != nil {
			return fmt.Errorf("failed to purge queue: %w", err)
		}
		logger.WithField("purged", purged).Info("Task queue purged")
	}

	queued, err := repo.ListByStatus(ctx, domain.TaskStatusQueued)
	if err != nil {
		return fmt.Errorf("failed to query queued tasks: %w", err)
	}

	dispatched := 0
	for _, task := range queued {
		if err := dispatcher.Dispatch(ctx, task); err != nil {
			logger.WithError(err).WithField("task_id", task.ID).Warn("Failed to redispatch queued task")
			continue
		}
		dispatched++
	}

	if len(queued) > 0 {
		logger.WithFields(logrus.Fields{
			"queued":     len(queued),
			"dispatched": dispatched,
		}).Info("Queued tasks redispatched")
	}
	return nil
}
