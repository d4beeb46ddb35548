package worker

import (
	"archive/zip"
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/apk-protector/apk-protector-go/internal/config"
	"github.com/apk-protector/apk-protector-go/internal/dex"
	"github.com/apk-protector/apk-protector-go/internal/domain"
	"github.com/apk-protector/apk-protector-go/internal/manifest"
	"github.com/apk-protector/apk-protector-go/internal/protector"
	"github.com/apk-protector/apk-protector-go/internal/queue"
	"github.com/apk-protector/apk-protector-go/internal/repository"
	"github.com/apk-protector/apk-protector-go/internal/utils"
)

var buildTime = time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

func quietLogger() *logrus.Logger {
	l := logrus.New()
	l.SetLevel(logrus.ErrorLevel)
	return l
}

func setupRepo(t *testing.T, opts ...repository.Option) repository.TaskRepository {
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	require.NoError(t, err)
	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	require.NoError(t, repository.AutoMigrate(db, quietLogger()))
	return repository.NewTaskRepository(db, quietLogger(), opts...)
}

// writeAPK 生成一个带 Application 入口的最小 APK
func writeAPK(t *testing.T, dir string) string {
	t.Helper()
	axml, err := manifest.Compose(manifest.Element{
		Name: "manifest",
		Attrs: []manifest.Attr{
			{Android: true, Name: "versionCode", Type: manifest.TypeIntDec, Data: 42},
			{Android: true, Name: "versionName", Value: "1.4.2"},
			{Name: "package", Value: "com.example.shop"},
		},
		Children: []manifest.Element{
			{Name: "application", Attrs: []manifest.Attr{
				{Android: true, Name: "name", Value: "com.example.shop.ShopApp"},
			}},
		},
	}, true)
	require.NoError(t, err)

	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	files := []struct {
		name string
		data []byte
	}{
		{manifest.EntryName, axml},
		{"classes.dex", dex.Build("035", bytes.Repeat([]byte("shop"), 64))},
		{"res/values/strings.xml", []byte("<resources/>")},
	}
	for _, f := range files {
		w, err := zw.CreateHeader(&zip.FileHeader{Name: f.name, Method: zip.Deflate, Modified: buildTime})
		require.NoError(t, err)
		_, err = w.Write(f.data)
		require.NoError(t, err)
	}
	require.NoError(t, zw.Close())

	path := filepath.Join(dir, "upload-1.apk")
	require.NoError(t, os.WriteFile(path, buf.Bytes(), 0644))
	return path
}

// fakeSigner 复制文件；before 在签名前执行，可阻塞至取消
type fakeSigner struct {
	err    error
	before func(ctx context.Context) error
}

func (s *fakeSigner) Sign(ctx context.Context, in, out string) error {
	if s.before != nil {
		if err := s.before(ctx); err != nil {
			return err
		}
	}
	if s.err != nil {
		return s.err
	}
	data, err := os.ReadFile(in)
	if err != nil {
		return err
	}
	return os.WriteFile(out, data, 0644)
}

type recordingMetrics struct {
	mu        sync.Mutex
	started   int
	completed int
	failed    []domain.FailureType
}

func (m *recordingMetrics) RecordTaskStarted() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.started++
}

func (m *recordingMetrics) RecordTaskCompleted(time.Duration, map[domain.Stage]time.Duration, int, int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.completed++
}

func (m *recordingMetrics) RecordTaskFailed(_ time.Duration, _ domain.Stage, ft domain.FailureType) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failed = append(m.failed, ft)
}

func (m *recordingMetrics) RecordPackerDetected(string) {}

type recordingBroadcaster struct {
	mu     sync.Mutex
	events []*domain.TaskEvent
}

func (b *recordingBroadcaster) Broadcast(event *domain.TaskEvent) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.events = append(b.events, event)
}

type fixture struct {
	repo    repository.TaskRepository
	runner  *Runner
	signer  *fakeSigner
	metrics *recordingMetrics
	hub     *recordingBroadcaster
	storage config.StorageConfig
	source  string
}

func newFixture(t *testing.T) *fixture {
	dir := t.TempDir()
	results := filepath.Join(dir, "results")
	f := &fixture{
		repo:    setupRepo(t, repository.WithResultDir(results)),
		signer:  &fakeSigner{},
		metrics: &recordingMetrics{},
		hub:     &recordingBroadcaster{},
		storage: config.StorageConfig{
			ResultDir: results,
			EventDir:  filepath.Join(dir, "events"),
		},
		source: writeAPK(t, dir),
	}
	f.runner = NewRunner(RunnerOptions{
		Repo:             f.repo,
		Protection:       config.ProtectionConfig{Secret: "worker-test-secret", CompressionWorkers: 2, Align: true},
		Storage:          f.storage,
		Loader:           protector.StaticLoader(dex.Build("035", []byte("loader"))),
		Signer:           f.signer,
		Now:              func() time.Time { return buildTime },
		Metrics:          f.metrics,
		Broadcaster:      f.hub,
		Logger:           quietLogger(),
		StopPollInterval: 10 * time.Millisecond,
	})
	return f
}

func (f *fixture) createTask(t *testing.T, id string) {
	require.NoError(t, f.repo.Create(context.Background(), &domain.Task{
		ID:         id,
		APKName:    "shop.apk",
		SourcePath: f.source,
		TrialDays:  30,
		Status:     domain.TaskStatusQueued,
		Stage:      domain.StageIdle,
	}))
}

func TestRunner_Success(t *testing.T) {
	f := newFixture(t)
	f.createTask(t, "task-ok")
	ctx := context.Background()

	require.NoError(t, f.runner.Run(ctx, "task-ok"))

	task, err := f.repo.FindByID(ctx, "task-ok")
	require.NoError(t, err)
	assert.Equal(t, domain.TaskStatusCompleted, task.Status)
	assert.Equal(t, domain.StageDone, task.Stage)
	assert.Equal(t, 100, task.ProgressPercent)
	assert.Equal(t, "com.example.shop", task.PackageName)
	assert.Equal(t, "1.4.2", task.VersionName)
	assert.Equal(t, "42", task.VersionCode)
	assert.Equal(t, "com.example.shop.ShopApp", task.EntryPoint)
	assert.Equal(t, filepath.Join(f.storage.ResultDir, "task-ok", "shop_protected.apk"), task.OutputPath)
	assert.FileExists(t, task.OutputPath)
	assert.NotEmpty(t, task.InputSHA256)
	assert.NotEmpty(t, task.OutputSHA256)
	assert.Positive(t, task.PayloadSize)
	require.NotNil(t, task.ExpireAt)
	assert.Equal(t, buildTime.AddDate(0, 0, 30).Unix(), task.ExpireAt.Unix())

	events, err := f.repo.ListEvents(ctx, "task-ok")
	require.NoError(t, err)
	require.NotEmpty(t, events)
	assert.Equal(t, domain.StageDone, events[len(events)-1].Stage)
	for i := 1; i < len(events); i++ {
		assert.GreaterOrEqual(t, events[i].Percent, events[i-1].Percent)
	}

	logged, err := utils.ReadJSONL[domain.TaskEvent](f.runner.EventLogPath("task-ok"))
	require.NoError(t, err)
	assert.Len(t, logged, len(events))

	f.hub.mu.Lock()
	assert.Len(t, f.hub.events, len(events))
	f.hub.mu.Unlock()

	assert.Equal(t, 1, f.metrics.started)
	assert.Equal(t, 1, f.metrics.completed)
	assert.Empty(t, f.metrics.failed)
}

func TestRunner_SigningFailure(t *testing.T) {
	f := newFixture(t)
	f.signer.err = errors.New("keystore locked")
	f.createTask(t, "task-sign")
	ctx := context.Background()

	// 流水线失败记入任务表，不作为消息处理错误返回
	require.NoError(t, f.runner.Run(ctx, "task-sign"))

	task, err := f.repo.FindByID(ctx, "task-sign")
	require.NoError(t, err)
	assert.Equal(t, domain.TaskStatusFailed, task.Status)
	assert.Equal(t, domain.StageFailed, task.Stage)
	assert.Equal(t, domain.FailureTypeSigningError, task.FailureType)
	assert.Contains(t, task.ErrorMessage, "keystore locked")
	assert.Equal(t, domain.StageSigning.Label(), task.CurrentStep)
	assert.Empty(t, task.OutputPath)

	matches, err := filepath.Glob(filepath.Join(f.storage.ResultDir, "task-sign", "*"))
	require.NoError(t, err)
	assert.Empty(t, matches)

	assert.Equal(t, []domain.FailureType{domain.FailureTypeSigningError}, f.metrics.failed)
}

func TestRunner_CancelWhileRunning(t *testing.T) {
	f := newFixture(t)
	f.createTask(t, "task-cancel")
	ctx := context.Background()

	f.signer.before = func(signCtx context.Context) error {
		if err := f.repo.MarkShouldStop(ctx, "task-cancel"); err != nil {
			return err
		}
		select {
		case <-signCtx.Done():
			return signCtx.Err()
		case <-time.After(5 * time.Second):
			return errors.New("stop flag was not observed")
		}
	}

	require.NoError(t, f.runner.Run(ctx, "task-cancel"))

	task, err := f.repo.FindByID(ctx, "task-cancel")
	require.NoError(t, err)
	assert.Equal(t, domain.TaskStatusCancelled, task.Status)
	assert.Equal(t, domain.FailureTypeCancelled, task.FailureType)
	assert.Empty(t, task.OutputPath)
	assert.Equal(t, []domain.FailureType{domain.FailureTypeCancelled}, f.metrics.failed)
}

// writeStaleOutput 模拟上次运行已落盘但未写回任务表的产物
func (f *fixture) writeStaleOutput(t *testing.T, id string) string {
	stale := filepath.Join(f.storage.ResultDir, id, "shop_protected.apk")
	require.NoError(t, os.MkdirAll(filepath.Dir(stale), 0755))
	require.NoError(t, os.WriteFile(stale, []byte("stale output"), 0644))
	return stale
}

func TestRunner_RequeueReplacesStaleOutput(t *testing.T) {
	f := newFixture(t)
	f.createTask(t, "task-retry")
	ctx := context.Background()
	stale := f.writeStaleOutput(t, "task-retry")

	require.NoError(t, f.repo.MarkStarted(ctx, "task-retry"))
	require.NoError(t, f.repo.UpdateFailure(ctx, "task-retry", domain.StageSigning, domain.FailureTypeIOError, "worker restarted"))

	// 重新入队时删除遗留产物
	require.NoError(t, f.repo.ResetForRetry(ctx, "task-retry"))
	assert.NoFileExists(t, stale)

	require.NoError(t, f.runner.Run(ctx, "task-retry"))
	task, err := f.repo.FindByID(ctx, "task-retry")
	require.NoError(t, err)
	assert.Equal(t, domain.TaskStatusCompleted, task.Status)
	assert.Equal(t, stale, task.OutputPath)
	data, err := os.ReadFile(task.OutputPath)
	require.NoError(t, err)
	assert.NotEqual(t, "stale output", string(data))
}

func TestRunner_DoesNotOverwriteExistingOutput(t *testing.T) {
	f := newFixture(t)
	f.createTask(t, "task-exists")
	ctx := context.Background()
	stale := f.writeStaleOutput(t, "task-exists")

	require.NoError(t, f.runner.Run(ctx, "task-exists"))

	task, err := f.repo.FindByID(ctx, "task-exists")
	require.NoError(t, err)
	assert.Equal(t, domain.TaskStatusFailed, task.Status)
	assert.Equal(t, domain.FailureTypeIOError, task.FailureType)
	assert.Empty(t, task.OutputPath)
	data, err := os.ReadFile(stale)
	require.NoError(t, err)
	assert.Equal(t, "stale output", string(data))
}

func TestRunner_SkipsNonQueued(t *testing.T) {
	f := newFixture(t)
	f.createTask(t, "task-done")
	ctx := context.Background()
	require.NoError(t, f.repo.UpdateFailure(ctx, "task-done", domain.StageIdle, domain.FailureTypeCancelled, "任务已取消"))

	require.NoError(t, f.runner.HandleMessage(ctx, &queue.TaskMessage{TaskID: "task-done"}))
	assert.Equal(t, 0, f.metrics.started)

	err := f.runner.Run(ctx, "missing")
	assert.ErrorIs(t, err, ErrTaskNotFound)
}

func TestPool_DispatchRunsTask(t *testing.T) {
	f := newFixture(t)
	f.createTask(t, "task-pool")

	pool := NewPool(2, 4, f.runner.Run, nil, quietLogger())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	pool.Start(ctx)

	task, err := f.repo.FindByID(ctx, "task-pool")
	require.NoError(t, err)
	require.NoError(t, pool.Dispatch(ctx, task))

	assert.Eventually(t, func() bool {
		got, err := f.repo.FindByID(ctx, "task-pool")
		return err == nil && got.Status == domain.TaskStatusCompleted
	}, 10*time.Second, 20*time.Millisecond)

	pool.Stop()
	assert.ErrorIs(t, pool.Dispatch(ctx, task), ErrPoolStopped)
}

type poolStats struct {
	mu       sync.Mutex
	maxQueue int
}

func (s *poolStats) UpdateWorkerPoolStats(size, active, queueSize int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if queueSize > s.maxQueue {
		s.maxQueue = queueSize
	}
}

func TestPool_QueueFullAndWait(t *testing.T) {
	release := make(chan struct{})
	run := func(ctx context.Context, taskID string) error {
		<-release
		if taskID == "bad" {
			return errors.New("boom")
		}
		return nil
	}
	stats := &poolStats{}
	pool := NewPool(1, 1, run, stats, quietLogger())

	// 未启动时队列只能容纳一个任务
	require.NoError(t, pool.Submit(&Job{ID: "a"}))
	assert.ErrorIs(t, pool.Submit(&Job{ID: "b"}), ErrQueueFull)
	assert.Equal(t, 1, pool.GetQueueSize())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	pool.Start(ctx)
	close(release)

	assert.EqualError(t, pool.SubmitAndWait(ctx, &Job{ID: "bad"}), "boom")
	assert.NoError(t, pool.SubmitAndWait(ctx, &Job{ID: "good"}))
	pool.Stop()

	stats.mu.Lock()
	assert.Equal(t, 1, stats.maxQueue)
	stats.mu.Unlock()
}
