package repository

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/apk-protector/apk-protector-go/internal/domain"
)

// setupTestDB 创建测试数据库
func setupTestDB(t testing.TB) *gorm.DB {
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	require.NoError(t, err, "Failed to open test database")

	// 内存库按连接隔离，固定为单连接
	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)

	require.NoError(t, AutoMigrate(db, quietLogger()), "Failed to migrate test database")
	return db
}

func quietLogger() *logrus.Logger {
	l := logrus.New()
	l.SetLevel(logrus.ErrorLevel)
	return l
}

func newTestRepo(t testing.TB) TaskRepository {
	return NewTaskRepository(setupTestDB(t), quietLogger())
}

func newTask(id string) *domain.Task {
	return &domain.Task{
		ID:         id,
		APKName:    "demo.apk",
		SourcePath: "/data/inbound/" + id + ".apk",
		TrialDays:  14,
	}
}

// TestTaskRepository_Create 测试创建任务
func TestTaskRepository_Create(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()

	task := newTask("task-001")
	require.NoError(t, repo.Create(ctx, task))

	// 验证任务已创建，默认状态为排队
	found, err := repo.FindByID(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, task.APKName, found.APKName)
	assert.Equal(t, domain.TaskStatusQueued, found.Status)
	assert.Equal(t, domain.StageIdle, found.Stage)
	assert.Equal(t, 14, found.TrialDays)
	assert.False(t, found.CreatedAt.IsZero())

	// 重复创建应失败
	assert.Error(t, repo.Create(ctx, newTask("task-001")))
}

// TestTaskRepository_FindByID 测试按ID查找
func TestTaskRepository_FindByID(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()

	require.NoError(t, repo.Create(ctx, newTask("task-002")))
	require.NoError(t, repo.AppendEvent(ctx, &domain.TaskEvent{TaskID: "task-002", Stage: domain.StageAnalyzing, Percent: 0, Message: "Analyzing"}))
	require.NoError(t, repo.AppendEvent(ctx, &domain.TaskEvent{TaskID: "task-002", Stage: domain.StageAnalyzing, Percent: 10, Message: "Found 2 code units"}))

	found, err := repo.FindByID(ctx, "task-002")
	require.NoError(t, err)
	require.Len(t, found.Events, 2)
	assert.Equal(t, 0, found.Events[0].Percent)
	assert.Equal(t, 10, found.Events[1].Percent)

	// 查找不存在的任务
	notFound, err := repo.FindByID(ctx, "non-existent-id")
	assert.ErrorIs(t, err, gorm.ErrRecordNotFound)
	assert.Nil(t, notFound)
}

// TestTaskRepository_Lifecycle 测试开始、进度、完成
func TestTaskRepository_Lifecycle(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()

	task := newTask("task-003")
	require.NoError(t, repo.Create(ctx, task))

	require.NoError(t, repo.MarkStarted(ctx, task.ID))
	require.NoError(t, repo.UpdateProgress(ctx, task.ID, domain.StageRewritingArchive, "Copied 12 entries", 55))

	running, err := repo.FindByID(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.TaskStatusRunning, running.Status)
	assert.Equal(t, domain.StageRewritingArchive, running.Stage)
	assert.Equal(t, 55, running.ProgressPercent)
	assert.Equal(t, "Copied 12 entries", running.CurrentStep)
	require.NotNil(t, running.StartedAt)

	// 完成时不覆盖并发写入的取消标记
	require.NoError(t, repo.MarkShouldStop(ctx, task.ID))
	expire := time.Date(2025, 3, 15, 0, 0, 0, 0, time.UTC)
	task.OutputPath = "/data/results/task-003.apk"
	task.PackageName = "com.example.demo"
	task.VersionName = "1.4.2"
	task.VersionCode = "42"
	task.EntryPoint = "com.example.demo.DemoApp"
	task.ExpireAt = &expire
	task.PayloadSize = 4096
	task.InputSHA256 = "aa"
	task.OutputSHA256 = "bb"
	task.ShouldStop = false
	require.NoError(t, repo.Complete(ctx, task))

	done, err := repo.FindByID(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.TaskStatusCompleted, done.Status)
	assert.Equal(t, domain.StageDone, done.Stage)
	assert.Equal(t, 100, done.ProgressPercent)
	assert.Equal(t, "com.example.demo", done.PackageName)
	assert.Equal(t, "/data/results/task-003.apk", done.OutputPath)
	assert.Equal(t, int64(4096), done.PayloadSize)
	require.NotNil(t, done.ExpireAt)
	assert.True(t, expire.Equal(*done.ExpireAt))
	require.NotNil(t, done.CompletedAt)
	assert.True(t, done.ShouldStop)
}

// TestTaskRepository_UpdateFailure 测试失败与取消
func TestTaskRepository_UpdateFailure(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()

	require.NoError(t, repo.Create(ctx, newTask("task-004")))
	require.NoError(t, repo.Create(ctx, newTask("task-005")))

	require.NoError(t, repo.UpdateFailure(ctx, "task-004", domain.StageSigning, domain.FailureTypeSigningError, "Signing: unsupported key"))
	require.NoError(t, repo.UpdateFailure(ctx, "task-005", domain.StageAnalyzing, domain.FailureTypeCancelled, "Analyzing: cancelled"))

	failed, err := repo.FindByID(ctx, "task-004")
	require.NoError(t, err)
	assert.Equal(t, domain.TaskStatusFailed, failed.Status)
	assert.Equal(t, domain.StageFailed, failed.Stage)
	assert.Equal(t, domain.FailureTypeSigningError, failed.FailureType)
	assert.Equal(t, "Signing", failed.CurrentStep)
	assert.Equal(t, "Signing: unsupported key", failed.ErrorMessage)

	cancelled, err := repo.FindByID(ctx, "task-005")
	require.NoError(t, err)
	assert.Equal(t, domain.TaskStatusCancelled, cancelled.Status)
}

// TestTaskRepository_List 测试分页、过滤与搜索
func TestTaskRepository_List(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()

	base := time.Now().UTC()
	for i := 1; i <= 5; i++ {
		task := newTask(fmt.Sprintf("task-%d", i))
		task.APKName = fmt.Sprintf("app-%d.apk", i)
		task.CreatedAt = base.Add(-time.Duration(i) * time.Hour)
		require.NoError(t, repo.Create(ctx, task))
	}
	require.NoError(t, repo.UpdateFailure(ctx, "task-2", domain.StageAnalyzing, domain.FailureTypeFormatError, "bad manifest"))

	tasks, total, err := repo.List(ctx, 1, 3, "", "")
	require.NoError(t, err)
	assert.Equal(t, int64(5), total)
	require.Len(t, tasks, 3)
	// 按创建时间倒序
	assert.Equal(t, "task-1", tasks[0].ID)
	assert.Equal(t, "task-3", tasks[2].ID)

	tasks, total, err = repo.List(ctx, 2, 3, "", "")
	require.NoError(t, err)
	assert.Equal(t, int64(5), total)
	assert.Len(t, tasks, 2)

	tasks, total, err = repo.List(ctx, 1, 10, string(domain.TaskStatusFailed), "")
	require.NoError(t, err)
	assert.Equal(t, int64(1), total)
	require.Len(t, tasks, 1)
	assert.Equal(t, "task-2", tasks[0].ID)

	tasks, total, err = repo.List(ctx, 1, 10, "", "app-4")
	require.NoError(t, err)
	assert.Equal(t, int64(1), total)
	require.Len(t, tasks, 1)
	assert.Equal(t, "task-4", tasks[0].ID)

	// 按状态取全部，先进先出
	queued, err := repo.ListByStatus(ctx, domain.TaskStatusQueued, domain.TaskStatusRunning)
	require.NoError(t, err)
	require.Len(t, queued, 4)
	assert.Equal(t, "task-5", queued[0].ID)
}

// TestTaskRepository_Delete 测试删除任务
func TestTaskRepository_Delete(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()

	require.NoError(t, repo.Create(ctx, newTask("task-006")))
	require.NoError(t, repo.AppendEvent(ctx, &domain.TaskEvent{TaskID: "task-006", Stage: domain.StageAnalyzing}))

	require.NoError(t, repo.Delete(ctx, "task-006"))

	_, err := repo.FindByID(ctx, "task-006")
	assert.Error(t, err)
	events, err := repo.ListEvents(ctx, "task-006")
	require.NoError(t, err)
	assert.Empty(t, events)
}

// TestTaskRepository_ShouldStop 测试停止标记
func TestTaskRepository_ShouldStop(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()

	require.NoError(t, repo.Create(ctx, newTask("task-007")))

	// 检查初始状态
	shouldStop, err := repo.ShouldStop(ctx, "task-007")
	require.NoError(t, err)
	assert.False(t, shouldStop)

	// 标记停止
	require.NoError(t, repo.MarkShouldStop(ctx, "task-007"))

	shouldStop, err = repo.ShouldStop(ctx, "task-007")
	require.NoError(t, err)
	assert.True(t, shouldStop)

	_, err = repo.ShouldStop(ctx, "missing")
	assert.Error(t, err)
}

// TestTaskRepository_HasRecentTaskForAPK 测试重复提交检测
func TestTaskRepository_HasRecentTaskForAPK(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()

	old := newTask("task-old")
	old.APKName = "old.apk"
	old.CreatedAt = time.Now().UTC().Add(-10 * time.Minute)
	require.NoError(t, repo.Create(ctx, old))

	fresh := newTask("task-fresh")
	fresh.APKName = "fresh.apk"
	require.NoError(t, repo.Create(ctx, fresh))

	recent, err := repo.HasRecentTaskForAPK(ctx, "fresh.apk", 60)
	require.NoError(t, err)
	assert.True(t, recent)

	recent, err = repo.HasRecentTaskForAPK(ctx, "old.apk", 60)
	require.NoError(t, err)
	assert.False(t, recent)
}

// TestTaskRepository_GetStatusCounts 测试状态统计
func TestTaskRepository_GetStatusCounts(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		require.NoError(t, repo.Create(ctx, newTask(fmt.Sprintf("task-%d", i))))
	}
	require.NoError(t, repo.MarkStarted(ctx, "task-0"))
	require.NoError(t, repo.UpdateFailure(ctx, "task-1", domain.StageSigning, domain.FailureTypeSigningError, "x"))

	counts, total, err := repo.GetStatusCounts(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(3), total)
	assert.Equal(t, int64(1), counts["queued"])
	assert.Equal(t, int64(1), counts["running"])
	assert.Equal(t, int64(1), counts["failed"])
	assert.Equal(t, int64(0), counts["completed"])
}

// TestTaskRepository_ResetForRetry 测试重新入队重置
func TestTaskRepository_ResetForRetry(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()

	require.NoError(t, repo.Create(ctx, newTask("task-008")))
	require.NoError(t, repo.MarkStarted(ctx, "task-008"))
	require.NoError(t, repo.AppendEvent(ctx, &domain.TaskEvent{TaskID: "task-008", Stage: domain.StageSigning, Percent: 76}))
	require.NoError(t, repo.MarkShouldStop(ctx, "task-008"))
	require.NoError(t, repo.UpdateFailure(ctx, "task-008", domain.StageSigning, domain.FailureTypeCancelled, "cancelled"))

	require.NoError(t, repo.ResetForRetry(ctx, "task-008"))

	task, err := repo.FindByID(ctx, "task-008")
	require.NoError(t, err)
	assert.Equal(t, domain.TaskStatusQueued, task.Status)
	assert.Equal(t, domain.StageIdle, task.Stage)
	assert.False(t, task.ShouldStop)
	assert.Empty(t, task.ErrorMessage)
	assert.Equal(t, domain.FailureTypeNone, task.FailureType)
	assert.Nil(t, task.StartedAt)
	assert.Nil(t, task.CompletedAt)
	assert.Empty(t, task.Events)

	assert.ErrorIs(t, repo.ResetForRetry(ctx, "missing"), gorm.ErrRecordNotFound)
}

// TestTaskRepository_ResetForRetryRemovesStaleOutput 重新入队删除上次的产物，已完成任务的产物不受影响
func TestTaskRepository_ResetForRetryRemovesStaleOutput(t *testing.T) {
	results := t.TempDir()
	repo := NewTaskRepository(setupTestDB(t), quietLogger(), WithResultDir(results))
	ctx := context.Background()

	writeOutput := func(id string) string {
		p := filepath.Join(results, id, "demo_protected.apk")
		require.NoError(t, os.MkdirAll(filepath.Dir(p), 0755))
		require.NoError(t, os.WriteFile(p, []byte("apk"), 0644))
		return p
	}

	// 记录了产物路径的失败任务
	failed := newTask("task-009")
	failed.OutputPath = writeOutput("task-009")
	require.NoError(t, repo.Create(ctx, failed))
	require.NoError(t, repo.MarkStarted(ctx, "task-009"))
	require.NoError(t, repo.UpdateFailure(ctx, "task-009", domain.StageSigning, domain.FailureTypeIOError, "disk full"))

	// 产物已落盘但路径未写回
	orphan := writeOutput("task-010")
	require.NoError(t, repo.Create(ctx, newTask("task-010")))
	require.NoError(t, repo.MarkStarted(ctx, "task-010"))
	require.NoError(t, repo.UpdateFailure(ctx, "task-010", domain.StageSigning, domain.FailureTypeIOError, "worker restarted"))

	require.NoError(t, repo.ResetForRetry(ctx, "task-009"))
	require.NoError(t, repo.ResetForRetry(ctx, "task-010"))
	assert.NoFileExists(t, failed.OutputPath)
	assert.NoFileExists(t, orphan)
	task, err := repo.FindByID(ctx, "task-009")
	require.NoError(t, err)
	assert.Empty(t, task.OutputPath)

	done := newTask("task-011")
	done.Status = domain.TaskStatusCompleted
	done.OutputPath = writeOutput("task-011")
	require.NoError(t, repo.Create(ctx, done))
	assert.ErrorIs(t, repo.ResetForRetry(ctx, "task-011"), ErrStateConflict)
	assert.FileExists(t, done.OutputPath)
}

// BenchmarkTaskRepository_Create 性能测试 - 创建任务
func BenchmarkTaskRepository_Create(b *testing.B) {
	repo := newTestRepo(b)
	ctx := context.Background()

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		repo.Create(ctx, newTask(fmt.Sprintf("bench-%d", i)))
	}
}

// BenchmarkTaskRepository_FindByID 性能测试 - 查找任务
func BenchmarkTaskRepository_FindByID(b *testing.B) {
	repo := newTestRepo(b)
	ctx := context.Background()
	repo.Create(ctx, newTask("bench-task"))

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		repo.FindByID(ctx, "bench-task")
	}
}

// TestTaskRepository_GuardedTransitions 测试状态条件更新
func TestTaskRepository_GuardedTransitions(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()

	require.NoError(t, repo.Create(ctx, newTask("task-009")))
	require.NoError(t, repo.MarkStarted(ctx, "task-009"))

	// 重复投递
	assert.ErrorIs(t, repo.MarkStarted(ctx, "task-009"), ErrStateConflict)
	assert.ErrorIs(t, repo.MarkStarted(ctx, "missing"), gorm.ErrRecordNotFound)

	// running 任务不能重新入队
	assert.ErrorIs(t, repo.ResetForRetry(ctx, "task-009"), ErrStateConflict)

	stop, err := repo.ShouldStop(ctx, "task-009")
	require.NoError(t, err)
	assert.False(t, stop)
	_, err = repo.ShouldStop(ctx, "missing")
	assert.ErrorIs(t, err, gorm.ErrRecordNotFound)
}
