package repository

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/sirupsen/logrus"
	"gorm.io/driver/mysql"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/apk-protector/apk-protector-go/internal/config"
	"github.com/apk-protector/apk-protector-go/internal/domain"
)

const (
	defaultSQLitePath = "./data/protector.db"
	slowQuery         = 500 * time.Millisecond
)

// dialectorFor 按配置选择驱动；sqlite 打开 WAL 与忙等，避免进度写入和 API 读取互相阻塞
func dialectorFor(cfg *config.DatabaseConfig) (gorm.Dialector, error) {
	switch cfg.Type {
	case "mysql":
		dsn := fmt.Sprintf("%s:%s@tcp(%s:%d)/%s?charset=utf8mb4&parseTime=True&loc=UTC&timeout=10s",
			cfg.User, cfg.Password, cfg.Host, cfg.Port, cfg.DBName)
		return mysql.Open(dsn), nil
	case "", "sqlite":
		path := cfg.Path
		if path == "" {
			path = defaultSQLitePath
		}
		if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
			return nil, fmt.Errorf("create database dir: %w", err)
		}
		return sqlite.Open(path + "?_busy_timeout=5000&_journal_mode=WAL"), nil
	default:
		return nil, fmt.Errorf("unsupported database type %q", cfg.Type)
	}
}

// InitDB 连接数据库、调整连接池并迁移表结构
func InitDB(cfg *config.DatabaseConfig, log *logrus.Logger) (*gorm.DB, error) {
	dialector, err := dialectorFor(cfg)
	if err != nil {
		return nil, err
	}

	// 只把慢查询和错误交给 logrus
	sqlLog := gormlogger.New(log.WithField("component", "gorm"), gormlogger.Config{
		SlowThreshold:             slowQuery,
		LogLevel:                  gormlogger.Warn,
		IgnoreRecordNotFoundError: true,
	})
	db, err := gorm.Open(dialector, &gorm.Config{
		Logger:      sqlLog,
		NowFunc:     func() time.Time { return time.Now().UTC() },
		PrepareStmt: true,
	})
	if err != nil {
		return nil, fmt.Errorf("open %s database: %w", dialector.Name(), err)
	}

	if err := configurePool(db, cfg, dialector.Name()); err != nil {
		return nil, err
	}
	log.WithFields(logrus.Fields{
		"type": dialector.Name(),
		"path": cfg.Path,
	}).Info("Database connected")

	if err := AutoMigrate(db, log); err != nil {
		return nil, err
	}
	return db, nil
}

// configurePool sqlite 只允许单写者，连接数固定为 1，避免 database is locked
func configurePool(db *gorm.DB, cfg *config.DatabaseConfig, dialect string) error {
	sqlDB, err := db.DB()
	if err != nil {
		return err
	}
	if dialect != "mysql" {
		sqlDB.SetMaxOpenConns(1)
		sqlDB.SetMaxIdleConns(1)
		return nil
	}

	sqlDB.SetMaxOpenConns(cfg.MaxOpenConns)
	sqlDB.SetMaxIdleConns(cfg.MaxIdleConns)
	// MySQL 服务端会断开空闲过久的连接
	sqlDB.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	sqlDB.SetConnMaxIdleTime(10 * time.Minute)
	return nil
}

// AutoMigrate 任务表与进度事件表
func AutoMigrate(db *gorm.DB, log *logrus.Logger) error {
	start := time.Now()
	if err := db.AutoMigrate(&domain.Task{}, &domain.TaskEvent{}); err != nil {
		return fmt.Errorf("migrate: %w", err)
	}
	log.WithField("duration", time.Since(start).Seconds()).Info("Database migrations completed")
	return nil
}
