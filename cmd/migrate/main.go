package main

import (
	"flag"
	"fmt"
	"os"

	"github.com/sirupsen/logrus"

	"github.com/apk-protector/apk-protector-go/internal/config"
	"github.com/apk-protector/apk-protector-go/internal/domain"
	"github.com/apk-protector/apk-protector-go/internal/repository"
)

// 建表或补齐新增列；服务启动时也会做同样的迁移，这里用于上线前单独执行
func main() {
	configPath := flag.String("config", "./configs/config.yaml", "配置文件路径")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config: %v\n", err)
		os.Exit(1)
	}
	logger := config.InitLogger(&cfg.Log)

	db, err := repository.InitDB(&cfg.Database, logger)
	if err != nil {
		logger.WithError(err).Fatal("Migration failed")
	}
	if sqlDB, err := db.DB(); err == nil {
		defer sqlDB.Close()
	}

	m := db.Migrator()
	for _, model := range []interface{}{&domain.Task{}, &domain.TaskEvent{}} {
		logger.WithFields(logrus.Fields{
			"model":  fmt.Sprintf("%T", model),
			"exists": m.HasTable(model),
		}).Info("Table checked")
	}
	fmt.Printf("Migration completed (%s)\n", db.Dialector.Name())
}
