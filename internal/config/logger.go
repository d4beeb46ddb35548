package config

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"runtime"

	"github.com/sirupsen/logrus"
)

// InitLogger 按 log 段创建 logger。
// 未知级别按 info 处理，输出打不开时退回标准输出
func InitLogger(cfg *LogConfig) *logrus.Logger {
	logger := logrus.New()
	logger.SetReportCaller(true)
	logger.SetFormatter(newFormatter(cfg.Format))

	level, levelErr := logrus.ParseLevel(cfg.Level)
	if levelErr != nil {
		level = logrus.InfoLevel
	}
	logger.SetLevel(level)

	out, err := logOutput(cfg.Output)
	if err != nil {
		out = os.Stdout
	}
	logger.SetOutput(out)

	if err != nil {
		logger.WithError(err).WithField("output", cfg.Output).Warn("Failed to open log output, falling back to stdout")
	}
	if levelErr != nil && cfg.Level != "" {
		logger.WithField("level", cfg.Level).Warn("Unknown log level, using info")
	}
	return logger
}

func newFormatter(format string) logrus.Formatter {
	if format == "json" {
		return &logrus.JSONFormatter{
			TimestampFormat:   "2006-01-02 15:04:05",
			CallerPrettyfier:  callerFileLine,
			DisableHTMLEscape: true,
		}
	}
	return &logrus.TextFormatter{
		FullTimestamp:    true,
		TimestampFormat:  "2006/01/02 15:04:05",
		CallerPrettyfier: callerFileLine,
	}
}

// callerFileLine 只保留 包目录/文件:行号，不输出函数名
func callerFileLine(f *runtime.Frame) (function string, file string) {
	return "", fmt.Sprintf("%s/%s:%d", filepath.Base(filepath.Dir(f.File)), filepath.Base(f.File), f.Line)
}

func logOutput(output string) (io.Writer, error) {
	switch output {
	case "", "stdout":
		return os.Stdout, nil
	case "stderr":
		return os.Stderr, nil
	default:
		if err := os.MkdirAll(filepath.Dir(output), 0755); err != nil {
			return nil, err
		}
		return os.OpenFile(output, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	}
}
