package logging

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/sirupsen/logrus"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/any-hub/any-fetch/internal/config"
)

// RunMode 标识 any-fetch 本次进程的运行方式，会写进每条日志的 run_mode 字段。
type RunMode string

const (
	// ModeServe 启动 HTTP 服务（/fetch 与缓存诊断接口）。
	ModeServe RunMode = "serve"
	// ModeFetch 是一次性抓取：正文写 stdout，因此日志默认改写 stderr。
	ModeFetch RunMode = "fetch"
	// ModeCheck 只校验配置。
	ModeCheck RunMode = "check"
)

// LogFilePath 的特殊取值，直接写标准流而不经过 lumberjack 轮转。
const (
	OutputStdout = "stdout"
	OutputStderr = "stderr"
)

// InitLogger 为指定运行方式创建 JSON 日志，并同步到 logrus 全局实例。
// 日志文件不可写时退回标准流，返回的 logger 会记录一条 logger_fallback 警告。
func InitLogger(cfg config.GlobalConfig, mode RunMode) (*logrus.Logger, error) {
	level, err := logrus.ParseLevel(cfg.LogLevel)
	if err != nil {
		return nil, fmt.Errorf("无法解析日志级别: %w", err)
	}

	output, outErr := openOutput(cfg, mode)
	if outErr != nil {
		fmt.Fprintf(os.Stderr, "logger_fallback: %v\n", outErr)
	}

	logger := logrus.New()
	logger.SetLevel(level)
	logger.SetOutput(output)
	logger.SetFormatter(&logrus.JSONFormatter{TimestampFormat: time.RFC3339Nano})
	logger.AddHook(runModeHook{mode: mode})

	logrus.SetFormatter(logger.Formatter)
	logrus.SetOutput(logger.Out)
	logrus.SetLevel(logger.GetLevel())

	if outErr != nil {
		logger.WithFields(logrus.Fields{
			"action": "logger_fallback",
			"path":   cfg.LogFilePath,
		}).Warn(outErr.Error())
	}

	return logger, nil
}

// defaultStream 是未配置日志文件（或文件不可用）时使用的标准流。
func defaultStream(mode RunMode) io.Writer {
	if mode == ModeFetch {
		return os.Stderr
	}
	return os.Stdout
}

func openOutput(cfg config.GlobalConfig, mode RunMode) (io.Writer, error) {
	switch cfg.LogFilePath {
	case "":
		return defaultStream(mode), nil
	case OutputStdout:
		return os.Stdout, nil
	case OutputStderr:
		return os.Stderr, nil
	}

	if err := os.MkdirAll(filepath.Dir(cfg.LogFilePath), 0o755); err != nil {
		return defaultStream(mode), fmt.Errorf("创建日志目录失败: %w", err)
	}
	return &lumberjack.Logger{
		Filename:   cfg.LogFilePath,
		MaxSize:    cfg.LogMaxSize,
		MaxBackups: cfg.LogMaxBackups,
		Compress:   cfg.LogCompress,
		LocalTime:  true,
	}, nil
}

type runModeHook struct {
	mode RunMode
}

func (h runModeHook) Levels() []logrus.Level { return logrus.AllLevels }

func (h runModeHook) Fire(entry *logrus.Entry) error {
	if _, ok := entry.Data["run_mode"]; !ok {
		entry.Data["run_mode"] = string(h.mode)
	}
	return nil
}
