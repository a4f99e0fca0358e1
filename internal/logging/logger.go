package logging

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/any-hub/hub-mirror/internal/config"
)

// ServiceName 写入每条日志的 service 字段。
const ServiceName = "hub-mirror"

// InitLogger 构建 JSON 结构化 logger，并同步设置 logrus 的全局实例。
// 日志文件不可用时降级到 stdout，同时写一条 logger_fallback 警告，不视为启动失败。
func InitLogger(cfg config.GlobalConfig) (*logrus.Logger, error) {
	level, err := parseLevel(cfg.LogLevel)
	if err != nil {
		return nil, err
	}

	out, fallbackErr := openOutput(cfg)

	logger := logrus.New()
	logger.SetLevel(level)
	logger.SetOutput(out)
	logger.SetFormatter(newFormatter())
	logger.AddHook(serviceHook{})
	mirrorStandardLogger(logger)

	if fallbackErr != nil {
		fmt.Fprintf(os.Stderr, "logger_fallback: %v\n", fallbackErr)
		logger.WithFields(logrus.Fields{
			"action": "logger_fallback",
			"path":   cfg.LogFilePath,
		}).Warn(fallbackErr.Error())
	}
	return logger, nil
}

// Close 关闭 logger 持有的滚动文件；输出为 stdout 时什么也不做。
func Close(logger *logrus.Logger) error {
	if logger == nil {
		return nil
	}
	if closer, ok := logger.Out.(io.Closer); ok && logger.Out != os.Stdout && logger.Out != os.Stderr {
		return closer.Close()
	}
	return nil
}

func parseLevel(raw string) (logrus.Level, error) {
	if strings.TrimSpace(raw) == "" {
		return logrus.InfoLevel, nil
	}
	level, err := logrus.ParseLevel(raw)
	if err != nil {
		return 0, fmt.Errorf("无法解析日志级别 %q: %w", raw, err)
	}
	return level, nil
}

func newFormatter() logrus.Formatter {
	return &logrus.JSONFormatter{
		TimestampFormat: time.RFC3339Nano,
		FieldMap: logrus.FieldMap{
			logrus.FieldKeyMsg: "msg",
		},
	}
}

func mirrorStandardLogger(logger *logrus.Logger) {
	std := logrus.StandardLogger()
	std.SetFormatter(logger.Formatter)
	std.SetOutput(logger.Out)
	std.SetLevel(logger.GetLevel())
}

// openOutput 返回 stdout 或按大小滚动的 lumberjack 文件。
func openOutput(cfg config.GlobalConfig) (io.Writer, error) {
	if cfg.LogFilePath == "" {
		return os.Stdout, nil
	}
	if err := ensureWritableDir(filepath.Dir(cfg.LogFilePath)); err != nil {
		return os.Stdout, err
	}
	return &lumberjack.Logger{
		Filename:   cfg.LogFilePath,
		MaxSize:    cfg.LogMaxSize,
		MaxBackups: cfg.LogMaxBackups,
		Compress:   cfg.LogCompress,
		LocalTime:  true,
	}, nil
}

// ensureWritableDir 创建目录并确认可以在其中建文件；lumberjack 首次写入才打开文件，提前探测才能降级。
func ensureWritableDir(dir string) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("创建日志目录失败: %w", err)
	}
	check, err := os.CreateTemp(dir, ".writable-*")
	if err != nil {
		return fmt.Errorf("日志目录不可写: %w", err)
	}
	name := check.Name()
	return errors.Join(check.Close(), os.Remove(name))
}

// serviceHook 为每条日志补充 service 字段。
type serviceHook struct{}

func (serviceHook) Levels() []logrus.Level {
	return logrus.AllLevels
}

func (serviceHook) Fire(entry *logrus.Entry) error {
	if _, ok := entry.Data["service"]; !ok {
		entry.Data["service"] = ServiceName
	}
	return nil
}
