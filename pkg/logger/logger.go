package logger

import (
	"io"
	"os"
	"path/filepath"
	"sync"

	"github.com/sirupsen/logrus"
	"gopkg.in/natefinch/lumberjack.v2"
)

var (
	// Logger 全局日志实例
	Logger *logrus.Logger
	// currentLogFile 当前日志文件路径
	currentLogFile string
	// logMu 初始化锁
	logMu sync.Mutex
)

// Config 日志配置
type Config struct {
	Level      string // 日志级别: debug, info, warn, error
	OutputFile string // 日志文件路径（可选，为空则只输出到控制台）
	MaxSize    int    // 日志文件最大大小（MB）
	MaxBackups int    // 保留的旧日志文件数量
	MaxAge     int    // 保留旧日志文件的天数
	Compress   bool   // 是否压缩旧日志文件
}

// Init 初始化全局日志
func Init(config Config) error {
	logMu.Lock()
	defer logMu.Unlock()

	logger := logrus.New()

	level, err := logrus.ParseLevel(config.Level)
	if err != nil {
		level = logrus.InfoLevel
	}
	logger.SetLevel(level)

	logger.SetFormatter(&logrus.TextFormatter{
		FullTimestamp:   true,
		TimestampFormat: "06-01-02 15:04:05", // 格式: yy-mm-dd HH:MM:ss
		ForceColors:     true,
	})

	var writers []io.Writer
	writers = append(writers, os.Stdout)

	// 如果配置了日志文件，叠加轮转文件输出
	if config.OutputFile != "" {
		if err := os.MkdirAll(filepath.Dir(config.OutputFile), 0755); err != nil {
			return err
		}
		writers = append(writers, &lumberjack.Logger{
			Filename:   config.OutputFile,
			MaxSize:    config.MaxSize,
			MaxBackups: config.MaxBackups,
			MaxAge:     config.MaxAge,
			Compress:   config.Compress,
		})
		currentLogFile = config.OutputFile
	}

	multiWriter := io.MultiWriter(writers...)
	logger.SetOutput(multiWriter)

	// 同时设置全局 logrus 的输出，保证直接使用 logrus 的代码也写入文件
	logrus.SetOutput(multiWriter)
	logrus.SetLevel(level)

	Logger = logger
	return nil
}

// InitDefault 以默认配置初始化（仅控制台，info 级别）
func InitDefault() error {
	return Init(Config{Level: "info"})
}

func ensure() *logrus.Logger {
	if Logger == nil {
		_ = InitDefault()
	}
	return Logger
}

// Debug 输出 debug 日志
func Debug(args ...interface{}) {
	ensure().Debug(args...)
}

// Debugf 输出格式化 debug 日志
func Debugf(format string, args ...interface{}) {
	ensure().Debugf(format, args...)
}

// Info 输出 info 日志
func Info(args ...interface{}) {
	ensure().Info(args...)
}

// Infof 输出格式化 info 日志
func Infof(format string, args ...interface{}) {
	ensure().Infof(format, args...)
}

// Warn 输出 warn 日志
func Warn(args ...interface{}) {
	ensure().Warn(args...)
}

// Warnf 输出格式化 warn 日志
func Warnf(format string, args ...interface{}) {
	ensure().Warnf(format, args...)
}

// Error 输出 error 日志
func Error(args ...interface{}) {
	ensure().Error(args...)
}

// Errorf 输出格式化 error 日志
func Errorf(format string, args ...interface{}) {
	ensure().Errorf(format, args...)
}

// WithField 创建带字段的日志条目
func WithField(key string, value interface{}) *logrus.Entry {
	return ensure().WithField(key, value)
}

// WithFields 创建带多个字段的日志条目
func WithFields(fields logrus.Fields) *logrus.Entry {
	return ensure().WithFields(fields)
}

// GetCurrentLogFile 返回当前日志文件路径
func GetCurrentLogFile() string {
	logMu.Lock()
	defer logMu.Unlock()
	return currentLogFile
}
