// internal/utils/logger.go
package utils

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// LogConfig 日志配置
type LogConfig struct {
	Level    string // debug, info, warn, error
	Encoding string // json 或 console
	LogDir   string // 为空时只输出到 stdout
	FileName string
}

var (
	globalLogger *zap.Logger
	loggerMutex  sync.RWMutex
)

// NewLogger 根据配置构建 zap 日志器
func NewLogger(cfg LogConfig) (*zap.Logger, error) {
	level := zap.NewAtomicLevel()
	logLevel := strings.ToLower(cfg.Level)
	if logLevel == "" {
		logLevel = "info"
	}
	if err := level.UnmarshalText([]byte(logLevel)); err != nil {
		fmt.Fprintf(os.Stderr, "无效的日志级别 '%s'，使用 info: %v\n", cfg.Level, err)
		level.SetLevel(zap.InfoLevel)
	}

	encoderCfg := zap.NewProductionEncoderConfig()
	encoderCfg.TimeKey = "timestamp"
	encoderCfg.EncodeTime = zapcore.ISO8601TimeEncoder
	encoderCfg.EncodeLevel = zapcore.CapitalLevelEncoder

	encoding := strings.ToLower(cfg.Encoding)
	if encoding != "console" && encoding != "json" {
		encoding = "json"
	}

	outputs := []string{"stdout"}
	if cfg.LogDir != "" {
		if err := os.MkdirAll(cfg.LogDir, 0755); err != nil {
			return nil, fmt.Errorf("创建日志目录失败: %w", err)
		}
		name := cfg.FileName
		if name == "" {
			name = "engine.log"
		}
		outputs = append(outputs, filepath.Join(cfg.LogDir, name))
	}

	zapConfig := zap.Config{
		Level:             level,
		Development:       false,
		DisableStacktrace: true,
		Encoding:          encoding,
		EncoderConfig:     encoderCfg,
		OutputPaths:       outputs,
		ErrorOutputPaths:  []string{"stderr"},
	}

	logger, err := zapConfig.Build()
	if err != nil {
		return nil, fmt.Errorf("构建日志器失败: %w", err)
	}
	return logger, nil
}

// InitLogger 初始化全局日志器
func InitLogger(cfg LogConfig) (*zap.Logger, error) {
	logger, err := NewLogger(cfg)
	if err != nil {
		return nil, err
	}

	loggerMutex.Lock()
	globalLogger = logger
	loggerMutex.Unlock()

	zap.ReplaceGlobals(logger)
	return logger, nil
}

// GetLogger 获取全局日志器，未初始化时返回空日志器
func GetLogger() *zap.Logger {
	loggerMutex.RLock()
	defer loggerMutex.RUnlock()

	if globalLogger == nil {
		return zap.NewNop()
	}
	return globalLogger
}

// OrNop 服务构造时统一处理 nil 日志器
func OrNop(logger *zap.Logger) *zap.Logger {
	if logger == nil {
		return zap.NewNop()
	}
	return logger
}
