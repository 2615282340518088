// Copyright 2025 The axfor Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package log

import (
	"os"
	"path/filepath"
	"sync"

	"flowKV/pkg/config"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/natefinch/lumberjack.v2"
)

var (
	// globalLogger 全局日志实例
	globalLogger *Logger
	once         sync.Once
)

// Logger 结构化日志器
type Logger struct {
	zap    *zap.Logger
	config *Config
}

// Config 日志配置
type Config struct {
	// Level 日志级别: debug, info, warn, error, dpanic, panic, fatal
	Level string

	// OutputPaths 日志输出路径（支持多个）
	// 例如: ["stdout", "/var/log/flowkv/server.log"]
	OutputPaths []string

	// ErrorOutputPaths 错误日志输出路径
	ErrorOutputPaths []string

	// Encoding 编码格式: json 或 console
	Encoding string

	// Development 是否开发模式（会显示更详细的堆栈信息）
	Development bool

	// DisableCaller 是否禁用调用者信息（文件名、行号）
	DisableCaller bool

	// DisableStacktrace 是否禁用堆栈跟踪
	DisableStacktrace bool

	// EnableColor 是否启用颜色输出（仅 console 编码）
	EnableColor bool

	// Rotation 文件输出的轮转策略（stdout/stderr 不受影响）
	Rotation RotationConfig
}

// RotationConfig 日志轮转配置
type RotationConfig struct {
	MaxSizeMB  int  // 单个日志文件最大大小（MB）
	MaxBackups int  // 最大备份文件数量
	MaxAgeDays int  // 日志文件最大保留天数
	Compress   bool // 是否压缩旧日志
}

// DefaultConfig 默认配置
var DefaultConfig = &Config{
	Level:            "info",
	OutputPaths:      []string{"stdout"},
	ErrorOutputPaths: []string{"stderr"},
	Encoding:         "console",
	EnableColor:      true,
	Rotation: RotationConfig{
		MaxSizeMB:  100,
		MaxBackups: 10,
		MaxAgeDays: 7,
	},
}

// NewLogger 创建新的日志器
func NewLogger(cfg *Config) (*Logger, error) {
	if cfg == nil {
		cfg = DefaultConfig
	}

	// 解析日志级别
	level := zapcore.InfoLevel
	if err := level.UnmarshalText([]byte(cfg.Level)); err != nil {
		return nil, err
	}

	encoderConfig := zapcore.EncoderConfig{
		TimeKey:        "time",
		LevelKey:       "level",
		NameKey:        "logger",
		CallerKey:      "caller",
		FunctionKey:    zapcore.OmitKey,
		MessageKey:     "msg",
		StacktraceKey:  "stacktrace",
		LineEnding:     zapcore.DefaultLineEnding,
		EncodeLevel:    zapcore.CapitalLevelEncoder,
		EncodeTime:     zapcore.ISO8601TimeEncoder,
		EncodeDuration: zapcore.StringDurationEncoder,
		EncodeCaller:   zapcore.ShortCallerEncoder,
	}

	if cfg.Encoding == "console" && cfg.EnableColor {
		encoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
	}

	newEncoder := func() zapcore.Encoder {
		if cfg.Encoding == "json" {
			return zapcore.NewJSONEncoder(encoderConfig)
		}
		return zapcore.NewConsoleEncoder(encoderConfig)
	}

	var cores []zapcore.Core

	for _, path := range cfg.OutputPaths {
		cores = append(cores, zapcore.NewCore(newEncoder(), getWriter(path, cfg.Rotation), level))
	}

	for _, path := range cfg.ErrorOutputPaths {
		if contains(cfg.OutputPaths, path) {
			continue // 避免重复
		}
		// 错误日志只记录 Error 及以上级别
		cores = append(cores, zapcore.NewCore(newEncoder(), getWriter(path, cfg.Rotation), zapcore.ErrorLevel))
	}

	core := zapcore.NewTee(cores...)

	opts := []zap.Option{
		zap.AddCaller(),
	}

	if cfg.DisableCaller {
		opts = []zap.Option{}
	}

	if !cfg.DisableStacktrace {
		opts = append(opts, zap.AddStacktrace(zapcore.ErrorLevel))
	}

	if cfg.Development {
		opts = append(opts, zap.Development())
	}

	zapLogger := zap.New(core, opts...)

	return &Logger{
		zap:    zapLogger,
		config: cfg,
	}, nil
}

// InitGlobalLogger 初始化全局日志器
func InitGlobalLogger(cfg *Config) error {
	var err error
	once.Do(func() {
		var l *Logger
		if l, err = NewLogger(cfg); err == nil {
			ReplaceGlobalLogger(l)
		}
	})
	return err
}

// FromConfig 将 config.LogConfig 转换为 log.Config
func FromConfig(cfg *config.LogConfig) *Config {
	if cfg == nil {
		return DefaultConfig
	}

	return &Config{
		Level:            cfg.Level,
		OutputPaths:      cfg.OutputPaths,
		ErrorOutputPaths: cfg.ErrorOutputPaths,
		Encoding:         cfg.Encoding,
		EnableColor:      cfg.Encoding == "console", // console 模式启用颜色
		Rotation: RotationConfig{
			MaxSizeMB:  cfg.MaxSizeMB,
			MaxBackups: cfg.MaxBackups,
			MaxAgeDays: cfg.MaxAgeDays,
			Compress:   cfg.Compress,
		},
	}
}

// InitFromConfig 从配置文件初始化全局日志器
func InitFromConfig(cfg *config.LogConfig) error {
	return InitGlobalLogger(FromConfig(cfg))
}

// GetLogger 获取全局日志器
func GetLogger() *Logger {
	if globalLogger == nil {
		// 自动初始化为默认配置
		_ = InitGlobalLogger(DefaultConfig)
	}
	return globalLogger
}

// ReplaceGlobalLogger 替换全局日志器
func ReplaceGlobalLogger(logger *Logger) {
	globalLogger = logger
}

// NewNop 返回不输出任何内容的日志器（测试使用）
func NewNop() *Logger {
	z := zap.NewNop()
	return &Logger{zap: z, config: DefaultConfig}
}

// Zap 返回底层 zap.Logger，供按组件注入使用
func (l *Logger) Zap() *zap.Logger {
	return l.zap
}

// Sync 同步日志缓冲区
func (l *Logger) Sync() error {
	return l.zap.Sync()
}

// With 添加字段（返回新的 logger）
func (l *Logger) With(fields ...zap.Field) *Logger {
	z := l.zap.With(fields...)
	return &Logger{
		zap:    z,
		config: l.config,
	}
}

// Named 创建命名子日志器
func (l *Logger) Named(name string) *Logger {
	return &Logger{
		zap:    l.zap.Named(name),
		config: l.config,
	}
}

// Debug 级别日志
func (l *Logger) Debug(msg string, fields ...zap.Field) {
	l.zap.Debug(msg, fields...)
}

// Info 级别日志
func (l *Logger) Info(msg string, fields ...zap.Field) {
	l.zap.Info(msg, fields...)
}

// Warn 级别日志
func (l *Logger) Warn(msg string, fields ...zap.Field) {
	l.zap.Warn(msg, fields...)
}

// Error 级别日志
func (l *Logger) Error(msg string, fields ...zap.Field) {
	l.zap.Error(msg, fields...)
}

// Fatal 级别日志（会退出程序）
func (l *Logger) Fatal(msg string, fields ...zap.Field) {
	l.zap.Fatal(msg, fields...)
}

// getWriter 获取输出 Writer
func getWriter(path string, rotation RotationConfig) zapcore.WriteSyncer {
	switch path {
	case "stdout":
		return zapcore.Lock(os.Stdout)
	case "stderr":
		return zapcore.Lock(os.Stderr)
	default:
		// 文件输出交给 lumberjack 轮转
		if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
			// 失败时回退到 stdout
			return zapcore.Lock(os.Stdout)
		}
		return zapcore.AddSync(&lumberjack.Logger{
			Filename:   path,
			MaxSize:    rotation.MaxSizeMB,
			MaxBackups: rotation.MaxBackups,
			MaxAge:     rotation.MaxAgeDays,
			Compress:   rotation.Compress,
		})
	}
}

// contains 检查字符串切片是否包含元素
func contains(slice []string, item string) bool {
	for _, s := range slice {
		if s == item {
			return true
		}
	}
	return false
}

// 全局便捷函数（使用全局 logger）

// Debug 全局 Debug 日志
func Debug(msg string, fields ...zap.Field) {
	GetLogger().Debug(msg, fields...)
}

// Info 全局 Info 日志
func Info(msg string, fields ...zap.Field) {
	GetLogger().Info(msg, fields...)
}

// Warn 全局 Warn 日志
func Warn(msg string, fields ...zap.Field) {
	GetLogger().Warn(msg, fields...)
}

// Error 全局 Error 日志
func Error(msg string, fields ...zap.Field) {
	GetLogger().Error(msg, fields...)
}

// Fatal 全局 Fatal 日志
func Fatal(msg string, fields ...zap.Field) {
	GetLogger().Fatal(msg, fields...)
}

// Sync 同步全局日志器
func Sync() error {
	if globalLogger != nil {
		return globalLogger.Sync()
	}
	return nil
}
