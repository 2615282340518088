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

package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Config unified configuration structure
type Config struct {
	Server ServerConfig `yaml:"server"`
	Client ClientConfig `yaml:"client"`
}

// ServerConfig server configuration
type ServerConfig struct {
	ListenAddress string `yaml:"listen_address"`

	// Sub-configurations
	Store       StoreConfig       `yaml:"store"`
	GRPC        GRPCConfig        `yaml:"grpc"`
	Limits      LimitsConfig      `yaml:"limits"`
	Reliability ReliabilityConfig `yaml:"reliability"`
	Log         LogConfig         `yaml:"log"`
	Monitoring  MonitoringConfig  `yaml:"monitoring"`
}

// StoreConfig durable store configuration
type StoreConfig struct {
	Path string `yaml:"path"` // Append-only log file, default kv_store.txt
}

// GRPCConfig flow listener configuration
type GRPCConfig struct {
	MaxConcurrentStreams uint32        `yaml:"max_concurrent_streams"` // Per HTTP/2 connection, default 1024
	KeepaliveTime        time.Duration `yaml:"keepalive_time"`         // Default 30s
	KeepaliveTimeout     time.Duration `yaml:"keepalive_timeout"`      // Default 10s
	MaxConnectionIdle    time.Duration `yaml:"max_connection_idle"`    // Connections without flows, default 5m

	// New flows per second across the listener, 0 disables it
	FlowOpenQPS   int `yaml:"flow_open_qps"`
	FlowOpenBurst int `yaml:"flow_open_burst"`

	SlowCallThreshold time.Duration `yaml:"slow_call_threshold"` // Unary calls (health) slower than this are logged, default 1s
}

// LimitsConfig resource limits configuration
type LimitsConfig struct {
	MaxConnections int `yaml:"max_connections"` // Default 1000

	// Per-connection throttle, 0 disables it
	RateLimitQPS   int `yaml:"rate_limit_qps"`
	RateLimitBurst int `yaml:"rate_limit_burst"`
}

// ReliabilityConfig reliability configuration
type ReliabilityConfig struct {
	ShutdownTimeout     time.Duration `yaml:"shutdown_timeout"`      // Default 30s
	DrainTimeout        time.Duration `yaml:"drain_timeout"`         // Default 5s
	EnablePanicRecovery bool          `yaml:"enable_panic_recovery"` // Default true
}

// LogConfig log configuration
type LogConfig struct {
	Level            string   `yaml:"level"`              // Default info
	Encoding         string   `yaml:"encoding"`           // Default json
	OutputPaths      []string `yaml:"output_paths"`       // Default ["stdout"]
	ErrorOutputPaths []string `yaml:"error_output_paths"` // Default ["stderr"]

	// Rotation of file outputs
	MaxSizeMB  int  `yaml:"max_size_mb"`  // Default 100
	MaxBackups int  `yaml:"max_backups"`  // Default 10
	MaxAgeDays int  `yaml:"max_age_days"` // Default 7
	Compress   bool `yaml:"compress"`     // Default false
}

// MonitoringConfig monitoring configuration
type MonitoringConfig struct {
	EnablePrometheus  bool   `yaml:"enable_prometheus"`   // Default true
	MetricsAddress    string `yaml:"metrics_address"`     // Default 127.0.0.1:9090
	EnableHealthCheck bool   `yaml:"enable_health_check"` // Default true
	MinFreeDiskGB     int64  `yaml:"min_free_disk_gb"`    // Default 1
	DiskWarnPercent   int64  `yaml:"disk_warn_percent"`   // Default 90
}

// ClientConfig traffic client configuration
type ClientConfig struct {
	ServerAddress string        `yaml:"server_address"` // Default: server.listen_address
	WriteRatio    float64       `yaml:"write_ratio"`    // Probability of a write per iteration, default 0.7
	KeyLength     int           `yaml:"key_length"`     // Default 8
	ValueLength   int           `yaml:"value_length"`   // Default 16
	Interval      time.Duration `yaml:"interval"`       // Pause between iterations, default 1s
	Log           LogConfig     `yaml:"log"`
}

// DefaultConfig returns a configuration with recommended default values
func DefaultConfig() *Config {
	cfg := &Config{
		Server: ServerConfig{
			Reliability: ReliabilityConfig{
				EnablePanicRecovery: true,
			},
			Monitoring: MonitoringConfig{
				EnablePrometheus:  true,
				EnableHealthCheck: true,
			},
		},
		Client: ClientConfig{
			WriteRatio: 0.7,
		},
	}

	cfg.SetDefaults()

	return cfg
}

// LoadConfig loads configuration from a file
// Booleans absent from the file keep their DefaultConfig values
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := DefaultConfig()
	// server_address 未配置时由 SetDefaults 按 listen_address 推导
	cfg.Client.ServerAddress = ""
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	cfg.SetDefaults()
	cfg.OverrideFromEnv()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return cfg, nil
}

// LoadConfigOrDefault attempts to load configuration from file, uses defaults if file doesn't exist
func LoadConfigOrDefault(path string) (*Config, error) {
	if path != "" {
		cfg, err := LoadConfig(path)
		if err == nil {
			return cfg, nil
		}
		if !errors.Is(err, os.ErrNotExist) {
			return nil, err
		}
	}

	cfg := DefaultConfig()
	cfg.OverrideFromEnv()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return cfg, nil
}

// SetDefaults sets default values
func (c *Config) SetDefaults() {
	// Server defaults
	if c.Server.ListenAddress == "" {
		c.Server.ListenAddress = "127.0.0.1:8080"
	}
	if c.Server.Store.Path == "" {
		c.Server.Store.Path = "kv_store.txt"
	}

	// gRPC defaults
	if c.Server.GRPC.MaxConcurrentStreams == 0 {
		c.Server.GRPC.MaxConcurrentStreams = 1024
	}
	if c.Server.GRPC.KeepaliveTime == 0 {
		c.Server.GRPC.KeepaliveTime = 30 * time.Second
	}
	if c.Server.GRPC.KeepaliveTimeout == 0 {
		c.Server.GRPC.KeepaliveTimeout = 10 * time.Second
	}
	if c.Server.GRPC.MaxConnectionIdle == 0 {
		c.Server.GRPC.MaxConnectionIdle = 5 * time.Minute
	}
	if c.Server.GRPC.FlowOpenQPS > 0 && c.Server.GRPC.FlowOpenBurst == 0 {
		c.Server.GRPC.FlowOpenBurst = c.Server.GRPC.FlowOpenQPS
	}
	if c.Server.GRPC.SlowCallThreshold == 0 {
		c.Server.GRPC.SlowCallThreshold = time.Second
	}

	// Limits defaults
	if c.Server.Limits.MaxConnections == 0 {
		c.Server.Limits.MaxConnections = 1000
	}
	if c.Server.Limits.RateLimitQPS > 0 && c.Server.Limits.RateLimitBurst == 0 {
		c.Server.Limits.RateLimitBurst = c.Server.Limits.RateLimitQPS
	}

	// Reliability defaults
	if c.Server.Reliability.ShutdownTimeout == 0 {
		c.Server.Reliability.ShutdownTimeout = 30 * time.Second
	}
	if c.Server.Reliability.DrainTimeout == 0 {
		c.Server.Reliability.DrainTimeout = 5 * time.Second
	}

	// Log defaults
	c.Server.Log.setDefaults()
	c.Client.Log.setDefaults()

	// Monitoring defaults
	if c.Server.Monitoring.MetricsAddress == "" {
		c.Server.Monitoring.MetricsAddress = "127.0.0.1:9090"
	}
	if c.Server.Monitoring.MinFreeDiskGB == 0 {
		c.Server.Monitoring.MinFreeDiskGB = 1
	}
	if c.Server.Monitoring.DiskWarnPercent == 0 {
		c.Server.Monitoring.DiskWarnPercent = 90
	}

	// Client defaults
	if c.Client.ServerAddress == "" {
		c.Client.ServerAddress = c.Server.ListenAddress
	}
	if c.Client.KeyLength == 0 {
		c.Client.KeyLength = 8
	}
	if c.Client.ValueLength == 0 {
		c.Client.ValueLength = 16
	}
	if c.Client.Interval == 0 {
		c.Client.Interval = time.Second
	}
}

func (l *LogConfig) setDefaults() {
	if l.Level == "" {
		l.Level = "info"
	}
	if l.Encoding == "" {
		l.Encoding = "json"
	}
	if len(l.OutputPaths) == 0 {
		l.OutputPaths = []string{"stdout"}
	}
	if len(l.ErrorOutputPaths) == 0 {
		l.ErrorOutputPaths = []string{"stderr"}
	}
	if l.MaxSizeMB == 0 {
		l.MaxSizeMB = 100
	}
	if l.MaxBackups == 0 {
		l.MaxBackups = 10
	}
	if l.MaxAgeDays == 0 {
		l.MaxAgeDays = 7
	}
}

// OverrideFromEnv overrides configuration from environment variables
func (c *Config) OverrideFromEnv() {
	if listenAddr := os.Getenv("FLOWKV_LISTEN_ADDRESS"); listenAddr != "" {
		// 客户端地址沿用监听地址时一起更新
		if c.Client.ServerAddress == c.Server.ListenAddress {
			c.Client.ServerAddress = listenAddr
		}
		c.Server.ListenAddress = listenAddr
	}
	if storePath := os.Getenv("FLOWKV_STORE_PATH"); storePath != "" {
		c.Server.Store.Path = storePath
	}
	if maxConns := os.Getenv("FLOWKV_MAX_CONNECTIONS"); maxConns != "" {
		if n, err := strconv.Atoi(maxConns); err == nil {
			c.Server.Limits.MaxConnections = n
		}
	}
	if metricsAddr := os.Getenv("FLOWKV_METRICS_ADDRESS"); metricsAddr != "" {
		c.Server.Monitoring.MetricsAddress = metricsAddr
	}

	// Log configuration applies to both binaries
	if logLevel := os.Getenv("FLOWKV_LOG_LEVEL"); logLevel != "" {
		c.Server.Log.Level = logLevel
		c.Client.Log.Level = logLevel
	}
	if logEncoding := os.Getenv("FLOWKV_LOG_ENCODING"); logEncoding != "" {
		c.Server.Log.Encoding = logEncoding
		c.Client.Log.Encoding = logEncoding
	}

	if serverAddr := os.Getenv("FLOWKV_SERVER_ADDRESS"); serverAddr != "" {
		c.Client.ServerAddress = serverAddr
	}
}

// Validate validates the configuration
func (c *Config) Validate() error {
	if c.Server.ListenAddress == "" {
		return fmt.Errorf("listen_address is required")
	}
	if c.Server.Store.Path == "" {
		return fmt.Errorf("store.path is required")
	}

	// Validate gRPC configuration
	if c.Server.GRPC.KeepaliveTime < time.Second {
		return fmt.Errorf("grpc.keepalive_time must be >= 1s")
	}
	if c.Server.GRPC.KeepaliveTimeout <= 0 {
		return fmt.Errorf("grpc.keepalive_timeout must be > 0")
	}
	if c.Server.GRPC.FlowOpenQPS < 0 || c.Server.GRPC.FlowOpenBurst < 0 {
		return fmt.Errorf("grpc.flow_open_qps and grpc.flow_open_burst must be >= 0")
	}

	// Validate resource limits
	if c.Server.Limits.MaxConnections <= 0 {
		return fmt.Errorf("limits.max_connections must be > 0")
	}
	if c.Server.Limits.RateLimitQPS < 0 || c.Server.Limits.RateLimitBurst < 0 {
		return fmt.Errorf("limits.rate_limit_qps and limits.rate_limit_burst must be >= 0")
	}

	// Validate reliability configuration
	if c.Server.Reliability.ShutdownTimeout <= 0 {
		return fmt.Errorf("reliability.shutdown_timeout must be > 0")
	}
	if c.Server.Reliability.DrainTimeout <= 0 {
		return fmt.Errorf("reliability.drain_timeout must be > 0")
	}
	if c.Server.Reliability.DrainTimeout > c.Server.Reliability.ShutdownTimeout {
		return fmt.Errorf("reliability.drain_timeout must be <= shutdown_timeout")
	}

	if err := c.Server.Log.validate("log"); err != nil {
		return err
	}
	if err := c.Client.Log.validate("client.log"); err != nil {
		return err
	}

	if c.Server.Monitoring.EnablePrometheus && c.Server.Monitoring.MetricsAddress == "" {
		return fmt.Errorf("monitoring.metrics_address is required when prometheus is enabled")
	}
	if c.Server.Monitoring.DiskWarnPercent < 0 || c.Server.Monitoring.DiskWarnPercent > 100 {
		return fmt.Errorf("monitoring.disk_warn_percent must be between 0 and 100")
	}

	// Validate client configuration
	if c.Client.ServerAddress == "" {
		return fmt.Errorf("client.server_address is required")
	}
	if c.Client.WriteRatio < 0 || c.Client.WriteRatio > 1 {
		return fmt.Errorf("client.write_ratio must be between 0.0 and 1.0")
	}
	if c.Client.KeyLength <= 0 || c.Client.ValueLength <= 0 {
		return fmt.Errorf("client.key_length and client.value_length must be > 0")
	}
	if c.Client.Interval < 0 {
		return fmt.Errorf("client.interval must be >= 0")
	}

	return nil
}

func (l *LogConfig) validate(prefix string) error {
	validLogLevels := map[string]bool{
		"debug": true, "info": true, "warn": true,
		"error": true, "dpanic": true, "panic": true, "fatal": true,
	}
	if !validLogLevels[l.Level] {
		return fmt.Errorf("%s.level must be one of: debug, info, warn, error, dpanic, panic, fatal", prefix)
	}
	if l.Encoding != "json" && l.Encoding != "console" {
		return fmt.Errorf("%s.encoding must be either 'json' or 'console'", prefix)
	}
	return nil
}
