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

// Package grpc builds the server options of the flow listener: connection
// tuning from configuration plus the interceptor chain.
package grpc

import (
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/keepalive"

	"flowKV/pkg/config"
	"flowKV/pkg/metrics"
)

// ServerOptionsBuilder builds gRPC server options from configuration
type ServerOptionsBuilder struct {
	cfg     *config.Config
	logger  *zap.Logger
	metrics *metrics.Metrics
}

// NewServerOptionsBuilder creates a server options builder
func NewServerOptionsBuilder(cfg *config.Config, logger *zap.Logger) *ServerOptionsBuilder {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ServerOptionsBuilder{
		cfg:    cfg,
		logger: logger,
	}
}

// WithMetrics sets the metrics collector for the builder
func (b *ServerOptionsBuilder) WithMetrics(m *metrics.Metrics) *ServerOptionsBuilder {
	b.metrics = m
	return b
}

// Build builds gRPC server options. Codec, message size limits and the
// keepalive enforcement policy are owned by the transport and not set here.
func (b *ServerOptionsBuilder) Build() []grpc.ServerOption {
	g := b.cfg.Server.GRPC

	opts := []grpc.ServerOption{
		grpc.MaxConcurrentStreams(g.MaxConcurrentStreams),
		grpc.KeepaliveParams(keepalive.ServerParameters{
			Time:              g.KeepaliveTime,
			Timeout:           g.KeepaliveTimeout,
			MaxConnectionIdle: g.MaxConnectionIdle,
		}),
	}

	unaryInterceptors := b.buildUnaryInterceptors()
	streamInterceptors := b.buildStreamInterceptors()

	if len(unaryInterceptors) > 0 {
		opts = append(opts, grpc.ChainUnaryInterceptor(unaryInterceptors...))
	}
	if len(streamInterceptors) > 0 {
		opts = append(opts, grpc.ChainStreamInterceptor(streamInterceptors...))
	}

	b.logger.Info("gRPC server options",
		zap.Uint32("max_concurrent_streams", g.MaxConcurrentStreams),
		zap.Duration("keepalive_time", g.KeepaliveTime),
		zap.Duration("keepalive_timeout", g.KeepaliveTimeout),
		zap.Duration("max_connection_idle", g.MaxConnectionIdle),
		zap.Int("flow_open_qps", g.FlowOpenQPS),
		zap.Bool("enable_panic_recovery", b.cfg.Server.Reliability.EnablePanicRecovery),
		zap.Duration("slow_call_threshold", g.SlowCallThreshold))

	return opts
}

// buildUnaryInterceptors: Metrics -> Panic Recovery -> Logging
func (b *ServerOptionsBuilder) buildUnaryInterceptors() []grpc.UnaryServerInterceptor {
	var interceptors []grpc.UnaryServerInterceptor

	if b.cfg.Server.Monitoring.EnablePrometheus && b.metrics != nil {
		interceptors = append(interceptors, metrics.NewMetricsInterceptor(b.metrics).UnaryServerInterceptor())
	}
	if b.cfg.Server.Reliability.EnablePanicRecovery {
		interceptors = append(interceptors, NewPanicRecoveryInterceptor(b.logger).UnaryServerInterceptor())
	}
	if b.cfg.Server.GRPC.SlowCallThreshold > 0 {
		interceptors = append(interceptors, NewLoggingInterceptor(b.cfg.Server.GRPC.SlowCallThreshold, b.logger).UnaryServerInterceptor())
	}

	return interceptors
}

// buildStreamInterceptors: Metrics -> Panic Recovery -> Logging -> Flow open rate
func (b *ServerOptionsBuilder) buildStreamInterceptors() []grpc.StreamServerInterceptor {
	var interceptors []grpc.StreamServerInterceptor

	if b.cfg.Server.Monitoring.EnablePrometheus && b.metrics != nil {
		interceptors = append(interceptors, metrics.NewMetricsInterceptor(b.metrics).StreamServerInterceptor())
	}
	if b.cfg.Server.Reliability.EnablePanicRecovery {
		interceptors = append(interceptors, NewPanicRecoveryInterceptor(b.logger).StreamServerInterceptor())
	}
	interceptors = append(interceptors, NewLoggingInterceptor(b.cfg.Server.GRPC.SlowCallThreshold, b.logger).StreamServerInterceptor())

	if b.cfg.Server.GRPC.FlowOpenQPS > 0 && b.cfg.Server.GRPC.FlowOpenBurst > 0 {
		fl := NewFlowOpenLimiter(b.cfg.Server.GRPC.FlowOpenQPS, b.cfg.Server.GRPC.FlowOpenBurst, b.logger)
		interceptors = append(interceptors, fl.StreamServerInterceptor())
	}

	return interceptors
}
