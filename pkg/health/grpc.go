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

package health

import (
	"context"
	"time"

	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

// GRPCReporter 将 HealthServer 的汇总结果同步到标准 gRPC 健康检查服务，
// 使 grpc_health_probe 等工具可以直接探测数据端口
type GRPCReporter struct {
	hs       *HealthServer
	server   *health.Server
	service  string
	interval time.Duration
	logger   *zap.Logger
}

// NewGRPCReporter 创建 gRPC 健康状态同步器
func NewGRPCReporter(hs *HealthServer, service string, interval time.Duration, logger *zap.Logger) *GRPCReporter {
	if interval <= 0 {
		interval = 5 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &GRPCReporter{
		hs:       hs,
		server:   health.NewServer(),
		service:  service,
		interval: interval,
		logger:   logger,
	}
}

// Register 在 gRPC 服务上注册健康检查服务
func (r *GRPCReporter) Register(reg grpc.ServiceRegistrar) {
	healthpb.RegisterHealthServer(reg, r.server)
}

// Server 返回底层 gRPC 健康检查服务
func (r *GRPCReporter) Server() *health.Server {
	return r.server
}

// Update 执行一次检查并更新服务状态
func (r *GRPCReporter) Update(ctx context.Context) healthpb.HealthCheckResponse_ServingStatus {
	report := r.hs.Check(ctx)

	status := healthpb.HealthCheckResponse_SERVING
	if report.Status == StatusUnhealthy {
		status = healthpb.HealthCheckResponse_NOT_SERVING
	}

	r.server.SetServingStatus("", status)
	if r.service != "" {
		r.server.SetServingStatus(r.service, status)
	}
	return status
}

// Run 周期性同步状态，ctx 结束时将所有服务置为 NOT_SERVING
func (r *GRPCReporter) Run(ctx context.Context) {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	r.Update(ctx)
	for {
		select {
		case <-ticker.C:
			prev := r.Update(ctx)
			if prev != healthpb.HealthCheckResponse_SERVING {
				r.logger.Warn("reporting NOT_SERVING", zap.String("service", r.service))
			}
		case <-ctx.Done():
			r.server.Shutdown()
			return
		}
	}
}
