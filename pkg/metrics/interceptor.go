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

package metrics

import (
	"context"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/status"
)

// MetricsInterceptor records gRPC call metrics for the flow listener.
// Flow streams are long lived, so their duration is the flow lifetime.
type MetricsInterceptor struct {
	metrics *Metrics
}

// NewMetricsInterceptor creates a new metrics interceptor
func NewMetricsInterceptor(m *Metrics) *MetricsInterceptor {
	return &MetricsInterceptor{
		metrics: m,
	}
}

// UnaryServerInterceptor covers unary services sharing the listener (health)
func (mi *MetricsInterceptor) UnaryServerInterceptor() grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req interface{}, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (interface{}, error) {
		done := mi.begin(info.FullMethod)
		resp, err := handler(ctx, req)
		done(err)
		return resp, err
	}
}

// StreamServerInterceptor covers flow streams
func (mi *MetricsInterceptor) StreamServerInterceptor() grpc.StreamServerInterceptor {
	return func(srv interface{}, ss grpc.ServerStream, info *grpc.StreamServerInfo, handler grpc.StreamHandler) error {
		done := mi.begin(info.FullMethod)
		err := handler(srv, ss)
		done(err)
		return err
	}
}

// begin marks a call in flight and returns the function that completes it
func (mi *MetricsInterceptor) begin(method string) func(err error) {
	inFlight := mi.metrics.GrpcRequestInFlight.WithLabelValues(method)
	inFlight.Inc()
	start := time.Now()

	return func(err error) {
		inFlight.Dec()
		mi.metrics.RecordGrpcRequest(method, status.Code(err).String(), time.Since(start))
	}
}
