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

package grpc

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/peer"
	"google.golang.org/grpc/status"

	"flowKV/pkg/reliability"
)

// FlowOpenLimiter caps how fast new flows may be opened across the listener.
// Requests inside an open flow are not affected; the per-flow throttle lives
// in the request handler.
type FlowOpenLimiter struct {
	limiter *rate.Limiter
	logger  *zap.Logger
}

// NewFlowOpenLimiter creates a flow open limiter
// qps: new flows per second, burst: flows that may open back to back
func NewFlowOpenLimiter(qps int, burst int, logger *zap.Logger) *FlowOpenLimiter {
	return &FlowOpenLimiter{
		limiter: rate.NewLimiter(rate.Limit(qps), burst),
		logger:  logger,
	}
}

// StreamServerInterceptor rejects streams above the rate with ResourceExhausted
func (fl *FlowOpenLimiter) StreamServerInterceptor() grpc.StreamServerInterceptor {
	return func(srv interface{}, ss grpc.ServerStream, info *grpc.StreamServerInfo, handler grpc.StreamHandler) error {
		if !fl.limiter.Allow() {
			fl.logger.Warn("flow open rate exceeded",
				zap.String("method", info.FullMethod),
				zap.String("client", extractClientInfo(ss.Context())))
			return status.Errorf(codes.ResourceExhausted,
				"flow open rate exceeded for method: %s", info.FullMethod)
		}

		return handler(srv, ss)
	}
}

// LoggingInterceptor logs call completion. Flow streams live as long as the
// client stays connected, so they are logged when they end; unary calls are
// logged only when slower than the threshold.
type LoggingInterceptor struct {
	slowThreshold time.Duration
	logger        *zap.Logger
}

// NewLoggingInterceptor creates a logging interceptor
func NewLoggingInterceptor(slowThreshold time.Duration, logger *zap.Logger) *LoggingInterceptor {
	return &LoggingInterceptor{
		slowThreshold: slowThreshold,
		logger:        logger,
	}
}

// UnaryServerInterceptor logs slow unary calls (health checks share the listener)
func (li *LoggingInterceptor) UnaryServerInterceptor() grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req interface{}, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (interface{}, error) {
		start := time.Now()
		resp, err := handler(ctx, req)
		duration := time.Since(start)

		if duration > li.slowThreshold {
			fields := []zap.Field{
				zap.String("method", info.FullMethod),
				zap.Duration("duration", duration),
				zap.String("client", extractClientInfo(ctx)),
			}
			if err != nil {
				fields = append(fields, zap.Error(err))
			}
			li.logger.Warn("slow request detected", fields...)
		}

		return resp, err
	}
}

// StreamServerInterceptor logs every flow stream when it ends
func (li *LoggingInterceptor) StreamServerInterceptor() grpc.StreamServerInterceptor {
	return func(srv interface{}, ss grpc.ServerStream, info *grpc.StreamServerInfo, handler grpc.StreamHandler) error {
		start := time.Now()
		client := extractClientInfo(ss.Context())
		li.logger.Debug("stream opened",
			zap.String("method", info.FullMethod),
			zap.String("client", client))

		err := handler(srv, ss)

		fields := []zap.Field{
			zap.String("method", info.FullMethod),
			zap.Duration("duration", time.Since(start)),
			zap.String("client", client),
		}
		switch status.Code(err) {
		case codes.OK, codes.Canceled:
			li.logger.Debug("stream closed", fields...)
		default:
			li.logger.Warn("stream failed", append(fields, zap.Error(err))...)
		}
		return err
	}
}

// PanicRecoveryInterceptor turns a panic in a service handler into an
// Internal status for that call only
type PanicRecoveryInterceptor struct {
	logger *zap.Logger
}

// NewPanicRecoveryInterceptor creates a panic recovery interceptor
func NewPanicRecoveryInterceptor(logger *zap.Logger) *PanicRecoveryInterceptor {
	return &PanicRecoveryInterceptor{
		logger: logger,
	}
}

// UnaryServerInterceptor returns a unary RPC panic recovery interceptor
func (pri *PanicRecoveryInterceptor) UnaryServerInterceptor() grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req interface{}, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (interface{}, error) {
		var resp interface{}
		err := reliability.CatchPanic("grpc "+info.FullMethod, func() error {
			var herr error
			resp, herr = handler(ctx, req)
			return herr
		})
		return resp, pri.convert(ctx, info.FullMethod, err)
	}
}

// StreamServerInterceptor returns a stream RPC panic recovery interceptor
func (pri *PanicRecoveryInterceptor) StreamServerInterceptor() grpc.StreamServerInterceptor {
	return func(srv interface{}, ss grpc.ServerStream, info *grpc.StreamServerInfo, handler grpc.StreamHandler) error {
		err := reliability.CatchPanic("grpc "+info.FullMethod, func() error {
			return handler(srv, ss)
		})
		return pri.convert(ss.Context(), info.FullMethod, err)
	}
}

func (pri *PanicRecoveryInterceptor) convert(ctx context.Context, method string, err error) error {
	if !errors.Is(err, reliability.ErrPanicRecovered) {
		return err
	}
	pri.logger.Error("panic recovered in RPC",
		zap.String("method", method),
		zap.String("client", extractClientInfo(ctx)),
		zap.Error(err))
	return status.Errorf(codes.Internal, "internal server error")
}

// extractClientInfo extracts client information from context
func extractClientInfo(ctx context.Context) string {
	if p, ok := peer.FromContext(ctx); ok && p.Addr != nil {
		return p.Addr.String()
	}

	if md, ok := metadata.FromIncomingContext(ctx); ok {
		if userAgent := md.Get("user-agent"); len(userAgent) > 0 {
			return fmt.Sprintf("user-agent:%s", userAgent[0])
		}
	}

	return "unknown"
}
