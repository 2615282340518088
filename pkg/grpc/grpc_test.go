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
	"net"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/peer"
	"google.golang.org/grpc/status"
	"google.golang.org/grpc/test/bufconn"

	"flowKV/pkg/config"
	"flowKV/pkg/metrics"
	"flowKV/pkg/reliability"
	"flowKV/pkg/transport"
)

const flowMethod = "/flowkv.transport.Flow/Open"

// fakeStream 只实现 Context，其余方法不会被调用
type fakeStream struct {
	grpc.ServerStream
	ctx context.Context
}

func (s *fakeStream) Context() context.Context {
	return s.ctx
}

func newFakeStream() *fakeStream {
	ctx := peer.NewContext(context.Background(), &peer.Peer{
		Addr: &net.TCPAddr{IP: net.ParseIP("10.0.0.7"), Port: 5000},
	})
	return &fakeStream{ctx: ctx}
}

var streamInfo = &grpc.StreamServerInfo{FullMethod: flowMethod, IsClientStream: true, IsServerStream: true}

func TestPanicRecoveryInterceptor_Stream(t *testing.T) {
	pri := NewPanicRecoveryInterceptor(zap.NewNop())
	before := reliability.GetPanicCount()

	err := pri.StreamServerInterceptor()(nil, newFakeStream(), streamInfo, func(srv interface{}, ss grpc.ServerStream) error {
		panic("flow handler exploded")
	})
	assert.Equal(t, codes.Internal, status.Code(err))
	assert.Equal(t, before+1, reliability.GetPanicCount())

	// 普通错误原样返回
	want := status.Error(codes.Unavailable, "closing")
	err = pri.StreamServerInterceptor()(nil, newFakeStream(), streamInfo, func(srv interface{}, ss grpc.ServerStream) error {
		return want
	})
	assert.Equal(t, want, err)
}

func TestPanicRecoveryInterceptor_Unary(t *testing.T) {
	pri := NewPanicRecoveryInterceptor(zap.NewNop())
	info := &grpc.UnaryServerInfo{FullMethod: "/grpc.health.v1.Health/Check"}

	_, err := pri.UnaryServerInterceptor()(context.Background(), nil, info, func(ctx context.Context, req interface{}) (interface{}, error) {
		panic("check exploded")
	})
	assert.Equal(t, codes.Internal, status.Code(err))

	resp, err := pri.UnaryServerInterceptor()(context.Background(), nil, info, func(ctx context.Context, req interface{}) (interface{}, error) {
		return "serving", nil
	})
	require.NoError(t, err)
	assert.Equal(t, "serving", resp)
}

func TestFlowOpenLimiter(t *testing.T) {
	fl := NewFlowOpenLimiter(1, 1, zap.NewNop())
	opened := 0
	handler := func(srv interface{}, ss grpc.ServerStream) error {
		opened++
		return nil
	}

	require.NoError(t, fl.StreamServerInterceptor()(nil, newFakeStream(), streamInfo, handler))
	err := fl.StreamServerInterceptor()(nil, newFakeStream(), streamInfo, handler)
	assert.Equal(t, codes.ResourceExhausted, status.Code(err))
	assert.Equal(t, 1, opened)
}

func TestLoggingInterceptor_Stream(t *testing.T) {
	core, logs := observer.New(zapcore.DebugLevel)
	li := NewLoggingInterceptor(time.Second, zap.New(core))

	err := li.StreamServerInterceptor()(nil, newFakeStream(), streamInfo, func(srv interface{}, ss grpc.ServerStream) error {
		return status.Error(codes.Canceled, "client went away")
	})
	assert.Error(t, err)
	assert.Equal(t, 1, logs.FilterMessage("stream closed").Len())

	err = li.StreamServerInterceptor()(nil, newFakeStream(), streamInfo, func(srv interface{}, ss grpc.ServerStream) error {
		return errors.New("broken pipe")
	})
	assert.Error(t, err)
	failed := logs.FilterMessage("stream failed").All()
	require.Len(t, failed, 1)
	assert.Equal(t, zapcore.WarnLevel, failed[0].Level)
	assert.Equal(t, "10.0.0.7:5000", failed[0].ContextMap()["client"])
}

func TestLoggingInterceptor_UnarySlowOnly(t *testing.T) {
	core, logs := observer.New(zapcore.DebugLevel)
	li := NewLoggingInterceptor(20*time.Millisecond, zap.New(core))
	info := &grpc.UnaryServerInfo{FullMethod: "/grpc.health.v1.Health/Check"}

	_, _ = li.UnaryServerInterceptor()(context.Background(), nil, info, func(ctx context.Context, req interface{}) (interface{}, error) {
		return nil, nil
	})
	assert.Equal(t, 0, logs.Len())

	_, _ = li.UnaryServerInterceptor()(context.Background(), nil, info, func(ctx context.Context, req interface{}) (interface{}, error) {
		time.Sleep(40 * time.Millisecond)
		return nil, nil
	})
	assert.Equal(t, 1, logs.FilterMessage("slow request detected").Len())
}

func TestServerOptionsBuilder_Build(t *testing.T) {
	cfg := config.DefaultConfig()
	m := metrics.New(prometheus.NewRegistry())

	// 并发流、keepalive、unary 链、stream 链
	assert.Len(t, NewServerOptionsBuilder(cfg, nil).WithMetrics(m).Build(), 4)

	cfg.Server.Monitoring.EnablePrometheus = false
	cfg.Server.Reliability.EnablePanicRecovery = false
	cfg.Server.GRPC.SlowCallThreshold = 0
	assert.Len(t, NewServerOptionsBuilder(cfg, nil).Build(), 3)
}

func TestServerOptionsBuilder_FlowListener(t *testing.T) {
	cfg := config.DefaultConfig()
	m := metrics.New(prometheus.NewRegistry())
	opts := NewServerOptionsBuilder(cfg, zap.NewNop()).WithMetrics(m).Build()

	buf := bufconn.Listen(1 << 20)
	lis := transport.ServeGRPC(buf, transport.WithServerOptions(opts...))
	t.Cleanup(func() { lis.Close() })

	dial := transport.GRPCDialer(grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) {
		return buf.DialContext(ctx)
	}))

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	client, err := dial(ctx, "passthrough:///bufnet")
	require.NoError(t, err)
	require.NoError(t, client.Send(ctx, []byte(`{"Read":{"key":"k"}}`)))

	server, err := lis.Accept(ctx)
	require.NoError(t, err)
	msg, err := server.Recv(ctx)
	require.NoError(t, err)
	assert.Equal(t, `{"Read":{"key":"k"}}`, string(msg))

	assert.Equal(t, float64(1), testutil.ToFloat64(m.GrpcRequestInFlight.WithLabelValues(flowMethod)))

	require.NoError(t, server.Close())
	require.NoError(t, client.Close())

	// 流结束后才记录调用
	require.Eventually(t, func() bool {
		return testutil.ToFloat64(m.GrpcRequestInFlight.WithLabelValues(flowMethod)) == 0
	}, 5*time.Second, 10*time.Millisecond)
	assert.Equal(t, 1, testutil.CollectAndCount(m.GrpcRequestTotal))
}
