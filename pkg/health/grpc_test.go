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
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/test/bufconn"

	"flowKV/pkg/transport"
)

func TestGRPCReporter_Update(t *testing.T) {
	hs := NewHealthServer(zap.NewNop())
	hs.SetCacheDuration(0)
	checker := &mockChecker{name: "store", status: StatusHealthy}
	hs.RegisterChecker(checker)

	r := NewGRPCReporter(hs, "flowkv", time.Second, nil)
	assert.Equal(t, healthpb.HealthCheckResponse_SERVING, r.Update(context.Background()))

	checker.status = StatusUnhealthy
	assert.Equal(t, healthpb.HealthCheckResponse_NOT_SERVING, r.Update(context.Background()))

	// degraded 仍可服务
	checker.status = StatusDegraded
	assert.Equal(t, healthpb.HealthCheckResponse_SERVING, r.Update(context.Background()))
}

func TestGRPCReporter_ServedNextToFlows(t *testing.T) {
	hs := NewHealthServer(zap.NewNop())
	hs.RegisterChecker(&mockChecker{name: "store", status: StatusHealthy})
	r := NewGRPCReporter(hs, "flowkv", time.Hour, nil)
	r.Update(context.Background())

	buf := bufconn.Listen(1 << 20)
	lis := transport.ServeGRPC(buf, transport.WithServices(r.Register))
	defer lis.Close()

	cc, err := grpc.NewClient("passthrough:///bufnet",
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) {
			return buf.DialContext(ctx)
		}))
	require.NoError(t, err)
	defer cc.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	resp, err := healthpb.NewHealthClient(cc).Check(ctx, &healthpb.HealthCheckRequest{Service: "flowkv"})
	require.NoError(t, err)
	assert.Equal(t, healthpb.HealthCheckResponse_SERVING, resp.Status)
}
