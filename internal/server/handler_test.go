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

package server

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"flowKV/internal/protocol"
	"flowKV/pkg/metrics"
	"flowKV/pkg/transport"
)

// mapStore 内存 Store，可注入写错误或 panic
type mapStore struct {
	mu       sync.Mutex
	data     map[string]string
	writeErr error
	panicOn  string
}

func newMapStore() *mapStore {
	return &mapStore{data: make(map[string]string)}
}

func (s *mapStore) Write(key, value string) error {
	if s.panicOn != "" && key == s.panicOn {
		panic("boom: " + key)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.writeErr != nil {
		return s.writeErr
	}
	s.data[key] = value
	return nil
}

func (s *mapStore) Read(key string) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.data[key]
	return v, ok
}

func (s *mapStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.data)
}

// pipe 在 mem 网络上建立一对 flow（客户端，服务端）
func pipe(t *testing.T) (transport.Flow, transport.Flow) {
	t.Helper()
	network := transport.NewMemNetwork()
	lis, err := network.Listen("kv")
	require.NoError(t, err)
	t.Cleanup(func() { lis.Close() })

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	// Dial 阻塞到对端 Accept，两边必须并发
	type dialResult struct {
		flow transport.Flow
		err  error
	}
	dialC := make(chan dialResult, 1)
	go func() {
		f, err := network.Dial(ctx, "kv")
		dialC <- dialResult{f, err}
	}()

	server, err := lis.Accept(ctx)
	require.NoError(t, err)
	t.Cleanup(func() { server.Close() })

	dialed := <-dialC
	require.NoError(t, dialed.err)
	t.Cleanup(func() { dialed.flow.Close() })
	return dialed.flow, server
}

// startHandler 在后台运行 handler，返回其结束结果
func startHandler(t *testing.T, ctx context.Context, h *Handler, flow transport.Flow) <-chan error {
	t.Helper()
	errC := make(chan error, 1)
	go func() { errC <- h.Serve(ctx, flow) }()
	return errC
}

func roundTrip(t *testing.T, flow transport.Flow, raw string) string {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, flow.Send(ctx, []byte(raw)))
	msg, err := flow.Recv(ctx)
	require.NoError(t, err)
	return string(msg)
}

func TestHandler_WriteThenRead(t *testing.T) {
	client, server := pipe(t)
	reg := prometheus.NewRegistry()
	m := metrics.New(reg)
	store := newMapStore()
	errC := startHandler(t, context.Background(), NewHandler(store, nil, m), server)

	assert.Equal(t, `"Ok"`, roundTrip(t, client, `{"Write":{"key":"abc12345","value":"wxyz6789abcdef01"}}`))
	assert.JSONEq(t, `{"Value":"wxyz6789abcdef01"}`, roundTrip(t, client, `{"Read":{"key":"abc12345"}}`))
	assert.Equal(t, `"NotFound"`, roundTrip(t, client, `{"Read":{"key":"doesnotexist"}}`))

	// 客户端断开是正常结束
	client.Close()
	select {
	case err := <-errC:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("handler did not exit after peer closed")
	}

	// 请求在发送响应后才计数，handler 退出后再检查
	assert.Equal(t, float64(1), testutil.ToFloat64(m.RequestTotal.WithLabelValues("write", "ok")))
	assert.Equal(t, float64(1), testutil.ToFloat64(m.RequestTotal.WithLabelValues("read", "found")))
	assert.Equal(t, float64(1), testutil.ToFloat64(m.RequestTotal.WithLabelValues("read", "not_found")))
	assert.Equal(t, float64(1), testutil.ToFloat64(m.KeysTotal))
}

func TestHandler_LastWriteWins(t *testing.T) {
	client, server := pipe(t)
	startHandler(t, context.Background(), NewHandler(newMapStore(), nil, nil), server)

	assert.Equal(t, `"Ok"`, roundTrip(t, client, `{"Write":{"key":"k","value":"one"}}`))
	assert.Equal(t, `"Ok"`, roundTrip(t, client, `{"Write":{"key":"k","value":"two"}}`))
	assert.JSONEq(t, `{"Value":"two"}`, roundTrip(t, client, `{"Read":{"key":"k"}}`))
}

func TestHandler_StoreErrorKeepsFlowOpen(t *testing.T) {
	client, server := pipe(t)
	store := newMapStore()
	store.writeErr = errors.New("storage failure: disk full")
	startHandler(t, context.Background(), NewHandler(store, nil, nil), server)

	resp, err := protocol.DecodeResponse([]byte(roundTrip(t, client, `{"Write":{"key":"k","value":"v"}}`)))
	require.NoError(t, err)
	assert.Equal(t, protocol.KindError, resp.Kind)
	assert.Contains(t, resp.Message, "disk full")

	// 同一个 flow 上继续服务
	assert.Equal(t, `"NotFound"`, roundTrip(t, client, `{"Read":{"key":"k"}}`))
}

func TestHandler_InvalidRecordReturnsError(t *testing.T) {
	client, server := pipe(t)
	store := &validatingStore{mapStore: newMapStore()}
	startHandler(t, context.Background(), NewHandler(store, nil, nil), server)

	resp, err := protocol.DecodeResponse([]byte(roundTrip(t, client, `{"Write":{"key":"a:b","value":"v"}}`)))
	require.NoError(t, err)
	assert.Equal(t, protocol.KindError, resp.Kind)

	assert.Equal(t, `"Ok"`, roundTrip(t, client, `{"Write":{"key":"a","value":"b"}}`))
}

// validatingStore 拒绝含分隔符的键
type validatingStore struct {
	*mapStore
}

func (s *validatingStore) Write(key, value string) error {
	if strings.Contains(key, ":") {
		return errors.New("invalid record: key contains ':'")
	}
	return s.mapStore.Write(key, value)
}

func TestHandler_MalformedMessagesAreDropped(t *testing.T) {
	client, server := pipe(t)
	m := metrics.New(prometheus.NewRegistry())
	startHandler(t, context.Background(), NewHandler(newMapStore(), nil, m), server)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	for _, raw := range []string{
		`garbage`,
		`{"Write":{"key":"k"}}`,
		`{"Delete":{"key":"k"}}`,
		`"Ok"`,
	} {
		require.NoError(t, client.Send(ctx, []byte(raw)))
	}

	// 第一条响应属于随后的合法请求
	assert.Equal(t, `"NotFound"`, roundTrip(t, client, `{"Read":{"key":"k"}}`))
	assert.Equal(t, float64(4), testutil.ToFloat64(m.MalformedMessages))
}

func TestHandler_OversizeResponseBecomesError(t *testing.T) {
	client, server := pipe(t)
	store := newMapStore()
	// 直接写入存储，绕过请求大小限制
	store.data["big"] = strings.Repeat("x", protocol.MaxMessageSize)
	startHandler(t, context.Background(), NewHandler(store, nil, nil), server)

	resp, err := protocol.DecodeResponse([]byte(roundTrip(t, client, `{"Read":{"key":"big"}}`)))
	require.NoError(t, err)
	assert.Equal(t, protocol.KindError, resp.Kind)
	assert.Equal(t, tooLargeMessage, resp.Message)
}

func TestHandler_CancelInterruptsIdleFlow(t *testing.T) {
	_, server := pipe(t)
	ctx, cancel := context.WithCancel(context.Background())
	errC := startHandler(t, ctx, NewHandler(newMapStore(), nil, nil), server)

	time.Sleep(10 * time.Millisecond)
	cancel()

	select {
	case err := <-errC:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("handler did not exit after cancel")
	}
}

func TestHandler_RateLimitThrottles(t *testing.T) {
	client, server := pipe(t)
	m := metrics.New(prometheus.NewRegistry())
	h := NewHandler(newMapStore(), nil, m)
	h.SetRateLimit(50, 1)
	startHandler(t, context.Background(), h, server)

	start := time.Now()
	for i := 0; i < 4; i++ {
		assert.Equal(t, `"NotFound"`, roundTrip(t, client, `{"Read":{"key":"k"}}`))
	}

	// 每秒 50 次，突发 1：后三次各需等待约 20ms
	assert.GreaterOrEqual(t, time.Since(start), 40*time.Millisecond)
	assert.GreaterOrEqual(t, testutil.ToFloat64(m.RateLimitWaits), float64(1))
}

func TestSetRateLimitDefaultsBurst(t *testing.T) {
	h := NewHandler(newMapStore(), nil, nil)
	h.SetRateLimit(10, 0)
	assert.Equal(t, 10, h.rateLimitBurst)
}
