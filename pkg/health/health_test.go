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
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/goccy/go-json"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

// Mock checker for testing
type mockChecker struct {
	name   string
	status Status
	msg    string
	err    error
	calls  atomic.Int32
}

func (mc *mockChecker) Name() string {
	return mc.name
}

func (mc *mockChecker) Check(ctx context.Context) (Status, string, error) {
	mc.calls.Add(1)
	return mc.status, mc.msg, mc.err
}

func TestHealthServer_Check(t *testing.T) {
	logger, _ := zap.NewDevelopment()
	hs := NewHealthServer(logger)

	hs.RegisterChecker(&mockChecker{name: "store", status: StatusHealthy, msg: "store ok"})
	hs.RegisterChecker(&mockChecker{name: "connections", status: StatusHealthy, msg: "3/1000 connections"})

	report := hs.Check(context.Background())

	assert.Equal(t, StatusHealthy, report.Status)
	assert.Len(t, report.Checks, 2)
	assert.Equal(t, StatusHealthy, report.Checks["store"].Status)
	assert.Equal(t, "3/1000 connections", report.Checks["connections"].Message)
}

func TestHealthServer_Check_Unhealthy(t *testing.T) {
	hs := NewHealthServer(zap.NewNop())

	hs.RegisterChecker(&mockChecker{name: "disk", status: StatusDegraded, msg: "disk space low"})
	hs.RegisterChecker(&mockChecker{
		name:   "store",
		status: StatusHealthy,
		err:    fmt.Errorf("log file missing"),
	})

	report := hs.Check(context.Background())

	// 错误优先于 checker 自报的状态
	assert.Equal(t, StatusUnhealthy, report.Status)
	assert.Equal(t, StatusUnhealthy, report.Checks["store"].Status)
	assert.Equal(t, "log file missing", report.Checks["store"].Message)
	assert.Equal(t, StatusDegraded, report.Checks["disk"].Status)
}

func TestHealthServer_Check_Degraded(t *testing.T) {
	hs := NewHealthServer(zap.NewNop())

	hs.RegisterChecker(&mockChecker{name: "store", status: StatusHealthy})
	hs.RegisterChecker(&mockChecker{name: "disk", status: StatusDegraded, msg: "disk space low"})

	report := hs.Check(context.Background())
	assert.Equal(t, StatusDegraded, report.Status)
}

func TestHealthServer_Cache(t *testing.T) {
	hs := NewHealthServer(zap.NewNop())
	checker := &mockChecker{name: "store", status: StatusHealthy}
	hs.RegisterChecker(checker)

	report1 := hs.Check(context.Background())
	report2 := hs.Check(context.Background())
	assert.Same(t, report1, report2)
	assert.Equal(t, int32(1), checker.calls.Load())

	// 关闭缓存后每次都重新检查
	hs.SetCacheDuration(0)
	hs.Check(context.Background())
	hs.Check(context.Background())
	assert.Equal(t, int32(3), checker.calls.Load())
}

func TestHealthServer_HTTPHandler(t *testing.T) {
	tests := []struct {
		name     string
		status   Status
		wantCode int
	}{
		{"healthy", StatusHealthy, http.StatusOK},
		{"degraded", StatusDegraded, http.StatusOK},
		{"unhealthy", StatusUnhealthy, http.StatusServiceUnavailable},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			hs := NewHealthServer(zap.NewNop())
			hs.RegisterChecker(&mockChecker{name: "store", status: tt.status})

			req := httptest.NewRequest("GET", "/health", nil)
			w := httptest.NewRecorder()
			hs.ServeHTTP(w, req)

			assert.Equal(t, tt.wantCode, w.Code)
			assert.Equal(t, "application/json", w.Header().Get("Content-Type"))

			var report HealthReport
			require.NoError(t, json.NewDecoder(w.Body).Decode(&report))
			assert.Equal(t, tt.status, report.Status)
		})
	}
}

func TestHealthServer_Mount(t *testing.T) {
	hs := NewHealthServer(zap.NewNop())
	hs.RegisterChecker(&mockChecker{name: "store", status: StatusUnhealthy, msg: "store failed"})

	mux := http.NewServeMux()
	hs.Mount(mux)

	cases := map[string]struct {
		code int
		body string
	}{
		"/readiness": {http.StatusServiceUnavailable, "Not Ready\n"},
		"/liveness":  {http.StatusOK, "Alive\n"},
	}
	for path, want := range cases {
		w := httptest.NewRecorder()
		mux.ServeHTTP(w, httptest.NewRequest("GET", path, nil))
		assert.Equal(t, want.code, w.Code, path)
		assert.Equal(t, want.body, w.Body.String(), path)
	}

	w := httptest.NewRecorder()
	mux.ServeHTTP(w, httptest.NewRequest("GET", "/health", nil))
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
}

func TestStoreChecker(t *testing.T) {
	checker := NewStoreChecker("store", func(ctx context.Context) error {
		return nil
	})

	status, msg, err := checker.Check(context.Background())
	assert.Equal(t, StatusHealthy, status)
	assert.Contains(t, msg, "operational")
	assert.NoError(t, err)

	checker = NewStoreChecker("store", func(ctx context.Context) error {
		return errors.New("store: store is closed")
	})

	status, msg, err = checker.Check(context.Background())
	assert.Equal(t, StatusUnhealthy, status)
	assert.Contains(t, msg, "closed")
	assert.Error(t, err)
}

func TestConnectionsChecker(t *testing.T) {
	var active int64
	checker := NewConnectionsChecker("connections", func() int64 { return active }, 10, 90)

	active = 5
	status, msg, err := checker.Check(context.Background())
	require.NoError(t, err)
	assert.Equal(t, StatusHealthy, status)
	assert.Equal(t, "5/10 connections", msg)

	active = 9
	status, _, _ = checker.Check(context.Background())
	assert.Equal(t, StatusDegraded, status)

	unlimited := NewConnectionsChecker("connections", func() int64 { return 1 << 20 }, 0, 90)
	status, _, _ = unlimited.Check(context.Background())
	assert.Equal(t, StatusHealthy, status)
}

func TestDiskSpaceChecker(t *testing.T) {
	checker := NewDiskSpaceChecker("disk", t.TempDir(), 0, 100)

	status, msg, err := checker.Check(context.Background())
	assert.NoError(t, err)
	assert.Contains(t, msg, "GB free")
	assert.Equal(t, StatusHealthy, status)
}

func TestDiskSpaceChecker_Thresholds(t *testing.T) {
	const gb = 1024 * 1024 * 1024
	checker := NewDiskSpaceChecker("disk", "/data", 2, 80)

	checker.usage = func(string) (DiskUsage, error) { return newDiskUsage(100*gb, 50*gb), nil }
	status, _, _ := checker.Check(context.Background())
	assert.Equal(t, StatusHealthy, status)

	checker.usage = func(string) (DiskUsage, error) { return newDiskUsage(100*gb, 10*gb), nil }
	status, msg, _ := checker.Check(context.Background())
	assert.Equal(t, StatusDegraded, status)
	assert.Contains(t, msg, "90.0% used")

	checker.usage = func(string) (DiskUsage, error) { return newDiskUsage(100*gb, 1*gb), nil }
	status, _, _ = checker.Check(context.Background())
	assert.Equal(t, StatusUnhealthy, status)

	checker.usage = func(string) (DiskUsage, error) { return DiskUsage{}, errors.New("statfs failed") }
	status, _, err := checker.Check(context.Background())
	assert.Equal(t, StatusUnhealthy, status)
	assert.Error(t, err)
}
