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
	"errors"
	"fmt"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

// MetricsServer serves Prometheus metrics over HTTP.
// Other endpoints (health probes) can be mounted with Handle before Start.
type MetricsServer struct {
	server   *http.Server
	mux      *http.ServeMux
	registry *prometheus.Registry
	logger   *zap.Logger

	mu       sync.Mutex
	patterns []string
}

// NewMetricsServer creates a new metrics HTTP server
// addr: Listen address (e.g., "127.0.0.1:9090")
// registry: Prometheus registry containing all metrics
func NewMetricsServer(addr string, registry *prometheus.Registry, logger *zap.Logger) *MetricsServer {
	mux := http.NewServeMux()

	ms := &MetricsServer{
		mux:      mux,
		registry: registry,
		logger:   logger,
	}

	ms.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{
		EnableOpenMetrics:   true,
		MaxRequestsInFlight: 10,
		Timeout:             30 * time.Second,
		ErrorHandling:       promhttp.ContinueOnError,
	}))

	// / endpoint listing available endpoints
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/" {
			http.NotFound(w, r)
			return
		}

		w.Header().Set("Content-Type", "text/plain")
		w.WriteHeader(http.StatusOK)
		fmt.Fprintln(w, "flowKV endpoints:")
		for _, p := range ms.Patterns() {
			fmt.Fprintf(w, "  %s\n", p)
		}
	})

	ms.server = &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadTimeout:       30 * time.Second,
		ReadHeaderTimeout: 10 * time.Second,
		WriteTimeout:      60 * time.Second,
		IdleTimeout:       120 * time.Second,
		MaxHeaderBytes:    1 << 20, // 1 MB
	}

	return ms
}

// Handle mounts an extra handler
func (ms *MetricsServer) Handle(pattern string, handler http.Handler) {
	ms.mux.Handle(pattern, handler)

	ms.mu.Lock()
	ms.patterns = append(ms.patterns, pattern)
	ms.mu.Unlock()
}

// Patterns returns the mounted endpoint patterns in sorted order
func (ms *MetricsServer) Patterns() []string {
	ms.mu.Lock()
	defer ms.mu.Unlock()

	out := append([]string(nil), ms.patterns...)
	sort.Strings(out)
	return out
}

// Handler returns the HTTP handler serving all endpoints
func (ms *MetricsServer) Handler() http.Handler {
	return ms.mux
}

// Start starts the metrics server
// This method blocks until the server is shut down
func (ms *MetricsServer) Start() error {
	ms.logger.Info("starting metrics server",
		zap.String("addr", ms.server.Addr))

	if err := ms.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		ms.logger.Error("metrics server failed",
			zap.Error(err))
		return err
	}

	return nil
}

// Shutdown gracefully shuts down the metrics server
func (ms *MetricsServer) Shutdown(ctx context.Context) error {
	ms.logger.Info("shutting down metrics server")

	if err := ms.server.Shutdown(ctx); err != nil {
		ms.logger.Error("metrics server shutdown failed",
			zap.Error(err))
		return err
	}

	ms.logger.Info("metrics server stopped")
	return nil
}
