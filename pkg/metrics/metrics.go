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
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Namespace for all flowKV metrics
const (
	namespace = "flowkv"
	subsystem = "server"
)

// Metrics holds all Prometheus metrics for the flowKV server
type Metrics struct {
	// gRPC stream metrics (one stream per flow)
	GrpcRequestDuration *prometheus.HistogramVec
	GrpcRequestTotal    *prometheus.CounterVec
	GrpcRequestInFlight *prometheus.GaugeVec

	// Connection metrics
	ActiveConnections   prometheus.Gauge
	TotalConnections    prometheus.Counter
	RejectedConnections *prometheus.CounterVec

	// Request metrics
	RequestDuration   *prometheus.HistogramVec
	RequestTotal      *prometheus.CounterVec
	MalformedMessages prometheus.Counter

	// Rate limiting metrics
	RateLimitWaits prometheus.Counter

	// Storage operation metrics
	StorageOperationDuration *prometheus.HistogramVec
	StorageOperationTotal    *prometheus.CounterVec
	StorageOperationErrors   *prometheus.CounterVec
	KeysTotal                prometheus.Gauge

	// Panic recovery metrics
	PanicsRecovered *prometheus.CounterVec
}

// New creates and registers all metrics
func New(registry *prometheus.Registry) *Metrics {
	factory := promauto.With(registry)

	m := &Metrics{
		GrpcRequestDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Subsystem: "grpc",
				Name:      "request_duration_seconds",
				Help:      "Histogram of gRPC call latencies; for flows this is the stream lifetime",
				Buckets:   prometheus.ExponentialBuckets(0.001, 4, 10), // 1ms .. ~4.4min
			},
			[]string{"method", "code"},
		),

		GrpcRequestTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "grpc",
				Name:      "request_total",
				Help:      "Total number of gRPC calls",
			},
			[]string{"method", "code"},
		),

		GrpcRequestInFlight: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: "grpc",
				Name:      "request_in_flight",
				Help:      "Current number of in-flight gRPC calls",
			},
			[]string{"method"},
		),

		ActiveConnections: factory.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: subsystem,
				Name:      "active_connections",
				Help:      "Current number of flows being served",
			},
		),

		TotalConnections: factory.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: subsystem,
				Name:      "connections_total",
				Help:      "Total number of flows accepted",
			},
		),

		RejectedConnections: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: subsystem,
				Name:      "connections_rejected_total",
				Help:      "Total number of flows closed without being served",
			},
			[]string{"reason"},
		),

		RequestDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Subsystem: subsystem,
				Name:      "request_duration_seconds",
				Help:      "Histogram of request handling latencies, from decode to send",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"op", "result"},
		),

		RequestTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: subsystem,
				Name:      "requests_total",
				Help:      "Total number of requests handled",
			},
			[]string{"op", "result"},
		),

		MalformedMessages: factory.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: subsystem,
				Name:      "malformed_messages_total",
				Help:      "Total number of messages that could not be decoded",
			},
		),

		RateLimitWaits: factory.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: subsystem,
				Name:      "rate_limit_waits_total",
				Help:      "Total number of requests delayed by the per-connection throttle",
			},
		),

		StorageOperationDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Subsystem: "storage",
				Name:      "operation_duration_seconds",
				Help:      "Histogram of storage operation latencies",
				Buckets:   []float64{0.00001, 0.0001, 0.0005, 0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1},
			},
			[]string{"operation", "status"},
		),

		StorageOperationTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "storage",
				Name:      "operation_total",
				Help:      "Total number of storage operations",
			},
			[]string{"operation"},
		),

		StorageOperationErrors: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "storage",
				Name:      "operation_errors_total",
				Help:      "Total number of storage operation errors",
			},
			[]string{"operation", "error_type"},
		),

		KeysTotal: factory.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: "storage",
				Name:      "keys_total",
				Help:      "Total number of distinct keys in store",
			},
		),

		PanicsRecovered: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: subsystem,
				Name:      "panics_recovered_total",
				Help:      "Total number of panics recovered",
			},
			[]string{"goroutine"},
		),
	}

	return m
}

// RecordGrpcRequest records a gRPC call's duration and status
func (m *Metrics) RecordGrpcRequest(method string, code string, duration time.Duration) {
	m.GrpcRequestDuration.WithLabelValues(method, code).Observe(duration.Seconds())
	m.GrpcRequestTotal.WithLabelValues(method, code).Inc()
}

// RecordConnectionOpened records an accepted flow
func (m *Metrics) RecordConnectionOpened() {
	m.TotalConnections.Inc()
	m.ActiveConnections.Inc()
}

// RecordConnectionClosed records the end of a served flow
func (m *Metrics) RecordConnectionClosed() {
	m.ActiveConnections.Dec()
}

// RecordConnectionRejected records a rejected flow
func (m *Metrics) RecordConnectionRejected(reason string) {
	m.RejectedConnections.WithLabelValues(reason).Inc()
}

// RecordRequest records one handled request
func (m *Metrics) RecordRequest(op string, result string, duration time.Duration) {
	m.RequestDuration.WithLabelValues(op, result).Observe(duration.Seconds())
	m.RequestTotal.WithLabelValues(op, result).Inc()
}

// RecordMalformedMessage records a message that failed to decode
func (m *Metrics) RecordMalformedMessage() {
	m.MalformedMessages.Inc()
}

// RecordRateLimitWait records a request that had to wait for a token
func (m *Metrics) RecordRateLimitWait() {
	m.RateLimitWaits.Inc()
}

// RecordStorageOperation records a storage operation's duration and status
func (m *Metrics) RecordStorageOperation(operation string, status string, duration time.Duration) {
	m.StorageOperationDuration.WithLabelValues(operation, status).Observe(duration.Seconds())
	m.StorageOperationTotal.WithLabelValues(operation).Inc()
}

// RecordStorageError records a storage operation error
func (m *Metrics) RecordStorageError(operation string, errorType string) {
	m.StorageOperationErrors.WithLabelValues(operation, errorType).Inc()
}

// SetKeys sets the number of distinct keys
func (m *Metrics) SetKeys(n int) {
	m.KeysTotal.Set(float64(n))
}

// RecordPanicRecovered records a recovered panic
func (m *Metrics) RecordPanicRecovered(goroutine string) {
	m.PanicsRecovered.WithLabelValues(goroutine).Inc()
}
