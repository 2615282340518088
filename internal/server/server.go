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

// Package server accepts flows and serves key-value requests on them
// against one shared store.
package server

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"flowKV/pkg/log"
	"flowKV/pkg/metrics"
	"flowKV/pkg/reliability"
	"flowKV/pkg/transport"
)

// Option configures a Server
type Option func(*Server)

// WithLogger sets the server logger
func WithLogger(logger *zap.Logger) Option {
	return func(s *Server) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithMetrics sets the metrics collector
func WithMetrics(m *metrics.Metrics) Option {
	return func(s *Server) {
		s.metrics = m
	}
}

// WithMaxConnections limits concurrently served flows; n <= 0 means unlimited
func WithMaxConnections(n int) Option {
	return func(s *Server) {
		s.limiter = reliability.NewConnectionLimiter(int64(n))
	}
}

// WithRateLimit throttles each flow to qps requests per second
func WithRateLimit(qps, burst int) Option {
	return func(s *Server) {
		s.rateLimitQPS = qps
		s.rateLimitBurst = burst
	}
}

// WithPanicRecovery turns a handler panic into the end of that flow only
func WithPanicRecovery(enabled bool) Option {
	return func(s *Server) {
		s.panicRecovery = enabled
	}
}

// Server dispatches accepted flows to handler goroutines
type Server struct {
	store   Store
	logger  *zap.Logger
	metrics *metrics.Metrics
	limiter *reliability.ConnectionLimiter

	rateLimitQPS   int
	rateLimitBurst int
	panicRecovery  bool

	mu       sync.Mutex
	draining bool
	wg       sync.WaitGroup
}

// New creates a server over store
func New(store Store, opts ...Option) *Server {
	s := &Server{
		store:         store,
		logger:        zap.NewNop(),
		limiter:       reliability.NewConnectionLimiter(0),
		panicRecovery: true,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Serve accepts flows until ctx is cancelled or the listener is closed.
// Each flow is served by its own goroutine; cancelling ctx also ends
// every handler blocked on Recv.
func (s *Server) Serve(ctx context.Context, lis transport.Listener) error {
	s.logger.Info("serving",
		zap.String("address", lis.Addr()),
		zap.Int64("max_connections", s.limiter.Max()),
		zap.Int("rate_limit_qps", s.rateLimitQPS))

	for {
		flow, err := lis.Accept(ctx)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, transport.ErrClosed) {
				s.logger.Info("stopped accepting", zap.Error(err))
				return nil
			}
			s.logger.Error("accept failed", zap.Error(err))
			return fmt.Errorf("accept: %w", err)
		}

		if !s.admit(flow) {
			continue
		}
		go s.serveFlow(ctx, flow)
	}
}

// admit registers the flow with the limiter and the handler set, or
// closes it if the server is full or draining
func (s *Server) admit(flow transport.Flow) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.draining {
		s.reject(flow, "draining", nil)
		return false
	}
	if err := s.limiter.Acquire(flow.ID(), flow.RemoteAddr()); err != nil {
		s.reject(flow, "limit", err)
		return false
	}
	s.wg.Add(1)
	return true
}

func (s *Server) reject(flow transport.Flow, reason string, err error) {
	s.logger.Warn("rejecting flow",
		log.FlowID(flow.ID()),
		log.RemoteAddr(flow.RemoteAddr()),
		zap.String("reason", reason),
		zap.Error(err))
	if s.metrics != nil {
		s.metrics.RecordConnectionRejected(reason)
	}
	flow.Close()
}

func (s *Server) serveFlow(ctx context.Context, flow transport.Flow) {
	defer s.wg.Done()
	defer s.limiter.Release(flow.ID())
	defer flow.Close()

	if s.metrics != nil {
		s.metrics.RecordConnectionOpened()
		defer s.metrics.RecordConnectionClosed()
	}

	logger := s.logger.With(log.FlowID(flow.ID()), log.RemoteAddr(flow.RemoteAddr()))
	logger.Debug("flow accepted")

	h := NewHandler(s.store, s.logger, s.metrics)
	h.SetRateLimit(s.rateLimitQPS, s.rateLimitBurst)

	var err error
	if s.panicRecovery {
		err = reliability.CatchPanic("flow-handler", func() error {
			return h.Serve(ctx, flow)
		})
	} else {
		err = h.Serve(ctx, flow)
	}

	if err != nil {
		logger.Warn("flow ended with error", zap.Error(err))
		return
	}
	logger.Debug("flow ended")
}

// Wait blocks until every handler has exited or ctx expires. Flows
// accepted after Wait starts are closed immediately.
func (s *Server) Wait(ctx context.Context) error {
	s.mu.Lock()
	s.draining = true
	s.mu.Unlock()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		s.logger.Info("all handlers exited")
		return nil
	case <-ctx.Done():
		remaining := s.ActiveConnections()
		s.logger.Warn("drain timed out", zap.Int64("remaining", remaining))
		for _, c := range s.limiter.Connections() {
			s.logger.Warn("flow still open",
				log.FlowID(c.ID),
				log.RemoteAddr(c.RemoteAddr),
				zap.Duration("age", time.Since(c.CreatedAt)))
		}
		return fmt.Errorf("drain: %d handlers still running: %w", remaining, ctx.Err())
	}
}

// ActiveConnections returns the number of flows being served
func (s *Server) ActiveConnections() int64 {
	return s.limiter.Count()
}
