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
	"fmt"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"flowKV/internal/protocol"
	"flowKV/pkg/log"
	"flowKV/pkg/metrics"
	"flowKV/pkg/transport"
)

// Store is the key-value state shared by all handlers
type Store interface {
	Write(key, value string) error
	Read(key string) (string, bool)
}

// keyCounter is implemented by stores that can report their size
type keyCounter interface {
	Len() int
}

const tooLargeMessage = "response exceeds maximum message size"

// Handler serves one flow at a time: receive, decode, dispatch, encode, send.
// Requests on a flow are handled strictly in order, one at a time.
type Handler struct {
	store   Store
	logger  *zap.Logger
	metrics *metrics.Metrics

	rateLimitQPS   int
	rateLimitBurst int
}

// NewHandler creates a handler. logger and m may be nil.
func NewHandler(store Store, logger *zap.Logger, m *metrics.Metrics) *Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Handler{
		store:   store,
		logger:  logger,
		metrics: m,
	}
}

// SetRateLimit enables a per-flow token bucket; qps <= 0 disables it
func (h *Handler) SetRateLimit(qps, burst int) {
	if burst <= 0 {
		burst = qps
	}
	h.rateLimitQPS = qps
	h.rateLimitBurst = burst
}

// Serve runs the request loop until the peer goes away, a send fails or
// ctx is cancelled. A clean disconnect or cancellation returns nil.
func (h *Handler) Serve(ctx context.Context, flow transport.Flow) error {
	logger := h.logger.With(log.FlowID(flow.ID()), log.RemoteAddr(flow.RemoteAddr()))

	var limiter *rate.Limiter
	if h.rateLimitQPS > 0 {
		limiter = rate.NewLimiter(rate.Limit(h.rateLimitQPS), h.rateLimitBurst)
	}

	for {
		msg, err := flow.Recv(ctx)
		if err != nil {
			if isDisconnect(ctx, err) {
				logger.Debug("flow finished", zap.Error(err))
				return nil
			}
			logger.Warn("receive failed", zap.Error(err))
			return fmt.Errorf("recv: %w", err)
		}

		if limiter != nil && !limiter.Allow() {
			if h.metrics != nil {
				h.metrics.RecordRateLimitWait()
			}
			if err := limiter.Wait(ctx); err != nil {
				logger.Debug("throttle wait interrupted", zap.Error(err))
				return nil
			}
		}

		start := time.Now()
		req, err := protocol.DecodeRequest(msg)
		if err != nil {
			// 无法解析的消息不回复，继续等待下一条
			logger.Warn("dropping malformed message", zap.Int("size", len(msg)), zap.Error(err))
			if h.metrics != nil {
				h.metrics.RecordMalformedMessage()
			}
			continue
		}

		resp, result := h.dispatch(logger, req)
		data, err := protocol.EncodeResponse(resp)
		if err != nil {
			logger.Warn("response not encodable", log.Op(string(req.Kind)), zap.Error(err))
			result = "too_large"
			if data, err = protocol.EncodeResponse(protocol.Errorf(tooLargeMessage)); err != nil {
				return fmt.Errorf("encode: %w", err)
			}
		}

		if err := flow.Send(ctx, data); err != nil {
			if isDisconnect(ctx, err) {
				logger.Debug("flow closed while sending", zap.Error(err))
				return nil
			}
			logger.Warn("send failed", zap.Error(err))
			return fmt.Errorf("send: %w", err)
		}

		if h.metrics != nil {
			h.metrics.RecordRequest(opLabel(req.Kind), result, time.Since(start))
		}
	}
}

// dispatch applies one request to the store and returns the response
// together with a metrics result label
func (h *Handler) dispatch(logger *zap.Logger, req protocol.Request) (protocol.Response, string) {
	switch req.Kind {
	case protocol.KindWrite:
		if err := h.store.Write(req.Key, req.Value); err != nil {
			logger.Error("write failed", log.KeyString(req.Key), zap.Error(err))
			return protocol.Errorf("%v", err), "error"
		}
		logger.Debug("write", log.KeyString(req.Key), log.ValueString(req.Value))
		if kc, ok := h.store.(keyCounter); ok && h.metrics != nil {
			h.metrics.SetKeys(kc.Len())
		}
		return protocol.OK(), "ok"

	case protocol.KindRead:
		value, ok := h.store.Read(req.Key)
		logger.Debug("read", log.KeyString(req.Key), zap.Bool("found", ok))
		if !ok {
			return protocol.NotFound(), "not_found"
		}
		return protocol.Found(value), "found"

	default:
		return protocol.Errorf("unsupported request %q", string(req.Kind)), "error"
	}
}

func isDisconnect(ctx context.Context, err error) bool {
	return errors.Is(err, transport.ErrClosed) ||
		errors.Is(err, context.Canceled) ||
		errors.Is(err, context.DeadlineExceeded) ||
		ctx.Err() != nil
}

func opLabel(kind protocol.RequestKind) string {
	switch kind {
	case protocol.KindWrite:
		return "write"
	case protocol.KindRead:
		return "read"
	default:
		return "unknown"
	}
}
