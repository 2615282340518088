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

// Package client talks to a flowKV server over one flow and drives
// randomized read/write traffic against it.
package client

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"flowKV/internal/protocol"
	"flowKV/pkg/log"
	"flowKV/pkg/transport"
)

// ErrUnexpectedResponse is returned when the response variant does not fit the request
var ErrUnexpectedResponse = errors.New("client: unexpected response")

// RemoteError carries the message of an Error response
type RemoteError struct {
	Message string
}

func (e *RemoteError) Error() string {
	return "server error: " + e.Message
}

// Client issues requests over one flow. Requests are sent one at a time,
// each waiting for its response before the next is sent.
type Client struct {
	flow   transport.Flow
	logger *zap.Logger

	mu     sync.Mutex
	broken error // set when a response may still be in flight
}

// New wraps an open flow
func New(flow transport.Flow, logger *zap.Logger) *Client {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Client{
		flow:   flow,
		logger: logger.With(log.FlowID(flow.ID())),
	}
}

// Dial opens a flow to addr and wraps it
func Dial(ctx context.Context, addr string, dial transport.DialFunc, logger *zap.Logger) (*Client, error) {
	flow, err := dial(ctx, addr)
	if err != nil {
		return nil, fmt.Errorf("client: dial %s: %w", addr, err)
	}
	c := New(flow, logger)
	c.logger.Info("connected", zap.String("address", addr))
	return c, nil
}

// Do sends req and waits for its response
func (c *Client) Do(ctx context.Context, req protocol.Request) (protocol.Response, error) {
	data, err := protocol.EncodeRequest(req)
	if err != nil {
		return protocol.Response{}, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.broken != nil {
		return protocol.Response{}, c.broken
	}

	if err := c.flow.Send(ctx, data); err != nil {
		return protocol.Response{}, fmt.Errorf("client: send %s: %w", req, err)
	}

	msg, err := c.flow.Recv(ctx)
	if err != nil {
		// 响应可能仍在路上，后续请求会错位，不再复用该 flow
		c.broken = fmt.Errorf("client: flow unusable after failed receive: %w", err)
		c.flow.Close()
		return protocol.Response{}, fmt.Errorf("client: recv %s: %w", req, err)
	}

	resp, err := protocol.DecodeResponse(msg)
	if err != nil {
		return protocol.Response{}, err
	}

	c.logger.Debug("request done", log.Op(string(req.Kind)), log.KeyString(req.Key), zap.Stringer("response", resp))
	return resp, nil
}

// Write stores key -> value on the server
func (c *Client) Write(ctx context.Context, key, value string) error {
	resp, err := c.Do(ctx, protocol.NewWrite(key, value))
	if err != nil {
		return err
	}

	switch resp.Kind {
	case protocol.KindOK:
		return nil
	case protocol.KindError:
		return &RemoteError{Message: resp.Message}
	default:
		return fmt.Errorf("%w: %s to write", ErrUnexpectedResponse, resp)
	}
}

// Read fetches the value of key; ok is false when the key is unknown
func (c *Client) Read(ctx context.Context, key string) (value string, ok bool, err error) {
	resp, err := c.Do(ctx, protocol.NewRead(key))
	if err != nil {
		return "", false, err
	}

	switch resp.Kind {
	case protocol.KindValue:
		return resp.Value, true, nil
	case protocol.KindNotFound:
		return "", false, nil
	case protocol.KindError:
		return "", false, &RemoteError{Message: resp.Message}
	default:
		return "", false, fmt.Errorf("%w: %s to read", ErrUnexpectedResponse, resp)
	}
}

// Close closes the flow
func (c *Client) Close() error {
	return c.flow.Close()
}
