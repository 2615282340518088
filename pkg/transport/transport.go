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

// Package transport provides reliable, ordered, message-oriented flows
// between a client and a server.
//
// A Flow carries whole messages of at most MaxMessageSize bytes; message
// boundaries are preserved end to end. Two implementations are provided:
// gRPC bidirectional streams for real networks and an in-process network
// for tests and embedding.
package transport

import (
	"context"
	"errors"
)

// MaxMessageSize is the largest message a flow will carry
const MaxMessageSize = 1024

var (
	// ErrClosed is returned when the flow or listener has been closed by either side
	ErrClosed = errors.New("transport: closed")

	// ErrMessageTooLarge is returned by Send for messages over MaxMessageSize
	ErrMessageTooLarge = errors.New("transport: message too large")
)

// Flow is one bidirectional message stream
type Flow interface {
	// ID returns a unique identifier for logging
	ID() string
	// RemoteAddr returns the peer address, if known
	RemoteAddr() string
	// Send transmits one whole message
	Send(ctx context.Context, msg []byte) error
	// Recv blocks until a message arrives, the flow ends, or ctx is done
	Recv(ctx context.Context) ([]byte, error)
	// Close releases the flow; pending and future Recv calls fail with ErrClosed
	Close() error
}

// Listener accepts incoming flows
type Listener interface {
	Accept(ctx context.Context) (Flow, error)
	Addr() string
	Close() error
}

// DialFunc opens a flow to addr
type DialFunc func(ctx context.Context, addr string) (Flow, error)
