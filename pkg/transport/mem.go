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

package transport

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"

	"flowKV/pkg/syncmap"
)

// memFlowBuffer 每个方向的缓冲消息数
const memFlowBuffer = 16

// MemNetwork 进程内网络，用于测试和嵌入式场景
type MemNetwork struct {
	listeners *syncmap.Map[string, *memListener]
}

// NewMemNetwork 创建进程内网络
func NewMemNetwork() *MemNetwork {
	return &MemNetwork{listeners: syncmap.NewMap[string, *memListener]()}
}

// Listen 在 addr 上监听
func (n *MemNetwork) Listen(addr string) (Listener, error) {
	l := &memListener{
		network: n,
		addr:    addr,
		acceptC: make(chan Flow),
		closed:  make(chan struct{}),
	}
	if _, loaded := n.listeners.LoadOrStore(addr, l); loaded {
		return nil, fmt.Errorf("transport: address %s already in use", addr)
	}
	return l, nil
}

// Addrs 当前监听中的地址
func (n *MemNetwork) Addrs() []string {
	return n.listeners.Keys()
}

// Dial 连接到 addr 上的监听器，满足 DialFunc
func (n *MemNetwork) Dial(ctx context.Context, addr string) (Flow, error) {
	l, ok := n.listeners.Load(addr)
	if !ok {
		return nil, fmt.Errorf("transport: dial %s: connection refused", addr)
	}

	client, server := newMemPair(addr)
	select {
	case l.acceptC <- server:
		return client, nil
	case <-l.closed:
		return nil, fmt.Errorf("transport: dial %s: %w", addr, ErrClosed)
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// remove 只删除仍指向 l 的注册，地址可能已被新的监听器占用
func (n *MemNetwork) remove(l *memListener) {
	n.listeners.CompareAndDelete(l.addr, l)
}

type memListener struct {
	network   *MemNetwork
	addr      string
	acceptC   chan Flow
	closed    chan struct{}
	closeOnce sync.Once
}

func (l *memListener) Accept(ctx context.Context) (Flow, error) {
	select {
	case f := <-l.acceptC:
		return f, nil
	case <-l.closed:
		return nil, ErrClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (l *memListener) Addr() string {
	return l.addr
}

func (l *memListener) Close() error {
	l.closeOnce.Do(func() {
		close(l.closed)
		l.network.remove(l)
	})
	return nil
}

// memFlow 一端的 flow
// 数据通道从不关闭，关闭通过 done/peerDone 通知，避免向已关闭通道发送
type memFlow struct {
	id        string
	remote    string
	inbox     <-chan []byte
	outbox    chan<- []byte
	done      chan struct{}
	peerDone  <-chan struct{}
	closeOnce sync.Once
}

func newMemPair(addr string) (client, server *memFlow) {
	c2s := make(chan []byte, memFlowBuffer)
	s2c := make(chan []byte, memFlowBuffer)
	clientDone := make(chan struct{})
	serverDone := make(chan struct{})

	client = &memFlow{
		id:       uuid.NewString(),
		remote:   addr,
		inbox:    s2c,
		outbox:   c2s,
		done:     clientDone,
		peerDone: serverDone,
	}
	server = &memFlow{
		id:       uuid.NewString(),
		remote:   "mem:" + client.id,
		inbox:    c2s,
		outbox:   s2c,
		done:     serverDone,
		peerDone: clientDone,
	}
	return client, server
}

func (f *memFlow) ID() string {
	return f.id
}

func (f *memFlow) RemoteAddr() string {
	return f.remote
}

func (f *memFlow) Send(ctx context.Context, msg []byte) error {
	if len(msg) > MaxMessageSize {
		return fmt.Errorf("%w: %d bytes", ErrMessageTooLarge, len(msg))
	}
	select {
	case <-f.done:
		return ErrClosed
	case <-f.peerDone:
		return ErrClosed
	default:
	}

	buf := append([]byte(nil), msg...)

	// 缓冲未满时直接投递
	select {
	case f.outbox <- buf:
		return nil
	default:
	}

	select {
	case f.outbox <- buf:
		return nil
	case <-f.done:
		return ErrClosed
	case <-f.peerDone:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (f *memFlow) Recv(ctx context.Context) ([]byte, error) {
	// 对端关闭前已发送的消息仍然可读
	select {
	case msg := <-f.inbox:
		return msg, nil
	default:
	}

	select {
	case msg := <-f.inbox:
		return msg, nil
	case <-f.done:
		return nil, ErrClosed
	case <-f.peerDone:
		select {
		case msg := <-f.inbox:
			return msg, nil
		default:
			return nil, ErrClosed
		}
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (f *memFlow) Close() error {
	f.closeOnce.Do(func() {
		close(f.done)
	})
	return nil
}
