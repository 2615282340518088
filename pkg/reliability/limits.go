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

package reliability

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"
)

// ErrConnectionLimit 连接数超过上限
var ErrConnectionLimit = errors.New("connection limit exceeded")

// Connection 连接信息
type Connection struct {
	ID         string
	RemoteAddr string
	CreatedAt  time.Time
}

// ConnectionLimiter 限制并发连接数并记录活跃连接
type ConnectionLimiter struct {
	max int64

	mu          sync.Mutex
	connections map[string]Connection
}

// NewConnectionLimiter 创建连接限制器，max <= 0 表示不限制
func NewConnectionLimiter(max int64) *ConnectionLimiter {
	return &ConnectionLimiter{
		max:         max,
		connections: make(map[string]Connection),
	}
}

// Acquire 获取连接许可
func (cl *ConnectionLimiter) Acquire(connID, remoteAddr string) error {
	cl.mu.Lock()
	defer cl.mu.Unlock()

	current := int64(len(cl.connections))
	if cl.max > 0 && current >= cl.max {
		return fmt.Errorf("%w: %d/%d", ErrConnectionLimit, current, cl.max)
	}

	cl.connections[connID] = Connection{
		ID:         connID,
		RemoteAddr: remoteAddr,
		CreatedAt:  time.Now(),
	}
	return nil
}

// Release 释放连接，未知 ID 忽略
func (cl *ConnectionLimiter) Release(connID string) {
	cl.mu.Lock()
	delete(cl.connections, connID)
	cl.mu.Unlock()
}

// Count 当前连接数
func (cl *ConnectionLimiter) Count() int64 {
	cl.mu.Lock()
	defer cl.mu.Unlock()
	return int64(len(cl.connections))
}

// Max 连接上限
func (cl *ConnectionLimiter) Max() int64 {
	return cl.max
}

// Connections 活跃连接快照，按建立时间排序
func (cl *ConnectionLimiter) Connections() []Connection {
	cl.mu.Lock()
	conns := make([]Connection, 0, len(cl.connections))
	for _, c := range cl.connections {
		conns = append(conns, c)
	}
	cl.mu.Unlock()

	sort.Slice(conns, func(i, j int) bool {
		return conns[i].CreatedAt.Before(conns[j].CreatedAt)
	})
	return conns
}
