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

package log

import (
	"time"

	"go.uber.org/zap"
)

// 常用字段构造函数

// String 字符串字段
func String(key, val string) zap.Field {
	return zap.String(key, val)
}

// Int 整数字段
func Int(key string, val int) zap.Field {
	return zap.Int(key, val)
}

// Duration 时间间隔字段
func Duration(key string, val time.Duration) zap.Field {
	return zap.Duration(key, val)
}

// Err 错误字段
func Err(err error) zap.Field {
	return zap.Error(err)
}

// 业务相关字段

// KeyString KV 存储的键
func KeyString(key string) zap.Field {
	return zap.String("key", key)
}

// ValueString KV 存储的值
func ValueString(value string) zap.Field {
	// 如果值太大，只记录长度
	if len(value) > 256 {
		return zap.Int("value_size", len(value))
	}
	return zap.String("value", value)
}

// Op 请求类型（Write / Read）
func Op(op string) zap.Field {
	return zap.String("op", op)
}

// FlowID 传输层 flow 标识
func FlowID(id string) zap.Field {
	return zap.String("flow_id", id)
}

// RemoteAddr 远程地址
func RemoteAddr(addr string) zap.Field {
	return zap.String("remote_addr", addr)
}

// Path 文件路径
func Path(path string) zap.Field {
	return zap.String("path", path)
}

// Component 组件名
func Component(name string) zap.Field {
	return zap.String("component", name)
}

// Phase 阶段
func Phase(phase string) zap.Field {
	return zap.String("phase", phase)
}

// Count 计数
func Count(count int64) zap.Field {
	return zap.Int64("count", count)
}

// Goroutine goroutine 名称
func Goroutine(name string) zap.Field {
	return zap.String("goroutine", name)
}
