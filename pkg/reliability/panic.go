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
	"runtime/debug"
	"sync"
	"sync/atomic"

	"flowKV/pkg/log"
)

// ErrPanicRecovered 由 CatchPanic 在 fn panic 时返回
var ErrPanicRecovered = errors.New("panic recovered")

var (
	// panicCounter 全局 panic 计数器
	panicCounter int64

	handlerMu    sync.RWMutex
	panicHandler func(goroutineName string, panicValue interface{}, stack []byte)
)

// SetPanicHandler 设置全局 panic 处理器（例如上报指标），传 nil 清除
func SetPanicHandler(h func(goroutineName string, panicValue interface{}, stack []byte)) {
	handlerMu.Lock()
	panicHandler = h
	handlerMu.Unlock()
}

func handlePanic(goroutineName string, r interface{}) {
	atomic.AddInt64(&panicCounter, 1)
	stack := debug.Stack()

	log.Error("Panic recovered",
		log.Goroutine(goroutineName),
		log.String("panic_value", fmt.Sprintf("%v", r)),
		log.String("stack", string(stack)),
		log.Component("panic-recovery"))

	handlerMu.RLock()
	h := panicHandler
	handlerMu.RUnlock()
	if h != nil {
		h(goroutineName, r, stack)
	}
}

// RecoverPanic 恢复 panic 的通用函数
// 应在所有 goroutine 开头使用 defer RecoverPanic("goroutine-name")
func RecoverPanic(goroutineName string) {
	if r := recover(); r != nil {
		handlePanic(goroutineName, r)
	}
}

// SafeGo 安全启动 goroutine，自动恢复 panic
func SafeGo(name string, fn func()) {
	go func() {
		defer RecoverPanic(name)
		fn()
	}()
}

// CatchPanic 执行 fn，panic 转换为 ErrPanicRecovered 错误返回
func CatchPanic(name string, fn func() error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			handlePanic(name, r)
			err = fmt.Errorf("%w in %s: %v", ErrPanicRecovered, name, r)
		}
	}()

	return fn()
}

// GetPanicCount 获取 panic 计数
func GetPanicCount() int64 {
	return atomic.LoadInt64(&panicCounter)
}

// ResetPanicCount 重置 panic 计数
func ResetPanicCount() {
	atomic.StoreInt64(&panicCounter, 0)
}
