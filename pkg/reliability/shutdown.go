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
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"flowKV/pkg/log"
)

// ShutdownHook 关闭钩子函数类型
type ShutdownHook func(ctx context.Context) error

// ShutdownPhase 关闭阶段
type ShutdownPhase int

const (
	// PhaseStopAccepting 停止接受新 flow（取消服务 context）
	PhaseStopAccepting ShutdownPhase = iota
	// PhaseDrainConnections 等待现有连接处理器退出
	PhaseDrainConnections
	// PhasePersistState 同步并关闭存储
	PhasePersistState
	// PhaseCloseResources 关闭监听器、指标服务、日志
	PhaseCloseResources
)

var shutdownPhases = []ShutdownPhase{
	PhaseStopAccepting,
	PhaseDrainConnections,
	PhasePersistState,
	PhaseCloseResources,
}

func (p ShutdownPhase) String() string {
	switch p {
	case PhaseStopAccepting:
		return "stop_accepting"
	case PhaseDrainConnections:
		return "drain_connections"
	case PhasePersistState:
		return "persist_state"
	case PhaseCloseResources:
		return "close_resources"
	default:
		return fmt.Sprintf("phase_%d", int(p))
	}
}

// GracefulShutdown 优雅关闭管理器
// 按阶段顺序执行钩子，同一阶段内的钩子并发执行；
// 某阶段失败或超时后仍继续后续阶段，保证资源被释放
type GracefulShutdown struct {
	mu      sync.RWMutex
	hooks   map[ShutdownPhase][]ShutdownHook
	timeout time.Duration

	done     chan struct{}
	finished chan struct{}
	err      error

	signals chan os.Signal
}

// NewGracefulShutdown 创建优雅关闭管理器
func NewGracefulShutdown(timeout time.Duration) *GracefulShutdown {
	if timeout <= 0 {
		timeout = 30 * time.Second // 默认 30 秒超时
	}

	return &GracefulShutdown{
		hooks:    make(map[ShutdownPhase][]ShutdownHook),
		timeout:  timeout,
		done:     make(chan struct{}),
		finished: make(chan struct{}),
		signals:  make(chan os.Signal, 1),
	}
}

// RegisterHook 注册关闭钩子
func (gs *GracefulShutdown) RegisterHook(phase ShutdownPhase, hook ShutdownHook) {
	gs.mu.Lock()
	defer gs.mu.Unlock()

	gs.hooks[phase] = append(gs.hooks[phase], hook)
}

// Wait 等待 SIGINT/SIGTERM 或 ctx 结束，然后执行关闭
func (gs *GracefulShutdown) Wait(ctx context.Context) error {
	signal.Notify(gs.signals, syscall.SIGTERM, syscall.SIGINT)
	defer signal.Stop(gs.signals)

	select {
	case sig := <-gs.signals:
		log.Info("Received shutdown signal",
			log.String("signal", sig.String()),
			log.Component("shutdown"))
	case <-ctx.Done():
		log.Info("Shutdown requested",
			log.Err(ctx.Err()),
			log.Component("shutdown"))
	case <-gs.done:
		// 已由其他调用方触发
	}
	return gs.Shutdown()
}

// Shutdown 执行优雅关闭，重复调用会等待第一次关闭完成并返回相同结果
func (gs *GracefulShutdown) Shutdown() error {
	gs.mu.Lock()
	select {
	case <-gs.done:
		gs.mu.Unlock()
		<-gs.finished
		return gs.err
	default:
		close(gs.done)
	}
	gs.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), gs.timeout)
	defer cancel()

	start := time.Now()
	var errs []error
	for _, phase := range shutdownPhases {
		log.Info("Shutdown phase started",
			log.Phase(phase.String()),
			log.Component("shutdown"))

		gs.mu.RLock()
		hooks := gs.hooks[phase]
		gs.mu.RUnlock()

		if err := gs.executeHooks(ctx, hooks, phase); err != nil {
			log.Error("Shutdown phase failed",
				log.Phase(phase.String()),
				log.Err(err),
				log.Component("shutdown"))
			errs = append(errs, err)
		}
	}

	gs.err = errors.Join(errs...)
	close(gs.finished)

	log.Info("Graceful shutdown completed",
		log.Duration("duration", time.Since(start)),
		log.Int("failed_phases", len(errs)),
		log.Component("shutdown"))
	return gs.err
}

// executeHooks 并发执行一个阶段的钩子
func (gs *GracefulShutdown) executeHooks(ctx context.Context, hooks []ShutdownHook, phase ShutdownPhase) error {
	if len(hooks) == 0 {
		return nil
	}

	var wg sync.WaitGroup
	errChan := make(chan error, len(hooks))

	for i, hook := range hooks {
		wg.Add(1)
		go func(idx int, h ShutdownHook) {
			defer wg.Done()
			err := CatchPanic(fmt.Sprintf("shutdown-hook-%s-%d", phase, idx), func() error {
				return h(ctx)
			})
			if err != nil {
				errChan <- fmt.Errorf("hook %d failed: %w", idx, err)
			}
		}(i, hook)
	}

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		close(errChan)
		var errs []error
		for err := range errChan {
			errs = append(errs, err)
		}
		if len(errs) > 0 {
			return fmt.Errorf("phase %s: %w", phase, errors.Join(errs...))
		}
		return nil

	case <-ctx.Done():
		return fmt.Errorf("phase %s timeout: %w", phase, ctx.Err())
	}
}

// Done 返回关闭开始的 channel
func (gs *GracefulShutdown) Done() <-chan struct{} {
	return gs.done
}

// IsShuttingDown 检查是否正在关闭
func (gs *GracefulShutdown) IsShuttingDown() bool {
	select {
	case <-gs.done:
		return true
	default:
		return false
	}
}
