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

package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.uber.org/zap"

	"flowKV/internal/server"
	"flowKV/internal/store"
	"flowKV/pkg/config"
	flowgrpc "flowKV/pkg/grpc"
	"flowKV/pkg/health"
	"flowKV/pkg/log"
	"flowKV/pkg/metrics"
	"flowKV/pkg/reliability"
	"flowKV/pkg/transport"
)

func main() {
	configPath := flag.String("config", "configs/flowkv.yaml", "path to the YAML config file")
	listenAddr := flag.String("listen", "", "override server.listen_address")
	storePath := flag.String("store", "", "override server.store.path")
	flag.Parse()

	cfg, err := config.LoadConfigOrDefault(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}
	if *listenAddr != "" {
		cfg.Server.ListenAddress = *listenAddr
	}
	if *storePath != "" {
		cfg.Server.Store.Path = *storePath
	}

	if err := log.InitFromConfig(&cfg.Server.Log); err != nil {
		fmt.Fprintf(os.Stderr, "failed to init logger: %v\n", err)
		os.Exit(1)
	}
	logger := log.GetLogger().Named("kvserver").Zap()

	if err := run(cfg, logger); err != nil {
		logger.Error("server exited with error", zap.Error(err))
		_ = log.Sync()
		os.Exit(1)
	}
}

func run(cfg *config.Config, logger *zap.Logger) error {
	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	m := metrics.New(registry)

	reliability.SetPanicHandler(func(name string, _ interface{}, _ []byte) {
		m.RecordPanicRecovered(name)
	})

	// 存储打不开则直接退出
	st, err := store.Open(cfg.Server.Store.Path,
		store.WithLogger(logger.Named("store")),
		store.WithObserver(m))
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	m.SetKeys(st.Len())

	srv := server.New(st,
		server.WithLogger(logger.Named("server")),
		server.WithMetrics(m),
		server.WithMaxConnections(cfg.Server.Limits.MaxConnections),
		server.WithRateLimit(cfg.Server.Limits.RateLimitQPS, cfg.Server.Limits.RateLimitBurst),
		server.WithPanicRecovery(cfg.Server.Reliability.EnablePanicRecovery),
	)

	// 健康检查：HTTP 端点挂在指标服务上，同时通过 grpc.health.v1 暴露
	hs := health.NewHealthServer(logger.Named("health"))
	hs.RegisterChecker(health.NewStoreChecker("store", st.Check))
	hs.RegisterChecker(health.NewConnectionsChecker("connections",
		srv.ActiveConnections, int64(cfg.Server.Limits.MaxConnections), 90))
	hs.RegisterChecker(health.NewDiskSpaceChecker("disk",
		filepath.Dir(cfg.Server.Store.Path),
		float64(cfg.Server.Monitoring.MinFreeDiskGB),
		float64(cfg.Server.Monitoring.DiskWarnPercent)))
	reporter := health.NewGRPCReporter(hs, "flowkv.transport.Flow", 5*time.Second, logger.Named("health"))

	serverOpts := flowgrpc.NewServerOptionsBuilder(cfg, logger.Named("grpc")).WithMetrics(m).Build()
	grpcOpts := []transport.GRPCOption{
		transport.WithGRPCLogger(logger.Named("transport")),
		transport.WithServerOptions(serverOpts...),
	}
	if cfg.Server.Monitoring.EnableHealthCheck {
		grpcOpts = append(grpcOpts, transport.WithServices(reporter.Register))
	}

	lis, err := transport.ListenGRPC(cfg.Server.ListenAddress, grpcOpts...)
	if err != nil {
		st.Close()
		return fmt.Errorf("listen: %w", err)
	}

	var metricsServer *metrics.MetricsServer
	if cfg.Server.Monitoring.EnablePrometheus {
		metricsServer = metrics.NewMetricsServer(cfg.Server.Monitoring.MetricsAddress, registry, logger.Named("metrics"))
		if cfg.Server.Monitoring.EnableHealthCheck {
			hs.Mount(metricsServer)
		}
		reliability.SafeGo("metrics-server", func() {
			if err := metricsServer.Start(); err != nil {
				logger.Error("metrics server error", zap.Error(err))
			}
		})
	}

	serveCtx, stopAccepting := context.WithCancel(context.Background())
	defer stopAccepting()

	if cfg.Server.Monitoring.EnableHealthCheck {
		reliability.SafeGo("health-reporter", func() { reporter.Run(serveCtx) })
	}

	serveErr := make(chan error, 1)
	reliability.SafeGo("accept-loop", func() {
		serveErr <- srv.Serve(serveCtx, lis)
	})

	gs := reliability.NewGracefulShutdown(cfg.Server.Reliability.ShutdownTimeout)

	gs.RegisterHook(reliability.PhaseStopAccepting, func(ctx context.Context) error {
		log.Info("Shutdown phase: Stop accepting new flows",
			log.Phase("StopAccepting"),
			log.Component("server"))
		reporter.Server().Shutdown()
		stopAccepting()
		return nil
	})

	gs.RegisterHook(reliability.PhaseDrainConnections, func(ctx context.Context) error {
		log.Info("Shutdown phase: Drain existing flows",
			log.Phase("DrainConnections"),
			log.Component("server"),
			log.Count(srv.ActiveConnections()))
		drainCtx, cancel := context.WithTimeout(ctx, cfg.Server.Reliability.DrainTimeout)
		defer cancel()
		return srv.Wait(drainCtx)
	})

	gs.RegisterHook(reliability.PhasePersistState, func(ctx context.Context) error {
		log.Info("Shutdown phase: Persist state",
			log.Phase("PersistState"),
			log.Component("store"),
			log.Path(st.Path()))
		return st.Close()
	})

	gs.RegisterHook(reliability.PhaseCloseResources, func(ctx context.Context) error {
		log.Info("Shutdown phase: Close resources",
			log.Phase("CloseResources"),
			log.Component("server"))
		err := lis.Close()
		if metricsServer != nil {
			if serr := metricsServer.Shutdown(ctx); serr != nil && err == nil {
				err = serr
			}
		}
		_ = log.Sync()
		return err
	})

	logger.Info("flowKV server started",
		zap.String("listen_address", lis.Addr()),
		zap.String("store_path", st.Path()),
		zap.Int("keys", st.Len()))

	// 信号或 accept 循环异常退出都会触发关闭流程
	waitCtx, cancelWait := context.WithCancel(context.Background())
	defer cancelWait()
	acceptErr := make(chan error, 1)
	go func() {
		select {
		case err := <-serveErr:
			if err != nil {
				logger.Error("accept loop failed", zap.Error(err))
			}
			acceptErr <- err
			cancelWait()
		case <-gs.Done():
		}
	}()

	if err := gs.Wait(waitCtx); err != nil {
		return err
	}
	select {
	case err := <-acceptErr:
		return err
	default:
		return nil
	}
}
