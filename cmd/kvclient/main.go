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
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"flowKV/internal/client"
	"flowKV/pkg/config"
	"flowKV/pkg/log"
	"flowKV/pkg/transport"
)

func main() {
	configPath := flag.String("config", "configs/flowkv.yaml", "path to the YAML config file")
	serverAddr := flag.String("server", "", "override client.server_address")
	seed := flag.Uint64("seed", 0, "random seed, 0 picks one")
	flag.Parse()

	cfg, err := config.LoadConfigOrDefault(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}
	if *serverAddr != "" {
		cfg.Client.ServerAddress = *serverAddr
	}

	if err := log.InitFromConfig(&cfg.Client.Log); err != nil {
		fmt.Fprintf(os.Stderr, "failed to init logger: %v\n", err)
		os.Exit(1)
	}
	logger := log.GetLogger().Named("kvclient").Zap()
	defer log.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	dialCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	c, err := client.Dial(dialCtx, cfg.Client.ServerAddress, transport.GRPCDialer(), logger)
	cancel()
	if err != nil {
		logger.Error("failed to connect", zap.Error(err))
		_ = log.Sync()
		os.Exit(1)
	}
	defer c.Close()

	d := client.NewDriver(c, client.DriverConfig{
		WriteRatio:  cfg.Client.WriteRatio,
		KeyLength:   cfg.Client.KeyLength,
		ValueLength: cfg.Client.ValueLength,
		Interval:    cfg.Client.Interval,
		Seed:        *seed,
	}, logger.Named("driver"))

	if err := d.Run(ctx); err != nil {
		logger.Error("client stopped", zap.Error(err))
		c.Close()
		_ = log.Sync()
		os.Exit(1)
	}
}
