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

package client

import (
	"context"
	"errors"
	"math/rand/v2"
	"sync"
	"time"

	"go.uber.org/zap"

	"flowKV/pkg/log"
)

const alphanumeric = "abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"

// KV is the request surface the driver needs; *Client implements it
type KV interface {
	Write(ctx context.Context, key, value string) error
	Read(ctx context.Context, key string) (string, bool, error)
}

// DriverConfig controls the generated traffic
type DriverConfig struct {
	WriteRatio  float64       // probability that an iteration writes
	KeyLength   int           // length of generated keys
	ValueLength int           // length of generated values
	Interval    time.Duration // pause between iterations
	Seed        uint64        // 0 picks a random seed
}

// DefaultDriverConfig 默认流量配置
func DefaultDriverConfig() DriverConfig {
	return DriverConfig{
		WriteRatio:  0.7,
		KeyLength:   8,
		ValueLength: 16,
		Interval:    time.Second,
	}
}

// Stats counts driver outcomes
type Stats struct {
	Writes     int64
	Reads      int64
	Failures   int64
	Mismatches int64
}

// Driver issues random writes of fresh keys and reads of keys it wrote
// earlier, checking that each read returns the value it last wrote.
type Driver struct {
	kv     KV
	cfg    DriverConfig
	logger *zap.Logger
	rng    *rand.Rand

	mu     sync.Mutex
	keys   []string
	values map[string]string
	stats  Stats
}

// NewDriver creates a driver
func NewDriver(kv KV, cfg DriverConfig, logger *zap.Logger) *Driver {
	def := DefaultDriverConfig()
	if cfg.KeyLength <= 0 {
		cfg.KeyLength = def.KeyLength
	}
	if cfg.ValueLength <= 0 {
		cfg.ValueLength = def.ValueLength
	}
	if cfg.Interval < 0 {
		cfg.Interval = 0
	}
	seed := cfg.Seed
	if seed == 0 {
		seed = rand.Uint64()
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	return &Driver{
		kv:     kv,
		cfg:    cfg,
		logger: logger,
		rng:    rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15)),
		values: make(map[string]string),
	}
}

// Run steps until ctx is cancelled, sleeping Interval between steps.
// Errors other than an Error response end the run.
func (d *Driver) Run(ctx context.Context) error {
	d.logger.Info("driver started",
		zap.Float64("write_ratio", d.cfg.WriteRatio),
		zap.Duration("interval", d.cfg.Interval))

	timer := time.NewTimer(0)
	defer timer.Stop()
	<-timer.C

	for {
		if err := d.Step(ctx); err != nil {
			if ctx.Err() != nil {
				break
			}
			d.logger.Error("driver stopped", zap.Error(err))
			return err
		}

		timer.Reset(d.cfg.Interval)
		select {
		case <-timer.C:
		case <-ctx.Done():
		}
		if ctx.Err() != nil {
			break
		}
	}

	s := d.Stats()
	d.logger.Info("driver finished",
		zap.Int64("writes", s.Writes),
		zap.Int64("reads", s.Reads),
		zap.Int64("failures", s.Failures),
		zap.Int64("mismatches", s.Mismatches))
	return nil
}

// Step performs one iteration: a write with probability WriteRatio,
// otherwise a read of a remembered key (nothing if none yet).
// Step is not safe for concurrent use.
func (d *Driver) Step(ctx context.Context) error {
	if d.rng.Float64() < d.cfg.WriteRatio {
		return d.write(ctx)
	}
	return d.read(ctx)
}

func (d *Driver) write(ctx context.Context) error {
	key := d.randomString(d.cfg.KeyLength)
	value := d.randomString(d.cfg.ValueLength)

	if err := d.kv.Write(ctx, key, value); err != nil {
		return d.fail("write", key, err)
	}

	d.mu.Lock()
	if _, seen := d.values[key]; !seen {
		d.keys = append(d.keys, key)
	}
	d.values[key] = value
	d.stats.Writes++
	d.mu.Unlock()

	d.logger.Info("wrote", log.KeyString(key), log.ValueString(value))
	return nil
}

func (d *Driver) read(ctx context.Context) error {
	d.mu.Lock()
	if len(d.keys) == 0 {
		d.mu.Unlock()
		return nil
	}
	key := d.keys[d.rng.IntN(len(d.keys))]
	want := d.values[key]
	d.mu.Unlock()

	value, ok, err := d.kv.Read(ctx, key)
	if err != nil {
		return d.fail("read", key, err)
	}

	d.mu.Lock()
	d.stats.Reads++
	mismatch := !ok || value != want
	if mismatch {
		d.stats.Mismatches++
	}
	d.mu.Unlock()

	if mismatch {
		d.logger.Error("read returned unexpected value",
			log.KeyString(key),
			zap.Bool("found", ok),
			zap.String("want", want),
			zap.String("got", value))
		return nil
	}
	d.logger.Info("read", log.KeyString(key), log.ValueString(value))
	return nil
}

// fail counts a failed request; Error responses are tolerated, anything
// else is returned
func (d *Driver) fail(op, key string, err error) error {
	d.mu.Lock()
	d.stats.Failures++
	d.mu.Unlock()

	var remote *RemoteError
	if errors.As(err, &remote) {
		d.logger.Warn("request rejected by server", log.Op(op), log.KeyString(key), zap.Error(err))
		return nil
	}
	return err
}

func (d *Driver) randomString(n int) string {
	b := make([]byte, n)
	for i := range b {
		b[i] = alphanumeric[d.rng.IntN(len(alphanumeric))]
	}
	return string(b)
}

// Stats returns a snapshot of the counters
func (d *Driver) Stats() Stats {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.stats
}

// Keys returns the remembered keys in first-write order
func (d *Driver) Keys() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]string(nil), d.keys...)
}
