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

package health

import (
	"context"
	"fmt"
)

const bytesPerGB = 1024 * 1024 * 1024

// StoreChecker checks if the KV store is operational
type StoreChecker struct {
	name      string
	checkFunc func(context.Context) error
}

// NewStoreChecker creates a store health checker
func NewStoreChecker(name string, checkFunc func(context.Context) error) *StoreChecker {
	return &StoreChecker{
		name:      name,
		checkFunc: checkFunc,
	}
}

func (sc *StoreChecker) Name() string {
	return sc.name
}

func (sc *StoreChecker) Check(ctx context.Context) (Status, string, error) {
	if err := sc.checkFunc(ctx); err != nil {
		return StatusUnhealthy, fmt.Sprintf("store check failed: %v", err), err
	}
	return StatusHealthy, "store is operational", nil
}

// ConnectionsChecker reports degraded when the server is close to its
// connection limit
type ConnectionsChecker struct {
	name        string
	active      func() int64
	max         int64
	warnPercent float64
}

// NewConnectionsChecker creates a connection usage checker.
// max <= 0 means unlimited and the check is always healthy.
func NewConnectionsChecker(name string, active func() int64, max int64, warnPercent float64) *ConnectionsChecker {
	return &ConnectionsChecker{
		name:        name,
		active:      active,
		max:         max,
		warnPercent: warnPercent,
	}
}

func (cc *ConnectionsChecker) Name() string {
	return cc.name
}

func (cc *ConnectionsChecker) Check(ctx context.Context) (Status, string, error) {
	active := cc.active()
	if cc.max <= 0 {
		return StatusHealthy, fmt.Sprintf("%d active connections", active), nil
	}

	message := fmt.Sprintf("%d/%d connections", active, cc.max)
	if float64(active)/float64(cc.max)*100 >= cc.warnPercent {
		return StatusDegraded, "near connection limit: " + message, nil
	}
	return StatusHealthy, message, nil
}

// DiskUsage describes a filesystem
type DiskUsage struct {
	TotalGB     float64
	FreeGB      float64
	UsedPercent float64
}

func newDiskUsage(totalBytes, freeBytes uint64) DiskUsage {
	u := DiskUsage{
		TotalGB: float64(totalBytes) / bytesPerGB,
		FreeGB:  float64(freeBytes) / bytesPerGB,
	}
	if totalBytes > 0 {
		u.UsedPercent = float64(totalBytes-freeBytes) / float64(totalBytes) * 100
	}
	return u
}

// DiskSpaceChecker checks available disk space where the log lives
type DiskSpaceChecker struct {
	name          string
	path          string
	minFreeGB     float64
	warnThreshold float64 // Warning threshold in percentage (e.g., 80 for 80%)

	usage func(path string) (DiskUsage, error)
}

// NewDiskSpaceChecker creates a disk space checker
func NewDiskSpaceChecker(name string, path string, minFreeGB float64, warnThreshold float64) *DiskSpaceChecker {
	return &DiskSpaceChecker{
		name:          name,
		path:          path,
		minFreeGB:     minFreeGB,
		warnThreshold: warnThreshold,
		usage:         getDiskUsage,
	}
}

func (dsc *DiskSpaceChecker) Name() string {
	return dsc.name
}

func (dsc *DiskSpaceChecker) Check(ctx context.Context) (Status, string, error) {
	u, err := dsc.usage(dsc.path)
	if err != nil {
		return StatusUnhealthy, fmt.Sprintf("failed to get disk usage: %v", err), err
	}

	message := fmt.Sprintf("%.1fGB free of %.1fGB (%.1f%% used)", u.FreeGB, u.TotalGB, u.UsedPercent)

	if u.FreeGB < dsc.minFreeGB {
		return StatusUnhealthy, fmt.Sprintf("disk space critical: %s", message), nil
	}

	if u.UsedPercent > dsc.warnThreshold {
		return StatusDegraded, fmt.Sprintf("disk space low: %s", message), nil
	}

	return StatusHealthy, message, nil
}
