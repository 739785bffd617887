// Copyright 2024 The hpfeeds-go Authors
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


// Package monitor runs health checks against the broker's dependencies and
// serves them, together with a snapshot of live sessions, over HTTP.
package monitor

import (
	"context"
	"fmt"
	"log/slog"
	"runtime"
	"sort"
	"sync"
	"time"
)

// CheckTimeout bounds a single health check.
const CheckTimeout = 5 * time.Second

// Check reports an unhealthy dependency by returning an error.
type Check func(ctx context.Context) error

type healthCheck struct {
	check       Check
	critical    bool
	lastChecked time.Time
	lastErr     error
}

// CheckResult is the outcome of one check.
type CheckResult struct {
	Status      string    `json:"status"`
	LastChecked time.Time `json:"last_checked"`
	Message     string    `json:"message,omitempty"`
	Critical    bool      `json:"critical"`
}

// HealthStatus is the aggregated result of every check.
type HealthStatus struct {
	Status     string                 `json:"status"`
	Timestamp  time.Time              `json:"timestamp"`
	Uptime     int64                  `json:"uptime"`
	Version    string                 `json:"version"`
	Checks     map[string]CheckResult `json:"checks"`
	SystemInfo SystemInfo             `json:"system_info"`
}

// SystemInfo describes the running process.
type SystemInfo struct {
	Goroutines int    `json:"goroutines"`
	HeapAlloc  uint64 `json:"heap_alloc"`
	Sys        uint64 `json:"sys"`
	NumGC      uint32 `json:"num_gc"`
	GoVersion  string `json:"go_version"`
	NumCPU     int    `json:"num_cpu"`
}

// HealthChecker runs registered checks. The process is healthy while every
// critical check passes.
type HealthChecker struct {
	version string
	started time.Time

	mu        sync.RWMutex
	healthy   bool
	lastCheck time.Time
	checks    map[string]*healthCheck
}

// NewHealthChecker creates a checker with a non-critical goroutine check.
func NewHealthChecker(version string) *HealthChecker {
	hc := &HealthChecker{
		version: version,
		started: time.Now(),
		healthy: true,
		checks:  make(map[string]*healthCheck),
	}
	hc.RegisterCheck("goroutines", func(context.Context) error {
		if n := runtime.NumGoroutine(); n > 100000 {
			return fmt.Errorf("high goroutine count: %d", n)
		}
		return nil
	}, false)
	return hc
}

// RegisterCheck adds or replaces the check called name.
func (hc *HealthChecker) RegisterCheck(name string, check Check, critical bool) {
	hc.mu.Lock()
	defer hc.mu.Unlock()
	hc.checks[name] = &healthCheck{check: check, critical: critical}
}

// UnregisterCheck removes the check called name.
func (hc *HealthChecker) UnregisterCheck(name string) {
	hc.mu.Lock()
	defer hc.mu.Unlock()
	delete(hc.checks, name)
}

// RunChecks runs every check and returns the new status. Checks run one at a
// time, each bounded by CheckTimeout.
func (hc *HealthChecker) RunChecks(ctx context.Context) HealthStatus {
	hc.mu.RLock()
	names := make([]string, 0, len(hc.checks))
	for name := range hc.checks {
		names = append(names, name)
	}
	hc.mu.RUnlock()
	sort.Strings(names)

	type outcome struct {
		name string
		err  error
	}
	results := make([]outcome, 0, len(names))
	for _, name := range names {
		hc.mu.RLock()
		hcheck, ok := hc.checks[name]
		hc.mu.RUnlock()
		if !ok {
			continue
		}
		cctx, cancel := context.WithTimeout(ctx, CheckTimeout)
		start := time.Now()
		err := hcheck.check(cctx)
		cancel()
		if d := time.Since(start); d > time.Second {
			slog.Warn("slow health check", "check", name, "duration", d)
		}
		results = append(results, outcome{name, err})
	}

	now := time.Now()
	hc.mu.Lock()
	healthy := true
	for _, r := range results {
		hcheck, ok := hc.checks[r.name]
		if !ok {
			continue
		}
		hcheck.lastChecked = now
		hcheck.lastErr = r.err
		if r.err != nil && hcheck.critical {
			healthy = false
		}
	}
	if hc.healthy && !healthy {
		slog.Warn("health check failed", "checks", failedNames(hc.checks))
	}
	hc.healthy = healthy
	hc.lastCheck = now
	hc.mu.Unlock()

	return hc.GetStatus()
}

// GetStatus returns the result of the last run without running checks.
func (hc *HealthChecker) GetStatus() HealthStatus {
	hc.mu.RLock()
	defer hc.mu.RUnlock()

	checks := make(map[string]CheckResult, len(hc.checks))
	for name, c := range hc.checks {
		r := CheckResult{Status: "unknown", LastChecked: c.lastChecked, Critical: c.critical}
		if !c.lastChecked.IsZero() {
			r.Status = "passed"
			if c.lastErr != nil {
				r.Status = "failed"
				r.Message = c.lastErr.Error()
			}
		}
		checks[name] = r
	}

	status := "healthy"
	if !hc.healthy {
		status = "unhealthy"
	}
	return HealthStatus{
		Status:     status,
		Timestamp:  hc.lastCheck,
		Uptime:     int64(time.Since(hc.started).Seconds()),
		Version:    hc.version,
		Checks:     checks,
		SystemInfo: systemInfo(),
	}
}

// IsHealthy reports the result of the last run.
func (hc *HealthChecker) IsHealthy() bool {
	hc.mu.RLock()
	defer hc.mu.RUnlock()
	return hc.healthy
}

// Run executes the checks every interval until ctx is cancelled.
func (hc *HealthChecker) Run(ctx context.Context, interval time.Duration) error {
	hc.RunChecks(ctx)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			hc.RunChecks(ctx)
		}
	}
}

func failedNames(checks map[string]*healthCheck) []string {
	var out []string
	for name, c := range checks {
		if c.lastErr != nil {
			out = append(out, name)
		}
	}
	sort.Strings(out)
	return out
}

func systemInfo() SystemInfo {
	var m runtime.MemStats
	runtime.ReadMemStats(&m)
	return SystemInfo{
		Goroutines: runtime.NumGoroutine(),
		HeapAlloc:  m.HeapAlloc,
		Sys:        m.Sys,
		NumGC:      m.NumGC,
		GoVersion:  runtime.Version(),
		NumCPU:     runtime.NumCPU(),
	}
}
