// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package health runs periodic dependency checks (local database,
// internet, remote API) and aggregates them into an overall status.
// A single failed probe does not flip a check to failing; it takes a
// configurable streak of consecutive failures, which keeps transient
// blips from bouncing the degradation mode.
package health

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/AleutianAI/shiftlog/pkg/logging"
)

// Status is the aggregated health verdict.
type Status int

const (
	// StatusHealthy means every check is passing.
	StatusHealthy Status = iota

	// StatusDegraded means at least one non-critical check is failing.
	StatusDegraded

	// StatusUnhealthy means a critical check is failing.
	StatusUnhealthy
)

// String returns "healthy", "degraded", or "unhealthy".
func (s Status) String() string {
	switch s {
	case StatusHealthy:
		return "healthy"
	case StatusDegraded:
		return "degraded"
	case StatusUnhealthy:
		return "unhealthy"
	default:
		return "unknown"
	}
}

// CheckFunc probes one dependency. A nil return means healthy.
type CheckFunc func(ctx context.Context) error

// Result is the recorded outcome of one check.
type Result struct {
	Name                string
	Critical            bool
	LastError           string
	ConsecutiveFailures int
	LastChecked         time.Time
	Latency             time.Duration

	// Failing is true once ConsecutiveFailures reaches the checker's
	// failure threshold.
	Failing bool
}

// Snapshot is the aggregated state of all checks at one point in time.
type Snapshot struct {
	Overall Status
	Results map[string]Result
	Taken   time.Time
}

// FailingChecks returns the names of failing checks, sorted.
func (s Snapshot) FailingChecks() []string {
	var out []string
	for name, r := range s.Results {
		if r.Failing {
			out = append(out, name)
		}
	}
	sort.Strings(out)
	return out
}

// Options configures a Checker.
type Options struct {
	// Interval between monitoring rounds. Default 60s.
	Interval time.Duration
	// CheckTimeout bounds each individual check. Default 30s.
	CheckTimeout time.Duration
	// FailureThreshold is how many consecutive failures flip a check
	// to failing. Default 3.
	FailureThreshold int
	// OnChange, if set, is invoked outside the checker's lock whenever
	// the overall status changes or any single check flips between
	// passing and failing.
	OnChange func(Snapshot)
	Logger   *logging.Logger
}

type checkState struct {
	fn       CheckFunc
	critical bool
	result   Result
}

// Checker owns the registered checks and the monitoring loop.
//
// Thread Safety: safe for concurrent use.
type Checker struct {
	interval         time.Duration
	checkTimeout     time.Duration
	failureThreshold int
	onChange         func(Snapshot)
	log              *logging.Logger

	mu      sync.Mutex
	checks  map[string]*checkState
	overall Status

	cancel context.CancelFunc
	done   chan struct{}
}

// New creates a Checker with no checks registered.
func New(opts Options) *Checker {
	if opts.Interval <= 0 {
		opts.Interval = 60 * time.Second
	}
	if opts.CheckTimeout <= 0 {
		opts.CheckTimeout = 30 * time.Second
	}
	if opts.FailureThreshold <= 0 {
		opts.FailureThreshold = 3
	}
	if opts.Logger == nil {
		opts.Logger = logging.Default()
	}
	return &Checker{
		interval:         opts.Interval,
		checkTimeout:     opts.CheckTimeout,
		failureThreshold: opts.FailureThreshold,
		onChange:         opts.OnChange,
		log:              opts.Logger.With("component", "health"),
		checks:           make(map[string]*checkState),
		overall:          StatusHealthy,
	}
}

// Register adds a named check. Critical checks drive the overall status
// to unhealthy when failing; non-critical ones only degrade it.
// Registering an existing name replaces the check and resets its state.
func (c *Checker) Register(name string, critical bool, fn CheckFunc) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.checks[name] = &checkState{
		fn:       fn,
		critical: critical,
		result:   Result{Name: name, Critical: critical},
	}
}

// CheckAll runs every registered check once, concurrently, updates the
// stored results, and returns the new snapshot. The overall-status
// change callback fires from here when the verdict moves.
func (c *Checker) CheckAll(ctx context.Context) Snapshot {
	c.mu.Lock()
	names := make([]string, 0, len(c.checks))
	fns := make([]CheckFunc, 0, len(c.checks))
	for name, st := range c.checks {
		names = append(names, name)
		fns = append(fns, st.fn)
	}
	c.mu.Unlock()

	type outcome struct {
		name    string
		err     error
		latency time.Duration
	}
	results := make([]outcome, len(names))
	var wg sync.WaitGroup
	for i := range names {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			checkCtx, cancel := context.WithTimeout(ctx, c.checkTimeout)
			defer cancel()
			start := time.Now()
			err := runCheck(checkCtx, fns[i])
			results[i] = outcome{name: names[i], err: err, latency: time.Since(start)}
		}(i)
	}
	wg.Wait()

	c.mu.Lock()
	now := time.Now()
	flipped := false
	for _, o := range results {
		st, ok := c.checks[o.name]
		if !ok {
			continue
		}
		st.result.LastChecked = now
		st.result.Latency = o.latency
		if o.err != nil {
			st.result.ConsecutiveFailures++
			st.result.LastError = o.err.Error()
		} else {
			st.result.ConsecutiveFailures = 0
			st.result.LastError = ""
		}
		wasFailing := st.result.Failing
		st.result.Failing = st.result.ConsecutiveFailures >= c.failureThreshold
		if st.result.Failing != wasFailing {
			flipped = true
		}
		if st.result.Failing && !wasFailing {
			c.log.Warn("health check failing",
				"check", o.name,
				"consecutive_failures", st.result.ConsecutiveFailures,
				"error", st.result.LastError)
		}
		if !st.result.Failing && wasFailing {
			c.log.Info("health check recovered", "check", o.name)
		}
	}
	snap := c.snapshotLocked(now)
	changed := snap.Overall != c.overall
	c.overall = snap.Overall
	onChange := c.onChange
	c.mu.Unlock()

	if changed {
		c.log.Info("overall health changed", "status", snap.Overall.String())
	}
	// Per-check flips matter even when the overall verdict stands: a
	// second check joining an existing degradation can still shift the
	// subscriber's decision.
	if (changed || flipped) && onChange != nil {
		onChange(snap)
	}
	return snap
}

// runCheck invokes one probe, converting a panic into a plain error so
// a misbehaving check reads as unhealthy instead of taking the process
// down.
func runCheck(ctx context.Context, fn CheckFunc) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("health: check panicked: %v", r)
		}
	}()
	return fn(ctx)
}

// snapshotLocked computes the aggregate. Must be called with lock held.
func (c *Checker) snapshotLocked(now time.Time) Snapshot {
	snap := Snapshot{
		Results: make(map[string]Result, len(c.checks)),
		Taken:   now,
	}
	for name, st := range c.checks {
		snap.Results[name] = st.result
		if !st.result.Failing {
			continue
		}
		if st.critical {
			snap.Overall = StatusUnhealthy
		} else if snap.Overall != StatusUnhealthy {
			snap.Overall = StatusDegraded
		}
	}
	return snap
}

// Snapshot returns the last recorded state without running any checks.
func (c *Checker) Snapshot() Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.snapshotLocked(time.Now())
}

// Overall returns the last aggregated status.
func (c *Checker) Overall() Status {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.overall
}

// Start launches the monitoring loop. It runs one round immediately,
// then every interval until Stop or context cancellation.
func (c *Checker) Start(ctx context.Context) error {
	c.mu.Lock()
	if c.cancel != nil {
		c.mu.Unlock()
		return fmt.Errorf("health: monitoring already started")
	}
	loopCtx, cancel := context.WithCancel(ctx)
	c.cancel = cancel
	c.done = make(chan struct{})
	done := c.done
	c.mu.Unlock()

	go func() {
		defer close(done)
		c.CheckAll(loopCtx)
		ticker := time.NewTicker(c.interval)
		defer ticker.Stop()
		for {
			select {
			case <-loopCtx.Done():
				return
			case <-ticker.C:
				c.CheckAll(loopCtx)
			}
		}
	}()
	return nil
}

// Stop halts the monitoring loop and waits for it to exit. Safe to call
// when monitoring was never started.
func (c *Checker) Stop() {
	c.mu.Lock()
	cancel := c.cancel
	done := c.done
	c.cancel = nil
	c.done = nil
	c.mu.Unlock()

	if cancel != nil {
		cancel()
		<-done
	}
}
