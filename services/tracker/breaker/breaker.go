// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package breaker implements the circuit breaker pattern protecting the
// remote API from repeated calls while it is failing.
//
// The breaker has three states:
//   - Closed: normal operation, calls pass through
//   - Open: failure threshold exceeded, calls are rejected immediately
//   - HalfOpen: testing recovery, limited calls allowed
//
// The Open to HalfOpen transition is lazy: it happens inside Allow once
// the recovery timeout has elapsed, so no background timer is needed.
package breaker

import (
	"fmt"
	"sync"
	"time"
)

// State represents the state of a circuit breaker.
type State int

const (
	// StateClosed allows calls through normally.
	StateClosed State = iota

	// StateOpen rejects all calls immediately.
	StateOpen

	// StateHalfOpen allows limited calls to test recovery.
	StateHalfOpen
)

// String returns the human-readable name for the state.
func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// OpenError is returned when a call is rejected because the circuit is
// open. RetryAfter tells the caller how long until the breaker will
// admit a probe call.
type OpenError struct {
	Name       string
	RetryAfter time.Duration
}

func (e *OpenError) Error() string {
	return fmt.Sprintf("circuit %q is open, retry after %s", e.Name, e.RetryAfter.Round(time.Second))
}

// Config configures breaker behavior.
type Config struct {
	// FailureThreshold is the number of consecutive failures before opening.
	// Default: 5
	FailureThreshold int

	// RecoveryTimeout is the duration to wait before transitioning from
	// open to half-open. Default: 60s
	RecoveryTimeout time.Duration

	// HalfOpenMaxCalls is the max calls admitted in half-open state.
	// Default: 2
	HalfOpenMaxCalls int

	// SuccessThreshold is the number of consecutive successes in
	// half-open needed to close. Default: 2
	SuccessThreshold int

	// OnStateChange, if set, is invoked after every state transition
	// with the lock released. Used to feed degradation decisions and
	// metrics.
	OnStateChange func(name string, from, to State)
}

// DefaultConfig returns the defaults used by the sync core.
func DefaultConfig() Config {
	return Config{
		FailureThreshold: 5,
		RecoveryTimeout:  60 * time.Second,
		HalfOpenMaxCalls: 2,
		SuccessThreshold: 2,
	}
}

func (c *Config) applyDefaults() {
	if c.FailureThreshold <= 0 {
		c.FailureThreshold = 5
	}
	if c.RecoveryTimeout <= 0 {
		c.RecoveryTimeout = 60 * time.Second
	}
	if c.HalfOpenMaxCalls <= 0 {
		c.HalfOpenMaxCalls = 2
	}
	if c.SuccessThreshold <= 0 {
		c.SuccessThreshold = 2
	}
}

// Metrics is a cumulative snapshot of breaker activity.
type Metrics struct {
	TotalCalls      uint64
	SuccessfulCalls uint64
	FailedCalls     uint64
	RejectedCalls   uint64
	StateChanges    uint64
}

// Breaker is a single named circuit breaker.
//
// Thread Safety: safe for concurrent use.
type Breaker struct {
	name   string
	config Config

	state                State
	consecutiveFailures  int
	consecutiveSuccesses int
	halfOpenCalls        int
	lastFailureTime      time.Time
	lastStateChange      time.Time
	metrics              Metrics

	// now is replaceable in tests.
	now func() time.Time

	mu sync.Mutex
}

// New creates a breaker in the closed state.
func New(name string, config Config) *Breaker {
	config.applyDefaults()
	b := &Breaker{
		name:   name,
		config: config,
		state:  StateClosed,
		now:    time.Now,
	}
	b.lastStateChange = b.now()
	return b
}

// Name returns the breaker's registry name.
func (b *Breaker) Name() string { return b.name }

// Allow reports whether a call may proceed, counting it toward the
// call metrics. When the circuit is open and the recovery timeout has
// elapsed, Allow transitions to half-open and admits the call as a
// probe. Rejected calls get a typed *OpenError via AllowErr.
func (b *Breaker) Allow() bool {
	return b.allow() == nil
}

// AllowErr is Allow with the rejection reason. Returns nil when the
// call may proceed, or *OpenError when the circuit rejects it.
func (b *Breaker) AllowErr() error {
	return b.allow()
}

func (b *Breaker) allow() error {
	b.mu.Lock()

	now := b.now()
	b.metrics.TotalCalls++

	switch b.state {
	case StateClosed:
		b.mu.Unlock()
		return nil

	case StateOpen:
		elapsed := now.Sub(b.lastFailureTime)
		if elapsed >= b.config.RecoveryTimeout {
			cb := b.transitionTo(StateHalfOpen, now)
			b.halfOpenCalls = 1
			b.mu.Unlock()
			if cb != nil {
				cb()
			}
			return nil
		}
		b.metrics.RejectedCalls++
		retryAfter := b.config.RecoveryTimeout - elapsed
		b.mu.Unlock()
		return &OpenError{Name: b.name, RetryAfter: retryAfter}

	case StateHalfOpen:
		if b.halfOpenCalls < b.config.HalfOpenMaxCalls {
			b.halfOpenCalls++
			b.mu.Unlock()
			return nil
		}
		b.metrics.RejectedCalls++
		b.mu.Unlock()
		return &OpenError{Name: b.name, RetryAfter: 0}

	default:
		b.metrics.RejectedCalls++
		b.mu.Unlock()
		return &OpenError{Name: b.name, RetryAfter: b.config.RecoveryTimeout}
	}
}

// RecordSuccess records a successful call. In half-open state, enough
// consecutive successes close the circuit.
func (b *Breaker) RecordSuccess() {
	b.mu.Lock()

	now := b.now()
	b.metrics.SuccessfulCalls++
	var cb func()

	switch b.state {
	case StateClosed:
		b.consecutiveFailures = 0

	case StateHalfOpen:
		b.consecutiveSuccesses++
		b.consecutiveFailures = 0
		if b.consecutiveSuccesses >= b.config.SuccessThreshold {
			cb = b.transitionTo(StateClosed, now)
		}
	}

	b.mu.Unlock()
	if cb != nil {
		cb()
	}
}

// RecordFailure records a failed call. Threshold failures open the
// circuit; any failure in half-open reopens it immediately.
func (b *Breaker) RecordFailure() {
	b.mu.Lock()

	now := b.now()
	b.lastFailureTime = now
	b.metrics.FailedCalls++
	var cb func()

	switch b.state {
	case StateClosed:
		b.consecutiveFailures++
		b.consecutiveSuccesses = 0
		if b.consecutiveFailures >= b.config.FailureThreshold {
			cb = b.transitionTo(StateOpen, now)
		}

	case StateHalfOpen:
		cb = b.transitionTo(StateOpen, now)
	}

	b.mu.Unlock()
	if cb != nil {
		cb()
	}
}

// State returns the current state without side effects. Note that an
// open breaker past its recovery timeout still reports open here; the
// half-open transition only happens in Allow.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Metrics returns a snapshot of cumulative call counters.
func (b *Breaker) Metrics() Metrics {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.metrics
}

// Stats contains a point-in-time view of breaker internals.
type Stats struct {
	Name                 string
	State                State
	ConsecutiveFailures  int
	ConsecutiveSuccesses int
	LastFailureTime      time.Time
	LastStateChange      time.Time
	Metrics              Metrics
}

// Stats returns the current breaker statistics.
func (b *Breaker) Stats() Stats {
	b.mu.Lock()
	defer b.mu.Unlock()
	return Stats{
		Name:                 b.name,
		State:                b.state,
		ConsecutiveFailures:  b.consecutiveFailures,
		ConsecutiveSuccesses: b.consecutiveSuccesses,
		LastFailureTime:      b.lastFailureTime,
		LastStateChange:      b.lastStateChange,
		Metrics:              b.metrics,
	}
}

// Reset forces the breaker back to closed. Counters for calls are kept;
// consecutive streaks are cleared. For tests and manual intervention.
func (b *Breaker) Reset() {
	b.mu.Lock()
	var cb func()
	if b.state != StateClosed {
		cb = b.transitionTo(StateClosed, b.now())
	}
	b.consecutiveFailures = 0
	b.consecutiveSuccesses = 0
	b.halfOpenCalls = 0
	b.mu.Unlock()
	if cb != nil {
		cb()
	}
}

// transitionTo changes state and returns the state-change callback to
// invoke after the lock is released, or nil.
// Must be called with lock held.
func (b *Breaker) transitionTo(newState State, now time.Time) func() {
	from := b.state
	b.state = newState
	b.lastStateChange = now
	b.consecutiveSuccesses = 0
	b.halfOpenCalls = 0
	b.metrics.StateChanges++

	if newState == StateClosed {
		b.consecutiveFailures = 0
	}

	if b.config.OnStateChange == nil {
		return nil
	}
	name := b.name
	onChange := b.config.OnStateChange
	return func() { onChange(name, from, newState) }
}

// Registry holds named breakers so every caller protecting the same
// dependency shares one breaker instance.
//
// Thread Safety: safe for concurrent use.
type Registry struct {
	config   Config
	breakers map[string]*Breaker
	mu       sync.Mutex
}

// NewRegistry creates a registry whose breakers all share config.
func NewRegistry(config Config) *Registry {
	config.applyDefaults()
	return &Registry{
		config:   config,
		breakers: make(map[string]*Breaker),
	}
}

// Get returns the breaker for name, creating it on first use.
func (r *Registry) Get(name string) *Breaker {
	r.mu.Lock()
	defer r.mu.Unlock()
	if b, ok := r.breakers[name]; ok {
		return b
	}
	b := New(name, r.config)
	r.breakers[name] = b
	return b
}

// All returns a snapshot of every registered breaker's stats, for the
// status endpoint.
func (r *Registry) All() []Stats {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Stats, 0, len(r.breakers))
	for _, b := range r.breakers {
		out = append(out, b.Stats())
	}
	return out
}
