// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package degrade maps health snapshots to an operating mode and the
// capabilities the rest of the client is allowed to use in that mode.
//
// Mode selection is deterministic, in strict precedence order:
//
//  1. local database failing        -> Emergency
//  2. internet AND remote failing   -> Offline
//  3. any secondary check failing   -> Degraded
//  4. otherwise                     -> Full
package degrade

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/AleutianAI/shiftlog/pkg/logging"
	"github.com/AleutianAI/shiftlog/services/tracker/health"
	"github.com/AleutianAI/shiftlog/services/tracker/notify"
)

// Mode is the client's operating mode.
type Mode int

const (
	// ModeFull means every dependency is up.
	ModeFull Mode = iota

	// ModeDegraded means a secondary dependency (internet or remote
	// API, but not both) is failing. Actions queue locally and sync
	// keeps trying.
	ModeDegraded

	// ModeOffline means both internet and the remote API are failing.
	// Everything queues locally; sync waits for connectivity.
	ModeOffline

	// ModeEmergency means the local database is failing. Nothing can
	// be recorded durably; the client falls back to read-only.
	ModeEmergency
)

// String returns "full", "degraded", "offline", or "emergency".
func (m Mode) String() string {
	switch m {
	case ModeFull:
		return "full"
	case ModeDegraded:
		return "degraded"
	case ModeOffline:
		return "offline"
	case ModeEmergency:
		return "emergency"
	default:
		return "unknown"
	}
}

// ParseMode converts a mode name to a Mode, for the control endpoint.
func ParseMode(s string) (Mode, error) {
	switch s {
	case "full":
		return ModeFull, nil
	case "degraded":
		return ModeDegraded, nil
	case "offline":
		return ModeOffline, nil
	case "emergency":
		return ModeEmergency, nil
	default:
		return ModeFull, fmt.Errorf("degrade: unknown mode %q", s)
	}
}

// Capabilities describes what the client may do in a mode.
type Capabilities struct {
	SyncEnabled          bool   `json:"sync_enabled"`
	NotificationsEnabled bool   `json:"notifications_enabled"`
	FullFeatures         bool   `json:"full_features"`
	ReadOnly             bool   `json:"read_only"`
	Description          string `json:"description"`
}

// capabilitiesFor is the fixed mode-to-capabilities table.
func capabilitiesFor(m Mode) Capabilities {
	switch m {
	case ModeFull:
		return Capabilities{
			SyncEnabled:          true,
			NotificationsEnabled: true,
			FullFeatures:         true,
			Description:          "all systems operational",
		}
	case ModeDegraded:
		return Capabilities{
			SyncEnabled: true,
			Description: "a secondary dependency is down; notifications suspended",
		}
	case ModeOffline:
		return Capabilities{
			Description: "no connectivity; all actions queue locally until it returns",
		}
	case ModeEmergency:
		return Capabilities{
			ReadOnly:    true,
			Description: "local database unavailable; recording disabled",
		}
	default:
		return Capabilities{ReadOnly: true, Description: "unknown mode"}
	}
}

// Transition records one mode change for the status endpoint.
type Transition struct {
	From   Mode      `json:"from"`
	To     Mode      `json:"to"`
	Reason string    `json:"reason"`
	Forced bool      `json:"forced"`
	At     time.Time `json:"at"`
}

// historyCap bounds the retained transition log.
const historyCap = 50

// Options configures a Manager.
type Options struct {
	// OnChange, if set, fires after every mode change, outside the lock.
	OnChange func(from, to Mode, caps Capabilities)
	// Notifier receives a critical alert on entry to Emergency mode.
	Notifier notify.Notifier
	Logger   *logging.Logger
}

// Manager holds the current mode. It is driven by health snapshots via
// Evaluate and can be pinned by an operator via Force.
//
// Thread Safety: safe for concurrent use.
type Manager struct {
	onChange func(from, to Mode, caps Capabilities)
	notifier notify.Notifier
	log      *logging.Logger

	mu      sync.Mutex
	mode    Mode
	forced  bool
	history []Transition

	cancel context.CancelFunc
	done   chan struct{}
}

// New creates a Manager starting in Full mode.
func New(opts Options) *Manager {
	if opts.Logger == nil {
		opts.Logger = logging.Default()
	}
	if opts.Notifier == nil {
		opts.Notifier = notify.Nop{}
	}
	return &Manager{
		onChange: opts.OnChange,
		notifier: opts.Notifier,
		log:      opts.Logger.With("component", "degrade"),
		mode:     ModeFull,
	}
}

// modeFor applies the precedence rules to a health snapshot.
func modeFor(snap health.Snapshot) Mode {
	dbFailing := snap.Results[health.CheckDatabase].Failing
	internetFailing := snap.Results[health.CheckInternet].Failing
	remoteFailing := snap.Results[health.CheckRemote].Failing

	switch {
	case dbFailing:
		return ModeEmergency
	case internetFailing && remoteFailing:
		return ModeOffline
	case internetFailing || remoteFailing:
		return ModeDegraded
	default:
		return ModeFull
	}
}

// Evaluate recomputes the mode from a health snapshot. While a forced
// mode is in effect, evaluation is suspended and the forced mode wins.
func (m *Manager) Evaluate(snap health.Snapshot) Mode {
	m.mu.Lock()
	if m.forced {
		mode := m.mode
		m.mu.Unlock()
		return mode
	}
	target := modeFor(snap)
	reason := "health evaluation"
	if failing := snap.FailingChecks(); len(failing) > 0 {
		reason = fmt.Sprintf("failing checks: %v", failing)
	}
	notifyFn := m.setModeLocked(target, reason, false)
	m.mu.Unlock()

	if notifyFn != nil {
		notifyFn()
	}
	return target
}

// Force pins the mode until ClearForce. Used by operators through the
// control endpoint to, for example, hold the client offline during a
// remote maintenance window.
func (m *Manager) Force(mode Mode, reason string) {
	m.mu.Lock()
	m.forced = true
	notifyFn := m.setModeLocked(mode, reason, true)
	m.mu.Unlock()
	if notifyFn != nil {
		notifyFn()
	}
}

// ClearForce releases a forced mode. The next Evaluate call takes over.
func (m *Manager) ClearForce() {
	m.mu.Lock()
	m.forced = false
	m.mu.Unlock()
	m.log.Info("forced mode cleared")
}

// setModeLocked applies a mode change and returns the deferred
// notification work, or nil when the mode did not change.
// Must be called with lock held.
func (m *Manager) setModeLocked(target Mode, reason string, forced bool) func() {
	if target == m.mode {
		return nil
	}
	from := m.mode
	m.mode = target
	tr := Transition{From: from, To: target, Reason: reason, Forced: forced, At: time.Now()}
	m.history = append(m.history, tr)
	if len(m.history) > historyCap {
		m.history = m.history[len(m.history)-historyCap:]
	}

	onChange := m.onChange
	notifier := m.notifier
	log := m.log
	caps := capabilitiesFor(target)
	return func() {
		log.Warn("operating mode changed",
			"from", from.String(), "to", target.String(), "reason", reason)
		if onChange != nil {
			onChange(from, target, caps)
		}
		if target == ModeEmergency {
			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			_ = notifier.Notify(ctx, notify.SeverityCritical,
				"client entered emergency mode: "+reason)
		}
	}
}

// StartAutoEvaluation re-evaluates the mode from source every interval
// until Stop or context cancellation. The health checker's snapshot
// accessor is the intended source; polling it catches precedence shifts
// that never move the overall health verdict (for example the remote
// API joining an already-failing internet check, which must push
// Degraded to Offline).
func (m *Manager) StartAutoEvaluation(ctx context.Context, interval time.Duration, source func() health.Snapshot) error {
	if interval <= 0 {
		return fmt.Errorf("degrade: evaluation interval must be positive")
	}
	m.mu.Lock()
	if m.cancel != nil {
		m.mu.Unlock()
		return fmt.Errorf("degrade: auto evaluation already started")
	}
	loopCtx, cancel := context.WithCancel(ctx)
	m.cancel = cancel
	m.done = make(chan struct{})
	done := m.done
	m.mu.Unlock()

	go func() {
		defer close(done)
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-loopCtx.Done():
				return
			case <-ticker.C:
				m.Evaluate(source())
			}
		}
	}()
	return nil
}

// Stop halts auto evaluation and waits for the loop to exit. Safe to
// call when it was never started.
func (m *Manager) Stop() {
	m.mu.Lock()
	cancel := m.cancel
	done := m.done
	m.cancel = nil
	m.done = nil
	m.mu.Unlock()

	if cancel != nil {
		cancel()
		<-done
	}
}

// Mode returns the current operating mode.
func (m *Manager) Mode() Mode {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.mode
}

// Forced reports whether the current mode is operator-pinned.
func (m *Manager) Forced() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.forced
}

// Capabilities returns the capabilities of the current mode.
func (m *Manager) Capabilities() Capabilities {
	return capabilitiesFor(m.Mode())
}

// History returns a copy of the recent transition log, oldest first.
func (m *Manager) History() []Transition {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Transition, len(m.history))
	copy(out, m.history)
	return out
}
