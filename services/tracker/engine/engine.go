// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package engine drives periodic synchronization of the durable local
// queue to the remote API.
//
// The engine adapts its polling cadence to conditions:
//
//   - Normal: the steady state, slow polling.
//   - Recovery: connectivity just returned with a backlog waiting, or
//     the backlog is still large. Fast polling until it drains.
//   - OfflineWait: connectivity is down. Short polling so the return
//     of the network is noticed quickly.
//
// Ticks are single-flight: if a cycle is still running when the next
// tick fires, the tick is skipped and counted, never queued.
package engine

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/AleutianAI/shiftlog/pkg/logging"
	"github.com/AleutianAI/shiftlog/services/tracker/breaker"
	"github.com/AleutianAI/shiftlog/services/tracker/config"
	"github.com/AleutianAI/shiftlog/services/tracker/degrade"
	"github.com/AleutianAI/shiftlog/services/tracker/netprobe"
	"github.com/AleutianAI/shiftlog/services/tracker/notify"
	"github.com/AleutianAI/shiftlog/services/tracker/queue"
	"github.com/AleutianAI/shiftlog/services/tracker/remote"
	"github.com/AleutianAI/shiftlog/services/tracker/telemetry"
)

// Cadence is the engine's current polling mode.
type Cadence int

const (
	// CadenceNormal is the steady-state polling interval.
	CadenceNormal Cadence = iota

	// CadenceRecovery is the accelerated interval used to drain a
	// backlog after connectivity returns.
	CadenceRecovery

	// CadenceOfflineWait is the short interval used while offline.
	CadenceOfflineWait
)

// String returns "normal", "recovery", or "offline-wait".
func (c Cadence) String() string {
	switch c {
	case CadenceNormal:
		return "normal"
	case CadenceRecovery:
		return "recovery"
	case CadenceOfflineWait:
		return "offline-wait"
	default:
		return "unknown"
	}
}

// Outcome classifies one sync cycle.
type Outcome string

const (
	// OutcomeSuccess means every pulled record was delivered (or there
	// was nothing to deliver).
	OutcomeSuccess Outcome = "success"

	// OutcomePartial means some records were delivered but others
	// failed or were cut off by an open circuit.
	OutcomePartial Outcome = "partial"

	// OutcomeOffline means the connectivity probe failed or DNS died
	// mid-cycle; nothing was attempted further.
	OutcomeOffline Outcome = "offline"

	// OutcomeSkipped means the previous cycle was still running.
	OutcomeSkipped Outcome = "skipped"

	// OutcomeDisabled means the degradation mode forbids syncing.
	OutcomeDisabled Outcome = "disabled"

	// OutcomeError means the cycle aborted on a local error.
	OutcomeError Outcome = "error"
)

// Report describes one finished cycle.
type Report struct {
	Outcome  Outcome
	Synced   int
	Failed   int
	Backlog  int
	Cadence  Cadence
	Duration time.Duration
	At       time.Time
}

// Queue is the slice of the durable queue the engine depends on.
// *queue.Store implements it.
type Queue interface {
	Append(ctx context.Context, rec queue.ActionRecord) (int64, error)
	GetUnsyncedForUser(ctx context.Context, email string, limit int, freshWindow time.Duration, freshLimit int) ([]queue.ActionRecord, error)
	PendingEmails(ctx context.Context) ([]string, error)
	MarkSynced(ctx context.Context, ids []int64) (int, error)
	RecordAttempt(ctx context.Context, ids []int64) error
	CountUnsynced(ctx context.Context, email string) (int, error)
	LastUnfinishedSession(ctx context.Context) (*queue.ActionRecord, error)
	StaleOpenStatuses(ctx context.Context, age time.Duration) ([]queue.ActionRecord, error)
	CurrentUserEmail(ctx context.Context) (string, error)
}

// Connectivity is the slice of the prober the engine depends on.
// FastCheck gates ticks and retries; ThoroughCheck runs once before the
// engine commits to delivering a backlog.
type Connectivity interface {
	FastCheck(ctx context.Context) bool
	ThoroughCheck(ctx context.Context) netprobe.Result
}

// CapabilityProvider gates syncing on the degradation mode.
// *degrade.Manager implements it.
type CapabilityProvider interface {
	Capabilities() degrade.Capabilities
}

// UserResolver fills missing user group tags during batch build.
// *cache.Resolver implements it.
type UserResolver interface {
	Lookup(ctx context.Context, email string) (*remote.User, error)
}

// longStatusAlertAge is how old an open status record must be before
// the engine alerts the operator about it.
const longStatusAlertAge = 12 * time.Hour

// Options wires an Engine. Queue, Remote and Connectivity are required.
type Options struct {
	Sync         config.SyncConfig
	Queue        Queue
	Remote       remote.API
	Connectivity Connectivity
	Breaker      *breaker.Breaker
	Capabilities CapabilityProvider
	Users        UserResolver
	Heartbeat    *HeartbeatListener
	Notifier     notify.Notifier
	Metrics      *telemetry.Metrics
	Logger       *logging.Logger
}

// Engine is the sync engine. Construct with New, drive with Start/Stop
// or RunOnce.
type Engine struct {
	cfg      config.SyncConfig
	q        Queue
	api      remote.API
	conn     Connectivity
	brk      *breaker.Breaker
	caps     CapabilityProvider
	users    UserResolver
	hb       *HeartbeatListener
	notifier notify.Notifier
	metrics  *telemetry.Metrics
	log      *logging.Logger

	// tickMu makes cycles single-flight.
	tickMu sync.Mutex

	mu            sync.Mutex
	cadence       Cadence
	wasOffline    bool
	lastReport    Report
	cyclesRun     uint64
	cyclesSkipped uint64
	totalSynced   uint64
	avgCycle      time.Duration
	successRate   float64
	orphaned      bool
	staleNotified map[int64]bool

	cancel context.CancelFunc
	done   chan struct{}

	sleep func(ctx context.Context, d time.Duration) error
	rand  *rand.Rand
	rmu   sync.Mutex
}

// New creates an Engine.
func New(opts Options) (*Engine, error) {
	if opts.Queue == nil || opts.Remote == nil || opts.Connectivity == nil {
		return nil, fmt.Errorf("engine: queue, remote and connectivity are required")
	}
	if opts.Breaker == nil {
		opts.Breaker = breaker.New("remote_api", breaker.DefaultConfig())
	}
	if opts.Notifier == nil {
		opts.Notifier = notify.Nop{}
	}
	if opts.Logger == nil {
		opts.Logger = logging.Default()
	}
	e := &Engine{
		cfg:           opts.Sync,
		q:             opts.Queue,
		api:           opts.Remote,
		conn:          opts.Connectivity,
		brk:           opts.Breaker,
		caps:          opts.Capabilities,
		users:         opts.Users,
		hb:            opts.Heartbeat,
		notifier:      opts.Notifier,
		metrics:       opts.Metrics,
		log:           opts.Logger.With("component", "engine"),
		cadence:       CadenceNormal,
		staleNotified: make(map[int64]bool),
		rand:          rand.New(rand.NewSource(time.Now().UnixNano())),
	}
	e.sleep = e.sleepCtx
	return e, nil
}

func (e *Engine) sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// backoffDelay computes the full-jitter exponential backoff for the
// given attempt: min(cap, base*2^attempt) plus a uniform jitter of up
// to base, floored by the rate-limit spacing.
func (e *Engine) backoffDelay(attempt int) time.Duration {
	base := e.cfg.BackoffBase
	delay := base << uint(attempt)
	if delay > e.cfg.BackoffCap || delay <= 0 {
		delay = e.cfg.BackoffCap
	}
	e.rmu.Lock()
	jitter := time.Duration(e.rand.Int63n(int64(base) + 1))
	e.rmu.Unlock()
	delay += jitter
	if min := e.cfg.MinSpacing(); delay < min {
		delay = min
	}
	return delay
}

// Cadence returns the current polling cadence.
func (e *Engine) Cadence() Cadence {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.cadence
}

func (e *Engine) setCadence(c Cadence) {
	e.mu.Lock()
	prev := e.cadence
	e.cadence = c
	e.mu.Unlock()
	if prev != c {
		e.log.Info("cadence changed", "from", prev.String(), "to", c.String())
	}
}

func (e *Engine) interval() time.Duration {
	switch e.Cadence() {
	case CadenceRecovery:
		return e.cfg.IntervalRecovery
	case CadenceOfflineWait:
		return e.cfg.IntervalOfflineWait
	default:
		return e.cfg.IntervalNormal
	}
}

// Status is a point-in-time view of the engine for the status endpoint.
type Status struct {
	Cadence       string    `json:"cadence"`
	LastOutcome   string    `json:"last_outcome"`
	LastSynced    int       `json:"last_synced"`
	LastBacklog   int       `json:"last_backlog"`
	LastCycleAt   time.Time `json:"last_cycle_at"`
	CyclesRun     uint64    `json:"cycles_run"`
	CyclesSkipped uint64    `json:"cycles_skipped"`
	TotalSynced   uint64    `json:"total_synced"`
	SuccessRate   float64   `json:"success_rate"`
	AvgCycleMs    int64     `json:"avg_cycle_ms"`
}

// Status returns the engine's current status snapshot.
func (e *Engine) Status() Status {
	e.mu.Lock()
	defer e.mu.Unlock()
	return Status{
		Cadence:       e.cadence.String(),
		LastOutcome:   string(e.lastReport.Outcome),
		LastSynced:    e.lastReport.Synced,
		LastBacklog:   e.lastReport.Backlog,
		LastCycleAt:   e.lastReport.At,
		CyclesRun:     e.cyclesRun,
		CyclesSkipped: e.cyclesSkipped,
		TotalSynced:   e.totalSynced,
		SuccessRate:   e.successRate,
		AvgCycleMs:    e.avgCycle.Milliseconds(),
	}
}

// RunOnce executes a single sync cycle. If another cycle is already in
// flight the call returns immediately with OutcomeSkipped.
func (e *Engine) RunOnce(ctx context.Context) Report {
	if !e.tickMu.TryLock() {
		e.mu.Lock()
		e.cyclesSkipped++
		e.mu.Unlock()
		if e.metrics != nil {
			e.metrics.SyncCycles.WithLabelValues(string(OutcomeSkipped)).Inc()
		}
		return Report{Outcome: OutcomeSkipped, Cadence: e.Cadence(), At: time.Now()}
	}
	defer e.tickMu.Unlock()

	start := time.Now()
	report := e.cycle(ctx)
	report.Duration = time.Since(start)
	report.At = start
	report.Cadence = e.Cadence()

	e.mu.Lock()
	e.cyclesRun++
	e.lastReport = report
	e.totalSynced += uint64(report.Synced)
	// Exponentially weighted averages smooth the status display.
	if e.avgCycle == 0 {
		e.avgCycle = report.Duration
	} else {
		e.avgCycle = (e.avgCycle*4 + report.Duration) / 5
	}
	if attempted := report.Synced + report.Failed; attempted > 0 {
		rate := float64(report.Synced) / float64(attempted)
		if e.successRate == 0 {
			e.successRate = rate
		} else {
			e.successRate = (e.successRate*4 + rate) / 5
		}
	}
	e.mu.Unlock()

	if e.metrics != nil {
		e.metrics.SyncCycles.WithLabelValues(string(report.Outcome)).Inc()
		e.metrics.SyncDuration.Observe(report.Duration.Seconds())
		e.metrics.QueueBacklog.Set(float64(report.Backlog))
	}

	e.log.Debug("cycle finished",
		"outcome", string(report.Outcome),
		"synced", report.Synced,
		"failed", report.Failed,
		"backlog", report.Backlog,
		"duration", report.Duration)
	return report
}

// cycle is the body of one sync pass. Called with tickMu held.
func (e *Engine) cycle(ctx context.Context) Report {
	if e.caps != nil && !e.caps.Capabilities().SyncEnabled {
		backlog, _ := e.q.CountUnsynced(ctx, "")
		return Report{Outcome: OutcomeDisabled, Backlog: backlog}
	}

	if !e.conn.FastCheck(ctx) {
		e.setCadence(CadenceOfflineWait)
		e.mu.Lock()
		e.wasOffline = true
		e.mu.Unlock()
		backlog, _ := e.q.CountUnsynced(ctx, "")
		return Report{Outcome: OutcomeOffline, Backlog: backlog}
	}

	backlog, err := e.q.CountUnsynced(ctx, "")
	if err != nil {
		e.log.Error("cycle aborted: backlog count failed", "error", err)
		return Report{Outcome: OutcomeError}
	}

	e.mu.Lock()
	if e.wasOffline && backlog > 0 {
		e.wasOffline = false
		e.mu.Unlock()
		e.setCadence(CadenceRecovery)
		e.log.Info("connectivity restored with backlog, entering recovery",
			"backlog", backlog)
	} else {
		e.wasOffline = false
		e.mu.Unlock()
	}

	// Housekeeping rides on the sync tick; each piece is best effort
	// and must never fail the cycle.
	e.checkOrphanedSession(ctx)
	e.reconcileSessionState(ctx)
	e.alertStaleStatuses(ctx)
	e.pollRemoteCommands(ctx)

	if backlog == 0 {
		e.setCadence(CadenceNormal)
		return Report{Outcome: OutcomeSuccess}
	}

	// DNS alone can lie (cached resolvers answer on dead links), so a
	// full-path probe runs before any records are put on the wire.
	if res := e.conn.ThoroughCheck(ctx); !res.Online() {
		e.log.Warn("thorough connectivity check failed, deferring delivery",
			"dns", res.DNS, "tcp", res.TCP, "http", res.HTTP)
		e.setCadence(CadenceOfflineWait)
		e.mu.Lock()
		e.wasOffline = true
		e.mu.Unlock()
		return Report{Outcome: OutcomeOffline, Backlog: backlog}
	}

	report := e.deliverBacklog(ctx)

	remaining, err := e.q.CountUnsynced(ctx, "")
	if err == nil {
		report.Backlog = remaining
	}
	if e.Cadence() == CadenceRecovery && report.Backlog < e.cfg.RecoveryBacklogExit {
		e.setCadence(CadenceNormal)
	} else if e.Cadence() == CadenceOfflineWait && report.Outcome != OutcomeOffline {
		e.setCadence(CadenceNormal)
	}
	return report
}

// deliverBacklog pulls per-user batches and pushes them to the remote
// API, retrying transient failures with jittered exponential backoff.
func (e *Engine) deliverBacklog(ctx context.Context) Report {
	var report Report
	report.Outcome = OutcomeSuccess

	emails, err := e.q.PendingEmails(ctx)
	if err != nil {
		e.log.Error("cycle aborted: pending users lookup failed", "error", err)
		return Report{Outcome: OutcomeError}
	}

	for _, email := range emails {
		batch, err := e.q.GetUnsyncedForUser(ctx, email,
			e.cfg.BatchSize, e.cfg.FreshWindow, e.cfg.FreshBatchLimit)
		if err != nil {
			e.log.Error("batch pull failed", "email", email, "error", err)
			report.Outcome = OutcomePartial
			continue
		}
		if len(batch) == 0 {
			continue
		}

		delivered, stop := e.deliverBatch(ctx, email, batch, &report)
		report.Synced += delivered
		if stop {
			return report
		}
	}

	if report.Failed > 0 && report.Outcome == OutcomeSuccess {
		report.Outcome = OutcomePartial
	}
	return report
}

// deliverBatch sends one user's batch with retries. Returns the number
// of delivered records and whether the whole cycle must stop (the
// network is gone or the context is done). A circuit-open rejection
// only abandons this user's batch; other users still get their turn.
func (e *Engine) deliverBatch(ctx context.Context, email string, batch []queue.ActionRecord, report *Report) (int, bool) {
	ids := make([]int64, len(batch))
	actions := make([]remote.Action, len(batch))
	group := e.resolveGroup(ctx, email, batch)
	for i, rec := range batch {
		ids[i] = rec.ID
		actions[i] = toWire(rec)
		if actions[i].UserGroup == "" {
			actions[i].UserGroup = group
		}
	}

	for attempt := 0; attempt < e.cfg.MaxRetries; attempt++ {
		// Every attempt re-probes: the network that was there when the
		// cycle started may be gone by the second retry.
		if !e.conn.FastCheck(ctx) {
			_ = e.q.RecordAttempt(ctx, ids)
			e.log.Warn("connectivity lost mid-cycle, ending cycle", "email", email)
			e.setCadence(CadenceOfflineWait)
			e.mu.Lock()
			e.wasOffline = true
			e.mu.Unlock()
			report.Failed += len(batch)
			report.Outcome = OutcomeOffline
			return 0, true
		}

		if err := e.brk.AllowErr(); err != nil {
			var open *breaker.OpenError
			if errors.As(err, &open) {
				e.log.Warn("circuit open, skipping user this cycle",
					"breaker", open.Name, "email", email, "retry_after", open.RetryAfter)
				if e.metrics != nil {
					e.metrics.BreakerRejected.WithLabelValues(open.Name).Inc()
				}
			}
			_ = e.q.RecordAttempt(ctx, ids)
			report.Failed += len(batch)
			report.Outcome = OutcomePartial
			return 0, false
		}

		err := e.api.SendActions(ctx, actions)
		if err == nil {
			e.brk.RecordSuccess()
			if _, err := e.q.MarkSynced(ctx, ids); err != nil {
				e.log.Error("mark synced failed", "email", email, "error", err)
			}
			if e.metrics != nil {
				e.metrics.ActionsSynced.Add(float64(len(batch)))
			}
			return len(batch), false
		}

		var re *remote.Error
		if !errors.As(err, &re) {
			re = &remote.Error{Kind: remote.KindConnectivity, Op: "send_actions", Err: err}
		}

		switch re.Kind {
		case remote.KindDNS:
			// DNS gone means the network is gone; retrying other
			// records this cycle would fail identically.
			_ = e.q.RecordAttempt(ctx, ids)
			e.log.Warn("dns resolution failed, ending cycle", "error", re)
			e.setCadence(CadenceOfflineWait)
			e.mu.Lock()
			e.wasOffline = true
			e.mu.Unlock()
			report.Failed += len(batch)
			report.Outcome = OutcomeOffline
			return 0, true

		case remote.KindRejected:
			// The remote refuses this payload; it can never succeed.
			// Quarantine the records so they stop blocking the queue
			// and leave a loud trail. The breaker is left alone: the
			// server answered, so this is neither a failure against it
			// nor evidence it has recovered.
			_, _ = e.q.MarkSynced(ctx, ids)
			report.Failed += len(batch)
			e.log.Error("batch rejected by remote, quarantined",
				"email", email, "records", len(batch), "error", re)
			if e.metrics != nil {
				e.metrics.ActionsFailed.Add(float64(len(batch)))
			}
			return 0, false

		default: // unavailable or connectivity
			if re.CountsTowardBreaker() {
				e.brk.RecordFailure()
			}
			_ = e.q.RecordAttempt(ctx, ids)
			if attempt == e.cfg.MaxRetries-1 {
				break
			}
			delay := e.backoffDelay(attempt)
			e.log.Warn("delivery failed, backing off",
				"email", email, "attempt", attempt+1, "delay", delay, "error", re)
			if err := e.sleep(ctx, delay); err != nil {
				report.Failed += len(batch)
				report.Outcome = OutcomePartial
				return 0, true
			}
		}
	}

	report.Failed += len(batch)
	if e.metrics != nil {
		e.metrics.ActionsFailed.Add(float64(len(batch)))
	}
	e.log.Warn("batch exhausted retries", "email", email, "records", len(batch))
	return 0, false
}

// resolveGroup fills the user's group tag for records recorded without
// one. Best effort: an unresolved group ships the batch untagged rather
// than holding it back.
func (e *Engine) resolveGroup(ctx context.Context, email string, batch []queue.ActionRecord) string {
	if e.users == nil {
		return ""
	}
	needed := false
	for _, rec := range batch {
		if rec.UserGroup == "" {
			needed = true
			break
		}
	}
	if !needed {
		return ""
	}
	u, err := e.users.Lookup(ctx, email)
	if err != nil || u == nil {
		if err != nil {
			e.log.Debug("group lookup failed", "email", email, "error", err)
		}
		return ""
	}
	return u.UserGroup
}

func toWire(rec queue.ActionRecord) remote.Action {
	return remote.Action{
		ClientID:    rec.ID,
		SessionID:   rec.SessionID,
		Email:       rec.Email,
		Name:        rec.Name,
		Status:      rec.Status,
		ActionType:  string(rec.Kind),
		Comment:     rec.Comment,
		Timestamp:   rec.Timestamp,
		StatusStart: rec.StatusStart,
		StatusEnd:   rec.StatusEnd,
		Reason:      rec.Reason,
		UserGroup:   rec.UserGroup,
		Priority:    rec.Priority,
	}
}

// notify sends an operator notification unless the current mode has
// notifications disabled. Best effort, bounded, never fails the cycle.
func (e *Engine) notify(ctx context.Context, severity notify.Severity, message string) {
	if e.caps != nil && !e.caps.Capabilities().NotificationsEnabled {
		return
	}
	notifyCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	_ = e.notifier.Notify(notifyCtx, severity, message)
}

// isOrphaned reports whether the UI heartbeat has been lost and the
// loop should wind down.
func (e *Engine) isOrphaned() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.orphaned
}

// checkOrphanedSession queues a LOGOUT for the last unfinished session
// when the UI has stopped heartbeating for longer than the timeout.
func (e *Engine) checkOrphanedSession(ctx context.Context) {
	if e.hb == nil || e.cfg.HeartbeatTimeout <= 0 {
		return
	}
	lastSeen, _ := e.hb.LastSeen()
	if lastSeen.IsZero() || time.Since(lastSeen) < e.cfg.HeartbeatTimeout {
		return
	}

	rec, err := e.q.LastUnfinishedSession(ctx)
	if err != nil || rec == nil {
		return
	}

	_, err = e.q.Append(ctx, queue.ActionRecord{
		SessionID: rec.SessionID,
		Email:     rec.Email,
		Name:      rec.Name,
		Kind:      queue.KindLogout,
		Reason:    "orphaned session: no ui heartbeat",
		Priority:  3,
	})
	var dup *queue.DuplicateLogoutError
	if errors.As(err, &dup) {
		return
	}
	if err != nil {
		e.log.Error("orphan logout failed", "session", rec.SessionID, "error", err)
		return
	}
	e.log.Warn("orphaned session closed",
		"session", rec.SessionID, "email", rec.Email,
		"heartbeat_age", time.Since(lastSeen))
	// The UI is gone. Finish this cycle so the logout ships, then let
	// the loop exit instead of spinning unattended.
	e.mu.Lock()
	e.orphaned = true
	e.mu.Unlock()
	e.notify(ctx, notify.SeverityWarning,
		fmt.Sprintf("orphaned session %s for %s logged out automatically", rec.SessionID, rec.Email))
}

// alertStaleStatuses notifies once per open status older than the
// alert age.
func (e *Engine) alertStaleStatuses(ctx context.Context) {
	recs, err := e.q.StaleOpenStatuses(ctx, longStatusAlertAge)
	if err != nil {
		return
	}
	for _, rec := range recs {
		e.mu.Lock()
		seen := e.staleNotified[rec.ID]
		if !seen {
			e.staleNotified[rec.ID] = true
		}
		e.mu.Unlock()
		if seen {
			continue
		}
		e.log.Warn("long-running open status",
			"id", rec.ID, "email", rec.Email, "status", rec.Status)
		e.notify(ctx, notify.SeverityWarning,
			fmt.Sprintf("status %q for %s has been open more than %s",
				rec.Status, rec.Email, longStatusAlertAge))
	}
}

// reconcileSessionState logs out a locally-open session the remote
// service already considers closed (kicked, finished or expired).
func (e *Engine) reconcileSessionState(ctx context.Context) {
	rec, err := e.q.LastUnfinishedSession(ctx)
	if err != nil || rec == nil {
		return
	}
	st, err := e.api.CheckSessionStatus(ctx, rec.SessionID)
	if err != nil || st == nil {
		return
	}
	state := st.State()
	switch state {
	case remote.SessionKicked, remote.SessionFinished, remote.SessionExpired:
	default:
		return
	}

	_, err = e.q.Append(ctx, queue.ActionRecord{
		SessionID: rec.SessionID,
		Email:     rec.Email,
		Name:      rec.Name,
		Kind:      queue.KindLogout,
		Reason:    "session " + state + " remotely",
		Priority:  3,
	})
	var dup *queue.DuplicateLogoutError
	if errors.As(err, &dup) {
		return
	}
	if err != nil {
		e.log.Error("session reconcile logout failed",
			"session", rec.SessionID, "state", state, "error", err)
		return
	}
	e.log.Warn("remote closed session, logged out locally",
		"session", rec.SessionID, "state", state)
}

// pollRemoteCommands fetches unacknowledged remote commands for the
// current user and executes the ones the client understands.
func (e *Engine) pollRemoteCommands(ctx context.Context) {
	email, err := e.q.CurrentUserEmail(ctx)
	if err != nil || email == "" {
		return
	}
	cmds, err := e.api.PendingCommands(ctx, email)
	if err != nil {
		return
	}

	for _, cmd := range cmds {
		switch cmd.Name {
		case "force_logout":
			e.executeForceLogout(ctx, email, cmd)
		default:
			e.log.Warn("unknown remote command ignored",
				"command", cmd.Name, "id", cmd.ID)
		}
		if err := e.api.AckCommand(ctx, cmd.ID); err != nil {
			e.log.Error("command ack failed", "id", cmd.ID, "error", err)
		}
	}
}

func (e *Engine) executeForceLogout(ctx context.Context, email string, cmd remote.Command) {
	rec, err := e.q.LastUnfinishedSession(ctx)
	if err != nil || rec == nil {
		return
	}
	_, err = e.q.Append(ctx, queue.ActionRecord{
		SessionID: rec.SessionID,
		Email:     rec.Email,
		Name:      rec.Name,
		Kind:      queue.KindLogout,
		Reason:    "forced logout by administrator",
		Priority:  3,
	})
	var dup *queue.DuplicateLogoutError
	if errors.As(err, &dup) {
		return
	}
	if err != nil {
		e.log.Error("forced logout failed", "command", cmd.ID, "error", err)
		return
	}
	e.log.Warn("forced logout executed", "command", cmd.ID, "session", rec.SessionID)
	e.notify(ctx, notify.SeverityWarning,
		fmt.Sprintf("administrator forced logout for %s", email))
}

// Start launches the sync loop. The first cycle runs immediately; each
// subsequent tick is scheduled from the cadence the previous cycle
// left behind.
func (e *Engine) Start(ctx context.Context) error {
	e.mu.Lock()
	if e.cancel != nil {
		e.mu.Unlock()
		return fmt.Errorf("engine: already started")
	}
	loopCtx, cancel := context.WithCancel(ctx)
	e.cancel = cancel
	e.done = make(chan struct{})
	done := e.done
	e.mu.Unlock()

	go func() {
		defer close(done)
		e.RunOnce(loopCtx)
		timer := time.NewTimer(e.interval())
		defer timer.Stop()
		for {
			if e.isOrphaned() {
				e.log.Info("no ui heartbeat, sync loop shutting down")
				return
			}
			select {
			case <-loopCtx.Done():
				return
			case <-timer.C:
				e.RunOnce(loopCtx)
				timer.Reset(e.interval())
			}
		}
	}()

	e.log.Info("sync loop started",
		"interval_normal", e.cfg.IntervalNormal,
		"interval_recovery", e.cfg.IntervalRecovery,
		"interval_offline_wait", e.cfg.IntervalOfflineWait)
	return nil
}

// Stop halts the sync loop and waits for an in-flight cycle to finish.
// Safe to call on a never-started engine.
func (e *Engine) Stop() {
	e.mu.Lock()
	cancel := e.cancel
	done := e.done
	e.cancel = nil
	e.done = nil
	e.mu.Unlock()

	if cancel != nil {
		cancel()
		<-done
	}
}
