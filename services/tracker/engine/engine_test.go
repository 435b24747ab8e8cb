// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package engine

import (
	"context"
	"net/http"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/AleutianAI/shiftlog/pkg/logging"
	"github.com/AleutianAI/shiftlog/services/tracker/breaker"
	"github.com/AleutianAI/shiftlog/services/tracker/config"
	"github.com/AleutianAI/shiftlog/services/tracker/netprobe"
	"github.com/AleutianAI/shiftlog/services/tracker/queue"
	"github.com/AleutianAI/shiftlog/services/tracker/remote"
)

// fakeAPI scripts SendActions outcomes and records traffic.
type fakeAPI struct {
	mu         sync.Mutex
	sendErrs   []error // consumed one per SendActions call; nil = success
	sent       [][]remote.Action
	blockFor   time.Duration
	cmds       []remote.Command
	acked      []int64
	sessStatus *remote.SessionStatus
}

func (f *fakeAPI) SendActions(ctx context.Context, actions []remote.Action) error {
	if f.blockFor > 0 {
		select {
		case <-time.After(f.blockFor):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, actions)
	if len(f.sendErrs) == 0 {
		return nil
	}
	err := f.sendErrs[0]
	f.sendErrs = f.sendErrs[1:]
	return err
}

func (f *fakeAPI) GetUserByEmail(ctx context.Context, email string) (*remote.User, error) {
	return nil, nil
}

func (f *fakeAPI) CheckSessionStatus(ctx context.Context, sessionID string) (*remote.SessionStatus, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.sessStatus, nil
}

func (f *fakeAPI) PendingCommands(ctx context.Context, email string) ([]remote.Command, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]remote.Command, len(f.cmds))
	copy(out, f.cmds)
	return out, nil
}

func (f *fakeAPI) AckCommand(ctx context.Context, id int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.acked = append(f.acked, id)
	remaining := f.cmds[:0]
	for _, c := range f.cmds {
		if c.ID != id {
			remaining = append(remaining, c)
		}
	}
	f.cmds = remaining
	return nil
}

func (f *fakeAPI) CheckCredentials(ctx context.Context) error { return nil }

func (f *fakeAPI) sentCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.sent)
}

var _ remote.API = (*fakeAPI)(nil)

// fakeConn is a switchable connectivity probe. thoroughBad fails the
// thorough tier while fast DNS still answers, like a captive portal.
type fakeConn struct {
	online      atomic.Bool
	thoroughBad atomic.Bool
}

func (f *fakeConn) FastCheck(context.Context) bool { return f.online.Load() }

func (f *fakeConn) ThoroughCheck(context.Context) netprobe.Result {
	if !f.online.Load() {
		return netprobe.Result{}
	}
	if f.thoroughBad.Load() {
		return netprobe.Result{DNS: true}
	}
	return netprobe.Result{DNS: true, TCP: true, HTTP: true}
}

func testSyncConfig() config.SyncConfig {
	cfg := config.Default().Sync
	cfg.MaxRetries = 3
	cfg.BackoffBase = time.Millisecond
	cfg.BackoffCap = 10 * time.Millisecond
	cfg.RatePerMinute = 60000
	return cfg
}

type harness struct {
	engine *Engine
	store  *queue.Store
	api    *fakeAPI
	conn   *fakeConn
	brk    *breaker.Breaker
}

func newHarness(t *testing.T, cfg config.SyncConfig) *harness {
	t.Helper()
	logger := logging.New(logging.Config{Quiet: true})
	store, err := queue.Open(queue.Options{
		Path:   filepath.Join(t.TempDir(), "queue.db"),
		Logger: logger,
	})
	if err != nil {
		t.Fatalf("queue.Open failed: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	api := &fakeAPI{}
	conn := &fakeConn{}
	conn.online.Store(true)
	brk := breaker.New("remote_api", breaker.Config{FailureThreshold: 5, RecoveryTimeout: time.Minute})

	eng, err := New(Options{
		Sync:         cfg,
		Queue:        store,
		Remote:       api,
		Connectivity: conn,
		Breaker:      brk,
		Logger:       logger,
	})
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	// Tests never sleep for real.
	eng.sleep = func(context.Context, time.Duration) error { return nil }

	return &harness{engine: eng, store: store, api: api, conn: conn, brk: brk}
}

func (h *harness) enqueue(t *testing.T, n int, email string) {
	t.Helper()
	for i := 0; i < n; i++ {
		_, err := h.store.Append(context.Background(), queue.ActionRecord{
			Email: email,
			Name:  "Test User",
			Kind:  queue.KindStatusChange,
		})
		if err != nil {
			t.Fatalf("enqueue failed: %v", err)
		}
	}
}

func TestCycleDeliversBacklog(t *testing.T) {
	h := newHarness(t, testSyncConfig())
	h.enqueue(t, 3, "alice@x.com")

	report := h.engine.RunOnce(context.Background())
	if report.Outcome != OutcomeSuccess {
		t.Fatalf("expected success, got %s (failed=%d)", report.Outcome, report.Failed)
	}
	if report.Synced != 3 {
		t.Errorf("expected 3 synced, got %d", report.Synced)
	}
	if report.Backlog != 0 {
		t.Errorf("expected empty backlog, got %d", report.Backlog)
	}

	n, _ := h.store.CountUnsynced(context.Background(), "")
	if n != 0 {
		t.Errorf("queue still has %d unsynced records", n)
	}
}

func TestOfflineCycleQueuesAndWaits(t *testing.T) {
	h := newHarness(t, testSyncConfig())
	h.conn.online.Store(false)
	h.enqueue(t, 2, "alice@x.com")

	report := h.engine.RunOnce(context.Background())
	if report.Outcome != OutcomeOffline {
		t.Fatalf("expected offline, got %s", report.Outcome)
	}
	if h.engine.Cadence() != CadenceOfflineWait {
		t.Errorf("expected offline-wait cadence, got %s", h.engine.Cadence())
	}
	if h.api.sentCount() != 0 {
		t.Error("no remote calls expected while offline")
	}
	if report.Backlog != 2 {
		t.Errorf("expected backlog 2, got %d", report.Backlog)
	}
}

func TestRecoveryCadenceAfterConnectivityReturns(t *testing.T) {
	cfg := testSyncConfig()
	cfg.RecoveryBacklogExit = 10
	cfg.BatchSize = 5
	cfg.FreshBatchLimit = 5
	h := newHarness(t, cfg)

	// Go offline with a large backlog.
	h.conn.online.Store(false)
	h.enqueue(t, 20, "alice@x.com")
	h.engine.RunOnce(context.Background())
	if h.engine.Cadence() != CadenceOfflineWait {
		t.Fatalf("setup: expected offline-wait, got %s", h.engine.Cadence())
	}

	// Connectivity returns; the first online cycle drains only one
	// batch, leaving backlog above the exit threshold.
	h.conn.online.Store(true)
	report := h.engine.RunOnce(context.Background())
	if report.Backlog < cfg.RecoveryBacklogExit {
		t.Fatalf("setup: backlog drained too far (%d)", report.Backlog)
	}
	if h.engine.Cadence() != CadenceRecovery {
		t.Errorf("expected recovery cadence, got %s", h.engine.Cadence())
	}

	// Drain until under the exit threshold; cadence returns to normal.
	for i := 0; i < 10 && h.engine.Cadence() == CadenceRecovery; i++ {
		h.engine.RunOnce(context.Background())
	}
	if h.engine.Cadence() != CadenceNormal {
		t.Errorf("expected normal cadence after drain, got %s", h.engine.Cadence())
	}
}

func TestSingleFlightTick(t *testing.T) {
	h := newHarness(t, testSyncConfig())
	h.enqueue(t, 1, "alice@x.com")
	h.api.blockFor = 200 * time.Millisecond

	var wg sync.WaitGroup
	outcomes := make([]Outcome, 2)
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			if i == 1 {
				time.Sleep(50 * time.Millisecond) // let the first cycle start
			}
			outcomes[i] = h.engine.RunOnce(context.Background()).Outcome
		}(i)
	}
	wg.Wait()

	if outcomes[1] != OutcomeSkipped {
		t.Errorf("expected second tick skipped, got %s", outcomes[1])
	}
	if h.engine.Status().CyclesSkipped != 1 {
		t.Errorf("expected 1 skipped cycle, got %d", h.engine.Status().CyclesSkipped)
	}
}

func TestRetryThenSuccess(t *testing.T) {
	h := newHarness(t, testSyncConfig())
	h.enqueue(t, 1, "alice@x.com")
	h.api.sendErrs = []error{
		&remote.Error{Kind: remote.KindUnavailable, Op: "send_actions", StatusCode: 503},
		&remote.Error{Kind: remote.KindConnectivity, Op: "send_actions"},
	}

	report := h.engine.RunOnce(context.Background())
	if report.Outcome != OutcomeSuccess {
		t.Fatalf("expected success after retries, got %s", report.Outcome)
	}
	if h.api.sentCount() != 3 {
		t.Errorf("expected 3 delivery attempts, got %d", h.api.sentCount())
	}

	recs, _ := h.store.GetUnsynced(context.Background(), 10, 0, 0)
	if len(recs) != 0 {
		t.Errorf("expected record marked synced, %d remain", len(recs))
	}
}

func TestDNSFailureShortCircuitsCycle(t *testing.T) {
	h := newHarness(t, testSyncConfig())
	h.enqueue(t, 1, "alice@x.com")
	h.enqueue(t, 1, "bob@x.com")
	h.api.sendErrs = []error{
		&remote.Error{Kind: remote.KindDNS, Op: "send_actions"},
	}

	report := h.engine.RunOnce(context.Background())
	if report.Outcome != OutcomeOffline {
		t.Fatalf("expected offline outcome, got %s", report.Outcome)
	}
	// Only the first user's batch was attempted.
	if h.api.sentCount() != 1 {
		t.Errorf("expected 1 delivery attempt, got %d", h.api.sentCount())
	}
	if h.engine.Cadence() != CadenceOfflineWait {
		t.Errorf("expected offline-wait cadence, got %s", h.engine.Cadence())
	}
}

func TestRejectedBatchQuarantined(t *testing.T) {
	h := newHarness(t, testSyncConfig())
	h.enqueue(t, 2, "alice@x.com")
	h.api.sendErrs = []error{
		&remote.Error{Kind: remote.KindRejected, Op: "send_actions", StatusCode: http.StatusBadRequest},
	}

	report := h.engine.RunOnce(context.Background())
	if report.Failed != 2 {
		t.Errorf("expected 2 failed records, got %d", report.Failed)
	}
	// Quarantined records leave the queue so they cannot wedge it.
	n, _ := h.store.CountUnsynced(context.Background(), "")
	if n != 0 {
		t.Errorf("expected rejected records quarantined, %d remain", n)
	}
	// Rejections must not trip the breaker.
	if h.brk.State() != breaker.StateClosed {
		t.Errorf("breaker must stay closed on rejection, got %s", h.brk.State())
	}
	// No redelivery attempts for a rejected batch.
	if h.api.sentCount() != 1 {
		t.Errorf("expected 1 attempt, got %d", h.api.sentCount())
	}
}

func TestOpenCircuitSkipsUserButCycleContinues(t *testing.T) {
	h := newHarness(t, testSyncConfig())
	h.enqueue(t, 1, "alice@x.com")
	h.enqueue(t, 1, "bob@x.com")

	// Trip the breaker before the cycle.
	for i := 0; i < 5; i++ {
		h.brk.RecordFailure()
	}

	report := h.engine.RunOnce(context.Background())
	if report.Outcome != OutcomePartial {
		t.Fatalf("expected partial, got %s", report.Outcome)
	}
	if h.api.sentCount() != 0 {
		t.Errorf("no remote calls expected with open circuit, got %d", h.api.sentCount())
	}
	// Each user's batch was pulled and accounted rather than the cycle
	// bailing after the first open-circuit rejection.
	if report.Failed != 2 {
		t.Errorf("expected both users' batches accounted (failed=2), got %d", report.Failed)
	}
	n, _ := h.store.CountUnsynced(context.Background(), "")
	if n != 2 {
		t.Errorf("records must remain queued, got %d", n)
	}
}

func TestRejectedBatchLeavesBreakerFailureCountAlone(t *testing.T) {
	h := newHarness(t, testSyncConfig())
	h.enqueue(t, 1, "alice@x.com")

	// Two prior failures sit under the threshold of five.
	h.brk.RecordFailure()
	h.brk.RecordFailure()

	h.api.sendErrs = []error{
		&remote.Error{Kind: remote.KindRejected, Op: "send_actions", StatusCode: http.StatusBadRequest},
	}
	h.engine.RunOnce(context.Background())

	st := h.brk.Stats()
	if st.ConsecutiveFailures != 2 {
		t.Errorf("rejection must not touch the failure streak: want 2, got %d", st.ConsecutiveFailures)
	}
	if st.State != breaker.StateClosed {
		t.Errorf("breaker must stay closed, got %s", st.State)
	}
}

func TestThoroughCheckGatesDelivery(t *testing.T) {
	h := newHarness(t, testSyncConfig())
	h.enqueue(t, 2, "alice@x.com")
	// DNS answers but the full path is dead.
	h.conn.thoroughBad.Store(true)

	report := h.engine.RunOnce(context.Background())
	if report.Outcome != OutcomeOffline {
		t.Fatalf("expected offline, got %s", report.Outcome)
	}
	if h.api.sentCount() != 0 {
		t.Errorf("no remote calls expected behind a dead path, got %d", h.api.sentCount())
	}
	if h.engine.Cadence() != CadenceOfflineWait {
		t.Errorf("expected offline-wait cadence, got %s", h.engine.Cadence())
	}
	if report.Backlog != 2 {
		t.Errorf("expected backlog 2, got %d", report.Backlog)
	}
}

func TestConnectivityLossBetweenRetriesEndsCycle(t *testing.T) {
	h := newHarness(t, testSyncConfig())
	h.enqueue(t, 1, "alice@x.com")
	h.api.sendErrs = []error{
		&remote.Error{Kind: remote.KindUnavailable, Op: "send_actions", StatusCode: 503},
	}
	// The network drops while the engine backs off before the retry.
	h.engine.sleep = func(context.Context, time.Duration) error {
		h.conn.online.Store(false)
		return nil
	}

	report := h.engine.RunOnce(context.Background())
	if report.Outcome != OutcomeOffline {
		t.Fatalf("expected offline after mid-cycle drop, got %s", report.Outcome)
	}
	if h.api.sentCount() != 1 {
		t.Errorf("retry must be gated by a fresh probe: want 1 attempt, got %d", h.api.sentCount())
	}
	if h.engine.Cadence() != CadenceOfflineWait {
		t.Errorf("expected offline-wait cadence, got %s", h.engine.Cadence())
	}
}

func TestBreakerOpensAfterRepeatedFailures(t *testing.T) {
	cfg := testSyncConfig()
	cfg.MaxRetries = 5
	h := newHarness(t, cfg)
	h.enqueue(t, 1, "alice@x.com")
	for i := 0; i < 5; i++ {
		h.api.sendErrs = append(h.api.sendErrs,
			&remote.Error{Kind: remote.KindUnavailable, Op: "send_actions", StatusCode: 502})
	}

	report := h.engine.RunOnce(context.Background())
	if report.Outcome == OutcomeSuccess {
		t.Fatal("expected failed cycle")
	}
	if h.brk.State() != breaker.StateOpen {
		t.Errorf("expected open breaker after failure threshold, got %s", h.brk.State())
	}
}

func TestForceLogoutCommand(t *testing.T) {
	h := newHarness(t, testSyncConfig())
	ctx := context.Background()

	_, err := h.store.Append(ctx, queue.ActionRecord{
		Email:     "alice@x.com",
		Name:      "Alice",
		Kind:      queue.KindLogin,
		SessionID: "sess-9",
	})
	if err != nil {
		t.Fatalf("append login: %v", err)
	}
	h.api.cmds = []remote.Command{{ID: 42, Target: "alice@x.com", Name: "force_logout"}}

	h.engine.RunOnce(ctx)

	h.api.mu.Lock()
	acked := append([]int64(nil), h.api.acked...)
	h.api.mu.Unlock()
	if len(acked) != 1 || acked[0] != 42 {
		t.Errorf("expected command 42 acked, got %v", acked)
	}

	rec, err := h.store.LastUnfinishedSession(ctx)
	if err != nil {
		t.Fatalf("LastUnfinishedSession: %v", err)
	}
	if rec != nil {
		t.Errorf("expected session closed by forced logout, still open: %+v", rec)
	}
}

func TestOrphanedSessionLogout(t *testing.T) {
	h := newHarness(t, testSyncConfig())
	ctx := context.Background()

	_, err := h.store.Append(ctx, queue.ActionRecord{
		Email:     "alice@x.com",
		Name:      "Alice",
		Kind:      queue.KindLogin,
		SessionID: "sess-orphan",
	})
	if err != nil {
		t.Fatalf("append login: %v", err)
	}

	// A heartbeat listener that last heard from the UI two hours ago.
	hb := NewHeartbeatListener(0, nil, logging.New(logging.Config{Quiet: true}))
	hb.mu.Lock()
	hb.lastSeen = time.Now().Add(-2 * time.Hour)
	hb.mu.Unlock()
	h.engine.hb = hb

	h.engine.RunOnce(ctx)

	rec, err := h.store.LastUnfinishedSession(ctx)
	if err != nil {
		t.Fatalf("LastUnfinishedSession: %v", err)
	}
	if rec != nil {
		t.Errorf("expected orphan session closed, still open: %+v", rec)
	}
	if !h.engine.isOrphaned() {
		t.Error("engine should flag itself orphaned for loop shutdown")
	}
}

func TestHeartbeatFreshSessionUntouched(t *testing.T) {
	h := newHarness(t, testSyncConfig())
	ctx := context.Background()

	if _, err := h.store.Append(ctx, queue.ActionRecord{
		Email: "alice@x.com", Name: "Alice",
		Kind: queue.KindLogin, SessionID: "sess-live",
	}); err != nil {
		t.Fatalf("append login: %v", err)
	}

	hb := NewHeartbeatListener(0, nil, logging.New(logging.Config{Quiet: true}))
	hb.mu.Lock()
	hb.lastSeen = time.Now()
	hb.mu.Unlock()
	h.engine.hb = hb

	h.engine.RunOnce(ctx)

	rec, _ := h.store.LastUnfinishedSession(ctx)
	if rec == nil {
		t.Error("live session must not be logged out")
	}
}

func TestBackoffDelayFlooredByRateLimit(t *testing.T) {
	cfg := testSyncConfig()
	cfg.BackoffBase = time.Millisecond
	cfg.BackoffCap = 4 * time.Millisecond
	cfg.RatePerMinute = 60 // 1s spacing floor
	h := newHarness(t, cfg)

	for attempt := 0; attempt < 4; attempt++ {
		d := h.engine.backoffDelay(attempt)
		if d < time.Second {
			t.Errorf("attempt %d: delay %s below rate-limit floor", attempt, d)
		}
	}
}

func TestBackoffDelayGrowsAndCaps(t *testing.T) {
	cfg := testSyncConfig()
	cfg.BackoffBase = 100 * time.Millisecond
	cfg.BackoffCap = 400 * time.Millisecond
	cfg.RatePerMinute = 60000
	h := newHarness(t, cfg)

	for attempt, wantBase := range []time.Duration{
		100 * time.Millisecond, // 2^0
		200 * time.Millisecond, // 2^1
		400 * time.Millisecond, // 2^2
		400 * time.Millisecond, // capped
	} {
		d := h.engine.backoffDelay(attempt)
		if d < wantBase || d > wantBase+cfg.BackoffBase {
			t.Errorf("attempt %d: delay %s outside [%s, %s]",
				attempt, d, wantBase, wantBase+cfg.BackoffBase)
		}
	}
}

func TestStartStop(t *testing.T) {
	cfg := testSyncConfig()
	cfg.IntervalNormal = 20 * time.Millisecond
	cfg.IntervalRecovery = 10 * time.Millisecond
	h := newHarness(t, cfg)
	h.enqueue(t, 1, "alice@x.com")

	if err := h.engine.Start(context.Background()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	if err := h.engine.Start(context.Background()); err == nil {
		t.Error("expected error on double start")
	}

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if n, _ := h.store.CountUnsynced(context.Background(), ""); n == 0 {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	h.engine.Stop()

	n, _ := h.store.CountUnsynced(context.Background(), "")
	if n != 0 {
		t.Errorf("loop did not drain the queue, %d remain", n)
	}

	// Stop again is a no-op.
	h.engine.Stop()
}

func TestStatusSnapshotTracksTotalsAndSuccessRate(t *testing.T) {
	h := newHarness(t, testSyncConfig())

	h.enqueue(t, 4, "alice@x.com")
	h.engine.RunOnce(context.Background())

	st := h.engine.Status()
	if st.TotalSynced != 4 {
		t.Errorf("expected 4 total synced, got %d", st.TotalSynced)
	}
	if st.SuccessRate != 1.0 {
		t.Errorf("expected success rate 1.0, got %v", st.SuccessRate)
	}
	if st.CyclesRun != 1 {
		t.Errorf("expected 1 cycle, got %d", st.CyclesRun)
	}

	// A fully failing cycle pulls the weighted rate down but not to zero.
	h.enqueue(t, 1, "alice@x.com")
	h.api.sendErrs = []error{
		&remote.Error{Kind: remote.KindRejected, Op: "send_actions", StatusCode: http.StatusBadRequest},
	}
	h.engine.RunOnce(context.Background())

	st = h.engine.Status()
	if st.TotalSynced != 4 {
		t.Errorf("total synced should be unchanged, got %d", st.TotalSynced)
	}
	if st.SuccessRate >= 1.0 || st.SuccessRate <= 0 {
		t.Errorf("expected smoothed rate in (0,1), got %v", st.SuccessRate)
	}
	if st.LastOutcome != string(OutcomePartial) {
		t.Errorf("expected partial outcome, got %s", st.LastOutcome)
	}
}

type fakeResolver struct {
	user    *remote.User
	lookups int
}

func (f *fakeResolver) Lookup(ctx context.Context, email string) (*remote.User, error) {
	f.lookups++
	return f.user, nil
}

func TestBatchFillsMissingUserGroup(t *testing.T) {
	h := newHarness(t, testSyncConfig())
	res := &fakeResolver{user: &remote.User{Email: "alice@x.com", UserGroup: "ops"}}
	h.engine.users = res
	h.enqueue(t, 2, "alice@x.com")

	report := h.engine.RunOnce(context.Background())
	if report.Outcome != OutcomeSuccess {
		t.Fatalf("expected success, got %s", report.Outcome)
	}
	if res.lookups != 1 {
		t.Errorf("expected a single lookup per batch, got %d", res.lookups)
	}

	h.api.mu.Lock()
	defer h.api.mu.Unlock()
	for _, a := range h.api.sent[0] {
		if a.UserGroup != "ops" {
			t.Errorf("expected group tag filled, got %q", a.UserGroup)
		}
	}
}

func TestRemoteClosedSessionReconciled(t *testing.T) {
	h := newHarness(t, testSyncConfig())
	ctx := context.Background()

	if _, err := h.store.Append(ctx, queue.ActionRecord{
		Email: "alice@x.com", Name: "Alice",
		Kind: queue.KindLogin, SessionID: "sess-kicked",
	}); err != nil {
		t.Fatalf("append login: %v", err)
	}
	h.api.sessStatus = &remote.SessionStatus{
		SessionID: "sess-kicked", Status: remote.SessionKicked,
	}

	h.engine.RunOnce(ctx)

	rec, _ := h.store.LastUnfinishedSession(ctx)
	if rec != nil {
		t.Errorf("expected kicked session logged out, still open: %+v", rec)
	}
}

func TestActiveSessionLeftOpen(t *testing.T) {
	h := newHarness(t, testSyncConfig())
	ctx := context.Background()

	if _, err := h.store.Append(ctx, queue.ActionRecord{
		Email: "alice@x.com", Name: "Alice",
		Kind: queue.KindLogin, SessionID: "sess-live",
	}); err != nil {
		t.Fatalf("append login: %v", err)
	}
	h.api.sessStatus = &remote.SessionStatus{
		SessionID: "sess-live", Status: remote.SessionActive,
	}

	h.engine.RunOnce(ctx)

	rec, _ := h.store.LastUnfinishedSession(ctx)
	if rec == nil {
		t.Error("active session must stay open")
	}
}
