// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package queue

import (
	"context"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/AleutianAI/shiftlog/pkg/logging"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(Options{
		Path:   filepath.Join(t.TempDir(), "queue.db"),
		Logger: logging.New(logging.Config{Quiet: true}),
	})
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func mustAppend(t *testing.T, s *Store, rec ActionRecord) int64 {
	t.Helper()
	id, err := s.Append(context.Background(), rec)
	if err != nil {
		t.Fatalf("Append failed: %v", err)
	}
	return id
}

func TestAppendAssignsDefaults(t *testing.T) {
	s := newTestStore(t)
	id := mustAppend(t, s, ActionRecord{
		Email: "  Alice@Example.COM ",
		Name:  "Alice",
		Kind:  KindLogin,
	})
	if id == 0 {
		t.Error("expected non-zero id")
	}

	recs, err := s.GetUnsynced(context.Background(), 10, 0, 0)
	if err != nil {
		t.Fatalf("GetUnsynced failed: %v", err)
	}
	if len(recs) != 1 {
		t.Fatalf("expected 1 record, got %d", len(recs))
	}
	rec := recs[0]
	if rec.Email != "alice@example.com" {
		t.Errorf("email not normalized: %q", rec.Email)
	}
	if rec.SessionID == "" {
		t.Error("expected generated session id")
	}
	if rec.Timestamp.IsZero() {
		t.Error("expected stamped timestamp")
	}
	if rec.Priority != 1 {
		t.Errorf("expected priority clamped to 1, got %d", rec.Priority)
	}
	if rec.Synced {
		t.Error("new record must be unsynced")
	}
}

func TestAppendValidation(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	cases := []struct {
		name string
		rec  ActionRecord
	}{
		{"missing email", ActionRecord{Name: "Bob", Kind: KindLogin}},
		{"missing name", ActionRecord{Email: "bob@x.com", Kind: KindLogin}},
		{"unknown kind", ActionRecord{Email: "bob@x.com", Name: "Bob", Kind: "REBOOT"}},
		{"oversized comment", ActionRecord{
			Email: "bob@x.com", Name: "Bob", Kind: KindLogin,
			Comment: strings.Repeat("x", 501),
		}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := s.Append(ctx, tc.rec)
			if !IsValidation(err) {
				t.Errorf("expected ValidationError, got %v", err)
			}
		})
	}

	n, err := s.CountUnsynced(ctx, "")
	if err != nil {
		t.Fatalf("CountUnsynced failed: %v", err)
	}
	if n != 0 {
		t.Errorf("rejected records must not be persisted, found %d", n)
	}
}

func TestDuplicateLogoutRejected(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	base := ActionRecord{
		Email:     "alice@x.com",
		Name:      "Alice",
		SessionID: "sess-1",
	}

	login := base
	login.Kind = KindLogin
	mustAppend(t, s, login)

	logout := base
	logout.Kind = KindLogout
	mustAppend(t, s, logout)

	second := base
	second.Kind = KindLogout
	_, err := s.Append(ctx, second)
	if !IsDuplicateLogout(err) {
		t.Fatalf("expected DuplicateLogoutError, got %v", err)
	}

	// A LOGOUT in a different session is unaffected.
	other := ActionRecord{
		Email: "alice@x.com", Name: "Alice",
		SessionID: "sess-2", Kind: KindLogout,
	}
	mustAppend(t, s, other)
}

func TestBacklogOrdering(t *testing.T) {
	s := newTestStore(t)
	base := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

	// Enqueue priority 1 at T, priority 1 at T+1s, priority 3 at T+2s.
	mustAppend(t, s, ActionRecord{
		Email: "u@x.com", Name: "U", Kind: KindStatusChange,
		Timestamp: base, Priority: 1, Comment: "p1-early",
	})
	mustAppend(t, s, ActionRecord{
		Email: "u@x.com", Name: "U", Kind: KindStatusChange,
		Timestamp: base.Add(time.Second), Priority: 1, Comment: "p1-late",
	})
	mustAppend(t, s, ActionRecord{
		Email: "u@x.com", Name: "U", Kind: KindLogout,
		Timestamp: base.Add(2 * time.Second), Priority: 3, Comment: "p3",
	})

	recs, err := s.GetUnsynced(context.Background(), 10, 0, 0)
	if err != nil {
		t.Fatalf("GetUnsynced failed: %v", err)
	}
	got := make([]string, len(recs))
	for i, r := range recs {
		got[i] = r.Comment
	}
	want := []string{"p3", "p1-early", "p1-late"}
	for i := range want {
		if i >= len(got) || got[i] != want[i] {
			t.Fatalf("backlog order mismatch: got %v, want %v", got, want)
		}
	}
}

func TestFreshTierPreferred(t *testing.T) {
	s := newTestStore(t)
	now := time.Now()

	// Old backlog record plus one fresh record.
	mustAppend(t, s, ActionRecord{
		Email: "u@x.com", Name: "U", Kind: KindStatusChange,
		Timestamp: now.Add(-2 * time.Hour), Comment: "stale",
	})
	mustAppend(t, s, ActionRecord{
		Email: "u@x.com", Name: "U", Kind: KindStatusChange,
		Timestamp: now.Add(-time.Minute), Comment: "fresh",
	})

	recs, err := s.GetUnsynced(context.Background(), 50, 15*time.Minute, 20)
	if err != nil {
		t.Fatalf("GetUnsynced failed: %v", err)
	}
	if len(recs) != 1 || recs[0].Comment != "fresh" {
		t.Fatalf("expected only the fresh record, got %d records", len(recs))
	}
}

func TestFreshTierFallsBackToBacklog(t *testing.T) {
	s := newTestStore(t)
	mustAppend(t, s, ActionRecord{
		Email: "u@x.com", Name: "U", Kind: KindStatusChange,
		Timestamp: time.Now().Add(-2 * time.Hour), Comment: "stale",
	})

	recs, err := s.GetUnsynced(context.Background(), 50, 15*time.Minute, 20)
	if err != nil {
		t.Fatalf("GetUnsynced failed: %v", err)
	}
	if len(recs) != 1 || recs[0].Comment != "stale" {
		t.Fatalf("expected backlog fallback, got %+v", recs)
	}
}

func TestMarkSyncedIdempotent(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	id := mustAppend(t, s, ActionRecord{Email: "u@x.com", Name: "U", Kind: KindLogin})

	n, err := s.MarkSynced(ctx, []int64{id})
	if err != nil {
		t.Fatalf("MarkSynced failed: %v", err)
	}
	if n != 1 {
		t.Errorf("first mark: expected 1 row, got %d", n)
	}

	n, err = s.MarkSynced(ctx, []int64{id})
	if err != nil {
		t.Fatalf("second MarkSynced failed: %v", err)
	}
	if n != 0 {
		t.Errorf("second mark must be a no-op, changed %d rows", n)
	}

	count, err := s.CountUnsynced(ctx, "")
	if err != nil {
		t.Fatalf("CountUnsynced failed: %v", err)
	}
	if count != 0 {
		t.Errorf("expected empty backlog, got %d", count)
	}
}

func TestCountUnsyncedPerUser(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	mustAppend(t, s, ActionRecord{Email: "a@x.com", Name: "A", Kind: KindLogin})
	mustAppend(t, s, ActionRecord{Email: "a@x.com", Name: "A", Kind: KindStatusChange})
	mustAppend(t, s, ActionRecord{Email: "b@x.com", Name: "B", Kind: KindLogin})

	if n, _ := s.CountUnsynced(ctx, ""); n != 3 {
		t.Errorf("total backlog: expected 3, got %d", n)
	}
	if n, _ := s.CountUnsynced(ctx, "A@X.COM"); n != 2 {
		t.Errorf("per-user backlog: expected 2, got %d", n)
	}
}

func TestSingleOpenStatusPerSession(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	start := time.Now().Add(-time.Hour)

	mustAppend(t, s, ActionRecord{
		Email: "u@x.com", Name: "U", Kind: KindStatusChange,
		SessionID: "sess-1", Status: "WORKING", StatusStart: &start,
	})
	mustAppend(t, s, ActionRecord{
		Email: "u@x.com", Name: "U", Kind: KindStatusChange,
		SessionID: "sess-1", Status: "BREAK", StatusStart: &start,
	})

	recs, err := s.GetUnsynced(ctx, 10, 0, 0)
	if err != nil {
		t.Fatalf("GetUnsynced failed: %v", err)
	}
	open := 0
	for _, r := range recs {
		if r.StatusStart != nil && r.StatusEnd == nil {
			open++
		}
	}
	if open != 1 {
		t.Errorf("expected exactly one open status, got %d", open)
	}
}

func TestFinishOpenStatus(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	start := time.Now().Add(-30 * time.Minute)

	id := mustAppend(t, s, ActionRecord{
		Email: "u@x.com", Name: "U", Kind: KindStatusChange,
		SessionID: "sess-1", Status: "WORKING", StatusStart: &start,
	})

	finished, ok, err := s.FinishOpenStatus(ctx, "u@x.com", "sess-1", time.Now())
	if err != nil {
		t.Fatalf("FinishOpenStatus failed: %v", err)
	}
	if !ok || finished != id {
		t.Errorf("expected to finish record %d, got %d ok=%v", id, finished, ok)
	}

	// Nothing left to finish.
	_, ok, err = s.FinishOpenStatus(ctx, "u@x.com", "", time.Now())
	if err != nil {
		t.Fatalf("second FinishOpenStatus failed: %v", err)
	}
	if ok {
		t.Error("expected no open status on second call")
	}
}

func TestLastUnfinishedSession(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	rec, err := s.LastUnfinishedSession(ctx)
	if err != nil {
		t.Fatalf("LastUnfinishedSession failed: %v", err)
	}
	if rec != nil {
		t.Fatal("expected nil on empty queue")
	}

	mustAppend(t, s, ActionRecord{
		Email: "u@x.com", Name: "U", Kind: KindLogin, SessionID: "done",
		Timestamp: time.Now().Add(-time.Hour),
	})
	mustAppend(t, s, ActionRecord{
		Email: "u@x.com", Name: "U", Kind: KindLogout, SessionID: "done",
		Timestamp: time.Now().Add(-50 * time.Minute),
	})
	mustAppend(t, s, ActionRecord{
		Email: "u@x.com", Name: "U", Kind: KindLogin, SessionID: "orphan",
		Timestamp: time.Now().Add(-10 * time.Minute),
	})

	rec, err = s.LastUnfinishedSession(ctx)
	if err != nil {
		t.Fatalf("LastUnfinishedSession failed: %v", err)
	}
	if rec == nil || rec.SessionID != "orphan" {
		t.Fatalf("expected orphan session, got %+v", rec)
	}
}

func TestCurrentUserEmail(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	email, err := s.CurrentUserEmail(ctx)
	if err != nil {
		t.Fatalf("CurrentUserEmail failed: %v", err)
	}
	if email != "" {
		t.Errorf("expected empty email on empty queue, got %q", email)
	}

	mustAppend(t, s, ActionRecord{
		Email: "old@x.com", Name: "Old", Kind: KindLogin,
		Timestamp: time.Now().Add(-time.Hour),
	})
	mustAppend(t, s, ActionRecord{
		Email: "new@x.com", Name: "New", Kind: KindLogin,
		Timestamp: time.Now(),
	})

	email, err = s.CurrentUserEmail(ctx)
	if err != nil {
		t.Fatalf("CurrentUserEmail failed: %v", err)
	}
	if email != "new@x.com" {
		t.Errorf("expected newest email, got %q", email)
	}
}

func TestPruneBoundsStorageRegardlessOfSyncState(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	old := time.Now().Add(-45 * 24 * time.Hour)

	syncedID := mustAppend(t, s, ActionRecord{
		Email: "u@x.com", Name: "U", Kind: KindLogin, Timestamp: old,
	})
	mustAppend(t, s, ActionRecord{
		Email: "u@x.com", Name: "U", Kind: KindStatusChange, Timestamp: old,
	})
	freshID := mustAppend(t, s, ActionRecord{
		Email: "u@x.com", Name: "U", Kind: KindStatusChange,
	})
	if _, err := s.MarkSynced(ctx, []int64{syncedID}); err != nil {
		t.Fatalf("MarkSynced failed: %v", err)
	}

	actions, _, err := s.PruneOlderThan(ctx, 30*24*time.Hour)
	if err != nil {
		t.Fatalf("PruneOlderThan failed: %v", err)
	}
	// Both records past the cutoff go, synced or not.
	if actions != 2 {
		t.Errorf("expected 2 pruned actions, got %d", actions)
	}
	recs, err := s.GetUnsynced(ctx, 10, 0, 0)
	if err != nil {
		t.Fatalf("GetUnsynced failed: %v", err)
	}
	if len(recs) != 1 || recs[0].ID != freshID {
		t.Errorf("expected only the in-window record to survive, got %+v", recs)
	}
}

func TestPendingEmailsPriorityOrder(t *testing.T) {
	s := newTestStore(t)
	mustAppend(t, s, ActionRecord{Email: "low@x.com", Name: "L", Kind: KindStatusChange, Priority: 1})
	mustAppend(t, s, ActionRecord{Email: "high@x.com", Name: "H", Kind: KindLogout, Priority: 3})

	emails, err := s.PendingEmails(context.Background())
	if err != nil {
		t.Fatalf("PendingEmails failed: %v", err)
	}
	if len(emails) != 2 || emails[0] != "high@x.com" {
		t.Fatalf("expected high-priority user first, got %v", emails)
	}
}

func TestWriterLockTimeout(t *testing.T) {
	s, err := Open(Options{
		Path:     filepath.Join(t.TempDir(), "queue.db"),
		LockWait: 50 * time.Millisecond,
		Logger:   logging.New(logging.Config{Quiet: true}),
	})
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	defer s.Close()

	// Hold the writer lock so Append cannot acquire it.
	s.writer <- struct{}{}
	defer func() { <-s.writer }()

	_, err = s.Append(context.Background(), ActionRecord{
		Email: "u@x.com", Name: "U", Kind: KindLogin,
	})
	if err != ErrLockTimeout {
		t.Fatalf("expected ErrLockTimeout, got %v", err)
	}
}

func TestDiagnosticSinkCapturesWarnings(t *testing.T) {
	s := newTestStore(t)
	logger := logging.New(logging.Config{Quiet: true, Sink: s.DiagnosticSink()})

	logger.Warn("remote endpoint unreachable", "attempt", 2)
	logger.Info("cycle finished") // below Warn, not captured

	var n int
	err := s.db.QueryRow(`SELECT COUNT(*) FROM app_logs`).Scan(&n)
	if err != nil {
		t.Fatalf("count app_logs: %v", err)
	}
	if n != 1 {
		t.Errorf("expected 1 diagnostic row, got %d", n)
	}
}

func TestClosedStoreRejectsOperations(t *testing.T) {
	s := newTestStore(t)
	if err := s.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}
	if _, err := s.Append(context.Background(), ActionRecord{
		Email: "u@x.com", Name: "U", Kind: KindLogin,
	}); err != ErrClosed {
		t.Errorf("expected ErrClosed, got %v", err)
	}
	if _, err := s.CountUnsynced(context.Background(), ""); err != ErrClosed {
		t.Errorf("expected ErrClosed, got %v", err)
	}
}
