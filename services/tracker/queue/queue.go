// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package queue implements the durable local action queue backed by
// SQLite. Every user action is appended here before any network I/O is
// attempted, so the queue is the source of truth for what still needs
// to reach the remote service.
//
// Writers are serialized through a single lock with a bounded wait;
// reads run concurrently against the WAL snapshot.
package queue

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"github.com/AleutianAI/shiftlog/pkg/logging"
)

// ActionKind identifies the type of a queued action.
type ActionKind string

const (
	KindLogin        ActionKind = "LOGIN"
	KindLogout       ActionKind = "LOGOUT"
	KindStatusChange ActionKind = "STATUS_CHANGE"
)

// timeLayout is a fixed-width RFC 3339 variant so that lexicographic
// ordering of the stored strings matches chronological ordering.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

func formatTime(t time.Time) string { return t.UTC().Format(timeLayout) }

func parseTime(s string) (time.Time, error) {
	if t, err := time.Parse(timeLayout, s); err == nil {
		return t, nil
	}
	return time.Parse(time.RFC3339Nano, s)
}

// ActionRecord is a single queued action. Zero-value optional fields
// are stored as NULL.
type ActionRecord struct {
	ID           int64
	SessionID    string
	Email        string
	Name         string
	Status       string
	Kind         ActionKind
	Comment      string
	Timestamp    time.Time
	StatusStart  *time.Time
	StatusEnd    *time.Time
	Reason       string
	UserGroup    string
	Synced       bool
	SyncAttempts int
	LastAttempt  *time.Time
	Priority     int
}

// Options configures a Store. Zero values fall back to safe defaults.
type Options struct {
	// Path is the SQLite database file. ":memory:" opens an in-memory
	// database (used by tests).
	Path string
	// LockWait bounds how long a writer waits for the queue lock
	// before failing with ErrLockTimeout. Default 5s.
	LockWait time.Duration
	// CommentMaxLen caps the comment field. Default 500.
	CommentMaxLen int
	Logger        *logging.Logger
}

// Store is the durable queue. Safe for concurrent use.
type Store struct {
	db            *sql.DB
	writer        chan struct{}
	lockWait      time.Duration
	commentMaxLen int
	log           *logging.Logger
	closed        chan struct{}
}

const schema = `
CREATE TABLE IF NOT EXISTS logs (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	session_id TEXT NOT NULL,
	email TEXT NOT NULL,
	name TEXT NOT NULL,
	status TEXT,
	action_type TEXT NOT NULL,
	comment TEXT,
	timestamp TEXT NOT NULL,
	synced INTEGER NOT NULL DEFAULT 0,
	sync_attempts INTEGER NOT NULL DEFAULT 0,
	last_sync_attempt TEXT,
	priority INTEGER NOT NULL DEFAULT 1,
	status_start_time TEXT,
	status_end_time TEXT,
	reason TEXT,
	user_group TEXT
);
CREATE INDEX IF NOT EXISTS idx_logs_email ON logs(email);
CREATE INDEX IF NOT EXISTS idx_logs_synced ON logs(synced);
CREATE INDEX IF NOT EXISTS idx_logs_timestamp ON logs(timestamp);
CREATE INDEX IF NOT EXISTS idx_logs_session ON logs(session_id);

CREATE TABLE IF NOT EXISTS app_logs (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	timestamp TEXT NOT NULL,
	level TEXT NOT NULL,
	message TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_app_logs_timestamp ON app_logs(timestamp);
`

// Open creates (or opens) the queue database at opts.Path, applies the
// schema, and switches the database to WAL mode so readers do not block
// behind the writer.
func Open(opts Options) (*Store, error) {
	if opts.Path == "" {
		return nil, fmt.Errorf("queue: database path is required")
	}
	if opts.LockWait <= 0 {
		opts.LockWait = 5 * time.Second
	}
	if opts.CommentMaxLen <= 0 {
		opts.CommentMaxLen = 500
	}
	if opts.Logger == nil {
		opts.Logger = logging.Default()
	}

	dsn := opts.Path
	inMemory := opts.Path == ":memory:"
	if inMemory {
		dsn = "file::memory:?mode=memory&cache=shared"
	}
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("queue: open database: %w", err)
	}
	if inMemory {
		// A shared-cache memory database disappears when its last
		// connection closes; pin a single connection.
		db.SetMaxOpenConns(1)
	} else {
		db.SetMaxOpenConns(4)
	}

	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL;",
		"PRAGMA busy_timeout=5000;",
		"PRAGMA foreign_keys=ON;",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("queue: apply pragma: %w", err)
		}
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("queue: apply schema: %w", err)
	}

	return &Store{
		db:            db,
		writer:        make(chan struct{}, 1),
		lockWait:      opts.LockWait,
		commentMaxLen: opts.CommentMaxLen,
		log:           opts.Logger.With("component", "queue"),
		closed:        make(chan struct{}),
	}, nil
}

// Close releases the underlying database. Operations after Close fail
// with ErrClosed.
func (s *Store) Close() error {
	select {
	case <-s.closed:
		return nil
	default:
		close(s.closed)
	}
	return s.db.Close()
}

func (s *Store) isClosed() bool {
	select {
	case <-s.closed:
		return true
	default:
		return false
	}
}

// acquireWriter takes the writer lock, waiting at most lockWait.
func (s *Store) acquireWriter(ctx context.Context) error {
	if s.isClosed() {
		return ErrClosed
	}
	timer := time.NewTimer(s.lockWait)
	defer timer.Stop()
	select {
	case s.writer <- struct{}{}:
		return nil
	case <-timer.C:
		return ErrLockTimeout
	case <-ctx.Done():
		return ctx.Err()
	case <-s.closed:
		return ErrClosed
	}
}

func (s *Store) releaseWriter() { <-s.writer }

// Ping verifies the database is reachable. Used by the health checker.
func (s *Store) Ping(ctx context.Context) error {
	if s.isClosed() {
		return ErrClosed
	}
	var one int
	return s.db.QueryRowContext(ctx, "SELECT 1").Scan(&one)
}

func (s *Store) validate(rec *ActionRecord) error {
	switch rec.Kind {
	case KindLogin, KindLogout, KindStatusChange:
	default:
		return &ValidationError{Field: "action_type", Reason: fmt.Sprintf("unknown kind %q", rec.Kind)}
	}
	if strings.TrimSpace(rec.Email) == "" {
		return &ValidationError{Field: "email", Reason: "is required"}
	}
	if strings.TrimSpace(rec.Name) == "" {
		return &ValidationError{Field: "name", Reason: "is required"}
	}
	if len(rec.Comment) > s.commentMaxLen {
		return &ValidationError{Field: "comment", Reason: fmt.Sprintf("exceeds %d characters", s.commentMaxLen)}
	}
	return nil
}

// Append durably records an action and returns its queue ID. The write
// commits before Append returns, independent of connectivity.
//
// Inputs:
//   - ctx: cancellation for the lock wait and the transaction.
//   - rec: the action to persist. Email is normalized to lower case,
//     a zero Timestamp is stamped with the current time, an empty
//     SessionID gets a fresh UUID, and Priority is clamped to [1,3].
//
// Outputs:
//   - the assigned row ID, or an error: ValidationError for malformed
//     input, DuplicateLogoutError for a second LOGOUT in a session,
//     ErrLockTimeout if the writer lock could not be acquired.
//
// Appending a LOGIN or STATUS_CHANGE closes any still-open status
// record for the same session in the same transaction, so each session
// has at most one open status at any time.
func (s *Store) Append(ctx context.Context, rec ActionRecord) (int64, error) {
	rec.Email = strings.ToLower(strings.TrimSpace(rec.Email))
	rec.Name = strings.TrimSpace(rec.Name)
	if err := s.validate(&rec); err != nil {
		return 0, err
	}
	if rec.Timestamp.IsZero() {
		rec.Timestamp = time.Now()
	}
	if rec.SessionID == "" {
		rec.SessionID = uuid.NewString()
	}
	if rec.Priority < 1 {
		rec.Priority = 1
	} else if rec.Priority > 3 {
		rec.Priority = 3
	}

	if err := s.acquireWriter(ctx); err != nil {
		return 0, err
	}
	defer s.releaseWriter()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("queue: begin append: %w", err)
	}
	defer tx.Rollback()

	if rec.Kind == KindLogout {
		var n int
		err := tx.QueryRowContext(ctx,
			`SELECT COUNT(*) FROM logs WHERE session_id = ? AND action_type = ?`,
			rec.SessionID, string(KindLogout)).Scan(&n)
		if err != nil {
			return 0, fmt.Errorf("queue: check logout: %w", err)
		}
		if n > 0 {
			return 0, &DuplicateLogoutError{SessionID: rec.SessionID}
		}
	}

	if rec.Kind == KindLogin || rec.Kind == KindStatusChange {
		// Stamp an end time on whatever status record is still open
		// for this session before opening a new one.
		_, err := tx.ExecContext(ctx,
			`UPDATE logs SET status_end_time = ?
			 WHERE session_id = ? AND status_start_time IS NOT NULL AND status_end_time IS NULL`,
			formatTime(rec.Timestamp), rec.SessionID)
		if err != nil {
			return 0, fmt.Errorf("queue: close open status: %w", err)
		}
	}

	res, err := tx.ExecContext(ctx,
		`INSERT INTO logs (session_id, email, name, status, action_type, comment,
			timestamp, synced, sync_attempts, priority,
			status_start_time, status_end_time, reason, user_group)
		 VALUES (?, ?, ?, ?, ?, ?, ?, 0, 0, ?, ?, ?, ?, ?)`,
		rec.SessionID, rec.Email, rec.Name, nullable(rec.Status), string(rec.Kind),
		nullable(rec.Comment), formatTime(rec.Timestamp), rec.Priority,
		nullableTime(rec.StatusStart), nullableTime(rec.StatusEnd),
		nullable(rec.Reason), nullable(rec.UserGroup))
	if err != nil {
		return 0, fmt.Errorf("queue: insert action: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("queue: last insert id: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("queue: commit append: %w", err)
	}

	s.log.Debug("action appended", "id", id, "kind", string(rec.Kind), "email", rec.Email)
	return id, nil
}

func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func nullableTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return formatTime(*t)
}

const selectColumns = `id, session_id, email, name,
	COALESCE(status, ''), action_type, COALESCE(comment, ''), timestamp,
	synced, sync_attempts, last_sync_attempt, priority,
	status_start_time, status_end_time, COALESCE(reason, ''), COALESCE(user_group, '')`

func scanRecord(rows *sql.Rows) (ActionRecord, error) {
	var (
		rec                     ActionRecord
		kind, ts                string
		synced                  int
		lastAttempt, start, end sql.NullString
	)
	err := rows.Scan(&rec.ID, &rec.SessionID, &rec.Email, &rec.Name,
		&rec.Status, &kind, &rec.Comment, &ts,
		&synced, &rec.SyncAttempts, &lastAttempt, &rec.Priority,
		&start, &end, &rec.Reason, &rec.UserGroup)
	if err != nil {
		return rec, err
	}
	rec.Kind = ActionKind(kind)
	rec.Synced = synced != 0
	if rec.Timestamp, err = parseTime(ts); err != nil {
		return rec, fmt.Errorf("queue: parse timestamp %q: %w", ts, err)
	}
	for _, pair := range []struct {
		src sql.NullString
		dst **time.Time
	}{{lastAttempt, &rec.LastAttempt}, {start, &rec.StatusStart}, {end, &rec.StatusEnd}} {
		if pair.src.Valid {
			t, err := parseTime(pair.src.String)
			if err != nil {
				return rec, fmt.Errorf("queue: parse time %q: %w", pair.src.String, err)
			}
			*pair.dst = &t
		}
	}
	return rec, nil
}

// GetUnsynced returns pending records for delivery, freshest activity
// first. When freshWindow > 0 and fresh records exist (timestamp within
// the window), only those are returned, ordered priority DESC then
// timestamp DESC, capped at freshLimit. Otherwise the call falls back
// to the oldest-first backlog: priority DESC then timestamp ASC, capped
// at limit. A freshWindow of zero skips the fresh tier entirely.
func (s *Store) GetUnsynced(ctx context.Context, limit int, freshWindow time.Duration, freshLimit int) ([]ActionRecord, error) {
	if s.isClosed() {
		return nil, ErrClosed
	}
	if limit <= 0 {
		limit = 50
	}
	if freshLimit <= 0 {
		freshLimit = 20
	}

	if freshWindow > 0 {
		cutoff := formatTime(time.Now().Add(-freshWindow))
		recs, err := s.queryRecords(ctx,
			`SELECT `+selectColumns+` FROM logs
			 WHERE synced = 0 AND timestamp >= ?
			 ORDER BY priority DESC, timestamp DESC LIMIT ?`,
			cutoff, freshLimit)
		if err != nil {
			return nil, err
		}
		if len(recs) > 0 {
			return recs, nil
		}
	}

	return s.queryRecords(ctx,
		`SELECT `+selectColumns+` FROM logs
		 WHERE synced = 0
		 ORDER BY priority DESC, timestamp ASC LIMIT ?`, limit)
}

func (s *Store) queryRecords(ctx context.Context, query string, args ...any) ([]ActionRecord, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("queue: query records: %w", err)
	}
	defer rows.Close()
	var out []ActionRecord
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// MarkSynced flags the given records as delivered and bumps their
// attempt counters. Already-synced IDs are skipped, so repeated calls
// with the same IDs are harmless. Returns the number of rows changed.
func (s *Store) MarkSynced(ctx context.Context, ids []int64) (int, error) {
	if len(ids) == 0 {
		return 0, nil
	}
	if err := s.acquireWriter(ctx); err != nil {
		return 0, err
	}
	defer s.releaseWriter()

	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(ids)), ",")
	args := make([]any, 0, len(ids)+1)
	args = append(args, formatTime(time.Now()))
	for _, id := range ids {
		args = append(args, id)
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE logs SET synced = 1, sync_attempts = sync_attempts + 1, last_sync_attempt = ?
		 WHERE id IN (`+placeholders+`) AND synced = 0`, args...)
	if err != nil {
		return 0, fmt.Errorf("queue: mark synced: %w", err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

// RecordAttempt bumps the attempt counter for records that failed to
// deliver, without flipping the synced flag.
func (s *Store) RecordAttempt(ctx context.Context, ids []int64) error {
	if len(ids) == 0 {
		return nil
	}
	if err := s.acquireWriter(ctx); err != nil {
		return err
	}
	defer s.releaseWriter()

	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(ids)), ",")
	args := make([]any, 0, len(ids)+1)
	args = append(args, formatTime(time.Now()))
	for _, id := range ids {
		args = append(args, id)
	}
	_, err := s.db.ExecContext(ctx,
		`UPDATE logs SET sync_attempts = sync_attempts + 1, last_sync_attempt = ?
		 WHERE id IN (`+placeholders+`)`, args...)
	if err != nil {
		return fmt.Errorf("queue: record attempt: %w", err)
	}
	return nil
}

// CountUnsynced reports the pending backlog. An empty email counts
// every user's records.
func (s *Store) CountUnsynced(ctx context.Context, email string) (int, error) {
	if s.isClosed() {
		return 0, ErrClosed
	}
	var (
		n   int
		err error
	)
	if email == "" {
		err = s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM logs WHERE synced = 0`).Scan(&n)
	} else {
		err = s.db.QueryRowContext(ctx,
			`SELECT COUNT(*) FROM logs WHERE synced = 0 AND email = ?`,
			strings.ToLower(strings.TrimSpace(email))).Scan(&n)
	}
	if err != nil {
		return 0, fmt.Errorf("queue: count unsynced: %w", err)
	}
	return n, nil
}

// PendingEmails returns the distinct users with unsynced records,
// highest-priority backlog first.
func (s *Store) PendingEmails(ctx context.Context) ([]string, error) {
	if s.isClosed() {
		return nil, ErrClosed
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT email FROM logs WHERE synced = 0
		 GROUP BY email ORDER BY MAX(priority) DESC, MIN(timestamp) ASC`)
	if err != nil {
		return nil, fmt.Errorf("queue: pending emails: %w", err)
	}
	defer rows.Close()
	var out []string
	for rows.Next() {
		var e string
		if err := rows.Scan(&e); err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// GetUnsyncedForUser is GetUnsynced restricted to a single email.
func (s *Store) GetUnsyncedForUser(ctx context.Context, email string, limit int, freshWindow time.Duration, freshLimit int) ([]ActionRecord, error) {
	if s.isClosed() {
		return nil, ErrClosed
	}
	email = strings.ToLower(strings.TrimSpace(email))
	if limit <= 0 {
		limit = 50
	}
	if freshLimit <= 0 {
		freshLimit = 20
	}
	if freshWindow > 0 {
		cutoff := formatTime(time.Now().Add(-freshWindow))
		recs, err := s.queryRecords(ctx,
			`SELECT `+selectColumns+` FROM logs
			 WHERE synced = 0 AND email = ? AND timestamp >= ?
			 ORDER BY priority DESC, timestamp DESC LIMIT ?`,
			email, cutoff, freshLimit)
		if err != nil {
			return nil, err
		}
		if len(recs) > 0 {
			return recs, nil
		}
	}
	return s.queryRecords(ctx,
		`SELECT `+selectColumns+` FROM logs
		 WHERE synced = 0 AND email = ?
		 ORDER BY priority DESC, timestamp ASC LIMIT ?`, email, limit)
}

// FinishOpenStatus stamps an end time on the newest open status record
// for the user (optionally scoped to a session). Returns the affected
// row ID and true, or zero and false when no open status exists.
func (s *Store) FinishOpenStatus(ctx context.Context, email, sessionID string, end time.Time) (int64, bool, error) {
	email = strings.ToLower(strings.TrimSpace(email))
	if err := s.acquireWriter(ctx); err != nil {
		return 0, false, err
	}
	defer s.releaseWriter()

	query := `SELECT id FROM logs
		WHERE email = ? AND status_start_time IS NOT NULL AND status_end_time IS NULL`
	args := []any{email}
	if sessionID != "" {
		query += ` AND session_id = ?`
		args = append(args, sessionID)
	}
	query += ` ORDER BY timestamp DESC LIMIT 1`

	var id int64
	err := s.db.QueryRowContext(ctx, query, args...).Scan(&id)
	if err == sql.ErrNoRows {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("queue: find open status: %w", err)
	}
	if end.IsZero() {
		end = time.Now()
	}
	_, err = s.db.ExecContext(ctx,
		`UPDATE logs SET status_end_time = ? WHERE id = ?`, formatTime(end), id)
	if err != nil {
		return 0, false, fmt.Errorf("queue: finish status: %w", err)
	}
	return id, true, nil
}

// LastUnfinishedSession returns the most recent session that has a
// LOGIN but no LOGOUT, used for orphan detection after a crash.
func (s *Store) LastUnfinishedSession(ctx context.Context) (*ActionRecord, error) {
	if s.isClosed() {
		return nil, ErrClosed
	}
	recs, err := s.queryRecords(ctx,
		`SELECT `+selectColumns+` FROM logs
		 WHERE action_type = ? AND session_id NOT IN (
			SELECT session_id FROM logs WHERE action_type = ?)
		 ORDER BY timestamp DESC LIMIT 1`,
		string(KindLogin), string(KindLogout))
	if err != nil {
		return nil, err
	}
	if len(recs) == 0 {
		return nil, nil
	}
	return &recs[0], nil
}

// StaleOpenStatuses returns open status records whose start time is
// older than age, oldest first. The engine uses this to alert on
// statuses someone forgot to end.
func (s *Store) StaleOpenStatuses(ctx context.Context, age time.Duration) ([]ActionRecord, error) {
	if s.isClosed() {
		return nil, ErrClosed
	}
	cutoff := formatTime(time.Now().Add(-age))
	return s.queryRecords(ctx,
		`SELECT `+selectColumns+` FROM logs
		 WHERE status_start_time IS NOT NULL AND status_end_time IS NULL
		   AND status_start_time < ?
		 ORDER BY status_start_time ASC`, cutoff)
}

// CurrentUserEmail returns the email on the newest record, or "" when
// the queue is empty.
func (s *Store) CurrentUserEmail(ctx context.Context) (string, error) {
	if s.isClosed() {
		return "", ErrClosed
	}
	var email string
	err := s.db.QueryRowContext(ctx,
		`SELECT email FROM logs ORDER BY timestamp DESC, id DESC LIMIT 1`).Scan(&email)
	if err == sql.ErrNoRows {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("queue: current user: %w", err)
	}
	return email, nil
}

// PruneOlderThan deletes action records and diagnostic rows older than
// the retention cutoff, regardless of sync state: retention bounds
// local storage, and a record that failed to sync for the whole
// retention window is not going to make it. Returns (actions pruned,
// diagnostics pruned).
func (s *Store) PruneOlderThan(ctx context.Context, retention time.Duration) (int, int, error) {
	if err := s.acquireWriter(ctx); err != nil {
		return 0, 0, err
	}
	defer s.releaseWriter()

	cutoff := formatTime(time.Now().Add(-retention))
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM logs WHERE timestamp < ?`, cutoff)
	if err != nil {
		return 0, 0, fmt.Errorf("queue: prune logs: %w", err)
	}
	actions, _ := res.RowsAffected()

	res, err = s.db.ExecContext(ctx,
		`DELETE FROM app_logs WHERE timestamp < ?`, cutoff)
	if err != nil {
		return int(actions), 0, fmt.Errorf("queue: prune app logs: %w", err)
	}
	diags, _ := res.RowsAffected()

	s.log.Info("retention prune complete", "actions", actions, "diagnostics", diags)
	return int(actions), int(diags), nil
}

// AddDiagnostic appends a row to the app_logs diagnostics table.
func (s *Store) AddDiagnostic(ctx context.Context, level, message string) error {
	if err := s.acquireWriter(ctx); err != nil {
		return err
	}
	defer s.releaseWriter()
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO app_logs (timestamp, level, message) VALUES (?, ?, ?)`,
		formatTime(time.Now()), level, message)
	if err != nil {
		return fmt.Errorf("queue: add diagnostic: %w", err)
	}
	return nil
}

// DiagnosticSink adapts the store's app_logs table to logging.Sink so
// warning-and-above log entries are captured alongside the queue.
func (s *Store) DiagnosticSink() logging.Sink {
	return sinkFunc(func(e logging.Entry) error {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		// Best effort; a full queue lock must never stall the logger.
		return s.AddDiagnostic(ctx, e.Level.String(), e.Message)
	})
}

type sinkFunc func(logging.Entry) error

func (f sinkFunc) Write(e logging.Entry) error { return f(e) }
