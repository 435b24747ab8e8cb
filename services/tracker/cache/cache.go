// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package cache is a BadgerDB-backed TTL cache for remote directory
// data (user records, group assignments). It lets the client resolve
// users while offline from the last data it saw, and shields the remote
// API from repeated lookups while online.
//
// License: BadgerDB is Apache 2.0 licensed (github.com/dgraph-io/badger).
package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/dgraph-io/badger/v4"

	"github.com/AleutianAI/shiftlog/services/tracker/remote"
)

// Options configures a Directory cache.
type Options struct {
	// Path is the BadgerDB directory. Ignored when InMemory is true.
	Path string

	// InMemory enables in-memory mode, used by tests.
	InMemory bool

	// TTL is how long cached entries stay valid. Default 5 minutes.
	// Badger evicts expired entries itself, so staleness never needs a
	// sweeper.
	TTL time.Duration

	// Logger receives BadgerDB's internal logging. Nil disables it.
	Logger *slog.Logger
}

// Directory caches remote user records locally.
//
// Thread Safety: safe for concurrent use.
type Directory struct {
	db  *badger.DB
	ttl time.Duration
}

// badgerLogger adapts slog.Logger to BadgerDB's Logger interface.
type badgerLogger struct {
	logger *slog.Logger
}

func (l *badgerLogger) Errorf(format string, args ...interface{}) {
	l.logger.Error(fmt.Sprintf(format, args...))
}

func (l *badgerLogger) Warningf(format string, args ...interface{}) {
	l.logger.Warn(fmt.Sprintf(format, args...))
}

func (l *badgerLogger) Infof(format string, args ...interface{}) {
	l.logger.Info(fmt.Sprintf(format, args...))
}

func (l *badgerLogger) Debugf(format string, args ...interface{}) {
	l.logger.Debug(fmt.Sprintf(format, args...))
}

// Open creates the cache database.
func Open(opts Options) (*Directory, error) {
	if opts.TTL <= 0 {
		opts.TTL = 5 * time.Minute
	}

	var badgerOpts badger.Options
	if opts.InMemory {
		badgerOpts = badger.DefaultOptions("").WithInMemory(true)
	} else {
		if opts.Path == "" {
			return nil, fmt.Errorf("cache: path is required for persistent cache")
		}
		badgerOpts = badger.DefaultOptions(opts.Path)
	}
	if opts.Logger != nil {
		badgerOpts = badgerOpts.WithLogger(&badgerLogger{logger: opts.Logger})
	} else {
		badgerOpts = badgerOpts.WithLogger(nil)
	}

	db, err := badger.Open(badgerOpts)
	if err != nil {
		return nil, fmt.Errorf("cache: open badger: %w", err)
	}
	return &Directory{db: db, ttl: opts.TTL}, nil
}

// Close releases the underlying database.
func (d *Directory) Close() error {
	return d.db.Close()
}

func userKey(email string) []byte {
	return []byte("user:" + email)
}

// PutUser stores a user record under its email with the cache TTL.
func (d *Directory) PutUser(u *remote.User) error {
	if u == nil || u.Email == "" {
		return fmt.Errorf("cache: user with email is required")
	}
	buf, err := json.Marshal(u)
	if err != nil {
		return fmt.Errorf("cache: marshal user: %w", err)
	}
	err = d.db.Update(func(txn *badger.Txn) error {
		entry := badger.NewEntry(userKey(u.Email), buf).WithTTL(d.ttl)
		return txn.SetEntry(entry)
	})
	if err != nil {
		return fmt.Errorf("cache: put user: %w", err)
	}
	return nil
}

// GetUser returns the cached record for email, or (nil, false) on a
// miss or an expired entry.
func (d *Directory) GetUser(email string) (*remote.User, bool) {
	var u remote.User
	err := d.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(userKey(email))
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			return json.Unmarshal(val, &u)
		})
	})
	if err != nil {
		return nil, false
	}
	return &u, true
}

// Invalidate drops the cached record for email. Missing keys are not
// an error.
func (d *Directory) Invalidate(email string) error {
	err := d.db.Update(func(txn *badger.Txn) error {
		return txn.Delete(userKey(email))
	})
	if err != nil {
		return fmt.Errorf("cache: invalidate: %w", err)
	}
	return nil
}

// Resolver looks up users remote-first with a cached fallback: a hit
// refreshes the cache, a retryable remote failure falls back to the
// last cached record so group tags survive outages.
type Resolver struct {
	api remote.API
	dir *Directory
}

// NewResolver wraps api with the read-through directory cache.
func NewResolver(api remote.API, dir *Directory) *Resolver {
	return &Resolver{api: api, dir: dir}
}

// Lookup resolves email to a user record. A nil user with nil error
// means the remote authoritatively knows no such user.
func (r *Resolver) Lookup(ctx context.Context, email string) (*remote.User, error) {
	u, err := r.api.GetUserByEmail(ctx, email)
	if err == nil {
		if u != nil {
			_ = r.dir.PutUser(u)
		}
		return u, nil
	}
	// Fall back to the cache for anything but a rejection: rejections
	// mean the remote answered authoritatively and stale data would
	// contradict it.
	var re *remote.Error
	if !errors.As(err, &re) || re.Retryable() {
		if cached, ok := r.dir.GetUser(email); ok {
			return cached, nil
		}
	}
	return nil, err
}
