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
	"errors"
	"fmt"
)

// ErrLockTimeout is returned when a writer cannot obtain the queue lock
// within the configured wait. Surfaced to the caller rather than
// blocking indefinitely.
var ErrLockTimeout = errors.New("queue writer lock acquisition timed out")

// ErrClosed is returned by every operation after Close.
var ErrClosed = errors.New("queue store is closed")

// ValidationError reports malformed input to the queue: a missing
// required field, an unknown action kind, or an oversized comment.
// Never retried; surfaced to the caller immediately.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid action record: %s %s", e.Field, e.Reason)
}

// DuplicateLogoutError reports a second LOGOUT appended for a session.
// Callers must treat this as a benign no-op, not a crash.
type DuplicateLogoutError struct {
	SessionID string
}

func (e *DuplicateLogoutError) Error() string {
	return fmt.Sprintf("session %s already has a LOGOUT record", e.SessionID)
}

// IsDuplicateLogout reports whether err is a DuplicateLogoutError.
func IsDuplicateLogout(err error) bool {
	var dup *DuplicateLogoutError
	return errors.As(err, &dup)
}

// IsValidation reports whether err is a ValidationError.
func IsValidation(err error) bool {
	var v *ValidationError
	return errors.As(err, &v)
}
