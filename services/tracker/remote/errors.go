// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package remote

import (
	"context"
	"errors"
	"fmt"
	"net"
)

// ErrorKind classifies a remote call failure. The sync engine keys its
// retry and circuit-breaker decisions off the kind, never off error
// message text.
type ErrorKind int

const (
	// KindDNS means name resolution failed. DNS failure implies the
	// network is gone, so the engine short-circuits the rest of the
	// cycle instead of retrying each record.
	KindDNS ErrorKind = iota

	// KindConnectivity means the transport failed after DNS: refused
	// connections, resets, timeouts. Retryable.
	KindConnectivity

	// KindUnavailable means the remote service answered but is
	// unhealthy (5xx, 429). Retryable; counts toward the breaker.
	KindUnavailable

	// KindRejected means the remote service rejected the request as
	// malformed or unauthorized (other 4xx). Never retried; retrying a
	// rejected payload can only fail the same way again.
	KindRejected
)

// String returns the kind's name for logs.
func (k ErrorKind) String() string {
	switch k {
	case KindDNS:
		return "dns"
	case KindConnectivity:
		return "connectivity"
	case KindUnavailable:
		return "unavailable"
	case KindRejected:
		return "rejected"
	default:
		return "unknown"
	}
}

// Error is a classified remote call failure.
type Error struct {
	Kind       ErrorKind
	Op         string
	StatusCode int
	Err        error
}

func (e *Error) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("remote %s: %s (HTTP %d): %v", e.Op, e.Kind, e.StatusCode, e.Err)
	}
	return fmt.Sprintf("remote %s: %s: %v", e.Op, e.Kind, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// Retryable reports whether the engine may retry the failed call.
func (e *Error) Retryable() bool {
	return e.Kind != KindRejected
}

// CountsTowardBreaker reports whether the failure should trip the
// circuit breaker. Rejections are the client's fault, not the remote
// service's health, so they are excluded.
func (e *Error) CountsTowardBreaker() bool {
	return e.Kind == KindUnavailable || e.Kind == KindConnectivity
}

// KindOf extracts the ErrorKind from err, or KindConnectivity with
// ok=false when err is not a classified remote error.
func KindOf(err error) (ErrorKind, bool) {
	var re *Error
	if errors.As(err, &re) {
		return re.Kind, true
	}
	return KindConnectivity, false
}

// IsDNS reports whether err is a DNS-kind remote error.
func IsDNS(err error) bool {
	k, ok := KindOf(err)
	return ok && k == KindDNS
}

// classifyTransport maps a transport-level error (no HTTP response) to
// a classified *Error.
func classifyTransport(op string, err error) *Error {
	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return &Error{Kind: KindDNS, Op: op, Err: err}
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return &Error{Kind: KindConnectivity, Op: op, Err: err}
	}
	return &Error{Kind: KindConnectivity, Op: op, Err: err}
}

// classifyStatus maps a non-2xx HTTP status to a classified *Error.
func classifyStatus(op string, status int, body string) *Error {
	err := fmt.Errorf("%s", body)
	switch {
	case status >= 500 || status == 429:
		return &Error{Kind: KindUnavailable, Op: op, StatusCode: status, Err: err}
	default:
		return &Error{Kind: KindRejected, Op: op, StatusCode: status, Err: err}
	}
}
