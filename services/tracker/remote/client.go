// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package remote is the client for the hosted tracking API. It exposes
// the API interface consumed by the sync engine plus a REST client
// speaking the service's PostgREST-style dialect.
//
// Every failure returned by this package is a classified *Error so
// callers can make retry and circuit-breaker decisions from the error
// kind rather than from message text.
package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/awnumar/memguard"
	"golang.org/x/time/rate"

	"github.com/AleutianAI/shiftlog/pkg/logging"
)

// Action is the wire representation of one queued action.
type Action struct {
	ClientID    int64      `json:"client_id"`
	SessionID   string     `json:"session_id"`
	Email       string     `json:"email"`
	Name        string     `json:"name"`
	Status      string     `json:"status,omitempty"`
	ActionType  string     `json:"action_type"`
	Comment     string     `json:"comment,omitempty"`
	Timestamp   time.Time  `json:"timestamp"`
	StatusStart *time.Time `json:"status_start_time,omitempty"`
	StatusEnd   *time.Time `json:"status_end_time,omitempty"`
	Reason      string     `json:"reason,omitempty"`
	UserGroup   string     `json:"user_group,omitempty"`
	Priority    int        `json:"priority"`
}

// User is the remote directory record for an account.
type User struct {
	Email     string `json:"email"`
	Name      string `json:"name"`
	UserGroup string `json:"user_group"`
	Active    bool   `json:"active"`
}

// Session states reported by the remote service.
const (
	SessionActive   = "active"
	SessionKicked   = "kicked"
	SessionFinished = "finished"
	SessionExpired  = "expired"
	SessionUnknown  = "unknown"
)

// SessionStatus is the remote service's view of a session.
type SessionStatus struct {
	SessionID string `json:"session_id"`
	Open      bool   `json:"open"`
	Status    string `json:"status"`
}

// State normalizes the reported status to one of the session state
// constants; anything unrecognized maps to SessionUnknown.
func (s *SessionStatus) State() string {
	if s == nil {
		return SessionUnknown
	}
	switch s.Status {
	case SessionActive, SessionKicked, SessionFinished, SessionExpired:
		return s.Status
	default:
		return SessionUnknown
	}
}

// Command is a remote instruction awaiting acknowledgment (for example
// a forced logout issued by an administrator).
type Command struct {
	ID       int64           `json:"id"`
	Target   string          `json:"target"`
	Name     string          `json:"command"`
	Payload  json.RawMessage `json:"payload,omitempty"`
	IssuedAt time.Time       `json:"issued_at"`
}

// API is the remote surface the sync engine depends on. The engine
// never constructs HTTP requests itself; tests substitute a fake.
type API interface {
	// SendActions delivers a batch of actions. The remote service
	// deduplicates on (session_id, client_id), so redelivery after an
	// ambiguous failure is safe.
	SendActions(ctx context.Context, actions []Action) error

	// GetUserByEmail looks up a directory record. Returns (nil, nil)
	// when the user does not exist.
	GetUserByEmail(ctx context.Context, email string) (*User, error)

	// CheckSessionStatus fetches the remote view of a session. Returns
	// (nil, nil) when the session is unknown remotely.
	CheckSessionStatus(ctx context.Context, sessionID string) (*SessionStatus, error)

	// PendingCommands lists unacknowledged commands for the user.
	PendingCommands(ctx context.Context, email string) ([]Command, error)

	// AckCommand marks a command acknowledged so it is not redelivered.
	AckCommand(ctx context.Context, id int64) error

	// CheckCredentials verifies the configured API key is accepted.
	CheckCredentials(ctx context.Context) error
}

// ClientOptions configures a RESTClient.
type ClientOptions struct {
	// BaseURL of the remote service, e.g. "https://track.example.com".
	BaseURL string
	// APIKey is sealed into a memguard enclave immediately; the
	// plaintext only exists in locked memory while a request is signed.
	APIKey string
	// CallTimeout is the hard per-request deadline. Default 15s.
	CallTimeout time.Duration
	// RatePerMinute caps outbound request rate. Default 50.
	RatePerMinute int

	HTTPClient *http.Client
	Logger     *logging.Logger
}

// RESTClient implements API over HTTPS.
//
// Thread Safety: safe for concurrent use.
type RESTClient struct {
	baseURL     string
	apiKey      *memguard.Enclave
	client      *http.Client
	limiter     *rate.Limiter
	quota       int
	callTimeout time.Duration
	log         *logging.Logger
}

// NewRESTClient creates a client for the remote tracking API.
func NewRESTClient(opts ClientOptions) (*RESTClient, error) {
	if opts.BaseURL == "" {
		return nil, fmt.Errorf("remote: base URL is required")
	}
	if opts.APIKey == "" {
		return nil, fmt.Errorf("remote: API key is required")
	}
	if opts.CallTimeout <= 0 {
		opts.CallTimeout = 15 * time.Second
	}
	if opts.RatePerMinute <= 0 {
		opts.RatePerMinute = 50
	}
	if opts.HTTPClient == nil {
		opts.HTTPClient = &http.Client{Timeout: opts.CallTimeout}
	}
	if opts.Logger == nil {
		opts.Logger = logging.Default()
	}

	spacing := time.Minute / time.Duration(opts.RatePerMinute)
	return &RESTClient{
		baseURL:     strings.TrimRight(opts.BaseURL, "/"),
		apiKey:      memguard.NewEnclave([]byte(opts.APIKey)),
		client:      opts.HTTPClient,
		limiter:     rate.NewLimiter(rate.Every(spacing), 1),
		quota:       opts.RatePerMinute,
		callTimeout: opts.CallTimeout,
		log:         opts.Logger.With("component", "remote"),
	}, nil
}

// Quota returns the per-minute request cap the limiter enforces.
func (c *RESTClient) Quota() int { return c.quota }

// do performs one signed, rate-limited request and decodes a 2xx JSON
// response into out (when out is non-nil).
func (c *RESTClient) do(ctx context.Context, op, method, path string, body, out any) error {
	if err := c.limiter.Wait(ctx); err != nil {
		return classifyTransport(op, err)
	}

	ctx, cancel := context.WithTimeout(ctx, c.callTimeout)
	defer cancel()

	var reader io.Reader
	if body != nil {
		buf, err := json.Marshal(body)
		if err != nil {
			return &Error{Kind: KindRejected, Op: op, Err: err}
		}
		reader = bytes.NewReader(buf)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return &Error{Kind: KindRejected, Op: op, Err: err}
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	key, err := c.apiKey.Open()
	if err != nil {
		return &Error{Kind: KindRejected, Op: op, Err: fmt.Errorf("open api key enclave: %w", err)}
	}
	// The header strings alias the locked buffer's pages, so the buffer
	// must outlive the request; destroying it earlier unmaps memory the
	// transport still reads.
	defer key.Destroy()
	req.Header.Set("apikey", key.String())
	req.Header.Set("Authorization", "Bearer "+key.String())

	resp, err := c.client.Do(req)
	if err != nil {
		return classifyTransport(op, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return classifyStatus(op, resp.StatusCode, string(raw))
	}

	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return &Error{Kind: KindUnavailable, Op: op, Err: fmt.Errorf("decode response: %w", err)}
		}
	}
	return nil
}

// SendActions implements API.
func (c *RESTClient) SendActions(ctx context.Context, actions []Action) error {
	if len(actions) == 0 {
		return nil
	}
	return c.do(ctx, "send_actions", http.MethodPost, "/rest/v1/logs", actions, nil)
}

// GetUserByEmail implements API.
func (c *RESTClient) GetUserByEmail(ctx context.Context, email string) (*User, error) {
	path := "/rest/v1/users?select=*&email=eq." + url.QueryEscape(strings.ToLower(email))
	var users []User
	if err := c.do(ctx, "get_user", http.MethodGet, path, nil, &users); err != nil {
		return nil, err
	}
	if len(users) == 0 {
		return nil, nil
	}
	return &users[0], nil
}

// CheckSessionStatus implements API.
func (c *RESTClient) CheckSessionStatus(ctx context.Context, sessionID string) (*SessionStatus, error) {
	path := "/rest/v1/sessions?select=*&session_id=eq." + url.QueryEscape(sessionID)
	var sessions []SessionStatus
	if err := c.do(ctx, "check_session", http.MethodGet, path, nil, &sessions); err != nil {
		return nil, err
	}
	if len(sessions) == 0 {
		return nil, nil
	}
	return &sessions[0], nil
}

// PendingCommands implements API.
func (c *RESTClient) PendingCommands(ctx context.Context, email string) ([]Command, error) {
	path := "/rest/v1/commands?select=*&acknowledged=eq.false&target=eq." +
		url.QueryEscape(strings.ToLower(email))
	var commands []Command
	if err := c.do(ctx, "pending_commands", http.MethodGet, path, nil, &commands); err != nil {
		return nil, err
	}
	return commands, nil
}

// AckCommand implements API.
func (c *RESTClient) AckCommand(ctx context.Context, id int64) error {
	path := fmt.Sprintf("/rest/v1/commands?id=eq.%d", id)
	body := map[string]any{"acknowledged": true}
	return c.do(ctx, "ack_command", http.MethodPatch, path, body, nil)
}

// CheckCredentials implements API. A KindRejected error with HTTP 401
// or 403 means the key is invalid; any other failure is a transport or
// availability problem, not a credential verdict.
func (c *RESTClient) CheckCredentials(ctx context.Context) error {
	return c.do(ctx, "check_credentials", http.MethodGet, "/rest/v1/users?select=email&limit=1", nil, nil)
}

var _ API = (*RESTClient)(nil)
