// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package notify delivers operator notifications for events that need
// a human: forced logouts, long-running statuses, emergency degradation.
// Delivery is best effort; the sync core never blocks on a notifier.
package notify

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/AleutianAI/shiftlog/pkg/logging"
)

// Severity labels a notification.
type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityWarning  Severity = "warning"
	SeverityCritical Severity = "critical"
)

// Notifier delivers a message to an operator channel.
type Notifier interface {
	Notify(ctx context.Context, severity Severity, message string) error
}

// Nop discards all notifications. Used when no channel is configured.
type Nop struct{}

func (Nop) Notify(context.Context, Severity, string) error { return nil }

// Telegram sends notifications through the Telegram Bot API.
//
// Thread Safety: safe for concurrent use.
type Telegram struct {
	token   string
	chatID  string
	client  *http.Client
	baseURL string
	log     *logging.Logger
}

// TelegramOptions configures a Telegram notifier.
type TelegramOptions struct {
	Token  string
	ChatID string
	// BaseURL overrides the Telegram API host, for tests.
	BaseURL string
	Client  *http.Client
	Logger  *logging.Logger
}

// NewTelegram creates a Telegram notifier.
func NewTelegram(opts TelegramOptions) (*Telegram, error) {
	if opts.Token == "" || opts.ChatID == "" {
		return nil, fmt.Errorf("notify: telegram token and chat id are required")
	}
	if opts.BaseURL == "" {
		opts.BaseURL = "https://api.telegram.org"
	}
	if opts.Client == nil {
		opts.Client = &http.Client{Timeout: 10 * time.Second}
	}
	if opts.Logger == nil {
		opts.Logger = logging.Default()
	}
	return &Telegram{
		token:   opts.Token,
		chatID:  opts.ChatID,
		client:  opts.Client,
		baseURL: strings.TrimRight(opts.BaseURL, "/"),
		log:     opts.Logger.With("component", "notify"),
	}, nil
}

// Notify implements Notifier.
func (t *Telegram) Notify(ctx context.Context, severity Severity, message string) error {
	text := fmt.Sprintf("[%s] %s", strings.ToUpper(string(severity)), message)
	form := url.Values{
		"chat_id": {t.chatID},
		"text":    {text},
	}
	endpoint := fmt.Sprintf("%s/bot%s/sendMessage", t.baseURL, t.token)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint,
		strings.NewReader(form.Encode()))
	if err != nil {
		return fmt.Errorf("notify: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := t.client.Do(req)
	if err != nil {
		return fmt.Errorf("notify: send: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("notify: telegram returned HTTP %d", resp.StatusCode)
	}
	return nil
}

var _ Notifier = (*Telegram)(nil)
var _ Notifier = Nop{}
