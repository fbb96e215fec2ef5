// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package notify delivers visitor inquiries to the profile owner.
package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/google/uuid"
)

// Email is one outbound message.
type Email struct {
	From    string
	To      string
	ReplyTo string
	Subject string
	Text    string
}

// Sender hands an Email to a delivery provider and returns the provider's
// message id.
type Sender interface {
	Send(ctx context.Context, email Email) (string, error)
}

// =============================================================================
// LogSender
// =============================================================================

// LogSender writes the email to the log instead of sending it. Used in
// development and when no provider is configured.
type LogSender struct{}

func (LogSender) Send(ctx context.Context, email Email) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	id := uuid.NewString()
	slog.Info("Notification (log sender)",
		"id", id,
		"to", email.To,
		"reply_to", email.ReplyTo,
		"subject", email.Subject,
		"body_chars", len(email.Text),
	)
	return id, nil
}

// =============================================================================
// ResendSender
// =============================================================================

// DefaultResendURL is the Resend transactional email endpoint.
const DefaultResendURL = "https://api.resend.com/emails"

// ResendConfig configures ResendSender.
type ResendConfig struct {
	APIKey     string
	URL        string
	MaxTries   uint
	Timeout    time.Duration
	InitialGap time.Duration
}

// ResendSender posts emails to the Resend HTTP API. Transport errors, 429s
// and 5xx responses are retried with exponential backoff; other 4xx
// responses fail immediately.
type ResendSender struct {
	apiKey     string
	url        string
	maxTries   uint
	initialGap time.Duration
	httpClient *http.Client
}

type resendRequest struct {
	From    string   `json:"from"`
	To      []string `json:"to"`
	Subject string   `json:"subject"`
	Text    string   `json:"text"`
	ReplyTo string   `json:"reply_to,omitempty"`
}

type resendResponse struct {
	ID string `json:"id"`
}

func NewResendSender(cfg ResendConfig) (*ResendSender, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("RESEND_API_KEY not set")
	}
	if cfg.URL == "" {
		cfg.URL = DefaultResendURL
	}
	if cfg.MaxTries == 0 {
		cfg.MaxTries = 3
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	if cfg.InitialGap <= 0 {
		cfg.InitialGap = 500 * time.Millisecond
	}
	return &ResendSender{
		apiKey:     cfg.APIKey,
		url:        cfg.URL,
		maxTries:   cfg.MaxTries,
		initialGap: cfg.InitialGap,
		httpClient: &http.Client{Timeout: cfg.Timeout},
	}, nil
}

func (r *ResendSender) Send(ctx context.Context, email Email) (string, error) {
	body, err := json.Marshal(resendRequest{
		From:    email.From,
		To:      []string{email.To},
		Subject: email.Subject,
		Text:    email.Text,
		ReplyTo: email.ReplyTo,
	})
	if err != nil {
		return "", fmt.Errorf("failed to marshal email: %w", err)
	}

	expo := backoff.NewExponentialBackOff()
	expo.InitialInterval = r.initialGap

	attempt := 0
	id, err := backoff.Retry(ctx, func() (string, error) {
		attempt++
		return r.post(ctx, body)
	}, backoff.WithBackOff(expo), backoff.WithMaxTries(r.maxTries))
	if err != nil {
		return "", fmt.Errorf("resend send failed after %d attempt(s): %w", attempt, err)
	}
	return id, nil
}

func (r *ResendSender) post(ctx context.Context, body []byte) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.url, bytes.NewReader(body))
	if err != nil {
		return "", backoff.Permanent(fmt.Errorf("failed to create request: %w", err))
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+r.apiKey)

	resp, err := r.httpClient.Do(req)
	if err != nil {
		slog.Warn("Resend request failed, will retry", "error", err)
		return "", err
	}
	defer resp.Body.Close()
	respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 64*1024))

	switch {
	case resp.StatusCode == http.StatusTooManyRequests:
		statusErr := fmt.Errorf("resend returned 429: %s", string(respBody))
		if secs, convErr := strconv.Atoi(resp.Header.Get("Retry-After")); convErr == nil && secs > 0 {
			slog.Warn("Resend throttled, will retry", "retry_after_seconds", secs)
			return "", backoff.RetryAfter(secs)
		}
		return "", statusErr
	case resp.StatusCode >= 500:
		slog.Warn("Resend server error, will retry", "status_code", resp.StatusCode)
		return "", fmt.Errorf("resend returned %d: %s", resp.StatusCode, string(respBody))
	case resp.StatusCode < 200 || resp.StatusCode >= 300:
		return "", backoff.Permanent(fmt.Errorf("resend rejected the email with %d: %s", resp.StatusCode, string(respBody)))
	}

	var out resendResponse
	if err := json.Unmarshal(respBody, &out); err != nil {
		return "", backoff.Permanent(fmt.Errorf("failed to parse resend response: %w", err))
	}
	if out.ID == "" {
		return "", backoff.Permanent(fmt.Errorf("resend response carried no id"))
	}
	return out.ID, nil
}

var (
	_ Sender = LogSender{}
	_ Sender = (*ResendSender)(nil)
)
