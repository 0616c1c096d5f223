// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package notify delivers escalations to operators.
//
// Every escalation is logged. When a webhook URL is configured it is also
// POSTed as JSON, throttled by a token bucket so a flapping appliance cannot
// flood the receiving channel. The webhook bearer token is held in a
// memguard enclave and only decrypted for the duration of a request.
package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/awnumar/memguard"
	"golang.org/x/time/rate"

	"github.com/AleutianAI/AleutianSentinel/pkg/logging"
	"github.com/AleutianAI/AleutianSentinel/services/sentinel/config"
	"github.com/AleutianAI/AleutianSentinel/services/sentinel/model"
)

// ErrRateLimited is returned when a notification is dropped by the limiter.
var ErrRateLimited = errors.New("notification rate limit exceeded")

// Notification is one operator escalation.
type Notification struct {
	Severity  model.Severity    `json:"severity"`
	Title     string            `json:"title"`
	Target    string            `json:"target"`
	Message   string            `json:"message"`
	Timestamp time.Time         `json:"timestamp"`
	Fields    map[string]string `json:"fields,omitempty"`
}

// Notifier delivers notifications.
type Notifier interface {
	Notify(ctx context.Context, n Notification) error
}

// =============================================================================
// Log
// =============================================================================

// LogNotifier writes notifications to the structured log.
type LogNotifier struct {
	logger *logging.Logger
}

// NewLogNotifier creates a LogNotifier.
func NewLogNotifier(logger *logging.Logger) *LogNotifier {
	if logger == nil {
		logger = logging.Nop()
	}
	return &LogNotifier{logger: logger.Component("notify")}
}

// Notify implements Notifier.
func (l *LogNotifier) Notify(_ context.Context, n Notification) error {
	args := []any{"target", n.Target, "severity", n.Severity.String(), "message", n.Message}
	for k, v := range n.Fields {
		args = append(args, k, v)
	}
	if n.Severity >= model.SeverityCritical {
		l.logger.Error("ESCALATION: "+n.Title, args...)
	} else {
		l.logger.Warn("ESCALATION: "+n.Title, args...)
	}
	return nil
}

// =============================================================================
// Webhook
// =============================================================================

// WebhookNotifier POSTs notifications as JSON.
//
// # Thread Safety
//
// Safe for concurrent use.
type WebhookNotifier struct {
	url     string
	client  *http.Client
	limiter *rate.Limiter

	mu    sync.Mutex
	token *memguard.Enclave
}

// WebhookOptions configures a WebhookNotifier.
type WebhookOptions struct {
	URL string
	// Token is sealed into an enclave and wiped from the caller's slice.
	Token         []byte
	RatePerMinute float64
	Burst         int
	Timeout       time.Duration
	Client        *http.Client
}

// NewWebhookNotifier creates a WebhookNotifier.
func NewWebhookNotifier(opts WebhookOptions) (*WebhookNotifier, error) {
	if opts.URL == "" {
		return nil, fmt.Errorf("webhook url is required")
	}
	client := opts.Client
	if client == nil {
		client = &http.Client{Timeout: opts.Timeout}
	}
	w := &WebhookNotifier{
		url:     opts.URL,
		client:  client,
		limiter: rate.NewLimiter(perMinute(opts.RatePerMinute), max(opts.Burst, 1)),
	}
	if len(opts.Token) > 0 {
		w.token = memguard.NewEnclave(opts.Token)
	}
	return w, nil
}

func perMinute(n float64) rate.Limit {
	if n <= 0 {
		return rate.Inf
	}
	return rate.Limit(n / 60)
}

// SetRate changes the throttle for subsequent notifications.
func (w *WebhookNotifier) SetRate(ratePerMinute float64, burst int) {
	w.limiter.SetLimit(perMinute(ratePerMinute))
	w.limiter.SetBurst(max(burst, 1))
}

// Notify implements Notifier. Dropped notifications return ErrRateLimited.
func (w *WebhookNotifier) Notify(ctx context.Context, n Notification) error {
	if !w.limiter.Allow() {
		return ErrRateLimited
	}
	body, err := json.Marshal(n)
	if err != nil {
		return fmt.Errorf("marshal notification: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("creating webhook request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	if err := w.authorize(req); err != nil {
		return err
	}

	resp, err := w.client.Do(req)
	if err != nil {
		return fmt.Errorf("sending webhook: %w", err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("webhook returned status %d", resp.StatusCode)
	}
	return nil
}

func (w *WebhookNotifier) authorize(req *http.Request) error {
	w.mu.Lock()
	enclave := w.token
	w.mu.Unlock()
	if enclave == nil {
		return nil
	}
	buf, err := enclave.Open()
	if err != nil {
		return fmt.Errorf("open webhook token: %w", err)
	}
	defer buf.Destroy()
	req.Header.Set("Authorization", "Bearer "+buf.String())
	return nil
}

// =============================================================================
// Fan-out
// =============================================================================

// Multi delivers to every notifier and joins their errors.
type Multi []Notifier

// Notify implements Notifier.
func (m Multi) Notify(ctx context.Context, n Notification) error {
	var errs []error
	for _, notifier := range m {
		if err := notifier.Notify(ctx, n); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// FromConfig builds the configured notifier chain: always the log, plus the
// webhook when a URL is set. The webhook token is read from the
// environment variable named by cfg.TokenEnv.
//
// The returned *WebhookNotifier is nil when no webhook is configured; it is
// returned so hot reloads can adjust its rate.
func FromConfig(cfg config.NotifyConfig, logger *logging.Logger) (Notifier, *WebhookNotifier, error) {
	chain := Multi{NewLogNotifier(logger)}
	if cfg.WebhookURL == "" {
		return chain, nil, nil
	}

	var token []byte
	if cfg.TokenEnv != "" {
		if v := os.Getenv(cfg.TokenEnv); v != "" {
			token = []byte(v)
		}
	}
	hook, err := NewWebhookNotifier(WebhookOptions{
		URL:           cfg.WebhookURL,
		Token:         token,
		RatePerMinute: cfg.RatePerMinute,
		Burst:         cfg.Burst,
		Timeout:       cfg.Timeout,
	})
	if err != nil {
		return nil, nil, err
	}
	return append(chain, hook), hook, nil
}

// =============================================================================
// Recorder
// =============================================================================

// Recorder keeps notifications in memory. Used in tests.
type Recorder struct {
	mu   sync.Mutex
	sent []Notification
	// Err, when set, is returned from every Notify.
	Err error
}

// Notify implements Notifier.
func (r *Recorder) Notify(_ context.Context, n Notification) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sent = append(r.sent, n)
	return r.Err
}

// Sent returns a copy of the recorded notifications.
func (r *Recorder) Sent() []Notification {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Notification(nil), r.sent...)
}

var (
	_ Notifier = (*LogNotifier)(nil)
	_ Notifier = (*WebhookNotifier)(nil)
	_ Notifier = Multi(nil)
	_ Notifier = (*Recorder)(nil)
)
