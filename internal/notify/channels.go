/*
Copyright 2026.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0
*/

// Package notify implements notification delivery to external channels.
// Governance subsystems publish workspace alerts; the router sends them
// to Slack or generic webhooks based on severity. Slack delivery is
// gated per workspace by the tier flag.
package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/go-logr/logr"
)

// Severities.
const (
	SeverityInfo     = "info"
	SeverityWarning  = "warning"
	SeverityCritical = "critical"
)

// Channel is the interface for all notification backends.
type Channel interface {
	// Send delivers a notification. Returns an error if delivery fails.
	Send(ctx context.Context, msg Message) error

	// Type returns the channel type name.
	Type() string
}

// Message is a notification to be delivered.
type Message struct {
	WorkspaceID int64
	Severity    string // info, warning, critical
	Title       string
	Body        string
	Timestamp   time.Time
}

// --- Slack ---

// SlackChannel sends notifications to Slack via webhook.
type SlackChannel struct {
	WebhookURL string
	Channel    string // optional override
	client     *http.Client
}

// NewSlackChannel creates a Slack notification channel.
func NewSlackChannel(webhookURL, channel string) *SlackChannel {
	return &SlackChannel{
		WebhookURL: webhookURL,
		Channel:    channel,
		client:     &http.Client{Timeout: 10 * time.Second},
	}
}

func (s *SlackChannel) Type() string { return "slack" }

func (s *SlackChannel) Send(ctx context.Context, msg Message) error {
	text := fmt.Sprintf("*[%s] workspace %d* — %s\n%s",
		strings.ToUpper(msg.Severity), msg.WorkspaceID, msg.Title, msg.Body)

	payload := map[string]any{
		"text": text,
	}
	if s.Channel != "" {
		payload["channel"] = s.Channel
	}

	body, _ := json.Marshal(payload)
	req, err := http.NewRequestWithContext(ctx, "POST", s.WebhookURL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("slack request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("slack send: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		respBody, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("slack returned %d: %s", resp.StatusCode, string(respBody))
	}

	return nil
}

// --- Webhook ---

// WebhookChannel sends JSON notifications to any HTTP endpoint.
type WebhookChannel struct {
	URL     string
	Headers map[string]string // optional auth headers
	client  *http.Client
}

// NewWebhookChannel creates a generic webhook notification channel.
func NewWebhookChannel(url string, headers map[string]string) *WebhookChannel {
	return &WebhookChannel{
		URL:     url,
		Headers: headers,
		client:  &http.Client{Timeout: 10 * time.Second},
	}
}

func (w *WebhookChannel) Type() string { return "webhook" }

func (w *WebhookChannel) Send(ctx context.Context, msg Message) error {
	payload := map[string]any{
		"workspace_id": msg.WorkspaceID,
		"severity":     msg.Severity,
		"title":        msg.Title,
		"body":         msg.Body,
		"timestamp":    msg.Timestamp.Format(time.RFC3339),
	}

	body, _ := json.Marshal(payload)
	req, err := http.NewRequestWithContext(ctx, "POST", w.URL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("webhook request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range w.Headers {
		req.Header.Set(k, v)
	}

	resp, err := w.client.Do(req)
	if err != nil {
		return fmt.Errorf("webhook send: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		respBody, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("webhook returned %d: %s", resp.StatusCode, string(respBody))
	}

	return nil
}

// --- Router ---

// SlackGate decides whether a workspace's tier includes Slack delivery.
type SlackGate interface {
	CheckSlackNotifications(workspaceID int64) bool
}

// SeverityRoute maps severity levels to channels.
type SeverityRoute struct {
	Info     []Channel
	Warning  []Channel
	Critical []Channel
}

// Router dispatches notifications to channels based on severity. A nil
// gate delivers Slack to every workspace.
type Router struct {
	routes  SeverityRoute
	limiter *RateLimiter
	gate    SlackGate
	log     logr.Logger
}

// NewRouter creates a notification router.
func NewRouter(routes SeverityRoute, limiter *RateLimiter, gate SlackGate, log logr.Logger) *Router {
	return &Router{routes: routes, limiter: limiter, gate: gate, log: log}
}

// Notify sends a message to all channels matching its severity.
func (r *Router) Notify(ctx context.Context, msg Message) []error {
	channels := r.channelsForSeverity(msg.Severity)
	if len(channels) == 0 {
		return nil
	}

	if r.limiter != nil && !r.limiter.Allow(msg.WorkspaceID) {
		r.log.Info("notification rate-limited", "workspace", msg.WorkspaceID)
		return nil
	}

	var errs []error
	for _, ch := range channels {
		if ch.Type() == "slack" && r.gate != nil && !r.gate.CheckSlackNotifications(msg.WorkspaceID) {
			continue
		}
		if err := ch.Send(ctx, msg); err != nil {
			r.log.Error(err, "notification failed", "type", ch.Type(), "workspace", msg.WorkspaceID)
			errs = append(errs, err)
		} else {
			r.log.Info("notification sent", "type", ch.Type(), "workspace", msg.WorkspaceID, "severity", msg.Severity)
		}
	}
	return errs
}

// NotifyWorkspace satisfies the risk executor's notifier contract.
func (r *Router) NotifyWorkspace(workspaceID int64, subject, message string) error {
	errs := r.Notify(context.Background(), Message{
		WorkspaceID: workspaceID,
		Severity:    SeverityWarning,
		Title:       subject,
		Body:        message,
		Timestamp:   time.Now().UTC(),
	})
	if len(errs) > 0 {
		return errs[0]
	}
	return nil
}

func (r *Router) channelsForSeverity(severity string) []Channel {
	switch severity {
	case SeverityCritical:
		// Critical goes to all levels
		var all []Channel
		all = append(all, r.routes.Critical...)
		all = append(all, r.routes.Warning...)
		all = append(all, r.routes.Info...)
		return all
	case SeverityWarning:
		var all []Channel
		all = append(all, r.routes.Warning...)
		all = append(all, r.routes.Info...)
		return all
	default:
		return r.routes.Info
	}
}

// --- Rate Limiter ---

// RateLimiter limits notifications per workspace per hour.
type RateLimiter struct {
	maxPerHour int
	mu         sync.Mutex
	counts     map[int64][]time.Time
}

// NewRateLimiter creates a rate limiter with the given max per hour per
// workspace.
func NewRateLimiter(maxPerHour int) *RateLimiter {
	return &RateLimiter{
		maxPerHour: maxPerHour,
		counts:     make(map[int64][]time.Time),
	}
}

// Allow checks if the workspace is within rate limits.
func (rl *RateLimiter) Allow(workspaceID int64) bool {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := time.Now()
	cutoff := now.Add(-1 * time.Hour)

	recent := make([]time.Time, 0)
	for _, t := range rl.counts[workspaceID] {
		if t.After(cutoff) {
			recent = append(recent, t)
		}
	}

	if len(recent) >= rl.maxPerHour {
		return false
	}

	rl.counts[workspaceID] = append(recent, now)
	return true
}
