/*
Copyright 2026.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0
*/

package notify

import (
	"context"
	"testing"
	"time"

	"github.com/go-logr/logr"
)

// recordingChannel captures delivered messages.
type recordingChannel struct {
	typ  string
	sent []Message
}

func (c *recordingChannel) Type() string { return c.typ }

func (c *recordingChannel) Send(_ context.Context, msg Message) error {
	c.sent = append(c.sent, msg)
	return nil
}

// mapGate allows Slack for listed workspaces only.
type mapGate map[int64]bool

func (g mapGate) CheckSlackNotifications(workspaceID int64) bool { return g[workspaceID] }

func TestRouterSeverityEscalation(t *testing.T) {
	info := &recordingChannel{typ: "webhook"}
	warn := &recordingChannel{typ: "webhook"}
	crit := &recordingChannel{typ: "webhook"}
	router := NewRouter(SeverityRoute{
		Info:     []Channel{info},
		Warning:  []Channel{warn},
		Critical: []Channel{crit},
	}, nil, nil, logr.Discard())

	if errs := router.Notify(context.Background(), Message{WorkspaceID: 1, Severity: SeverityInfo}); errs != nil {
		t.Fatalf("notify: %v", errs)
	}
	if len(info.sent) != 1 || len(warn.sent) != 0 || len(crit.sent) != 0 {
		t.Errorf("info fanout = %d/%d/%d, want 1/0/0", len(info.sent), len(warn.sent), len(crit.sent))
	}

	router.Notify(context.Background(), Message{WorkspaceID: 1, Severity: SeverityCritical})
	// Critical cascades to every level.
	if len(info.sent) != 2 || len(warn.sent) != 1 || len(crit.sent) != 1 {
		t.Errorf("critical fanout = %d/%d/%d, want 2/1/1", len(info.sent), len(warn.sent), len(crit.sent))
	}
}

func TestRouterSlackGate(t *testing.T) {
	slack := &recordingChannel{typ: "slack"}
	webhook := &recordingChannel{typ: "webhook"}
	router := NewRouter(SeverityRoute{
		Warning: []Channel{slack, webhook},
	}, nil, mapGate{2: true}, logr.Discard())

	// Workspace 1 has Slack off: the webhook still fires.
	router.Notify(context.Background(), Message{WorkspaceID: 1, Severity: SeverityWarning})
	if len(slack.sent) != 0 || len(webhook.sent) != 1 {
		t.Errorf("gated fanout = slack %d webhook %d, want 0/1", len(slack.sent), len(webhook.sent))
	}

	router.Notify(context.Background(), Message{WorkspaceID: 2, Severity: SeverityWarning})
	if len(slack.sent) != 1 {
		t.Errorf("ungated workspace got %d slack messages, want 1", len(slack.sent))
	}
}

func TestRouterRateLimit(t *testing.T) {
	ch := &recordingChannel{typ: "webhook"}
	router := NewRouter(SeverityRoute{Warning: []Channel{ch}}, NewRateLimiter(2), nil, logr.Discard())

	for i := 0; i < 5; i++ {
		router.Notify(context.Background(), Message{WorkspaceID: 1, Severity: SeverityWarning})
	}
	if len(ch.sent) != 2 {
		t.Errorf("delivered %d messages, want rate-limited 2", len(ch.sent))
	}

	// Limits are per workspace.
	router.Notify(context.Background(), Message{WorkspaceID: 2, Severity: SeverityWarning})
	if len(ch.sent) != 3 {
		t.Errorf("delivered %d messages, want 3 after second workspace", len(ch.sent))
	}
}

func TestNotifyWorkspaceUsesWarning(t *testing.T) {
	warn := &recordingChannel{typ: "webhook"}
	crit := &recordingChannel{typ: "webhook"}
	router := NewRouter(SeverityRoute{
		Warning:  []Channel{warn},
		Critical: []Channel{crit},
	}, nil, nil, logr.Discard())

	if err := router.NotifyWorkspace(7, "Risk alert", "daily spend exceeded"); err != nil {
		t.Fatalf("notify workspace: %v", err)
	}
	if len(warn.sent) != 1 || len(crit.sent) != 0 {
		t.Fatalf("fanout = warn %d crit %d, want 1/0", len(warn.sent), len(crit.sent))
	}
	msg := warn.sent[0]
	if msg.WorkspaceID != 7 || msg.Title != "Risk alert" || msg.Severity != SeverityWarning {
		t.Errorf("message = %+v", msg)
	}
	if msg.Timestamp.IsZero() || msg.Timestamp.After(time.Now().Add(time.Minute)) {
		t.Errorf("timestamp = %v", msg.Timestamp)
	}
}

func TestRateLimiterWindow(t *testing.T) {
	rl := NewRateLimiter(1)
	if !rl.Allow(1) {
		t.Fatal("first call must pass")
	}
	if rl.Allow(1) {
		t.Fatal("second call within the hour must be limited")
	}

	// Expire the recorded timestamp and the slot frees up.
	rl.mu.Lock()
	rl.counts[1] = []time.Time{time.Now().Add(-2 * time.Hour)}
	rl.mu.Unlock()
	if !rl.Allow(1) {
		t.Fatal("expired window must allow again")
	}
}
