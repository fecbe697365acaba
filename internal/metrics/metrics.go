/*
Copyright 2026.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0
*/

// Package metrics defines Prometheus metrics for the steward control
// plane.
//
// Metric naming follows Prometheus conventions:
//   - steward_ prefix for all custom metrics
//   - _total suffix for counters
//   - _seconds suffix for duration histograms
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	// EventsIngestedTotal counts observability events by type and status.
	EventsIngestedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "steward_events_ingested_total",
			Help: "Total observability events ingested by type and status.",
		},
		[]string{"event_type", "status"},
	)

	// ToolCallsTotal counts gateway tool calls by outcome.
	ToolCallsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "steward_tool_calls_total",
			Help: "Total tool calls routed through the gateway by outcome.",
		},
		[]string{"outcome"},
	)

	// CapabilityDenialsTotal counts tool calls denied by the snapshot.
	CapabilityDenialsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "steward_capability_denials_total",
			Help: "Total tool calls denied by the capability snapshot.",
		},
		[]string{"tool"},
	)

	// RiskEventsTotal counts risk events by action and terminal status.
	RiskEventsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "steward_risk_events_total",
			Help: "Total risk events by action type and terminal status.",
		},
		[]string{"action", "status"},
	)

	// EnforcementCycleSeconds is a histogram of enforcement cycle duration.
	EnforcementCycleSeconds = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "steward_enforcement_cycle_seconds",
			Help:    "Duration of risk enforcement cycles in seconds.",
			Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 20, 45, 60},
		},
	)

	// RetentionDeletedTotal counts rows removed by the retention GC.
	RetentionDeletedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "steward_retention_deleted_total",
			Help: "Total rows deleted by retention GC by kind.",
		},
		[]string{"kind"},
	)

	// ApprovalActionsTotal counts approval actions by terminal status.
	ApprovalActionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "steward_approval_actions_total",
			Help: "Total approval queue actions by terminal status.",
		},
		[]string{"status"},
	)

	// ActiveSessions is the number of currently open runtime sessions.
	ActiveSessions = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "steward_active_sessions",
			Help: "Number of runtime sessions currently open.",
		},
	)

	// TierCacheTotal counts tier registry cache lookups by result.
	TierCacheTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "steward_tier_cache_total",
			Help: "Tier registry cache lookups by result.",
		},
		[]string{"result"},
	)
)

// Register installs every metric on the given registry.
func Register(reg prometheus.Registerer) {
	reg.MustRegister(
		EventsIngestedTotal,
		ToolCallsTotal,
		CapabilityDenialsTotal,
		RiskEventsTotal,
		EnforcementCycleSeconds,
		RetentionDeletedTotal,
		ApprovalActionsTotal,
		ActiveSessions,
		TierCacheTotal,
	)
}

// ObserveEnforcementCycle records one cycle duration.
func ObserveEnforcementCycle(d time.Duration) {
	EnforcementCycleSeconds.Observe(d.Seconds())
}
