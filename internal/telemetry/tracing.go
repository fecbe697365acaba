/*
Copyright 2026.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0
*/

// Package telemetry configures OpenTelemetry tracing for the steward
// control plane.
//
// Custom span attributes use the `steward.` prefix.
package telemetry

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.24.0"
	"go.opentelemetry.io/otel/trace"
)

const (
	tracerName = "stewardops.io/steward"
)

// Tracer returns the package-level tracer.
func Tracer() trace.Tracer {
	return otel.Tracer(tracerName)
}

// InitTraceProvider initialises the OTel trace provider with an OTLP
// gRPC exporter. If endpoint is empty, tracing is disabled (noop
// provider is used). Returns a shutdown function that must be called on
// application exit.
func InitTraceProvider(ctx context.Context, endpoint string, version string) (func(context.Context) error, error) {
	if endpoint == "" {
		// No-op: tracing disabled
		return func(context.Context) error { return nil }, nil
	}

	exporter, err := otlptracegrpc.New(ctx,
		otlptracegrpc.WithEndpoint(endpoint),
		otlptracegrpc.WithInsecure(), // TLS configurable via env (OTEL_EXPORTER_OTLP_INSECURE)
	)
	if err != nil {
		return nil, fmt.Errorf("create OTLP exporter: %w", err)
	}

	res, err := resource.New(ctx,
		resource.WithHost(),
		resource.WithAttributes(
			semconv.ServiceNameKey.String("steward"),
			semconv.ServiceVersionKey.String(version),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("create resource: %w", err)
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sdktrace.AlwaysSample()),
	)

	otel.SetTracerProvider(tp)

	return tp.Shutdown, nil
}

// --- Span helpers ---

// StartSessionSpan creates the parent span for a runtime session.
func StartSessionSpan(ctx context.Context, workspaceID, agentID int64) (context.Context, trace.Span) {
	return Tracer().Start(ctx, "session.run",
		trace.WithAttributes(
			attribute.Int64("steward.workspace_id", workspaceID),
			attribute.Int64("steward.agent_id", agentID),
		),
		trace.WithSpanKind(trace.SpanKindInternal),
	)
}

// StartToolCallSpan creates a child span for a gateway tool call.
func StartToolCallSpan(ctx context.Context, tool string, workspaceID int64) (context.Context, trace.Span) {
	return Tracer().Start(ctx, "gateway.tool_call",
		trace.WithAttributes(
			attribute.String("steward.tool", tool),
			attribute.Int64("steward.workspace_id", workspaceID),
		),
	)
}

// EndToolCallSpan enriches the tool span with result data.
func EndToolCallSpan(span trace.Span, status string, denied bool) {
	span.SetAttributes(
		attribute.String("steward.status", status),
		attribute.Bool("steward.denied", denied),
	)
	span.End()
}

// StartEnforcementSpan creates a span for one risk enforcement cycle.
func StartEnforcementSpan(ctx context.Context) (context.Context, trace.Span) {
	return Tracer().Start(ctx, "risk.enforcement_cycle",
		trace.WithSpanKind(trace.SpanKindInternal),
	)
}

// EndEnforcementSpan enriches the cycle span with counts.
func EndEnforcementSpan(span trace.Span, created, executed int, truncated bool) {
	span.SetAttributes(
		attribute.Int("steward.events_created", created),
		attribute.Int("steward.events_executed", executed),
		attribute.Bool("steward.truncated", truncated),
	)
	span.End()
}

// StartAggregationSpan creates a span for a daily aggregation pass.
func StartAggregationSpan(ctx context.Context, targetDate string) (context.Context, trace.Span) {
	return Tracer().Start(ctx, "obs.aggregate_daily",
		trace.WithAttributes(
			attribute.String("steward.target_date", targetDate),
		),
	)
}
