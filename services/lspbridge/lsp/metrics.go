// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package lsp

import (
	"context"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

// Package-level tracer and meter for the LSP engine.
var (
	tracer = otel.Tracer("lspbridge.lsp")
	meter  = otel.Meter("lspbridge.lsp")
)

// Metrics for the LSP engine.
var (
	requestLatency   metric.Float64Histogram
	requestTotal     metric.Int64Counter
	sessionStarts    metric.Int64Counter
	readinessLatency metric.Float64Histogram
	pendingRequests  metric.Int64UpDownCounter

	metricsOnce sync.Once
	metricsErr  error
)

// initMetrics initializes the metrics. Safe to call multiple times.
func initMetrics() error {
	metricsOnce.Do(func() {
		var err error

		requestLatency, err = meter.Float64Histogram(
			"lsp_request_duration_seconds",
			metric.WithDescription("Duration of LSP requests"),
			metric.WithUnit("s"),
		)
		if err != nil {
			metricsErr = err
			return
		}

		requestTotal, err = meter.Int64Counter(
			"lsp_request_total",
			metric.WithDescription("Total number of LSP requests"),
		)
		if err != nil {
			metricsErr = err
			return
		}

		sessionStarts, err = meter.Int64Counter(
			"lsp_session_starts_total",
			metric.WithDescription("Total number of LSP session starts"),
		)
		if err != nil {
			metricsErr = err
			return
		}

		readinessLatency, err = meter.Float64Histogram(
			"lsp_readiness_wait_seconds",
			metric.WithDescription("Time spent waiting for a server to become ready"),
			metric.WithUnit("s"),
		)
		if err != nil {
			metricsErr = err
			return
		}

		pendingRequests, err = meter.Int64UpDownCounter(
			"lsp_pending_requests",
			metric.WithDescription("Requests awaiting a response"),
		)
		if err != nil {
			metricsErr = err
			return
		}
	})
	return metricsErr
}

// startSessionSpan creates a span for a session lifecycle step.
func startSessionSpan(ctx context.Context, step, language, rootPath string) (context.Context, trace.Span) {
	return tracer.Start(ctx, "Session."+step,
		trace.WithAttributes(
			attribute.String("lsp.language", language),
			attribute.String("lsp.root_path", rootPath),
		),
	)
}

func recordRequest(ctx context.Context, language, method string, duration time.Duration, err error) {
	if initMetrics() != nil {
		return
	}
	attrs := metric.WithAttributes(
		attribute.String("language", language),
		attribute.String("method", method),
		attribute.Bool("success", err == nil),
	)
	requestLatency.Record(ctx, duration.Seconds(), attrs)
	requestTotal.Add(ctx, 1, attrs)
}

func recordSessionStart(ctx context.Context, language string, success bool) {
	if initMetrics() != nil {
		return
	}
	sessionStarts.Add(ctx, 1, metric.WithAttributes(
		attribute.String("language", language),
		attribute.Bool("success", success),
	))
}

func recordReadiness(ctx context.Context, language string, outcome ReadinessOutcome) {
	if initMetrics() != nil {
		return
	}
	readinessLatency.Record(ctx, outcome.Waited.Seconds(), metric.WithAttributes(
		attribute.String("language", language),
		attribute.String("strategy", outcome.Strategy),
		attribute.Bool("timed_out", outcome.TimedOut),
	))
}

func recordPending(ctx context.Context, language string, delta int64) {
	if initMetrics() != nil {
		return
	}
	pendingRequests.Add(ctx, delta, metric.WithAttributes(attribute.String("language", language)))
}
