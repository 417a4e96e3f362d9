// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package symbols

import (
	"context"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/AleutianAI/lspbridge/services/lspbridge/telemetry"
)

const tracerName = "lspbridge.symbols"

var meter = otel.Meter(tracerName)

var (
	operationLatency metric.Float64Histogram
	operationTotal   metric.Int64Counter
	resultCount      metric.Int64Histogram

	metricsOnce sync.Once
	metricsErr  error
)

func initMetrics() error {
	metricsOnce.Do(func() {
		var err error

		operationLatency, err = meter.Float64Histogram(
			"symbols_operation_duration_seconds",
			metric.WithDescription("Duration of symbol index operations"),
			metric.WithUnit("s"),
		)
		if err != nil {
			metricsErr = err
			return
		}

		operationTotal, err = meter.Int64Counter(
			"symbols_operation_total",
			metric.WithDescription("Total number of symbol index operations"),
		)
		if err != nil {
			metricsErr = err
			return
		}

		resultCount, err = meter.Int64Histogram(
			"symbols_operation_results",
			metric.WithDescription("Number of results per symbol index operation"),
		)
		if err != nil {
			metricsErr = err
		}
	})
	return metricsErr
}

// startOperationSpan starts the span for one Index operation.
func startOperationSpan(ctx context.Context, operation, language, relPath string) (context.Context, trace.Span) {
	return telemetry.StartSpan(ctx, tracerName, "Index."+operation,
		trace.WithAttributes(
			attribute.String("symbols.operation", operation),
			attribute.String("lsp.language", language),
			attribute.String("symbols.path", relPath),
		),
	)
}

// finishOperation records the outcome on the span and in the metrics.
func finishOperation(ctx context.Context, span trace.Span, operation, language string, start time.Time, results int, err error) {
	span.SetAttributes(attribute.Int("symbols.result_count", results))
	if err != nil {
		telemetry.RecordError(span, err)
	} else {
		telemetry.SetSpanOK(span)
	}

	if initMetrics() != nil {
		return
	}
	attrs := metric.WithAttributes(
		attribute.String("operation", operation),
		attribute.String("language", language),
		attribute.Bool("success", err == nil),
	)
	operationLatency.Record(ctx, time.Since(start).Seconds(), attrs)
	operationTotal.Add(ctx, 1, attrs)
	if err == nil {
		resultCount.Record(ctx, int64(results), metric.WithAttributes(attribute.String("operation", operation)))
	}
}
