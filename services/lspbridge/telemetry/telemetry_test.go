// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package telemetry

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

func TestConfigFromEnv(t *testing.T) {
	t.Run("defaults export nothing", func(t *testing.T) {
		cfg := ConfigFromEnv(func(string) string { return "" })
		assert.Equal(t, "lspbridge", cfg.ServiceName)
		assert.Equal(t, ExporterNone, cfg.TraceExporter)
		assert.Equal(t, ExporterNone, cfg.MetricExporter)
		assert.Equal(t, "localhost:4317", cfg.OTLPEndpoint)
	})

	t.Run("standard variables override", func(t *testing.T) {
		env := map[string]string{
			"OTEL_TRACES_EXPORTER":        "stdout",
			"OTEL_METRICS_EXPORTER":       "prometheus",
			"OTEL_EXPORTER_OTLP_ENDPOINT": "collector:4317",
		}
		cfg := ConfigFromEnv(func(k string) string { return env[k] })
		assert.Equal(t, "stdout", cfg.TraceExporter)
		assert.Equal(t, "prometheus", cfg.MetricExporter)
		assert.Equal(t, "collector:4317", cfg.OTLPEndpoint)
	})
}

func TestInit(t *testing.T) {
	t.Run("nil context", func(t *testing.T) {
		//nolint:staticcheck // exercising the nil check
		_, err := Init(nil, Config{})
		assert.ErrorIs(t, err, ErrNilContext)
	})

	t.Run("none exporters", func(t *testing.T) {
		shutdown, err := Init(context.Background(), Config{TraceExporter: ExporterNone, MetricExporter: ExporterNone})
		require.NoError(t, err)
		require.NoError(t, shutdown(context.Background()))
	})

	t.Run("unknown exporter", func(t *testing.T) {
		_, err := Init(context.Background(), Config{TraceExporter: "zipkin"})
		assert.True(t, errors.Is(err, ErrUnknownExporter))

		_, err = Init(context.Background(), Config{MetricExporter: "graphite"})
		assert.True(t, errors.Is(err, ErrUnknownExporter))
	})

	t.Run("prometheus handler serves metrics", func(t *testing.T) {
		prev := otel.GetMeterProvider()
		defer otel.SetMeterProvider(prev)

		shutdown, err := Init(context.Background(), Config{ServiceName: "test", MetricExporter: ExporterPrometheus})
		require.NoError(t, err)
		defer func() { _ = shutdown(context.Background()) }()

		counter, err := otel.Meter("telemetry_test").Int64Counter("lspbridge_test_total")
		require.NoError(t, err)
		counter.Add(context.Background(), 3)

		h := MetricsHandler()
		require.NotNil(t, h)
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
		assert.Equal(t, http.StatusOK, rec.Code)
		assert.Contains(t, rec.Body.String(), "lspbridge_test_total")
	})
}

func TestTracingHelpers(t *testing.T) {
	rec := tracetest.NewSpanRecorder()
	tp := trace.NewTracerProvider(trace.WithSpanProcessor(rec))
	prev := otel.GetTracerProvider()
	otel.SetTracerProvider(tp)
	defer otel.SetTracerProvider(prev)

	ctx, span := StartSpan(context.Background(), "test", "op")
	RecordError(span, errors.New("boom"))
	RecordError(span, nil)
	RecordError(nil, errors.New("ignored"))

	var buf bytes.Buffer
	logger := LoggerWithTrace(ctx, slog.New(slog.NewTextHandler(&buf, nil)))
	logger.Info("hello")
	assert.Contains(t, buf.String(), "trace_id=")
	assert.Contains(t, buf.String(), "span_id=")
	span.End()

	ended := rec.Ended()
	require.Len(t, ended, 1)
	assert.Equal(t, "op", ended[0].Name())
	assert.Len(t, ended[0].Events(), 1)

	buf.Reset()
	LoggerWithTrace(context.Background(), slog.New(slog.NewTextHandler(&buf, nil))).Info("plain")
	assert.NotContains(t, buf.String(), "trace_id")
}
