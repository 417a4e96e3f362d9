// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package cache

import (
	"context"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

var meter = otel.Meter("lspbridge.cache")

var (
	cacheLookups   metric.Int64Counter
	cacheLatency   metric.Float64Histogram
	cacheEvictions metric.Int64Counter

	metricsOnce sync.Once
	metricsErr  error
)

func initMetrics() error {
	metricsOnce.Do(func() {
		var err error

		cacheLookups, err = meter.Int64Counter(
			"lspbridge_symbol_cache_lookups_total",
			metric.WithDescription("Symbol cache lookups by serving tier (memory, store, build)"),
		)
		if err != nil {
			metricsErr = err
			return
		}

		cacheLatency, err = meter.Float64Histogram(
			"lspbridge_symbol_cache_lookup_duration_seconds",
			metric.WithDescription("Duration of symbol cache lookups including builds"),
			metric.WithUnit("s"),
		)
		if err != nil {
			metricsErr = err
			return
		}

		cacheEvictions, err = meter.Int64Counter(
			"lspbridge_symbol_cache_evictions_total",
			metric.WithDescription("Symbol cache entries evicted by the size bound"),
		)
		if err != nil {
			metricsErr = err
			return
		}
	})
	return metricsErr
}

func recordLookup(ctx context.Context, name, tier string, d time.Duration) {
	if err := initMetrics(); err != nil {
		return
	}
	attrs := metric.WithAttributes(
		attribute.String("cache", name),
		attribute.String("tier", tier),
	)
	cacheLookups.Add(ctx, 1, attrs)
	cacheLatency.Record(ctx, d.Seconds(), attrs)
}

func recordEviction(ctx context.Context, name string) {
	if err := initMetrics(); err != nil {
		return
	}
	cacheEvictions.Add(ctx, 1, metric.WithAttributes(attribute.String("cache", name)))
}
