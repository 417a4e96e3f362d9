// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package config

import (
	"fmt"
	"log/slog"
	"sort"

	"github.com/AleutianAI/lspbridge/services/lspbridge/ignore"
	"github.com/AleutianAI/lspbridge/services/lspbridge/lsp"
	"github.com/AleutianAI/lspbridge/services/lspbridge/lsp/adapters"
	"github.com/AleutianAI/lspbridge/services/lspbridge/telemetry"
)

// Overrides converts the server entry for language into adapter overrides,
// with the global request timeout as the fallback.
func (c *Config) Overrides(language string) adapters.Overrides {
	sc := c.Servers[language]
	o := adapters.Overrides{
		Command:               sc.Command,
		Args:                  sc.Args,
		Env:                   sc.Env,
		Extensions:            sc.Extensions,
		LanguageID:            sc.LanguageID,
		InitializationOptions: sc.InitializationOptions,
		IgnoredDirnames:       sc.IgnoredDirs,
		RequestTimeout:        sc.RequestTimeout,
		ReadinessTimeout:      sc.ReadinessTimeout,
		SettleTime:            sc.SettleTime,
	}
	if o.RequestTimeout == 0 {
		o.RequestTimeout = c.RequestTimeout
	}
	return o
}

// Apply overlays the configuration onto the registry.
//
// Description:
//
//	Built-in adapters receive the global timeouts and their servers entry.
//	A servers entry for a language without a built-in registers a generic
//	adapter, which requires command and extensions.
//
// Inputs:
//
//	reg - The registry to update
//
// Outputs:
//
//	error - Non-nil if a generic server entry is incomplete
func (c *Config) Apply(reg *adapters.Registry) error {
	langs := reg.Languages()
	for lang := range c.Servers {
		if _, ok := reg.Get(lang); !ok {
			langs = append(langs, lang)
		}
	}
	sort.Strings(langs)

	for _, lang := range langs {
		o := c.Overrides(lang)

		var adapter *lsp.AdapterConfig
		if base, ok := reg.Get(lang); ok {
			adapter = o.Apply(base)
		} else {
			if len(o.Extensions) == 0 {
				return fmt.Errorf("server %q: extensions are required without a built-in adapter", lang)
			}
			generic, err := adapters.Generic(lang, o)
			if err != nil {
				return fmt.Errorf("server %q: %w", lang, err)
			}
			adapter = generic
		}
		if c.ShutdownGrace > 0 {
			adapter.ShutdownGrace = c.ShutdownGrace
		}
		if err := reg.Register(adapter); err != nil {
			return fmt.Errorf("server %q: %w", lang, err)
		}
	}
	return nil
}

// ManagerConfig returns the session manager settings.
func (c *Config) ManagerConfig(logger *slog.Logger) lsp.ManagerConfig {
	mc := lsp.DefaultManagerConfig()
	mc.IdleTimeout = c.IdleTimeout
	if c.StartupTimeout > 0 {
		mc.StartupTimeout = c.StartupTimeout
	}
	mc.Logger = logger
	return mc
}

// IgnoreOptions returns the matcher options for one language under root.
func (c *Config) IgnoreOptions(root string, adapter ignore.AdapterRules) ignore.Options {
	return ignore.Options{
		Patterns:  c.IgnoredPaths,
		Adapter:   adapter,
		Root:      root,
		Gitignore: c.IgnoreGitignore,
	}
}

// TelemetryConfig returns exporter settings. A set OTEL_* variable wins over
// the file.
func (c *Config) TelemetryConfig(getenv func(string) string) telemetry.Config {
	tc := telemetry.ConfigFromEnv(getenv)
	set := func(key string) bool { return getenv != nil && getenv(key) != "" }
	if !set("OTEL_TRACES_EXPORTER") && c.Telemetry.TraceExporter != "" {
		tc.TraceExporter = c.Telemetry.TraceExporter
	}
	if !set("OTEL_METRICS_EXPORTER") && c.Telemetry.MetricExporter != "" {
		tc.MetricExporter = c.Telemetry.MetricExporter
	}
	if !set("OTEL_EXPORTER_OTLP_ENDPOINT") && c.Telemetry.OTLPEndpoint != "" {
		tc.OTLPEndpoint = c.Telemetry.OTLPEndpoint
	}
	return tc
}
