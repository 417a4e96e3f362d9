// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package config loads the lspbridge YAML configuration.
//
// A configuration file is optional; Default() is used when none is given.
// Durations are written as Go duration strings ("30s", "2m").
//
//	request_timeout: 45s
//	ignored_paths: ["generated/**", "*.pb.go"]
//	cache:
//	  persist_dir: ~/.cache/lspbridge
//	servers:
//	  go:
//	    env: {GOFLAGS: "-tags=integration"}
//	  lua:
//	    command: lua-language-server
//	    extensions: [".lua"]
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

// Config is the top-level configuration.
type Config struct {
	// RequestTimeout overrides every adapter's default request timeout.
	// Zero keeps the adapter defaults.
	RequestTimeout time.Duration `yaml:"request_timeout" validate:"gte=0"`

	// StartupTimeout bounds a session start including its readiness wait.
	StartupTimeout time.Duration `yaml:"startup_timeout" validate:"gte=0"`

	// ShutdownGrace overrides every adapter's shutdown grace. Zero keeps the
	// adapter defaults.
	ShutdownGrace time.Duration `yaml:"shutdown_grace" validate:"gte=0"`

	// IdleTimeout stops sessions unused for this long. Zero disables it.
	IdleTimeout time.Duration `yaml:"idle_timeout" validate:"gte=0"`

	// IgnoredPaths are gitignore-style globs added to every language's
	// ignore rules.
	IgnoredPaths []string `yaml:"ignored_paths" validate:"dive,required"`

	// IgnoreGitignore adds the repository's .gitignore rules.
	IgnoreGitignore bool `yaml:"ignore_gitignore"`

	Cache     CacheConfig             `yaml:"cache"`
	Watch     WatchConfig             `yaml:"watch"`
	Telemetry TelemetryConfig         `yaml:"telemetry"`
	Servers   map[string]ServerConfig `yaml:"servers"`
}

// CacheConfig configures the symbol cache.
type CacheConfig struct {
	// PersistDir enables the on-disk tier when set. A leading "~/" is
	// expanded to the home directory.
	PersistDir string `yaml:"persist_dir"`

	// MaxEntries bounds the in-memory tier. Zero uses the cache default.
	MaxEntries int `yaml:"max_entries" validate:"gte=0"`
}

// WatchConfig configures file watching.
type WatchConfig struct {
	Enabled  bool          `yaml:"enabled"`
	Debounce time.Duration `yaml:"debounce" validate:"gte=0"`
}

// TelemetryConfig selects exporters. The OTEL_* environment variables take
// precedence.
type TelemetryConfig struct {
	TraceExporter  string `yaml:"trace_exporter" validate:"omitempty,oneof=none otlp stdout"`
	MetricExporter string `yaml:"metric_exporter" validate:"omitempty,oneof=none prometheus stdout"`
	OTLPEndpoint   string `yaml:"otlp_endpoint" validate:"omitempty,hostname_port"`
}

// ServerConfig customizes one language server. For a language without a
// built-in adapter, Command and Extensions are required.
type ServerConfig struct {
	Command               string            `yaml:"command"`
	Args                  []string          `yaml:"args"`
	Env                   map[string]string `yaml:"env"`
	LanguageID            string            `yaml:"language_id"`
	RequestTimeout        time.Duration     `yaml:"request_timeout" validate:"gte=0"`
	ReadinessTimeout      time.Duration     `yaml:"readiness_timeout" validate:"gte=0"`
	SettleTime            time.Duration     `yaml:"settle_time" validate:"gte=0"`
	InitializationOptions map[string]any    `yaml:"initialization_options"`
	Extensions            []string          `yaml:"extensions" validate:"dive,extension"`
	IgnoredDirs           []string          `yaml:"ignored_dirs" validate:"dive,required,excludesall=/"`
}

var configValidate *validator.Validate

func init() {
	configValidate = validator.New()
	_ = configValidate.RegisterValidation("extension", validateExtension)
}

// validateExtension accepts ".go"-style file extensions.
func validateExtension(fl validator.FieldLevel) bool {
	ext := fl.Field().String()
	return len(ext) > 1 && strings.HasPrefix(ext, ".") && !strings.ContainsAny(ext, `/\ `)
}

// Default returns the configuration used when no file is given.
func Default() *Config {
	return &Config{
		StartupTimeout:  6 * time.Minute,
		IdleTimeout:     10 * time.Minute,
		IgnoreGitignore: true,
		Watch: WatchConfig{
			Debounce: 100 * time.Millisecond,
		},
		Telemetry: TelemetryConfig{
			TraceExporter:  "none",
			MetricExporter: "none",
		},
	}
}

// Load reads and validates the YAML file at path.
//
// Description:
//
//	Fields missing from the file keep their Default() values. An empty
//	path returns Default().
//
// Inputs:
//
//	path - Path to the YAML file, or ""
//
// Outputs:
//
//	*Config - The validated configuration
//	error - Non-nil if the file cannot be read, parsed or validated
func Load(path string) (*Config, error) {
	if path == "" {
		return Default(), nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read the config file: %w", err)
	}
	cfg, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return cfg, nil
}

// Parse decodes and validates YAML on top of Default().
func Parse(data []byte) (*Config, error) {
	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse the config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks struct tags and cross-field rules.
func (c *Config) Validate() error {
	if c == nil {
		return errors.New("config is nil")
	}
	if err := configValidate.Struct(c); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	for lang, sc := range c.Servers {
		if lang == "" {
			return errors.New("invalid config: empty server language")
		}
		if err := configValidate.Struct(sc); err != nil {
			return fmt.Errorf("invalid config for server %q: %w", lang, err)
		}
	}
	return nil
}

// Marshal encodes the configuration as YAML.
func (c *Config) Marshal() ([]byte, error) {
	return yaml.Marshal(c)
}

// CacheDir returns Cache.PersistDir with "~/" expanded, or "" when the
// persistent tier is disabled.
func (c *Config) CacheDir() (string, error) {
	dir := c.Cache.PersistDir
	if dir == "" {
		return "", nil
	}
	if dir == "~" || strings.HasPrefix(dir, "~/") {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", fmt.Errorf("could not find the user's home directory: %w", err)
		}
		dir = filepath.Join(home, strings.TrimPrefix(dir, "~"))
	}
	return filepath.Clean(dir), nil
}
