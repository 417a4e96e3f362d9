// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/mattn/go-isatty"

	"github.com/AleutianAI/lspbridge/services/lspbridge/cache"
	"github.com/AleutianAI/lspbridge/services/lspbridge/config"
	"github.com/AleutianAI/lspbridge/services/lspbridge/ignore"
	"github.com/AleutianAI/lspbridge/services/lspbridge/lsp"
	"github.com/AleutianAI/lspbridge/services/lspbridge/lsp/adapters"
	"github.com/AleutianAI/lspbridge/services/lspbridge/storage/badger"
	"github.com/AleutianAI/lspbridge/services/lspbridge/symbols"
	"github.com/AleutianAI/lspbridge/services/lspbridge/telemetry"
)

// globalOptions are the persistent flags shared by every command.
type globalOptions struct {
	configPath  string
	root        string
	logLevel    string
	metricsAddr string
}

// app wires configuration, telemetry, the session manager and one symbol
// index per language for a single command run.
type app struct {
	cfg      *config.Config
	root     string
	logger   *slog.Logger
	registry *adapters.Registry
	manager  *lsp.Manager
	db       *badger.DB

	shutdownTelemetry func(context.Context) error
	metricsServer     *http.Server

	mu      sync.Mutex
	indexes map[string]*symbols.Index
}

// newLogger returns a text logger for terminals and a JSON logger otherwise.
func newLogger(w io.Writer, level string) (*slog.Logger, error) {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(level)); err != nil {
		return nil, fmt.Errorf("invalid log level %q", level)
	}
	opts := &slog.HandlerOptions{Level: lvl}
	if f, ok := w.(*os.File); ok && (isatty.IsTerminal(f.Fd()) || isatty.IsCygwinTerminal(f.Fd())) {
		return slog.New(slog.NewTextHandler(w, opts)), nil
	}
	return slog.New(slog.NewJSONHandler(w, opts)), nil
}

// newApp loads the configuration and starts the shared infrastructure.
//
// Description:
//
//	Resolves the repository root, applies configured servers to the
//	adapter registry, initializes telemetry and the optional metrics
//	endpoint, and opens the persistent cache when configured. Language
//	servers are started lazily by index.
//
// Inputs:
//
//	ctx - Context for telemetry setup
//	opts - Global flags
//	stderr - Log destination
//
// Outputs:
//
//	*app - The application; Close it when done
//	error - Non-nil on invalid flags, configuration or setup failure
func newApp(ctx context.Context, opts globalOptions, stderr io.Writer) (*app, error) {
	logger, err := newLogger(stderr, opts.logLevel)
	if err != nil {
		return nil, err
	}

	cfg, err := config.Load(opts.configPath)
	if err != nil {
		return nil, err
	}

	root := opts.root
	if root == "" {
		root = "."
	}
	root, err = filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("resolve root: %w", err)
	}
	if info, err := os.Stat(root); err != nil || !info.IsDir() {
		return nil, fmt.Errorf("root %s is not a directory", root)
	}

	reg := adapters.NewRegistry()
	if err := cfg.Apply(reg); err != nil {
		return nil, fmt.Errorf("apply config: %w", err)
	}

	a := &app{
		cfg:      cfg,
		root:     root,
		logger:   logger.With(slog.String("root_path", root)),
		registry: reg,
		indexes:  make(map[string]*symbols.Index),
	}

	tc := cfg.TelemetryConfig(os.Getenv)
	if opts.metricsAddr != "" {
		tc.MetricExporter = telemetry.ExporterPrometheus
	}
	a.shutdownTelemetry, err = telemetry.Init(ctx, tc)
	if err != nil {
		return nil, fmt.Errorf("init telemetry: %w", err)
	}
	if opts.metricsAddr != "" {
		a.serveMetrics(opts.metricsAddr)
	}

	if cfg.Cache.PersistDir != "" {
		dir, err := cfg.CacheDir()
		if err != nil {
			_ = a.Close(ctx)
			return nil, err
		}
		dbCfg := badger.DefaultConfig(dir)
		dbCfg.Logger = a.logger
		a.db, err = badger.Open(dbCfg)
		if err != nil {
			_ = a.Close(ctx)
			return nil, fmt.Errorf("open symbol cache: %w", err)
		}
	}

	// Indexes hold their session for the whole run, so the idle monitor is
	// not started.
	a.manager = lsp.NewManager(root, reg, cfg.ManagerConfig(a.logger))
	return a, nil
}

func (a *app) serveMetrics(addr string) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", telemetry.MetricsHandler())
	a.metricsServer = &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		if err := a.metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			a.logger.Error("metrics server failed", slog.String("addr", addr), slog.String("error", err.Error()))
		}
	}()
	a.logger.Info("serving metrics", slog.String("addr", addr))
}

// index returns the symbol index for language, starting its server.
func (a *app) index(ctx context.Context, language string) (*symbols.Index, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if ix, ok := a.indexes[language]; ok {
		return ix, nil
	}

	sess, err := a.manager.GetOrStart(ctx, language)
	if err != nil {
		return nil, err
	}

	matcher, err := ignore.New(a.cfg.IgnoreOptions(a.root, sess.Adapter()))
	if err != nil {
		return nil, fmt.Errorf("ignore rules: %w", err)
	}

	cacheOpts := cache.Options{
		Name:       language,
		MaxEntries: a.cfg.Cache.MaxEntries,
		Logger:     a.logger,
	}
	if a.db != nil {
		store, err := cache.NewBadgerStore(a.db, language)
		if err != nil {
			return nil, err
		}
		cacheOpts.Store = store
	}

	ix, err := symbols.NewIndex(sess, symbols.IndexOptions{
		Cache:  cache.New[[]symbols.Node](cacheOpts),
		Ignore: matcher,
	})
	if err != nil {
		return nil, err
	}
	if a.cfg.Watch.Enabled {
		if _, err := ix.Watch(ctx, a.cfg.Watch.Debounce); err != nil {
			a.logger.Warn("file watching unavailable", slog.String("language", language), slog.String("error", err.Error()))
		}
	}
	a.indexes[language] = ix
	return ix, nil
}

// indexForFile returns the index of the language handling relPath and the
// path relative to the root.
func (a *app) indexForFile(ctx context.Context, path string) (*symbols.Index, string, error) {
	rel, err := a.relPath(path)
	if err != nil {
		return nil, "", err
	}
	adapter, ok := a.registry.ForFile(rel)
	if !ok {
		return nil, "", fmt.Errorf("%w: no language server for %s", lsp.ErrUnsupportedLanguage, rel)
	}
	ix, err := a.index(ctx, adapter.Language)
	if err != nil {
		return nil, "", err
	}
	return ix, rel, nil
}

// relPath resolves a path given on the command line against the working
// directory and returns it relative to the root.
func (a *app) relPath(path string) (string, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return "", err
	}
	rel, err := filepath.Rel(a.root, abs)
	if err != nil {
		return "", fmt.Errorf("%w: %s", symbols.ErrOutsideRoot, path)
	}
	rel = filepath.ToSlash(rel)
	if rel == ".." || strings.HasPrefix(rel, "../") {
		return "", fmt.Errorf("%w: %s", symbols.ErrOutsideRoot, path)
	}
	return rel, nil
}

// Close stops every language server and releases the shared resources.
func (a *app) Close(ctx context.Context) error {
	var errs []error
	if a.manager != nil {
		if err := a.manager.ShutdownAll(ctx); err != nil {
			errs = append(errs, fmt.Errorf("shutdown servers: %w", err))
		}
	}
	if a.db != nil {
		if err := a.db.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close symbol cache: %w", err))
		}
	}
	if a.metricsServer != nil {
		if err := a.metricsServer.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("stop metrics server: %w", err))
		}
	}
	if a.shutdownTelemetry != nil {
		if err := a.shutdownTelemetry(ctx); err != nil {
			errs = append(errs, fmt.Errorf("shutdown telemetry: %w", err))
		}
	}
	return errors.Join(errs...)
}
