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
	"errors"
	"fmt"
	"log/slog"
	"os/exec"
	"sort"
	"sync"
	"time"
)

// =============================================================================
// MANAGER CONFIG
// =============================================================================

// ManagerConfig configures the session manager.
type ManagerConfig struct {
	// IdleTimeout is how long a session can be idle before being shut down.
	// Set to 0 to disable idle shutdown.
	IdleTimeout time.Duration

	// StartupTimeout is the maximum time to wait for a session to start,
	// including its readiness wait.
	StartupTimeout time.Duration

	// Logger is passed to every session.
	Logger *slog.Logger

	// Launcher overrides process spawning (tests).
	Launcher Launcher
}

// DefaultManagerConfig returns sensible defaults for the manager.
//
// Description:
//
//	Returns a configuration with:
//	  - IdleTimeout: 10 minutes
//	  - StartupTimeout: 6 minutes (longest readiness timeout plus handshake)
func DefaultManagerConfig() ManagerConfig {
	return ManagerConfig{
		IdleTimeout:    10 * time.Minute,
		StartupTimeout: 6 * time.Minute,
	}
}

// =============================================================================
// MANAGER
// =============================================================================

// Manager owns the sessions for one repository.
//
// Description:
//
//	Starts a session per language lazily, shuts idle sessions down and
//	stops everything on ShutdownAll. Managers never share sessions, so
//	two repositories never share a process, cache or pending table.
//
// Thread Safety:
//
//	Safe for concurrent use.
type Manager struct {
	config   ManagerConfig
	rootPath string
	adapters AdapterSource

	sessions   map[string]*Session
	sessionsMu sync.RWMutex
	startMu    sync.Map // language → *sync.Mutex for startup serialization

	stopped  chan struct{}
	stopOnce sync.Once
	monitor  sync.WaitGroup
}

// NewManager creates a manager for the repository at rootPath.
func NewManager(rootPath string, adapters AdapterSource, config ManagerConfig) *Manager {
	return &Manager{
		config:   config,
		rootPath: rootPath,
		adapters: adapters,
		sessions: make(map[string]*Session),
		stopped:  make(chan struct{}),
	}
}

// GetOrStart returns a started session for the language, starting it if needed.
//
// Description:
//
//	Uses double-check locking so only one session is started per
//	language even under concurrent requests. Failed or stopped sessions
//	are replaced.
//
// Errors:
//
//	ErrUnsupportedLanguage - No adapter for the language
//	ErrProcessLaunch - Server binary not found
//	ErrHandshakeCapability - Server lacks a required capability
func (m *Manager) GetOrStart(ctx context.Context, language string) (*Session, error) {
	if ctx == nil {
		return nil, fmt.Errorf("ctx must not be nil")
	}

	select {
	case <-m.stopped:
		return nil, ErrManagerStopped
	default:
	}

	if s := m.Get(language); s != nil {
		return s, nil
	}

	lockI, _ := m.startMu.LoadOrStore(language, &sync.Mutex{})
	lock := lockI.(*sync.Mutex)
	lock.Lock()
	defer lock.Unlock()

	m.sessionsMu.RLock()
	s, ok := m.sessions[language]
	m.sessionsMu.RUnlock()

	if ok && s.State().AcceptsRequests() {
		return s, nil
	}
	if ok {
		_ = s.Stop(ctx)
		m.sessionsMu.Lock()
		delete(m.sessions, language)
		m.sessionsMu.Unlock()
	}

	adapter, err := m.adapters.Adapter(language)
	if err != nil {
		return nil, err
	}

	s = NewSession(m.rootPath, adapter, SessionOptions{
		Logger:   m.config.Logger,
		Launcher: m.config.Launcher,
	})

	startCtx := ctx
	if m.config.StartupTimeout > 0 {
		var cancel context.CancelFunc
		startCtx, cancel = context.WithTimeout(ctx, m.config.StartupTimeout)
		defer cancel()
	}

	if err := s.Start(startCtx); err != nil {
		_ = s.Stop(context.Background())
		return nil, err
	}

	m.sessionsMu.Lock()
	select {
	case <-m.stopped:
		m.sessionsMu.Unlock()
		_ = s.Stop(context.Background())
		return nil, ErrManagerStopped
	default:
	}
	m.sessions[language] = s
	m.sessionsMu.Unlock()

	return s, nil
}

// Get returns the session for the language if it accepts requests, otherwise nil.
func (m *Manager) Get(language string) *Session {
	m.sessionsMu.RLock()
	defer m.sessionsMu.RUnlock()

	s, ok := m.sessions[language]
	if ok && s.State().AcceptsRequests() {
		return s
	}
	return nil
}

// Shutdown stops the session for the language. No-op if none is running.
func (m *Manager) Shutdown(ctx context.Context, language string) error {
	m.sessionsMu.Lock()
	s, ok := m.sessions[language]
	if ok {
		delete(m.sessions, language)
	}
	m.sessionsMu.Unlock()

	if !ok {
		return nil
	}
	return s.Stop(ctx)
}

// ShutdownAll stops every session and the manager.
//
// After this call GetOrStart returns an error. Multiple calls are idempotent.
func (m *Manager) ShutdownAll(ctx context.Context) error {
	m.stopOnce.Do(func() {
		close(m.stopped)
	})
	m.monitor.Wait()

	m.sessionsMu.Lock()
	sessions := m.sessions
	m.sessions = make(map[string]*Session)
	m.sessionsMu.Unlock()

	var errs []error
	for _, s := range sessions {
		if err := s.Stop(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// IsAvailable checks whether an adapter exists for the language and its
// server binary is on PATH. Does not start the server.
func (m *Manager) IsAvailable(language string) bool {
	adapter, err := m.adapters.Adapter(language)
	if err != nil {
		return false
	}
	spec, err := adapter.BuildLaunchCommand(m.rootPath)
	if err != nil || len(spec.Argv) == 0 {
		return false
	}
	_, err = exec.LookPath(spec.Argv[0])
	return err == nil
}

// RunningSessions returns the languages with sessions accepting requests.
func (m *Manager) RunningSessions() []string {
	m.sessionsMu.RLock()
	defer m.sessionsMu.RUnlock()

	langs := make([]string, 0, len(m.sessions))
	for lang, s := range m.sessions {
		if s.State().AcceptsRequests() {
			langs = append(langs, lang)
		}
	}
	sort.Strings(langs)
	return langs
}

// RootPath returns the repository root.
func (m *Manager) RootPath() string { return m.rootPath }

// =============================================================================
// IDLE MONITOR
// =============================================================================

// StartIdleMonitor starts the idle session cleanup goroutine.
//
// Description:
//
//	Periodically stops sessions unused for longer than IdleTimeout. The
//	check interval is half the idle timeout. Does nothing if IdleTimeout
//	is 0. The goroutine exits on ShutdownAll.
func (m *Manager) StartIdleMonitor() {
	if m.config.IdleTimeout <= 0 {
		return
	}

	m.monitor.Add(1)
	go func() {
		defer m.monitor.Done()

		interval := m.config.IdleTimeout / 2
		if interval < 10*time.Millisecond {
			interval = 10 * time.Millisecond
		}

		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-m.stopped:
				return
			case <-ticker.C:
				m.shutdownIdle()
			}
		}
	}()
}

// shutdownIdle stops sessions that have been idle too long.
func (m *Manager) shutdownIdle() {
	m.sessionsMu.RLock()
	var toShutdown []string
	for lang, s := range m.sessions {
		if time.Since(s.LastUsed()) > m.config.IdleTimeout {
			toShutdown = append(toShutdown, lang)
		}
	}
	m.sessionsMu.RUnlock()

	logger := m.config.Logger
	if logger == nil {
		logger = slog.Default()
	}
	ctx := context.Background()
	for _, lang := range toShutdown {
		logger.Info("Shutting down idle language server",
			slog.String("language", lang),
			slog.Duration("idle_timeout", m.config.IdleTimeout),
		)
		_ = m.Shutdown(ctx, lang)
	}
}
