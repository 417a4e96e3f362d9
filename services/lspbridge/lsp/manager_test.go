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
	"fmt"
	"os"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type mapAdapters map[string]*AdapterConfig

func (m mapAdapters) Adapter(language string) (*AdapterConfig, error) {
	if a, ok := m[language]; ok {
		return a, nil
	}
	return nil, fmt.Errorf("%w: %s", ErrUnsupportedLanguage, language)
}

// countingLauncher hands out a fresh fake server per launch.
type countingLauncher struct {
	mu       sync.Mutex
	launches atomic.Int32
	servers  []*fakeServer
}

func (c *countingLauncher) launch(context.Context, LaunchSpec, ProcessOptions) (ServerProcess, error) {
	c.launches.Add(1)
	srv := newFakeServer()
	c.mu.Lock()
	c.servers = append(c.servers, srv)
	c.mu.Unlock()
	return srv, nil
}

func (c *countingLauncher) last() *fakeServer {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.servers[len(c.servers)-1]
}

func newTestManager(t *testing.T, cfg ManagerConfig) (*Manager, *countingLauncher) {
	t.Helper()
	launcher := &countingLauncher{}
	cfg.Logger = discardLogger()
	cfg.Launcher = launcher.launch
	m := NewManager(t.TempDir(), mapAdapters{"fake": testAdapter()}, cfg)
	t.Cleanup(func() { _ = m.ShutdownAll(context.Background()) })
	return m, launcher
}

func TestManager_GetOrStart(t *testing.T) {
	t.Run("reuses running session", func(t *testing.T) {
		m, launcher := newTestManager(t, ManagerConfig{})

		s1, err := m.GetOrStart(context.Background(), "fake")
		require.NoError(t, err)
		s2, err := m.GetOrStart(context.Background(), "fake")
		require.NoError(t, err)

		assert.Same(t, s1, s2)
		assert.Equal(t, int32(1), launcher.launches.Load())
		assert.Equal(t, []string{"fake"}, m.RunningSessions())
	})

	t.Run("concurrent callers share one start", func(t *testing.T) {
		m, launcher := newTestManager(t, ManagerConfig{})

		const n = 8
		sessions := make([]*Session, n)
		var wg sync.WaitGroup
		for i := 0; i < n; i++ {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				s, err := m.GetOrStart(context.Background(), "fake")
				assert.NoError(t, err)
				sessions[i] = s
			}(i)
		}
		wg.Wait()

		assert.Equal(t, int32(1), launcher.launches.Load())
		for _, s := range sessions {
			assert.Same(t, sessions[0], s)
		}
	})

	t.Run("unsupported language", func(t *testing.T) {
		m, _ := newTestManager(t, ManagerConfig{})
		_, err := m.GetOrStart(context.Background(), "cobol")
		assert.ErrorIs(t, err, ErrUnsupportedLanguage)
	})

	t.Run("replaces crashed session", func(t *testing.T) {
		m, launcher := newTestManager(t, ManagerConfig{})

		s1, err := m.GetOrStart(context.Background(), "fake")
		require.NoError(t, err)
		launcher.last().crash()
		require.Eventually(t, func() bool { return s1.State() == StateFailed }, time.Second, 5*time.Millisecond)
		assert.Nil(t, m.Get("fake"))

		s2, err := m.GetOrStart(context.Background(), "fake")
		require.NoError(t, err)
		assert.NotSame(t, s1, s2)
		assert.Equal(t, int32(2), launcher.launches.Load())
	})

	t.Run("failed start is not cached", func(t *testing.T) {
		launcher := &countingLauncher{}
		adapter := testAdapter()
		adapter.RequiredCapabilities = []Capability{CapRename}
		m := NewManager(t.TempDir(), mapAdapters{"fake": adapter}, ManagerConfig{
			Logger:   discardLogger(),
			Launcher: launcher.launch,
		})
		defer func() { _ = m.ShutdownAll(context.Background()) }()

		_, err := m.GetOrStart(context.Background(), "fake")
		assert.ErrorIs(t, err, ErrHandshakeCapability)
		assert.Empty(t, m.RunningSessions())
	})
}

func TestManager_ShutdownAll(t *testing.T) {
	m, launcher := newTestManager(t, ManagerConfig{})

	s, err := m.GetOrStart(context.Background(), "fake")
	require.NoError(t, err)

	require.NoError(t, m.ShutdownAll(context.Background()))
	assert.Equal(t, StateStopped, s.State())
	assert.Empty(t, m.RunningSessions())

	srv := launcher.last()
	srv.waitFor(t, func(msg *Message) bool { return msg.Method == "shutdown" })

	_, err = m.GetOrStart(context.Background(), "fake")
	assert.ErrorIs(t, err, ErrManagerStopped)
	require.NoError(t, m.ShutdownAll(context.Background()), "ShutdownAll is idempotent")
}

func TestManager_ShutdownAllDuringStart(t *testing.T) {
	launcher := &countingLauncher{}
	entered := make(chan struct{})
	release := make(chan struct{})
	m := NewManager(t.TempDir(), mapAdapters{"fake": testAdapter()}, ManagerConfig{
		Logger: discardLogger(),
		Launcher: func(ctx context.Context, spec LaunchSpec, opts ProcessOptions) (ServerProcess, error) {
			close(entered)
			<-release
			return launcher.launch(ctx, spec, opts)
		},
	})

	errCh := make(chan error, 1)
	go func() {
		_, err := m.GetOrStart(context.Background(), "fake")
		errCh <- err
	}()
	select {
	case <-entered:
	case <-time.After(5 * time.Second):
		t.Fatal("launcher was never called")
	}

	require.NoError(t, m.ShutdownAll(context.Background()))
	close(release)

	select {
	case err := <-errCh:
		assert.ErrorIs(t, err, ErrManagerStopped)
	case <-time.After(5 * time.Second):
		t.Fatal("GetOrStart did not return")
	}
	assert.Empty(t, m.RunningSessions())

	select {
	case <-launcher.last().Done():
	case <-time.After(5 * time.Second):
		t.Fatal("server started during shutdown was left running")
	}
}

func TestManager_Shutdown(t *testing.T) {
	m, _ := newTestManager(t, ManagerConfig{})

	s, err := m.GetOrStart(context.Background(), "fake")
	require.NoError(t, err)
	require.NoError(t, m.Shutdown(context.Background(), "fake"))
	assert.Equal(t, StateStopped, s.State())
	assert.Nil(t, m.Get("fake"))
	require.NoError(t, m.Shutdown(context.Background(), "fake"))
}

func TestManager_IdleMonitor(t *testing.T) {
	m, _ := newTestManager(t, ManagerConfig{IdleTimeout: 50 * time.Millisecond})

	s, err := m.GetOrStart(context.Background(), "fake")
	require.NoError(t, err)
	m.StartIdleMonitor()

	require.Eventually(t, func() bool { return s.State() == StateStopped }, 2*time.Second, 10*time.Millisecond)
	assert.Empty(t, m.RunningSessions())
}

func TestManager_IsAvailable(t *testing.T) {
	self, err := os.Executable()
	require.NoError(t, err)
	present := testAdapter()
	present.BuildLaunchCommand = func(string) (LaunchSpec, error) {
		return LaunchSpec{Argv: []string{self}}, nil
	}
	m := NewManager(t.TempDir(), mapAdapters{"fake": testAdapter(), "present": present}, ManagerConfig{})

	assert.False(t, m.IsAvailable("fake"))
	assert.False(t, m.IsAvailable("cobol"))
	assert.True(t, m.IsAvailable("present"))
}
