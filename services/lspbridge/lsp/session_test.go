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
	"encoding/json"
	"errors"
	"regexp"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSession_Lifecycle(t *testing.T) {
	srv := newFakeServer()
	srv.handle("textDocument/hover", func(s *fakeServer, msg *Message) {
		s.reply(msg, map[string]any{"contents": "func Foo()"})
	})

	var mu sync.Mutex
	var transitions []State
	sess := NewSession(t.TempDir(), testAdapter(), SessionOptions{
		Logger:   discardLogger(),
		Launcher: launcherFor(srv),
		OnStateChange: func(_, to State) {
			mu.Lock()
			transitions = append(transitions, to)
			mu.Unlock()
		},
	})
	assert.Equal(t, StateNotStarted, sess.State())

	_, err := sess.Call(context.Background(), "textDocument/hover", nil, 0)
	assert.ErrorIs(t, err, ErrSessionNotReady)

	require.NoError(t, sess.Start(context.Background()))
	assert.Equal(t, StateReady, sess.State())
	require.NotNil(t, sess.Capabilities())
	assert.True(t, sess.Capabilities().HasDocumentSymbolProvider())
	assert.Equal(t, "fake", sess.ServerInfo().Name)
	assert.Equal(t, "immediate", sess.ReadinessOutcome().Source)

	raw, err := sess.Call(context.Background(), "textDocument/hover", nil, 0)
	require.NoError(t, err)
	var hover HoverResult
	require.NoError(t, json.Unmarshal(raw, &hover))
	assert.Equal(t, "func Foo()", hover.Text())

	assert.ErrorIs(t, sess.Start(context.Background()), ErrSessionAlreadyStarted)

	require.NoError(t, sess.Stop(context.Background()))
	assert.Equal(t, StateStopped, sess.State())
	require.NoError(t, sess.Stop(context.Background()), "Stop is idempotent")

	methods := make([]string, 0)
	for _, m := range srv.messages() {
		if m.Method != "" {
			methods = append(methods, m.Method)
		}
	}
	assert.Equal(t, []string{"initialize", "initialized", "textDocument/hover", "shutdown", "exit"}, methods)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []State{
		StateStarting,
		StateAwaitingInitializeResponse,
		StateInitialized,
		StateSettlingReady,
		StateReady,
		StateShuttingDown,
		StateStopped,
	}, transitions)

	_, err = sess.Call(context.Background(), "textDocument/hover", nil, 0)
	assert.ErrorIs(t, err, ErrSessionNotReady)
}

func TestSession_HandlersRegisteredBeforeFirstMessage(t *testing.T) {
	adapter := testAdapter()
	adapter.Readiness = func() ReadinessStrategy {
		return LogPattern(regexp.MustCompile(`Found \d+ source files?`), 5*time.Second)
	}

	sess, _ := startSession(t, adapter, func(srv *fakeServer) {
		// The server logs before it even answers initialize.
		srv.handle("initialize", func(s *fakeServer, msg *Message) {
			s.notify("window/logMessage", LogMessageParams{Type: MessageTypeInfo, Message: "Found 3 source files"})
			s.reply(msg, map[string]any{"capabilities": s.caps})
		})
	})

	outcome := sess.ReadinessOutcome()
	assert.False(t, outcome.TimedOut)
	assert.Contains(t, outcome.Source, "log:")
}

func TestSession_MissingCapabilityFails(t *testing.T) {
	adapter := testAdapter()
	adapter.RequiredCapabilities = []Capability{CapDocumentSymbol, CapRename}

	srv := newFakeServer()
	sess := NewSession(t.TempDir(), adapter, SessionOptions{Logger: discardLogger(), Launcher: launcherFor(srv)})
	t.Cleanup(func() { _ = sess.Stop(context.Background()) })

	err := sess.Start(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrHandshakeCapability)

	var ce *CapabilityError
	require.True(t, errors.As(err, &ce))
	assert.Equal(t, []string{"renameProvider"}, ce.Missing)
	assert.Equal(t, StateFailed, sess.State())

	_, err = sess.Call(context.Background(), "x", nil, 0)
	assert.ErrorIs(t, err, ErrSessionFailed)
	assert.ErrorIs(t, err, ErrHandshakeCapability)
}

func TestSession_LaunchErrorFails(t *testing.T) {
	launchErr := &ProcessLaunchError{Language: "fake", Command: "fake-server", Remediation: "install fake-server", Err: errors.New("not found")}
	sess := NewSession(t.TempDir(), testAdapter(), SessionOptions{
		Logger: discardLogger(),
		Launcher: func(context.Context, LaunchSpec, ProcessOptions) (ServerProcess, error) {
			return nil, launchErr
		},
	})

	err := sess.Start(context.Background())
	assert.ErrorIs(t, err, ErrProcessLaunch)
	assert.Contains(t, err.Error(), "install fake-server")
	assert.Equal(t, StateFailed, sess.State())
	require.NoError(t, sess.Stop(context.Background()))
	assert.Equal(t, StateFailed, sess.State(), "Failed is absorbing")
}

func TestSession_CrashFailsPendingRequests(t *testing.T) {
	sess, srv := startSession(t, testAdapter(), func(srv *fakeServer) {
		srv.handle("test/hang", func(*fakeServer, *Message) {})
	})

	const n = 3
	errs := make(chan error, n)
	for i := 0; i < n; i++ {
		go func() {
			_, err := sess.Call(context.Background(), "test/hang", nil, time.Minute)
			errs <- err
		}()
	}
	require.Eventually(t, func() bool { return sess.PendingCount() == n }, time.Second, 5*time.Millisecond)

	srv.crash()

	for i := 0; i < n; i++ {
		select {
		case err := <-errs:
			assert.ErrorIs(t, err, ErrTransport)
		case <-time.After(time.Second):
			t.Fatal("pending request not failed after crash")
		}
	}
	require.Eventually(t, func() bool { return sess.State() == StateFailed }, time.Second, 5*time.Millisecond)
	assert.ErrorIs(t, sess.Err(), ErrTransport)

	_, err := sess.Call(context.Background(), "test/hang", nil, 0)
	assert.ErrorIs(t, err, ErrTransport)
}

func TestSession_ReadinessTimeoutIsSoft(t *testing.T) {
	const timeout = 100 * time.Millisecond
	adapter := testAdapter()
	adapter.Readiness = func() ReadinessStrategy {
		return CapabilityGated("workspace/executeCommand", timeout)
	}

	start := time.Now()
	sess, _ := startSession(t, adapter, nil)
	elapsed := time.Since(start)

	assert.GreaterOrEqual(t, elapsed, timeout)
	assert.Less(t, elapsed, timeout+time.Second, "readiness must not hang past its timeout")
	assert.Equal(t, StateReady, sess.State())

	outcome := sess.ReadinessOutcome()
	assert.True(t, outcome.TimedOut)
	assert.Equal(t, "timeout", outcome.Source)
}

func TestSession_ServerRequestGetsResponse(t *testing.T) {
	_, srv := startSession(t, testAdapter(), nil)

	srv.request(99, "client/registerCapability", RegistrationParams{
		Registrations: []Registration{{ID: "1", Method: "workspace/didChangeWatchedFiles"}},
	})
	reply := srv.waitFor(t, func(m *Message) bool {
		id, ok := m.NumericID()
		return m.IsResponse() && ok && id == 99
	})
	assert.Nil(t, reply.Error)

	srv.request(100, "custom/notSupported", nil)
	reply = srv.waitFor(t, func(m *Message) bool {
		id, ok := m.NumericID()
		return m.IsResponse() && ok && id == 100
	})
	require.NotNil(t, reply.Error)
	assert.Equal(t, CodeMethodNotFound, reply.Error.Code)
}

func TestSession_CrossFileSettleTime(t *testing.T) {
	const settle = 150 * time.Millisecond

	var mu sync.Mutex
	var initializedAt time.Time
	adapter := testAdapter()
	adapter.CrossFileReferenceSettleTime = settle

	sess, _ := startSession(t, adapter, func(srv *fakeServer) {
		srv.handle("initialized", func(*fakeServer, *Message) {
			mu.Lock()
			initializedAt = time.Now()
			mu.Unlock()
		})
		// Cross-file results are only complete once background indexing
		// has finished, shortly after the server reported ready.
		srv.handle("textDocument/references", func(s *fakeServer, msg *Message) {
			mu.Lock()
			indexed := time.Since(initializedAt) >= settle/2
			mu.Unlock()
			locs := []Location{{URI: "file:///repo/a.go"}}
			if indexed {
				locs = append(locs, Location{URI: "file:///repo/b.go"})
			}
			s.reply(msg, locs)
		})
	})

	assert.Equal(t, StateSettlingReady, sess.State())

	refs := func() []Location {
		require.NoError(t, sess.WaitSettled(context.Background()))
		raw, err := sess.Call(context.Background(), "textDocument/references", nil, 0)
		require.NoError(t, err)
		locs, err := ParseLocations(raw)
		require.NoError(t, err)
		return locs
	}

	immediate := refs()
	assert.Equal(t, StateReady, sess.State())
	assert.False(t, sess.ReadyAt().IsZero())

	time.Sleep(2 * settle)
	later := refs()
	assert.Equal(t, later, immediate)
	assert.Len(t, immediate, 2)
}

func TestSession_Cancel(t *testing.T) {
	sess, _ := startSession(t, testAdapter(), func(srv *fakeServer) {
		srv.handle("test/hang", func(*fakeServer, *Message) {})
	})

	errCh := make(chan error, 1)
	go func() {
		_, err := sess.Call(context.Background(), "test/hang", nil, time.Minute)
		errCh <- err
	}()
	require.Eventually(t, func() bool { return sess.PendingCount() == 1 }, time.Second, 5*time.Millisecond)

	sess.Cancel()

	select {
	case err := <-errCh:
		assert.ErrorIs(t, err, ErrSessionCancelled)
	case <-time.After(time.Second):
		t.Fatal("pending request survived cancellation")
	}
	assert.Equal(t, StateStopped, sess.State())
	require.NoError(t, sess.Stop(context.Background()))
}

func TestSession_LifetimeContext(t *testing.T) {
	srv := newFakeServer()
	srv.handle("test/hang", func(*fakeServer, *Message) {})

	lifetime, cancel := context.WithCancel(context.Background())
	defer cancel()
	sess := NewSession(t.TempDir(), testAdapter(), SessionOptions{
		Logger:   discardLogger(),
		Launcher: launcherFor(srv),
		Lifetime: lifetime,
	})
	t.Cleanup(func() { _ = sess.Stop(context.Background()) })
	require.NoError(t, sess.Start(context.Background()))

	errCh := make(chan error, 1)
	go func() {
		_, err := sess.Call(context.Background(), "test/hang", nil, time.Minute)
		errCh <- err
	}()
	require.Eventually(t, func() bool { return sess.PendingCount() == 1 }, time.Second, 5*time.Millisecond)

	cancel()

	select {
	case err := <-errCh:
		assert.ErrorIs(t, err, ErrSessionCancelled)
	case <-time.After(2 * time.Second):
		t.Fatal("lifetime cancellation did not reach pending request")
	}
	require.Eventually(t, func() bool { return sess.State() == StateStopped }, 2*time.Second, 5*time.Millisecond)
}

func TestSession_StopBeforeStart(t *testing.T) {
	sess := NewSession(t.TempDir(), testAdapter(), SessionOptions{Logger: discardLogger()})
	require.NoError(t, sess.Stop(context.Background()))
	assert.Equal(t, StateStopped, sess.State())
	assert.ErrorIs(t, sess.WaitSettled(context.Background()), ErrSessionNotReady)
}
