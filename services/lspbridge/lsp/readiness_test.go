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
	"regexp"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestReadySignal_FirstWins(t *testing.T) {
	sig := NewReadySignal()
	assert.False(t, sig.Fired())
	assert.Equal(t, "", sig.Source())

	var wg sync.WaitGroup
	wins := make(chan string, 10)
	for _, src := range []string{"a", "b", "c", "d", "e"} {
		wg.Add(1)
		go func(src string) {
			defer wg.Done()
			if sig.Fire(src) {
				wins <- src
			}
		}(src)
	}
	wg.Wait()
	close(wins)

	var winners []string
	for w := range wins {
		winners = append(winners, w)
	}
	require.Len(t, winners, 1)
	assert.Equal(t, winners[0], sig.Source())
	assert.True(t, sig.Fired())
	assert.False(t, sig.Fire("late"))
}

func TestClampReadinessTimeout(t *testing.T) {
	assert.Equal(t, DefaultReadinessTimeout, ClampReadinessTimeout(0))
	assert.Equal(t, DefaultReadinessTimeout, ClampReadinessTimeout(-time.Second))
	assert.Equal(t, MaxReadinessTimeout, ClampReadinessTimeout(time.Hour))
	assert.Equal(t, 5*time.Second, ClampReadinessTimeout(5*time.Second))
}

// attach installs strategy on a sealed router and returns both.
func attach(t *testing.T, strategy ReadinessStrategy) (*Router, *ReadySignal) {
	t.Helper()
	r := NewRouter(discardLogger())
	sig := NewReadySignal()
	require.NoError(t, strategy.Attach(r, sig))
	r.Seal()
	return r, sig
}

func TestCapabilityGated(t *testing.T) {
	s := CapabilityGated("workspace/executeCommand", time.Second)
	r, sig := attach(t, s)

	r.Dispatch(context.Background(), serverRequest(`1`, "client/registerCapability",
		`{"registrations":[{"id":"1","method":"textDocument/didChange"}]}`), &recordingReplier{})
	assert.False(t, sig.Fired())

	rec := &recordingReplier{}
	r.Dispatch(context.Background(), serverRequest(`2`, "client/registerCapability",
		`{"registrations":[{"id":"2","method":"workspace/executeCommand"}]}`), rec)
	assert.True(t, sig.Fired())
	assert.Equal(t, "capability:workspace/executeCommand", sig.Source())
	assert.Len(t, rec.replies, 1, "observer must not swallow the response")
}

func TestLogPattern(t *testing.T) {
	s := LogPattern(regexp.MustCompile(`Found \d+ source files?`), time.Second)
	r, sig := attach(t, s)

	r.Dispatch(context.Background(), serverNotification("window/logMessage", `{"type":3,"message":"Loading configuration"}`), nil)
	assert.False(t, sig.Fired())

	r.Dispatch(context.Background(), serverNotification("window/logMessage", `{"type":3,"message":"Found 12 source files"}`), nil)
	assert.True(t, sig.Fired())
}

func TestProgressTracked(t *testing.T) {
	t.Run("fires when the named phase ends", func(t *testing.T) {
		r, sig := attach(t, ProgressTracked("Loading", time.Second))

		r.Dispatch(context.Background(), serverNotification("$/progress", `{"token":"other","value":{"kind":"begin","title":"Indexing"}}`), nil)
		r.Dispatch(context.Background(), serverNotification("$/progress", `{"token":"t1","value":{"kind":"begin","title":"Loading packages"}}`), nil)
		r.Dispatch(context.Background(), serverNotification("$/progress", `{"token":"other","value":{"kind":"end"}}`), nil)
		assert.False(t, sig.Fired(), "unrelated phase must not count")

		r.Dispatch(context.Background(), serverNotification("$/progress", `{"token":"t1","value":{"kind":"report","message":"50%"}}`), nil)
		assert.False(t, sig.Fired())

		r.Dispatch(context.Background(), serverNotification("$/progress", `{"token":"t1","value":{"kind":"end"}}`), nil)
		assert.True(t, sig.Fired())
	})

	t.Run("waits for all overlapping phases", func(t *testing.T) {
		r, sig := attach(t, ProgressTracked("", time.Second))

		r.Dispatch(context.Background(), serverNotification("$/progress", `{"token":1,"value":{"kind":"begin","title":"a"}}`), nil)
		r.Dispatch(context.Background(), serverNotification("$/progress", `{"token":2,"value":{"kind":"begin","title":"b"}}`), nil)
		r.Dispatch(context.Background(), serverNotification("$/progress", `{"token":1,"value":{"kind":"end"}}`), nil)
		assert.False(t, sig.Fired())
		r.Dispatch(context.Background(), serverNotification("$/progress", `{"token":2,"value":{"kind":"end"}}`), nil)
		assert.True(t, sig.Fired())
	})
}

func TestServerStatusQuiescent(t *testing.T) {
	r, sig := attach(t, ServerStatusQuiescent(time.Second))

	r.Dispatch(context.Background(), serverNotification("experimental/serverStatus", `{"health":"ok","quiescent":false}`), nil)
	assert.False(t, sig.Fired())
	r.Dispatch(context.Background(), serverNotification("experimental/serverStatus", `{"health":"ok","quiescent":true}`), nil)
	assert.True(t, sig.Fired())
}

func TestFixedDelay(t *testing.T) {
	t.Run("fires after the delay", func(t *testing.T) {
		s := FixedDelay(20 * time.Millisecond)
		sig := NewReadySignal()
		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()

		s.Begin(ctx, &InitializeResult{}, sig)
		select {
		case <-sig.Done():
		case <-time.After(time.Second):
			t.Fatal("fixed delay never fired")
		}
		assert.Greater(t, s.Timeout(), 20*time.Millisecond)
	})

	t.Run("stops when the wait is abandoned", func(t *testing.T) {
		s := FixedDelay(time.Hour)
		sig := NewReadySignal()
		ctx, cancel := context.WithCancel(context.Background())
		s.Begin(ctx, &InitializeResult{}, sig)
		cancel()
		assert.False(t, sig.Fired())
	})
}

func TestFirstOf(t *testing.T) {
	s := FirstOf(0,
		CapabilityGated("workspace/executeCommand", 2*time.Second),
		LogPattern(regexp.MustCompile(`ready`), 5*time.Second),
	)
	assert.Equal(t, 5*time.Second, s.Timeout())
	assert.Contains(t, s.Name(), "first_of(")

	r, sig := attach(t, s)
	r.Dispatch(context.Background(), serverNotification("window/logMessage", `{"type":3,"message":"server ready"}`), nil)
	r.Dispatch(context.Background(), serverRequest(`1`, "client/registerCapability",
		`{"registrations":[{"id":"x","method":"workspace/executeCommand"}]}`), &recordingReplier{})

	assert.Equal(t, "log:ready", sig.Source(), "first signal wins")
	assert.Equal(t, 3*time.Second, FirstOf(3*time.Second, Immediate()).Timeout())
}
