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
	"fmt"
	"regexp"
	"strings"
	"sync"
	"time"
)

const (
	// DefaultReadinessTimeout applies when a strategy declares no timeout.
	DefaultReadinessTimeout = 30 * time.Second

	// MaxReadinessTimeout caps every readiness wait.
	MaxReadinessTimeout = 300 * time.Second
)

// ClampReadinessTimeout maps d into (0, MaxReadinessTimeout].
func ClampReadinessTimeout(d time.Duration) time.Duration {
	switch {
	case d <= 0:
		return DefaultReadinessTimeout
	case d > MaxReadinessTimeout:
		return MaxReadinessTimeout
	default:
		return d
	}
}

// =============================================================================
// READY SIGNAL
// =============================================================================

// ReadySignal is a single-assignment readiness promise.
//
// The first Fire wins; its source is recorded and later fires are ignored.
type ReadySignal struct {
	once    sync.Once
	ch      chan struct{}
	source  string
	firedAt time.Time
}

// NewReadySignal creates an unfired signal.
func NewReadySignal() *ReadySignal {
	return &ReadySignal{ch: make(chan struct{})}
}

// Fire marks the signal ready. It returns true only for the winning call.
func (s *ReadySignal) Fire(source string) bool {
	won := false
	s.once.Do(func() {
		s.source = source
		s.firedAt = time.Now()
		close(s.ch)
		won = true
	})
	return won
}

// Done is closed once the signal fires.
func (s *ReadySignal) Done() <-chan struct{} { return s.ch }

// Fired reports whether the signal has fired.
func (s *ReadySignal) Fired() bool {
	select {
	case <-s.ch:
		return true
	default:
		return false
	}
}

// Source returns the winning source, or "" before the signal fires.
func (s *ReadySignal) Source() string {
	if !s.Fired() {
		return ""
	}
	return s.source
}

// =============================================================================
// STRATEGIES
// =============================================================================

// ReadinessStrategy decides when an initialized server can answer queries.
//
// Description:
//
//	Attach runs before the router is sealed and installs observers.
//	Begin runs after the initialized notification is sent; ctx is
//	cancelled when the wait ends. Every strategy is bounded by Timeout
//	and the session proceeds to Ready when it elapses.
type ReadinessStrategy interface {
	Name() string
	Attach(r *Router, sig *ReadySignal) error
	Begin(ctx context.Context, res *InitializeResult, sig *ReadySignal)
	Timeout() time.Duration
}

type immediate struct{}

// Immediate is ready as soon as the handshake completes.
func Immediate() ReadinessStrategy { return immediate{} }

func (immediate) Name() string { return "immediate" }
func (immediate) Attach(*Router, *ReadySignal) error { return nil }
func (immediate) Begin(_ context.Context, _ *InitializeResult, s *ReadySignal) { s.Fire("immediate") }
func (immediate) Timeout() time.Duration { return DefaultReadinessTimeout }

type fixedDelay struct {
	delay time.Duration
}

// FixedDelay waits d after the handshake. Used when a server emits no
// reliable signal.
func FixedDelay(d time.Duration) ReadinessStrategy { return fixedDelay{delay: d} }

func (f fixedDelay) Name() string { return "fixed_delay" }
func (fixedDelay) Attach(*Router, *ReadySignal) error { return nil }

func (f fixedDelay) Begin(ctx context.Context, _ *InitializeResult, s *ReadySignal) {
	if f.delay <= 0 {
		s.Fire("fixed_delay")
		return
	}
	go func() {
		t := time.NewTimer(f.delay)
		defer t.Stop()
		select {
		case <-t.C:
			s.Fire("fixed_delay")
		case <-ctx.Done():
		}
	}()
}

func (f fixedDelay) Timeout() time.Duration { return f.delay + time.Second }

type capabilityGated struct {
	method  string
	timeout time.Duration
}

// CapabilityGated is ready once the server dynamically registers method
// through client/registerCapability.
func CapabilityGated(method string, timeout time.Duration) ReadinessStrategy {
	return capabilityGated{method: method, timeout: timeout}
}

func (c capabilityGated) Name() string { return "capability:" + c.method }

func (c capabilityGated) Attach(r *Router, s *ReadySignal) error {
	return r.Observe("client/registerCapability", func(_ string, params json.RawMessage) {
		var p RegistrationParams
		if err := json.Unmarshal(params, &p); err != nil {
			return
		}
		for _, reg := range p.Registrations {
			if reg.Method == c.method {
				s.Fire(c.Name())
				return
			}
		}
	})
}

func (capabilityGated) Begin(context.Context, *InitializeResult, *ReadySignal) {}
func (c capabilityGated) Timeout() time.Duration { return c.timeout }

type logPattern struct {
	pattern *regexp.Regexp
	timeout time.Duration
}

// LogPattern is ready when a window/logMessage or window/showMessage text
// matches pattern.
func LogPattern(pattern *regexp.Regexp, timeout time.Duration) ReadinessStrategy {
	return logPattern{pattern: pattern, timeout: timeout}
}

func (l logPattern) Name() string { return "log:" + l.pattern.String() }

func (l logPattern) Attach(r *Router, s *ReadySignal) error {
	observe := func(_ string, params json.RawMessage) {
		var p LogMessageParams
		if err := json.Unmarshal(params, &p); err != nil {
			return
		}
		if l.pattern.MatchString(p.Message) {
			s.Fire(l.Name())
		}
	}
	if err := r.Observe("window/logMessage", observe); err != nil {
		return err
	}
	return r.Observe("window/showMessage", observe)
}

func (logPattern) Begin(context.Context, *InitializeResult, *ReadySignal) {}
func (l logPattern) Timeout() time.Duration { return l.timeout }

// progressTracked watches $/progress begin/end pairs.
type progressTracked struct {
	title   string
	timeout time.Duration

	mu     sync.Mutex
	active map[string]bool
	seen   bool
}

// ProgressTracked is ready when every $/progress phase whose title contains
// title (case-insensitive) has ended. An empty title tracks all phases.
func ProgressTracked(title string, timeout time.Duration) ReadinessStrategy {
	return &progressTracked{
		title:   strings.ToLower(title),
		timeout: timeout,
		active:  make(map[string]bool),
	}
}

func (p *progressTracked) Name() string {
	if p.title == "" {
		return "progress"
	}
	return "progress:" + p.title
}

func (p *progressTracked) Attach(r *Router, s *ReadySignal) error {
	return r.Observe("$/progress", func(_ string, params json.RawMessage) {
		var pp ProgressParams
		if err := json.Unmarshal(params, &pp); err != nil {
			return
		}
		token := string(pp.Token)

		p.mu.Lock()
		defer p.mu.Unlock()
		switch pp.Value.Kind {
		case "begin":
			if p.title == "" || strings.Contains(strings.ToLower(pp.Value.Title), p.title) {
				p.active[token] = true
				p.seen = true
			}
		case "end":
			if !p.active[token] {
				return
			}
			delete(p.active, token)
			if p.seen && len(p.active) == 0 {
				s.Fire(p.Name())
			}
		}
	})
}

func (*progressTracked) Begin(context.Context, *InitializeResult, *ReadySignal) {}
func (p *progressTracked) Timeout() time.Duration { return p.timeout }

type serverStatus struct {
	timeout time.Duration
}

// ServerStatusQuiescent is ready when the server reports
// experimental/serverStatus with quiescent set.
func ServerStatusQuiescent(timeout time.Duration) ReadinessStrategy {
	return serverStatus{timeout: timeout}
}

func (serverStatus) Name() string { return "server_status" }

func (st serverStatus) Attach(r *Router, s *ReadySignal) error {
	return r.Observe("experimental/serverStatus", func(_ string, params json.RawMessage) {
		var p ServerStatusParams
		if err := json.Unmarshal(params, &p); err != nil {
			return
		}
		if p.Quiescent {
			s.Fire(st.Name())
		}
	})
}

func (serverStatus) Begin(context.Context, *InitializeResult, *ReadySignal) {}
func (st serverStatus) Timeout() time.Duration { return st.timeout }

type firstOf struct {
	timeout    time.Duration
	strategies []ReadinessStrategy
}

// FirstOf is ready when any of strategies is. The first signal wins.
// A zero timeout uses the largest child timeout.
func FirstOf(timeout time.Duration, strategies ...ReadinessStrategy) ReadinessStrategy {
	return firstOf{timeout: timeout, strategies: strategies}
}

func (f firstOf) Name() string {
	names := make([]string, len(f.strategies))
	for i, s := range f.strategies {
		names[i] = s.Name()
	}
	return "first_of(" + strings.Join(names, ",") + ")"
}

func (f firstOf) Attach(r *Router, s *ReadySignal) error {
	for _, st := range f.strategies {
		if err := st.Attach(r, s); err != nil {
			return fmt.Errorf("attach %s: %w", st.Name(), err)
		}
	}
	return nil
}

func (f firstOf) Begin(ctx context.Context, res *InitializeResult, s *ReadySignal) {
	for _, st := range f.strategies {
		st.Begin(ctx, res, s)
	}
}

func (f firstOf) Timeout() time.Duration {
	if f.timeout > 0 {
		return f.timeout
	}
	var longest time.Duration
	for _, st := range f.strategies {
		if t := st.Timeout(); t > longest {
			longest = t
		}
	}
	return longest
}

// ReadinessOutcome records how a session's readiness wait ended.
type ReadinessOutcome struct {
	Strategy string
	Source   string
	TimedOut bool
	Waited   time.Duration
}
