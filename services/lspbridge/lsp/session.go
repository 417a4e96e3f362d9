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
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

// DefaultStartupTimeout bounds the initialize request when the adapter sets none.
const DefaultStartupTimeout = 60 * time.Second

// SessionOptions configures a Session.
type SessionOptions struct {
	// Logger receives session logs. Nil uses slog.Default.
	Logger *slog.Logger

	// Launcher starts the server process. Nil uses SpawnLauncher.
	Launcher Launcher

	// Lifetime is the session-wide cancellation token. When it is done,
	// pending requests fail with ErrSessionCancelled and the server is
	// terminated.
	Lifetime context.Context

	// OnStateChange is called after every state transition.
	OnStateChange func(from, to State)
}

// =============================================================================
// SESSION
// =============================================================================

// Session is one language server process and everything needed to talk to it.
//
// Description:
//
//	Start drives the process through the handshake and readiness wait.
//	A session is owned by the caller that started it and is never shared
//	across repositories. Transport failures are fatal: pending requests
//	fail with the transport error and the session moves to Failed.
//
// Thread Safety:
//
//	Safe for concurrent use. Any number of goroutines may Call and
//	Notify concurrently; a single reader goroutine owns inbound traffic.
type Session struct {
	id       string
	rootPath string
	adapter  *AdapterConfig
	opts     SessionOptions
	logger   *slog.Logger

	state    atomic.Int32
	lastUsed atomic.Int64

	mu            sync.Mutex
	proc          ServerProcess
	disp          *Dispatcher
	router        *Router
	initResult    *InitializeResult
	outcome       ReadinessOutcome
	readyAt       time.Time
	settleTimer   *time.Timer
	failErr       error
	readerStarted bool
	cancelCtx     context.CancelFunc

	settled        chan struct{}
	settledOnce    sync.Once
	terminated     chan struct{}
	terminatedOnce sync.Once
	readerDone     chan struct{}

	stopOnce sync.Once
	stopErr  error
}

// NewSession creates a session for the repository at rootPath.
//
// Inputs:
//
//	rootPath - Absolute path to the repository root
//	adapter - Server-specific configuration; must not be modified afterwards
//	opts - Optional logger, launcher, lifetime context and state callback
func NewSession(rootPath string, adapter *AdapterConfig, opts SessionOptions) *Session {
	if opts.Launcher == nil {
		opts.Launcher = SpawnLauncher
	}
	base := opts.Logger
	if base == nil {
		base = slog.Default()
	}
	id := uuid.NewString()
	language := ""
	if adapter != nil {
		language = adapter.Language
	}
	s := &Session{
		id:       id,
		rootPath: rootPath,
		adapter:  adapter,
		opts:     opts,
		logger: base.With(
			slog.String("language", language),
			slog.String("session_id", id),
			slog.String("root_path", rootPath),
		),
		settled:    make(chan struct{}),
		terminated: make(chan struct{}),
		readerDone: make(chan struct{}),
	}
	s.touch()
	return s
}

// Start launches the server and completes the handshake.
//
// Description:
//
//	Registers every handler and seals the router before the process is
//	spawned, sends initialize with the adapter's params, checks required
//	capabilities, sends initialized and waits for the readiness strategy
//	(bounded by its timeout; a timeout is logged and tolerated). Start
//	returns once the session is SettlingReady; the session becomes Ready
//	after the adapter's cross-file settle time.
//
// Outputs:
//
//	error - *ProcessLaunchError, *CapabilityError, *TransportError,
//	        ErrRequestTimeout or ErrSessionAlreadyStarted
func (s *Session) Start(ctx context.Context) (err error) {
	if ctx == nil {
		return fmt.Errorf("ctx must not be nil")
	}
	if err := s.adapter.Validate(); err != nil {
		return err
	}
	if !s.transition(StateNotStarted, StateStarting) {
		return ErrSessionAlreadyStarted
	}

	ctx, span := startSessionSpan(ctx, "Start", s.adapter.Language, s.rootPath)
	defer span.End()
	defer func() {
		recordSessionStart(ctx, s.adapter.Language, err == nil)
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
	}()

	router := NewRouter(s.logger)
	if err := InstallDefaultHandlers(router, s.logger); err != nil {
		return s.abortStart(err)
	}
	if s.adapter.RegisterHandlers != nil {
		if err := s.adapter.RegisterHandlers(router); err != nil {
			return s.abortStart(fmt.Errorf("register handlers: %w", err))
		}
	}
	strategy := s.adapter.readiness()
	sig := NewReadySignal()
	if err := strategy.Attach(router, sig); err != nil {
		return s.abortStart(fmt.Errorf("attach readiness strategy: %w", err))
	}
	router.Seal()

	spec, err := s.adapter.BuildLaunchCommand(s.rootPath)
	if err != nil {
		return s.abortStart(&ProcessLaunchError{
			Language:    s.adapter.Language,
			Remediation: s.adapter.Remediation,
			Err:         err,
		})
	}
	if spec.Dir == "" {
		spec.Dir = s.rootPath
	}

	proc, err := s.opts.Launcher(ctx, spec, ProcessOptions{
		Language:    s.adapter.Language,
		Remediation: s.adapter.Remediation,
		OnStderr:    s.logStderr,
		Logger:      s.logger,
	})
	if err != nil {
		return s.abortStart(err)
	}

	lifetime := s.opts.Lifetime
	if lifetime == nil {
		lifetime = context.Background()
	}
	sessCtx, cancel := context.WithCancel(lifetime)
	conn := NewConn(proc.Stdout(), proc.Stdin())
	disp := NewDispatcher(conn, DispatcherOptions{
		RequestTimeout: s.adapter.RequestTimeout,
		MethodTimeouts: s.adapter.MethodTimeouts,
		Language:       s.adapter.Language,
		Logger:         s.logger,
	})

	s.mu.Lock()
	if s.State() != StateStarting {
		s.mu.Unlock()
		cancel()
		_ = proc.Terminate(s.shutdownGrace())
		return ErrSessionCancelled
	}
	s.proc = proc
	s.disp = disp
	s.router = router
	s.cancelCtx = cancel
	s.readerStarted = true
	s.mu.Unlock()

	go s.readLoop(sessCtx, conn, disp, router)
	if lifetime.Done() != nil {
		go s.watchLifetime(lifetime)
	}

	if !s.transition(StateStarting, StateAwaitingInitializeResponse) {
		return s.abortStart(s.interruption())
	}

	params, err := s.adapter.initializeParams(s.rootPath)
	if err != nil {
		return s.abortStart(fmt.Errorf("build initialize params: %w", err))
	}
	raw, err := disp.Call(ctx, "initialize", params, s.startupTimeout())
	if err != nil {
		return s.abortStart(fmt.Errorf("initialize: %w", err))
	}

	var res InitializeResult
	if err := json.Unmarshal(raw, &res); err != nil {
		return s.abortStart(fmt.Errorf("%w: initialize: %v", ErrInvalidResponse, err))
	}
	if missing := missingCapabilities(&res.Capabilities, s.adapter.RequiredCapabilities); len(missing) > 0 {
		name := s.adapter.ServerName
		if res.ServerInfo != nil && res.ServerInfo.Name != "" {
			name = res.ServerInfo.Name
		}
		return s.abortStart(&CapabilityError{Server: name, Missing: missing})
	}

	s.mu.Lock()
	s.initResult = &res
	s.mu.Unlock()

	if err := disp.Notify("initialized", struct{}{}); err != nil {
		return s.abortStart(fmt.Errorf("initialized: %w", err))
	}
	if !s.transition(StateAwaitingInitializeResponse, StateInitialized) {
		return s.abortStart(s.interruption())
	}

	outcome, err := s.awaitReadiness(ctx, strategy, sig, &res)
	recordReadiness(ctx, s.adapter.Language, outcome)
	if err != nil {
		return s.abortStart(err)
	}
	span.SetAttributes(
		attribute.String("lsp.readiness.source", outcome.Source),
		attribute.Bool("lsp.readiness.timed_out", outcome.TimedOut),
	)

	settle := s.adapter.CrossFileReferenceSettleTime
	s.mu.Lock()
	s.outcome = outcome
	s.readyAt = time.Now()
	s.mu.Unlock()

	if !s.transition(StateInitialized, StateSettlingReady) {
		return s.abortStart(s.interruption())
	}
	if settle <= 0 {
		s.markSettled()
	} else {
		s.mu.Lock()
		s.settleTimer = time.AfterFunc(settle, s.markSettled)
		s.mu.Unlock()
	}

	s.touch()
	s.logger.Info("Language server ready",
		slog.String("readiness", outcome.Source),
		slog.Duration("waited", outcome.Waited),
		slog.Duration("settle_time", settle),
	)
	return nil
}

// awaitReadiness blocks until the strategy signals or its timeout elapses.
func (s *Session) awaitReadiness(ctx context.Context, strategy ReadinessStrategy, sig *ReadySignal, res *InitializeResult) (ReadinessOutcome, error) {
	timeout := ClampReadinessTimeout(strategy.Timeout())
	outcome := ReadinessOutcome{Strategy: strategy.Name()}
	started := time.Now()

	bctx, cancel := context.WithCancel(ctx)
	defer cancel()
	strategy.Begin(bctx, res, sig)

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case <-sig.Done():
	case <-timer.C:
		if sig.Fire("timeout") {
			outcome.TimedOut = true
			s.logger.Warn("Language server readiness signal not received, proceeding",
				slog.String("strategy", strategy.Name()),
				slog.Duration("timeout", timeout),
				slog.String("error", ErrReadinessTimeout.Error()),
			)
		}
	case <-ctx.Done():
		outcome.Waited = time.Since(started)
		return outcome, fmt.Errorf("readiness wait: %w", ctx.Err())
	case <-s.terminated:
		outcome.Waited = time.Since(started)
		return outcome, s.interruption()
	}

	outcome.Source = sig.Source()
	outcome.Waited = time.Since(started)
	return outcome, nil
}

func missingCapabilities(caps *ServerCapabilities, required []Capability) []string {
	var missing []string
	for _, c := range required {
		if c.Check != nil && !c.Check(caps) {
			missing = append(missing, c.Name)
		}
	}
	return missing
}

// readLoop is the session's single reader. Responses go to the dispatcher,
// everything else to the router, in arrival order.
func (s *Session) readLoop(ctx context.Context, conn *Conn, disp *Dispatcher, router *Router) {
	defer close(s.readerDone)
	for {
		msg, err := conn.ReadMessage()
		if err != nil {
			s.readerExited(err, disp)
			return
		}
		switch {
		case msg.IsResponse():
			disp.Deliver(msg)
		case msg.Method != "":
			router.Dispatch(ctx, msg, disp)
		default:
			s.logger.Debug("dropping message without method or id")
		}
	}
}

func (s *Session) readerExited(err error, disp *Dispatcher) {
	if st := s.State(); st == StateShuttingDown || st == StateStopped {
		disp.Fail(ErrSessionCancelled)
		return
	}
	s.fail(err)
	go s.terminateProcess()
}

func (s *Session) watchLifetime(lifetime context.Context) {
	select {
	case <-lifetime.Done():
		s.logger.Info("Session cancelled", slog.String("cause", lifetime.Err().Error()))
		s.Cancel()
	case <-s.terminated:
	}
}

// =============================================================================
// REQUESTS
// =============================================================================

// Call sends a request and waits for its result.
//
// Inputs:
//
//	ctx - Context for cancellation
//	method - The LSP method
//	params - Method parameters
//	timeout - Per-call timeout; zero uses the adapter's timeouts
//
// Outputs:
//
//	json.RawMessage - The raw result
//	error - ErrSessionNotReady before the handshake completes or after
//	        stop, the failure cause on a Failed session, or any
//	        Dispatcher.Call error
func (s *Session) Call(ctx context.Context, method string, params any, timeout time.Duration) (json.RawMessage, error) {
	disp, err := s.requestDispatcher()
	if err != nil {
		return nil, err
	}
	s.touch()
	started := time.Now()
	raw, err := disp.Call(ctx, method, params, timeout)
	recordRequest(ctx, s.adapter.Language, method, time.Since(started), err)
	return raw, err
}

// Notify sends a notification without waiting.
func (s *Session) Notify(method string, params any) error {
	disp, err := s.requestDispatcher()
	if err != nil {
		return err
	}
	s.touch()
	return disp.Notify(method, params)
}

func (s *Session) requestDispatcher() (*Dispatcher, error) {
	st := s.State()
	switch {
	case st == StateFailed:
		return nil, s.failure()
	case st.AcceptsRequests():
		s.mu.Lock()
		defer s.mu.Unlock()
		return s.disp, nil
	default:
		return nil, fmt.Errorf("%w: state %s", ErrSessionNotReady, st)
	}
}

// WaitSettled blocks until the session is Ready, i.e. the cross-file settle
// time has elapsed after readiness.
func (s *Session) WaitSettled(ctx context.Context) error {
	switch st := s.State(); {
	case st == StateFailed:
		return s.failure()
	case st == StateNotStarted || st.Terminal() || st == StateShuttingDown:
		return fmt.Errorf("%w: state %s", ErrSessionNotReady, st)
	}
	select {
	case <-s.settled:
		return nil
	case <-s.terminated:
		return s.interruption()
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Session) markSettled() {
	if s.transition(StateSettlingReady, StateReady) {
		s.settledOnce.Do(func() { close(s.settled) })
	}
}

// =============================================================================
// SHUTDOWN
// =============================================================================

// Stop shuts the session down gracefully.
//
// Description:
//
//	Sends shutdown (bounded by the adapter's grace period) and exit,
//	then terminates the process tree and joins the reader. Pending
//	requests fail with ErrSessionCancelled. Idempotent; a Failed session
//	stays Failed but its process is still reaped.
func (s *Session) Stop(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	s.stopOnce.Do(func() {
		s.stopErr = s.teardown(ctx, true)
	})
	return s.stopErr
}

// Cancel aborts the session immediately: pending requests fail with
// ErrSessionCancelled before the process is terminated.
func (s *Session) Cancel() {
	s.stopOnce.Do(func() {
		s.stopErr = s.teardown(context.Background(), false)
	})
}

func (s *Session) teardown(ctx context.Context, graceful bool) error {
	prev := s.beginShutdown()
	if prev == StateNotStarted || prev == StateStopped || prev == StateShuttingDown {
		return nil
	}

	s.mu.Lock()
	proc, disp, timer, cancel, readerStarted := s.proc, s.disp, s.settleTimer, s.cancelCtx, s.readerStarted
	s.mu.Unlock()

	if timer != nil {
		timer.Stop()
	}
	grace := s.shutdownGrace()

	if disp != nil && prev != StateFailed {
		if !graceful {
			disp.Fail(ErrSessionCancelled)
		} else if prev.AcceptsRequests() {
			sctx, scancel := context.WithTimeout(ctx, grace)
			if _, err := disp.Call(sctx, "shutdown", nil, grace); err != nil {
				s.logger.Debug("shutdown request failed", slog.String("error", err.Error()))
			}
			scancel()
			if err := disp.Notify("exit", nil); err != nil {
				s.logger.Debug("exit notification failed", slog.String("error", err.Error()))
			}
		}
		disp.Fail(ErrSessionCancelled)
	}

	if proc != nil {
		_ = proc.Terminate(grace)
	}
	if readerStarted {
		select {
		case <-s.readerDone:
		case <-time.After(grace):
			s.logger.Warn("reader did not exit after terminate")
		}
	}
	if cancel != nil {
		cancel()
	}

	if prev != StateFailed {
		s.transition(StateShuttingDown, StateStopped)
	}
	s.closeTerminated()
	s.logger.Info("Language server session stopped", slog.String("previous_state", prev.String()))
	return nil
}

// beginShutdown moves the session to ShuttingDown and returns the prior state.
// A session that never started goes straight to Stopped.
func (s *Session) beginShutdown() State {
	for {
		cur := s.State()
		switch cur {
		case StateStopped, StateShuttingDown, StateFailed:
			return cur
		case StateNotStarted:
			if s.transition(StateNotStarted, StateStopped) {
				s.closeTerminated()
				return cur
			}
		default:
			if s.transition(cur, StateShuttingDown) {
				return cur
			}
		}
	}
}

func (s *Session) terminateProcess() {
	s.mu.Lock()
	proc := s.proc
	s.mu.Unlock()
	if proc != nil {
		_ = proc.Terminate(s.shutdownGrace())
	}
}

// abortStart ends a failed Start. If Stop or Cancel interrupted the start,
// the session is left to them and ErrSessionCancelled is returned.
func (s *Session) abortStart(err error) error {
	if st := s.State(); st == StateShuttingDown || st == StateStopped {
		if errors.Is(err, ErrSessionCancelled) {
			return err
		}
		return fmt.Errorf("%w: %v", ErrSessionCancelled, err)
	}
	s.fail(err)
	s.terminateProcess()
	return err
}

// fail moves the session to Failed and fails every pending request with err.
func (s *Session) fail(err error) {
	s.mu.Lock()
	if s.failErr == nil {
		s.failErr = err
	}
	disp, timer := s.disp, s.settleTimer
	s.mu.Unlock()

	for {
		cur := s.State()
		if cur == StateFailed || cur == StateStopped {
			return
		}
		if s.transition(cur, StateFailed) {
			break
		}
	}

	if disp != nil {
		disp.Fail(err)
	}
	if timer != nil {
		timer.Stop()
	}
	s.closeTerminated()
	s.logger.Error("Language server session failed", slog.String("error", err.Error()))
}

// failure returns the error that failed the session.
func (s *Session) failure() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failErr == nil {
		return ErrSessionFailed
	}
	return fmt.Errorf("%w: %w", ErrSessionFailed, s.failErr)
}

// interruption describes why a wait was cut short by the session ending.
func (s *Session) interruption() error {
	if s.State() == StateFailed {
		return s.failure()
	}
	return ErrSessionCancelled
}

// =============================================================================
// STATE
// =============================================================================

func (s *Session) transition(from, to State) bool {
	if !s.state.CompareAndSwap(int32(from), int32(to)) {
		return false
	}
	s.logger.Debug("session state changed",
		slog.String("from", from.String()),
		slog.String("to", to.String()),
	)
	if s.opts.OnStateChange != nil {
		s.opts.OnStateChange(from, to)
	}
	return true
}

func (s *Session) closeTerminated() {
	s.terminatedOnce.Do(func() { close(s.terminated) })
}

func (s *Session) logStderr(line string) {
	s.logger.Log(context.Background(), s.adapter.stderrLevel(line), "language server stderr", slog.String("line", line))
}

func (s *Session) touch() { s.lastUsed.Store(time.Now().UnixNano()) }

func (s *Session) startupTimeout() time.Duration {
	if s.adapter.StartupTimeout > 0 {
		return s.adapter.StartupTimeout
	}
	return DefaultStartupTimeout
}

func (s *Session) shutdownGrace() time.Duration {
	if s.adapter != nil && s.adapter.ShutdownGrace > 0 {
		return s.adapter.ShutdownGrace
	}
	return DefaultShutdownGrace
}

// State returns the current lifecycle state.
func (s *Session) State() State { return State(s.state.Load()) }

// ID returns the session's unique identifier.
func (s *Session) ID() string { return s.id }

// RootPath returns the repository root.
func (s *Session) RootPath() string { return s.rootPath }

// Adapter returns the session's adapter configuration.
func (s *Session) Adapter() *AdapterConfig { return s.adapter }

// Language returns the adapter's language identifier.
func (s *Session) Language() string { return s.adapter.Language }

// Logger returns the session-scoped logger.
func (s *Session) Logger() *slog.Logger { return s.logger }

// LastUsed returns when a request was last issued.
func (s *Session) LastUsed() time.Time { return time.Unix(0, s.lastUsed.Load()) }

// Terminated is closed when the session stops or fails.
func (s *Session) Terminated() <-chan struct{} { return s.terminated }

// Err returns the failure cause of a Failed session, nil otherwise.
func (s *Session) Err() error {
	if s.State() != StateFailed {
		return nil
	}
	return s.failure()
}

// Capabilities returns the server's capabilities, or nil before initialize completes.
func (s *Session) Capabilities() *ServerCapabilities {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.initResult == nil {
		return nil
	}
	caps := s.initResult.Capabilities
	return &caps
}

// ServerInfo returns the server's self-reported name and version, if any.
func (s *Session) ServerInfo() *ServerInfo {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.initResult == nil {
		return nil
	}
	return s.initResult.ServerInfo
}

// ReadinessOutcome reports how the readiness wait ended.
func (s *Session) ReadinessOutcome() ReadinessOutcome {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.outcome
}

// ReadyAt returns when the readiness wait ended.
func (s *Session) ReadyAt() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.readyAt
}

// PendingCount returns the number of requests awaiting a response.
func (s *Session) PendingCount() int {
	s.mu.Lock()
	disp := s.disp
	s.mu.Unlock()
	if disp == nil {
		return 0
	}
	return disp.PendingCount()
}
