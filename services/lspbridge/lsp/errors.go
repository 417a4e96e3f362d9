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
	"errors"
	"fmt"
	"strings"
)

// Sentinel errors for LSP operations.
var (
	// ErrTransport indicates the framed stream to the server broke. Fatal to the session.
	ErrTransport = errors.New("lsp transport error")

	// ErrRequestTimeout indicates a request got no response within its timeout.
	ErrRequestTimeout = errors.New("lsp request timeout")

	// ErrProtocol indicates the server answered with a JSON-RPC error object.
	ErrProtocol = errors.New("lsp protocol error")

	// ErrHandshakeCapability indicates a required capability was absent after initialize.
	ErrHandshakeCapability = errors.New("lsp server lacks required capability")

	// ErrReadinessTimeout indicates the readiness signal never arrived.
	// Sessions treat it as a warning and proceed to Ready.
	ErrReadinessTimeout = errors.New("lsp readiness timeout")

	// ErrProcessLaunch indicates the server binary or its runtime could not be started.
	ErrProcessLaunch = errors.New("lsp server launch failed")

	// ErrSessionCancelled indicates the session was cancelled while requests were pending.
	ErrSessionCancelled = errors.New("lsp session cancelled")

	// ErrSessionNotReady indicates the session cannot accept requests in its current state.
	ErrSessionNotReady = errors.New("lsp session not ready")

	// ErrSessionAlreadyStarted indicates Start was called more than once.
	ErrSessionAlreadyStarted = errors.New("lsp session already started")

	// ErrSessionFailed indicates the session is in the Failed state.
	ErrSessionFailed = errors.New("lsp session failed")

	// ErrRouterSealed indicates a handler registration after the handshake began.
	ErrRouterSealed = errors.New("lsp router sealed")

	// ErrUnsupportedLanguage indicates no adapter exists for the language.
	ErrUnsupportedLanguage = errors.New("no lsp adapter for language")

	// ErrManagerStopped indicates GetOrStart after ShutdownAll.
	ErrManagerStopped = errors.New("lsp manager is stopped")

	// ErrInvalidResponse indicates a response result could not be decoded.
	ErrInvalidResponse = errors.New("invalid lsp response")
)

// JSON-RPC and LSP error codes.
const (
	CodeParseError           = -32700
	CodeInvalidRequest       = -32600
	CodeMethodNotFound       = -32601
	CodeInvalidParams        = -32602
	CodeInternalError        = -32603
	CodeServerNotInitialized = -32002
	CodeUnknownErrorCode     = -32001
	CodeRequestFailed        = -32803
	CodeServerCancelled      = -32802
	CodeContentModified      = -32801
	CodeRequestCancelled     = -32800
)

// TransportError describes a failure of the framed stream.
//
// All transport errors are terminal for the session that produced them.
type TransportError struct {
	// Op is the step that failed ("read header", "read body", "decode", "write").
	Op string

	// Err is the underlying cause.
	Err error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("lsp transport %s: %v", e.Op, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// Is reports whether target is ErrTransport.
func (e *TransportError) Is(target error) bool { return target == ErrTransport }

// ProtocolError is a JSON-RPC error object returned by the server.
//
// LSP error codes are the JSON-RPC 2.0 codes plus LSP-specific ones:
//   - -32700: Parse error
//   - -32601: Method not found
//   - -32603: Internal error
//   - -32801: Content modified
//   - -32800: Request cancelled
type ProtocolError struct {
	// Method is the request method that failed. Empty for errors sent by the client.
	Method string

	// Code is the JSON-RPC error code.
	Code int

	// Message is the error message from the server.
	Message string

	// Data contains optional additional data about the error.
	Data any
}

func (e *ProtocolError) Error() string {
	prefix := "lsp error"
	if e.Method != "" {
		prefix = "lsp " + e.Method
	}
	if e.Data != nil {
		return fmt.Sprintf("%s: %d %s (data: %v)", prefix, e.Code, e.Message, e.Data)
	}
	return fmt.Sprintf("%s: %d %s", prefix, e.Code, e.Message)
}

// Is reports whether target is ErrProtocol.
func (e *ProtocolError) Is(target error) bool { return target == ErrProtocol }

// IsMethodNotFound returns true if the server does not implement the method.
func (e *ProtocolError) IsMethodNotFound() bool { return e.Code == CodeMethodNotFound }

// IsRequestCancelled returns true if the request was cancelled.
func (e *ProtocolError) IsRequestCancelled() bool {
	return e.Code == CodeRequestCancelled || e.Code == CodeServerCancelled
}

// IsContentModified returns true if the document changed while the request ran.
func (e *ProtocolError) IsContentModified() bool { return e.Code == CodeContentModified }

// IsRetryable returns true for errors that usually succeed when repeated.
func (e *ProtocolError) IsRetryable() bool {
	return e.IsContentModified() || e.IsRequestCancelled() || e.Code == CodeServerNotInitialized
}

// CapabilityError lists the required capabilities the server did not advertise.
type CapabilityError struct {
	Server  string
	Missing []string
}

func (e *CapabilityError) Error() string {
	name := e.Server
	if name == "" {
		name = "server"
	}
	return fmt.Sprintf("%s does not advertise required capabilities: %s", name, strings.Join(e.Missing, ", "))
}

// Is reports whether target is ErrHandshakeCapability.
func (e *CapabilityError) Is(target error) bool { return target == ErrHandshakeCapability }

// ProcessLaunchError reports a server that could not be started.
//
// Remediation is shown to users verbatim; it says what to install.
type ProcessLaunchError struct {
	Language    string
	Command     string
	Remediation string
	Err         error
}

func (e *ProcessLaunchError) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "start %s language server %q: %v", e.Language, e.Command, e.Err)
	if e.Remediation != "" {
		b.WriteString(" (")
		b.WriteString(e.Remediation)
		b.WriteString(")")
	}
	return b.String()
}

func (e *ProcessLaunchError) Unwrap() error { return e.Err }

// Is reports whether target is ErrProcessLaunch.
func (e *ProcessLaunchError) Is(target error) bool { return target == ErrProcessLaunch }

// AsProtocolError extracts a *ProtocolError from err.
func AsProtocolError(err error) (*ProtocolError, bool) {
	var pe *ProtocolError
	if errors.As(err, &pe) {
		return pe, true
	}
	return nil, false
}
