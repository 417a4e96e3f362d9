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

// State is the lifecycle state of a Session.
//
//	NotStarted → Starting → AwaitingInitializeResponse → Initialized →
//	SettlingReady → Ready → ShuttingDown → Stopped
//
// Failed is absorbing and can be entered from any state before Stopped.
type State int32

const (
	StateNotStarted State = iota
	StateStarting
	StateAwaitingInitializeResponse
	StateInitialized
	StateSettlingReady
	StateReady
	StateShuttingDown
	StateStopped
	StateFailed
)

// String returns the string representation of the state.
func (s State) String() string {
	switch s {
	case StateNotStarted:
		return "not_started"
	case StateStarting:
		return "starting"
	case StateAwaitingInitializeResponse:
		return "awaiting_initialize_response"
	case StateInitialized:
		return "initialized"
	case StateSettlingReady:
		return "settling_ready"
	case StateReady:
		return "ready"
	case StateShuttingDown:
		return "shutting_down"
	case StateStopped:
		return "stopped"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// AcceptsRequests reports whether callers may issue requests in s.
// Same-file queries are allowed while settling; cross-file queries
// additionally wait for Ready via Session.WaitSettled.
func (s State) AcceptsRequests() bool {
	return s == StateInitialized || s == StateSettlingReady || s == StateReady
}

// Terminal reports whether s is Stopped or Failed.
func (s State) Terminal() bool {
	return s == StateStopped || s == StateFailed
}
