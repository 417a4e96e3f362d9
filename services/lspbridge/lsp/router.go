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
	"runtime/debug"
	"sync"
)

// NotificationHandler handles a server→client notification.
type NotificationHandler func(ctx context.Context, params json.RawMessage)

// RequestHandler handles a server→client request. A nil result is sent as
// null. Returning a *ProtocolError preserves its code in the response.
type RequestHandler func(ctx context.Context, params json.RawMessage) (any, error)

// Observer passively watches inbound messages for a method. Observers run
// before the method's handler and cannot answer requests.
type Observer func(method string, params json.RawMessage)

// Replier sends responses to server requests. *Dispatcher implements it.
type Replier interface {
	Respond(id json.RawMessage, result any, rerr *ResponseError) error
}

// Router maps server→client methods to handlers.
//
// Description:
//
//	Handlers are registered during session setup and the router is sealed
//	before the initialize request is written, so no handler can race the
//	first inbound message. Dispatch runs on the session's single reader
//	goroutine, synchronously and in arrival order; handlers must not block.
//
// Thread Safety:
//
//	Safe for concurrent use. After Seal the tables are read-only.
type Router struct {
	mu            sync.RWMutex
	notifications map[string]NotificationHandler
	requests      map[string]RequestHandler
	observers     map[string][]Observer
	sealed        bool
	logger        *slog.Logger
}

// NewRouter creates an empty router.
func NewRouter(logger *slog.Logger) *Router {
	if logger == nil {
		logger = slog.Default()
	}
	return &Router{
		notifications: make(map[string]NotificationHandler),
		requests:      make(map[string]RequestHandler),
		observers:     make(map[string][]Observer),
		logger:        logger,
	}
}

// RegisterNotification sets the handler for a notification, replacing any previous one.
func (r *Router) RegisterNotification(method string, h NotificationHandler) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.sealed {
		return fmt.Errorf("%w: %s", ErrRouterSealed, method)
	}
	r.notifications[method] = h
	return nil
}

// RegisterRequest sets the handler for a server request, replacing any previous one.
func (r *Router) RegisterRequest(method string, h RequestHandler) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.sealed {
		return fmt.Errorf("%w: %s", ErrRouterSealed, method)
	}
	r.requests[method] = h
	return nil
}

// Register registers handler for method. handler must be a RequestHandler
// when isRequest is true and a NotificationHandler otherwise.
func (r *Router) Register(method string, isRequest bool, handler any) error {
	switch h := handler.(type) {
	case RequestHandler:
		if isRequest {
			return r.RegisterRequest(method, h)
		}
	case func(context.Context, json.RawMessage) (any, error):
		if isRequest {
			return r.RegisterRequest(method, h)
		}
	case NotificationHandler:
		if !isRequest {
			return r.RegisterNotification(method, h)
		}
	case func(context.Context, json.RawMessage):
		if !isRequest {
			return r.RegisterNotification(method, h)
		}
	}
	return fmt.Errorf("handler for %s has type %T, isRequest=%t", method, handler, isRequest)
}

// Observe adds a passive observer for method.
func (r *Router) Observe(method string, o Observer) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.sealed {
		return fmt.Errorf("%w: %s", ErrRouterSealed, method)
	}
	r.observers[method] = append(r.observers[method], o)
	return nil
}

// Seal freezes the router. Later registrations fail with ErrRouterSealed.
func (r *Router) Seal() {
	r.mu.Lock()
	r.sealed = true
	r.mu.Unlock()
}

// Sealed reports whether Seal has been called.
func (r *Router) Sealed() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.sealed
}

// Dispatch delivers a non-response message to its observers and handler.
//
// Description:
//
//	Notifications without a handler are ignored. Requests always get
//	exactly one correlated response: the handler's result, an error
//	response when the handler fails, or MethodNotFound when no handler
//	is registered, so the server never blocks on its own request.
func (r *Router) Dispatch(ctx context.Context, msg *Message, reply Replier) {
	r.mu.RLock()
	observers := r.observers[msg.Method]
	nh := r.notifications[msg.Method]
	rh := r.requests[msg.Method]
	r.mu.RUnlock()

	for _, o := range observers {
		r.safeObserve(o, msg)
	}

	if msg.IsNotification() {
		if nh == nil {
			r.logger.Debug("unhandled notification", slog.String("method", msg.Method))
			return
		}
		r.safeNotify(ctx, nh, msg)
		return
	}

	if rh == nil {
		r.logger.Debug("unhandled server request", slog.String("method", msg.Method))
		r.respond(reply, msg, nil, &ResponseError{
			Code:    CodeMethodNotFound,
			Message: "method not found: " + msg.Method,
		})
		return
	}

	result, err := r.safeRequest(ctx, rh, msg)
	if err != nil {
		rerr := &ResponseError{Code: CodeInternalError, Message: err.Error()}
		var pe *ProtocolError
		if errors.As(err, &pe) {
			rerr = &ResponseError{Code: pe.Code, Message: pe.Message, Data: pe.Data}
		}
		r.logger.Warn("server request handler failed",
			slog.String("method", msg.Method),
			slog.String("error", err.Error()),
		)
		r.respond(reply, msg, nil, rerr)
		return
	}
	r.respond(reply, msg, result, nil)
}

func (r *Router) respond(reply Replier, msg *Message, result any, rerr *ResponseError) {
	if reply == nil {
		return
	}
	if err := reply.Respond(msg.ID, result, rerr); err != nil {
		r.logger.Warn("failed to answer server request",
			slog.String("method", msg.Method),
			slog.String("error", err.Error()),
		)
	}
}

func (r *Router) safeObserve(o Observer, msg *Message) {
	defer func() {
		if p := recover(); p != nil {
			r.logger.Error("observer panicked", slog.String("method", msg.Method), slog.Any("panic", p))
		}
	}()
	o(msg.Method, msg.Params)
}

func (r *Router) safeNotify(ctx context.Context, h NotificationHandler, msg *Message) {
	defer func() {
		if p := recover(); p != nil {
			r.logger.Error("notification handler panicked",
				slog.String("method", msg.Method),
				slog.Any("panic", p),
				slog.String("stack", string(debug.Stack())),
			)
		}
	}()
	h(ctx, msg.Params)
}

func (r *Router) safeRequest(ctx context.Context, h RequestHandler, msg *Message) (result any, err error) {
	defer func() {
		if p := recover(); p != nil {
			r.logger.Error("request handler panicked",
				slog.String("method", msg.Method),
				slog.Any("panic", p),
				slog.String("stack", string(debug.Stack())),
			)
			result, err = nil, fmt.Errorf("handler panic: %v", p)
		}
	}()
	return h(ctx, msg.Params)
}

// =============================================================================
// DEFAULT HANDLERS
// =============================================================================

// InstallDefaultHandlers registers the handlers every session starts with.
//
// Description:
//
//	Dynamic registrations and progress token creation are acknowledged,
//	configuration requests get one null per item, and edit requests are
//	refused because this client never lets a server modify files.
//	Log and show messages are forwarded to logger. Adapters may replace
//	any of these before the router is sealed.
func InstallDefaultHandlers(r *Router, logger *slog.Logger) error {
	if logger == nil {
		logger = slog.Default()
	}
	ack := func(context.Context, json.RawMessage) (any, error) { return nil, nil }

	requests := map[string]RequestHandler{
		"client/registerCapability":      ack,
		"client/unregisterCapability":    ack,
		"window/workDoneProgress/create": ack,
		"window/showMessageRequest":      ack,
		"window/showDocument": func(context.Context, json.RawMessage) (any, error) {
			return map[string]bool{"success": false}, nil
		},
		"workspace/configuration": ConfigurationHandler(nil),
		"workspace/executeClientCommand": func(context.Context, json.RawMessage) (any, error) {
			return []any{}, nil
		},
		"workspace/workspaceFolders": func(context.Context, json.RawMessage) (any, error) {
			return nil, nil
		},
		"workspace/applyEdit": func(context.Context, json.RawMessage) (any, error) {
			return ApplyWorkspaceEditResult{Applied: false, FailureReason: "client is read-only"}, nil
		},
	}
	for method, h := range requests {
		if err := r.RegisterRequest(method, h); err != nil {
			return err
		}
	}

	logHandler := func(kind string) NotificationHandler {
		return func(ctx context.Context, params json.RawMessage) {
			var p LogMessageParams
			if err := json.Unmarshal(params, &p); err != nil {
				return
			}
			logger.Log(ctx, messageLevel(p.Type), "language server "+kind, slog.String("message", p.Message))
		}
	}
	ignore := func(context.Context, json.RawMessage) {}

	notifications := map[string]NotificationHandler{
		"window/logMessage":               logHandler("log"),
		"window/showMessage":              logHandler("message"),
		"$/progress":                      ignore,
		"$/logTrace":                      ignore,
		"textDocument/publishDiagnostics": ignore,
		"telemetry/event":                 ignore,
	}
	for method, h := range notifications {
		if err := r.RegisterNotification(method, h); err != nil {
			return err
		}
	}
	return nil
}

// ConfigurationHandler answers workspace/configuration from settings keyed
// by section. Items with an unknown or empty section get null.
func ConfigurationHandler(settings map[string]any) RequestHandler {
	return func(_ context.Context, params json.RawMessage) (any, error) {
		var p ConfigurationParams
		if err := json.Unmarshal(params, &p); err != nil {
			return nil, &ProtocolError{Code: CodeInvalidParams, Message: err.Error()}
		}
		out := make([]any, len(p.Items))
		for i, item := range p.Items {
			if v, ok := settings[item.Section]; ok {
				out[i] = v
			}
		}
		return out, nil
	}
}

func messageLevel(t MessageType) slog.Level {
	switch t {
	case MessageTypeError:
		return slog.LevelError
	case MessageTypeWarning:
		return slog.LevelWarn
	case MessageTypeInfo:
		return slog.LevelInfo
	default:
		return slog.LevelDebug
	}
}
