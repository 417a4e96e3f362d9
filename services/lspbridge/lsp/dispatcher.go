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
)

// DefaultRequestTimeout applies when neither the caller nor the adapter sets one.
const DefaultRequestTimeout = 30 * time.Second

// DispatcherOptions configures a Dispatcher.
type DispatcherOptions struct {
	// RequestTimeout is used when Call is given no timeout.
	RequestTimeout time.Duration

	// MethodTimeouts overrides RequestTimeout per method.
	MethodTimeouts map[string]time.Duration

	// Language labels metrics and logs.
	Language string

	Logger *slog.Logger
}

type callResult struct {
	raw json.RawMessage
	err error
}

// pendingRequest is one outstanding call. Exactly one value is ever sent on
// result, by whoever removes the entry from the pending table first.
type pendingRequest struct {
	id       int64
	method   string
	issuedAt time.Time
	timeout  time.Duration
	result   chan callResult
}

const (
	frameQueued int32 = iota
	frameWriting
	frameDropped
)

// outboundFrame is one encoded message waiting for the writer goroutine.
type outboundFrame struct {
	data  []byte
	state atomic.Int32
}

// Dispatcher correlates requests with responses.
//
// Description:
//
//	Assigns monotonically increasing IDs, keeps the pending-request
//	table, delivers each inbound response to the caller that issued the
//	matching ID and enforces per-call timeouts. Once failed, every pending
//	and future call returns the failure error.
//
//	Outbound frames go through a queue drained by one writer goroutine,
//	so a server that stops reading its stdin never blocks a caller. A
//	call times out even while its frame is still queued, and a request
//	that was never written is dropped instead of cancelled remotely.
//	Frames queued before Fail are still written; a write error fails the
//	dispatcher and discards the rest of the queue.
//
// Thread Safety:
//
//	Safe for concurrent use. Deliver is called by the session reader.
type Dispatcher struct {
	conn   *Conn
	opts   DispatcherOptions
	logger *slog.Logger

	nextID atomic.Int64

	mu      sync.Mutex
	pending map[int64]*pendingRequest
	failErr error
	done    chan struct{}

	outMu      sync.Mutex
	outQueue   []*outboundFrame
	outClosed  bool
	outSignal  chan struct{}
	writerOnce sync.Once
}

// NewDispatcher creates a dispatcher writing to conn.
func NewDispatcher(conn *Conn, opts DispatcherOptions) *Dispatcher {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Dispatcher{
		conn:    conn,
		opts:    opts,
		logger:  logger,
		pending:   make(map[int64]*pendingRequest),
		done:      make(chan struct{}),
		outSignal: make(chan struct{}, 1),
	}
}

// timeoutFor resolves the effective timeout for a call.
func (d *Dispatcher) timeoutFor(method string, timeout time.Duration) time.Duration {
	if timeout > 0 {
		return timeout
	}
	if t, ok := d.opts.MethodTimeouts[method]; ok && t > 0 {
		return t
	}
	if d.opts.RequestTimeout > 0 {
		return d.opts.RequestTimeout
	}
	return DefaultRequestTimeout
}

// Call sends a request and blocks until its response, timeout or failure.
//
// Description:
//
//	Allocates a fresh ID, registers a pending entry, queues the framed
//	request and waits. The timeout runs from before the request is queued. The pending entry is removed on every exit path.
//	On timeout or context cancellation a $/cancelRequest notification is
//	sent so the server can drop the work.
//
// Inputs:
//
//	ctx - Context for cancellation
//	method - The LSP method (e.g., "textDocument/references")
//	params - Method parameters (will be JSON-marshaled)
//	timeout - Per-call timeout. Zero uses the method or default timeout.
//
// Outputs:
//
//	json.RawMessage - The result field; "null" when the server sent none
//	error - ErrRequestTimeout, *ProtocolError, *TransportError or the
//	        dispatcher's failure error
//
// Thread Safety:
//
//	Safe for concurrent use.
func (d *Dispatcher) Call(ctx context.Context, method string, params any, timeout time.Duration) (json.RawMessage, error) {
	if ctx == nil {
		return nil, fmt.Errorf("ctx must not be nil")
	}
	timeout = d.timeoutFor(method, timeout)

	p := &pendingRequest{
		id:       d.nextID.Add(1),
		method:   method,
		issuedAt: time.Now(),
		timeout:  timeout,
		result:   make(chan callResult, 1),
	}

	d.mu.Lock()
	if d.failErr != nil {
		err := d.failErr
		d.mu.Unlock()
		return nil, err
	}
	d.pending[p.id] = p
	d.mu.Unlock()
	recordPending(ctx, d.opts.Language, 1)

	defer d.remove(p.id)

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	req := Request{JSONRPC: JSONRPCVersion, ID: p.id, Method: method, Params: params}
	frame, err := d.enqueue(req)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", method, err)
	}

	select {
	case res := <-p.result:
		return res.raw, res.err
	case <-timer.C:
		d.abandon(p.id, frame)
		return nil, fmt.Errorf("%w: %s after %s", ErrRequestTimeout, method, timeout)
	case <-ctx.Done():
		d.abandon(p.id, frame)
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return nil, fmt.Errorf("%w: %s: %w", ErrRequestTimeout, method, ctx.Err())
		}
		return nil, fmt.Errorf("%s: %w", method, ctx.Err())
	}
}

func (d *Dispatcher) remove(id int64) {
	d.mu.Lock()
	_, ok := d.pending[id]
	delete(d.pending, id)
	d.mu.Unlock()
	if ok {
		recordPending(context.Background(), d.opts.Language, -1)
	}
}

// abandon gives up on a request. A frame still in the queue is dropped;
// one already written gets a $/cancelRequest.
func (d *Dispatcher) abandon(id int64, frame *outboundFrame) {
	if frame.state.CompareAndSwap(frameQueued, frameDropped) {
		return
	}
	if err := d.Notify("$/cancelRequest", map[string]int64{"id": id}); err != nil {
		d.logger.Debug("cancel request not sent", slog.Int64("id", id), slog.String("error", err.Error()))
	}
}

// Notify sends a notification. It never waits for the server.
func (d *Dispatcher) Notify(method string, params any) error {
	if err := d.Err(); err != nil {
		return err
	}
	_, err := d.enqueue(Notification{JSONRPC: JSONRPCVersion, Method: method, Params: params})
	return err
}

// Respond answers a server→client request identified by id.
//
// A nil rerr sends result (null when result is nil); otherwise an error
// response is sent.
func (d *Dispatcher) Respond(id json.RawMessage, result any, rerr *ResponseError) error {
	if rerr != nil {
		return d.send(errorResponse{JSONRPC: JSONRPCVersion, ID: id, Error: rerr})
	}

	var raw json.RawMessage
	switch r := result.(type) {
	case nil:
	case json.RawMessage:
		raw = r
	default:
		b, err := json.Marshal(r)
		if err != nil {
			return d.send(errorResponse{
				JSONRPC: JSONRPCVersion,
				ID:      id,
				Error:   &ResponseError{Code: CodeInternalError, Message: err.Error()},
			})
		}
		raw = b
	}
	return d.send(resultResponse{JSONRPC: JSONRPCVersion, ID: id, Result: raw})
}

func (d *Dispatcher) send(v any) error {
	_, err := d.enqueue(v)
	return err
}

// =============================================================================
// OUTBOUND QUEUE
// =============================================================================

// enqueue encodes v and hands it to the writer goroutine. It never waits on
// the connection.
func (d *Dispatcher) enqueue(v any) (*outboundFrame, error) {
	data, err := EncodeFrame(v)
	if err != nil {
		return nil, err
	}
	f := &outboundFrame{data: data}

	d.outMu.Lock()
	if d.outClosed {
		d.outMu.Unlock()
		return nil, d.Err()
	}
	d.outQueue = append(d.outQueue, f)
	d.outMu.Unlock()

	d.writerOnce.Do(func() { go d.writeLoop() })
	d.wakeWriter()
	return f, nil
}

func (d *Dispatcher) wakeWriter() {
	select {
	case d.outSignal <- struct{}{}:
	default:
	}
}

// writeLoop is the only goroutine that writes to the connection. It exits
// once the queue is closed and drained, or on the first write error.
func (d *Dispatcher) writeLoop() {
	for {
		d.outMu.Lock()
		for len(d.outQueue) == 0 {
			if d.outClosed {
				d.outMu.Unlock()
				return
			}
			d.outMu.Unlock()
			<-d.outSignal
			d.outMu.Lock()
		}
		f := d.outQueue[0]
		d.outQueue[0] = nil
		d.outQueue = d.outQueue[1:]
		d.outMu.Unlock()

		if !f.state.CompareAndSwap(frameQueued, frameWriting) {
			continue
		}
		if err := d.conn.WriteFrame(f.data); err != nil {
			d.logger.Debug("write failed, failing dispatcher", slog.String("error", err.Error()))
			d.Fail(err)
			d.outMu.Lock()
			d.outQueue = nil
			d.outMu.Unlock()
			return
		}
	}
}

// Deliver routes an inbound response to the caller waiting on its ID.
//
// Responses for unknown IDs (late arrivals after a timeout) are dropped.
func (d *Dispatcher) Deliver(msg *Message) {
	id, ok := msg.NumericID()
	if !ok {
		d.logger.Debug("response with non-numeric id dropped", slog.String("id", string(msg.ID)))
		return
	}

	d.mu.Lock()
	p, ok := d.pending[id]
	delete(d.pending, id)
	d.mu.Unlock()

	if !ok {
		d.logger.Debug("response for unknown request dropped", slog.Int64("id", id))
		return
	}
	recordPending(context.Background(), d.opts.Language, -1)

	if msg.Error != nil {
		p.result <- callResult{err: &ProtocolError{
			Method:  p.method,
			Code:    msg.Error.Code,
			Message: msg.Error.Message,
			Data:    msg.Error.Data,
		}}
		return
	}

	raw := msg.Result
	if len(raw) == 0 {
		raw = json.RawMessage("null")
	}
	p.result <- callResult{raw: raw}
}

// Fail fails every pending call with err and rejects all future calls.
//
// Only the first failure is kept; later calls are no-ops.
func (d *Dispatcher) Fail(err error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.failErr != nil {
		return
	}
	d.failErr = err
	close(d.done)

	d.outMu.Lock()
	d.outClosed = true
	d.outMu.Unlock()
	d.wakeWriter()

	for id, p := range d.pending {
		delete(d.pending, id)
		p.result <- callResult{err: err}
		recordPending(context.Background(), d.opts.Language, -1)
	}
}

// Err returns the failure error, or nil while the dispatcher is usable.
func (d *Dispatcher) Err() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.failErr
}

// Done is closed when the dispatcher fails.
func (d *Dispatcher) Done() <-chan struct{} { return d.done }

// PendingCount returns the number of outstanding calls.
func (d *Dispatcher) PendingCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.pending)
}
