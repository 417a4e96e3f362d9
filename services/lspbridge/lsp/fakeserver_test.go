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
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"
)

// discardLogger keeps test output quiet.
func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// fakeHandler answers one inbound message on the fake server.
type fakeHandler func(srv *fakeServer, msg *Message)

// fakeServer is an in-process language server speaking over io.Pipe pairs.
type fakeServer struct {
	conn *Conn

	clientIn  *io.PipeWriter // client → server (client's stdin)
	serverIn  *io.PipeReader
	serverOut *io.PipeWriter // server → client (client's stdout)
	clientOut *io.PipeReader

	mu       sync.Mutex
	handlers map[string]fakeHandler
	received []*Message

	caps map[string]any

	// outbox decouples server writes from the read loop so a handler can
	// send several messages while the client is answering one of them.
	outbox chan any

	stop       chan struct{}
	loopDone   chan struct{}
	writerDone chan struct{}
	done       chan struct{}
	termOnce   sync.Once
}

// closeOutput asks the writer to close the server's stdout after earlier messages.
type closeOutput struct{}

func newFakeServer() *fakeServer {
	serverIn, clientIn := io.Pipe()
	clientOut, serverOut := io.Pipe()
	srv := &fakeServer{
		conn:      NewConn(serverIn, serverOut),
		clientIn:  clientIn,
		serverIn:  serverIn,
		serverOut: serverOut,
		clientOut: clientOut,
		handlers:  make(map[string]fakeHandler),
		caps: map[string]any{
			"documentSymbolProvider": true,
			"referencesProvider":     true,
			"definitionProvider":     true,
		},
		outbox:     make(chan any, 1024),
		stop:       make(chan struct{}),
		loopDone:   make(chan struct{}),
		writerDone: make(chan struct{}),
		done:       make(chan struct{}),
	}
	srv.handle("initialize", func(s *fakeServer, msg *Message) {
		s.reply(msg, map[string]any{
			"capabilities": s.caps,
			"serverInfo":   map[string]string{"name": "fake"},
		})
	})
	srv.handle("shutdown", func(s *fakeServer, msg *Message) { s.reply(msg, nil) })
	srv.handle("exit", func(s *fakeServer, _ *Message) { s.crash() })
	go srv.loop()
	go srv.writer()
	return srv
}

func (s *fakeServer) handle(method string, h fakeHandler) {
	s.mu.Lock()
	s.handlers[method] = h
	s.mu.Unlock()
}

func (s *fakeServer) loop() {
	defer close(s.loopDone)
	for {
		msg, err := s.conn.ReadMessage()
		if err != nil {
			return
		}
		s.mu.Lock()
		s.received = append(s.received, msg)
		h := s.handlers[msg.Method]
		s.mu.Unlock()
		if h != nil && !msg.IsResponse() {
			h(s, msg)
		}
	}
}

func (s *fakeServer) writer() {
	defer close(s.writerDone)
	for {
		select {
		case v := <-s.outbox:
			if _, ok := v.(closeOutput); ok {
				_ = s.serverOut.Close()
				continue
			}
			_ = s.conn.WriteMessage(v)
		case <-s.stop:
			return
		}
	}
}

func (s *fakeServer) send(v any) {
	select {
	case s.outbox <- v:
	case <-s.stop:
	}
}

func (s *fakeServer) reply(msg *Message, result any) {
	raw, _ := json.Marshal(result)
	s.send(resultResponse{JSONRPC: JSONRPCVersion, ID: msg.ID, Result: raw})
}

func (s *fakeServer) replyError(msg *Message, code int, message string) {
	s.send(errorResponse{
		JSONRPC: JSONRPCVersion,
		ID:      msg.ID,
		Error:   &ResponseError{Code: code, Message: message},
	})
}

func (s *fakeServer) notify(method string, params any) {
	s.send(Notification{JSONRPC: JSONRPCVersion, Method: method, Params: params})
}

func (s *fakeServer) request(id int64, method string, params any) {
	s.send(Request{JSONRPC: JSONRPCVersion, ID: id, Method: method, Params: params})
}

// crash closes the server's stdout as a dying process would, after any
// queued messages.
func (s *fakeServer) crash() {
	s.send(closeOutput{})
}

// messages returns a copy of everything the server has read.
func (s *fakeServer) messages() []*Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*Message, len(s.received))
	copy(out, s.received)
	return out
}

// waitFor polls until the server has read a message satisfying match.
func (s *fakeServer) waitFor(t *testing.T, match func(*Message) bool) *Message {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		for _, m := range s.messages() {
			if match(m) {
				return m
			}
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("fake server never received expected message")
	return nil
}

// ServerProcess implementation.

func (s *fakeServer) Stdin() io.WriteCloser { return s.clientIn }
func (s *fakeServer) Stdout() io.ReadCloser { return s.clientOut }
func (s *fakeServer) Done() <-chan struct{} { return s.done }

func (s *fakeServer) Terminate(time.Duration) error {
	s.termOnce.Do(func() {
		close(s.stop)
		_ = s.clientIn.Close()
		_ = s.clientOut.Close()
		_ = s.serverOut.Close()
		<-s.loopDone
		<-s.writerDone
		close(s.done)
	})
	return nil
}

// launcherFor returns a Launcher that hands out srv.
func launcherFor(srv *fakeServer) Launcher {
	return func(context.Context, LaunchSpec, ProcessOptions) (ServerProcess, error) {
		return srv, nil
	}
}

// testAdapter returns a minimal adapter for the fake server.
func testAdapter() *AdapterConfig {
	return &AdapterConfig{
		Language:   "fake",
		ServerName: "fake",
		Extensions: []string{".fk"},
		BuildLaunchCommand: func(string) (LaunchSpec, error) {
			return LaunchSpec{Argv: []string{"fake-server"}}, nil
		},
		RequestTimeout: 2 * time.Second,
		ShutdownGrace:  500 * time.Millisecond,
	}
}

// startSession starts a session against a fresh fake server and registers cleanup.
func startSession(t *testing.T, adapter *AdapterConfig, setup func(*fakeServer)) (*Session, *fakeServer) {
	t.Helper()
	srv := newFakeServer()
	if setup != nil {
		setup(srv)
	}
	sess := NewSession(t.TempDir(), adapter, SessionOptions{
		Logger:   discardLogger(),
		Launcher: launcherFor(srv),
	})
	t.Cleanup(func() { _ = sess.Stop(context.Background()) })
	if err := sess.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	return sess, srv
}
