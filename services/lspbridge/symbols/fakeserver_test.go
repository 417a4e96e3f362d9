// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package symbols

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/lspbridge/services/lspbridge/lsp"
)

// requestHandler answers one request on the fake server.
type requestHandler func(params json.RawMessage) (any, *lsp.ResponseError)

// fakeServer is an in-process language server over io.Pipe pairs.
type fakeServer struct {
	conn *lsp.Conn

	clientIn  *io.PipeWriter
	serverIn  *io.PipeReader
	serverOut *io.PipeWriter
	clientOut *io.PipeReader

	mu       sync.Mutex
	handlers map[string]requestHandler
	received []*lsp.Message

	loopDone chan struct{}
	done     chan struct{}
	termOnce sync.Once
}

func newFakeServer() *fakeServer {
	serverIn, clientIn := io.Pipe()
	clientOut, serverOut := io.Pipe()
	srv := &fakeServer{
		conn:      lsp.NewConn(serverIn, serverOut),
		clientIn:  clientIn,
		serverIn:  serverIn,
		serverOut: serverOut,
		clientOut: clientOut,
		handlers:  make(map[string]requestHandler),
		loopDone:  make(chan struct{}),
		done:      make(chan struct{}),
	}
	srv.handle("initialize", func(json.RawMessage) (any, *lsp.ResponseError) {
		return map[string]any{
			"capabilities": map[string]any{
				"documentSymbolProvider":  true,
				"referencesProvider":      true,
				"definitionProvider":      true,
				"hoverProvider":           true,
				"renameProvider":          true,
				"workspaceSymbolProvider": true,
			},
			"serverInfo": map[string]string{"name": "fake"},
		}, nil
	})
	srv.handle("shutdown", func(json.RawMessage) (any, *lsp.ResponseError) { return nil, nil })
	go srv.loop()
	return srv
}

func (s *fakeServer) handle(method string, h requestHandler) {
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

		if msg.Method == "exit" {
			_ = s.serverOut.Close()
			continue
		}
		if !msg.IsRequest() {
			continue
		}
		if h == nil {
			_ = s.conn.WriteMessage(map[string]any{
				"jsonrpc": "2.0",
				"id":      msg.ID,
				"error":   lsp.ResponseError{Code: lsp.CodeMethodNotFound, Message: "method not found"},
			})
			continue
		}
		result, rerr := h(msg.Params)
		if rerr != nil {
			_ = s.conn.WriteMessage(map[string]any{"jsonrpc": "2.0", "id": msg.ID, "error": rerr})
			continue
		}
		_ = s.conn.WriteMessage(map[string]any{"jsonrpc": "2.0", "id": msg.ID, "result": result})
	}
}

// messages returns every message with the given method.
func (s *fakeServer) messages(method string) []*lsp.Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*lsp.Message
	for _, m := range s.received {
		if m.Method == method {
			out = append(out, m)
		}
	}
	return out
}

func (s *fakeServer) count(method string) int { return len(s.messages(method)) }

// waitFor polls until match holds for a message with the given method.
func (s *fakeServer) waitFor(t *testing.T, method string, match func(*lsp.Message) bool) *lsp.Message {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		for _, m := range s.messages(method) {
			if match == nil || match(m) {
				return m
			}
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("fake server never received %s", method)
	return nil
}

func (s *fakeServer) Stdin() io.WriteCloser { return s.clientIn }
func (s *fakeServer) Stdout() io.ReadCloser { return s.clientOut }
func (s *fakeServer) Done() <-chan struct{} { return s.done }

func (s *fakeServer) Terminate(time.Duration) error {
	s.termOnce.Do(func() {
		_ = s.clientIn.Close()
		_ = s.serverIn.Close()
		_ = s.clientOut.Close()
		_ = s.serverOut.Close()
		<-s.loopDone
		close(s.done)
	})
	return nil
}

func testAdapter() *lsp.AdapterConfig {
	return &lsp.AdapterConfig{
		Language:        "go",
		ServerName:      "fake",
		LanguageID:      "go",
		Extensions:      []string{".go"},
		IgnoredDirnames: []string{"vendor"},
		BuildLaunchCommand: func(string) (lsp.LaunchSpec, error) {
			return lsp.LaunchSpec{Argv: []string{"fake-server"}}, nil
		},
		RequestTimeout: 2 * time.Second,
		ShutdownGrace:  500 * time.Millisecond,
	}
}

// testRepo writes files under a temporary root.
func testRepo(t *testing.T, files map[string]string) string {
	t.Helper()
	root := t.TempDir()
	for rel, content := range files {
		p := filepath.Join(root, filepath.FromSlash(rel))
		require.NoError(t, os.MkdirAll(filepath.Dir(p), 0o755))
		require.NoError(t, os.WriteFile(p, []byte(content), 0o644))
	}
	return root
}

// startIndex starts a session on a fake server and wraps it in an index.
func startIndex(t *testing.T, root string, adapter *lsp.AdapterConfig, opts IndexOptions, setup func(*fakeServer)) (*Index, *fakeServer) {
	t.Helper()
	srv := newFakeServer()
	if setup != nil {
		setup(srv)
	}
	sess := lsp.NewSession(root, adapter, lsp.SessionOptions{
		Logger: slog.New(slog.NewTextHandler(io.Discard, nil)),
		Launcher: func(context.Context, lsp.LaunchSpec, lsp.ProcessOptions) (lsp.ServerProcess, error) {
			return srv, nil
		},
	})
	t.Cleanup(func() { _ = sess.Stop(context.Background()) })
	require.NoError(t, sess.Start(context.Background()))

	ix, err := NewIndex(sess, opts)
	require.NoError(t, err)
	return ix, srv
}

func uriOf(root, rel string) string {
	return lsp.PathToURI(filepath.Join(root, filepath.FromSlash(rel)))
}

func rng(sl, sc, el, ec int) lsp.Range {
	return lsp.Range{Start: lsp.Position{Line: sl, Character: sc}, End: lsp.Position{Line: el, Character: ec}}
}

// uriParam extracts params.textDocument.uri.
func uriParam(params json.RawMessage) string {
	var p struct {
		TextDocument struct {
			URI string `json:"uri"`
		} `json:"textDocument"`
	}
	_ = json.Unmarshal(params, &p)
	return p.TextDocument.URI
}
