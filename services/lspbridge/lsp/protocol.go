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
	"bufio"
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
	"sync"
)

// JSONRPCVersion is the JSON-RPC version used by LSP.
const JSONRPCVersion = "2.0"

// MaxMessageSize bounds the Content-Length accepted from a server.
const MaxMessageSize = 256 << 20

// =============================================================================
// JSON-RPC MESSAGE TYPES
// =============================================================================

// Request represents an outbound JSON-RPC request.
type Request struct {
	JSONRPC string `json:"jsonrpc"`
	ID      int64  `json:"id"`
	Method  string `json:"method"`
	Params  any    `json:"params,omitempty"`
}

// Notification represents an outbound JSON-RPC notification (no ID, no response).
type Notification struct {
	JSONRPC string `json:"jsonrpc"`
	Method  string `json:"method"`
	Params  any    `json:"params,omitempty"`
}

// ResponseError represents a JSON-RPC error object.
type ResponseError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Data    any    `json:"data,omitempty"`
}

// resultResponse answers a server request successfully. Result is always
// emitted, as null when empty.
type resultResponse struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id"`
	Result  json.RawMessage `json:"result"`
}

type errorResponse struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id"`
	Error   *ResponseError  `json:"error"`
}

// Message is any inbound JSON-RPC message.
//
// Description:
//
//	The reader decodes every frame into a Message and classifies it:
//	responses carry an ID and no method, requests carry both, and
//	notifications carry only a method.
type Message struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id,omitempty"`
	Method  string          `json:"method,omitempty"`
	Params  json.RawMessage `json:"params,omitempty"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *ResponseError  `json:"error,omitempty"`
}

func (m *Message) hasID() bool {
	return len(m.ID) > 0 && !bytes.Equal(m.ID, []byte("null"))
}

// IsResponse reports whether m answers a request sent by this client.
func (m *Message) IsResponse() bool { return m.Method == "" && m.hasID() }

// IsRequest reports whether m is a server→client request that needs a response.
func (m *Message) IsRequest() bool { return m.Method != "" && m.hasID() }

// IsNotification reports whether m is a server→client notification.
func (m *Message) IsNotification() bool { return m.Method != "" && !m.hasID() }

// NumericID returns the message ID as an integer.
//
// Some servers echo numeric IDs back as strings; both forms are accepted.
func (m *Message) NumericID() (int64, bool) {
	if !m.hasID() {
		return 0, false
	}
	var n int64
	if err := json.Unmarshal(m.ID, &n); err == nil {
		return n, true
	}
	var s string
	if err := json.Unmarshal(m.ID, &s); err != nil {
		return 0, false
	}
	n, err := strconv.ParseInt(strings.TrimSpace(s), 10, 64)
	if err != nil {
		return 0, false
	}
	return n, true
}

// =============================================================================
// FRAMED CONNECTION
// =============================================================================

// Conn reads and writes Content-Length framed messages.
//
// Description:
//
//	Implements the LSP base protocol: ASCII header lines terminated by
//	CRLF, an empty line, then exactly Content-Length bytes of JSON.
//	Conn owns byte-level framing only; it knows nothing about IDs.
//
// Thread Safety:
//
//	WriteMessage is safe for concurrent use; writes are serialized so a
//	frame is never interleaved with another. ReadMessage must be called
//	from a single goroutine.
type Conn struct {
	reader  *bufio.Reader
	writer  io.Writer
	writeMu sync.Mutex
}

// NewConn creates a framed connection.
//
// Inputs:
//
//	r - Server output (e.g., stdout pipe)
//	w - Server input (e.g., stdin pipe)
func NewConn(r io.Reader, w io.Writer) *Conn {
	var reader *bufio.Reader
	if r != nil {
		reader = bufio.NewReader(r)
	}
	return &Conn{reader: reader, writer: w}
}

// WriteMessage marshals v and writes it as a single frame.
//
// Outputs:
//
//	error - *TransportError if marshaling or writing failed
func (c *Conn) WriteMessage(v any) error {
	frame, err := EncodeFrame(v)
	if err != nil {
		return err
	}
	return c.WriteFrame(frame)
}

// EncodeFrame marshals v and prepends the Content-Length header.
func EncodeFrame(v any) ([]byte, error) {
	body, err := json.Marshal(v)
	if err != nil {
		return nil, &TransportError{Op: "encode", Err: err}
	}

	frame := make([]byte, 0, len(body)+32)
	frame = append(frame, "Content-Length: "...)
	frame = strconv.AppendInt(frame, int64(len(body)), 10)
	frame = append(frame, "\r\n\r\n"...)
	frame = append(frame, body...)
	return frame, nil
}

// WriteFrame writes one frame produced by EncodeFrame.
func (c *Conn) WriteFrame(frame []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	if c.writer == nil {
		return &TransportError{Op: "write", Err: errors.New("no writer configured")}
	}
	if _, err := c.writer.Write(frame); err != nil {
		return &TransportError{Op: "write", Err: err}
	}
	return nil
}

// ReadMessage blocks until one complete frame is available and decodes it.
//
// Outputs:
//
//	*Message - The decoded message
//	error - *TransportError on malformed headers, a non-numeric or
//	        missing Content-Length, premature EOF or invalid JSON
func (c *Conn) ReadMessage() (*Message, error) {
	if c.reader == nil {
		return nil, &TransportError{Op: "read header", Err: errors.New("no reader configured")}
	}

	length, err := c.readHeaders()
	if err != nil {
		return nil, err
	}

	body := make([]byte, length)
	if _, err := io.ReadFull(c.reader, body); err != nil {
		if errors.Is(err, io.EOF) {
			err = io.ErrUnexpectedEOF
		}
		return nil, &TransportError{Op: "read body", Err: err}
	}

	var msg Message
	if err := json.Unmarshal(body, &msg); err != nil {
		return nil, &TransportError{Op: "decode", Err: err}
	}
	return &msg, nil
}

func (c *Conn) readHeaders() (int, error) {
	length := -1
	first := true
	for {
		line, err := c.reader.ReadString('\n')
		if err != nil {
			if errors.Is(err, io.EOF) && (!first || line != "") {
				err = io.ErrUnexpectedEOF
			}
			return 0, &TransportError{Op: "read header", Err: err}
		}
		first = false

		line = strings.TrimRight(line, "\r\n")
		if line == "" {
			break
		}

		name, value, ok := strings.Cut(line, ":")
		if !ok {
			return 0, &TransportError{Op: "read header", Err: fmt.Errorf("malformed header line %q", line)}
		}
		if !strings.EqualFold(strings.TrimSpace(name), "Content-Length") {
			continue
		}

		value = strings.TrimSpace(value)
		n, err := strconv.Atoi(value)
		if err != nil {
			return 0, &TransportError{Op: "read header", Err: fmt.Errorf("invalid Content-Length value %q", value)}
		}
		if n < 0 || n > MaxMessageSize {
			return 0, &TransportError{Op: "read header", Err: fmt.Errorf("Content-Length out of range: %d", n)}
		}
		length = n
	}

	if length < 0 {
		return 0, &TransportError{Op: "read header", Err: errors.New("missing Content-Length header")}
	}
	return length, nil
}
