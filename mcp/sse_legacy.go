// Copyright 2025 The mcpgo Authors. All rights reserved.
// Use of this source code is governed by an MIT-style
// license that can be found in the LICENSE file.

// This file implements the legacy (2024-11-05) HTTP+SSE transport
// (SPEC_FULL.md §4.12), kept alongside the streamable transport so that
// older servers and clients remain interoperable.

package mcp

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"iter"
	"net/http"
	"net/url"
	"sync"

	"github.com/mcpware/mcpgo/internal/jsonrpc2"
)

// LegacySSEHandler is an http.Handler that serves MCP sessions using the
// 2024-11-05 HTTP+SSE transport: a hanging GET delivers an "endpoint" event
// naming a session-scoped POST URL, and subsequent messages are exchanged
// over that pair of requests.
type LegacySSEHandler struct {
	getServer func(*http.Request) *Server

	// MaxBodyBytes caps the size of an incoming POST body. Zero means
	// DefaultMaxBodyBytes; negative means no limit.
	MaxBodyBytes int64

	mu       sync.Mutex
	sessions map[string]*legacySSESession
}

// NewLegacySSEHandler returns a new [LegacySSEHandler]. getServer is used to
// create or look up a server for each new session.
func NewLegacySSEHandler(getServer func(*http.Request) *Server) *LegacySSEHandler {
	return &LegacySSEHandler{
		getServer: getServer,
		sessions:  make(map[string]*legacySSESession),
	}
}

type legacySSESession struct {
	incoming chan JSONRPCMessage

	mu     sync.Mutex
	w      io.Writer
	isDone bool
	done   chan struct{}
}

func (s *legacySSESession) Connect(context.Context) (Connection, error) { return s, nil }

func (h *LegacySSEHandler) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	sessionID := req.URL.Query().Get("sessionid")

	if req.Method == http.MethodPost {
		if sessionID == "" {
			http.Error(w, "sessionid must be provided", http.StatusBadRequest)
			return
		}
		h.mu.Lock()
		session := h.sessions[sessionID]
		h.mu.Unlock()
		if session == nil {
			http.Error(w, "session not found", http.StatusNotFound)
			return
		}
		if limit := effectiveMaxBodyBytes(h.MaxBodyBytes); limit > 0 {
			req.Body = http.MaxBytesReader(w, req.Body, limit)
		}
		data, err := io.ReadAll(req.Body)
		if err != nil {
			if isMaxBytesError(err) {
				writeRequestBodyTooLarge(w)
				return
			}
			http.Error(w, "failed to read body", http.StatusBadRequest)
			return
		}
		msg, err := jsonrpc2.DecodeMessage(data)
		if err != nil {
			http.Error(w, "failed to parse body", http.StatusBadRequest)
			return
		}
		session.incoming <- msg
		w.WriteHeader(http.StatusAccepted)
		return
	}

	if req.Method != http.MethodGet {
		http.Error(w, "invalid method", http.StatusMethodNotAllowed)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	sessionID = randText()
	session := &legacySSESession{
		w:        w,
		incoming: make(chan JSONRPCMessage, 1000),
		done:     make(chan struct{}),
	}
	h.mu.Lock()
	h.sessions[sessionID] = session
	h.mu.Unlock()
	defer func() {
		h.mu.Lock()
		delete(h.sessions, sessionID)
		h.mu.Unlock()
	}()

	server := h.getServer(req)
	ss, err := server.Connect(req.Context(), session, nil)
	if err != nil {
		http.Error(w, "connection failed", http.StatusInternalServerError)
		return
	}
	defer ss.Close()

	endpoint, err := req.URL.Parse("?sessionid=" + sessionID)
	if err != nil {
		http.Error(w, "internal error: failed to create endpoint", http.StatusInternalServerError)
		return
	}

	session.mu.Lock()
	_, err = writeEvent(w, event{name: "endpoint", data: []byte(endpoint.RequestURI())})
	session.mu.Unlock()
	if err != nil {
		return
	}

	select {
	case <-req.Context().Done():
	case <-session.done:
	}
}

func (s *legacySSESession) Read(ctx context.Context) (JSONRPCMessage, error) {
	select {
	case msg := <-s.incoming:
		if msg == nil {
			return nil, io.EOF
		}
		return msg, nil
	case <-s.done:
		return nil, io.EOF
	}
}

func (s *legacySSESession) Write(ctx context.Context, msg JSONRPCMessage) error {
	data, err := jsonrpc2.EncodeMessage(msg)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.isDone {
		return io.EOF
	}
	_, err = writeEvent(s.w, event{name: "message", data: data})
	return err
}

func (s *legacySSESession) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.isDone {
		s.isDone = true
		close(s.done)
	}
	return nil
}

// LegacySSEClientTransport is a [Transport] that speaks the 2024-11-05
// HTTP+SSE protocol to a server at a fixed URL.
type LegacySSEClientTransport struct {
	sseEndpoint *url.URL
	httpClient  *http.Client
}

// NewLegacySSEClientTransport returns a transport that connects to the
// SSE server at rawURL.
func NewLegacySSEClientTransport(rawURL string, httpClient *http.Client) (*LegacySSEClientTransport, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, err
	}
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	return &LegacySSEClientTransport{sseEndpoint: u, httpClient: httpClient}, nil
}

func (t *LegacySSEClientTransport) Connect(ctx context.Context) (Connection, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, t.sseEndpoint.String(), nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "text/event-stream")
	resp, err := t.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		bodyBytes, _ := io.ReadAll(resp.Body)
		resp.Body.Close()
		return nil, &httpStatusError{StatusCode: resp.StatusCode, Err: fmt.Errorf("GET returned %s: %s", resp.Status, bodyBytes)}
	}

	next, stop := iter.Pull2(scanEvents(resp.Body))
	evt, err2, ok := next()
	if !ok || err2 != nil {
		stop()
		resp.Body.Close()
		return nil, fmt.Errorf("missing endpoint event: %v", err2)
	}
	if evt.name != "endpoint" {
		stop()
		resp.Body.Close()
		return nil, fmt.Errorf("first event is %q, want %q", evt.name, "endpoint")
	}
	msgEndpoint, err := t.sseEndpoint.Parse(string(evt.data))
	if err != nil {
		stop()
		resp.Body.Close()
		return nil, fmt.Errorf("parsing endpoint: %w", err)
	}

	s := &legacySSEClientConn{
		msgEndpoint: msgEndpoint,
		httpClient:  t.httpClient,
		incoming:    make(chan JSONRPCMessage, 100),
		body:        resp.Body,
		done:        make(chan struct{}),
	}
	go func() {
		defer stop()
		for {
			evt, err, ok := next()
			if !ok {
				return
			}
			if err != nil {
				return
			}
			if evt.name != "message" {
				continue
			}
			msg, err := jsonrpc2.DecodeMessage(evt.data)
			if err != nil {
				continue
			}
			select {
			case s.incoming <- msg:
			case <-s.done:
				return
			}
		}
	}()
	return s, nil
}

type legacySSEClientConn struct {
	msgEndpoint *url.URL
	httpClient  *http.Client

	incoming chan JSONRPCMessage

	mu       sync.Mutex
	body     io.ReadCloser
	isDone   bool
	done     chan struct{}
	closeErr error
}

func (c *legacySSEClientConn) Read(ctx context.Context) (JSONRPCMessage, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case msg, ok := <-c.incoming:
		if !ok {
			return nil, io.EOF
		}
		return msg, nil
	case <-c.done:
		return nil, io.EOF
	}
}

func (c *legacySSEClientConn) Write(ctx context.Context, msg JSONRPCMessage) error {
	data, err := jsonrpc2.EncodeMessage(msg)
	if err != nil {
		return err
	}
	c.mu.Lock()
	done := c.isDone
	c.mu.Unlock()
	if done {
		return io.EOF
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.msgEndpoint.String(), bytes.NewReader(data))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("POST returned %s", resp.Status)
	}
	return nil
}

func (c *legacySSEClientConn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.isDone {
		c.isDone = true
		c.closeErr = c.body.Close()
		close(c.done)
	}
	return c.closeErr
}
