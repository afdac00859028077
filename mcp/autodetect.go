// Copyright 2025 The mcpgo Authors. All rights reserved.
// Use of this source code is governed by an MIT-style
// license that can be found in the LICENSE file.

// This file implements the legacy-transport auto-detection half of C12: a
// client transport that speaks Streamable HTTP by default and falls back to
// the legacy HTTP+SSE transport if the server turns out not to support it.

package mcp

import (
	"context"
	"errors"
	"net/http"
	"sync"
)

// AutoDetectingClientTransport speaks the Streamable HTTP transport by
// default. If the very first outbound message is rejected with a status
// characteristic of a legacy-only server (404 or 405, rather than a
// JSON-RPC error response), it swaps in the legacy HTTP+SSE transport for
// the remainder of the session. The swap is attempted at most once; after
// the first message, whichever transport is active stays active.
type AutoDetectingClientTransport struct {
	url        string
	httpClient *http.Client
}

// NewAutoDetectingClientTransport returns a Transport that connects to url,
// auto-detecting between the Streamable HTTP and legacy HTTP+SSE transports
// as described on [AutoDetectingClientTransport]. If httpClient is nil,
// http.DefaultClient is used.
func NewAutoDetectingClientTransport(url string, httpClient *http.Client) *AutoDetectingClientTransport {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	return &AutoDetectingClientTransport{url: url, httpClient: httpClient}
}

// Connect implements the [Transport] interface.
func (t *AutoDetectingClientTransport) Connect(ctx context.Context) (Connection, error) {
	streamable := NewStreamableClientTransport(t.url, &StreamableClientTransportOptions{HTTPClient: t.httpClient})
	conn, err := streamable.Connect(ctx)
	if err != nil {
		return nil, err
	}
	return &autoDetectConn{url: t.url, httpClient: t.httpClient, active: conn}, nil
}

// autoDetectConn proxies to the active underlying [Connection], swapping to
// the legacy transport at most once, on the first Write whose response
// looks like a 404/405 from a legacy-only server.
type autoDetectConn struct {
	url        string
	httpClient *http.Client

	mu       sync.Mutex
	active   Connection
	detected bool // true once the choice of transport is final
}

func (c *autoDetectConn) Read(ctx context.Context) (JSONRPCMessage, error) {
	c.mu.Lock()
	active := c.active
	c.mu.Unlock()
	return active.Read(ctx)
}

func (c *autoDetectConn) Write(ctx context.Context, msg JSONRPCMessage) error {
	c.mu.Lock()
	active, detected := c.active, c.detected
	c.mu.Unlock()

	if detected {
		return active.Write(ctx, msg)
	}

	// The streamable client normally enqueues writes for an async sender, so
	// a 404/405 from a legacy-only server would never surface to the caller.
	// For the one message that decides which transport to use, send it
	// synchronously instead, so its result can be inspected here.
	sc, ok := active.(*streamableClientConn)
	if !ok {
		c.mu.Lock()
		c.detected = true
		c.mu.Unlock()
		return active.Write(ctx, msg)
	}

	currentSessionID, _ := sc.sessionID.Load().(string)
	newSessionID, err := sc.postMessage(ctx, currentSessionID, msg)
	if err == nil {
		if currentSessionID == "" && newSessionID != "" {
			sc.sessionID.Store(newSessionID)
		}
		c.mu.Lock()
		c.detected = true
		c.mu.Unlock()
		return nil
	}

	var httpErr *httpStatusError
	if !errors.As(err, &httpErr) || (httpErr.StatusCode != http.StatusNotFound && httpErr.StatusCode != http.StatusMethodNotAllowed) {
		c.mu.Lock()
		c.detected = true
		c.mu.Unlock()
		return err
	}

	legacy, lerr := NewLegacySSEClientTransport(c.url, c.httpClient)
	if lerr != nil {
		c.mu.Lock()
		c.detected = true
		c.mu.Unlock()
		return err
	}
	legacyConn, cerr := legacy.Connect(ctx)
	if cerr != nil {
		c.mu.Lock()
		c.detected = true
		c.mu.Unlock()
		return err
	}

	c.mu.Lock()
	active.Close()
	c.active = legacyConn
	c.detected = true
	c.mu.Unlock()

	return legacyConn.Write(ctx, msg)
}

func (c *autoDetectConn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.active.Close()
}
