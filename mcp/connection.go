// Copyright 2025 The mcpgo Authors. All rights reserved.
// Use of this source code is governed by an MIT-style
// license that can be found in the LICENSE file.

// This file implements the correlation table and read/dispatch loop shared
// by client and server sessions (SPEC_FULL.md §4.3 and §4.5): it matches
// outbound requests to their replies, and feeds inbound requests and
// notifications to a session's receiving method handler.

package mcp

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"

	"github.com/mcpware/mcpgo/internal/json"
	"github.com/mcpware/mcpgo/internal/jsonrpc2"
)

// ErrConnectionClosed is returned when sending a message on a connection
// that is closed or in the process of closing.
var ErrConnectionClosed = errors.New("mcp: connection closed")

// incomingHandler is implemented by *ClientSession and *ServerSession to
// answer a request received over the wire. It returns the result to send
// back (nil for a notification) and any error, which is translated to a
// JSON-RPC error reply for calls.
type incomingHandler interface {
	handle(ctx context.Context, req *jsonrpc2.Request) (Result, error)
}

// pendingCall is the correlation-table entry (C3) for one outstanding
// outbound request: the channel its reply is delivered on.
type pendingCall struct {
	resultInto any // pointer to decode the result into
	done       chan error
}

// connection binds a [Connection] (an established Transport) to a session,
// running the read loop that dispatches incoming messages and maintaining
// the table of outbound calls awaiting a reply.
type connection struct {
	conn    Connection
	handler incomingHandler

	mu       sync.Mutex
	nextID   int64
	pending  map[string]*pendingCall
	closed   bool
	closeErr error

	done chan struct{} // closed when the read loop exits
}

// newConnection starts the read loop over conn, dispatching requests and
// notifications to handler, and returns once the loop has been started.
func newConnection(conn Connection, handler incomingHandler) *connection {
	c := &connection{
		conn:    conn,
		handler: handler,
		pending: make(map[string]*pendingCall),
		done:    make(chan struct{}),
	}
	go c.readLoop()
	return c
}

func (c *connection) readLoop() {
	defer close(c.done)
	ctx := context.Background()
	for {
		msg, err := c.conn.Read(ctx)
		var werr *jsonrpc2.WireError
		if errors.As(err, &werr) {
			// A message that failed to decode is logged and dropped; the
			// connection stays open.
			slog.Warn("mcp: dropping undecodable message", "error", err)
			continue
		}
		if err != nil {
			c.shutdown(err)
			return
		}
		switch m := msg.(type) {
		case *jsonrpc2.Response:
			c.deliver(m)
		case *jsonrpc2.Request:
			go c.dispatch(m)
		}
	}
}

func (c *connection) shutdown(err error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	if !errors.Is(err, io.EOF) {
		c.closeErr = err
	}
	pending := c.pending
	c.pending = nil
	c.mu.Unlock()
	for _, p := range pending {
		p.done <- ErrConnectionClosed
	}
}

// dispatch handles one inbound request or notification, replying on the
// wire for calls (requests with a valid ID).
func (c *connection) dispatch(req *jsonrpc2.Request) {
	ctx := context.Background()
	if req.IsCall() {
		ctx = context.WithValue(ctx, idContextKey{}, req.ID)
	}
	result, err := c.handler.handle(ctx, req)
	if !req.IsCall() {
		if err != nil {
			// Per spec.md §7, notification handler errors are logged, not
			// propagated: there is no peer to report them to.
			slog.Warn("mcp: notification handler failed", "method", req.Method, "error", err)
		}
		return
	}
	resp, rerr := jsonrpc2.NewResponse(req.ID, result, toJSONRPCError(err))
	if rerr != nil {
		resp, _ = jsonrpc2.NewResponse(req.ID, nil, jsonrpc2.NewError(jsonrpc2.CodeInternalError, rerr.Error()))
	}
	_ = c.conn.Write(ctx, resp)
}

// toJSONRPCError classifies a handler error into a wire error code, per
// spec.md §7.
func toJSONRPCError(err error) error {
	if err == nil {
		return nil
	}
	var werr *jsonrpc2.WireError
	if errors.As(err, &werr) {
		return werr
	}
	if errors.Is(err, jsonrpc2.ErrNotHandled) {
		return jsonrpc2.NewError(jsonrpc2.CodeMethodNotFound, err.Error())
	}
	if errors.Is(err, context.Canceled) {
		return jsonrpc2.NewError(jsonrpc2.CodeCancelled, err.Error())
	}
	return jsonrpc2.NewError(jsonrpc2.CodeInternalError, err.Error())
}

func (c *connection) deliver(resp *jsonrpc2.Response) {
	c.mu.Lock()
	p, ok := c.pending[resp.ID.String()]
	if ok {
		delete(c.pending, resp.ID.String())
	}
	c.mu.Unlock()
	if !ok {
		return // unsolicited or already-timed-out response; drop.
	}
	if resp.Error != nil {
		p.done <- resp.Error
		return
	}
	if p.resultInto != nil && resp.Result != nil {
		if err := json.Unmarshal(resp.Result, p.resultInto); err != nil {
			p.done <- fmt.Errorf("unmarshaling result: %w", err)
			return
		}
	}
	p.done <- nil
}

// call sends method as a request and decodes its result into result, which
// must be a pointer. It blocks until the reply arrives, ctx is done, or the
// connection closes.
func (c *connection) call(ctx context.Context, method string, params, result any) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return fmt.Errorf("calling %q: %w", method, ErrConnectionClosed)
	}
	c.nextID++
	id := jsonrpc2.Int64ID(c.nextID)
	p := &pendingCall{resultInto: result, done: make(chan error, 1)}
	c.pending[id.String()] = p
	c.mu.Unlock()

	req, err := jsonrpc2.NewCall(id, method, params)
	if err != nil {
		return fmt.Errorf("encoding call %q: %w", method, err)
	}
	if err := c.conn.Write(ctx, req); err != nil {
		c.mu.Lock()
		delete(c.pending, id.String())
		c.mu.Unlock()
		return fmt.Errorf("calling %q: %w", method, err)
	}

	select {
	case <-ctx.Done():
		c.mu.Lock()
		delete(c.pending, id.String())
		c.mu.Unlock()
		// Best-effort cancellation notice to the peer (spec.md §4.5).
		_ = c.notify(context.Background(), "notifications/cancelled", &CancelledParams{RequestID: id.Raw()})
		return ctx.Err()
	case err := <-p.done:
		if err != nil {
			return fmt.Errorf("calling %q: %w", method, err)
		}
		return nil
	}
}

// notify sends method as a notification (no reply expected).
func (c *connection) notify(ctx context.Context, method string, params any) error {
	c.mu.Lock()
	closed := c.closed
	c.mu.Unlock()
	if closed {
		return ErrConnectionClosed
	}
	req, err := jsonrpc2.NewNotification(method, params)
	if err != nil {
		return fmt.Errorf("encoding notification %q: %w", method, err)
	}
	return c.conn.Write(ctx, req)
}

// Close terminates the connection's underlying transport.
func (c *connection) Close() error {
	return c.conn.Close()
}

// Wait blocks until the read loop exits, returning the error (if any) that
// caused it to do so.
func (c *connection) Wait() error {
	<-c.done
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closeErr
}
