// Copyright 2025 The mcpgo Authors. All rights reserved.
// Use of this source code is governed by an MIT-style
// license that can be found in the LICENSE file.

package mcp

import (
	"context"
	"fmt"
	"io"
	"net"
	"sync"

	"github.com/mcpware/mcpgo/internal/jsonrpc2"
)

// JSONRPCID, JSONRPCMessage, JSONRPCRequest and JSONRPCResponse are the
// wire-envelope types (package jsonrpc2) under the names used throughout
// this package.
type (
	JSONRPCID       = jsonrpc2.ID
	JSONRPCMessage  = jsonrpc2.Message
	JSONRPCRequest  = jsonrpc2.Request
	JSONRPCResponse = jsonrpc2.Response
)

// A Transport establishes a [Connection]: a single bidirectional JSON-RPC
// message stream between a client and a server.
type Transport interface {
	Connect(ctx context.Context) (Connection, error)
}

// A Connection is an established bidirectional message stream. Read and
// Write may be called concurrently with each other, but each must not be
// called concurrently with itself.
type Connection interface {
	Read(ctx context.Context) (JSONRPCMessage, error)
	Write(ctx context.Context, msg JSONRPCMessage) error
	io.Closer
}

// NewInMemoryTransports returns two Transports that are connected to each
// other through an in-process pipe, for testing.
func NewInMemoryTransports() (Transport, Transport) {
	c1, c2 := net.Pipe()
	return &pipeTransport{rwc: rwc{c1, c1}}, &pipeTransport{rwc: rwc{c2, c2}}
}

type pipeTransport struct {
	rwc rwc
}

func (t *pipeTransport) Connect(context.Context) (Connection, error) {
	return newNDJSONConnection(t.rwc), nil
}

// rwc binds an io.ReadCloser and io.WriteCloser into an io.ReadWriteCloser.
type rwc struct {
	io.ReadCloser
	io.WriteCloser
}

func (r rwc) Close() error {
	err1 := r.ReadCloser.Close()
	if wc, ok := r.WriteCloser.(io.Closer); ok && wc != io.Closer(r.ReadCloser) {
		if err2 := wc.Close(); err2 != nil && err1 == nil {
			return err2
		}
	}
	return err1
}

// LoggingTransport decorates a Transport, writing every message read from or
// written to the resulting connection to an io.Writer (SPEC_FULL.md §4.16).
type LoggingTransport struct {
	delegate Transport
	w        io.Writer
}

// NewLoggingTransport returns a Transport that logs all messages sent and
// received over delegate to w.
func NewLoggingTransport(delegate Transport, w io.Writer) *LoggingTransport {
	return &LoggingTransport{delegate: delegate, w: w}
}

func (t *LoggingTransport) Connect(ctx context.Context) (Connection, error) {
	conn, err := t.delegate.Connect(ctx)
	if err != nil {
		return nil, err
	}
	return &loggingConnection{conn: conn, w: t.w}, nil
}

type loggingConnection struct {
	conn Connection
	mu   sync.Mutex
	w    io.Writer
}

func (c *loggingConnection) Read(ctx context.Context) (JSONRPCMessage, error) {
	msg, err := c.conn.Read(ctx)
	c.mu.Lock()
	defer c.mu.Unlock()
	if err != nil {
		fmt.Fprintf(c.w, "read error: %v\n", err)
	} else if data, merr := jsonrpc2.EncodeMessage(msg); merr == nil {
		fmt.Fprintf(c.w, "read: %s\n", data)
	}
	return msg, err
}

func (c *loggingConnection) Write(ctx context.Context, msg JSONRPCMessage) error {
	err := c.conn.Write(ctx, msg)
	c.mu.Lock()
	defer c.mu.Unlock()
	if err != nil {
		fmt.Fprintf(c.w, "write error: %v\n", err)
	} else if data, merr := jsonrpc2.EncodeMessage(msg); merr == nil {
		fmt.Fprintf(c.w, "write: %s\n", data)
	}
	return err
}

func (c *loggingConnection) Close() error { return c.conn.Close() }
