// Copyright 2025 The mcpgo Authors. All rights reserved.
// Use of this source code is governed by an MIT-style
// license that can be found in the LICENSE file.

// This file implements the stdio transport (SPEC_FULL.md §4.10):
// newline-delimited JSON-RPC messages over a pair of byte streams, with
// support for JSON-RPC batches as described at
// https://github.com/ndjson/ndjson-spec.

package mcp

import (
	"context"
	"fmt"
	"io"
	"os"
	"sync"

	"github.com/mcpware/mcpgo/internal/json"
	"github.com/mcpware/mcpgo/internal/jsonrpc2"
)

// StdioTransport is a [Transport] that communicates over a pair of byte
// streams, framing messages as newline-delimited JSON.
type StdioTransport struct {
	rwc io.ReadWriteCloser
}

// NewStdioTransport constructs a transport that communicates over
// stdin/stdout.
func NewStdioTransport() *StdioTransport {
	return &StdioTransport{rwc: rwc{os.Stdin, os.Stdout}}
}

// NewIOTransport constructs a transport over an arbitrary byte stream pair,
// for embedding MCP over a process's pipes or a raw socket.
func NewIOTransport(r io.ReadCloser, w io.WriteCloser) *StdioTransport {
	return &StdioTransport{rwc: rwc{r, w}}
}

func (t *StdioTransport) Connect(context.Context) (Connection, error) {
	return newNDJSONConnection(t.rwc), nil
}

// msgBatch records an incoming JSON-RPC batch's outstanding request IDs, so
// that outgoing responses can be collected and flushed together once every
// request in the batch has been answered (JSON-RPC 2.0 batch semantics).
type msgBatch struct {
	unresolved map[string]int
	responses  []*jsonrpc2.Response
}

// ndjsonConnection implements [Connection] by framing messages with
// newlines over an io.ReadWriteCloser, supporting inbound and outbound
// batches.
type ndjsonConnection struct {
	rwc io.ReadWriteCloser
	dec *json.Decoder

	readMu sync.Mutex
	queue  []JSONRPCMessage

	writeMu sync.Mutex

	batchMu sync.Mutex
	batches map[string]*msgBatch // keyed by request ID string
}

func newNDJSONConnection(rwc io.ReadWriteCloser) *ndjsonConnection {
	return &ndjsonConnection{
		rwc:     rwc,
		dec:     json.NewDecoder(rwc),
		batches: make(map[string]*msgBatch),
	}
}

// Read implements the [Connection] interface.
func (c *ndjsonConnection) Read(ctx context.Context) (JSONRPCMessage, error) {
	c.readMu.Lock()
	defer c.readMu.Unlock()

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	default:
	}

	if len(c.queue) > 0 {
		next := c.queue[0]
		c.queue = c.queue[1:]
		return next, nil
	}

	var raw json.RawMessage
	if err := c.dec.Decode(&raw); err != nil {
		return nil, err
	}
	var rawBatch []json.RawMessage
	if err := json.Unmarshal(raw, &rawBatch); err == nil {
		return c.readBatch(rawBatch)
	}
	return jsonrpc2.DecodeMessage(raw)
}

// readBatch decodes a JSON-RPC batch, recording its outstanding request IDs
// so responses can be coalesced, and returns the first message (queuing the
// rest for subsequent Read calls).
func (c *ndjsonConnection) readBatch(rawBatch []json.RawMessage) (JSONRPCMessage, error) {
	if len(rawBatch) == 0 {
		return nil, fmt.Errorf("empty batch")
	}
	var (
		first   JSONRPCMessage
		queue   []JSONRPCMessage
		batch   *msgBatch
	)
	for i, raw := range rawBatch {
		msg, err := jsonrpc2.DecodeMessage(raw)
		if err != nil {
			return nil, err
		}
		if i == 0 {
			first = msg
		} else {
			queue = append(queue, msg)
		}
		if req, ok := msg.(*JSONRPCRequest); ok && req.IsCall() {
			if batch == nil {
				batch = &msgBatch{unresolved: make(map[string]int)}
			}
			batch.unresolved[req.ID.String()] = len(batch.responses)
			batch.responses = append(batch.responses, nil)
		}
	}
	if batch != nil {
		c.batchMu.Lock()
		for id := range batch.unresolved {
			c.batches[id] = batch
		}
		c.batchMu.Unlock()
	}
	c.queue = append(c.queue, queue...)
	return first, nil
}

// updateBatch records resp against the batch tracking its request, if any.
// ok reports whether resp belonged to a tracked batch; when the batch is
// now complete, the full set of responses is also returned.
func (c *ndjsonConnection) updateBatch(resp *JSONRPCResponse) (responses []*jsonrpc2.Response, ok bool) {
	c.batchMu.Lock()
	defer c.batchMu.Unlock()
	id := resp.ID.String()
	batch, tracked := c.batches[id]
	if !tracked {
		return nil, false
	}
	idx := batch.unresolved[id]
	batch.responses[idx] = resp
	delete(batch.unresolved, id)
	delete(c.batches, id)
	if len(batch.unresolved) == 0 {
		return batch.responses, true
	}
	return nil, true
}

// Write implements the [Connection] interface.
func (c *ndjsonConnection) Write(ctx context.Context, msg JSONRPCMessage) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	if resp, ok := msg.(*JSONRPCResponse); ok {
		if batch, tracked := c.updateBatch(resp); tracked {
			if len(batch) == 0 {
				return nil // batch still incomplete
			}
			return c.writeMessages(batch)
		}
	}
	data, err := jsonrpc2.EncodeMessage(msg)
	if err != nil {
		return fmt.Errorf("marshaling message: %w", err)
	}
	data = append(data, '\n')
	_, err = c.rwc.Write(data)
	return err
}

func (c *ndjsonConnection) writeMessages(msgs []*jsonrpc2.Response) error {
	raws := make([]json.RawMessage, 0, len(msgs))
	for _, m := range msgs {
		raw, err := jsonrpc2.EncodeMessage(m)
		if err != nil {
			return fmt.Errorf("encoding batch message: %w", err)
		}
		raws = append(raws, raw)
	}
	data, err := json.Marshal(raws)
	if err != nil {
		return err
	}
	data = append(data, '\n')
	_, err = c.rwc.Write(data)
	return err
}

func (c *ndjsonConnection) Close() error {
	return c.rwc.Close()
}

// readBatch parses a single HTTP request body (used by the streamable
// transport's POST handler, SPEC_FULL.md §4.7), which per spec may be a lone
// message or a JSON-RPC batch. It reports whether the body was a batch.
func readBatch(data []byte) (msgs []JSONRPCMessage, isBatch bool, err error) {
	var rawBatch []json.RawMessage
	if err := json.Unmarshal(data, &rawBatch); err == nil {
		if len(rawBatch) == 0 {
			return nil, true, fmt.Errorf("empty batch")
		}
		msgs = make([]JSONRPCMessage, 0, len(rawBatch))
		for _, raw := range rawBatch {
			msg, err := jsonrpc2.DecodeMessage(raw)
			if err != nil {
				return nil, true, err
			}
			msgs = append(msgs, msg)
		}
		return msgs, true, nil
	}
	msg, err := jsonrpc2.DecodeMessage(data)
	if err != nil {
		return nil, false, err
	}
	return []JSONRPCMessage{msg}, false, nil
}
