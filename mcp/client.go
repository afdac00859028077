// Copyright 2025 The mcpgo Authors. All rights reserved.
// Use of this source code is governed by an MIT-style
// license that can be found in the LICENSE file.

// This file implements the client half of the session engine: connecting to
// a server over a [Transport], performing the capability handshake
// (SPEC_FULL.md §4.2), and dispatching the client's handler registry (C6)
// for requests sent by the server.

package mcp

import (
	"context"
	"fmt"
	"slices"
	"sync"

	"github.com/mcpware/mcpgo/internal/jsonrpc2"
)

const latestProtocolVersion = "2025-06-18"

// A Client is an MCP client: it connects to one or more servers and issues
// requests on behalf of an application.
type Client struct {
	impl *Implementation
	opts ClientOptions

	mu       sync.Mutex
	roots    *featureSet[*Root]
	sessions []*ClientSession

	sendingMethodHandler_   MethodHandler[*ClientSession]
	receivingMethodHandler_ MethodHandler[*ClientSession]
}

// ClientOptions configures a [Client].
type ClientOptions struct {
	// CreateMessageHandler is called when a server requests sampling from an
	// LLM via sampling/createMessage.
	CreateMessageHandler func(context.Context, *CreateMessageRequest) (*CreateMessageResult, error)
	// ElicitationHandler is called when a server requests structured input
	// from the user via elicitation/create.
	ElicitationHandler func(context.Context, *ElicitRequest) (*ElicitResult, error)
	// ToolListChangedHandler, PromptListChangedHandler and
	// ResourceListChangedHandler are called when the server notifies that the
	// corresponding list has changed.
	ToolListChangedHandler     func(context.Context, *ClientSession, *ToolListChangedParams)
	PromptListChangedHandler   func(context.Context, *ClientSession, *PromptListChangedParams)
	ResourceListChangedHandler func(context.Context, *ClientSession, *ResourceListChangedParams)
	// LoggingMessageHandler is called for each notifications/message sent by
	// the server.
	LoggingMessageHandler func(context.Context, *ClientSession, *LoggingMessageParams)
}

// NewClient creates a new [Client] with the given implementation identity,
// reported to servers during the handshake.
func NewClient(impl *Implementation, opts *ClientOptions) *Client {
	c := &Client{
		impl:  impl,
		roots: newFeatureSet(func(r *Root) string { return r.URI }),
	}
	if opts != nil {
		c.opts = *opts
	}
	c.sendingMethodHandler_ = defaultSendingMethodHandler
	c.receivingMethodHandler_ = defaultReceivingMethodHandler
	return c
}

// AddRoots adds roots to the client's root set, notifying any connected
// sessions of the change.
func (c *Client) AddRoots(roots ...*Root) {
	c.changeAndNotify(notificationRootsListChanged, &RootsListChangedParams{}, func() bool {
		c.roots.add(roots...)
		return true
	})
}

// RemoveRoots removes roots with the given URIs from the client's root set.
func (c *Client) RemoveRoots(uris ...string) {
	c.changeAndNotify(notificationRootsListChanged, &RootsListChangedParams{}, func() bool {
		return c.roots.remove(uris...)
	})
}

func (c *Client) changeAndNotify(notification string, params Params, change func() bool) {
	c.mu.Lock()
	changed := change()
	sessions := slices.Clone(c.sessions)
	c.mu.Unlock()
	if changed {
		notifySessions(sessions, notification, params)
	}
}

// AddMiddleware wraps the client's method handlers with the given
// middleware, applied outermost-first (SPEC_FULL.md §4.4 filter pipeline).
func (c *Client) AddMiddleware(middleware ...Middleware[*ClientSession]) {
	c.mu.Lock()
	defer c.mu.Unlock()
	addMiddleware(&c.sendingMethodHandler_, middleware)
	addMiddleware(&c.receivingMethodHandler_, middleware)
}

// A ClientSession is a logical connection from a [Client] to a server,
// bound to a single [Transport].
type ClientSession struct {
	conn   *connection
	client *Client

	mu               sync.Mutex
	initializeResult *InitializeResult
}

var _ incomingHandler = (*ClientSession)(nil)
var _ Session = (*ClientSession)(nil)

// ClientSessionOptions configures a single [ClientSession]. Reserved for
// future per-connection overrides of [ClientOptions]; pass nil for defaults.
type ClientSessionOptions struct{}

// Connect connects to a server over t, performs the initialize handshake
// (SPEC_FULL.md §4.2: capability negotiation), and returns the resulting
// session. opts is reserved for future per-session configuration; pass nil.
func (c *Client) Connect(ctx context.Context, t Transport, opts *ClientSessionOptions) (*ClientSession, error) {
	conn, err := t.Connect(ctx)
	if err != nil {
		return nil, err
	}
	cs := &ClientSession{client: c}
	cs.conn = newConnection(conn, cs)

	c.mu.Lock()
	c.sessions = append(c.sessions, cs)
	c.mu.Unlock()

	caps := &ClientCapabilities{RootsV2: &RootCapabilities{ListChanged: true}}
	if c.opts.CreateMessageHandler != nil {
		caps.Sampling = &SamplingCapabilities{}
	}
	if c.opts.ElicitationHandler != nil {
		caps.Elicitation = &ElicitationCapabilities{}
	}
	params := &InitializeParams{
		ProtocolVersion: latestProtocolVersion,
		ClientInfo:      c.impl,
		Capabilities:    caps,
	}
	res, err := handleSend[*InitializeResult](ctx, cs, methodInitialize, params)
	if err != nil {
		cs.Close()
		return nil, fmt.Errorf("initialize: %w", err)
	}
	cs.mu.Lock()
	cs.initializeResult = res
	cs.mu.Unlock()

	if err := handleNotify(ctx, cs, notificationInitialized, &InitializedParams{}); err != nil {
		cs.Close()
		return nil, fmt.Errorf("notifications/initialized: %w", err)
	}
	return cs, nil
}

// InitializeResult returns the result of the initialize handshake.
func (cs *ClientSession) InitializeResult() *InitializeResult {
	cs.mu.Lock()
	defer cs.mu.Unlock()
	return cs.initializeResult
}

func (cs *ClientSession) getConn() *connection                       { return cs.conn }
func (cs *ClientSession) sendingMethodHandler() methodHandler         { return cs.client.sendingMethodHandler_ }
func (cs *ClientSession) receivingMethodHandler() methodHandler       { return cs.client.receivingMethodHandler_ }
func (cs *ClientSession) sendingMethodInfos() map[string]methodInfo   { return serverMethodInfos }
func (cs *ClientSession) receivingMethodInfos() map[string]methodInfo { return clientMethodInfos }

// Close terminates the session's connection.
func (cs *ClientSession) Close() error { return cs.conn.Close() }

// Wait blocks until the session's connection closes, returning the error
// (if any) that caused it to do so.
func (cs *ClientSession) Wait() error { return cs.conn.Wait() }

func (cs *ClientSession) handle(ctx context.Context, req *jsonrpc2.Request) (Result, error) {
	return handleReceive(ctx, cs, req)
}

// Ping sends a ping request to the server.
func (cs *ClientSession) Ping(ctx context.Context, params *PingParams) error {
	_, err := handleSend[*emptyResult](ctx, cs, methodPing, params)
	return err
}

// ListPrompts lists the prompts available on the server.
func (cs *ClientSession) ListPrompts(ctx context.Context, params *ListPromptsParams) (*ListPromptsResult, error) {
	return handleSend[*ListPromptsResult](ctx, cs, methodListPrompts, params)
}

// GetPrompt retrieves a single prompt from the server.
func (cs *ClientSession) GetPrompt(ctx context.Context, params *GetPromptParams) (*GetPromptResult, error) {
	return handleSend[*GetPromptResult](ctx, cs, methodGetPrompt, params)
}

// ListTools lists the tools available on the server.
func (cs *ClientSession) ListTools(ctx context.Context, params *ListToolsParams) (*ListToolsResult, error) {
	return handleSend[*ListToolsResult](ctx, cs, methodListTools, params)
}

// CallTool invokes a tool on the server.
func (cs *ClientSession) CallTool(ctx context.Context, params *CallToolParamsRaw) (*CallToolResult, error) {
	return handleSend[*CallToolResult](ctx, cs, methodCallTool, params)
}

// ListResources lists the resources available on the server.
func (cs *ClientSession) ListResources(ctx context.Context, params *ListResourcesParams) (*ListResourcesResult, error) {
	return handleSend[*ListResourcesResult](ctx, cs, methodListResources, params)
}

// ListResourceTemplates lists the resource templates available on the server.
func (cs *ClientSession) ListResourceTemplates(ctx context.Context, params *ListResourceTemplatesParams) (*ListResourceTemplatesResult, error) {
	return handleSend[*ListResourceTemplatesResult](ctx, cs, methodListResourceTemplates, params)
}

// ReadResource reads a resource from the server.
func (cs *ClientSession) ReadResource(ctx context.Context, params *ReadResourceParams) (*ReadResourceResult, error) {
	return handleSend[*ReadResourceResult](ctx, cs, methodReadResource, params)
}

// Subscribe subscribes to updates for a resource.
func (cs *ClientSession) Subscribe(ctx context.Context, params *SubscribeParams) error {
	_, err := handleSend[*emptyResult](ctx, cs, methodSubscribe, params)
	return err
}

// Unsubscribe cancels a previous subscription.
func (cs *ClientSession) Unsubscribe(ctx context.Context, params *UnsubscribeParams) error {
	_, err := handleSend[*emptyResult](ctx, cs, methodUnsubscribe, params)
	return err
}

// Complete requests autocompletion suggestions for a prompt or resource
// template argument.
func (cs *ClientSession) Complete(ctx context.Context, params *CompleteParams) (*CompleteResult, error) {
	return handleSend[*CompleteResult](ctx, cs, methodComplete, params)
}

func (cs *ClientSession) listRoots(ctx context.Context, params *ListRootsParams) (*ListRootsResult, error) {
	c := cs.client
	c.mu.Lock()
	defer c.mu.Unlock()
	return &ListRootsResult{Roots: slices.Collect(c.roots.all())}, nil
}

func (cs *ClientSession) createMessage(ctx context.Context, params *CreateMessageParams) (*CreateMessageResult, error) {
	if cs.client.opts.CreateMessageHandler == nil {
		return nil, jsonrpc2.NewError(jsonrpc2.CodeMethodNotFound, "sampling not supported")
	}
	return cs.client.opts.CreateMessageHandler(ctx, &CreateMessageRequest{Session: cs, Params: params})
}

func (cs *ClientSession) elicit(ctx context.Context, params *ElicitParams) (*ElicitResult, error) {
	if cs.client.opts.ElicitationHandler == nil {
		return nil, jsonrpc2.NewError(jsonrpc2.CodeMethodNotFound, "elicitation not supported")
	}
	return cs.client.opts.ElicitationHandler(ctx, &ElicitRequest{Session: cs, Params: params})
}

func (cs *ClientSession) ping(ctx context.Context, params *PingParams) (*emptyResult, error) {
	return &emptyResult{}, nil
}

func (cs *ClientSession) callToolListChangedHandler(ctx context.Context, params *ToolListChangedParams) (Result, error) {
	return callNotificationHandler(ctx, cs.client.opts.ToolListChangedHandler, cs, params)
}

func (cs *ClientSession) callPromptListChangedHandler(ctx context.Context, params *PromptListChangedParams) (Result, error) {
	return callNotificationHandler(ctx, cs.client.opts.PromptListChangedHandler, cs, params)
}

func (cs *ClientSession) callResourceListChangedHandler(ctx context.Context, params *ResourceListChangedParams) (Result, error) {
	return callNotificationHandler(ctx, cs.client.opts.ResourceListChangedHandler, cs, params)
}

func (cs *ClientSession) callLoggingMessageHandler(ctx context.Context, params *LoggingMessageParams) (Result, error) {
	return callNotificationHandler(ctx, cs.client.opts.LoggingMessageHandler, cs, params)
}

// clientMethodInfos is the handler registry (C6) for methods a server sends
// to a client.
var clientMethodInfos = map[string]methodInfo{
	methodPing:                      newMethodInfo(sessionMethod((*ClientSession).ping)),
	methodListRoots:                 newMethodInfo(sessionMethod((*ClientSession).listRoots)),
	methodCreateMessage:             newMethodInfo(sessionMethod((*ClientSession).createMessage)),
	methodElicit:                    newMethodInfo(sessionMethod((*ClientSession).elicit)),
	notificationToolListChanged:     newMethodInfo(sessionMethod((*ClientSession).callToolListChangedHandler)),
	notificationPromptListChanged:   newMethodInfo(sessionMethod((*ClientSession).callPromptListChangedHandler)),
	notificationResourceListChanged: newMethodInfo(sessionMethod((*ClientSession).callResourceListChangedHandler)),
	notificationLoggingMessage:      newMethodInfo(sessionMethod((*ClientSession).callLoggingMessageHandler)),
}

