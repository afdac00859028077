// Copyright 2025 The mcpgo Authors. All rights reserved.
// Use of this source code is governed by an MIT-style
// license that can be found in the LICENSE file.

// This file implements the server half of the session engine: the
// capability handshake, the feature registries for tools/prompts/resources,
// and the handler registry (C6) for requests sent by a client.

package mcp

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/gob"
	"fmt"
	"iter"
	"net/url"
	"slices"
	"sync"

	"github.com/mcpware/mcpgo/internal/jsonrpc2"
	"github.com/yosida95/uritemplate/v3"
)

// DefaultPageSize is the number of items returned by a list method when the
// caller does not configure [ServerOptions.PageSize].
const DefaultPageSize = 1000

// A Server is an MCP server: a set of tools, prompts and resources exposed
// to any number of connected client sessions.
type Server struct {
	impl *Implementation
	opts ServerOptions

	mu                sync.Mutex
	prompts           *featureSet[*ServerPrompt]
	tools             *featureSet[*serverTool]
	resources         *featureSet[*ServerResource]
	resourceTemplates *featureSet[*ServerResourceTemplate]
	sessions          []*ServerSession

	sendingMethodHandler_   MethodHandler[*ServerSession]
	receivingMethodHandler_ MethodHandler[*ServerSession]
}

// ServerOptions configures a [Server].
type ServerOptions struct {
	// Instructions are returned to the client in the initialize handshake, as
	// a hint for how to use the server's features.
	Instructions string
	// PageSize is the number of items returned by a list method, if the
	// client does not otherwise constrain it. It must not be negative.
	PageSize int
	// InitializedHandler, if set, is called when a client sends
	// notifications/initialized.
	InitializedHandler func(context.Context, *ServerSession, *InitializedParams)
	// RootsListChangedHandler, if set, is called when a client sends
	// notifications/roots/list_changed.
	RootsListChangedHandler func(context.Context, *ServerSession, *RootsListChangedParams)
	// SessionStore, if set, persists session state (the negotiated logging
	// level and initialize params) keyed by session ID, so a session can be
	// rehydrated after a process restart. Only transports that expose a
	// session ID (such as the streamable HTTP transport) participate.
	SessionStore SessionStore
}

// NewServer creates a new [Server] with the given implementation identity.
func NewServer(impl *Implementation, opts *ServerOptions) *Server {
	s := &Server{
		impl:              impl,
		prompts:           newFeatureSet(func(p *ServerPrompt) string { return p.Prompt.Name }),
		tools:             newFeatureSet(func(t *serverTool) string { return t.tool.Name }),
		resources:         newFeatureSet(func(r *ServerResource) string { return r.Resource.URI }),
		resourceTemplates: newFeatureSet(func(t *ServerResourceTemplate) string { return t.ResourceTemplate.URITemplate }),
	}
	if opts != nil {
		s.opts = *opts
	}
	if s.opts.PageSize < 0 {
		panic("PageSize must not be negative")
	}
	if s.opts.PageSize == 0 {
		s.opts.PageSize = DefaultPageSize
	}
	s.sendingMethodHandler_ = defaultSendingMethodHandler
	s.receivingMethodHandler_ = defaultReceivingMethodHandler
	return s
}

// AddTool registers a tool on s, inferring its input (and, unless Out is
// any, output) schema from the In/Out type parameters.
func AddTool[In, Out any](s *Server, t *Tool, h TypedToolHandler[In, Out]) {
	st, err := newTypedServerTool(t, h)
	if err != nil {
		panic(fmt.Sprintf("AddTool %q: %v", t.Name, err))
	}
	s.changeAndNotify(notificationToolListChanged, &ToolListChangedParams{}, func() bool {
		s.tools.add(st)
		return true
	})
}

// AddRawTool registers a tool whose arguments are validated against an
// explicit JSON schema rather than one inferred from a Go type.
func AddRawTool(s *Server, t *Tool, h ToolHandler) {
	st, err := newServerTool(t, h)
	if err != nil {
		panic(fmt.Sprintf("AddRawTool %q: %v", t.Name, err))
	}
	s.changeAndNotify(notificationToolListChanged, &ToolListChangedParams{}, func() bool {
		s.tools.add(st)
		return true
	})
}

// RemoveTools removes the tools with the given names, if present.
func (s *Server) RemoveTools(names ...string) {
	s.changeAndNotify(notificationToolListChanged, &ToolListChangedParams{}, func() bool {
		return s.tools.remove(names...)
	})
}

// AddPrompt registers a prompt and its handler.
func (s *Server) AddPrompt(p *Prompt, h PromptHandler) {
	sp, err := newServerPrompt(p, h)
	if err != nil {
		panic(fmt.Sprintf("AddPrompt: %v", err))
	}
	s.changeAndNotify(notificationPromptListChanged, &PromptListChangedParams{}, func() bool {
		s.prompts.add(sp)
		return true
	})
}

// RemovePrompts removes the prompts with the given names, if present.
func (s *Server) RemovePrompts(names ...string) {
	s.changeAndNotify(notificationPromptListChanged, &PromptListChangedParams{}, func() bool {
		return s.prompts.remove(names...)
	})
}

// AddResource registers a concrete resource and its handler. The resource's
// URI must be absolute.
func (s *Server) AddResource(r *Resource, h ResourceHandler) {
	if _, err := url.ParseRequestURI(r.URI); err != nil {
		panic(fmt.Sprintf("AddResource: invalid URI %q: %v", r.URI, err))
	}
	s.changeAndNotify(notificationResourceListChanged, &ResourceListChangedParams{}, func() bool {
		s.resources.add(&ServerResource{Resource: r, Handler: h})
		return true
	})
}

// RemoveResources removes the resources with the given URIs, if present.
func (s *Server) RemoveResources(uris ...string) {
	s.changeAndNotify(notificationResourceListChanged, &ResourceListChangedParams{}, func() bool {
		return s.resources.remove(uris...)
	})
}

// AddResourceTemplate registers a resource template and its handler.
// It panics if rt.URITemplate is not a valid RFC 6570 URI template.
func (s *Server) AddResourceTemplate(rt *ResourceTemplate, h ResourceHandler) {
	if _, err := uritemplate.New(rt.URITemplate); err != nil {
		panic(fmt.Sprintf("AddResourceTemplate: invalid URI template %q: %v", rt.URITemplate, err))
	}
	s.changeAndNotify(notificationResourceListChanged, &ResourceListChangedParams{}, func() bool {
		s.resourceTemplates.add(&ServerResourceTemplate{ResourceTemplate: rt, Handler: h})
		return true
	})
}

// AddFileResource registers a resource handler that serves files under dir
// as the resource with the given URI.
func (s *Server) AddFileResource(r *Resource, dir string) {
	s.AddResource(r, fileResourceHandler(dir))
}

func (s *Server) changeAndNotify(notification string, params Params, change func() bool) {
	s.mu.Lock()
	changed := change()
	sessions := slices.Clone(s.sessions)
	s.mu.Unlock()
	if changed {
		notifySessions(sessions, notification, params)
	}
}

// Sessions iterates over the server's currently connected sessions.
func (s *Server) Sessions() iter.Seq[*ServerSession] {
	s.mu.Lock()
	sessions := slices.Clone(s.sessions)
	s.mu.Unlock()
	return slices.Values(sessions)
}

// AddMiddleware wraps the server's method handlers with the given
// middleware, applied outermost-first (SPEC_FULL.md §4.4 filter pipeline).
func (s *Server) AddMiddleware(middleware ...Middleware[*ServerSession]) {
	s.mu.Lock()
	defer s.mu.Unlock()
	addMiddleware(&s.sendingMethodHandler_, middleware)
	addMiddleware(&s.receivingMethodHandler_, middleware)
}

func (s *Server) capabilities() *ServerCapabilities {
	caps := &ServerCapabilities{
		Completions: &CompletionCapabilities{},
		Logging:     &LoggingCapabilities{},
		Prompts:     &PromptCapabilities{ListChanged: true},
		Resources:   &ResourceCapabilities{ListChanged: true, Subscribe: true},
		Tools:       &ToolCapabilities{ListChanged: true},
	}
	return caps
}

func (s *Server) listPrompts(ctx context.Context, ss *ServerSession, params *ListPromptsParams) (*ListPromptsResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return paginateList(s.prompts, s.opts.PageSize, params, &ListPromptsResult{}, func(res *ListPromptsResult, prompts []*ServerPrompt) {
		for _, p := range prompts {
			res.Prompts = append(res.Prompts, p.Prompt)
		}
	})
}

func (s *Server) getPrompt(ctx context.Context, ss *ServerSession, params *GetPromptParams) (*GetPromptResult, error) {
	s.mu.Lock()
	sp, ok := s.prompts.get(params.Name)
	s.mu.Unlock()
	if !ok {
		return nil, jsonrpc2.NewError(jsonrpc2.CodeInvalidParams, fmt.Sprintf("unknown prompt %q", params.Name))
	}
	return sp.Handler(ctx, &GetPromptRequest{Session: ss, Params: params})
}

func (s *Server) listTools(ctx context.Context, ss *ServerSession, params *ListToolsParams) (*ListToolsResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return paginateList(s.tools, s.opts.PageSize, params, &ListToolsResult{}, func(res *ListToolsResult, tools []*serverTool) {
		for _, t := range tools {
			res.Tools = append(res.Tools, t.tool)
		}
	})
}

func (s *Server) callTool(ctx context.Context, ss *ServerSession, params *CallToolParamsRaw) (*CallToolResult, error) {
	s.mu.Lock()
	st, ok := s.tools.get(params.Name)
	s.mu.Unlock()
	if !ok {
		return nil, jsonrpc2.NewError(jsonrpc2.CodeInvalidParams, fmt.Sprintf("unknown tool %q", params.Name))
	}
	return st.handler(ctx, &CallToolRequest{Session: ss, Params: params})
}

func (s *Server) listResources(ctx context.Context, ss *ServerSession, params *ListResourcesParams) (*ListResourcesResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return paginateList(s.resources, s.opts.PageSize, params, &ListResourcesResult{}, func(res *ListResourcesResult, resources []*ServerResource) {
		for _, r := range resources {
			res.Resources = append(res.Resources, r.Resource)
		}
	})
}

func (s *Server) listResourceTemplates(ctx context.Context, ss *ServerSession, params *ListResourceTemplatesParams) (*ListResourceTemplatesResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return paginateList(s.resourceTemplates, s.opts.PageSize, params, &ListResourceTemplatesResult{}, func(res *ListResourceTemplatesResult, rts []*ServerResourceTemplate) {
		for _, rt := range rts {
			res.ResourceTemplates = append(res.ResourceTemplates, rt.ResourceTemplate)
		}
	})
}

func (s *Server) readResource(ctx context.Context, ss *ServerSession, params *ReadResourceParams) (*ReadResourceResult, error) {
	s.mu.Lock()
	r, ok := s.resources.get(params.URI)
	var handler ResourceHandler
	if ok {
		handler = r.Handler
	} else {
		for rt := range s.resourceTemplates.all() {
			if rt.Matches(params.URI) {
				handler = rt.Handler
				break
			}
		}
	}
	s.mu.Unlock()
	if handler == nil {
		return nil, ResourceNotFoundError(params.URI)
	}
	return handler(ctx, ss, params)
}

func (s *Server) callInitializedHandler(ctx context.Context, ss *ServerSession, params *InitializedParams) (Result, error) {
	return callNotificationHandler(ctx, s.opts.InitializedHandler, ss, params)
}

func (s *Server) callRootsListChangedHandler(ctx context.Context, ss *ServerSession, params *RootsListChangedParams) (Result, error) {
	return callNotificationHandler(ctx, s.opts.RootsListChangedHandler, ss, params)
}

// sessionIDer is implemented by transports (such as the streamable HTTP
// transport) that expose a stable session ID, used to key SessionStore
// lookups.
type sessionIDer interface {
	SessionID() string
}

// ServerSessionOptions configures a single [ServerSession]. Reserved for
// future per-connection overrides of [ServerOptions]; pass nil for defaults.
type ServerSessionOptions struct{}

// Connect binds a new [ServerSession] to conn's transport. opts is reserved
// for future per-session configuration; pass nil.
func (s *Server) Connect(ctx context.Context, t Transport, opts *ServerSessionOptions) (*ServerSession, error) {
	conn, err := t.Connect(ctx)
	if err != nil {
		return nil, err
	}
	ss := &ServerSession{server: s}
	ss.conn = newConnection(conn, ss)
	ss.principal = principalFromContext(ctx)

	if idr, ok := t.(sessionIDer); ok {
		ss.id = idr.SessionID()
	}
	if store := s.opts.SessionStore; store != nil && ss.id != "" {
		if state, err := store.Load(ctx, ss.id); err == nil && state != nil {
			ss.mu.Lock()
			ss.logLevel = state.LogLevel
			ss.initializeParams = state.InitializeParams
			ss.initialized = state.InitializeParams != nil
			ss.mu.Unlock()
		}
	}

	s.mu.Lock()
	s.sessions = append(s.sessions, ss)
	s.mu.Unlock()
	return ss, nil
}

// saveState persists ss's current state to the server's SessionStore, if
// configured and the session has an ID.
func (ss *ServerSession) saveState(ctx context.Context) {
	store := ss.server.opts.SessionStore
	if store == nil || ss.id == "" {
		return
	}
	ss.mu.Lock()
	state := &SessionState{
		InitializeParams: ss.initializeParams,
		LogLevel:         ss.logLevel,
	}
	ss.mu.Unlock()
	store.Store(ctx, ss.id, state)
}

func (s *Server) disconnect(ss *ServerSession) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sessions = slices.DeleteFunc(s.sessions, func(o *ServerSession) bool { return o == ss })
}

// Run connects to t, serves the resulting session until its connection
// closes, and returns the error (if any) that ended it.
func (s *Server) Run(ctx context.Context, t Transport) error {
	ss, err := s.Connect(ctx, t, nil)
	if err != nil {
		return err
	}
	return ss.Wait()
}

// A ServerSession is a logical connection from a client to a [Server].
type ServerSession struct {
	server    *Server
	conn      *connection
	id        string     // session ID, if the transport exposes one; see sessionIDer
	principal *Principal // verified identity, if NewBearerAuthMiddleware ran; see Principal

	mu               sync.Mutex
	logLevel         LoggingLevel
	initializeParams *InitializeParams
	initialized      bool
}

var _ incomingHandler = (*ServerSession)(nil)
var _ Session = (*ServerSession)(nil)

func (ss *ServerSession) getConn() *connection                       { return ss.conn }
func (ss *ServerSession) sendingMethodHandler() methodHandler         { return ss.server.sendingMethodHandler_ }
func (ss *ServerSession) receivingMethodHandler() methodHandler       { return ss.server.receivingMethodHandler_ }
func (ss *ServerSession) sendingMethodInfos() map[string]methodInfo   { return clientMethodInfos }
func (ss *ServerSession) receivingMethodInfos() map[string]methodInfo { return serverMethodInfos }

// InitializeParams returns the params the client sent with its initialize
// request, or nil if the session has not completed its handshake.
func (ss *ServerSession) InitializeParams() *InitializeParams {
	ss.mu.Lock()
	defer ss.mu.Unlock()
	return ss.initializeParams
}

// Principal returns the verified identity attached to this session by
// [NewBearerAuthMiddleware], or nil if no auth middleware ran.
func (ss *ServerSession) Principal() *Principal {
	return ss.principal
}

// Close terminates the session's connection.
func (ss *ServerSession) Close() error {
	ss.server.disconnect(ss)
	return ss.conn.Close()
}

// Wait blocks until the session's connection closes, returning the error
// (if any) that caused it to do so.
func (ss *ServerSession) Wait() error {
	err := ss.conn.Wait()
	ss.server.disconnect(ss)
	return err
}

func (ss *ServerSession) handle(ctx context.Context, req *jsonrpc2.Request) (Result, error) {
	ss.mu.Lock()
	initialized := ss.initialized
	ss.mu.Unlock()
	if !initialized && req.Method != methodInitialize && req.Method != methodPing {
		return nil, fmt.Errorf("%w: session not initialized", jsonrpc2.ErrNotHandled)
	}
	return handleReceive(ctx, ss, req)
}

func (ss *ServerSession) initialize(ctx context.Context, params *InitializeParams) (*InitializeResult, error) {
	ss.mu.Lock()
	ss.initializeParams = params
	ss.mu.Unlock()
	defer func() {
		ss.mu.Lock()
		ss.initialized = true
		ss.mu.Unlock()
		ss.saveState(ctx)
	}()
	return &InitializeResult{
		ProtocolVersion: latestProtocolVersion,
		Capabilities:    ss.server.capabilities(),
		Instructions:    ss.server.opts.Instructions,
		ServerInfo:      ss.server.impl,
	}, nil
}

func (ss *ServerSession) ping(ctx context.Context, params *PingParams) (*emptyResult, error) {
	return &emptyResult{}, nil
}

func (ss *ServerSession) setLevel(ctx context.Context, params *SetLoggingLevelParams) (*emptyResult, error) {
	ss.mu.Lock()
	ss.logLevel = params.Level
	ss.mu.Unlock()
	ss.saveState(ctx)
	return &emptyResult{}, nil
}

// Ping sends a ping request to the client.
func (ss *ServerSession) Ping(ctx context.Context, params *PingParams) error {
	_, err := handleSend[*emptyResult](ctx, ss, methodPing, params)
	return err
}

// ListRoots asks the client for its current roots.
func (ss *ServerSession) ListRoots(ctx context.Context, params *ListRootsParams) (*ListRootsResult, error) {
	return handleSend[*ListRootsResult](ctx, ss, methodListRoots, params)
}

// CreateMessage asks the client to sample from an LLM.
func (ss *ServerSession) CreateMessage(ctx context.Context, params *CreateMessageParams) (*CreateMessageResult, error) {
	return handleSend[*CreateMessageResult](ctx, ss, methodCreateMessage, params)
}

// Elicit asks the client for structured input from the user.
func (ss *ServerSession) Elicit(ctx context.Context, params *ElicitParams) (*ElicitResult, error) {
	ss.mu.Lock()
	ip := ss.initializeParams
	ss.mu.Unlock()
	if ip != nil && (ip.Capabilities == nil || ip.Capabilities.Elicitation == nil) {
		return nil, fmt.Errorf("mcp: client does not support elicitation")
	}
	return handleSend[*ElicitResult](ctx, ss, methodElicit, params)
}

// NotifyProgress sends a progress notification to the client.
func (ss *ServerSession) NotifyProgress(ctx context.Context, params *ProgressNotificationParams) error {
	return handleNotify(ctx, ss, notificationProgress, params)
}

// LoggingMessage sends a log message to the client, if the client has
// requested a level at or below params.Level.
func (ss *ServerSession) LoggingMessage(ctx context.Context, params *LoggingMessageParams) error {
	ss.mu.Lock()
	level := ss.logLevel
	ss.mu.Unlock()
	if level == "" || compareLevels(params.Level, level) < 0 {
		return nil
	}
	return handleNotify(ctx, ss, notificationLoggingMessage, params)
}

// ResourceUpdated notifies the client that a subscribed resource changed.
func (ss *ServerSession) ResourceUpdated(ctx context.Context, params *ResourceUpdatedNotificationParams) error {
	return handleNotify(ctx, ss, notificationResourceUpdated, params)
}

// serverMethodInfos is the handler registry (C6) for methods a client sends
// to a server.
var serverMethodInfos = map[string]methodInfo{
	methodInitialize:             newMethodInfo(sessionMethod((*ServerSession).initialize)),
	methodPing:                   newMethodInfo(sessionMethod((*ServerSession).ping)),
	methodSetLevel:               newMethodInfo(sessionMethod((*ServerSession).setLevel)),
	methodListPrompts:            newMethodInfo(serverMethod((*Server).listPrompts)),
	methodGetPrompt:              newMethodInfo(serverMethod((*Server).getPrompt)),
	methodListTools:              newMethodInfo(serverMethod((*Server).listTools)),
	methodCallTool:               newMethodInfo(serverMethod((*Server).callTool)),
	methodListResources:          newMethodInfo(serverMethod((*Server).listResources)),
	methodListResourceTemplates:  newMethodInfo(serverMethod((*Server).listResourceTemplates)),
	methodReadResource:           newMethodInfo(serverMethod((*Server).readResource)),
	notificationInitialized:      newMethodInfo(serverMethod((*Server).callInitializedHandler)),
	notificationRootsListChanged: newMethodInfo(serverMethod((*Server).callRootsListChangedHandler)),
}

// pageToken is the decoded form of a pagination cursor: the unique ID of
// the last item returned on the previous page.
type pageToken struct {
	LastUID string
}

func encodeCursor(t pageToken) (string, error) {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(t); err != nil {
		return "", err
	}
	return base64.URLEncoding.EncodeToString(buf.Bytes()), nil
}

func decodeCursor(cursor string) (pageToken, error) {
	var t pageToken
	data, err := base64.URLEncoding.DecodeString(cursor)
	if err != nil {
		return t, fmt.Errorf("decoding cursor: %w", err)
	}
	if err := gob.NewDecoder(bytes.NewReader(data)).Decode(&t); err != nil {
		return t, fmt.Errorf("decoding cursor: %w", err)
	}
	return t, nil
}

// paginateList implements the list-method pagination behavior shared by
// prompts/list, tools/list, resources/list and resources/templates/list: it
// collects up to pageSize items starting after params' cursor (if any),
// and sets a next cursor on res if more items remain.
func paginateList[P listParams, R listResult[T], T any](fs *featureSet[T], pageSize int, params P, res R, setFunc func(R, []T)) (R, error) {
	var seq iter.Seq[T]
	if cursor := *params.cursorPtr(); cursor != "" {
		t, err := decodeCursor(cursor)
		if err != nil {
			var z R
			return z, jsonrpc2.NewError(jsonrpc2.CodeInvalidParams, err.Error())
		}
		seq = fs.above(t.LastUID)
	} else {
		seq = fs.all()
	}

	var items []T
	var lastUID string
	for item := range seq {
		if len(items) == pageSize {
			cursor, err := encodeCursor(pageToken{LastUID: lastUID})
			if err != nil {
				var z R
				return z, err
			}
			*res.nextCursorPtr() = cursor
			break
		}
		items = append(items, item)
		lastUID = fs.uniqueID(item)
	}
	setFunc(res, items)
	return res, nil
}
