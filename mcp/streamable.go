// Copyright 2025 The mcpgo Authors. All rights reserved.
// Use of this source code is governed by an MIT-style
// license that can be found in the LICENSE file.

package mcp

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"math/rand"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/mcpware/mcpgo/internal/json"
	"github.com/mcpware/mcpgo/internal/jsonrpc2"
)

// HTTP header names used by the streamable transport (SPEC_FULL.md §6,
// "HTTP headers (bit-exact)").
const (
	sessionIDHeader       = "Mcp-Session-Id"
	protocolVersionHeader = "MCP-Protocol-Version"
	lastEventIDHeader     = "Last-Event-ID"
)

// ErrSessionMissing indicates the server no longer recognizes the client's
// Mcp-Session-Id, e.g. because the session was evicted or the server
// restarted. A client receiving it must re-initialize rather than retry.
var ErrSessionMissing = errors.New("mcp: session missing")

// A StreamableHTTPHandler is an http.Handler that serves streamable MCP
// sessions, as defined by the [MCP spec].
//
// [MCP spec]: https://modelcontextprotocol.io/2025/03/26/streamable-http-transport.html
type StreamableHTTPHandler struct {
	getServer func(*http.Request) *Server
	opts      StreamableHTTPOptions

	sessionsMu sync.Mutex
	sessions   map[string]*StreamableServerTransport // keyed by IDs (from Mcp-Session-Id header)
}

// StreamableHTTPOptions configures a [StreamableHTTPHandler].
type StreamableHTTPOptions struct {
	// MaxBodyBytes caps the size of an incoming POST body for every session
	// created by this handler. Zero means DefaultMaxBodyBytes; negative
	// means no limit.
	//
	// TODO: support configurable session ID generation and event
	// store, session retention, and event retention.
	MaxBodyBytes int64
}

// NewStreamableHTTPHandler returns a new [StreamableHTTPHandler].
//
// The getServer function is used to create or look up servers for new
// sessions. It is OK for getServer to return the same server multiple times.
func NewStreamableHTTPHandler(getServer func(*http.Request) *Server, opts *StreamableHTTPOptions) *StreamableHTTPHandler {
	h := &StreamableHTTPHandler{
		getServer: getServer,
		sessions:  make(map[string]*StreamableServerTransport),
	}
	if opts != nil {
		h.opts = *opts
	}
	return h
}

// closeAll closes all ongoing sessions.
//
// TODO: investigate the best API for callers to configure their
// session lifecycle.
//
// Should we allow passing in a session store? That would allow the handler to
// be stateless.
func (h *StreamableHTTPHandler) closeAll() {
	h.sessionsMu.Lock()
	defer h.sessionsMu.Unlock()
	for _, s := range h.sessions {
		s.Close()
	}
	h.sessions = nil
}

func (h *StreamableHTTPHandler) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	// Allow multiple 'Accept' headers.
	// https://developer.mozilla.org/en-US/docs/Web/HTTP/Reference/Headers/Accept#syntax
	accept := strings.Split(strings.Join(req.Header.Values("Accept"), ","), ",")
	var jsonOK, streamOK bool
	for _, c := range accept {
		switch strings.TrimSpace(c) {
		case "application/json":
			jsonOK = true
		case "text/event-stream":
			streamOK = true
		}
	}

	if req.Method == http.MethodGet {
		if !streamOK {
			http.Error(w, "Accept must contain 'text/event-stream' for GET requests", http.StatusBadRequest)
			return
		}
	} else if !jsonOK || !streamOK {
		http.Error(w, "Accept must contain both 'application/json' and 'text/event-stream'", http.StatusBadRequest)
		return
	}

	var session *StreamableServerTransport
	if id := req.Header.Get(sessionIDHeader); id != "" {
		h.sessionsMu.Lock()
		session = h.sessions[id]
		h.sessionsMu.Unlock()
		if session == nil {
			http.Error(w, "session not found", http.StatusNotFound)
			return
		}
	}

	// TODO: simplify the locking so that each request has only one
	// critical section.
	if req.Method == http.MethodDelete {
		if session == nil {
			// => Mcp-Session-Id was not set; else we'd have returned NotFound above.
			http.Error(w, "DELETE requires an Mcp-Session-Id header", http.StatusBadRequest)
			return
		}
		h.sessionsMu.Lock()
		delete(h.sessions, session.id)
		h.sessionsMu.Unlock()
		session.Close()
		w.WriteHeader(http.StatusNoContent)
		return
	}

	switch req.Method {
	case http.MethodPost, http.MethodGet:
	default:
		w.Header().Set("Allow", "GET, POST")
		http.Error(w, "unsupported method", http.StatusMethodNotAllowed)
		return
	}

	if session == nil {
		s := NewStreamableServerTransport(randText())
		s.MaxBodyBytes = h.opts.MaxBodyBytes
		server := h.getServer(req)
		// Pass req.Context() here, to allow middleware to add context values.
		// The context is detached in the jsonrpc2 library when handling the
		// long-running stream.
		if _, err := server.Connect(req.Context(), s, nil); err != nil {
			http.Error(w, "failed connection", http.StatusInternalServerError)
			return
		}
		h.sessionsMu.Lock()
		h.sessions[s.id] = s
		h.sessionsMu.Unlock()
		session = s
	}

	session.ServeHTTP(w, req)
}

// NewStreamableServerTransport returns a new [StreamableServerTransport] with
// the given session ID.
//
// A StreamableServerTransport implements the server-side of the streamable
// transport.
//
// TODO: consider adding options here, to configure event storage
// policy.
func NewStreamableServerTransport(sessionID string) *StreamableServerTransport {
	return &StreamableServerTransport{
		id:               sessionID,
		incoming:         make(chan JSONRPCMessage, 10),
		done:             make(chan struct{}),
		outgoingMessages: make(map[streamID][]*streamableMsg),
		signals:          make(map[streamID]chan struct{}),
		requestStreams:   make(map[JSONRPCID]streamID),
		streamRequests:   make(map[streamID]map[JSONRPCID]struct{}),
	}
}

func (t *StreamableServerTransport) SessionID() string {
	return t.id
}

// A StreamableServerTransport implements the [Transport] interface for a
// single session.
type StreamableServerTransport struct {
	nextStreamID atomic.Int64 // incrementing next stream ID

	id       string
	incoming chan JSONRPCMessage // messages from the client to the server

	// MaxBodyBytes caps the size of an incoming POST body. Zero means
	// DefaultMaxBodyBytes; negative means no limit. Set before the transport
	// is connected.
	MaxBodyBytes int64

	mu sync.Mutex

	// Sessions are closed exactly once.
	isDone bool
	done   chan struct{}

	// Sessions can have multiple logical connections, corresponding to HTTP
	// requests. Additionally, logical sessions may be resumed by subsequent HTTP
	// requests, when the session is terminated unexpectedly.
	//
	// Therefore, we use a logical connection ID to key the connection state, and
	// perform the accounting described below when incoming HTTP requests are
	// handled.
	//
	// The accounting is complicated. It is tempting to merge some of the maps
	// below, but they each have different lifecycles, as indicated by Lifecycle:
	// comments.
	//
	// TODO: simplify.

	// outgoingMessages is the collection of outgoingMessages messages, keyed by the logical
	// stream ID where they should be delivered.
	//
	// streamID 0 is used for messages that don't correlate with an incoming
	// request.
	//
	// Lifecycle: outgoingMessages persists for the duration of the session.
	//
	// TODO: garbage collect this data. For now, we save all outgoingMessages
	// messages for the lifespan of the transport.
	outgoingMessages map[streamID][]*streamableMsg

	// signals maps a logical stream ID to a 1-buffered channel, owned by an
	// incoming HTTP request, that signals that there are messages available to
	// write into the HTTP response. Signals guarantees that at most one HTTP
	// response can receive messages for a logical stream. After claiming
	// the stream, incoming requests should read from outgoing, to ensure
	// that no new messages are missed.
	//
	// Lifecycle: signals persists for the duration of an HTTP POST or GET
	// request for the given streamID.
	signals map[streamID]chan struct{}

	// requestStreams maps incoming requests to their logical stream ID.
	//
	// Lifecycle: requestStreams persists for the duration of the session.
	//
	// TODO: clean up once requests are handled.
	requestStreams map[JSONRPCID]streamID

	// streamRequests tracks the set of unanswered incoming RPCs for each logical
	// stream.
	//
	// When the server has responded to each request, the stream should be
	// closed.
	//
	// Lifecycle: streamRequests values persist as until the requests have been
	// replied to by the server. Notably, NOT until they are sent to an HTTP
	// response, as delivery is not guaranteed.
	streamRequests map[streamID]map[JSONRPCID]struct{}
}

type streamID int64

// a streamableMsg is an SSE event with an index into its logical stream.
type streamableMsg struct {
	idx   int
	event event
}

// Connect implements the [Transport] interface.
//
// TODO: Connect should return a new object.
func (s *StreamableServerTransport) Connect(context.Context) (Connection, error) {
	return s, nil
}

// We track the incoming request ID inside the handler context using
// idContextValue, so that notifications and server->client calls that occur in
// the course of handling incoming requests are correlated with the incoming
// request that caused them, and can be dispatched as server-sent events to the
// correct HTTP request.
//
// Currently, this is done by connection.dispatch, which stores the ID of every
// incoming call in the handler context. This is not ideal,
// because it means that a user of the MCP package couldn't implement the
// streamable transport, as they'd lack this privileged access.
//
// If we ever wanted to expose this mechanism, we have a few options:
//  1. Make ServerSession an interface, and provide an implementation of
//     ServerSession to handlers that closes over the incoming request ID.
//  2. Expose a 'HandlerTransport' interface that allows transports to provide
//     a handler middleware, so that we don't hard-code this behavior in
//     connection.dispatch.
//  3. Add a `func ForRequest(context.Context) JSONRPCID` accessor that lets
//     any transport access the incoming request ID.
//
// For now, by giving only the StreamableServerTransport access to the request
// ID, we avoid having to make this API decision.
type idContextKey struct{}

// ServeHTTP handles a single HTTP request for the session.
func (t *StreamableServerTransport) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	switch req.Method {
	case http.MethodGet:
		t.serveGET(w, req)
	case http.MethodPost:
		t.servePOST(w, req)
	default:
		// Should not be reached, as this is checked in StreamableHTTPHandler.ServeHTTP.
		w.Header().Set("Allow", "GET, POST")
		http.Error(w, "unsupported method", http.StatusMethodNotAllowed)
	}
}

func (t *StreamableServerTransport) serveGET(w http.ResponseWriter, req *http.Request) {
	// connID 0 corresponds to the default GET request.
	id, nextIdx := streamID(0), 0
	if len(req.Header.Values(lastEventIDHeader)) > 0 {
		eid := req.Header.Get(lastEventIDHeader)
		var ok bool
		id, nextIdx, ok = parseEventID(eid)
		if !ok {
			http.Error(w, fmt.Sprintf("malformed Last-Event-ID %q", eid), http.StatusBadRequest)
			return
		}
		nextIdx++
	}

	t.mu.Lock()
	if _, ok := t.signals[id]; ok {
		http.Error(w, "stream ID conflicts with ongoing stream", http.StatusBadRequest)
		t.mu.Unlock()
		return
	}
	signal := make(chan struct{}, 1)
	t.signals[id] = signal
	t.mu.Unlock()

	t.streamResponse(w, req, id, nextIdx, signal)
}

func (t *StreamableServerTransport) servePOST(w http.ResponseWriter, req *http.Request) {
	if len(req.Header.Values(lastEventIDHeader)) > 0 {
		http.Error(w, "can't send Last-Event-ID for POST request", http.StatusBadRequest)
		return
	}

	// Read incoming messages.
	if limit := effectiveMaxBodyBytes(t.MaxBodyBytes); limit > 0 {
		req.Body = http.MaxBytesReader(w, req.Body, limit)
	}
	body, err := io.ReadAll(req.Body)
	if err != nil {
		if isMaxBytesError(err) {
			writeRequestBodyTooLarge(w)
			return
		}
		http.Error(w, "failed to read body", http.StatusBadRequest)
		return
	}
	if len(body) == 0 {
		http.Error(w, "POST requires a non-empty body", http.StatusBadRequest)
		return
	}
	incoming, _, err := readBatch(body)
	if err != nil {
		http.Error(w, fmt.Sprintf("malformed payload: %v", err), http.StatusBadRequest)
		return
	}
	requests := make(map[JSONRPCID]struct{})
	for _, msg := range incoming {
		if req, ok := msg.(*JSONRPCRequest); ok && req.ID.IsValid() {
			requests[req.ID] = struct{}{}
		}
	}

	// Update accounting for this request.
	id := streamID(t.nextStreamID.Add(1))
	signal := make(chan struct{}, 1)
	t.mu.Lock()
	if len(requests) > 0 {
		t.streamRequests[id] = make(map[JSONRPCID]struct{})
	}
	for reqID := range requests {
		t.requestStreams[reqID] = id
		t.streamRequests[id][reqID] = struct{}{}
	}
	t.signals[id] = signal
	t.mu.Unlock()

	// Publish incoming messages.
	for _, msg := range incoming {
		t.incoming <- msg
	}

	// TODO: consider optimizing for a single incoming request, by
	// responding with application/json when there is only a single message in
	// the response.
	t.streamResponse(w, req, id, 0, signal)
}

func (t *StreamableServerTransport) streamResponse(w http.ResponseWriter, req *http.Request, id streamID, nextIndex int, signal chan struct{}) {
	defer func() {
		t.mu.Lock()
		delete(t.signals, id)
		t.mu.Unlock()
	}()

	// Stream resumption: adjust outgoing index based on what the user says
	// they've received.
	if nextIndex > 0 {
		t.mu.Lock()
		// Clamp nextIndex to outgoing messages.
		outgoing := t.outgoingMessages[id]
		if nextIndex > len(outgoing) {
			nextIndex = len(outgoing)
		}
		t.mu.Unlock()
	}

	w.Header().Set(sessionIDHeader, t.id)
	w.Header().Set("Content-Type", "text/event-stream") // Accept checked in [StreamableHTTPHandler]
	w.Header().Set("Cache-Control", "no-cache, no-transform")
	w.Header().Set("Connection", "keep-alive")

	writes := 0
stream:
	for {
		// Send outgoing messages
		t.mu.Lock()
		outgoing := t.outgoingMessages[id][nextIndex:]
		t.mu.Unlock()

		for _, msg := range outgoing {
			if _, err := writeEvent(w, msg.event); err != nil {
				// Connection closed or broken.
				return
			}
			writes++
			nextIndex++
		}

		t.mu.Lock()
		nOutstanding := len(t.streamRequests[id])
		nOutgoing := len(t.outgoingMessages[id])
		t.mu.Unlock()
		// If all requests have been handled and replied to, we can terminate this
		// connection. However, in the case of a sequencing violation from the server
		// (a send on the request context after the request has been handled), we
		// loop until we've written all messages.
		//
		// TODO: should we instead refuse to send messages after the last
		// response? Decide, write a test, and change the behavior.
		if nextIndex < nOutgoing {
			continue // more to send
		}
		if req.Method == http.MethodPost && nOutstanding == 0 {
			if writes == 0 {
				// Spec: If the server accepts the input, the server MUST return HTTP
				// status code 202 Accepted with no body.
				w.WriteHeader(http.StatusAccepted)
			}
			return
		}

		select {
		case <-signal:
		case <-t.done:
			if writes == 0 {
				http.Error(w, "session terminated", http.StatusGone)
			}
			break stream
		case <-req.Context().Done():
			if writes == 0 {
				w.WriteHeader(http.StatusNoContent)
			}
			break stream
		}
	}
}

// Event IDs: encode both the logical connection ID and the index, as
// <streamID>_<idx>, to be consistent with the typescript implementation.

// formatEventID returns the event ID to use for the logical connection ID
// streamID and message index idx.
//
// See also [parseEventID].
func formatEventID(sid streamID, idx int) string {
	return fmt.Sprintf("%d_%d", sid, idx)
}

// parseEventID parses a Last-Event-ID value into a logical stream id and
// index.
//
// See also [formatEventID].
func parseEventID(eventID string) (sid streamID, idx int, ok bool) {
	parts := strings.Split(eventID, "_")
	if len(parts) != 2 {
		return 0, 0, false
	}
	stream, err := strconv.ParseInt(parts[0], 10, 64)
	if err != nil || stream < 0 {
		return 0, 0, false
	}
	idx, err = strconv.Atoi(parts[1])
	if err != nil || idx < 0 {
		return 0, 0, false
	}
	return streamID(stream), idx, true
}

// Read implements the [Connection] interface.
func (t *StreamableServerTransport) Read(ctx context.Context) (JSONRPCMessage, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case msg, ok := <-t.incoming:
		if !ok {
			return nil, io.EOF
		}
		return msg, nil
	case <-t.done:
		return nil, io.EOF
	}
}

// Write implements the [Connection] interface.
func (t *StreamableServerTransport) Write(ctx context.Context, msg JSONRPCMessage) error {
	// Find the incoming request that this write relates to, if any.
	var forRequest, replyTo JSONRPCID
	if resp, ok := msg.(*JSONRPCResponse); ok {
		// If the message is a response, it relates to its request (of course).
		forRequest = resp.ID
		replyTo = resp.ID
	} else {
		// Otherwise, we check to see if it request was made in the context of an
		// ongoing request. This may not be the case if the request way made with
		// an unrelated context.
		if v := ctx.Value(idContextKey{}); v != nil {
			forRequest = v.(JSONRPCID)
		}
	}

	// Find the logical connection corresponding to this request.
	//
	// For messages sent outside of a request context, this is the default
	// connection 0.
	var forConn streamID
	if forRequest.IsValid() {
		t.mu.Lock()
		forConn = t.requestStreams[forRequest]
		t.mu.Unlock()
	}

	data, err := jsonrpc2.EncodeMessage(msg)
	if err != nil {
		return err
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if t.isDone {
		return fmt.Errorf("session is closed") // TODO: should this be EOF?
	}

	if _, ok := t.streamRequests[forConn]; !ok && forConn != 0 {
		// No outstanding requests for this connection, which means it is logically
		// done. This is a sequencing violation from the server, so we should report
		// a side-channel error here. Put the message on the general queue to avoid
		// dropping messages.
		forConn = 0
	}

	idx := len(t.outgoingMessages[forConn])
	t.outgoingMessages[forConn] = append(t.outgoingMessages[forConn], &streamableMsg{
		idx: idx,
		event: event{
			name: "message",
			id:   formatEventID(forConn, idx),
			data: data,
		},
	})
	if replyTo.IsValid() {
		// Once we've put the reply on the queue, it's no longer outstanding.
		delete(t.streamRequests[forConn], replyTo)
		if len(t.streamRequests[forConn]) == 0 {
			delete(t.streamRequests, forConn)
		}
	}

	// Signal work.
	if c, ok := t.signals[forConn]; ok {
		select {
		case c <- struct{}{}:
		default:
		}
	}
	return nil
}

// Close implements the [Connection] interface.
func (t *StreamableServerTransport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.isDone {
		t.isDone = true
		close(t.done)
	}
	return nil
}

// A StreamableClientTransport is a [Transport] that can communicate with an
// MCP endpoint serving the streamable HTTP transport defined by the
// 2025-03-26 version of the spec (SPEC_FULL.md §4.7).
//
// The zero value, with Endpoint set, is ready to use.
type StreamableClientTransport struct {
	// Endpoint is the absolute http(s) URI of the streamable endpoint.
	Endpoint string

	// HTTPClient is the client used for HTTP requests. If nil,
	// http.DefaultClient is used.
	HTTPClient *http.Client

	// MaxRetries bounds retries of a single POST send. Zero means no
	// retries beyond the initial attempt.
	MaxRetries int

	// InitialBackoff is the initial backoff before the first retry of a
	// POST send; subsequent retries double it. Zero selects a 1 second
	// default.
	InitialBackoff time.Duration

	// ModifyRequest, if set, is called to modify every outgoing HTTP
	// request (POST, GET, and DELETE) before it is sent, e.g. to attach
	// authentication headers.
	ModifyRequest func(*http.Request)

	// AdditionalHeaders are added to every outgoing request. It is a
	// configuration error for a key here to collide with a header the
	// transport manages itself (SPEC_FULL.md §6).
	AdditionalHeaders http.Header

	// KnownSessionID resumes a previously established session instead of
	// starting a new one with an initialize request. A transport configured
	// with a known session id must not be used to send an initialize
	// request (SPEC_FULL.md §4.7, "Initialize special case").
	KnownSessionID string

	// OwnsSession controls whether Close sends a DELETE to terminate the
	// session on the server. Nil means true: by default the transport that
	// created a session also tears it down. Set to a false pointer when
	// KnownSessionID refers to a session owned by another transport.
	OwnsSession *bool

	// MaxReconnectionAttempts bounds the reconnection attempts of a single
	// resumption sequence that makes no progress (SPEC_FULL.md §4.7). Zero
	// selects a default of 5.
	MaxReconnectionAttempts int

	// DefaultReconnectionInterval is the delay between reconnection
	// attempts when the server has not supplied an SSE "retry:" field.
	// Zero selects a default of 1 second.
	DefaultReconnectionInterval time.Duration
}

// StreamableClientTransportOptions provides options for the
// [NewStreamableClientTransport] constructor. Its fields mirror the
// corresponding fields of [StreamableClientTransport]; constructing a
// [StreamableClientTransport] literal directly is equally supported.
type StreamableClientTransportOptions struct {
	HTTPClient                  *http.Client
	MaxRetries                  int
	InitialBackoff              time.Duration
	ModifyRequest               func(*http.Request)
	AdditionalHeaders           http.Header
	KnownSessionID              string
	OwnsSession                 *bool
	MaxReconnectionAttempts     int
	DefaultReconnectionInterval time.Duration
}

// NewStreamableClientTransport returns a new client transport that connects
// to the streamable HTTP server at the provided endpoint.
func NewStreamableClientTransport(endpoint string, opts *StreamableClientTransportOptions) *StreamableClientTransport {
	t := &StreamableClientTransport{Endpoint: endpoint}
	if opts != nil {
		t.HTTPClient = opts.HTTPClient
		t.MaxRetries = opts.MaxRetries
		t.InitialBackoff = opts.InitialBackoff
		t.ModifyRequest = opts.ModifyRequest
		t.AdditionalHeaders = opts.AdditionalHeaders
		t.KnownSessionID = opts.KnownSessionID
		t.OwnsSession = opts.OwnsSession
		t.MaxReconnectionAttempts = opts.MaxReconnectionAttempts
		t.DefaultReconnectionInterval = opts.DefaultReconnectionInterval
	}
	return t
}

func (t *StreamableClientTransport) ownsSession() bool {
	return t.OwnsSession == nil || *t.OwnsSession
}

// reservedHeaders names the headers the transport manages itself; an
// AdditionalHeaders entry colliding with one of these is a configuration
// error (SPEC_FULL.md §6).
var reservedHeaders = map[string]bool{
	http.CanonicalHeaderKey(sessionIDHeader):       true,
	http.CanonicalHeaderKey(protocolVersionHeader): true,
	http.CanonicalHeaderKey(lastEventIDHeader):     true,
	"Content-Type": true,
	"Accept":       true,
}

// Connect implements the [Transport] interface.
//
// The resulting [Connection] writes messages via POST requests to the
// transport endpoint with the Mcp-Session-Id header set, and reads messages
// from hanging GET requests and from the SSE tail of POST responses.
//
// When closed, and the transport owns the session, the connection issues a
// DELETE request to terminate the logical session.
func (t *StreamableClientTransport) Connect(ctx context.Context) (Connection, error) {
	u, err := url.Parse(t.Endpoint)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") {
		return nil, fmt.Errorf("mcp: streamable endpoint must be an absolute http(s) URI, got %q", t.Endpoint)
	}
	for name := range t.AdditionalHeaders {
		if reservedHeaders[http.CanonicalHeaderKey(name)] {
			return nil, fmt.Errorf("mcp: additional header %q conflicts with a header the transport manages itself", name)
		}
	}

	client := t.HTTPClient
	if client == nil {
		client = http.DefaultClient
	}
	initialBackoff := t.InitialBackoff
	if initialBackoff == 0 {
		initialBackoff = time.Second
	}
	maxReconnectAttempts := t.MaxReconnectionAttempts
	if maxReconnectAttempts == 0 {
		maxReconnectAttempts = 5
	}
	defaultReconnectInterval := t.DefaultReconnectionInterval
	if defaultReconnectInterval == 0 {
		defaultReconnectInterval = time.Second
	}

	conn := &streamableClientConn{
		endpoint:                t.Endpoint,
		client:                  client,
		modifyRequest:           t.ModifyRequest,
		additionalHeaders:       t.AdditionalHeaders,
		ownsSession:             t.ownsSession(),
		maxRetries:              t.MaxRetries,
		initialBackoff:          initialBackoff,
		maxReconnectionAttempts: maxReconnectAttempts,
		reconnectInterval:       defaultReconnectInterval,
		incoming:                make(chan []byte, 100),
		done:                    make(chan struct{}),
		pendingMessages:         make(chan JSONRPCMessage, 100),
		randSource:              rand.New(rand.NewSource(time.Now().UnixNano())),
	}
	conn.sessionID.Store(t.KnownSessionID)

	go conn.startMessageWriter()
	go conn.maintainStandaloneStream()

	return conn, nil
}

// streamableClientConn is the client-side [Connection] for the streamable
// HTTP transport. It owns three concurrent activities: a writer goroutine
// that drains pendingMessages via POST with retry, a goroutine that keeps a
// standalone hanging GET alive for server-initiated messages, and, for any
// POST whose response arrives as an SSE stream rather than a JSON body, a
// per-request resumption sequence tied to that request's id
// (SPEC_FULL.md §8 scenario 6).
type streamableClientConn struct {
	endpoint          string
	client            *http.Client
	modifyRequest     func(*http.Request)
	additionalHeaders http.Header
	ownsSession       bool

	sessionID       atomic.Value // string
	protocolVersion atomic.Value // string; set once initialize succeeds

	incoming chan []byte
	done     chan struct{}

	closeOnce sync.Once
	closeErr  error

	mu                      sync.Mutex // protects the fields below
	lastEventID             string
	reconnectInterval       time.Duration
	err                     error
	cancelStandalone        context.CancelFunc
	maxReconnectionAttempts int

	pendingMessages chan JSONRPCMessage

	maxRetries     int
	initialBackoff time.Duration
	randSource     *rand.Rand
}

func (c *streamableClientConn) SessionID() string {
	id, _ := c.sessionID.Load().(string)
	return id
}

// Read implements the [Connection] interface.
func (s *streamableClientConn) Read(ctx context.Context) (JSONRPCMessage, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-s.done:
		s.mu.Lock()
		defer s.mu.Unlock()
		if s.err != nil {
			return nil, s.err
		}
		return nil, io.EOF
	case data := <-s.incoming:
		return jsonrpc2.DecodeMessage(data)
	}
}

// Write implements the [Connection] interface by enqueuing the message for
// an asynchronous send, performed by the startMessageWriter goroutine.
//
// Per SPEC_FULL.md §4.7's "Initialize special case", a connection resuming a
// known session must never send another initialize request.
func (s *streamableClientConn) Write(ctx context.Context, msg JSONRPCMessage) error {
	if req, ok := msg.(*JSONRPCRequest); ok && req.Method == methodInitialize {
		if sid := s.SessionID(); sid != "" {
			return fmt.Errorf("mcp: transport is bound to existing session %q, cannot send initialize", sid)
		}
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-s.done:
		s.mu.Lock()
		defer s.mu.Unlock()
		if s.err != nil {
			return s.err
		}
		return io.EOF
	case s.pendingMessages <- msg:
		return nil
	}
}

// startMessageWriter drains pendingMessages, sending each with retry.
func (s *streamableClientConn) startMessageWriter() {
	for {
		select {
		case <-s.done:
			return
		case msg, ok := <-s.pendingMessages:
			if !ok {
				return
			}
			go s.sendWithRetry(msg)
		}
	}
}

// sendWithRetry POSTs msg, retrying transient failures with exponential
// backoff and jitter, and tears down the connection if every attempt fails.
func (s *streamableClientConn) sendWithRetry(msg JSONRPCMessage) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sessionID := s.SessionID()
	var lastErr error
	for attempt := 0; attempt <= s.maxRetries; attempt++ {
		select {
		case <-s.done:
			return
		case <-ctx.Done():
			return
		default:
		}

		gotSessionID, err := s.postMessage(ctx, sessionID, msg)
		if err == nil {
			if sessionID == "" && gotSessionID != "" {
				s.sessionID.Store(gotSessionID)
			}
			return
		}

		lastErr = err
		if !isRetryable(err) || attempt == s.maxRetries {
			break
		}

		backoff := s.initialBackoff * time.Duration(1<<uint(attempt))
		jitter := time.Duration(s.randSource.Int63n(int64(backoff/2) + 1))
		select {
		case <-ctx.Done():
			return
		case <-time.After(backoff + jitter):
		}
	}

	s.mu.Lock()
	s.err = fmt.Errorf("mcp: giving up sending message after %d attempts: %w", s.maxRetries+1, lastErr)
	s.mu.Unlock()
	s.Close()
}

// applyHeaders sets the headers common to every request the connection
// makes: any ModifyRequest hook, AdditionalHeaders, and the negotiated
// MCP-Protocol-Version once initialize has completed.
func (s *streamableClientConn) applyHeaders(req *http.Request) {
	for name, values := range s.additionalHeaders {
		for _, v := range values {
			req.Header.Add(name, v)
		}
	}
	if pv, _ := s.protocolVersion.Load().(string); pv != "" {
		req.Header.Set(protocolVersionHeader, pv)
	}
	if s.modifyRequest != nil {
		s.modifyRequest(req)
	}
}

// postMessage sends a single JSON-RPC message via an HTTP POST request. It
// returns the session id in effect after the request (SPEC_FULL.md §6).
//
// A JSON-bodied response is decoded and forwarded directly. An
// event-stream-bodied response starts a resumption sequence correlated to
// msg's request id, so that a response delayed or interrupted mid-stream is
// still delivered (SPEC_FULL.md §8 scenario 6).
func (s *streamableClientConn) postMessage(ctx context.Context, sessionID string, msg JSONRPCMessage) (string, error) {
	data, err := jsonrpc2.EncodeMessage(msg)
	if err != nil {
		return "", fmt.Errorf("mcp: encoding message: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.endpoint, bytes.NewReader(data))
	if err != nil {
		return "", fmt.Errorf("mcp: creating POST request: %w", err)
	}
	if sessionID != "" {
		req.Header.Set(sessionIDHeader, sessionID)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json, text/event-stream")
	s.applyHeaders(req)

	resp, err := s.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("mcp: POST request failed: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		body, _ := io.ReadAll(resp.Body)
		resp.Body.Close()
		statusErr := fmt.Errorf("POST returned %d %s: %s", resp.StatusCode, resp.Status, strings.TrimSpace(string(body)))
		if resp.StatusCode == http.StatusNotFound {
			statusErr = fmt.Errorf("%w: %s", ErrSessionMissing, statusErr)
		}
		return "", &httpStatusError{StatusCode: resp.StatusCode, Err: statusErr}
	}

	newSessionID := resp.Header.Get(sessionIDHeader)
	if sessionID == "" && newSessionID == "" {
		resp.Body.Close()
		return "", fmt.Errorf("mcp: initial POST response did not carry an %s header", sessionIDHeader)
	}
	if newSessionID == "" {
		newSessionID = sessionID
	}

	switch resp.Header.Get("Content-Type") {
	case "text/event-stream":
		forID, hasForID := requestIDOf(msg)
		go func() {
			if err := s.resume(context.Background(), forID, hasForID, resp); err != nil && hasForID {
				s.mu.Lock()
				if s.err == nil {
					s.err = err
				}
				s.mu.Unlock()
				s.Close()
			}
		}()
	default:
		body, err := io.ReadAll(resp.Body)
		resp.Body.Close()
		if err == nil && len(body) > 0 {
			s.forward(body)
		}
	}

	return newSessionID, nil
}

// requestIDOf reports the request id of msg, if msg is a request expecting
// a response (notifications have no id and are never correlated).
func requestIDOf(msg JSONRPCMessage) (id JSONRPCID, ok bool) {
	if req, isReq := msg.(*JSONRPCRequest); isReq && req.ID.IsValid() {
		return req.ID, true
	}
	return JSONRPCID{}, false
}

// isMatchingResponse reports whether data decodes to a JSON-RPC response
// correlated to forID.
func isMatchingResponse(data []byte, forID JSONRPCID) bool {
	msg, err := jsonrpc2.DecodeMessage(data)
	if err != nil {
		return false
	}
	resp, ok := msg.(*JSONRPCResponse)
	return ok && resp.ID == forID
}

// forward captures the negotiated protocol version from an initialize
// response, if data carries one, then delivers data to the connection's
// reader. It reports whether delivery succeeded (false once closed).
func (s *streamableClientConn) forward(data []byte) bool {
	s.captureProtocolVersion(data)
	select {
	case s.incoming <- data:
		return true
	case <-s.done:
		return false
	}
}

func (s *streamableClientConn) captureProtocolVersion(data []byte) {
	msg, err := jsonrpc2.DecodeMessage(data)
	if err != nil {
		return
	}
	resp, ok := msg.(*JSONRPCResponse)
	if !ok || resp.Error != nil || len(resp.Result) == 0 {
		return
	}
	var result struct {
		ProtocolVersion string `json:"protocolVersion"`
	}
	if json.Unmarshal(resp.Result, &result) == nil && result.ProtocolVersion != "" {
		s.protocolVersion.Store(result.ProtocolVersion)
	}
}

// maintainStandaloneStream keeps a long-lived GET open for server-initiated
// messages once a session id is known (SPEC_FULL.md §4.7). A server that
// declines the standalone stream (e.g. 405) is not fatal: request/response
// traffic carried over POST does not depend on it.
func (s *streamableClientConn) maintainStandaloneStream() {
	for {
		select {
		case <-s.done:
			return
		default:
		}
		if s.SessionID() != "" {
			break
		}
		select {
		case <-s.done:
			return
		case <-time.After(20 * time.Millisecond):
		}
	}

	ctx, cancel := context.WithCancel(context.Background())
	s.mu.Lock()
	s.cancelStandalone = cancel
	s.mu.Unlock()
	defer cancel()

	_ = s.resume(ctx, JSONRPCID{}, false, nil)
}

// resumeOutcome classifies why a single SSE read attempt stopped.
type resumeOutcome int

const (
	outcomeStreamEnded resumeOutcome = iota
	outcomeNetworkError
	outcomeResponseArrived
)

// resume drives SPEC_FULL.md §4.7's bounded reconnection algorithm for one
// logical stream: either the standalone GET (hasForID false, first nil), or
// the SSE tail of a POST whose correlated response hadn't arrived when its
// stream broke (hasForID true, first the still-open response). It returns
// nil once the awaited response arrives; for the standalone stream it runs
// until attempts are exhausted, the connection closes, or ctx is done.
func (s *streamableClientConn) resume(ctx context.Context, forID JSONRPCID, hasForID bool, first *http.Response) error {
	resp := first
	attempts := 0

	s.mu.Lock()
	needDelay := resp == nil && s.lastEventID != ""
	maxAttempts := s.maxReconnectionAttempts
	s.mu.Unlock()

	for {
		if resp == nil {
			if attempts >= maxAttempts {
				return fmt.Errorf("mcp: exceeded %d reconnection attempts without progress", maxAttempts)
			}
			if needDelay {
				s.mu.Lock()
				delay := s.reconnectInterval
				s.mu.Unlock()
				select {
				case <-ctx.Done():
					return ctx.Err()
				case <-s.done:
					return io.EOF
				case <-time.After(delay):
				}
			}
			needDelay = true

			sessionID := s.SessionID()
			s.mu.Lock()
			lastEventID := s.lastEventID
			s.mu.Unlock()

			got, err := s.getStream(ctx, sessionID, lastEventID)
			if err != nil {
				var statusErr *httpStatusError
				if errors.As(err, &statusErr) && statusErr.StatusCode < 500 {
					return err
				}
				attempts++
				continue
			}
			resp = got
		}

		s.mu.Lock()
		before := s.lastEventID
		s.mu.Unlock()

		outcome, sawEvent, readErr := s.consumeEvents(resp.Body, forID, hasForID)
		resp = nil

		if outcome == outcomeResponseArrived {
			return nil
		}
		if !sawEvent && before == "" {
			return fmt.Errorf("mcp: stream terminated without response: %w", errTerminatedWithoutResponse(readErr))
		}

		s.mu.Lock()
		after := s.lastEventID
		s.mu.Unlock()

		if outcome == outcomeNetworkError || after == before {
			attempts++
		} else {
			attempts = 0 // the replay cursor advanced: we made progress
		}
	}
}

// errTerminatedWithoutResponse wraps the underlying stream error, if any,
// for a stream that ended with nothing to resume from.
func errTerminatedWithoutResponse(cause error) error {
	if cause != nil {
		return cause
	}
	return io.EOF
}

// consumeEvents reads SSE events from body, forwarding each to the incoming
// channel and updating the replay cursor (evt.id) and reconnection interval
// (evt.retry). If hasForID, it stops as soon as a response matching forID is
// seen. sawEvent reports whether any event (even a keepalive) arrived,
// distinguishing "nothing to resume from" from "no progress this round".
func (s *streamableClientConn) consumeEvents(body io.ReadCloser, forID JSONRPCID, hasForID bool) (outcome resumeOutcome, sawEvent bool, err error) {
	defer body.Close()
	for evt, iterErr := range scanEvents(body) {
		if iterErr != nil {
			if iterErr == io.EOF {
				return outcomeStreamEnded, sawEvent, nil
			}
			return outcomeNetworkError, sawEvent, iterErr
		}
		sawEvent = true
		if evt.id != "" {
			s.mu.Lock()
			s.lastEventID = evt.id
			s.mu.Unlock()
		}
		if evt.retry > 0 {
			s.mu.Lock()
			s.reconnectInterval = evt.retry
			s.mu.Unlock()
		}
		if len(evt.data) == 0 {
			continue // "prime"/keepalive event carries no payload
		}
		matched := hasForID && isMatchingResponse(evt.data, forID)
		if !s.forward(evt.data) {
			return outcomeStreamEnded, sawEvent, io.EOF
		}
		if matched {
			return outcomeResponseArrived, sawEvent, nil
		}
	}
	return outcomeStreamEnded, sawEvent, nil
}

// getStream opens the hanging GET used to (re)establish an SSE stream,
// replaying from lastEventID when set.
func (s *streamableClientConn) getStream(ctx context.Context, sessionID, lastEventID string) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("mcp: creating GET request: %w", err)
	}
	if sessionID != "" {
		req.Header.Set(sessionIDHeader, sessionID)
	}
	req.Header.Set("Accept", "text/event-stream")
	if lastEventID != "" {
		req.Header.Set(lastEventIDHeader, lastEventID)
	}
	s.applyHeaders(req)

	resp, err := s.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("mcp: GET request failed: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		resp.Body.Close()
		statusErr := fmt.Errorf("GET returned %d %s: %s", resp.StatusCode, resp.Status, strings.TrimSpace(string(body)))
		if resp.StatusCode == http.StatusNotFound {
			statusErr = fmt.Errorf("%w: %s", ErrSessionMissing, statusErr)
		}
		return nil, &httpStatusError{StatusCode: resp.StatusCode, Err: statusErr}
	}
	return resp, nil
}

// isRetryable reports whether err indicates a transient condition that
// warrants retrying a POST send.
func isRetryable(err error) bool {
	if err == nil {
		return false
	}

	var httpErr *httpStatusError
	if errors.As(err, &httpErr) {
		switch httpErr.StatusCode {
		case http.StatusRequestTimeout,
			http.StatusTooEarly,
			http.StatusTooManyRequests,
			http.StatusInternalServerError,
			http.StatusBadGateway,
			http.StatusServiceUnavailable,
			http.StatusGatewayTimeout:
			return true
		default:
			return false
		}
	}

	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}

	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}

// Close implements the [Connection] interface. It stops the background
// goroutines and, if the transport owns the session, sends a DELETE request
// to terminate it on the server (SPEC_FULL.md §4.7, §6 "owns-session").
func (s *streamableClientConn) Close() error {
	s.closeOnce.Do(func() {
		close(s.done)

		s.mu.Lock()
		if s.cancelStandalone != nil {
			s.cancelStandalone()
		}
		s.mu.Unlock()
		close(s.pendingMessages)

		if !s.ownsSession {
			return
		}
		sessionID := s.SessionID()
		if sessionID == "" {
			return
		}
		req, err := http.NewRequest(http.MethodDelete, s.endpoint, nil)
		if err != nil {
			s.closeErr = fmt.Errorf("mcp: creating DELETE request: %w", err)
			return
		}
		req.Header.Set(sessionIDHeader, sessionID)
		s.applyHeaders(req)
		if _, err := s.client.Do(req); err != nil {
			// Best effort: session termination failure doesn't block Close.
			s.closeErr = fmt.Errorf("mcp: DELETE request failed: %w", err)
		}
	})
	return s.closeErr
}

// httpStatusError wraps an error and includes an HTTP status code.
type httpStatusError struct {
	StatusCode int
	Err        error
}

func (e *httpStatusError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("HTTP status %d: %v", e.StatusCode, e.Err)
	}
	return fmt.Sprintf("HTTP status %d", e.StatusCode)
}

func (e *httpStatusError) Unwrap() error {
	return e.Err
}
