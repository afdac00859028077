// Copyright 2025 The mcpgo Authors. All rights reserved.
// Use of this source code is governed by an MIT-style
// license that can be found in the LICENSE file.

// This file contains code shared between client and server: the method
// handler and middleware definitions that make up the filter pipeline and
// handler registry (session engine components C4 and C6).

package mcp

import (
	"context"
	"fmt"
	"log"
	"reflect"
	"slices"
	"strings"
	"time"

	"github.com/mcpware/mcpgo/internal/json"
	"github.com/mcpware/mcpgo/internal/jsonrpc2"
)

// Meta carries the protocol's reserved "_meta" object. It is embedded by
// value in every Params and Result type, and doubles as the storage for the
// progress token (SPEC_FULL.md §4.4: progress propagation).
type Meta map[string]any

// GetMeta satisfies [Params] and [Result] by promotion.
func (m Meta) GetMeta() map[string]any { return m }

// metaPtr is promoted onto any type embedding Meta by value, giving access to
// the field's address so the map can be lazily allocated.
func (m *Meta) metaPtr() *Meta { return m }

type metaHolder interface {
	GetMeta() map[string]any
	metaPtr() *Meta
}

const progressTokenKey = "progressToken"

// getProgressToken and setProgressToken back the GetProgressToken and
// SetProgressToken methods that protocol.go defines per param type.
func getProgressToken(p metaHolder) any {
	m := p.GetMeta()
	if m == nil {
		return nil
	}
	return m[progressTokenKey]
}

func setProgressToken(p metaHolder, token any) {
	mp := p.metaPtr()
	if *mp == nil {
		*mp = Meta{}
	}
	(*mp)[progressTokenKey] = token
}

// Params is a parameter (input) type for an MCP call or notification. The
// unexported marker keeps this a closed set: only types declared in this
// module (see protocol.go) may satisfy it.
type Params interface {
	GetMeta() map[string]any
	isParams()
}

// Result is a result of an MCP call. See [Params] for why the marker is
// unexported.
type Result interface {
	GetMeta() map[string]any
	isResult()
}

// emptyResult is returned by methods that have no result, like ping.
type emptyResult struct{}

func (*emptyResult) GetMeta() map[string]any { return nil }
func (*emptyResult) isResult()                {}

// listParams is implemented by paginated request params.
type listParams interface {
	cursorPtr() *string
}

// listResult is implemented by paginated results.
type listResult[T any] interface {
	nextCursorPtr() *string
}

// ServerRequest wraps an incoming request as seen by a server-side handler:
// the originating session and the typed params.
type ServerRequest[P Params] struct {
	Session *ServerSession
	Params  P
}

// ClientRequest wraps an incoming request as seen by a client-side handler.
type ClientRequest[P Params] struct {
	Session *ClientSession
	Params  P
}

// A MethodHandler handles MCP messages, both requests and notifications. For
// a request, exactly one of the return values must be nil; for a
// notification, both must be nil.
type MethodHandler[S Session] func(ctx context.Context, session S, method string, params Params) (Result, error)

// methodHandler is a MethodHandler[S] for some session type, with the type
// parameter erased so it can be stored in a Session implementation without
// creating a type cycle.
type methodHandler any // MethodHandler[*ClientSession] | MethodHandler[*ServerSession]

// Session is either a ClientSession or a ServerSession. It is the type
// constraint shared by MethodHandler, Middleware and the dispatch helpers
// below.
type Session interface {
	*ClientSession | *ServerSession
	sendingMethodInfos() map[string]methodInfo
	receivingMethodInfos() map[string]methodInfo
	sendingMethodHandler() methodHandler
	receivingMethodHandler() methodHandler
	getConn() *connection
}

// Middleware is a function from MethodHandlers to MethodHandlers, used to
// build the filter pipeline (SPEC_FULL.md §4.4).
type Middleware[S Session] func(MethodHandler[S]) MethodHandler[S]

// addMiddleware wraps *handlerp with middleware, outermost first: the first
// middleware given is the first one to observe a message.
func addMiddleware[S Session](handlerp *MethodHandler[S], middleware []Middleware[S]) {
	for _, m := range slices.Backward(middleware) {
		*handlerp = m(*handlerp)
	}
}

func defaultSendingMethodHandler[S Session](ctx context.Context, session S, method string, params Params) (Result, error) {
	info, ok := session.sendingMethodInfos()[method]
	if !ok {
		return nil, fmt.Errorf("%w: %q", jsonrpc2.ErrNotHandled, method)
	}
	if strings.HasPrefix(method, "notifications/") {
		return nil, session.getConn().notify(ctx, method, params)
	}
	res := info.newResult()
	if err := session.getConn().call(ctx, method, params, res); err != nil {
		return nil, err
	}
	return res, nil
}

func handleNotify[S Session](ctx context.Context, session S, method string, params Params) error {
	mh := session.sendingMethodHandler().(MethodHandler[S])
	_, err := mh(ctx, session, method, params)
	return err
}

func handleSend[R Result, S Session](ctx context.Context, s S, method string, params Params) (R, error) {
	mh := s.sendingMethodHandler().(MethodHandler[S])
	res, err := mh(ctx, s, method, params)
	if err != nil {
		var z R
		return z, err
	}
	return res.(R), nil
}

// defaultReceivingMethodHandler is the initial MethodHandler for servers and
// clients, before being wrapped by middleware: it dispatches to the handler
// registry (C6).
func defaultReceivingMethodHandler[S Session](ctx context.Context, session S, method string, params Params) (Result, error) {
	info, ok := session.receivingMethodInfos()[method]
	if !ok {
		return nil, fmt.Errorf("%w: %q", jsonrpc2.ErrNotHandled, method)
	}
	return info.handleMethod.(MethodHandler[S])(ctx, session, method, params)
}

func handleReceive[S Session](ctx context.Context, session S, req *jsonrpc2.Request) (Result, error) {
	info, ok := session.receivingMethodInfos()[req.Method]
	if !ok {
		return nil, fmt.Errorf("%w: %q", jsonrpc2.ErrNotHandled, req.Method)
	}
	params, err := info.unmarshalParams(req.Params)
	if err != nil {
		return nil, fmt.Errorf("unmarshaling params for %q: %w", req.Method, err)
	}
	mh := session.receivingMethodHandler().(MethodHandler[S])
	return mh(ctx, session, req.Method, params)
}

// methodInfo is information about sending and receiving a method: how to
// unmarshal its params, how to dispatch a call to it, and how to allocate
// its result.
type methodInfo struct {
	unmarshalParams func(json.RawMessage) (Params, error)
	handleMethod    methodHandler
	newResult       func() Result
}

// typedMethodHandler is like a MethodHandler, but with concrete param and
// result types, prior to erasure into a methodInfo.
type typedMethodHandler[S Session, P Params, R Result] func(context.Context, S, P) (R, error)

func newMethodInfo[S Session, P Params, R Result](d typedMethodHandler[S, P, R]) methodInfo {
	return methodInfo{
		unmarshalParams: func(m json.RawMessage) (Params, error) {
			var p P
			if m != nil {
				if err := json.Unmarshal(m, &p); err != nil {
					return nil, fmt.Errorf("unmarshaling %q into a %T: %w", m, p, err)
				}
			}
			return p, nil
		},
		handleMethod: MethodHandler[S](func(ctx context.Context, session S, _ string, params Params) (Result, error) {
			return d(ctx, session, params.(P))
		}),
		newResult: func() Result { return reflect.New(reflect.TypeFor[R]().Elem()).Interface().(R) },
	}
}

// serverMethod adapts a method on Server into a typedMethodHandler bound to
// the session that carries it.
func serverMethod[P Params, R Result](f func(*Server, context.Context, *ServerSession, P) (R, error)) typedMethodHandler[*ServerSession, P, R] {
	return func(ctx context.Context, ss *ServerSession, p P) (R, error) {
		return f(ss.server, ctx, ss, p)
	}
}

// clientMethod adapts a method on Client into a typedMethodHandler.
func clientMethod[P Params, R Result](f func(*Client, context.Context, *ClientSession, P) (R, error)) typedMethodHandler[*ClientSession, P, R] {
	return func(ctx context.Context, cs *ClientSession, p P) (R, error) {
		return f(cs.client, ctx, cs, p)
	}
}

// sessionMethod adapts a method on a session itself into a typedMethodHandler.
func sessionMethod[S Session, P Params, R Result](f func(S, context.Context, P) (R, error)) typedMethodHandler[S, P, R] {
	return func(ctx context.Context, sess S, p P) (R, error) {
		return f(sess, ctx, p)
	}
}

func callNotificationHandler[S Session, P any](ctx context.Context, h func(context.Context, S, *P), sess S, params *P) (Result, error) {
	if h != nil {
		h(ctx, sess, params)
	}
	return nil, nil
}

// notifySessions calls Notify on all the given sessions, logging (rather
// than propagating) individual failures. It should be called on a snapshot
// of the peer sessions, never while holding the lock that protects them.
func notifySessions[S Session](sessions []S, method string, params Params) {
	if sessions == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	for _, s := range sessions {
		if err := handleNotify(ctx, s, method, params); err != nil {
			log.Printf("notifying %s: %v", method, err)
		}
	}
}
