// Copyright 2025 The mcpgo Authors. All rights reserved.
// Use of this source code is governed by an MIT-style
// license that can be found in the LICENSE file.

// This file implements the auth middleware (C14): a bearer-JWT verification
// filter that populates the per-session security-principal slot before a
// request ever reaches the session engine.

package mcp

import (
	"context"
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v5"
	"github.com/mcpware/mcpgo/internal/jsonrpc2"
)

// A Principal is the verified identity carried by an inbound request, once
// its bearer token has been checked by [NewBearerAuthMiddleware].
type Principal struct {
	Subject string
	Scopes  []string
	Claims  jwt.MapClaims
}

// HasScope reports whether p carries the given scope.
func (p *Principal) HasScope(scope string) bool {
	if p == nil {
		return false
	}
	for _, s := range p.Scopes {
		if s == scope {
			return true
		}
	}
	return false
}

type principalContextKey struct{}

func contextWithPrincipal(ctx context.Context, p *Principal) context.Context {
	return context.WithValue(ctx, principalContextKey{}, p)
}

func principalFromContext(ctx context.Context) *Principal {
	p, _ := ctx.Value(principalContextKey{}).(*Principal)
	return p
}

// NewBearerAuthMiddleware wraps next with bearer-token verification: it
// extracts the Authorization: Bearer <token> header, parses and verifies it
// with keyfunc, and on success attaches a *Principal to the request context
// before calling next. On failure it writes a JSON-RPC error response
// (CodeUnauthorized) and never calls next.
//
// keyfunc is the caller's [jwt.Keyfunc]; token *acquisition* (an OAuth flow)
// is out of scope here — this middleware only verifies a token already
// presented on the request.
func NewBearerAuthMiddleware(keyfunc jwt.Keyfunc, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		token, ok := bearerToken(req)
		if !ok {
			writeUnauthorized(w, "missing bearer token")
			return
		}
		claims := jwt.MapClaims{}
		parsed, err := jwt.ParseWithClaims(token, claims, keyfunc)
		if err != nil || !parsed.Valid {
			writeUnauthorized(w, "invalid bearer token")
			return
		}
		p := &Principal{Claims: claims}
		if sub, err := claims.GetSubject(); err == nil {
			p.Subject = sub
		}
		if scope, _ := claims["scope"].(string); scope != "" {
			p.Scopes = strings.Fields(scope)
		}
		next.ServeHTTP(w, req.WithContext(contextWithPrincipal(req.Context(), p)))
	})
}

func bearerToken(req *http.Request) (string, bool) {
	auth := req.Header.Get("Authorization")
	token, ok := strings.CutPrefix(auth, "Bearer ")
	if !ok || token == "" {
		return "", false
	}
	return token, true
}

// writeUnauthorized replies with a JSON-RPC error response carrying
// CodeUnauthorized, per spec.md §7's application-range error codes.
func writeUnauthorized(w http.ResponseWriter, msg string) {
	resp, err := jsonrpc2.NewResponse(jsonrpc2.ID{}, nil, jsonrpc2.NewError(jsonrpc2.CodeUnauthorized, msg))
	if err == nil {
		if data, merr := jsonrpc2.EncodeMessage(resp); merr == nil {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusUnauthorized)
			w.Write(data)
			return
		}
	}
	http.Error(w, msg, http.StatusUnauthorized)
}
