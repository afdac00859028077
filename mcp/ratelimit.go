// Copyright 2025 The mcpgo Authors. All rights reserved.
// Use of this source code is governed by an MIT-style
// license that can be found in the LICENSE file.

// This file implements the rate-limiting middleware (C15): a token-bucket
// throttle over inbound request dispatch.

package mcp

import (
	"context"

	"github.com/mcpware/mcpgo/internal/jsonrpc2"
	"golang.org/x/time/rate"
)

// NewRateLimitMiddleware returns a [Middleware] that throttles dispatch of
// every method through a single shared [rate.Limiter] with the given rate
// and burst. A call that would exceed the limit blocks in Wait until a
// token is available or ctx is done; a dispatch cancelled while waiting is
// classified as a cancellation error, not a handler error, so it never
// looks like the handler itself failed.
func NewRateLimitMiddleware[S Session](r rate.Limit, burst int) Middleware[S] {
	limiter := rate.NewLimiter(r, burst)
	return func(next MethodHandler[S]) MethodHandler[S] {
		return func(ctx context.Context, session S, method string, params Params) (Result, error) {
			if err := limiter.Wait(ctx); err != nil {
				return nil, jsonrpc2.NewError(jsonrpc2.CodeCancelled, err.Error())
			}
			return next(ctx, session, method, params)
		}
	}
}
