// Copyright 2025 The mcpgo Authors. All rights reserved.
// Use of this source code is governed by an MIT-style
// license that can be found in the LICENSE file.

// Package jsonrpc exposes the JSON-RPC 2.0 error codes and error type used
// throughout mcpgo, so that callers can classify failures returned from a
// session (spec.md §7) without reaching into internal packages.
package jsonrpc

import "github.com/mcpware/mcpgo/internal/jsonrpc2"

// Error is returned by session calls that fail with a JSON-RPC error, and is
// also the type encoded into outgoing error replies. It wraps the wire error
// shape, so errors.As(err, new(*jsonrpc.Error)) recovers the code.
type Error = jsonrpc2.WireError

// Standard JSON-RPC 2.0 error codes (spec.md §7).
const (
	CodeParseError     = jsonrpc2.CodeParseError
	CodeInvalidRequest = jsonrpc2.CodeInvalidRequest
	CodeMethodNotFound = jsonrpc2.CodeMethodNotFound
	CodeInvalidParams  = jsonrpc2.CodeInvalidParams
	CodeInternalError  = jsonrpc2.CodeInternalError
)

// Application-range error codes (spec.md §7 and SPEC_FULL.md §7).
const (
	CodeResourceNotFound  = jsonrpc2.CodeResourceNotFound
	CodeUnsupportedMethod = jsonrpc2.CodeUnsupportedMethod
	CodeCancelled         = jsonrpc2.CodeCancelled
	CodeConnectionClosed  = jsonrpc2.CodeConnectionClosed
	CodeUnauthorized      = jsonrpc2.CodeUnauthorized
)

// NewError constructs an *Error with the given code and message.
func NewError(code int64, message string) *Error {
	return jsonrpc2.NewError(code, message)
}
