// Copyright 2025 The mcpgo Authors. All rights reserved.
// Use of this source code is governed by an MIT-style
// license that can be found in the LICENSE file.

// Package jsonrpc2 implements the wire envelope for JSON-RPC 2.0: the four
// message variants (request, response, error, notification), their
// marshaling, and the error codes carried on the wire. It has no notion of
// transports, sessions, or MCP methods — those live in package mcp.
package jsonrpc2

import (
	"errors"
	"fmt"
	"io"

	"github.com/mcpware/mcpgo/internal/json"
)

// RawMessage re-exports the module's raw JSON type, so callers outside
// internal/json need not import it directly.
type RawMessage = json.RawMessage

// ErrNotHandled is returned by a [MethodHandler] when it has no registered
// handler for a method. It is not itself sent over the wire; callers
// translate it to CodeMethodNotFound or CodeUnsupportedMethod as
// appropriate.
var ErrNotHandled = errors.New("jsonrpc2: not handled")

// Standard JSON-RPC 2.0 error codes.
const (
	CodeParseError     = -32700
	CodeInvalidRequest = -32600
	CodeMethodNotFound = -32601
	CodeInvalidParams  = -32602
	CodeInternalError  = -32603
)

// Application-range error codes used within this module.
const (
	// CodeResourceNotFound is returned for resources/read on an unknown URI.
	//
	// The MCP spec's suggested code collides with -32002 ("server closing") in
	// this package's reserved range, so a distinct value is used here (see
	// https://github.com/modelcontextprotocol/modelcontextprotocol/issues/509).
	CodeResourceNotFound = -31002
	// CodeUnsupportedMethod is used when a peer recognizes a method but never
	// registered a handler or advertised the capability for it.
	CodeUnsupportedMethod = -31001
	// CodeCancelled is returned to a caller whose request was cancelled,
	// locally or by the peer.
	CodeCancelled = -32800
	// CodeConnectionClosed is the code reserved for a closed connection. The
	// session engine does not attach it to errors: requests still pending
	// when a session closes fail with mcp.ErrConnectionClosed, which carries
	// no code.
	CodeConnectionClosed = -32099
	// CodeUnauthorized is returned by auth middleware for a missing or
	// invalid bearer token.
	CodeUnauthorized = -31003
)

// ID is a JSON-RPC request identifier: a non-null string, a non-null
// integer, or absent (for notifications). The zero ID is invalid.
type ID struct {
	value any // nil, string, or int64
}

// StringID creates a new string request identifier.
func StringID(s string) ID { return ID{value: s} }

// Int64ID creates a new integer request identifier.
func Int64ID(i int64) ID { return ID{value: i} }

// IsValid reports whether id identifies a request (as opposed to a
// notification, or the absence of an id).
func (id ID) IsValid() bool { return id.value != nil }

// Raw returns the underlying value of the ID: nil, a string, or an int64.
func (id ID) Raw() any { return id.value }

func (id ID) String() string {
	switch v := id.value.(type) {
	case nil:
		return "<nil>"
	case string:
		return v
	case int64:
		return fmt.Sprintf("%d", v)
	default:
		return fmt.Sprintf("%v", v)
	}
}

// MakeID coerces a decoded JSON value (nil, float64, or string) into an ID.
func MakeID(v any) (ID, error) {
	switch v := v.(type) {
	case nil:
		return ID{}, nil
	case float64:
		return Int64ID(int64(v)), nil
	case int64:
		return Int64ID(v), nil
	case string:
		return StringID(v), nil
	default:
		return ID{}, fmt.Errorf("jsonrpc2: invalid id type %T", v)
	}
}

func (id ID) MarshalJSON() ([]byte, error) {
	return json.Marshal(id.value)
}

func (id *ID) UnmarshalJSON(data []byte) error {
	var v any
	if err := json.Unmarshal(data, &v); err != nil {
		return err
	}
	got, err := MakeID(v)
	if err != nil {
		return err
	}
	*id = got
	return nil
}

// Message is the interface implemented by the two wire message shapes:
// [Request] (a call or a notification, depending on whether ID is valid)
// and [Response] (a reply, possibly carrying an error).
//
// This is a closed set: no other types implement Message.
type Message interface {
	isMessage()
}

// WireError is the error shape carried inside a Response, and the Go error
// type returned to callers for any failure that originated as, or was
// classified as, a JSON-RPC error. It satisfies the standard error interface.
type WireError struct {
	Code    int64           `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data,omitempty"`
}

func (e *WireError) Error() string {
	if e == nil {
		return "<nil>"
	}
	return fmt.Sprintf("jsonrpc2: code %d: %s", e.Code, e.Message)
}

// NewError constructs a *WireError with the given code and message.
func NewError(code int64, message string) *WireError {
	return &WireError{Code: code, Message: message}
}

// Request is a call (ID.IsValid()) or a notification (!ID.IsValid()).
type Request struct {
	ID     ID
	Method string
	Params json.RawMessage
}

func (*Request) isMessage() {}

// IsCall reports whether the request expects a response.
func (r *Request) IsCall() bool { return r.ID.IsValid() }

// NewNotification constructs a Request with no ID.
func NewNotification(method string, params any) (*Request, error) {
	raw, err := marshalToRaw(params)
	if err != nil {
		return nil, err
	}
	return &Request{Method: method, Params: raw}, nil
}

// NewCall constructs a Request with the given ID.
func NewCall(id ID, method string, params any) (*Request, error) {
	raw, err := marshalToRaw(params)
	if err != nil {
		return nil, err
	}
	return &Request{ID: id, Method: method, Params: raw}, nil
}

// Response is a reply to a call Request, carrying exactly one of Result or
// Error.
type Response struct {
	ID     ID
	Result json.RawMessage
	Error  error // a *WireError, when non-nil
}

func (*Response) isMessage() {}

// NewResponse constructs a Response for the given id. If err is non-nil,
// result is ignored.
func NewResponse(id ID, result any, err error) (*Response, error) {
	if err != nil {
		return &Response{ID: id, Error: err}, nil
	}
	raw, merr := marshalToRaw(result)
	if merr != nil {
		return nil, merr
	}
	return &Response{ID: id, Result: raw}, nil
}

// wireCombined is the on-the-wire union of all message shapes, used for
// content-sniffed decoding per the rule in spec.md §4.1: method+id → request,
// method only → notification, error → error response, result → response.
type wireCombined struct {
	VersionTag string          `json:"jsonrpc"`
	ID         any             `json:"id,omitempty"`
	Method     string          `json:"method,omitempty"`
	Params     json.RawMessage `json:"params,omitempty"`
	Result     json.RawMessage `json:"result,omitempty"`
	Error      *WireError      `json:"error,omitempty"`
}

const wireVersion = "2.0"

func toWireCombined(msg Message) (wireCombined, error) {
	wire := wireCombined{VersionTag: wireVersion}
	switch m := msg.(type) {
	case *Request:
		if m.ID.IsValid() {
			wire.ID = m.ID.Raw()
		}
		wire.Method = m.Method
		wire.Params = m.Params
	case *Response:
		wire.ID = m.ID.Raw()
		wire.Result = m.Result
		if m.Error != nil {
			wire.Error = toWireError(m.Error)
		}
	default:
		return wireCombined{}, fmt.Errorf("jsonrpc2: unknown message type %T", msg)
	}
	return wire, nil
}

// EncodeMessage serializes msg to its wire form.
func EncodeMessage(msg Message) ([]byte, error) {
	wire, err := toWireCombined(msg)
	if err != nil {
		return nil, err
	}
	data, err := json.Marshal(&wire)
	if err != nil {
		return nil, fmt.Errorf("jsonrpc2: marshaling message: %w", err)
	}
	return data, nil
}

// EncodeIndent is like [EncodeMessage], but calls json.MarshalIndent with the
// given prefix and indent, for human-readable output such as conformance
// test fixtures.
func EncodeIndent(msg Message, prefix, indent string) ([]byte, error) {
	wire, err := toWireCombined(msg)
	if err != nil {
		return nil, err
	}
	data, err := json.MarshalIndent(&wire, prefix, indent)
	if err != nil {
		return nil, fmt.Errorf("jsonrpc2: marshaling message: %w", err)
	}
	return data, nil
}

// EncodeMessageTo is like [EncodeMessage], but writes the wire form to w
// instead of returning it.
func EncodeMessageTo(w io.Writer, msg Message) error {
	data, err := EncodeMessage(msg)
	if err != nil {
		return err
	}
	_, err = w.Write(data)
	return err
}

func toWireError(err error) *WireError {
	if err == nil {
		return nil
	}
	if we, ok := err.(*WireError); ok {
		return we
	}
	return &WireError{Code: CodeInternalError, Message: err.Error()}
}

// DecodeMessage parses data into the matching Message variant, per the
// content-sniffing rule of spec.md §4.1. It returns a *WireError with code
// CodeParseError wrapped as a Go error on malformed JSON, exactly as the
// session engine's read loop expects so it can log-and-drop (spec.md §7).
// A message with object keys that differ only in case (such as "name" and
// "Name" in the same object) is rejected with CodeInvalidRequest.
func DecodeMessage(data []byte) (Message, error) {
	var wire wireCombined
	if err := json.Unmarshal(data, &wire); err != nil {
		return nil, NewError(CodeParseError, fmt.Sprintf("parse error: %v", err))
	}
	if err := validateNoDuplicateKeys(data); err != nil {
		return nil, NewError(CodeInvalidRequest, err.Error())
	}
	switch {
	case wire.Method != "":
		id, err := MakeID(wire.ID)
		if err != nil {
			return nil, NewError(CodeInvalidRequest, err.Error())
		}
		return &Request{ID: id, Method: wire.Method, Params: wire.Params}, nil
	case wire.Error != nil:
		id, err := MakeID(wire.ID)
		if err != nil {
			return nil, NewError(CodeInvalidRequest, err.Error())
		}
		return &Response{ID: id, Error: wire.Error}, nil
	case wire.Result != nil:
		id, err := MakeID(wire.ID)
		if err != nil {
			return nil, NewError(CodeInvalidRequest, err.Error())
		}
		return &Response{ID: id, Result: wire.Result}, nil
	default:
		return nil, NewError(CodeParseError, "message has none of method, error, or result")
	}
}

func marshalToRaw(v any) (json.RawMessage, error) {
	if v == nil {
		return nil, nil
	}
	data, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return json.RawMessage(data), nil
}
