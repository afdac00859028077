// Copyright 2025 The mcpgo Authors. All rights reserved.
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

// Package json centralizes the JSON codec used on the wire path so the rest
// of the module can swap implementations in one place.
package json

import (
	"bytes"
	"errors"
	"io"

	"github.com/segmentio/encoding/json"
)

// Marshal encodes v using the module's JSON codec.
func Marshal(v any) ([]byte, error) {
	return json.Marshal(v)
}

// Unmarshal decodes data into v using the module's JSON codec. Object keys
// match struct field names and tags case-sensitively.
func Unmarshal(data []byte, v any) error {
	rest, err := json.Parse(data, v, json.DontMatchCaseInsensitiveStructFields)
	if err == nil && len(bytes.TrimSpace(rest)) != 0 {
		err = errors.New("json: unexpected data after top-level value")
	}
	return err
}

// MarshalIndent is like Marshal but applies prefix and indent to each
// element, for human-readable output such as conformance test fixtures.
func MarshalIndent(v any, prefix, indent string) ([]byte, error) {
	return json.MarshalIndent(v, prefix, indent)
}

// NewEncoder returns an encoder writing to w.
func NewEncoder(w io.Writer) *json.Encoder {
	return json.NewEncoder(w)
}

// NewDecoder returns a decoder reading from r.
func NewDecoder(r io.Reader) *json.Decoder {
	return json.NewDecoder(r)
}

// RawMessage is a re-export so callers need not import segmentio's package
// directly.
type RawMessage = json.RawMessage
