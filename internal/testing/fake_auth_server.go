// Copyright 2025 The mcpgo Authors. All rights reserved.
// Use of this source code is governed by an MIT-style
// license that can be found in the LICENSE file.

// Package testing provides fixtures shared by the mcp package's tests.
package testing

import (
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// TestSigningKey is the HMAC key used by [NewTestToken] and [TestKeyfunc],
// for tests that exercise bearer-token handling without a real issuer.
var TestSigningKey = []byte("test-signing-key")

// TestKeyfunc is a [jwt.Keyfunc] that accepts any HS256 token signed with
// TestSigningKey.
func TestKeyfunc(token *jwt.Token) (any, error) {
	return TestSigningKey, nil
}

// NewTestToken mints an HS256 JWT signed with TestSigningKey, with the given
// subject and scope claims and a one-hour expiry.
func NewTestToken(subject, scope string) (string, error) {
	now := time.Now()
	claims := jwt.MapClaims{
		"sub": subject,
		"iat": now.Unix(),
		"exp": now.Add(time.Hour).Unix(),
	}
	if scope != "" {
		claims["scope"] = scope
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(TestSigningKey)
}
