// Copyright (C) 2026 Synesis AI
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package middleware provides the gateway's HTTP middleware.
//
// Identity resolution, not authentication: the gateway needs a stable
// per-caller key for conversational memory and pending-question resume,
// not an identity provider. Deployments that require real auth put the
// gateway behind one.
package middleware

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"

	"github.com/gin-gonic/gin"
)

// userIDKey is the gin-context key for the resolved user identity.
const userIDKey = "synesis_user_id"

// AnonymousUser is the identity for requests with no user field and no
// bearer token. All such callers share one memory bucket.
const AnonymousUser = "anonymous"

// UserID returns the identity resolved by Identity middleware.
func UserID(c *gin.Context) string {
	if v, ok := c.Get(userIDKey); ok {
		if id, ok := v.(string); ok {
			return id
		}
	}
	return AnonymousUser
}

// SetUserID overrides the resolved identity. Handlers call this when
// the request body carries an explicit user field, which wins over the
// token-derived identity.
func SetUserID(c *gin.Context, id string) {
	c.Set(userIDKey, id)
}

// Identity resolves a stable caller key from the Authorization header.
//
// Description:
//
//	A bearer token is hashed, never stored or logged: the gateway needs
//	"same caller as last time", not "who is this". Missing or malformed
//	headers resolve to the shared anonymous identity rather than a 401.
func Identity() gin.HandlerFunc {
	return func(c *gin.Context) {
		id := AnonymousUser
		header := c.GetHeader("Authorization")
		if token, ok := strings.CutPrefix(header, "Bearer "); ok {
			token = strings.TrimSpace(token)
			if token != "" {
				sum := sha256.Sum256([]byte(token))
				id = hex.EncodeToString(sum[:16])
			}
		}
		c.Set(userIDKey, id)
		c.Next()
	}
}
