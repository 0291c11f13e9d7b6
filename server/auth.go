// Copyright 2025 The Doof Authors
// SPDX-License-Identifier: Apache-2.0

package server

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
)

const sessionTTL = 24 * time.Hour

var errInvalidCredentials = errors.New("invalid credentials")

// authManager issues and validates the bearer tokens guarding the admin
// endpoints. Tokens live in memory: restarting the server logs everyone out.
type authManager struct {
	email    string
	password string

	mu       sync.Mutex
	sessions map[string]time.Time
}

func newAuthManager(email, password string) *authManager {
	return &authManager{
		email:    email,
		password: password,
		sessions: make(map[string]time.Time),
	}
}

// login checks the credentials and returns a fresh token.
func (a *authManager) login(email, password string) (string, error) {
	if a.email == "" || a.password == "" {
		return "", errors.New("admin credentials are not configured")
	}

	// Compare both fields unconditionally so the timing doesn't reveal
	// which one was wrong.
	emailOK := subtle.ConstantTimeCompare([]byte(email), []byte(a.email)) == 1
	passwordOK := subtle.ConstantTimeCompare([]byte(password), []byte(a.password)) == 1

	if !emailOK || !passwordOK {
		return "", errInvalidCredentials
	}

	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generating session token: %w", err)
	}

	token := hex.EncodeToString(buf)

	a.mu.Lock()
	a.sessions[token] = time.Now()
	a.mu.Unlock()

	return token, nil
}

// valid reports whether the token belongs to a live session. Expired
// sessions are dropped on the way out.
func (a *authManager) valid(token string) bool {
	a.mu.Lock()
	defer a.mu.Unlock()

	issued, ok := a.sessions[token]
	if !ok {
		return false
	}

	if time.Since(issued) > sessionTTL {
		delete(a.sessions, token)

		return false
	}

	return true
}

// requireAuth is the gin middleware for the /api/admin group.
func (a *authManager) requireAuth(ctx *gin.Context) {
	token, ok := strings.CutPrefix(ctx.GetHeader("Authorization"), "Bearer ")
	if !ok || !a.valid(token) {
		ctx.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
			"success": false,
			"error":   "authentication required",
		})

		return
	}

	ctx.Next()
}
