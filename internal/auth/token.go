// SPDX-License-Identifier: AGPL-3.0-or-later
// Copyright (C) 2026 aPlane Authors

package auth

import (
	"context"
	"strings"

	"github.com/aplane-algo/bssigner/internal/util"
)

// PasswordHashAuthenticator checks the connection password hash of signer clients.
// An empty expected hash accepts every client.
type PasswordHashAuthenticator struct {
	expectedHash string
}

// NewPasswordHashAuthenticator creates an authenticator for the configured hex hash.
func NewPasswordHashAuthenticator(expectedHash string) *PasswordHashAuthenticator {
	return &PasswordHashAuthenticator{expectedHash: strings.ToLower(strings.TrimSpace(expectedHash))}
}

// Required reports whether clients must present a password hash.
func (a *PasswordHashAuthenticator) Required() bool {
	return a.expectedHash != ""
}

// Authenticate compares the presented hash in constant time.
func (a *PasswordHashAuthenticator) Authenticate(_ context.Context, cred Credentials) (*Identity, error) {
	method := a.Method()
	if a.Required() {
		if cred.PasswordHash == "" {
			return nil, ErrNoCredentials
		}
		if !util.ValidateToken(strings.ToLower(cred.PasswordHash), a.expectedHash) {
			return nil, ErrInvalidCredentials
		}
	} else {
		method = "anonymous"
	}

	id := &Identity{ID: cred.ClientID, Type: "client", Method: method}
	if cred.ClientName != "" {
		id.Metadata = map[string]string{"name": cred.ClientName}
	}
	return id, nil
}

// Method returns the authentication method name
func (a *PasswordHashAuthenticator) Method() string {
	return "password-hash"
}

// TokenAuthenticator validates the approver UI's token.
type TokenAuthenticator struct {
	expectedToken string
}

// NewTokenAuthenticator creates a new token authenticator
func NewTokenAuthenticator(expectedToken string) *TokenAuthenticator {
	return &TokenAuthenticator{
		expectedToken: expectedToken,
	}
}

// Authenticate validates the presented token.
func (t *TokenAuthenticator) Authenticate(_ context.Context, cred Credentials) (*Identity, error) {
	if cred.Token == "" {
		return nil, ErrNoCredentials
	}
	if !util.ValidateToken(cred.Token, t.expectedToken) {
		return nil, ErrInvalidCredentials
	}
	return &Identity{
		ID:     cred.ClientID,
		Type:   "approver",
		Method: t.Method(),
	}, nil
}

// Method returns the authentication method name
func (t *TokenAuthenticator) Method() string {
	return "approver-token"
}

// Compile-time interface checks
var (
	_ Authenticator = (*PasswordHashAuthenticator)(nil)
	_ Authenticator = (*TokenAuthenticator)(nil)
)
