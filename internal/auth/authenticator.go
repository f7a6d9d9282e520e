// SPDX-License-Identifier: AGPL-3.0-or-later
// Copyright (C) 2026 aPlane Authors

// Package auth provides authentication and authorization for signer sessions.
//
// Signer clients authenticate with the hex SHA-256 of a connection password;
// the interactive approver authenticates with a token read from the data directory.
package auth

import (
	"context"
	"errors"
)

// Common authentication errors
var (
	// ErrNoCredentials indicates no authentication credentials were provided
	ErrNoCredentials = errors.New("no authentication credentials provided")

	// ErrInvalidCredentials indicates the provided credentials are invalid
	ErrInvalidCredentials = errors.New("invalid authentication credentials")
)

// Identity represents an authenticated entity
type Identity struct {
	// ID is the session's client id
	ID string

	// Type indicates the kind of identity ("client", "approver")
	Type string

	// Method is the authentication method used ("password-hash", "anonymous", "approver-token")
	Method string

	// Metadata contains additional attributes such as the client name
	Metadata map[string]string
}

// Credentials are what a connecting peer presents.
type Credentials struct {
	ClientID     string
	ClientName   string
	PasswordHash string
	Token        string
}

// Authenticator validates credentials and returns the authenticated identity
type Authenticator interface {
	// Authenticate returns ErrNoCredentials if nothing usable was presented
	// and ErrInvalidCredentials if the credentials are wrong.
	Authenticate(ctx context.Context, cred Credentials) (*Identity, error)

	// Method returns the authentication method name (for logging/debugging)
	Method() string
}
