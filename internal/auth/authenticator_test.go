// SPDX-License-Identifier: AGPL-3.0-or-later
// Copyright (C) 2026 aPlane Authors

package auth

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/aplane-algo/bssigner/internal/util"
)

func TestPasswordHashAuthenticator(t *testing.T) {
	hash := util.HashPassword("s3cret")
	auth := NewPasswordHashAuthenticator(hash)

	tests := []struct {
		name    string
		cred    Credentials
		wantErr error
	}{
		{"correct hash", Credentials{ClientID: "c1", PasswordHash: hash}, nil},
		{"uppercase hash", Credentials{ClientID: "c1", PasswordHash: strings.ToUpper(hash)}, nil},
		{"wrong hash", Credentials{ClientID: "c1", PasswordHash: util.HashPassword("guess")}, ErrInvalidCredentials},
		{"missing hash", Credentials{ClientID: "c1"}, ErrNoCredentials},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			id, err := auth.Authenticate(context.Background(), tt.cred)
			if !errors.Is(err, tt.wantErr) {
				t.Fatalf("Authenticate() error = %v, want %v", err, tt.wantErr)
			}
			if err != nil {
				return
			}
			if id.ID != "c1" || id.Method != "password-hash" || id.Type != "client" {
				t.Errorf("unexpected identity %+v", id)
			}
		})
	}
}

func TestPasswordHashAuthenticator_NoPasswordConfigured(t *testing.T) {
	auth := NewPasswordHashAuthenticator("")
	if auth.Required() {
		t.Fatal("empty hash should not require a password")
	}

	id, err := auth.Authenticate(context.Background(), Credentials{ClientID: "c2", ClientName: "terminal", PasswordHash: "anything"})
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if id.Method != "anonymous" {
		t.Errorf("expected method 'anonymous', got %q", id.Method)
	}
	if id.Metadata["name"] != "terminal" {
		t.Errorf("expected client name in metadata, got %v", id.Metadata)
	}
}

func TestTokenAuthenticator(t *testing.T) {
	auth := NewTokenAuthenticator("approver-token-123")

	if _, err := auth.Authenticate(context.Background(), Credentials{}); err != ErrNoCredentials {
		t.Errorf("expected ErrNoCredentials, got %v", err)
	}
	if _, err := auth.Authenticate(context.Background(), Credentials{Token: "wrong"}); err != ErrInvalidCredentials {
		t.Errorf("expected ErrInvalidCredentials, got %v", err)
	}

	id, err := auth.Authenticate(context.Background(), Credentials{ClientID: "ui", Token: "approver-token-123"})
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if id.Type != "approver" || id.Method != "approver-token" {
		t.Errorf("unexpected identity %+v", id)
	}
}

func TestTokenAuthenticator_EmptyExpectedTokenRejectsAll(t *testing.T) {
	auth := NewTokenAuthenticator("")
	if _, err := auth.Authenticate(context.Background(), Credentials{Token: "x"}); err != ErrInvalidCredentials {
		t.Errorf("expected ErrInvalidCredentials, got %v", err)
	}
}

func TestDenyListAuthorizer(t *testing.T) {
	authz := NewDenyListAuthorizer([]string{"GetRootKey", " deletehdwallet ", ""})
	id := &Identity{ID: "c1", Type: "client"}
	wallet := Resource{Type: "wallet", ID: "w1"}

	cases := []struct {
		action  Action
		wantErr error
	}{
		{"SignTX", nil},
		{"GetRootKey", ErrForbidden},
		{"DeleteHDWallet", ErrForbidden},
	}
	for _, tc := range cases {
		err := authz.Authorize(context.Background(), id, tc.action, wallet)
		if !errors.Is(err, tc.wantErr) {
			t.Errorf("%s: expected %v, got %v", tc.action, tc.wantErr, err)
		}
	}

	if err := authz.Authorize(context.Background(), nil, "SignTX", wallet); err != ErrUnauthorized {
		t.Errorf("nil identity: expected ErrUnauthorized, got %v", err)
	}
	if err := NewAllowAllAuthorizer().Authorize(context.Background(), id, "GetRootKey", wallet); err != nil {
		t.Errorf("AllowAll: expected nil, got %v", err)
	}
}
