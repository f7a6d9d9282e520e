// SPDX-License-Identifier: AGPL-3.0-or-later
// Copyright (C) 2026 aPlane Authors

package auth

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// Common authorization errors
var (
	// ErrUnauthorized indicates the identity is not authorized for the action
	ErrUnauthorized = errors.New("not authorized")

	// ErrForbidden indicates the action is forbidden for this identity
	ErrForbidden = errors.New("forbidden")
)

// Action is the request type being performed, by name ("SignTX", "GetRootKey", ...)
type Action string

// Resource represents the target of an action
type Resource struct {
	// Type is the resource type ("wallet", "session")
	Type string

	// ID is the resource identifier (e.g., wallet id)
	ID string
}

// Authorizer determines if an identity is allowed to perform an action on a resource
type Authorizer interface {
	// Authorize checks if the identity can perform the action on the resource.
	// Returns nil if authorized, ErrUnauthorized or ErrForbidden otherwise.
	Authorize(ctx context.Context, identity *Identity, action Action, resource Resource) error
}

// AllowAllAuthorizer permits all actions for any authenticated identity.
type AllowAllAuthorizer struct{}

// NewAllowAllAuthorizer creates a new AllowAllAuthorizer
func NewAllowAllAuthorizer() *AllowAllAuthorizer {
	return &AllowAllAuthorizer{}
}

// Authorize returns ErrUnauthorized without an identity, nil otherwise.
func (a *AllowAllAuthorizer) Authorize(_ context.Context, identity *Identity, _ Action, _ Resource) error {
	if identity == nil {
		return ErrUnauthorized
	}
	return nil
}

// DenyListAuthorizer forbids a configured set of actions for every client,
// e.g. disabled_requests: [GetRootKey].
type DenyListAuthorizer struct {
	denied map[Action]bool
}

// NewDenyListAuthorizer builds an authorizer from action names (case-insensitive).
func NewDenyListAuthorizer(actions []string) *DenyListAuthorizer {
	a := &DenyListAuthorizer{denied: make(map[Action]bool, len(actions))}
	for _, name := range actions {
		if name = strings.TrimSpace(name); name != "" {
			a.denied[Action(strings.ToLower(name))] = true
		}
	}
	return a
}

// Authorize rejects denied actions with ErrForbidden.
func (a *DenyListAuthorizer) Authorize(_ context.Context, identity *Identity, action Action, _ Resource) error {
	if identity == nil {
		return ErrUnauthorized
	}
	if a.denied[Action(strings.ToLower(string(action)))] {
		return fmt.Errorf("%w: %s is disabled on this signer", ErrForbidden, action)
	}
	return nil
}

// Compile-time interface checks
var (
	_ Authorizer = (*AllowAllAuthorizer)(nil)
	_ Authorizer = (*DenyListAuthorizer)(nil)
)
