// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package extensions

import (
	"context"
	"crypto/subtle"
	"errors"
)

// ErrUnauthorized is returned when authentication fails.
// Implementations should wrap this error with additional context.
var ErrUnauthorized = errors.New("unauthorized")

// AuthInfo contains identity information returned after successful
// authentication.
//
// UserID is always populated and scopes every chat operation; the other
// fields are optional.
type AuthInfo struct {
	// UserID is the unique identifier for the authenticated user.
	UserID string

	// Email is the user's email address, when the provider knows it.
	Email string

	// Roles contains the user's role memberships.
	Roles []string
}

// HasRole checks if the user has a specific role.
func (a *AuthInfo) HasRole(role string) bool {
	for _, r := range a.Roles {
		if r == role {
			return true
		}
	}
	return false
}

// AuthProvider validates authentication tokens and returns user identity.
//
// Implementations must be safe for concurrent use by multiple goroutines.
//
// # Open Source Behavior
//
// The default NopAuthProvider always returns a valid "local-user" with
// admin privileges, so a local deployment needs no auth infrastructure.
// Setting an API token switches to StaticTokenAuthProvider.
//
// # Enterprise Implementation
//
// Enterprise versions validate tokens against identity providers like
// Okta, Auth0, or Azure AD and return real user identities.
type AuthProvider interface {
	// Validate checks if the token is valid and returns the user's
	// identity. Returns ErrUnauthorized (possibly wrapped) when invalid.
	Validate(ctx context.Context, token string) (*AuthInfo, error)
}

// NopAuthProvider is the default authentication provider for open source.
//
// It always returns a valid local user with admin privileges; the token is
// ignored, including the empty string. Intentional for local single-user
// deployments.
//
// Thread-safe: no mutable state.
type NopAuthProvider struct{}

// Validate always returns the local admin user.
func (p *NopAuthProvider) Validate(_ context.Context, _ string) (*AuthInfo, error) {
	return &AuthInfo{
		UserID: "local-user",
		Roles:  []string{"admin"},
	}, nil
}

// StaticTokenAuthProvider authenticates a single shared bearer token.
//
// Suitable for small deployments fronted by a trusted client. Requests
// without the exact token are rejected with ErrUnauthorized.
//
// Thread-safe: no mutable state.
type StaticTokenAuthProvider struct {
	// Token is the expected bearer token. Must not be empty.
	Token string

	// UserID is the identity assigned to authenticated requests.
	// Defaults to "api-user" when empty.
	UserID string
}

// Validate compares the presented token in constant time.
func (p *StaticTokenAuthProvider) Validate(_ context.Context, token string) (*AuthInfo, error) {
	if p.Token == "" {
		return nil, errors.New("static token provider misconfigured: empty token")
	}
	if subtle.ConstantTimeCompare([]byte(token), []byte(p.Token)) != 1 {
		return nil, ErrUnauthorized
	}
	userID := p.UserID
	if userID == "" {
		userID = "api-user"
	}
	return &AuthInfo{UserID: userID}, nil
}

// Compile-time interface compliance checks.
var (
	_ AuthProvider = (*NopAuthProvider)(nil)
	_ AuthProvider = (*StaticTokenAuthProvider)(nil)
)
