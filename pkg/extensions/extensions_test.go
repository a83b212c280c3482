// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package extensions

import (
	"context"
	"errors"
	"testing"
)

// ============================================================================
// ServiceOptions Tests
// ============================================================================

func TestDefaultOptions(t *testing.T) {
	opts := DefaultOptions()

	if opts.AuthProvider == nil {
		t.Error("DefaultOptions().AuthProvider should not be nil")
	}
	if _, ok := opts.AuthProvider.(*NopAuthProvider); !ok {
		t.Errorf("DefaultOptions().AuthProvider = %T, want *NopAuthProvider", opts.AuthProvider)
	}
}

func TestApplyDefaults(t *testing.T) {
	var opts ServiceOptions
	opts.ApplyDefaults()

	if opts.AuthProvider == nil {
		t.Fatal("ApplyDefaults() left AuthProvider nil")
	}

	// An already-configured provider must survive.
	static := &StaticTokenAuthProvider{Token: "t"}
	opts = ServiceOptions{AuthProvider: static}
	opts.ApplyDefaults()
	if opts.AuthProvider != static {
		t.Error("ApplyDefaults() replaced a configured AuthProvider")
	}
}

func TestWithAuth(t *testing.T) {
	static := &StaticTokenAuthProvider{Token: "t"}
	opts := DefaultOptions().WithAuth(static)

	if opts.AuthProvider != static {
		t.Errorf("WithAuth() did not install the provider, got %T", opts.AuthProvider)
	}
}

// ============================================================================
// NopAuthProvider Tests
// ============================================================================

func TestNopAuthProvider_Validate(t *testing.T) {
	p := &NopAuthProvider{}

	for _, token := range []string{"", "anything", "Bearer junk"} {
		info, err := p.Validate(context.Background(), token)
		if err != nil {
			t.Fatalf("Validate(%q) returned error: %v", token, err)
		}
		if info.UserID != "local-user" {
			t.Errorf("Validate(%q).UserID = %q, want local-user", token, info.UserID)
		}
		if !info.HasRole("admin") {
			t.Errorf("Validate(%q) should grant the admin role", token)
		}
	}
}

// ============================================================================
// StaticTokenAuthProvider Tests
// ============================================================================

func TestStaticTokenAuthProvider_Validate(t *testing.T) {
	p := &StaticTokenAuthProvider{Token: "secret"}

	info, err := p.Validate(context.Background(), "secret")
	if err != nil {
		t.Fatalf("Validate with correct token returned error: %v", err)
	}
	if info.UserID != "api-user" {
		t.Errorf("UserID = %q, want api-user default", info.UserID)
	}

	for _, token := range []string{"", "wrong", "secrets", "Secret"} {
		if _, err := p.Validate(context.Background(), token); !errors.Is(err, ErrUnauthorized) {
			t.Errorf("Validate(%q) error = %v, want ErrUnauthorized", token, err)
		}
	}
}

func TestStaticTokenAuthProvider_CustomUserID(t *testing.T) {
	p := &StaticTokenAuthProvider{Token: "secret", UserID: "ops"}

	info, err := p.Validate(context.Background(), "secret")
	if err != nil {
		t.Fatalf("Validate returned error: %v", err)
	}
	if info.UserID != "ops" {
		t.Errorf("UserID = %q, want ops", info.UserID)
	}
}

func TestStaticTokenAuthProvider_EmptyTokenMisconfigured(t *testing.T) {
	p := &StaticTokenAuthProvider{}

	// An empty configured token must never authenticate an empty
	// presented token.
	if _, err := p.Validate(context.Background(), ""); err == nil {
		t.Error("Validate with empty configured token should fail")
	}
}

// ============================================================================
// AuthInfo Tests
// ============================================================================

func TestAuthInfo_HasRole(t *testing.T) {
	info := &AuthInfo{UserID: "u", Roles: []string{"admin", "reader"}}

	if !info.HasRole("reader") {
		t.Error("HasRole(reader) = false, want true")
	}
	if info.HasRole("writer") {
		t.Error("HasRole(writer) = true, want false")
	}
	if (&AuthInfo{}).HasRole("admin") {
		t.Error("HasRole on empty roles should be false")
	}
}
