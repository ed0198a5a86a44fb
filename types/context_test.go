package types

import (
	"context"
	"testing"
)

func TestContextHelpers(t *testing.T) {
	t.Parallel()

	ctx := context.Background()

	ctx = WithRequestID(ctx, "req-1")
	if got, ok := RequestID(ctx); !ok || got != "req-1" {
		t.Fatalf("RequestID mismatch: %v %v", got, ok)
	}

	ctx = WithTenantID(ctx, "tenant")
	if got, ok := TenantID(ctx); !ok || got != "tenant" {
		t.Fatalf("TenantID mismatch: %v %v", got, ok)
	}

	ctx = WithUserID(ctx, "user")
	if got, ok := UserID(ctx); !ok || got != "user" {
		t.Fatalf("UserID mismatch: %v %v", got, ok)
	}

	ctx = WithRoles(ctx, []string{"admin"})
	if got, ok := Roles(ctx); !ok || len(got) != 1 || got[0] != "admin" {
		t.Fatalf("Roles mismatch: %v %v", got, ok)
	}

	ctx = WithSessionID(ctx, "sess")
	if got, ok := SessionID(ctx); !ok || got != "sess" {
		t.Fatalf("SessionID mismatch: %v %v", got, ok)
	}

	ctx = WithClientKey(ctx, "client")
	if got, ok := ClientKey(ctx); !ok || got != "client" {
		t.Fatalf("ClientKey mismatch: %v %v", got, ok)
	}

	ctx = WithModel(ctx, "gpt-4o")
	if got, ok := Model(ctx); !ok || got != "gpt-4o" {
		t.Fatalf("Model mismatch: %v %v", got, ok)
	}
}

func TestContextHelpers_EmptyValues(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	if _, ok := RequestID(ctx); ok {
		t.Fatalf("expected no request ID on empty context")
	}
	if _, ok := SessionID(WithSessionID(ctx, "")); ok {
		t.Fatalf("empty session ID should not report ok")
	}
}
