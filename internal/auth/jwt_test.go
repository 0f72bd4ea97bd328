package auth

import (
	"testing"
	"time"
)

func TestVerifyRoundTrip(t *testing.T) {
	token, err := MintToken("test-secret", "user-1", "alice", time.Hour)
	if err != nil {
		t.Fatalf("MintToken: %v", err)
	}

	claims, err := NewVerifier("test-secret").Verify(token)
	if err != nil {
		t.Fatalf("Verify: %v", err)
	}
	if claims.Subject != "user-1" {
		t.Errorf("expected subject user-1, got %q", claims.Subject)
	}
	if claims.Username != "alice" {
		t.Errorf("expected username alice, got %q", claims.Username)
	}
}

func TestVerifyRejectsWrongSecret(t *testing.T) {
	token, err := MintToken("test-secret", "user-1", "alice", time.Hour)
	if err != nil {
		t.Fatalf("MintToken: %v", err)
	}
	if _, err := NewVerifier("other-secret").Verify(token); err == nil {
		t.Error("expected verification to fail with wrong secret")
	}
}

func TestVerifyRejectsExpired(t *testing.T) {
	token, err := MintToken("test-secret", "user-1", "alice", -time.Minute)
	if err != nil {
		t.Fatalf("MintToken: %v", err)
	}
	if _, err := NewVerifier("test-secret").Verify(token); err == nil {
		t.Error("expected verification to fail for expired token")
	}
}

func TestVerifyRejectsEmptySubject(t *testing.T) {
	token, err := MintToken("test-secret", "", "alice", time.Hour)
	if err != nil {
		t.Fatalf("MintToken: %v", err)
	}
	if _, err := NewVerifier("test-secret").Verify(token); err == nil {
		t.Error("expected verification to fail for empty subject")
	}
}
