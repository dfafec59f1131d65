package auth

import (
	"testing"
	"time"
)

func TestVerifyRoundTrip(t *testing.T) {
	secret := "test-secret"
	token, err := NewTestToken(secret, "alice", []string{"GEOFON"}, time.Minute)
	if err != nil {
		t.Fatalf("NewTestToken: %v", err)
	}

	v := NewVerifier(secret)
	claims, err := v.Verify(token)
	if err != nil {
		t.Fatalf("Verify: %v", err)
	}
	if claims.ClientName != "alice" {
		t.Fatalf("ClientName = %q, want alice", claims.ClientName)
	}
	if !claims.Authorized("GEOFON") {
		t.Fatal("expected authorization for GEOFON")
	}
	if claims.Authorized("OTHER") {
		t.Fatal("expected no authorization for OTHER")
	}
}

func TestVerifyRejectsWrongSecret(t *testing.T) {
	token, err := NewTestToken("secret-a", "alice", nil, time.Minute)
	if err != nil {
		t.Fatalf("NewTestToken: %v", err)
	}

	v := NewVerifier("secret-b")
	if _, err := v.Verify(token); err == nil {
		t.Fatal("expected verification failure with mismatched secret")
	}
}

func TestVerifyDisabledWithoutSecret(t *testing.T) {
	v := NewVerifier("")
	if v.Enabled() {
		t.Fatal("expected Enabled() = false with empty secret")
	}
	if _, err := v.Verify("anything"); err != ErrAuthDisabled {
		t.Fatalf("Verify = %v, want ErrAuthDisabled", err)
	}
}

func TestAuthorizedEmptyGroupsAllowsAll(t *testing.T) {
	claims := &Claims{ClientName: "alice"}
	if !claims.Authorized("ANYTHING") {
		t.Fatal("empty Groups should authorize any group")
	}
}

func TestExpiredTokenIsRejected(t *testing.T) {
	token, err := NewTestToken("s", "alice", nil, -time.Minute)
	if err != nil {
		t.Fatalf("NewTestToken: %v", err)
	}
	v := NewVerifier("s")
	if _, err := v.Verify(token); err == nil {
		t.Fatal("expected expired token to fail verification")
	}
}
