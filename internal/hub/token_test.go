package hub

import (
	"testing"
	"time"
)

func TestTokenIssueAndVerifyRoundTrip(t *testing.T) {
	tm, err := NewTokenManager("0123456789abcdef0123456789abcdef", time.Minute)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	tenantID := int64(7)
	raw, err := tm.Issue(Claims{UserID: 1, Role: "operator", TenantID: &tenantID})
	if err != nil {
		t.Fatalf("issue failed: %v", err)
	}

	claims, err := tm.Verify(raw)
	if err != nil {
		t.Fatalf("verify failed: %v", err)
	}
	if claims.UserID != 1 || claims.Role != "operator" || claims.TenantID == nil || *claims.TenantID != 7 {
		t.Fatalf("unexpected claims: %+v", claims)
	}
}

func TestTokenVerifyRejectsExpired(t *testing.T) {
	tm, err := NewTokenManager("0123456789abcdef0123456789abcdef", -time.Minute)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	raw, err := tm.Issue(Claims{UserID: 1, Role: "operator"})
	if err != nil {
		t.Fatalf("issue failed: %v", err)
	}
	if _, err := tm.Verify(raw); err == nil {
		t.Fatal("expected verification of an expired token to fail")
	}
}

func TestTokenVerifyRejectsGarbage(t *testing.T) {
	tm, err := NewTokenManager("0123456789abcdef0123456789abcdef", time.Minute)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, err := tm.Verify("not-a-token"); err == nil {
		t.Fatal("expected an error for a malformed token")
	}
}

func TestNewTokenManagerRejectsShortSecret(t *testing.T) {
	if _, err := NewTokenManager("too-short", time.Minute); err == nil {
		t.Fatal("expected an error for a secret under 32 bytes")
	}
}
