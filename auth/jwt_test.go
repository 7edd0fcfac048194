// ABOUTME: Tests for JWT issue/verify/revoke and the jti revocation set.

package auth

import (
	"testing"
	"time"
)

func TestIssueAndVerify(t *testing.T) {
	m := NewJWTManager([]byte("test-secret"), time.Hour)
	token, err := m.Issue("user-1")
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}

	userID, err := m.Verify(token)
	if err != nil {
		t.Fatalf("Verify: %v", err)
	}
	if userID != "user-1" {
		t.Errorf("subject = %q, want user-1", userID)
	}
}

func TestVerifyRejectsGarbage(t *testing.T) {
	m := NewJWTManager([]byte("test-secret"), time.Hour)
	for _, bad := range []string{"", "not.a.jwt", "aaaa.bbbb.cccc"} {
		if _, err := m.Verify(bad); err == nil {
			t.Errorf("Verify(%q) should fail", bad)
		}
	}
}

func TestVerifyRejectsWrongSecret(t *testing.T) {
	issuer := NewJWTManager([]byte("secret-a"), time.Hour)
	verifier := NewJWTManager([]byte("secret-b"), time.Hour)

	token, _ := issuer.Issue("user-1")
	if _, err := verifier.Verify(token); err == nil {
		t.Error("token signed with another secret must fail")
	}
}

func TestVerifyRejectsExpired(t *testing.T) {
	m := NewJWTManager([]byte("test-secret"), -time.Minute)
	token, err := m.Issue("user-1")
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}
	if _, err := m.Verify(token); err == nil {
		t.Error("expired token must fail verification")
	}
}

func TestRevoke(t *testing.T) {
	m := NewJWTManager([]byte("test-secret"), time.Hour)
	token, _ := m.Issue("user-1")

	if err := m.Revoke(token); err != nil {
		t.Fatalf("Revoke: %v", err)
	}
	if _, err := m.Verify(token); err != ErrTokenRevoked {
		t.Errorf("Verify after revoke = %v, want ErrTokenRevoked", err)
	}

	// Other tokens for the same user keep working.
	other, _ := m.Issue("user-1")
	if _, err := m.Verify(other); err != nil {
		t.Errorf("unrevoked token failed: %v", err)
	}
}

func TestRevocationSetCleanup(t *testing.T) {
	m := NewJWTManager([]byte("test-secret"), time.Hour)
	token, _ := m.Issue("user-1")
	_ = m.Revoke(token)

	// Force the entry past its expiry, then trigger a cleanup pass.
	m.mu.Lock()
	for jti := range m.revoked {
		m.revoked[jti] = time.Now().Add(-time.Minute)
	}
	m.mu.Unlock()

	fresh, _ := m.Issue("user-2")
	_, _ = m.Verify(fresh)

	m.mu.Lock()
	n := len(m.revoked)
	m.mu.Unlock()
	if n != 0 {
		t.Errorf("revocation set holds %d expired entries, want 0", n)
	}
}
