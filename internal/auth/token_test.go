package auth

import (
	"testing"
	"time"
)

func TestIssueAndParse(t *testing.T) {
	issuer := NewIssuer("secret", time.Minute)
	token, exp, err := issuer.Issue("acct-1")
	if err != nil {
		t.Fatalf("issue: %v", err)
	}
	if exp.Before(time.Now()) {
		t.Fatalf("expiry in the past: %s", exp)
	}
	sub, err := issuer.Parse(token)
	if err != nil || sub != "acct-1" {
		t.Fatalf("parse: %q %v", sub, err)
	}
}

func TestParseRejectsForeignAndExpiredTokens(t *testing.T) {
	issuer := NewIssuer("secret", time.Minute)
	other := NewIssuer("other-secret", time.Minute)

	token, _, _ := other.Issue("acct-1")
	if _, err := issuer.Parse(token); err != ErrInvalidToken {
		t.Fatalf("expected ErrInvalidToken for foreign signature, got %v", err)
	}

	token, _, _ = issuer.Issue("acct-1")
	issuer.now = func() time.Time { return time.Now().Add(2 * time.Minute) }
	if _, err := issuer.Parse(token); err != ErrInvalidToken {
		t.Fatalf("expected ErrInvalidToken for expired token, got %v", err)
	}

	if _, err := issuer.Parse("not.a.token"); err != ErrInvalidToken {
		t.Fatalf("expected ErrInvalidToken for garbage, got %v", err)
	}
}
