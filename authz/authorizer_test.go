package authz

import (
	"testing"

	"github.com/chris/termgate/token"
)

func claimsFor(sub string, groups ...string) *token.Claims {
	c := &token.Claims{Groups: groups}
	c.Subject = sub
	return c
}

func TestAuthorize_AllowedUser(t *testing.T) {
	a := New([]string{"alice"}, nil)
	if err := a.Authorize(claimsFor("alice")); err != nil {
		t.Fatalf("expected alice to be authorized, got %v", err)
	}
}

func TestAuthorize_AllowedGroup(t *testing.T) {
	a := New(nil, []string{"group:sre"})
	if err := a.Authorize(claimsFor("bob", "group:sre")); err != nil {
		t.Fatalf("expected bob in group:sre to be authorized, got %v", err)
	}
}

func TestAuthorize_DeniesUnlisted(t *testing.T) {
	a := New([]string{"alice"}, []string{"group:sre"})
	if err := a.Authorize(claimsFor("mallory")); err == nil {
		t.Fatal("expected mallory to be denied")
	}
}

func TestAuthorize_EmptyAllowlistsDenyEveryone(t *testing.T) {
	a := New(nil, nil)
	if err := a.Authorize(claimsFor("anyone")); err == nil {
		t.Fatal("expected empty allowlists to fail closed")
	}
}
