package identity

import (
	"errors"
	"testing"

	"transit-ledger/internal/ledger"
)

func TestBootstrapOnce(t *testing.T) {
	r := NewRoster("publisher")
	if err := r.Bootstrap("alice"); err != nil {
		t.Fatalf("bootstrap failed: %v", err)
	}
	if !r.IsAdmin("alice") {
		t.Fatalf("expected alice to be admin")
	}
	if err := r.Bootstrap("bob"); !errors.Is(err, ledger.ErrAlreadyInitialized) {
		t.Fatalf("expected ErrAlreadyInitialized, got %v", err)
	}
	if r.IsAdmin("bob") {
		t.Fatalf("second bootstrap must not replace admin")
	}
}

func TestGrantRevokeIdempotent(t *testing.T) {
	r := NewRoster("operator")
	if err := r.Bootstrap("alice"); err != nil {
		t.Fatalf("bootstrap failed: %v", err)
	}
	if err := r.Grant("alice", "bob"); err != nil {
		t.Fatalf("grant failed: %v", err)
	}
	if err := r.Grant("alice", "bob"); err != nil {
		t.Fatalf("double grant should succeed: %v", err)
	}
	if !r.HasRole("bob") {
		t.Fatalf("expected bob to hold role")
	}
	if err := r.Revoke("alice", "bob"); err != nil {
		t.Fatalf("revoke failed: %v", err)
	}
	if err := r.Revoke("alice", "bob"); err != nil {
		t.Fatalf("revoking a non-member should succeed: %v", err)
	}
	if r.HasRole("bob") {
		t.Fatalf("expected bob revoked")
	}
}

func TestGrantRequiresAdmin(t *testing.T) {
	r := NewRoster("publisher")
	if err := r.Grant("mallory", "mallory"); !errors.Is(err, ledger.ErrUnauthorized) {
		t.Fatalf("expected ErrUnauthorized before bootstrap, got %v", err)
	}
	if err := r.Bootstrap("alice"); err != nil {
		t.Fatalf("bootstrap failed: %v", err)
	}
	if err := r.Grant("mallory", "mallory"); !errors.Is(err, ledger.ErrUnauthorized) {
		t.Fatalf("expected ErrUnauthorized for non-admin, got %v", err)
	}
	if r.HasRole("mallory") {
		t.Fatalf("failed grant must not mutate the member set")
	}
}

func TestAuthorizeAdminOrMember(t *testing.T) {
	r := NewRoster("operator")
	if err := r.Bootstrap("alice"); err != nil {
		t.Fatalf("bootstrap failed: %v", err)
	}
	if err := r.Grant("alice", "bob"); err != nil {
		t.Fatalf("grant failed: %v", err)
	}
	if err := r.Authorize("alice"); err != nil {
		t.Fatalf("admin must pass the capability check: %v", err)
	}
	if err := r.Authorize("bob"); err != nil {
		t.Fatalf("member must pass the capability check: %v", err)
	}
	if err := r.Authorize("mallory"); !errors.Is(err, ledger.ErrUnauthorized) {
		t.Fatalf("expected ErrUnauthorized, got %v", err)
	}
}
