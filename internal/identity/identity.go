// Package identity holds the caller-identity type and the single-admin role
// roster both subsystems use for authorization. The registry and the
// aggregator each own a separate Roster instance so they stay independently
// deployable; the type is shared, the state is not.
package identity

import "transit-ledger/internal/ledger"

// Principal is an opaque caller identity. The core never inspects its
// structure; it is used only as a map key and in equality comparisons.
type Principal string

// Roster is the capability-check component: one named role, a boolean member
// set, and a single admin slot with an unset -> set-once lifecycle. The
// admin is distinct from role members and always passes the role check.
//
// Roster does no locking; the owning subsystem serializes access.
type Roster struct {
	role     string
	admin    Principal
	adminSet bool
	members  map[Principal]struct{}
}

func NewRoster(role string) *Roster {
	return &Roster{
		role:    role,
		members: make(map[Principal]struct{}),
	}
}

// Role returns the capability name this roster guards.
func (r *Roster) Role() string { return r.role }

// Bootstrap sets the caller as admin. Succeeds exactly once per roster.
func (r *Roster) Bootstrap(caller Principal) error {
	if r.adminSet {
		return ledger.ErrAlreadyInitialized
	}
	r.admin = caller
	r.adminSet = true
	return nil
}

// Grant adds member to the role. Admin-only; granting an existing member is
// a no-op success.
func (r *Roster) Grant(caller, member Principal) error {
	if !r.IsAdmin(caller) {
		return ledger.ErrUnauthorized
	}
	r.members[member] = struct{}{}
	return nil
}

// Revoke removes member from the role. Admin-only; revoking a non-member is
// a no-op success.
func (r *Roster) Revoke(caller, member Principal) error {
	if !r.IsAdmin(caller) {
		return ledger.ErrUnauthorized
	}
	delete(r.members, member)
	return nil
}

// IsAdmin reports whether caller is the bootstrapped admin.
func (r *Roster) IsAdmin(caller Principal) bool {
	return r.adminSet && caller == r.admin
}

// HasRole reports whether caller holds the role (admin excluded).
func (r *Roster) HasRole(caller Principal) bool {
	_, ok := r.members[caller]
	return ok
}

// Authorize is the write-capability predicate: admin or role member.
func (r *Roster) Authorize(caller Principal) error {
	if r.IsAdmin(caller) || r.HasRole(caller) {
		return nil
	}
	return ledger.ErrUnauthorized
}

// RequireAdmin gates admin-only operations.
func (r *Roster) RequireAdmin(caller Principal) error {
	if r.IsAdmin(caller) {
		return nil
	}
	return ledger.ErrUnauthorized
}
