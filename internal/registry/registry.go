// Package registry implements the attestation registry: versioned schedule
// publications with a global (route, version) uniqueness guarantee, a
// per-route latest pointer, and per-(id, version) snapshot history. All
// state lives in keyed maps so every operation is a bounded number of
// lookups and writes regardless of history size.
package registry

import (
	"sync"

	"transit-ledger/internal/identity"
	"transit-ledger/internal/ledger"
)

const (
	HashSize      = 32
	SignatureSize = 65
)

// Schedule is the primary record. Immutable after publish except for the
// one-way Active flip performed by Deprecate. The signature is stored
// opaquely and never verified here; validation is an off-ledger concern.
type Schedule struct {
	ID        uint64
	Route     string
	Version   uint64
	Hash      [HashSize]byte
	Publisher identity.Principal
	Notes     string
	Timestamp uint64
	Signature [SignatureSize]byte
	Active    bool
}

// VersionSnapshot is the redundant (hash, notes, timestamp) copy keyed by
// (schedule id, version), written in lockstep with the Schedule record. It
// exists so a future protocol can attach further versions to an existing id
// without touching the primary record.
type VersionSnapshot struct {
	Hash      [HashSize]byte
	Notes     string
	Timestamp uint64
}

// LatestRef identifies the most recently published schedule for a route.
// "Latest" tracks publish call order, not numeric version order.
type LatestRef struct {
	ID      uint64 `json:"id"`
	Version uint64 `json:"version"`
}

type routeVersion struct {
	route   string
	version uint64
}

type snapshotKey struct {
	id      uint64
	version uint64
}

// ScheduleEvent is the audit notification emitted for publish and deprecate.
type ScheduleEvent struct {
	Kind    string `json:"kind"` // "published" | "deprecated"
	ID      uint64 `json:"id"`
	Route   string `json:"route"`
	Version uint64 `json:"version"`
	Actor   string `json:"actor"`
}

// RoleEvent is the audit notification emitted for admin and role changes.
type RoleEvent struct {
	Kind   string `json:"kind"` // "admin_bootstrapped" | "granted" | "revoked"
	Role   string `json:"role"`
	Member string `json:"member,omitempty"`
	Actor  string `json:"actor"`
}

// EventSink receives one notification per committed state mutation. A nil
// sink is allowed; emission is then skipped.
type EventSink interface {
	SchedulePublished(ev ScheduleEvent)
	ScheduleDeprecated(ev ScheduleEvent)
	PublisherRoleChanged(ev RoleEvent)
}

// Registry owns all attestation state. One mutex serializes operations so
// each external call is a single indivisible unit; there is no intermediate
// visible state and a failed call mutates nothing.
type Registry struct {
	mu     sync.Mutex
	access *identity.Roster
	events EventSink

	nextID    uint64
	schedules map[uint64]*Schedule
	versions  map[routeVersion]uint64 // uniqueness index: pair -> owning id
	latest    map[string]LatestRef
	snapshots map[snapshotKey]VersionSnapshot
}

func New(events EventSink) *Registry {
	return &Registry{
		access:    identity.NewRoster("publisher"),
		events:    events,
		schedules: make(map[uint64]*Schedule),
		versions:  make(map[routeVersion]uint64),
		latest:    make(map[string]LatestRef),
		snapshots: make(map[snapshotKey]VersionSnapshot),
	}
}

// BootstrapAdmin sets the caller as the registry admin, once ever.
func (r *Registry) BootstrapAdmin(caller identity.Principal) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.access.Bootstrap(caller); err != nil {
		return err
	}
	r.emitRole(RoleEvent{Kind: "admin_bootstrapped", Role: r.access.Role(), Actor: string(caller)})
	return nil
}

// GrantPublisher adds member to the publisher role. Admin-only, idempotent.
func (r *Registry) GrantPublisher(caller, member identity.Principal) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.access.Grant(caller, member); err != nil {
		return err
	}
	r.emitRole(RoleEvent{Kind: "granted", Role: r.access.Role(), Member: string(member), Actor: string(caller)})
	return nil
}

// RevokePublisher removes member from the publisher role. Admin-only,
// idempotent.
func (r *Registry) RevokePublisher(caller, member identity.Principal) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.access.Revoke(caller, member); err != nil {
		return err
	}
	r.emitRole(RoleEvent{Kind: "revoked", Role: r.access.Role(), Member: string(member), Actor: string(caller)})
	return nil
}

// Publish records a new schedule version. Fails with ErrVersionConflict if
// (route, version) was ever published before; on success the record, its
// version snapshot, the uniqueness index entry, and the route latest pointer
// are all written as one unit and the new id is returned. Ids are never
// reused, even across failed attempts.
func (r *Registry) Publish(caller identity.Principal, route string, hash [HashSize]byte, version uint64, notes string, timestamp uint64, signature [SignatureSize]byte) (uint64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if err := r.access.Authorize(caller); err != nil {
		return 0, err
	}
	if err := ledger.CheckName("route", route); err != nil {
		return 0, err
	}
	if err := ledger.CheckNotes("notes", notes); err != nil {
		return 0, err
	}
	pair := routeVersion{route: route, version: version}
	if _, taken := r.versions[pair]; taken {
		return 0, ledger.ErrVersionConflict
	}

	r.nextID++
	id := r.nextID
	r.schedules[id] = &Schedule{
		ID:        id,
		Route:     route,
		Version:   version,
		Hash:      hash,
		Publisher: caller,
		Notes:     notes,
		Timestamp: timestamp,
		Signature: signature,
		Active:    true,
	}
	r.snapshots[snapshotKey{id: id, version: version}] = VersionSnapshot{
		Hash:      hash,
		Notes:     notes,
		Timestamp: timestamp,
	}
	r.versions[pair] = id
	r.latest[route] = LatestRef{ID: id, Version: version}

	if r.events != nil {
		r.events.SchedulePublished(ScheduleEvent{
			Kind:    "published",
			ID:      id,
			Route:   route,
			Version: version,
			Actor:   string(caller),
		})
	}
	return id, nil
}

// Deprecate flips the schedule's Active flag to false. Deprecating an
// already-inactive schedule succeeds again and re-emits the event; there is
// no re-activation path.
func (r *Registry) Deprecate(caller identity.Principal, id uint64) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if err := r.access.Authorize(caller); err != nil {
		return err
	}
	sched, ok := r.schedules[id]
	if !ok {
		return ledger.ErrNotFound
	}
	sched.Active = false

	if r.events != nil {
		r.events.ScheduleDeprecated(ScheduleEvent{
			Kind:    "deprecated",
			ID:      id,
			Route:   sched.Route,
			Version: sched.Version,
			Actor:   string(caller),
		})
	}
	return nil
}

// Schedule returns a copy of the record for id.
func (r *Registry) Schedule(id uint64) (Schedule, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	sched, ok := r.schedules[id]
	if !ok {
		return Schedule{}, false
	}
	return *sched, true
}

// Latest returns the call-order latest publication for route.
func (r *Registry) Latest(route string) (LatestRef, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	ref, ok := r.latest[route]
	return ref, ok
}

// Snapshot returns the version snapshot for (id, version).
func (r *Registry) Snapshot(id, version uint64) (VersionSnapshot, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	snap, ok := r.snapshots[snapshotKey{id: id, version: version}]
	return snap, ok
}

// Owner returns the id owning the (route, version) pair.
func (r *Registry) Owner(route string, version uint64) (uint64, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	id, ok := r.versions[routeVersion{route: route, version: version}]
	return id, ok
}

func (r *Registry) emitRole(ev RoleEvent) {
	if r.events != nil {
		r.events.PublisherRoleChanged(ev)
	}
}
