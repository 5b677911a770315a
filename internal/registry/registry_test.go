package registry

import (
	"errors"
	"testing"

	"transit-ledger/internal/identity"
	"transit-ledger/internal/ledger"
)

// sinkRecorder captures emitted notifications for assertions.
type sinkRecorder struct {
	schedules []ScheduleEvent
	roles     []RoleEvent
}

func (s *sinkRecorder) SchedulePublished(ev ScheduleEvent)  { s.schedules = append(s.schedules, ev) }
func (s *sinkRecorder) ScheduleDeprecated(ev ScheduleEvent) { s.schedules = append(s.schedules, ev) }
func (s *sinkRecorder) PublisherRoleChanged(ev RoleEvent)   { s.roles = append(s.roles, ev) }

func newTestRegistry(t *testing.T) (*Registry, *sinkRecorder) {
	t.Helper()
	sink := &sinkRecorder{}
	r := New(sink)
	if err := r.BootstrapAdmin("admin"); err != nil {
		t.Fatalf("bootstrap failed: %v", err)
	}
	return r, sink
}

func mustPublish(t *testing.T, r *Registry, caller identity.Principal, route string, version uint64) uint64 {
	t.Helper()
	id, err := r.Publish(caller, route, [HashSize]byte{1}, version, "", 1000, [SignatureSize]byte{})
	if err != nil {
		t.Fatalf("publish %s v%d failed: %v", route, version, err)
	}
	return id
}

func TestPublishAllocatesSequentialIDs(t *testing.T) {
	r, sink := newTestRegistry(t)
	if id := mustPublish(t, r, "admin", "R1", 1); id != 1 {
		t.Fatalf("expected id 1, got %d", id)
	}
	if id := mustPublish(t, r, "admin", "R2", 1); id != 2 {
		t.Fatalf("expected id 2, got %d", id)
	}
	if len(sink.schedules) != 2 {
		t.Fatalf("expected 2 publish events, got %d", len(sink.schedules))
	}
	if sink.schedules[0].Kind != "published" || sink.schedules[0].ID != 1 || sink.schedules[0].Actor != "admin" {
		t.Fatalf("unexpected first event: %+v", sink.schedules[0])
	}
}

func TestVersionConflictLeavesStateUnchanged(t *testing.T) {
	r, sink := newTestRegistry(t)
	first := mustPublish(t, r, "admin", "R1", 1)

	_, err := r.Publish("admin", "R1", [HashSize]byte{2}, 1, "other", 2000, [SignatureSize]byte{})
	if !errors.Is(err, ledger.ErrVersionConflict) {
		t.Fatalf("expected ErrVersionConflict, got %v", err)
	}

	// Index still points at the first publication.
	owner, ok := r.Owner("R1", 1)
	if !ok || owner != first {
		t.Fatalf("owner changed after rejected publish: %d %v", owner, ok)
	}
	ref, ok := r.Latest("R1")
	if !ok || ref.ID != first || ref.Version != 1 {
		t.Fatalf("latest changed after rejected publish: %+v", ref)
	}
	sched, _ := r.Schedule(first)
	if sched.Hash != ([HashSize]byte{1}) || sched.Notes != "" || sched.Timestamp != 1000 {
		t.Fatalf("record mutated after rejected publish: %+v", sched)
	}
	if len(sink.schedules) != 1 {
		t.Fatalf("rejected publish must not emit, got %d events", len(sink.schedules))
	}

	// Next successful publish continues the id sequence.
	if id := mustPublish(t, r, "admin", "R1", 2); id != 2 {
		t.Fatalf("expected id 2 after conflict, got %d", id)
	}
	ref, _ = r.Latest("R1")
	if ref.ID != 2 || ref.Version != 2 {
		t.Fatalf("expected latest {2 2}, got %+v", ref)
	}
}

func TestLatestTracksCallOrderNotVersionOrder(t *testing.T) {
	r, _ := newTestRegistry(t)
	mustPublish(t, r, "admin", "R1", 3)
	lowID := mustPublish(t, r, "admin", "R1", 1)

	ref, ok := r.Latest("R1")
	if !ok || ref.ID != lowID || ref.Version != 1 {
		t.Fatalf("latest must follow call order: got %+v, want id=%d version=1", ref, lowID)
	}
}

func TestPublishWritesSnapshot(t *testing.T) {
	r, _ := newTestRegistry(t)
	id, err := r.Publish("admin", "R1", [HashSize]byte{7}, 4, "spring timetable", 1234, [SignatureSize]byte{9})
	if err != nil {
		t.Fatalf("publish failed: %v", err)
	}
	snap, ok := r.Snapshot(id, 4)
	if !ok {
		t.Fatalf("expected snapshot for (%d, 4)", id)
	}
	if snap.Hash != ([HashSize]byte{7}) || snap.Notes != "spring timetable" || snap.Timestamp != 1234 {
		t.Fatalf("snapshot mismatch: %+v", snap)
	}
	if _, ok := r.Snapshot(id, 5); ok {
		t.Fatalf("unexpected snapshot for unpublished version")
	}
}

func TestPublisherRoleGatesPublish(t *testing.T) {
	r, sink := newTestRegistry(t)

	_, err := r.Publish("carol", "R1", [HashSize]byte{}, 1, "", 0, [SignatureSize]byte{})
	if !errors.Is(err, ledger.ErrUnauthorized) {
		t.Fatalf("expected ErrUnauthorized, got %v", err)
	}
	if _, ok := r.Latest("R1"); ok {
		t.Fatalf("unauthorized publish must not write")
	}
	if len(sink.schedules) != 0 {
		t.Fatalf("unauthorized publish must not emit")
	}

	if err := r.GrantPublisher("admin", "carol"); err != nil {
		t.Fatalf("grant failed: %v", err)
	}
	id := mustPublish(t, r, "carol", "R1", 1)
	sched, _ := r.Schedule(id)
	if sched.Publisher != "carol" {
		t.Fatalf("expected publisher carol, got %q", sched.Publisher)
	}

	if err := r.RevokePublisher("admin", "carol"); err != nil {
		t.Fatalf("revoke failed: %v", err)
	}
	if _, err := r.Publish("carol", "R1", [HashSize]byte{}, 2, "", 0, [SignatureSize]byte{}); !errors.Is(err, ledger.ErrUnauthorized) {
		t.Fatalf("expected ErrUnauthorized after revoke, got %v", err)
	}
}

func TestDeprecate(t *testing.T) {
	r, sink := newTestRegistry(t)
	id := mustPublish(t, r, "admin", "R1", 1)

	if err := r.Deprecate("admin", 99); !errors.Is(err, ledger.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}

	if err := r.Deprecate("admin", id); err != nil {
		t.Fatalf("deprecate failed: %v", err)
	}
	sched, _ := r.Schedule(id)
	if sched.Active {
		t.Fatalf("expected inactive after deprecate")
	}

	// Idempotent in effect: second deprecate succeeds and re-emits.
	events := len(sink.schedules)
	if err := r.Deprecate("admin", id); err != nil {
		t.Fatalf("second deprecate failed: %v", err)
	}
	sched, _ = r.Schedule(id)
	if sched.Active {
		t.Fatalf("expected inactive after second deprecate")
	}
	if len(sink.schedules) != events+1 {
		t.Fatalf("second deprecate must re-emit")
	}
}

func TestPublishValidatesBounds(t *testing.T) {
	r, _ := newTestRegistry(t)

	long := make([]byte, ledger.MaxNameLen+1)
	for i := range long {
		long[i] = 'r'
	}
	if _, err := r.Publish("admin", string(long), [HashSize]byte{}, 1, "", 0, [SignatureSize]byte{}); !errors.Is(err, ledger.ErrInvalid) {
		t.Fatalf("expected ErrInvalid for oversized route, got %v", err)
	}
	if _, err := r.Publish("admin", "", [HashSize]byte{}, 1, "", 0, [SignatureSize]byte{}); !errors.Is(err, ledger.ErrInvalid) {
		t.Fatalf("expected ErrInvalid for empty route, got %v", err)
	}
}

func TestNilSink(t *testing.T) {
	r := New(nil)
	if err := r.BootstrapAdmin("admin"); err != nil {
		t.Fatalf("bootstrap failed: %v", err)
	}
	if _, err := r.Publish("admin", "R1", [HashSize]byte{}, 1, "", 0, [SignatureSize]byte{}); err != nil {
		t.Fatalf("publish with nil sink failed: %v", err)
	}
}
