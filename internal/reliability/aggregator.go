// Package reliability implements the reliability aggregator: immutable
// per-arrival performance events rolled up into per-(route, service-date)
// statistics. Aggregates are maintained strictly incrementally — seeded from
// the first matching event, add-in-place afterwards — and are never
// recomputed by scanning prior events. Because every rolled-up field is a
// commutative, associative fold (counts and sums), the final aggregate value
// is independent of the order arrivals are recorded in.
package reliability

import (
	"sync"

	"transit-ledger/internal/identity"
	"transit-ledger/internal/ledger"
)

// DefaultOnTimeThresholdSec classifies an arrival as on-time when its
// absolute deviation does not exceed this many seconds.
const DefaultOnTimeThresholdSec = 300

// Arrival is an immutable performance event. Deviation fields and the
// on-time flag are fixed at recording time; a later threshold change never
// reclassifies past arrivals.
type Arrival struct {
	ID           uint64
	Route        string
	Stop         string
	Vehicle      string
	ActualTS     uint64
	ScheduledTS  uint64
	Deviation    int64
	AbsDeviation uint64
	OnTime       bool
	DwellSeconds uint64
	ServiceDate  uint64
}

// Aggregate is the running rollup for one (route, service-date) bucket. The
// signed and absolute deviation sums are tracked separately: one answers
// "early or late on balance", the other "how large is the error", and
// neither can be derived from the other once mixed-sign events are summed.
type Aggregate struct {
	Count           uint64 `json:"count"`
	OnTime          uint64 `json:"onTime"`
	SumDeviation    int64  `json:"sumDeviation"`
	SumAbsDeviation uint64 `json:"sumAbsDeviation"`
	TotalDwell      uint64 `json:"totalDwell"`
}

type aggKey struct {
	route string
	date  uint64
}

// ArrivalEvent is the audit notification emitted for each recording.
type ArrivalEvent struct {
	Kind   string `json:"kind"` // "arrival_recorded"
	ID     uint64 `json:"id"`
	Route  string `json:"route"`
	Stop   string `json:"stop"`
	OnTime bool   `json:"onTime"`
	Actor  string `json:"actor"`
}

// ThresholdEvent is emitted when the admin replaces the on-time threshold.
type ThresholdEvent struct {
	Kind    string `json:"kind"` // "threshold_set"
	Seconds uint64 `json:"seconds"`
	Actor   string `json:"actor"`
}

// RoleEvent mirrors registry role notifications for the operator role.
type RoleEvent struct {
	Kind   string `json:"kind"`
	Role   string `json:"role"`
	Member string `json:"member,omitempty"`
	Actor  string `json:"actor"`
}

// EventSink receives one notification per committed state mutation. A nil
// sink is allowed.
type EventSink interface {
	ArrivalRecorded(ev ArrivalEvent)
	ThresholdChanged(ev ThresholdEvent)
	OperatorRoleChanged(ev RoleEvent)
}

// Aggregator owns all reliability state. One mutex serializes operations so
// the arrival write and its aggregate update commit as a single unit.
type Aggregator struct {
	mu     sync.Mutex
	access *identity.Roster
	events EventSink

	threshold  uint64
	nextID     uint64
	arrivals   map[uint64]*Arrival
	aggregates map[aggKey]*Aggregate
}

func New(thresholdSec uint64, events EventSink) *Aggregator {
	if thresholdSec == 0 {
		thresholdSec = DefaultOnTimeThresholdSec
	}
	return &Aggregator{
		access:     identity.NewRoster("operator"),
		events:     events,
		threshold:  thresholdSec,
		arrivals:   make(map[uint64]*Arrival),
		aggregates: make(map[aggKey]*Aggregate),
	}
}

// BootstrapAdmin sets the caller as the aggregator admin, once ever.
func (a *Aggregator) BootstrapAdmin(caller identity.Principal) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if err := a.access.Bootstrap(caller); err != nil {
		return err
	}
	a.emitRole(RoleEvent{Kind: "admin_bootstrapped", Role: a.access.Role(), Actor: string(caller)})
	return nil
}

// GrantOperator adds member to the operator role. Admin-only, idempotent.
func (a *Aggregator) GrantOperator(caller, member identity.Principal) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if err := a.access.Grant(caller, member); err != nil {
		return err
	}
	a.emitRole(RoleEvent{Kind: "granted", Role: a.access.Role(), Member: string(member), Actor: string(caller)})
	return nil
}

// RevokeOperator removes member from the operator role. Admin-only,
// idempotent.
func (a *Aggregator) RevokeOperator(caller, member identity.Principal) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if err := a.access.Revoke(caller, member); err != nil {
		return err
	}
	a.emitRole(RoleEvent{Kind: "revoked", Role: a.access.Role(), Member: string(member), Actor: string(caller)})
	return nil
}

// SetLateThreshold replaces the process-wide on-time threshold and returns
// the new value. Admin-only. Affects subsequent recordings only; previously
// recorded on-time flags stand.
func (a *Aggregator) SetLateThreshold(caller identity.Principal, seconds uint64) (uint64, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if err := a.access.RequireAdmin(caller); err != nil {
		return 0, err
	}
	a.threshold = seconds
	if a.events != nil {
		a.events.ThresholdChanged(ThresholdEvent{Kind: "threshold_set", Seconds: seconds, Actor: string(caller)})
	}
	return seconds, nil
}

// Threshold returns the threshold currently applied to new recordings.
func (a *Aggregator) Threshold() uint64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.threshold
}

// RecordArrival writes an immutable arrival event and folds its contribution
// into the (route, service-date) aggregate, seeding the aggregate if this is
// the first event for the key. Both writes commit as one unit; any failure
// leaves no trace. Returns the new arrival id.
func (a *Aggregator) RecordArrival(caller identity.Principal, route, stop, vehicle string, actualTS, scheduledTS, dwellSeconds, serviceDate uint64) (uint64, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if err := a.access.Authorize(caller); err != nil {
		return 0, err
	}
	if err := ledger.CheckName("route", route); err != nil {
		return 0, err
	}
	if err := ledger.CheckName("stop", stop); err != nil {
		return 0, err
	}
	if err := ledger.CheckName("vehicle", vehicle); err != nil {
		return 0, err
	}

	deviation := int64(actualTS) - int64(scheduledTS)
	absDeviation := uint64(deviation)
	if deviation < 0 {
		absDeviation = uint64(-deviation)
	}
	onTime := absDeviation <= a.threshold

	a.nextID++
	id := a.nextID
	a.arrivals[id] = &Arrival{
		ID:           id,
		Route:        route,
		Stop:         stop,
		Vehicle:      vehicle,
		ActualTS:     actualTS,
		ScheduledTS:  scheduledTS,
		Deviation:    deviation,
		AbsDeviation: absDeviation,
		OnTime:       onTime,
		DwellSeconds: dwellSeconds,
		ServiceDate:  serviceDate,
	}

	key := aggKey{route: route, date: serviceDate}
	agg, ok := a.aggregates[key]
	if !ok {
		agg = &Aggregate{}
		a.aggregates[key] = agg
	}
	agg.Count++
	if onTime {
		agg.OnTime++
	}
	agg.SumDeviation += deviation
	agg.SumAbsDeviation += absDeviation
	agg.TotalDwell += dwellSeconds

	if a.events != nil {
		a.events.ArrivalRecorded(ArrivalEvent{
			Kind:   "arrival_recorded",
			ID:     id,
			Route:  route,
			Stop:   stop,
			OnTime: onTime,
			Actor:  string(caller),
		})
	}
	return id, nil
}

// Arrival returns a copy of the event for id.
func (a *Aggregator) Arrival(id uint64) (Arrival, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	arr, ok := a.arrivals[id]
	if !ok {
		return Arrival{}, false
	}
	return *arr, true
}

// AggregateFor returns a copy of the rollup for (route, date).
func (a *Aggregator) AggregateFor(route string, date uint64) (Aggregate, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	agg, ok := a.aggregates[aggKey{route: route, date: date}]
	if !ok {
		return Aggregate{}, false
	}
	return *agg, true
}

// OnTimeRateBps returns floor(onTime * 10000 / count) for the bucket, and 0
// when no aggregate exists for the key. A stored aggregate always has
// count >= 1, so zero here means "no data", never a division case.
func (a *Aggregator) OnTimeRateBps(route string, date uint64) uint64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	agg, ok := a.aggregates[aggKey{route: route, date: date}]
	if !ok {
		return 0
	}
	return agg.OnTime * 10000 / agg.Count
}

func (a *Aggregator) emitRole(ev RoleEvent) {
	if a.events != nil {
		a.events.OperatorRoleChanged(ev)
	}
}
