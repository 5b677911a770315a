// Package server exposes both subsystems as a flat set of named HTTP
// operations with JSON bodies. Authentication is outside this process: the
// substrate in front of the service authenticates callers and forwards the
// resulting identity in the X-Caller-Id header, which the core consumes
// opaquely.
package server

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"strconv"
	"time"

	"transit-ledger/internal/identity"
	"transit-ledger/internal/ledger"
	"transit-ledger/internal/metrics"
	"transit-ledger/internal/registry"
	"transit-ledger/internal/reliability"
	"transit-ledger/internal/store"
)

const callerHeader = "X-Caller-Id"

type Handler struct {
	Registry   *registry.Registry
	Aggregator *reliability.Aggregator
	Mirror     *store.Mirror // nil disables the audit mirror
	Metrics    *metrics.Collector
}

func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

// --- attestation registry ---

func (h *Handler) RegistryBootstrap(w http.ResponseWriter, r *http.Request) {
	caller, ok := h.caller(w, r)
	if !ok {
		return
	}
	if err := h.Registry.BootstrapAdmin(caller); err != nil {
		h.fail(w, "registry-bootstrap", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true, "admin": string(caller)})
}

type roleRequest struct {
	Identity string `json:"identity"`
}

func (h *Handler) GrantPublisher(w http.ResponseWriter, r *http.Request) {
	h.roleChange(w, r, "grant-publisher", h.Registry.GrantPublisher)
}

func (h *Handler) RevokePublisher(w http.ResponseWriter, r *http.Request) {
	h.roleChange(w, r, "revoke-publisher", h.Registry.RevokePublisher)
}

func (h *Handler) GrantOperator(w http.ResponseWriter, r *http.Request) {
	h.roleChange(w, r, "grant-operator", h.Aggregator.GrantOperator)
}

func (h *Handler) RevokeOperator(w http.ResponseWriter, r *http.Request) {
	h.roleChange(w, r, "revoke-operator", h.Aggregator.RevokeOperator)
}

func (h *Handler) roleChange(w http.ResponseWriter, r *http.Request, op string, apply func(caller, member identity.Principal) error) {
	caller, ok := h.caller(w, r)
	if !ok {
		return
	}
	var req roleRequest
	if !decode(w, r, &req) {
		return
	}
	if req.Identity == "" {
		writeJSON(w, http.StatusBadRequest, errorPayload("identity required"))
		return
	}
	if err := apply(caller, identity.Principal(req.Identity)); err != nil {
		h.fail(w, op, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

type publishRequest struct {
	Route     string `json:"route"`
	Version   uint64 `json:"version"`
	Hash      string `json:"hash"`      // hex, 32 bytes
	Notes     string `json:"notes"`
	Timestamp uint64 `json:"timestamp"`
	Signature string `json:"signature"` // hex, 65 bytes
}

func (h *Handler) PublishSchedule(w http.ResponseWriter, r *http.Request) {
	caller, ok := h.caller(w, r)
	if !ok {
		return
	}
	var req publishRequest
	if !decode(w, r, &req) {
		return
	}
	var hash [registry.HashSize]byte
	if !decodeHex(w, "hash", req.Hash, hash[:]) {
		return
	}
	var sig [registry.SignatureSize]byte
	if !decodeHex(w, "signature", req.Signature, sig[:]) {
		return
	}

	start := time.Now()
	id, err := h.Registry.Publish(caller, req.Route, hash, req.Version, req.Notes, req.Timestamp, sig)
	h.observe(start)
	if err != nil {
		if h.Metrics != nil && errors.Is(err, ledger.ErrVersionConflict) {
			h.Metrics.VersionConflicts.Inc()
		}
		h.fail(w, "publish-schedule", err)
		return
	}
	if h.Metrics != nil {
		h.Metrics.SchedulesPublished.Inc()
	}
	if h.Mirror != nil {
		if rec, found := h.Registry.Schedule(id); found {
			h.mirror(func(ctx context.Context) error {
				return h.Mirror.RecordSchedule(ctx, rec)
			})
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true, "id": id})
}

func (h *Handler) DeprecateSchedule(w http.ResponseWriter, r *http.Request) {
	caller, ok := h.caller(w, r)
	if !ok {
		return
	}
	id, ok := pathUint(w, r, "id")
	if !ok {
		return
	}
	start := time.Now()
	err := h.Registry.Deprecate(caller, id)
	h.observe(start)
	if err != nil {
		h.fail(w, "deprecate-schedule", err)
		return
	}
	if h.Metrics != nil {
		h.Metrics.SchedulesDeprecated.Inc()
	}
	if h.Mirror != nil {
		h.mirror(func(ctx context.Context) error {
			return h.Mirror.RecordDeprecation(ctx, id)
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true, "id": id})
}

type scheduleResponse struct {
	ID        uint64 `json:"id"`
	Route     string `json:"route"`
	Version   uint64 `json:"version"`
	Hash      string `json:"hash"`
	Publisher string `json:"publisher"`
	Notes     string `json:"notes"`
	Timestamp uint64 `json:"timestamp"`
	Signature string `json:"signature"`
	Active    bool   `json:"active"`
}

func (h *Handler) GetSchedule(w http.ResponseWriter, r *http.Request) {
	id, ok := pathUint(w, r, "id")
	if !ok {
		return
	}
	rec, found := h.Registry.Schedule(id)
	if !found {
		writeJSON(w, http.StatusOK, map[string]any{"ok": true, "found": false})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true, "found": true, "schedule": scheduleResponse{
		ID:        rec.ID,
		Route:     rec.Route,
		Version:   rec.Version,
		Hash:      hex.EncodeToString(rec.Hash[:]),
		Publisher: string(rec.Publisher),
		Notes:     rec.Notes,
		Timestamp: rec.Timestamp,
		Signature: hex.EncodeToString(rec.Signature[:]),
		Active:    rec.Active,
	}})
}

func (h *Handler) GetLatest(w http.ResponseWriter, r *http.Request) {
	route := r.PathValue("route")
	ref, found := h.Registry.Latest(route)
	if !found {
		writeJSON(w, http.StatusOK, map[string]any{"ok": true, "found": false})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true, "found": true, "latest": ref})
}

func (h *Handler) GetVersionOwner(w http.ResponseWriter, r *http.Request) {
	route := r.PathValue("route")
	version, ok := pathUint(w, r, "version")
	if !ok {
		return
	}
	id, found := h.Registry.Owner(route, version)
	if !found {
		writeJSON(w, http.StatusOK, map[string]any{"ok": true, "found": false})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true, "found": true, "id": id})
}

func (h *Handler) GetSnapshot(w http.ResponseWriter, r *http.Request) {
	id, ok := pathUint(w, r, "id")
	if !ok {
		return
	}
	version, ok := pathUint(w, r, "version")
	if !ok {
		return
	}
	snap, found := h.Registry.Snapshot(id, version)
	if !found {
		writeJSON(w, http.StatusOK, map[string]any{"ok": true, "found": false})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true, "found": true, "snapshot": map[string]any{
		"hash":      hex.EncodeToString(snap.Hash[:]),
		"notes":     snap.Notes,
		"timestamp": snap.Timestamp,
	}})
}

// --- reliability aggregator ---

func (h *Handler) ReliabilityBootstrap(w http.ResponseWriter, r *http.Request) {
	caller, ok := h.caller(w, r)
	if !ok {
		return
	}
	if err := h.Aggregator.BootstrapAdmin(caller); err != nil {
		h.fail(w, "reliability-bootstrap", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true, "admin": string(caller)})
}

type thresholdRequest struct {
	Seconds uint64 `json:"seconds"`
}

func (h *Handler) SetThreshold(w http.ResponseWriter, r *http.Request) {
	caller, ok := h.caller(w, r)
	if !ok {
		return
	}
	var req thresholdRequest
	if !decode(w, r, &req) {
		return
	}
	sec, err := h.Aggregator.SetLateThreshold(caller, req.Seconds)
	if err != nil {
		h.fail(w, "set-late-threshold", err)
		return
	}
	if h.Metrics != nil {
		h.Metrics.OnTimeThreshold.Set(float64(sec))
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true, "seconds": sec})
}

type arrivalRequest struct {
	Route        string `json:"route"`
	Stop         string `json:"stop"`
	Vehicle      string `json:"vehicle"`
	ActualTS     uint64 `json:"actualTs"`
	ScheduledTS  uint64 `json:"scheduledTs"`
	DwellSeconds uint64 `json:"dwellSeconds"`
	ServiceDate  uint64 `json:"serviceDate"`
}

func (h *Handler) RecordArrival(w http.ResponseWriter, r *http.Request) {
	caller, ok := h.caller(w, r)
	if !ok {
		return
	}
	var req arrivalRequest
	if !decode(w, r, &req) {
		return
	}
	start := time.Now()
	id, err := h.Aggregator.RecordArrival(caller, req.Route, req.Stop, req.Vehicle,
		req.ActualTS, req.ScheduledTS, req.DwellSeconds, req.ServiceDate)
	h.observe(start)
	if err != nil {
		h.fail(w, "record-arrival", err)
		return
	}
	arr, _ := h.Aggregator.Arrival(id)
	if h.Metrics != nil {
		h.Metrics.ArrivalsRecorded.Inc()
		if arr.OnTime {
			h.Metrics.OnTimeArrivals.Inc()
		} else {
			h.Metrics.LateArrivals.Inc()
		}
	}
	if h.Mirror != nil {
		h.mirror(func(ctx context.Context) error {
			return h.Mirror.RecordArrival(ctx, arr)
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true, "id": id, "onTime": arr.OnTime})
}

type arrivalResponse struct {
	ID           uint64 `json:"id"`
	Route        string `json:"route"`
	Stop         string `json:"stop"`
	Vehicle      string `json:"vehicle"`
	ActualTS     uint64 `json:"actualTs"`
	ScheduledTS  uint64 `json:"scheduledTs"`
	Deviation    int64  `json:"deviation"`
	AbsDeviation uint64 `json:"absDeviation"`
	OnTime       bool   `json:"onTime"`
	DwellSeconds uint64 `json:"dwellSeconds"`
	ServiceDate  uint64 `json:"serviceDate"`
}

func (h *Handler) GetArrival(w http.ResponseWriter, r *http.Request) {
	id, ok := pathUint(w, r, "id")
	if !ok {
		return
	}
	arr, found := h.Aggregator.Arrival(id)
	if !found {
		writeJSON(w, http.StatusOK, map[string]any{"ok": true, "found": false})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true, "found": true, "arrival": arrivalResponse{
		ID:           arr.ID,
		Route:        arr.Route,
		Stop:         arr.Stop,
		Vehicle:      arr.Vehicle,
		ActualTS:     arr.ActualTS,
		ScheduledTS:  arr.ScheduledTS,
		Deviation:    arr.Deviation,
		AbsDeviation: arr.AbsDeviation,
		OnTime:       arr.OnTime,
		DwellSeconds: arr.DwellSeconds,
		ServiceDate:  arr.ServiceDate,
	}})
}

func (h *Handler) GetAggregate(w http.ResponseWriter, r *http.Request) {
	route := r.PathValue("route")
	date, ok := pathUint(w, r, "date")
	if !ok {
		return
	}
	agg, found := h.Aggregator.AggregateFor(route, date)
	if !found {
		writeJSON(w, http.StatusOK, map[string]any{"ok": true, "found": false})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true, "found": true, "aggregate": agg})
}

func (h *Handler) GetOnTimeRate(w http.ResponseWriter, r *http.Request) {
	route := r.PathValue("route")
	date, ok := pathUint(w, r, "date")
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"ok":  true,
		"bps": h.Aggregator.OnTimeRateBps(route, date),
	})
}

// --- helpers ---

func (h *Handler) caller(w http.ResponseWriter, r *http.Request) (identity.Principal, bool) {
	id := r.Header.Get(callerHeader)
	if id == "" {
		writeJSON(w, http.StatusBadRequest, errorPayload("missing "+callerHeader+" header"))
		return "", false
	}
	return identity.Principal(id), true
}

func (h *Handler) fail(w http.ResponseWriter, op string, err error) {
	if h.Metrics != nil && errors.Is(err, ledger.ErrUnauthorized) {
		h.Metrics.UnauthorizedCalls.WithLabelValues(op).Inc()
	}
	writeJSON(w, statusFor(err), errorPayload(err.Error()))
}

func (h *Handler) observe(start time.Time) {
	if h.Metrics != nil {
		h.Metrics.OpDuration.Observe(time.Since(start).Seconds())
	}
}

// mirror runs a best-effort audit-mirror write detached from the request
// lifetime so a slow mirror cannot block or fail the response.
func (h *Handler) mirror(write func(ctx context.Context) error) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := write(ctx); err != nil {
		if h.Metrics != nil {
			h.Metrics.MirrorWriteErrs.Inc()
		}
		log.Printf("audit mirror write error: %v", err)
		return
	}
	if h.Metrics != nil {
		h.Metrics.MirrorWrites.Inc()
	}
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, ledger.ErrUnauthorized):
		return http.StatusForbidden
	case errors.Is(err, ledger.ErrAlreadyInitialized):
		return http.StatusConflict
	case errors.Is(err, ledger.ErrVersionConflict):
		return http.StatusConflict
	case errors.Is(err, ledger.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, ledger.ErrInvalid):
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

func decode(w http.ResponseWriter, r *http.Request, v any) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20))
	if err := dec.Decode(v); err != nil {
		writeJSON(w, http.StatusBadRequest, errorPayload("invalid json"))
		return false
	}
	return true
}

func decodeHex(w http.ResponseWriter, field, s string, dst []byte) bool {
	b, err := hex.DecodeString(s)
	if err != nil || len(b) != len(dst) {
		writeJSON(w, http.StatusBadRequest, errorPayload(field+" must be "+strconv.Itoa(len(dst))+" hex-encoded bytes"))
		return false
	}
	copy(dst, b)
	return true
}

func pathUint(w http.ResponseWriter, r *http.Request, name string) (uint64, bool) {
	v, err := strconv.ParseUint(r.PathValue(name), 10, 64)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorPayload("invalid "+name))
		return 0, false
	}
	return v, true
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func errorPayload(msg string) map[string]any {
	return map[string]any{"ok": false, "error": msg}
}
