// Package ledger defines the failure taxonomy and field bounds shared by the
// attestation registry and the reliability aggregator. Both subsystems report
// every failure through one of these sentinels, detected before any state
// mutation, so callers can branch with errors.Is.
package ledger

import (
	"errors"
	"fmt"
)

var (
	// ErrUnauthorized: the caller is neither the admin nor a holder of the
	// role the operation requires.
	ErrUnauthorized = errors.New("unauthorized")

	// ErrAlreadyInitialized: the single admin slot has already been set.
	ErrAlreadyInitialized = errors.New("already initialized")

	// ErrNotFound: the operation targets an id that was never allocated.
	ErrNotFound = errors.New("not found")

	// ErrVersionConflict: the (route, version) pair is already owned by an
	// earlier publication.
	ErrVersionConflict = errors.New("version conflict")

	// ErrInvalid: a caller-supplied text field exceeds its bound.
	ErrInvalid = errors.New("invalid argument")
)

// Bounds for caller-supplied text. Identifiers (route, stop, vehicle) share
// one limit; free-text notes get a larger one.
const (
	MaxNameLen  = 64
	MaxNotesLen = 280
)

// CheckName validates a bounded identifier field. Empty is rejected too:
// every identifier in the data model is a map key and an empty key would
// silently collide across callers.
func CheckName(field, s string) error {
	if s == "" {
		return fmt.Errorf("%s must not be empty: %w", field, ErrInvalid)
	}
	if len(s) > MaxNameLen {
		return fmt.Errorf("%s exceeds %d bytes: %w", field, MaxNameLen, ErrInvalid)
	}
	return nil
}

// CheckNotes validates a free-text field. Empty notes are fine.
func CheckNotes(field, s string) error {
	if len(s) > MaxNotesLen {
		return fmt.Errorf("%s exceeds %d bytes: %w", field, MaxNotesLen, ErrInvalid)
	}
	return nil
}
