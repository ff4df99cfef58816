package engine

import (
	"fmt"
)

// ConflictError is returned when a lifecycle call collides with the current state.
type ConflictError struct {
	Reason string
}

func (e *ConflictError) Error() string {
	return "conflict: " + e.Reason
}

// Named invalid lifecycle edges.
var (
	ErrStartWhileStarting = &ConflictError{Reason: "start while starting"}
	ErrEndWhileEnding     = &ConflictError{Reason: "end while ending"}
)

type NoActiveMatchError struct{}

func (e *NoActiveMatchError) Error() string {
	return "no active match"
}

// ValidationError reports a malformed gift, user or config payload.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Message)
}

// DuplicateEventError signals an idempotency hit. It is informational;
// ProcessGift reports duplicates through GiftResult.Duplicate instead.
type DuplicateEventError struct {
	Fingerprint string
}

func (e *DuplicateEventError) Error() string {
	return "duplicate event " + e.Fingerprint
}

// PersistenceError wraps a store failure. A gift that fails after its
// fingerprint was claimed stays claimed, so a retry needs a new event id.
type PersistenceError struct {
	Op  string
	Err error
}

func (e *PersistenceError) Error() string {
	return fmt.Sprintf("persistence: %s: %v", e.Op, e.Err)
}

func (e *PersistenceError) Unwrap() error {
	return e.Err
}

func (e *PersistenceError) Retryable() bool {
	return true
}

func persistErr(op string, err error) error {
	return &PersistenceError{Op: op, Err: err}
}
