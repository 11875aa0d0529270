package store

import (
	"fmt"
	"time"

	"docuvault/api/internal/lifecycle"
)

// Conflict errors shared by both backends. The Postgres backend also
// translates constraint violations into these so callers see one taxonomy
// regardless of backing store.

// LockConflictError is returned when another actor already holds the lock.
type LockConflictError struct {
	DocumentID string
	HeldBy     string
	HeldAt     time.Time
}

func (e *LockConflictError) Error() string {
	return fmt.Sprintf("document %s locked by %s since %s", e.DocumentID, e.HeldBy, e.HeldAt.Format(time.RFC3339))
}

// NotLockHolderError is returned when a release comes from an actor other
// than the current holder without the administrative override.
type NotLockHolderError struct {
	DocumentID string
	HeldBy     string
	ActorID    string
}

func (e *NotLockHolderError) Error() string {
	return fmt.Sprintf("document %s is locked by %s, not %s", e.DocumentID, e.HeldBy, e.ActorID)
}

// RequestAlreadyPendingError enforces the one-pending-request-per-document
// invariant.
type RequestAlreadyPendingError struct {
	DocumentID string
	RequestID  string
}

func (e *RequestAlreadyPendingError) Error() string {
	return fmt.Sprintf("document %s already has pending validation request %s", e.DocumentID, e.RequestID)
}

// ValidatorNotAssignedError is returned for a decision by an actor not
// invited to the request.
type ValidatorNotAssignedError struct {
	RequestID   string
	ValidatorID string
}

func (e *ValidatorNotAssignedError) Error() string {
	return fmt.Sprintf("validator %s is not assigned to request %s", e.ValidatorID, e.RequestID)
}

// AlreadyValidatedError is returned when a validator submits a second
// decision for the same request.
type AlreadyValidatedError struct {
	RequestID   string
	ValidatorID string
	Decision    lifecycle.DecisionStatus
}

func (e *AlreadyValidatedError) Error() string {
	return fmt.Sprintf("validator %s already recorded %s on request %s", e.ValidatorID, e.Decision, e.RequestID)
}

// RequestCompletedError is returned for decisions or cancellations against a
// request that already reached a terminal state.
type RequestCompletedError struct {
	RequestID string
	Status    lifecycle.RequestStatus
}

func (e *RequestCompletedError) Error() string {
	return fmt.Sprintf("request %s already completed with status %s", e.RequestID, e.Status)
}
