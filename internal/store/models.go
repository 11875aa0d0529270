package store

import (
	"time"

	"docuvault/api/internal/lifecycle"
)

type Document struct {
	ID                string
	Title             string
	SpaceID           string
	Status            lifecycle.Status
	LockedBy          *string
	LockedAt          *time.Time
	LockReason        *string
	UnlockScheduledAt *time.Time
	UpdatedBy         string
	CreatedAt         time.Time
	UpdatedAt         time.Time
}

// Locked reports whether the document currently carries a lock. The schema
// guarantees LockedBy is set exactly when Status is locked.
func (d Document) Locked() bool {
	return d.Status == lifecycle.StatusLocked && d.LockedBy != nil
}

type ValidationRequest struct {
	ID             string
	DocumentID     string
	RequesterID    string
	ValidatorIDs   []string
	MinValidations int
	Status         lifecycle.RequestStatus
	Description    string
	DueDate        *time.Time
	CompletedAt    *time.Time
	CreatedAt      time.Time
}

type DocumentValidation struct {
	ID          string
	RequestID   string
	DocumentID  string
	ValidatorID string
	Status      lifecycle.DecisionStatus
	Comment     string
	ValidatedAt *time.Time
	CreatedAt   time.Time
}

// LockInfo is the caller-facing view of a document's lock fields.
type LockInfo struct {
	Locked            bool
	HeldBy            string
	HeldAt            *time.Time
	Reason            string
	UnlockScheduledAt *time.Time
}

func (d Document) LockInfo() LockInfo {
	if !d.Locked() {
		return LockInfo{}
	}
	info := LockInfo{
		Locked:            true,
		HeldBy:            *d.LockedBy,
		HeldAt:            d.LockedAt,
		UnlockScheduledAt: d.UnlockScheduledAt,
	}
	if d.LockReason != nil {
		info.Reason = *d.LockReason
	}
	return info
}

// DecisionResult is what a backend returns from one recorded decision: the
// validator's row, the request after quorum recomputation, the document
// after any terminal transition, and the tally the verdict was computed from.
type DecisionResult struct {
	Request    ValidationRequest
	Validation DocumentValidation
	Document   Document
	Approved   int
	Rejected   int
	Total      int
	Verdict    lifecycle.Verdict
}
