// Package lifecycle defines the document status machine and the quorum
// rule that resolves validation requests. Both backends route every status
// write through this package so the legal-transition set lives in one place.
package lifecycle

import "fmt"

type Status string

const (
	StatusDraft             Status = "draft"
	StatusLocked            Status = "locked"
	StatusPendingValidation Status = "pending_validation"
	StatusPublished         Status = "published"
	StatusArchived          Status = "archived"
	StatusProcessing        Status = "processing"
	StatusFailed            Status = "failed"
)

type RequestStatus string

const (
	RequestPending   RequestStatus = "pending"
	RequestApproved  RequestStatus = "approved"
	RequestRejected  RequestStatus = "rejected"
	RequestCancelled RequestStatus = "cancelled"
)

type DecisionStatus string

const (
	DecisionPending  DecisionStatus = "pending"
	DecisionApproved DecisionStatus = "approved"
	DecisionRejected DecisionStatus = "rejected"
)

// transitions is the full set of legal status edges. Anything absent here
// fails with InvalidTransitionError rather than being coerced.
var transitions = map[Status][]Status{
	StatusDraft:             {StatusLocked, StatusPendingValidation, StatusProcessing},
	StatusLocked:            {StatusDraft, StatusPendingValidation},
	StatusPendingValidation: {StatusPublished, StatusDraft},
	StatusPublished:         {StatusArchived},
	StatusProcessing:        {StatusPublished, StatusFailed},
	StatusArchived:          {},
	StatusFailed:            {},
}

type InvalidTransitionError struct {
	From Status
	To   Status
}

func (e *InvalidTransitionError) Error() string {
	return fmt.Sprintf("invalid status transition %s -> %s", e.From, e.To)
}

func ValidStatus(s Status) bool {
	_, ok := transitions[s]
	return ok
}

func CanTransition(from, to Status) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// Transition returns nil when the edge is legal and a typed error otherwise.
func Transition(from, to Status) error {
	if !CanTransition(from, to) {
		return &InvalidTransitionError{From: from, To: to}
	}
	return nil
}

// Terminal reports whether a request status accepts no further decisions.
func Terminal(s RequestStatus) bool {
	return s == RequestApproved || s == RequestRejected || s == RequestCancelled
}

type Verdict int

const (
	VerdictPending Verdict = iota
	VerdictApproved
	VerdictRejected
)

func (v Verdict) String() string {
	switch v {
	case VerdictApproved:
		return "approved"
	case VerdictRejected:
		return "rejected"
	default:
		return "pending"
	}
}

// EvaluateQuorum resolves a request from its decision tally. Approval wins
// the moment min approvals exist; rejection wins the moment the remaining
// possible approvals (total - rejected) can no longer reach min. Otherwise
// the request stays pending and waits for more decisions.
func EvaluateQuorum(approved, rejected, total, min int) Verdict {
	if approved >= min {
		return VerdictApproved
	}
	if rejected > total-min {
		return VerdictRejected
	}
	return VerdictPending
}

// OutcomeStatus maps a terminal verdict to the document status it drives:
// quorum approval publishes, rejection returns the document to draft.
func OutcomeStatus(v Verdict) (Status, bool) {
	switch v {
	case VerdictApproved:
		return StatusPublished, true
	case VerdictRejected:
		return StatusDraft, true
	default:
		return "", false
	}
}
