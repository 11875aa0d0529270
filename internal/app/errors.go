package app

import (
	"fmt"
	"net/http"
)

type DomainError struct {
	Status  int
	Code    string
	Message string
	Details any
}

func (e *DomainError) Error() string {
	if e == nil {
		return ""
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func domainError(status int, code, message string, details any) *DomainError {
	return &DomainError{
		Status:  status,
		Code:    code,
		Message: message,
		Details: details,
	}
}

// Input-validation failures for opening a request. Conflict-shaped errors
// (lock conflicts, quorum races, double decisions) come from the store as
// typed errors; these cover what can be rejected before touching it.

func errValidatorSetInvalid(message string) *DomainError {
	return domainError(http.StatusUnprocessableEntity, "VALIDATOR_SET_INVALID", message, nil)
}

func errQuorumExceedsValidators(min, total int) *DomainError {
	return domainError(http.StatusUnprocessableEntity, "QUORUM_EXCEEDS_VALIDATORS",
		fmt.Sprintf("minValidations %d exceeds validator count %d", min, total),
		map[string]any{"minValidations": min, "validators": total})
}

func errMissingRejectComment() *DomainError {
	return domainError(http.StatusUnprocessableEntity, "MISSING_REJECT_COMMENT", "a rejection requires a comment", nil)
}

func errActorRequired(field string) *DomainError {
	return domainError(http.StatusUnprocessableEntity, "ACTOR_REQUIRED", field+" is required", nil)
}
