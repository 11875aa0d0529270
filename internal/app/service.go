// Package app exposes the document lifecycle coordinator: exclusive editing
// locks and multi-party validation requests resolved by quorum. Callers
// (HTTP handlers, background jobs, CLIs) pass explicit actor ids; no
// ambient identity is consulted.
package app

import (
	"context"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"docuvault/api/internal/lifecycle"
	"docuvault/api/internal/lockcache"
	"docuvault/api/internal/store"
	"docuvault/api/internal/util"
)

type dataStore interface {
	CreateDocument(context.Context, store.Document) (store.Document, error)
	GetDocument(context.Context, string) (store.Document, error)
	ListDocuments(context.Context) ([]store.Document, error)
	AcquireLock(ctx context.Context, documentID, actorID, reason string, until *time.Time) (store.Document, error)
	ReleaseLock(ctx context.Context, documentID, actorID string, force bool) (store.Document, error)
	CreateValidationRequest(context.Context, store.ValidationRequest) (store.ValidationRequest, error)
	RecordDecision(ctx context.Context, requestID, validatorID string, approve bool, comment string) (store.DecisionResult, error)
	CancelValidationRequest(ctx context.Context, requestID, actorID string) (store.ValidationRequest, error)
	GetValidationRequest(context.Context, string) (store.ValidationRequest, error)
	ListValidations(context.Context, string) ([]store.DocumentValidation, error)
	PendingRequestForDocument(context.Context, string) (*store.ValidationRequest, error)
	ValidatorQueue(context.Context, string) ([]store.DocumentValidation, error)
	ListOverdueRequests(context.Context, time.Time) ([]store.ValidationRequest, error)
	ListExpiredLocks(context.Context, time.Time) ([]store.Document, error)
	SetDocumentStatus(ctx context.Context, documentID string, from, to lifecycle.Status, actorID string) (store.Document, error)
	Ping(ctx context.Context) error
}

type leaseCache interface {
	SaveLease(context.Context, lockcache.Lease) error
	DropLease(ctx context.Context, documentID string) error
}

type Service struct {
	store  dataStore
	leases leaseCache
	log    zerolog.Logger
}

func New(dataStore dataStore, log zerolog.Logger) *Service {
	return &Service{store: dataStore, log: log}
}

// WithLeaseCache attaches the optional Redis lock-lease mirror.
func (s *Service) WithLeaseCache(cache *lockcache.RedisStore) *Service {
	if cache != nil {
		s.leases = cache
	}
	return s
}

func (s *Service) Ping(ctx context.Context) error {
	return s.store.Ping(ctx)
}

// --- documents -------------------------------------------------------------

type CreateDocumentInput struct {
	Title   string `json:"title"`
	SpaceID string `json:"spaceId"`
	ActorID string `json:"actorId"`
}

func (s *Service) CreateDocument(ctx context.Context, input CreateDocumentInput) (store.Document, error) {
	if strings.TrimSpace(input.ActorID) == "" {
		return store.Document{}, errActorRequired("actorId")
	}
	spaceID := input.SpaceID
	if spaceID == "" {
		spaceID = "sp_default"
	}
	return s.store.CreateDocument(ctx, store.Document{
		ID:        util.NewID("doc"),
		Title:     strings.TrimSpace(input.Title),
		SpaceID:   spaceID,
		Status:    lifecycle.StatusDraft,
		UpdatedBy: input.ActorID,
	})
}

func (s *Service) GetDocument(ctx context.Context, documentID string) (store.Document, error) {
	return s.store.GetDocument(ctx, documentID)
}

func (s *Service) ListDocuments(ctx context.Context) ([]store.Document, error) {
	return s.store.ListDocuments(ctx)
}

// DocumentStatus is the aggregate view: current status, lock fields, and
// the pending validation request (with its live tally) when one exists.
type DocumentStatus struct {
	DocumentID     string
	Status         lifecycle.Status
	Lock           store.LockInfo
	PendingRequest *store.ValidationRequest
	Approved       int
	Rejected       int
	Pending        int
}

func (s *Service) GetDocumentStatus(ctx context.Context, documentID string) (DocumentStatus, error) {
	doc, err := s.store.GetDocument(ctx, documentID)
	if err != nil {
		return DocumentStatus{}, err
	}
	status := DocumentStatus{
		DocumentID: doc.ID,
		Status:     doc.Status,
		Lock:       doc.LockInfo(),
	}

	pending, err := s.store.PendingRequestForDocument(ctx, documentID)
	if err != nil {
		return DocumentStatus{}, err
	}
	if pending != nil {
		status.PendingRequest = pending
		validations, err := s.store.ListValidations(ctx, pending.ID)
		if err != nil {
			return DocumentStatus{}, err
		}
		for _, v := range validations {
			switch v.Status {
			case lifecycle.DecisionApproved:
				status.Approved++
			case lifecycle.DecisionRejected:
				status.Rejected++
			default:
				status.Pending++
			}
		}
	}
	return status, nil
}

// --- locking ---------------------------------------------------------------

type AcquireLockInput struct {
	DocumentID        string
	ActorID           string
	Reason            string
	UnlockScheduledAt *time.Time
}

func (s *Service) AcquireLock(ctx context.Context, input AcquireLockInput) (store.LockInfo, error) {
	if strings.TrimSpace(input.ActorID) == "" {
		return store.LockInfo{}, errActorRequired("actorId")
	}
	doc, err := s.store.AcquireLock(ctx, input.DocumentID, input.ActorID, input.Reason, input.UnlockScheduledAt)
	if err != nil {
		return store.LockInfo{}, err
	}

	s.mirrorLease(ctx, doc)
	s.log.Info().
		Str("event", "lock_acquired").
		Str("document_id", doc.ID).
		Str("actor_id", input.ActorID).
		Str("reason", input.Reason).
		Msg("editing lock acquired")
	return doc.LockInfo(), nil
}

func (s *Service) ReleaseLock(ctx context.Context, documentID, actorID string) error {
	if strings.TrimSpace(actorID) == "" {
		return errActorRequired("actorId")
	}
	doc, err := s.store.ReleaseLock(ctx, documentID, actorID, false)
	if err != nil {
		return err
	}

	s.dropLease(ctx, doc.ID)
	s.log.Info().
		Str("event", "lock_released").
		Str("document_id", documentID).
		Str("actor_id", actorID).
		Str("status", string(doc.Status)).
		Msg("editing lock released")
	return nil
}

// ForceReleaseLock bypasses the holder check. It is audited identically to
// an ordinary release, plus the admin id.
func (s *Service) ForceReleaseLock(ctx context.Context, documentID, byAdminID string) error {
	if strings.TrimSpace(byAdminID) == "" {
		return errActorRequired("byAdminId")
	}
	doc, err := s.store.ReleaseLock(ctx, documentID, byAdminID, true)
	if err != nil {
		return err
	}

	s.dropLease(ctx, doc.ID)
	s.log.Warn().
		Str("event", "lock_force_released").
		Str("document_id", documentID).
		Str("admin_id", byAdminID).
		Str("status", string(doc.Status)).
		Msg("editing lock force-released")
	return nil
}

func (s *Service) mirrorLease(ctx context.Context, doc store.Document) {
	if s.leases == nil || !doc.Locked() {
		return
	}
	lease := lockcache.Lease{
		DocumentID:        doc.ID,
		HeldBy:            *doc.LockedBy,
		HeldAt:            *doc.LockedAt,
		UnlockScheduledAt: doc.UnlockScheduledAt,
	}
	if doc.LockReason != nil {
		lease.Reason = *doc.LockReason
	}
	if err := s.leases.SaveLease(ctx, lease); err != nil {
		s.log.Warn().Err(err).Str("document_id", doc.ID).Msg("lease mirror write failed")
	}
}

func (s *Service) dropLease(ctx context.Context, documentID string) {
	if s.leases == nil {
		return
	}
	if err := s.leases.DropLease(ctx, documentID); err != nil {
		s.log.Warn().Err(err).Str("document_id", documentID).Msg("lease mirror drop failed")
	}
}

// --- validation ------------------------------------------------------------

type RequestValidationInput struct {
	DocumentID     string
	RequesterID    string
	ValidatorIDs   []string
	MinValidations int
	Description    string
	DueDate        *time.Time
}

func (s *Service) RequestValidation(ctx context.Context, input RequestValidationInput) (store.ValidationRequest, error) {
	if strings.TrimSpace(input.RequesterID) == "" {
		return store.ValidationRequest{}, errActorRequired("requesterId")
	}

	validators := make([]string, 0, len(input.ValidatorIDs))
	seen := make(map[string]struct{}, len(input.ValidatorIDs))
	for _, id := range input.ValidatorIDs {
		id = strings.TrimSpace(id)
		if id == "" {
			return store.ValidationRequest{}, errValidatorSetInvalid("validator ids must be non-empty")
		}
		if _, dup := seen[id]; dup {
			return store.ValidationRequest{}, errValidatorSetInvalid("validator ids must be distinct")
		}
		seen[id] = struct{}{}
		validators = append(validators, id)
	}
	if len(validators) == 0 {
		return store.ValidationRequest{}, errValidatorSetInvalid("at least one validator is required")
	}

	min := input.MinValidations
	if min == 0 {
		min = 1
	}
	if min < 1 || min > len(validators) {
		return store.ValidationRequest{}, errQuorumExceedsValidators(min, len(validators))
	}

	req, err := s.store.CreateValidationRequest(ctx, store.ValidationRequest{
		ID:             util.NewID("vr"),
		DocumentID:     input.DocumentID,
		RequesterID:    input.RequesterID,
		ValidatorIDs:   validators,
		MinValidations: min,
		Description:    strings.TrimSpace(input.Description),
		DueDate:        input.DueDate,
	})
	if err != nil {
		return store.ValidationRequest{}, err
	}

	s.log.Info().
		Str("event", "validation_requested").
		Str("document_id", req.DocumentID).
		Str("request_id", req.ID).
		Str("requester_id", req.RequesterID).
		Int("validators", len(req.ValidatorIDs)).
		Int("min_validations", req.MinValidations).
		Msg("validation request opened")
	return req, nil
}

// ValidationOutcome is the explicit result of one decision; the calling
// layer inspects it to drive notifications or UI instead of relying on
// persistence side effects.
type ValidationOutcome struct {
	RequestID      string
	RequestStatus  lifecycle.RequestStatus
	DocumentID     string
	DocumentStatus lifecycle.Status
	Approved       int
	Rejected       int
	Pending        int
	Total          int
	MinValidations int
	Completed      bool
	CompletedAt    *time.Time
}

func (s *Service) Approve(ctx context.Context, requestID, validatorID string, comment *string) (ValidationOutcome, error) {
	if strings.TrimSpace(validatorID) == "" {
		return ValidationOutcome{}, errActorRequired("validatorId")
	}
	text := ""
	if comment != nil {
		text = strings.TrimSpace(*comment)
	}
	result, err := s.store.RecordDecision(ctx, requestID, validatorID, true, text)
	if err != nil {
		return ValidationOutcome{}, err
	}
	return s.finishDecision(result, validatorID), nil
}

func (s *Service) Reject(ctx context.Context, requestID, validatorID, comment string) (ValidationOutcome, error) {
	if strings.TrimSpace(validatorID) == "" {
		return ValidationOutcome{}, errActorRequired("validatorId")
	}
	comment = strings.TrimSpace(comment)
	if comment == "" {
		return ValidationOutcome{}, errMissingRejectComment()
	}
	result, err := s.store.RecordDecision(ctx, requestID, validatorID, false, comment)
	if err != nil {
		return ValidationOutcome{}, err
	}
	return s.finishDecision(result, validatorID), nil
}

func (s *Service) finishDecision(result store.DecisionResult, validatorID string) ValidationOutcome {
	outcome := ValidationOutcome{
		RequestID:      result.Request.ID,
		RequestStatus:  result.Request.Status,
		DocumentID:     result.Document.ID,
		DocumentStatus: result.Document.Status,
		Approved:       result.Approved,
		Rejected:       result.Rejected,
		Pending:        result.Total - result.Approved - result.Rejected,
		Total:          result.Total,
		MinValidations: result.Request.MinValidations,
		Completed:      result.Verdict != lifecycle.VerdictPending,
		CompletedAt:    result.Request.CompletedAt,
	}
	event := s.log.Info().
		Str("event", "validation_decision").
		Str("request_id", result.Request.ID).
		Str("document_id", result.Document.ID).
		Str("validator_id", validatorID).
		Str("decision", string(result.Validation.Status)).
		Int("approved", result.Approved).
		Int("rejected", result.Rejected).
		Int("total", result.Total)
	if outcome.Completed {
		event = event.
			Str("verdict", result.Verdict.String()).
			Str("document_status", string(result.Document.Status))
	}
	event.Msg("validator decision recorded")
	return outcome
}

func (s *Service) Cancel(ctx context.Context, requestID, byActorID string) error {
	if strings.TrimSpace(byActorID) == "" {
		return errActorRequired("byActorId")
	}
	req, err := s.store.CancelValidationRequest(ctx, requestID, byActorID)
	if err != nil {
		return err
	}
	s.log.Info().
		Str("event", "validation_cancelled").
		Str("request_id", req.ID).
		Str("document_id", req.DocumentID).
		Str("actor_id", byActorID).
		Msg("validation request cancelled")
	return nil
}

func (s *Service) GetValidationRequest(ctx context.Context, requestID string) (store.ValidationRequest, []store.DocumentValidation, error) {
	req, err := s.store.GetValidationRequest(ctx, requestID)
	if err != nil {
		return store.ValidationRequest{}, nil, err
	}
	validations, err := s.store.ListValidations(ctx, requestID)
	if err != nil {
		return store.ValidationRequest{}, nil, err
	}
	return req, validations, nil
}

// ValidatorQueue lists a validator's still-undecided assignments on pending
// requests, oldest first.
func (s *Service) ValidatorQueue(ctx context.Context, validatorID string) ([]store.DocumentValidation, error) {
	return s.store.ValidatorQueue(ctx, validatorID)
}

// --- lifecycle edges owned by outer collaborators --------------------------

func (s *Service) ArchiveDocument(ctx context.Context, documentID, actorID string) (store.Document, error) {
	if strings.TrimSpace(actorID) == "" {
		return store.Document{}, errActorRequired("actorId")
	}
	return s.store.SetDocumentStatus(ctx, documentID, lifecycle.StatusPublished, lifecycle.StatusArchived, actorID)
}

// BeginProcessing and FinishProcessing accept the external content-pipeline
// status writes without triggering them.
func (s *Service) BeginProcessing(ctx context.Context, documentID, actorID string) (store.Document, error) {
	if strings.TrimSpace(actorID) == "" {
		return store.Document{}, errActorRequired("actorId")
	}
	return s.store.SetDocumentStatus(ctx, documentID, lifecycle.StatusDraft, lifecycle.StatusProcessing, actorID)
}

func (s *Service) FinishProcessing(ctx context.Context, documentID, actorID string, succeeded bool) (store.Document, error) {
	if strings.TrimSpace(actorID) == "" {
		return store.Document{}, errActorRequired("actorId")
	}
	target := lifecycle.StatusPublished
	if !succeeded {
		target = lifecycle.StatusFailed
	}
	return s.store.SetDocumentStatus(ctx, documentID, lifecycle.StatusProcessing, target, actorID)
}
