package store

import (
	"context"
	"database/sql"
	"sort"
	"sync"
	"time"

	"docuvault/api/internal/lifecycle"
)

// MemoryStore keeps the whole aggregate in process, serialized by one mutex
// per document. A document's requests and validations share that mutex, so
// a decision plus its quorum recomputation is a single critical section;
// different documents never contend.
type MemoryStore struct {
	mu       sync.Mutex
	docs     map[string]*memoryDocument
	requests map[string]string // request id -> document id
}

type memoryDocument struct {
	mu       sync.Mutex
	doc      Document
	requests map[string]*memoryRequest
}

type memoryRequest struct {
	req         ValidationRequest
	validations map[string]*DocumentValidation
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		docs:     make(map[string]*memoryDocument),
		requests: make(map[string]string),
	}
}

func (s *MemoryStore) document(id string) (*memoryDocument, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	entry, ok := s.docs[id]
	if !ok {
		return nil, sql.ErrNoRows
	}
	return entry, nil
}

func (s *MemoryStore) documentForRequest(requestID string) (*memoryDocument, error) {
	s.mu.Lock()
	documentID, ok := s.requests[requestID]
	if !ok {
		s.mu.Unlock()
		return nil, sql.ErrNoRows
	}
	entry := s.docs[documentID]
	s.mu.Unlock()
	if entry == nil {
		return nil, sql.ErrNoRows
	}
	return entry, nil
}

func (s *MemoryStore) CreateDocument(ctx context.Context, doc Document) (Document, error) {
	now := time.Now()
	if doc.Status == "" {
		doc.Status = lifecycle.StatusDraft
	}
	doc.CreatedAt = now
	doc.UpdatedAt = now

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.docs[doc.ID]; exists {
		return s.docs[doc.ID].doc, nil
	}
	s.docs[doc.ID] = &memoryDocument{doc: doc, requests: make(map[string]*memoryRequest)}
	return doc, nil
}

func (s *MemoryStore) GetDocument(ctx context.Context, documentID string) (Document, error) {
	entry, err := s.document(documentID)
	if err != nil {
		return Document{}, err
	}
	entry.mu.Lock()
	defer entry.mu.Unlock()
	return copyDocument(entry.doc), nil
}

func (s *MemoryStore) ListDocuments(ctx context.Context) ([]Document, error) {
	s.mu.Lock()
	entries := make([]*memoryDocument, 0, len(s.docs))
	for _, entry := range s.docs {
		entries = append(entries, entry)
	}
	s.mu.Unlock()

	items := make([]Document, 0, len(entries))
	for _, entry := range entries {
		entry.mu.Lock()
		items = append(items, copyDocument(entry.doc))
		entry.mu.Unlock()
	}
	sort.Slice(items, func(i, j int) bool { return items[i].ID < items[j].ID })
	return items, nil
}

func (s *MemoryStore) AcquireLock(ctx context.Context, documentID, actorID, reason string, until *time.Time) (Document, error) {
	entry, err := s.document(documentID)
	if err != nil {
		return Document{}, err
	}
	entry.mu.Lock()
	defer entry.mu.Unlock()

	doc := &entry.doc
	if doc.Locked() {
		if *doc.LockedBy == actorID {
			// Re-entrant acquisition by the holder is a no-op success.
			return copyDocument(*doc), nil
		}
		return Document{}, &LockConflictError{DocumentID: documentID, HeldBy: *doc.LockedBy, HeldAt: *doc.LockedAt}
	}
	if err := lifecycle.Transition(doc.Status, lifecycle.StatusLocked); err != nil {
		return Document{}, err
	}

	now := time.Now()
	doc.Status = lifecycle.StatusLocked
	doc.LockedBy = &actorID
	doc.LockedAt = &now
	doc.LockReason = &reason
	doc.UnlockScheduledAt = until
	doc.UpdatedBy = actorID
	doc.UpdatedAt = now
	return copyDocument(*doc), nil
}

func (s *MemoryStore) ReleaseLock(ctx context.Context, documentID, actorID string, force bool) (Document, error) {
	entry, err := s.document(documentID)
	if err != nil {
		return Document{}, err
	}
	entry.mu.Lock()
	defer entry.mu.Unlock()

	doc := &entry.doc
	if !doc.Locked() {
		// Idempotent release.
		return copyDocument(*doc), nil
	}
	if !force && *doc.LockedBy != actorID {
		return Document{}, &NotLockHolderError{DocumentID: documentID, HeldBy: *doc.LockedBy, ActorID: actorID}
	}

	restored := lifecycle.StatusDraft
	if pendingRequestLocked(entry) != nil {
		restored = lifecycle.StatusPendingValidation
	}
	now := time.Now()
	doc.Status = restored
	doc.LockedBy = nil
	doc.LockedAt = nil
	doc.LockReason = nil
	doc.UnlockScheduledAt = nil
	doc.UpdatedBy = actorID
	doc.UpdatedAt = now
	return copyDocument(*doc), nil
}

func (s *MemoryStore) CreateValidationRequest(ctx context.Context, req ValidationRequest) (ValidationRequest, error) {
	entry, err := s.document(req.DocumentID)
	if err != nil {
		return ValidationRequest{}, err
	}
	entry.mu.Lock()
	defer entry.mu.Unlock()

	doc := &entry.doc
	if doc.Locked() {
		return ValidationRequest{}, &LockConflictError{DocumentID: doc.ID, HeldBy: *doc.LockedBy, HeldAt: *doc.LockedAt}
	}
	if pending := pendingRequestLocked(entry); pending != nil {
		return ValidationRequest{}, &RequestAlreadyPendingError{DocumentID: doc.ID, RequestID: pending.req.ID}
	}

	now := time.Now()
	req.Status = lifecycle.RequestPending
	req.CreatedAt = now
	req.CompletedAt = nil

	stored := &memoryRequest{req: copyRequest(req), validations: make(map[string]*DocumentValidation)}
	for i, validatorID := range req.ValidatorIDs {
		stored.validations[validatorID] = &DocumentValidation{
			ID:          req.ID + "-" + validatorID,
			RequestID:   req.ID,
			DocumentID:  req.DocumentID,
			ValidatorID: validatorID,
			Status:      lifecycle.DecisionPending,
			CreatedAt:   now.Add(time.Duration(i)), // stable listing order
		}
	}
	entry.requests[req.ID] = stored

	if doc.Status == lifecycle.StatusDraft {
		doc.Status = lifecycle.StatusPendingValidation
		doc.UpdatedBy = req.RequesterID
		doc.UpdatedAt = now
	}

	s.mu.Lock()
	s.requests[req.ID] = req.DocumentID
	s.mu.Unlock()
	return copyRequest(stored.req), nil
}

func (s *MemoryStore) RecordDecision(ctx context.Context, requestID, validatorID string, approve bool, comment string) (DecisionResult, error) {
	entry, err := s.documentForRequest(requestID)
	if err != nil {
		return DecisionResult{}, err
	}
	entry.mu.Lock()
	defer entry.mu.Unlock()

	stored, ok := entry.requests[requestID]
	if !ok {
		return DecisionResult{}, sql.ErrNoRows
	}
	if lifecycle.Terminal(stored.req.Status) {
		return DecisionResult{}, &RequestCompletedError{RequestID: requestID, Status: stored.req.Status}
	}
	validation, ok := stored.validations[validatorID]
	if !ok {
		return DecisionResult{}, &ValidatorNotAssignedError{RequestID: requestID, ValidatorID: validatorID}
	}
	if validation.Status != lifecycle.DecisionPending {
		return DecisionResult{}, &AlreadyValidatedError{RequestID: requestID, ValidatorID: validatorID, Decision: validation.Status}
	}

	now := time.Now()
	if approve {
		validation.Status = lifecycle.DecisionApproved
	} else {
		validation.Status = lifecycle.DecisionRejected
	}
	validation.Comment = comment
	validation.ValidatedAt = &now

	approved, rejected := 0, 0
	for _, v := range stored.validations {
		switch v.Status {
		case lifecycle.DecisionApproved:
			approved++
		case lifecycle.DecisionRejected:
			rejected++
		}
	}
	total := len(stored.req.ValidatorIDs)
	verdict := lifecycle.EvaluateQuorum(approved, rejected, total, stored.req.MinValidations)

	if verdict != lifecycle.VerdictPending {
		switch verdict {
		case lifecycle.VerdictApproved:
			stored.req.Status = lifecycle.RequestApproved
		case lifecycle.VerdictRejected:
			stored.req.Status = lifecycle.RequestRejected
		}
		stored.req.CompletedAt = &now

		if next, ok := lifecycle.OutcomeStatus(verdict); ok && entry.doc.Status == lifecycle.StatusPendingValidation {
			entry.doc.Status = next
			entry.doc.UpdatedBy = validatorID
			entry.doc.UpdatedAt = now
		}
	}

	return DecisionResult{
		Request:    copyRequest(stored.req),
		Validation: *validation,
		Document:   copyDocument(entry.doc),
		Approved:   approved,
		Rejected:   rejected,
		Total:      total,
		Verdict:    verdict,
	}, nil
}

func (s *MemoryStore) CancelValidationRequest(ctx context.Context, requestID, actorID string) (ValidationRequest, error) {
	entry, err := s.documentForRequest(requestID)
	if err != nil {
		return ValidationRequest{}, err
	}
	entry.mu.Lock()
	defer entry.mu.Unlock()

	stored, ok := entry.requests[requestID]
	if !ok {
		return ValidationRequest{}, sql.ErrNoRows
	}
	if lifecycle.Terminal(stored.req.Status) {
		return ValidationRequest{}, &RequestCompletedError{RequestID: requestID, Status: stored.req.Status}
	}

	now := time.Now()
	stored.req.Status = lifecycle.RequestCancelled
	stored.req.CompletedAt = &now
	if entry.doc.Status == lifecycle.StatusPendingValidation {
		entry.doc.Status = lifecycle.StatusDraft
		entry.doc.UpdatedBy = actorID
		entry.doc.UpdatedAt = now
	}
	return copyRequest(stored.req), nil
}

func (s *MemoryStore) GetValidationRequest(ctx context.Context, requestID string) (ValidationRequest, error) {
	entry, err := s.documentForRequest(requestID)
	if err != nil {
		return ValidationRequest{}, err
	}
	entry.mu.Lock()
	defer entry.mu.Unlock()
	stored, ok := entry.requests[requestID]
	if !ok {
		return ValidationRequest{}, sql.ErrNoRows
	}
	return copyRequest(stored.req), nil
}

func (s *MemoryStore) ListValidations(ctx context.Context, requestID string) ([]DocumentValidation, error) {
	entry, err := s.documentForRequest(requestID)
	if err != nil {
		return nil, err
	}
	entry.mu.Lock()
	defer entry.mu.Unlock()
	stored, ok := entry.requests[requestID]
	if !ok {
		return nil, sql.ErrNoRows
	}
	items := make([]DocumentValidation, 0, len(stored.validations))
	for _, validatorID := range stored.req.ValidatorIDs {
		if v, ok := stored.validations[validatorID]; ok {
			items = append(items, *v)
		}
	}
	return items, nil
}

func (s *MemoryStore) PendingRequestForDocument(ctx context.Context, documentID string) (*ValidationRequest, error) {
	entry, err := s.document(documentID)
	if err != nil {
		return nil, err
	}
	entry.mu.Lock()
	defer entry.mu.Unlock()
	if pending := pendingRequestLocked(entry); pending != nil {
		req := copyRequest(pending.req)
		return &req, nil
	}
	return nil, nil
}

func (s *MemoryStore) ValidatorQueue(ctx context.Context, validatorID string) ([]DocumentValidation, error) {
	s.mu.Lock()
	entries := make([]*memoryDocument, 0, len(s.docs))
	for _, entry := range s.docs {
		entries = append(entries, entry)
	}
	s.mu.Unlock()

	items := make([]DocumentValidation, 0)
	for _, entry := range entries {
		entry.mu.Lock()
		for _, stored := range entry.requests {
			if stored.req.Status != lifecycle.RequestPending {
				continue
			}
			if v, ok := stored.validations[validatorID]; ok && v.Status == lifecycle.DecisionPending {
				items = append(items, *v)
			}
		}
		entry.mu.Unlock()
	}
	sort.Slice(items, func(i, j int) bool { return items[i].CreatedAt.Before(items[j].CreatedAt) })
	return items, nil
}

func (s *MemoryStore) ListOverdueRequests(ctx context.Context, now time.Time) ([]ValidationRequest, error) {
	s.mu.Lock()
	entries := make([]*memoryDocument, 0, len(s.docs))
	for _, entry := range s.docs {
		entries = append(entries, entry)
	}
	s.mu.Unlock()

	items := make([]ValidationRequest, 0)
	for _, entry := range entries {
		entry.mu.Lock()
		for _, stored := range entry.requests {
			if stored.req.Status == lifecycle.RequestPending && stored.req.DueDate != nil && stored.req.DueDate.Before(now) {
				items = append(items, copyRequest(stored.req))
			}
		}
		entry.mu.Unlock()
	}
	return items, nil
}

func (s *MemoryStore) ListExpiredLocks(ctx context.Context, now time.Time) ([]Document, error) {
	s.mu.Lock()
	entries := make([]*memoryDocument, 0, len(s.docs))
	for _, entry := range s.docs {
		entries = append(entries, entry)
	}
	s.mu.Unlock()

	items := make([]Document, 0)
	for _, entry := range entries {
		entry.mu.Lock()
		if entry.doc.Locked() && entry.doc.UnlockScheduledAt != nil && entry.doc.UnlockScheduledAt.Before(now) {
			items = append(items, copyDocument(entry.doc))
		}
		entry.mu.Unlock()
	}
	return items, nil
}

func (s *MemoryStore) SetDocumentStatus(ctx context.Context, documentID string, from, to lifecycle.Status, actorID string) (Document, error) {
	entry, err := s.document(documentID)
	if err != nil {
		return Document{}, err
	}
	entry.mu.Lock()
	defer entry.mu.Unlock()

	if err := lifecycle.Transition(from, to); err != nil {
		return Document{}, err
	}
	if entry.doc.Status != from {
		return Document{}, &lifecycle.InvalidTransitionError{From: entry.doc.Status, To: to}
	}
	entry.doc.Status = to
	entry.doc.UpdatedBy = actorID
	entry.doc.UpdatedAt = time.Now()
	return copyDocument(entry.doc), nil
}

func (s *MemoryStore) Ping(ctx context.Context) error { return nil }

// pendingRequestLocked requires the document mutex to be held.
func pendingRequestLocked(entry *memoryDocument) *memoryRequest {
	for _, stored := range entry.requests {
		if stored.req.Status == lifecycle.RequestPending {
			return stored
		}
	}
	return nil
}

func copyDocument(doc Document) Document {
	out := doc
	out.LockedBy = copyStringPtr(doc.LockedBy)
	out.LockedAt = copyTimePtr(doc.LockedAt)
	out.LockReason = copyStringPtr(doc.LockReason)
	out.UnlockScheduledAt = copyTimePtr(doc.UnlockScheduledAt)
	return out
}

func copyRequest(req ValidationRequest) ValidationRequest {
	out := req
	out.ValidatorIDs = append([]string(nil), req.ValidatorIDs...)
	out.DueDate = copyTimePtr(req.DueDate)
	out.CompletedAt = copyTimePtr(req.CompletedAt)
	return out
}

func copyStringPtr(p *string) *string {
	if p == nil {
		return nil
	}
	v := *p
	return &v
}

func copyTimePtr(p *time.Time) *time.Time {
	if p == nil {
		return nil
	}
	v := *p
	return &v
}
