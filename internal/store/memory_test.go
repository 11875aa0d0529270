package store

import (
	"context"
	"database/sql"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"docuvault/api/internal/lifecycle"
)

func newTestDocument(t *testing.T, s *MemoryStore, id string) Document {
	t.Helper()
	doc, err := s.CreateDocument(context.Background(), Document{
		ID:        id,
		Title:     "Quarterly report",
		SpaceID:   "sp_finance",
		Status:    lifecycle.StatusDraft,
		UpdatedBy: "alice",
	})
	require.NoError(t, err)
	return doc
}

func newTestRequest(t *testing.T, s *MemoryStore, id, docID string, validators []string, min int) ValidationRequest {
	t.Helper()
	req, err := s.CreateValidationRequest(context.Background(), ValidationRequest{
		ID:             id,
		DocumentID:     docID,
		RequesterID:    "alice",
		ValidatorIDs:   validators,
		MinValidations: min,
	})
	require.NoError(t, err)
	return req
}

func TestAcquireLockMutualExclusion(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	newTestDocument(t, s, "doc1")

	doc, err := s.AcquireLock(ctx, "doc1", "alice", "editing intro", nil)
	require.NoError(t, err)
	assert.Equal(t, lifecycle.StatusLocked, doc.Status)
	require.NotNil(t, doc.LockedBy)
	assert.Equal(t, "alice", *doc.LockedBy)

	_, err = s.AcquireLock(ctx, "doc1", "bob", "", nil)
	var conflict *LockConflictError
	require.True(t, errors.As(err, &conflict))
	assert.Equal(t, "alice", conflict.HeldBy)
	assert.Equal(t, "doc1", conflict.DocumentID)
}

func TestAcquireLockIdempotentForHolder(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	newTestDocument(t, s, "doc1")

	first, err := s.AcquireLock(ctx, "doc1", "alice", "r1", nil)
	require.NoError(t, err)
	second, err := s.AcquireLock(ctx, "doc1", "alice", "r2", nil)
	require.NoError(t, err)
	assert.Equal(t, first.LockedAt, second.LockedAt)
	require.NotNil(t, second.LockReason)
	assert.Equal(t, "r1", *second.LockReason)
}

func TestAcquireLockConcurrentFanOut(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	newTestDocument(t, s, "doc1")

	const actors = 32
	var wg sync.WaitGroup
	winners := make(chan string, actors)
	for i := 0; i < actors; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			actor := string(rune('a' + n%26))
			if _, err := s.AcquireLock(ctx, "doc1", actor, "", nil); err == nil {
				winners <- actor
			}
		}(i)
	}
	wg.Wait()
	close(winners)

	doc, err := s.GetDocument(ctx, "doc1")
	require.NoError(t, err)
	require.NotNil(t, doc.LockedBy)
	for winner := range winners {
		// Every successful acquire is either the single holder or the
		// holder re-acquiring its own lock.
		assert.Equal(t, *doc.LockedBy, winner)
	}
}

func TestReleaseLock(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	newTestDocument(t, s, "doc1")

	_, err := s.AcquireLock(ctx, "doc1", "alice", "", nil)
	require.NoError(t, err)

	_, err = s.ReleaseLock(ctx, "doc1", "bob", false)
	var notHolder *NotLockHolderError
	require.True(t, errors.As(err, &notHolder))
	assert.Equal(t, "alice", notHolder.HeldBy)

	doc, err := s.ReleaseLock(ctx, "doc1", "alice", false)
	require.NoError(t, err)
	assert.Equal(t, lifecycle.StatusDraft, doc.Status)
	assert.Nil(t, doc.LockedBy)
	assert.Nil(t, doc.LockedAt)
	assert.Nil(t, doc.LockReason)

	// Releasing an unlocked document is a no-op.
	doc, err = s.ReleaseLock(ctx, "doc1", "alice", false)
	require.NoError(t, err)
	assert.Equal(t, lifecycle.StatusDraft, doc.Status)
}

func TestForceReleaseLock(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	newTestDocument(t, s, "doc1")

	_, err := s.AcquireLock(ctx, "doc1", "alice", "", nil)
	require.NoError(t, err)

	doc, err := s.ReleaseLock(ctx, "doc1", "admin", true)
	require.NoError(t, err)
	assert.Equal(t, lifecycle.StatusDraft, doc.Status)
	assert.Nil(t, doc.LockedBy)
}

func TestReleaseLockRestoresPendingValidation(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	newTestDocument(t, s, "doc1")
	newTestRequest(t, s, "vr1", "doc1", []string{"bob", "carol"}, 2)

	doc, err := s.GetDocument(ctx, "doc1")
	require.NoError(t, err)
	require.Equal(t, lifecycle.StatusPendingValidation, doc.Status)

	// Step the document back to draft, lock it, then release. The restore
	// rule depends only on an open request existing, so the release must
	// land on pending_validation rather than draft.
	_, err = s.SetDocumentStatus(ctx, "doc1", lifecycle.StatusPendingValidation, lifecycle.StatusDraft, "alice")
	require.NoError(t, err)

	_, err = s.AcquireLock(ctx, "doc1", "alice", "", nil)
	require.NoError(t, err)
	doc, err = s.ReleaseLock(ctx, "doc1", "alice", false)
	require.NoError(t, err)
	assert.Equal(t, lifecycle.StatusPendingValidation, doc.Status)
}

func TestLockOnlyFromDraft(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	newTestDocument(t, s, "doc1")
	newTestRequest(t, s, "vr1", "doc1", []string{"bob"}, 1)

	_, err := s.RecordDecision(ctx, "vr1", "bob", true, "")
	require.NoError(t, err)

	// Published documents cannot be locked.
	_, err = s.AcquireLock(ctx, "doc1", "alice", "", nil)
	var invalid *lifecycle.InvalidTransitionError
	require.True(t, errors.As(err, &invalid))
	assert.Equal(t, lifecycle.StatusPublished, invalid.From)
}

func TestCreateValidationRequest(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	newTestDocument(t, s, "doc1")

	req := newTestRequest(t, s, "vr1", "doc1", []string{"bob", "carol", "dave"}, 2)
	assert.Equal(t, lifecycle.RequestPending, req.Status)

	doc, err := s.GetDocument(ctx, "doc1")
	require.NoError(t, err)
	assert.Equal(t, lifecycle.StatusPendingValidation, doc.Status)

	validations, err := s.ListValidations(ctx, "vr1")
	require.NoError(t, err)
	require.Len(t, validations, 3)
	for _, v := range validations {
		assert.Equal(t, lifecycle.DecisionPending, v.Status)
	}

	_, err = s.CreateValidationRequest(ctx, ValidationRequest{
		ID: "vr2", DocumentID: "doc1", RequesterID: "alice",
		ValidatorIDs: []string{"bob"}, MinValidations: 1,
	})
	var dup *RequestAlreadyPendingError
	require.True(t, errors.As(err, &dup))
	assert.Equal(t, "vr1", dup.RequestID)
}

func TestCreateValidationRequestBlockedByLock(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	newTestDocument(t, s, "doc1")
	_, err := s.AcquireLock(ctx, "doc1", "bob", "", nil)
	require.NoError(t, err)

	_, err = s.CreateValidationRequest(ctx, ValidationRequest{
		ID: "vr1", DocumentID: "doc1", RequesterID: "alice",
		ValidatorIDs: []string{"carol"}, MinValidations: 1,
	})
	var conflict *LockConflictError
	require.True(t, errors.As(err, &conflict))
	assert.Equal(t, "bob", conflict.HeldBy)
}

func TestQuorumApproval(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	newTestDocument(t, s, "doc1")
	newTestRequest(t, s, "vr1", "doc1", []string{"bob", "carol", "dave"}, 2)

	result, err := s.RecordDecision(ctx, "vr1", "bob", true, "lgtm")
	require.NoError(t, err)
	assert.Equal(t, lifecycle.VerdictPending, result.Verdict)
	assert.Equal(t, lifecycle.RequestPending, result.Request.Status)

	result, err = s.RecordDecision(ctx, "vr1", "carol", true, "")
	require.NoError(t, err)
	assert.Equal(t, lifecycle.VerdictApproved, result.Verdict)
	assert.Equal(t, lifecycle.RequestApproved, result.Request.Status)
	require.NotNil(t, result.Request.CompletedAt)
	assert.Equal(t, lifecycle.StatusPublished, result.Document.Status)

	// Late decision on a completed request is refused.
	_, err = s.RecordDecision(ctx, "vr1", "dave", true, "")
	var completed *RequestCompletedError
	require.True(t, errors.As(err, &completed))
	assert.Equal(t, lifecycle.RequestApproved, completed.Status)
}

func TestQuorumUnreachableRejects(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	newTestDocument(t, s, "doc1")
	newTestRequest(t, s, "vr1", "doc1", []string{"bob", "carol", "dave"}, 2)

	result, err := s.RecordDecision(ctx, "vr1", "bob", false, "needs numbers")
	require.NoError(t, err)
	assert.Equal(t, lifecycle.VerdictPending, result.Verdict)

	// Second rejection leaves only one possible approval against min 2.
	result, err = s.RecordDecision(ctx, "vr1", "carol", false, "agree")
	require.NoError(t, err)
	assert.Equal(t, lifecycle.VerdictRejected, result.Verdict)
	assert.Equal(t, lifecycle.RequestRejected, result.Request.Status)
	assert.Equal(t, lifecycle.StatusDraft, result.Document.Status)
}

func TestRecordDecisionGuards(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	newTestDocument(t, s, "doc1")
	newTestRequest(t, s, "vr1", "doc1", []string{"bob", "carol"}, 2)

	_, err := s.RecordDecision(ctx, "vr1", "mallory", true, "")
	var notAssigned *ValidatorNotAssignedError
	require.True(t, errors.As(err, &notAssigned))

	_, err = s.RecordDecision(ctx, "vr1", "bob", true, "")
	require.NoError(t, err)
	_, err = s.RecordDecision(ctx, "vr1", "bob", false, "changed my mind")
	var already *AlreadyValidatedError
	require.True(t, errors.As(err, &already))
	assert.Equal(t, lifecycle.DecisionApproved, already.Decision)

	_, err = s.RecordDecision(ctx, "missing", "bob", true, "")
	assert.True(t, errors.Is(err, sql.ErrNoRows))
}

func TestConcurrentDecisionsSingleTerminal(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()

	validators := []string{"v0", "v1", "v2", "v3", "v4"}
	newTestDocument(t, s, "doc1")
	newTestRequest(t, s, "vr1", "doc1", validators, 3)

	var wg sync.WaitGroup
	terminal := make(chan lifecycle.Verdict, len(validators))
	for _, v := range validators {
		wg.Add(1)
		go func(validatorID string) {
			defer wg.Done()
			result, err := s.RecordDecision(ctx, "vr1", validatorID, true, "")
			if err != nil {
				var completed *RequestCompletedError
				require.True(t, errors.As(err, &completed))
				return
			}
			if result.Verdict != lifecycle.VerdictPending {
				terminal <- result.Verdict
			}
		}(v)
	}
	wg.Wait()
	close(terminal)

	// Exactly one decision observes the transition to a terminal verdict.
	count := 0
	for range terminal {
		count++
	}
	assert.Equal(t, 1, count)

	doc, err := s.GetDocument(ctx, "doc1")
	require.NoError(t, err)
	assert.Equal(t, lifecycle.StatusPublished, doc.Status)
}

func TestCancelValidationRequest(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	newTestDocument(t, s, "doc1")
	newTestRequest(t, s, "vr1", "doc1", []string{"bob"}, 1)

	req, err := s.CancelValidationRequest(ctx, "vr1", "alice")
	require.NoError(t, err)
	assert.Equal(t, lifecycle.RequestCancelled, req.Status)
	require.NotNil(t, req.CompletedAt)

	doc, err := s.GetDocument(ctx, "doc1")
	require.NoError(t, err)
	assert.Equal(t, lifecycle.StatusDraft, doc.Status)

	_, err = s.CancelValidationRequest(ctx, "vr1", "alice")
	var completed *RequestCompletedError
	require.True(t, errors.As(err, &completed))
	assert.Equal(t, lifecycle.RequestCancelled, completed.Status)
}

func TestPendingRequestForDocument(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	newTestDocument(t, s, "doc1")

	pending, err := s.PendingRequestForDocument(ctx, "doc1")
	require.NoError(t, err)
	assert.Nil(t, pending)

	newTestRequest(t, s, "vr1", "doc1", []string{"bob"}, 1)
	pending, err = s.PendingRequestForDocument(ctx, "doc1")
	require.NoError(t, err)
	require.NotNil(t, pending)
	assert.Equal(t, "vr1", pending.ID)
}

func TestValidatorQueue(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	newTestDocument(t, s, "doc1")
	newTestDocument(t, s, "doc2")
	newTestRequest(t, s, "vr1", "doc1", []string{"bob", "carol"}, 1)
	newTestRequest(t, s, "vr2", "doc2", []string{"bob"}, 1)

	queue, err := s.ValidatorQueue(ctx, "bob")
	require.NoError(t, err)
	require.Len(t, queue, 2)

	_, err = s.RecordDecision(ctx, "vr2", "bob", true, "")
	require.NoError(t, err)

	queue, err = s.ValidatorQueue(ctx, "bob")
	require.NoError(t, err)
	require.Len(t, queue, 1)
	assert.Equal(t, "vr1", queue[0].RequestID)

	queue, err = s.ValidatorQueue(ctx, "nobody")
	require.NoError(t, err)
	assert.Empty(t, queue)
}

func TestListOverdueRequests(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	newTestDocument(t, s, "doc1")
	newTestDocument(t, s, "doc2")

	past := time.Now().Add(-time.Hour)
	future := time.Now().Add(time.Hour)
	_, err := s.CreateValidationRequest(ctx, ValidationRequest{
		ID: "vr1", DocumentID: "doc1", RequesterID: "alice",
		ValidatorIDs: []string{"bob"}, MinValidations: 1, DueDate: &past,
	})
	require.NoError(t, err)
	_, err = s.CreateValidationRequest(ctx, ValidationRequest{
		ID: "vr2", DocumentID: "doc2", RequesterID: "alice",
		ValidatorIDs: []string{"bob"}, MinValidations: 1, DueDate: &future,
	})
	require.NoError(t, err)

	overdue, err := s.ListOverdueRequests(ctx, time.Now())
	require.NoError(t, err)
	require.Len(t, overdue, 1)
	assert.Equal(t, "vr1", overdue[0].ID)
}

func TestListExpiredLocks(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	newTestDocument(t, s, "doc1")
	newTestDocument(t, s, "doc2")

	past := time.Now().Add(-time.Minute)
	future := time.Now().Add(time.Hour)
	_, err := s.AcquireLock(ctx, "doc1", "alice", "", &past)
	require.NoError(t, err)
	_, err = s.AcquireLock(ctx, "doc2", "bob", "", &future)
	require.NoError(t, err)

	expired, err := s.ListExpiredLocks(ctx, time.Now())
	require.NoError(t, err)
	require.Len(t, expired, 1)
	assert.Equal(t, "doc1", expired[0].ID)
}

func TestSetDocumentStatus(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	newTestDocument(t, s, "doc1")

	doc, err := s.SetDocumentStatus(ctx, "doc1", lifecycle.StatusDraft, lifecycle.StatusProcessing, "worker")
	require.NoError(t, err)
	assert.Equal(t, lifecycle.StatusProcessing, doc.Status)

	// CAS fails when the observed status has moved on.
	_, err = s.SetDocumentStatus(ctx, "doc1", lifecycle.StatusDraft, lifecycle.StatusProcessing, "worker")
	var invalid *lifecycle.InvalidTransitionError
	require.True(t, errors.As(err, &invalid))
	assert.Equal(t, lifecycle.StatusProcessing, invalid.From)

	_, err = s.SetDocumentStatus(ctx, "missing", lifecycle.StatusDraft, lifecycle.StatusProcessing, "worker")
	assert.True(t, errors.Is(err, sql.ErrNoRows))
}

func TestGetDocumentMissing(t *testing.T) {
	s := NewMemoryStore()
	_, err := s.GetDocument(context.Background(), "nope")
	assert.True(t, errors.Is(err, sql.ErrNoRows))
}
