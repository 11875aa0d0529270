package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgconn"

	"docuvault/api/internal/lifecycle"
)

// PostgresStore implements the coordinator aggregate on Postgres. Every
// mutating operation is one transaction that takes the document row FOR
// UPDATE first, so decisions on a document are linearized by row locking
// while different documents proceed independently.
type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) DB() *sql.DB {
	return s.db
}

const documentColumns = `id, title, space_id, status, locked_by, locked_at, lock_reason, unlock_scheduled_at, updated_by, created_at, updated_at`

func scanDocument(row interface{ Scan(...any) error }) (Document, error) {
	var doc Document
	err := row.Scan(
		&doc.ID,
		&doc.Title,
		&doc.SpaceID,
		&doc.Status,
		&doc.LockedBy,
		&doc.LockedAt,
		&doc.LockReason,
		&doc.UnlockScheduledAt,
		&doc.UpdatedBy,
		&doc.CreatedAt,
		&doc.UpdatedAt,
	)
	return doc, err
}

func (s *PostgresStore) withTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	return nil
}

func getDocumentForUpdate(ctx context.Context, tx *sql.Tx, documentID string) (Document, error) {
	row := tx.QueryRowContext(ctx, `
		SELECT `+documentColumns+`
		FROM documents
		WHERE id=$1
		FOR UPDATE
	`, documentID)
	doc, err := scanDocument(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Document{}, err
	}
	if err != nil {
		return Document{}, fmt.Errorf("select document for update: %w", err)
	}
	return doc, nil
}

func (s *PostgresStore) CreateDocument(ctx context.Context, doc Document) (Document, error) {
	if doc.Status == "" {
		doc.Status = lifecycle.StatusDraft
	}
	row := s.db.QueryRowContext(ctx, `
		INSERT INTO documents (id, title, space_id, status, updated_by)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (id) DO UPDATE SET id=EXCLUDED.id
		RETURNING `+documentColumns+`
	`, doc.ID, doc.Title, doc.SpaceID, doc.Status, doc.UpdatedBy)
	created, err := scanDocument(row)
	if err != nil {
		return Document{}, fmt.Errorf("insert document: %w", err)
	}
	return created, nil
}

func (s *PostgresStore) GetDocument(ctx context.Context, documentID string) (Document, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+documentColumns+` FROM documents WHERE id=$1`, documentID)
	doc, err := scanDocument(row)
	if err != nil {
		return Document{}, err
	}
	return doc, nil
}

func (s *PostgresStore) ListDocuments(ctx context.Context) ([]Document, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+documentColumns+` FROM documents ORDER BY updated_at DESC`)
	if err != nil {
		return nil, fmt.Errorf("list documents: %w", err)
	}
	defer rows.Close()

	items := make([]Document, 0)
	for rows.Next() {
		doc, err := scanDocument(rows)
		if err != nil {
			return nil, fmt.Errorf("scan document: %w", err)
		}
		items = append(items, doc)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate documents: %w", err)
	}
	return items, nil
}

func (s *PostgresStore) AcquireLock(ctx context.Context, documentID, actorID, reason string, until *time.Time) (Document, error) {
	var out Document
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		doc, err := getDocumentForUpdate(ctx, tx, documentID)
		if err != nil {
			return err
		}
		if doc.Locked() {
			if *doc.LockedBy == actorID {
				out = doc
				return nil
			}
			return &LockConflictError{DocumentID: documentID, HeldBy: *doc.LockedBy, HeldAt: *doc.LockedAt}
		}
		if err := lifecycle.Transition(doc.Status, lifecycle.StatusLocked); err != nil {
			return err
		}

		// The locked_by IS NULL guard makes this a compare-and-swap even if
		// the row lock were ever bypassed.
		row := tx.QueryRowContext(ctx, `
			UPDATE documents
			SET status=$2, locked_by=$3, locked_at=NOW(), lock_reason=$4, unlock_scheduled_at=$5, updated_by=$3, updated_at=NOW()
			WHERE id=$1 AND locked_by IS NULL
			RETURNING `+documentColumns+`
		`, documentID, lifecycle.StatusLocked, actorID, reason, until)
		out, err = scanDocument(row)
		if err != nil {
			return fmt.Errorf("acquire lock: %w", err)
		}
		return nil
	})
	if err != nil {
		return Document{}, err
	}
	return out, nil
}

func (s *PostgresStore) ReleaseLock(ctx context.Context, documentID, actorID string, force bool) (Document, error) {
	var out Document
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		doc, err := getDocumentForUpdate(ctx, tx, documentID)
		if err != nil {
			return err
		}
		if !doc.Locked() {
			// Idempotent release.
			out = doc
			return nil
		}
		if !force && *doc.LockedBy != actorID {
			return &NotLockHolderError{DocumentID: documentID, HeldBy: *doc.LockedBy, ActorID: actorID}
		}

		pending, err := pendingRequestTx(ctx, tx, documentID)
		if err != nil {
			return err
		}
		restored := lifecycle.StatusDraft
		if pending != nil {
			restored = lifecycle.StatusPendingValidation
		}

		row := tx.QueryRowContext(ctx, `
			UPDATE documents
			SET status=$2, locked_by=NULL, locked_at=NULL, lock_reason=NULL, unlock_scheduled_at=NULL, updated_by=$3, updated_at=NOW()
			WHERE id=$1
			RETURNING `+documentColumns+`
		`, documentID, restored, actorID)
		out, err = scanDocument(row)
		if err != nil {
			return fmt.Errorf("release lock: %w", err)
		}
		return nil
	})
	if err != nil {
		return Document{}, err
	}
	return out, nil
}

const requestColumns = `id, document_id, requester_id, min_validations, status, description, due_date, completed_at, created_at`

func scanRequest(row interface{ Scan(...any) error }) (ValidationRequest, error) {
	var req ValidationRequest
	err := row.Scan(
		&req.ID,
		&req.DocumentID,
		&req.RequesterID,
		&req.MinValidations,
		&req.Status,
		&req.Description,
		&req.DueDate,
		&req.CompletedAt,
		&req.CreatedAt,
	)
	return req, err
}

func pendingRequestTx(ctx context.Context, tx *sql.Tx, documentID string) (*ValidationRequest, error) {
	row := tx.QueryRowContext(ctx, `
		SELECT `+requestColumns+`
		FROM validation_requests
		WHERE document_id=$1 AND status=$2
	`, documentID, lifecycle.RequestPending)
	req, err := scanRequest(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("find pending request: %w", err)
	}
	return &req, nil
}

func requestValidatorIDs(ctx context.Context, q interface {
	QueryContext(context.Context, string, ...any) (*sql.Rows, error)
}, requestID string) ([]string, error) {
	rows, err := q.QueryContext(ctx, `
		SELECT validator_id
		FROM document_validations
		WHERE validation_request_id=$1
		ORDER BY created_at ASC, validator_id ASC
	`, requestID)
	if err != nil {
		return nil, fmt.Errorf("list request validators: %w", err)
	}
	defer rows.Close()

	ids := make([]string, 0)
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan validator id: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate validators: %w", err)
	}
	return ids, nil
}

func (s *PostgresStore) CreateValidationRequest(ctx context.Context, req ValidationRequest) (ValidationRequest, error) {
	var out ValidationRequest
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		doc, err := getDocumentForUpdate(ctx, tx, req.DocumentID)
		if err != nil {
			return err
		}
		if doc.Locked() {
			return &LockConflictError{DocumentID: doc.ID, HeldBy: *doc.LockedBy, HeldAt: *doc.LockedAt}
		}
		if pending, err := pendingRequestTx(ctx, tx, req.DocumentID); err != nil {
			return err
		} else if pending != nil {
			return &RequestAlreadyPendingError{DocumentID: req.DocumentID, RequestID: pending.ID}
		}

		row := tx.QueryRowContext(ctx, `
			INSERT INTO validation_requests (id, document_id, requester_id, min_validations, status, description, due_date)
			VALUES ($1, $2, $3, $4, $5, $6, $7)
			RETURNING `+requestColumns+`
		`, req.ID, req.DocumentID, req.RequesterID, req.MinValidations, lifecycle.RequestPending, req.Description, req.DueDate)
		created, err := scanRequest(row)
		if err != nil {
			// The partial unique index backstops the pending check under
			// concurrent creation.
			if isUniqueViolation(err) {
				return &RequestAlreadyPendingError{DocumentID: req.DocumentID}
			}
			return fmt.Errorf("insert validation request: %w", err)
		}

		for _, validatorID := range req.ValidatorIDs {
			if _, err := tx.ExecContext(ctx, `
				INSERT INTO document_validations (id, validation_request_id, document_id, validator_id, status)
				VALUES ($1, $2, $3, $4, $5)
			`, req.ID+"-"+validatorID, req.ID, req.DocumentID, validatorID, lifecycle.DecisionPending); err != nil {
				return fmt.Errorf("insert document validation: %w", err)
			}
		}

		if doc.Status == lifecycle.StatusDraft {
			if _, err := tx.ExecContext(ctx, `
				UPDATE documents SET status=$2, updated_by=$3, updated_at=NOW() WHERE id=$1
			`, req.DocumentID, lifecycle.StatusPendingValidation, req.RequesterID); err != nil {
				return fmt.Errorf("mark document pending validation: %w", err)
			}
		}

		created.ValidatorIDs = append([]string(nil), req.ValidatorIDs...)
		out = created
		return nil
	})
	if err != nil {
		return ValidationRequest{}, err
	}
	return out, nil
}

func (s *PostgresStore) RecordDecision(ctx context.Context, requestID, validatorID string, approve bool, comment string) (DecisionResult, error) {
	var out DecisionResult
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		var documentID string
		err := tx.QueryRowContext(ctx, `SELECT document_id FROM validation_requests WHERE id=$1`, requestID).Scan(&documentID)
		if errors.Is(err, sql.ErrNoRows) {
			return err
		}
		if err != nil {
			return fmt.Errorf("find request document: %w", err)
		}

		// Lock ordering: document row first, then the request row.
		doc, err := getDocumentForUpdate(ctx, tx, documentID)
		if err != nil {
			return err
		}
		row := tx.QueryRowContext(ctx, `
			SELECT `+requestColumns+`
			FROM validation_requests
			WHERE id=$1
			FOR UPDATE
		`, requestID)
		req, err := scanRequest(row)
		if err != nil {
			return fmt.Errorf("select request for update: %w", err)
		}
		if lifecycle.Terminal(req.Status) {
			return &RequestCompletedError{RequestID: requestID, Status: req.Status}
		}

		decision := lifecycle.DecisionApproved
		if !approve {
			decision = lifecycle.DecisionRejected
		}
		result, err := tx.ExecContext(ctx, `
			UPDATE document_validations
			SET status=$3, comment=$4, validated_at=NOW()
			WHERE validation_request_id=$1 AND validator_id=$2 AND status=$5
		`, requestID, validatorID, decision, comment, lifecycle.DecisionPending)
		if err != nil {
			return fmt.Errorf("record decision: %w", err)
		}
		affected, err := result.RowsAffected()
		if err != nil {
			return fmt.Errorf("record decision rows: %w", err)
		}
		if affected == 0 {
			var existing lifecycle.DecisionStatus
			err := tx.QueryRowContext(ctx, `
				SELECT status FROM document_validations
				WHERE validation_request_id=$1 AND validator_id=$2
			`, requestID, validatorID).Scan(&existing)
			if errors.Is(err, sql.ErrNoRows) {
				return &ValidatorNotAssignedError{RequestID: requestID, ValidatorID: validatorID}
			}
			if err != nil {
				return fmt.Errorf("inspect decision: %w", err)
			}
			return &AlreadyValidatedError{RequestID: requestID, ValidatorID: validatorID, Decision: existing}
		}

		var approved, rejected, total int
		err = tx.QueryRowContext(ctx, `
			SELECT
				COUNT(*) FILTER (WHERE status=$2),
				COUNT(*) FILTER (WHERE status=$3),
				COUNT(*)
			FROM document_validations
			WHERE validation_request_id=$1
		`, requestID, lifecycle.DecisionApproved, lifecycle.DecisionRejected).Scan(&approved, &rejected, &total)
		if err != nil {
			return fmt.Errorf("tally decisions: %w", err)
		}

		verdict := lifecycle.EvaluateQuorum(approved, rejected, total, req.MinValidations)
		if verdict != lifecycle.VerdictPending {
			terminal := lifecycle.RequestApproved
			if verdict == lifecycle.VerdictRejected {
				terminal = lifecycle.RequestRejected
			}
			reqRow := tx.QueryRowContext(ctx, `
				UPDATE validation_requests
				SET status=$2, completed_at=NOW()
				WHERE id=$1 AND completed_at IS NULL
				RETURNING `+requestColumns+`
			`, requestID, terminal)
			req, err = scanRequest(reqRow)
			if err != nil {
				return fmt.Errorf("complete request: %w", err)
			}

			if next, ok := lifecycle.OutcomeStatus(verdict); ok && doc.Status == lifecycle.StatusPendingValidation {
				docRow := tx.QueryRowContext(ctx, `
					UPDATE documents SET status=$2, updated_by=$3, updated_at=NOW() WHERE id=$1
					RETURNING `+documentColumns+`
				`, documentID, next, validatorID)
				doc, err = scanDocument(docRow)
				if err != nil {
					return fmt.Errorf("apply validation outcome: %w", err)
				}
			}
		}

		validation, err := scanValidation(tx.QueryRowContext(ctx, `
			SELECT `+validationColumns+`
			FROM document_validations
			WHERE validation_request_id=$1 AND validator_id=$2
		`, requestID, validatorID))
		if err != nil {
			return fmt.Errorf("reload decision: %w", err)
		}

		req.ValidatorIDs, err = requestValidatorIDs(ctx, tx, requestID)
		if err != nil {
			return err
		}

		out = DecisionResult{
			Request:    req,
			Validation: validation,
			Document:   doc,
			Approved:   approved,
			Rejected:   rejected,
			Total:      total,
			Verdict:    verdict,
		}
		return nil
	})
	if err != nil {
		return DecisionResult{}, err
	}
	return out, nil
}

func (s *PostgresStore) CancelValidationRequest(ctx context.Context, requestID, actorID string) (ValidationRequest, error) {
	var out ValidationRequest
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		var documentID string
		err := tx.QueryRowContext(ctx, `SELECT document_id FROM validation_requests WHERE id=$1`, requestID).Scan(&documentID)
		if errors.Is(err, sql.ErrNoRows) {
			return err
		}
		if err != nil {
			return fmt.Errorf("find request document: %w", err)
		}

		doc, err := getDocumentForUpdate(ctx, tx, documentID)
		if err != nil {
			return err
		}
		row := tx.QueryRowContext(ctx, `
			SELECT `+requestColumns+` FROM validation_requests WHERE id=$1 FOR UPDATE
		`, requestID)
		req, err := scanRequest(row)
		if err != nil {
			return fmt.Errorf("select request for update: %w", err)
		}
		if lifecycle.Terminal(req.Status) {
			return &RequestCompletedError{RequestID: requestID, Status: req.Status}
		}

		reqRow := tx.QueryRowContext(ctx, `
			UPDATE validation_requests
			SET status=$2, completed_at=NOW()
			WHERE id=$1
			RETURNING `+requestColumns+`
		`, requestID, lifecycle.RequestCancelled)
		req, err = scanRequest(reqRow)
		if err != nil {
			return fmt.Errorf("cancel request: %w", err)
		}

		if doc.Status == lifecycle.StatusPendingValidation {
			if _, err := tx.ExecContext(ctx, `
				UPDATE documents SET status=$2, updated_by=$3, updated_at=NOW() WHERE id=$1
			`, documentID, lifecycle.StatusDraft, actorID); err != nil {
				return fmt.Errorf("revert document status: %w", err)
			}
		}

		req.ValidatorIDs, err = requestValidatorIDs(ctx, tx, requestID)
		if err != nil {
			return err
		}
		out = req
		return nil
	})
	if err != nil {
		return ValidationRequest{}, err
	}
	return out, nil
}

func (s *PostgresStore) GetValidationRequest(ctx context.Context, requestID string) (ValidationRequest, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+requestColumns+` FROM validation_requests WHERE id=$1`, requestID)
	req, err := scanRequest(row)
	if err != nil {
		return ValidationRequest{}, err
	}
	req.ValidatorIDs, err = requestValidatorIDs(ctx, s.db, requestID)
	if err != nil {
		return ValidationRequest{}, err
	}
	return req, nil
}

const validationColumns = `id, validation_request_id, document_id, validator_id, status, comment, validated_at, created_at`

func scanValidation(row interface{ Scan(...any) error }) (DocumentValidation, error) {
	var v DocumentValidation
	err := row.Scan(
		&v.ID,
		&v.RequestID,
		&v.DocumentID,
		&v.ValidatorID,
		&v.Status,
		&v.Comment,
		&v.ValidatedAt,
		&v.CreatedAt,
	)
	return v, err
}

func (s *PostgresStore) ListValidations(ctx context.Context, requestID string) ([]DocumentValidation, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+validationColumns+`
		FROM document_validations
		WHERE validation_request_id=$1
		ORDER BY created_at ASC, validator_id ASC
	`, requestID)
	if err != nil {
		return nil, fmt.Errorf("list validations: %w", err)
	}
	defer rows.Close()

	items := make([]DocumentValidation, 0)
	for rows.Next() {
		v, err := scanValidation(rows)
		if err != nil {
			return nil, fmt.Errorf("scan validation: %w", err)
		}
		items = append(items, v)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate validations: %w", err)
	}
	return items, nil
}

func (s *PostgresStore) PendingRequestForDocument(ctx context.Context, documentID string) (*ValidationRequest, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+requestColumns+`
		FROM validation_requests
		WHERE document_id=$1 AND status=$2
	`, documentID, lifecycle.RequestPending)
	req, err := scanRequest(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get pending request: %w", err)
	}
	req.ValidatorIDs, err = requestValidatorIDs(ctx, s.db, req.ID)
	if err != nil {
		return nil, err
	}
	return &req, nil
}

func (s *PostgresStore) ValidatorQueue(ctx context.Context, validatorID string) ([]DocumentValidation, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT dv.id, dv.validation_request_id, dv.document_id, dv.validator_id, dv.status, dv.comment, dv.validated_at, dv.created_at
		FROM document_validations dv
		JOIN validation_requests vr ON vr.id = dv.validation_request_id
		WHERE dv.validator_id=$1 AND dv.status=$2 AND vr.status=$2
		ORDER BY dv.created_at ASC
	`, validatorID, lifecycle.DecisionPending)
	if err != nil {
		return nil, fmt.Errorf("validator queue: %w", err)
	}
	defer rows.Close()

	items := make([]DocumentValidation, 0)
	for rows.Next() {
		v, err := scanValidation(rows)
		if err != nil {
			return nil, fmt.Errorf("scan queue entry: %w", err)
		}
		items = append(items, v)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate queue: %w", err)
	}
	return items, nil
}

func (s *PostgresStore) ListOverdueRequests(ctx context.Context, now time.Time) ([]ValidationRequest, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+requestColumns+`
		FROM validation_requests
		WHERE status=$1 AND due_date IS NOT NULL AND due_date < $2
		ORDER BY due_date ASC
	`, lifecycle.RequestPending, now)
	if err != nil {
		return nil, fmt.Errorf("list overdue requests: %w", err)
	}
	defer rows.Close()

	items := make([]ValidationRequest, 0)
	for rows.Next() {
		req, err := scanRequest(rows)
		if err != nil {
			return nil, fmt.Errorf("scan overdue request: %w", err)
		}
		items = append(items, req)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate overdue requests: %w", err)
	}
	return items, nil
}

func (s *PostgresStore) ListExpiredLocks(ctx context.Context, now time.Time) ([]Document, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+documentColumns+`
		FROM documents
		WHERE status=$1 AND unlock_scheduled_at IS NOT NULL AND unlock_scheduled_at < $2
		ORDER BY unlock_scheduled_at ASC
	`, lifecycle.StatusLocked, now)
	if err != nil {
		return nil, fmt.Errorf("list expired locks: %w", err)
	}
	defer rows.Close()

	items := make([]Document, 0)
	for rows.Next() {
		doc, err := scanDocument(rows)
		if err != nil {
			return nil, fmt.Errorf("scan expired lock: %w", err)
		}
		items = append(items, doc)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate expired locks: %w", err)
	}
	return items, nil
}

func (s *PostgresStore) SetDocumentStatus(ctx context.Context, documentID string, from, to lifecycle.Status, actorID string) (Document, error) {
	var out Document
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		if err := lifecycle.Transition(from, to); err != nil {
			return err
		}
		doc, err := getDocumentForUpdate(ctx, tx, documentID)
		if err != nil {
			return err
		}
		if doc.Status != from {
			return &lifecycle.InvalidTransitionError{From: doc.Status, To: to}
		}
		row := tx.QueryRowContext(ctx, `
			UPDATE documents SET status=$2, updated_by=$3, updated_at=NOW() WHERE id=$1
			RETURNING `+documentColumns+`
		`, documentID, to, actorID)
		out, err = scanDocument(row)
		if err != nil {
			return fmt.Errorf("set document status: %w", err)
		}
		return nil
	})
	if err != nil {
		return Document{}, err
	}
	return out, nil
}

// Ping verifies the database connection is alive
func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}
