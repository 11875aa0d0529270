package app

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"docuvault/api/internal/lifecycle"
	"docuvault/api/internal/store"
)

// HTTPServer is a thin caller of the coordinator service. Authorization is
// decided upstream; request bodies carry explicit, already-authorized actor
// ids.
type HTTPServer struct {
	service *Service
}

func NewHTTPServer(service *Service) *HTTPServer {
	return &HTTPServer{service: service}
}

func (s *HTTPServer) Handler() http.Handler {
	return http.HandlerFunc(s.handle)
}

func (s *HTTPServer) handle(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")

	if (r.Method == http.MethodGet || r.Method == http.MethodHead) && r.URL.Path == "/api/health" {
		writeJSON(w, http.StatusOK, map[string]any{"ok": true})
		return
	}

	if (r.Method == http.MethodGet || r.Method == http.MethodHead) && r.URL.Path == "/api/ready" {
		ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
		defer cancel()

		if err := s.service.Ping(ctx); err != nil {
			writeJSON(w, http.StatusServiceUnavailable, map[string]any{
				"ok":     false,
				"status": "not_ready",
				"error":  err.Error(),
			})
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"ok": true, "status": "ready"})
		return
	}

	parts := splitPath(r.URL.Path)
	if len(parts) < 2 || parts[0] != "api" {
		writeError(w, http.StatusNotFound, "NOT_FOUND", "Not found", nil)
		return
	}

	switch {
	case parts[1] == "documents" && len(parts) == 2 && r.Method == http.MethodGet:
		s.handleListDocuments(w, r)
	case parts[1] == "documents" && len(parts) == 2 && r.Method == http.MethodPost:
		s.handleCreateDocument(w, r)
	case parts[1] == "documents" && len(parts) == 3 && r.Method == http.MethodGet:
		s.handleGetDocument(w, r, parts[2])
	case parts[1] == "documents" && len(parts) == 4 && parts[3] == "status" && r.Method == http.MethodGet:
		s.handleDocumentStatus(w, r, parts[2])
	case parts[1] == "documents" && len(parts) == 4 && r.Method == http.MethodPost:
		s.handleDocumentAction(w, r, parts[2], parts[3])
	case parts[1] == "validations" && len(parts) == 3 && r.Method == http.MethodGet:
		s.handleGetValidationRequest(w, r, parts[2])
	case parts[1] == "validations" && len(parts) == 4 && r.Method == http.MethodPost:
		s.handleValidationAction(w, r, parts[2], parts[3])
	case parts[1] == "validators" && len(parts) == 4 && parts[3] == "queue" && r.Method == http.MethodGet:
		s.handleValidatorQueue(w, r, parts[2])
	default:
		writeError(w, http.StatusNotFound, "NOT_FOUND", "Not found", nil)
	}
}

func (s *HTTPServer) handleListDocuments(w http.ResponseWriter, r *http.Request) {
	items, err := s.service.ListDocuments(r.Context())
	if err != nil {
		status, code, message, details := mapError(err)
		writeError(w, status, code, message, details)
		return
	}
	documents := make([]map[string]any, 0, len(items))
	for _, doc := range items {
		documents = append(documents, documentPayload(doc))
	}
	writeJSON(w, http.StatusOK, map[string]any{"documents": documents})
}

func (s *HTTPServer) handleCreateDocument(w http.ResponseWriter, r *http.Request) {
	var body CreateDocumentInput
	if err := decodeBody(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
		return
	}
	doc, err := s.service.CreateDocument(r.Context(), body)
	if err != nil {
		status, code, message, details := mapError(err)
		writeError(w, status, code, message, details)
		return
	}
	writeJSON(w, http.StatusCreated, documentPayload(doc))
}

func (s *HTTPServer) handleGetDocument(w http.ResponseWriter, r *http.Request, documentID string) {
	doc, err := s.service.GetDocument(r.Context(), documentID)
	if err != nil {
		status, code, message, details := mapError(err)
		writeError(w, status, code, message, details)
		return
	}
	writeJSON(w, http.StatusOK, documentPayload(doc))
}

func (s *HTTPServer) handleDocumentStatus(w http.ResponseWriter, r *http.Request, documentID string) {
	status, err := s.service.GetDocumentStatus(r.Context(), documentID)
	if err != nil {
		httpStatus, code, message, details := mapError(err)
		writeError(w, httpStatus, code, message, details)
		return
	}

	payload := map[string]any{
		"documentId": status.DocumentID,
		"status":     status.Status,
		"lock":       lockPayload(status.Lock),
	}
	if status.PendingRequest != nil {
		payload["pendingRequest"] = requestPayload(*status.PendingRequest)
		payload["tally"] = map[string]any{
			"approved": status.Approved,
			"rejected": status.Rejected,
			"pending":  status.Pending,
		}
	}
	writeJSON(w, http.StatusOK, payload)
}

func (s *HTTPServer) handleDocumentAction(w http.ResponseWriter, r *http.Request, documentID, action string) {
	switch action {
	case "lock":
		var body struct {
			ActorID           string     `json:"actorId"`
			Reason            string     `json:"reason"`
			UnlockScheduledAt *time.Time `json:"unlockScheduledAt"`
		}
		if err := decodeBody(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
			return
		}
		info, err := s.service.AcquireLock(r.Context(), AcquireLockInput{
			DocumentID:        documentID,
			ActorID:           body.ActorID,
			Reason:            body.Reason,
			UnlockScheduledAt: body.UnlockScheduledAt,
		})
		if err != nil {
			status, code, message, details := mapError(err)
			writeError(w, status, code, message, details)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"lock": lockPayload(info)})

	case "unlock":
		var body struct {
			ActorID string `json:"actorId"`
		}
		if err := decodeBody(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
			return
		}
		if err := s.service.ReleaseLock(r.Context(), documentID, body.ActorID); err != nil {
			status, code, message, details := mapError(err)
			writeError(w, status, code, message, details)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"ok": true})

	case "force-unlock":
		var body struct {
			AdminID string `json:"adminId"`
		}
		if err := decodeBody(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
			return
		}
		if err := s.service.ForceReleaseLock(r.Context(), documentID, body.AdminID); err != nil {
			status, code, message, details := mapError(err)
			writeError(w, status, code, message, details)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"ok": true})

	case "archive":
		var body struct {
			ActorID string `json:"actorId"`
		}
		if err := decodeBody(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
			return
		}
		doc, err := s.service.ArchiveDocument(r.Context(), documentID, body.ActorID)
		if err != nil {
			status, code, message, details := mapError(err)
			writeError(w, status, code, message, details)
			return
		}
		writeJSON(w, http.StatusOK, documentPayload(doc))

	case "validations":
		var body struct {
			RequesterID    string     `json:"requesterId"`
			ValidatorIDs   []string   `json:"validatorIds"`
			MinValidations int        `json:"minValidations"`
			Description    string     `json:"description"`
			DueDate        *time.Time `json:"dueDate"`
		}
		if err := decodeBody(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
			return
		}
		req, err := s.service.RequestValidation(r.Context(), RequestValidationInput{
			DocumentID:     documentID,
			RequesterID:    body.RequesterID,
			ValidatorIDs:   body.ValidatorIDs,
			MinValidations: body.MinValidations,
			Description:    body.Description,
			DueDate:        body.DueDate,
		})
		if err != nil {
			status, code, message, details := mapError(err)
			writeError(w, status, code, message, details)
			return
		}
		writeJSON(w, http.StatusCreated, requestPayload(req))

	default:
		writeError(w, http.StatusNotFound, "NOT_FOUND", "Not found", nil)
	}
}

func (s *HTTPServer) handleGetValidationRequest(w http.ResponseWriter, r *http.Request, requestID string) {
	req, validations, err := s.service.GetValidationRequest(r.Context(), requestID)
	if err != nil {
		status, code, message, details := mapError(err)
		writeError(w, status, code, message, details)
		return
	}

	items := make([]map[string]any, 0, len(validations))
	for _, v := range validations {
		items = append(items, validationPayload(v))
	}
	payload := requestPayload(req)
	payload["validations"] = items
	writeJSON(w, http.StatusOK, payload)
}

func (s *HTTPServer) handleValidationAction(w http.ResponseWriter, r *http.Request, requestID, action string) {
	switch action {
	case "approve":
		var body struct {
			ValidatorID string  `json:"validatorId"`
			Comment     *string `json:"comment"`
		}
		if err := decodeBody(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
			return
		}
		outcome, err := s.service.Approve(r.Context(), requestID, body.ValidatorID, body.Comment)
		if err != nil {
			status, code, message, details := mapError(err)
			writeError(w, status, code, message, details)
			return
		}
		writeJSON(w, http.StatusOK, outcomePayload(outcome))

	case "reject":
		var body struct {
			ValidatorID string `json:"validatorId"`
			Comment     string `json:"comment"`
		}
		if err := decodeBody(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
			return
		}
		outcome, err := s.service.Reject(r.Context(), requestID, body.ValidatorID, body.Comment)
		if err != nil {
			status, code, message, details := mapError(err)
			writeError(w, status, code, message, details)
			return
		}
		writeJSON(w, http.StatusOK, outcomePayload(outcome))

	case "cancel":
		var body struct {
			ActorID string `json:"actorId"`
		}
		if err := decodeBody(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
			return
		}
		if err := s.service.Cancel(r.Context(), requestID, body.ActorID); err != nil {
			status, code, message, details := mapError(err)
			writeError(w, status, code, message, details)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"ok": true})

	default:
		writeError(w, http.StatusNotFound, "NOT_FOUND", "Not found", nil)
	}
}

func (s *HTTPServer) handleValidatorQueue(w http.ResponseWriter, r *http.Request, validatorID string) {
	items, err := s.service.ValidatorQueue(r.Context(), validatorID)
	if err != nil {
		status, code, message, details := mapError(err)
		writeError(w, status, code, message, details)
		return
	}
	queue := make([]map[string]any, 0, len(items))
	for _, v := range items {
		queue = append(queue, validationPayload(v))
	}
	writeJSON(w, http.StatusOK, map[string]any{"queue": queue})
}

func documentPayload(doc store.Document) map[string]any {
	return map[string]any{
		"id":        doc.ID,
		"title":     doc.Title,
		"spaceId":   doc.SpaceID,
		"status":    doc.Status,
		"lock":      lockPayload(doc.LockInfo()),
		"updatedBy": doc.UpdatedBy,
		"updatedAt": doc.UpdatedAt,
	}
}

func lockPayload(info store.LockInfo) map[string]any {
	if !info.Locked {
		return map[string]any{"locked": false}
	}
	payload := map[string]any{
		"locked": true,
		"heldBy": info.HeldBy,
		"heldAt": info.HeldAt,
	}
	if info.Reason != "" {
		payload["reason"] = info.Reason
	}
	if info.UnlockScheduledAt != nil {
		payload["unlockScheduledAt"] = info.UnlockScheduledAt
	}
	return payload
}

func requestPayload(req store.ValidationRequest) map[string]any {
	return map[string]any{
		"id":             req.ID,
		"documentId":     req.DocumentID,
		"requesterId":    req.RequesterID,
		"validatorIds":   req.ValidatorIDs,
		"minValidations": req.MinValidations,
		"status":         req.Status,
		"description":    req.Description,
		"dueDate":        req.DueDate,
		"completedAt":    req.CompletedAt,
		"createdAt":      req.CreatedAt,
	}
}

func validationPayload(v store.DocumentValidation) map[string]any {
	return map[string]any{
		"id":          v.ID,
		"requestId":   v.RequestID,
		"documentId":  v.DocumentID,
		"validatorId": v.ValidatorID,
		"status":      v.Status,
		"comment":     v.Comment,
		"validatedAt": v.ValidatedAt,
	}
}

func outcomePayload(outcome ValidationOutcome) map[string]any {
	return map[string]any{
		"requestId":      outcome.RequestID,
		"requestStatus":  outcome.RequestStatus,
		"documentId":     outcome.DocumentID,
		"documentStatus": outcome.DocumentStatus,
		"approved":       outcome.Approved,
		"rejected":       outcome.Rejected,
		"pending":        outcome.Pending,
		"total":          outcome.Total,
		"minValidations": outcome.MinValidations,
		"completed":      outcome.Completed,
		"completedAt":    outcome.CompletedAt,
	}
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, code, message string, details any) {
	response := map[string]any{
		"code":  code,
		"error": message,
	}
	if details != nil {
		response["details"] = details
	}
	writeJSON(w, status, response)
}

func decodeBody(r *http.Request, target any) error {
	if r.Body == nil {
		return nil
	}
	defer r.Body.Close()
	decoder := json.NewDecoder(r.Body)
	if err := decoder.Decode(target); err != nil {
		if errors.Is(err, http.ErrBodyReadAfterClose) {
			return nil
		}
		return fmt.Errorf("invalid JSON body")
	}
	return nil
}

func splitPath(path string) []string {
	trimmed := strings.Trim(path, "/")
	if trimmed == "" {
		return nil
	}
	return strings.Split(trimmed, "/")
}

// mapError flattens the coordinator taxonomy onto HTTP. Conflict-shaped
// errors keep enough structure for a caller to render "locked by X since T"
// or the current tally without a second read.
func mapError(err error) (status int, code, message string, details any) {
	var domainErr *DomainError
	if errors.As(err, &domainErr) {
		return domainErr.Status, domainErr.Code, domainErr.Message, domainErr.Details
	}

	var lockConflict *store.LockConflictError
	if errors.As(err, &lockConflict) {
		return http.StatusConflict, "LOCK_CONFLICT", lockConflict.Error(), map[string]any{
			"documentId": lockConflict.DocumentID,
			"heldBy":     lockConflict.HeldBy,
			"heldAt":     lockConflict.HeldAt,
		}
	}
	var notHolder *store.NotLockHolderError
	if errors.As(err, &notHolder) {
		return http.StatusForbidden, "NOT_LOCK_HOLDER", notHolder.Error(), map[string]any{
			"documentId": notHolder.DocumentID,
			"heldBy":     notHolder.HeldBy,
		}
	}
	var alreadyPending *store.RequestAlreadyPendingError
	if errors.As(err, &alreadyPending) {
		return http.StatusConflict, "REQUEST_ALREADY_PENDING", alreadyPending.Error(), map[string]any{
			"documentId": alreadyPending.DocumentID,
			"requestId":  alreadyPending.RequestID,
		}
	}
	var notAssigned *store.ValidatorNotAssignedError
	if errors.As(err, &notAssigned) {
		return http.StatusForbidden, "VALIDATOR_NOT_ASSIGNED", notAssigned.Error(), nil
	}
	var alreadyValidated *store.AlreadyValidatedError
	if errors.As(err, &alreadyValidated) {
		return http.StatusConflict, "ALREADY_VALIDATED", alreadyValidated.Error(), map[string]any{
			"decision": alreadyValidated.Decision,
		}
	}
	var completed *store.RequestCompletedError
	if errors.As(err, &completed) {
		return http.StatusConflict, "REQUEST_ALREADY_COMPLETED", completed.Error(), map[string]any{
			"status": completed.Status,
		}
	}
	var transition *lifecycle.InvalidTransitionError
	if errors.As(err, &transition) {
		return http.StatusConflict, "INVALID_STATE_TRANSITION", transition.Error(), map[string]any{
			"from": transition.From,
			"to":   transition.To,
		}
	}
	if errors.Is(err, sql.ErrNoRows) {
		return http.StatusNotFound, "NOT_FOUND", "Not found", nil
	}
	return http.StatusInternalServerError, "SERVER_ERROR", "Server error", nil
}
