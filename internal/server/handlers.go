package server

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/veyra/flowcore/internal/dispatch"
	"github.com/veyra/flowcore/internal/store"
	"github.com/veyra/flowcore/internal/validation"
	"github.com/veyra/flowcore/pkg/schema"
)

// Handlers holds the HTTP handlers for the trigger API.
type Handlers struct {
	dispatcher *dispatch.Dispatcher
	store      store.Store
	validator  dispatch.DefinitionValidator
	logger     *slog.Logger
}

// NewHandlers creates the handler set.
func NewHandlers(d *dispatch.Dispatcher, st store.Store, validator dispatch.DefinitionValidator, logger *slog.Logger) *Handlers {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handlers{dispatcher: d, store: st, validator: validator, logger: logger}
}

// Health reports liveness.
func (h *Handlers) Health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// Trigger accepts a trigger request and routes it through the dispatcher.
func (h *Handlers) Trigger(w http.ResponseWriter, r *http.Request) {
	var req dispatch.TriggerRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, schema.NewError(schema.ErrCodeValidation, "invalid request body").WithCause(err))
		return
	}

	result, err := h.dispatcher.Dispatch(r.Context(), req)
	if err != nil {
		h.logger.ErrorContext(r.Context(), "trigger dispatch failed",
			slog.String("job_type", req.JobType),
			slog.String("error", err.Error()))
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

type createWorkflowRequest struct {
	CompanyID   string                    `json:"company_id"`
	Name        string                    `json:"name"`
	Description string                    `json:"description,omitempty"`
	Definition  schema.WorkflowDefinition `json:"definition"`
	IsActive    *bool                     `json:"is_active,omitempty"`
	CreatedBy   string                    `json:"created_by,omitempty"`
}

// CreateWorkflow registers a workflow. The definition is validated on
// write, so a stored workflow is runnable the moment registration
// succeeds.
func (h *Handlers) CreateWorkflow(w http.ResponseWriter, r *http.Request) {
	var req createWorkflowRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, schema.NewError(schema.ErrCodeValidation, "invalid request body").WithCause(err))
		return
	}
	if req.CompanyID == "" || req.Name == "" {
		writeError(w, schema.NewError(schema.ErrCodeValidation, "company_id and name are required"))
		return
	}
	if err := h.validator.ValidateDefinition(&req.Definition); err != nil {
		writeError(w, err)
		return
	}

	active := true
	if req.IsActive != nil {
		active = *req.IsActive
	}
	wf := &store.Workflow{
		ID:          uuid.NewString(),
		CompanyID:   req.CompanyID,
		Name:        req.Name,
		Description: req.Description,
		Definition:  req.Definition,
		IsActive:    active,
		CreatedBy:   req.CreatedBy,
	}
	if err := h.store.CreateWorkflow(r.Context(), wf); err != nil {
		writeError(w, err)
		return
	}

	h.logger.InfoContext(r.Context(), "workflow registered",
		slog.String("workflow_id", wf.ID),
		slog.String("name", wf.Name),
		slog.Any("steps", validation.DescribeSteps(&wf.Definition)))
	writeJSON(w, http.StatusCreated, wf)
}

type approvalDecision struct {
	Decision   string `json:"decision"`
	ResolvedBy string `json:"resolved_by"`
}

// DecideApproval resolves a pending approval request. An approved decision
// resumes the halted execution; a rejected one fails it.
func (h *Handlers) DecideApproval(w http.ResponseWriter, r *http.Request) {
	approvalID := chi.URLParam(r, "approvalID")

	var dec approvalDecision
	if err := json.NewDecoder(r.Body).Decode(&dec); err != nil {
		writeError(w, schema.NewError(schema.ErrCodeValidation, "invalid request body").WithCause(err))
		return
	}

	var status schema.ApprovalStatus
	switch dec.Decision {
	case "approved":
		status = schema.ApprovalApproved
	case "rejected":
		status = schema.ApprovalRejected
	default:
		writeError(w, schema.NewErrorf(schema.ErrCodeValidation,
			"decision must be approved or rejected, got %q", dec.Decision))
		return
	}

	req, err := h.store.GetApprovalRequest(r.Context(), approvalID)
	if err != nil {
		writeError(w, err)
		return
	}
	if err := h.store.ResolveApprovalRequest(r.Context(), approvalID, status, dec.ResolvedBy); err != nil {
		writeError(w, err)
		return
	}

	if status == schema.ApprovalRejected {
		failed := schema.ExecutionFailed
		now := time.Now().UTC()
		errorLog := "approval rejected"
		if err := h.store.UpdateExecution(r.Context(), req.ExecutionID, store.ExecutionUpdate{
			Status:      &failed,
			ErrorLog:    &errorLog,
			CompletedAt: &now,
		}); err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"status":      string(schema.ExecutionFailed),
			"executionId": req.ExecutionID,
		})
		return
	}

	result, err := h.dispatcher.Resume(r.Context(), req.ExecutionID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

// GetExecution returns one execution with its step results.
func (h *Handlers) GetExecution(w http.ResponseWriter, r *http.Request) {
	exec, err := h.store.GetExecution(r.Context(), chi.URLParam(r, "executionID"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, exec)
}

// GetExecutionEvents returns the full audit log of one execution.
func (h *Handlers) GetExecutionEvents(w http.ResponseWriter, r *http.Request) {
	executionID := chi.URLParam(r, "executionID")
	if _, err := h.store.GetExecution(r.Context(), executionID); err != nil {
		writeError(w, err)
		return
	}
	events, err := h.store.GetEvents(r.Context(), executionID, 0)
	if err != nil {
		writeError(w, err)
		return
	}
	if events == nil {
		events = []*store.Event{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"events": events})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	body := map[string]any{"error": err.Error()}

	var fe *schema.FlowError
	if errors.As(err, &fe) {
		status = statusForCode(fe.Code)
		body = map[string]any{
			"error": fe.Message,
			"code":  fe.Code,
		}
		if fe.Details != nil {
			body["details"] = fe.Details
		}
	}
	writeJSON(w, status, body)
}

func statusForCode(code string) int {
	switch code {
	case schema.ErrCodeValidation, schema.ErrCodeDispatch:
		return http.StatusBadRequest
	case schema.ErrCodeNotFound:
		return http.StatusNotFound
	case schema.ErrCodeConflict, schema.ErrCodeInvalidTransition:
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}
