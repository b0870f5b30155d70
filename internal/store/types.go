package store

import (
	"encoding/json"
	"time"

	"github.com/veyra/flowcore/pkg/schema"
)

// Workflow is a persisted automation definition owned by one company.
type Workflow struct {
	ID          string                    `json:"id"`
	CompanyID   string                    `json:"company_id"`
	Name        string                    `json:"name"`
	Description string                    `json:"description,omitempty"`
	Definition  schema.WorkflowDefinition `json:"definition"`
	IsActive    bool                      `json:"is_active"`
	CreatedBy   string                    `json:"created_by,omitempty"`
	CreatedAt   time.Time                 `json:"created_at"`
	UpdatedAt   time.Time                 `json:"updated_at"`
}

// Execution is one run of a workflow. StepResults is the append-only
// record of every step attempt; CurrentStepIndex is the checkpoint a
// resume continues from.
type Execution struct {
	ID               string                 `json:"id"`
	WorkflowID       string                 `json:"workflow_id"`
	CompanyID        string                 `json:"company_id"`
	TriggeredBy      string                 `json:"triggered_by,omitempty"`
	TriggerSource    string                 `json:"trigger_source"`
	Status           schema.ExecutionStatus `json:"status"`
	CurrentStepIndex int                    `json:"current_step_index"`
	StepResults      []schema.StepResult    `json:"step_results"`
	ErrorLog         string                 `json:"error_log,omitempty"`
	CreatedAt        time.Time              `json:"created_at"`
	StartedAt        *time.Time             `json:"started_at,omitempty"`
	CompletedAt      *time.Time             `json:"completed_at,omitempty"`
	UpdatedAt        time.Time              `json:"updated_at"`
}

// ApprovalRequest is a pending human decision that halted an execution.
type ApprovalRequest struct {
	ID          string                `json:"id"`
	ExecutionID string                `json:"execution_id"`
	WorkflowID  string                `json:"workflow_id"`
	CompanyID   string                `json:"company_id"`
	ApproverID  string                `json:"approver_id"`
	RequestData json.RawMessage       `json:"request_data,omitempty"`
	Status      schema.ApprovalStatus `json:"status"`
	ResolvedBy  string                `json:"resolved_by,omitempty"`
	ResolvedAt  *time.Time            `json:"resolved_at,omitempty"`
	CreatedAt   time.Time             `json:"created_at"`
}

// Event is an immutable entry in the per-execution audit log.
type Event struct {
	ID          int64           `json:"id"`
	ExecutionID string          `json:"execution_id"`
	StepID      string          `json:"step_id,omitempty"`
	Type        string          `json:"event_type"`
	Payload     json.RawMessage `json:"payload,omitempty"`
	Actor       string          `json:"actor,omitempty"`
	Timestamp   time.Time       `json:"timestamp"`
	Sequence    int64           `json:"sequence"`
}

// --- Filter and update types ---

// WorkflowFilter specifies criteria for listing workflows.
type WorkflowFilter struct {
	CompanyID   string              `json:"company_id,omitempty"`
	TriggerType *schema.TriggerType `json:"trigger_type,omitempty"`
	Active      *bool               `json:"active,omitempty"`
	Limit       int                 `json:"limit,omitempty"`
}

// WorkflowUpdate specifies mutable fields of a workflow.
type WorkflowUpdate struct {
	Name        *string                    `json:"name,omitempty"`
	Description *string                    `json:"description,omitempty"`
	Definition  *schema.WorkflowDefinition `json:"definition,omitempty"`
	IsActive    *bool                      `json:"is_active,omitempty"`
}

// ExecutionUpdate specifies mutable fields of an execution. A nil
// StepResults means "leave unchanged"; an empty non-nil slice clears.
type ExecutionUpdate struct {
	Status           *schema.ExecutionStatus `json:"status,omitempty"`
	CurrentStepIndex *int                    `json:"current_step_index,omitempty"`
	StepResults      []schema.StepResult     `json:"step_results,omitempty"`
	ErrorLog         *string                 `json:"error_log,omitempty"`
	StartedAt        *time.Time              `json:"started_at,omitempty"`
	CompletedAt      *time.Time              `json:"completed_at,omitempty"`
}

// ExecutionFilter specifies criteria for listing executions.
type ExecutionFilter struct {
	WorkflowID string                  `json:"workflow_id,omitempty"`
	CompanyID  string                  `json:"company_id,omitempty"`
	Status     *schema.ExecutionStatus `json:"status,omitempty"`
	Since      *time.Time              `json:"since,omitempty"`
	Limit      int                     `json:"limit,omitempty"`
	Offset     int                     `json:"offset,omitempty"`
}

// ApprovalFilter specifies criteria for listing approval requests.
type ApprovalFilter struct {
	ExecutionID string                 `json:"execution_id,omitempty"`
	CompanyID   string                 `json:"company_id,omitempty"`
	ApproverID  string                 `json:"approver_id,omitempty"`
	Status      *schema.ApprovalStatus `json:"status,omitempty"`
	Limit       int                    `json:"limit,omitempty"`
}
