package schema

import (
	"encoding/json"
	"time"
)

// ExecutionStatus represents the lifecycle state of one workflow run.
type ExecutionStatus string

const (
	ExecutionPending          ExecutionStatus = "pending"
	ExecutionRunning          ExecutionStatus = "running"
	ExecutionAwaitingApproval ExecutionStatus = "awaiting_approval"
	ExecutionCompleted        ExecutionStatus = "completed"
	ExecutionFailed           ExecutionStatus = "failed"
)

// StepStatus represents the outcome of attempting one step once.
type StepStatus string

const (
	StepPending StepStatus = "pending"
	StepRunning StepStatus = "running"
	StepSuccess StepStatus = "success"
	StepFailed  StepStatus = "failed"
	StepSkipped StepStatus = "skipped"
)

// ApprovalStatus represents the state of a human-approval request.
type ApprovalStatus string

const (
	ApprovalPending  ApprovalStatus = "pending"
	ApprovalApproved ApprovalStatus = "approved"
	ApprovalRejected ApprovalStatus = "rejected"
)

// StepResult is the immutable record of attempting one step once.
// Appended to the parent execution's list; never edited in place.
type StepResult struct {
	StepID     string          `json:"step_id"`
	StepName   string          `json:"step_name"`
	Status     StepStatus      `json:"status"`
	Result     json.RawMessage `json:"result,omitempty"`
	Error      string          `json:"error,omitempty"`
	DurationMs int64           `json:"duration_ms,omitempty"`
	ExecutedAt time.Time       `json:"executed_at"`
}

// Event type constants for the execution audit log.
const (
	EventExecutionStarted          = "execution_started"
	EventExecutionCompleted        = "execution_completed"
	EventExecutionFailed           = "execution_failed"
	EventExecutionAwaitingApproval = "execution_awaiting_approval"
	EventExecutionResumed          = "execution_resumed"

	EventStepStarted   = "step_started"
	EventStepSucceeded = "step_succeeded"
	EventStepFailed    = "step_failed"

	EventApprovalRequested = "approval_requested"
)
