package steps

import (
	"context"
	"encoding/json"

	"github.com/veyra/flowcore/pkg/schema"
)

// ApprovalTicket describes the pending decision an Approval step opens.
type ApprovalTicket struct {
	ExecutionID string
	WorkflowID  string
	CompanyID   string
	ApproverID  string
	Data        map[string]any
}

// ApprovalGateway records approval requests and returns their IDs.
type ApprovalGateway interface {
	RequestApproval(ctx context.Context, ticket ApprovalTicket) (string, error)
}

// ApprovalHandler runs Approval steps. It records the request; halting the
// run is the controller's job, keyed off the step type.
type ApprovalHandler struct {
	gateway ApprovalGateway
}

// NewApprovalHandler creates an Approval step handler.
func NewApprovalHandler(gateway ApprovalGateway) *ApprovalHandler {
	return &ApprovalHandler{gateway: gateway}
}

func (h *ApprovalHandler) Type() schema.StepType { return schema.StepApproval }

func (h *ApprovalHandler) Execute(ctx context.Context, ec ExecContext, step *schema.Step, prior []schema.StepResult) (json.RawMessage, error) {
	cfg, err := schema.DecodeStepConfig(step)
	if err != nil {
		return nil, err
	}
	ap := cfg.(*schema.ApprovalConfig)

	if len(ap.ApproverIDs) == 0 {
		return nil, schema.NewError(schema.ErrCodeValidation, "Approval requires approverIds").WithStep(step.ID)
	}

	data := ap.ApprovalData
	if data == nil {
		data = map[string]any{}
	}

	// First approver owns the request; the rest are informational.
	approvalID, err := h.gateway.RequestApproval(ctx, ApprovalTicket{
		ExecutionID: ec.ExecutionID,
		WorkflowID:  ec.WorkflowID,
		CompanyID:   ec.CompanyID,
		ApproverID:  ap.ApproverIDs[0],
		Data:        data,
	})
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeExecution,
			"Approval creation failed: %s", flowMessage(err)).WithStep(step.ID).WithCause(err)
	}

	return json.Marshal(map[string]any{
		"approvalId": approvalID,
		"status":     string(schema.ApprovalPending),
	})
}
