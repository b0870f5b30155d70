package store

import (
	"context"
	"encoding/json"

	"github.com/google/uuid"

	"github.com/veyra/flowcore/internal/steps"
	"github.com/veyra/flowcore/pkg/schema"
)

// Approvals adapts the Store to the approval gateway the Approval step
// handler needs.
type Approvals struct {
	store Store
}

// NewApprovals creates the approval gateway over a Store.
func NewApprovals(s Store) *Approvals {
	return &Approvals{store: s}
}

// RequestApproval persists a pending approval request and returns its ID.
func (a *Approvals) RequestApproval(ctx context.Context, ticket steps.ApprovalTicket) (string, error) {
	data, err := json.Marshal(ticket.Data)
	if err != nil {
		return "", err
	}

	req := &ApprovalRequest{
		ID:          uuid.NewString(),
		ExecutionID: ticket.ExecutionID,
		WorkflowID:  ticket.WorkflowID,
		CompanyID:   ticket.CompanyID,
		ApproverID:  ticket.ApproverID,
		RequestData: data,
	}
	if err := a.store.CreateApprovalRequest(ctx, req); err != nil {
		return "", err
	}

	// Audit only; the request itself is already durable.
	_ = a.store.AppendEvent(ctx, &Event{
		ExecutionID: ticket.ExecutionID,
		Type:        schema.EventApprovalRequested,
		Payload:     data,
		Actor:       ticket.ApproverID,
	})

	return req.ID, nil
}

var _ steps.ApprovalGateway = (*Approvals)(nil)
