package steps

import (
	"context"
	"encoding/json"

	"github.com/veyra/flowcore/internal/expressions"
	"github.com/veyra/flowcore/pkg/schema"
)

// Notification is a rendered message bound for a set of recipients.
type Notification struct {
	RecipientIDs []string
	Title        string
	Message      string
	Type         string
	CompanyID    string
	ExecutionID  string
}

// Notifier delivers notifications to users.
type Notifier interface {
	Notify(ctx context.Context, n Notification) error
}

// NoopNotifier accepts every notification without delivering it.
type NoopNotifier struct{}

func (NoopNotifier) Notify(ctx context.Context, n Notification) error { return nil }

// NotificationHandler runs Notification steps. Title and message may hold
// {{ }} template expressions over prior step output.
type NotificationHandler struct {
	notifier Notifier
	renderer *expressions.Renderer
}

// NewNotificationHandler creates a Notification step handler.
func NewNotificationHandler(notifier Notifier, renderer *expressions.Renderer) *NotificationHandler {
	return &NotificationHandler{notifier: notifier, renderer: renderer}
}

func (h *NotificationHandler) Type() schema.StepType { return schema.StepNotification }

func (h *NotificationHandler) Execute(ctx context.Context, ec ExecContext, step *schema.Step, prior []schema.StepResult) (json.RawMessage, error) {
	cfg, err := schema.DecodeStepConfig(step)
	if err != nil {
		return nil, err
	}
	nc := cfg.(*schema.NotificationConfig)

	if len(nc.RecipientIDs) == 0 {
		return nil, schema.NewError(schema.ErrCodeValidation, "Notification requires recipientIds").WithStep(step.ID)
	}

	kind := nc.Type
	if kind == "" {
		kind = "info"
	}

	title, message := nc.Title, nc.Message
	if h.renderer != nil {
		scope := templateScope(ec, prior)
		if title, err = h.renderer.Render(ctx, nc.Title, scope); err != nil {
			return nil, schema.NewErrorf(schema.ErrCodeExecution,
				"render notification title: %s", flowMessage(err)).WithStep(step.ID).WithCause(err)
		}
		if message, err = h.renderer.Render(ctx, nc.Message, scope); err != nil {
			return nil, schema.NewErrorf(schema.ErrCodeExecution,
				"render notification message: %s", flowMessage(err)).WithStep(step.ID).WithCause(err)
		}
	}

	err = h.notifier.Notify(ctx, Notification{
		RecipientIDs: nc.RecipientIDs,
		Title:        title,
		Message:      message,
		Type:         kind,
		CompanyID:    ec.CompanyID,
		ExecutionID:  ec.ExecutionID,
	})
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeExecution,
			"Notification failed: %s", flowMessage(err)).WithStep(step.ID).WithCause(err)
	}

	return json.Marshal(map[string]any{
		"recipientIds": nc.RecipientIDs,
		"title":        title,
		"message":      message,
		"type":         kind,
		"status":       "sent",
	})
}

// templateScope exposes prior step payloads to template expressions as
// steps.<id> plus basic run metadata.
func templateScope(ec ExecContext, prior []schema.StepResult) map[string]any {
	stepData := make(map[string]any, len(prior))
	for _, r := range prior {
		if len(r.Result) == 0 {
			continue
		}
		var payload any
		if err := json.Unmarshal(r.Result, &payload); err != nil {
			continue
		}
		stepData[r.StepID] = payload
	}
	return map[string]any{
		"steps":        stepData,
		"execution_id": ec.ExecutionID,
		"workflow_id":  ec.WorkflowID,
		"company_id":   ec.CompanyID,
	}
}
