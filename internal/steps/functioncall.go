package steps

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/veyra/flowcore/pkg/schema"
)

// FunctionInvoker executes a named built-in business function.
type FunctionInvoker interface {
	Invoke(ctx context.Context, name string, params map[string]any, companyID string) (json.RawMessage, error)
}

// FunctionCallHandler runs FunctionCall steps against a FunctionInvoker.
type FunctionCallHandler struct {
	invoker FunctionInvoker
}

// NewFunctionCallHandler creates a FunctionCall step handler.
func NewFunctionCallHandler(invoker FunctionInvoker) *FunctionCallHandler {
	return &FunctionCallHandler{invoker: invoker}
}

func (h *FunctionCallHandler) Type() schema.StepType { return schema.StepFunctionCall }

func (h *FunctionCallHandler) Execute(ctx context.Context, ec ExecContext, step *schema.Step, prior []schema.StepResult) (json.RawMessage, error) {
	cfg, err := schema.DecodeStepConfig(step)
	if err != nil {
		return nil, err
	}
	fc := cfg.(*schema.FunctionCallConfig)

	if fc.FunctionName == "" {
		return nil, schema.NewError(schema.ErrCodeValidation, "FunctionCall requires functionName").WithStep(step.ID)
	}

	result, err := h.invoker.Invoke(ctx, fc.FunctionName, fc.Parameters, ec.CompanyID)
	if err != nil {
		var fe *schema.FlowError
		if errors.As(err, &fe) {
			return nil, fe.WithStep(step.ID)
		}
		return nil, schema.NewErrorf(schema.ErrCodeExecution,
			"FunctionCall failed: %s", err.Error()).WithStep(step.ID).WithCause(err)
	}
	return result, nil
}
