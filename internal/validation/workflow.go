package validation

import (
	"fmt"

	"github.com/veyra/flowcore/pkg/schema"
)

// ValidateDefinition runs the full load-time validation of a workflow
// definition: JSON Schema shape, then semantic checks the schema cannot
// express. Rejecting bad definitions here keeps run-time step failures
// limited to genuinely dynamic conditions.
func (v *JSONSchemaValidator) ValidateDefinition(def *schema.WorkflowDefinition) error {
	if err := v.ValidateShape(def); err != nil {
		return err
	}
	return validateSemantics(def)
}

func validateSemantics(def *schema.WorkflowDefinition) error {
	// Step IDs must be unique.
	ids := make(map[string]struct{}, len(def.Steps))
	for _, step := range def.Steps {
		if _, exists := ids[step.ID]; exists {
			return schema.NewErrorf(schema.ErrCodeValidation, "duplicate step id %q", step.ID)
		}
		ids[step.ID] = struct{}{}
	}

	// Branch references must resolve to existing steps.
	for _, step := range def.Steps {
		for field, target := range map[string]string{
			"next_step_id": step.NextStepID,
			"on_success":   step.OnSuccess,
			"on_failure":   step.OnFailure,
		} {
			if target == "" {
				continue
			}
			if _, ok := ids[target]; !ok {
				return schema.NewErrorf(schema.ErrCodeValidation,
					"step %q %s references unknown step %q", step.ID, field, target).
					WithStep(step.ID)
			}
		}
	}

	// Every step config must decode into its typed form.
	for i := range def.Steps {
		if _, err := schema.DecodeStepConfig(&def.Steps[i]); err != nil {
			return err
		}
	}

	// The trigger config must decode and carry its required fields.
	cfg, err := schema.DecodeTriggerConfig(def)
	if err != nil {
		return err
	}
	switch tc := cfg.(type) {
	case *schema.ScheduleTriggerConfig:
		if tc.Cron == "" {
			return schema.NewError(schema.ErrCodeValidation, "scheduled trigger requires cron expression")
		}
	case *schema.EventTriggerConfig:
		if tc.Event == "" {
			return schema.NewError(schema.ErrCodeValidation, "event trigger requires event name")
		}
	}

	return nil
}

// DescribeSteps returns a one-line summary per step, used in log output
// when a workflow is registered.
func DescribeSteps(def *schema.WorkflowDefinition) []string {
	out := make([]string, len(def.Steps))
	for i, step := range def.Steps {
		out[i] = fmt.Sprintf("%s (%s)", step.ID, step.Type)
	}
	return out
}
