package schema

import "encoding/json"

// TriggerType enumerates how a workflow run can be initiated.
type TriggerType string

const (
	TriggerManual    TriggerType = "manual"
	TriggerScheduled TriggerType = "scheduled"
	TriggerEvent     TriggerType = "event"
)

// StepType enumerates the kinds of steps a workflow can contain.
// The set is closed: the executor rejects anything else at run time.
type StepType string

const (
	StepDataQuery    StepType = "DataQuery"
	StepAIAnalysis   StepType = "AIAnalysis"
	StepFunctionCall StepType = "FunctionCall"
	StepApproval     StepType = "Approval"
	StepNotification StepType = "Notification"
)

// WorkflowDefinition is the JSON-serializable automation definition.
// Definitions are authored by configuration tooling and are read-only
// to the engine.
type WorkflowDefinition struct {
	TriggerType      TriggerType     `json:"trigger_type"`
	TriggerConfig    json.RawMessage `json:"trigger_config,omitempty"`
	Steps            []Step          `json:"steps"`
	ApprovalRequired bool            `json:"approval_required,omitempty"`
	Permissions      []string        `json:"permissions,omitempty"`
}

// Step describes a single node of a workflow.
type Step struct {
	ID     string          `json:"id"`
	Type   StepType        `json:"type"`
	Name   string          `json:"name"`
	Config json.RawMessage `json:"config,omitempty"` // type-specific, see DecodeStepConfig

	// NextStepID and OnSuccess are accepted and reference-checked at load
	// time but never consulted by the controller: normal success simply
	// advances to the next index. Only OnFailure causes a jump.
	NextStepID string `json:"next_step_id,omitempty"`
	OnSuccess  string `json:"on_success,omitempty"`
	OnFailure  string `json:"on_failure,omitempty"`
}

// ScheduleTriggerConfig is the trigger_config payload for scheduled workflows.
type ScheduleTriggerConfig struct {
	Cron string `json:"cron"`
}

// EventTriggerConfig is the trigger_config payload for event workflows.
// Condition is an optional CEL expression over the event payload.
type EventTriggerConfig struct {
	Event     string `json:"event"`
	Condition string `json:"condition,omitempty"`
}

// DecodeTriggerConfig decodes a definition's trigger_config into the
// variant matching its trigger type. Manual triggers carry no config
// and decode to nil.
func DecodeTriggerConfig(def *WorkflowDefinition) (any, error) {
	switch def.TriggerType {
	case TriggerScheduled:
		var cfg ScheduleTriggerConfig
		if err := decodeConfig(def.TriggerConfig, &cfg); err != nil {
			return nil, err
		}
		return &cfg, nil
	case TriggerEvent:
		var cfg EventTriggerConfig
		if err := decodeConfig(def.TriggerConfig, &cfg); err != nil {
			return nil, err
		}
		return &cfg, nil
	case TriggerManual, "":
		return nil, nil
	default:
		return nil, NewErrorf(ErrCodeValidation, "unknown trigger type %q", def.TriggerType)
	}
}

func decodeConfig(raw json.RawMessage, into any) error {
	if len(raw) == 0 {
		return nil
	}
	if err := json.Unmarshal(raw, into); err != nil {
		return NewErrorf(ErrCodeValidation, "decode trigger config: %s", err.Error()).WithCause(err)
	}
	return nil
}
