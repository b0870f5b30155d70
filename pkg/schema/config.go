package schema

import (
	"encoding/json"
	"fmt"
)

// FilterOp enumerates the comparison operators a DataQuery filter may use.
type FilterOp string

const (
	OpEq    FilterOp = "eq"
	OpNeq   FilterOp = "neq"
	OpGt    FilterOp = "gt"
	OpGte   FilterOp = "gte"
	OpLt    FilterOp = "lt"
	OpLte   FilterOp = "lte"
	OpLike  FilterOp = "like"
	OpILike FilterOp = "ilike"
	OpIs    FilterOp = "is"
	OpIn    FilterOp = "in"
)

var filterOps = map[FilterOp]struct{}{
	OpEq: {}, OpNeq: {}, OpGt: {}, OpGte: {}, OpLt: {}, OpLte: {},
	OpLike: {}, OpILike: {}, OpIs: {}, OpIn: {},
}

// FilterValue is either a bare scalar (equality) or a single-operator
// object such as {"lt": 10}.
type FilterValue struct {
	Op    FilterOp
	Value any

	scalar bool
}

// Scalar reports whether the filter was written as a bare value.
func (f FilterValue) Scalar() bool { return f.scalar }

func (f *FilterValue) UnmarshalJSON(b []byte) error {
	if len(b) > 0 && b[0] == '{' {
		var obj map[string]json.RawMessage
		if err := json.Unmarshal(b, &obj); err != nil {
			return err
		}
		if len(obj) != 1 {
			return fmt.Errorf("filter operator object must have exactly one key, got %d", len(obj))
		}
		for op, raw := range obj {
			if _, ok := filterOps[FilterOp(op)]; !ok {
				return fmt.Errorf("unknown filter operator %q", op)
			}
			f.Op = FilterOp(op)
			return json.Unmarshal(raw, &f.Value)
		}
	}
	// Bare scalar (or array) maps to equality.
	f.Op = OpEq
	f.scalar = true
	return json.Unmarshal(b, &f.Value)
}

func (f FilterValue) MarshalJSON() ([]byte, error) {
	if f.scalar {
		return json.Marshal(f.Value)
	}
	return json.Marshal(map[string]any{string(f.Op): f.Value})
}

// OrderBy configures result ordering for a DataQuery step.
type OrderBy struct {
	Column    string `json:"column"`
	Ascending bool   `json:"ascending"`
}

func (o *OrderBy) UnmarshalJSON(b []byte) error {
	// Ascending defaults to true when omitted.
	var raw struct {
		Column    string `json:"column"`
		Ascending *bool  `json:"ascending"`
	}
	if err := json.Unmarshal(b, &raw); err != nil {
		return err
	}
	o.Column = raw.Column
	o.Ascending = raw.Ascending == nil || *raw.Ascending
	return nil
}

// DefaultQueryLimit is applied when a DataQuery config omits limit.
const DefaultQueryLimit = 100

// DataQueryConfig drives DataQuery steps: a tenant-scoped read against
// one business table.
type DataQueryConfig struct {
	Table   string                 `json:"table"`
	Filters map[string]FilterValue `json:"filters,omitempty"`
	Select  []string               `json:"select,omitempty"`
	Limit   int                    `json:"limit,omitempty"`
	OrderBy *OrderBy               `json:"orderBy,omitempty"`
}

// AIAnalysisConfig drives AIAnalysis steps. PreviousStepData optionally
// names an earlier step whose data payload is appended to the prompt;
// DataPath is an optional jq expression trimming that payload first.
type AIAnalysisConfig struct {
	Prompt           string `json:"prompt"`
	PreviousStepData string `json:"previousStepData,omitempty"`
	DataPath         string `json:"dataPath,omitempty"`
}

// FunctionCallConfig drives FunctionCall steps.
type FunctionCallConfig struct {
	FunctionName string         `json:"functionName"`
	Parameters   map[string]any `json:"parameters,omitempty"`
}

// ApprovalConfig drives Approval steps.
type ApprovalConfig struct {
	ApproverIDs  []string       `json:"approverIds"`
	ApprovalData map[string]any `json:"approvalData,omitempty"`
}

// NotificationConfig drives Notification steps. Type defaults to "info".
type NotificationConfig struct {
	RecipientIDs []string `json:"recipientIds"`
	Title        string   `json:"title"`
	Message      string   `json:"message"`
	Type         string   `json:"type,omitempty"`
}

// DecodeStepConfig decodes a step's opaque config document into the
// typed variant matching its type. Required-field checks stay with the
// handlers so a definition that bypassed load-time validation degrades
// to a failed step result rather than a crash.
func DecodeStepConfig(step *Step) (any, error) {
	decode := func(into any) (any, error) {
		if len(step.Config) == 0 {
			return into, nil
		}
		if err := json.Unmarshal(step.Config, into); err != nil {
			return nil, NewErrorf(ErrCodeValidation, "decode %s config: %s", step.Type, err.Error()).
				WithStep(step.ID).WithCause(err)
		}
		return into, nil
	}

	switch step.Type {
	case StepDataQuery:
		return decode(&DataQueryConfig{})
	case StepAIAnalysis:
		return decode(&AIAnalysisConfig{})
	case StepFunctionCall:
		return decode(&FunctionCallConfig{})
	case StepApproval:
		return decode(&ApprovalConfig{})
	case StepNotification:
		return decode(&NotificationConfig{})
	default:
		return nil, NewErrorf(ErrCodeValidation, "Unknown step type: %s", step.Type).WithStep(step.ID)
	}
}
