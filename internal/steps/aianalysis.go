package steps

import (
	"context"
	"encoding/json"

	"github.com/veyra/flowcore/internal/expressions"
	"github.com/veyra/flowcore/pkg/schema"
)

// Analyzer produces an analysis for a prompt. The engine treats the model
// as an external collaborator behind this interface.
type Analyzer interface {
	Analyze(ctx context.Context, prompt string) (string, error)
}

// StaticAnalyzer answers every prompt with a fixed response. It stands in
// when no model backend is configured.
type StaticAnalyzer struct {
	Response string
}

func (a *StaticAnalyzer) Analyze(ctx context.Context, prompt string) (string, error) {
	if a.Response != "" {
		return a.Response, nil
	}
	return "analysis unavailable: no model backend configured", nil
}

// AIAnalysisHandler runs AIAnalysis steps. When the config names a prior
// step, that step's data payload is appended to the prompt, optionally
// trimmed first by a jq expression.
type AIAnalysisHandler struct {
	analyzer Analyzer
	jq       *expressions.GoJQEngine
}

// NewAIAnalysisHandler creates an AIAnalysis step handler.
func NewAIAnalysisHandler(analyzer Analyzer, jq *expressions.GoJQEngine) *AIAnalysisHandler {
	return &AIAnalysisHandler{analyzer: analyzer, jq: jq}
}

func (h *AIAnalysisHandler) Type() schema.StepType { return schema.StepAIAnalysis }

func (h *AIAnalysisHandler) Execute(ctx context.Context, ec ExecContext, step *schema.Step, prior []schema.StepResult) (json.RawMessage, error) {
	cfg, err := schema.DecodeStepConfig(step)
	if err != nil {
		return nil, err
	}
	ai := cfg.(*schema.AIAnalysisConfig)

	if ai.Prompt == "" {
		return nil, schema.NewError(schema.ErrCodeValidation, "AIAnalysis requires prompt").WithStep(step.ID)
	}

	fullPrompt := ai.Prompt
	if ai.PreviousStepData != "" {
		data, err := h.priorData(ctx, prior, ai)
		if err != nil {
			return nil, err
		}
		if data != nil {
			pretty, merr := json.MarshalIndent(data, "", "  ")
			if merr != nil {
				return nil, schema.NewErrorf(schema.ErrCodeExecution,
					"marshal prior step data: %s", merr.Error()).WithStep(step.ID).WithCause(merr)
			}
			fullPrompt += "\n\nDATA:\n" + string(pretty)
		}
	}

	analysis, err := h.analyzer.Analyze(ctx, fullPrompt)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeExecution,
			"AIAnalysis failed: %s", flowMessage(err)).WithStep(step.ID).WithCause(err)
	}

	return json.Marshal(map[string]any{
		"prompt":   ai.Prompt,
		"analysis": analysis,
	})
}

// priorData extracts the "data" field of the named prior step's result.
// A missing step or a result without data yields nil, not an error; the
// prompt simply runs without a data context.
func (h *AIAnalysisHandler) priorData(ctx context.Context, prior []schema.StepResult, ai *schema.AIAnalysisConfig) (any, error) {
	prev := priorResult(prior, ai.PreviousStepData)
	if prev == nil || len(prev.Result) == 0 {
		return nil, nil
	}

	var payload map[string]any
	if err := json.Unmarshal(prev.Result, &payload); err != nil {
		return nil, nil
	}
	data, ok := payload["data"]
	if !ok || data == nil {
		return nil, nil
	}

	if ai.DataPath != "" && h.jq != nil {
		trimmed, err := h.jq.Transform(ctx, ai.DataPath, data)
		if err != nil {
			return nil, err
		}
		return trimmed, nil
	}
	return data, nil
}
