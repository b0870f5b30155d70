package steps

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/veyra/flowcore/pkg/schema"
)

// QuerySpec is a validated read request against one business table.
// CompanyID scoping is applied by the reader, not the caller.
type QuerySpec struct {
	Table   string
	Filters map[string]schema.FilterValue
	Select  []string
	Limit   int
	OrderBy *schema.OrderBy
}

// DataReader executes tenant-scoped reads for DataQuery steps.
type DataReader interface {
	Read(ctx context.Context, companyID string, spec QuerySpec) ([]map[string]any, error)
}

// DataQueryHandler runs DataQuery steps against a DataReader.
type DataQueryHandler struct {
	reader DataReader
}

// NewDataQueryHandler creates a DataQuery step handler.
func NewDataQueryHandler(reader DataReader) *DataQueryHandler {
	return &DataQueryHandler{reader: reader}
}

func (h *DataQueryHandler) Type() schema.StepType { return schema.StepDataQuery }

func (h *DataQueryHandler) Execute(ctx context.Context, ec ExecContext, step *schema.Step, prior []schema.StepResult) (json.RawMessage, error) {
	cfg, err := schema.DecodeStepConfig(step)
	if err != nil {
		return nil, err
	}
	dq := cfg.(*schema.DataQueryConfig)

	if dq.Table == "" {
		return nil, schema.NewError(schema.ErrCodeValidation, "DataQuery requires table name").WithStep(step.ID)
	}

	limit := dq.Limit
	if limit <= 0 {
		limit = schema.DefaultQueryLimit
	}

	rows, err := h.reader.Read(ctx, ec.CompanyID, QuerySpec{
		Table:   dq.Table,
		Filters: dq.Filters,
		Select:  dq.Select,
		Limit:   limit,
		OrderBy: dq.OrderBy,
	})
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeExecution,
			"DataQuery failed: %s", flowMessage(err)).WithStep(step.ID).WithCause(err)
	}

	if rows == nil {
		rows = []map[string]any{}
	}
	return json.Marshal(map[string]any{
		"table":    dq.Table,
		"rowCount": len(rows),
		"data":     rows,
	})
}

// flowMessage returns the bare message of a FlowError, or err.Error() for
// anything else. Keeps wrapped messages free of repeated code prefixes.
func flowMessage(err error) string {
	if err == nil {
		return ""
	}
	var fe *schema.FlowError
	if errors.As(err, &fe) {
		return fe.Message
	}
	return err.Error()
}
