package store

import (
	"context"
	"database/sql"
	"fmt"
	"regexp"
	"sort"
	"strings"

	"github.com/veyra/flowcore/internal/steps"
	"github.com/veyra/flowcore/pkg/schema"
)

// identRe matches identifiers safe to splice into SQL. Table and column
// names come from workflow definitions, never from end-user input, but the
// check holds regardless.
var identRe = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

// SQLDataReader executes DataQuery reads against business tables in the
// same database. Every query is scoped to the caller's company_id.
type SQLDataReader struct {
	db *sql.DB
}

// NewSQLDataReader creates a reader over the store's database handle.
func NewSQLDataReader(db *sql.DB) *SQLDataReader {
	return &SQLDataReader{db: db}
}

func (r *SQLDataReader) Read(ctx context.Context, companyID string, spec steps.QuerySpec) ([]map[string]any, error) {
	query, args, err := BuildQuery(companyID, spec)
	if err != nil {
		return nil, err
	}

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeExecution,
			"query %s: %s", spec.Table, err.Error()).WithCause(err)
	}
	defer rows.Close()

	cols, err := rows.Columns()
	if err != nil {
		return nil, err
	}

	var out []map[string]any
	for rows.Next() {
		values := make([]any, len(cols))
		ptrs := make([]any, len(cols))
		for i := range values {
			ptrs[i] = &values[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return nil, err
		}
		row := make(map[string]any, len(cols))
		for i, col := range cols {
			row[col] = normalizeValue(values[i])
		}
		out = append(out, row)
	}
	return out, rows.Err()
}

// BuildQuery renders a QuerySpec into a parameterized SELECT. Exported so
// the translation from filter operators to SQL stays directly testable.
func BuildQuery(companyID string, spec steps.QuerySpec) (string, []any, error) {
	if !identRe.MatchString(spec.Table) {
		return "", nil, schema.NewErrorf(schema.ErrCodeValidation, "invalid table name %q", spec.Table)
	}

	cols := "*"
	if len(spec.Select) > 0 {
		for _, c := range spec.Select {
			if !identRe.MatchString(c) {
				return "", nil, schema.NewErrorf(schema.ErrCodeValidation, "invalid column name %q", c)
			}
		}
		cols = strings.Join(spec.Select, ", ")
	}

	where := []string{"company_id = ?"}
	args := []any{companyID}

	// Deterministic filter order keeps generated SQL stable.
	for _, key := range sortedFilterKeys(spec.Filters) {
		if !identRe.MatchString(key) {
			return "", nil, schema.NewErrorf(schema.ErrCodeValidation, "invalid column name %q", key)
		}
		clause, clauseArgs, err := filterClause(key, spec.Filters[key])
		if err != nil {
			return "", nil, err
		}
		where = append(where, clause)
		args = append(args, clauseArgs...)
	}

	query := fmt.Sprintf("SELECT %s FROM %s WHERE %s", cols, spec.Table, strings.Join(where, " AND "))

	if spec.OrderBy != nil {
		if !identRe.MatchString(spec.OrderBy.Column) {
			return "", nil, schema.NewErrorf(schema.ErrCodeValidation, "invalid column name %q", spec.OrderBy.Column)
		}
		dir := "ASC"
		if !spec.OrderBy.Ascending {
			dir = "DESC"
		}
		query += fmt.Sprintf(" ORDER BY %s %s", spec.OrderBy.Column, dir)
	}

	limit := spec.Limit
	if limit <= 0 {
		limit = schema.DefaultQueryLimit
	}
	query += fmt.Sprintf(" LIMIT %d", limit)

	return query, args, nil
}

func filterClause(col string, f schema.FilterValue) (string, []any, error) {
	switch f.Op {
	case schema.OpEq:
		return col + " = ?", []any{f.Value}, nil
	case schema.OpNeq:
		return col + " != ?", []any{f.Value}, nil
	case schema.OpGt:
		return col + " > ?", []any{f.Value}, nil
	case schema.OpGte:
		return col + " >= ?", []any{f.Value}, nil
	case schema.OpLt:
		return col + " < ?", []any{f.Value}, nil
	case schema.OpLte:
		return col + " <= ?", []any{f.Value}, nil
	case schema.OpLike:
		return col + " LIKE ?", []any{f.Value}, nil
	case schema.OpILike:
		return col + " LIKE ? COLLATE NOCASE", []any{f.Value}, nil
	case schema.OpIs:
		if f.Value == nil {
			return col + " IS NULL", nil, nil
		}
		return col + " IS ?", []any{f.Value}, nil
	case schema.OpIn:
		vals, ok := f.Value.([]any)
		if !ok || len(vals) == 0 {
			return "", nil, schema.NewErrorf(schema.ErrCodeValidation,
				"in filter on %q requires a non-empty array", col)
		}
		placeholders := strings.TrimSuffix(strings.Repeat("?, ", len(vals)), ", ")
		return fmt.Sprintf("%s IN (%s)", col, placeholders), vals, nil
	default:
		return "", nil, schema.NewErrorf(schema.ErrCodeValidation,
			"unknown filter operator %q on %q", f.Op, col)
	}
}

func sortedFilterKeys(filters map[string]schema.FilterValue) []string {
	keys := make([]string, 0, len(filters))
	for k := range filters {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// normalizeValue maps driver scan types to JSON-friendly values.
func normalizeValue(v any) any {
	switch val := v.(type) {
	case []byte:
		return string(val)
	default:
		return v
	}
}

var _ steps.DataReader = (*SQLDataReader)(nil)
