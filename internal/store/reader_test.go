package store

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/veyra/flowcore/internal/steps"
	"github.com/veyra/flowcore/pkg/schema"
)

func TestBuildQuery_Defaults(t *testing.T) {
	query, args, err := BuildQuery("co-1", steps.QuerySpec{Table: "invoices"})
	require.NoError(t, err)
	assert.Equal(t, "SELECT * FROM invoices WHERE company_id = ? LIMIT 100", query)
	assert.Equal(t, []any{"co-1"}, args)
}

func TestBuildQuery_FiltersSortedDeterministically(t *testing.T) {
	query, args, err := BuildQuery("co-1", steps.QuerySpec{
		Table: "invoices",
		Filters: map[string]schema.FilterValue{
			"total":  {Op: schema.OpGte, Value: float64(500)},
			"status": {Op: schema.OpEq, Value: "overdue"},
		},
		Limit: 10,
	})
	require.NoError(t, err)
	assert.Equal(t,
		"SELECT * FROM invoices WHERE company_id = ? AND status = ? AND total >= ? LIMIT 10",
		query)
	assert.Equal(t, []any{"co-1", "overdue", float64(500)}, args)
}

func TestBuildQuery_Operators(t *testing.T) {
	cases := []struct {
		name   string
		filter schema.FilterValue
		clause string
		args   []any
	}{
		{"neq", schema.FilterValue{Op: schema.OpNeq, Value: "x"}, "status != ?", []any{"x"}},
		{"gt", schema.FilterValue{Op: schema.OpGt, Value: 5}, "status > ?", []any{5}},
		{"lt", schema.FilterValue{Op: schema.OpLt, Value: 5}, "status < ?", []any{5}},
		{"lte", schema.FilterValue{Op: schema.OpLte, Value: 5}, "status <= ?", []any{5}},
		{"like", schema.FilterValue{Op: schema.OpLike, Value: "a%"}, "status LIKE ?", []any{"a%"}},
		{"ilike", schema.FilterValue{Op: schema.OpILike, Value: "a%"}, "status LIKE ? COLLATE NOCASE", []any{"a%"}},
		{"is null", schema.FilterValue{Op: schema.OpIs, Value: nil}, "status IS NULL", nil},
		{"in", schema.FilterValue{Op: schema.OpIn, Value: []any{"a", "b"}}, "status IN (?, ?)", []any{"a", "b"}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			clause, args, err := filterClause("status", tc.filter)
			require.NoError(t, err)
			assert.Equal(t, tc.clause, clause)
			assert.Equal(t, tc.args, args)
		})
	}
}

func TestBuildQuery_OrderByAndSelect(t *testing.T) {
	query, _, err := BuildQuery("co-1", steps.QuerySpec{
		Table:   "invoices",
		Select:  []string{"id", "total"},
		OrderBy: &schema.OrderBy{Column: "total", Ascending: false},
		Limit:   5,
	})
	require.NoError(t, err)
	assert.Equal(t,
		"SELECT id, total FROM invoices WHERE company_id = ? ORDER BY total DESC LIMIT 5",
		query)
}

func TestBuildQuery_RejectsUnsafeIdentifiers(t *testing.T) {
	_, _, err := BuildQuery("co-1", steps.QuerySpec{Table: "invoices; DROP TABLE x"})
	require.Error(t, err)

	_, _, err = BuildQuery("co-1", steps.QuerySpec{
		Table:  "invoices",
		Select: []string{"id", "total, (SELECT 1)"},
	})
	require.Error(t, err)

	_, _, err = BuildQuery("co-1", steps.QuerySpec{
		Table:   "invoices",
		Filters: map[string]schema.FilterValue{"a b": {Op: schema.OpEq, Value: 1}},
	})
	require.Error(t, err)
}

func TestBuildQuery_EmptyInFilter(t *testing.T) {
	_, _, err := BuildQuery("co-1", steps.QuerySpec{
		Table:   "invoices",
		Filters: map[string]schema.FilterValue{"status": {Op: schema.OpIn, Value: []any{}}},
	})
	require.Error(t, err)
	fe, ok := err.(*schema.FlowError)
	require.True(t, ok)
	assert.Equal(t, schema.ErrCodeValidation, fe.Code)
}

func TestSQLDataReader_Read(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	_, err := s.DB().ExecContext(ctx, `
		CREATE TABLE invoices (
			id TEXT PRIMARY KEY,
			company_id TEXT NOT NULL,
			status TEXT NOT NULL,
			total REAL NOT NULL
		)`)
	require.NoError(t, err)

	seed := []struct {
		id, company, status string
		total               float64
	}{
		{"inv-1", "co-1", "overdue", 1200},
		{"inv-2", "co-1", "paid", 300},
		{"inv-3", "co-2", "overdue", 900},
	}
	for _, row := range seed {
		_, err := s.DB().ExecContext(ctx,
			"INSERT INTO invoices (id, company_id, status, total) VALUES (?, ?, ?, ?)",
			row.id, row.company, row.status, row.total)
		require.NoError(t, err)
	}

	reader := NewSQLDataReader(s.DB())
	rows, err := reader.Read(ctx, "co-1", steps.QuerySpec{
		Table:   "invoices",
		Filters: map[string]schema.FilterValue{"status": {Op: schema.OpEq, Value: "overdue"}},
	})
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, "inv-1", rows[0]["id"])
	assert.Equal(t, float64(1200), rows[0]["total"])

	// Other tenants never leak in, even without filters.
	rows, err = reader.Read(ctx, "co-2", steps.QuerySpec{Table: "invoices"})
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, "inv-3", rows[0]["id"])
}
