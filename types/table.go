package types

import (
	"errors"
	"fmt"
	"time"
)

// ErrInvalidTable is returned when table contents disagree with the schema.
var ErrInvalidTable = errors.New("invalid table")

// Table is an immutable columnar dataset with ordered columns.
type Table struct {
	schema TableSchema
	cols   map[string][]any
	rows   int
}

// NewTable validates columns against the schema and returns a table. Cells are
// normalized to int64, float64, string, bool or time.Time; nil cells are allowed.
func NewTable(schema TableSchema, columns map[string][]any) (*Table, error) {
	if err := schema.Validate(); err != nil {
		return nil, err
	}
	if len(columns) != len(schema.Columns) {
		return nil, fmt.Errorf("%w: expected %d columns, got %d", ErrInvalidTable, len(schema.Columns), len(columns))
	}
	t := &Table{schema: schema.Clone(), cols: make(map[string][]any, len(columns)), rows: -1}
	for _, name := range schema.Columns {
		raw, ok := columns[name]
		if !ok {
			return nil, fmt.Errorf("%w: missing column %q", ErrInvalidTable, name)
		}
		if t.rows >= 0 && len(raw) != t.rows {
			return nil, fmt.Errorf("%w: column %q has %d rows, expected %d", ErrInvalidTable, name, len(raw), t.rows)
		}
		t.rows = len(raw)
		ct := schema.ColTypes[name]
		col := make([]any, len(raw))
		for i, cell := range raw {
			c, err := NormalizeCell(ct, cell)
			if err != nil {
				return nil, fmt.Errorf("%w: column %q row %d: %v", ErrInvalidTable, name, i, err)
			}
			col[i] = c
		}
		t.cols[name] = col
	}
	if t.rows < 0 {
		t.rows = 0
	}
	return t, nil
}

// NewTableFromRows builds a table from row-major cells ordered like schema.Columns.
func NewTableFromRows(schema TableSchema, rows [][]any) (*Table, error) {
	columns := make(map[string][]any, len(schema.Columns))
	for _, c := range schema.Columns {
		columns[c] = make([]any, 0, len(rows))
	}
	for i, row := range rows {
		if len(row) != len(schema.Columns) {
			return nil, fmt.Errorf("%w: row %d has %d cells, expected %d", ErrInvalidTable, i, len(row), len(schema.Columns))
		}
		for j, c := range schema.Columns {
			columns[c] = append(columns[c], row[j])
		}
	}
	return NewTable(schema, columns)
}

// MustTable is NewTable that panics on error. Intended for literals in tests and examples.
func MustTable(schema TableSchema, columns map[string][]any) *Table {
	t, err := NewTable(schema, columns)
	if err != nil {
		panic(err)
	}
	return t
}

// EmptyTable returns a table with the schema and no rows.
func EmptyTable(schema TableSchema) *Table {
	cols := make(map[string][]any, len(schema.Columns))
	for _, c := range schema.Columns {
		cols[c] = []any{}
	}
	return &Table{schema: schema.Clone(), cols: cols}
}

// Schema implements Value.
func (t *Table) Schema() Schema { return TableOf(t.schema) }

// TableSchema returns a copy of the table schema.
func (t *Table) TableSchema() TableSchema { return t.schema.Clone() }

// Columns returns the column names in declared order.
func (t *Table) Columns() []string { return append([]string(nil), t.schema.Columns...) }

// ColType returns the type of the column.
func (t *Table) ColType(name string) (ColType, bool) {
	ct, ok := t.schema.ColTypes[name]
	return ct, ok
}

// NumRows returns the number of rows.
func (t *Table) NumRows() int { return t.rows }

// Column returns a copy of the column cells.
func (t *Table) Column(name string) []any {
	return append([]any(nil), t.cols[name]...)
}

// Cell returns a single cell.
func (t *Table) Cell(row int, col string) any {
	c, ok := t.cols[col]
	if !ok || row < 0 || row >= len(c) {
		return nil
	}
	return c[row]
}

// Row returns the cells of row i keyed by column.
func (t *Table) Row(i int) map[string]any {
	out := make(map[string]any, len(t.schema.Columns))
	for _, c := range t.schema.Columns {
		out[c] = t.cols[c][i]
	}
	return out
}

// Take returns a new table with the rows at the given indexes.
func (t *Table) Take(idx []int) *Table {
	out := &Table{schema: t.schema, cols: make(map[string][]any, len(t.cols)), rows: len(idx)}
	for _, c := range t.schema.Columns {
		src := t.cols[c]
		col := make([]any, len(idx))
		for i, r := range idx {
			col[i] = src[r]
		}
		out.cols[c] = col
	}
	return out
}

// Slice returns rows in [start, end).
func (t *Table) Slice(start, end int) *Table {
	if start < 0 {
		start = 0
	}
	if end > t.rows {
		end = t.rows
	}
	if end < start {
		end = start
	}
	idx := make([]int, 0, end-start)
	for i := start; i < end; i++ {
		idx = append(idx, i)
	}
	return t.Take(idx)
}

// Equal compares schema and contents cell by cell in declared column order.
func (t *Table) Equal(o *Table) bool {
	if t == nil || o == nil {
		return t == o
	}
	if !t.schema.Equal(o.schema) || t.rows != o.rows {
		return false
	}
	for _, c := range t.schema.Columns {
		a, b := t.cols[c], o.cols[c]
		for i := range a {
			if !cellEqual(a[i], b[i]) {
				return false
			}
		}
	}
	return true
}

func cellEqual(a, b any) bool {
	if ta, ok := a.(time.Time); ok {
		tb, ok := b.(time.Time)
		return ok && ta.Equal(tb)
	}
	return a == b
}
