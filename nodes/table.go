package nodes

import (
	"context"
	"fmt"
	"math"

	"github.com/songzhibin97/dataflow-engine/node"
	"github.com/songzhibin97/dataflow-engine/types"
)

// MaxRangeRows bounds the size of a generated range table.
const MaxRangeRows = 1_000_000

func init() {
	node.RegisterTyped("RangeNode", func(cfg *node.GlobalConfig, id string, p *RangeParams) (node.Node, error) {
		return &RangeNode{Base: node.NewBase(cfg, id, "RangeNode", node.ParamMap(p)), p: *p}, nil
	})
	node.RegisterTyped("TableNode", newTable)
	node.RegisterTyped("TableFilterNode", newTableFilter)
	node.RegisterTyped("TableColAggNode", func(cfg *node.GlobalConfig, id string, p *TableColAggParams) (node.Node, error) {
		return &TableColAggNode{Base: node.NewBase(cfg, id, "TableColAggNode", node.ParamMap(p)), p: *p}, nil
	})
}

// RangeParams generates start, start+step, ... up to end (exclusive).
type RangeParams struct {
	Type  types.SchemaType `json:"type"`
	Start float64          `json:"start"`
	End   float64          `json:"end"`
	Step  float64          `json:"step"`
	Col   string           `json:"col"`
}

func (p *RangeParams) Validate() error {
	perr := &node.ParameterError{}
	oneOf(perr, "type", string(p.Type), string(types.TypeInt), string(types.TypeFloat))
	required(perr, "col", p.Col)
	if p.Step == 0 || math.IsNaN(p.Step) || math.IsInf(p.Step, 0) {
		perr.Add("step", "must be a finite non-zero number")
	}
	if p.Type == types.TypeInt {
		names := []string{"start", "end", "step"}
		for i, v := range []float64{p.Start, p.End, p.Step} {
			if v != math.Trunc(v) {
				perr.Add(names[i], fmt.Sprintf("must be an integer, got %v", v))
			}
		}
	}
	if p.Step != 0 && p.count() > MaxRangeRows {
		perr.Add("end", fmt.Sprintf("range produces more than %d rows", MaxRangeRows))
	}
	return perr.OrNil()
}

func (p *RangeParams) count() int {
	n := math.Ceil((p.End - p.Start) / p.Step)
	if n <= 0 || math.IsNaN(n) {
		return 0
	}
	if n > MaxRangeRows {
		return MaxRangeRows + 1
	}
	return int(n)
}

// RangeNode produces a single column table of evenly spaced values.
type RangeNode struct {
	node.Base
	p RangeParams
}

func (n *RangeNode) schema() types.TableSchema {
	return types.NewTableSchema(types.Column{Name: n.p.Col, Type: types.ColType(n.p.Type)})
}

func (n *RangeNode) PortDef() ([]node.InputPort, []node.OutputPort) {
	return nil, []node.OutputPort{{Name: "table"}}
}

func (n *RangeNode) InferOutputSchemas(map[string]types.Schema) (map[string]types.Schema, error) {
	return map[string]types.Schema{"table": types.TableOf(n.schema())}, nil
}

func (n *RangeNode) Process(_ context.Context, _ map[string]types.Value) (map[string]types.Value, error) {
	count := n.p.count()
	col := make([]any, count)
	for i := 0; i < count; i++ {
		v := n.p.Start + float64(i)*n.p.Step
		if n.p.Type == types.TypeInt {
			col[i] = int64(v)
		} else {
			col[i] = v
		}
	}
	t, err := types.NewTable(n.schema(), map[string][]any{n.p.Col: col})
	if err != nil {
		return nil, node.Errorf("building range: %w", err)
	}
	return map[string]types.Value{"table": t}, nil
}

// ColumnSpec declares a column inside node parameters.
type ColumnSpec struct {
	Name   string        `json:"name"`
	Type   types.ColType `json:"type"`
	Values []any         `json:"values,omitempty"`
}

func columnSchema(perr *node.ParameterError, param string, cols []ColumnSpec) types.TableSchema {
	specs := make([]types.Column, 0, len(cols))
	for i, c := range cols {
		if c.Name == "" {
			perr.Add(fmt.Sprintf("%s.%d.name", param, i), "is required")
		}
		if !c.Type.Valid() {
			perr.Add(fmt.Sprintf("%s.%d.type", param, i), fmt.Sprintf("unknown column type %q", c.Type))
		}
		specs = append(specs, types.Column{Name: c.Name, Type: c.Type})
	}
	ts := types.NewTableSchema(specs...)
	if len(perr.Params) == 0 {
		if err := ts.Validate(); err != nil {
			perr.Add(param, err.Error())
		}
	}
	return ts
}

// TableParams lists literal columns.
type TableParams struct {
	Columns []ColumnSpec `json:"columns"`
}

func (p *TableParams) Validate() error {
	perr := &node.ParameterError{}
	if len(p.Columns) == 0 {
		perr.Add("columns", "at least one column is required")
	}
	columnSchema(perr, "columns", p.Columns)
	return perr.OrNil()
}

// TableNode emits a literal table.
type TableNode struct {
	node.Base
	table *types.Table
}

func newTable(cfg *node.GlobalConfig, id string, p *TableParams) (node.Node, error) {
	perr := &node.ParameterError{}
	ts := columnSchema(perr, "columns", p.Columns)
	if err := perr.OrNil(); err != nil {
		return nil, err
	}
	cols := make(map[string][]any, len(p.Columns))
	for _, c := range p.Columns {
		vals := c.Values
		if vals == nil {
			vals = []any{}
		}
		cols[c.Name] = vals
	}
	t, err := types.NewTable(ts, cols)
	if err != nil {
		return nil, node.NewParameterError("columns", "%v", err)
	}
	return &TableNode{Base: node.NewBase(cfg, id, "TableNode", node.ParamMap(p)), table: t}, nil
}

func (n *TableNode) PortDef() ([]node.InputPort, []node.OutputPort) {
	return nil, []node.OutputPort{{Name: "table"}}
}

func (n *TableNode) InferOutputSchemas(map[string]types.Schema) (map[string]types.Schema, error) {
	return map[string]types.Schema{"table": n.table.Schema()}, nil
}

func (n *TableNode) Process(context.Context, map[string]types.Value) (map[string]types.Value, error) {
	return map[string]types.Value{"table": n.table}, nil
}

// TableFilterParams splits rows on column op value.
type TableFilterParams struct {
	Column string `json:"column"`
	Op     string `json:"op"`
	Value  any    `json:"value"`
}

func (p *TableFilterParams) Validate() error {
	perr := &node.ParameterError{}
	required(perr, "column", p.Column)
	oneOf(perr, "op", p.Op, cmpOps...)
	if p.Value == nil {
		perr.Add("value", "is required")
	}
	return perr.OrNil()
}

// TableFilterNode routes matching rows to "matched" and the rest to
// "unmatched". Null cells never match.
type TableFilterNode struct {
	node.Base
	p     TableFilterParams
	value any
}

func newTableFilter(cfg *node.GlobalConfig, id string, p *TableFilterParams) (node.Node, error) {
	return &TableFilterNode{Base: node.NewBase(cfg, id, "TableFilterNode", node.ParamMap(p)), p: *p}, nil
}

func (n *TableFilterNode) PortDef() ([]node.InputPort, []node.OutputPort) {
	return []node.InputPort{{Name: "table", Accept: types.AcceptTable(map[string][]types.ColType{n.p.Column: nil})}},
		[]node.OutputPort{{Name: "matched"}, {Name: "unmatched"}}
}

func (n *TableFilterNode) InferOutputSchemas(in map[string]types.Schema) (map[string]types.Schema, error) {
	ts, _ := tableInput(in, "table")
	v, err := types.NormalizeCell(ts.ColTypes[n.p.Column], n.p.Value)
	if err != nil {
		return nil, node.NewParameterError("value", "column %q: %v", n.p.Column, err)
	}
	n.value = v
	return map[string]types.Schema{"matched": in["table"], "unmatched": in["table"]}, nil
}

func (n *TableFilterNode) Hint(in map[string]types.Schema) map[string]any {
	return columnsHint(in, "table")
}

func (n *TableFilterNode) Process(_ context.Context, in map[string]types.Value) (map[string]types.Value, error) {
	t := in["table"].(*types.Table)
	var matched, unmatched []int
	for i := 0; i < t.NumRows(); i++ {
		cell := t.Cell(i, n.p.Column)
		if cell != nil {
			if c, ok := compareCells(cell, n.value); ok && holds(n.p.Op, c) {
				matched = append(matched, i)
				continue
			}
		}
		unmatched = append(unmatched, i)
	}
	return map[string]types.Value{"matched": t.Take(matched), "unmatched": t.Take(unmatched)}, nil
}

// Aggregations of TableColAggNode.
const (
	AggSum   = "SUM"
	AggMean  = "MEAN"
	AggMin   = "MIN"
	AggMax   = "MAX"
	AggCount = "COUNT"
)

// TableColAggParams reduces one column to a scalar.
type TableColAggParams struct {
	Column string `json:"column"`
	Agg    string `json:"agg"`
}

func (p *TableColAggParams) Validate() error {
	perr := &node.ParameterError{}
	required(perr, "column", p.Column)
	oneOf(perr, "agg", p.Agg, AggSum, AggMean, AggMin, AggMax, AggCount)
	return perr.OrNil()
}

// TableColAggNode aggregates the non-null cells of a column. COUNT accepts
// any column type; the others need a numeric column.
type TableColAggNode struct {
	node.Base
	p TableColAggParams
}

func (n *TableColAggNode) PortDef() ([]node.InputPort, []node.OutputPort) {
	var allowed []types.ColType
	if n.p.Agg != AggCount {
		allowed = []types.ColType{types.ColInt, types.ColFloat}
	}
	return []node.InputPort{{Name: "table", Accept: types.AcceptTable(map[string][]types.ColType{n.p.Column: allowed})}},
		[]node.OutputPort{{Name: "result"}}
}

func (n *TableColAggNode) InferOutputSchemas(in map[string]types.Schema) (map[string]types.Schema, error) {
	ts, _ := tableInput(in, "table")
	var t types.SchemaType
	switch n.p.Agg {
	case AggCount:
		t = types.TypeInt
	case AggMean:
		t = types.TypeFloat
	default:
		t = types.SchemaType(ts.ColTypes[n.p.Column])
	}
	return map[string]types.Schema{"result": types.Primitive(t)}, nil
}

func (n *TableColAggNode) Hint(in map[string]types.Schema) map[string]any {
	if n.p.Agg == AggCount {
		return columnsHint(in, "table")
	}
	return columnsHint(in, "table", types.ColInt, types.ColFloat)
}

func (n *TableColAggNode) Process(_ context.Context, in map[string]types.Value) (map[string]types.Value, error) {
	t := in["table"].(*types.Table)
	ct, _ := t.ColType(n.p.Column)
	var cells []any
	for _, c := range t.Column(n.p.Column) {
		if c != nil {
			cells = append(cells, c)
		}
	}
	if n.p.Agg == AggCount {
		return map[string]types.Value{"result": types.Int(len(cells))}, nil
	}
	if len(cells) == 0 && n.p.Agg != AggSum {
		return nil, node.Errorf("%s of empty column %q", n.p.Agg, n.p.Column)
	}
	var out types.Value
	switch n.p.Agg {
	case AggSum:
		if ct == types.ColInt {
			var s int64
			for _, c := range cells {
				s += c.(int64)
			}
			out = types.Int(s)
		} else {
			var s float64
			for _, c := range cells {
				s += c.(float64)
			}
			out = types.Float(s)
		}
	case AggMean:
		var s float64
		for _, c := range cells {
			f, _ := types.NormalizeCell(types.ColFloat, c)
			s += f.(float64)
		}
		out = types.Float(s / float64(len(cells)))
	case AggMin, AggMax:
		best := cells[0]
		for _, c := range cells[1:] {
			r, _ := compareCells(c, best)
			if (n.p.Agg == AggMin && r < 0) || (n.p.Agg == AggMax && r == 1) {
				best = c
			}
		}
		out = types.FromCell(best)
	}
	return map[string]types.Value{"result": out}, nil
}
