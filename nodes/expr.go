package nodes

import (
	"context"
	"time"

	"github.com/songzhibin97/dataflow-engine/node"
	"github.com/songzhibin97/dataflow-engine/types"
)

func init() {
	node.RegisterTyped("TableQueryNode", func(cfg *node.GlobalConfig, id string, p *TableQueryParams) (node.Node, error) {
		return &TableQueryNode{Base: node.NewBase(cfg, id, "TableQueryNode", node.ParamMap(p)), p: *p}, nil
	})
	node.RegisterTyped("ExprNode", func(cfg *node.GlobalConfig, id string, p *ExprParams) (node.Node, error) {
		return &ExprNode{Base: node.NewBase(cfg, id, "ExprNode", node.ParamMap(p)), p: *p}, nil
	})
}

// sampleCell returns a zero value with the Go type cells of ct carry. It is
// used to type-check expressions during static analysis.
func sampleCell(ct types.ColType) any {
	switch ct {
	case types.ColInt:
		return int64(0)
	case types.ColFloat:
		return float64(0)
	case types.ColBool:
		return false
	case types.ColDatetime:
		return time.Time{}
	}
	return ""
}

// TableQueryParams holds a boolean row predicate over column names.
type TableQueryParams struct {
	Expr string `json:"expr"`
}

func (p *TableQueryParams) Validate() error {
	perr := &node.ParameterError{}
	required(perr, "expr", p.Expr)
	return perr.OrNil()
}

// TableQueryNode keeps the rows for which the predicate holds. Rows with a
// null cell referenced by the predicate fail evaluation and are dropped.
type TableQueryNode struct {
	node.Base
	p TableQueryParams
}

func (n *TableQueryNode) PortDef() ([]node.InputPort, []node.OutputPort) {
	return []node.InputPort{{Name: "table", Accept: types.Accept(types.TypeTable)}}, []node.OutputPort{{Name: "result"}}
}

func (n *TableQueryNode) InferOutputSchemas(in map[string]types.Schema) (map[string]types.Schema, error) {
	ts, _ := tableInput(in, "table")
	env := make(map[string]interface{}, len(ts.Columns))
	for _, c := range ts.Columns {
		env[c] = sampleCell(ts.ColTypes[c])
	}
	if err := evaluator.Check(n.p.Expr, env); err != nil {
		return nil, node.NewParameterError("expr", "%v", err)
	}
	return map[string]types.Schema{"result": in["table"]}, nil
}

func (n *TableQueryNode) Hint(in map[string]types.Schema) map[string]any {
	return columnsHint(in, "table")
}

func (n *TableQueryNode) Process(ctx context.Context, in map[string]types.Value) (map[string]types.Value, error) {
	t := in["table"].(*types.Table)
	var keep []int
	for i := 0; i < t.NumRows(); i++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		row := t.Row(i)
		env := make(map[string]interface{}, len(row))
		null := false
		for k, v := range row {
			if v == nil {
				null = true
			}
			env[k] = v
		}
		if null {
			continue
		}
		ok, err := evaluator.Evaluate(n.p.Expr, env)
		if err != nil {
			return nil, node.Errorf("row %d: %v", i, err)
		}
		if ok {
			keep = append(keep, i)
		}
	}
	return map[string]types.Value{"result": t.Take(keep)}, nil
}

// ExprParams holds a scalar expression over the optional inputs a, b and c.
type ExprParams struct {
	Expr    string           `json:"expr"`
	OutType types.SchemaType `json:"out_type"`
}

func (p *ExprParams) Validate() error {
	perr := &node.ParameterError{}
	required(perr, "expr", p.Expr)
	primitiveType(perr, "out_type", p.OutType)
	return perr.OrNil()
}

// ExprNode evaluates an expression and converts the result to out_type.
type ExprNode struct {
	node.Base
	p ExprParams
}

func (n *ExprNode) PortDef() ([]node.InputPort, []node.OutputPort) {
	accept := types.Accept(types.Primitives...)
	return []node.InputPort{
			{Name: "a", Accept: accept, Optional: true},
			{Name: "b", Accept: accept, Optional: true},
			{Name: "c", Accept: accept, Optional: true},
		},
		[]node.OutputPort{{Name: "result"}}
}

func (n *ExprNode) InferOutputSchemas(in map[string]types.Schema) (map[string]types.Schema, error) {
	env := make(map[string]interface{}, len(in))
	for name, s := range in {
		ct, _ := s.Type.ColType()
		env[name] = sampleCell(ct)
	}
	if err := evaluator.Check(n.p.Expr, env); err != nil {
		return nil, node.NewParameterError("expr", "%v", err)
	}
	return map[string]types.Schema{"result": types.Primitive(n.p.OutType)}, nil
}

func (n *ExprNode) Process(_ context.Context, in map[string]types.Value) (map[string]types.Value, error) {
	env := make(map[string]interface{}, len(in))
	for name, v := range in {
		env[name], _ = types.ToCell(v)
	}
	raw, err := evaluator.Compute(n.p.Expr, env)
	if err != nil {
		return nil, node.Errorf("evaluating %q: %v", n.p.Expr, err)
	}
	v, err := types.Scalar(n.p.OutType, raw)
	if err != nil {
		return nil, node.Errorf("result of %q: %v", n.p.Expr, err)
	}
	return map[string]types.Value{"result": v}, nil
}
