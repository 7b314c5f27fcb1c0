package nodes

import (
	"context"
	"sort"

	"github.com/songzhibin97/dataflow-engine/node"
	"github.com/songzhibin97/dataflow-engine/types"
)

func init() {
	node.RegisterTyped("ForEachRowBeginNode", func(cfg *node.GlobalConfig, id string, p *PairParams) (node.Node, error) {
		return &ForEachRowBeginNode{Base: node.NewBase(cfg, id, "ForEachRowBeginNode", node.ParamMap(p)), p: *p}, nil
	})
	node.RegisterTyped("ForRollingWindowBeginNode", func(cfg *node.GlobalConfig, id string, p *RollingWindowParams) (node.Node, error) {
		return &ForRollingWindowBeginNode{Base: node.NewBase(cfg, id, "ForRollingWindowBeginNode", node.ParamMap(p)), p: *p}, nil
	})
	node.RegisterTyped("ForEachRowEndNode", func(cfg *node.GlobalConfig, id string, p *PairParams) (node.Node, error) {
		return &LoopEndNode{Base: node.NewBase(cfg, id, "ForEachRowEndNode", node.ParamMap(p)), p: *p}, nil
	})
	node.RegisterTyped("ForRollingWindowEndNode", func(cfg *node.GlobalConfig, id string, p *PairParams) (node.Node, error) {
		return &LoopEndNode{Base: node.NewBase(cfg, id, "ForRollingWindowEndNode", node.ParamMap(p)), p: *p}, nil
	})
}

// PairParams ties a begin node to its end node.
type PairParams struct {
	PairID int `json:"pair_id"`
}

// windowIterator yields every run of size consecutive rows of t on port,
// with the run's start position on "index". Slices are built on demand.
type windowIterator struct {
	t    *types.Table
	port string
	size int
	pos  int
}

func (it *windowIterator) Next(ctx context.Context) (map[string]types.Value, bool, error) {
	if err := ctx.Err(); err != nil {
		return nil, false, err
	}
	if it.pos+it.size > it.t.NumRows() {
		return nil, false, nil
	}
	m := map[string]types.Value{it.port: it.t.Slice(it.pos, it.pos+it.size), "index": types.Int(it.pos)}
	it.pos++
	return m, true, nil
}

// ForEachRowBeginNode iterates the rows of its input table. Every iteration
// yields the row as a single-row table on "row" and its position on "index".
type ForEachRowBeginNode struct {
	node.Base
	p PairParams
}

func (n *ForEachRowBeginNode) ControlStructure() (int, node.Role) { return n.p.PairID, node.RoleBegin }

func (n *ForEachRowBeginNode) PortDef() ([]node.InputPort, []node.OutputPort) {
	return []node.InputPort{{Name: "table", Accept: types.Accept(types.TypeTable)}},
		[]node.OutputPort{{Name: "row"}, {Name: "index"}}
}

func (n *ForEachRowBeginNode) InferOutputSchemas(in map[string]types.Schema) (map[string]types.Schema, error) {
	return map[string]types.Schema{"row": in["table"], "index": types.Primitive(types.TypeInt)}, nil
}

// Process yields the first iteration so the node also works outside a loop.
func (n *ForEachRowBeginNode) Process(ctx context.Context, in map[string]types.Value) (map[string]types.Value, error) {
	return firstIteration(ctx, n, in)
}

func (n *ForEachRowBeginNode) IterLoop(_ context.Context, in map[string]types.Value) (node.Iterator, error) {
	return &windowIterator{t: in["table"].(*types.Table), port: "row", size: 1}, nil
}

// RollingWindowParams sets the window size and sort column.
type RollingWindowParams struct {
	PairID  int    `json:"pair_id"`
	Window  int    `json:"window"`
	SortCol string `json:"sort_col"`
}

func (p *RollingWindowParams) Validate() error {
	perr := &node.ParameterError{}
	if p.Window < 1 {
		perr.Add("window", "must be at least 1")
	}
	required(perr, "sort_col", p.SortCol)
	return perr.OrNil()
}

// ForRollingWindowBeginNode sorts its input ascending by sort_col and yields
// every run of window consecutive rows. Null sort cells order first.
type ForRollingWindowBeginNode struct {
	node.Base
	p RollingWindowParams
}

func (n *ForRollingWindowBeginNode) ControlStructure() (int, node.Role) {
	return n.p.PairID, node.RoleBegin
}

func (n *ForRollingWindowBeginNode) PortDef() ([]node.InputPort, []node.OutputPort) {
	return []node.InputPort{{Name: "table", Accept: types.AcceptTable(map[string][]types.ColType{n.p.SortCol: nil})}},
		[]node.OutputPort{{Name: "window"}, {Name: "index"}}
}

func (n *ForRollingWindowBeginNode) InferOutputSchemas(in map[string]types.Schema) (map[string]types.Schema, error) {
	return map[string]types.Schema{"window": in["table"], "index": types.Primitive(types.TypeInt)}, nil
}

func (n *ForRollingWindowBeginNode) Hint(in map[string]types.Schema) map[string]any {
	return columnsHint(in, "table")
}

func (n *ForRollingWindowBeginNode) Process(ctx context.Context, in map[string]types.Value) (map[string]types.Value, error) {
	return firstIteration(ctx, n, in)
}

func (n *ForRollingWindowBeginNode) IterLoop(_ context.Context, in map[string]types.Value) (node.Iterator, error) {
	t := in["table"].(*types.Table)
	idx := make([]int, t.NumRows())
	for i := range idx {
		idx[i] = i
	}
	sort.SliceStable(idx, func(i, j int) bool {
		a, b := t.Cell(idx[i], n.p.SortCol), t.Cell(idx[j], n.p.SortCol)
		if a == nil || b == nil {
			return a == nil && b != nil
		}
		c, _ := compareCells(a, b)
		return c < 0
	})
	return &windowIterator{t: t.Take(idx), port: "window", size: n.p.Window}, nil
}

func firstIteration(ctx context.Context, b node.LoopBegin, in map[string]types.Value) (map[string]types.Value, error) {
	it, err := b.IterLoop(ctx, in)
	if err != nil {
		return nil, err
	}
	m, ok, err := it.Next(ctx)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, node.Errorf("loop %s has no iterations", b.ID())
	}
	return m, nil
}

// LoopEndNode accumulates the numeric "value" of every iteration. It outputs
// the sum in the value's type, the iteration count and a table collecting
// every value in iteration order.
type LoopEndNode struct {
	node.Base
	p PairParams

	valueType types.SchemaType
	values    []types.Value
}

func (n *LoopEndNode) ControlStructure() (int, node.Role) { return n.p.PairID, node.RoleEnd }

func (n *LoopEndNode) PortDef() ([]node.InputPort, []node.OutputPort) {
	return []node.InputPort{{Name: "value", Accept: types.Accept(numeric...)}},
		[]node.OutputPort{{Name: "sum"}, {Name: "count"}, {Name: "collected"}}
}

func (n *LoopEndNode) collectedSchema() types.TableSchema {
	return types.NewTableSchema(types.Column{Name: "value", Type: types.ColType(n.valueType)})
}

func (n *LoopEndNode) InferOutputSchemas(in map[string]types.Schema) (map[string]types.Schema, error) {
	n.valueType = in["value"].Type
	return map[string]types.Schema{
		"sum":       types.Primitive(n.valueType),
		"count":     types.Primitive(types.TypeInt),
		"collected": types.TableOf(n.collectedSchema()),
	}, nil
}

// Process treats a run outside a loop as a single iteration.
func (n *LoopEndNode) Process(_ context.Context, in map[string]types.Value) (map[string]types.Value, error) {
	if err := n.EndIterLoop(in); err != nil {
		return nil, err
	}
	return n.FinalizeLoop()
}

func (n *LoopEndNode) EndIterLoop(in map[string]types.Value) error {
	v, ok := in["value"]
	if !ok {
		return node.Errorf("missing loop value")
	}
	n.values = append(n.values, v)
	return nil
}

// FinalizeLoop returns the accumulated outputs and resets the state for the
// next run of the loop.
func (n *LoopEndNode) FinalizeLoop() (map[string]types.Value, error) {
	defer func() { n.values = nil }()
	cells := make([]any, len(n.values))
	var isum int64
	var fsum float64
	for i, v := range n.values {
		switch x := v.(type) {
		case types.Int:
			isum += int64(x)
			cells[i] = int64(x)
		case types.Float:
			fsum += float64(x)
			cells[i] = float64(x)
		}
	}
	collected, err := types.NewTable(n.collectedSchema(), map[string][]any{"value": cells})
	if err != nil {
		return nil, node.Errorf("collecting loop values: %v", err)
	}
	var sum types.Value = types.Float(fsum)
	if n.valueType == types.TypeInt {
		sum = types.Int(isum)
	}
	return map[string]types.Value{
		"sum":       sum,
		"count":     types.Int(len(n.values)),
		"collected": collected,
	}, nil
}
