package nodes

import (
	"context"
	"math"
	"strings"
	"time"

	"github.com/songzhibin97/dataflow-engine/node"
	"github.com/songzhibin97/dataflow-engine/types"
)

func init() {
	node.RegisterTyped("ConstNode", newConst)
	node.RegisterTyped("CmpNode", func(cfg *node.GlobalConfig, id string, p *CmpParams) (node.Node, error) {
		return &CmpNode{Base: node.NewBase(cfg, id, "CmpNode", node.ParamMap(p)), p: *p}, nil
	})
	node.RegisterTyped("NumBinComputeNode", func(cfg *node.GlobalConfig, id string, p *NumBinParams) (node.Node, error) {
		return &NumBinComputeNode{Base: node.NewBase(cfg, id, "NumBinComputeNode", node.ParamMap(p)), p: *p}, nil
	})
	node.RegisterTyped("BoolBinComputeNode", func(cfg *node.GlobalConfig, id string, p *BoolBinParams) (node.Node, error) {
		return &BoolBinComputeNode{Base: node.NewBase(cfg, id, "BoolBinComputeNode", node.ParamMap(p)), p: *p}, nil
	})
	node.RegisterTyped("StringConcatNode", func(cfg *node.GlobalConfig, id string, p *StringConcatParams) (node.Node, error) {
		return &StringConcatNode{Base: node.NewBase(cfg, id, "StringConcatNode", node.ParamMap(p)), p: *p}, nil
	})
	node.RegisterTyped("StringCaseNode", func(cfg *node.GlobalConfig, id string, p *StringCaseParams) (node.Node, error) {
		return &StringCaseNode{Base: node.NewBase(cfg, id, "StringCaseNode", node.ParamMap(p)), p: *p}, nil
	})
	node.RegisterTyped("DatetimeShiftNode", func(cfg *node.GlobalConfig, id string, p *DatetimeShiftParams) (node.Node, error) {
		return &DatetimeShiftNode{Base: node.NewBase(cfg, id, "DatetimeShiftNode", node.ParamMap(p)), p: *p}, nil
	})
}

// ConstParams declares a literal of a primitive type.
type ConstParams struct {
	Type  types.SchemaType `json:"type"`
	Value any              `json:"value"`
}

func (p *ConstParams) Validate() error {
	perr := &node.ParameterError{}
	primitiveType(perr, "type", p.Type)
	if p.Type.IsPrimitive() {
		if _, err := types.Scalar(p.Type, p.Value); err != nil {
			perr.Add("value", err.Error())
		}
	}
	return perr.OrNil()
}

// ConstNode emits a literal on port "value".
type ConstNode struct {
	node.Base
	typ   types.SchemaType
	value types.Value
}

func newConst(cfg *node.GlobalConfig, id string, p *ConstParams) (node.Node, error) {
	v, err := types.Scalar(p.Type, p.Value)
	if err != nil {
		return nil, node.NewParameterError("value", "%v", err)
	}
	return &ConstNode{Base: node.NewBase(cfg, id, "ConstNode", node.ParamMap(p)), typ: p.Type, value: v}, nil
}

func (n *ConstNode) PortDef() ([]node.InputPort, []node.OutputPort) {
	return nil, []node.OutputPort{{Name: "value"}}
}

func (n *ConstNode) InferOutputSchemas(map[string]types.Schema) (map[string]types.Schema, error) {
	return map[string]types.Schema{"value": types.Primitive(n.typ)}, nil
}

func (n *ConstNode) Process(context.Context, map[string]types.Value) (map[string]types.Value, error) {
	return map[string]types.Value{"value": n.value}, nil
}

// CmpParams selects the comparison operator.
type CmpParams struct {
	Op string `json:"op"`
}

func (p *CmpParams) Validate() error {
	perr := &node.ParameterError{}
	oneOf(perr, "op", p.Op, cmpOps...)
	return perr.OrNil()
}

// CmpNode compares a and b. Ints and floats compare with each other; other
// kinds must match exactly.
type CmpNode struct {
	node.Base
	p CmpParams
}

func (n *CmpNode) PortDef() ([]node.InputPort, []node.OutputPort) {
	accept := types.Accept(types.TypeInt, types.TypeFloat, types.TypeStr, types.TypeDatetime)
	return []node.InputPort{{Name: "a", Accept: accept}, {Name: "b", Accept: accept}},
		[]node.OutputPort{{Name: "result"}}
}

func (n *CmpNode) InferOutputSchemas(in map[string]types.Schema) (map[string]types.Schema, error) {
	if ka, kb := cmpKind(in["a"].Type), cmpKind(in["b"].Type); ka != kb {
		return nil, node.NewValidationError("b", "cannot compare %s with %s", in["a"].Type, in["b"].Type)
	}
	return map[string]types.Schema{"result": types.Primitive(types.TypeBool)}, nil
}

func (n *CmpNode) Process(_ context.Context, in map[string]types.Value) (map[string]types.Value, error) {
	a, _ := types.ToCell(in["a"])
	b, _ := types.ToCell(in["b"])
	c, ok := compareCells(a, b)
	if !ok {
		return nil, node.Errorf("cannot compare %T with %T", in["a"], in["b"])
	}
	return map[string]types.Value{"result": types.Bool(holds(n.p.Op, c))}, nil
}

// Arithmetic operators of NumBinComputeNode.
const (
	OpAdd = "ADD"
	OpSub = "SUB"
	OpMul = "MUL"
	OpDiv = "DIV"
	OpPow = "POW"
	OpMod = "MOD"
)

// NumBinParams selects the arithmetic operator.
type NumBinParams struct {
	Op string `json:"op"`
}

func (p *NumBinParams) Validate() error {
	perr := &node.ParameterError{}
	oneOf(perr, "op", p.Op, OpAdd, OpSub, OpMul, OpDiv, OpPow, OpMod)
	return perr.OrNil()
}

// NumBinComputeNode applies an arithmetic operator. Two ints stay int except
// for DIV, which always produces a float.
type NumBinComputeNode struct {
	node.Base
	p NumBinParams
}

func (n *NumBinComputeNode) PortDef() ([]node.InputPort, []node.OutputPort) {
	accept := types.Accept(numeric...)
	return []node.InputPort{{Name: "a", Accept: accept}, {Name: "b", Accept: accept}},
		[]node.OutputPort{{Name: "result"}}
}

func (n *NumBinComputeNode) InferOutputSchemas(in map[string]types.Schema) (map[string]types.Schema, error) {
	t := types.TypeFloat
	if n.p.Op != OpDiv && in["a"].Type == types.TypeInt && in["b"].Type == types.TypeInt {
		t = types.TypeInt
	}
	return map[string]types.Schema{"result": types.Primitive(t)}, nil
}

func (n *NumBinComputeNode) Process(_ context.Context, in map[string]types.Value) (map[string]types.Value, error) {
	ai, aInt := in["a"].(types.Int)
	bi, bInt := in["b"].(types.Int)
	if aInt && bInt && n.p.Op != OpDiv {
		r, err := intBin(n.p.Op, int64(ai), int64(bi))
		if err != nil {
			return nil, err
		}
		return map[string]types.Value{"result": types.Int(r)}, nil
	}
	a, _ := numericOf(in["a"])
	b, _ := numericOf(in["b"])
	r, err := floatBin(n.p.Op, a, b)
	if err != nil {
		return nil, err
	}
	return map[string]types.Value{"result": types.Float(r)}, nil
}

func intBin(op string, a, b int64) (int64, error) {
	switch op {
	case OpAdd:
		return a + b, nil
	case OpSub:
		return a - b, nil
	case OpMul:
		return a * b, nil
	case OpMod:
		if b == 0 {
			return 0, node.Errorf("Division by zero: %d %% 0", a)
		}
		return a % b, nil
	case OpPow:
		if b < 0 {
			return 0, node.Errorf("integer power with negative exponent %d", b)
		}
		r := int64(1)
		for base := a; b > 0; b >>= 1 {
			if b&1 == 1 {
				r *= base
			}
			base *= base
		}
		return r, nil
	}
	return 0, node.Errorf("unsupported operator %s", op)
}

func floatBin(op string, a, b float64) (float64, error) {
	switch op {
	case OpAdd:
		return a + b, nil
	case OpSub:
		return a - b, nil
	case OpMul:
		return a * b, nil
	case OpDiv:
		if b == 0 {
			return 0, node.Errorf("Division by zero: %v / 0", a)
		}
		return a / b, nil
	case OpMod:
		if b == 0 {
			return 0, node.Errorf("Division by zero: %v %% 0", a)
		}
		return math.Mod(a, b), nil
	case OpPow:
		return math.Pow(a, b), nil
	}
	return 0, node.Errorf("unsupported operator %s", op)
}

// Boolean operators of BoolBinComputeNode.
const (
	OpAnd = "AND"
	OpOr  = "OR"
	OpXor = "XOR"
)

// BoolBinParams selects the boolean operator. SUB is a AND NOT b.
type BoolBinParams struct {
	Op string `json:"op"`
}

func (p *BoolBinParams) Validate() error {
	perr := &node.ParameterError{}
	oneOf(perr, "op", p.Op, OpAnd, OpOr, OpXor, OpSub)
	return perr.OrNil()
}

// BoolBinComputeNode combines two booleans.
type BoolBinComputeNode struct {
	node.Base
	p BoolBinParams
}

func (n *BoolBinComputeNode) PortDef() ([]node.InputPort, []node.OutputPort) {
	accept := types.Accept(types.TypeBool)
	return []node.InputPort{{Name: "a", Accept: accept}, {Name: "b", Accept: accept}},
		[]node.OutputPort{{Name: "result"}}
}

func (n *BoolBinComputeNode) InferOutputSchemas(map[string]types.Schema) (map[string]types.Schema, error) {
	return map[string]types.Schema{"result": types.Primitive(types.TypeBool)}, nil
}

func (n *BoolBinComputeNode) Process(_ context.Context, in map[string]types.Value) (map[string]types.Value, error) {
	a, b := bool(in["a"].(types.Bool)), bool(in["b"].(types.Bool))
	var r bool
	switch n.p.Op {
	case OpAnd:
		r = a && b
	case OpOr:
		r = a || b
	case OpXor:
		r = a != b
	case OpSub:
		r = a && !b
	}
	return map[string]types.Value{"result": types.Bool(r)}, nil
}

// StringConcatParams sets the separator placed between a and b.
type StringConcatParams struct {
	Sep string `json:"sep"`
}

// StringConcatNode joins two strings.
type StringConcatNode struct {
	node.Base
	p StringConcatParams
}

func (n *StringConcatNode) PortDef() ([]node.InputPort, []node.OutputPort) {
	accept := types.Accept(types.TypeStr)
	return []node.InputPort{{Name: "a", Accept: accept}, {Name: "b", Accept: accept}},
		[]node.OutputPort{{Name: "result"}}
}

func (n *StringConcatNode) InferOutputSchemas(map[string]types.Schema) (map[string]types.Schema, error) {
	return map[string]types.Schema{"result": types.Primitive(types.TypeStr)}, nil
}

func (n *StringConcatNode) Process(_ context.Context, in map[string]types.Value) (map[string]types.Value, error) {
	return map[string]types.Value{"result": in["a"].(types.Str) + types.Str(n.p.Sep) + in["b"].(types.Str)}, nil
}

// StringCaseParams selects upper or lower casing.
type StringCaseParams struct {
	Mode string `json:"mode"`
}

func (p *StringCaseParams) Validate() error {
	perr := &node.ParameterError{}
	oneOf(perr, "mode", p.Mode, "upper", "lower")
	return perr.OrNil()
}

// StringCaseNode changes the case of a.
type StringCaseNode struct {
	node.Base
	p StringCaseParams
}

func (n *StringCaseNode) PortDef() ([]node.InputPort, []node.OutputPort) {
	return []node.InputPort{{Name: "a", Accept: types.Accept(types.TypeStr)}}, []node.OutputPort{{Name: "result"}}
}

func (n *StringCaseNode) InferOutputSchemas(map[string]types.Schema) (map[string]types.Schema, error) {
	return map[string]types.Schema{"result": types.Primitive(types.TypeStr)}, nil
}

func (n *StringCaseNode) Process(_ context.Context, in map[string]types.Value) (map[string]types.Value, error) {
	s := string(in["a"].(types.Str))
	if n.p.Mode == "upper" {
		s = strings.ToUpper(s)
	} else {
		s = strings.ToLower(s)
	}
	return map[string]types.Value{"result": types.Str(s)}, nil
}

var shiftUnits = map[string]time.Duration{
	"seconds": time.Second,
	"minutes": time.Minute,
	"hours":   time.Hour,
	"days":    24 * time.Hour,
}

// DatetimeShiftParams moves a timestamp by amount units.
type DatetimeShiftParams struct {
	Unit   string  `json:"unit"`
	Amount float64 `json:"amount"`
}

func (p *DatetimeShiftParams) Validate() error {
	perr := &node.ParameterError{}
	oneOf(perr, "unit", p.Unit, "seconds", "minutes", "hours", "days")
	if math.IsNaN(p.Amount) || math.IsInf(p.Amount, 0) {
		perr.Add("amount", "must be finite")
	}
	return perr.OrNil()
}

// DatetimeShiftNode adds a fixed duration to a timestamp.
type DatetimeShiftNode struct {
	node.Base
	p DatetimeShiftParams
}

func (n *DatetimeShiftNode) PortDef() ([]node.InputPort, []node.OutputPort) {
	return []node.InputPort{{Name: "a", Accept: types.Accept(types.TypeDatetime)}}, []node.OutputPort{{Name: "result"}}
}

func (n *DatetimeShiftNode) InferOutputSchemas(map[string]types.Schema) (map[string]types.Schema, error) {
	return map[string]types.Schema{"result": types.Primitive(types.TypeDatetime)}, nil
}

func (n *DatetimeShiftNode) Process(_ context.Context, in map[string]types.Value) (map[string]types.Value, error) {
	d := time.Duration(n.p.Amount * float64(shiftUnits[n.p.Unit]))
	t := in["a"].(types.Datetime).Time().Add(d)
	return map[string]types.Value{"result": types.Datetime(t)}, nil
}
