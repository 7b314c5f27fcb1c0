package node

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/songzhibin97/dataflow-engine/types"
)

type adderParams struct {
	Op    string `json:"op"`
	Count int    `json:"count,omitempty"`
}

func (p *adderParams) Validate() error {
	perr := &ParameterError{}
	if p.Op != "add" && p.Op != "sub" {
		perr.Add("op", "must be add or sub")
	}
	return perr.OrNil()
}

// adder sums its int inputs. The hooks replace inference or processing.
type adder struct {
	Base
	optionalB bool
	infer     func(in map[string]types.Schema) (map[string]types.Schema, error)
	process   func(in map[string]types.Value) (map[string]types.Value, error)
}

func (n *adder) PortDef() ([]InputPort, []OutputPort) {
	return []InputPort{
			{Name: "a", Accept: types.Accept(types.TypeInt)},
			{Name: "b", Accept: types.Accept(types.TypeInt), Optional: n.optionalB},
		},
		[]OutputPort{{Name: "sum"}}
}

func (n *adder) InferOutputSchemas(in map[string]types.Schema) (map[string]types.Schema, error) {
	if n.infer != nil {
		return n.infer(in)
	}
	return map[string]types.Schema{"sum": types.Primitive(types.TypeInt)}, nil
}

func (n *adder) Process(_ context.Context, in map[string]types.Value) (map[string]types.Value, error) {
	if n.process != nil {
		return n.process(in)
	}
	sum := types.Int(0)
	for _, v := range in {
		sum += v.(types.Int)
	}
	return map[string]types.Value{"sum": sum}, nil
}

func init() {
	RegisterTyped("test.Adder", func(cfg *GlobalConfig, id string, p *adderParams) (Node, error) {
		return &adder{Base: NewBase(cfg, id, "test.Adder", ParamMap(p))}, nil
	})
	Register("test.Failing", func(cfg *GlobalConfig, id string, params map[string]any) (Node, error) {
		return nil, errors.New("backend unavailable")
	})
	Register("test.Panicking", func(cfg *GlobalConfig, id string, params map[string]any) (Node, error) {
		panic("bad factory")
	})
}

func newAdder(debug bool) (*adder, *Instance) {
	n := &adder{Base: NewBase(nil, "sum", "test.Adder", nil)}
	return n, NewInstance(n, debug)
}

var twoInts = map[string]types.Schema{"a": types.Primitive(types.TypeInt), "b": types.Primitive(types.TypeInt)}

func TestStaticAnalyseChecksInputs(t *testing.T) {
	tests := []struct {
		name   string
		in     map[string]types.Schema
		inputs []string
	}{
		{name: "missing required", in: map[string]types.Schema{"a": types.Primitive(types.TypeInt)}, inputs: []string{"b"}},
		{name: "wrong type", in: map[string]types.Schema{"a": types.Primitive(types.TypeBool), "b": types.Primitive(types.TypeInt)}, inputs: []string{"a"}},
		{name: "unknown input", in: map[string]types.Schema{"a": types.Primitive(types.TypeInt), "b": types.Primitive(types.TypeInt), "c": types.Primitive(types.TypeInt)}, inputs: []string{"c"}},
		{name: "several", in: map[string]types.Schema{"z": types.Primitive(types.TypeInt)}, inputs: []string{"a", "b", "z"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, inst := newAdder(false)
			_, err := inst.StaticAnalyse(tt.in)
			var ve *ValidationError
			require.True(t, errors.As(err, &ve), err)
			assert.Equal(t, tt.inputs, ve.Inputs)
			assert.False(t, inst.Analysed())
		})
	}

	n, inst := newAdder(false)
	n.optionalB = true
	out, err := inst.StaticAnalyse(map[string]types.Schema{"a": types.Primitive(types.TypeInt)})
	require.NoError(t, err)
	assert.Equal(t, types.Primitive(types.TypeInt), out["sum"])
	assert.True(t, inst.Analysed())
	assert.Len(t, inst.InputSchemas(), 1)
}

func TestStaticAnalyseChecksOutputs(t *testing.T) {
	tests := []struct {
		name  string
		infer func(map[string]types.Schema) (map[string]types.Schema, error)
		msg   string
	}{
		{name: "missing output", infer: func(map[string]types.Schema) (map[string]types.Schema, error) {
			return map[string]types.Schema{}, nil
		}, msg: "inferred 0 outputs, declares 1"},
		{name: "renamed output", infer: func(map[string]types.Schema) (map[string]types.Schema, error) {
			return map[string]types.Schema{"total": types.Primitive(types.TypeInt)}, nil
		}, msg: `did not infer output "sum"`},
		{name: "extra output", infer: func(map[string]types.Schema) (map[string]types.Schema, error) {
			return map[string]types.Schema{"sum": types.Primitive(types.TypeInt), "carry": types.Primitive(types.TypeBool)}, nil
		}, msg: "inferred 2 outputs"},
		{name: "plain error", infer: func(map[string]types.Schema) (map[string]types.Schema, error) {
			return nil, errors.New("columns disagree")
		}, msg: "columns disagree"},
		{name: "panic", infer: func(map[string]types.Schema) (map[string]types.Schema, error) {
			panic("index out of range")
		}, msg: "schema inference panicked"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			n, inst := newAdder(false)
			n.infer = tt.infer
			_, err := inst.StaticAnalyse(twoInts)
			var ve *ValidationError
			require.True(t, errors.As(err, &ve), err)
			assert.ErrorContains(t, err, tt.msg)
			assert.False(t, inst.Analysed())
		})
	}
}

func TestRunChecksValues(t *testing.T) {
	_, inst := newAdder(false)
	_, err := inst.Run(context.Background(), map[string]types.Value{"a": types.Int(1), "b": types.Int(2)})
	assert.ErrorIs(t, err, ErrNotAnalysed)

	_, err = inst.StaticAnalyse(twoInts)
	require.NoError(t, err)
	out, err := inst.Run(context.Background(), map[string]types.Value{"a": types.Int(1), "b": types.Int(2)})
	require.NoError(t, err)
	assert.Equal(t, types.Int(3), out["sum"])

	_, err = inst.Run(context.Background(), map[string]types.Value{"a": types.Int(1), "b": types.Bool(true)})
	assert.ErrorContains(t, err, `input "b" has schema`)
	_, err = inst.Run(context.Background(), map[string]types.Value{"a": types.Int(1)})
	assert.ErrorContains(t, err, "input ports mismatch")
}

func TestRunWrapsProcessFailures(t *testing.T) {
	errBackend := errors.New("backend unavailable")
	tests := []struct {
		name    string
		process func(map[string]types.Value) (map[string]types.Value, error)
		msg     string
	}{
		{name: "wrong output schema", process: func(map[string]types.Value) (map[string]types.Value, error) {
			return map[string]types.Value{"sum": types.Bool(false)}, nil
		}, msg: `output "sum" has schema`},
		{name: "missing output", process: func(map[string]types.Value) (map[string]types.Value, error) {
			return map[string]types.Value{}, nil
		}, msg: "output ports mismatch"},
		{name: "nil output", process: func(map[string]types.Value) (map[string]types.Value, error) {
			return map[string]types.Value{"sum": nil}, nil
		}, msg: `output "sum" is missing`},
		{name: "plain error", process: func(map[string]types.Value) (map[string]types.Value, error) {
			return nil, errBackend
		}, msg: "backend unavailable"},
		{name: "panic", process: func(map[string]types.Value) (map[string]types.Value, error) {
			panic("nil map")
		}, msg: "node panicked: nil map"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			n, inst := newAdder(false)
			n.process = tt.process
			_, err := inst.StaticAnalyse(twoInts)
			require.NoError(t, err)
			_, err = inst.Run(context.Background(), map[string]types.Value{"a": types.Int(1), "b": types.Int(2)})
			var ee *ExecutionError
			require.True(t, errors.As(err, &ee), err)
			assert.Contains(t, ee.Message, tt.msg)
			assert.Equal(t, "execution", ToNodeError(err).Kind)
		})
	}

	n, inst := newAdder(false)
	n.process = func(map[string]types.Value) (map[string]types.Value, error) { return nil, errBackend }
	_, err := inst.StaticAnalyse(twoInts)
	require.NoError(t, err)
	_, err = inst.Run(context.Background(), map[string]types.Value{"a": types.Int(1), "b": types.Int(2)})
	assert.ErrorIs(t, err, errBackend)
}

func TestDebugDetectsInputMutation(t *testing.T) {
	mutate := func(in map[string]types.Value) (map[string]types.Value, error) {
		in["a"] = types.Int(100)
		return map[string]types.Value{"sum": types.Int(0)}, nil
	}

	n, inst := newAdder(true)
	n.process = mutate
	_, err := inst.StaticAnalyse(twoInts)
	require.NoError(t, err)
	_, err = inst.Run(context.Background(), map[string]types.Value{"a": types.Int(1), "b": types.Int(2)})
	assert.ErrorIs(t, err, ErrMutatedInputs)

	n, inst = newAdder(false)
	n.process = mutate
	_, err = inst.StaticAnalyse(twoInts)
	require.NoError(t, err)
	_, err = inst.Run(context.Background(), map[string]types.Value{"a": types.Int(1), "b": types.Int(2)})
	assert.NoError(t, err)

	n, inst = newAdder(true)
	n.infer = func(in map[string]types.Schema) (map[string]types.Schema, error) {
		in["b"] = types.Primitive(types.TypeFloat)
		return map[string]types.Schema{"sum": types.Primitive(types.TypeInt)}, nil
	}
	schemas := map[string]types.Schema{"a": types.Primitive(types.TypeInt), "b": types.Primitive(types.TypeInt)}
	_, err = inst.StaticAnalyse(schemas)
	assert.ErrorIs(t, err, ErrMutatedInputs)
}

func TestDecodeParams(t *testing.T) {
	tests := []struct {
		name   string
		raw    map[string]any
		params []string
	}{
		{name: "unknown key", raw: map[string]any{"op": "add", "extra": 1}, params: []string{"extra"}},
		{name: "wrong type", raw: map[string]any{"op": "add", "count": "three"}, params: []string{"count"}},
		{name: "failed validation", raw: map[string]any{"op": "mul"}, params: []string{"op"}},
		{name: "missing", raw: nil, params: []string{"op"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var p adderParams
			err := DecodeParams(tt.raw, &p)
			var pe *ParameterError
			require.True(t, errors.As(err, &pe), err)
			assert.Equal(t, tt.params, pe.Params)
			assert.Equal(t, "parameter", ToNodeError(err).Kind)
		})
	}

	var p adderParams
	require.NoError(t, DecodeParams(map[string]any{"op": "sub", "count": 2}, &p))
	assert.Equal(t, adderParams{Op: "sub", Count: 2}, p)
	assert.Equal(t, map[string]any{"op": "sub", "count": float64(2)}, ParamMap(&p))
}

func TestRegistry(t *testing.T) {
	n, err := Create("test.Adder", nil, "s1", map[string]any{"op": "add"})
	require.NoError(t, err)
	assert.Equal(t, "s1", n.ID())
	assert.Equal(t, "test.Adder", n.Type())
	assert.Equal(t, map[string]any{"op": "add"}, n.Params())

	_, err = Create("test.Adder", nil, "s1", map[string]any{"op": "mod"})
	var pe *ParameterError
	require.True(t, errors.As(err, &pe))
	assert.Equal(t, []string{"op"}, pe.Params)

	_, err = Create("test.Adder", nil, "  ", nil)
	assert.ErrorIs(t, err, ErrBlankID)
	_, err = Create("test.Missing", nil, "m", nil)
	assert.ErrorIs(t, err, ErrUnknownType)

	_, err = Create("test.Failing", nil, "f", nil)
	require.True(t, errors.As(err, &pe))
	assert.Equal(t, []string{"backend unavailable"}, pe.Messages)
	_, err = Create("test.Panicking", nil, "p", nil)
	assert.ErrorContains(t, err, "panicked: bad factory")

	assert.Panics(t, func() {
		Register("test.Adder", func(*GlobalConfig, string, map[string]any) (Node, error) { return nil, nil })
	})
	assert.Panics(t, func() { Register("", nil) })

	assert.True(t, Registered("test.Adder"))
	assert.False(t, Registered("test.Missing"))
	assert.Subset(t, Types(), []string{"test.Adder", "test.Failing", "test.Panicking"})
	assert.IsIncreasing(t, Types())
}

func TestToNodeError(t *testing.T) {
	assert.Nil(t, ToNodeError(nil))

	ve := NewValidationError("a", "expected %s", "int")
	ve.Add("b", "required input is not connected")
	got := ToNodeError(ve)
	assert.Equal(t, "validation", got.Kind)
	assert.Equal(t, []string{"a", "b"}, got.Inputs)
	assert.Equal(t, "invalid inputs: a: expected int; b: required input is not connected", ve.Error())

	got = ToNodeError(errors.New("disk full"))
	assert.Equal(t, "execution", got.Kind)
	assert.Equal(t, "disk full", got.Message)

	assert.NoError(t, (&ParameterError{}).OrNil())
	assert.NoError(t, (&ValidationError{}).OrNil())
}
