// Package nodes holds the built-in node catalog. Every type registers itself
// with the node registry from an init function; importing the package for its
// side effects makes the catalog available to the interpreter.
package nodes

import (
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/songzhibin97/dataflow-engine/node"
	"github.com/songzhibin97/dataflow-engine/rules"
	"github.com/songzhibin97/dataflow-engine/types"
)

// evaluator is shared by the expression based nodes. It caches compiled
// programs per expression and variable signature.
var evaluator = rules.NewExprEvaluator()

var numeric = []types.SchemaType{types.TypeInt, types.TypeFloat}

// oneOf reports a parameter error unless v is in allowed.
func oneOf(perr *node.ParameterError, param, v string, allowed ...string) {
	for _, a := range allowed {
		if v == a {
			return
		}
	}
	perr.Add(param, fmt.Sprintf("must be one of %s, got %q", strings.Join(allowed, ", "), v))
}

func required(perr *node.ParameterError, param, v string) {
	if strings.TrimSpace(v) == "" {
		perr.Add(param, "is required")
	}
}

func primitiveType(perr *node.ParameterError, param string, t types.SchemaType) {
	if !t.IsPrimitive() {
		perr.Add(param, fmt.Sprintf("must be a primitive type, got %q", t))
	}
}

// compareCells orders two normalized cells. ok is false when they are not
// comparable; ints and floats compare numerically.
func compareCells(a, b any) (c int, ok bool) {
	switch x := a.(type) {
	case int64:
		switch y := b.(type) {
		case int64:
			return cmpOrdered(x, y), true
		case float64:
			return cmpFloat(float64(x), y), true
		}
	case float64:
		switch y := b.(type) {
		case int64:
			return cmpFloat(x, float64(y)), true
		case float64:
			return cmpFloat(x, y), true
		}
	case string:
		if y, ok := b.(string); ok {
			return cmpOrdered(x, y), true
		}
	case bool:
		if y, ok := b.(bool); ok {
			switch {
			case x == y:
				return 0, true
			case !x:
				return -1, true
			}
			return 1, true
		}
	case time.Time:
		if y, ok := b.(time.Time); ok {
			return x.Compare(y), true
		}
	}
	return 0, false
}

func cmpOrdered[T int64 | string](a, b T) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	}
	return 0
}

func cmpFloat(a, b float64) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	case math.IsNaN(a) || math.IsNaN(b):
		return 2
	}
	return 0
}

// Comparison operators shared by CmpNode and TableFilterNode.
const (
	OpEQ = "EQ"
	OpNE = "NE"
	OpGT = "GT"
	OpGE = "GE"
	OpLT = "LT"
	OpLE = "LE"
)

var cmpOps = []string{OpEQ, OpNE, OpGT, OpGE, OpLT, OpLE}

// holds applies op to a comparison result. NaN (c == 2) only satisfies NE.
func holds(op string, c int) bool {
	if c == 2 {
		return op == OpNE
	}
	switch op {
	case OpEQ:
		return c == 0
	case OpNE:
		return c != 0
	case OpGT:
		return c > 0
	case OpGE:
		return c >= 0
	case OpLT:
		return c < 0
	case OpLE:
		return c <= 0
	}
	return false
}

func cmpKind(t types.SchemaType) string {
	if t == types.TypeInt || t == types.TypeFloat {
		return "number"
	}
	return string(t)
}

// tableInput returns the table schema connected to port.
func tableInput(in map[string]types.Schema, port string) (types.TableSchema, bool) {
	s, ok := in[port]
	if !ok || s.Type != types.TypeTable || s.Tab == nil {
		return types.TableSchema{}, false
	}
	return *s.Tab, true
}

// columnsHint lists the columns of the table on port, optionally restricted
// to the given column types.
func columnsHint(in map[string]types.Schema, port string, only ...types.ColType) map[string]any {
	ts, ok := tableInput(in, port)
	if !ok {
		return map[string]any{"columns": []string{}}
	}
	cols := make([]string, 0, len(ts.Columns))
	for _, c := range ts.Columns {
		if len(only) > 0 && !hasColType(only, ts.ColTypes[c]) {
			continue
		}
		cols = append(cols, c)
	}
	return map[string]any{"columns": cols}
}

func hasColType(list []types.ColType, c types.ColType) bool {
	for _, x := range list {
		if x == c {
			return true
		}
	}
	return false
}

// numericOf widens a value to float64.
func numericOf(v types.Value) (float64, bool) {
	switch x := v.(type) {
	case types.Int:
		return float64(x), true
	case types.Float:
		return float64(x), true
	}
	return 0, false
}
