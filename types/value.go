package types

import (
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"time"
)

// Value is a typed payload flowing along an edge.
type Value interface {
	Schema() Schema
}

// Int is a 64-bit integer value.
type Int int64

// Float is a 64-bit floating point value.
type Float float64

// Bool is a boolean value.
type Bool bool

// Str is a string value.
type Str string

// Datetime is a timestamp value.
type Datetime time.Time

func (Int) Schema() Schema      { return Primitive(TypeInt) }
func (Float) Schema() Schema    { return Primitive(TypeFloat) }
func (Bool) Schema() Schema     { return Primitive(TypeBool) }
func (Str) Schema() Schema      { return Primitive(TypeStr) }
func (Datetime) Schema() Schema { return Primitive(TypeDatetime) }

// Time returns the underlying time.
func (d Datetime) Time() time.Time { return time.Time(d) }

// FileHandle references an opaque blob. The handle is a value, not ownership.
type FileHandle struct {
	Key      string             `json:"key"`
	Filename string             `json:"filename"`
	Format   FileFormat         `json:"format"`
	Size     int64              `json:"size"`
	ColTypes map[string]ColType `json:"col_types,omitempty"`
}

// Schema implements Value.
func (f FileHandle) Schema() Schema {
	fs := FileSchema{Format: f.Format}
	if len(f.ColTypes) > 0 {
		fs.ColTypes = make(map[string]ColType, len(f.ColTypes))
		for k, v := range f.ColTypes {
			fs.ColTypes[k] = v
		}
	}
	return FileOf(fs)
}

// Scalar converts a primitive Go value into a Value of the given type.
func Scalar(t SchemaType, raw any) (Value, error) {
	ct, ok := t.ColType()
	if !ok {
		return nil, fmt.Errorf("%s is not a scalar type", t)
	}
	cell, err := NormalizeCell(ct, raw)
	if err != nil {
		return nil, err
	}
	if cell == nil {
		return nil, fmt.Errorf("%s value is null", t)
	}
	return FromCell(cell), nil
}

// FromCell wraps a normalized table cell into a Value. Nil cells return nil.
func FromCell(cell any) Value {
	switch c := cell.(type) {
	case int64:
		return Int(c)
	case float64:
		return Float(c)
	case bool:
		return Bool(c)
	case string:
		return Str(c)
	case time.Time:
		return Datetime(c)
	}
	return nil
}

// ToCell unwraps a primitive Value into its table cell representation.
func ToCell(v Value) (any, bool) {
	switch x := v.(type) {
	case Int:
		return int64(x), true
	case Float:
		return float64(x), true
	case Bool:
		return bool(x), true
	case Str:
		return string(x), true
	case Datetime:
		return time.Time(x), true
	}
	return nil, false
}

// NormalizeCell coerces raw into the canonical cell type for ct; nil stays nil.
func NormalizeCell(ct ColType, raw any) (any, error) {
	if raw == nil {
		return nil, nil
	}
	switch ct {
	case ColInt:
		switch x := raw.(type) {
		case int64:
			return x, nil
		case int:
			return int64(x), nil
		case int32:
			return int64(x), nil
		case float64:
			if x != math.Trunc(x) || math.IsInf(x, 0) {
				return nil, fmt.Errorf("%v is not an integer", x)
			}
			return int64(x), nil
		case json.Number:
			return x.Int64()
		case Int:
			return int64(x), nil
		}
	case ColFloat:
		switch x := raw.(type) {
		case float64:
			return x, nil
		case float32:
			return float64(x), nil
		case int64:
			return float64(x), nil
		case int:
			return float64(x), nil
		case json.Number:
			return x.Float64()
		case Float:
			return float64(x), nil
		case string:
			// NaN and infinities cannot be carried by JSON numbers.
			if f, err := strconv.ParseFloat(x, 64); err == nil && (math.IsNaN(f) || math.IsInf(f, 0)) {
				return f, nil
			}
		}
	case ColStr:
		switch x := raw.(type) {
		case string:
			return x, nil
		case Str:
			return string(x), nil
		}
	case ColBool:
		switch x := raw.(type) {
		case bool:
			return x, nil
		case Bool:
			return bool(x), nil
		}
	case ColDatetime:
		switch x := raw.(type) {
		case time.Time:
			return x, nil
		case Datetime:
			return time.Time(x), nil
		case string:
			t, err := time.Parse(time.RFC3339Nano, x)
			if err != nil {
				return nil, fmt.Errorf("invalid datetime %q: %w", x, err)
			}
			return t, nil
		}
	default:
		return nil, fmt.Errorf("unknown column type %q", ct)
	}
	return nil, fmt.Errorf("cannot use %T as %s", raw, ct)
}

// SchemasOf returns the schema of every value in the map.
func SchemasOf(values map[string]Value) map[string]Schema {
	out := make(map[string]Schema, len(values))
	for k, v := range values {
		out[k] = v.Schema()
	}
	return out
}

// SchemaMapsEqual compares two schema maps key by key.
func SchemaMapsEqual(a, b map[string]Schema) bool {
	if len(a) != len(b) {
		return false
	}
	for k, s := range a {
		o, ok := b[k]
		if !ok || !s.Equal(o) {
			return false
		}
	}
	return true
}
