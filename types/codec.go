package types

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"time"
)

type encodedValue struct {
	Schema Schema          `json:"schema"`
	Value  json.RawMessage `json:"value"`
}

type encodedTable struct {
	Columns map[string][]any `json:"columns"`
}

// MarshalValue encodes a value together with its schema.
func MarshalValue(v Value) ([]byte, error) {
	if v == nil {
		return nil, fmt.Errorf("cannot marshal nil value")
	}
	var (
		raw []byte
		err error
	)
	switch x := v.(type) {
	case Float:
		raw, err = json.Marshal(floatCell(float64(x)))
	case Datetime:
		raw, err = json.Marshal(time.Time(x).UTC())
	case *Table:
		enc := encodedTable{Columns: make(map[string][]any, len(x.schema.Columns))}
		for _, c := range x.schema.Columns {
			col := make([]any, len(x.cols[c]))
			for i, cell := range x.cols[c] {
				switch cv := cell.(type) {
				case float64:
					col[i] = floatCell(cv)
				case time.Time:
					col[i] = cv.UTC()
				default:
					col[i] = cell
				}
			}
			enc.Columns[c] = col
		}
		raw, err = json.Marshal(enc)
	case FileHandle:
		raw, err = json.Marshal(x)
	case Int, Bool, Str:
		raw, err = json.Marshal(x)
	default:
		return nil, fmt.Errorf("cannot marshal value of type %T", v)
	}
	if err != nil {
		return nil, err
	}
	return json.Marshal(encodedValue{Schema: v.Schema(), Value: raw})
}

// floatCell keeps NaN and infinities representable in JSON.
func floatCell(f float64) any {
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return strconv.FormatFloat(f, 'g', -1, 64)
	}
	return f
}

// UnmarshalValue decodes a value produced by MarshalValue.
func UnmarshalValue(data []byte) (Value, error) {
	var enc encodedValue
	if err := json.Unmarshal(data, &enc); err != nil {
		return nil, fmt.Errorf("decoding value envelope: %w", err)
	}
	if err := enc.Schema.Validate(); err != nil {
		return nil, err
	}
	switch enc.Schema.Type {
	case TypeTable:
		var et encodedTable
		if err := decodeNumbers(enc.Value, &et); err != nil {
			return nil, fmt.Errorf("decoding table: %w", err)
		}
		return NewTable(*enc.Schema.Tab, et.Columns)
	case TypeFile:
		var fh FileHandle
		if err := json.Unmarshal(enc.Value, &fh); err != nil {
			return nil, fmt.Errorf("decoding file handle: %w", err)
		}
		return fh, nil
	default:
		var raw any
		if err := decodeNumbers(enc.Value, &raw); err != nil {
			return nil, fmt.Errorf("decoding %s: %w", enc.Schema.Type, err)
		}
		return Scalar(enc.Schema.Type, raw)
	}
}

func decodeNumbers(data []byte, out any) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	return dec.Decode(out)
}

// ValueMap is a port-keyed set of values with a JSON encoding that keeps schemas.
type ValueMap map[string]Value

// MarshalJSON implements json.Marshaler.
func (m ValueMap) MarshalJSON() ([]byte, error) {
	out := make(map[string]json.RawMessage, len(m))
	for k, v := range m {
		b, err := MarshalValue(v)
		if err != nil {
			return nil, fmt.Errorf("port %q: %w", k, err)
		}
		out[k] = b
	}
	return json.Marshal(out)
}

// UnmarshalJSON implements json.Unmarshaler.
func (m *ValueMap) UnmarshalJSON(data []byte) error {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	out := make(ValueMap, len(raw))
	for k, b := range raw {
		v, err := UnmarshalValue(b)
		if err != nil {
			return fmt.Errorf("port %q: %w", k, err)
		}
		out[k] = v
	}
	*m = out
	return nil
}
