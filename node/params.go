package node

import (
	"bytes"
	"encoding/json"
	"errors"
	"strings"
)

// Validator is implemented by parameter structs with cross-field rules.
// Validate should return a *ParameterError.
type Validator interface {
	Validate() error
}

// DecodeParams decodes raw parameters into out, rejecting unknown keys, and runs
// Validate when out implements Validator. Failures are reported as *ParameterError
// carrying the offending field path.
func DecodeParams(raw map[string]any, out any) error {
	if raw == nil {
		raw = map[string]any{}
	}
	data, err := json.Marshal(raw)
	if err != nil {
		return NewParameterError("", "parameters are not serializable: %v", err)
	}
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	if err := dec.Decode(out); err != nil {
		return translateDecodeError(err)
	}
	if v, ok := out.(Validator); ok {
		if err := v.Validate(); err != nil {
			var pe *ParameterError
			if errors.As(err, &pe) {
				return pe
			}
			return NewParameterError("", "%v", err)
		}
	}
	return nil
}

func translateDecodeError(err error) error {
	var typeErr *json.UnmarshalTypeError
	if errors.As(err, &typeErr) {
		field := typeErr.Field
		if field == "" {
			field = typeErr.Value
		}
		return NewParameterError(field, "expected %s, got %s", typeErr.Type, typeErr.Value)
	}
	msg := err.Error()
	if strings.HasPrefix(msg, "json: unknown field ") {
		field := strings.Trim(strings.TrimPrefix(msg, "json: unknown field "), `"`)
		return NewParameterError(field, "unknown parameter")
	}
	return NewParameterError("", "%s", msg)
}

// ParamMap converts a decoded parameter struct back to its canonical map form.
func ParamMap(p any) map[string]any {
	data, err := json.Marshal(p)
	if err != nil {
		return map[string]any{}
	}
	out := map[string]any{}
	if err := json.Unmarshal(data, &out); err != nil {
		return map[string]any{}
	}
	return out
}
