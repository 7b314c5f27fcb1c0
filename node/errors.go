package node

import (
	"errors"
	"fmt"
	"strings"

	"github.com/songzhibin97/dataflow-engine/types"
)

var (
	ErrUnknownType   = errors.New("unknown node type")
	ErrBlankID       = errors.New("node id is blank")
	ErrNotAnalysed   = errors.New("node has not been statically analysed")
	ErrMutatedInputs = errors.New("node mutated its inputs")
	ErrNotLoopNode   = errors.New("node is not a loop node")
)

// ParameterError reports invalid node parameters, one message per parameter.
type ParameterError struct {
	Params   []string
	Messages []string
}

// NewParameterError returns an error for a single parameter.
func NewParameterError(param, format string, args ...any) *ParameterError {
	e := &ParameterError{}
	e.Add(param, fmt.Sprintf(format, args...))
	return e
}

// Add appends one parameter message.
func (e *ParameterError) Add(param, msg string) {
	e.Params = append(e.Params, param)
	e.Messages = append(e.Messages, msg)
}

// OrNil returns nil when no message was added.
func (e *ParameterError) OrNil() error {
	if e == nil || len(e.Params) == 0 {
		return nil
	}
	return e
}

func (e *ParameterError) Error() string {
	return "invalid parameters: " + joinPairs(e.Params, e.Messages)
}

// ValidationError reports inputs that cannot be accepted, one message per input.
type ValidationError struct {
	Inputs   []string
	Messages []string
}

// NewValidationError returns an error for a single input port.
func NewValidationError(input, format string, args ...any) *ValidationError {
	e := &ValidationError{}
	e.Add(input, fmt.Sprintf(format, args...))
	return e
}

// Add appends one input message.
func (e *ValidationError) Add(input, msg string) {
	e.Inputs = append(e.Inputs, input)
	e.Messages = append(e.Messages, msg)
}

// OrNil returns nil when no message was added.
func (e *ValidationError) OrNil() error {
	if e == nil || len(e.Inputs) == 0 {
		return nil
	}
	return e
}

func (e *ValidationError) Error() string {
	return "invalid inputs: " + joinPairs(e.Inputs, e.Messages)
}

// ExecutionError is a runtime failure inside Process.
type ExecutionError struct {
	Message string
	Err     error
}

// Errorf returns an ExecutionError with a formatted message.
func Errorf(format string, args ...any) *ExecutionError {
	err := fmt.Errorf(format, args...)
	return &ExecutionError{Message: err.Error(), Err: errors.Unwrap(err)}
}

func (e *ExecutionError) Error() string { return e.Message }

func (e *ExecutionError) Unwrap() error { return e.Err }

func joinPairs(keys, msgs []string) string {
	parts := make([]string, 0, len(keys))
	for i, k := range keys {
		if k == "" {
			parts = append(parts, msgs[i])
			continue
		}
		parts = append(parts, k+": "+msgs[i])
	}
	return strings.Join(parts, "; ")
}

// ToNodeError converts any node failure into the structured document form.
// Errors of unknown kind are reported as execution errors.
func ToNodeError(err error) *types.NodeError {
	if err == nil {
		return nil
	}
	var pe *ParameterError
	if errors.As(err, &pe) {
		return &types.NodeError{Kind: "parameter", Params: pe.Params, Messages: pe.Messages}
	}
	var ve *ValidationError
	if errors.As(err, &ve) {
		return &types.NodeError{Kind: "validation", Inputs: ve.Inputs, Messages: ve.Messages}
	}
	var ee *ExecutionError
	if errors.As(err, &ee) {
		return &types.NodeError{Kind: "execution", Message: ee.Message}
	}
	return &types.NodeError{Kind: "execution", Message: err.Error()}
}
