package node

import (
	"context"
	"fmt"
	"sort"

	"github.com/songzhibin97/dataflow-engine/types"
)

// Instance wraps a Node with the framework checks around static analysis and
// execution. Inferred schemas are cached and enforced at runtime.
type Instance struct {
	Node
	debug      bool
	analysed   bool
	inSchemas  map[string]types.Schema
	outSchemas map[string]types.Schema
}

// NewInstance wraps n. In debug mode inputs are fingerprinted around every
// call to detect mutation.
func NewInstance(n Node, debug bool) *Instance {
	return &Instance{Node: n, debug: debug}
}

// Analysed reports whether StaticAnalyse succeeded.
func (i *Instance) Analysed() bool { return i.analysed }

// InputSchemas returns the schemas accepted during static analysis.
func (i *Instance) InputSchemas() map[string]types.Schema { return i.inSchemas }

// OutputSchemas returns the inferred output schemas.
func (i *Instance) OutputSchemas() map[string]types.Schema { return i.outSchemas }

// CheckInputSchemas validates provided schemas against the port definition.
func (i *Instance) CheckInputSchemas(in map[string]types.Schema) error {
	if i.ID() == "" {
		return ErrBlankID
	}
	if i.Type() == "" {
		return fmt.Errorf("node %q has a blank type", i.ID())
	}
	inputs, _ := i.PortDef()
	known := make(map[string]InputPort, len(inputs))
	verr := &ValidationError{}
	for _, p := range inputs {
		known[p.Name] = p
		s, ok := in[p.Name]
		if !ok {
			if !p.Optional {
				verr.Add(p.Name, "required input is not connected")
			}
			continue
		}
		if err := s.Validate(); err != nil {
			verr.Add(p.Name, err.Error())
			continue
		}
		if !p.Accept.Accepts(s) {
			verr.Add(p.Name, fmt.Sprintf("expected %s, got %s", p.Accept, s))
		}
	}
	for _, name := range sortedNames(in) {
		if _, ok := known[name]; !ok {
			verr.Add(name, "unknown input")
		}
	}
	return verr.OrNil()
}

// StaticAnalyse checks the inputs, infers output schemas and caches both.
func (i *Instance) StaticAnalyse(in map[string]types.Schema) (map[string]types.Schema, error) {
	if err := i.CheckInputSchemas(in); err != nil {
		return nil, err
	}
	var before string
	if i.debug {
		before = types.FingerprintSchemas(in)
	}
	out, err := i.safeInfer(in)
	if i.debug && types.FingerprintSchemas(in) != before {
		return nil, fmt.Errorf("%w: %s during schema inference", ErrMutatedInputs, i.ID())
	}
	if err != nil {
		if _, ok := err.(*ParameterError); ok {
			return nil, err
		}
		if _, ok := err.(*ValidationError); ok {
			return nil, err
		}
		return nil, NewValidationError("", "%v", err)
	}
	if err := i.checkOutputSchemas(out); err != nil {
		return nil, err
	}
	i.inSchemas = copySchemas(in)
	i.outSchemas = copySchemas(out)
	i.analysed = true
	return copySchemas(out), nil
}

func (i *Instance) safeInfer(in map[string]types.Schema) (out map[string]types.Schema, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("schema inference panicked: %v", r)
		}
	}()
	return i.Node.InferOutputSchemas(in)
}

func (i *Instance) checkOutputSchemas(out map[string]types.Schema) error {
	_, outputs := i.PortDef()
	if len(out) != len(outputs) {
		return NewValidationError("", "node %s inferred %d outputs, declares %d", i.ID(), len(out), len(outputs))
	}
	for _, p := range outputs {
		s, ok := out[p.Name]
		if !ok {
			return NewValidationError("", "node %s did not infer output %q", i.ID(), p.Name)
		}
		if err := s.Validate(); err != nil {
			return NewValidationError("", "output %q: %v", p.Name, err)
		}
	}
	return nil
}

// CheckInputValues verifies runtime values against the analysed input schemas.
func (i *Instance) CheckInputValues(in map[string]types.Value) error {
	if !i.analysed {
		return fmt.Errorf("%w: %s", ErrNotAnalysed, i.ID())
	}
	return matchSchemas(in, i.inSchemas, "input")
}

func (i *Instance) checkOutputValues(out map[string]types.Value) error {
	return matchSchemas(out, i.outSchemas, "output")
}

// Run executes Process with the runtime checks. Panics become execution errors.
func (i *Instance) Run(ctx context.Context, in map[string]types.Value) (map[string]types.Value, error) {
	if err := i.CheckInputValues(in); err != nil {
		return nil, err
	}
	var before string
	if i.debug {
		before = types.FingerprintValues(in)
	}
	out, err := i.safeProcess(ctx, in)
	if i.debug && types.FingerprintValues(in) != before {
		return nil, fmt.Errorf("%w: %s during processing", ErrMutatedInputs, i.ID())
	}
	if err != nil {
		return nil, asExecution(err)
	}
	if err := i.checkOutputValues(out); err != nil {
		return nil, err
	}
	return out, nil
}

func (i *Instance) safeProcess(ctx context.Context, in map[string]types.Value) (out map[string]types.Value, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = Errorf("node panicked: %v", r)
		}
	}()
	return i.Node.Process(ctx, in)
}

// IterLoop starts the loop of a begin node. Every yielded map is checked
// against the inferred output schemas.
func (i *Instance) IterLoop(ctx context.Context, in map[string]types.Value) (Iterator, error) {
	b, ok := i.Node.(LoopBegin)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotLoopNode, i.ID())
	}
	if err := i.CheckInputValues(in); err != nil {
		return nil, err
	}
	it, err := b.IterLoop(ctx, in)
	if err != nil {
		return nil, asExecution(err)
	}
	return &checkedIterator{inner: it, inst: i}, nil
}

type checkedIterator struct {
	inner Iterator
	inst  *Instance
}

func (c *checkedIterator) Next(ctx context.Context) (map[string]types.Value, bool, error) {
	m, ok, err := c.inner.Next(ctx)
	if err != nil {
		return nil, false, asExecution(err)
	}
	if !ok {
		return nil, false, nil
	}
	if err := c.inst.checkOutputValues(m); err != nil {
		return nil, false, err
	}
	return m, true, nil
}

// EndIterLoop feeds one iteration into an end node.
func (i *Instance) EndIterLoop(in map[string]types.Value) error {
	e, ok := i.Node.(LoopEnd)
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotLoopNode, i.ID())
	}
	if err := i.CheckInputValues(in); err != nil {
		return err
	}
	if err := e.EndIterLoop(in); err != nil {
		return asExecution(err)
	}
	return nil
}

// FinalizeLoop returns the end node outputs.
func (i *Instance) FinalizeLoop() (map[string]types.Value, error) {
	e, ok := i.Node.(LoopEnd)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotLoopNode, i.ID())
	}
	out, err := e.FinalizeLoop()
	if err != nil {
		return nil, asExecution(err)
	}
	if err := i.checkOutputValues(out); err != nil {
		return nil, err
	}
	return out, nil
}

// Cacheable reports whether outputs may be memoized.
func (i *Instance) Cacheable() bool {
	if c, ok := i.Node.(Cacheable); ok {
		return c.Cacheable()
	}
	return true
}

func asExecution(err error) error {
	switch err.(type) {
	case *ExecutionError, *ValidationError, *ParameterError:
		return err
	}
	return &ExecutionError{Message: err.Error(), Err: err}
}

func matchSchemas(values map[string]types.Value, schemas map[string]types.Schema, side string) error {
	if len(values) != len(schemas) {
		return Errorf("%s ports mismatch: got %d values, expected %d", side, len(values), len(schemas))
	}
	for name, s := range schemas {
		v, ok := values[name]
		if !ok || v == nil {
			return Errorf("%s %q is missing", side, name)
		}
		if got := v.Schema(); !got.Equal(s) {
			return Errorf("%s %q has schema %s, expected %s", side, name, got, s)
		}
	}
	return nil
}

func copySchemas(m map[string]types.Schema) map[string]types.Schema {
	out := make(map[string]types.Schema, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

func sortedNames[V any](m map[string]V) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
