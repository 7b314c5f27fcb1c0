// Package rules evaluates the expressions of ExprNode and TableQueryNode.
package rules

import (
	"fmt"
	"math"
	"sort"
	"strings"
	"sync"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"
)

// Evaluator evaluates expressions over named variables.
type Evaluator interface {
	// Evaluate runs a predicate. The expression must produce a boolean.
	Evaluate(expression string, env map[string]interface{}) (bool, error)
	// Compute runs an expression and returns its result as is.
	Compute(expression string, env map[string]interface{}) (interface{}, error)
	// Check compiles an expression against a sample environment.
	Check(expression string, env map[string]interface{}) error
}

// ExprEvaluator is an implementation of Evaluator using expr-lang/expr.
// Programs are compiled once per expression and variable signature.
type ExprEvaluator struct {
	mu       sync.RWMutex
	programs map[string]*vm.Program
	funcs    map[string]interface{}
}

// NewExprEvaluator returns an evaluator with the math helpers sqrt, pow, log
// and exp defined.
func NewExprEvaluator() *ExprEvaluator {
	e := &ExprEvaluator{
		programs: make(map[string]*vm.Program),
		funcs:    make(map[string]interface{}),
	}
	e.Define("sqrt", math.Sqrt)
	e.Define("pow", math.Pow)
	e.Define("log", math.Log)
	e.Define("exp", math.Exp)
	return e
}

// Define makes a Go function callable by name. Variables of the same name
// shadow it.
func (e *ExprEvaluator) Define(name string, fn interface{}) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.funcs[name] = fn
}

// Evaluate evaluates the given expression against the provided environment.
func (e *ExprEvaluator) Evaluate(expression string, env map[string]interface{}) (bool, error) {
	result, err := e.Compute(expression, env)
	if err != nil {
		return false, err
	}
	if b, ok := result.(bool); ok {
		return b, nil
	}
	return false, fmt.Errorf("expression '%s' did not evaluate to a boolean, got %T", expression, result)
}

// Compute evaluates the expression and returns the raw result.
func (e *ExprEvaluator) Compute(expression string, env map[string]interface{}) (interface{}, error) {
	env = e.scope(env)
	program, err := e.program(expression, env)
	if err != nil {
		return nil, err
	}
	return expr.Run(program, env)
}

// Check compiles the expression without running it.
func (e *ExprEvaluator) Check(expression string, env map[string]interface{}) error {
	_, err := e.program(expression, e.scope(env))
	return err
}

// scope copies env over the defined functions. The caller's map is not modified.
func (e *ExprEvaluator) scope(env map[string]interface{}) map[string]interface{} {
	e.mu.RLock()
	defer e.mu.RUnlock()
	out := make(map[string]interface{}, len(env)+len(e.funcs))
	for k, fn := range e.funcs {
		out[k] = fn
	}
	for k, v := range env {
		out[k] = v
	}
	return out
}

func (e *ExprEvaluator) program(expression string, env map[string]interface{}) (*vm.Program, error) {
	key := expression + "\x00" + signature(env)

	e.mu.RLock()
	program, ok := e.programs[key]
	e.mu.RUnlock()
	if ok {
		return program, nil
	}

	program, err := expr.Compile(expression, expr.Env(env))
	if err != nil {
		return nil, err
	}
	e.mu.Lock()
	e.programs[key] = program
	e.mu.Unlock()
	return program, nil
}

// signature describes variable names and their Go types.
func signature(env map[string]interface{}) string {
	parts := make([]string, 0, len(env))
	for k, v := range env {
		parts = append(parts, fmt.Sprintf("%s:%T", k, v))
	}
	sort.Strings(parts)
	return strings.Join(parts, ",")
}
