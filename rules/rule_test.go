package rules

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEvaluateRowPredicates(t *testing.T) {
	evaluator := NewExprEvaluator()

	tests := []struct {
		name   string
		expr   string
		row    map[string]interface{}
		want   bool
		errMsg string
	}{
		{name: "int column", expr: "x > 2", row: map[string]interface{}{"x": int64(3)}, want: true},
		{name: "mixed columns", expr: "x > 2 && name == 'b'", row: map[string]interface{}{"x": int64(3), "name": "a"}},
		{name: "float column", expr: "price * qty >= 10", row: map[string]interface{}{"price": 2.5, "qty": 4.0}, want: true},
		{name: "non boolean", expr: "x + 5", row: map[string]interface{}{"x": int64(1)}, errMsg: "did not evaluate to a boolean, got int"},
		{name: "syntax error", expr: "x >>> 18", row: map[string]interface{}{"x": int64(1)}, errMsg: "unexpected token"},
		{name: "unknown column", expr: "y > 1", row: map[string]interface{}{"x": int64(1)}, errMsg: "unknown name y"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := evaluator.Evaluate(tt.expr, tt.row)
			if tt.errMsg != "" {
				assert.ErrorContains(t, err, tt.errMsg)
				assert.False(t, got)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestComputeScalars(t *testing.T) {
	evaluator := NewExprEvaluator()

	tests := []struct {
		name string
		expr string
		env  map[string]interface{}
		want interface{}
	}{
		{name: "integer arithmetic", expr: "a * 2 + b", env: map[string]interface{}{"a": int64(3), "b": int64(1)}, want: int64(7)},
		{name: "float division", expr: "a / 2", env: map[string]interface{}{"a": 3.0}, want: 1.5},
		{name: "string concatenation", expr: "a + '-' + b", env: map[string]interface{}{"a": "x", "b": "y"}, want: "x-y"},
		{name: "sqrt helper", expr: "sqrt(a)", env: map[string]interface{}{"a": 16.0}, want: 4.0},
		{name: "pow helper", expr: "pow(a, b)", env: map[string]interface{}{"a": 2.0, "b": 10.0}, want: 1024.0},
		{name: "no inputs", expr: "1 + 1", env: nil, want: 2},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := evaluator.Compute(tt.expr, tt.env)
			require.NoError(t, err)
			assert.EqualValues(t, tt.want, got)
		})
	}
}

func TestProgramsKeyedBySignature(t *testing.T) {
	evaluator := NewExprEvaluator()

	got, err := evaluator.Compute("a + 1", map[string]interface{}{"a": 1})
	require.NoError(t, err)
	assert.EqualValues(t, 2, got)
	got, err = evaluator.Compute("a + 1", map[string]interface{}{"a": 1.5})
	require.NoError(t, err)
	assert.Equal(t, 2.5, got)
	assert.Len(t, evaluator.programs, 2)
}

func TestDefineDoesNotLeakIntoEnv(t *testing.T) {
	evaluator := NewExprEvaluator()
	evaluator.Define("double", func(v float64) float64 { return v * 2 })

	env := map[string]interface{}{"a": 4.0}
	ok, err := evaluator.Evaluate("double(a) == 8", env)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.NotContains(t, env, "double")

	shadow := map[string]interface{}{"double": 3.0}
	ok, err = evaluator.Evaluate("double == 3", shadow)
	require.NoError(t, err)
	assert.True(t, ok)

	assert.NoError(t, evaluator.Check("double(a) > a", env))
	assert.Error(t, evaluator.Check("double(a) >", env))
}

func TestConcurrentEvaluation(t *testing.T) {
	evaluator := NewExprEvaluator()
	var wg sync.WaitGroup
	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func(v int64) {
			defer wg.Done()
			ok, err := evaluator.Evaluate("x >= 0", map[string]interface{}{"x": v})
			assert.NoError(t, err)
			assert.True(t, ok)
		}(int64(i))
	}
	wg.Wait()
}

func BenchmarkEvaluate(b *testing.B) {
	evaluator := NewExprEvaluator()
	row := map[string]interface{}{"x": int64(10)}
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		_, _ = evaluator.Evaluate("x > 5", row)
	}
}
