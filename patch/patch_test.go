package patch

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/songzhibin97/dataflow-engine/types"
)

func sampleWorkflow() types.ProjectWorkflow {
	ms := 12.5
	msg := "previous failure"
	return types.ProjectWorkflow{
		Nodes: []types.WorkflowNode{
			{
				ID: "a", Type: "ConstNode",
				Param:       map[string]any{"type": "int", "value": 5.0},
				Position:    map[string]any{"x": 10.0},
				SchemaOut:   map[string]types.Schema{"value": types.Primitive(types.TypeInt)},
				DataOut:     map[string]types.DataRef{"value": {DataID: "1"}},
				RunningTime: &ms,
				Error:       &types.NodeError{Kind: "execution", Message: "boom"},
			},
			{ID: "b", Type: "CmpNode", Param: map[string]any{"op": "GT"}},
		},
		Edges:        []types.WorkflowEdge{{Src: "a", SrcPort: "value", Tar: "b", TarPort: "a"}},
		ErrorMessage: &msg,
	}
}

func TestApplyGenericTree(t *testing.T) {
	var doc any
	require.NoError(t, json.Unmarshal([]byte(`{"nodes":[{"id":"a","hint":{}}],"x":1}`), &doc))

	doc, err := Apply(doc,
		New("v", "nodes", 0, "hint"),
		New(2.0, "x"),
		New(map[string]any{"k": 1}, "nodes", float64(0), "extra"),
	)
	require.NoError(t, err)
	root := doc.(map[string]any)
	assert.Equal(t, 2.0, root["x"])
	n := root["nodes"].([]any)[0].(map[string]any)
	assert.Equal(t, "v", n["hint"])
	assert.Equal(t, map[string]any{"k": 1.0}, n["extra"])

	_, err = Apply(doc, New(1, "nodes", 3, "hint"))
	assert.ErrorIs(t, err, ErrNoPath)
	_, err = Apply(doc, New(1, "nodes", "zero"))
	assert.ErrorIs(t, err, ErrBadSegment)
	_, err = Apply(doc, New(1, "missing", "deep"))
	assert.ErrorIs(t, err, ErrNoPath)
	_, err = Apply(doc, Patch{Value: 1})
	assert.ErrorIs(t, err, ErrEmptyKey)
}

func TestApplyNonOverlappingIsOrderIndependent(t *testing.T) {
	p1 := SchemaOut(1, map[string]types.Schema{"result": types.Primitive(types.TypeBool)})
	p2 := RunningTime(0, nil)

	a, b := sampleWorkflow(), sampleWorkflow()
	require.NoError(t, ApplyWorkflow(&a, p1, p2))
	require.NoError(t, ApplyWorkflow(&b, p2, p1))
	assert.Equal(t, a, b)
}

func TestPatchSurvivesJSON(t *testing.T) {
	raw, err := json.Marshal(NodeErrorPatch(1, &types.NodeError{Kind: "execution", Message: "Division by zero"}))
	require.NoError(t, err)
	var p Patch
	require.NoError(t, json.Unmarshal(raw, &p))

	wf := sampleWorkflow()
	require.NoError(t, ApplyWorkflow(&wf, p))
	require.NotNil(t, wf.Nodes[1].Error)
	assert.Equal(t, "Division by zero", wf.Nodes[1].Error.Message)
}

func TestCleanupGenerators(t *testing.T) {
	wf := sampleWorkflow()
	var all []Patch
	all = append(all, DelErrorPatches(wf)...)
	all = append(all, DelSchemaDataPatches(wf)...)
	all = append(all, DelRunningTimePatches(wf)...)
	require.NoError(t, ApplyWorkflow(&wf, all...))

	assert.Nil(t, wf.ErrorMessage)
	for _, n := range wf.Nodes {
		assert.Nil(t, n.Error)
		assert.Nil(t, n.RunningTime)
		assert.Empty(t, n.SchemaOut)
		assert.Empty(t, n.DataOut)
	}
	// Positions and params are left alone.
	assert.Equal(t, 10.0, wf.Nodes[0].Position["x"])
	assert.Equal(t, "GT", wf.Nodes[1].Param["op"])
}

func TestDelDataPatches(t *testing.T) {
	wf := sampleWorkflow()
	require.NoError(t, ApplyWorkflow(&wf, DelDataPatches(wf, "a", "unknown")...))
	assert.Empty(t, wf.Nodes[0].DataOut)
	assert.Empty(t, wf.Nodes[0].SchemaOut)

	msg := "revoked"
	require.NoError(t, ApplyWorkflow(&wf, WorkflowError(&msg), Hint(1, map[string]any{"columns": []string{"x"}})))
	require.NotNil(t, wf.ErrorMessage)
	assert.Equal(t, "revoked", *wf.ErrorMessage)
	assert.Equal(t, []any{"x"}, wf.Nodes[1].Hint["columns"])
}
