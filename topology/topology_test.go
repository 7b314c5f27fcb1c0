package topology

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/songzhibin97/dataflow-engine/types"
)

func build(t *testing.T, nodes []string, edges ...Edge) *Graph {
	t.Helper()
	g := New()
	for _, n := range nodes {
		require.NoError(t, g.AddNode(n))
	}
	for _, e := range edges {
		require.NoError(t, g.AddEdge(e))
	}
	return g
}

func TestAddEdgeValidation(t *testing.T) {
	g := build(t, []string{"a", "b"})
	e := Edge{Src: "a", SrcPort: "value", Tar: "b", TarPort: "a"}
	require.NoError(t, g.AddEdge(e))
	assert.ErrorIs(t, g.AddEdge(e), ErrDuplicateEdge)

	// Same endpoints on another port pair is a distinct multi-edge.
	require.NoError(t, g.AddEdge(Edge{Src: "a", SrcPort: "value", Tar: "b", TarPort: "b"}))
	assert.Len(t, g.InEdges("b"), 2)
	assert.Equal(t, []string{"a"}, g.Predecessors("b"))

	assert.ErrorIs(t, g.AddEdge(Edge{Src: "x", Tar: "b"}), ErrUnknownNode)
	assert.ErrorIs(t, g.AddNode("a"), ErrDuplicateNode)
	assert.ErrorIs(t, g.AddNode(""), ErrBlankNode)
}

func TestTopologicalOrderIsStable(t *testing.T) {
	g := build(t, []string{"c", "a", "b", "d"},
		Edge{Src: "c", Tar: "d"},
		Edge{Src: "a", Tar: "d"},
		Edge{Src: "b", Tar: "a"},
	)
	order, err := g.TopologicalOrder()
	require.NoError(t, err)
	assert.Equal(t, []string{"c", "b", "a", "d"}, order)

	for i := 0; i < 10; i++ {
		again, err := g.TopologicalOrder()
		require.NoError(t, err)
		assert.Equal(t, order, again)
	}
}

func TestCycleRejected(t *testing.T) {
	g := build(t, []string{"a", "b", "c"},
		Edge{Src: "a", Tar: "b"},
		Edge{Src: "b", Tar: "c"},
		Edge{Src: "c", Tar: "a"},
	)
	_, err := g.TopologicalOrder()
	assert.ErrorIs(t, err, ErrCycle)

	wf := types.ProjectWorkflow{
		Nodes: []types.WorkflowNode{{ID: "a"}, {ID: "b"}},
		Edges: []types.WorkflowEdge{{Src: "a", Tar: "b"}, {Src: "b", Tar: "a"}},
	}
	_, err = FromWorkflow(wf)
	assert.ErrorIs(t, err, ErrCycle)
}

func TestAncestorsDescendants(t *testing.T) {
	g := build(t, []string{"a", "b", "c", "d", "e"},
		Edge{Src: "a", Tar: "b"},
		Edge{Src: "b", Tar: "c"},
		Edge{Src: "a", Tar: "d"},
		Edge{Src: "d", Tar: "c"},
	)
	assert.Equal(t, []string{"b", "c", "d"}, g.Descendants("a").Sorted())
	assert.Equal(t, []string{"a", "b", "d"}, g.Ancestors("c").Sorted())
	assert.Empty(t, g.Descendants("e"))
	assert.True(t, g.HasPath("a", "c"))
	assert.False(t, g.HasPath("c", "a"))
	assert.False(t, g.HasPath("a", "a"))

	sub := g.Subgraph(Set{"a": {}, "b": {}, "c": {}})
	assert.Equal(t, []string{"a", "b", "c"}, sub.Nodes())
	assert.Len(t, sub.Edges(), 2)
	assert.Equal(t, []string{"b", "d"}, g.Sort(Set{"d": {}, "b": {}}))
}

func TestJSONRoundTrip(t *testing.T) {
	g := build(t, []string{"x", "y", "z"},
		Edge{Src: "x", SrcPort: "value", Tar: "y", TarPort: "a"},
		Edge{Src: "x", SrcPort: "value", Tar: "z", TarPort: "b"},
	)
	data, err := json.Marshal(g)
	require.NoError(t, err)

	var back Graph
	require.NoError(t, json.Unmarshal(data, &back))
	assert.True(t, g.Equal(&back))

	assert.Error(t, json.Unmarshal([]byte(`{"nodes":["a"],"edges":[{"src":"a","tar":"b"}]}`), &back))
}
