package control

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/songzhibin97/dataflow-engine/node"
	"github.com/songzhibin97/dataflow-engine/topology"
	"github.com/songzhibin97/dataflow-engine/types"
)

type plainNode struct {
	node.Base
}

func (plainNode) PortDef() ([]node.InputPort, []node.OutputPort) { return nil, nil }

func (plainNode) InferOutputSchemas(map[string]types.Schema) (map[string]types.Schema, error) {
	return map[string]types.Schema{}, nil
}

func (plainNode) Process(context.Context, map[string]types.Value) (map[string]types.Value, error) {
	return map[string]types.Value{}, nil
}

type loopNode struct {
	plainNode
	pair int
	role node.Role
}

func (l loopNode) ControlStructure() (int, node.Role) { return l.pair, l.role }

func plain(id string, params map[string]any) node.Node {
	return plainNode{Base: node.NewBase(nil, id, "Plain", params)}
}

func loop(id string, pair int, role node.Role) node.Node {
	return loopNode{plainNode: plainNode{Base: node.NewBase(nil, id, "Loop", map[string]any{"pair_id": pair})}, pair: pair, role: role}
}

// src -> begin -> b1 -> b2 -> end -> sink, plus begin -> end directly.
func loopGraph(t *testing.T) (*topology.Graph, map[string]node.Node) {
	t.Helper()
	g := topology.New()
	for _, id := range []string{"src", "begin", "b1", "b2", "end", "sink"} {
		require.NoError(t, g.AddNode(id))
	}
	for _, e := range []topology.Edge{
		{Src: "src", SrcPort: "value", Tar: "begin", TarPort: "table"},
		{Src: "begin", SrcPort: "row", Tar: "b1", TarPort: "table"},
		{Src: "b1", SrcPort: "result", Tar: "b2", TarPort: "a"},
		{Src: "b2", SrcPort: "result", Tar: "end", TarPort: "value"},
		{Src: "end", SrcPort: "sum", Tar: "sink", TarPort: "a"},
	} {
		require.NoError(t, g.AddEdge(e))
	}
	nodes := map[string]node.Node{
		"src":   plain("src", nil),
		"begin": loop("begin", 1, node.RoleBegin),
		"b1":    plain("b1", map[string]any{"op": "SUM"}),
		"b2":    plain("b2", nil),
		"end":   loop("end", 1, node.RoleEnd),
		"sink":  plain("sink", nil),
	}
	return g, nodes
}

func TestAnalyzeComputesBody(t *testing.T) {
	g, nodes := loopGraph(t)
	a, failures := Analyze(g, nodes, topology.Set{})
	require.Empty(t, failures)

	assert.True(t, a.IsBegin("begin"))
	assert.True(t, a.IsEnd("end"))
	assert.True(t, a.IsBody("b1"))
	assert.True(t, a.IsBody("b2"))
	assert.False(t, a.IsBody("sink"))
	assert.False(t, a.IsBody("begin"))
	end, ok := a.EndOfBegin("begin")
	require.True(t, ok)
	assert.Equal(t, "end", end)
	assert.Equal(t, []string{"b1", "b2"}, a.Body("begin"))

	p, err := a.PairOf("begin")
	require.NoError(t, err)
	assert.NotEmpty(t, p.Hash)
	_, err = a.PairOf("b1")
	assert.ErrorIs(t, err, ErrUnknownPair)
}

func TestStructureHashTracksBodyParams(t *testing.T) {
	g, nodes := loopGraph(t)
	a, _ := Analyze(g, nodes, topology.Set{})
	first, _ := a.PairOf("begin")

	again, _ := Analyze(g, nodes, topology.Set{})
	second, _ := again.PairOf("begin")
	assert.Equal(t, first.Hash, second.Hash)

	nodes["b1"] = plain("b1", map[string]any{"op": "MEAN"})
	changed, _ := Analyze(g, nodes, topology.Set{})
	third, _ := changed.PairOf("begin")
	assert.NotEqual(t, first.Hash, third.Hash)

	nodes["sink"] = plain("sink", map[string]any{"x": 1})
	outside, _ := Analyze(g, nodes, topology.Set{})
	fourth, _ := outside.PairOf("begin")
	assert.Equal(t, third.Hash, fourth.Hash)
}

func TestAnalyzeDuplicateAndUnpaired(t *testing.T) {
	g := topology.New()
	for _, id := range []string{"b", "b2", "e", "lonely"} {
		require.NoError(t, g.AddNode(id))
	}
	require.NoError(t, g.AddEdge(topology.Edge{Src: "b", Tar: "e"}))
	require.NoError(t, g.AddEdge(topology.Edge{Src: "b2", Tar: "e"}))
	nodes := map[string]node.Node{
		"b":      loop("b", 1, node.RoleBegin),
		"b2":     loop("b2", 1, node.RoleBegin),
		"e":      loop("e", 1, node.RoleEnd),
		"lonely": loop("lonely", 2, node.RoleEnd),
	}
	unreachable := topology.Set{}
	a, failures := Analyze(g, nodes, unreachable)
	assert.Empty(t, a.Pairs())
	require.Len(t, failures, 4)
	for _, f := range failures {
		if f.NodeID == "lonely" {
			assert.ErrorIs(t, f.Err, ErrUnpaired)
		} else {
			assert.ErrorIs(t, f.Err, ErrDuplicateBegin)
		}
	}
	assert.True(t, unreachable.Has("e"))
}

func TestAnalyzeNoPath(t *testing.T) {
	g := topology.New()
	require.NoError(t, g.AddNode("b"))
	require.NoError(t, g.AddNode("e"))
	require.NoError(t, g.AddNode("after"))
	require.NoError(t, g.AddEdge(topology.Edge{Src: "b", Tar: "after"}))
	nodes := map[string]node.Node{
		"b":     loop("b", 3, node.RoleBegin),
		"e":     loop("e", 3, node.RoleEnd),
		"after": plain("after", nil),
	}
	unreachable := topology.Set{}
	a, failures := Analyze(g, nodes, unreachable)
	require.Len(t, failures, 1)
	assert.Equal(t, "b", failures[0].NodeID)
	assert.ErrorIs(t, failures[0].Err, ErrNoPath)
	assert.False(t, a.IsBegin("b"))
	assert.True(t, unreachable.Has("after"))
}

func TestAnalyzeDropsUnreachable(t *testing.T) {
	g, nodes := loopGraph(t)

	// An unreachable body node fails the whole structure.
	unreachable := topology.Set{"b2": {}}
	a, failures := Analyze(g, nodes, unreachable)
	require.Len(t, failures, 1)
	assert.Equal(t, "begin", failures[0].NodeID)
	assert.ErrorIs(t, failures[0].Err, ErrUnreachableBody)
	assert.False(t, a.IsBegin("begin"))
	assert.True(t, unreachable.Has("sink"))

	// An unreachable begin drops the pair silently and propagates.
	unreachable = topology.Set{"src": {}, "begin": {}}
	a, failures = Analyze(g, nodes, unreachable)
	assert.Empty(t, failures)
	assert.Empty(t, a.Pairs())
	assert.True(t, unreachable.Has("end"))
	assert.True(t, unreachable.Has("sink"))
}

func TestOwner(t *testing.T) {
	g, nodes := loopGraph(t)
	a, failures := Analyze(g, nodes, topology.Set{})
	require.Empty(t, failures)

	for _, id := range []string{"begin", "b1", "b2", "end"} {
		owner, ok := a.Owner(id)
		require.True(t, ok, id)
		assert.Equal(t, "begin", owner)
	}
	_, ok := a.Owner("sink")
	assert.False(t, ok)
}
