// Package topology holds the multi-edge DAG a workflow is executed over.
package topology

import (
	"container/heap"
	"encoding/json"
	"errors"
	"fmt"
	"sort"

	"github.com/songzhibin97/dataflow-engine/types"
)

var (
	ErrCycle         = errors.New("graph contains a cycle")
	ErrDuplicateNode = errors.New("duplicate node id")
	ErrDuplicateEdge = errors.New("duplicate edge")
	ErrUnknownNode   = errors.New("unknown node")
	ErrBlankNode     = errors.New("node id is blank")
)

// Edge connects (Src, SrcPort) to (Tar, TarPort).
type Edge struct {
	Src     string `json:"src"`
	SrcPort string `json:"src_port"`
	Tar     string `json:"tar"`
	TarPort string `json:"tar_port"`
}

func (e Edge) String() string {
	return fmt.Sprintf("%s.%s -> %s.%s", e.Src, e.SrcPort, e.Tar, e.TarPort)
}

// Set is a set of node ids.
type Set map[string]struct{}

// Has reports membership.
func (s Set) Has(id string) bool {
	_, ok := s[id]
	return ok
}

// Add inserts ids.
func (s Set) Add(ids ...string) {
	for _, id := range ids {
		s[id] = struct{}{}
	}
}

// Sorted returns the members in lexical order.
func (s Set) Sorted() []string {
	out := make([]string, 0, len(s))
	for id := range s {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// Graph is a directed multigraph over string node ids. Nodes remember their
// insertion order, which breaks ties in TopologicalOrder.
type Graph struct {
	nodes []string
	index map[string]int
	edges []Edge
	seen  map[Edge]struct{}
	in    map[string][]Edge
	out   map[string][]Edge
}

// New returns an empty graph.
func New() *Graph {
	return &Graph{
		index: make(map[string]int),
		seen:  make(map[Edge]struct{}),
		in:    make(map[string][]Edge),
		out:   make(map[string][]Edge),
	}
}

// FromWorkflow builds the topology of a workflow document and rejects cycles.
func FromWorkflow(wf types.ProjectWorkflow) (*Graph, error) {
	g := New()
	for _, n := range wf.Nodes {
		if err := g.AddNode(n.ID); err != nil {
			return nil, err
		}
	}
	for _, e := range wf.Edges {
		if err := g.AddEdge(Edge{Src: e.Src, SrcPort: e.SrcPort, Tar: e.Tar, TarPort: e.TarPort}); err != nil {
			return nil, err
		}
	}
	if _, err := g.TopologicalOrder(); err != nil {
		return nil, err
	}
	return g, nil
}

// AddNode inserts a node.
func (g *Graph) AddNode(id string) error {
	if id == "" {
		return ErrBlankNode
	}
	if _, ok := g.index[id]; ok {
		return fmt.Errorf("%w: %s", ErrDuplicateNode, id)
	}
	g.index[id] = len(g.nodes)
	g.nodes = append(g.nodes, id)
	return nil
}

// AddEdge inserts an edge between existing nodes. Duplicate 4-tuples are rejected.
func (g *Graph) AddEdge(e Edge) error {
	if !g.HasNode(e.Src) {
		return fmt.Errorf("%w: edge source %s", ErrUnknownNode, e.Src)
	}
	if !g.HasNode(e.Tar) {
		return fmt.Errorf("%w: edge target %s", ErrUnknownNode, e.Tar)
	}
	if _, dup := g.seen[e]; dup {
		return fmt.Errorf("%w: %s", ErrDuplicateEdge, e)
	}
	g.seen[e] = struct{}{}
	g.edges = append(g.edges, e)
	g.out[e.Src] = append(g.out[e.Src], e)
	g.in[e.Tar] = append(g.in[e.Tar], e)
	return nil
}

// HasNode reports whether the node exists.
func (g *Graph) HasNode(id string) bool {
	_, ok := g.index[id]
	return ok
}

// Nodes returns node ids in insertion order.
func (g *Graph) Nodes() []string { return append([]string(nil), g.nodes...) }

// Edges returns edges in insertion order.
func (g *Graph) Edges() []Edge { return append([]Edge(nil), g.edges...) }

// Len returns the number of nodes.
func (g *Graph) Len() int { return len(g.nodes) }

// InEdges returns the edges ending at id.
func (g *Graph) InEdges(id string) []Edge { return append([]Edge(nil), g.in[id]...) }

// OutEdges returns the edges leaving id.
func (g *Graph) OutEdges(id string) []Edge { return append([]Edge(nil), g.out[id]...) }

// Successors returns the distinct direct successors of id in edge order.
func (g *Graph) Successors(id string) []string {
	return distinct(g.out[id], func(e Edge) string { return e.Tar })
}

// Predecessors returns the distinct direct predecessors of id in edge order.
func (g *Graph) Predecessors(id string) []string {
	return distinct(g.in[id], func(e Edge) string { return e.Src })
}

func distinct(edges []Edge, key func(Edge) string) []string {
	seen := make(Set, len(edges))
	var out []string
	for _, e := range edges {
		k := key(e)
		if !seen.Has(k) {
			seen.Add(k)
			out = append(out, k)
		}
	}
	return out
}

// Descendants returns every node reachable from id, excluding id.
func (g *Graph) Descendants(id string) Set {
	return g.walk(id, g.Successors)
}

// Ancestors returns every node that reaches id, excluding id.
func (g *Graph) Ancestors(id string) Set {
	return g.walk(id, g.Predecessors)
}

func (g *Graph) walk(id string, next func(string) []string) Set {
	out := Set{}
	stack := next(id)
	for len(stack) > 0 {
		n := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if out.Has(n) {
			continue
		}
		out.Add(n)
		stack = append(stack, next(n)...)
	}
	delete(out, id)
	return out
}

// HasPath reports whether tar is reachable from src.
func (g *Graph) HasPath(src, tar string) bool {
	return g.Descendants(src).Has(tar)
}

// Subgraph returns the graph restricted to ids, keeping only edges with both
// endpoints inside. Insertion order follows the parent graph.
func (g *Graph) Subgraph(ids Set) *Graph {
	sub := New()
	for _, n := range g.nodes {
		if ids.Has(n) {
			_ = sub.AddNode(n)
		}
	}
	for _, e := range g.edges {
		if ids.Has(e.Src) && ids.Has(e.Tar) {
			_ = sub.AddEdge(e)
		}
	}
	return sub
}

// TopologicalOrder returns a deterministic order: among ready nodes the one
// inserted first is emitted first.
func (g *Graph) TopologicalOrder() ([]string, error) {
	indeg := make(map[string]int, len(g.nodes))
	for _, e := range g.edges {
		indeg[e.Tar]++
	}
	ready := &indexHeap{}
	for i, n := range g.nodes {
		if indeg[n] == 0 {
			heap.Push(ready, i)
		}
	}
	order := make([]string, 0, len(g.nodes))
	for ready.Len() > 0 {
		n := g.nodes[heap.Pop(ready).(int)]
		order = append(order, n)
		for _, e := range g.out[n] {
			indeg[e.Tar]--
			if indeg[e.Tar] == 0 {
				heap.Push(ready, g.index[e.Tar])
			}
		}
	}
	if len(order) != len(g.nodes) {
		var stuck []string
		for _, n := range g.nodes {
			if indeg[n] > 0 {
				stuck = append(stuck, n)
			}
		}
		return nil, fmt.Errorf("%w: involving %v", ErrCycle, stuck)
	}
	return order, nil
}

// Sort orders ids topologically using the order of the whole graph.
func (g *Graph) Sort(ids Set) []string {
	order, err := g.TopologicalOrder()
	if err != nil {
		return ids.Sorted()
	}
	out := make([]string, 0, len(ids))
	for _, n := range order {
		if ids.Has(n) {
			out = append(out, n)
		}
	}
	return out
}

// Equal compares nodes and edges in insertion order.
func (g *Graph) Equal(o *Graph) bool {
	if len(g.nodes) != len(o.nodes) || len(g.edges) != len(o.edges) {
		return false
	}
	for i := range g.nodes {
		if g.nodes[i] != o.nodes[i] {
			return false
		}
	}
	for i := range g.edges {
		if g.edges[i] != o.edges[i] {
			return false
		}
	}
	return true
}

type graphJSON struct {
	Nodes []string `json:"nodes"`
	Edges []Edge   `json:"edges"`
}

func (g *Graph) MarshalJSON() ([]byte, error) {
	doc := graphJSON{Nodes: g.nodes, Edges: g.edges}
	if doc.Nodes == nil {
		doc.Nodes = []string{}
	}
	if doc.Edges == nil {
		doc.Edges = []Edge{}
	}
	return json.Marshal(doc)
}

func (g *Graph) UnmarshalJSON(data []byte) error {
	var doc graphJSON
	if err := json.Unmarshal(data, &doc); err != nil {
		return err
	}
	fresh := New()
	for _, n := range doc.Nodes {
		if err := fresh.AddNode(n); err != nil {
			return err
		}
	}
	for _, e := range doc.Edges {
		if err := fresh.AddEdge(e); err != nil {
			return err
		}
	}
	*g = *fresh
	return nil
}

type indexHeap []int

func (h indexHeap) Len() int           { return len(h) }
func (h indexHeap) Less(i, j int) bool { return h[i] < h[j] }
func (h indexHeap) Swap(i, j int)      { h[i], h[j] = h[j], h[i] }
func (h *indexHeap) Push(x any)        { *h = append(*h, x.(int)) }
func (h *indexHeap) Pop() any {
	old := *h
	n := old[len(old)-1]
	*h = old[:len(old)-1]
	return n
}
