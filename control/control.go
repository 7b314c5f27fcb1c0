// Package control pairs loop begin and end nodes and derives their bodies.
package control

import (
	"errors"
	"fmt"
	"sort"

	"github.com/songzhibin97/dataflow-engine/node"
	"github.com/songzhibin97/dataflow-engine/topology"
	"github.com/songzhibin97/dataflow-engine/types"
)

var (
	ErrDuplicateBegin  = errors.New("duplicate loop begin for pair")
	ErrDuplicateEnd    = errors.New("duplicate loop end for pair")
	ErrUnpaired        = errors.New("loop node has no counterpart")
	ErrNoPath          = errors.New("loop end is not reachable from its begin")
	ErrUnreachableBody = errors.New("loop body contains an unreachable node")
	ErrNestedLoop      = errors.New("nested loops are not supported")
	ErrUnknownPair     = errors.New("unknown control structure")
)

// Failure is a node failed by the analysis.
type Failure struct {
	NodeID string
	Err    error
}

// Pair is a validated control structure.
type Pair struct {
	ID    int
	Begin string
	End   string
	// Body lists the nodes strictly between begin and end in topological order.
	Body []string
	Hash string
}

// Analyzer holds the surviving control structures of one workflow run.
type Analyzer struct {
	g      *topology.Graph
	pairs  map[int]*Pair
	begins map[string]*Pair
	ends   map[string]*Pair
	bodies map[string]*Pair
}

type group struct {
	begins []string
	ends   []string
}

// Analyze inspects the constructed nodes. unreachable is updated in place with
// every node that cannot run because of a dropped or failed structure. Failures
// are reported in topological order of the failed node.
func Analyze(g *topology.Graph, nodes map[string]node.Node, unreachable topology.Set) (*Analyzer, []Failure) {
	a := &Analyzer{
		g:      g,
		pairs:  make(map[int]*Pair),
		begins: make(map[string]*Pair),
		ends:   make(map[string]*Pair),
		bodies: make(map[string]*Pair),
	}
	order, err := g.TopologicalOrder()
	if err != nil {
		return a, nil
	}

	var failures []Failure
	fail := func(id string, err error) {
		failures = append(failures, Failure{NodeID: id, Err: err})
		a.markUnreachable(unreachable, id)
	}

	groups := map[int]*group{}
	var ids []int
	for _, id := range order {
		cs, ok := nodes[id].(node.ControlStructure)
		if !ok {
			continue
		}
		pid, role := cs.ControlStructure()
		gr, ok := groups[pid]
		if !ok {
			gr = &group{}
			groups[pid] = gr
			ids = append(ids, pid)
		}
		if role == node.RoleBegin {
			gr.begins = append(gr.begins, id)
		} else {
			gr.ends = append(gr.ends, id)
		}
	}
	sort.Ints(ids)

	candidates := map[int]*Pair{}
	for _, pid := range ids {
		gr := groups[pid]
		switch {
		case len(gr.begins) > 1:
			for _, id := range append(gr.begins, gr.ends...) {
				fail(id, fmt.Errorf("%w %d", ErrDuplicateBegin, pid))
			}
		case len(gr.ends) > 1:
			for _, id := range append(gr.begins, gr.ends...) {
				fail(id, fmt.Errorf("%w %d", ErrDuplicateEnd, pid))
			}
		case len(gr.begins) == 0 || len(gr.ends) == 0:
			for _, id := range append(gr.begins, gr.ends...) {
				fail(id, fmt.Errorf("%w: pair %d", ErrUnpaired, pid))
			}
		default:
			candidates[pid] = &Pair{ID: pid, Begin: gr.begins[0], End: gr.ends[0]}
		}
	}

	// Drop pairs touching unreachable nodes until nothing changes.
	for changed := true; changed; {
		changed = false
		for _, pid := range ids {
			p, ok := candidates[pid]
			if !ok {
				continue
			}
			if unreachable.Has(p.Begin) || unreachable.Has(p.End) {
				delete(candidates, pid)
				a.markUnreachable(unreachable, p.Begin)
				a.markUnreachable(unreachable, p.End)
				changed = true
			}
		}
	}

	controlNodes := topology.Set{}
	for _, gr := range groups {
		controlNodes.Add(gr.begins...)
		controlNodes.Add(gr.ends...)
	}
	for _, pid := range ids {
		p, ok := candidates[pid]
		if !ok {
			continue
		}
		if !g.HasPath(p.Begin, p.End) {
			fail(p.Begin, fmt.Errorf("%w: pair %d", ErrNoPath, pid))
			continue
		}
		body := topology.Set{}
		anc := g.Ancestors(p.End)
		for id := range g.Descendants(p.Begin) {
			if anc.Has(id) {
				body.Add(id)
			}
		}
		var bad error
		for id := range body {
			if unreachable.Has(id) {
				bad = fmt.Errorf("%w: %s", ErrUnreachableBody, id)
				break
			}
			if controlNodes.Has(id) {
				bad = fmt.Errorf("%w: %s", ErrNestedLoop, id)
				break
			}
		}
		if bad != nil {
			fail(p.Begin, bad)
			continue
		}
		p.Body = g.Sort(body)
		p.Hash = structureHash(g, nodes, p)
		a.add(p)
	}

	sort.SliceStable(failures, func(i, j int) bool {
		return indexOf(order, failures[i].NodeID) < indexOf(order, failures[j].NodeID)
	})
	return a, failures
}

func (a *Analyzer) markUnreachable(unreachable topology.Set, id string) {
	unreachable.Add(id)
	for d := range a.g.Descendants(id) {
		unreachable.Add(d)
	}
}

func (a *Analyzer) add(p *Pair) {
	a.pairs[p.ID] = p
	a.begins[p.Begin] = p
	a.ends[p.End] = p
	for _, id := range p.Body {
		a.bodies[id] = p
	}
}

// IsBegin reports whether id begins a valid structure.
func (a *Analyzer) IsBegin(id string) bool {
	_, ok := a.begins[id]
	return ok
}

// IsEnd reports whether id ends a valid structure.
func (a *Analyzer) IsEnd(id string) bool {
	_, ok := a.ends[id]
	return ok
}

// IsBody reports whether id lies strictly inside a valid structure.
func (a *Analyzer) IsBody(id string) bool {
	_, ok := a.bodies[id]
	return ok
}

// EndOfBegin returns the end node paired with a begin node.
func (a *Analyzer) EndOfBegin(id string) (string, bool) {
	p, ok := a.begins[id]
	if !ok {
		return "", false
	}
	return p.End, true
}

// Owner returns the begin node of the structure id belongs to as begin, body
// or end node.
func (a *Analyzer) Owner(id string) (string, bool) {
	for _, m := range []map[string]*Pair{a.begins, a.bodies, a.ends} {
		if p, ok := m[id]; ok {
			return p.Begin, true
		}
	}
	return "", false
}

// PairOf returns the structure begun by id.
func (a *Analyzer) PairOf(beginID string) (*Pair, error) {
	p, ok := a.begins[beginID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownPair, beginID)
	}
	return p, nil
}

// Body returns the body nodes of the structure begun by id in topological order.
func (a *Analyzer) Body(beginID string) []string {
	p, ok := a.begins[beginID]
	if !ok {
		return nil
	}
	return append([]string(nil), p.Body...)
}

// Pairs returns the valid structures ordered by pair id.
func (a *Analyzer) Pairs() []*Pair {
	out := make([]*Pair, 0, len(a.pairs))
	for _, p := range a.pairs {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

type hashedNode struct {
	ID     string         `json:"id"`
	Type   string         `json:"type"`
	Params map[string]any `json:"params"`
}

type hashedStructure struct {
	Begin hashedNode      `json:"begin"`
	End   hashedNode      `json:"end"`
	Body  []hashedNode    `json:"body"`
	Edges []topology.Edge `json:"edges"`
}

// structureHash covers begin and end parameters, body parameters and every
// edge among the structure's nodes.
func structureHash(g *topology.Graph, nodes map[string]node.Node, p *Pair) string {
	describe := func(id string) hashedNode {
		n := nodes[id]
		return hashedNode{ID: id, Type: n.Type(), Params: n.Params()}
	}
	doc := hashedStructure{Begin: describe(p.Begin), End: describe(p.End)}
	members := topology.Set{p.Begin: {}, p.End: {}}
	for _, id := range p.Body {
		doc.Body = append(doc.Body, describe(id))
		members.Add(id)
	}
	doc.Edges = g.Subgraph(members).Edges()
	h, err := types.FingerprintJSON(doc)
	if err != nil {
		return fmt.Sprintf("unhashable:%d:%s", p.ID, p.Begin)
	}
	return h
}

func indexOf(order []string, id string) int {
	for i, n := range order {
		if n == id {
			return i
		}
	}
	return len(order)
}
