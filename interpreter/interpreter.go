// Package interpreter drives a workflow through construction, static analysis
// and execution. Every phase reports per-node outcomes through a callback that
// may stop the phase by returning false.
package interpreter

import (
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/songzhibin97/dataflow-engine/cache"
	"github.com/songzhibin97/dataflow-engine/control"
	"github.com/songzhibin97/dataflow-engine/node"
	"github.com/songzhibin97/dataflow-engine/topology"
	"github.com/songzhibin97/dataflow-engine/types"
)

var (
	// ErrAborted is returned when a callback requests termination.
	ErrAborted = errors.New("phase aborted by callback")
	// ErrInterrupted is returned when the interrupt check asks to stop.
	ErrInterrupted = errors.New("execution interrupted")

	ErrNotConstructed = errors.New("workflow has not been constructed")
	ErrNotAnalysed    = errors.New("workflow has not been statically analysed")
	ErrMultipleInputs = errors.New("input port has more than one incoming edge")
	ErrMissingSource  = errors.New("source port does not exist")
)

// Outcome is the result kind reported for a node.
type Outcome string

const (
	Success Outcome = "success"
	Failure Outcome = "error"
	// Skipped closes a node that was announced to BeforeFunc but never ran
	// because its control structure failed first.
	Skipped Outcome = "skipped"
)

// Result is the outcome of one node in one phase.
type Result struct {
	NodeID  string
	Outcome Outcome
	// Schemas holds the inferred output schemas after static analysis.
	Schemas map[string]types.Schema
	// Outputs holds the produced values after execution.
	Outputs map[string]types.Value
	// Hint holds the advisory UI data of the hint pass.
	Hint map[string]any
	Err  error
	// RunningTime is the wall-clock duration in milliseconds, nil when unknown.
	RunningTime *float64
	// Cached reports that outputs were served from the cache.
	Cached bool
}

// Callback receives node results. Returning false aborts the phase.
type Callback func(r Result) bool

// BeforeFunc is called right before a node is processed.
type BeforeFunc func(nodeID string)

type portKey struct {
	node string
	port string
}

// Option configures an Interpreter.
type Option func(*Interpreter)

// WithCache enables memoization through m.
func WithCache(m *cache.Manager) Option {
	return func(i *Interpreter) { i.cache = m }
}

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(i *Interpreter) {
		if l != nil {
			i.logger = l
		}
	}
}

// WithInterruptCheck installs a check called every interval during Execute.
// When it returns false the run is cancelled and Execute returns ErrInterrupted.
func WithInterruptCheck(interval time.Duration, check func() bool) Option {
	return func(i *Interpreter) {
		if interval > 0 && check != nil {
			i.checkInterval = interval
			i.check = check
		}
	}
}

// Interpreter owns the node instances and the intermediate values of one run.
type Interpreter struct {
	g      *topology.Graph
	order  []string
	specs  map[string]types.WorkflowNode
	cfg    *node.GlobalConfig
	cache  *cache.Manager
	logger *zap.Logger

	checkInterval time.Duration
	check         func() bool

	instances   map[string]*node.Instance
	unreachable topology.Set
	schemas     map[portKey]types.Schema
	values      map[portKey]types.Value
	analyzer    *control.Analyzer

	constructed bool
	analysed    bool
}

// New builds the topology of wf. Cycles are rejected before any node is
// instantiated.
func New(wf types.ProjectWorkflow, cfg *node.GlobalConfig, opts ...Option) (*Interpreter, error) {
	g, err := topology.FromWorkflow(wf)
	if err != nil {
		return nil, fmt.Errorf("building topology: %w", err)
	}
	order, err := g.TopologicalOrder()
	if err != nil {
		return nil, err
	}
	if cfg == nil {
		cfg = &node.GlobalConfig{}
	}
	i := &Interpreter{
		g:           g,
		order:       order,
		specs:       make(map[string]types.WorkflowNode, len(wf.Nodes)),
		cfg:         cfg,
		logger:      cfg.Log(),
		instances:   make(map[string]*node.Instance, len(wf.Nodes)),
		unreachable: topology.Set{},
		schemas:     make(map[portKey]types.Schema),
		values:      make(map[portKey]types.Value),
	}
	for _, n := range wf.Nodes {
		i.specs[n.ID] = n
	}
	for _, opt := range opts {
		opt(i)
	}
	return i, nil
}

// Graph returns the topology.
func (i *Interpreter) Graph() *topology.Graph { return i.g }

// Order returns the topological order of the nodes.
func (i *Interpreter) Order() []string { return append([]string(nil), i.order...) }

// Unreachable returns the nodes that failed or cannot run because an ancestor failed.
func (i *Interpreter) Unreachable() topology.Set {
	out := make(topology.Set, len(i.unreachable))
	for id := range i.unreachable {
		out.Add(id)
	}
	return out
}

// Analyzer returns the control-structure analyzer, nil before static analysis.
func (i *Interpreter) Analyzer() *control.Analyzer { return i.analyzer }

// Value returns a value produced during execution.
func (i *Interpreter) Value(nodeID, port string) (types.Value, bool) {
	v, ok := i.values[portKey{nodeID, port}]
	return v, ok
}

func (i *Interpreter) markUnreachable(id string) {
	i.unreachable.Add(id)
	for d := range i.g.Descendants(id) {
		i.unreachable.Add(d)
	}
}

// Construct instantiates every node through the registry. A failed node and
// its descendants become unreachable and are skipped by the later phases.
func (i *Interpreter) Construct(cb Callback) error {
	for _, id := range i.order {
		if i.unreachable.Has(id) {
			continue
		}
		spec := i.specs[id]
		n, err := node.Create(spec.Type, i.cfg, id, spec.Param)
		if err != nil {
			i.markUnreachable(id)
			i.logger.Debug("node construction failed", zap.String("node_id", id), zap.String("type", spec.Type), zap.Error(err))
			if !cb(Result{NodeID: id, Outcome: Failure, Err: err}) {
				return ErrAborted
			}
			continue
		}
		i.instances[id] = node.NewInstance(n, i.cfg.Debug)
		if !cb(Result{NodeID: id, Outcome: Success}) {
			return ErrAborted
		}
	}
	i.constructed = true
	return nil
}

// inputSchemas gathers the schemas flowing into id.
func (i *Interpreter) inputSchemas(id string) (map[string]types.Schema, error) {
	in := make(map[string]types.Schema)
	verr := &node.ValidationError{}
	for _, e := range i.g.InEdges(id) {
		if _, dup := in[e.TarPort]; dup {
			verr.Add(e.TarPort, ErrMultipleInputs.Error())
			continue
		}
		s, ok := i.schemas[portKey{e.Src, e.SrcPort}]
		if !ok {
			verr.Add(e.TarPort, fmt.Sprintf("%s: %s.%s", ErrMissingSource, e.Src, e.SrcPort))
			continue
		}
		in[e.TarPort] = s
	}
	return in, verr.OrNil()
}

// StaticAnalyse infers output schemas in topological order and then pairs the
// control structures. Failures make the node and its descendants unreachable.
func (i *Interpreter) StaticAnalyse(cb Callback) error {
	if !i.constructed {
		return ErrNotConstructed
	}
	for _, id := range i.order {
		if i.unreachable.Has(id) {
			continue
		}
		inst := i.instances[id]
		in, err := i.inputSchemas(id)
		var out map[string]types.Schema
		if err == nil {
			out, err = inst.StaticAnalyse(in)
		}
		if err != nil {
			i.markUnreachable(id)
			if !cb(Result{NodeID: id, Outcome: Failure, Err: err}) {
				return ErrAborted
			}
			continue
		}
		for port, s := range out {
			i.schemas[portKey{id, port}] = s
		}
		if !cb(Result{NodeID: id, Outcome: Success, Schemas: out}) {
			return ErrAborted
		}
	}

	nodes := make(map[string]node.Node, len(i.instances))
	for id, inst := range i.instances {
		nodes[id] = inst.Node
	}
	analyzer, failures := control.Analyze(i.g, nodes, i.unreachable)
	i.analyzer = analyzer
	for _, f := range failures {
		i.logger.Debug("control structure rejected", zap.String("node_id", f.NodeID), zap.Error(f.Err))
		if !cb(Result{NodeID: f.NodeID, Outcome: Failure, Err: node.NewValidationError("", "%v", f.Err)}) {
			return ErrAborted
		}
	}
	i.analysed = true
	return nil
}

// Hint collects advisory UI data in a best-effort pass that never fails on
// node errors. Only nodes that provide hints are reported.
func (i *Interpreter) Hint(cb Callback) error {
	schemas := make(map[portKey]types.Schema)
	for _, id := range i.order {
		spec := i.specs[id]
		n, err := node.Create(spec.Type, i.cfg, id, spec.Param)
		if err != nil {
			continue
		}
		in := make(map[string]types.Schema)
		for _, e := range i.g.InEdges(id) {
			if s, ok := schemas[portKey{e.Src, e.SrcPort}]; ok {
				in[e.TarPort] = s
			}
		}
		if out, err := node.NewInstance(n, false).StaticAnalyse(in); err == nil {
			for port, s := range out {
				schemas[portKey{id, port}] = s
			}
		}
		h, ok := n.(node.Hinter)
		if !ok {
			continue
		}
		hint := safeHint(h, in)
		if hint == nil {
			continue
		}
		if !cb(Result{NodeID: id, Outcome: Success, Hint: hint}) {
			return ErrAborted
		}
	}
	return nil
}

func safeHint(h node.Hinter, in map[string]types.Schema) (out map[string]any) {
	defer func() {
		if r := recover(); r != nil {
			out = nil
		}
	}()
	return h.Hint(in)
}
