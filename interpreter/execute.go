package interpreter

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/songzhibin97/dataflow-engine/cache"
	"github.com/songzhibin97/dataflow-engine/node"
	"github.com/songzhibin97/dataflow-engine/topology"
	"github.com/songzhibin97/dataflow-engine/types"
)

func elapsedMS(start time.Time) float64 {
	return float64(time.Since(start).Microseconds()) / 1000
}

func msPtr(ms float64) *float64 { return &ms }

// schedule orders the execution units. Every control structure collapses into
// a single unit named after its begin node, placed after all external inputs
// of its body and end nodes.
func (i *Interpreter) schedule() ([]string, error) {
	unit := func(id string) string {
		if begin, ok := i.analyzer.Owner(id); ok {
			return begin
		}
		return id
	}
	cg := topology.New()
	for _, id := range i.order {
		u := unit(id)
		if !cg.HasNode(u) {
			if err := cg.AddNode(u); err != nil {
				return nil, err
			}
		}
	}
	for _, e := range i.g.Edges() {
		src, tar := unit(e.Src), unit(e.Tar)
		if src == tar {
			continue
		}
		err := cg.AddEdge(topology.Edge{Src: src, SrcPort: e.Src + "." + e.SrcPort, Tar: tar, TarPort: e.Tar + "." + e.TarPort})
		if err != nil && !errors.Is(err, topology.ErrDuplicateEdge) {
			return nil, err
		}
	}
	return cg.TopologicalOrder()
}

// Execute runs every reachable node in topological order. Control structures
// run as a whole when their begin node is reached. Node failures are reported
// through after and do not stop the run; cancellation, interruption, cache
// store failures and a false return from after do.
func (i *Interpreter) Execute(ctx context.Context, before BeforeFunc, after Callback) error {
	if !i.analysed {
		return ErrNotAnalysed
	}
	if before == nil {
		before = func(string) {}
	}
	units, err := i.schedule()
	if err != nil {
		return err
	}

	ctx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)
	if i.check != nil {
		go i.watch(ctx, cancel)
	}

	for _, id := range units {
		if err := checkpoint(ctx); err != nil {
			return err
		}
		if i.unreachable.Has(id) {
			continue
		}
		if i.analyzer.IsBegin(id) {
			err = i.runLoop(ctx, id, before, after)
		} else {
			err = i.runNode(ctx, id, before, after)
		}
		if err != nil {
			return err
		}
	}
	return nil
}

func (i *Interpreter) watch(ctx context.Context, cancel context.CancelCauseFunc) {
	t := time.NewTicker(i.checkInterval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			if !i.check() {
				i.logger.Info("interrupt check requested stop")
				cancel(ErrInterrupted)
				return
			}
		}
	}
}

// checkpoint returns the reason the run must stop, if any.
func checkpoint(ctx context.Context) error {
	if ctx.Err() == nil {
		return nil
	}
	if cause := context.Cause(ctx); cause != nil {
		return cause
	}
	return ctx.Err()
}

// inputValues assembles the values flowing into id.
func (i *Interpreter) inputValues(id string) (map[string]types.Value, error) {
	in := make(map[string]types.Value)
	for _, e := range i.g.InEdges(id) {
		v, ok := i.values[portKey{e.Src, e.SrcPort}]
		if !ok {
			return nil, node.Errorf("no value for %s.%s", e.Src, e.SrcPort)
		}
		in[e.TarPort] = v
	}
	return in, nil
}

func (i *Interpreter) store(id string, out map[string]types.Value) {
	for port, v := range out {
		i.values[portKey{id, port}] = v
	}
}

// fail marks id unreachable and reports err. A failure caused by the run being
// stopped is returned as the stop reason instead.
func (i *Interpreter) fail(ctx context.Context, id string, err error, ms *float64, after Callback) error {
	if stop := checkpoint(ctx); stop != nil {
		return stop
	}
	i.markUnreachable(id)
	i.logger.Debug("node failed", zap.String("node_id", id), zap.Error(err))
	if !after(Result{NodeID: id, Outcome: Failure, Err: err, RunningTime: ms}) {
		return ErrAborted
	}
	return nil
}

func (i *Interpreter) cached(ctx context.Context, key string, schemas map[string]types.Schema) (*cache.Entry, error) {
	if i.cache == nil || key == "" {
		return nil, nil
	}
	e, ok, err := i.cache.Get(ctx, key)
	if err != nil {
		return nil, err
	}
	if !ok || !types.SchemaMapsEqual(types.SchemasOf(e.Outputs), schemas) {
		return nil, nil
	}
	return e, nil
}

func (i *Interpreter) runNode(ctx context.Context, id string, before BeforeFunc, after Callback) error {
	inst := i.instances[id]
	in, err := i.inputValues(id)
	if err != nil {
		return i.fail(ctx, id, err, nil, after)
	}

	var key string
	if i.cache != nil && inst.Cacheable() {
		if key, err = cache.Key(inst.Type(), inst.Params(), in); err != nil {
			return err
		}
		e, err := i.cached(ctx, key, inst.OutputSchemas())
		if err != nil {
			return err
		}
		if e != nil {
			i.store(id, e.Outputs)
			if !after(Result{NodeID: id, Outcome: Success, Outputs: e.Outputs, RunningTime: msPtr(e.RunningTime), Cached: true}) {
				return ErrAborted
			}
			return nil
		}
	}

	before(id)
	start := time.Now()
	out, err := inst.Run(ctx, in)
	ms := elapsedMS(start)
	if err != nil {
		return i.fail(ctx, id, err, &ms, after)
	}
	i.store(id, out)
	if key != "" {
		if err := i.cache.Set(ctx, key, &cache.Entry{Outputs: out, RunningTime: ms}); err != nil {
			return fmt.Errorf("caching %s: %w", id, err)
		}
	}
	if !after(Result{NodeID: id, Outcome: Success, Outputs: out, RunningTime: &ms}) {
		return ErrAborted
	}
	return nil
}
