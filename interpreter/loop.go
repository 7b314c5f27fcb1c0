package interpreter

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/songzhibin97/dataflow-engine/cache"
	"github.com/songzhibin97/dataflow-engine/node"
	"github.com/songzhibin97/dataflow-engine/types"
)

// loopRun collects what a structure run reports once it is over.
type loopRun struct {
	beginTime float64
	beginOut  map[string]types.Value
	bodyTime  map[string]float64
	bodyOut   map[string]map[string]types.Value
}

// runLoop drives the structure begun by beginID as one unit. The whole
// structure is memoized under its structure hash and the begin inputs. On a
// hit the recorded begin and body outcomes are replayed from the last
// iteration.
func (i *Interpreter) runLoop(ctx context.Context, beginID string, before BeforeFunc, after Callback) error {
	pair, err := i.analyzer.PairOf(beginID)
	if err != nil {
		return err
	}
	begin, end := i.instances[pair.Begin], i.instances[pair.End]
	start := time.Now()

	in, err := i.inputValues(pair.Begin)
	if err != nil {
		return i.fail(ctx, pair.Begin, err, nil, after)
	}

	var key string
	if i.cache != nil {
		if key, err = cache.StructureKey(end.Type(), pair.Hash, i.structureInputs(pair.Begin, pair.Body, pair.End, in)); err != nil {
			return err
		}
		e, err := i.cached(ctx, key, end.OutputSchemas())
		if err != nil {
			return err
		}
		if e != nil {
			return i.replayLoop(pair.End, e, after)
		}
	}

	before(pair.Begin)
	for _, id := range pair.Body {
		before(id)
	}
	run := &loopRun{bodyTime: make(map[string]float64), bodyOut: make(map[string]map[string]types.Value)}

	t0 := time.Now()
	it, err := begin.IterLoop(ctx, in)
	run.beginTime += elapsedMS(t0)
	if err != nil {
		return i.failBegin(ctx, pair.Begin, pair.Body, err, msPtr(run.beginTime), after)
	}

	iterations := 0
	for {
		if err := checkpoint(ctx); err != nil {
			return err
		}
		t0 = time.Now()
		m, ok, err := it.Next(ctx)
		run.beginTime += elapsedMS(t0)
		if err != nil {
			return i.failBegin(ctx, pair.Begin, pair.Body, fmt.Errorf("iteration %d: %w", iterations, err), msPtr(run.beginTime), after)
		}
		if !ok {
			break
		}
		iterations++
		i.store(pair.Begin, m)
		run.beginOut = m

		for _, id := range pair.Body {
			bin, err := i.inputValues(id)
			var out map[string]types.Value
			t0 = time.Now()
			if err == nil {
				out, err = i.instances[id].Run(ctx, bin)
			}
			run.bodyTime[id] += elapsedMS(t0)
			if err != nil {
				if err := i.reportLoop(pair.Begin, pair.Body, id, run, after); err != nil {
					return err
				}
				return i.fail(ctx, id, fmt.Errorf("iteration %d: %w", iterations-1, err), msPtr(run.bodyTime[id]), after)
			}
			i.store(id, out)
			run.bodyOut[id] = out
		}

		ein, err := i.inputValues(pair.End)
		if err == nil {
			err = end.EndIterLoop(ein)
		}
		if err != nil {
			if err := i.reportLoop(pair.Begin, pair.Body, "", run, after); err != nil {
				return err
			}
			return i.fail(ctx, pair.End, err, nil, after)
		}
	}

	out, err := end.FinalizeLoop()
	if err := i.reportLoop(pair.Begin, pair.Body, "", run, after); err != nil {
		return err
	}
	total := elapsedMS(start)
	if err != nil {
		return i.fail(ctx, pair.End, err, &total, after)
	}
	i.store(pair.End, out)
	i.logger.Debug("loop finished", zap.String("begin", pair.Begin), zap.Int("iterations", iterations), zap.Float64("ms", total))

	if key != "" {
		if err := i.cache.Set(ctx, key, loopEntry(pair.Begin, pair.Body, run, out, total)); err != nil {
			return fmt.Errorf("caching loop %s: %w", pair.Begin, err)
		}
	}
	if !after(Result{NodeID: pair.End, Outcome: Success, Outputs: out, RunningTime: &total}) {
		return ErrAborted
	}
	return nil
}

// structureInputs returns the begin inputs together with every value flowing
// into the body or end nodes from outside the structure.
func (i *Interpreter) structureInputs(beginID string, body []string, endID string, in map[string]types.Value) map[string]types.Value {
	inside := map[string]bool{beginID: true, endID: true}
	for _, id := range body {
		inside[id] = true
	}
	out := make(map[string]types.Value, len(in))
	for port, v := range in {
		out[port] = v
	}
	for _, id := range append(append([]string(nil), body...), endID) {
		for _, e := range i.g.InEdges(id) {
			if inside[e.Src] {
				continue
			}
			if v, ok := i.values[portKey{e.Src, e.SrcPort}]; ok {
				out[id+"."+e.TarPort] = v
			}
		}
	}
	return out
}

// reportLoop fires the after callbacks of begin and of every body node that
// ran, with the outputs of the last iteration and the summed timings. Body
// nodes that never completed an iteration are reported skipped, except failed
// which the caller reports.
func (i *Interpreter) reportLoop(beginID string, body []string, failed string, run *loopRun, after Callback) error {
	if !after(Result{NodeID: beginID, Outcome: Success, Outputs: run.beginOut, RunningTime: msPtr(run.beginTime)}) {
		return ErrAborted
	}
	for _, id := range body {
		if id == failed {
			continue
		}
		r := Result{NodeID: id, Outcome: Skipped}
		if out, ok := run.bodyOut[id]; ok {
			r = Result{NodeID: id, Outcome: Success, Outputs: out, RunningTime: msPtr(run.bodyTime[id])}
		}
		if !after(r) {
			return ErrAborted
		}
	}
	return nil
}

// failBegin closes every announced body node as skipped and fails the begin
// node, which makes the whole structure unreachable.
func (i *Interpreter) failBegin(ctx context.Context, beginID string, body []string, err error, ms *float64, after Callback) error {
	if stop := checkpoint(ctx); stop != nil {
		return stop
	}
	for _, id := range body {
		if !after(Result{NodeID: id, Outcome: Skipped}) {
			return ErrAborted
		}
	}
	return i.fail(ctx, beginID, err, ms, after)
}

func loopEntry(beginID string, body []string, run *loopRun, out map[string]types.Value, total float64) *cache.Entry {
	extras := &cache.Extras{Begin: &cache.BodyRecord{NodeID: beginID, RunningTime: run.beginTime, Outputs: run.beginOut}}
	for _, id := range body {
		rec := cache.BodyRecord{NodeID: id, RunningTime: run.bodyTime[id]}
		if o, ok := run.bodyOut[id]; ok {
			rec.Outputs = o
		}
		extras.Body = append(extras.Body, rec)
	}
	return &cache.Entry{Outputs: out, RunningTime: total, Extras: extras}
}

// replayLoop reports a memoized structure without running any of its nodes.
func (i *Interpreter) replayLoop(endID string, e *cache.Entry, after Callback) error {
	if x := e.Extras; x != nil {
		records := x.Body
		if x.Begin != nil {
			records = append([]cache.BodyRecord{*x.Begin}, records...)
		}
		for _, rec := range records {
			if _, ok := i.instances[rec.NodeID]; !ok {
				continue
			}
			i.store(rec.NodeID, rec.Outputs)
			r := Result{NodeID: rec.NodeID, Outcome: Success, Outputs: rec.Outputs, RunningTime: msPtr(rec.RunningTime), Cached: true}
			if rec.Error != nil {
				r.Outcome, r.Err = Failure, node.Errorf("%s", rec.Error.Message)
			}
			if !after(r) {
				return ErrAborted
			}
		}
	}
	i.store(endID, e.Outputs)
	if !after(Result{NodeID: endID, Outcome: Success, Outputs: e.Outputs, RunningTime: msPtr(e.RunningTime), Cached: true}) {
		return ErrAborted
	}
	return nil
}
